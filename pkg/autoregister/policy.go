// Package autoregister creates minimal device bindings for identifiers the
// registry has never seen. The inferred device type is a display label and
// connectivity mapping only; it never feeds billing or access control.
package autoregister

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// Labels assigned by InferDeviceType, in priority order.
const (
	LabelEnvironmentalSensor = "Environmental Sensor"
	LabelGPSTracker          = "GPS Tracker"
	LabelMotionSensor        = "Motion Sensor"
	LabelTemperatureSensor   = "Temperature Sensor"
	LabelGenericDevice       = "Generic IoT Device"
)

// Config controls the policy. Registration only happens when Enabled is
// set and verification failed with an unknown (not inactive) device.
type Config struct {
	Enabled          bool
	DefaultAccountID string
}

// Policy creates bindings for unknown identifiers based on what their
// payloads look like.
type Policy struct {
	registry devices.Registry
	config   Config
	logger   zerolog.Logger
}

// NewPolicy creates an auto-registration policy over the given registry.
func NewPolicy(registry devices.Registry, cfg Config, logger zerolog.Logger) *Policy {
	return &Policy{
		registry: registry,
		config:   cfg,
		logger:   logger.With().Str("component", "autoregister").Logger(),
	}
}

// Enabled reports whether the policy will register anything at all.
func (p *Policy) Enabled() bool {
	return p.config.Enabled
}

// MaybeRegister creates a minimal active binding for an identifier that
// failed verification as unknown. The decoded payload fields drive the
// device-type label. Returns created=false when the policy is disabled.
func (p *Policy) MaybeRegister(ctx context.Context, identifier string, gatewayType devices.GatewayType, category devices.MessageCategory, values map[string]any) (*devices.DeviceBinding, bool, error) {
	if !p.config.Enabled {
		return nil, false, nil
	}

	label := InferDeviceType(values)

	binding := &devices.DeviceBinding{
		DeviceID:    uuid.NewString(),
		GatewayType: gatewayType,
		Status:      devices.StatusActive,
		AccountID:   p.config.DefaultAccountID,
		DeviceType:  label,
		Metadata: map[string]string{
			"auto_registered": "true",
			"protocol":        string(gatewayType),
			"first_category":  string(category),
			"registered_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if devices.IsDeviceKey(identifier) {
		binding.DeviceKey = identifier
	} else {
		binding.DeviceKey = devices.DeviceKeyPrefix + strings.ToLower(identifier)
		binding.VendorID = identifier
	}
	binding.Name = fmt.Sprintf("%s %s", label, binding.DeviceKey)

	created, err := p.registry.CreateBinding(ctx, binding)
	if err != nil {
		return nil, false, fmt.Errorf("auto-register %s: %w", identifier, err)
	}

	p.logger.Info().
		Str("identifier", identifier).
		Str("device_key", created.DeviceKey).
		Str("device_type", label).
		Msg("Auto-registered unknown device")
	return created, true, nil
}

// InferDeviceType picks a display label from the canonical fields present
// in a decoded payload. Deterministic: the same field set always yields the
// same label.
func InferDeviceType(values map[string]any) string {
	has := func(field string) bool {
		_, ok := values[field]
		return ok
	}

	switch {
	case has(devices.FieldTemperature) && has(devices.FieldHumidity) && has(devices.FieldPressure):
		return LabelEnvironmentalSensor
	case has(devices.FieldLatitude):
		return LabelGPSTracker
	case has("motion"):
		return LabelMotionSensor
	case has(devices.FieldTemperature):
		return LabelTemperatureSensor
	default:
		return LabelGenericDevice
	}
}
