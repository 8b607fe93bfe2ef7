// Package downlink translates platform commands into vendor wire formats
// and publishes them to the device's command topic. Unlike ingestion, this
// path has a synchronous caller: every failure is returned, never logged
// away.
package downlink

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/codecs"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/topics"
)

// ErrUnknownDevice is returned when the device key resolves to no binding.
var ErrUnknownDevice = errors.New("unknown device")

// ErrInactiveDevice is returned when the target binding is disabled.
var ErrInactiveDevice = errors.New("device is inactive")

// Publisher is the broker publish surface the commander needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Commander resolves, encodes and publishes downlink commands.
type Commander struct {
	registry devices.Registry
	codecs   *codecs.Registry
	conn     Publisher
	qos      byte
	logger   zerolog.Logger
}

// NewCommander creates a downlink commander publishing at the given QoS.
func NewCommander(registry devices.Registry, codecRegistry *codecs.Registry, conn Publisher, qos byte, logger zerolog.Logger) *Commander {
	return &Commander{
		registry: registry,
		codecs:   codecRegistry,
		conn:     conn,
		qos:      qos,
		logger:   logger.With().Str("component", "downlink").Logger(),
	}
}

// SendCommand resolves the device binding, encodes the command for its
// vendor and publishes it to the vendor's command topic.
func (c *Commander) SendCommand(ctx context.Context, deviceKey string, cmd devices.Command) error {
	binding, err := c.registry.FindByDeviceKey(ctx, deviceKey)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceKey)
		}
		return fmt.Errorf("resolve binding for %s: %w", deviceKey, err)
	}
	if binding.Status == devices.StatusInactive {
		return fmt.Errorf("%w: %s", ErrInactiveDevice, deviceKey)
	}

	payload, err := c.codecs.Encode(cmd, codecs.HintsFor(*binding))
	if err != nil {
		return fmt.Errorf("encode command %q for %s: %w", cmd.Method, deviceKey, err)
	}

	topic := topics.Strategy(*binding).CommandsTopic
	if err := c.conn.Publish(topic, payload, c.qos, false); err != nil {
		return fmt.Errorf("publish command %q to %s: %w", cmd.Method, topic, err)
	}

	c.logger.Info().
		Str("device_key", deviceKey).
		Str("method", cmd.Method).
		Str("topic", topic).
		Int("payload_bytes", len(payload)).
		Msg("Downlink command published")
	return nil
}
