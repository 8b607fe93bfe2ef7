package autoregister

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

func TestInferDeviceTypeIsDeterministic(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   string
	}{
		{
			name:   "environmental sensor",
			values: map[string]any{"temperature": 21.0, "humidity": 55.0, "pressure": 1013.2},
			want:   LabelEnvironmentalSensor,
		},
		{
			name:   "gps tracker",
			values: map[string]any{"latitude": 24.7, "longitude": 46.6},
			want:   LabelGPSTracker,
		},
		{
			name:   "gps outranks temperature",
			values: map[string]any{"latitude": 24.7, "temperature": 30.0},
			want:   LabelGPSTracker,
		},
		{
			name:   "motion sensor",
			values: map[string]any{"motion": true},
			want:   LabelMotionSensor,
		},
		{
			name:   "temperature sensor",
			values: map[string]any{"temperature": 22.5},
			want:   LabelTemperatureSensor,
		},
		{
			name:   "temperature and humidity without pressure",
			values: map[string]any{"temperature": 22.5, "humidity": 40.0},
			want:   LabelTemperatureSensor,
		},
		{
			name:   "generic fallback",
			values: map[string]any{"counter": 7.0},
			want:   LabelGenericDevice,
		},
		{
			name:   "empty payload",
			values: map[string]any{},
			want:   LabelGenericDevice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Same field set, same label, every time.
			for i := 0; i < 3; i++ {
				assert.Equal(t, tt.want, InferDeviceType(tt.values))
			}
		})
	}
}

func TestMaybeRegisterDisabled(t *testing.T) {
	reg := devices.NewInMemoryRegistry()
	p := NewPolicy(reg, Config{Enabled: false}, zerolog.Nop())

	binding, created, err := p.MaybeRegister(context.Background(), "dev_new", devices.GatewayGeneric, devices.CategoryTelemetry, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, binding)

	_, err = reg.FindByDeviceKey(context.Background(), "dev_new")
	assert.ErrorIs(t, err, devices.ErrNotFound)
}

func TestMaybeRegisterPlatformKey(t *testing.T) {
	reg := devices.NewInMemoryRegistry()
	p := NewPolicy(reg, Config{Enabled: true, DefaultAccountID: "acct-1"}, zerolog.Nop())

	binding, created, err := p.MaybeRegister(
		context.Background(),
		"dev_xyz",
		devices.GatewayGeneric,
		devices.CategoryTelemetry,
		map[string]any{"latitude": 24.7, "longitude": 46.6},
	)
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, "dev_xyz", binding.DeviceKey)
	assert.Equal(t, devices.StatusActive, binding.Status)
	assert.Equal(t, LabelGPSTracker, binding.DeviceType)
	assert.Equal(t, "acct-1", binding.AccountID)
	assert.Equal(t, "true", binding.Metadata["auto_registered"])
	assert.Equal(t, string(devices.GatewayGeneric), binding.Metadata["protocol"])
	assert.NotEmpty(t, binding.DeviceID)

	// The binding is findable, so re-verification must now succeed.
	found, err := reg.FindByDeviceKey(context.Background(), "dev_xyz")
	require.NoError(t, err)
	assert.Equal(t, binding.DeviceKey, found.DeviceKey)
}

func TestMaybeRegisterVendorIdentifier(t *testing.T) {
	reg := devices.NewInMemoryRegistry()
	p := NewPolicy(reg, Config{Enabled: true}, zerolog.Nop())

	binding, created, err := p.MaybeRegister(
		context.Background(),
		"A81758FFFE030123",
		devices.GatewayVendorALora,
		devices.CategoryTelemetry,
		map[string]any{"temperature": 20.0},
	)
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, "A81758FFFE030123", binding.VendorID)
	assert.Equal(t, "dev_a81758fffe030123", binding.DeviceKey)
	assert.Equal(t, LabelTemperatureSensor, binding.DeviceType)

	found, err := reg.FindByVendorIdentifier(context.Background(), devices.GatewayVendorALora, "A81758FFFE030123")
	require.NoError(t, err)
	assert.Equal(t, binding.DeviceKey, found.DeviceKey)
}
