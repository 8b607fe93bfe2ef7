package downlink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/codecs"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

type recordingPublisher struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	calls    int
	failWith error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.calls++
	if p.failWith != nil {
		return p.failWith
	}
	p.topic = topic
	p.payload = payload
	p.qos = qos
	p.retained = retained
	return nil
}

func newTestCommander(t *testing.T, pub Publisher) (*Commander, *devices.InMemoryRegistry) {
	t.Helper()
	registry := devices.NewInMemoryRegistry()
	return NewCommander(registry, codecs.NewRegistry(), pub, 1, zerolog.Nop()), registry
}

func TestSendCommandVendorAFrame(t *testing.T) {
	pub := &recordingPublisher{}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:     "dev_abc123",
		VendorID:      "a81758fffe030123",
		GatewayType:   devices.GatewayVendorALora,
		ApplicationID: "1",
		Status:        devices.StatusActive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_abc123", devices.Command{
		Method: "set_light",
		Params: map[string]any{"on": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/1/device/a81758fffe030123/tx", pub.topic)
	assert.Equal(t, []byte{0xFF, 0x0B, 0x01}, pub.payload)
	assert.Equal(t, byte(1), pub.qos)
	assert.False(t, pub.retained)
}

func TestSendCommandVendorBDownlink(t *testing.T) {
	pub := &recordingPublisher{}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:     "dev_em300",
		VendorID:      "24e124136d151234",
		GatewayType:   devices.GatewayVendorBLora,
		ApplicationID: "7",
		Status:        devices.StatusActive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_em300", devices.Command{
		Method:    "set_interval",
		Params:    map[string]any{"seconds": 300},
		Confirmed: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/7/device/24e124136d151234/command/down", pub.topic)

	var downlink struct {
		Confirmed bool   `json:"confirmed"`
		FPort     int    `json:"fPort"`
		Data      string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pub.payload, &downlink))
	assert.True(t, downlink.Confirmed)
	assert.Equal(t, 10, downlink.FPort, "port defaults when the command sets none")

	inner, err := base64.StdEncoding.DecodeString(downlink.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"set_interval","params":{"seconds":300}}`, string(inner))
}

func TestSendCommandGenericDevice(t *testing.T) {
	pub := &recordingPublisher{}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:   "dev_plain",
		GatewayType: devices.GatewayGeneric,
		Status:      devices.StatusActive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_plain", devices.Command{
		Method: "reboot",
	})
	require.NoError(t, err)

	assert.Equal(t, "devices/dev_plain/commands", pub.topic)
	assert.JSONEq(t, `{"method":"reboot","params":null}`, string(pub.payload))
}

func TestSendCommandUnknownDevice(t *testing.T) {
	pub := &recordingPublisher{}
	commander, _ := newTestCommander(t, pub)

	err := commander.SendCommand(context.Background(), "dev_ghost", devices.Command{Method: "reboot"})

	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Zero(t, pub.calls, "nothing may be published for an unknown device")
}

func TestSendCommandInactiveDevice(t *testing.T) {
	pub := &recordingPublisher{}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:   "dev_off",
		GatewayType: devices.GatewayGeneric,
		Status:      devices.StatusInactive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_off", devices.Command{Method: "reboot"})

	assert.ErrorIs(t, err, ErrInactiveDevice)
	assert.Zero(t, pub.calls)
}

func TestSendCommandUnsupportedMethod(t *testing.T) {
	pub := &recordingPublisher{}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:     "dev_abc123",
		VendorID:      "a81758fffe030123",
		GatewayType:   devices.GatewayVendorALora,
		ApplicationID: "1",
		Status:        devices.StatusActive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_abc123", devices.Command{
		Method: "self_destruct",
	})

	var unsupported *codecs.ErrUnsupportedMethod
	assert.ErrorAs(t, err, &unsupported)
	assert.Zero(t, pub.calls)
}

func TestSendCommandPublishFailurePropagates(t *testing.T) {
	brokerDown := errors.New("broker unavailable")
	pub := &recordingPublisher{failWith: brokerDown}
	commander, registry := newTestCommander(t, pub)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:   "dev_plain",
		GatewayType: devices.GatewayGeneric,
		Status:      devices.StatusActive,
	})
	require.NoError(t, err)

	err = commander.SendCommand(context.Background(), "dev_plain", devices.Command{Method: "reboot"})

	assert.ErrorIs(t, err, brokerDown)
}
