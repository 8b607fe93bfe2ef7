package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/autoregister"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/downlink"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/mqttbroker"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/pipeline"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/verify"
)

type capturingStore struct {
	envelopes []*devices.CanonicalEnvelope
}

func (s *capturingStore) Store(_ context.Context, envelope *devices.CanonicalEnvelope) error {
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func newTestService(t *testing.T) (*Service, *devices.InMemoryRegistry, *capturingStore) {
	t.Helper()
	registry := devices.NewInMemoryRegistry()
	store := &capturingStore{}
	svc := New(
		Config{
			Broker:           &mqttbroker.Config{BrokerURL: "tcp://localhost:1883", QOS: 1},
			Pipeline:         pipeline.DefaultConfig(),
			Cache:            verify.DefaultCacheConfig(),
			AutoRegistration: autoregister.Config{},
		},
		registry, store, nil, zerolog.Nop(),
	)
	return svc, registry, store
}

func TestPublishTestTelemetry(t *testing.T) {
	svc, registry, store := newTestService(t)
	_, err := registry.CreateBinding(context.Background(), &devices.DeviceBinding{
		DeviceKey:   "dev_abc123",
		GatewayType: devices.GatewayGeneric,
		AccountID:   "acct-1",
	})
	require.NoError(t, err)

	sub := svc.Hub().Subscribe("acct-1", "dev_abc123")
	defer svc.Hub().Unsubscribe(sub)

	err = svc.PublishTestTelemetry(context.Background(), "dev_abc123", map[string]any{
		"temperature": 19.5,
		"note":        "manual check",
	})
	require.NoError(t, err)

	require.Len(t, store.envelopes, 1)
	envelope := store.envelopes[0]
	assert.Equal(t, devices.CategoryTelemetry, envelope.Category)
	assert.Equal(t, 19.5, envelope.Values["temperature"])
	assert.Equal(t, "manual check", envelope.RawMetadata["note"])
	assert.Equal(t, true, envelope.RawMetadata["test_injection"])

	// Device and account subscriptions each get a copy.
	received := 0
	for received < 2 {
		select {
		case payload := <-sub.Events():
			var event struct {
				Event string `json:"event"`
			}
			require.NoError(t, json.Unmarshal(payload, &event))
			received++
		case <-time.After(time.Second):
			t.Fatalf("expected 2 broadcast events, got %d", received)
		}
	}
}

func TestPublishTestTelemetryUnknownDevice(t *testing.T) {
	svc, _, store := newTestService(t)

	err := svc.PublishTestTelemetry(context.Background(), "dev_ghost", map[string]any{"temperature": 1})

	assert.ErrorIs(t, err, downlink.ErrUnknownDevice)
	assert.Empty(t, store.envelopes)
}

func TestGetConnectionStatusWithoutBroker(t *testing.T) {
	svc, _, _ := newTestService(t)

	status := svc.GetConnectionStatus()

	assert.False(t, status.Connected)
	assert.Equal(t, "tcp://localhost:1883", status.BrokerURL)
	assert.Equal(t, 0, status.VerifiedCacheSize)
	assert.Equal(t, 0, status.Subscribers)
	assert.Equal(t, uint64(0), status.Pipeline.Processed)
}

func TestSendCommandRoutesThroughCommander(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.SendCommand(context.Background(), "dev_ghost", devices.Command{Method: "reboot"})

	assert.ErrorIs(t, err, downlink.ErrUnknownDevice)
}
