// Package gateway composes the protocol-adapter subsystem: broker
// connection, ingestion pipeline, verification cache, live broadcaster and
// downlink commander, behind one lifecycle and the operational surface
// external callers use.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/autoregister"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/broadcast"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/codecs"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/downlink"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/mqttbroker"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/pipeline"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/topics"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/verify"
)

// Status is the gateway's operational snapshot for introspection callers.
type Status struct {
	Connected         bool           `json:"connected"`
	BrokerURL         string         `json:"broker_url"`
	SubscriptionCount int            `json:"subscription_count"`
	VerifiedCacheSize int            `json:"verified_cache_size"`
	Subscribers       int            `json:"subscribers"`
	Pipeline          pipeline.Stats `json:"pipeline"`
}

// Config holds the facade-level settings.
type Config struct {
	Broker           *mqttbroker.Config
	Pipeline         pipeline.Config
	Cache            verify.CacheConfig
	AutoRegistration autoregister.Config
}

// Service owns the subsystem lifecycle and exposes the external operations.
type Service struct {
	config    Config
	conn      *mqttbroker.ConnectionManager
	pipe      *pipeline.Pipeline
	verifier  *verify.Cache
	commander *downlink.Commander
	hub       *broadcast.Hub
	registry  devices.Registry
	store     pipeline.Store
	logger    zerolog.Logger
}

// New wires the gateway together. store and automation may be nil when the
// corresponding collaborator is not deployed.
func New(
	cfg Config,
	registry devices.Registry,
	store pipeline.Store,
	automation pipeline.AutomationSink,
	logger zerolog.Logger,
) *Service {
	codecRegistry := codecs.NewRegistry()
	verifier := verify.NewCache(registry, cfg.Cache, logger)
	policy := autoregister.NewPolicy(registry, cfg.AutoRegistration, logger)
	hub := broadcast.NewHub(logger)
	conn := mqttbroker.NewConnectionManager(cfg.Broker, logger)
	pipe := pipeline.New(cfg.Pipeline, verifier, codecRegistry, policy, store, hub, automation, logger)
	commander := downlink.NewCommander(registry, codecRegistry, conn, cfg.Broker.QOS, logger)

	return &Service{
		config:    cfg,
		conn:      conn,
		pipe:      pipe,
		verifier:  verifier,
		commander: commander,
		hub:       hub,
		registry:  registry,
		store:     store,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// Start brings the subsystem up: workers first, then the broker session and
// its uplink subscriptions, so the first delivery already has a pipeline.
func (s *Service) Start() error {
	s.verifier.Start()
	s.pipe.Start()
	s.conn.OnMessage(s.pipe.HandleMessage)

	if err := s.conn.Subscribe(topics.UplinkSubscriptions()); err != nil {
		return fmt.Errorf("record uplink subscriptions: %w", err)
	}
	if err := s.conn.Connect(); err != nil {
		s.Stop()
		return fmt.Errorf("connect to broker: %w", err)
	}

	s.logger.Info().Msg("Gateway started")
	return nil
}

// Stop shuts the subsystem down in reverse order, draining in-flight
// messages before releasing the cache sweep.
func (s *Service) Stop() {
	s.conn.Disconnect()
	s.pipe.Stop()
	s.verifier.Stop()
	s.logger.Info().Msg("Gateway stopped")
}

// Hub exposes the live broadcaster for transport wiring.
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

// SendCommand issues a downlink command; used by administrative APIs and
// the automation engine.
func (s *Service) SendCommand(ctx context.Context, deviceKey string, cmd devices.Command) error {
	return s.commander.SendCommand(ctx, deviceKey, cmd)
}

// PublishTestTelemetry injects a synthetic envelope for a device,
// bypassing the broker round-trip. Used for connectivity testing.
func (s *Service) PublishTestTelemetry(ctx context.Context, deviceKey string, values map[string]any) error {
	binding, err := s.registry.FindByDeviceKey(ctx, deviceKey)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return fmt.Errorf("%w: %s", downlink.ErrUnknownDevice, deviceKey)
		}
		return fmt.Errorf("resolve binding for %s: %w", deviceKey, err)
	}

	canonical := make(map[string]any)
	raw := make(map[string]any)
	for key, v := range values {
		if devices.CanonicalFields[key] {
			canonical[key] = v
		} else {
			raw[key] = v
		}
	}
	if len(raw) == 0 {
		raw = nil
	}
	raw = withTestMarker(raw)

	envelope := &devices.CanonicalEnvelope{
		DeviceKey:   binding.DeviceKey,
		DeviceID:    binding.DeviceID,
		AccountID:   binding.AccountID,
		Timestamp:   time.Now().UTC(),
		Protocol:    string(binding.GatewayType),
		Category:    devices.CategoryTelemetry,
		Values:      canonical,
		RawMetadata: raw,
	}

	if s.store != nil {
		if err := s.store.Store(ctx, envelope); err != nil {
			return fmt.Errorf("store test telemetry for %s: %w", deviceKey, err)
		}
	}
	s.hub.BroadcastToDevice(envelope.DeviceKey, envelope)
	if envelope.AccountID != "" {
		s.hub.BroadcastToAccount(envelope.AccountID, string(envelope.Category), envelope)
	}

	s.logger.Info().Str("device_key", deviceKey).Int("fields", len(values)).Msg("Test telemetry injected")
	return nil
}

// GetConnectionStatus reports the operational snapshot.
func (s *Service) GetConnectionStatus() Status {
	broker := s.conn.GetStatus()
	return Status{
		Connected:         broker.Connected,
		BrokerURL:         broker.BrokerURL,
		SubscriptionCount: broker.SubscriptionCount,
		VerifiedCacheSize: s.verifier.Size(),
		Subscribers:       s.hub.SubscriberCount(),
		Pipeline:          s.pipe.GetStats(),
	}
}

func withTestMarker(raw map[string]any) map[string]any {
	if raw == nil {
		raw = make(map[string]any, 1)
	}
	raw["test_injection"] = true
	return raw
}
