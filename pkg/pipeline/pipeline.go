// Package pipeline orchestrates per-message ingestion: resolve identity
// from the topic, verify it against the registry, decode the payload,
// normalize into a canonical envelope and emit downstream. Every message is
// processed independently; a malformed one ends its own run and nothing
// else.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/autoregister"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/codecs"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/topics"
	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/verify"
)

// Store is the external persistence collaborator.
type Store interface {
	Store(ctx context.Context, envelope *devices.CanonicalEnvelope) error
}

// Broadcaster fans envelopes out to live subscribers. Implementations must
// not block the caller.
type Broadcaster interface {
	BroadcastToDevice(deviceKey string, envelope any)
	BroadcastToAccount(accountID, eventName string, envelope any)
}

// AutomationSink receives envelopes tagged alerts or rpc_request for rule
// evaluation.
type AutomationSink interface {
	Submit(ctx context.Context, envelope *devices.CanonicalEnvelope) error
}

// Config holds pipeline sizing.
type Config struct {
	InputChanCapacity    int
	NumProcessingWorkers int
}

// DefaultConfig provides sensible defaults for bursty device traffic.
func DefaultConfig() Config {
	return Config{
		InputChanCapacity:    1000,
		NumProcessingWorkers: 10,
	}
}

// InMessage is one raw broker delivery queued for processing.
type InMessage struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Stats are the pipeline's running counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Dropped      uint64 `json:"dropped"`
	Unidentified uint64 `json:"unidentified"`
}

// Pipeline runs the ingestion state machine over a worker pool fed by
// MessagesChan. Verification-cache misses and downstream emits happen on
// the per-message worker, never on the broker's read path.
type Pipeline struct {
	config     Config
	verifier   *verify.Cache
	codecs     *codecs.Registry
	autoreg    *autoregister.Policy
	store      Store
	broadcast  Broadcaster
	automation AutomationSink
	logger     zerolog.Logger

	MessagesChan chan InMessage

	processed    atomic.Uint64
	dropped      atomic.Uint64
	unidentified atomic.Uint64

	wg         sync.WaitGroup
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	shutting   atomic.Bool
}

// New creates a pipeline wired to its collaborators.
func New(
	cfg Config,
	verifier *verify.Cache,
	codecRegistry *codecs.Registry,
	policy *autoregister.Policy,
	store Store,
	broadcaster Broadcaster,
	automation AutomationSink,
	logger zerolog.Logger,
) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config:       cfg,
		verifier:     verifier,
		codecs:       codecRegistry,
		autoreg:      policy,
		store:        store,
		broadcast:    broadcaster,
		automation:   automation,
		logger:       logger.With().Str("component", "pipeline").Logger(),
		MessagesChan: make(chan InMessage, cfg.InputChanCapacity),
		cancelCtx:    ctx,
		cancelFunc:   cancel,
	}
}

// Start launches the processing workers. Non-blocking; call Stop to drain.
func (p *Pipeline) Start() {
	p.logger.Info().
		Int("workers", p.config.NumProcessingWorkers).
		Int("channel_capacity", p.config.InputChanCapacity).
		Msg("Starting ingestion pipeline")

	for i := 0; i < p.config.NumProcessingWorkers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for {
				select {
				case <-p.cancelCtx.Done():
					return
				case msg, ok := <-p.MessagesChan:
					if !ok {
						return
					}
					p.process(p.cancelCtx, msg, workerID)
				}
			}
		}(i)
	}
}

// Stop drains in-flight messages and shuts the workers down.
func (p *Pipeline) Stop() {
	p.shutting.Store(true)
	p.closeOnce.Do(func() { close(p.MessagesChan) })
	p.wg.Wait()
	p.cancelFunc()
	p.logger.Info().Msg("Ingestion pipeline stopped")
}

// HandleMessage is the broker delivery hook. It queues the message for a
// worker; the broker read loop never runs pipeline logic.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	if p.shutting.Load() {
		p.logger.Warn().Str("topic", topic).Msg("Shutdown in progress, inbound message dropped")
		return
	}
	msg := InMessage{Topic: topic, Payload: payload, Received: time.Now().UTC()}
	select {
	case p.MessagesChan <- msg:
	case <-p.cancelCtx.Done():
		p.logger.Warn().Str("topic", topic).Msg("Shutdown signaled, inbound message dropped")
	}
}

// GetStats returns the running counters.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Dropped:      p.dropped.Load(),
		Unidentified: p.unidentified.Load(),
	}
}

// process runs one message through Received → IdentityResolved → Verified →
// Decoded → Normalized → Emitted. Dropped is terminal from any state and
// only ever local to this message.
func (p *Pipeline) process(ctx context.Context, msg InMessage, workerID int) {
	identifier, category, ok := topics.ExtractIdentity(msg.Topic)
	if !ok {
		// Expected noise from wildcard subscriptions, not an error.
		p.dropped.Add(1)
		p.logger.Warn().Int("worker_id", workerID).Str("topic", msg.Topic).Msg("Topic matches no known pattern, message dropped")
		return
	}
	if category == devices.CategoryCommands {
		// Downlink echo from our own publishes; not an uplink.
		return
	}

	conn, outcome, err := p.verifier.Verify(ctx, identifier)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error().Int("worker_id", workerID).Str("identifier", identifier).Err(err).Msg("Registry lookup failed, message dropped")
		return
	}

	switch outcome {
	case verify.OutcomeVerified:
		// proceed
	case verify.OutcomeInactiveDevice:
		p.dropped.Add(1)
		p.logger.Warn().Int("worker_id", workerID).Str("identifier", identifier).Msg("Inactive device, message dropped")
		return
	case verify.OutcomeUnknownDevice:
		conn = p.registerUnknown(ctx, identifier, category, msg)
		if conn == nil {
			p.dropped.Add(1)
			p.unidentified.Add(1)
			return
		}
	}

	// The raw top-level fields are kept underneath the codec's output:
	// decoded values win on name collisions, unrecognized fields survive.
	merged := p.codecs.Decode(msg.Payload, codecs.Hints{})
	for key, v := range p.codecs.Decode(msg.Payload, codecs.HintsFor(conn.Binding)) {
		merged[key] = v
	}
	envelope := p.normalize(conn, category, merged, msg)
	p.emit(ctx, envelope, workerID)
	p.processed.Add(1)
}

// registerUnknown runs the auto-registration path for an unverified
// identifier and re-attempts verification. Returns nil when the message
// should be dropped.
func (p *Pipeline) registerUnknown(ctx context.Context, identifier string, category devices.MessageCategory, msg InMessage) *verify.VerifiedConnection {
	if p.autoreg == nil || !p.autoreg.Enabled() {
		p.logger.Warn().Str("identifier", identifier).Msg("Unknown device, message dropped")
		return nil
	}

	// Label inference needs decoded fields; without a binding the generic
	// passthrough is the only decode available, and it is enough.
	values := p.codecs.Decode(msg.Payload, codecs.Hints{})
	gatewayType := topics.Convention(msg.Topic)

	_, created, err := p.autoreg.MaybeRegister(ctx, identifier, gatewayType, category, values)
	if err != nil || !created {
		p.logger.Warn().Str("identifier", identifier).Err(err).Msg("Auto-registration did not produce a binding, message dropped")
		return nil
	}

	conn, outcome, err := p.verifier.Verify(ctx, identifier)
	if err != nil || outcome != verify.OutcomeVerified {
		p.logger.Error().Str("identifier", identifier).Stringer("outcome", outcome).Err(err).Msg("Verification failed after auto-registration, message dropped")
		return nil
	}
	return conn
}

// normalize merges decoded fields into the canonical value set. Canonical
// keys land in Values; everything else is preserved verbatim under
// RawMetadata so decoding never discards fields it does not recognize.
func (p *Pipeline) normalize(conn *verify.VerifiedConnection, category devices.MessageCategory, decoded map[string]any, msg InMessage) *devices.CanonicalEnvelope {
	values := make(map[string]any)
	raw := make(map[string]any)
	for key, v := range decoded {
		if devices.CanonicalFields[key] {
			values[key] = v
		} else {
			raw[key] = v
		}
	}
	if len(raw) == 0 {
		raw = nil
	}

	return &devices.CanonicalEnvelope{
		DeviceKey:   conn.DeviceKey,
		DeviceID:    conn.DeviceID,
		AccountID:   conn.Binding.AccountID,
		Timestamp:   msg.Received,
		Protocol:    string(conn.Binding.GatewayType),
		Category:    category,
		Values:      values,
		RawMetadata: raw,
	}
}

// emit hands the envelope to persistence, live broadcast, and, for alert
// and RPC categories, the automation sink. Each hand-off failure is logged
// and local; none of them affects the others.
func (p *Pipeline) emit(ctx context.Context, envelope *devices.CanonicalEnvelope, workerID int) {
	if p.store != nil {
		if err := p.store.Store(ctx, envelope); err != nil {
			p.logger.Error().Int("worker_id", workerID).Str("device_key", envelope.DeviceKey).Err(err).Msg("Persistence hand-off failed")
		}
	}

	if p.broadcast != nil {
		p.broadcast.BroadcastToDevice(envelope.DeviceKey, envelope)
		if envelope.AccountID != "" {
			p.broadcast.BroadcastToAccount(envelope.AccountID, string(envelope.Category), envelope)
		}
	}

	if p.automation != nil &&
		(envelope.Category == devices.CategoryAlerts || envelope.Category == devices.CategoryRPCRequest) {
		if err := p.automation.Submit(ctx, envelope); err != nil {
			p.logger.Error().Int("worker_id", workerID).Str("device_key", envelope.DeviceKey).Err(err).Msg("Automation hand-off failed")
		}
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Str("device_key", envelope.DeviceKey).
		Str("category", string(envelope.Category)).
		Msg("Envelope emitted")
}
