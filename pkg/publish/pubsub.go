// Package publish provides the Google Cloud Pub/Sub implementations of the
// downstream collaborators: the telemetry persistence hand-off and the
// automation sink. Publishing is non-blocking; the client batches in the
// background and publish results are checked off the worker path.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// Config holds the settings for one Pub/Sub topic publisher.
type Config struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
}

// LoadConfigFromEnv loads publisher configuration; topicEnvVar names the
// environment variable holding the topic id so the persistence and
// automation publishers can be configured independently.
func LoadConfigFromEnv(topicEnvVar string) (*Config, error) {
	cfg := &Config{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		TopicID:         os.Getenv(topicEnvVar),
		CredentialsFile: os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("%s environment variable not set for Pub/Sub", topicEnvVar)
	}
	return cfg, nil
}

// EnvelopePublisher publishes canonical envelopes to one Pub/Sub topic. It
// implements both the pipeline's Store and AutomationSink contracts.
type EnvelopePublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewEnvelopePublisher creates a publisher. The Pub/Sub client detects
// PUBSUB_EMULATOR_HOST automatically; an explicit credentials file wins
// over Application Default Credentials.
func NewEnvelopePublisher(ctx context.Context, cfg *Config, logger zerolog.Logger) (*EnvelopePublisher, error) {
	var opts []option.ClientOption
	if emulator := os.Getenv("PUBSUB_EMULATOR_HOST"); emulator != "" {
		logger.Info().Str("emulator_host", emulator).Msg("Using Pub/Sub emulator")
		opts = append(opts, option.WithEndpoint(emulator), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = 100 * time.Millisecond
	topic.PublishSettings.CountThreshold = 100
	topic.PublishSettings.Timeout = 60 * time.Second

	log := logger.With().Str("component", "pubsub_publisher").Str("topic_id", cfg.TopicID).Logger()
	log.Info().Str("project_id", cfg.ProjectID).Msg("Pub/Sub envelope publisher initialized")
	return &EnvelopePublisher{client: client, topic: topic, logger: log}, nil
}

// publish marshals the envelope and hands it to the client's background
// batcher. Only marshalling errors surface synchronously; publish results
// are logged from a separate goroutine so workers never wait on the wire.
func (p *EnvelopePublisher) publish(ctx context.Context, envelope *devices.CanonicalEnvelope) error {
	if envelope == nil {
		return errors.New("cannot publish a nil envelope")
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", envelope.DeviceKey, err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"device_key": envelope.DeviceKey,
			"category":   string(envelope.Category),
			"protocol":   envelope.Protocol,
		},
	})

	go func() {
		msgID, err := result.Get(context.Background())
		if err != nil {
			p.logger.Error().Err(err).Str("device_key", envelope.DeviceKey).Msg("Failed to publish envelope to Pub/Sub")
			return
		}
		p.logger.Debug().Str("message_id", msgID).Str("device_key", envelope.DeviceKey).Msg("Envelope published to Pub/Sub")
	}()
	return nil
}

// Store implements the persistence collaborator hand-off.
func (p *EnvelopePublisher) Store(ctx context.Context, envelope *devices.CanonicalEnvelope) error {
	return p.publish(ctx, envelope)
}

// Submit implements the automation sink hand-off.
func (p *EnvelopePublisher) Submit(ctx context.Context, envelope *devices.CanonicalEnvelope) error {
	return p.publish(ctx, envelope)
}

// Stop flushes pending batches and closes the client.
func (p *EnvelopePublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		}
	}
}
