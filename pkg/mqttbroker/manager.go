// Package mqttbroker owns the single persistent connection to the message
// broker. It is a thin transport boundary: connect, fixed-interval
// reconnect, subscribe, publish, deliver. No business logic lives here.
package mqttbroker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish when the broker session is down.
var ErrNotConnected = errors.New("mqtt broker not connected")

// MessageHandler receives each inbound broker message. Implementations must
// not block: the connection's read loop delivers through this callback.
type MessageHandler func(topic string, payload []byte)

// Status is an operational snapshot of the connection.
type Status struct {
	Connected         bool   `json:"connected"`
	BrokerURL         string `json:"broker_url"`
	SubscriptionCount int    `json:"subscription_count"`
}

// ConnectionManager wraps the paho client. Brokers do not guarantee
// subscription persistence across reconnects, so every successful
// (re)connect re-issues all recorded subscriptions.
type ConnectionManager struct {
	config *Config
	logger zerolog.Logger

	mu      sync.RWMutex
	client  mqtt.Client
	handler MessageHandler
	subs    []string
}

// NewConnectionManager creates a manager for the configured broker. Call
// OnMessage before Connect so the first delivery has somewhere to go.
func NewConnectionManager(cfg *Config, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		config: cfg,
		logger: logger.With().Str("component", "mqtt_broker").Logger(),
	}
}

// OnMessage registers the single inbound message handler.
func (m *ConnectionManager) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Connect establishes the broker session. The attempt is bounded by the
// configured connect timeout; after that paho retries at the fixed
// reconnect period until the session comes up.
func (m *ConnectionManager) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.BrokerURL)

	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", m.config.ClientIDPrefix, uniqueSuffix))

	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetKeepAlive(m.config.KeepAlive)
	opts.SetConnectTimeout(m.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	// Pinning the retry interval and the reconnect ceiling to the same
	// period gives fixed-interval retries, matching broker keep-alive
	// semantics rather than exponential backoff.
	opts.SetConnectRetryInterval(m.config.ReconnectPeriod)
	opts.SetMaxReconnectInterval(m.config.ReconnectPeriod)
	opts.SetOrderMatters(false)

	if strings.HasPrefix(strings.ToLower(m.config.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(m.config.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(m.config)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		m.logger.Info().Msg("TLS configured for MQTT client")
	}

	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)

	client := mqtt.NewClient(opts)

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.logger.Info().Str("broker", m.config.BrokerURL).Str("client_id", opts.ClientID).Msg("Connecting to MQTT broker")
	if token := client.Connect(); token.WaitTimeout(m.config.ConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Subscribe records the patterns and, if the session is up, subscribes
// immediately. Recorded patterns are re-issued on every reconnect.
func (m *ConnectionManager) Subscribe(patterns []string) error {
	m.mu.Lock()
	m.subs = append(m.subs, patterns...)
	client := m.client
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	return m.subscribeAll(client, patterns)
}

// Publish sends a payload and waits for the broker's acknowledgment.
// Failures are always returned to the caller, never swallowed.
func (m *ConnectionManager) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	token := client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the broker session.
func (m *ConnectionManager) Disconnect() {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(500)
		m.logger.Info().Msg("MQTT client disconnected")
	}
}

// GetStatus reports the current connection snapshot.
func (m *ConnectionManager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connected := m.client != nil && m.client.IsConnected()
	return Status{
		Connected:         connected,
		BrokerURL:         m.config.BrokerURL,
		SubscriptionCount: len(m.subs),
	}
}

func (m *ConnectionManager) onConnect(client mqtt.Client) {
	m.logger.Info().Str("broker", m.config.BrokerURL).Msg("Connected to MQTT broker")

	m.mu.RLock()
	patterns := make([]string, len(m.subs))
	copy(patterns, m.subs)
	m.mu.RUnlock()

	if len(patterns) == 0 {
		return
	}
	if err := m.subscribeAll(client, patterns); err != nil {
		m.logger.Error().Err(err).Msg("Failed to re-issue subscriptions after (re)connect")
	}
}

func (m *ConnectionManager) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Error().Err(err).Dur("reconnect_period", m.config.ReconnectPeriod).
		Msg("MQTT connection lost, reconnect scheduled")
}

func (m *ConnectionManager) subscribeAll(client mqtt.Client, patterns []string) error {
	for _, pattern := range patterns {
		token := client.Subscribe(pattern, m.config.QOS, m.route)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe to %s: %w", pattern, token.Error())
		}
		m.logger.Info().Str("pattern", pattern).Msg("Subscribed to MQTT topic pattern")
	}
	return nil
}

// route hands an inbound message to the registered handler. The payload is
// copied because paho reuses its buffers.
func (m *ConnectionManager) route(_ mqtt.Client, msg mqtt.Message) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()

	if handler == nil {
		m.logger.Warn().Str("topic", msg.Topic()).Msg("Message received before a handler was registered, dropped")
		return
	}
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	handler(msg.Topic(), payload)
}

// newTLSConfig builds the TLS settings for tls:// and ssl:// broker URLs.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
