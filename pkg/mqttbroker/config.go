package mqttbroker

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds the MQTT client settings.
type Config struct {
	BrokerURL          string
	ClientIDPrefix     string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectPeriod    time.Duration // fixed interval between reconnect attempts
	QOS                byte
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// LoadConfigFromEnv loads the MQTT client configuration from environment
// variables, applying defaults for timings.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		BrokerURL:       os.Getenv("MQTT_BROKER_URL"),
		ClientIDPrefix:  os.Getenv("MQTT_CLIENT_ID_PREFIX"),
		Username:        os.Getenv("MQTT_USERNAME"),
		Password:        os.Getenv("MQTT_PASSWORD"),
		KeepAlive:       60 * time.Second,
		ConnectTimeout:  30 * time.Second,
		ReconnectPeriod: 5 * time.Second,
		QOS:             1,
		CACertFile:      os.Getenv("MQTT_CA_CERT_FILE"),
		ClientCertFile:  os.Getenv("MQTT_CLIENT_CERT_FILE"),
		ClientKeyFile:   os.Getenv("MQTT_CLIENT_KEY_FILE"),
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("MQTT_BROKER_URL environment variable not set")
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "iot-gateway-"
	}
	if os.Getenv("MQTT_INSECURE_SKIP_VERIFY") == "true" {
		cfg.InsecureSkipVerify = true
	}
	if ka := os.Getenv("MQTT_KEEP_ALIVE_SECONDS"); ka != "" {
		if s, err := strconv.Atoi(ka); err == nil && s > 0 {
			cfg.KeepAlive = time.Duration(s) * time.Second
		}
	}
	if ct := os.Getenv("MQTT_CONNECT_TIMEOUT_SECONDS"); ct != "" {
		if s, err := strconv.Atoi(ct); err == nil && s > 0 {
			cfg.ConnectTimeout = time.Duration(s) * time.Second
		}
	}
	if rp := os.Getenv("MQTT_RECONNECT_PERIOD_SECONDS"); rp != "" {
		if s, err := strconv.Atoi(rp); err == nil && s > 0 {
			cfg.ReconnectPeriod = time.Duration(s) * time.Second
		}
	}
	if qos := os.Getenv("MQTT_QOS"); qos != "" {
		if q, err := strconv.Atoi(qos); err == nil && q >= 0 && q <= 2 {
			cfg.QOS = byte(q)
		}
	}
	return cfg, nil
}
