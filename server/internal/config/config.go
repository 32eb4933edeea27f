package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultSnapshotTTL    = 5 * time.Minute
	DefaultMaxReports     = 50
	DefaultEventsTopic    = "ecoscale/+/events"
	DefaultClientID       = "ecoscale-server"
	DefaultAuthHeader     = "x-api-key"
	DefaultBroadcastEvery = 5 * time.Second
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml (see server/config.example.yaml). The `agent:` key in the
// same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all collector settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket hub listen on.
	HTTPPort int `yaml:"http_port"`

	// BroadcastInterval is how often the WebSocket hub pushes a snapshot.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Auth     AuthConfig     `yaml:"auth"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	History  HistoryConfig  `yaml:"history"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// MQTTConfig is the broker subscription agents publish run events to.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883; empty disables the receiver
	Topic       string `yaml:"topic"`  // wildcard filter, one level per device
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	QoS         byte   `yaml:"qos"`
}

// Password returns the broker password resolved from the environment.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// AuthConfig controls REST API authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv names the environment variable holding the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header the key is read from.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or DefaultAuthHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// SnapshotConfig controls in-memory device retention.
type SnapshotConfig struct {
	// TTL is how long a device stays listed after its last event.
	TTL time.Duration `yaml:"ttl"`
}

// HistoryConfig bounds the per-device report history.
type HistoryConfig struct {
	MaxReports int `yaml:"max_reports"`
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold condition over a completed run report.
type AlertRule struct {
	// Name identifies the rule and is the deduplication key per device.
	Name string `yaml:"name"`

	// Condition is "field op value", e.g. "stability_ratio > 1" or
	// "verdict == poor".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration. Defaults to 15 minutes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv names the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:          DefaultHTTPPort,
			BroadcastInterval: DefaultBroadcastEvery,
			MQTT: MQTTConfig{
				Topic:    DefaultEventsTopic,
				ClientID: DefaultClientID,
				QoS:      1,
			},
			Snapshot: SnapshotConfig{TTL: DefaultSnapshotTTL},
			History:  HistoryConfig{MaxReports: DefaultMaxReports},
		},
	}
}

func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if s.BroadcastInterval <= 0 {
		return fmt.Errorf("server.broadcast_interval must be positive")
	}
	switch s.Auth.Mode {
	case "apikey":
		if s.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth.key_env is required for mode apikey")
		}
	case "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.MQTT.Broker != "" && strings.TrimSpace(s.MQTT.Topic) == "" {
		return fmt.Errorf("server.mqtt.topic is required when a broker is set")
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("server.mqtt.qos %d is out of range [0, 2]", s.MQTT.QoS)
	}
	if s.Snapshot.TTL < 0 {
		return fmt.Errorf("server.snapshot.ttl must not be negative")
	}
	if s.History.MaxReports <= 0 {
		return fmt.Errorf("server.history.max_reports must be positive")
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d].name is required", i)
		}
		if len(strings.Fields(r.Condition)) != 3 {
			return fmt.Errorf("server.alerts.rules[%d].condition %q: want \"field op value\"", i, r.Condition)
		}
	}
	for i, w := range s.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d].type %q unknown: want slack|teams|http", i, w.Type)
		}
	}
	return nil
}
