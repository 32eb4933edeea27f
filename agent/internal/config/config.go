package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
	"github.com/ecoscale/ecoscale/agent/internal/run"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultBufferSize     = 1000
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultReadingsTopic  = "undip/ecoscale/loadcell/berat"
	DefaultTopicPrefix    = "ecoscale"
	DefaultReadyRatio     = 1.0
	DefaultSimulatedNoise = 0.0002
)

// Source types.
const (
	SourceMQTT       = "mqtt"
	SourcePrometheus = "prometheus"
	SourceSimulated  = "simulated"
)

// Config is the top-level agent configuration.
// Fields map 1:1 to agent/config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// DeviceID identifies this scale in published events.
	DeviceID string `yaml:"device_id"`

	// TickInterval is the delay between two source polls.
	TickInterval time.Duration `yaml:"tick_interval"`

	// StabilizeTimeout bounds the waiting phase. Zero waits forever.
	StabilizeTimeout time.Duration `yaml:"stabilize_timeout"`

	// Repeat starts a new run after each completed one.
	Repeat bool `yaml:"repeat"`

	// Run holds the measurement parameters, fixed for the duration of a run.
	Run RunConfig `yaml:"run"`

	// Source selects where readings come from.
	Source SourceConfig `yaml:"source"`

	// Publish configures where run events are shipped.
	Publish PublishConfig `yaml:"publish"`

	// HTTP configures the local /metrics and /healthz listener.
	HTTP HTTPConfig `yaml:"http"`
}

// RunConfig holds the measurement parameters.
type RunConfig struct {
	SampleCount   int             `yaml:"sample_count"`
	WarmupSamples int             `yaml:"warmup_samples"`
	Drift         DriftConfig     `yaml:"drift"`
	Stability     StabilityConfig `yaml:"stability"`
}

// DriftConfig mirrors compute.DriftConfig.
type DriftConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Rate       float64 `yaml:"rate"`
	ClampLimit float64 `yaml:"clamp_limit"`
	Cutover    int     `yaml:"cutover"`
	Decay      float64 `yaml:"decay"`
}

// StabilityConfig mirrors compute.StabilityConfig.
type StabilityConfig struct {
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	MinWeight  float64 `yaml:"min_weight"`
}

// Orchestrator returns the run parameters in the form the run package uses.
func (r RunConfig) Orchestrator() run.Config {
	return run.Config{
		Drift: compute.DriftConfig{
			Threshold:  r.Drift.Threshold,
			Rate:       r.Drift.Rate,
			ClampLimit: r.Drift.ClampLimit,
			Cutover:    r.Drift.Cutover,
			Decay:      r.Drift.Decay,
		},
		Stability: compute.StabilityConfig{
			WindowSize: r.Stability.WindowSize,
			Threshold:  r.Stability.Threshold,
			MinWeight:  r.Stability.MinWeight,
		},
		SampleCount:   r.SampleCount,
		WarmupSamples: r.WarmupSamples,
	}
}

// SourceConfig describes the reading source. Only the block matching Type
// is used.
type SourceConfig struct {
	// Type is one of: mqtt | prometheus | simulated.
	Type string `yaml:"type"`

	MQTT       MQTTSource       `yaml:"mqtt"`
	Prometheus PrometheusSource `yaml:"prometheus"`
	Simulated  SimulatedSource  `yaml:"simulated"`
}

// MQTTConfig holds broker connection settings shared by the source and the
// publisher.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
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

// MQTTSource subscribes to a topic carrying load cell readings.
type MQTTSource struct {
	MQTTConfig `yaml:",inline"`

	Topic string `yaml:"topic"`

	// Scale multiplies every decoded reading, e.g. 0.001 for grams to kg.
	// Zero means 1.
	Scale float64 `yaml:"scale"`
}

// PrometheusSource polls a metrics endpoint and reads one gauge.
type PrometheusSource struct {
	Endpoint string `yaml:"endpoint"`

	// Metric is the metric family name to read.
	Metric string `yaml:"metric"`

	// Labels, when set, selects the first series carrying all of them.
	Labels map[string]string `yaml:"labels"`

	PollInterval time.Duration `yaml:"poll_interval"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// SimulatedSource produces a deterministic settling signal.
type SimulatedSource struct {
	// Target is the load the signal settles to.
	Target float64 `yaml:"target"`
	// Settle is the number of readings spent ramping up to Target.
	Settle int `yaml:"settle"`
	// Noise is the amplitude of uniform noise added to every reading.
	Noise float64 `yaml:"noise"`
	// DriftPerSample is a linear drift added after settling.
	DriftPerSample float64 `yaml:"drift_per_sample"`
	// ReadyRatio is the probability that a poll finds a new reading.
	ReadyRatio float64 `yaml:"ready_ratio"`
	Seed       int64   `yaml:"seed"`
}

// PublishConfig configures event shipping. Each target is optional.
type PublishConfig struct {
	// BufferSize is the maximum number of events held in memory while the
	// targets are unreachable.
	BufferSize int `yaml:"buffer_size"`

	MQTT MQTTPublish `yaml:"mqtt"`
	HTTP HTTPPublish `yaml:"http"`
}

// MQTTPublish publishes every event to <topic_prefix>/<device_id>/events.
type MQTTPublish struct {
	MQTTConfig `yaml:",inline"`

	TopicPrefix string `yaml:"topic_prefix"`
}

// Enabled reports whether an MQTT broker is configured.
func (m MQTTPublish) Enabled() bool { return m.Broker != "" }

// HTTPPublish submits completed run reports to a collection endpoint.
type HTTPPublish struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	Auth     AuthConfig    `yaml:"auth"`
}

// Enabled reports whether a submission endpoint is configured.
func (h HTTPPublish) Enabled() bool { return h.Endpoint != "" }

// HTTPConfig configures the agent's own HTTP listener.
type HTTPConfig struct {
	// Listen is the address for /metrics and /healthz. Empty disables it.
	Listen string `yaml:"listen"`
}

// AuthConfig specifies an HTTP authentication mode.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// API key fields, used when Mode == "apikey".
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token variable name (Mode == "bearer").
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields, used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	fill(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	d := run.DefaultConfig()
	return &Config{
		Agent: AgentConfig{
			TickInterval: DefaultTickInterval,
			Run: RunConfig{
				SampleCount:   d.SampleCount,
				WarmupSamples: d.WarmupSamples,
				Drift: DriftConfig{
					Threshold:  d.Drift.Threshold,
					Rate:       d.Drift.Rate,
					ClampLimit: d.Drift.ClampLimit,
					Cutover:    d.Drift.Cutover,
					Decay:      d.Drift.Decay,
				},
				Stability: StabilityConfig{
					WindowSize: d.Stability.WindowSize,
					Threshold:  d.Stability.Threshold,
					MinWeight:  d.Stability.MinWeight,
				},
			},
			Source: SourceConfig{
				MQTT:       MQTTSource{Topic: DefaultReadingsTopic},
				Prometheus: PrometheusSource{PollInterval: DefaultPollInterval},
				Simulated:  SimulatedSource{ReadyRatio: DefaultReadyRatio, Noise: DefaultSimulatedNoise},
			},
			Publish: PublishConfig{
				BufferSize: DefaultBufferSize,
				MQTT:       MQTTPublish{TopicPrefix: DefaultTopicPrefix},
				HTTP:       HTTPPublish{Timeout: DefaultHTTPTimeout},
			},
		},
	}
}

// fill derives values that depend on other fields.
func fill(cfg *Config) {
	a := &cfg.Agent
	if a.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			a.DeviceID = host
		}
	}
	if a.Source.MQTT.ClientID == "" {
		a.Source.MQTT.ClientID = "ecoscale-agent-" + a.DeviceID + "-src"
	}
	if a.Publish.MQTT.ClientID == "" {
		a.Publish.MQTT.ClientID = "ecoscale-agent-" + a.DeviceID + "-pub"
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.DeviceID == "" {
		return fmt.Errorf("agent.device_id is required")
	}
	if a.TickInterval <= 0 {
		return fmt.Errorf("agent.tick_interval must be positive")
	}
	if a.StabilizeTimeout < 0 {
		return fmt.Errorf("agent.stabilize_timeout must not be negative")
	}
	if err := a.Run.Orchestrator().Validate(); err != nil {
		return fmt.Errorf("agent.run: %w", err)
	}
	if err := validateSource(a.Source); err != nil {
		return err
	}
	if a.Publish.BufferSize <= 0 {
		return fmt.Errorf("agent.publish.buffer_size must be positive")
	}
	if a.Publish.MQTT.QoS > 2 {
		return fmt.Errorf("agent.publish.mqtt.qos must be 0, 1 or 2")
	}
	if a.Publish.HTTP.Enabled() {
		if a.Publish.HTTP.Timeout <= 0 {
			return fmt.Errorf("agent.publish.http.timeout must be positive")
		}
		if err := validateAuthMode(a.Publish.HTTP.Auth.Mode); err != nil {
			return fmt.Errorf("agent.publish.http: %w", err)
		}
	}
	return nil
}

func validateSource(src SourceConfig) error {
	switch src.Type {
	case SourceMQTT:
		if src.MQTT.Broker == "" {
			return fmt.Errorf("agent.source.mqtt.broker is required")
		}
		if src.MQTT.Topic == "" {
			return fmt.Errorf("agent.source.mqtt.topic is required")
		}
		if src.MQTT.QoS > 2 {
			return fmt.Errorf("agent.source.mqtt.qos must be 0, 1 or 2")
		}
	case SourcePrometheus:
		p := src.Prometheus
		if p.Endpoint == "" {
			return fmt.Errorf("agent.source.prometheus.endpoint is required")
		}
		if p.Metric == "" {
			return fmt.Errorf("agent.source.prometheus.metric is required")
		}
		if p.PollInterval <= 0 {
			return fmt.Errorf("agent.source.prometheus.poll_interval must be positive")
		}
		if err := validateAuthMode(p.Auth.Mode); err != nil {
			return fmt.Errorf("agent.source.prometheus: %w", err)
		}
	case SourceSimulated:
		s := src.Simulated
		if s.ReadyRatio <= 0 || s.ReadyRatio > 1 {
			return fmt.Errorf("agent.source.simulated.ready_ratio must be in (0, 1]")
		}
		if s.Settle < 0 || s.Noise < 0 {
			return fmt.Errorf("agent.source.simulated: settle and noise must not be negative")
		}
	default:
		return fmt.Errorf("agent.source: unknown type %q", src.Type)
	}
	return nil
}

func validateAuthMode(mode string) error {
	switch mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", mode)
	}
}
