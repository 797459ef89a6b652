package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"athena/internal/domain"
)

// FileName is the workspace config file.
const FileName = "athena.yml"

// Config models athena.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engines   EnginesConfig   `yaml:"engines"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	OODA      OODAConfig      `yaml:"ooda"`
	Notify    NotifyConfig    `yaml:"notify"`
	Lock      LockConfig      `yaml:"lock"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	BasePath    string   `yaml:"base_path"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type EnginesConfig struct {
	Primary        string        `yaml:"primary"`
	Secondary      string        `yaml:"secondary"`
	HintConfidence float64       `yaml:"hint_confidence"`
	Caldera        CalderaConfig `yaml:"caldera"`
	Shannon        ShannonConfig `yaml:"shannon"`
	Retry          RetryConfig   `yaml:"retry"`
	Poll           PollConfig    `yaml:"poll"`
}

type CalderaConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Mock      bool          `yaml:"mock"`
	MockDelay time.Duration `yaml:"mock_delay"`
}

type ShannonConfig struct {
	URL string `yaml:"url"`
}

type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Budget   time.Duration `yaml:"budget"`
}

type ReasoningConfig struct {
	Mock    bool          `yaml:"mock"`
	Timeout time.Duration `yaml:"timeout"`
	Claude  BackendConfig `yaml:"claude"`
	OpenAI  BackendConfig `yaml:"openai"`
}

type BackendConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type OODAConfig struct {
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
	SummaryLimit int           `yaml:"summary_limit"`
	FactWindow   int           `yaml:"fact_window"`
	// Interval paces `athena loop`.
	Interval time.Duration `yaml:"interval"`
}

type NotifyConfig struct {
	Buffer int         `yaml:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LockConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var knownEngines = map[string]bool{"caldera": true, "shannon": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if !knownEngines[c.Engines.Primary] {
		return fmt.Errorf("config.engines.primary must be caldera or shannon, got %q", c.Engines.Primary)
	}
	if c.Engines.Secondary != "" && !knownEngines[c.Engines.Secondary] {
		return fmt.Errorf("config.engines.secondary must be caldera or shannon, got %q", c.Engines.Secondary)
	}
	if c.Engines.Secondary == c.Engines.Primary {
		return fmt.Errorf("config.engines.secondary must differ from primary")
	}
	if c.Engines.HintConfidence < 0 || c.Engines.HintConfidence > 1 {
		return fmt.Errorf("config.engines.hint_confidence must be within [0,1]")
	}
	if !c.Engines.Caldera.Mock && c.Engines.Caldera.URL == "" {
		return fmt.Errorf("config.engines.caldera.url is required unless caldera.mock is set")
	}
	if c.Engines.Retry.MaxAttempts == 0 {
		return fmt.Errorf("config.engines.retry.max_attempts must be positive")
	}
	if c.Engines.Retry.InitialInterval <= 0 || c.Engines.Retry.MaxInterval < c.Engines.Retry.InitialInterval {
		return fmt.Errorf("config.engines.retry intervals must be positive and max_interval >= initial_interval")
	}
	if c.Engines.Poll.Interval <= 0 || c.Engines.Poll.Budget < c.Engines.Poll.Interval {
		return fmt.Errorf("config.engines.poll.budget must be >= poll.interval > 0")
	}
	if c.Reasoning.Timeout <= 0 {
		return fmt.Errorf("config.reasoning.timeout must be positive")
	}
	if c.OODA.PhaseTimeout <= 0 {
		return fmt.Errorf("config.ooda.phase_timeout must be positive")
	}
	if c.OODA.SummaryLimit <= 0 {
		return fmt.Errorf("config.ooda.summary_limit must be positive")
	}
	if c.OODA.FactWindow <= 0 {
		return fmt.Errorf("config.ooda.fact_window must be positive")
	}
	if c.Notify.Buffer <= 0 {
		return fmt.Errorf("config.notify.buffer must be positive")
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		return fmt.Errorf("config.notify.kafka.topic is required when brokers are set")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config.lock.ttl must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// ShannonConfigured reports whether the secondary stealth engine has an endpoint.
func (c *Config) ShannonConfigured() bool {
	return strings.TrimSpace(c.Engines.Shannon.URL) != ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads athena.yml from workspace; a missing file yields Default().
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// DefaultRiskThreshold is applied when an operation row carries no threshold.
const DefaultRiskThreshold = domain.RiskMedium

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: /api
  cors_origins: [http://localhost:3000]

engines:
  primary: caldera
  secondary: shannon
  hint_confidence: 0.7
  caldera:
    url: http://localhost:8888
    api_key: ""
    mock: true
    mock_delay: 0s
  shannon:
    url: ""
  retry:
    max_attempts: 4
    initial_interval: 500ms
    max_interval: 5s
  poll:
    interval: 2s
    budget: 2m

reasoning:
  mock: true
  timeout: 60s
  claude:
    model: claude-sonnet-4-20250514
    base_url: https://api.anthropic.com/v1
  openai:
    model: gpt-4o
    base_url: https://api.openai.com/v1

ooda:
  phase_timeout: 3m
  summary_limit: 1000
  fact_window: 30
  interval: 30s

notify:
  buffer: 256
  kafka:
    brokers: []
    topic: athena.events

lock:
  redis_addr: ""
  ttl: 10m

telemetry:
  otlp_endpoint: ""
  service_name: athena

log:
  level: info
`
