// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	// HTTP API
	Host string `envconfig:"RICE_EVAL_HOST" yaml:"host" toml:"host"`
	Port int    `envconfig:"RICE_EVAL_PORT" yaml:"port" toml:"port"`

	Eval          EvalConfig          `yaml:"eval" toml:"eval"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	Search        SearchConfig        `yaml:"search" toml:"search"`
	Judge         JudgeConfig         `yaml:"judge" toml:"judge"`
	Bus           BusConfig           `yaml:"bus" toml:"bus"`
	Log           LogConfig           `yaml:"log" toml:"log"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// EvalConfig holds the scheduler and evaluator settings.
type EvalConfig struct {
	// Root is the evaluation root holding spool/, results/ and assessments/.
	Root        string `envconfig:"RICE_EVAL_ROOT" yaml:"root" toml:"root"`
	PollSeconds int    `envconfig:"RICE_EVAL_POLL_SECONDS" yaml:"poll_seconds" toml:"poll_seconds"`
	QueryLimit  int    `envconfig:"RICE_EVAL_QUERY_LIMIT" yaml:"query_limit" toml:"query_limit"`
	Cutoffs     []int  `envconfig:"RICE_EVAL_CUTOFFS" yaml:"cutoffs" toml:"cutoffs"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Type     string `envconfig:"RICE_EVAL_STORE_TYPE" yaml:"type" toml:"type"`
	Path     string `envconfig:"RICE_EVAL_STORE_PATH" yaml:"path" toml:"path"`
	RedisURL string `envconfig:"RICE_EVAL_REDIS_URL" yaml:"redis_url" toml:"redis_url"`
	Prefix   string `envconfig:"RICE_EVAL_STORE_PREFIX" yaml:"prefix" toml:"prefix"`
}

// SearchConfig locates the search collaborator.
type SearchConfig struct {
	// Endpoint is http(s)://host[:port] or grpc://host:port.
	Endpoint       string `envconfig:"RICE_EVAL_SEARCH_ENDPOINT" yaml:"endpoint" toml:"endpoint"`
	TimeoutSeconds int    `envconfig:"RICE_EVAL_SEARCH_TIMEOUT" yaml:"timeout_seconds" toml:"timeout_seconds"` // 0 = none
}

// JudgeConfig holds the remote judging service settings.
type JudgeConfig struct {
	BaseURL        string  `envconfig:"RICE_EVAL_JUDGE_URL" yaml:"base_url" toml:"base_url"`
	APIKey         string  `envconfig:"RICE_EVAL_JUDGE_API_KEY" yaml:"api_key" toml:"api_key"`
	RateLimit      float64 `envconfig:"RICE_EVAL_JUDGE_RATE_LIMIT" yaml:"rate_limit" toml:"rate_limit"` // 0 = unlimited
	Burst          int     `envconfig:"RICE_EVAL_JUDGE_BURST" yaml:"burst" toml:"burst"`
	TimeoutSeconds int     `envconfig:"RICE_EVAL_JUDGE_TIMEOUT" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RICE_EVAL_BUS_TYPE" yaml:"type" toml:"type"`
	KafkaBrokers string `envconfig:"RICE_EVAL_KAFKA_BROKERS" yaml:"kafka_brokers" toml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"RICE_EVAL_KAFKA_GROUP" yaml:"kafka_group" toml:"kafka_group"`
	NatsURL      string `envconfig:"RICE_EVAL_NATS_URL" yaml:"nats_url" toml:"nats_url"`

	// JournalPath, when set, appends every published event to a JSON lines file.
	JournalPath string `envconfig:"RICE_EVAL_EVENT_JOURNAL" yaml:"journal_path" toml:"journal_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RICE_EVAL_LOG_LEVEL" yaml:"level" toml:"level"`
	Format string `envconfig:"RICE_EVAL_LOG_FORMAT" yaml:"format" toml:"format"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"RICE_EVAL_METRICS_ENABLED" yaml:"metrics_enabled" toml:"metrics_enabled"`
	MetricsPath    string `envconfig:"RICE_EVAL_METRICS_PATH" yaml:"metrics_path" toml:"metrics_path"`
	TracingEnabled bool   `envconfig:"RICE_EVAL_TRACING_ENABLED" yaml:"tracing_enabled" toml:"tracing_enabled"`
}

// Load loads configuration from defaults, an optional config file and the environment.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Environment has the highest priority
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8090

	cfg.Eval = EvalConfig{
		Root:        "./eval",
		PollSeconds: 5,
		QueryLimit:  10000,
		Cutoffs:     []int{10, 100, 1000},
	}

	cfg.Store = StoreConfig{
		Type:     "sqlite",
		Path:     "./eval/db",
		RedisURL: "redis://localhost:6379/0",
		Prefix:   "rice:eval:",
	}

	cfg.Search = SearchConfig{
		Endpoint: "http://localhost:8080",
	}

	cfg.Judge = JudgeConfig{
		RateLimit:      5,
		Burst:          5,
		TimeoutSeconds: 30,
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "rice-eval",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.Eval.Root == "" {
		errs = append(errs, "eval.root is required")
	}
	if c.Eval.PollSeconds < 1 {
		errs = append(errs, "eval.poll_seconds must be positive")
	}
	if c.Eval.QueryLimit < 1 {
		errs = append(errs, "eval.query_limit must be positive")
	}
	for _, n := range c.Eval.Cutoffs {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("eval.cutoffs must be positive, got %d", n))
		}
	}

	validStores := map[string]bool{"memory": true, "sqlite": true, "redis": true}
	if !validStores[c.Store.Type] {
		errs = append(errs, fmt.Sprintf("invalid store type: %s (must be memory, sqlite, or redis)", c.Store.Type))
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		errs = append(errs, "store.path is required for sqlite")
	}

	if !strings.Contains(c.Search.Endpoint, "://") {
		errs = append(errs, fmt.Sprintf("search.endpoint must include a scheme: %q", c.Search.Endpoint))
	}
	if c.Search.TimeoutSeconds < 0 {
		errs = append(errs, "search.timeout_seconds cannot be negative")
	}

	if c.Judge.RateLimit < 0 {
		errs = append(errs, "judge.rate_limit cannot be negative")
	}

	validBusTypes := map[string]bool{"memory": true, "kafka": true, "nats": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or nats)", c.Bus.Type))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the HTTP API address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PollInterval is the scheduler backoff when no task is waiting.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Eval.PollSeconds) * time.Second
}

// SpoolDir is where uploaded input artifacts are staged.
func (c EvalConfig) SpoolDir() string { return filepath.Join(c.Root, "spool") }

// ResultsDir holds per-topic ranked result files.
func (c EvalConfig) ResultsDir() string { return filepath.Join(c.Root, "results") }

// AssessmentsDir holds per-topic metric detail files.
func (c EvalConfig) AssessmentsDir() string { return filepath.Join(c.Root, "assessments") }
