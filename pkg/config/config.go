// Package config provides configuration structures and loading logic for the
// pipeline engine and its pipeline definition files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/panelflow/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the engine process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Agent      AgentConfig      `yaml:"agent"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Storage    StorageConfig    `yaml:"storage"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP API server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string                `yaml:"otlp_endpoint"`
	Insecure     bool                  `yaml:"insecure"`
	Headers      map[string]string     `yaml:"headers,omitempty"`
	ServiceName  string                `yaml:"service_name"`
	Environment  string                `yaml:"environment"`
	SampleRatio  float64               `yaml:"sample_ratio"`
	Redactions   []telemetry.Redaction `yaml:"redactions,omitempty"`
}

// AgentConfig holds configuration for the agent gateway client.
type AgentConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxInputBytes     int           `yaml:"max_input_bytes"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// PipelineConfig holds configuration for pipeline loading and execution.
type PipelineConfig struct {
	File            string        `yaml:"file"`
	RetryDelayFloor time.Duration `yaml:"retry_delay_floor"`
}

// SummarizerConfig tunes the corpus summarizer.
type SummarizerConfig struct {
	ChunkBytes      int           `yaml:"chunk_bytes"`
	BatchSize       int           `yaml:"batch_size"`
	BatchDelay      time.Duration `yaml:"batch_delay"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ReduceBatchSize int           `yaml:"reduce_batch_size"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
}

// StorageConfig selects where summary caches persist.
type StorageConfig struct {
	// Driver is memory, file, or postgres.
	Driver      string `yaml:"driver"`
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig tunes the event stream.
type EventsConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	HistorySize int           `yaml:"history_size"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "panelflow",
		},
		Agent: AgentConfig{
			BaseURL:       "http://localhost:8090",
			Timeout:       5 * time.Minute,
			MaxInputBytes: 100_000,
		},
		Pipeline: PipelineConfig{
			RetryDelayFloor: time.Second,
		},
		Summarizer: SummarizerConfig{
			ChunkBytes:      50_000,
			BatchSize:       3,
			BatchDelay:      time.Second,
			MaxRetries:      3,
			RetryBackoff:    2 * time.Second,
			ReduceBatchSize: 20,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
		},
		Events: EventsConfig{
			BufferSize:  64,
			HistorySize: 256,
			KeepAlive:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PANELFLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("PANELFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PANELFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PANELFLOW_AGENT_URL"); val != "" {
		cfg.Agent.BaseURL = val
	}
	if val := os.Getenv("PANELFLOW_AGENT_TOKEN"); val != "" {
		cfg.Agent.Token = val
	}
	if val := os.Getenv("PANELFLOW_AGENT_RPS"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("PANELFLOW_AGENT_RPS: %w", err)
		}
		cfg.Agent.RequestsPerSecond = rps
	}

	if val := os.Getenv("PANELFLOW_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}

	if val := os.Getenv("PANELFLOW_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("PANELFLOW_STORAGE_DIR"); val != "" {
		cfg.Storage.Dir = val
	}
	if val := os.Getenv("PANELFLOW_POSTGRES_DSN"); val != "" {
		cfg.Storage.PostgresDSN = val
	}

	if val := os.Getenv("PANELFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PANELFLOW_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}
	if err := c.Summarizer.Validate(); err != nil {
		return fmt.Errorf("summarizer configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1")
	}
	for _, r := range c.Redactions {
		switch strings.ToLower(r.Strategy) {
		case "", "drop", "mask", "hash", "redact":
		default:
			return fmt.Errorf("redaction for %q: unknown strategy %q", r.Attribute, r.Strategy)
		}
	}
	return nil
}

// Validate performs validation of agent client configuration.
func (c *AgentConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.MaxInputBytes < 0 {
		return fmt.Errorf("max_input_bytes must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	return nil
}

// Validate performs validation of pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if c.RetryDelayFloor < 0 {
		return fmt.Errorf("retry_delay_floor must not be negative")
	}
	return nil
}

// Validate performs validation of summarizer configuration.
func (c *SummarizerConfig) Validate() error {
	if c.ChunkBytes < 0 || c.BatchSize < 0 || c.MaxRetries < 0 || c.ReduceBatchSize < 0 || c.MaxFileBytes < 0 {
		return fmt.Errorf("sizes and counts must not be negative")
	}
	if c.ReduceBatchSize == 1 {
		return fmt.Errorf("reduce_batch_size must be at least 2")
	}
	return nil
}

// Validate performs validation of storage configuration.
func (c *StorageConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = StorageMemory
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(c.Dir) == "" {
			return fmt.Errorf("file storage requires dir")
		}
	case StoragePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown driver %q, supported drivers: memory, file, postgres", c.Driver)
	}
	return nil
}

// Validate performs validation of event stream configuration.
func (c *EventsConfig) Validate() error {
	if c.BufferSize < 0 || c.HistorySize < 0 || c.KeepAlive < 0 {
		return fmt.Errorf("event buffer sizes and keep_alive must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
