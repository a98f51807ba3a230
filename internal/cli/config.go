package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/procflow/internal/backoff"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
)

// Config is the engine configuration file (procflow.yaml). Command line
// flags override the values it sets.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Models   string         `yaml:"models"`
	Retry    RetryConfig    `yaml:"retry"`
	Poll     PollConfig     `yaml:"poll"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Workers  int            `yaml:"workers"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// RetryConfig controls automatic retries of failed sends.
type RetryConfig struct {
	Strategy    string `yaml:"strategy"` // constant, linear, exponential, jitter
	Initial     string `yaml:"initial"`
	Max         string `yaml:"max"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type PollConfig struct {
	Schedule    string `yaml:"schedule"` // cron spec or descriptor
	Concurrency int    `yaml:"concurrency"`
}

// DispatchConfig shapes the outgoing message stream. A zero Rate disables
// rate limiting. Journal is a file receiving one JSON line per message.
type DispatchConfig struct {
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
	Journal string  `yaml:"journal"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Store:  StoreConfig{Backend: store.BackendSQLite, Path: "procflow.db"},
		Models: "models",
		Retry: RetryConfig{
			Strategy:    backoff.NameJitter,
			Initial:     "1s",
			Max:         "1m",
			MaxAttempts: engine.DefaultMaxDispatchAttempts,
		},
		Poll:     PollConfig{Schedule: "@every 30s", Concurrency: engine.DefaultPollConcurrency},
		Dispatch: DispatchConfig{Burst: 1},
		Workers:  engine.DefaultRunnerWorkers,
	}
}

// LoadConfig reads path over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and that durations and the retry strategy
// parse.
func (c *Config) Validate() error {
	if _, err := c.RetryStrategy(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Poll.Schedule == "" {
		return errors.New("poll.schedule is required")
	}
	if c.Poll.Concurrency < 1 {
		return fmt.Errorf("poll.concurrency must be at least 1, got %d", c.Poll.Concurrency)
	}
	if c.Dispatch.Rate < 0 {
		return fmt.Errorf("dispatch.rate must be non-negative, got %g", c.Dispatch.Rate)
	}
	if c.Dispatch.Rate > 0 && c.Dispatch.Burst < 1 {
		return fmt.Errorf("dispatch.burst must be at least 1 when rate is set, got %d", c.Dispatch.Burst)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// RetryStrategy builds the backoff strategy for automatic retries.
func (c *Config) RetryStrategy() (backoff.Strategy, error) {
	initial, err := parseDuration("retry.initial", c.Retry.Initial)
	if err != nil {
		return nil, err
	}
	limit, err := parseDuration("retry.max", c.Retry.Max)
	if err != nil {
		return nil, err
	}
	return backoff.Parse(c.Retry.Strategy, initial, limit)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
