package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/chunker"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/retry"
	"slack-indexer/internal/sink"
)

// ErrInvalid wraps every configuration problem.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Slack     SlackConfig     `yaml:"slack"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Sync      SyncConfig      `yaml:"sync"`
	Retry     RetryConfig     `yaml:"retry"`
	State     StateConfig     `yaml:"state"`
	Status    StatusConfig    `yaml:"status"`
	Queue     QueueConfig     `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SlackConfig struct {
	Token           string `yaml:"token"`
	BaseURL         string `yaml:"base_url"`
	PageSize        int    `yaml:"page_size"`
	PageDelayMillis int    `yaml:"page_delay_ms"`
}

type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type VectorConfig struct {
	DSN            string `yaml:"dsn"` // memory://, sqlite://path, postgres://..., pinecone://host
	PineconeAPIKey string `yaml:"pinecone_api_key"`
	Namespace      string `yaml:"namespace"`
}

type SyncConfig struct {
	Channels          []string `yaml:"channels"` // empty means every listed channel
	WindowSize        int      `yaml:"window_size"`
	Overlap           int      `yaml:"overlap"`
	LookbackHours     int      `yaml:"lookback_hours"`
	MaxProcessedIDs   int      `yaml:"max_processed_ids"`
	Concurrency       int      `yaml:"concurrency"`
	UpsertDelayMillis int      `yaml:"upsert_delay_ms"`
	IntervalSeconds   int      `yaml:"interval_seconds"` // only used by sync --interval
}

type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialBackoffMilli int     `yaml:"initial_backoff_ms"`
	MaxBackoffSecs      int     `yaml:"max_backoff_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

type StatusConfig struct {
	StaleAfterHours int `yaml:"stale_after_hours"`
}

type QueueConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Path               string  `yaml:"path"`
	MaxRetries         int     `yaml:"max_retries"`
	InitialBackoffSecs int     `yaml:"initial_backoff_seconds"`
	MaxBackoffSecs     int     `yaml:"max_backoff_seconds"`
	BackoffFactor      float64 `yaml:"backoff_factor"`
	BatchSize          int     `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	Path   string `yaml:"path"`
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load reads a YAML file, applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Slack.BaseURL == "" {
		c.Slack.BaseURL = "https://slack.com/api"
	}
	if c.Slack.PageSize == 0 {
		c.Slack.PageSize = 200
	}
	if c.Slack.PageDelayMillis == 0 {
		c.Slack.PageDelayMillis = 1000
	}

	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}

	if c.State.Dir == "" {
		home, _ := os.UserHomeDir()
		c.State.Dir = filepath.Join(home, ".slack-indexer")
	} else {
		c.State.Dir = expandPath(c.State.Dir)
	}

	if c.Vector.DSN == "" {
		c.Vector.DSN = "sqlite://" + filepath.Join(c.State.Dir, "vectors.db")
	}

	if c.Sync.WindowSize == 0 {
		c.Sync.WindowSize = chunker.DefaultWindowSize
	}
	if c.Sync.Overlap == 0 {
		c.Sync.Overlap = chunker.DefaultOverlap
	}
	if c.Sync.LookbackHours == 0 {
		c.Sync.LookbackHours = 24
	}
	if c.Sync.MaxProcessedIDs == 0 {
		c.Sync.MaxProcessedIDs = checkpoint.DefaultMaxProcessedIDs
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.UpsertDelayMillis == 0 {
		c.Sync.UpsertDelayMillis = 100
	}
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 3600
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialBackoffMilli == 0 {
		c.Retry.InitialBackoffMilli = 1000
	}
	if c.Retry.MaxBackoffSecs == 0 {
		c.Retry.MaxBackoffSecs = 120
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2.0
	}

	if c.Status.StaleAfterHours == 0 {
		c.Status.StaleAfterHours = 25
	}

	// Queue defaults
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.State.Dir, "failed_upserts.db")
	} else {
		c.Queue.Path = expandPath(c.Queue.Path)
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 10
	}
	if c.Queue.InitialBackoffSecs == 0 {
		c.Queue.InitialBackoffSecs = 300
	}
	if c.Queue.MaxBackoffSecs == 0 {
		c.Queue.MaxBackoffSecs = 86400
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = 2.0
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Path != "" {
		c.Logging.Path = expandPath(c.Logging.Path)
	}
}

// applyEnv lets secrets stay out of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.Token = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("PINECONE_API_KEY"); v != "" {
		c.Vector.PineconeAPIKey = v
	}
	if v := os.Getenv("VECTOR_DSN"); v != "" {
		c.Vector.DSN = v
	}
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ChunkerOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be >= 1, got %d", c.Sync.Concurrency))
	}
	if c.Sync.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval_seconds must be > 0, got %d", c.Sync.IntervalSeconds))
	}
	if c.Sync.LookbackHours < 0 {
		errs = append(errs, fmt.Errorf("sync.lookback_hours must be positive, got %d", c.Sync.LookbackHours))
	}
	if c.Sync.MaxProcessedIDs < 0 {
		errs = append(errs, fmt.Errorf("sync.max_processed_ids must be positive, got %d", c.Sync.MaxProcessedIDs))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Status.StaleAfterHours < 0 {
		errs = append(errs, fmt.Errorf("status.stale_after_hours must be positive, got %d", c.Status.StaleAfterHours))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateForSync additionally requires the credentials a sync run needs.
func (c *Config) ValidateForSync() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.Slack.Token == "" {
		errs = append(errs, errors.New("slack.token (or SLACK_BOT_TOKEN) is required"))
	}
	if c.Embedding.APIKey == "" {
		errs = append(errs, errors.New("embedding.api_key (or OPENAI_API_KEY) is required"))
	}
	if strings.HasPrefix(sink.Backend(c.Vector.DSN), "pinecone") && c.Vector.PineconeAPIKey == "" {
		errs = append(errs, errors.New("vector.pinecone_api_key (or PINECONE_API_KEY) is required for pinecone"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) ChunkerOptions() chunker.Options {
	return chunker.Options{
		WindowSize: c.Sync.WindowSize,
		Overlap:    c.Sync.Overlap,
		Pass:       chunker.PassIncremental,
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		InitialDelay:  time.Duration(c.Retry.InitialBackoffMilli) * time.Millisecond,
		MaxDelay:      time.Duration(c.Retry.MaxBackoffSecs) * time.Second,
		BackoffFactor: c.Retry.BackoffFactor,
	}
}

func (c *Config) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		Dir:             c.State.Dir,
		DefaultLookback: time.Duration(c.Sync.LookbackHours) * time.Hour,
		MaxProcessedIDs: c.Sync.MaxProcessedIDs,
	}
}

func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Path:           c.Queue.Path,
		MaxRetries:     c.Queue.MaxRetries,
		InitialBackoff: time.Duration(c.Queue.InitialBackoffSecs) * time.Second,
		MaxBackoff:     time.Duration(c.Queue.MaxBackoffSecs) * time.Second,
		BackoffFactor:  c.Queue.BackoffFactor,
	}
}

func (c *Config) SinkOptions() sink.BuildOptions {
	return sink.BuildOptions{
		PineconeAPIKey:    c.Vector.PineconeAPIKey,
		PineconeNamespace: c.Vector.Namespace,
	}
}

func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.Slack.PageDelayMillis) * time.Millisecond
}

func (c *Config) UpsertDelay() time.Duration {
	return time.Duration(c.Sync.UpsertDelayMillis) * time.Millisecond
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Status.StaleAfterHours) * time.Hour
}
