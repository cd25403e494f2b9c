// Package config loads service configuration from config.yaml and
// DATAPIPE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Clean    CleanConfig    `yaml:"clean" mapstructure:"clean"`
	Annotate AnnotateConfig `yaml:"annotate" mapstructure:"annotate"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Temporal TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
	Events   EventsConfig   `yaml:"events" mapstructure:"events"`
	Sink     SinkConfig     `yaml:"sink" mapstructure:"sink"`
	Intake   IntakeConfig   `yaml:"intake" mapstructure:"intake"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Task Record backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig locates sources and snapshots.
type StorageConfig struct {
	Root   string `yaml:"root" mapstructure:"root"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig controls how sources are parsed.
type IngestConfig struct {
	Delimiter  string `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding   string `yaml:"encoding" mapstructure:"encoding"`
	LazyQuotes bool   `yaml:"lazy_quotes" mapstructure:"lazy_quotes"`
	TrimSpace  bool   `yaml:"trim_space" mapstructure:"trim_space"`
}

// CleanConfig tunes sanitisation and outlier removal.
type CleanConfig struct {
	TextColumns       []string `yaml:"text_columns" mapstructure:"text_columns"`
	IdentifierColumns []string `yaml:"identifier_columns" mapstructure:"identifier_columns"`
	FenceMultiplier   float64  `yaml:"fence_multiplier" mapstructure:"fence_multiplier"`
}

// AnnotateConfig tunes the annotation stage.
type AnnotateConfig struct {
	AIConfigPath      string  `yaml:"ai_config_path" mapstructure:"ai_config_path"`
	PromptContext     string  `yaml:"prompt_context" mapstructure:"prompt_context"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BackoffBaseMs     int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	DefaultPageSize   int     `yaml:"default_page_size" mapstructure:"default_page_size"`
	DefaultRetries    int     `yaml:"default_retries" mapstructure:"default_retries"`
}

// DispatchConfig selects and tunes the run dispatcher.
type DispatchConfig struct {
	Mode           string `yaml:"mode" mapstructure:"mode"`
	Concurrency    int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySecs int    `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
}

// TemporalConfig points at the Temporal frontend.
type TemporalConfig struct {
	HostPort       string `yaml:"host_port" mapstructure:"host_port"`
	Namespace      string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue      string `yaml:"task_queue" mapstructure:"task_queue"`
	RunTimeoutMins int    `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
}

// EventsConfig configures event sinks beyond the log and the event table.
type EventsConfig struct {
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeoutSecs int    `yaml:"webhook_timeout_secs" mapstructure:"webhook_timeout_secs"`
}

// SinkConfig enables loading analysed rows into a Postgres table.
type SinkConfig struct {
	Table       string `yaml:"table" mapstructure:"table"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// IntakeConfig sizes the in-process work queue.
type IntakeConfig struct {
	QueueSize        int `yaml:"queue_size" mapstructure:"queue_size"`
	RequeueBackoffMs int `yaml:"requeue_backoff_ms" mapstructure:"requeue_backoff_ms"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Ceilings applied by Validate.
const (
	MaxPageSize     = 5000
	MaxRetries      = 10
	MaxConcurrency  = 256
	MaxDispatchRuns = 20
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DATAPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "datapipe.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("storage.root", "data")
	v.SetDefault("storage.format", "csv")
	v.SetDefault("ingest.delimiter", ",")
	v.SetDefault("ingest.lazy_quotes", true)
	v.SetDefault("clean.text_columns", []string{"full_text"})
	v.SetDefault("clean.fence_multiplier", 1.5)
	v.SetDefault("annotate.ai_config_path", "")
	v.SetDefault("annotate.prompt_context", "")
	v.SetDefault("annotate.requests_per_second", 2.0)
	v.SetDefault("annotate.max_tokens", 4096)
	v.SetDefault("annotate.timeout_secs", 120)
	v.SetDefault("annotate.backoff_base_ms", 1000)
	v.SetDefault("annotate.breaker_threshold", 5)
	v.SetDefault("annotate.breaker_reset_secs", 30)
	v.SetDefault("annotate.default_page_size", 50)
	v.SetDefault("annotate.default_retries", 3)
	v.SetDefault("dispatch.mode", "local")
	v.SetDefault("dispatch.concurrency", 2)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_delay_secs", 60)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "datapipe")
	v.SetDefault("temporal.run_timeout_mins", 120)
	v.SetDefault("events.webhook_url", "")
	v.SetDefault("events.webhook_timeout_secs", 10)
	v.SetDefault("sink.table", "")
	v.SetDefault("sink.database_url", "")
	v.SetDefault("intake.queue_size", 64)
	v.SetDefault("intake.requeue_backoff_ms", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validation modes, one per long-running command.
const (
	ModeServe  = "serve"
	ModeWorker = "worker"
	ModeRun    = "run"
)

// Validate checks driver names, formats and ceilings for the given mode.
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Storage.Format {
	case "csv", "xlsx":
	default:
		add("unknown storage.format %q", c.Storage.Format)
	}
	if c.Storage.Root == "" {
		add("storage.root is required")
	}
	if utf8.RuneCountInString(c.Ingest.Delimiter) > 1 {
		add("ingest.delimiter must be a single character, got %q", c.Ingest.Delimiter)
	}

	if c.Annotate.DefaultPageSize < 0 || c.Annotate.DefaultPageSize > MaxPageSize {
		add("annotate.default_page_size must be between 0 and %d", MaxPageSize)
	}
	if c.Annotate.DefaultRetries < 0 || c.Annotate.DefaultRetries > MaxRetries {
		add("annotate.default_retries must be between 0 and %d", MaxRetries)
	}
	if c.Annotate.RequestsPerSecond < 0 {
		add("annotate.requests_per_second must be >= 0")
	}

	switch c.Dispatch.Mode {
	case "local", "temporal":
	default:
		add("unknown dispatch.mode %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Concurrency < 1 || c.Dispatch.Concurrency > MaxConcurrency {
		add("dispatch.concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > MaxDispatchRuns {
		add("dispatch.max_retries must be between 0 and %d", MaxDispatchRuns)
	}

	if c.Sink.Table != "" && c.SinkDatabaseURL() == "" {
		add("sink.table requires sink.database_url or a postgres store")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("invalid log.level %q", c.Log.Level)
	}

	temporalNeeded := mode == ModeWorker || (mode == ModeServe && c.Dispatch.Mode == "temporal")
	switch mode {
	case ModeServe:
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case ModeWorker, ModeRun:
	default:
		add("unknown mode %q", mode)
	}
	if temporalNeeded && (c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "") {
		add("temporal.host_port and temporal.task_queue are required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SinkDatabaseURL returns the warehouse connection string, falling back to
// the postgres task store.
func (c *Config) SinkDatabaseURL() string {
	if c.Sink.DatabaseURL != "" {
		return c.Sink.DatabaseURL
	}
	if c.Store.Driver == "postgres" {
		return c.Store.DatabaseURL
	}
	return ""
}

// DelimiterRune returns the ingest delimiter, defaulting to a comma.
func (c IngestConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	if r == utf8.RuneError {
		return ','
	}
	return r
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a whole-millisecond setting to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
