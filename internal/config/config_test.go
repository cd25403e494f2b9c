package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "datapipe.db", cfg.Store.SQLitePath)
	assert.Equal(t, "data", cfg.Storage.Root)
	assert.Equal(t, "csv", cfg.Storage.Format)
	assert.Equal(t, ",", cfg.Ingest.Delimiter)
	assert.True(t, cfg.Ingest.LazyQuotes)
	assert.Equal(t, []string{"full_text"}, cfg.Clean.TextColumns)
	assert.InDelta(t, 1.5, cfg.Clean.FenceMultiplier, 1e-9)
	assert.Equal(t, 50, cfg.Annotate.DefaultPageSize)
	assert.Equal(t, 3, cfg.Annotate.DefaultRetries)
	assert.Equal(t, 1000, cfg.Annotate.BackoffBaseMs)
	assert.Equal(t, "local", cfg.Dispatch.Mode)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 60, cfg.Dispatch.RetryDelaySecs)
	assert.Equal(t, "datapipe", cfg.Temporal.TaskQueue)
	assert.Equal(t, 64, cfg.Intake.QueueSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NoError(t, cfg.Validate(ModeServe))
	assert.NoError(t, cfg.Validate(ModeRun))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/datapipe
storage:
  root: /srv/data
  format: xlsx
annotate:
  default_page_size: 100
dispatch:
  mode: temporal
  concurrency: 8
sink:
  table: analysed_rows
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "/srv/data", cfg.Storage.Root)
	assert.Equal(t, "xlsx", cfg.Storage.Format)
	assert.Equal(t, 100, cfg.Annotate.DefaultPageSize)
	assert.Equal(t, "temporal", cfg.Dispatch.Mode)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.Equal(t, "postgres://localhost/datapipe", cfg.SinkDatabaseURL())
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Annotate.DefaultRetries)

	assert.NoError(t, cfg.Validate(ModeWorker))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DATAPIPE_STORE_DRIVER", "postgres")
	t.Setenv("DATAPIPE_LOG_LEVEL", "warn")
	t.Setenv("DATAPIPE_ANNOTATE_AI_CONFIG_PATH", "/etc/datapipe/ai.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/etc/datapipe/ai.yaml", cfg.Annotate.AIConfigPath)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATAPIPE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "datapipe.db"
	cfg.Storage.Root = "data"
	cfg.Storage.Format = "csv"
	cfg.Ingest.Delimiter = ","
	cfg.Annotate.DefaultPageSize = 50
	cfg.Annotate.DefaultRetries = 3
	cfg.Dispatch.Mode = "local"
	cfg.Dispatch.Concurrency = 2
	cfg.Dispatch.MaxRetries = 3
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "datapipe"
	cfg.Server.Port = 8080
	cfg.Log.Level = "info"
	return cfg
}

func TestValidate_Modes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{ModeServe, ModeWorker, ModeRun} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}

	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Storage.Format = "parquet"
	cfg.Annotate.DefaultPageSize = MaxPageSize + 1
	cfg.Annotate.DefaultRetries = -1

	err := cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "unknown storage.format")
	assert.Contains(t, err.Error(), "default_page_size must be between 0 and 5000")
	assert.Contains(t, err.Error(), "default_retries must be between 0 and 10")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate(ModeRun))
}

func TestValidate_TemporalRequiredForWorker(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.HostPort = ""

	assert.NoError(t, cfg.Validate(ModeServe))
	assert.Error(t, cfg.Validate(ModeWorker))

	cfg.Dispatch.Mode = "temporal"
	assert.Error(t, cfg.Validate(ModeServe))
}

func TestValidate_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Dispatch.Concurrency = 0
	err := cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.concurrency must be between 1 and 256")

	cfg.Dispatch.Concurrency = MaxConcurrency
	assert.NoError(t, cfg.Validate(ModeRun))
}

func TestValidate_SinkNeedsDatabase(t *testing.T) {
	cfg := validDefaults()
	cfg.Sink.Table = "analysed_rows"

	err := cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink.table")

	cfg.Sink.DatabaseURL = "postgres://warehouse/db"
	assert.NoError(t, cfg.Validate(ModeRun))
}

func TestValidate_Delimiter(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.Delimiter = ";;"
	assert.Error(t, cfg.Validate(ModeRun))

	cfg.Ingest.Delimiter = ";"
	assert.NoError(t, cfg.Validate(ModeRun))
	assert.Equal(t, ';', cfg.Ingest.DelimiterRune())
	assert.Equal(t, ',', IngestConfig{}.DelimiterRune())
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 60*time.Second, Seconds(60))
	assert.Equal(t, 250*time.Millisecond, Millis(250))
}
