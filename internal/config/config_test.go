package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/baseline"
	"github.com/sells-group/recon-cli/internal/model"
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
	assert.Equal(t, "recon.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrentFeeds)
	assert.Equal(t, 50, cfg.Batch.MaxTickets)
	assert.Equal(t, 30, cfg.Feed.TimeoutSecs)
	assert.Equal(t, 1, cfg.Match.FuzzyMaxDistance)
	assert.InDelta(t, 0.1, cfg.Match.HeuristicQtyTolerance, 1e-9)
	assert.InDelta(t, 2.0, cfg.Tolerances.QuantityVariancePct, 1e-9)
	assert.Equal(t, 30, cfg.Baseline.DriverWindowDays)
	assert.Equal(t, 90, cfg.Baseline.SiteWindowDays)
	assert.Equal(t, 5, cfg.Baseline.MinSamples)
	assert.Equal(t, "mean", cfg.Baseline.Method)
	assert.Contains(t, cfg.Baseline.ScoredFields, model.FieldQuantity)
	assert.InDelta(t, 0.7, cfg.Anomaly.LowConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.25, cfg.Anomaly.Breakpoints.Medium, 1e-9)
	assert.InDelta(t, 1.0, cfg.Anomaly.Breakpoints.Critical, 1e-9)
	assert.Equal(t, 14, cfg.Evidence.RelatedWindowDays)
	assert.Equal(t, "high", cfg.Monitoring.MinSeverity)
	assert.Equal(t, "recon", cfg.Temporal.TaskQueue)
	assert.Empty(t, cfg.Schedule.BatchCron)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/recon
log:
  level: debug
  format: console
batch:
  max_concurrent_feeds: 8
baseline:
  method: median
  scored_fields: [quantity]
anomaly:
  breakpoints:
    high: 0.6
schedule:
  batch_cron: "0 * * * *"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrentFeeds)
	assert.Equal(t, "median", cfg.Baseline.Method)
	assert.Equal(t, []string{"quantity"}, cfg.Baseline.ScoredFields)
	assert.InDelta(t, 0.6, cfg.Anomaly.Breakpoints.High, 1e-9)
	assert.Equal(t, "0 * * * *", cfg.Schedule.BatchCron)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Batch.MaxTickets)
	assert.InDelta(t, 0.25, cfg.Anomaly.Breakpoints.Medium, 1e-9)
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

	t.Setenv("RECON_STORE_DRIVER", "postgres")
	t.Setenv("RECON_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RECON_SERVER_PORT=3000\nRECON_MONITORING_WEBHOOK_URL=https://hooks.example.com/a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("RECON_SERVER_PORT=4000\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("RECON_SERVER_PORT")            //nolint:errcheck
		os.Unsetenv("RECON_MONITORING_WEBHOOK_URL") //nolint:errcheck
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port, ".env.local wins over .env")
	assert.Equal(t, "https://hooks.example.com/a", cfg.Monitoring.WebhookURL)
}

func TestLoadEnvBeatsDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RECON_SERVER_PORT=3000\n"), 0o644))
	t.Setenv("RECON_SERVER_PORT", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestEngineConversion(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)

	ec := cfg.Engine()
	require.NoError(t, ec.Validate())
	assert.Equal(t, 24*time.Hour, ec.Tolerances.DeliveryWindow)
	assert.Equal(t, baseline.MethodMean, ec.Baseline.Method)
	assert.Equal(t, 5*time.Minute, ec.Baseline.CacheTTL)
	assert.Equal(t, 4, ec.Batch.MaxConcurrentFeeds)
	assert.Equal(t, 5, ec.Retry.Attempts)
	assert.Equal(t, time.Minute, ec.Retry.Base)
	assert.Equal(t, 6*time.Hour, ec.Retry.Max)

	lo := cfg.Loader()
	assert.Equal(t, 30*time.Second, lo.Timeout)
	assert.Equal(t, 4, lo.Policy.Attempts)
	assert.Equal(t, 5, lo.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, lo.Breaker.Cooldown)

	ho := cfg.HTTP()
	assert.Equal(t, "recon-cli/1.0", ho.UserAgent)
	assert.InDelta(t, 2.0, ho.RatePerSec, 1e-9)

	assert.Equal(t, int32(10), cfg.Pool().MaxConns)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the fields Validate checks populated.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "recon.db"
	cfg.Batch.MaxConcurrentFeeds = 4
	cfg.Batch.MaxTickets = 50
	cfg.Anomaly.LowConfidenceThreshold = 0.7
	cfg.Server.Port = 8080
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "recon"
	return cfg
}

func TestValidateReconcile(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("reconcile"))
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("reconcile"))
}

func TestValidateWorker(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("worker"))
	cfg.Temporal.TaskQueue = ""
	assert.Error(t, cfg.Validate("worker"))
}

func TestValidateSchedule(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule.batch_cron or schedule.retry_cron")

	cfg.Schedule.RetryCron = "*/5 * * * *"
	assert.NoError(t, cfg.Validate("schedule"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.MaxConcurrentFeeds = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_feeds must be between 1 and 64")

	cfg.Batch.MaxConcurrentFeeds = 65
	assert.Error(t, cfg.Validate("serve"))

	cfg.Batch.MaxConcurrentFeeds = 64
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Anomaly.LowConfidenceThreshold = 1.5
	err := cfg.Validate("reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "low_confidence_threshold")

	cfg = validDefaults()
	cfg.Tolerances.QuantityVariancePct = -1
	assert.Error(t, cfg.Validate("reconcile"))

	cfg = validDefaults()
	cfg.Monitoring.MinSeverity = "urgent"
	err = cfg.Validate("reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_severity")

	cfg.Monitoring.MinSeverity = "low"
	assert.NoError(t, cfg.Validate("reconcile"))
}
