package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/recon-cli/internal/anomaly"
	"github.com/sells-group/recon-cli/internal/baseline"
	"github.com/sells-group/recon-cli/internal/evidence"
	"github.com/sells-group/recon-cli/internal/fetcher"
	"github.com/sells-group/recon-cli/internal/match"
	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/recon"
	"github.com/sells-group/recon-cli/internal/resilience"
	"github.com/sells-group/recon-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Feed       FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Tolerances TolerancesConfig `yaml:"tolerances" mapstructure:"tolerances"`
	Baseline   BaselineConfig   `yaml:"baseline" mapstructure:"baseline"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" mapstructure:"anomaly"`
	Evidence   EvidenceConfig   `yaml:"evidence" mapstructure:"evidence"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// BatchConfig bounds batch runs.
type BatchConfig struct {
	MaxConcurrentFeeds int `yaml:"max_concurrent_feeds" mapstructure:"max_concurrent_feeds"`
	MaxTickets         int `yaml:"max_tickets" mapstructure:"max_tickets"`
}

// FeedConfig configures feed downloads.
type FeedConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	MaxBytes         int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// RetryConfig schedules re-attempts of tickets whose feed fetch failed.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseSecs    int     `yaml:"base_secs" mapstructure:"base_secs"`
	MaxSecs     int     `yaml:"max_secs" mapstructure:"max_secs"`
	Multiplier  float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// MatchConfig holds matcher thresholds.
type MatchConfig struct {
	FuzzyMaxDistance      int     `yaml:"fuzzy_max_distance" mapstructure:"fuzzy_max_distance"`
	HeuristicQtyTolerance float64 `yaml:"heuristic_qty_tolerance" mapstructure:"heuristic_qty_tolerance"`
}

// TolerancesConfig holds the default variance tolerances.
type TolerancesConfig struct {
	QuantityVariancePct float64 `yaml:"quantity_variance_pct" mapstructure:"quantity_variance_pct"`
	PriceVariancePct    float64 `yaml:"price_variance_pct" mapstructure:"price_variance_pct"`
	DeliveryWindowHours int     `yaml:"delivery_window_hours" mapstructure:"delivery_window_hours"`
}

// BaselineConfig controls baseline windows and scoring.
type BaselineConfig struct {
	DriverWindowDays int      `yaml:"driver_window_days" mapstructure:"driver_window_days"`
	SiteWindowDays   int      `yaml:"site_window_days" mapstructure:"site_window_days"`
	MinSamples       int      `yaml:"min_samples" mapstructure:"min_samples"`
	DeviationCap     float64  `yaml:"deviation_cap" mapstructure:"deviation_cap"`
	Method           string   `yaml:"method" mapstructure:"method"`
	ScoredFields     []string `yaml:"scored_fields" mapstructure:"scored_fields"`
	CacheSize        int      `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTLSecs     int      `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// AnomalyConfig controls anomaly classification.
type AnomalyConfig struct {
	LowConfidenceThreshold float64                `yaml:"low_confidence_threshold" mapstructure:"low_confidence_threshold"`
	Breakpoints            SeverityBreakpointsCfg `yaml:"breakpoints" mapstructure:"breakpoints"`
}

// SeverityBreakpointsCfg are the deviation fractions at which severity steps up.
type SeverityBreakpointsCfg struct {
	Medium   float64 `yaml:"medium" mapstructure:"medium"`
	High     float64 `yaml:"high" mapstructure:"high"`
	Critical float64 `yaml:"critical" mapstructure:"critical"`
}

// EvidenceConfig controls related-ticket lookup for evidence packets.
type EvidenceConfig struct {
	RelatedWindowDays int `yaml:"related_window_days" mapstructure:"related_window_days"`
	RelatedLimit      int `yaml:"related_limit" mapstructure:"related_limit"`
}

// NormalizeConfig points at an optional header alias file.
type NormalizeConfig struct {
	AliasesFile string `yaml:"aliases_file" mapstructure:"aliases_file"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	MinSeverity          string  `yaml:"min_severity" mapstructure:"min_severity"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RetryQueueThreshold  int     `yaml:"retry_queue_threshold" mapstructure:"retry_queue_threshold"`
}

// ScheduleConfig holds cron expressions for recurring jobs. Empty disables a job.
type ScheduleConfig struct {
	BatchCron string `yaml:"batch_cron" mapstructure:"batch_cron"`
	RetryCron string `yaml:"retry_cron" mapstructure:"retry_cron"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// envFiles are loaded in order; variables already set are never overwritten.
var envFiles = []string{".env.local", ".env"}

// Load reads configuration from .env files, config.yaml and the environment.
func Load() (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "recon.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent_feeds", 4)
	v.SetDefault("batch.max_tickets", 50)
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.user_agent", "recon-cli/1.0")
	v.SetDefault("feed.rate_per_sec", 2.0)
	v.SetDefault("feed.burst", 2)
	v.SetDefault("feed.max_bytes", 64<<20)
	v.SetDefault("feed.breaker_threshold", 5)
	v.SetDefault("feed.breaker_reset_secs", 30)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_secs", 60)
	v.SetDefault("retry.max_secs", 6*3600)
	v.SetDefault("retry.multiplier", 4.0)
	v.SetDefault("match.fuzzy_max_distance", 1)
	v.SetDefault("match.heuristic_qty_tolerance", 0.1)
	v.SetDefault("tolerances.quantity_variance_pct", 2.0)
	v.SetDefault("tolerances.price_variance_pct", 1.0)
	v.SetDefault("tolerances.delivery_window_hours", 24)
	v.SetDefault("baseline.driver_window_days", 30)
	v.SetDefault("baseline.site_window_days", 90)
	v.SetDefault("baseline.min_samples", 5)
	v.SetDefault("baseline.deviation_cap", 1.0)
	v.SetDefault("baseline.method", "mean")
	v.SetDefault("baseline.scored_fields", []string{
		model.FieldQuantity, model.FieldNetWeight, model.FieldGrossWeight, model.FieldRate,
	})
	v.SetDefault("baseline.cache_size", 1024)
	v.SetDefault("baseline.cache_ttl_secs", 300)
	v.SetDefault("anomaly.low_confidence_threshold", 0.7)
	v.SetDefault("anomaly.breakpoints.medium", 0.25)
	v.SetDefault("anomaly.breakpoints.high", 0.5)
	v.SetDefault("anomaly.breakpoints.critical", 1.0)
	v.SetDefault("evidence.related_window_days", 14)
	v.SetDefault("evidence.related_limit", 10)
	v.SetDefault("normalize.aliases_file", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.min_severity", "high")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.retry_queue_threshold", 100)
	v.SetDefault("schedule.batch_cron", "")
	v.SetDefault("schedule.retry_cron", "*/5 * * * *")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "recon")
}

// Engine converts the engine-facing sections into a recon.Config.
func (c *Config) Engine() recon.Config {
	return recon.Config{
		Match: match.Options{
			FuzzyMaxDistance:      c.Match.FuzzyMaxDistance,
			HeuristicQtyTolerance: c.Match.HeuristicQtyTolerance,
		},
		Tolerances: model.Tolerances{
			QuantityVariancePct: c.Tolerances.QuantityVariancePct,
			PriceVariancePct:    c.Tolerances.PriceVariancePct,
			DeliveryWindow:      time.Duration(c.Tolerances.DeliveryWindowHours) * time.Hour,
		},
		Baseline: baseline.Config{
			DriverWindowDays: c.Baseline.DriverWindowDays,
			SiteWindowDays:   c.Baseline.SiteWindowDays,
			MinSamples:       c.Baseline.MinSamples,
			DeviationCap:     c.Baseline.DeviationCap,
			Method:           baseline.Method(c.Baseline.Method),
			ScoredFields:     c.Baseline.ScoredFields,
			CacheSize:        c.Baseline.CacheSize,
			CacheTTL:         time.Duration(c.Baseline.CacheTTLSecs) * time.Second,
		},
		Anomaly: anomaly.Config{
			LowConfidenceThreshold: c.Anomaly.LowConfidenceThreshold,
			Breakpoints: anomaly.Breakpoints{
				Medium:   c.Anomaly.Breakpoints.Medium,
				High:     c.Anomaly.Breakpoints.High,
				Critical: c.Anomaly.Breakpoints.Critical,
			},
		},
		Evidence: evidence.Config{
			RelatedWindowDays: c.Evidence.RelatedWindowDays,
			RelatedLimit:      c.Evidence.RelatedLimit,
		},
		Batch: recon.BatchConfig{
			MaxConcurrentFeeds: c.Batch.MaxConcurrentFeeds,
			MaxTickets:         c.Batch.MaxTickets,
		},
		Retry: resilience.Policy{
			Attempts:   c.Retry.MaxAttempts,
			Base:       time.Duration(c.Retry.BaseSecs) * time.Second,
			Max:        time.Duration(c.Retry.MaxSecs) * time.Second,
			Multiplier: c.Retry.Multiplier,
		},
	}
}

// Loader converts the feed section into fetcher options. MaxRetries counts
// retries after the first attempt.
func (c *Config) Loader() fetcher.LoaderOptions {
	timeout := time.Duration(c.Feed.TimeoutSecs) * time.Second
	return fetcher.LoaderOptions{
		Timeout: timeout,
		Policy: resilience.Policy{
			Attempts:   c.Feed.MaxRetries + 1,
			Base:       500 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
			Jitter:     0.25,
		},
		Breaker: resilience.BreakerConfig{
			Threshold: c.Feed.BreakerThreshold,
			Cooldown:  time.Duration(c.Feed.BreakerResetSecs) * time.Second,
		},
		MaxBytes: c.Feed.MaxBytes,
	}
}

// HTTP converts the feed section into HTTP fetcher options.
func (c *Config) HTTP() fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		UserAgent:  c.Feed.UserAgent,
		Timeout:    time.Duration(c.Feed.TimeoutSecs) * time.Second,
		RatePerSec: c.Feed.RatePerSec,
		Burst:      c.Feed.Burst,
	}
}

// Pool returns the Postgres pool tuning.
func (c *Config) Pool() *store.PoolConfig {
	return &store.PoolConfig{MaxConns: c.Store.MaxConns, MinConns: c.Store.MinConns}
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

// Validate checks the settings a command mode depends on. Modes are
// "reconcile", "serve", "worker" and "schedule".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Batch.MaxConcurrentFeeds < 1 || c.Batch.MaxConcurrentFeeds > 64 {
		errs = append(errs, "batch.max_concurrent_feeds must be between 1 and 64")
	}
	if c.Batch.MaxTickets < 1 {
		errs = append(errs, "batch.max_tickets must be >= 1")
	}
	if c.Tolerances.QuantityVariancePct < 0 || c.Tolerances.PriceVariancePct < 0 || c.Tolerances.DeliveryWindowHours < 0 {
		errs = append(errs, "tolerances must be >= 0")
	}
	if t := c.Anomaly.LowConfidenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, "anomaly.low_confidence_threshold must be in (0, 1]")
	}
	if c.Monitoring.MinSeverity != "" && model.Severity(c.Monitoring.MinSeverity).Rank() < 0 {
		errs = append(errs, "monitoring.min_severity must be low, medium, high or critical")
	}

	switch mode {
	case "reconcile":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.host_port and temporal.task_queue are required")
		}
	case "schedule":
		if c.Schedule.BatchCron == "" && c.Schedule.RetryCron == "" {
			errs = append(errs, "schedule.batch_cron or schedule.retry_cron is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
