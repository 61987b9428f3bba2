package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookbackHours = 24
)

// Checker periodically evaluates reconciliation health: batch failure rate,
// retry queue backlog and open feed breakers. Each pass collects a snapshot
// over the lookback window and forwards any alerts to the Alerter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker returns a Checker. Zero interval or lookback fall back to five
// minutes and 24 hours.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		lookback:  cfg.LookbackWindowHours,
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.lookback <= 0 {
		c.lookback = defaultLookbackHours
	}
	return c
}

// Run checks health every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "recon.health"))
	log.Info("monitoring: health checks started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: health checks stopped")
			return
		case <-ticker.C:
			if _, err := c.pass(ctx, log); err != nil {
				log.Error("monitoring: collect reconciliation metrics", zap.Error(err))
			}
		}
	}
}

// Check runs a single pass and returns the alerts it raised.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	return c.pass(ctx, zap.L().With(zap.String("component", "recon.health")))
}

func (c *Checker) pass(ctx context.Context, log *zap.Logger) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	fields := []zap.Field{
		zap.Int("runs", snap.RunsTotal),
		zap.Int("tickets_failed", snap.TicketsFailed),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("retry_backlog", snap.RetryBacklog),
		zap.Strings("open_breakers", snap.OpenBreakers),
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: reconciliation healthy", fields...)
		return nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("monitoring: reconciliation alerts raised",
		append(fields, zap.Int("alerts", len(alerts)), zap.Int("delivered", sent))...)
	return alerts, nil
}
