package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of reconciliation health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	RunsTotal        int            `json:"runs_total"`
	TicketsProcessed int            `json:"tickets_processed"`
	TicketsSucceeded int            `json:"tickets_succeeded"`
	TicketsFailed    int            `json:"tickets_failed"`
	TicketsSkipped   int            `json:"tickets_skipped"`
	FailRate         float64        `json:"fail_rate"`
	ErrorCounts      map[string]int `json:"error_counts,omitempty"`

	// RetryBacklog counts retry entries that are due and not yet re-run.
	RetryBacklog int `json:"retry_backlog"`

	// OpenBreakers lists feed hosts whose breaker is open.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error)
	DueRetries(ctx context.Context, f resilience.RetryFilter) ([]resilience.RetryEntry, error)
}

// BreakerSource reports feed host breaker states.
type BreakerSource interface {
	States() map[string]resilience.BreakerState
}

// Collector gathers metrics from the store and the feed breakers.
type Collector struct {
	store    RunSource
	breakers BreakerSource
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st RunSource, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers, now: time.Now}
}

// runScanLimit bounds how many recent runs one collection reads.
const runScanLimit = 1000

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		ErrorCounts:   make(map[string]int),
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, runScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for i := range runs {
		r := &runs[i]
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.TicketsProcessed += r.Processed
		snap.TicketsSucceeded += r.Succeeded
		snap.TicketsFailed += r.Failed
		snap.TicketsSkipped += r.Skipped
		for k, n := range r.ErrorCounts() {
			snap.ErrorCounts[k] += n
		}
	}
	if snap.TicketsProcessed > 0 {
		snap.FailRate = float64(snap.TicketsFailed) / float64(snap.TicketsProcessed)
	}

	due, err := c.store.DueRetries(ctx, resilience.RetryFilter{DueBefore: now, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: due retries")
	}
	snap.RetryBacklog = len(due)

	if c.breakers != nil {
		for host, st := range c.breakers.States() {
			if st == resilience.BreakerOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, host)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}
