// Package recon is the reconciliation engine: it matches tickets against
// partner feeds, scores ticket fields against historical baselines, raises
// anomalies and builds evidence packets.
package recon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/anomaly"
	"github.com/sells-group/recon-cli/internal/baseline"
	"github.com/sells-group/recon-cli/internal/evidence"
	"github.com/sells-group/recon-cli/internal/fetcher"
	"github.com/sells-group/recon-cli/internal/match"
	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/resilience"
	"github.com/sells-group/recon-cli/internal/store"
	"github.com/sells-group/recon-cli/internal/variance"
)

// BatchConfig bounds batch runs.
type BatchConfig struct {
	MaxConcurrentFeeds int `mapstructure:"max_concurrent_feeds" json:"max_concurrent_feeds"`
	MaxTickets         int `mapstructure:"max_tickets" json:"max_tickets"`
}

// Config is everything the engine needs beyond its collaborators.
type Config struct {
	Match      match.Options     `json:"match"`
	Tolerances model.Tolerances  `json:"tolerances"`
	Baseline   baseline.Config   `json:"baseline"`
	Anomaly    anomaly.Config    `json:"anomaly"`
	Evidence   evidence.Config   `json:"evidence"`
	Batch      BatchConfig       `json:"batch"`
	Retry      resilience.Policy `json:"retry"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Match:      match.DefaultOptions(),
		Tolerances: model.Tolerances{QuantityVariancePct: 2, PriceVariancePct: 1, DeliveryWindow: 24 * time.Hour},
		Baseline:   baseline.DefaultConfig(),
		Anomaly:    anomaly.DefaultConfig(),
		Evidence:   evidence.DefaultConfig(),
		Batch:      BatchConfig{MaxConcurrentFeeds: 4, MaxTickets: 50},
		Retry:      resilience.Policy{Attempts: 5, Base: time.Minute, Max: 6 * time.Hour, Multiplier: 4},
	}
}

// Validate checks every section and wraps the first failure in ConfigError.
func (c Config) Validate() error {
	if err := variance.Validate(c.Tolerances); err != nil {
		return &ConfigError{Err: err}
	}
	if err := c.Baseline.Validate(); err != nil {
		return &ConfigError{Err: err}
	}
	if err := c.Anomaly.Validate(); err != nil {
		return &ConfigError{Err: err}
	}
	if c.Match.FuzzyMaxDistance < 0 || c.Match.HeuristicQtyTolerance < 0 {
		return &ConfigError{Err: eris.New("match: thresholds must be >= 0")}
	}
	if c.Batch.MaxConcurrentFeeds < 1 || c.Batch.MaxTickets < 1 {
		return &ConfigError{Err: eris.New("batch: max_concurrent_feeds and max_tickets must be >= 1")}
	}
	return nil
}

// AnomalyNotifier is told about every newly raised anomaly.
type AnomalyNotifier interface {
	NotifyAnomaly(ctx context.Context, a *model.AnomalyEvent) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier sends new anomalies to n.
func WithNotifier(n AnomalyNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithBaselineCache replaces the cache built from the baseline config.
func WithBaselineCache(c baseline.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine wires the reconciliation components together. It holds no
// process-wide state; every dependency is injected.
type Engine struct {
	store      store.Store
	feeds      fetcher.FeedFetcher
	aliases    *normalize.AliasTable
	cfg        Config
	cache      baseline.Cache
	scorer     *baseline.Scorer
	classifier *anomaly.Classifier
	evidence   *evidence.Aggregator
	notifier   AnomalyNotifier
	now        func() time.Time
}

// New validates cfg and builds an Engine.
func New(st store.Store, feeds fetcher.FeedFetcher, aliases *normalize.AliasTable, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if aliases == nil {
		aliases = normalize.DefaultAliases()
	}
	e := &Engine{
		store:   st,
		feeds:   feeds,
		aliases: aliases,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.cache == nil {
		e.cache = baseline.NewCache(cfg.Baseline)
	}
	e.scorer = baseline.New(st, st, e.cache, cfg.Baseline)
	e.classifier = anomaly.New(cfg.Anomaly, st)
	e.evidence = evidence.New(st, st, cfg.Evidence)
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Ticket loads a ticket.
func (e *Engine) Ticket(ctx context.Context, id string) (*model.Ticket, error) {
	if id == "" {
		return nil, &InputError{Msg: "ticket id is required"}
	}
	t, err := e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, notFound("ticket", id, err)
	}
	return t, nil
}

// Reconcile matches one ticket against feedRef, or the ticket's own feed
// when feedRef is empty, using the configured tolerances. It appends a
// Match Result on every call; a ticket that is already matched, reviewed or
// reconciled keeps its status. A feed that cannot be fetched marks the
// ticket reconciliation_attempt_failed and schedules a retry; the returned
// result describes the failure and the error is an ExternalFetchError.
func (e *Engine) Reconcile(ctx context.Context, ticketID, feedRef string) (*model.ReconcileResult, error) {
	t, err := e.Ticket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	ref := feedRef
	if ref == "" {
		ref = t.FeedURL
	}
	if ref == "" {
		return nil, &InputError{Msg: "ticket " + ticketID + " has no feed_url and no feed was given"}
	}

	runID := uuid.NewString()
	snap, err := e.loadFeed(ctx, ref, []model.Ticket{*t})
	if err != nil {
		var fetchErr *ExternalFetchError
		if errors.As(err, &fetchErr) {
			return e.markFailed(ctx, t, ref, fetchErr), err
		}
		return nil, err
	}
	return e.reconcileTicket(ctx, runID, snap, t, e.cfg.Tolerances)
}

// feedSnapshot is a fetched, normalized feed plus a matcher over the
// tickets that reconcile against it.
type feedSnapshot struct {
	ref     string
	table   normalize.Table
	rows    []model.ExternalRow
	summary model.NormalizeSummary
	matcher *match.Matcher
}

func (e *Engine) fetch(ctx context.Context, ref string) (normalize.Table, error) {
	tbl, err := e.feeds.FetchTable(ctx, ref)
	if err != nil {
		return normalize.Table{}, newFetchError(ref, err)
	}
	return tbl, nil
}

// loadFeed fetches ref and indexes every ticket on that feed plus extra.
func (e *Engine) loadFeed(ctx context.Context, ref string, extra []model.Ticket) (*feedSnapshot, error) {
	tbl, err := e.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, summary := normalize.NormalizeTable(tbl.Header, tbl.Rows, e.aliases)

	onFeed, err := e.store.ListTickets(ctx, model.TicketFilter{FeedURL: ref})
	if err != nil {
		return nil, eris.Wrapf(err, "recon: tickets on feed %s", ref)
	}
	seen := make(map[string]bool, len(onFeed)+len(extra))
	candidates := make([]*model.Ticket, 0, len(onFeed)+len(extra))
	for i := range onFeed {
		seen[onFeed[i].ID] = true
		candidates = append(candidates, &onFeed[i])
	}
	for i := range extra {
		if !seen[extra[i].ID] {
			candidates = append(candidates, &extra[i])
		}
	}

	zap.L().Debug("recon: feed loaded",
		zap.String("feed", ref),
		zap.Int("rows", summary.Total),
		zap.Int("unparseable", summary.Unparseable),
		zap.Int("candidates", len(candidates)),
	)
	return &feedSnapshot{
		ref:     ref,
		table:   tbl,
		rows:    rows,
		summary: summary,
		matcher: match.New(match.NewIndex(candidates), e.cfg.Match),
	}, nil
}

func (e *Engine) reconcileTicket(ctx context.Context, runID string, snap *feedSnapshot, t *model.Ticket, tol model.Tolerances) (*model.ReconcileResult, error) {
	m := &model.MatchResult{
		RunID:        runID,
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		RowIndex:     -1,
		Source:       snap.ref,
		Tier:         model.TierNone,
		Differences:  []model.Difference{},
	}
	want := model.ReconMissing
	if out, ok := snap.matcher.ForTicket(t.ID, snap.rows); ok {
		diffs := variance.Evaluate(t, out.Row)
		if d, tie := out.TieDifference(); tie {
			diffs = append(diffs, d)
		}
		m.Matched = true
		m.Tier = out.Tier
		m.RowIndex = out.Row.Index
		m.TieCandidates = out.TieCandidates
		if len(diffs) > 0 {
			m.Differences = variance.Apply(diffs, tol)
		}
		want = model.ReconMatched
	}

	next := nextStatus(t.ReconStatus, want)
	if err := e.store.RecordMatch(ctx, m, next, ""); err != nil {
		return nil, eris.Wrapf(err, "recon: record match for %s", t.ID)
	}
	if err := e.store.DeleteRetry(ctx, t.ID); err != nil {
		zap.L().Warn("recon: clear retry entry", zap.String("ticket_id", t.ID), zap.Error(err))
	}

	status := t.ReconStatus
	if next != "" {
		status = next
	}
	zap.L().Debug("recon: ticket reconciled",
		zap.String("ticket_id", t.ID),
		zap.String("tier", string(m.Tier)),
		zap.Int("differences", len(m.Differences)),
		zap.Int("flagged", m.FlaggedCount()),
		zap.String("status", string(status)),
	)
	return &model.ReconcileResult{
		TicketID:    t.ID,
		Matched:     m.Matched,
		Tier:        m.Tier,
		Differences: m.Differences,
		Status:      status,
		MatchID:     m.ID,
	}, nil
}

// nextStatus is the automatic transition for a reconcile outcome, or "" when
// the ticket keeps its current status.
func nextStatus(cur, want model.ReconStatus) model.ReconStatus {
	if cur.Settled() || !cur.CanTransition(want) {
		return ""
	}
	return want
}

// markFailed records a failed fetch for t: the status moves to
// reconciliation_attempt_failed when the state machine allows it and the
// ticket joins the retry queue.
func (e *Engine) markFailed(ctx context.Context, t *model.Ticket, ref string, fetchErr *ExternalFetchError) *model.ReconcileResult {
	log := zap.L().With(zap.String("ticket_id", t.ID), zap.String("feed", ref))
	res := &model.ReconcileResult{
		TicketID:    t.ID,
		Tier:        model.TierNone,
		Differences: []model.Difference{},
		Status:      t.ReconStatus,
		Error:       fetchErr.Error(),
		ErrorKind:   KindExternalFetch,
	}

	if !t.ReconStatus.Settled() && t.ReconStatus.CanTransition(model.ReconAttemptFailed) {
		err := e.store.SetReconStatus(ctx, t.ID, t.ReconStatus, model.ReconAttemptFailed, truncate(fetchErr.Error(), 500))
		if err != nil {
			log.Warn("recon: mark attempt failed", zap.Error(err))
		} else {
			res.Status = model.ReconAttemptFailed
		}
	}

	prev, err := e.store.GetRetry(ctx, t.ID)
	if err != nil {
		log.Warn("recon: load retry entry", zap.Error(err))
	}
	var cause error = fetchErr
	if fetchErr.Retryable && !resilience.IsTransient(fetchErr) {
		cause = resilience.NewTransientError(fetchErr, 0)
	}
	entry := resilience.Failed(prev, t.ID, ref, cause, e.cfg.Retry, e.now().UTC())
	if err := e.store.PutRetry(ctx, entry); err != nil {
		log.Warn("recon: schedule retry", zap.Error(err))
	}
	log.Warn("recon: feed fetch failed",
		zap.Bool("retryable", fetchErr.Retryable),
		zap.Int("attempts", entry.Attempts),
		zap.Time("next_retry_at", entry.NextRetryAt),
		zap.Error(fetchErr.Err),
	)
	return res
}

// Transition applies a human review step: reviewed or reconciled.
func (e *Engine) Transition(ctx context.Context, ticketID string, to model.ReconStatus) (*model.Ticket, error) {
	if to != model.ReconReviewed && to != model.ReconReconciled {
		return nil, &InputError{Msg: "only reviewed and reconciled can be set manually, got " + string(to)}
	}
	t, err := e.Ticket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !t.ReconStatus.CanTransition(to) {
		return nil, &InputError{Msg: "illegal transition " + string(t.ReconStatus) + " -> " + string(to)}
	}
	if err := e.store.SetReconStatus(ctx, t.ID, t.ReconStatus, to, t.ReconError); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InputError{Msg: "ticket " + t.ID + " changed status concurrently", Err: err}
		}
		return nil, eris.Wrapf(err, "recon: transition %s", t.ID)
	}
	zap.L().Info("recon: status transition",
		zap.String("ticket_id", t.ID),
		zap.String("from", string(t.ReconStatus)),
		zap.String("to", string(to)),
	)
	return e.Ticket(ctx, t.ID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
