package recon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
	"github.com/sells-group/recon-cli/internal/variance"
)

// DefaultBatchStatuses are reconciled when a selector names none.
var DefaultBatchStatuses = []model.ReconStatus{model.ReconUnreconciled, model.ReconAttemptFailed}

// feedGroup is the tickets of one batch that share a feed, with their
// positions in the batch.
type feedGroup struct {
	ref       string
	tickets   []model.Ticket
	positions []int
}

// ReconcileBatch reconciles the tickets chosen by sel under tol. Tickets are
// grouped by feed; each feed is fetched once and groups run concurrently up
// to batch.max_concurrent_feeds, with the tickets of a group processed in
// order. Per-ticket failures are reported in the result and never stop the
// batch. Only invalid tolerances or selector abort before any work. If ctx
// ends mid-run the tickets not yet started are counted as skipped and the
// partial result is returned together with the context error.
func (e *Engine) ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error) {
	if err := variance.Validate(tol); err != nil {
		return nil, &ConfigError{Err: err}
	}
	statuses := sel.Statuses
	if len(statuses) == 0 {
		statuses = DefaultBatchStatuses
	}
	for _, s := range statuses {
		if !s.Valid() {
			return nil, &InputError{Msg: "unknown status " + string(s)}
		}
	}
	limit := sel.Limit
	if limit <= 0 || limit > e.cfg.Batch.MaxTickets {
		limit = e.cfg.Batch.MaxTickets
	}

	tickets, err := e.store.ListTickets(ctx, model.TicketFilter{
		Statuses:  statuses,
		PartnerID: sel.PartnerID,
		Limit:     limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "recon: select batch")
	}
	return e.run(ctx, tickets, func(t model.Ticket) string { return t.FeedURL }, tol)
}

// RetryDue re-reconciles tickets whose retry entry is due, against the feed
// recorded in the entry.
func (e *Engine) RetryDue(ctx context.Context, limit int) (*model.BatchResult, error) {
	if limit <= 0 || limit > e.cfg.Batch.MaxTickets {
		limit = e.cfg.Batch.MaxTickets
	}
	due, err := e.store.DueRetries(ctx, resilience.RetryFilter{DueBefore: e.now().UTC(), Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "recon: due retries")
	}
	feedOf := make(map[string]string, len(due))
	tickets := make([]model.Ticket, 0, len(due))
	for _, d := range due {
		t, err := e.store.GetTicket(ctx, d.TicketID)
		if err != nil {
			zap.L().Warn("recon: drop retry for unknown ticket", zap.String("ticket_id", d.TicketID), zap.Error(err))
			if delErr := e.store.DeleteRetry(ctx, d.TicketID); delErr != nil {
				zap.L().Warn("recon: delete retry", zap.String("ticket_id", d.TicketID), zap.Error(delErr))
			}
			continue
		}
		feedOf[t.ID] = d.FeedURL
		tickets = append(tickets, *t)
	}
	return e.run(ctx, tickets, func(t model.Ticket) string {
		if ref := feedOf[t.ID]; ref != "" {
			return ref
		}
		return t.FeedURL
	}, e.cfg.Tolerances)
}

func (e *Engine) run(ctx context.Context, tickets []model.Ticket, feedOf func(model.Ticket) string, tol model.Tolerances) (*model.BatchResult, error) {
	started := e.now().UTC()
	res := &model.BatchResult{
		RunID:     uuid.NewString(),
		StartedAt: started,
		Results:   []model.ReconcileResult{},
	}
	log := zap.L().With(zap.String("run_id", res.RunID))

	results := make([]model.ReconcileResult, len(tickets))
	done := make([]bool, len(tickets))

	var groups []*feedGroup
	byRef := make(map[string]*feedGroup)
	for i, t := range tickets {
		ref := feedOf(t)
		if ref == "" {
			results[i] = errorResult(&t, &InputError{Msg: "ticket " + t.ID + " has no feed_url"})
			done[i] = true
			continue
		}
		g, ok := byRef[ref]
		if !ok {
			g = &feedGroup{ref: ref}
			byRef[ref] = g
			groups = append(groups, g)
		}
		g.tickets = append(g.tickets, t)
		g.positions = append(g.positions, i)
	}

	log.Info("recon: batch started",
		zap.Int("tickets", len(tickets)),
		zap.Int("feeds", len(groups)),
		zap.Int("concurrency", e.cfg.Batch.MaxConcurrentFeeds),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Batch.MaxConcurrentFeeds)
	for _, grp := range groups {
		g.Go(func() error {
			e.runGroup(gctx, res.RunID, grp, tol, results, done)
			return nil // a failed group never aborts the batch
		})
	}
	_ = g.Wait()

	for i := range results {
		if !done[i] {
			res.Skipped++
			continue
		}
		res.Processed++
		if results[i].ErrorKind != "" {
			res.Failed++
		} else {
			res.Succeeded++
		}
		res.Results = append(res.Results, results[i])
	}
	res.Duration = e.now().UTC().Sub(started)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.SaveRun(saveCtx, res); err != nil {
		log.Error("recon: save run", zap.Error(err))
	}

	log.Info("recon: batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Any("errors", res.ErrorCounts()),
		zap.Duration("duration", res.Duration),
	)
	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "recon: batch interrupted")
	}
	return res, nil
}

// runGroup fetches the group's feed once and reconciles its tickets in
// order, stopping between tickets if ctx ends.
func (e *Engine) runGroup(ctx context.Context, runID string, grp *feedGroup, tol model.Tolerances, results []model.ReconcileResult, done []bool) {
	if ctx.Err() != nil {
		return
	}
	snap, loadErr := e.loadFeed(ctx, grp.ref, grp.tickets)
	var fetchErr *ExternalFetchError
	isFetch := errors.As(loadErr, &fetchErr)

	for i := range grp.tickets {
		if ctx.Err() != nil {
			return
		}
		t := &grp.tickets[i]
		pos := grp.positions[i]

		switch {
		case isFetch:
			results[pos] = *e.markFailed(ctx, t, grp.ref, fetchErr)
		case loadErr != nil:
			results[pos] = errorResult(t, loadErr)
		default:
			r, err := e.reconcileTicket(ctx, runID, snap, t, tol)
			if err != nil {
				zap.L().Error("recon: reconcile ticket", zap.String("ticket_id", t.ID), zap.Error(err))
				results[pos] = errorResult(t, err)
			} else {
				results[pos] = *r
			}
		}
		done[pos] = true
	}
}

func errorResult(t *model.Ticket, err error) model.ReconcileResult {
	return model.ReconcileResult{
		TicketID:    t.ID,
		Tier:        model.TierNone,
		Differences: []model.Difference{},
		Status:      t.ReconStatus,
		Error:       err.Error(),
		ErrorKind:   Kind(err),
	}
}
