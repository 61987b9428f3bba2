package recon

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/match"
	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/variance"
)

// ReconcileFeed matches every row of a feed against the tickets selected by
// scope and appends one Match Result per row. Rows that match nothing are
// missing-ticket exceptions. Ticket statuses are left alone.
func (e *Engine) ReconcileFeed(ctx context.Context, ref string, tol model.Tolerances, scope model.TicketFilter) (*model.FeedResult, error) {
	if ref == "" {
		return nil, &InputError{Msg: "feed reference is required"}
	}
	if err := variance.Validate(tol); err != nil {
		return nil, &ConfigError{Err: err}
	}
	tbl, err := e.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, summary := normalize.NormalizeTable(tbl.Header, tbl.Rows, e.aliases)

	tickets, err := e.store.ListTickets(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "recon: feed candidates")
	}
	candidates := make([]*model.Ticket, len(tickets))
	for i := range tickets {
		candidates[i] = &tickets[i]
	}
	m := match.New(match.NewIndex(candidates), e.cfg.Match)

	res := &model.FeedResult{
		RunID:   uuid.NewString(),
		Source:  ref,
		Summary: summary,
		Matches: make([]model.MatchResult, 0, len(rows)),
		ByTier:  make(map[model.MatchTier]int),
	}
	for _, out := range m.MatchAll(rows) {
		mr := model.MatchResult{
			RunID:       res.RunID,
			RowIndex:    out.Row.Index,
			Source:      ref,
			Tier:        out.Tier,
			Differences: []model.Difference{},
		}
		if tn, ok := out.Row.TicketNumber.Get(); ok {
			mr.TicketNumber = tn
		}
		if out.Matched() {
			mr.Matched = true
			mr.TicketID = out.Ticket.ID
			mr.TicketNumber = out.Ticket.TicketNumber
			mr.TieCandidates = out.TieCandidates
			diffs := variance.Evaluate(out.Ticket, out.Row)
			if d, tie := out.TieDifference(); tie {
				diffs = append(diffs, d)
			}
			if len(diffs) > 0 {
				mr.Differences = variance.Apply(diffs, tol)
			}
		} else {
			res.Unmatched++
		}
		res.ByTier[mr.Tier]++
		res.Matches = append(res.Matches, mr)
	}

	if _, err := e.store.AppendMatches(ctx, res.Matches); err != nil {
		return nil, eris.Wrap(err, "recon: append feed matches")
	}
	zap.L().Info("recon: feed reconciled",
		zap.String("feed", ref),
		zap.String("run_id", res.RunID),
		zap.Int("rows", len(rows)),
		zap.Int("unmatched", res.Unmatched),
		zap.Int("unmapped_headers", len(summary.UnmappedHeaders)),
	)
	return res, nil
}

// CorrectFeed writes the feed back out as CSV with corrections applied,
// keeping the source column order. Corrections for fields the feed has no
// column for are returned unapplied.
func (e *Engine) CorrectFeed(ctx context.Context, ref string, corrections []normalize.Correction, w io.Writer) ([]normalize.Correction, error) {
	if ref == "" {
		return nil, &InputError{Msg: "feed reference is required"}
	}
	tbl, err := e.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	fixed, skipped := normalize.ApplyCorrections(tbl, e.aliases, corrections)
	if err := normalize.WriteCorrectedCSV(w, fixed); err != nil {
		return nil, eris.Wrap(err, "recon: write corrected feed")
	}
	return skipped, nil
}
