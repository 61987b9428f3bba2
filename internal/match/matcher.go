package match

import (
	"math"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/recon-cli/internal/model"
)

// Options holds the tier thresholds.
type Options struct {
	// FuzzyMaxDistance is the largest edit distance the fuzzy tier accepts.
	FuzzyMaxDistance int `mapstructure:"fuzzy_max_distance" json:"fuzzy_max_distance"`
	// HeuristicQtyTolerance is the absolute quantity slack of the heuristic tier.
	HeuristicQtyTolerance float64 `mapstructure:"heuristic_qty_tolerance" json:"heuristic_qty_tolerance"`
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{FuzzyMaxDistance: 1, HeuristicQtyTolerance: 0.1}
}

// qtyEpsilon absorbs float noise at the heuristic boundary (20.0 vs 20.1).
const qtyEpsilon = 1e-9

// Outcome is how one external row resolved.
type Outcome struct {
	Row    model.ExternalRow
	Ticket *model.Ticket
	Tier   model.MatchTier
	// TieCandidates holds every ticket number that tied at the winning tier,
	// winner included. Empty when the match was unambiguous.
	TieCandidates []string
}

// Matched reports whether the row resolved to a ticket.
func (o Outcome) Matched() bool { return o.Ticket != nil }

// Matcher resolves rows against an Index.
type Matcher struct {
	idx  *Index
	opts Options
}

// New returns a Matcher over idx.
func New(idx *Index, opts Options) *Matcher {
	return &Matcher{idx: idx, opts: opts}
}

// Match resolves one row. Tiers run in order and the first that finds a
// candidate wins. The result depends only on the row and the index.
func (m *Matcher) Match(row model.ExternalRow) Outcome {
	out := Outcome{Row: row, Tier: model.TierNone}

	if tn, ok := row.TicketNumber.Get(); ok {
		if key := model.NormalizeKey(tn); key != "" {
			if c := m.idx.Exact(key); len(c) > 0 {
				return pick(out, model.TierExact, c)
			}
			if c := m.fuzzy(tn); len(c) > 0 {
				return pick(out, model.TierFuzzy, c)
			}
		}
	}

	if c := m.heuristic(row); len(c) > 0 {
		return pick(out, model.TierHeuristic, c)
	}
	return out
}

// MatchAll resolves every row in order.
func (m *Matcher) MatchAll(rows []model.ExternalRow) []Outcome {
	out := make([]Outcome, len(rows))
	for i, r := range rows {
		out[i] = m.Match(r)
	}
	return out
}

// ForTicket returns the row that resolves to ticketID. When several rows do,
// the strongest tier wins and then the lowest row index.
func (m *Matcher) ForTicket(ticketID string, rows []model.ExternalRow) (Outcome, bool) {
	var best Outcome
	found := false
	for _, r := range rows {
		o := m.Match(r)
		if !o.Matched() || o.Ticket.ID != ticketID {
			continue
		}
		if !found || o.Tier.Rank() < best.Tier.Rank() ||
			(o.Tier.Rank() == best.Tier.Rank() && o.Row.Index < best.Row.Index) {
			best = o
			found = true
		}
	}
	return best, found
}

// fuzzy returns the tickets at the smallest accepted edit distance from the
// row's ticket number. Candidates come from the folded-key index; each one is
// then measured on the unfolded normalized keys.
func (m *Matcher) fuzzy(ticketNumber string) []*model.Ticket {
	limit := m.opts.FuzzyMaxDistance
	if limit < 0 {
		return nil
	}
	key := model.NormalizeKey(ticketNumber)
	fk := FuzzyKey(ticketNumber)
	var keys []string
	if limit <= 1 {
		keys = m.idx.Neighbours(fk)
	} else {
		keys = m.idx.FuzzyKeys()
	}

	bestDist := math.MaxInt
	var best []*model.Ticket
	for _, k := range keys {
		folded := levenshtein.Distance(fk, k, nil)
		if folded > limit {
			continue
		}
		for _, t := range m.idx.Fuzzy(k) {
			d := levenshtein.Distance(key, model.NormalizeKey(t.TicketNumber), nil)
			if !fuzzyAccepts(d, folded, limit) {
				continue
			}
			switch {
			case d < bestDist:
				bestDist = d
				best = []*model.Ticket{t}
			case d == bestDist:
				best = append(best, t)
			}
		}
	}
	return best
}

// fuzzyAccepts decides the fuzzy tier on the raw distance. A single edit
// beyond the limit is tolerated only when folding confusables brings the distance
// back within the limit, so the extra edit is an O/0, I/1 or L/1 swap ("A-1OO"
// against "A-100"). Anything further is rejected.
func fuzzyAccepts(raw, folded, limit int) bool {
	if raw <= limit {
		return true
	}
	return raw == limit+1 && folded <= limit
}

// heuristic returns tickets on the row's date whose quantity is within
// tolerance and whose material overlaps the row's. Every condition must hold.
func (m *Matcher) heuristic(row model.ExternalRow) []*model.Ticket {
	date, ok := row.Date.Get()
	if !ok {
		return nil
	}
	qty, ok := row.Quantity.Get()
	if !ok {
		return nil
	}
	material, ok := row.Material.Get()
	if !ok {
		return nil
	}

	var out []*model.Ticket
	for _, t := range m.idx.OnDate(date) {
		if math.Abs(t.Quantity-qty) > m.opts.HeuristicQtyTolerance+qtyEpsilon {
			continue
		}
		if !MaterialOverlap(t.Material, material) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MaterialOverlap reports whether either material name contains the other,
// ignoring case and surrounding space.
func MaterialOverlap(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// pick selects the lexicographically smallest ticket number among the
// candidates and records the tie when there is more than one.
func pick(out Outcome, tier model.MatchTier, candidates []*model.Ticket) Outcome {
	sorted := append([]*model.Ticket(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TicketNumber != sorted[j].TicketNumber {
			return sorted[i].TicketNumber < sorted[j].TicketNumber
		}
		return sorted[i].ID < sorted[j].ID
	})
	out.Ticket = sorted[0]
	out.Tier = tier
	if len(sorted) > 1 {
		out.TieCandidates = make([]string, len(sorted))
		for i, t := range sorted {
			out.TieCandidates[i] = t.TicketNumber
		}
	}
	return out
}

// TieDifference returns the audit entry recorded when the match was a tie.
// ExternalValue carries the row's ticket number and InternalValue the tied
// candidates; ties are always flagged for review.
func (o Outcome) TieDifference() (model.Difference, bool) {
	if len(o.TieCandidates) < 2 {
		return model.Difference{}, false
	}
	return model.Difference{
		Field:         model.DiffMatchTie,
		ExternalValue: o.Row.TicketNumber.String(),
		InternalValue: strings.Join(o.TieCandidates, ","),
		Flagged:       true,
	}, true
}
