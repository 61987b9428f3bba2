package model

import (
	"time"
)

// MatchTier identifies which matching strategy linked a row to a ticket.
type MatchTier string

const (
	TierExact     MatchTier = "exact"
	TierFuzzy     MatchTier = "fuzzy"
	TierHeuristic MatchTier = "heuristic"
	TierNone      MatchTier = "none"
)

// Rank orders tiers by strength; lower is stronger.
func (t MatchTier) Rank() int {
	switch t {
	case TierExact:
		return 0
	case TierFuzzy:
		return 1
	case TierHeuristic:
		return 2
	default:
		return 3
	}
}

// DiffMatchTie is the pseudo-field recorded when several tickets tied at a tier.
const DiffMatchTie = "match_tie"

// Difference is one field-level disagreement between an external row and a ticket.
type Difference struct {
	Field         string   `json:"field"`
	ExternalValue string   `json:"external_value"`
	InternalValue string   `json:"internal_value"`
	VariancePct   *float64 `json:"variance_pct"`
	Flagged       bool     `json:"flagged"`
}

// MatchResult is the immutable outcome of resolving one external row.
type MatchResult struct {
	ID            string       `json:"id"`
	RunID         string       `json:"run_id"`
	TicketID      string       `json:"ticket_id,omitempty"`
	TicketNumber  string       `json:"ticket_number,omitempty"`
	RowIndex      int          `json:"row_index"`
	Source        string       `json:"source,omitempty"`
	Matched       bool         `json:"matched"`
	Tier          MatchTier    `json:"match_tier"`
	Differences   []Difference `json:"differences"`
	TieCandidates []string     `json:"tie_candidates,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// FlaggedCount returns the number of differences outside tolerance.
func (m *MatchResult) FlaggedCount() int {
	n := 0
	for _, d := range m.Differences {
		if d.Flagged {
			n++
		}
	}
	return n
}

// Tolerances are the per-run thresholds applied to field variances.
type Tolerances struct {
	QuantityVariancePct float64       `json:"quantity_variance_pct" mapstructure:"quantity_variance_pct"`
	PriceVariancePct    float64       `json:"price_variance_pct" mapstructure:"price_variance_pct"`
	DeliveryWindow      time.Duration `json:"delivery_window" mapstructure:"delivery_window"`
}
