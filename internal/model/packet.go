package model

import "time"

// RelatedTicket is a compact view of a ticket shown alongside evidence.
type RelatedTicket struct {
	ID           string      `json:"id"`
	TicketNumber string      `json:"ticket_number"`
	Date         string      `json:"date"`
	Material     string      `json:"material"`
	Quantity     float64     `json:"quantity"`
	NetWeight    float64     `json:"net_weight"`
	ReconStatus  ReconStatus `json:"recon_status"`
}

// EvidencePacket is the audit read-model for one entity. Each build produces a
// new packet; earlier packets are kept as history.
type EvidencePacket struct {
	ID                string            `json:"id"`
	EntityType        EntityType        `json:"entity_type"`
	EntityID          string            `json:"entity_id"`
	LatestMatch       *MatchResult      `json:"latest_match,omitempty"`
	ConfidenceEvents  []ConfidenceEvent `json:"confidence_events"`
	AnomalyEvents     []AnomalyEvent    `json:"anomaly_events"`
	RelatedTickets    []RelatedTicket   `json:"related_tickets"`
	SeverityBreakdown map[Severity]int  `json:"severity_breakdown"`
	ExcludedEvents    []string          `json:"excluded_events,omitempty"`
	Narrative         string            `json:"narrative"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// ReconcileResult is the structured answer for a single-ticket reconciliation.
type ReconcileResult struct {
	TicketID    string       `json:"ticket_id"`
	Matched     bool         `json:"matched"`
	Tier        MatchTier    `json:"match_tier"`
	Differences []Difference `json:"differences"`
	Status      ReconStatus  `json:"status"`
	MatchID     string       `json:"match_id,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty"`
}

// BatchSelector chooses which tickets a batch run reconciles.
type BatchSelector struct {
	Statuses  []ReconStatus `json:"statuses"`
	PartnerID string        `json:"partner_id,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// BatchResult summarizes a batch run. It is returned even on partial failure.
type BatchResult struct {
	RunID     string            `json:"run_id"`
	Processed int               `json:"processed"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Results   []ReconcileResult `json:"results"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// ErrorCounts tallies failed results by error kind.
func (b *BatchResult) ErrorCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range b.Results {
		if r.ErrorKind != "" {
			counts[r.ErrorKind]++
		}
	}
	return counts
}

// FeedResult is the outcome of matching a whole external feed against the ticket store.
type FeedResult struct {
	RunID     string            `json:"run_id"`
	Source    string            `json:"source"`
	Summary   NormalizeSummary  `json:"summary"`
	Matches   []MatchResult     `json:"matches"`
	Unmatched int               `json:"unmatched"`
	ByTier    map[MatchTier]int `json:"by_tier"`
}
