package model

import (
	"strings"
	"time"
	"unicode"
)

// DateLayout is the canonical calendar-date format used for tickets and rows.
const DateLayout = "2006-01-02"

// ReconStatus is the reconciliation state of a ticket.
type ReconStatus string

const (
	ReconUnreconciled  ReconStatus = "unreconciled"
	ReconMatched       ReconStatus = "matched"
	ReconMissing       ReconStatus = "missing"
	ReconAttemptFailed ReconStatus = "reconciliation_attempt_failed"
	ReconReviewed      ReconStatus = "reviewed"
	ReconReconciled    ReconStatus = "reconciled"
)

// reconTransitions lists the allowed edges of the reconciliation state machine.
var reconTransitions = map[ReconStatus][]ReconStatus{
	ReconUnreconciled:  {ReconMatched, ReconMissing, ReconAttemptFailed},
	ReconAttemptFailed: {ReconMatched, ReconMissing, ReconAttemptFailed},
	ReconMissing:       {ReconMatched, ReconMissing, ReconAttemptFailed, ReconReviewed, ReconReconciled},
	ReconMatched:       {ReconReviewed, ReconReconciled},
	ReconReviewed:      {ReconReconciled},
	ReconReconciled:    {},
}

// Valid reports whether s is a known status.
func (s ReconStatus) Valid() bool {
	_, ok := reconTransitions[s]
	return ok
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s ReconStatus) CanTransition(next ReconStatus) bool {
	for _, allowed := range reconTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Automatic reports whether the status is one the matcher may set on its own.
func (s ReconStatus) Automatic() bool {
	return s == ReconMatched || s == ReconMissing || s == ReconAttemptFailed
}

// Settled reports whether a matcher re-run must leave the status alone.
func (s ReconStatus) Settled() bool {
	return s == ReconMatched || s == ReconReviewed || s == ReconReconciled
}

// Ticket is the internal scale/weigh ticket record, the candidate system of record.
type Ticket struct {
	ID           string      `json:"id"`
	TicketNumber string      `json:"ticket_number"`
	Date         time.Time   `json:"date"`
	DriverID     string      `json:"driver_id"`
	DriverName   string      `json:"driver_name,omitempty"`
	SiteID       string      `json:"site_id,omitempty"`
	PartnerID    string      `json:"partner_id,omitempty"`
	Material     string      `json:"material"`
	Quantity     float64     `json:"quantity"`
	UnitType     string      `json:"unit_type"`
	GrossWeight  float64     `json:"gross_weight"`
	TareWeight   float64     `json:"tare_weight"`
	NetWeight    float64     `json:"net_weight"`
	BillRate     float64     `json:"bill_rate"`
	PayRate      float64     `json:"pay_rate"`
	FeedURL      string      `json:"feed_url,omitempty"`
	ReconStatus  ReconStatus `json:"recon_status"`
	ReconError   string      `json:"recon_error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DateString returns the ticket date in canonical form, or "" when unset.
func (t *Ticket) DateString() string {
	if t.Date.IsZero() {
		return ""
	}
	return t.Date.Format(DateLayout)
}

// NumericField returns the named numeric attribute used for baseline scoring.
func (t *Ticket) NumericField(name string) (float64, bool) {
	switch name {
	case "quantity":
		return t.Quantity, true
	case "gross_weight":
		return t.GrossWeight, true
	case "tare_weight":
		return t.TareWeight, true
	case "net_weight":
		return t.NetWeight, true
	case "bill_rate":
		return t.BillRate, true
	case "pay_rate":
		return t.PayRate, true
	default:
		return 0, false
	}
}

// NormalizeKey uppercases and strips all whitespace from a ticket number.
func NormalizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

// TicketFilter selects tickets from the ticket store.
type TicketFilter struct {
	Statuses  []ReconStatus `json:"statuses,omitempty"`
	PartnerID string        `json:"partner_id,omitempty"`
	DriverID  string        `json:"driver_id,omitempty"`
	SiteID    string        `json:"site_id,omitempty"`
	FeedURL   string        `json:"feed_url,omitempty"`
	From      time.Time     `json:"from,omitempty"`
	To        time.Time     `json:"to,omitempty"`
	ExcludeID string        `json:"exclude_id,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}
