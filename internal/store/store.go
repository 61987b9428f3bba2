// Package store persists tickets, match results, confidence and anomaly
// events, evidence packets and batch runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = eris.New("store: not found")

// HistoryQuery selects the observations a baseline is computed from.
type HistoryQuery struct {
	EntityType      model.EntityType
	EntityID        string
	Field           string
	Since           time.Time
	Until           time.Time
	ExcludeTicketID string
}

// EventFilter selects events for an evidence packet. For ticket entities it
// matches every event raised by that ticket; for drivers and sites it
// matches events scoped to that entity.
type EventFilter struct {
	EntityType model.EntityType
	EntityID   string
}

// TicketStore reads tickets and records reconciliation outcomes.
type TicketStore interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	ListTickets(ctx context.Context, filter model.TicketFilter) ([]model.Ticket, error)
	// ExistingTickets reports which of ids still exist.
	ExistingTickets(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertTickets(ctx context.Context, tickets []model.Ticket) (int64, error)

	// RecordMatch appends m and, when status is non-empty, sets the ticket's
	// recon status in the same transaction.
	RecordMatch(ctx context.Context, m *model.MatchResult, status model.ReconStatus, reconErr string) error
	// AppendMatches bulk-appends match results from a feed run.
	AppendMatches(ctx context.Context, ms []model.MatchResult) (int64, error)
	// SetReconStatus moves a ticket from one status to another. It fails with
	// ErrNotFound if the ticket is not currently in from.
	SetReconStatus(ctx context.Context, ticketID string, from, to model.ReconStatus, reconErr string) error
	LatestMatch(ctx context.Context, ticketID string) (*model.MatchResult, error)
	ListMatches(ctx context.Context, ticketID string) ([]model.MatchResult, error)
}

// BaselineStore supplies historical observations for baseline scoring.
type BaselineStore interface {
	History(ctx context.Context, q HistoryQuery) ([]float64, error)
}

// EventSink is the append-only audit log.
type EventSink interface {
	// LatestConfidenceEvent returns the highest version for the event's natural
	// key, or nil when none exists.
	LatestConfidenceEvent(ctx context.Context, ticketID string, entityType model.EntityType, entityID, field string) (*model.ConfidenceEvent, error)
	AppendConfidenceEvent(ctx context.Context, e *model.ConfidenceEvent) error
	ListConfidenceEvents(ctx context.Context, f EventFilter) ([]model.ConfidenceEvent, error)

	// AppendAnomalyEvent inserts e unless an anomaly already exists for its
	// confidence event, in which case the existing one is returned.
	AppendAnomalyEvent(ctx context.Context, e *model.AnomalyEvent) (*model.AnomalyEvent, bool, error)
	GetAnomalyEvent(ctx context.Context, id string) (*model.AnomalyEvent, error)
	ListAnomalyEvents(ctx context.Context, f EventFilter) ([]model.AnomalyEvent, error)
	ResolveAnomaly(ctx context.Context, id, note string, at time.Time) error

	AppendPacket(ctx context.Context, p *model.EvidencePacket) error
	ListPackets(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error)
}

// RunStore keeps batch run summaries.
type RunStore interface {
	SaveRun(ctx context.Context, r *model.BatchResult) error
	GetRun(ctx context.Context, runID string) (*model.BatchResult, error)
	ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error)
}

// RetryStore keeps the retry schedule of tickets whose feed fetch failed.
type RetryStore interface {
	GetRetry(ctx context.Context, ticketID string) (*resilience.RetryEntry, error)
	PutRetry(ctx context.Context, e resilience.RetryEntry) error
	DueRetries(ctx context.Context, f resilience.RetryFilter) ([]resilience.RetryEntry, error)
	DeleteRetry(ctx context.Context, ticketID string) error
}

// Store is everything the engine persists.
type Store interface {
	TicketStore
	BaselineStore
	EventSink
	RunStore
	RetryStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// historyColumns whitelists the ticket columns a baseline may read.
var historyColumns = map[string]string{
	"quantity":     "quantity",
	"gross_weight": "gross_weight",
	"tare_weight":  "tare_weight",
	"net_weight":   "net_weight",
	"bill_rate":    "bill_rate",
	"pay_rate":     "pay_rate",
}

// entityColumns maps a baseline scope to its ticket column.
var entityColumns = map[model.EntityType]string{
	model.EntityDriver: "driver_id",
	model.EntitySite:   "site_id",
}

func historyTarget(q HistoryQuery) (col, entityCol string, err error) {
	col, ok := historyColumns[q.Field]
	if !ok {
		return "", "", eris.Errorf("store: field %q has no history", q.Field)
	}
	entityCol, ok = entityColumns[q.EntityType]
	if !ok {
		return "", "", eris.Errorf("store: entity type %q has no history", q.EntityType)
	}
	return col, entityCol, nil
}
