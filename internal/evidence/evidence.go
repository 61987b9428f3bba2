// Package evidence assembles audit packets for tickets, drivers and sites
// from match results, confidence events and anomaly events.
package evidence

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/store"
)

// Config bounds the related-ticket lookup.
type Config struct {
	RelatedWindowDays int `mapstructure:"related_window_days" json:"related_window_days"`
	RelatedLimit      int `mapstructure:"related_limit" json:"related_limit"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RelatedWindowDays: 14, RelatedLimit: 10}
}

// Tickets is the read side of the ticket store the aggregator needs.
type Tickets interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	ListTickets(ctx context.Context, filter model.TicketFilter) ([]model.Ticket, error)
	ExistingTickets(ctx context.Context, ids []string) (map[string]bool, error)
	LatestMatch(ctx context.Context, ticketID string) (*model.MatchResult, error)
}

// Events is the audit log the aggregator reads from and writes packets to.
type Events interface {
	ListConfidenceEvents(ctx context.Context, f store.EventFilter) ([]model.ConfidenceEvent, error)
	ListAnomalyEvents(ctx context.Context, f store.EventFilter) ([]model.AnomalyEvent, error)
	AppendPacket(ctx context.Context, p *model.EvidencePacket) error
	ListPackets(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error)
}

// Exclusion names an event dropped because its ticket no longer exists.
type Exclusion struct {
	EventID  string
	TicketID string
}

// Aggregator builds evidence packets.
type Aggregator struct {
	tickets Tickets
	events  Events
	cfg     Config
	now     func() time.Time
}

// New creates an Aggregator.
func New(tickets Tickets, events Events, cfg Config) *Aggregator {
	return &Aggregator{tickets: tickets, events: events, cfg: cfg, now: time.Now}
}

// Build gathers everything known about an entity, persists the packet as a
// new history row and returns it together with the events that had to be
// excluded for referencing missing tickets.
func (a *Aggregator) Build(ctx context.Context, entityType model.EntityType, entityID string) (*model.EvidencePacket, []Exclusion, error) {
	if !entityType.Valid() {
		return nil, nil, eris.Errorf("evidence: unknown entity type %q", entityType)
	}
	if entityID == "" {
		return nil, nil, eris.New("evidence: entity id is required")
	}

	now := a.now().UTC()
	p := &model.EvidencePacket{
		EntityType:  entityType,
		EntityID:    entityID,
		GeneratedAt: now,
	}

	var anchor *model.Ticket
	if entityType == model.EntityTicket {
		t, err := a.tickets.GetTicket(ctx, entityID)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "evidence: ticket %s", entityID)
		}
		anchor = t
		m, err := a.tickets.LatestMatch(ctx, entityID)
		if err != nil {
			return nil, nil, eris.Wrap(err, "evidence: latest match")
		}
		p.LatestMatch = m
	}

	filter := store.EventFilter{EntityType: entityType, EntityID: entityID}
	conf, err := a.events.ListConfidenceEvents(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "evidence: confidence events")
	}
	anoms, err := a.events.ListAnomalyEvents(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "evidence: anomaly events")
	}

	conf, anoms, excluded, err := a.dropOrphans(ctx, conf, anoms)
	if err != nil {
		return nil, nil, err
	}
	p.ConfidenceEvents = conf
	p.AnomalyEvents = anoms
	for _, x := range excluded {
		p.ExcludedEvents = append(p.ExcludedEvents, x.EventID)
	}

	related, err := a.related(ctx, entityType, entityID, anchor, now)
	if err != nil {
		return nil, nil, err
	}
	p.RelatedTickets = related
	p.SeverityBreakdown = Breakdown(anoms)

	narrative, err := Narrative(p, anchor)
	if err != nil {
		return nil, nil, err
	}
	p.Narrative = narrative

	if err := a.events.AppendPacket(ctx, p); err != nil {
		return nil, nil, eris.Wrap(err, "evidence: append packet")
	}
	zap.L().Info("evidence: packet built",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.Int("confidence_events", len(conf)),
		zap.Int("anomaly_events", len(anoms)),
		zap.Int("excluded", len(excluded)),
	)
	return p, excluded, nil
}

// History returns earlier packets for an entity, newest first.
func (a *Aggregator) History(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error) {
	out, err := a.events.ListPackets(ctx, entityType, entityID, limit)
	return out, eris.Wrap(err, "evidence: packet history")
}

// Breakdown counts anomalies by severity. Every severity is present.
func Breakdown(anoms []model.AnomalyEvent) map[model.Severity]int {
	out := make(map[model.Severity]int, len(model.Severities))
	for _, s := range model.Severities {
		out[s] = 0
	}
	for _, a := range anoms {
		out[a.Severity]++
	}
	return out
}

func (a *Aggregator) dropOrphans(ctx context.Context, conf []model.ConfidenceEvent, anoms []model.AnomalyEvent) ([]model.ConfidenceEvent, []model.AnomalyEvent, []Exclusion, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range conf {
		if !seen[e.TicketID] {
			seen[e.TicketID] = true
			ids = append(ids, e.TicketID)
		}
	}
	for _, e := range anoms {
		if !seen[e.TicketID] {
			seen[e.TicketID] = true
			ids = append(ids, e.TicketID)
		}
	}
	if len(ids) == 0 {
		return conf, anoms, nil, nil
	}
	sort.Strings(ids)
	exists, err := a.tickets.ExistingTickets(ctx, ids)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "evidence: check tickets")
	}

	var excluded []Exclusion
	keptConf := make([]model.ConfidenceEvent, 0, len(conf))
	for _, e := range conf {
		if exists[e.TicketID] {
			keptConf = append(keptConf, e)
			continue
		}
		excluded = append(excluded, Exclusion{EventID: e.ID, TicketID: e.TicketID})
	}
	keptAnoms := make([]model.AnomalyEvent, 0, len(anoms))
	for _, e := range anoms {
		if exists[e.TicketID] {
			keptAnoms = append(keptAnoms, e)
			continue
		}
		excluded = append(excluded, Exclusion{EventID: e.ID, TicketID: e.TicketID})
	}
	return keptConf, keptAnoms, excluded, nil
}

func (a *Aggregator) related(ctx context.Context, entityType model.EntityType, entityID string, anchor *model.Ticket, now time.Time) ([]model.RelatedTicket, error) {
	if a.cfg.RelatedLimit <= 0 {
		return []model.RelatedTicket{}, nil
	}
	window := a.cfg.RelatedWindowDays
	f := model.TicketFilter{Limit: a.cfg.RelatedLimit}
	switch entityType {
	case model.EntityTicket:
		if anchor.DriverID == "" {
			return []model.RelatedTicket{}, nil
		}
		f.DriverID = anchor.DriverID
		f.ExcludeID = anchor.ID
		ref := anchor.Date
		if ref.IsZero() {
			ref = now
		}
		f.From = ref.AddDate(0, 0, -window)
		f.To = ref.AddDate(0, 0, window)
	case model.EntityDriver:
		f.DriverID = entityID
		f.From = now.AddDate(0, 0, -window)
		f.To = now
	case model.EntitySite:
		f.SiteID = entityID
		f.From = now.AddDate(0, 0, -window)
		f.To = now
	}

	tickets, err := a.tickets.ListTickets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: related tickets")
	}
	out := make([]model.RelatedTicket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, model.RelatedTicket{
			ID:           t.ID,
			TicketNumber: t.TicketNumber,
			Date:         t.DateString(),
			Material:     t.Material,
			Quantity:     t.Quantity,
			NetWeight:    t.NetWeight,
			ReconStatus:  t.ReconStatus,
		})
	}
	return out, nil
}
