package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
)

func prepareTicket(t model.Ticket, now time.Time) model.Ticket {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ReconStatus == "" {
		t.ReconStatus = model.ReconUnreconciled
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return t
}

// ticketArgs returns the values for ticketColumns, in order.
func ticketArgs(t model.Ticket) []any {
	return []any{
		t.ID, t.TicketNumber, t.DateString(), t.DriverID, t.DriverName, t.SiteID, t.PartnerID, t.Material,
		t.Quantity, t.UnitType, t.GrossWeight, t.TareWeight, t.NetWeight, t.BillRate, t.PayRate, t.FeedURL,
		string(t.ReconStatus), t.ReconError, t.CreatedAt, t.UpdatedAt,
	}
}

func prepareMatch(m *model.MatchResult) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Tier == "" {
		m.Tier = model.TierNone
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

func matchJSON(m *model.MatchResult) (diffs, ties []byte, err error) {
	d := m.Differences
	if d == nil {
		d = []model.Difference{}
	}
	if diffs, err = json.Marshal(d); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal differences")
	}
	c := m.TieCandidates
	if c == nil {
		c = []string{}
	}
	if ties, err = json.Marshal(c); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal tie candidates")
	}
	return diffs, ties, nil
}

func unmarshalMatchJSON(m *model.MatchResult, diffs, ties []byte) error {
	if err := json.Unmarshal(diffs, &m.Differences); err != nil {
		return eris.Wrap(err, "store: unmarshal differences")
	}
	if err := json.Unmarshal(ties, &m.TieCandidates); err != nil {
		return eris.Wrap(err, "store: unmarshal tie candidates")
	}
	if len(m.TieCandidates) == 0 {
		m.TieCandidates = nil
	}
	return nil
}

func prepareConfidence(e *model.ConfidenceEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func prepareAnomaly(e *model.AnomalyEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
