package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tickets (
	id            TEXT PRIMARY KEY,
	ticket_number TEXT NOT NULL,
	date          TEXT NOT NULL DEFAULT '',
	driver_id     TEXT NOT NULL DEFAULT '',
	driver_name   TEXT NOT NULL DEFAULT '',
	site_id       TEXT NOT NULL DEFAULT '',
	partner_id    TEXT NOT NULL DEFAULT '',
	material      TEXT NOT NULL DEFAULT '',
	quantity      REAL NOT NULL DEFAULT 0,
	unit_type     TEXT NOT NULL DEFAULT '',
	gross_weight  REAL NOT NULL DEFAULT 0,
	tare_weight   REAL NOT NULL DEFAULT 0,
	net_weight    REAL NOT NULL DEFAULT 0,
	bill_rate     REAL NOT NULL DEFAULT 0,
	pay_rate      REAL NOT NULL DEFAULT 0,
	feed_url      TEXT NOT NULL DEFAULT '',
	recon_status  TEXT NOT NULL DEFAULT 'unreconciled',
	recon_error   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS match_results (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	ticket_id      TEXT NOT NULL DEFAULT '',
	ticket_number  TEXT NOT NULL DEFAULT '',
	row_index      INTEGER NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	matched        INTEGER NOT NULL,
	tier           TEXT NOT NULL,
	differences    TEXT NOT NULL,
	tie_candidates TEXT NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS confidence_events (
	id             TEXT PRIMARY KEY,
	ticket_id      TEXT NOT NULL,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	field_name     TEXT NOT NULL,
	baseline_type  TEXT NOT NULL,
	baseline_value REAL NOT NULL,
	actual_value   REAL NOT NULL,
	deviation_pct  REAL NOT NULL,
	score          REAL NOT NULL,
	sample_count   INTEGER NOT NULL,
	window_days    INTEGER NOT NULL,
	reason         TEXT NOT NULL,
	version        INTEGER NOT NULL,
	created_at     DATETIME NOT NULL,
	UNIQUE (ticket_id, entity_type, entity_id, field_name, version)
);

CREATE TABLE IF NOT EXISTS anomaly_events (
	id                  TEXT PRIMARY KEY,
	confidence_event_id TEXT NOT NULL UNIQUE,
	ticket_id           TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	anomaly_type        TEXT NOT NULL,
	severity            TEXT NOT NULL,
	explanation         TEXT NOT NULL,
	baseline_reference  TEXT NOT NULL,
	deviation_pct       REAL NOT NULL,
	resolved            INTEGER NOT NULL DEFAULT 0,
	resolved_at         DATETIME,
	resolution_note     TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_packets (
	id           TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	packet       TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS recon_runs (
	id         TEXT PRIMARY KEY,
	result     TEXT NOT NULL,
	started_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_queue (
	ticket_id      TEXT PRIMARY KEY,
	feed_url       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	attempts       INTEGER NOT NULL,
	max_attempts   INTEGER NOT NULL,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(recon_status);
CREATE INDEX IF NOT EXISTS idx_tickets_driver_date ON tickets(driver_id, date);
CREATE INDEX IF NOT EXISTS idx_tickets_site_date ON tickets(site_id, date);
CREATE INDEX IF NOT EXISTS idx_tickets_feed ON tickets(feed_url);
CREATE INDEX IF NOT EXISTS idx_match_results_ticket ON match_results(ticket_id);
CREATE INDEX IF NOT EXISTS idx_confidence_events_ticket ON confidence_events(ticket_id);
CREATE INDEX IF NOT EXISTS idx_confidence_events_entity ON confidence_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_ticket ON anomaly_events(ticket_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_entity ON anomaly_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_evidence_packets_entity ON evidence_packets(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_retry_queue_next ON retry_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- tickets ---

const ticketColumns = `id, ticket_number, date, driver_id, driver_name, site_id, partner_id, material,
	quantity, unit_type, gross_weight, tare_weight, net_weight, bill_rate, pay_rate, feed_url,
	recon_status, recon_error, created_at, updated_at`

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get ticket %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		query += ` AND recon_status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	for col, v := range map[string]string{
		"partner_id": f.PartnerID,
		"driver_id":  f.DriverID,
		"site_id":    f.SiteID,
		"feed_url":   f.FeedURL,
	} {
		if v != "" {
			query += ` AND ` + col + ` = ?`
			args = append(args, v)
		}
	}
	if !f.From.IsZero() {
		query += ` AND date >= ?`
		args = append(args, f.From.Format(model.DateLayout))
	}
	if !f.To.IsZero() {
		query += ` AND date <= ?`
		args = append(args, f.To.Format(model.DateLayout))
	}
	if f.ExcludeID != "" {
		query += ` AND id != ?`
		args = append(args, f.ExcludeID)
	}
	query += ` ORDER BY date DESC, ticket_number, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tickets")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tickets iterate")
}

func (s *SQLiteStore) ExistingTickets(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tickets WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing tickets")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket id")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: existing tickets iterate")
}

func (s *SQLiteStore) UpsertTickets(ctx context.Context, tickets []model.Ticket) (int64, error) {
	if len(tickets) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert tickets")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ticket_number = excluded.ticket_number, date = excluded.date,
			driver_id = excluded.driver_id, driver_name = excluded.driver_name,
			site_id = excluded.site_id, partner_id = excluded.partner_id,
			material = excluded.material, quantity = excluded.quantity,
			unit_type = excluded.unit_type, gross_weight = excluded.gross_weight,
			tare_weight = excluded.tare_weight, net_weight = excluded.net_weight,
			bill_rate = excluded.bill_rate, pay_rate = excluded.pay_rate,
			feed_url = excluded.feed_url, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert tickets")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	now := time.Now().UTC()
	for i := range tickets {
		t := prepareTicket(tickets[i], now)
		if _, err := stmt.ExecContext(ctx, ticketArgs(t)...); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert ticket %s", t.ID)
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit upsert tickets")
}

func (s *SQLiteStore) SetReconStatus(ctx context.Context, ticketID string, from, to model.ReconStatus, reconErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET recon_status = ?, recon_error = ?, updated_at = ? WHERE id = ? AND recon_status = ?`,
		string(to), reconErr, time.Now().UTC(), ticketID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set recon status %s", ticketID)
	}
	return checkRowsAffected(res, "ticket", ticketID)
}

// --- match results ---

const matchColumns = `id, run_id, ticket_id, ticket_number, row_index, source, matched, tier, differences, tie_candidates, created_at`

func (s *SQLiteStore) RecordMatch(ctx context.Context, m *model.MatchResult, status model.ReconStatus, reconErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record match")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertMatch(ctx, tx, m); err != nil {
		return err
	}
	if status != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE tickets SET recon_status = ?, recon_error = ?, updated_at = ? WHERE id = ?`,
			string(status), reconErr, time.Now().UTC(), m.TicketID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update recon status %s", m.TicketID)
		}
		if err := checkRowsAffected(res, "ticket", m.TicketID); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record match")
}

func (s *SQLiteStore) AppendMatches(ctx context.Context, ms []model.MatchResult) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append matches")
	}
	defer tx.Rollback() //nolint:errcheck
	for i := range ms {
		if err := insertMatch(ctx, tx, &ms[i]); err != nil {
			return 0, err
		}
	}
	return int64(len(ms)), eris.Wrap(tx.Commit(), "sqlite: commit append matches")
}

func insertMatch(ctx context.Context, tx *sql.Tx, m *model.MatchResult) error {
	prepareMatch(m)
	diffs, ties, err := matchJSON(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO match_results (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RunID, m.TicketID, m.TicketNumber, m.RowIndex, m.Source, m.Matched, string(m.Tier),
		string(diffs), string(ties), m.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert match result %s", m.ID)
}

func (s *SQLiteStore) LatestMatch(ctx context.Context, ticketID string) (*model.MatchResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM match_results WHERE ticket_id = ? ORDER BY rowid DESC LIMIT 1`, ticketID)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrapf(err, "sqlite: latest match %s", ticketID)
}

func (s *SQLiteStore) ListMatches(ctx context.Context, ticketID string) ([]model.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM match_results WHERE ticket_id = ? ORDER BY rowid`, ticketID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list matches %s", ticketID)
	}
	defer rows.Close() //nolint:errcheck
	var out []model.MatchResult
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list matches iterate")
}

// --- baselines ---

func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]float64, error) {
	col, entityCol, err := historyTarget(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+col+` FROM tickets
		 WHERE `+entityCol+` = ? AND date >= ? AND date <= ? AND id != ?
		 ORDER BY date, id`,
		q.EntityID, q.Since.Format(model.DateLayout), q.Until.Format(model.DateLayout), q.ExcludeTicketID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history")
	}
	defer rows.Close() //nolint:errcheck
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

// --- confidence events ---

const confidenceColumns = `id, ticket_id, entity_type, entity_id, field_name, baseline_type, baseline_value,
	actual_value, deviation_pct, score, sample_count, window_days, reason, version, created_at`

func (s *SQLiteStore) LatestConfidenceEvent(ctx context.Context, ticketID string, entityType model.EntityType, entityID, field string) (*model.ConfidenceEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_events
		 WHERE ticket_id = ? AND entity_type = ? AND entity_id = ? AND field_name = ?
		 ORDER BY version DESC LIMIT 1`,
		ticketID, string(entityType), entityID, field,
	)
	e, err := scanConfidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrap(err, "sqlite: latest confidence event")
}

func (s *SQLiteStore) AppendConfidenceEvent(ctx context.Context, e *model.ConfidenceEvent) error {
	prepareConfidence(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO confidence_events (`+confidenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TicketID, string(e.EntityType), e.EntityID, e.FieldName, string(e.BaselineType), e.BaselineValue,
		e.ActualValue, e.DeviationPct, e.Score, e.SampleCount, e.WindowDays, e.Reason, e.Version, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append confidence event %s", e.NaturalKey())
}

func (s *SQLiteStore) ListConfidenceEvents(ctx context.Context, f EventFilter) ([]model.ConfidenceEvent, error) {
	where, args := eventWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_events WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list confidence events")
	}
	defer rows.Close() //nolint:errcheck
	var out []model.ConfidenceEvent
	for rows.Next() {
		e, err := scanConfidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan confidence event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list confidence events iterate")
}

// --- anomaly events ---

const anomalyColumns = `id, confidence_event_id, ticket_id, entity_type, entity_id, anomaly_type, severity,
	explanation, baseline_reference, deviation_pct, resolved, resolved_at, resolution_note, created_at`

func (s *SQLiteStore) AppendAnomalyEvent(ctx context.Context, e *model.AnomalyEvent) (*model.AnomalyEvent, bool, error) {
	prepareAnomaly(e)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO anomaly_events (`+anomalyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (confidence_event_id) DO NOTHING`,
		e.ID, e.ConfidenceEventID, e.TicketID, string(e.EntityType), e.EntityID, e.AnomalyType, string(e.Severity),
		e.Explanation, e.BaselineReference, e.DeviationPct, e.Resolved, e.ResolvedAt, e.ResolutionNote, e.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: append anomaly event")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return e, true, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events WHERE confidence_event_id = ?`, e.ConfidenceEventID)
	existing, err := scanAnomaly(row)
	return existing, false, eris.Wrap(err, "sqlite: get existing anomaly event")
}

func (s *SQLiteStore) GetAnomalyEvent(ctx context.Context, id string) (*model.AnomalyEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomaly_events WHERE id = ?`, id)
	e, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "anomaly %s", id)
	}
	return e, eris.Wrapf(err, "sqlite: get anomaly %s", id)
}

func (s *SQLiteStore) ListAnomalyEvents(ctx context.Context, f EventFilter) ([]model.AnomalyEvent, error) {
	where, args := eventWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list anomaly events")
	}
	defer rows.Close() //nolint:errcheck
	var out []model.AnomalyEvent
	for rows.Next() {
		e, err := scanAnomaly(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan anomaly event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list anomaly events iterate")
}

func (s *SQLiteStore) ResolveAnomaly(ctx context.Context, id, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomaly_events SET resolved = 1, resolved_at = ?, resolution_note = ? WHERE id = ? AND resolved = 0`,
		at.UTC(), note, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve anomaly %s", id)
	}
	return checkRowsAffected(res, "unresolved anomaly", id)
}

// --- evidence packets ---

func (s *SQLiteStore) AppendPacket(ctx context.Context, p *model.EvidencePacket) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal packet")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence_packets (id, entity_type, entity_id, packet, generated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, string(p.EntityType), p.EntityID, string(data), p.GeneratedAt,
	)
	return eris.Wrap(err, "sqlite: append packet")
}

func (s *SQLiteStore) ListPackets(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT packet FROM evidence_packets WHERE entity_type = ? AND entity_id = ? ORDER BY rowid DESC LIMIT ?`,
		string(entityType), entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list packets")
	}
	defer rows.Close() //nolint:errcheck
	var out []model.EvidencePacket
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan packet")
		}
		var p model.EvidencePacket
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal packet")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list packets iterate")
}

// --- runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, r *model.BatchResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recon_runs (id, result, started_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET result = excluded.result`,
		r.RunID, string(data), r.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save run %s", r.RunID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.BatchResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM recon_runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	var r model.BatchResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run")
	}
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT result FROM recon_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck
	var out []model.BatchResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.BatchResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- retry queue ---

const retryColumns = `ticket_id, feed_url, error, error_type, attempts, max_attempts, next_retry_at, created_at, last_failed_at`

func (s *SQLiteStore) GetRetry(ctx context.Context, ticketID string) (*resilience.RetryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+retryColumns+` FROM retry_queue WHERE ticket_id = ?`, ticketID)
	e, err := scanRetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "sqlite: get retry %s", ticketID)
}

func (s *SQLiteStore) PutRetry(ctx context.Context, e resilience.RetryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_queue (`+retryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			feed_url = excluded.feed_url, error = excluded.error, error_type = excluded.error_type,
			attempts = excluded.attempts, max_attempts = excluded.max_attempts,
			next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.TicketID, e.FeedURL, e.Error, e.ErrorType, e.Attempts, e.MaxAttempts,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailed.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put retry %s", e.TicketID)
}

func (s *SQLiteStore) DueRetries(ctx context.Context, f resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM retry_queue
		 WHERE error_type = 'transient' AND attempts < max_attempts AND next_retry_at <= ?
		 ORDER BY next_retry_at LIMIT ?`,
		f.DueBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries")
	}
	defer rows.Close() //nolint:errcheck
	var out []resilience.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: due retries iterate")
}

func (s *SQLiteStore) DeleteRetry(ctx context.Context, ticketID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE ticket_id = ?`, ticketID)
	return eris.Wrapf(err, "sqlite: delete retry %s", ticketID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func eventWhere(f EventFilter) (string, []any) {
	if f.EntityType == model.EntityTicket {
		return `ticket_id = ?`, []any{f.EntityID}
	}
	return `entity_type = ? AND entity_id = ?`, []any{string(f.EntityType), f.EntityID}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*model.Ticket, error) {
	var t model.Ticket
	var date, status string
	err := row.Scan(&t.ID, &t.TicketNumber, &date, &t.DriverID, &t.DriverName, &t.SiteID, &t.PartnerID,
		&t.Material, &t.Quantity, &t.UnitType, &t.GrossWeight, &t.TareWeight, &t.NetWeight, &t.BillRate,
		&t.PayRate, &t.FeedURL, &status, &t.ReconError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ReconStatus = model.ReconStatus(status)
	if date != "" {
		if t.Date, err = time.Parse(model.DateLayout, date); err != nil {
			return nil, eris.Wrapf(err, "ticket %s: bad date %q", t.ID, date)
		}
	}
	return &t, nil
}

func scanMatch(row scannable) (*model.MatchResult, error) {
	var m model.MatchResult
	var tier, diffs, ties string
	err := row.Scan(&m.ID, &m.RunID, &m.TicketID, &m.TicketNumber, &m.RowIndex, &m.Source, &m.Matched,
		&tier, &diffs, &ties, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Tier = model.MatchTier(tier)
	if err := unmarshalMatchJSON(&m, []byte(diffs), []byte(ties)); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanConfidence(row scannable) (*model.ConfidenceEvent, error) {
	var e model.ConfidenceEvent
	var entityType, baselineType string
	err := row.Scan(&e.ID, &e.TicketID, &entityType, &e.EntityID, &e.FieldName, &baselineType, &e.BaselineValue,
		&e.ActualValue, &e.DeviationPct, &e.Score, &e.SampleCount, &e.WindowDays, &e.Reason, &e.Version, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EntityType = model.EntityType(entityType)
	e.BaselineType = model.BaselineType(baselineType)
	return &e, nil
}

func scanAnomaly(row scannable) (*model.AnomalyEvent, error) {
	var e model.AnomalyEvent
	var entityType, severity string
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.ConfidenceEventID, &e.TicketID, &entityType, &e.EntityID, &e.AnomalyType, &severity,
		&e.Explanation, &e.BaselineReference, &e.DeviationPct, &e.Resolved, &resolvedAt, &e.ResolutionNote, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EntityType = model.EntityType(entityType)
	e.Severity = model.Severity(severity)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		e.ResolvedAt = &at
	}
	return &e, nil
}

func scanRetry(row scannable) (*resilience.RetryEntry, error) {
	var e resilience.RetryEntry
	err := row.Scan(&e.TicketID, &e.FeedURL, &e.Error, &e.ErrorType, &e.Attempts, &e.MaxAttempts,
		&e.NextRetryAt, &e.CreatedAt, &e.LastFailed)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
