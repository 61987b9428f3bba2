package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/db"
	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_ticket":        `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`,
	"latest_match":      `SELECT ` + matchColumns + ` FROM match_results WHERE ticket_id = $1 ORDER BY seq DESC LIMIT 1`,
	"latest_confidence": `SELECT ` + confidenceColumns + ` FROM confidence_events WHERE ticket_id = $1 AND entity_type = $2 AND entity_id = $3 AND field_name = $4 ORDER BY version DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tickets (
	id            TEXT PRIMARY KEY,
	ticket_number TEXT NOT NULL,
	date          DATE,
	driver_id     TEXT NOT NULL DEFAULT '',
	driver_name   TEXT NOT NULL DEFAULT '',
	site_id       TEXT NOT NULL DEFAULT '',
	partner_id    TEXT NOT NULL DEFAULT '',
	material      TEXT NOT NULL DEFAULT '',
	quantity      DOUBLE PRECISION NOT NULL DEFAULT 0,
	unit_type     TEXT NOT NULL DEFAULT '',
	gross_weight  DOUBLE PRECISION NOT NULL DEFAULT 0,
	tare_weight   DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_weight    DOUBLE PRECISION NOT NULL DEFAULT 0,
	bill_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	pay_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
	feed_url      TEXT NOT NULL DEFAULT '',
	recon_status  TEXT NOT NULL DEFAULT 'unreconciled',
	recon_error   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_results (
	seq            BIGSERIAL,
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	ticket_id      TEXT NOT NULL DEFAULT '',
	ticket_number  TEXT NOT NULL DEFAULT '',
	row_index      INTEGER NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	matched        BOOLEAN NOT NULL,
	tier           TEXT NOT NULL,
	differences    JSONB NOT NULL,
	tie_candidates JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS confidence_events (
	seq            BIGSERIAL,
	id             TEXT PRIMARY KEY,
	ticket_id      TEXT NOT NULL,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	field_name     TEXT NOT NULL,
	baseline_type  TEXT NOT NULL,
	baseline_value DOUBLE PRECISION NOT NULL,
	actual_value   DOUBLE PRECISION NOT NULL,
	deviation_pct  DOUBLE PRECISION NOT NULL,
	score          DOUBLE PRECISION NOT NULL,
	sample_count   INTEGER NOT NULL,
	window_days    INTEGER NOT NULL,
	reason         TEXT NOT NULL,
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (ticket_id, entity_type, entity_id, field_name, version)
);

CREATE TABLE IF NOT EXISTS anomaly_events (
	seq                 BIGSERIAL,
	id                  TEXT PRIMARY KEY,
	confidence_event_id TEXT NOT NULL UNIQUE REFERENCES confidence_events(id),
	ticket_id           TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	anomaly_type        TEXT NOT NULL,
	severity            TEXT NOT NULL,
	explanation         TEXT NOT NULL,
	baseline_reference  TEXT NOT NULL,
	deviation_pct       DOUBLE PRECISION NOT NULL,
	resolved            BOOLEAN NOT NULL DEFAULT false,
	resolved_at         TIMESTAMPTZ,
	resolution_note     TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence_packets (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	packet       JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recon_runs (
	id         TEXT PRIMARY KEY,
	result     JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_queue (
	ticket_id      TEXT PRIMARY KEY,
	feed_url       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	attempts       INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(recon_status);
CREATE INDEX IF NOT EXISTS idx_tickets_driver_date ON tickets(driver_id, date);
CREATE INDEX IF NOT EXISTS idx_tickets_site_date ON tickets(site_id, date);
CREATE INDEX IF NOT EXISTS idx_tickets_feed ON tickets(feed_url);
CREATE INDEX IF NOT EXISTS idx_match_results_ticket ON match_results(ticket_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_confidence_events_ticket ON confidence_events(ticket_id);
CREATE INDEX IF NOT EXISTS idx_confidence_events_entity ON confidence_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_ticket ON anomaly_events(ticket_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_entity ON anomaly_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_evidence_packets_entity ON evidence_packets(entity_type, entity_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_retry_queue_next ON retry_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- tickets ---

var ticketColumnList = []string{
	"id", "ticket_number", "date", "driver_id", "driver_name", "site_id", "partner_id", "material",
	"quantity", "unit_type", "gross_weight", "tare_weight", "net_weight", "bill_rate", "pay_rate", "feed_url",
	"recon_status", "recon_error", "created_at", "updated_at",
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := scanPgTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ticket %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE true`
	args := []any{}
	argIdx := 1

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND recon_status = ANY($%d)`, argIdx)
		args = append(args, statuses)
		argIdx++
	}
	for _, c := range []struct{ col, val string }{
		{"partner_id", f.PartnerID},
		{"driver_id", f.DriverID},
		{"site_id", f.SiteID},
		{"feed_url", f.FeedURL},
	} {
		if c.val != "" {
			query += fmt.Sprintf(` AND %s = $%d`, c.col, argIdx)
			args = append(args, c.val)
			argIdx++
		}
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(` AND date >= $%d`, argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(` AND date <= $%d`, argIdx)
		args = append(args, f.To)
		argIdx++
	}
	if f.ExcludeID != "" {
		query += fmt.Sprintf(` AND id <> $%d`, argIdx)
		args = append(args, f.ExcludeID)
		argIdx++
	}
	query += ` ORDER BY date DESC, ticket_number, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tickets")
	}
	defer rows.Close()

	var out []model.Ticket
	for rows.Next() {
		t, err := scanPgTicket(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tickets iterate")
}

func (s *PostgresStore) ExistingTickets(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM tickets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing tickets")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket id")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: existing tickets iterate")
}

// UpsertTickets stages tickets through COPY and merges them on id. Existing
// reconciliation state is left untouched.
func (s *PostgresStore) UpsertTickets(ctx context.Context, tickets []model.Ticket) (int64, error) {
	if len(tickets) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(tickets))
	for i := range tickets {
		rows[i] = pgTicketRow(prepareTicket(tickets[i], now))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "tickets",
		Columns:      ticketColumnList,
		ConflictKeys: []string{"id"},
		UpdateCols: []string{
			"ticket_number", "date", "driver_id", "driver_name", "site_id", "partner_id", "material",
			"quantity", "unit_type", "gross_weight", "tare_weight", "net_weight", "bill_rate", "pay_rate",
			"feed_url", "updated_at",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert tickets")
}

func pgTicketRow(t model.Ticket) []any {
	var date any
	if !t.Date.IsZero() {
		date = t.Date
	}
	return []any{
		t.ID, t.TicketNumber, date, t.DriverID, t.DriverName, t.SiteID, t.PartnerID, t.Material,
		t.Quantity, t.UnitType, t.GrossWeight, t.TareWeight, t.NetWeight, t.BillRate, t.PayRate, t.FeedURL,
		string(t.ReconStatus), t.ReconError, t.CreatedAt, t.UpdatedAt,
	}
}

func (s *PostgresStore) SetReconStatus(ctx context.Context, ticketID string, from, to model.ReconStatus, reconErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET recon_status = $1, recon_error = $2, updated_at = $3 WHERE id = $4 AND recon_status = $5`,
		string(to), reconErr, time.Now().UTC(), ticketID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set recon status %s", ticketID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "ticket %s in status %s", ticketID, from)
	}
	return nil
}

// --- match results ---

var matchColumnList = []string{
	"id", "run_id", "ticket_id", "ticket_number", "row_index", "source", "matched", "tier",
	"differences", "tie_candidates", "created_at",
}

func (s *PostgresStore) RecordMatch(ctx context.Context, m *model.MatchResult, status model.ReconStatus, reconErr string) error {
	row, err := pgMatchRow(m)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record match")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO match_results (`+matchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row...,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert match result %s", m.ID)
	}
	if status != "" {
		tag, err := tx.Exec(ctx,
			`UPDATE tickets SET recon_status = $1, recon_error = $2, updated_at = $3 WHERE id = $4`,
			string(status), reconErr, time.Now().UTC(), m.TicketID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update recon status %s", m.TicketID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "ticket %s", m.TicketID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record match")
}

// AppendMatches bulk-loads feed match results with COPY.
func (s *PostgresStore) AppendMatches(ctx context.Context, ms []model.MatchResult) (int64, error) {
	rows := make([][]any, 0, len(ms))
	for i := range ms {
		row, err := pgMatchRow(&ms[i])
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.CopyFrom(ctx, s.pool, "match_results", matchColumnList, rows)
	return n, eris.Wrap(err, "postgres: append matches")
}

func pgMatchRow(m *model.MatchResult) ([]any, error) {
	prepareMatch(m)
	diffs, ties, err := matchJSON(m)
	if err != nil {
		return nil, err
	}
	return []any{
		m.ID, m.RunID, m.TicketID, m.TicketNumber, m.RowIndex, m.Source, m.Matched, string(m.Tier),
		diffs, ties, m.CreatedAt,
	}, nil
}

func (s *PostgresStore) LatestMatch(ctx context.Context, ticketID string) (*model.MatchResult, error) {
	m, err := scanPgMatch(s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM match_results WHERE ticket_id = $1 ORDER BY seq DESC LIMIT 1`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrapf(err, "postgres: latest match %s", ticketID)
}

func (s *PostgresStore) ListMatches(ctx context.Context, ticketID string) ([]model.MatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM match_results WHERE ticket_id = $1 ORDER BY seq`, ticketID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list matches %s", ticketID)
	}
	defer rows.Close()
	var out []model.MatchResult
	for rows.Next() {
		m, err := scanPgMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list matches iterate")
}

// --- baselines ---

func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]float64, error) {
	col, entityCol, err := historyTarget(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+col+` FROM tickets
		 WHERE `+entityCol+` = $1 AND date >= $2 AND date <= $3 AND id <> $4
		 ORDER BY date, id`,
		q.EntityID, q.Since, q.Until, q.ExcludeTicketID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history")
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history iterate")
}

// --- confidence events ---

func (s *PostgresStore) LatestConfidenceEvent(ctx context.Context, ticketID string, entityType model.EntityType, entityID, field string) (*model.ConfidenceEvent, error) {
	e, err := scanConfidence(s.pool.QueryRow(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_events
		 WHERE ticket_id = $1 AND entity_type = $2 AND entity_id = $3 AND field_name = $4
		 ORDER BY version DESC LIMIT 1`,
		ticketID, string(entityType), entityID, field,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrap(err, "postgres: latest confidence event")
}

func (s *PostgresStore) AppendConfidenceEvent(ctx context.Context, e *model.ConfidenceEvent) error {
	prepareConfidence(e)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO confidence_events (`+confidenceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.TicketID, string(e.EntityType), e.EntityID, e.FieldName, string(e.BaselineType), e.BaselineValue,
		e.ActualValue, e.DeviationPct, e.Score, e.SampleCount, e.WindowDays, e.Reason, e.Version, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append confidence event %s", e.NaturalKey())
}

func (s *PostgresStore) ListConfidenceEvents(ctx context.Context, f EventFilter) ([]model.ConfidenceEvent, error) {
	where, args := pgEventWhere(f)
	rows, err := s.pool.Query(ctx,
		`SELECT `+confidenceColumns+` FROM confidence_events WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list confidence events")
	}
	defer rows.Close()
	var out []model.ConfidenceEvent
	for rows.Next() {
		e, err := scanConfidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan confidence event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list confidence events iterate")
}

// --- anomaly events ---

func (s *PostgresStore) AppendAnomalyEvent(ctx context.Context, e *model.AnomalyEvent) (*model.AnomalyEvent, bool, error) {
	prepareAnomaly(e)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO anomaly_events (`+anomalyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (confidence_event_id) DO NOTHING`,
		e.ID, e.ConfidenceEventID, e.TicketID, string(e.EntityType), e.EntityID, e.AnomalyType, string(e.Severity),
		e.Explanation, e.BaselineReference, e.DeviationPct, e.Resolved, e.ResolvedAt, e.ResolutionNote, e.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: append anomaly event")
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}
	existing, err := scanPgAnomaly(s.pool.QueryRow(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events WHERE confidence_event_id = $1`, e.ConfidenceEventID))
	return existing, false, eris.Wrap(err, "postgres: get existing anomaly event")
}

func (s *PostgresStore) GetAnomalyEvent(ctx context.Context, id string) (*model.AnomalyEvent, error) {
	e, err := scanPgAnomaly(s.pool.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomaly_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "anomaly %s", id)
	}
	return e, eris.Wrapf(err, "postgres: get anomaly %s", id)
}

func (s *PostgresStore) ListAnomalyEvents(ctx context.Context, f EventFilter) ([]model.AnomalyEvent, error) {
	where, args := pgEventWhere(f)
	rows, err := s.pool.Query(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomaly events")
	}
	defer rows.Close()
	var out []model.AnomalyEvent
	for rows.Next() {
		e, err := scanPgAnomaly(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan anomaly event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list anomaly events iterate")
}

func (s *PostgresStore) ResolveAnomaly(ctx context.Context, id, note string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE anomaly_events SET resolved = true, resolved_at = $1, resolution_note = $2 WHERE id = $3 AND NOT resolved`,
		at.UTC(), note, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve anomaly %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "unresolved anomaly %s", id)
	}
	return nil
}

// --- evidence packets ---

func (s *PostgresStore) AppendPacket(ctx context.Context, p *model.EvidencePacket) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal packet")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_packets (id, entity_type, entity_id, packet, generated_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, string(p.EntityType), p.EntityID, data, p.GeneratedAt,
	)
	return eris.Wrap(err, "postgres: append packet")
}

func (s *PostgresStore) ListPackets(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT packet FROM evidence_packets WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC LIMIT $3`,
		string(entityType), entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list packets")
	}
	defer rows.Close()
	var out []model.EvidencePacket
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan packet")
		}
		var p model.EvidencePacket
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal packet")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list packets iterate")
}

// --- runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, r *model.BatchResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recon_runs (id, result, started_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET result = EXCLUDED.result`,
		r.RunID, data, r.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", r.RunID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.BatchResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM recon_runs WHERE id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	var r model.BatchResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run")
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT result FROM recon_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()
	var out []model.BatchResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.BatchResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- retry queue ---

func (s *PostgresStore) GetRetry(ctx context.Context, ticketID string) (*resilience.RetryEntry, error) {
	e, err := scanRetry(s.pool.QueryRow(ctx, `SELECT `+retryColumns+` FROM retry_queue WHERE ticket_id = $1`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "postgres: get retry %s", ticketID)
}

func (s *PostgresStore) PutRetry(ctx context.Context, e resilience.RetryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retry_queue (`+retryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			feed_url = EXCLUDED.feed_url, error = EXCLUDED.error, error_type = EXCLUDED.error_type,
			attempts = EXCLUDED.attempts, max_attempts = EXCLUDED.max_attempts,
			next_retry_at = EXCLUDED.next_retry_at, last_failed_at = EXCLUDED.last_failed_at`,
		e.TicketID, e.FeedURL, e.Error, e.ErrorType, e.Attempts, e.MaxAttempts,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailed.UTC(),
	)
	return eris.Wrapf(err, "postgres: put retry %s", e.TicketID)
}

func (s *PostgresStore) DueRetries(ctx context.Context, f resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+retryColumns+` FROM retry_queue
		 WHERE error_type = 'transient' AND attempts < max_attempts AND next_retry_at <= $1
		 ORDER BY next_retry_at LIMIT $2`,
		f.DueBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due retries")
	}
	defer rows.Close()
	var out []resilience.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: due retries iterate")
}

func (s *PostgresStore) DeleteRetry(ctx context.Context, ticketID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE ticket_id = $1`, ticketID)
	return eris.Wrapf(err, "postgres: delete retry %s", ticketID)
}

// helpers

func pgEventWhere(f EventFilter) (string, []any) {
	if f.EntityType == model.EntityTicket {
		return `ticket_id = $1`, []any{f.EntityID}
	}
	return `entity_type = $1 AND entity_id = $2`, []any{string(f.EntityType), f.EntityID}
}

func scanPgTicket(row scannable) (*model.Ticket, error) {
	var t model.Ticket
	var date *time.Time
	var status string
	err := row.Scan(&t.ID, &t.TicketNumber, &date, &t.DriverID, &t.DriverName, &t.SiteID, &t.PartnerID,
		&t.Material, &t.Quantity, &t.UnitType, &t.GrossWeight, &t.TareWeight, &t.NetWeight, &t.BillRate,
		&t.PayRate, &t.FeedURL, &status, &t.ReconError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ReconStatus = model.ReconStatus(status)
	if date != nil {
		t.Date = *date
	}
	return &t, nil
}

func scanPgMatch(row scannable) (*model.MatchResult, error) {
	var m model.MatchResult
	var tier string
	var diffs, ties []byte
	err := row.Scan(&m.ID, &m.RunID, &m.TicketID, &m.TicketNumber, &m.RowIndex, &m.Source, &m.Matched,
		&tier, &diffs, &ties, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Tier = model.MatchTier(tier)
	if err := unmarshalMatchJSON(&m, diffs, ties); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPgAnomaly(row scannable) (*model.AnomalyEvent, error) {
	var e model.AnomalyEvent
	var entityType, severity string
	err := row.Scan(&e.ID, &e.ConfidenceEventID, &e.TicketID, &entityType, &e.EntityID, &e.AnomalyType, &severity,
		&e.Explanation, &e.BaselineReference, &e.DeviationPct, &e.Resolved, &e.ResolvedAt, &e.ResolutionNote, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EntityType = model.EntityType(entityType)
	e.Severity = model.Severity(severity)
	return &e, nil
}
