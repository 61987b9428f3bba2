package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(s string) time.Time {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedTickets(t *testing.T, s Store, tickets ...model.Ticket) {
	t.Helper()
	n, err := s.UpsertTickets(context.Background(), tickets)
	require.NoError(t, err)
	require.Equal(t, int64(len(tickets)), n)
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertAndGetTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedTickets(t, s, model.Ticket{
			ID: "t1", TicketNumber: "A-100", Date: day("2024-01-05"), DriverID: "d1",
			Material: "Sand", Quantity: 20, NetWeight: 40000, BillRate: 12.5,
		})

		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "A-100", got.TicketNumber)
		assert.Equal(t, "2024-01-05", got.DateString())
		assert.Equal(t, model.ReconUnreconciled, got.ReconStatus)
		assert.InDelta(t, 20.0, got.Quantity, 1e-9)
	})

	t.Run("GetTicketNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetTicket(context.Background(), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpsertKeepsReconStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedTickets(t, s, model.Ticket{ID: "t1", TicketNumber: "A-100", Date: day("2024-01-05")})
		require.NoError(t, s.SetReconStatus(ctx, "t1", model.ReconUnreconciled, model.ReconMatched, ""))

		seedTickets(t, s, model.Ticket{ID: "t1", TicketNumber: "A-100", Date: day("2024-01-05"), Quantity: 21})
		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.ReconMatched, got.ReconStatus)
		assert.InDelta(t, 21.0, got.Quantity, 1e-9)
	})

	t.Run("ListTicketsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedTickets(t, s,
			model.Ticket{ID: "t1", TicketNumber: "A-1", Date: day("2024-01-01"), PartnerID: "p1", DriverID: "d1"},
			model.Ticket{ID: "t2", TicketNumber: "A-2", Date: day("2024-01-02"), PartnerID: "p1", DriverID: "d2"},
			model.Ticket{ID: "t3", TicketNumber: "A-3", Date: day("2024-01-03"), PartnerID: "p2", DriverID: "d1"},
		)
		require.NoError(t, s.SetReconStatus(ctx, "t3", model.ReconUnreconciled, model.ReconMissing, ""))

		all, err := s.ListTickets(ctx, model.TicketFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "t3", all[0].ID, "newest first")

		p1, err := s.ListTickets(ctx, model.TicketFilter{PartnerID: "p1"})
		require.NoError(t, err)
		assert.Len(t, p1, 2)

		missing, err := s.ListTickets(ctx, model.TicketFilter{Statuses: []model.ReconStatus{model.ReconMissing}})
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, "t3", missing[0].ID)

		window, err := s.ListTickets(ctx, model.TicketFilter{
			DriverID: "d1", From: day("2024-01-01"), To: day("2024-01-02"),
		})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, "t1", window[0].ID)

		limited, err := s.ListTickets(ctx, model.TicketFilter{ExcludeID: "t3", Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "t2", limited[0].ID)
	})

	t.Run("ExistingTickets", func(t *testing.T) {
		s := newStore(t)
		seedTickets(t, s, model.Ticket{ID: "t1", TicketNumber: "A-1"})

		got, err := s.ExistingTickets(context.Background(), []string{"t1", "gone"})
		require.NoError(t, err)
		assert.True(t, got["t1"])
		assert.False(t, got["gone"])
	})

	t.Run("SetReconStatusRequiresFrom", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedTickets(t, s, model.Ticket{ID: "t1", TicketNumber: "A-1"})

		err := s.SetReconStatus(ctx, "t1", model.ReconMatched, model.ReconReviewed, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RecordMatchAndLatest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedTickets(t, s, model.Ticket{ID: "t1", TicketNumber: "A-100"})

		pct := 0.25
		first := &model.MatchResult{RunID: "r1", TicketID: "t1", TicketNumber: "A-100", Tier: model.TierNone}
		require.NoError(t, s.RecordMatch(ctx, first, model.ReconMissing, ""))
		assert.NotEmpty(t, first.ID)

		second := &model.MatchResult{
			RunID: "r2", TicketID: "t1", TicketNumber: "A-100", Matched: true, Tier: model.TierFuzzy,
			Differences: []model.Difference{{Field: "quantity", ExternalValue: "20.05", InternalValue: "20", VariancePct: &pct, Flagged: true}},
		}
		require.NoError(t, s.RecordMatch(ctx, second, model.ReconMatched, ""))

		latest, err := s.LatestMatch(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, model.TierFuzzy, latest.Tier)
		require.Len(t, latest.Differences, 1)
		assert.InDelta(t, 0.25, *latest.Differences[0].VariancePct, 1e-9)

		all, err := s.ListMatches(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		tk, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.ReconMatched, tk.ReconStatus)
	})

	t.Run("RecordMatchUnknownTicketRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.RecordMatch(ctx, &model.MatchResult{RunID: "r1", TicketID: "ghost"}, model.ReconMissing, "")
		require.ErrorIs(t, err, ErrNotFound)

		latest, err := s.LatestMatch(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("AppendMatches", func(t *testing.T) {
		s := newStore(t)
		n, err := s.AppendMatches(context.Background(), []model.MatchResult{
			{RunID: "feed", TicketID: "t1", Matched: true, Tier: model.TierExact},
			{RunID: "feed", RowIndex: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("HistoryWindowExcludesTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedTickets(t, s,
			model.Ticket{ID: "h1", TicketNumber: "H-1", Date: day("2024-01-01"), DriverID: "d1", NetWeight: 18},
			model.Ticket{ID: "h2", TicketNumber: "H-2", Date: day("2024-01-10"), DriverID: "d1", NetWeight: 19},
			model.Ticket{ID: "old", TicketNumber: "H-0", Date: day("2023-06-01"), DriverID: "d1", NetWeight: 99},
			model.Ticket{ID: "other", TicketNumber: "H-9", Date: day("2024-01-05"), DriverID: "d2", NetWeight: 50},
			model.Ticket{ID: "cur", TicketNumber: "C-1", Date: day("2024-01-15"), DriverID: "d1", NetWeight: 40},
		)

		vals, err := s.History(ctx, HistoryQuery{
			EntityType: model.EntityDriver, EntityID: "d1", Field: "net_weight",
			Since: day("2023-12-16"), Until: day("2024-01-15"), ExcludeTicketID: "cur",
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{18, 19}, vals)

		_, err = s.History(ctx, HistoryQuery{EntityType: model.EntityDriver, EntityID: "d1", Field: "material"})
		assert.Error(t, err)
	})

	t.Run("ConfidenceEventVersions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		latest, err := s.LatestConfidenceEvent(ctx, "t1", model.EntityDriver, "d1", "net_weight")
		require.NoError(t, err)
		assert.Nil(t, latest)

		e1 := &model.ConfidenceEvent{
			TicketID: "t1", EntityType: model.EntityDriver, EntityID: "d1", FieldName: "net_weight",
			BaselineType: model.BaselineMean, BaselineValue: 18, ActualValue: 40, Score: 0, SampleCount: 5, WindowDays: 30,
		}
		require.NoError(t, s.AppendConfidenceEvent(ctx, e1))
		assert.Equal(t, 1, e1.Version)

		e2 := *e1
		e2.ID = ""
		e2.Version = 2
		e2.Score = 0.5
		require.NoError(t, s.AppendConfidenceEvent(ctx, &e2))

		dup := *e1
		dup.ID = ""
		assert.Error(t, s.AppendConfidenceEvent(ctx, &dup), "version is unique per natural key")

		latest, err = s.LatestConfidenceEvent(ctx, "t1", model.EntityDriver, "d1", "net_weight")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, 2, latest.Version)

		byTicket, err := s.ListConfidenceEvents(ctx, EventFilter{EntityType: model.EntityTicket, EntityID: "t1"})
		require.NoError(t, err)
		assert.Len(t, byTicket, 2)

		byDriver, err := s.ListConfidenceEvents(ctx, EventFilter{EntityType: model.EntityDriver, EntityID: "d1"})
		require.NoError(t, err)
		assert.Len(t, byDriver, 2)

		bySite, err := s.ListConfidenceEvents(ctx, EventFilter{EntityType: model.EntitySite, EntityID: "d1"})
		require.NoError(t, err)
		assert.Empty(t, bySite)
	})

	t.Run("AnomalyIdempotentAndResolve", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ce := &model.ConfidenceEvent{
			TicketID: "t1", EntityType: model.EntityDriver, EntityID: "d1", FieldName: "net_weight",
			BaselineType: model.BaselineMean, BaselineValue: 18, ActualValue: 40, SampleCount: 5, WindowDays: 30,
		}
		require.NoError(t, s.AppendConfidenceEvent(ctx, ce))

		a := &model.AnomalyEvent{
			ConfidenceEventID: ce.ID, TicketID: "t1", EntityType: model.EntityDriver, EntityID: "d1",
			AnomalyType: "net_weight_deviation", Severity: model.SeverityCritical, DeviationPct: 122.2,
		}
		got, created, err := s.AppendAnomalyEvent(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := s.AppendAnomalyEvent(ctx, &model.AnomalyEvent{
			ConfidenceEventID: ce.ID, TicketID: "t1", EntityType: model.EntityDriver, EntityID: "d1",
			AnomalyType: "net_weight_deviation", Severity: model.SeverityCritical,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, got.ID, again.ID)

		list, err := s.ListAnomalyEvents(ctx, EventFilter{EntityType: model.EntityTicket, EntityID: "t1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.False(t, list[0].Resolved)

		require.NoError(t, s.ResolveAnomaly(ctx, got.ID, "scale recalibrated", time.Now()))
		resolved, err := s.GetAnomalyEvent(ctx, got.ID)
		require.NoError(t, err)
		assert.True(t, resolved.Resolved)
		require.NotNil(t, resolved.ResolvedAt)
		assert.Equal(t, "scale recalibrated", resolved.ResolutionNote)

		assert.ErrorIs(t, s.ResolveAnomaly(ctx, got.ID, "twice", time.Now()), ErrNotFound)
		_, err = s.GetAnomalyEvent(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PacketsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, n := range []string{"first", "second"} {
			require.NoError(t, s.AppendPacket(ctx, &model.EvidencePacket{
				EntityType: model.EntityDriver, EntityID: "d1", Narrative: n,
			}))
		}
		got, err := s.ListPackets(ctx, model.EntityDriver, "d1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "second", got[0].Narrative)

		one, err := s.ListPackets(ctx, model.EntityDriver, "d1", 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})

	t.Run("Runs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := &model.BatchResult{RunID: "run-1", Processed: 3, Succeeded: 2, Failed: 1, StartedAt: time.Now().Add(-time.Minute)}
		require.NoError(t, s.SaveRun(ctx, r))
		r.Skipped = 1
		require.NoError(t, s.SaveRun(ctx, r))
		require.NoError(t, s.SaveRun(ctx, &model.BatchResult{RunID: "run-2", StartedAt: time.Now()}))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Processed)
		assert.Equal(t, 1, got.Skipped)

		runs, err := s.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].RunID)

		_, err = s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RetryQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.PutRetry(ctx, resilience.RetryEntry{
			TicketID: "t1", FeedURL: "https://feed.example.com/a.csv", Error: "timeout", ErrorType: "transient",
			Attempts: 1, MaxAttempts: 3, NextRetryAt: now.Add(-time.Minute), CreatedAt: now, LastFailed: now,
		}))
		require.NoError(t, s.PutRetry(ctx, resilience.RetryEntry{
			TicketID: "t2", FeedURL: "https://feed.example.com/b.csv", Error: "later", ErrorType: "transient",
			Attempts: 1, MaxAttempts: 3, NextRetryAt: now.Add(time.Hour), CreatedAt: now, LastFailed: now,
		}))
		require.NoError(t, s.PutRetry(ctx, resilience.RetryEntry{
			TicketID: "t3", FeedURL: "https://feed.example.com/c.csv", Error: "404", ErrorType: "permanent",
			Attempts: 1, MaxAttempts: 3, NextRetryAt: now.Add(-time.Minute), CreatedAt: now, LastFailed: now,
		}))

		due, err := s.DueRetries(ctx, resilience.RetryFilter{DueBefore: now})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "t1", due[0].TicketID)

		e, err := s.GetRetry(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, 1, e.Attempts)

		require.NoError(t, s.DeleteRetry(ctx, "t1"))
		e, err = s.GetRetry(ctx, "t1")
		require.NoError(t, err)
		assert.Nil(t, e)
	})
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}
