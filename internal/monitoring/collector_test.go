package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// mockStore implements RunSource for testing.
type mockStore struct {
	runs     []model.BatchResult
	due      []resilience.RetryEntry
	listErr  error
	retryErr error
}

func (m *mockStore) ListRuns(_ context.Context, limit int) ([]model.BatchResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if limit > 0 && len(m.runs) > limit {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockStore) DueRetries(_ context.Context, f resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	if m.retryErr != nil {
		return nil, m.retryErr
	}
	var out []resilience.RetryEntry
	for _, e := range m.due {
		if !e.NextRetryAt.After(f.DueBefore) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeBreakers map[string]resilience.BreakerState

func (f fakeBreakers) States() map[string]resilience.BreakerState { return f }

func failedResult(kind string) model.ReconcileResult {
	return model.ReconcileResult{ErrorKind: kind}
}

func TestCollector_Collect(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		runs: []model.BatchResult{
			{
				RunID: "r1", StartedAt: now.Add(-time.Hour),
				Processed: 10, Succeeded: 8, Failed: 2, Skipped: 1,
				Results: []model.ReconcileResult{failedResult("external_fetch"), failedResult("external_fetch")},
			},
			{
				RunID: "r2", StartedAt: now.Add(-2 * time.Hour),
				Processed: 10, Succeeded: 9, Failed: 1,
				Results: []model.ReconcileResult{failedResult("internal")},
			},
			// Outside the window.
			{RunID: "old", StartedAt: now.Add(-48 * time.Hour), Processed: 100, Failed: 100},
		},
		due: []resilience.RetryEntry{
			{TicketID: "a", NextRetryAt: now.Add(-time.Minute)},
			{TicketID: "b", NextRetryAt: now.Add(-time.Hour)},
			{TicketID: "c", NextRetryAt: now.Add(time.Hour)},
		},
	}
	breakers := fakeBreakers{
		"z.example.com":     resilience.BreakerOpen,
		"a.example.com":     resilience.BreakerOpen,
		"ok.example.com":    resilience.BreakerClosed,
		"probe.example.com": resilience.BreakerHalfOpen,
	}

	snap, err := NewCollector(st, breakers).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.RunsTotal)
	assert.Equal(t, 20, snap.TicketsProcessed)
	assert.Equal(t, 17, snap.TicketsSucceeded)
	assert.Equal(t, 3, snap.TicketsFailed)
	assert.Equal(t, 1, snap.TicketsSkipped)
	assert.InDelta(t, 0.15, snap.FailRate, 1e-9)
	assert.Equal(t, map[string]int{"external_fetch": 2, "internal": 1}, snap.ErrorCounts)
	assert.Equal(t, 2, snap.RetryBacklog)
	assert.Equal(t, []string{"a.example.com", "z.example.com"}, snap.OpenBreakers)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(&mockStore{}, nil).Collect(context.Background(), 6)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Empty(t, snap.OpenBreakers)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&mockStore{listErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")

	_, err = NewCollector(&mockStore{retryErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: due retries")
}
