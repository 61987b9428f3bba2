package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/recon"
	"github.com/sells-group/recon-cli/internal/store"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Config() recon.Config {
	return recon.DefaultConfig()
}

func (m *mockEngine) Ticket(ctx context.Context, id string) (*model.Ticket, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*model.Ticket)
	return t, args.Error(1)
}

func (m *mockEngine) Reconcile(ctx context.Context, ticketID, feedRef string) (*model.ReconcileResult, error) {
	args := m.Called(ctx, ticketID, feedRef)
	res, _ := args.Get(0).(*model.ReconcileResult)
	return res, args.Error(1)
}

func (m *mockEngine) ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error) {
	args := m.Called(ctx, sel, tol)
	res, _ := args.Get(0).(*model.BatchResult)
	return res, args.Error(1)
}

func (m *mockEngine) RetryDue(ctx context.Context, limit int) (*model.BatchResult, error) {
	args := m.Called(ctx, limit)
	res, _ := args.Get(0).(*model.BatchResult)
	return res, args.Error(1)
}

func (m *mockEngine) ScoreConfidence(ctx context.Context, ticketID string) (map[string]model.FieldScore, error) {
	args := m.Called(ctx, ticketID)
	res, _ := args.Get(0).(map[string]model.FieldScore)
	return res, args.Error(1)
}

func (m *mockEngine) BuildEvidencePacket(ctx context.Context, et model.EntityType, id string) (*model.EvidencePacket, error) {
	args := m.Called(ctx, et, id)
	p, _ := args.Get(0).(*model.EvidencePacket)
	return p, args.Error(1)
}

func (m *mockEngine) PacketHistory(ctx context.Context, et model.EntityType, id string, limit int) ([]model.EvidencePacket, error) {
	args := m.Called(ctx, et, id, limit)
	ps, _ := args.Get(0).([]model.EvidencePacket)
	return ps, args.Error(1)
}

func (m *mockEngine) Transition(ctx context.Context, ticketID string, to model.ReconStatus) (*model.Ticket, error) {
	args := m.Called(ctx, ticketID, to)
	t, _ := args.Get(0).(*model.Ticket)
	return t, args.Error(1)
}

func (m *mockEngine) ResolveAnomaly(ctx context.Context, id, note string) (*model.AnomalyEvent, error) {
	args := m.Called(ctx, id, note)
	a, _ := args.Get(0).(*model.AnomalyEvent)
	return a, args.Error(1)
}

func (m *mockEngine) ReconcileFeed(ctx context.Context, ref string, tol model.Tolerances, scope model.TicketFilter) (*model.FeedResult, error) {
	args := m.Called(ctx, ref, tol, scope)
	res, _ := args.Get(0).(*model.FeedResult)
	return res, args.Error(1)
}

func (m *mockEngine) CorrectFeed(ctx context.Context, ref string, cs []normalize.Correction, w io.Writer) ([]normalize.Correction, error) {
	args := m.Called(ctx, ref, cs, w)
	if out, ok := args.Get(2).(string); ok {
		_, _ = io.WriteString(w, out)
	}
	skipped, _ := args.Get(0).([]normalize.Correction)
	return skipped, args.Error(1)
}

type fakeBackend struct {
	runs    map[string]model.BatchResult
	pingErr error
}

func (f *fakeBackend) GetRun(_ context.Context, id string) (*model.BatchResult, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "store: get run %s", id)
	}
	return &r, nil
}

func (f *fakeBackend) ListRuns(_ context.Context, _ int) ([]model.BatchResult, error) {
	out := make([]model.BatchResult, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func newTestServer(t *testing.T) (*httptest.Server, *mockEngine, *fakeBackend) {
	t.Helper()
	eng := &mockEngine{}
	be := &fakeBackend{runs: map[string]model.BatchResult{}}
	srv := httptest.NewServer(New(eng, be, Options{}))
	t.Cleanup(srv.Close)
	return srv, eng, be
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	srv, _, be := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	be.pingErr = errors.New("db down")
	resp = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReconcile(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	eng.On("Reconcile", mock.Anything, "t1", "file:///feeds/acme.csv").
		Return(&model.ReconcileResult{TicketID: "t1", Matched: true, Tier: model.TierExact, Status: model.ReconMatched}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/tickets/t1/reconcile", `{"feed_ref":"file:///feeds/acme.csv"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var res model.ReconcileResult
	decodeBody(t, resp, &res)
	assert.True(t, res.Matched)
	assert.Equal(t, model.TierExact, res.Tier)
	eng.AssertExpectations(t)
}

func TestReconcile_FetchFailureReturnsResult(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	fetchErr := &recon.ExternalFetchError{FeedURL: "https://p/feed.csv", Retryable: true, Err: errors.New("timeout")}
	eng.On("Reconcile", mock.Anything, "t1", "").
		Return(&model.ReconcileResult{TicketID: "t1", Status: model.ReconAttemptFailed, ErrorKind: recon.KindExternalFetch}, fetchErr).Once()

	resp := do(t, http.MethodPost, srv.URL+"/tickets/t1/reconcile", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Kind   string                `json:"kind"`
		Result model.ReconcileResult `json:"result"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, recon.KindExternalFetch, body.Kind)
	assert.Equal(t, model.ReconAttemptFailed, body.Result.Status)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"input", &recon.InputError{Msg: "ticket id is required"}, http.StatusBadRequest, recon.KindInput},
		{"config", &recon.ConfigError{Err: errors.New("bad tolerance")}, http.StatusBadRequest, recon.KindConfig},
		{"not found", &recon.NotFoundError{Entity: "ticket", ID: "x"}, http.StatusNotFound, recon.KindNotFound},
		{"consistency", &recon.ConsistencyError{EventID: "e", TicketID: "t"}, http.StatusConflict, recon.KindConsistency},
		{"permanent fetch", &recon.ExternalFetchError{FeedURL: "u", Err: errors.New("404")}, http.StatusBadGateway, recon.KindExternalFetch},
		{"internal", errors.New("boom"), http.StatusInternalServerError, recon.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, eng, _ := newTestServer(t)
			eng.On("ScoreConfidence", mock.Anything, "t1").Return(nil, tt.err).Once()

			resp := do(t, http.MethodPost, srv.URL+"/tickets/t1/confidence", "")
			assert.Equal(t, tt.status, resp.StatusCode)

			var body errorBody
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
			assert.Nil(t, body.Result)
		})
	}
}

func TestScoreConfidence(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	sev := model.SeverityCritical
	dev := 22.0 / 18.0
	eng.On("ScoreConfidence", mock.Anything, "t1").Return(map[string]model.FieldScore{
		model.FieldQuantity: {Score: 0, Reason: "quantity deviates", BaselineType: model.BaselineMedian, DeviationPct: &dev, EntityType: model.EntityDriver, Anomaly: &sev},
	}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/tickets/t1/confidence", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var scores map[string]model.FieldScore
	decodeBody(t, resp, &scores)
	require.Contains(t, scores, model.FieldQuantity)
	assert.Equal(t, model.SeverityCritical, *scores[model.FieldQuantity].Anomaly)
}

func TestBatch_DefaultsToConfiguredTolerances(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	def := recon.DefaultConfig().Tolerances
	sel := model.BatchSelector{PartnerID: "acme", Limit: 10}
	eng.On("ReconcileBatch", mock.Anything, sel, def).
		Return(&model.BatchResult{RunID: "r1", Processed: 10, Succeeded: 10}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/batch", `{"selector":{"partner_id":"acme","limit":10}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res model.BatchResult
	decodeBody(t, resp, &res)
	assert.Equal(t, "r1", res.RunID)
	eng.AssertExpectations(t)
}

func TestBatch_ToleranceOverrides(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	want := recon.DefaultConfig().Tolerances
	want.QuantityVariancePct = 0.25
	want.DeliveryWindow = 12 * time.Hour
	eng.On("ReconcileBatch", mock.Anything, model.BatchSelector{}, want).
		Return(&model.BatchResult{RunID: "r2"}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/batch", `{"tolerances":{"quantity_variance_pct":0.25,"delivery_window_hours":12}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eng.AssertExpectations(t)
}

func TestBatch_PartialResultOnCancel(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	eng.On("ReconcileBatch", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.BatchResult{RunID: "r3", Processed: 4, Skipped: 6}, context.DeadlineExceeded).Once()

	resp := do(t, http.MethodPost, srv.URL+"/batch", "")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var body struct {
		Result model.BatchResult `json:"result"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 6, body.Result.Skipped)
}

func TestBatch_RejectsUnknownFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/batch", `{"selectr":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetry(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	eng.On("RetryDue", mock.Anything, 25).Return(&model.BatchResult{RunID: "retry"}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/retry", `{"limit":25}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eng.AssertExpectations(t)
}

func TestTransition(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	eng.On("Transition", mock.Anything, "t1", model.ReconReviewed).
		Return(&model.Ticket{ID: "t1", ReconStatus: model.ReconReviewed}, nil).Once()
	eng.On("Transition", mock.Anything, "t1", model.ReconStatus("bogus")).
		Return(nil, &recon.InputError{Msg: "illegal transition"}).Once()

	resp := do(t, http.MethodPost, srv.URL+"/tickets/t1/transition", `{"to":"reviewed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tk model.Ticket
	decodeBody(t, resp, &tk)
	assert.Equal(t, model.ReconReviewed, tk.ReconStatus)

	resp = do(t, http.MethodPost, srv.URL+"/tickets/t1/transition", `{"to":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvidence(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	eng.On("BuildEvidencePacket", mock.Anything, model.EntityDriver, "d1").
		Return(&model.EvidencePacket{ID: "p1", EntityType: model.EntityDriver, EntityID: "d1", Narrative: "1 critical quantity_deviation"}, nil).Once()
	eng.On("PacketHistory", mock.Anything, model.EntityDriver, "d1", 5).
		Return([]model.EvidencePacket{{ID: "p1"}}, nil).Once()
	eng.On("PacketHistory", mock.Anything, model.EntitySite, "s1", 20).Return(nil, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/evidence/driver/d1", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p model.EvidencePacket
	decodeBody(t, resp, &p)
	assert.Equal(t, "p1", p.ID)

	resp = do(t, http.MethodGet, srv.URL+"/evidence/driver/d1/history?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []model.EvidencePacket
	decodeBody(t, resp, &hist)
	assert.Len(t, hist, 1)

	resp = do(t, http.MethodGet, srv.URL+"/evidence/site/s1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	resp = do(t, http.MethodGet, srv.URL+"/evidence/site/s1/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	eng.AssertExpectations(t)
}

func TestResolveAnomaly(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	now := time.Now().UTC()
	eng.On("ResolveAnomaly", mock.Anything, "a1", "driver confirmed").
		Return(&model.AnomalyEvent{ID: "a1", Resolved: true, ResolvedAt: &now}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/anomalies/a1/resolve", `{"note":"driver confirmed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a model.AnomalyEvent
	decodeBody(t, resp, &a)
	assert.True(t, a.Resolved)
}

func TestRuns(t *testing.T) {
	srv, _, be := newTestServer(t)
	be.runs["r1"] = model.BatchResult{RunID: "r1", Processed: 3}

	resp := do(t, http.MethodGet, srv.URL+"/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []model.BatchResult
	decodeBody(t, resp, &runs)
	assert.Len(t, runs, 1)

	resp = do(t, http.MethodGet, srv.URL+"/runs/r1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/runs/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileFeed(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	scope := model.TicketFilter{PartnerID: "acme"}
	eng.On("ReconcileFeed", mock.Anything, "file:///feeds/acme.csv", recon.DefaultConfig().Tolerances, scope).
		Return(&model.FeedResult{RunID: "f1", Unmatched: 2, ByTier: map[model.MatchTier]int{model.TierExact: 5}}, nil).Once()

	resp := do(t, http.MethodPost, srv.URL+"/feeds/reconcile", `{"feed_ref":"file:///feeds/acme.csv","scope":{"partner_id":"acme"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res model.FeedResult
	decodeBody(t, resp, &res)
	assert.Equal(t, 2, res.Unmatched)
	assert.Equal(t, 5, res.ByTier[model.TierExact])
}

func TestCorrectFeed(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	cs := []normalize.Correction{{Row: 0, Field: model.FieldQuantity, Value: "18"}, {Row: 0, Field: "pay_rate", Value: "1"}}
	eng.On("CorrectFeed", mock.Anything, "file:///feeds/acme.csv", cs, mock.Anything).
		Return([]normalize.Correction{cs[1]}, nil, "Ticket #,Qty\nA-100,18\n").Once()

	resp := do(t, http.MethodPost, srv.URL+"/feeds/correct",
		`{"feed_ref":"file:///feeds/acme.csv","corrections":[{"row":0,"field":"quantity","value":"18"},{"row":0,"field":"pay_rate","value":"1"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Skipped-Corrections"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Ticket #,Qty\nA-100,18\n", string(raw))
}

func TestCORSPreflight(t *testing.T) {
	eng := &mockEngine{}
	srv := httptest.NewServer(New(eng, &fakeBackend{}, Options{CORSOrigins: []string{"https://ops.example.com"}}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/batch", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
