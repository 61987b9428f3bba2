package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/recon"
)

// tolerancesRequest carries optional per-request tolerances. Omitted values
// fall back to the engine's configured tolerances.
type tolerancesRequest struct {
	QuantityVariancePct *float64 `json:"quantity_variance_pct"`
	PriceVariancePct    *float64 `json:"price_variance_pct"`
	DeliveryWindowHours *float64 `json:"delivery_window_hours"`
}

func (t *tolerancesRequest) resolve(def model.Tolerances) model.Tolerances {
	if t == nil {
		return def
	}
	out := def
	if t.QuantityVariancePct != nil {
		out.QuantityVariancePct = *t.QuantityVariancePct
	}
	if t.PriceVariancePct != nil {
		out.PriceVariancePct = *t.PriceVariancePct
	}
	if t.DeliveryWindowHours != nil {
		out.DeliveryWindow = time.Duration(*t.DeliveryWindowHours * float64(time.Hour))
	}
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Ticket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedRef string `json:"feed_ref"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	res, err := s.engine.Reconcile(r.Context(), chi.URLParam(r, "id"), req.FeedRef)
	if err != nil {
		if res != nil {
			writeError(w, err, res)
			return
		}
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scoreConfidence(w http.ResponseWriter, r *http.Request) {
	scores, err := s.engine.ScoreConfidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To model.ReconStatus `json:"to"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	t, err := s.engine.Transition(r.Context(), chi.URLParam(r, "id"), req.To)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reconcileBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector   model.BatchSelector `json:"selector"`
		Tolerances *tolerancesRequest  `json:"tolerances"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	tol := req.Tolerances.resolve(s.engine.Config().Tolerances)
	res, err := s.engine.ReconcileBatch(r.Context(), req.Selector, tol)
	if err != nil {
		if res != nil {
			writeError(w, err, res)
			return
		}
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retryDue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	res, err := s.engine.RetryDue(r.Context(), req.Limit)
	if err != nil {
		if res != nil {
			writeError(w, err, res)
			return
		}
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) buildPacket(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.BuildEvidencePacket(r.Context(),
		model.EntityType(chi.URLParam(r, "entityType")), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) packetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	ps, err := s.engine.PacketHistory(r.Context(),
		model.EntityType(chi.URLParam(r, "entityType")), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if ps == nil {
		ps = []model.EvidencePacket{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	a, err := s.engine.ResolveAnomaly(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	runs, err := s.backend.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if runs == nil {
		runs = []model.BatchResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.backend.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) reconcileFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedRef    string             `json:"feed_ref"`
		Tolerances *tolerancesRequest `json:"tolerances"`
		Scope      model.TicketFilter `json:"scope"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	tol := req.Tolerances.resolve(s.engine.Config().Tolerances)
	res, err := s.engine.ReconcileFeed(r.Context(), req.FeedRef, tol, req.Scope)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type correctionRequest struct {
	Row   int    `json:"row"`
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) correctFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedRef     string              `json:"feed_ref"`
		Corrections []correctionRequest `json:"corrections"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	cs := make([]normalize.Correction, len(req.Corrections))
	for i, c := range req.Corrections {
		cs[i] = normalize.Correction{Row: c.Row, Field: c.Field, Value: c.Value}
	}

	var buf bytes.Buffer
	skipped, err := s.engine.CorrectFeed(r.Context(), req.FeedRef, cs, &buf)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("X-Skipped-Corrections", strconv.Itoa(len(skipped)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &recon.InputError{Msg: key + " must be a non-negative integer"}
	}
	return n, nil
}
