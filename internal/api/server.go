// Package api exposes the reconciliation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/recon"
	"github.com/sells-group/recon-cli/internal/store"
)

// Engine is the reconciliation surface the handlers call.
type Engine interface {
	Config() recon.Config
	Ticket(ctx context.Context, id string) (*model.Ticket, error)
	Reconcile(ctx context.Context, ticketID, feedRef string) (*model.ReconcileResult, error)
	ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error)
	RetryDue(ctx context.Context, limit int) (*model.BatchResult, error)
	ScoreConfidence(ctx context.Context, ticketID string) (map[string]model.FieldScore, error)
	BuildEvidencePacket(ctx context.Context, entityType model.EntityType, entityID string) (*model.EvidencePacket, error)
	PacketHistory(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error)
	Transition(ctx context.Context, ticketID string, to model.ReconStatus) (*model.Ticket, error)
	ResolveAnomaly(ctx context.Context, id, note string) (*model.AnomalyEvent, error)
	ReconcileFeed(ctx context.Context, ref string, tol model.Tolerances, scope model.TicketFilter) (*model.FeedResult, error)
	CorrectFeed(ctx context.Context, ref string, corrections []normalize.Correction, w io.Writer) ([]normalize.Correction, error)
}

// Backend is the read side of the store the API needs directly.
type Backend interface {
	GetRun(ctx context.Context, runID string) (*model.BatchResult, error)
	ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error)
	Ping(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine  Engine
	backend Backend
	router  chi.Router
}

// New builds the router.
func New(engine Engine, backend Backend, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{engine: engine, backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Skipped-Corrections"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Route("/tickets/{id}", func(r chi.Router) {
			r.Get("/", s.getTicket)
			r.Post("/reconcile", s.reconcile)
			r.Post("/confidence", s.scoreConfidence)
			r.Post("/transition", s.transition)
		})

		r.Post("/batch", s.reconcileBatch)
		r.Post("/retry", s.retryDue)

		r.Route("/evidence/{entityType}/{entityID}", func(r chi.Router) {
			r.Post("/", s.buildPacket)
			r.Get("/history", s.packetHistory)
		})

		r.Post("/anomalies/{id}/resolve", s.resolveAnomaly)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)

		r.Post("/feeds/reconcile", s.reconcileFeed)
		r.Post("/feeds/correct", s.correctFeed)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Result any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// writeError maps the engine's error kinds onto HTTP statuses. partial, when
// non-nil, is returned alongside the error.
func writeError(w http.ResponseWriter, err error, partial any) {
	kind := recon.Kind(err)
	if errors.Is(err, store.ErrNotFound) && kind == recon.KindInternal {
		kind = recon.KindNotFound
	}
	status := http.StatusInternalServerError
	switch kind {
	case recon.KindInput, recon.KindConfig:
		status = http.StatusBadRequest
	case recon.KindNotFound:
		status = http.StatusNotFound
	case recon.KindConsistency:
		status = http.StatusConflict
	case recon.KindExternalFetch:
		status = http.StatusBadGateway
		if recon.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind, Result: partial})
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &recon.InputError{Msg: "invalid request body", Err: err}
	}
	return nil
}
