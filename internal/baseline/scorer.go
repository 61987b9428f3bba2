// Package baseline scores ticket observations against rolling per-driver and
// per-site baselines and records the outcome as versioned confidence events.
package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/store"
)

// Config controls baseline windows and scoring.
type Config struct {
	DriverWindowDays int           `mapstructure:"driver_window_days" json:"driver_window_days"`
	SiteWindowDays   int           `mapstructure:"site_window_days" json:"site_window_days"`
	MinSamples       int           `mapstructure:"min_samples" json:"min_samples"`
	DeviationCap     float64       `mapstructure:"deviation_cap" json:"deviation_cap"`
	Method           Method        `mapstructure:"method" json:"method"`
	ScoredFields     []string      `mapstructure:"scored_fields" json:"scored_fields"`
	CacheSize        int           `mapstructure:"cache_size" json:"cache_size"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DriverWindowDays: 30,
		SiteWindowDays:   90,
		MinSamples:       5,
		DeviationCap:     1.0,
		Method:           MethodMean,
		ScoredFields:     []string{model.FieldQuantity, model.FieldNetWeight, model.FieldGrossWeight, model.FieldRate},
		CacheSize:        1024,
		CacheTTL:         5 * time.Minute,
	}
}

// Validate rejects configurations that cannot produce a score.
func (c Config) Validate() error {
	if c.DriverWindowDays <= 0 || c.SiteWindowDays <= 0 {
		return eris.New("baseline: window days must be positive")
	}
	if c.MinSamples < 1 {
		return eris.New("baseline: min_samples must be at least 1")
	}
	if c.DeviationCap <= 0 {
		return eris.New("baseline: deviation_cap must be positive")
	}
	if c.Method != MethodMean && c.Method != MethodMedian {
		return eris.Errorf("baseline: unknown method %q", c.Method)
	}
	probe := model.Ticket{}
	for _, f := range c.ScoredFields {
		if _, ok := probe.NumericField(f); !ok {
			return eris.Errorf("baseline: field %q cannot be scored", f)
		}
	}
	return nil
}

// WindowDays returns the trailing window for an entity scope.
func (c Config) WindowDays(scope model.EntityType) int {
	if scope == model.EntitySite {
		return c.SiteWindowDays
	}
	return c.DriverWindowDays
}

// EventLog is the part of the audit sink the scorer writes to.
type EventLog interface {
	LatestConfidenceEvent(ctx context.Context, ticketID string, entityType model.EntityType, entityID, field string) (*model.ConfidenceEvent, error)
	AppendConfidenceEvent(ctx context.Context, e *model.ConfidenceEvent) error
}

// Scorer computes confidence events for tickets.
type Scorer struct {
	history store.BaselineStore
	events  EventLog
	cache   Cache
	cfg     Config
	now     func() time.Time
}

// New creates a Scorer. A nil cache disables caching.
func New(history store.BaselineStore, events EventLog, cache Cache, cfg Config) *Scorer {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Scorer{history: history, events: events, cache: cache, cfg: cfg, now: time.Now}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Scope is one entity a ticket is scored against.
type Scope struct {
	Type model.EntityType
	ID   string
}

// Scopes returns the entity scopes a ticket can be scored in.
func Scopes(t *model.Ticket) []Scope {
	var out []Scope
	if t.DriverID != "" {
		out = append(out, Scope{model.EntityDriver, t.DriverID})
	}
	if t.SiteID != "" {
		out = append(out, Scope{model.EntitySite, t.SiteID})
	}
	return out
}

// Evaluate computes the confidence event for one field of t in one scope
// without persisting it.
func (s *Scorer) Evaluate(ctx context.Context, t *model.Ticket, scope model.EntityType, entityID, field string) (*model.ConfidenceEvent, error) {
	actual, ok := t.NumericField(field)
	if !ok {
		return nil, eris.Errorf("baseline: field %q cannot be scored", field)
	}

	days := s.cfg.WindowDays(scope)
	until := t.Date
	if until.IsZero() {
		until = s.now().UTC().Truncate(24 * time.Hour)
	}
	q := store.HistoryQuery{
		EntityType:      scope,
		EntityID:        entityID,
		Field:           field,
		Since:           until.AddDate(0, 0, -days),
		Until:           until,
		ExcludeTicketID: t.ID,
	}
	values, err := s.window(ctx, q)
	if err != nil {
		return nil, err
	}
	sum, err := Summarize(values)
	if err != nil {
		return nil, err
	}

	e := &model.ConfidenceEvent{
		TicketID:    t.ID,
		EntityType:  scope,
		EntityID:    entityID,
		FieldName:   field,
		ActualValue: actual,
		SampleCount: sum.Count,
		WindowDays:  days,
	}
	Score(e, sum, s.cfg)
	return e, nil
}

// Score fills in the baseline, deviation and score of e from sum.
func Score(e *model.ConfidenceEvent, sum Summary, cfg Config) {
	if sum.Count < cfg.MinSamples {
		e.BaselineType = model.BaselineInsufficientHistory
		e.Score = 1.0
		e.Reason = fmt.Sprintf("%d samples in %dd window, need %d", sum.Count, e.WindowDays, cfg.MinSamples)
		return
	}

	ref := sum.Value(cfg.Method)
	if ref == 0 {
		e.BaselineType = model.BaselineInsufficientHistory
		e.Score = 1.0
		e.Reason = fmt.Sprintf("%s over %d samples is zero", cfg.Method, sum.Count)
		return
	}

	e.BaselineType = model.BaselineType(cfg.Method)
	e.BaselineValue = ref
	e.DeviationPct = math.Abs(e.ActualValue-ref) / math.Abs(ref)
	e.Score = clamp(1-e.DeviationPct/cfg.DeviationCap, 0, 1)
	e.Reason = fmt.Sprintf("%s of %d samples over %dd is %s, deviation %.1f%%",
		cfg.Method, sum.Count, e.WindowDays, formatFloat(ref), e.DeviationPct*100)
	if z, ok := sum.ZScore(e.ActualValue); ok {
		e.Reason += fmt.Sprintf(", %+.1f sd from mean", z)
	}
}

// Record appends e unless the latest event for its natural key already carries
// the same outcome, in which case that event is returned and appended is false.
func (s *Scorer) Record(ctx context.Context, e *model.ConfidenceEvent) (*model.ConfidenceEvent, bool, error) {
	latest, err := s.events.LatestConfidenceEvent(ctx, e.TicketID, e.EntityType, e.EntityID, e.FieldName)
	if err != nil {
		return nil, false, eris.Wrap(err, "baseline: latest event")
	}
	if latest != nil && latest.SameOutcome(e) {
		return latest, false, nil
	}
	e.Version = 1
	if latest != nil {
		e.Version = latest.Version + 1
	}
	if err := s.events.AppendConfidenceEvent(ctx, e); err != nil {
		return nil, false, eris.Wrap(err, "baseline: append event")
	}
	return e, true, nil
}

// ScoreTicket evaluates and records every configured field of t in each scope
// the ticket belongs to.
func (s *Scorer) ScoreTicket(ctx context.Context, t *model.Ticket) ([]model.ConfidenceEvent, error) {
	var out []model.ConfidenceEvent
	for _, scope := range Scopes(t) {
		for _, field := range s.cfg.ScoredFields {
			e, err := s.Evaluate(ctx, t, scope.Type, scope.ID, field)
			if err != nil {
				return out, err
			}
			rec, appended, err := s.Record(ctx, e)
			if err != nil {
				return out, err
			}
			zap.L().Debug("baseline: scored",
				zap.String("ticket_id", t.ID),
				zap.String("entity_type", string(scope.Type)),
				zap.String("field", field),
				zap.Float64("score", rec.Score),
				zap.Int("version", rec.Version),
				zap.Bool("appended", appended),
			)
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *Scorer) window(ctx context.Context, q store.HistoryQuery) ([]float64, error) {
	key := cacheKey(q)
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err := s.history.History(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "baseline: history %s %s", q.EntityType, q.EntityID)
	}
	s.cache.Add(key, v)
	return v, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.4g", v)
}
