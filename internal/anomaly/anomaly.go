// Package anomaly turns low-confidence events into severity-graded anomalies.
package anomaly

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
)

// Breakpoints are the deviation fractions at which severity steps up. A
// deviation below Medium is low; at or above Critical it is critical.
type Breakpoints struct {
	Medium   float64 `mapstructure:"medium" json:"medium"`
	High     float64 `mapstructure:"high" json:"high"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// Config controls classification.
type Config struct {
	LowConfidenceThreshold float64     `mapstructure:"low_confidence_threshold" json:"low_confidence_threshold"`
	Breakpoints            Breakpoints `mapstructure:"breakpoints" json:"breakpoints"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LowConfidenceThreshold: 0.7,
		Breakpoints:            Breakpoints{Medium: 0.25, High: 0.5, Critical: 1.0},
	}
}

// Validate checks the threshold range and that breakpoints strictly increase.
func (c Config) Validate() error {
	if c.LowConfidenceThreshold <= 0 || c.LowConfidenceThreshold > 1 {
		return eris.Errorf("anomaly: low_confidence_threshold %v outside (0, 1]", c.LowConfidenceThreshold)
	}
	b := c.Breakpoints
	if b.Medium <= 0 || b.Medium >= b.High || b.High >= b.Critical {
		return eris.Errorf("anomaly: breakpoints must be positive and strictly increasing, got %v < %v < %v",
			b.Medium, b.High, b.Critical)
	}
	return nil
}

// IsAnomaly reports whether e falls below the confidence threshold. Events
// without enough history never qualify.
func (c Config) IsAnomaly(e *model.ConfidenceEvent) bool {
	if e.BaselineType == model.BaselineInsufficientHistory {
		return false
	}
	return e.Score < c.LowConfidenceThreshold
}

// Severity maps a deviation fraction to a severity. It is monotonic in deviation.
func (c Config) Severity(deviation float64) model.Severity {
	switch b := c.Breakpoints; {
	case deviation >= b.Critical:
		return model.SeverityCritical
	case deviation >= b.High:
		return model.SeverityHigh
	case deviation >= b.Medium:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Classify derives the anomaly for e, or returns false when e is not anomalous.
func Classify(cfg Config, e *model.ConfidenceEvent) (*model.AnomalyEvent, bool) {
	if !cfg.IsAnomaly(e) {
		return nil, false
	}
	direction := "above"
	if e.ActualValue < e.BaselineValue {
		direction = "below"
	}
	sev := cfg.Severity(e.DeviationPct)
	return &model.AnomalyEvent{
		ConfidenceEventID: e.ID,
		TicketID:          e.TicketID,
		EntityType:        e.EntityType,
		EntityID:          e.EntityID,
		AnomalyType:       e.FieldName + "_deviation",
		Severity:          sev,
		Explanation: fmt.Sprintf("%s %s is %.1f%% %s the %s baseline %s (score %.2f)",
			e.FieldName, trim(e.ActualValue), e.DeviationPct*100, direction, e.BaselineType, trim(e.BaselineValue), e.Score),
		BaselineReference: fmt.Sprintf("%s:%s %s=%s over %dd (%d samples)",
			e.EntityType, e.EntityID, e.BaselineType, trim(e.BaselineValue), e.WindowDays, e.SampleCount),
		DeviationPct: e.DeviationPct,
	}, true
}

// Sink stores anomaly events, keeping at most one per confidence event.
type Sink interface {
	AppendAnomalyEvent(ctx context.Context, e *model.AnomalyEvent) (*model.AnomalyEvent, bool, error)
}

// Classifier classifies confidence events and records the anomalies.
type Classifier struct {
	cfg  Config
	sink Sink
}

// New creates a Classifier.
func New(cfg Config, sink Sink) *Classifier {
	return &Classifier{cfg: cfg, sink: sink}
}

// Config returns the classifier's configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Raise records the anomaly for e, if any. It returns the stored anomaly
// (new or pre-existing) and whether this call created it.
func (c *Classifier) Raise(ctx context.Context, e *model.ConfidenceEvent) (*model.AnomalyEvent, bool, error) {
	a, ok := Classify(c.cfg, e)
	if !ok {
		return nil, false, nil
	}
	if e.ID == "" {
		return nil, false, eris.New("anomaly: confidence event has no id")
	}
	stored, created, err := c.sink.AppendAnomalyEvent(ctx, a)
	if err != nil {
		return nil, false, eris.Wrapf(err, "anomaly: record for event %s", e.ID)
	}
	return stored, created, nil
}

func trim(v float64) string {
	return fmt.Sprintf("%.6g", v)
}
