package model

import (
	"fmt"
	"time"
)

// EntityType scopes a baseline or an evidence packet.
type EntityType string

const (
	EntityTicket EntityType = "ticket"
	EntityDriver EntityType = "driver"
	EntitySite   EntityType = "site"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTicket || e == EntityDriver || e == EntitySite
}

// BaselineType describes how the reference value of a confidence event was derived.
type BaselineType string

const (
	BaselineMean                BaselineType = "mean"
	BaselineMedian              BaselineType = "median"
	BaselineInsufficientHistory BaselineType = "insufficient_history"
)

// ConfidenceEvent records how one observed ticket field compares to its baseline.
// Events are append-only; rescoring with a different outcome appends a new version.
type ConfidenceEvent struct {
	ID            string       `json:"id"`
	TicketID      string       `json:"ticket_id"`
	EntityType    EntityType   `json:"entity_type"`
	EntityID      string       `json:"entity_id"`
	FieldName     string       `json:"field_name"`
	BaselineType  BaselineType `json:"baseline_type"`
	BaselineValue float64      `json:"baseline_value"`
	ActualValue   float64      `json:"actual_value"`
	DeviationPct  float64      `json:"deviation_pct"`
	Score         float64      `json:"score"`
	SampleCount   int          `json:"sample_count"`
	WindowDays    int          `json:"window_days"`
	Reason        string       `json:"reason"`
	Version       int          `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NaturalKey identifies the (ticket, entity, field) slot an event versions.
func (e *ConfidenceEvent) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.TicketID, e.EntityType, e.EntityID, e.FieldName)
}

// SameOutcome reports whether two events carry the same scored result.
func (e *ConfidenceEvent) SameOutcome(o *ConfidenceEvent) bool {
	return e.BaselineType == o.BaselineType &&
		e.BaselineValue == o.BaselineValue &&
		e.ActualValue == o.ActualValue &&
		e.Score == o.Score &&
		e.SampleCount == o.SampleCount
}

// Severity grades an anomaly. Severities form the total order low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return -1
}

// AnomalyEvent is raised from a confidence event whose score crossed the threshold.
// Only the resolution fields change after insert.
type AnomalyEvent struct {
	ID                string     `json:"id"`
	ConfidenceEventID string     `json:"confidence_event_id"`
	TicketID          string     `json:"ticket_id"`
	EntityType        EntityType `json:"entity_type"`
	EntityID          string     `json:"entity_id"`
	AnomalyType       string     `json:"anomaly_type"`
	Severity          Severity   `json:"severity"`
	Explanation       string     `json:"explanation"`
	BaselineReference string     `json:"baseline_reference"`
	DeviationPct      float64    `json:"deviation_pct"`
	Resolved          bool       `json:"resolved"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote    string     `json:"resolution_note,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// FieldScore is the per-field answer returned by confidence scoring.
type FieldScore struct {
	Score        float64      `json:"score"`
	Reason       string       `json:"reason"`
	BaselineType BaselineType `json:"baseline_type"`
	DeviationPct *float64     `json:"deviation_pct"`
	EntityType   EntityType   `json:"entity_type"`
	Anomaly      *Severity    `json:"anomaly,omitempty"`
}
