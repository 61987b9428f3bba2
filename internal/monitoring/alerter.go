package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/config"
	"github.com/sells-group/recon-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAnomaly          AlertType = "anomaly"
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertRetryBacklog     AlertType = "retry_backlog"
	AlertBreakerOpen      AlertType = "feed_breaker_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// minFinishedTickets is how many processed tickets the failure-rate check
// needs before it fires.
const minFinishedTickets = 5

// Alerter evaluates a MetricsSnapshot against configured thresholds, forwards
// new anomalies and sends alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	minSev model.Severity
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config. An
// unknown min_severity falls back to high.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	minSev := model.Severity(strings.ToLower(cfg.MinSeverity))
	if minSev.Rank() < 0 {
		minSev = model.SeverityHigh
	}
	return &Alerter{
		cfg:    cfg,
		minSev: minSev,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.TicketsProcessed >= minFinishedTickets && a.cfg.FailureRateThreshold > 0 &&
		snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Reconciliation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TicketsFailed, snap.TicketsProcessed, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.TicketsFailed,
				"processed":    snap.TicketsProcessed,
				"errors":       snap.ErrorCounts,
			},
			Timestamp: now,
		})
	}

	if a.cfg.RetryQueueThreshold > 0 && snap.RetryBacklog > a.cfg.RetryQueueThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetryBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("%d tickets are waiting on a feed retry (threshold %d)",
				snap.RetryBacklog, a.cfg.RetryQueueThreshold),
			Details: map[string]any{
				"backlog":   snap.RetryBacklog,
				"threshold": a.cfg.RetryQueueThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "high",
			Message: fmt.Sprintf("%d feed host(s) unreachable: %s",
				len(snap.OpenBreakers), strings.Join(snap.OpenBreakers, ", ")),
			Details: map[string]any{
				"hosts": snap.OpenBreakers,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// NotifyAnomaly sends a newly raised anomaly to the webhook when its severity
// is at least min_severity.
func (a *Alerter) NotifyAnomaly(ctx context.Context, ev *model.AnomalyEvent) error {
	if a.cfg.WebhookURL == "" || ev.Severity.Rank() < a.minSev.Rank() {
		return nil
	}
	alert := Alert{
		Type:     AlertAnomaly,
		Severity: string(ev.Severity),
		Message: fmt.Sprintf("%s %s on %s %s (ticket %s): %s",
			ev.Severity, ev.AnomalyType, ev.EntityType, ev.EntityID, ev.TicketID, ev.Explanation),
		Details: map[string]any{
			"anomaly_id":          ev.ID,
			"confidence_event_id": ev.ConfidenceEventID,
			"ticket_id":           ev.TicketID,
			"entity_type":         ev.EntityType,
			"entity_id":           ev.EntityID,
			"deviation_pct":       ev.DeviationPct,
			"baseline_reference":  ev.BaselineReference,
		},
		Timestamp: ev.CreatedAt,
	}
	return a.sendWebhook(ctx, alert)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
