package recon

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
)

// ScoreConfidence scores every configured numeric field of a ticket against
// its driver and site baselines, records the confidence events and raises
// anomalies for the ones below threshold. Per field it reports the scope
// with the lowest score, preferring the driver on a tie.
func (e *Engine) ScoreConfidence(ctx context.Context, ticketID string) (map[string]model.FieldScore, error) {
	t, err := e.Ticket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("ticket_id", t.ID))

	events, err := e.scorer.ScoreTicket(ctx, t)
	if err != nil {
		return nil, eris.Wrapf(err, "recon: score ticket %s", t.ID)
	}

	out := make(map[string]model.FieldScore, len(e.cfg.Baseline.ScoredFields))
	for i := range events {
		ev := &events[i]
		var sev *model.Severity
		a, created, err := e.classifier.Raise(ctx, ev)
		if err != nil {
			return nil, eris.Wrapf(err, "recon: classify %s", ev.FieldName)
		}
		if a != nil {
			s := a.Severity
			sev = &s
			if created {
				log.Info("recon: anomaly raised",
					zap.String("entity_type", string(a.EntityType)),
					zap.String("entity_id", a.EntityID),
					zap.String("anomaly_type", a.AnomalyType),
					zap.String("severity", string(a.Severity)),
				)
				e.notify(ctx, a)
			}
		}

		fs := fieldScore(ev, sev)
		if cur, ok := out[ev.FieldName]; !ok || fs.Score < cur.Score {
			out[ev.FieldName] = fs
		}
	}

	// A ticket with no driver or site has nothing to be compared against.
	if len(events) == 0 {
		for _, f := range e.cfg.Baseline.ScoredFields {
			out[f] = model.FieldScore{
				Score:        1,
				Reason:       "ticket has no driver or site to build a baseline from",
				BaselineType: model.BaselineInsufficientHistory,
			}
		}
	}
	return out, nil
}

func fieldScore(ev *model.ConfidenceEvent, sev *model.Severity) model.FieldScore {
	fs := model.FieldScore{
		Score:        ev.Score,
		Reason:       ev.Reason,
		BaselineType: ev.BaselineType,
		EntityType:   ev.EntityType,
		Anomaly:      sev,
	}
	if ev.BaselineType != model.BaselineInsufficientHistory {
		d := ev.DeviationPct
		fs.DeviationPct = &d
	}
	return fs
}

func (e *Engine) notify(ctx context.Context, a *model.AnomalyEvent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyAnomaly(ctx, a); err != nil {
		zap.L().Warn("recon: anomaly notification failed",
			zap.String("anomaly_id", a.ID),
			zap.Error(err),
		)
	}
}

// BuildEvidencePacket assembles, stores and returns a new evidence packet.
// Events that reference deleted tickets are logged as ConsistencyError and
// listed in the packet's excluded events.
func (e *Engine) BuildEvidencePacket(ctx context.Context, entityType model.EntityType, entityID string) (*model.EvidencePacket, error) {
	if !entityType.Valid() {
		return nil, &InputError{Msg: "unknown entity type " + string(entityType)}
	}
	if entityID == "" {
		return nil, &InputError{Msg: "entity id is required"}
	}
	p, excluded, err := e.evidence.Build(ctx, entityType, entityID)
	if err != nil {
		return nil, notFound(string(entityType), entityID, err)
	}
	for _, x := range excluded {
		zap.L().Warn("recon: event excluded from packet",
			zap.String("packet_id", p.ID),
			zap.Error(&ConsistencyError{EventID: x.EventID, TicketID: x.TicketID}),
		)
	}
	return p, nil
}

// PacketHistory lists earlier packets for an entity, newest first.
func (e *Engine) PacketHistory(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.EvidencePacket, error) {
	if !entityType.Valid() {
		return nil, &InputError{Msg: "unknown entity type " + string(entityType)}
	}
	return e.evidence.History(ctx, entityType, entityID, limit)
}

// ResolveAnomaly sets the resolution flag on an anomaly. Nothing else about
// the event changes.
func (e *Engine) ResolveAnomaly(ctx context.Context, id, note string) (*model.AnomalyEvent, error) {
	if id == "" {
		return nil, &InputError{Msg: "anomaly id is required"}
	}
	a, err := e.store.GetAnomalyEvent(ctx, id)
	if err != nil {
		return nil, notFound("anomaly", id, err)
	}
	if a.Resolved {
		return nil, &InputError{Msg: "anomaly " + id + " is already resolved"}
	}
	if err := e.store.ResolveAnomaly(ctx, id, note, e.now().UTC()); err != nil {
		return nil, notFound("anomaly", id, err)
	}
	zap.L().Info("recon: anomaly resolved", zap.String("anomaly_id", id))
	return e.store.GetAnomalyEvent(ctx, id)
}
