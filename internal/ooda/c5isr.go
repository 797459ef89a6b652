package ooda

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"athena/internal/domain"
	"athena/internal/notify"
	"athena/internal/repo"
)

const commsBaseline = 60.0

// C5ISRMapper recomputes the six domain health scores of an operation.
type C5ISRMapper struct {
	Repo repo.Repo
	Sink notify.Sink
	Now  func() time.Time
}

// HealthStatus labels a health percentage.
func HealthStatus(pct float64) string {
	switch {
	case pct >= 95:
		return "operational"
	case pct >= 85:
		return "active"
	case pct >= 75:
		return "nominal"
	case pct >= 65:
		return "engaged"
	case pct >= 50:
		return "scanning"
	case pct >= 30:
		return "degraded"
	case pct >= 1:
		return "offline"
	default:
		return "critical"
	}
}

func clampPct(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// Update recomputes, stores and broadcasts all six domains in reporting order.
func (m C5ISRMapper) Update(ctx context.Context, operationID string) ([]domain.DomainHealth, error) {
	r := m.Repo
	op, err := r.GetOperation(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("load operation: %w", err)
	}
	agents, alive, err := r.AgentCounts(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("agent counts: %w", err)
	}
	targets, secure, err := r.TargetCounts(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("target counts: %w", err)
	}
	execs, success, err := r.ExecutionCounts(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("execution counts: %w", err)
	}
	var isr float64
	rec, err := r.LatestRecommendation(ctx, operationID)
	switch {
	case err == nil:
		isr = rec.Confidence * 100
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("latest recommendation: %w", err)
	}

	scores := map[string]struct {
		pct    float64
		detail string
	}{
		"command":   {math.Min(100, 80+5*float64(op.IterationCount)), "OODA cycle active"},
		"control":   {ratio(alive, agents), fmt.Sprintf("%d/%d agents alive", alive, agents)},
		"comms":     {commsBaseline, "WebSocket channel active"},
		"computers": {ratio(secure, targets), fmt.Sprintf("%d/%d targets secure", secure, targets)},
		"cyber":     {ratio(success, execs), fmt.Sprintf("%d/%d executions successful", success, execs)},
		"isr":       {isr, "Reasoning intelligence confidence"},
	}

	now := domain.FormatTime(nowOr(m.Now))
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	out := make([]domain.DomainHealth, 0, len(domain.Domains))
	for _, d := range domain.Domains {
		s := scores[d]
		pct := clampPct(s.pct)
		h := domain.DomainHealth{
			ID:          uuid.NewString(),
			OperationID: operationID,
			Domain:      d,
			Status:      HealthStatus(pct),
			HealthPct:   round1(pct),
			Detail:      s.detail,
			UpdatedAt:   now,
		}
		id, err := r.UpsertDomainHealthTx(ctx, tx, h)
		if err != nil {
			return nil, fmt.Errorf("upsert %s health: %w", d, err)
		}
		h.ID = id
		out = append(out, h)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sinkOr(m.Sink).Broadcast(operationID, notify.EventC5ISR, out)
	return out, nil
}
