package ooda

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"athena/internal/domain"
	"athena/internal/events"
	"athena/internal/notify"
	"athena/internal/repo"
)

// Controller sequences the four phases of a cycle and persists every
// transition. It is safe for concurrent use across operations.
type Controller struct {
	Repo     repo.Repo
	Events   events.Writer
	Sink     notify.Sink
	Facts    FactCollector
	Orient   OrientEngine
	Decision DecisionEngine
	Router   *Router
	C5ISR    C5ISRMapper
	Locker   Locker
	Metrics  *Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	// PhaseTimeout bounds each phase of a cycle.
	PhaseTimeout time.Duration
	// SummaryLimit caps stored phase summaries, in runes.
	SummaryLimit int
}

// TimelineEntry is one phase summary of one iteration.
type TimelineEntry struct {
	IterationNumber int    `json:"iteration_number"`
	Phase           string `json:"phase"`
	Summary         string `json:"summary"`
	Timestamp       string `json:"timestamp" format:"date-time"`
}

func (c *Controller) now() time.Time {
	return nowOr(c.Now)
}

func (c *Controller) summary(s string) string {
	limit := c.SummaryLimit
	if limit <= 0 {
		limit = defaultSummaryLimit
	}
	return domain.Truncate(s, limit)
}

// TriggerCycle runs one full cycle for the operation and returns the
// finalized iteration. The cycle keeps running if ctx is cancelled; each
// phase is bounded by PhaseTimeout instead.
func (c *Controller) TriggerCycle(ctx context.Context, operationID string) (it domain.Iteration, err error) {
	ctx = context.WithoutCancel(ctx)
	log := loggerOr(c.Logger, "ooda").With(zap.String("operation_id", operationID))
	locker := c.Locker
	if locker == nil {
		return domain.Iteration{}, errors.New("ooda controller has no locker")
	}
	release, err := locker.Acquire(ctx, operationID)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "ooda.cycle")
	span.SetAttributes(attribute.String("operation_id", operationID))
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("cycle failed", zap.Error(err))
		}
		if err != nil && it.ID != "" {
			_ = c.logEntry(ctx, events.Entry{Severity: events.SeverityError, Source: "ooda", OperationID: operationID,
				Message: fmt.Sprintf("OODA cycle failed: %v", err)})
		}
		c.Metrics.cycle(outcome)
		span.End()
	}()

	op, err := c.Repo.GetOperation(ctx, operationID)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("load operation: %w", err)
	}
	it, err = c.openIteration(ctx, op)
	if err != nil {
		return domain.Iteration{}, err
	}
	span.SetAttributes(attribute.Int("iteration", it.IterationNumber))
	log = log.With(zap.Int("iteration", it.IterationNumber))
	log.Info("cycle started")
	c.broadcastPhase(operationID, it.ID, domain.PhaseObserve)

	var observeSummary string
	err = c.phase(ctx, domain.PhaseObserve, func(ctx context.Context) error {
		if _, err := c.Facts.Collect(ctx, operationID); err != nil {
			return err
		}
		s, err := c.Facts.Summarize(ctx, operationID)
		if err != nil {
			return err
		}
		observeSummary = c.summary(s)
		return c.Repo.SetIterationSummary(ctx, it.ID, domain.PhaseObserve, observeSummary)
	})
	if err != nil {
		return it, err
	}

	if err := c.transition(ctx, operationID, it.ID, domain.PhaseOrient); err != nil {
		return it, err
	}
	var rec domain.Recommendation
	err = c.phase(ctx, domain.PhaseOrient, func(ctx context.Context) error {
		var err error
		rec, err = c.Orient.Analyze(ctx, operationID, it.ID, observeSummary)
		if err != nil {
			return err
		}
		return c.Repo.SetIterationSummary(ctx, it.ID, domain.PhaseOrient, c.summary(rec.SituationAssessment))
	})
	if err != nil {
		return it, err
	}

	if err := c.transition(ctx, operationID, it.ID, domain.PhaseDecide); err != nil {
		return it, err
	}
	var decision domain.Decision
	err = c.phase(ctx, domain.PhaseDecide, func(ctx context.Context) error {
		var err error
		decision, err = c.Decision.Decide(ctx, operationID, rec)
		if err != nil {
			return err
		}
		if decision.Engine, err = c.selectEngine(ctx, op, rec, decision); err != nil {
			return err
		}
		if err := c.Repo.SetIterationSummary(ctx, it.ID, domain.PhaseDecide, c.summary(decision.Reason)); err != nil {
			return err
		}
		return c.logEntry(ctx, events.Entry{Severity: events.SeverityInfo, Source: "decision", OperationID: operationID,
			TechniqueID: decision.TechniqueID, TargetID: decision.TargetID, Message: decision.Reason})
	})
	if err != nil {
		return it, err
	}

	if err := c.transition(ctx, operationID, it.ID, domain.PhaseAct); err != nil {
		return it, err
	}
	var actSummary string
	err = c.phase(ctx, domain.PhaseAct, func(ctx context.Context) error {
		if !decision.AutoApproved || decision.TechniqueID == "" || decision.TargetID == "" || c.Router == nil {
			actSummary = "Awaiting commander approval: " + decision.Reason
			return nil
		}
		out, err := c.Router.Execute(ctx, ExecuteRequest{
			OperationID: operationID,
			IterationID: it.ID,
			TechniqueID: decision.TechniqueID,
			TargetID:    decision.TargetID,
			Engine:      decision.Engine,
		})
		if err != nil {
			return err
		}
		actSummary = fmt.Sprintf("Executed %s via %s: %s", out.TechniqueID, out.Engine, out.Status)
		return c.Repo.LinkIterationExecution(context.WithoutCancel(ctx), it.ID, out.ExecutionID)
	})
	if err != nil {
		return it, err
	}

	if err := c.Repo.CompleteIteration(ctx, it.ID, c.summary(actSummary), domain.FormatTime(c.now())); err != nil {
		return it, fmt.Errorf("complete iteration: %w", err)
	}
	if _, err := c.C5ISR.Update(ctx, operationID); err != nil {
		return it, fmt.Errorf("c5isr update: %w", err)
	}
	if err := c.updateSuccessRate(ctx, operationID); err != nil {
		return it, err
	}
	if err := c.logEntry(ctx, events.Entry{Severity: events.SeverityInfo, Source: "ooda", OperationID: operationID,
		Message: fmt.Sprintf("OODA cycle #%d completed: %s", it.IterationNumber, actSummary)}); err != nil {
		return it, err
	}
	log.Info("cycle completed", zap.String("act", actSummary))
	return c.Repo.GetIteration(ctx, it.ID)
}

// openIteration allocates the next iteration number and moves the operation
// to observe in one transaction.
func (c *Controller) openIteration(ctx context.Context, op domain.Operation) (domain.Iteration, error) {
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()
	n, err := c.Repo.NextIterationNumberTx(ctx, tx, op.ID)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("next iteration number: %w", err)
	}
	now := domain.FormatTime(c.now())
	it := domain.Iteration{
		ID:              uuid.NewString(),
		OperationID:     op.ID,
		IterationNumber: n,
		Phase:           domain.PhaseObserve,
		StartedAt:       now,
	}
	if err := c.Repo.InsertIterationTx(ctx, tx, it); err != nil {
		return domain.Iteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	if err := c.Repo.SetOperationIterationTx(ctx, tx, op.ID, n, domain.PhaseObserve, now); err != nil {
		return domain.Iteration{}, fmt.Errorf("update operation: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.Entry{Source: "ooda", OperationID: op.ID,
		Message: fmt.Sprintf("OODA cycle #%d started", n)}); err != nil {
		return domain.Iteration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}

func (c *Controller) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	timeout := c.PhaseTimeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ooda."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	c.Metrics.phase(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

// transition persists the phase on the iteration and the operation.
func (c *Controller) transition(ctx context.Context, operationID, iterationID, phase string) error {
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if iterationID != "" {
		if err := c.Repo.SetIterationPhaseTx(ctx, tx, iterationID, phase); err != nil {
			return fmt.Errorf("set iteration phase: %w", err)
		}
	}
	if err := c.Repo.SetOperationPhaseTx(ctx, tx, operationID, phase, domain.FormatTime(c.now())); err != nil {
		return fmt.Errorf("set operation phase: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.broadcastPhase(operationID, iterationID, phase)
	return nil
}

func (c *Controller) broadcastPhase(operationID, iterationID, phase string) {
	payload := map[string]any{"phase": phase}
	if iterationID != "" {
		payload["iteration_id"] = iterationID
	}
	sinkOr(c.Sink).Broadcast(operationID, notify.EventPhase, payload)
}

func (c *Controller) selectEngine(ctx context.Context, op domain.Operation, rec domain.Recommendation, d domain.Decision) (string, error) {
	if c.Router == nil {
		return d.Engine, nil
	}
	var target domain.Target
	found := false
	if d.TargetID != "" {
		t, err := c.Repo.GetTarget(ctx, d.TargetID)
		switch {
		case err == nil:
			target, found = t, true
		case !errors.Is(err, repo.ErrNotFound):
			return "", fmt.Errorf("load target: %w", err)
		}
	}
	opt, _ := SelectedOption(rec)
	env := EngineContext{Environment: EnvironmentFor(target, found), StealthLevel: op.StealthLevel}
	return c.Router.SelectEngine(d.TechniqueID, env, d.Engine, opt.Confidence), nil
}

func (c *Controller) updateSuccessRate(ctx context.Context, operationID string) error {
	total, success, err := c.Repo.ExecutionCounts(ctx, operationID)
	if err != nil {
		return fmt.Errorf("execution counts: %w", err)
	}
	if total == 0 {
		return nil
	}
	rate := round1(float64(success) / float64(total) * 100)
	if err := c.Repo.SetSuccessRate(ctx, operationID, rate, domain.FormatTime(c.now())); err != nil {
		return fmt.Errorf("set success rate: %w", err)
	}
	return nil
}

func (c *Controller) logEntry(ctx context.Context, e events.Entry) error {
	w := c.Events
	if w.DB == nil {
		w.DB = c.Repo.DB
	}
	return w.Append(ctx, nil, e)
}

// AdvancePhase is the commander override: it moves the operation, and its
// latest iteration when there is one, to phase.
func (c *Controller) AdvancePhase(ctx context.Context, operationID, phase string) error {
	if !domain.ValidPhase(phase) {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	var iterationID string
	latest, err := c.Repo.LatestIteration(ctx, operationID)
	switch {
	case err == nil:
		iterationID = latest.ID
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("latest iteration: %w", err)
	}
	return c.transition(ctx, operationID, iterationID, phase)
}

// Current returns the latest iteration, or repo.ErrNotFound.
func (c *Controller) Current(ctx context.Context, operationID string) (domain.Iteration, error) {
	return c.Repo.LatestIteration(ctx, operationID)
}

// History returns every iteration, oldest first.
func (c *Controller) History(ctx context.Context, operationID string) ([]domain.Iteration, error) {
	its, err := c.Repo.ListIterations(ctx, operationID, 0)
	if err != nil {
		return nil, err
	}
	slices.Reverse(its)
	if its == nil {
		its = []domain.Iteration{}
	}
	return its, nil
}

// Timeline flattens the history into one entry per non-empty phase summary.
func (c *Controller) Timeline(ctx context.Context, operationID string) ([]TimelineEntry, error) {
	its, err := c.History(ctx, operationID)
	if err != nil {
		return nil, err
	}
	out := []TimelineEntry{}
	for _, it := range its {
		for _, p := range []struct{ phase, summary string }{
			{domain.PhaseObserve, it.ObserveSummary},
			{domain.PhaseOrient, it.OrientSummary},
			{domain.PhaseDecide, it.DecideSummary},
			{domain.PhaseAct, it.ActSummary},
		} {
			if p.summary == "" {
				continue
			}
			out = append(out, TimelineEntry{IterationNumber: it.IterationNumber, Phase: p.phase, Summary: p.summary, Timestamp: it.StartedAt})
		}
	}
	return out, nil
}
