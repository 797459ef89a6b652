package ooda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"athena/internal/domain"
	"athena/internal/events"
	"athena/internal/executor"
	"athena/internal/notify"
	"athena/internal/repo"
)

const (
	defaultHintConfidence = 0.7
	environmentUnknown    = "unknown"
)

// EngineContext describes the target environment for engine selection.
type EngineContext struct {
	Environment  string
	StealthLevel string
}

type ExecuteRequest struct {
	OperationID string
	IterationID string
	TechniqueID string
	TargetID    string
	Engine      string
}

// ExecutionOutcome is the terminal state of one routed execution.
type ExecutionOutcome struct {
	ExecutionID    string `json:"execution_id"`
	TechniqueID    string `json:"technique_id"`
	TargetID       string `json:"target_id"`
	Engine         string `json:"engine"`
	Status         string `json:"status"`
	ResultSummary  string `json:"result_summary,omitempty"`
	FactsCollected int    `json:"facts_collected_count"`
	Error          string `json:"error,omitempty"`
}

// Router dispatches techniques to engine clients and records executions.
type Router struct {
	Repo    repo.Repo
	Events  events.Writer
	Sink    notify.Sink
	Facts   FactCollector
	Clients map[string]executor.Client
	// Primary is always registered; Secondary may be absent.
	Primary        string
	Secondary      string
	HintConfidence float64
	Logger         *zap.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

func (r *Router) configured(engine string) bool {
	_, ok := r.Clients[engine]
	return ok && engine != ""
}

func (r *Router) primary() string {
	if r.Primary == "" {
		return executor.EngineCaldera
	}
	return r.Primary
}

// SelectEngine picks the engine for a technique. A confident hint naming a
// registered engine wins; an unknown environment or maximum stealth prefers
// the secondary engine; everything else goes to the primary.
func (r *Router) SelectEngine(techniqueID string, env EngineContext, hint string, hintConfidence float64) string {
	threshold := r.HintConfidence
	if threshold <= 0 {
		threshold = defaultHintConfidence
	}
	if hint != "" && hintConfidence >= threshold && r.configured(hint) {
		return hint
	}
	if r.Secondary != "" && r.configured(r.Secondary) {
		if env.Environment == environmentUnknown || env.StealthLevel == domain.StealthMaximum {
			return r.Secondary
		}
	}
	return r.primary()
}

// EnvironmentFor classifies a target for engine selection.
func EnvironmentFor(t domain.Target, found bool) string {
	if !found || t.OS == "" {
		return environmentUnknown
	}
	return "known"
}

func (r *Router) client(engine string) (string, executor.Client) {
	if c, ok := r.Clients[engine]; ok {
		return engine, c
	}
	p := r.primary()
	return p, r.Clients[p]
}

// Execute runs a technique against a target and records the outcome. Engine
// failures are recorded as a failed execution; only storage errors are
// returned.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (ExecutionOutcome, error) {
	log := loggerOr(r.Logger, "router").With(zap.String("operation_id", req.OperationID), zap.String("technique_id", req.TechniqueID))
	abilityID := req.TechniqueID
	tech, err := r.Repo.GetTechnique(ctx, req.TechniqueID)
	switch {
	case err == nil && tech.CalderaAbilityID != "":
		abilityID = tech.CalderaAbilityID
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return ExecutionOutcome{}, fmt.Errorf("load technique: %w", err)
	}
	label := req.TargetID
	target, err := r.Repo.GetTarget(ctx, req.TargetID)
	switch {
	case err == nil:
		label = target.Hostname
	case !errors.Is(err, repo.ErrNotFound):
		return ExecutionOutcome{}, fmt.Errorf("load target: %w", err)
	}

	engine, client := r.client(req.Engine)
	if client == nil {
		return ExecutionOutcome{}, fmt.Errorf("engine %q: %w", engine, executor.ErrEngineUnavailable)
	}
	started := domain.FormatTime(nowOr(r.Now))
	exec := domain.Execution{
		ID:          uuid.NewString(),
		OperationID: req.OperationID,
		TechniqueID: req.TechniqueID,
		TargetID:    req.TargetID,
		Engine:      engine,
		Status:      domain.ExecRunning,
		StartedAt:   &started,
	}
	if req.IterationID != "" {
		exec.IterationID = &req.IterationID
	}
	if err := r.Repo.InsertExecution(ctx, exec, started); err != nil {
		return ExecutionOutcome{}, fmt.Errorf("insert execution: %w", err)
	}
	sink := sinkOr(r.Sink)
	sink.Broadcast(req.OperationID, notify.EventExecutionUpdate, map[string]any{
		"id": exec.ID, "technique_id": req.TechniqueID, "status": domain.ExecRunning, "engine": engine,
	})

	res, runErr := client.Execute(ctx, abilityID, label, nil)
	if errors.Is(runErr, executor.ErrEngineUnavailable) && engine != r.primary() {
		log.Warn("engine unavailable, falling back to primary", zap.String("engine", engine), zap.Error(runErr))
		engine, client = r.client(r.primary())
		if client != nil {
			res, runErr = client.Execute(ctx, abilityID, label, nil)
		}
	}

	// Record the outcome even when the phase deadline expired during the call.
	ctx = context.WithoutCancel(ctx)
	completed := domain.FormatTime(nowOr(r.Now))
	exec.Engine = engine
	exec.CompletedAt = &completed
	exec.FactsCollectedCount = len(res.Facts)
	exec.Status = domain.ExecFailed
	if runErr == nil && res.Success {
		exec.Status = domain.ExecSuccess
	}
	if res.Output != "" {
		exec.ResultSummary = &res.Output
	}
	errText := res.Error
	if runErr != nil {
		errText = runErr.Error()
	}
	if errText != "" {
		exec.ErrorMessage = &errText
	}
	if err := r.finish(ctx, exec, label); err != nil {
		return ExecutionOutcome{}, err
	}
	r.Metrics.execution(engine, exec.Status)
	log.Info("execution finished", zap.String("engine", engine), zap.String("status", exec.Status), zap.Int("facts", len(res.Facts)))

	if len(res.Facts) > 0 {
		if _, err := r.Facts.CollectFromResult(ctx, req.OperationID, req.TechniqueID, req.TargetID, res.Facts); err != nil {
			log.Warn("store execution facts", zap.Error(err))
		}
	}
	sink.Broadcast(req.OperationID, notify.EventExecutionUpdate, map[string]any{
		"id": exec.ID, "technique_id": req.TechniqueID, "status": exec.Status, "engine": engine,
		"facts_collected": len(res.Facts),
	})
	return ExecutionOutcome{
		ExecutionID:    exec.ID,
		TechniqueID:    req.TechniqueID,
		TargetID:       req.TargetID,
		Engine:         engine,
		Status:         exec.Status,
		ResultSummary:  res.Output,
		FactsCollected: len(res.Facts),
		Error:          errText,
	}, nil
}

// finish stores the terminal execution state, bumps the technique counter on
// success and logs the result in one transaction.
func (r *Router) finish(ctx context.Context, exec domain.Execution, label string) error {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.FinishExecutionTx(ctx, tx, exec); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	entry := events.Entry{
		Severity:    events.SeveritySuccess,
		Source:      "engine." + exec.Engine,
		Message:     fmt.Sprintf("%s on %s succeeded", exec.TechniqueID, label),
		OperationID: exec.OperationID,
		TechniqueID: exec.TechniqueID,
		TargetID:    exec.TargetID,
	}
	if exec.Status == domain.ExecSuccess {
		if err := r.Repo.IncrementTechniquesExecutedTx(ctx, tx, exec.OperationID); err != nil {
			return fmt.Errorf("increment techniques executed: %w", err)
		}
	} else {
		entry.Severity = events.SeverityError
		entry.Message = fmt.Sprintf("%s on %s failed: %s", exec.TechniqueID, label, deref(exec.ErrorMessage))
	}
	if err := r.Events.Append(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}
