package ooda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"athena/internal/domain"
	"athena/internal/executor"
	"athena/internal/notify"
	"athena/internal/repo"
)

const (
	collectExecutionWindow = 20
	factValueLimit         = 500
	defaultFactWindow      = 30

	// NoIntelligence is the observe summary when an operation has no facts.
	NoIntelligence = "No intelligence collected yet."
)

// FactCollector turns execution output into deduplicated facts.
type FactCollector struct {
	Repo    repo.Repo
	Sink    notify.Sink
	Logger  *zap.Logger
	Metrics *Metrics
	Now     func() time.Time
	// Window is the number of facts rendered by Summarize.
	Window int
}

// Collect derives one fact per recent successful execution that has output.
// Facts the operation already holds are skipped.
func (fc FactCollector) Collect(ctx context.Context, operationID string) ([]domain.Fact, error) {
	execs, err := fc.Repo.RecentSuccessfulExecutions(ctx, operationID, collectExecutionWindow)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	var added []domain.Fact
	for _, e := range execs {
		if e.ResultSummary == nil {
			continue
		}
		summary := *e.ResultSummary
		f := domain.Fact{
			Trait:    "execution." + e.TechniqueID,
			Value:    domain.Truncate(summary, factValueLimit),
			Category: categorizeExecution(e.TechniqueID, summary),
		}
		f, ok, err := fc.store(ctx, operationID, e.TechniqueID, e.TargetID, f)
		if err != nil {
			return added, err
		}
		if ok {
			added = append(added, f)
		}
	}
	fc.Metrics.factsAdded(len(added))
	return added, nil
}

// CollectFromResult stores the facts an engine reported for one execution.
func (fc FactCollector) CollectFromResult(ctx context.Context, operationID, techniqueID, targetID string, raw []executor.Fact) ([]domain.Fact, error) {
	var added []domain.Fact
	for _, r := range raw {
		if strings.TrimSpace(r.Value) == "" || r.Trait == "" {
			continue
		}
		f := domain.Fact{
			Trait:    r.Trait,
			Value:    domain.Truncate(r.Value, factValueLimit),
			Category: categorizeTrait(r.Trait),
		}
		f, ok, err := fc.store(ctx, operationID, techniqueID, targetID, f)
		if err != nil {
			return added, err
		}
		if ok {
			added = append(added, f)
		}
	}
	fc.Metrics.factsAdded(len(added))
	return added, nil
}

func (fc FactCollector) store(ctx context.Context, operationID, techniqueID, targetID string, f domain.Fact) (domain.Fact, bool, error) {
	f.ID = uuid.NewString()
	f.OperationID = operationID
	f.Score = 1
	f.CollectedAt = domain.FormatTime(nowOr(fc.Now))
	if techniqueID != "" {
		f.SourceTechniqueID = &techniqueID
	}
	if targetID != "" {
		f.SourceTargetID = &targetID
	}
	inserted, err := fc.Repo.InsertFactIfAbsent(ctx, f)
	if err != nil {
		return f, false, fmt.Errorf("insert fact %s: %w", f.Trait, err)
	}
	if !inserted {
		return f, false, nil
	}
	sinkOr(fc.Sink).Broadcast(operationID, notify.EventFactNew, f)
	return f, true, nil
}

// Summarize renders the most recent facts for the observe summary.
func (fc FactCollector) Summarize(ctx context.Context, operationID string) (string, error) {
	window := fc.Window
	if window <= 0 {
		window = defaultFactWindow
	}
	facts, err := fc.Repo.ListFacts(ctx, operationID, window)
	if err != nil {
		return "", fmt.Errorf("list facts: %w", err)
	}
	if len(facts) == 0 {
		return NoIntelligence, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Collected %d intelligence items:", len(facts))
	for _, f := range facts {
		fmt.Fprintf(&b, "\n- [%s] %s: %s", f.Category, f.Trait, f.Value)
	}
	return b.String(), nil
}

func categorizeExecution(techniqueID, summary string) string {
	s := strings.ToLower(techniqueID + " " + summary)
	switch {
	case containsAny(s, "cred", "hash", "password", "lsass", "t1003"):
		return domain.CategoryCredential
	case containsAny(s, "network", "scan", "host.ip", "t1595"):
		return domain.CategoryNetwork
	case containsAny(s, "service", "port"):
		return domain.CategoryService
	default:
		return domain.CategoryHost
	}
}

func categorizeTrait(trait string) string {
	t := strings.ToLower(trait)
	switch {
	case containsAny(t, "credential", "hash"):
		return domain.CategoryCredential
	case containsAny(t, "network", "ip"):
		return domain.CategoryNetwork
	case containsAny(t, "service", "port"):
		return domain.CategoryService
	default:
		return domain.CategoryHost
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
