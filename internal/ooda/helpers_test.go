package ooda_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"athena/internal/db"
	"athena/internal/domain"
	"athena/internal/events"
	"athena/internal/executor"
	"athena/internal/migrate"
	"athena/internal/notify"
	"athena/internal/ooda"
	"athena/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Sink *notify.Recorder
	Ctx  context.Context
	Now  func() time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	return testEnv{
		Repo: repo.Repo{DB: conn},
		Sink: &notify.Recorder{},
		Ctx:  ctx,
		Now:  func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) },
	}
}

func (e testEnv) seedOperation(t *testing.T, mutate func(*domain.Operation)) domain.Operation {
	t.Helper()
	now := domain.FormatTime(e.Now())
	op := domain.Operation{
		ID:              uuid.NewString(),
		Code:            "OP-" + uuid.NewString()[:8],
		Name:            "Operation Test",
		Codename:        "PHANTOM-EYE",
		StrategicIntent: "Obtain domain admin credentials",
		Status:          "active",
		CurrentPhase:    domain.PhaseObserve,
		AutomationMode:  domain.ModeSemiAuto,
		RiskThreshold:   domain.RiskMedium,
		StealthLevel:    domain.StealthNormal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(&op)
	}
	if err := e.Repo.InsertOperationTx(e.Ctx, nil, op); err != nil {
		t.Fatalf("insert operation: %v", err)
	}
	return op
}

func (e testEnv) seedTarget(t *testing.T, operationID, hostname, os string, compromised bool) domain.Target {
	t.Helper()
	tg := domain.Target{
		ID:            uuid.NewString(),
		OperationID:   operationID,
		Hostname:      hostname,
		IPAddress:     "10.0.1.5",
		OS:            os,
		Role:          "Domain Controller",
		IsCompromised: compromised,
		CreatedAt:     domain.FormatTime(e.Now()),
	}
	if err := e.Repo.InsertTargetTx(e.Ctx, nil, tg); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	return tg
}

func (e testEnv) seedAgent(t *testing.T, operationID, paw, status string) {
	t.Helper()
	a := domain.Agent{
		ID:          uuid.NewString(),
		OperationID: operationID,
		Paw:         paw,
		Status:      status,
		Privilege:   "User",
		Platform:    "windows",
		CreatedAt:   domain.FormatTime(e.Now()),
	}
	if err := e.Repo.UpsertAgentTx(e.Ctx, nil, a); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
}

// seedExecution stores a finished execution.
func (e testEnv) seedExecution(t *testing.T, operationID, techniqueID, status, summary string) domain.Execution {
	t.Helper()
	started := domain.FormatTime(e.Now())
	ex := domain.Execution{
		ID:          uuid.NewString(),
		OperationID: operationID,
		TechniqueID: techniqueID,
		Engine:      executor.EngineCaldera,
		Status:      domain.ExecRunning,
		StartedAt:   &started,
	}
	if err := e.Repo.InsertExecution(e.Ctx, ex, started); err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	done := domain.FormatTime(e.Now())
	ex.Status = status
	ex.CompletedAt = &done
	if summary != "" {
		ex.ResultSummary = &summary
	}
	if err := e.Repo.FinishExecutionTx(e.Ctx, nil, ex); err != nil {
		t.Fatalf("finish execution: %v", err)
	}
	return ex
}

func (e testEnv) facts() ooda.FactCollector {
	return ooda.FactCollector{Repo: e.Repo, Sink: e.Sink, Now: e.Now}
}

func (e testEnv) router(clients map[string]executor.Client) *ooda.Router {
	return &ooda.Router{
		Repo:      e.Repo,
		Events:    events.Writer{DB: e.Repo.DB, Now: e.Now},
		Sink:      e.Sink,
		Facts:     e.facts(),
		Clients:   clients,
		Primary:   executor.EngineCaldera,
		Secondary: executor.EngineShannon,
		Now:       e.Now,
	}
}

func (e testEnv) controller(clients map[string]executor.Client) *ooda.Controller {
	if clients == nil {
		clients = map[string]executor.Client{executor.EngineCaldera: &executor.Mock{}}
	}
	return &ooda.Controller{
		Repo:     e.Repo,
		Events:   events.Writer{DB: e.Repo.DB, Now: e.Now},
		Sink:     e.Sink,
		Facts:    e.facts(),
		Orient:   ooda.OrientEngine{Repo: e.Repo, Sink: e.Sink, Now: e.Now},
		Decision: ooda.DecisionEngine{Repo: e.Repo, PrimaryEngine: executor.EngineCaldera},
		Router:   e.router(clients),
		C5ISR:    ooda.C5ISRMapper{Repo: e.Repo, Sink: e.Sink, Now: e.Now},
		Locker:   ooda.NewLocalLocker(),
		Now:      e.Now,
	}
}
