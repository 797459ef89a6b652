package ooda_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/executor"
	"athena/internal/notify"
	"athena/internal/ooda"
)

func TestSelectEngine(t *testing.T) {
	env := newTestEnv(t)
	both := env.router(map[string]executor.Client{
		executor.EngineCaldera: &executor.Mock{},
		executor.EngineShannon: &executor.Mock{EngineName: executor.EngineShannon},
	})
	primaryOnly := env.router(map[string]executor.Client{executor.EngineCaldera: &executor.Mock{}})
	known := ooda.EngineContext{Environment: "known", StealthLevel: domain.StealthNormal}

	cases := []struct {
		name   string
		router *ooda.Router
		env    ooda.EngineContext
		hint   string
		conf   float64
		want   string
	}{
		{"confident hint", both, known, "shannon", 0.7, "shannon"},
		{"weak hint", both, known, "shannon", 0.69, "caldera"},
		{"unregistered hint", primaryOnly, known, "shannon", 0.99, "caldera"},
		{"unknown environment", both, ooda.EngineContext{Environment: "unknown"}, "", 0, "shannon"},
		{"maximum stealth", both, ooda.EngineContext{Environment: "known", StealthLevel: domain.StealthMaximum}, "caldera", 0.1, "shannon"},
		{"secondary missing", primaryOnly, ooda.EngineContext{Environment: "unknown"}, "", 0, "caldera"},
		{"default", both, known, "", 0, "caldera"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.router.SelectEngine("T1003.001", tc.env, tc.hint, tc.conf))
		})
	}
	assert.Equal(t, "unknown", ooda.EnvironmentFor(domain.Target{}, true))
	assert.Equal(t, "unknown", ooda.EnvironmentFor(domain.Target{OS: "Linux"}, false))
	assert.Equal(t, "known", ooda.EnvironmentFor(domain.Target{OS: "Linux"}, true))
}

func TestExecuteSuccess(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	tg := env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	r := env.router(map[string]executor.Client{executor.EngineCaldera: &executor.Mock{}})

	out, err := r.Execute(env.Ctx, ooda.ExecuteRequest{OperationID: op.ID, TechniqueID: "T1003.001", TargetID: tg.ID, Engine: "caldera"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSuccess, out.Status)
	assert.Equal(t, 2, out.FactsCollected)

	ex, err := env.Repo.GetExecution(env.Ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSuccess, ex.Status)
	assert.Equal(t, 2, ex.FactsCollectedCount)
	require.NotNil(t, ex.CompletedAt)
	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TechniquesExecuted)
	n, err := env.Repo.CountFacts(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := env.Sink.Messages()
	var updates []map[string]any
	for _, m := range msgs {
		if m.Event == notify.EventExecutionUpdate {
			updates = append(updates, m.Data.(map[string]any))
		}
	}
	require.Len(t, updates, 2)
	assert.Equal(t, domain.ExecRunning, updates[0]["status"])
	assert.Equal(t, domain.ExecSuccess, updates[1]["status"])
	assert.Equal(t, 2, updates[1]["facts_collected"])

	logs, err := env.Repo.LatestLogEntries(env.Ctx, op.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "engine.caldera", logs[0].Source)
	assert.Equal(t, "T1003.001 on DC-01 succeeded", logs[0].Message)
}

func TestExecuteFailureDoesNotCountTechnique(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	tg := env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	r := env.router(map[string]executor.Client{
		executor.EngineCaldera: &executor.Mock{Err: errors.New("agent lost")},
	})

	out, err := r.Execute(env.Ctx, ooda.ExecuteRequest{OperationID: op.ID, TechniqueID: "T1003.001", TargetID: tg.ID, Engine: "caldera"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, out.Status)
	assert.Equal(t, "agent lost", out.Error)

	ex, err := env.Repo.GetExecution(env.Ctx, out.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, ex.ErrorMessage)
	assert.Equal(t, "agent lost", *ex.ErrorMessage)
	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.TechniquesExecuted)
}

func TestExecuteFallsBackToPrimary(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	tg := env.seedTarget(t, op.ID, "WS-PC01", "", false)
	r := env.router(map[string]executor.Client{
		executor.EngineCaldera: &executor.Mock{},
		executor.EngineShannon: &executor.Mock{EngineName: executor.EngineShannon, Err: fmt.Errorf("dial: %w", executor.ErrEngineUnavailable)},
	})

	out, err := r.Execute(env.Ctx, ooda.ExecuteRequest{OperationID: op.ID, TechniqueID: "T1059.001", TargetID: tg.ID, Engine: "shannon"})
	require.NoError(t, err)
	assert.Equal(t, executor.EngineCaldera, out.Engine)
	assert.Equal(t, domain.ExecSuccess, out.Status)
	ex, err := env.Repo.GetExecution(env.Ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, executor.EngineCaldera, ex.Engine)
}

func TestExecuteResolvesAbilityID(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	require.NoError(t, env.Repo.UpsertTechniqueTx(env.Ctx, nil, domain.Technique{
		ID: uuid.NewString(), MitreID: "T1087", Name: "Account Discovery", Tactic: "Discovery", TacticID: "TA0007",
		RiskLevel: domain.RiskLow, CalderaAbilityID: "ability-42",
	}))
	mock := &executor.Mock{Overrides: map[string]executor.Result{"ability-42": {Success: true, Output: "3 accounts"}}}
	r := env.router(map[string]executor.Client{executor.EngineCaldera: mock})

	out, err := r.Execute(env.Ctx, ooda.ExecuteRequest{OperationID: op.ID, TechniqueID: "T1087", TargetID: "t-missing"})
	require.NoError(t, err)
	assert.Equal(t, "3 accounts", out.ResultSummary)
	assert.Equal(t, executor.EngineCaldera, out.Engine)

	tactics, err := env.Repo.ExecutedTactics(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, tactics, 1)
	assert.Equal(t, "TA0007", tactics[0].TacticID)
}
