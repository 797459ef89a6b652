package ooda_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/notify"
	"athena/internal/ooda"
	"athena/internal/repo"
)

func TestTriggerCycleFreshOperation(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	env.seedAgent(t, op.ID, "AGENT-7F3A", domain.AgentAlive)
	c := env.controller(nil)
	reg := prometheus.NewRegistry()
	c.Metrics = ooda.NewMetrics(reg)

	it, err := c.TriggerCycle(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, it.IterationNumber)
	assert.Equal(t, domain.PhaseAct, it.Phase)
	require.NotNil(t, it.CompletedAt)
	require.NotNil(t, it.RecommendationID)
	require.NotNil(t, it.TechniqueExecutionID)
	assert.Equal(t, ooda.NoIntelligence, it.ObserveSummary)
	assert.Equal(t, ooda.CannedRecommendation().SituationAssessment, it.OrientSummary)
	assert.Equal(t, "Risk (medium) within threshold (medium)", it.DecideSummary)
	assert.Equal(t, "Executed T1003.001 via caldera: success", it.ActSummary)

	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.IterationCount)
	assert.Equal(t, domain.PhaseAct, updated.CurrentPhase)
	assert.Equal(t, 1, updated.TechniquesExecuted)
	assert.Equal(t, 100.0, updated.SuccessRate)

	health, err := env.Repo.ListDomainHealth(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, health, 6)
	assert.Equal(t, 85.0, health[0].HealthPct)
	assert.Equal(t, 87.0, health[5].HealthPct)

	var phases []string
	for _, m := range env.Sink.Messages() {
		if m.Event == notify.EventPhase {
			phases = append(phases, m.Data.(map[string]any)["phase"].(string))
		}
	}
	assert.Equal(t, []string{"observe", "orient", "decide", "act"}, phases)
	assert.Len(t, env.Sink.Events(notify.EventC5ISR), 1)
	assert.Equal(t, 1.0, counterValue(t, reg, "athena_ooda_cycles_total", "completed"))

	logs, err := env.Repo.LatestLogEntries(env.Ctx, op.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, strings.HasPrefix(logs[0].Message, "OODA cycle #1 completed"), logs[0].Message)
}

func TestTriggerCycleCountsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	c := env.controller(nil)

	for i := 1; i <= 2; i++ {
		it, err := c.TriggerCycle(env.Ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, i, it.IterationNumber)
	}
	current, err := c.Current(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.IterationNumber)
	assert.True(t, strings.HasPrefix(current.ObserveSummary, "Collected "), current.ObserveSummary)

	history, err := c.History(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].IterationNumber)
	assert.Equal(t, 2, history[1].IterationNumber)

	timeline, err := c.Timeline(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 8)
	assert.Equal(t, ooda.TimelineEntry{IterationNumber: 1, Phase: "observe", Summary: ooda.NoIntelligence, Timestamp: history[0].StartedAt}, timeline[0])
	assert.Equal(t, "act", timeline[7].Phase)
	assert.Equal(t, 2, timeline[7].IterationNumber)

	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.IterationCount)
	assert.Equal(t, 2, updated.TechniquesExecuted)
}

func TestTriggerCycleManualModeAwaitsApproval(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, func(o *domain.Operation) { o.AutomationMode = domain.ModeManual })
	env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	c := env.controller(nil)

	it, err := c.TriggerCycle(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "Awaiting commander approval: Manual mode: all decisions require commander approval", it.ActSummary)
	assert.Nil(t, it.TechniqueExecutionID)
	execs, err := env.Repo.ListExecutions(env.Ctx, op.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.SuccessRate)
}

func TestTriggerCycleWithoutTargetDoesNotExecute(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	it, err := env.controller(nil).TriggerCycle(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(it.ActSummary, "Awaiting commander approval: "), it.ActSummary)
	assert.Equal(t, domain.PhaseAct, it.Phase)
}

func TestTriggerCycleLockConflict(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	c := env.controller(nil)
	release, err := c.Locker.Acquire(env.Ctx, op.ID)
	require.NoError(t, err)

	_, err = c.TriggerCycle(env.Ctx, op.ID)
	require.ErrorIs(t, err, ooda.ErrCycleInProgress)
	_, err = c.Current(env.Ctx, op.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	release()
	_, err = c.TriggerCycle(env.Ctx, op.ID)
	require.NoError(t, err)
}

func TestTriggerCycleUnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.controller(nil).TriggerCycle(env.Ctx, "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAdvancePhase(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	c := env.controller(nil)

	require.ErrorIs(t, c.AdvancePhase(env.Ctx, op.ID, "sleep"), ooda.ErrInvalidPhase)
	require.NoError(t, c.AdvancePhase(env.Ctx, op.ID, domain.PhaseDecide))
	updated, err := env.Repo.GetOperation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDecide, updated.CurrentPhase)

	_, err = c.TriggerCycle(env.Ctx, op.ID)
	require.NoError(t, err)
	require.NoError(t, c.AdvancePhase(env.Ctx, op.ID, domain.PhaseOrient))
	current, err := c.Current(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOrient, current.Phase)

	require.ErrorIs(t, c.AdvancePhase(env.Ctx, "nope", domain.PhaseAct), repo.ErrNotFound)
}

func TestHistoryEmpty(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	c := env.controller(nil)
	history, err := c.History(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	timeline, err := c.Timeline(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Empty(t, timeline)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}
