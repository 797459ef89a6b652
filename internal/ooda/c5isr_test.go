package ooda_test

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/notify"
	"athena/internal/ooda"
	"athena/internal/repo"
)

func TestHealthStatusBoundaries(t *testing.T) {
	cases := []struct {
		pct  float64
		want string
	}{
		{100, "operational"},
		{95.0, "operational"},
		{94.9, "active"},
		{85.0, "active"},
		{84.9, "nominal"},
		{75.0, "nominal"},
		{74.9, "engaged"},
		{65.0, "engaged"},
		{64.9, "scanning"},
		{50.0, "scanning"},
		{49.9, "degraded"},
		{30.0, "degraded"},
		{29.9, "offline"},
		{1.0, "offline"},
		{0.9, "critical"},
		{0, "critical"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ooda.HealthStatus(tc.pct), "%.1f", tc.pct)
	}
}

func TestC5ISRUpdate(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, func(o *domain.Operation) { o.IterationCount = 5 })
	env.seedAgent(t, op.ID, "AGENT-1", domain.AgentAlive)
	env.seedAgent(t, op.ID, "AGENT-2", domain.AgentDead)
	env.seedAgent(t, op.ID, "AGENT-3", domain.AgentAlive)
	env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)
	env.seedTarget(t, op.ID, "WS-PC01", "Windows 10", false)
	env.seedTarget(t, op.ID, "WS-PC02", "Windows 10", false)
	env.seedExecution(t, op.ID, "T1003.001", domain.ExecSuccess, "ok")
	env.seedExecution(t, op.ID, "T1021.002", domain.ExecFailed, "")

	m := ooda.C5ISRMapper{Repo: env.Repo, Sink: env.Sink, Now: env.Now}
	got, err := m.Update(env.Ctx, op.ID)
	require.NoError(t, err)

	type row struct {
		Domain string
		Pct    float64
		Status string
		Detail string
	}
	var rows []row
	for _, h := range got {
		rows = append(rows, row{h.Domain, h.HealthPct, h.Status, h.Detail})
	}
	want := []row{
		{"command", 100, "operational", "OODA cycle active"},
		{"control", 66.7, "engaged", "2/3 agents alive"},
		{"comms", 60, "scanning", "WebSocket channel active"},
		{"computers", 66.7, "engaged", "2/3 targets secure"},
		{"cyber", 50, "scanning", "1/2 executions successful"},
		{"isr", 0, "critical", "Reasoning intelligence confidence"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("domain health mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, env.Sink.Events(notify.EventC5ISR), 1)

	// A second update rewrites the same rows.
	again, err := m.Update(env.Ctx, op.ID)
	require.NoError(t, err)
	stored, err := env.Repo.ListDomainHealth(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for i := range stored {
		assert.Equal(t, got[i].ID, again[i].ID)
		assert.Equal(t, got[i].ID, stored[i].ID)
	}
}

func TestC5ISREmptyOperation(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	got, err := ooda.C5ISRMapper{Repo: env.Repo}.Update(env.Ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, h := range got {
		assert.Equal(t, domain.Domains[i], h.Domain)
		assert.GreaterOrEqual(t, h.HealthPct, 0.0)
		assert.LessOrEqual(t, h.HealthPct, 100.0)
	}
	assert.Equal(t, 80.0, got[0].HealthPct)
	assert.Equal(t, "nominal", got[0].Status)
}

func TestC5ISRStatusUsesUnroundedHealth(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	require.NoError(t, env.Repo.InsertRecommendation(env.Ctx, domain.Recommendation{
		ID: "rec-1", OperationID: op.ID, SituationAssessment: "DC-01 reachable", RecommendedTechniqueID: "T1003.001",
		Confidence: 0.9496, Options: ooda.CannedRecommendation().Options, CreatedAt: domain.FormatTime(env.Now()),
	}))

	got, err := ooda.C5ISRMapper{Repo: env.Repo}.Update(env.Ctx, op.ID)
	require.NoError(t, err)
	isr := got[5]
	assert.Equal(t, "isr", isr.Domain)
	assert.Equal(t, 95.0, isr.HealthPct)
	assert.Equal(t, "active", isr.Status)
}

func TestC5ISRUpdatePropagatesStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectQuery("FROM operations WHERE id").WillReturnError(errors.New("disk I/O error"))

	_, err = ooda.C5ISRMapper{Repo: repo.Repo{DB: conn}}.Update(t.Context(), "op-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load operation: disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}
