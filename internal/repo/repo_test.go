package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/db"
	"athena/internal/domain"
	"athena/internal/migrate"
	"athena/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func insertOperation(t *testing.T, r repo.Repo, id, code, status string, created time.Time) domain.Operation {
	t.Helper()
	ts := domain.FormatTime(created)
	op := domain.Operation{
		ID: id, Code: code, Name: "Op " + code, Codename: "PHANTOM-EYE", Status: status,
		CurrentPhase: domain.PhaseObserve, AutomationMode: domain.ModeSemiAuto,
		RiskThreshold: domain.RiskMedium, StealthLevel: domain.StealthNormal, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, r.InsertOperationTx(context.Background(), nil, op))
	return op
}

func TestOperations(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	first := insertOperation(t, r, "op-1", "OP-2024-001", "active", base)
	insertOperation(t, r, "op-2", "OP-2024-002", "paused", base.Add(time.Minute))

	got, err := r.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	byCode, err := r.GetOperationByCode(ctx, "OP-2024-002")
	require.NoError(t, err)
	assert.Equal(t, "op-2", byCode.ID)

	_, err = r.GetOperation(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	all, err := r.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "op-2", all[0].ID)

	active, err := r.ListActiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "op-1", active[0].ID)

	require.NoError(t, r.SetOperationPhaseTx(ctx, nil, "op-1", domain.PhaseDecide, domain.FormatTime(base)))
	require.ErrorIs(t, r.SetOperationPhaseTx(ctx, nil, "missing", domain.PhaseDecide, domain.FormatTime(base)), repo.ErrNotFound)
}

func TestInsertFactIfAbsent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	insertOperation(t, r, "op-1", "OP-2024-001", "active", now)

	f := domain.Fact{ID: "f-1", OperationID: "op-1", Trait: "host.user.name", Value: "CORP\\Administrator",
		Category: "credential", Score: 1, CollectedAt: domain.FormatTime(now)}
	ok, err := r.InsertFactIfAbsent(ctx, f)
	require.NoError(t, err)
	assert.True(t, ok)

	f.ID = "f-2"
	ok, err = r.InsertFactIfAbsent(ctx, f)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.CountFacts(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	facts, err := r.ListFacts(ctx, "op-1", 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "f-1", facts[0].ID)
	assert.Nil(t, facts[0].SourceTechniqueID)
}

func TestRecommendations(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	insertOperation(t, r, "op-1", "OP-2024-001", "active", now)
	insertOperation(t, r, "op-2", "OP-2024-002", "active", now)

	opts := []domain.Option{{TechniqueID: "T1003.001", TechniqueName: "LSASS Memory", RiskLevel: domain.RiskMedium,
		RecommendedEngine: "caldera", Confidence: 0.87, Prerequisites: []string{"SeDebugPrivilege"}}}
	for i, id := range []string{"rec-1", "rec-2"} {
		require.NoError(t, r.InsertRecommendation(ctx, domain.Recommendation{
			ID: id, OperationID: "op-1", SituationAssessment: "assessment", RecommendedTechniqueID: "T1003.001",
			Confidence: 0.87, Options: opts, CreatedAt: domain.FormatTime(now.Add(time.Duration(i) * time.Second)),
		}))
	}

	latest, err := r.LatestRecommendation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-2", latest.ID)
	assert.Equal(t, opts, latest.Options)
	assert.Nil(t, latest.Accepted)

	recent, err := r.RecentRecommendations(ctx, "op-1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "rec-1", recent[1].ID)

	require.ErrorIs(t, r.AcceptRecommendation(ctx, "op-2", "rec-1"), repo.ErrNotFound)
	require.NoError(t, r.AcceptRecommendation(ctx, "op-1", "rec-1"))
	accepted, err := r.GetRecommendation(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, accepted.Accepted)
	assert.True(t, *accepted.Accepted)

	_, err = r.LatestRecommendation(ctx, "op-2")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOptionsDocument(t *testing.T) {
	raw, err := repo.EncodeOptions(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"options":[]}`, raw)

	_, err = repo.DecodeOptions(2, raw)
	require.Error(t, err)
	_, err = repo.DecodeOptions(1, `{"version":2,"options":[]}`)
	require.Error(t, err)
	opts, err := repo.DecodeOptions(1, raw)
	require.NoError(t, err)
	assert.Empty(t, opts)
}
