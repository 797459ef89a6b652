package ooda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/ooda"
)

func rec(risk string, confidence float64) domain.Recommendation {
	return domain.Recommendation{
		RecommendedTechniqueID: "T1003.001",
		Confidence:             confidence,
		Options: []domain.Option{
			{TechniqueID: "T1134", RiskLevel: domain.RiskLow, RecommendedEngine: "caldera", Confidence: 0.6},
			{TechniqueID: "T1003.001", RiskLevel: risk, RecommendedEngine: "caldera", Confidence: confidence},
			{TechniqueID: "T1548.002", RiskLevel: domain.RiskLow, RecommendedEngine: "shannon", Confidence: 0.5},
		},
	}
}

func TestEvaluateManualModeNeverAutoApproves(t *testing.T) {
	for _, risk := range []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		d := ooda.Evaluate(ooda.Policy{Mode: domain.ModeManual, Threshold: domain.RiskCritical}, rec(risk, 0.99), "tgt")
		assert.False(t, d.AutoApproved, risk)
		assert.True(t, d.NeedsManual, risk)
		assert.True(t, d.NeedsConfirmation, risk)
	}
}

func TestEvaluateLowConfidenceNeverAutoApproves(t *testing.T) {
	for _, risk := range []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		d := ooda.Evaluate(ooda.Policy{Mode: domain.ModeSemiAuto, Threshold: domain.RiskCritical}, rec(risk, 0.49), "tgt")
		assert.False(t, d.AutoApproved, risk)
		assert.True(t, d.NeedsConfirmation, risk)
		assert.Equal(t, risk == domain.RiskCritical, d.NeedsManual, risk)
		assert.Contains(t, d.Reason, "Low confidence (49%)")
	}
}

func TestEvaluateRiskGates(t *testing.T) {
	cases := []struct {
		name      string
		risk      string
		threshold string
		want      domain.Decision
	}{
		{
			name: "critical needs manual", risk: domain.RiskCritical, threshold: domain.RiskCritical,
			want: domain.Decision{NeedsConfirmation: true, NeedsManual: true, Reason: "Critical risk: requires manual authorization"},
		},
		{
			name: "high needs confirmation", risk: domain.RiskHigh, threshold: domain.RiskCritical,
			want: domain.Decision{NeedsConfirmation: true, Reason: "High risk: requires commander confirmation"},
		},
		{
			name: "within threshold", risk: domain.RiskMedium, threshold: domain.RiskMedium,
			want: domain.Decision{AutoApproved: true, Reason: "Risk (medium) within threshold (medium)"},
		},
		{
			name: "exceeds threshold", risk: domain.RiskMedium, threshold: domain.RiskLow,
			want: domain.Decision{NeedsConfirmation: true, Reason: "Risk (medium) exceeds threshold (low): requires commander confirmation"},
		},
		{
			name: "low under medium", risk: domain.RiskLow, threshold: domain.RiskMedium,
			want: domain.Decision{AutoApproved: true, Reason: "Risk (low) within threshold (medium)"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ooda.Evaluate(ooda.Policy{Mode: domain.ModeSemiAuto, Threshold: tc.threshold}, rec(tc.risk, 0.87), "tgt-1")
			assert.Equal(t, tc.want.AutoApproved, d.AutoApproved)
			assert.Equal(t, tc.want.NeedsConfirmation, d.NeedsConfirmation)
			assert.Equal(t, tc.want.NeedsManual, d.NeedsManual)
			assert.Equal(t, tc.want.Reason, d.Reason)
			assert.False(t, d.AutoApproved && d.NeedsConfirmation, "auto approval and confirmation are exclusive")
			assert.Equal(t, "T1003.001", d.TechniqueID)
			assert.Equal(t, "tgt-1", d.TargetID)
			assert.Equal(t, tc.risk, d.RiskLevel)
		})
	}
}

func TestEvaluateOptionDefaults(t *testing.T) {
	r := domain.Recommendation{
		RecommendedTechniqueID: "T9999",
		Confidence:             0.9,
		Options:                []domain.Option{{TechniqueID: "T1134"}},
	}
	d := ooda.Evaluate(ooda.Policy{Mode: domain.ModeSemiAuto, Threshold: "bogus", PrimaryEngine: "caldera"}, r, "")
	require.Equal(t, domain.RiskMedium, d.RiskLevel)
	assert.Equal(t, "caldera", d.Engine)
	assert.True(t, d.AutoApproved)
	assert.Equal(t, "T9999", d.TechniqueID)

	opt, ok := ooda.SelectedOption(r)
	require.True(t, ok)
	assert.Equal(t, "T1134", opt.TechniqueID)
	_, ok = ooda.SelectedOption(domain.Recommendation{})
	assert.False(t, ok)
}

func TestDecideLoadsPolicyAndPreferredTarget(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, func(o *domain.Operation) { o.RiskThreshold = domain.RiskLow })
	env.seedTarget(t, op.ID, "WS-PC01", "Windows 10", false)
	dc := env.seedTarget(t, op.ID, "DC-01", "Windows Server 2019", true)

	de := ooda.DecisionEngine{Repo: env.Repo, PrimaryEngine: "caldera"}
	d, err := de.Decide(env.Ctx, op.ID, ooda.CannedRecommendation())
	require.NoError(t, err)
	assert.Equal(t, dc.ID, d.TargetID, "compromised target is preferred")
	assert.False(t, d.AutoApproved)
	assert.True(t, d.NeedsConfirmation)

	empty := env.seedOperation(t, nil)
	d, err = de.Decide(env.Ctx, empty.ID, ooda.CannedRecommendation())
	require.NoError(t, err)
	assert.Empty(t, d.TargetID)
	assert.True(t, d.AutoApproved)
}
