package ooda_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/notify"
	"athena/internal/ooda"
	"athena/internal/reasoning"
)

const validAnswer = `{
  "situation_assessment": "Credential access reached on DC-01.",
  "recommended_technique_id": "T1021.002",
  "confidence": 0.8,
  "reasoning_text": "Hashes collected, move laterally.",
  "options": [
    {"technique_id": "T1021.002", "technique_name": "SMB/Windows Admin Shares", "reasoning": "hashes", "risk_level": "high", "recommended_engine": "caldera", "confidence": 0.8, "prerequisites": ["NTLM hash"]},
    {"technique_id": "T1087", "technique_name": "Account Discovery", "reasoning": "enumerate", "risk_level": "low", "recommended_engine": "caldera", "confidence": 0.6},
    {"technique_id": "T1550.002", "technique_name": "Pass the Hash", "reasoning": "reuse", "risk_level": "medium", "recommended_engine": "shannon", "confidence": 0.5, "prerequisites": []}
  ]
}`

func TestParseRecommendationUnwrapsFence(t *testing.T) {
	rec, err := ooda.ParseRecommendation("```json\n" + validAnswer + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "T1021.002", rec.RecommendedTechniqueID)
	require.Len(t, rec.Options, 3)
	assert.Equal(t, []string{}, rec.Options[1].Prerequisites)

	rec, err = ooda.ParseRecommendation("  " + validAnswer + "\n")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rec.Confidence, 1e-9)
}

func TestParseRecommendationRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        "I think you should dump LSASS.",
		"two options":     strings.Replace(validAnswer, `,
    {"technique_id": "T1550.002", "technique_name": "Pass the Hash", "reasoning": "reuse", "risk_level": "medium", "recommended_engine": "shannon", "confidence": 0.5, "prerequisites": []}`, "", 1),
		"bad risk":        strings.Replace(validAnswer, `"risk_level": "high"`, `"risk_level": "extreme"`, 1),
		"confidence high": strings.Replace(validAnswer, `"confidence": 0.8,`, `"confidence": 1.5,`, 1),
		"option range":    strings.Replace(validAnswer, `"confidence": 0.6}`, `"confidence": -0.1}`, 1),
		"missing id":      strings.Replace(validAnswer, `"recommended_technique_id": "T1021.002",`, "", 1),
		"missing conf":    strings.Replace(validAnswer, `"confidence": 0.8,
  "reasoning_text"`, `"reasoning_text"`, 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ooda.ParseRecommendation(raw)
			assert.Error(t, err)
		})
	}
}

func TestAnalyzeWithoutBackendsUsesCanned(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	o := ooda.OrientEngine{Repo: env.Repo, Sink: env.Sink, Now: env.Now}

	rec, err := o.Analyze(env.Ctx, op.ID, "", ooda.NoIntelligence)
	require.NoError(t, err)
	assert.Equal(t, "T1003.001", rec.RecommendedTechniqueID)
	assert.InDelta(t, 0.87, rec.Confidence, 1e-9)
	assert.NotEmpty(t, rec.ID)

	stored, err := env.Repo.LatestRecommendation(env.Ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
	assert.Equal(t, ooda.CannedRecommendation().Options, stored.Options)
	assert.Len(t, env.Sink.Events(notify.EventRecommendation), 1)
}

func TestAnalyzeFallsThroughBackends(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	var calls []string
	backend := func(name, answer string, err error) reasoning.Backend {
		return reasoning.Func{ID: name, Fn: func(context.Context, string, string) (string, error) {
			calls = append(calls, name)
			return answer, err
		}}
	}
	o := ooda.OrientEngine{
		Repo: env.Repo,
		Now:  env.Now,
		Backends: []reasoning.Backend{
			backend("unset", "", reasoning.ErrNotConfigured),
			backend("flaky", "", errors.New("502 bad gateway")),
			backend("good", "```json\n"+validAnswer+"\n```", nil),
			backend("never", validAnswer, nil),
		},
	}
	rec, err := o.Analyze(env.Ctx, op.ID, "", ooda.NoIntelligence)
	require.NoError(t, err)
	assert.Equal(t, []string{"unset", "flaky", "good"}, calls)
	assert.Equal(t, "T1021.002", rec.RecommendedTechniqueID)
	assert.Equal(t, domain.RiskHigh, rec.Options[0].RiskLevel)
}

func TestAnalyzeInvalidAnswerUsesCanned(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	o := ooda.OrientEngine{
		Repo: env.Repo,
		Now:  env.Now,
		Backends: []reasoning.Backend{reasoning.Func{ID: "chatty", Fn: func(context.Context, string, string) (string, error) {
			return "Sure! Here is my analysis...", nil
		}}},
	}
	rec, err := o.Analyze(env.Ctx, op.ID, "", ooda.NoIntelligence)
	require.NoError(t, err)
	assert.Equal(t, "T1003.001", rec.RecommendedTechniqueID)
}

func TestPromptSections(t *testing.T) {
	env := newTestEnv(t)
	op := env.seedOperation(t, nil)
	env.seedTarget(t, op.ID, "DC-01", "", true)
	o := ooda.OrientEngine{Repo: env.Repo}

	system, user, err := o.Prompt(env.Ctx, op.ID, "Collected 0 intelligence items:")
	require.NoError(t, err)
	assert.Contains(t, system, "Provide exactly 3 options")
	for _, section := range []string{
		"## 1. OPERATION BRIEF", "## 2. MISSION TASK TREE", "## 3. KILL CHAIN POSITION",
		"## 4. OPERATIONAL HISTORY", "## 5. PREVIOUS ASSESSMENTS", "## 6. CATEGORIZED INTELLIGENCE",
		"## 7. ASSET STATUS", "## 8. LATEST OBSERVE SUMMARY",
	} {
		assert.Contains(t, user, section)
	}
	assert.Contains(t, user, "- Codename: PHANTOM-EYE")
	assert.Contains(t, user, "Current Stage: Pre-engagement (no tactics executed)")
	assert.Contains(t, user, "First iteration, no prior cycles.")
	assert.Contains(t, user, "No mission steps defined.")
	assert.Contains(t, user, "DC-01 (10.0.1.5) [Domain Controller] OS=unknown")
	assert.Contains(t, user, "COMPROMISED")
	assert.Contains(t, user, "### Completed Techniques\nNone yet")

	_, user, err = o.Prompt(env.Ctx, "missing-op", "")
	require.NoError(t, err)
	assert.Contains(t, user, "- Codename: Unknown")
}
