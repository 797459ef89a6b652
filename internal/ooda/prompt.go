package ooda

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"athena/internal/domain"
	"athena/internal/repo"
)

const systemPrompt = `You are the Orient phase intelligence advisor for Athena C5ISR, a cyber operations command platform. Your role is STRICTLY advisory: analyze intelligence, recommend tactics and explain your reasoning. You NEVER execute attacks.

## Analytical Framework

Apply these 5 rules to every analysis:

### 1. Kill Chain Reasoning (MITRE ATT&CK Progression)
Determine the current position in the ATT&CK kill chain:
TA0043 Reconnaissance → TA0042 Resource Development → TA0001 Initial Access → TA0002 Execution → TA0003 Persistence → TA0004 Privilege Escalation → TA0005 Defense Evasion → TA0006 Credential Access → TA0007 Discovery → TA0008 Lateral Movement → TA0009 Collection → TA0011 C2 → TA0010 Exfiltration → TA0040 Impact.
Identify where we are and what the logical next stage is. Do NOT skip stages without justification.

### 2. Dead Branch Pruning
When a technique has failed, infer the likely reason (EDR detection, insufficient privilege, service not running). Eliminate sibling techniques that share the same failure prerequisite. Recommend alternatives from a DIFFERENT tactic or approach vector.

### 3. Prerequisite Verification
Only recommend techniques whose prerequisites are CONFIRMED by collected intelligence. If a prerequisite is unverified, flag it and suggest a Discovery technique to verify it first.

### 4. Engine Routing
- Caldera: standard MITRE ATT&CK techniques with known ability mappings.
- Shannon: adaptive execution for unknown defenses, high-stealth requirements, or novel environments.
- Default to Caldera unless there is a specific reason for Shannon.

### 5. Risk Calibration
Assess risk based on DETECTION LIKELIHOOD, not just impact:
- low: passive/read-only, minimal footprint (registry reads, WMI queries)
- medium: active but common (LSASS dump with SeDebugPrivilege)
- high: noisy or easily signatured (PsExec lateral movement)
- critical: destructive or highly detectable (DCSync, data exfiltration)

## Output Contract
Respond with ONLY valid JSON (no markdown, no extra text). The JSON must match this schema exactly:
{
  "situation_assessment": "brief situation analysis citing kill chain position",
  "recommended_technique_id": "TXXXX.XXX",
  "confidence": 0.0-1.0,
  "reasoning_text": "detailed reasoning referencing collected intelligence",
  "options": [
    {
      "technique_id": "TXXXX.XXX",
      "technique_name": "Full MITRE Name",
      "reasoning": "why this technique NOW, citing prerequisites and intelligence",
      "risk_level": "low|medium|high|critical",
      "recommended_engine": "caldera|shannon",
      "confidence": 0.0-1.0,
      "prerequisites": ["list of prerequisites with verification status"]
    }
  ]
}
Provide exactly 3 options, ordered by confidence (highest first).`

const (
	promptHistoryDepth     = 3
	promptAssessmentDepth  = 2
	promptAssessmentRunes  = 120
	promptFactLimit        = 30
	promptFactsPerCategory = 5
)

// Prompt assembles the system prompt and the eight-section user prompt for
// an operation.
func (o OrientEngine) Prompt(ctx context.Context, operationID, observeSummary string) (system, user string, err error) {
	r := o.Repo
	op, err := r.GetOperation(ctx, operationID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", "", fmt.Errorf("load operation: %w", err)
	}
	found := err == nil

	steps, err := r.ListMissionSteps(ctx, operationID)
	if err != nil {
		return "", "", fmt.Errorf("mission steps: %w", err)
	}
	tactics, err := r.ExecutedTactics(ctx, operationID)
	if err != nil {
		return "", "", fmt.Errorf("executed tactics: %w", err)
	}
	history, err := r.ListIterations(ctx, operationID, promptHistoryDepth)
	if err != nil {
		return "", "", fmt.Errorf("iteration history: %w", err)
	}
	recs, err := r.RecentRecommendations(ctx, operationID, promptAssessmentDepth)
	if err != nil {
		return "", "", fmt.Errorf("previous assessments: %w", err)
	}
	facts, err := r.ListFactsByCategory(ctx, operationID, promptFactLimit)
	if err != nil {
		return "", "", fmt.Errorf("facts: %w", err)
	}
	targets, err := r.ListTargets(ctx, operationID)
	if err != nil {
		return "", "", fmt.Errorf("targets: %w", err)
	}
	completed, err := r.ListExecutions(ctx, operationID, domain.ExecSuccess, 0)
	if err != nil {
		return "", "", fmt.Errorf("completed executions: %w", err)
	}
	failed, err := r.ListExecutions(ctx, operationID, domain.ExecFailed, 0)
	if err != nil {
		return "", "", fmt.Errorf("failed executions: %w", err)
	}
	agents, err := r.ListAgents(ctx, operationID)
	if err != nil {
		return "", "", fmt.Errorf("agents: %w", err)
	}

	var tacticIDs, tacticNames []string
	for _, t := range tactics {
		tacticIDs = append(tacticIDs, t.TacticID)
		tacticNames = append(tacticNames, fmt.Sprintf("%s (%s)", t.Tactic, t.TacticID))
	}
	current, next := InferKillChain(tacticIDs)

	brief := operationBrief{Codename: "Unknown", Intent: "Unknown", Status: "unknown", Mode: domain.ModeSemiAuto, Threshold: domain.RiskMedium}
	if found {
		brief = operationBrief{Codename: op.Codename, Intent: op.StrategicIntent, Status: op.Status, Threat: op.ThreatLevel, Mode: op.AutomationMode, Threshold: op.RiskThreshold}
	}

	var b strings.Builder
	b.WriteString("## 1. OPERATION BRIEF\n")
	fmt.Fprintf(&b, "- Codename: %s\n- Strategic Intent: %s\n- Status: %s\n- Threat Level: %g\n- Automation Mode: %s\n- Risk Threshold: %s\n\n",
		brief.Codename, brief.Intent, brief.Status, brief.Threat, brief.Mode, brief.Threshold)
	fmt.Fprintf(&b, "## 2. MISSION TASK TREE\n%s\n\n", formatTaskTree(steps))
	fmt.Fprintf(&b, "## 3. KILL CHAIN POSITION\nExecuted Tactics: %s\nCurrent Stage: %s\nNext Logical Stage: %s\n\n",
		orDefault(strings.Join(tacticNames, ", "), "None yet"), current, next)
	fmt.Fprintf(&b, "## 4. OPERATIONAL HISTORY (recent OODA cycles)\n%s\n\n", formatHistory(history))
	fmt.Fprintf(&b, "## 5. PREVIOUS ASSESSMENTS\n%s\n\n", formatAssessments(recs))
	fmt.Fprintf(&b, "## 6. CATEGORIZED INTELLIGENCE\n%s\n\n", formatCategorizedFacts(facts))
	b.WriteString("## 7. ASSET STATUS\n\n")
	fmt.Fprintf(&b, "### Targets\n%s\n\n", formatTargets(targets))
	fmt.Fprintf(&b, "### Completed Techniques\n%s\n\n", formatExecutions(completed, false))
	fmt.Fprintf(&b, "### Failed Techniques\n%s\n\n", formatExecutions(failed, true))
	fmt.Fprintf(&b, "### Active Agents\n%s\n\n", formatAgents(agents))
	fmt.Fprintf(&b, "## 8. LATEST OBSERVE SUMMARY\n%s\n\n", observeSummary)
	b.WriteString("Based on the above intelligence, provide your tactical analysis and 3 options as specified.")
	return systemPrompt, b.String(), nil
}

type operationBrief struct {
	Codename, Intent, Status, Mode, Threshold string
	Threat                                    float64
}

func formatTaskTree(steps []domain.MissionStep) string {
	if len(steps) == 0 {
		return "No mission steps defined."
	}
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		icon := "[ ]"
		switch s.Status {
		case "completed":
			icon = "[x]"
		case "running":
			icon = "[>]"
		case "failed":
			icon = "[!]"
		}
		lines = append(lines, fmt.Sprintf("  %d. %s %s (%s) → %s [%s]", s.StepNumber, icon, s.TechniqueName, s.TechniqueID, s.TargetLabel, s.Engine))
	}
	return strings.Join(lines, "\n")
}

func formatHistory(its []domain.Iteration) string {
	if len(its) == 0 {
		return "First iteration, no prior cycles."
	}
	lines := make([]string, 0, len(its))
	for _, it := range its {
		lines = append(lines, fmt.Sprintf("- Cycle #%d: Observe=%s | Act=%s", it.IterationNumber, orDefault(it.ObserveSummary, "n/a"), orDefault(it.ActSummary, "n/a")))
	}
	return strings.Join(lines, "\n")
}

func formatAssessments(recs []domain.Recommendation) string {
	if len(recs) == 0 {
		return "No prior assessments."
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("- Recommended %s: %s", r.RecommendedTechniqueID, domain.Truncate(r.SituationAssessment, promptAssessmentRunes)))
	}
	return strings.Join(lines, "\n")
}

// formatCategorizedFacts expects facts ordered by category.
func formatCategorizedFacts(facts []domain.Fact) string {
	if len(facts) == 0 {
		return NoIntelligence
	}
	var lines []string
	current, count := "", 0
	for _, f := range facts {
		cat := strings.ToUpper(f.Category)
		if cat != current {
			current, count = cat, 0
			lines = append(lines, fmt.Sprintf("### %s INTELLIGENCE", cat))
		}
		if count < promptFactsPerCategory {
			lines = append(lines, fmt.Sprintf("  - %s: %s", f.Trait, f.Value))
		}
		count++
	}
	return strings.Join(lines, "\n")
}

func formatTargets(targets []domain.Target) string {
	if len(targets) == 0 {
		return "No targets"
	}
	lines := make([]string, 0, len(targets))
	for _, t := range targets {
		state := "SECURE"
		if t.IsCompromised {
			state = "COMPROMISED"
		}
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("- %s (%s) [%s] OS=%s Net=%s %s %s",
			t.Hostname, t.IPAddress, t.Role, orDefault(t.OS, "unknown"), orDefault(t.NetworkSegment, "unknown"), state, t.PrivilegeLevel)))
	}
	return strings.Join(lines, "\n")
}

func formatExecutions(execs []domain.Execution, failed bool) string {
	if len(execs) == 0 {
		if failed {
			return "None"
		}
		return "None yet"
	}
	lines := make([]string, 0, len(execs))
	for _, e := range execs {
		var detail string
		if failed {
			detail = orDefault(deref(e.ErrorMessage), "failed")
		} else {
			detail = orDefault(deref(e.ResultSummary), "completed")
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", e.TechniqueID, detail))
	}
	return strings.Join(lines, "\n")
}

func formatAgents(agents []domain.Agent) string {
	if len(agents) == 0 {
		return "No agents"
	}
	lines := make([]string, 0, len(agents))
	for _, a := range agents {
		lines = append(lines, fmt.Sprintf("- %s [%s] %s (%s)", a.Paw, a.Status, a.Privilege, a.Platform))
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
