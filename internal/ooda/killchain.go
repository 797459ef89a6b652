package ooda

import "fmt"

// Stage is one tactic of the ATT&CK enterprise kill chain.
type Stage struct {
	TacticID string
	Name     string
}

// KillChain lists the ATT&CK tactics in progression order.
var KillChain = []Stage{
	{"TA0043", "Reconnaissance"},
	{"TA0042", "Resource Development"},
	{"TA0001", "Initial Access"},
	{"TA0002", "Execution"},
	{"TA0003", "Persistence"},
	{"TA0004", "Privilege Escalation"},
	{"TA0005", "Defense Evasion"},
	{"TA0006", "Credential Access"},
	{"TA0007", "Discovery"},
	{"TA0008", "Lateral Movement"},
	{"TA0009", "Collection"},
	{"TA0011", "Command and Control"},
	{"TA0010", "Exfiltration"},
	{"TA0040", "Impact"},
}

const (
	stagePreEngagement = "Pre-engagement (no tactics executed)"
	stageUnknown       = "Unknown (tactics not in kill chain)"
)

func (s Stage) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.TacticID)
}

// InferKillChain returns the furthest stage reached by the executed tactics
// and the stage that follows it.
func InferKillChain(tacticIDs []string) (current, next string) {
	if len(tacticIDs) == 0 {
		return stagePreEngagement, KillChain[0].Name
	}
	maxIdx := -1
	for _, id := range tacticIDs {
		for i, st := range KillChain {
			if st.TacticID == id && i > maxIdx {
				maxIdx = i
			}
		}
	}
	if maxIdx < 0 {
		return stageUnknown, KillChain[0].Name
	}
	nextIdx := min(maxIdx+1, len(KillChain)-1)
	return KillChain[maxIdx].String(), KillChain[nextIdx].String()
}
