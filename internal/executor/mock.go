package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var mockResults = map[string]Result{
	"T1595.001": {
		Success: true,
		Output:  "Active scan completed. Discovered 5 hosts on 10.0.1.0/24.",
		Facts: []Fact{
			{Trait: "network.host.ip", Value: "10.0.1.5"},
			{Trait: "network.host.ip", Value: "10.0.1.20"},
			{Trait: "network.host.ip", Value: "10.0.1.21"},
			{Trait: "network.host.ip", Value: "10.0.1.30"},
			{Trait: "network.host.ip", Value: "10.0.1.40"},
		},
	},
	"T1003.001": {
		Success: true,
		Output:  "LSASS memory dump successful. Extracted NTLM hashes.",
		Facts: []Fact{
			{Trait: "credential.hash", Value: "Administrator:aad3b435b51404eeaad3b435b51404ee:..."},
			{Trait: "credential.hash", Value: "svc_sql:aad3b435b51404eeaad3b435b51404ee:..."},
		},
	},
	"T1021.002": {
		Success: true,
		Output:  "SMB lateral movement to WS-PC01 via Admin$ share.",
		Facts:   []Fact{{Trait: "host.session", Value: "WS-PC01:Admin"}},
	},
	"T1059.001": {
		Success: true,
		Output:  "PowerShell execution completed.",
		Facts:   []Fact{{Trait: "host.process", Value: "powershell.exe:pid=4312"}},
	},
}

// Mock returns pre-recorded results without contacting any engine. It
// stands in for Caldera in demo mode and in tests.
type Mock struct {
	// Delay is waited before each result; zero returns immediately.
	Delay time.Duration
	// Overrides replaces the canned result for an ability id.
	Overrides map[string]Result
	// Err, when set, is returned by every Execute call.
	Err error
	// Unavailable makes Available report false.
	Unavailable bool
	// EngineName overrides Name, so the mock can stand in for any engine.
	EngineName string
}

func (m *Mock) Name() string {
	if m.EngineName != "" {
		return m.EngineName
	}
	return EngineCaldera
}

func (m *Mock) Execute(ctx context.Context, abilityID, target string, _ map[string]string) (Result, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	if m.Err != nil {
		return Result{}, m.Err
	}
	id := uuid.NewString()
	tpl, ok := m.Overrides[abilityID]
	if !ok {
		tpl, ok = mockResults[abilityID]
	}
	if !ok {
		return Result{Success: true, ID: id, Output: fmt.Sprintf("Mock execution of %s on %s completed.", abilityID, target)}, nil
	}
	res := tpl
	res.ID = id
	res.Facts = append([]Fact(nil), tpl.Facts...)
	return res, nil
}

func (m *Mock) Status(context.Context, string) (string, error) { return "finished", nil }

func (m *Mock) Abilities(context.Context) ([]Ability, error) {
	ids := make([]string, 0, len(mockResults))
	for id := range mockResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Ability, 0, len(ids))
	for _, id := range ids {
		out = append(out, Ability{ID: id, Name: id, TechniqueID: id, Tactic: "various"})
	}
	return out, nil
}

func (m *Mock) Available(context.Context) bool { return !m.Unavailable }
