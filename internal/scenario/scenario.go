// Package scenario loads operation fixtures (operation, targets, agents,
// technique catalog and mission plan) from YAML into the store.
package scenario

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"athena/internal/domain"
	"athena/internal/repo"
)

//go:embed demo.yml
var demoYAML []byte

type Scenario struct {
	Operation  Operation   `yaml:"operation"`
	Targets    []Target    `yaml:"targets"`
	Agents     []Agent     `yaml:"agents"`
	Techniques []Technique `yaml:"techniques"`
	Mission    []Step      `yaml:"mission"`
}

type Operation struct {
	Code            string  `yaml:"code"`
	Name            string  `yaml:"name"`
	Codename        string  `yaml:"codename"`
	StrategicIntent string  `yaml:"strategic_intent"`
	Status          string  `yaml:"status"`
	ThreatLevel     float64 `yaml:"threat_level"`
	AutomationMode  string  `yaml:"automation_mode"`
	RiskThreshold   string  `yaml:"risk_threshold"`
	StealthLevel    string  `yaml:"stealth_level"`
}

type Target struct {
	Hostname       string `yaml:"hostname"`
	IPAddress      string `yaml:"ip_address"`
	OS             string `yaml:"os"`
	Role           string `yaml:"role"`
	NetworkSegment string `yaml:"network_segment"`
	Compromised    bool   `yaml:"compromised"`
	PrivilegeLevel string `yaml:"privilege_level"`
}

type Agent struct {
	Paw       string `yaml:"paw"`
	Host      string `yaml:"host"`
	Status    string `yaml:"status"`
	Privilege string `yaml:"privilege"`
	Platform  string `yaml:"platform"`
}

type Technique struct {
	MitreID          string `yaml:"mitre_id"`
	Name             string `yaml:"name"`
	Tactic           string `yaml:"tactic"`
	TacticID         string `yaml:"tactic_id"`
	RiskLevel        string `yaml:"risk_level"`
	CalderaAbilityID string `yaml:"caldera_ability_id"`
}

// Step is one mission plan entry. Target names a scenario hostname.
type Step struct {
	TechniqueID string `yaml:"technique_id"`
	Target      string `yaml:"target"`
	Label       string `yaml:"label"`
	Engine      string `yaml:"engine"`
	Status      string `yaml:"status"`
}

// Demo returns the built-in PHANTOM-EYE scenario.
func Demo() *Scenario {
	s, err := Parse(demoYAML)
	if err != nil {
		panic(fmt.Sprintf("demo scenario: %v", err))
	}
	return s
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates references.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid scenario yaml: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	op := &s.Operation
	if op.Name == "" {
		op.Name = op.Codename
	}
	if op.Status == "" {
		op.Status = "planning"
	}
	if op.AutomationMode == "" {
		op.AutomationMode = domain.ModeSemiAuto
	}
	if op.RiskThreshold == "" {
		op.RiskThreshold = domain.RiskMedium
	}
	if op.StealthLevel == "" {
		op.StealthLevel = domain.StealthNormal
	}
	for i := range s.Agents {
		a := &s.Agents[i]
		if a.Status == "" {
			a.Status = domain.AgentPending
		}
		if a.Privilege == "" {
			a.Privilege = "User"
		}
		if a.Platform == "" {
			a.Platform = "windows"
		}
	}
	for i := range s.Techniques {
		if s.Techniques[i].RiskLevel == "" {
			s.Techniques[i].RiskLevel = domain.RiskMedium
		}
	}
	for i := range s.Mission {
		st := &s.Mission[i]
		if st.Engine == "" {
			st.Engine = "caldera"
		}
		if st.Status == "" {
			st.Status = domain.ExecQueued
		}
		if st.Label == "" {
			st.Label = st.Target
		}
	}
}

// Validate checks required fields, enum values and hostname references.
func (s *Scenario) Validate() error {
	op := s.Operation
	if strings.TrimSpace(op.Code) == "" || strings.TrimSpace(op.Codename) == "" {
		return fmt.Errorf("scenario.operation requires code and codename")
	}
	switch op.Status {
	case "planning", "active", "paused", "completed", "aborted":
	default:
		return fmt.Errorf("scenario.operation.status %q is invalid", op.Status)
	}
	if op.AutomationMode != domain.ModeManual && op.AutomationMode != domain.ModeSemiAuto {
		return fmt.Errorf("scenario.operation.automation_mode %q is invalid", op.AutomationMode)
	}
	if !domain.ValidRisk(op.RiskThreshold) {
		return fmt.Errorf("scenario.operation.risk_threshold %q is invalid", op.RiskThreshold)
	}
	if op.StealthLevel != domain.StealthNormal && op.StealthLevel != domain.StealthMaximum {
		return fmt.Errorf("scenario.operation.stealth_level %q is invalid", op.StealthLevel)
	}
	hosts := map[string]bool{}
	for i, t := range s.Targets {
		if t.Hostname == "" || t.IPAddress == "" || t.Role == "" {
			return fmt.Errorf("scenario.targets[%d] requires hostname, ip_address and role", i)
		}
		if hosts[t.Hostname] {
			return fmt.Errorf("scenario.targets[%d]: duplicate hostname %s", i, t.Hostname)
		}
		hosts[t.Hostname] = true
	}
	for i, a := range s.Agents {
		if a.Paw == "" {
			return fmt.Errorf("scenario.agents[%d] requires paw", i)
		}
		if a.Host != "" && !hosts[a.Host] {
			return fmt.Errorf("scenario.agents[%d]: unknown host %s", i, a.Host)
		}
		switch a.Status {
		case domain.AgentAlive, domain.AgentDead, domain.AgentPending, domain.AgentUntrusted:
		default:
			return fmt.Errorf("scenario.agents[%d].status %q is invalid", i, a.Status)
		}
	}
	techniques := map[string]bool{}
	for i, t := range s.Techniques {
		if t.MitreID == "" || t.Name == "" || t.TacticID == "" {
			return fmt.Errorf("scenario.techniques[%d] requires mitre_id, name and tactic_id", i)
		}
		if !domain.ValidRisk(t.RiskLevel) {
			return fmt.Errorf("scenario.techniques[%d].risk_level %q is invalid", i, t.RiskLevel)
		}
		techniques[t.MitreID] = true
	}
	for i, st := range s.Mission {
		if !techniques[st.TechniqueID] {
			return fmt.Errorf("scenario.mission[%d]: unknown technique %s", i, st.TechniqueID)
		}
		if st.Target != "" && !hosts[st.Target] {
			return fmt.Errorf("scenario.mission[%d]: unknown target %s", i, st.Target)
		}
	}
	return nil
}

// Import writes the scenario in one transaction and returns the new operation.
func Import(ctx context.Context, r repo.Repo, s *Scenario, now time.Time) (domain.Operation, error) {
	ts := domain.FormatTime(now)
	op := domain.Operation{
		ID:              uuid.NewString(),
		Code:            s.Operation.Code,
		Name:            s.Operation.Name,
		Codename:        s.Operation.Codename,
		StrategicIntent: s.Operation.StrategicIntent,
		Status:          s.Operation.Status,
		CurrentPhase:    domain.PhaseObserve,
		ThreatLevel:     s.Operation.ThreatLevel,
		TechniquesTotal: len(s.Mission),
		AutomationMode:  s.Operation.AutomationMode,
		RiskThreshold:   s.Operation.RiskThreshold,
		StealthLevel:    s.Operation.StealthLevel,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if _, err := r.GetOperationByCode(ctx, op.Code); err == nil {
		return domain.Operation{}, fmt.Errorf("operation %s already exists", op.Code)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	if err := r.InsertOperationTx(ctx, tx, op); err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	hostIDs := map[string]string{}
	for _, t := range s.Targets {
		id := uuid.NewString()
		hostIDs[t.Hostname] = id
		if err := r.InsertTargetTx(ctx, tx, domain.Target{
			ID: id, OperationID: op.ID, Hostname: t.Hostname, IPAddress: t.IPAddress, OS: t.OS, Role: t.Role,
			NetworkSegment: t.NetworkSegment, IsCompromised: t.Compromised, PrivilegeLevel: t.PrivilegeLevel, CreatedAt: ts,
		}); err != nil {
			return domain.Operation{}, fmt.Errorf("insert target %s: %w", t.Hostname, err)
		}
	}
	for _, a := range s.Agents {
		agent := domain.Agent{
			ID: uuid.NewString(), OperationID: op.ID, Paw: a.Paw, Status: a.Status,
			Privilege: a.Privilege, Platform: a.Platform, CreatedAt: ts,
		}
		if id, ok := hostIDs[a.Host]; ok {
			agent.HostID = &id
		}
		if err := r.UpsertAgentTx(ctx, tx, agent); err != nil {
			return domain.Operation{}, fmt.Errorf("insert agent %s: %w", a.Paw, err)
		}
	}
	names := map[string]string{}
	for _, t := range s.Techniques {
		names[t.MitreID] = t.Name
		if err := r.UpsertTechniqueTx(ctx, tx, domain.Technique{
			ID: uuid.NewString(), MitreID: t.MitreID, Name: t.Name, Tactic: t.Tactic, TacticID: t.TacticID,
			RiskLevel: t.RiskLevel, CalderaAbilityID: t.CalderaAbilityID,
		}); err != nil {
			return domain.Operation{}, fmt.Errorf("upsert technique %s: %w", t.MitreID, err)
		}
	}
	for i, st := range s.Mission {
		if err := r.InsertMissionStepTx(ctx, tx, domain.MissionStep{
			ID: uuid.NewString(), OperationID: op.ID, StepNumber: i + 1, TechniqueID: st.TechniqueID,
			TechniqueName: names[st.TechniqueID], TargetID: hostIDs[st.Target], TargetLabel: st.Label,
			Engine: st.Engine, Status: st.Status,
		}); err != nil {
			return domain.Operation{}, fmt.Errorf("insert mission step %d: %w", i+1, err)
		}
	}
	if err := r.SetActiveAgents(ctx, tx, op.ID); err != nil {
		return domain.Operation{}, fmt.Errorf("count active agents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return r.GetOperation(ctx, op.ID)
}
