package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical ordering matches chronological ordering.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

const (
	ModeManual   = "manual"
	ModeSemiAuto = "semi_auto"
)

const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RiskRank orders risk levels low < medium < high < critical. Unknown levels
// rank as medium.
func RiskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 1
	}
}

// ValidRisk reports whether level is one of the four known risk levels.
func ValidRisk(level string) bool {
	switch level {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

const (
	PhaseObserve = "observe"
	PhaseOrient  = "orient"
	PhaseDecide  = "decide"
	PhaseAct     = "act"
)

// Phases lists the OODA phases in cycle order.
var Phases = []string{PhaseObserve, PhaseOrient, PhaseDecide, PhaseAct}

// ValidPhase reports whether p names an OODA phase.
func ValidPhase(p string) bool {
	switch p {
	case PhaseObserve, PhaseOrient, PhaseDecide, PhaseAct:
		return true
	}
	return false
}

const (
	ExecQueued  = "queued"
	ExecRunning = "running"
	ExecSuccess = "success"
	ExecFailed  = "failed"
)

const (
	CategoryCredential    = "credential"
	CategoryHost          = "host"
	CategoryNetwork       = "network"
	CategoryService       = "service"
	CategoryVulnerability = "vulnerability"
	CategoryFile          = "file"
)

const (
	AgentAlive     = "alive"
	AgentDead      = "dead"
	AgentPending   = "pending"
	AgentUntrusted = "untrusted"
)

const (
	StealthNormal  = "normal"
	StealthMaximum = "maximum"
)

// Domains lists the six C5ISR domains in reporting order.
var Domains = []string{"command", "control", "comms", "computers", "cyber", "isr"}

type Operation struct {
	ID                 string  `json:"id"`
	Code               string  `json:"code"`
	Name               string  `json:"name"`
	Codename           string  `json:"codename"`
	StrategicIntent    string  `json:"strategic_intent"`
	Status             string  `json:"status" enum:"planning,active,paused,completed,aborted"`
	CurrentPhase       string  `json:"current_ooda_phase" enum:"observe,orient,decide,act"`
	IterationCount     int     `json:"ooda_iteration_count"`
	ThreatLevel        float64 `json:"threat_level"`
	SuccessRate        float64 `json:"success_rate"`
	TechniquesExecuted int     `json:"techniques_executed"`
	TechniquesTotal    int     `json:"techniques_total"`
	ActiveAgents       int     `json:"active_agents"`
	AutomationMode     string  `json:"automation_mode" enum:"manual,semi_auto"`
	RiskThreshold      string  `json:"risk_threshold" enum:"low,medium,high,critical"`
	StealthLevel       string  `json:"stealth_level" enum:"normal,maximum"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type Target struct {
	ID             string `json:"id"`
	OperationID    string `json:"operation_id"`
	Hostname       string `json:"hostname"`
	IPAddress      string `json:"ip_address"`
	OS             string `json:"os,omitempty"`
	Role           string `json:"role"`
	NetworkSegment string `json:"network_segment,omitempty"`
	IsCompromised  bool   `json:"is_compromised"`
	PrivilegeLevel string `json:"privilege_level,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID          string  `json:"id"`
	OperationID string  `json:"operation_id"`
	Paw         string  `json:"paw"`
	HostID      *string `json:"host_id,omitempty"`
	Status      string  `json:"status" enum:"alive,dead,pending,untrusted"`
	Privilege   string  `json:"privilege"`
	Platform    string  `json:"platform"`
	LastBeacon  *string `json:"last_beacon,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Technique struct {
	ID               string `json:"id"`
	MitreID          string `json:"mitre_id"`
	Name             string `json:"name"`
	Tactic           string `json:"tactic"`
	TacticID         string `json:"tactic_id"`
	RiskLevel        string `json:"risk_level"`
	CalderaAbilityID string `json:"caldera_ability_id,omitempty"`
}

type MissionStep struct {
	ID            string `json:"id"`
	OperationID   string `json:"operation_id"`
	StepNumber    int    `json:"step_number"`
	TechniqueID   string `json:"technique_id"`
	TechniqueName string `json:"technique_name"`
	TargetID      string `json:"target_id,omitempty"`
	TargetLabel   string `json:"target_label"`
	Engine        string `json:"engine"`
	Status        string `json:"status"`
}

type Iteration struct {
	ID                   string  `json:"id"`
	OperationID          string  `json:"operation_id"`
	IterationNumber      int     `json:"iteration_number"`
	Phase                string  `json:"phase" enum:"observe,orient,decide,act"`
	ObserveSummary       string  `json:"observe_summary"`
	OrientSummary        string  `json:"orient_summary"`
	DecideSummary        string  `json:"decide_summary"`
	ActSummary           string  `json:"act_summary"`
	RecommendationID     *string `json:"recommendation_id,omitempty"`
	TechniqueExecutionID *string `json:"technique_execution_id,omitempty"`
	StartedAt            string  `json:"started_at" format:"date-time"`
	CompletedAt          *string `json:"completed_at,omitempty" format:"date-time"`
}

// OptionsVersion is the schema version of the stored options document.
const OptionsVersion = 1

type Option struct {
	TechniqueID       string   `json:"technique_id"`
	TechniqueName     string   `json:"technique_name"`
	Reasoning         string   `json:"reasoning"`
	RiskLevel         string   `json:"risk_level" enum:"low,medium,high,critical"`
	RecommendedEngine string   `json:"recommended_engine"`
	Confidence        float64  `json:"confidence"`
	Prerequisites     []string `json:"prerequisites"`
}

type Recommendation struct {
	ID                     string   `json:"id"`
	OperationID            string   `json:"operation_id"`
	IterationID            *string  `json:"ooda_iteration_id,omitempty"`
	SituationAssessment    string   `json:"situation_assessment"`
	RecommendedTechniqueID string   `json:"recommended_technique_id"`
	Confidence             float64  `json:"confidence"`
	Options                []Option `json:"options"`
	ReasoningText          string   `json:"reasoning_text"`
	Accepted               *bool    `json:"accepted,omitempty"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
}

// Decision is the transient outcome of the decide phase.
type Decision struct {
	TechniqueID       string `json:"technique_id"`
	TargetID          string `json:"target_id,omitempty"`
	Engine            string `json:"engine"`
	RiskLevel         string `json:"risk_level"`
	AutoApproved      bool   `json:"auto_approved"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
	NeedsManual       bool   `json:"needs_manual"`
	Reason            string `json:"reason"`
}

type Fact struct {
	ID                string  `json:"id"`
	OperationID       string  `json:"operation_id"`
	Trait             string  `json:"trait"`
	Value             string  `json:"value"`
	Category          string  `json:"category" enum:"credential,host,network,service,vulnerability,file"`
	SourceTechniqueID *string `json:"source_technique_id,omitempty"`
	SourceTargetID    *string `json:"source_target_id,omitempty"`
	Score             int     `json:"score"`
	CollectedAt       string  `json:"collected_at" format:"date-time"`
}

type Execution struct {
	ID                  string  `json:"id"`
	OperationID         string  `json:"operation_id"`
	IterationID         *string `json:"ooda_iteration_id,omitempty"`
	TechniqueID         string  `json:"technique_id"`
	TargetID            string  `json:"target_id"`
	Engine              string  `json:"engine"`
	Status              string  `json:"status" enum:"queued,running,success,failed"`
	ResultSummary       *string `json:"result_summary,omitempty"`
	FactsCollectedCount int     `json:"facts_collected_count"`
	StartedAt           *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
	ErrorMessage        *string `json:"error_message,omitempty"`
}

type DomainHealth struct {
	ID          string  `json:"id"`
	OperationID string  `json:"operation_id"`
	Domain      string  `json:"domain" enum:"command,control,comms,computers,cyber,isr"`
	Status      string  `json:"status"`
	HealthPct   float64 `json:"health_pct"`
	Detail      string  `json:"detail"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type LogEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"timestamp" format:"date-time"`
	Severity    string `json:"severity" enum:"info,success,warning,error,critical"`
	Source      string `json:"source"`
	Message     string `json:"message"`
	OperationID string `json:"operation_id,omitempty"`
	TechniqueID string `json:"technique_id,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
}

// Truncate returns s cut to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
