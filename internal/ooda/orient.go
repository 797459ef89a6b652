package ooda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"athena/internal/domain"
	"athena/internal/notify"
	"athena/internal/reasoning"
	"athena/internal/repo"
)

// OrientEngine produces the recommendation for a cycle.
type OrientEngine struct {
	Repo repo.Repo
	Sink notify.Sink
	// Backends are tried in order. With none, the canned recommendation is used.
	Backends []reasoning.Backend
	// Timeout bounds each backend call.
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

// CannedRecommendation is returned when no backend produced a usable answer.
func CannedRecommendation() domain.Recommendation {
	return domain.Recommendation{
		SituationAssessment: "Target DC-01 runs Windows Server 2019 with SeDebugPrivilege available. " +
			"Initial access established via WS-PC01. Agent AGENT-7F3A has SYSTEM on DC-01. " +
			"Lateral movement options open to remaining hosts.",
		RecommendedTechniqueID: "T1003.001",
		Confidence:             0.87,
		ReasoningText: "Target DC-01 runs Windows Server 2019 with SeDebugPrivilege available. " +
			"LSASS process memory contains NTLM hashes for lateral movement. " +
			"Credential access is the logical next step before expanding foothold.",
		Options: []domain.Option{
			{
				TechniqueID:       "T1003.001",
				TechniqueName:     "OS Credential Dumping: LSASS Memory",
				Reasoning:         "SeDebugPrivilege available on DC-01, direct LSASS dump for NTLM hashes.",
				RiskLevel:         domain.RiskMedium,
				RecommendedEngine: "caldera",
				Confidence:        0.87,
				Prerequisites:     []string{"SeDebugPrivilege (available)", "Local Admin (confirmed)"},
			},
			{
				TechniqueID:       "T1134",
				TechniqueName:     "Access Token Manipulation",
				Reasoning:         "Stealthier approach using token impersonation, lower detection risk.",
				RiskLevel:         domain.RiskLow,
				RecommendedEngine: "caldera",
				Confidence:        0.72,
				Prerequisites:     []string{"SeImpersonatePrivilege"},
			},
			{
				TechniqueID:       "T1548.002",
				TechniqueName:     "Abuse Elevation Control: Bypass UAC",
				Reasoning:         "UAC bypass on workstations for privilege escalation without credential dump.",
				RiskLevel:         domain.RiskLow,
				RecommendedEngine: "shannon",
				Confidence:        0.65,
				Prerequisites:     []string{"Local Admin on target workstation"},
			},
		},
	}
}

// Analyze builds the prompt, asks the backends, validates the answer and
// stores the resulting recommendation linked to iterationID. Backend and
// parse failures fall back to the canned recommendation; only storage
// errors are returned.
func (o OrientEngine) Analyze(ctx context.Context, operationID, iterationID, observeSummary string) (domain.Recommendation, error) {
	log := loggerOr(o.Logger, "orient").With(zap.String("operation_id", operationID))
	rec := CannedRecommendation()
	if len(o.Backends) > 0 {
		system, user, err := o.Prompt(ctx, operationID, observeSummary)
		if err != nil {
			return domain.Recommendation{}, err
		}
		if raw, backend, ok := o.complete(ctx, log, system, user); ok {
			parsed, err := ParseRecommendation(raw)
			if err != nil {
				log.Warn("invalid reasoning response, using canned recommendation",
					zap.String("backend", backend), zap.Error(err), zap.String("response", domain.Truncate(raw, 200)))
			} else {
				rec = parsed
			}
		}
	}

	rec.ID = uuid.NewString()
	rec.OperationID = operationID
	rec.CreatedAt = domain.FormatTime(nowOr(o.Now))
	if iterationID != "" {
		rec.IterationID = &iterationID
	}
	if err := o.Repo.InsertRecommendation(ctx, rec); err != nil {
		return domain.Recommendation{}, fmt.Errorf("insert recommendation: %w", err)
	}
	if iterationID != "" {
		if err := o.Repo.LinkIterationRecommendation(ctx, iterationID, rec.ID); err != nil {
			return domain.Recommendation{}, fmt.Errorf("link recommendation: %w", err)
		}
	}
	sinkOr(o.Sink).Broadcast(operationID, notify.EventRecommendation, rec)
	return rec, nil
}

func (o OrientEngine) complete(ctx context.Context, log *zap.Logger, system, user string) (string, string, bool) {
	for _, b := range o.Backends {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		}
		raw, err := b.Complete(callCtx, system, user)
		cancel()
		if err == nil {
			return raw, b.Name(), true
		}
		if errors.Is(err, reasoning.ErrNotConfigured) {
			log.Debug("reasoning backend not configured", zap.String("backend", b.Name()))
			continue
		}
		log.Warn("reasoning backend failed", zap.String("backend", b.Name()), zap.Error(err))
	}
	log.Warn("no reasoning backend answered, using canned recommendation")
	return "", "", false
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```")

type rawRecommendation struct {
	SituationAssessment    string          `json:"situation_assessment"`
	RecommendedTechniqueID string          `json:"recommended_technique_id"`
	Confidence             *float64        `json:"confidence"`
	ReasoningText          string          `json:"reasoning_text"`
	Options                []domain.Option `json:"options"`
}

// ParseRecommendation decodes a backend response, unwrapping a fenced code
// block if present, and validates its shape.
func ParseRecommendation(raw string) (domain.Recommendation, error) {
	cleaned := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}
	var r rawRecommendation
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return domain.Recommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	switch {
	case strings.TrimSpace(r.SituationAssessment) == "":
		return domain.Recommendation{}, errors.New("missing situation_assessment")
	case strings.TrimSpace(r.RecommendedTechniqueID) == "":
		return domain.Recommendation{}, errors.New("missing recommended_technique_id")
	case r.Confidence == nil:
		return domain.Recommendation{}, errors.New("missing confidence")
	case !unitInterval(*r.Confidence):
		return domain.Recommendation{}, fmt.Errorf("confidence %v outside [0,1]", *r.Confidence)
	case len(r.Options) != 3:
		return domain.Recommendation{}, fmt.Errorf("want 3 options, got %d", len(r.Options))
	}
	for i, opt := range r.Options {
		if !domain.ValidRisk(opt.RiskLevel) {
			return domain.Recommendation{}, fmt.Errorf("option %d: invalid risk_level %q", i+1, opt.RiskLevel)
		}
		if !unitInterval(opt.Confidence) {
			return domain.Recommendation{}, fmt.Errorf("option %d: confidence %v outside [0,1]", i+1, opt.Confidence)
		}
		if r.Options[i].Prerequisites == nil {
			r.Options[i].Prerequisites = []string{}
		}
	}
	return domain.Recommendation{
		SituationAssessment:    r.SituationAssessment,
		RecommendedTechniqueID: r.RecommendedTechniqueID,
		Confidence:             *r.Confidence,
		ReasoningText:          r.ReasoningText,
		Options:                r.Options,
	}, nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
