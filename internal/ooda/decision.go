package ooda

import (
	"context"
	"errors"
	"fmt"

	"athena/internal/domain"
	"athena/internal/executor"
	"athena/internal/repo"
)

const lowConfidence = 0.5

// Policy is an operation's approval configuration.
type Policy struct {
	Mode      string
	Threshold string
	// PrimaryEngine fills in an option without a recommended engine.
	PrimaryEngine string
}

// SelectedOption returns the option matching the recommended technique, or
// the first option, or false when there are none.
func SelectedOption(rec domain.Recommendation) (domain.Option, bool) {
	for _, o := range rec.Options {
		if o.TechniqueID == rec.RecommendedTechniqueID {
			return o, true
		}
	}
	if len(rec.Options) > 0 {
		return rec.Options[0], true
	}
	return domain.Option{}, false
}

// Evaluate applies the approval gate. Manual mode, low confidence and
// critical risk each block auto-approval on their own.
func Evaluate(p Policy, rec domain.Recommendation, targetID string) domain.Decision {
	mode := p.Mode
	if mode == "" {
		mode = domain.ModeSemiAuto
	}
	threshold := p.Threshold
	if !domain.ValidRisk(threshold) {
		threshold = domain.RiskMedium
	}
	primary := p.PrimaryEngine
	if primary == "" {
		primary = executor.EngineCaldera
	}

	opt, _ := SelectedOption(rec)
	risk := opt.RiskLevel
	if !domain.ValidRisk(risk) {
		risk = domain.RiskMedium
	}
	engine := opt.RecommendedEngine
	if engine == "" {
		engine = primary
	}

	d := domain.Decision{
		TechniqueID: rec.RecommendedTechniqueID,
		TargetID:    targetID,
		Engine:      engine,
		RiskLevel:   risk,
	}
	if d.TechniqueID == "" {
		d.TechniqueID = opt.TechniqueID
	}

	switch {
	case mode == domain.ModeManual:
		d.NeedsConfirmation, d.NeedsManual = true, true
		d.Reason = "Manual mode: all decisions require commander approval"
	case rec.Confidence < lowConfidence:
		d.NeedsConfirmation = true
		d.NeedsManual = risk == domain.RiskCritical
		d.Reason = fmt.Sprintf("Low confidence (%.0f%%): requires manual review", rec.Confidence*100)
	case risk == domain.RiskCritical:
		d.NeedsConfirmation, d.NeedsManual = true, true
		d.Reason = "Critical risk: requires manual authorization"
	case risk == domain.RiskHigh:
		d.NeedsConfirmation = true
		d.Reason = "High risk: requires commander confirmation"
	case domain.RiskRank(risk) <= domain.RiskRank(threshold):
		d.AutoApproved = true
		d.Reason = fmt.Sprintf("Risk (%s) within threshold (%s)", risk, threshold)
	default:
		d.NeedsConfirmation = true
		d.Reason = fmt.Sprintf("Risk (%s) exceeds threshold (%s): requires commander confirmation", risk, threshold)
	}
	return d
}

// DecisionEngine loads an operation's policy and preferred target before
// evaluating a recommendation.
type DecisionEngine struct {
	Repo          repo.Repo
	PrimaryEngine string
	Metrics       *Metrics
}

func (de DecisionEngine) Decide(ctx context.Context, operationID string, rec domain.Recommendation) (domain.Decision, error) {
	op, err := de.Repo.GetOperation(ctx, operationID)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load operation: %w", err)
	}
	var targetID string
	t, err := de.Repo.PreferredTarget(ctx, operationID)
	switch {
	case err == nil:
		targetID = t.ID
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Decision{}, fmt.Errorf("preferred target: %w", err)
	}
	d := Evaluate(Policy{Mode: op.AutomationMode, Threshold: op.RiskThreshold, PrimaryEngine: de.PrimaryEngine}, rec, targetID)
	switch {
	case d.AutoApproved:
		de.Metrics.decision(outcomeAutoApproved)
	case d.NeedsManual:
		de.Metrics.decision(outcomeManual)
	default:
		de.Metrics.decision(outcomeConfirmation)
	}
	return d, nil
}
