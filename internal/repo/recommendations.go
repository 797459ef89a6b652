package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"athena/internal/domain"
)

const recommendationColumns = `id,operation_id,ooda_iteration_id,situation_assessment,recommended_technique_id,confidence,
options_version,options,reasoning_text,accepted,created_at`

type optionsDocument struct {
	Version int             `json:"version"`
	Options []domain.Option `json:"options"`
}

// EncodeOptions renders options as the versioned document stored in the
// recommendations table.
func EncodeOptions(opts []domain.Option) (string, error) {
	if opts == nil {
		opts = []domain.Option{}
	}
	b, err := json.Marshal(optionsDocument{Version: domain.OptionsVersion, Options: opts})
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	return string(b), nil
}

// DecodeOptions parses a stored options document of the given version.
func DecodeOptions(version int, raw string) ([]domain.Option, error) {
	if version != domain.OptionsVersion {
		return nil, fmt.Errorf("unsupported options version %d", version)
	}
	var doc optionsDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if doc.Version != version {
		return nil, fmt.Errorf("options document version %d does not match column version %d", doc.Version, version)
	}
	return doc.Options, nil
}

func scanRecommendation(s scanner) (domain.Recommendation, error) {
	var rec domain.Recommendation
	var iter sql.NullString
	var accepted sql.NullBool
	var version int
	var raw string
	err := s.Scan(&rec.ID, &rec.OperationID, &iter, &rec.SituationAssessment, &rec.RecommendedTechniqueID, &rec.Confidence,
		&version, &raw, &rec.ReasoningText, &accepted, &rec.CreatedAt)
	if err != nil {
		return rec, notFound(err)
	}
	rec.IterationID = strPtr(iter)
	if accepted.Valid {
		v := accepted.Bool
		rec.Accepted = &v
	}
	opts, err := DecodeOptions(version, raw)
	if err != nil {
		return rec, err
	}
	rec.Options = opts
	return rec, nil
}

func (r Repo) InsertRecommendation(ctx context.Context, rec domain.Recommendation) error {
	raw, err := EncodeOptions(rec.Options)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO recommendations(id,operation_id,ooda_iteration_id,situation_assessment,recommended_technique_id,
confidence,options_version,options,reasoning_text,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OperationID, nullableStringPtr(rec.IterationID), rec.SituationAssessment, rec.RecommendedTechniqueID,
		rec.Confidence, domain.OptionsVersion, raw, rec.ReasoningText, rec.CreatedAt)
	return err
}

func (r Repo) GetRecommendation(ctx context.Context, id string) (domain.Recommendation, error) {
	return scanRecommendation(r.DB.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id=?`, id))
}

func (r Repo) LatestRecommendation(ctx context.Context, operationID string) (domain.Recommendation, error) {
	return scanRecommendation(r.DB.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE operation_id=?
ORDER BY created_at DESC, rowid DESC LIMIT 1`, operationID))
}

// RecentRecommendations returns up to n recommendations, newest first.
func (r Repo) RecentRecommendations(ctx context.Context, operationID string, n int) ([]domain.Recommendation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE operation_id=?
ORDER BY created_at DESC, rowid DESC LIMIT ?`, operationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// AcceptRecommendation marks a recommendation of the operation as accepted.
func (r Repo) AcceptRecommendation(ctx context.Context, operationID, id string) error {
	return requireAffected(r.DB.ExecContext(ctx, `UPDATE recommendations SET accepted=1 WHERE id=? AND operation_id=?`, id, operationID))
}
