package repo

import (
	"context"
	"database/sql"

	"athena/internal/domain"
)

const factColumns = `id,operation_id,trait,value,category,source_technique_id,source_target_id,score,collected_at`

func scanFact(s scanner) (domain.Fact, error) {
	var f domain.Fact
	var tech, target sql.NullString
	err := s.Scan(&f.ID, &f.OperationID, &f.Trait, &f.Value, &f.Category, &tech, &target, &f.Score, &f.CollectedAt)
	f.SourceTechniqueID = strPtr(tech)
	f.SourceTargetID = strPtr(target)
	return f, notFound(err)
}

// InsertFactIfAbsent stores f unless the operation already holds the same
// (trait, value). It reports whether a row was written.
func (r Repo) InsertFactIfAbsent(ctx context.Context, f domain.Fact) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO facts(`+factColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(operation_id,trait,value) DO NOTHING`,
		f.ID, f.OperationID, f.Trait, f.Value, f.Category, nullableStringPtr(f.SourceTechniqueID),
		nullableStringPtr(f.SourceTargetID), f.Score, f.CollectedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFacts returns up to limit facts, newest first.
func (r Repo) ListFacts(ctx context.Context, operationID string, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE operation_id=? ORDER BY collected_at DESC, rowid DESC LIMIT ?`, operationID, limit)
}

// ListFactsByCategory returns up to limit facts grouped by category, newest
// first within each category.
func (r Repo) ListFactsByCategory(ctx context.Context, operationID string, limit int) ([]domain.Fact, error) {
	return r.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE operation_id=? ORDER BY category, collected_at DESC, rowid DESC LIMIT ?`, operationID, limit)
}

func (r Repo) CountFacts(ctx context.Context, operationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE operation_id=?`, operationID).Scan(&n)
	return n, err
}

func (r Repo) queryFacts(ctx context.Context, query string, args ...any) ([]domain.Fact, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
