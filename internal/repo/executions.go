package repo

import (
	"context"
	"database/sql"

	"athena/internal/domain"
)

const executionColumns = `id,operation_id,ooda_iteration_id,technique_id,COALESCE(target_id,''),engine,status,result_summary,
facts_collected_count,started_at,completed_at,error_message`

func scanExecution(s scanner) (domain.Execution, error) {
	var e domain.Execution
	var iter, summary, started, completed, errMsg sql.NullString
	err := s.Scan(&e.ID, &e.OperationID, &iter, &e.TechniqueID, &e.TargetID, &e.Engine, &e.Status, &summary,
		&e.FactsCollectedCount, &started, &completed, &errMsg)
	e.IterationID = strPtr(iter)
	e.ResultSummary = strPtr(summary)
	e.StartedAt = strPtr(started)
	e.CompletedAt = strPtr(completed)
	e.ErrorMessage = strPtr(errMsg)
	return e, notFound(err)
}

func (r Repo) InsertExecution(ctx context.Context, e domain.Execution, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO technique_executions(id,operation_id,ooda_iteration_id,technique_id,target_id,engine,status,
started_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OperationID, nullableStringPtr(e.IterationID), e.TechniqueID, nullable(e.TargetID), e.Engine, e.Status,
		nullableStringPtr(e.StartedAt), createdAt)
	return err
}

// FinishExecutionTx records the terminal state of an execution.
func (r Repo) FinishExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	return requireAffected(r.q(tx).ExecContext(ctx, `UPDATE technique_executions SET engine=?, status=?, result_summary=?,
facts_collected_count=?, completed_at=?, error_message=? WHERE id=?`,
		e.Engine, e.Status, nullableStringPtr(e.ResultSummary), e.FactsCollectedCount, nullableStringPtr(e.CompletedAt),
		nullableStringPtr(e.ErrorMessage), e.ID))
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM technique_executions WHERE id=?`, id))
}

// ListExecutions returns executions newest first, optionally filtered by status.
func (r Repo) ListExecutions(ctx context.Context, operationID, status string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM technique_executions
WHERE operation_id=? AND (?='' OR status=?) ORDER BY created_at DESC, rowid DESC LIMIT ?`, operationID, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RecentSuccessfulExecutions returns up to limit successful executions with a
// non-empty result summary, most recently completed first.
func (r Repo) RecentSuccessfulExecutions(ctx context.Context, operationID string, limit int) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM technique_executions
WHERE operation_id=? AND status='success' AND result_summary IS NOT NULL AND TRIM(result_summary)<>''
ORDER BY completed_at DESC, rowid DESC LIMIT ?`, operationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ExecutionCounts returns total and successful execution counts.
func (r Repo) ExecutionCounts(ctx context.Context, operationID string) (total, success int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='success' THEN 1 ELSE 0 END),0)
FROM technique_executions WHERE operation_id=?`, operationID).Scan(&total, &success)
	return total, success, err
}
