package repo

import (
	"context"
	"database/sql"
	"fmt"

	"athena/internal/domain"
)

const iterationColumns = `id,operation_id,iteration_number,phase,observe_summary,orient_summary,decide_summary,act_summary,
recommendation_id,technique_execution_id,started_at,completed_at`

func scanIteration(s scanner) (domain.Iteration, error) {
	var it domain.Iteration
	var rec, exec, completed sql.NullString
	err := s.Scan(&it.ID, &it.OperationID, &it.IterationNumber, &it.Phase, &it.ObserveSummary, &it.OrientSummary,
		&it.DecideSummary, &it.ActSummary, &rec, &exec, &it.StartedAt, &completed)
	it.RecommendationID = strPtr(rec)
	it.TechniqueExecutionID = strPtr(exec)
	it.CompletedAt = strPtr(completed)
	return it, notFound(err)
}

// NextIterationNumberTx returns MAX(iteration_number)+1 for the operation.
func (r Repo) NextIterationNumberTx(ctx context.Context, tx *sql.Tx, operationID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(iteration_number),0)+1 FROM ooda_iterations WHERE operation_id=?`, operationID).Scan(&n)
	return n, err
}

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ooda_iterations(id,operation_id,iteration_number,phase,started_at) VALUES (?,?,?,?,?)`,
		it.ID, it.OperationID, it.IterationNumber, it.Phase, it.StartedAt)
	return err
}

func (r Repo) SetIterationPhaseTx(ctx context.Context, tx *sql.Tx, id, phase string) error {
	return requireAffected(r.q(tx).ExecContext(ctx, `UPDATE ooda_iterations SET phase=? WHERE id=?`, phase, id))
}

var summaryColumns = map[string]string{
	domain.PhaseObserve: "observe_summary",
	domain.PhaseOrient:  "orient_summary",
	domain.PhaseDecide:  "decide_summary",
	domain.PhaseAct:     "act_summary",
}

// SetIterationSummary stores the summary text for one phase.
func (r Repo) SetIterationSummary(ctx context.Context, id, phase, summary string) error {
	col, ok := summaryColumns[phase]
	if !ok {
		return fmt.Errorf("invalid phase %q", phase)
	}
	return requireAffected(r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE ooda_iterations SET %s=? WHERE id=?`, col), summary, id))
}

func (r Repo) LinkIterationRecommendation(ctx context.Context, id, recommendationID string) error {
	return requireAffected(r.DB.ExecContext(ctx, `UPDATE ooda_iterations SET recommendation_id=? WHERE id=?`, recommendationID, id))
}

func (r Repo) LinkIterationExecution(ctx context.Context, id, executionID string) error {
	return requireAffected(r.DB.ExecContext(ctx, `UPDATE ooda_iterations SET technique_execution_id=? WHERE id=?`, executionID, id))
}

func (r Repo) CompleteIteration(ctx context.Context, id, actSummary, completedAt string) error {
	return requireAffected(r.DB.ExecContext(ctx, `UPDATE ooda_iterations SET act_summary=?, completed_at=? WHERE id=?`, actSummary, completedAt, id))
}

func (r Repo) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return scanIteration(r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM ooda_iterations WHERE id=?`, id))
}

func (r Repo) LatestIterationTx(ctx context.Context, tx *sql.Tx, operationID string) (domain.Iteration, error) {
	return scanIteration(r.q(tx).QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM ooda_iterations WHERE operation_id=?
ORDER BY iteration_number DESC LIMIT 1`, operationID))
}

func (r Repo) LatestIteration(ctx context.Context, operationID string) (domain.Iteration, error) {
	return r.LatestIterationTx(ctx, nil, operationID)
}

// ListIterations returns iterations newest first. limit <= 0 returns all.
func (r Repo) ListIterations(ctx context.Context, operationID string, limit int) ([]domain.Iteration, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationColumns+` FROM ooda_iterations WHERE operation_id=?
ORDER BY iteration_number DESC LIMIT ?`, operationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
