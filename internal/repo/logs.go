package repo

import (
	"context"

	"athena/internal/domain"
)

// LatestLogEntries returns up to n operation log rows, newest first.
func (r Repo) LatestLogEntries(ctx context.Context, operationID string, n int) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,severity,source,message,COALESCE(operation_id,''),COALESCE(technique_id,''),COALESCE(target_id,'')
FROM log_entries WHERE (?='' OR operation_id=?) ORDER BY id DESC LIMIT ?`, operationID, operationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Severity, &e.Source, &e.Message, &e.OperationID, &e.TechniqueID, &e.TargetID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
