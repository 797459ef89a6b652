package repo

import (
	"context"
	"database/sql"

	"athena/internal/domain"
)

// UpsertDomainHealthTx writes the health row for (operation, domain) and
// returns the id of the stored row.
func (r Repo) UpsertDomainHealthTx(ctx context.Context, tx *sql.Tx, h domain.DomainHealth) (string, error) {
	var id string
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO c5isr_statuses(id,operation_id,domain,status,health_pct,detail,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(operation_id,domain) DO UPDATE SET status=excluded.status, health_pct=excluded.health_pct,
detail=excluded.detail, updated_at=excluded.updated_at
RETURNING id`,
		h.ID, h.OperationID, h.Domain, h.Status, h.HealthPct, h.Detail, h.UpdatedAt).Scan(&id)
	return id, err
}

// ListDomainHealth returns the operation's domain rows in reporting order.
func (r Repo) ListDomainHealth(ctx context.Context, operationID string) ([]domain.DomainHealth, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,operation_id,domain,status,health_pct,detail,updated_at FROM c5isr_statuses
WHERE operation_id=? ORDER BY CASE domain
WHEN 'command' THEN 0 WHEN 'control' THEN 1 WHEN 'comms' THEN 2
WHEN 'computers' THEN 3 WHEN 'cyber' THEN 4 WHEN 'isr' THEN 5 ELSE 6 END`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainHealth
	for rows.Next() {
		var h domain.DomainHealth
		if err := rows.Scan(&h.ID, &h.OperationID, &h.Domain, &h.Status, &h.HealthPct, &h.Detail, &h.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
