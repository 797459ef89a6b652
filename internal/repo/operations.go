package repo

import (
	"context"
	"database/sql"

	"athena/internal/domain"
)

const operationColumns = `id,code,name,codename,strategic_intent,status,current_ooda_phase,ooda_iteration_count,
threat_level,success_rate,techniques_executed,techniques_total,active_agents,automation_mode,risk_threshold,
stealth_level,created_at,updated_at`

func scanOperation(s scanner) (domain.Operation, error) {
	var op domain.Operation
	err := s.Scan(&op.ID, &op.Code, &op.Name, &op.Codename, &op.StrategicIntent, &op.Status, &op.CurrentPhase,
		&op.IterationCount, &op.ThreatLevel, &op.SuccessRate, &op.TechniquesExecuted, &op.TechniquesTotal,
		&op.ActiveAgents, &op.AutomationMode, &op.RiskThreshold, &op.StealthLevel, &op.CreatedAt, &op.UpdatedAt)
	return op, notFound(err)
}

func (r Repo) InsertOperationTx(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.Code, op.Name, op.Codename, op.StrategicIntent, op.Status, op.CurrentPhase, op.IterationCount,
		op.ThreatLevel, op.SuccessRate, op.TechniquesExecuted, op.TechniquesTotal, op.ActiveAgents,
		op.AutomationMode, op.RiskThreshold, op.StealthLevel, op.CreatedAt, op.UpdatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	return r.GetOperationTx(ctx, nil, id)
}

func (r Repo) GetOperationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Operation, error) {
	return scanOperation(r.q(tx).QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

// GetOperationByCode looks an operation up by its human code (OP-2024-001).
func (r Repo) GetOperationByCode(ctx context.Context, code string) (domain.Operation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE code=?`, code))
}

func (r Repo) ListOperations(ctx context.Context) ([]domain.Operation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// ListActiveOperations returns operations whose status is active.
func (r Repo) ListActiveOperations(ctx context.Context) ([]domain.Operation, error) {
	all, err := r.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Operation
	for _, op := range all {
		if op.Status == "active" {
			res = append(res, op)
		}
	}
	return res, nil
}

func (r Repo) SetOperationPhaseTx(ctx context.Context, tx *sql.Tx, id, phase, now string) error {
	return requireAffected(r.q(tx).ExecContext(ctx, `UPDATE operations SET current_ooda_phase=?, updated_at=? WHERE id=?`, phase, now, id))
}

func (r Repo) SetOperationIterationTx(ctx context.Context, tx *sql.Tx, id string, count int, phase, now string) error {
	return requireAffected(r.q(tx).ExecContext(ctx, `UPDATE operations SET ooda_iteration_count=?, current_ooda_phase=?, updated_at=? WHERE id=?`,
		count, phase, now, id))
}

func (r Repo) IncrementTechniquesExecutedTx(ctx context.Context, tx *sql.Tx, id string) error {
	return requireAffected(r.q(tx).ExecContext(ctx, `UPDATE operations SET techniques_executed=techniques_executed+1 WHERE id=?`, id))
}

func (r Repo) SetSuccessRate(ctx context.Context, id string, rate float64, now string) error {
	return requireAffected(r.DB.ExecContext(ctx, `UPDATE operations SET success_rate=?, updated_at=? WHERE id=?`, rate, now, id))
}

func (r Repo) SetActiveAgents(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE operations SET active_agents=(SELECT COUNT(*) FROM agents WHERE operation_id=? AND status='alive') WHERE id=?`, id, id)
	return err
}

// Targets

const targetColumns = `id,operation_id,hostname,ip_address,os,role,network_segment,is_compromised,privilege_level,created_at`

func scanTarget(s scanner) (domain.Target, error) {
	var t domain.Target
	var osName, segment, priv sql.NullString
	err := s.Scan(&t.ID, &t.OperationID, &t.Hostname, &t.IPAddress, &osName, &t.Role, &segment, &t.IsCompromised, &priv, &t.CreatedAt)
	t.OS = osName.String
	t.NetworkSegment = segment.String
	t.PrivilegeLevel = priv.String
	return t, notFound(err)
}

func (r Repo) InsertTargetTx(ctx context.Context, tx *sql.Tx, t domain.Target) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO targets(`+targetColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OperationID, t.Hostname, t.IPAddress, nullable(t.OS), t.Role, nullable(t.NetworkSegment),
		boolToInt(t.IsCompromised), nullable(t.PrivilegeLevel), t.CreatedAt)
	return err
}

func (r Repo) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	return scanTarget(r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id=?`, id))
}

func (r Repo) ListTargets(ctx context.Context, operationID string) ([]domain.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE operation_id=? ORDER BY created_at, rowid`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PreferredTarget returns a compromised target when one exists, else the first
// target of the operation, else ErrNotFound.
func (r Repo) PreferredTarget(ctx context.Context, operationID string) (domain.Target, error) {
	return scanTarget(r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE operation_id=?
ORDER BY is_compromised DESC, created_at, rowid LIMIT 1`, operationID))
}

// TargetCounts returns total and non-compromised target counts.
func (r Repo) TargetCounts(ctx context.Context, operationID string) (total, secure int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_compromised=0 THEN 1 ELSE 0 END),0)
FROM targets WHERE operation_id=?`, operationID).Scan(&total, &secure)
	return total, secure, err
}

// Agents

const agentColumns = `id,operation_id,paw,host_id,status,privilege,platform,last_beacon,created_at`

func scanAgent(s scanner) (domain.Agent, error) {
	var a domain.Agent
	var host, beacon sql.NullString
	err := s.Scan(&a.ID, &a.OperationID, &a.Paw, &host, &a.Status, &a.Privilege, &a.Platform, &beacon, &a.CreatedAt)
	a.HostID = strPtr(host)
	a.LastBeacon = strPtr(beacon)
	return a, notFound(err)
}

// UpsertAgentTx inserts an agent or refreshes status/privilege/platform/beacon
// for an existing (operation, paw).
func (r Repo) UpsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(operation_id,paw) DO UPDATE SET status=excluded.status, privilege=excluded.privilege,
platform=excluded.platform, last_beacon=COALESCE(excluded.last_beacon, agents.last_beacon)`,
		a.ID, a.OperationID, a.Paw, nullableStringPtr(a.HostID), a.Status, a.Privilege, a.Platform,
		nullableStringPtr(a.LastBeacon), a.CreatedAt)
	return err
}

func (r Repo) ListAgents(ctx context.Context, operationID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE operation_id=? ORDER BY created_at, rowid`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentCounts returns total and alive agent counts.
func (r Repo) AgentCounts(ctx context.Context, operationID string) (total, alive int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='alive' THEN 1 ELSE 0 END),0)
FROM agents WHERE operation_id=?`, operationID).Scan(&total, &alive)
	return total, alive, err
}

// Techniques

func (r Repo) UpsertTechniqueTx(ctx context.Context, tx *sql.Tx, t domain.Technique) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO techniques(id,mitre_id,name,tactic,tactic_id,risk_level,caldera_ability_id) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(mitre_id) DO UPDATE SET name=excluded.name, tactic=excluded.tactic, tactic_id=excluded.tactic_id,
risk_level=excluded.risk_level, caldera_ability_id=excluded.caldera_ability_id`,
		t.ID, t.MitreID, t.Name, t.Tactic, t.TacticID, t.RiskLevel, nullable(t.CalderaAbilityID))
	return err
}

func (r Repo) GetTechnique(ctx context.Context, mitreID string) (domain.Technique, error) {
	var t domain.Technique
	var ability sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,mitre_id,name,tactic,tactic_id,risk_level,caldera_ability_id FROM techniques WHERE mitre_id=?`, mitreID).
		Scan(&t.ID, &t.MitreID, &t.Name, &t.Tactic, &t.TacticID, &t.RiskLevel, &ability)
	t.CalderaAbilityID = ability.String
	return t, notFound(err)
}

// ExecutedTactics returns the distinct tactics of successfully executed
// techniques, ordered by first success.
func (r Repo) ExecutedTactics(ctx context.Context, operationID string) ([]domain.Technique, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.tactic, t.tactic_id, MIN(te.completed_at) AS first_done
FROM technique_executions te JOIN techniques t ON te.technique_id=t.mitre_id
WHERE te.operation_id=? AND te.status='success'
GROUP BY t.tactic, t.tactic_id ORDER BY first_done`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Technique
	for rows.Next() {
		var t domain.Technique
		var first sql.NullString
		if err := rows.Scan(&t.Tactic, &t.TacticID, &first); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Mission steps

func (r Repo) InsertMissionStepTx(ctx context.Context, tx *sql.Tx, s domain.MissionStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO mission_steps(id,operation_id,step_number,technique_id,technique_name,target_id,target_label,engine,status)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OperationID, s.StepNumber, s.TechniqueID, s.TechniqueName, nullable(s.TargetID), s.TargetLabel, s.Engine, s.Status)
	return err
}

func (r Repo) ListMissionSteps(ctx context.Context, operationID string) ([]domain.MissionStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,operation_id,step_number,technique_id,technique_name,COALESCE(target_id,''),target_label,engine,status
FROM mission_steps WHERE operation_id=? ORDER BY step_number`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionStep
	for rows.Next() {
		var s domain.MissionStep
		if err := rows.Scan(&s.ID, &s.OperationID, &s.StepNumber, &s.TechniqueID, &s.TechniqueName, &s.TargetID, &s.TargetLabel, &s.Engine, &s.Status); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
