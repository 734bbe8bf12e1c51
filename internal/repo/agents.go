package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const agentColumns = `id,project_id,role,name,model,skills_json,status,current_task_id,last_heartbeat_at,created_at`

func scanAgent(scan func(...any) error) (domain.Agent, error) {
	var a domain.Agent
	var model, skills, currentTask, heartbeat sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.Role, &a.Name, &model, &skills, &a.Status, &currentTask, &heartbeat, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if model.Valid {
		a.Model = model.String
	}
	a.Skills = unmarshalStrings(skills)
	if currentTask.Valid {
		a.CurrentTaskID = &currentTask.String
	}
	if heartbeat.Valid {
		a.LastHeartbeatAt = &heartbeat.String
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Role, a.Name, nullable(a.Model), marshalStrings(a.Skills),
		a.Status, nullableStringPtr(a.CurrentTaskID), nullableStringPtr(a.LastHeartbeatAt), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

type AgentFilters struct {
	ProjectID string
	Role      string
	Status    string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + agentColumns + ` FROM agents ` + buildWhere(clauses) + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TouchHeartbeat refreshes an agent's heartbeat and reactivates it. Returns
// ErrNotFound for unknown ids; callers decide whether that is fatal.
func (r Repo) TouchHeartbeat(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_heartbeat_at=?, status=? WHERE id=?`, ts, domain.AgentActive, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	return err
}

func (r Repo) SetAgentCurrentTask(ctx context.Context, tx *sql.Tx, agentID string, taskID *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET current_task_id=? WHERE id=?`, nullableStringPtr(taskID), agentID)
	return err
}

// StaleAgents returns agents still marked active whose last heartbeat is
// older than the cutoff (or who never heartbeated at all).
func (r Repo) StaleAgents(ctx context.Context, projectID, cutoff string) ([]domain.Agent, error) {
	clauses := []string{"status=?", "(last_heartbeat_at IS NULL OR last_heartbeat_at < ?)"}
	args := []any{domain.AgentActive, cutoff}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents `+buildWhere(clauses), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
