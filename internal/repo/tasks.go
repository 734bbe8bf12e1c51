package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const taskColumns = `id,project_id,parent_id,title,description,status,priority,assigned_agent_id,coder_id,branch_type,branch_name,labels_json,created_by,created_at,updated_at,started_at,completed_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, description, assignedID, coderID, branchName, labels, createdBy, startedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &description, &t.Status, &t.Priority,
		&assignedID, &coderID, &t.BranchType, &branchName, &labels, &createdBy, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignedID.Valid {
		t.AssignedAgentID = &assignedID.String
	}
	if coderID.Valid {
		t.CoderID = &coderID.String
	}
	if branchName.Valid {
		t.BranchName = branchName.String
	}
	t.Labels = unmarshalStrings(labels)
	if createdBy.Valid {
		t.CreatedBy = createdBy.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Priority,
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.CoderID), t.BranchType, nullable(t.BranchName),
		marshalStrings(t.Labels), nullable(t.CreatedBy), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TransitionTask applies a compare-and-swap status update: the row only
// changes when its persisted status still equals from. Ownership and status
// live in the same row, so an assign that accompanies a transition lands in
// the same statement with no observable intermediate state. Returns false
// when the CAS precondition failed.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, t domain.Task, from domain.Status) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_agent_id=?, coder_id=?, updated_at=?, started_at=?, completed_at=? WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.CoderID), t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AssignTask sets the ownership lock. The status guard keeps a claim from
// racing a concurrent transition out of the claimed status.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, taskID string, agentID *string, status domain.Status, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_agent_id=?, updated_at=? WHERE id=? AND status=?`,
		nullableStringPtr(agentID), updatedAt, taskID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetTaskCoder records which agent owns the build stage. Only coder-stage
// claims write it; QA and review claims leave it for the next bounce-back.
func (r Repo) SetTaskCoder(ctx context.Context, tx *sql.Tx, taskID string, coderID *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET coder_id=? WHERE id=?`, nullableStringPtr(coderID), taskID)
	return err
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	AssignedTo      string
	Parent          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_agent_id=?")
		args = append(args, f.AssignedTo)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus returns per-status task counts for a project.
func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ActiveTasksTx returns tasks with in-flight agent work in a project,
// excluding one task id (the task whose merge triggered the lookup).
func (r Repo) ActiveTasksTx(ctx context.Context, tx *sql.Tx, projectID, excludeTaskID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND id<>? AND status IN (?,?,?) AND assigned_agent_id IS NOT NULL ORDER BY created_at ASC, id ASC`,
		projectID, excludeTaskID, domain.StatusInProgress, domain.StatusInQA, domain.StatusInReview)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
