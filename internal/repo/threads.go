package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"crewline/internal/domain"
)

func (r Repo) InsertThread(ctx context.Context, tx *sql.Tx, t domain.Thread) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO threads(id,project_id,task_id,kind,name,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.TaskID), t.Kind, t.Name, t.CreatedAt)
	return err
}

func scanThread(scan func(...any) error) (domain.Thread, error) {
	var t domain.Thread
	var taskID sql.NullString
	err := scan(&t.ID, &t.ProjectID, &taskID, &t.Kind, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if taskID.Valid {
		t.TaskID = &taskID.String
	}
	return t, err
}

func (r Repo) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,task_id,kind,name,created_at FROM threads WHERE id=?`, id)
	return scanThread(row.Scan)
}

// GetTaskThread returns a task's primary thread.
func (r Repo) GetTaskThread(ctx context.Context, taskID string) (domain.Thread, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,task_id,kind,name,created_at FROM threads WHERE task_id=?`, taskID)
	return scanThread(row.Scan)
}

// InsertMessage appends a message at the next free per-thread sequence
// position. The subselect and the UNIQUE(thread_id,seq) constraint together
// keep positions dense and strictly increasing under concurrent posters.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) (domain.Message, error) {
	var meta any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return m, err
		}
		meta = string(b)
	}
	err := tx.QueryRowContext(ctx,
		`INSERT INTO messages(id,thread_id,agent_id,post_type,content,metadata_json,seq,created_at)
VALUES (?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE thread_id=?),?)
RETURNING seq`,
		m.ID, m.ThreadID, nullableStringPtr(m.AgentID), m.PostType, m.Content, meta, m.ThreadID, m.CreatedAt).
		Scan(&m.Seq)
	return m, err
}

func (r Repo) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,thread_id,agent_id,post_type,content,metadata_json,seq,created_at FROM messages WHERE thread_id=? ORDER BY seq ASC`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var agentID, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &agentID, &m.PostType, &m.Content, &meta, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		if agentID.Valid {
			m.AgentID = &agentID.String
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
