package repo

import (
	"context"
	"database/sql"
	"fmt"

	"crewline/internal/domain"
)

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var projectID, entityID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, buildWhere(clauses))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with ids greater than the cursor in commit order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, buildWhere(clauses))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingEventsTx returns undispatched events of a type in commit order.
func (r Repo) PendingEventsTx(ctx context.Context, tx *sql.Tx, evtType string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE dispatched=0 AND type=? ORDER BY id ASC LIMIT ?`,
		evtType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkEventDispatched(ctx context.Context, tx *sql.Tx, eventID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET dispatched=1 WHERE id=?`, eventID)
	return err
}

// InsertDelivery enqueues one durable notification for one agent. The
// UNIQUE(agent_id,event_id) constraint makes redelivery attempts of the same
// event idempotent; OR IGNORE keeps retries quiet.
func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(agent_id,event_id,type,payload_json,created_at) VALUES (?,?,?,?,?)`,
		d.AgentID, d.EventID, d.Type, d.Payload, d.CreatedAt)
	return err
}

// DeliveriesAfter returns an agent's queued notifications past the cursor,
// in dispatch order. The agent advances its own cursor; rows stay replayable.
func (r Repo) DeliveriesAfter(ctx context.Context, agentID string, cursor int64, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,agent_id,event_id,type,payload_json,created_at FROM deliveries WHERE agent_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		agentID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.AgentID, &d.EventID, &d.Type, &d.Payload, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
