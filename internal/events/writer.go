package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction and returns the
// event id. Dispatched events start at 1; use AppendPending for events the
// notifier must fan out after commit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	return w.append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload, 1)
}

// AppendPending records an event with dispatched=0 so the broadcast notifier
// picks it up after the transaction commits. The pending flag makes dispatch
// crash-safe: a fan-out that never ran is retried on the next notifier tick.
func (w Writer) AppendPending(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	return w.append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload, 0)
}

func (w Writer) append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload, dispatched int) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json,dispatched) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data), dispatched)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
