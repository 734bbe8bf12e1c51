package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

// dispatchBatch caps how many pending merge events one sweep handles.
const dispatchBatch = 100

// Dispatch fans undispatched merge events out to the owners of every other
// task with active work in the same project. Each fan-out is one
// transaction: either every recipient's delivery row lands and the event is
// marked dispatched, or none are and the next sweep retries. Duplicate
// deliveries from a retry are absorbed by the per-recipient uniqueness
// constraint, which is what makes delivery at-least-once instead of
// at-least-n.
func (e Engine) Dispatch(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pending, err := e.Repo.PendingEventsTx(ctx, tx, "task.merged", dispatchBatch)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}
	for _, ev := range pending {
		merged, err := e.Repo.GetTaskTx(ctx, tx, ev.EntityID)
		if errors.Is(err, repo.ErrNotFound) {
			// Task gone; nothing to announce.
			if err := e.Repo.MarkEventDispatched(ctx, tx, ev.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("load merged task %s: %w", ev.EntityID, err)
		}
		active, err := e.Repo.ActiveTasksTx(ctx, tx, merged.ProjectID, merged.ID)
		if err != nil {
			return fmt.Errorf("list active tasks: %w", err)
		}
		payload, err := json.Marshal(map[string]string{
			"task_id":     merged.ID,
			"branch_type": merged.BranchType,
			"branch_name": merged.BranchName,
		})
		if err != nil {
			return fmt.Errorf("marshal delivery payload: %w", err)
		}
		now := e.stamp()
		for _, t := range active {
			d := domain.Delivery{
				AgentID:   *t.AssignedAgentID,
				EventID:   ev.ID,
				Type:      domain.EventMainUpdated,
				Payload:   string(payload),
				CreatedAt: now,
			}
			if err := e.Repo.InsertDelivery(ctx, tx, d); err != nil {
				return fmt.Errorf("insert delivery for %s: %w", d.AgentID, err)
			}
		}
		if err := e.Repo.MarkEventDispatched(ctx, tx, ev.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
