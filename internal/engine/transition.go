package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"crewline/internal/domain"
	"crewline/internal/events"
)

// TransitionOptions are parameters for a status transition. From is the
// caller's optimistic precondition: the transition only applies if the task
// is still in that status when the update lands.
type TransitionOptions struct {
	TaskID  string
	From    domain.Status
	To      domain.Status
	AgentID string
	Token   string
}

// Transition moves a task along one lifecycle edge. The ready->in_progress
// edge doubles as the claim operation: an unassigned task transitioning that
// edge assigns the caller, and records it as the coder, in the same
// statement. Bounce-back edges hand the lock back to the remembered coder;
// every other edge leaves ownership untouched.
//
// A non-empty Token makes the call idempotent: a replay of a previously
// committed transition returns the prior snapshot without re-applying the
// edge, even if the task has since moved further.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if !domain.ValidStatus(opts.From) || !domain.ValidStatus(opts.To) {
		return domain.Task{}, InvalidTransitionError{From: opts.From, To: opts.To}
	}
	if !opts.From.CanTransitionTo(opts.To) {
		return domain.Task{}, InvalidTransitionError{From: opts.From, To: opts.To}
	}

	if opts.Token != "" {
		if t, ok := e.replay(ctx, opts.Token); ok {
			return t, nil
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != opts.From {
		return domain.Task{}, StaleStateError{TaskID: t.ID, Expected: opts.From, Actual: t.Status}
	}

	claimEdge := opts.From == domain.StatusReady && opts.To == domain.StatusInProgress
	next := t
	switch {
	case t.AssignedAgentID == nil:
		if claimEdge && opts.AgentID != "" {
			agentID := opts.AgentID
			next.AssignedAgentID = &agentID
		}
	case opts.AgentID != *t.AssignedAgentID:
		return domain.Task{}, NotOwnerError{TaskID: t.ID, AgentID: opts.AgentID, OwnerID: *t.AssignedAgentID}
	}
	if claimEdge && next.AssignedAgentID != nil && next.CoderID == nil {
		next.CoderID = next.AssignedAgentID
	}
	if domain.IsBounceBack(opts.From, opts.To) {
		// The QA or review agent holding the lock hands the task back to
		// the coder who built it.
		next.AssignedAgentID = t.CoderID
	}

	now := e.stamp()
	next.Status = opts.To
	next.UpdatedAt = now
	if opts.To == domain.StatusInProgress && t.StartedAt == nil {
		next.StartedAt = &now
	}
	if opts.To == domain.StatusMerged {
		next.CompletedAt = &now
	}

	ok, err := e.Repo.TransitionTask(ctx, tx, next, opts.From)
	if err != nil {
		return domain.Task{}, fmt.Errorf("transition task: %w", err)
	}
	if !ok {
		actual := t.Status
		if cur, rerr := e.Repo.GetTaskTx(ctx, tx, t.ID); rerr == nil {
			actual = cur.Status
		}
		return domain.Task{}, StaleStateError{TaskID: t.ID, Expected: opts.From, Actual: actual}
	}

	if ownerChanged(t.AssignedAgentID, next.AssignedAgentID) {
		if t.AssignedAgentID != nil {
			if err := e.Repo.SetAgentCurrentTask(ctx, tx, *t.AssignedAgentID, nil); err != nil {
				return domain.Task{}, fmt.Errorf("clear previous owner: %w", err)
			}
		}
		if next.AssignedAgentID != nil {
			if err := e.Repo.SetAgentCurrentTask(ctx, tx, *next.AssignedAgentID, &next.ID); err != nil {
				return domain.Task{}, fmt.Errorf("set current task: %w", err)
			}
		}
	}
	if opts.To == domain.StatusMerged && next.AssignedAgentID != nil {
		if err := e.Repo.SetAgentCurrentTask(ctx, tx, *next.AssignedAgentID, nil); err != nil {
			return domain.Task{}, fmt.Errorf("clear current task: %w", err)
		}
	}

	payload := events.EventPayload{"from": string(opts.From), "to": string(opts.To)}
	if opts.To == domain.StatusMerged {
		// Merge events start undispatched; the notifier fans them out to
		// agents with in-flight work after this transaction commits.
		payload["branch_type"] = next.BranchType
		payload["branch_name"] = next.BranchName
		if _, err := e.Events.AppendPending(ctx, tx, "task.merged", next.ProjectID, "task", next.ID, opts.AgentID, payload); err != nil {
			return domain.Task{}, err
		}
	} else {
		if _, err := e.Events.Append(ctx, tx, "task.transitioned", next.ProjectID, "task", next.ID, opts.AgentID, payload); err != nil {
			return domain.Task{}, err
		}
	}

	var snapshot []byte
	if opts.Token != "" {
		snapshot, err = json.Marshal(next)
		if err != nil {
			return domain.Task{}, fmt.Errorf("marshal task snapshot: %w", err)
		}
		if err := e.Repo.StoreProcessedOp(ctx, tx, opts.Token, opts.AgentID, "transition", string(snapshot), now); err != nil {
			return domain.Task{}, fmt.Errorf("store idempotency token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	if opts.Token != "" {
		e.cacheToken(opts.Token, string(snapshot))
	}
	if opts.To == domain.StatusMerged {
		// Best effort: the commit above is authoritative, and the reaper
		// retries any fan-out that fails here.
		if err := e.Dispatch(ctx); err != nil {
			slog.Error("merge broadcast dispatch failed", "task_id", next.ID, "error", err)
		}
	}
	return next, nil
}

// Claim acquires the ownership lock for tasks sitting in a claimable status.
// Claims are idempotent for the current owner. The lock is only defended by
// an owner that is live and eligible for the task's current stage: a QA
// agent claims an in_qa task straight from the live coder who built it, and
// a stale owner of any stage is displaced so work never strands behind a
// dead agent. Coder-stage claims also record the caller as the task's coder
// for later bounce-backs.
func (e Engine) Claim(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !claimable(e.Config.ClaimRoles(), t.Status, agent.Role) {
		return domain.Task{}, NotClaimableError{TaskID: t.ID, Status: t.Status, Role: agent.Role}
	}

	if t.AssignedAgentID != nil {
		if *t.AssignedAgentID == agentID {
			return t, nil
		}
		owner, err := e.Repo.GetAgent(ctx, *t.AssignedAgentID)
		if err == nil && e.liveness(owner) == domain.AgentActive && claimable(e.Config.ClaimRoles(), t.Status, owner.Role) {
			return domain.Task{}, AlreadyOwnedError{TaskID: t.ID, OwnerID: owner.ID}
		}
		// The holder is either past its heartbeat window or belongs to an
		// earlier stage, like a coder whose task reached in_qa. Either way
		// the lock moves to the caller.
		if err := e.Repo.SetAgentCurrentTask(ctx, tx, *t.AssignedAgentID, nil); err != nil {
			return domain.Task{}, fmt.Errorf("release previous owner: %w", err)
		}
	}

	now := e.stamp()
	ok, err := e.Repo.AssignTask(ctx, tx, t.ID, &agentID, t.Status, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("assign task: %w", err)
	}
	if !ok {
		actual := t.Status
		if cur, rerr := e.Repo.GetTaskTx(ctx, tx, t.ID); rerr == nil {
			actual = cur.Status
		}
		return domain.Task{}, StaleStateError{TaskID: t.ID, Expected: t.Status, Actual: actual}
	}
	if t.Status == domain.StatusReady || t.Status == domain.StatusInProgress {
		if err := e.Repo.SetTaskCoder(ctx, tx, t.ID, &agentID); err != nil {
			return domain.Task{}, fmt.Errorf("record coder: %w", err)
		}
		t.CoderID = &agentID
	}
	if err := e.Repo.SetAgentCurrentTask(ctx, tx, agentID, &t.ID); err != nil {
		return domain.Task{}, fmt.Errorf("set current task: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "task.claimed", t.ProjectID, "task", t.ID, agentID, events.EventPayload{
		"status": string(t.Status),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.AssignedAgentID = &agentID
	t.UpdatedAt = now
	return t, nil
}

func ownerChanged(before, after *string) bool {
	if before == nil && after == nil {
		return false
	}
	if before == nil || after == nil {
		return true
	}
	return *before != *after
}

func claimable(table map[domain.Status][]string, status domain.Status, role string) bool {
	for _, r := range table[status] {
		if r == role {
			return true
		}
	}
	return false
}

// replay looks a token up in the in-memory cache, then the durable table,
// and on a hit returns the snapshot the original call committed.
func (e Engine) replay(ctx context.Context, token string) (domain.Task, bool) {
	var raw string
	var hit bool
	if e.tokens != nil {
		raw, hit = e.tokens.Get(token)
	}
	if !hit {
		stored, ok, err := e.Repo.GetProcessedOp(ctx, token)
		if err != nil || !ok {
			return domain.Task{}, false
		}
		raw = stored
		e.cacheToken(token, raw)
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.Task{}, false
	}
	return t, true
}

func (e Engine) cacheToken(token, snapshot string) {
	if e.tokens != nil {
		e.tokens.Add(token, snapshot)
	}
}
