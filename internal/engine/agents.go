package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// AgentRegisterOptions are parameters for registering an agent.
type AgentRegisterOptions struct {
	ID        string
	ProjectID string
	Role      string
	Name      string
	Model     string
	Skills    []string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if opts.ProjectID == "" {
		return domain.Agent{}, errors.New("project is required")
	}
	if opts.Role == "" {
		return domain.Agent{}, errors.New("role is required")
	}
	if opts.Name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Agent{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	a := domain.Agent{
		ID:              id,
		ProjectID:       opts.ProjectID,
		Role:            opts.Role,
		Name:            opts.Name,
		Model:           opts.Model,
		Skills:          opts.Skills,
		Status:          domain.AgentActive,
		LastHeartbeatAt: &now,
		CreatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "agent.registered", a.ProjectID, "agent", a.ID, a.ID, events.EventPayload{
		"role": a.Role,
		"name": a.Name,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// Heartbeat refreshes an agent's liveness. Unknown ids are logged and
// swallowed: agent heartbeat loops must survive a registry that was reset
// underneath them.
func (e Engine) Heartbeat(ctx context.Context, agentID string) error {
	err := e.Repo.TouchHeartbeat(ctx, agentID, e.stamp())
	if errors.Is(err, repo.ErrNotFound) {
		slog.Warn("heartbeat from unknown agent", "agent_id", agentID)
		return nil
	}
	return err
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Status = e.liveness(a)
	return a, nil
}

// ListAgents returns agents with their liveness derived from heartbeat
// recency. A status filter applies to the derived status, so filtering for
// "stale" works even though stale is never stored.
func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	want := f.Status
	f.Status = ""
	agents, err := e.Repo.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	res := agents[:0]
	for _, a := range agents {
		a.Status = e.liveness(a)
		if want != "" && a.Status != want {
			continue
		}
		res = append(res, a)
	}
	return res, nil
}

// liveness derives the observable agent status. Offline is sticky until the
// next heartbeat; stale is purely a function of heartbeat age.
func (e Engine) liveness(a domain.Agent) string {
	if a.Status == domain.AgentOffline {
		return domain.AgentOffline
	}
	if a.LastHeartbeatAt == nil {
		return domain.AgentStale
	}
	hb, err := time.Parse(time.RFC3339, *a.LastHeartbeatAt)
	if err != nil {
		return domain.AgentStale
	}
	if e.now().UTC().Sub(hb) > e.Config.StaleWindow() {
		return domain.AgentStale
	}
	return domain.AgentActive
}

// Reap runs one maintenance sweep: agents silent past the offline window are
// marked offline and their in-flight tasks returned to ready with ownership
// cleared, undispatched merge events are fanned out, and expired idempotency
// tokens are evicted.
func (e Engine) Reap(ctx context.Context) error {
	cutoff := e.now().UTC().Add(-e.Config.OfflineWindow()).Format(time.RFC3339)
	stale, err := e.Repo.StaleAgents(ctx, "", cutoff)
	if err != nil {
		return fmt.Errorf("list stale agents: %w", err)
	}
	for _, a := range stale {
		if err := e.reapAgent(ctx, a); err != nil {
			return fmt.Errorf("reap agent %s: %w", a.ID, err)
		}
	}
	if err := e.Dispatch(ctx); err != nil {
		return fmt.Errorf("dispatch pending events: %w", err)
	}
	tokenCutoff := e.now().UTC().Add(-e.Config.TokenRetention()).Format(time.RFC3339)
	if _, err := e.Repo.EvictProcessedOpsBefore(ctx, tokenCutoff); err != nil {
		return fmt.Errorf("evict idempotency tokens: %w", err)
	}
	return nil
}

// reapAgent marks one agent offline and frees its task. Unlike a bounce-back
// the freed task loses its owner: a dead agent must not keep a lock that
// only it could release.
func (e Engine) reapAgent(ctx context.Context, a domain.Agent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.stamp()
	if err := e.Repo.UpdateAgentStatus(ctx, tx, a.ID, domain.AgentOffline); err != nil {
		return err
	}
	if a.CurrentTaskID != nil {
		t, err := e.Repo.GetTaskTx(ctx, tx, *a.CurrentTaskID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && t.AssignedAgentID != nil && *t.AssignedAgentID == a.ID {
			freed := t
			freed.AssignedAgentID = nil
			freed.UpdatedAt = now
			if t.CoderID != nil && *t.CoderID == a.ID {
				// A later bounce-back must not hand work back to a dead agent.
				freed.CoderID = nil
			}
			if t.Status.Active() {
				freed.Status = domain.StatusReady
			}
			if _, err := e.Repo.TransitionTask(ctx, tx, freed, t.Status); err != nil {
				return err
			}
			if _, err := e.Events.Append(ctx, tx, "task.freed", t.ProjectID, "task", t.ID, a.ID, events.EventPayload{
				"from": string(t.Status),
			}); err != nil {
				return err
			}
		}
		if err := e.Repo.SetAgentCurrentTask(ctx, tx, a.ID, nil); err != nil {
			return err
		}
	}
	if _, err := e.Events.Append(ctx, tx, "agent.offline", a.ProjectID, "agent", a.ID, "reaper", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// StartReaper runs maintenance sweeps until ctx is cancelled.
func (e Engine) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Reap(ctx); err != nil {
					slog.Error("reaper sweep failed", "error", err)
				}
			}
		}
	}()
}
