package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
)

// PostMessageOptions are parameters for appending to a thread. AgentID may
// be empty for system-authored posts.
type PostMessageOptions struct {
	ThreadID string
	AgentID  string
	PostType string
	Content  string
	Metadata map[string]string
}

// PostMessage appends to a thread. Positions are assigned by the store, so
// messages are totally ordered per thread regardless of caller clocks.
// Posting never touches task state: threads are communication, not control.
func (e Engine) PostMessage(ctx context.Context, opts PostMessageOptions) (domain.Message, error) {
	if !domain.ValidPostType(opts.PostType) {
		return domain.Message{}, fmt.Errorf("unknown post type %q", opts.PostType)
	}
	if opts.Content == "" {
		return domain.Message{}, errors.New("content is required")
	}
	thread, err := e.Repo.GetThread(ctx, opts.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}

	m := domain.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		PostType:  opts.PostType,
		Content:   opts.Content,
		Metadata:  opts.Metadata,
		CreatedAt: e.stamp(),
	}
	if opts.AgentID != "" {
		agentID := opts.AgentID
		m.AgentID = &agentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	m, err = e.Repo.InsertMessage(ctx, tx, m)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "message.posted", thread.ProjectID, "message", m.ID, opts.AgentID, events.EventPayload{
		"thread_id": thread.ID,
		"post_type": m.PostType,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns a thread's messages in post order, complete and
// stable across reads.
func (e Engine) ListMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	if _, err := e.Repo.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, threadID)
}

// CreateThread opens a project-scoped thread. Task threads are created with
// their task and never through this path.
func (e Engine) CreateThread(ctx context.Context, projectID, name, actorID string) (domain.Thread, error) {
	if name == "" {
		return domain.Thread{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Thread{}, err
	}
	t := domain.Thread{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Kind:      "project",
		Name:      name,
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertThread(ctx, tx, t); err != nil {
		return domain.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "thread.created", projectID, "thread", t.ID, actorID, nil); err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

// AgentDeliveries returns an agent's durable event queue after the given
// cursor, oldest first.
func (e Engine) AgentDeliveries(ctx context.Context, agentID string, after int64, limit int) ([]domain.Delivery, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.Repo.DeliveriesAfter(ctx, agentID, after, limit)
}
