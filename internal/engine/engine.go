package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// tokenCacheSize bounds the in-memory idempotency cache. The durable
// processed_ops table is authoritative; the cache only short-circuits hot
// retries.
const tokenCacheSize = 4096

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	tokens *expirable.LRU[string, string]
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		tokens: expirable.NewLRU[string, string](tokenCacheSize, nil, cfg.TokenRetention()),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "software-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(p.ID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	ParentID    string
	Title       string
	Description string
	Priority    string
	BranchType  string
	Labels      []string
	CreatedBy   string
}

var priorities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// shortID truncates an id for branch names. Caller-supplied ids may be
// shorter than the eight characters a UUID prefix would give.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var branchTypes = map[string]bool{"feature": true, "fix": true, "refactor": true}

// CreateTask inserts a task in backlog together with its primary thread.
// Every task owns exactly one thread, created in the same transaction so no
// caller can ever observe a task without one.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	if !priorities[opts.Priority] {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	if opts.BranchType == "" {
		opts.BranchType = "feature"
	}
	if !branchTypes[opts.BranchType] {
		return domain.Task{}, fmt.Errorf("unknown branch type %q", opts.BranchType)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("parent in different project")
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusBacklog,
		Priority:    opts.Priority,
		BranchType:  opts.BranchType,
		BranchName:  fmt.Sprintf("%s/%s", opts.BranchType, shortID(id)),
		Labels:      opts.Labels,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.ParentID != "" {
		t.ParentID = &opts.ParentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	thread := domain.Thread{
		ID:        uuid.NewString(),
		ProjectID: t.ProjectID,
		TaskID:    &t.ID,
		Kind:      "task",
		Name:      t.Title,
		CreatedAt: now,
	}
	if err := e.Repo.InsertThread(ctx, tx, thread); err != nil {
		return domain.Task{}, fmt.Errorf("insert task thread: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.CreatedBy, events.EventPayload{
		"title":    t.Title,
		"priority": t.Priority,
		"branch":   t.BranchName,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) GetTaskThread(ctx context.Context, taskID string) (domain.Thread, error) {
	return e.Repo.GetTaskThread(ctx, taskID)
}
