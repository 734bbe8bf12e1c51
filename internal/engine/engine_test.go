package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func (env testEnv) Advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) createTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// seedStatus forces a task into an arbitrary status so edge tests do not
// have to walk the whole pipeline to reach their starting point.
func (env testEnv) seedStatus(t *testing.T, taskID string, status domain.Status) {
	t.Helper()
	if _, err := env.Engine.DB.Exec(`UPDATE tasks SET status=? WHERE id=?`, status, taskID); err != nil {
		t.Fatalf("seed status: %v", err)
	}
}

func (env testEnv) registerAgent(t *testing.T, name, role string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		ProjectID: "proj-1",
		Role:      role,
		Name:      name,
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func (env testEnv) countEvents(t *testing.T, evtType, entityID string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestCreateTaskBranchNameFromShortID(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:        "abc",
		ProjectID: "proj-1",
		Title:     "short id",
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.BranchName != "feature/abc" {
		t.Fatalf("branch name = %q, want feature/abc", task.BranchName)
	}

	generated := env.createTask(t, "generated id")
	if want := "feature/" + generated.ID[:8]; generated.BranchName != want {
		t.Fatalf("branch name = %q, want %q", generated.BranchName, want)
	}
}

func TestTransitionAllEdges(t *testing.T) {
	env := newTestEnv(t)
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			task := env.createTask(t, "edge "+string(from)+" "+string(to))
			env.seedStatus(t, task.ID, from)
			got, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
				TaskID: task.ID, From: from, To: to,
			})
			if from.CanTransitionTo(to) {
				if err != nil {
					t.Fatalf("%s->%s: unexpected error %v", from, to, err)
				}
				if got.Status != to {
					t.Fatalf("%s->%s: returned status %s", from, to, got.Status)
				}
				persisted, err := env.Engine.GetTask(env.Ctx, task.ID)
				if err != nil || persisted.Status != to {
					t.Fatalf("%s->%s: persisted status %s, err %v", from, to, persisted.Status, err)
				}
			} else {
				var inv engine.InvalidTransitionError
				if !errors.As(err, &inv) {
					t.Fatalf("%s->%s: want InvalidTransitionError, got %v", from, to, err)
				}
			}
		}
	}
}

func TestTransitionStaleState(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "stale")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress,
	})
	var stale engine.StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("want StaleStateError for task still in backlog, got %v", err)
	}
	if stale.Actual != domain.StatusBacklog {
		t.Fatalf("stale error actual = %s", stale.Actual)
	}
}

func TestTransitionIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "replay")
	opts := engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusBacklog, To: domain.StatusReady, Token: "tok-1",
	}
	first, err := env.Engine.Transition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := env.Engine.Transition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Status != first.Status || second.UpdatedAt != first.UpdatedAt {
		t.Fatalf("replay returned different snapshot: %+v vs %+v", second, first)
	}
	if n := env.countEvents(t, "task.transitioned", task.ID); n != 1 {
		t.Fatalf("edge applied %d times, want 1", n)
	}

	// The token must keep returning the original result even after the
	// task moves further.
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, Token: "tok-2",
	}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	third, err := env.Engine.Transition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("late replay: %v", err)
	}
	if third.Status != domain.StatusReady {
		t.Fatalf("late replay returned status %s, want ready", third.Status)
	}
}

func TestTransitionReplaySurvivesCacheLoss(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "durable replay")
	opts := engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusBacklog, To: domain.StatusReady, Token: "tok-durable",
	}
	if _, err := env.Engine.Transition(env.Ctx, opts); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// A fresh engine has an empty in-memory cache; the replay must come
	// from the durable table.
	eng := engine.New(env.Engine.DB, env.Engine.Config)
	eng.Now = env.Engine.Now
	got, err := eng.Transition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("replay on fresh engine: %v", err)
	}
	if got.Status != domain.StatusReady {
		t.Fatalf("replay status = %s", got.Status)
	}
	if n := env.countEvents(t, "task.transitioned", task.ID); n != 1 {
		t.Fatalf("edge applied %d times, want 1", n)
	}
}

func TestClaimEdgeAssignsCaller(t *testing.T) {
	env := newTestEnv(t)
	coder := env.registerAgent(t, "ada", domain.RoleCoder)
	task := env.createTask(t, "claim edge")
	env.seedStatus(t, task.ID, domain.StatusReady)
	got, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: coder.ID,
	})
	if err != nil {
		t.Fatalf("claim edge: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != coder.ID {
		t.Fatalf("task not assigned to caller: %+v", got.AssignedAgentID)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
	a, err := env.Engine.GetAgent(env.Ctx, coder.ID)
	if err != nil || a.CurrentTaskID == nil || *a.CurrentTaskID != task.ID {
		t.Fatalf("agent current task not set: %+v, err %v", a.CurrentTaskID, err)
	}
}

func TestTransitionNotOwner(t *testing.T) {
	env := newTestEnv(t)
	coder := env.registerAgent(t, "ada", domain.RoleCoder)
	other := env.registerAgent(t, "bob", domain.RoleCoder)
	task := env.createTask(t, "owned")
	env.seedStatus(t, task.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: coder.ID,
	}); err != nil {
		t.Fatalf("claim edge: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInProgress, To: domain.StatusInQA, AgentID: other.ID,
	})
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("want NotOwnerError, got %v", err)
	}
}

func TestOwnershipPersistsAcrossBounceBack(t *testing.T) {
	env := newTestEnv(t)
	coder := env.registerAgent(t, "ada", domain.RoleCoder)
	task := env.createTask(t, "bounce")
	env.seedStatus(t, task.ID, domain.StatusReady)
	steps := []struct{ from, to domain.Status }{
		{domain.StatusReady, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusInQA},
		{domain.StatusInQA, domain.StatusInProgress},
	}
	for _, s := range steps {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, From: s.from, To: s.to, AgentID: coder.ID,
		}); err != nil {
			t.Fatalf("%s->%s: %v", s.from, s.to, err)
		}
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != coder.ID {
		t.Fatalf("bounce-back lost ownership: %+v", got.AssignedAgentID)
	}
}

func TestSequentialCASContention(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)
	task := env.createTask(t, "contended")
	env.seedStatus(t, task.ID, domain.StatusReady)

	// Both callers observed from=ready. The first commit wins; the second
	// must fail the precondition, never apply a second edge.
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: a.ID,
	}); err != nil {
		t.Fatalf("winner: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: b.ID,
	})
	var stale engine.StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("loser: want StaleStateError, got %v", err)
	}
	// The error reports where the task really is, not the loser's stale read.
	if stale.Actual != domain.StatusInProgress {
		t.Fatalf("stale error actual = %s, want in_progress", stale.Actual)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.AssignedAgentID == nil || *got.AssignedAgentID != a.ID {
		t.Fatalf("loser overwrote ownership: %+v", got.AssignedAgentID)
	}
}

func TestConcurrentCASContention(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)
	task := env.createTask(t, "raced")
	env.seedStatus(t, task.ID, domain.StatusReady)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, agent := range []domain.Agent{a, b} {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
				TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: agentID,
			})
		}(i, agent.ID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stale engine.StaleStateError
		if !errors.As(err, &stale) {
			t.Fatalf("loser error = %v, want StaleStateError", err)
		}
		if stale.Actual != domain.StatusInProgress {
			t.Fatalf("stale error actual = %s, want in_progress", stale.Actual)
		}
		losses++
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}
	if n := env.countEvents(t, "task.transitioned", task.ID); n != 1 {
		t.Fatalf("edge applied %d times, want 1", n)
	}
}

func TestClaimContentionAndTakeover(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)
	task := env.createTask(t, "takeover")
	env.seedStatus(t, task.ID, domain.StatusReady)

	if _, err := env.Engine.Claim(env.Ctx, task.ID, a.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Re-claim by the owner is idempotent.
	if _, err := env.Engine.Claim(env.Ctx, task.ID, a.ID); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	_, err := env.Engine.Claim(env.Ctx, task.ID, b.ID)
	var owned engine.AlreadyOwnedError
	if !errors.As(err, &owned) {
		t.Fatalf("claim against live owner: want AlreadyOwnedError, got %v", err)
	}

	// Once the owner's heartbeat ages past the stale window the lock is
	// up for grabs.
	env.Advance(env.Engine.Config.StaleWindow() + time.Second)
	got, err := env.Engine.Claim(env.Ctx, task.ID, b.ID)
	if err != nil {
		t.Fatalf("takeover claim: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != b.ID {
		t.Fatalf("takeover did not reassign: %+v", got.AssignedAgentID)
	}
	old, _ := env.Engine.GetAgent(env.Ctx, a.ID)
	if old.CurrentTaskID != nil {
		t.Fatalf("displaced owner still holds current task %s", *old.CurrentTaskID)
	}
}

func TestClaimRoleEligibility(t *testing.T) {
	env := newTestEnv(t)
	qa := env.registerAgent(t, "quinn", domain.RoleQA)
	task := env.createTask(t, "role scoped")
	env.seedStatus(t, task.ID, domain.StatusReady)

	_, err := env.Engine.Claim(env.Ctx, task.ID, qa.ID)
	var notClaimable engine.NotClaimableError
	if !errors.As(err, &notClaimable) {
		t.Fatalf("qa claim on ready: want NotClaimableError, got %v", err)
	}

	env.seedStatus(t, task.ID, domain.StatusInQA)
	if _, err := env.Engine.Claim(env.Ctx, task.ID, qa.ID); err != nil {
		t.Fatalf("qa claim on in_qa: %v", err)
	}
}

// A live coder holding the lock must not block the QA and review stages.
// The lock follows the pipeline stage; only an owner whose role matches the
// current stage can defend it.
func TestStageHandoffClaims(t *testing.T) {
	env := newTestEnv(t)
	coder := env.registerAgent(t, "ada", domain.RoleCoder)
	qa := env.registerAgent(t, "quinn", domain.RoleQA)
	qa2 := env.registerAgent(t, "river", domain.RoleQA)
	reviewer := env.registerAgent(t, "vera", domain.RoleReviewer)

	task := env.createTask(t, "handoff")
	env.seedStatus(t, task.ID, domain.StatusReady)
	for _, s := range []struct{ from, to domain.Status }{
		{domain.StatusReady, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusInQA},
	} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, From: s.from, To: s.to, AgentID: coder.ID,
		}); err != nil {
			t.Fatalf("%s->%s: %v", s.from, s.to, err)
		}
	}

	// The coder is live but the task sits in the QA stage, so a QA agent
	// wins the lock.
	got, err := env.Engine.Claim(env.Ctx, task.ID, qa.ID)
	if err != nil {
		t.Fatalf("qa claim over live coder: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != qa.ID {
		t.Fatalf("lock did not move to qa: %+v", got.AssignedAgentID)
	}
	if got.CoderID == nil || *got.CoderID != coder.ID {
		t.Fatalf("coder record lost on handoff: %+v", got.CoderID)
	}
	freedCoder, _ := env.Engine.GetAgent(env.Ctx, coder.ID)
	if freedCoder.CurrentTaskID != nil {
		t.Fatalf("displaced coder still holds current task %s", *freedCoder.CurrentTaskID)
	}

	// A second QA agent is stage-eligible, so the live holder defends.
	_, err = env.Engine.Claim(env.Ctx, task.ID, qa2.ID)
	var owned engine.AlreadyOwnedError
	if !errors.As(err, &owned) {
		t.Fatalf("second qa claim: want AlreadyOwnedError, got %v", err)
	}

	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInQA, To: domain.StatusInReview, AgentID: qa.ID,
	}); err != nil {
		t.Fatalf("qa pass: %v", err)
	}
	got, err = env.Engine.Claim(env.Ctx, task.ID, reviewer.ID)
	if err != nil {
		t.Fatalf("reviewer claim over live qa: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != reviewer.ID {
		t.Fatalf("lock did not move to reviewer: %+v", got.AssignedAgentID)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInReview, To: domain.StatusMerged, AgentID: reviewer.ID,
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
}

func TestBounceBackReassignsCoder(t *testing.T) {
	env := newTestEnv(t)
	coder := env.registerAgent(t, "ada", domain.RoleCoder)
	qa := env.registerAgent(t, "quinn", domain.RoleQA)

	task := env.createTask(t, "rework")
	env.seedStatus(t, task.ID, domain.StatusReady)
	for _, s := range []struct{ from, to domain.Status }{
		{domain.StatusReady, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusInQA},
	} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, From: s.from, To: s.to, AgentID: coder.ID,
		}); err != nil {
			t.Fatalf("%s->%s: %v", s.from, s.to, err)
		}
	}
	if _, err := env.Engine.Claim(env.Ctx, task.ID, qa.ID); err != nil {
		t.Fatalf("qa claim: %v", err)
	}

	// While QA holds the lock the coder cannot move the task.
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInQA, To: domain.StatusInProgress, AgentID: coder.ID,
	})
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("coder transition under qa lock: want NotOwnerError, got %v", err)
	}

	// A QA fail hands the task back to the agent who built it.
	got, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInQA, To: domain.StatusInProgress, AgentID: qa.ID,
	})
	if err != nil {
		t.Fatalf("bounce back: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != coder.ID {
		t.Fatalf("bounce back assigned %+v, want coder", got.AssignedAgentID)
	}
	coderAgent, _ := env.Engine.GetAgent(env.Ctx, coder.ID)
	if coderAgent.CurrentTaskID == nil || *coderAgent.CurrentTaskID != task.ID {
		t.Fatalf("coder current task = %+v, want %s", coderAgent.CurrentTaskID, task.ID)
	}
	qaAgent, _ := env.Engine.GetAgent(env.Ctx, qa.ID)
	if qaAgent.CurrentTaskID != nil {
		t.Fatalf("qa still holds current task %s", *qaAgent.CurrentTaskID)
	}
}

func TestBroadcastOnMerge(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)

	merging := env.createTask(t, "t1")
	sibling := env.createTask(t, "t2")
	backlog := env.createTask(t, "t3")

	env.seedStatus(t, sibling.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: sibling.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: b.ID,
	}); err != nil {
		t.Fatalf("sibling claim: %v", err)
	}

	env.seedStatus(t, merging.ID, domain.StatusReady)
	for _, s := range []struct{ from, to domain.Status }{
		{domain.StatusReady, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusInQA},
		{domain.StatusInQA, domain.StatusInReview},
		{domain.StatusInReview, domain.StatusMerged},
	} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: merging.ID, From: s.from, To: s.to, AgentID: a.ID,
		}); err != nil {
			t.Fatalf("%s->%s: %v", s.from, s.to, err)
		}
	}

	got, err := env.Engine.AgentDeliveries(env.Ctx, b.ID, 0, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("sibling owner got %d deliveries, want 1", len(got))
	}
	if got[0].Type != domain.EventMainUpdated {
		t.Fatalf("delivery type = %s", got[0].Type)
	}
	var total int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("%d deliveries total, want 1 (backlog task %s has no owner)", total, backlog.ID)
	}
}

func TestBroadcastOrderPerRecipient(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)

	watcher := env.createTask(t, "watcher")
	env.seedStatus(t, watcher.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: watcher.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: b.ID,
	}); err != nil {
		t.Fatal(err)
	}

	var mergedIDs []string
	for _, title := range []string{"m1", "m2"} {
		task := env.createTask(t, title)
		env.seedStatus(t, task.ID, domain.StatusInReview)
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, From: domain.StatusInReview, To: domain.StatusMerged, AgentID: a.ID,
		}); err != nil {
			t.Fatalf("merge %s: %v", title, err)
		}
		mergedIDs = append(mergedIDs, task.ID)
	}

	got, err := env.Engine.AgentDeliveries(env.Ctx, b.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got))
	}
	for i, d := range got {
		if !containsID(d.Payload, mergedIDs[i]) {
			t.Fatalf("delivery %d payload %s does not reference merge %s", i, d.Payload, mergedIDs[i])
		}
	}
}

func containsID(payload, id string) bool {
	return strings.Contains(payload, id)
}

func TestDispatchRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)

	watcher := env.createTask(t, "watcher")
	env.seedStatus(t, watcher.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: watcher.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: b.ID,
	}); err != nil {
		t.Fatal(err)
	}

	task := env.createTask(t, "merge")
	env.seedStatus(t, task.ID, domain.StatusInReview)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusInReview, To: domain.StatusMerged, AgentID: a.ID,
	}); err != nil {
		t.Fatal(err)
	}

	// A second sweep over an already-dispatched backlog must not duplicate
	// deliveries.
	if err := env.Engine.Dispatch(env.Ctx); err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	got, err := env.Engine.AgentDeliveries(env.Ctx, b.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d deliveries after re-dispatch, want 1", len(got))
	}
}

func TestHeartbeatUnknownAgentIsSilent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Heartbeat(env.Ctx, "no-such-agent"); err != nil {
		t.Fatalf("unknown agent heartbeat should be silent, got %v", err)
	}
}

func TestListAgentsDerivesStaleness(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	env.Advance(env.Engine.Config.StaleWindow() + time.Second)
	b := env.registerAgent(t, "bob", domain.RoleCoder)

	stale, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: "proj-1", Status: domain.AgentStale})
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != a.ID {
		t.Fatalf("stale agents = %+v", stale)
	}
	active, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: "proj-1", Status: domain.AgentActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != b.ID {
		t.Fatalf("active agents = %+v", active)
	}

	// A heartbeat flips a stale agent straight back to active.
	if err := env.Engine.Heartbeat(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetAgent(env.Ctx, a.ID)
	if err != nil || got.Status != domain.AgentActive {
		t.Fatalf("after heartbeat status = %s, err %v", got.Status, err)
	}
}

func TestReaperFreesOfflineAgentsTasks(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	task := env.createTask(t, "stranded")
	env.seedStatus(t, task.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: a.ID,
	}); err != nil {
		t.Fatal(err)
	}

	env.Advance(env.Engine.Config.OfflineWindow() + time.Second)
	if err := env.Engine.Reap(env.Ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusReady {
		t.Fatalf("freed task status = %s, want ready", got.Status)
	}
	if got.AssignedAgentID != nil {
		t.Fatalf("freed task still assigned to %s", *got.AssignedAgentID)
	}
	if got.CoderID != nil {
		t.Fatalf("freed task still remembers coder %s", *got.CoderID)
	}
	agent, err := env.Engine.GetAgent(env.Ctx, a.ID)
	if err != nil || agent.Status != domain.AgentOffline {
		t.Fatalf("agent status = %s, err %v", agent.Status, err)
	}
}

func TestThreadPostOrdering(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	task := env.createTask(t, "threaded")
	thread, err := env.Engine.GetTaskThread(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("task thread: %v", err)
	}
	if thread.TaskID == nil || *thread.TaskID != task.ID {
		t.Fatalf("thread task binding = %+v", thread.TaskID)
	}

	posts := []string{"starting", "blocked on schema", "resolved"}
	for i, content := range posts {
		postType := "progress"
		if i == 1 {
			postType = "blocker"
		}
		if _, err := env.Engine.PostMessage(env.Ctx, engine.PostMessageOptions{
			ThreadID: thread.ID, AgentID: a.ID, PostType: postType, Content: content,
		}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	got, err := env.Engine.ListMessages(env.Ctx, thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(posts) {
		t.Fatalf("got %d messages, want %d", len(got), len(posts))
	}
	for i, m := range got {
		if m.Content != posts[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, posts[i])
		}
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d seq = %d", i, m.Seq)
		}
	}

	_, err = env.Engine.PostMessage(env.Ctx, engine.PostMessageOptions{
		ThreadID: "no-such-thread", AgentID: a.ID, PostType: "comment", Content: "hi",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown thread: want ErrNotFound, got %v", err)
	}
}

func TestEndToEndPipeline(t *testing.T) {
	env := newTestEnv(t)
	a := env.registerAgent(t, "ada", domain.RoleCoder)
	b := env.registerAgent(t, "bob", domain.RoleCoder)

	sibling := env.createTask(t, "sibling work")
	env.seedStatus(t, sibling.ID, domain.StatusReady)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: sibling.ID, From: domain.StatusReady, To: domain.StatusInProgress, AgentID: b.ID,
	}); err != nil {
		t.Fatal(err)
	}

	task := env.createTask(t, "deliver feature")
	if task.Status != domain.StatusBacklog {
		t.Fatalf("new task status = %s", task.Status)
	}
	thread, err := env.Engine.GetTaskThread(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct{ from, to domain.Status }{
		{domain.StatusBacklog, domain.StatusReady},
		{domain.StatusReady, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusInQA},
		{domain.StatusInQA, domain.StatusInProgress}, // QA fail
		{domain.StatusInProgress, domain.StatusInQA},
		{domain.StatusInQA, domain.StatusInReview},
		{domain.StatusInReview, domain.StatusMerged},
	}
	var posted []string
	for i, s := range steps {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, From: s.from, To: s.to, AgentID: a.ID,
		}); err != nil {
			t.Fatalf("step %d %s->%s: %v", i, s.from, s.to, err)
		}
		if s.to == domain.StatusInQA {
			content := "handing off to qa"
			if _, err := env.Engine.PostMessage(env.Ctx, engine.PostMessageOptions{
				ThreadID: thread.ID, AgentID: a.ID, PostType: "review_request", Content: content,
			}); err != nil {
				t.Fatal(err)
			}
			posted = append(posted, content)
		}
		got, _ := env.Engine.GetTask(env.Ctx, task.ID)
		if got.AssignedAgentID == nil || *got.AssignedAgentID != a.ID {
			t.Fatalf("step %d: ownership drifted to %+v", i, got.AssignedAgentID)
		}
	}

	final, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.StatusMerged {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	messages, err := env.Engine.ListMessages(env.Ctx, thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != len(posted) {
		t.Fatalf("thread has %d messages, want %d", len(messages), len(posted))
	}
	for i, m := range messages {
		if m.Content != posted[i] {
			t.Fatalf("message %d out of order: %q", i, m.Content)
		}
	}

	deliveries, err := env.Engine.AgentDeliveries(env.Ctx, b.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("sibling owner got %d merge notifications, want 1", len(deliveries))
	}
	if !containsID(deliveries[0].Payload, task.ID) {
		t.Fatalf("delivery payload %s does not reference %s", deliveries[0].Payload, task.ID)
	}
}
