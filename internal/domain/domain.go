package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Role            string   `json:"role"`
	Name            string   `json:"name"`
	Model           string   `json:"model,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	Status          string   `json:"status" enum:"active,stale,offline"`
	CurrentTaskID   *string  `json:"current_task_id,omitempty"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          Status   `json:"status" enum:"backlog,ready,in_progress,in_qa,in_review,merged"`
	Priority        string   `json:"priority" enum:"critical,high,medium,low"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	// CoderID remembers the build-stage owner. QA and review claims move
	// the ownership lock, but a bounce-back hands the task back to this
	// agent.
	CoderID         *string  `json:"coder_id,omitempty"`
	BranchType      string   `json:"branch_type" enum:"feature,fix,refactor"`
	BranchName      string   `json:"branch_name,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	CreatedBy       string   `json:"created_by,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Thread struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Kind      string  `json:"kind" enum:"task,project"`
	Name      string  `json:"name"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Message struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	AgentID   *string           `json:"agent_id,omitempty"`
	PostType  string            `json:"post_type" enum:"progress,blocker,help_wanted,decision,artifact,review_request,review_feedback,comment"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Delivery is one queued notification for one agent. Deliveries are durable:
// an agent that was offline at dispatch time replays them from its cursor.
type Delivery struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id"`
	EventID   int64  `json:"event_id"`
	Type      string `json:"type"`
	Payload   string `json:"payload_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Agent roles. Role is an open string; these three are what the default
// pipeline routes to.
const (
	RoleCoder    = "coder"
	RoleQA       = "qa"
	RoleReviewer = "reviewer"
)

// Agent liveness. "stale" is derived from heartbeat recency, never stored.
const (
	AgentActive  = "active"
	AgentStale   = "stale"
	AgentOffline = "offline"
)

// Message post types.
const (
	PostProgress       = "progress"
	PostBlocker        = "blocker"
	PostHelpWanted     = "help_wanted"
	PostDecision       = "decision"
	PostArtifact       = "artifact"
	PostReviewRequest  = "review_request"
	PostReviewFeedback = "review_feedback"
	PostComment        = "comment"
)

var postTypes = map[string]bool{
	PostProgress:       true,
	PostBlocker:        true,
	PostHelpWanted:     true,
	PostDecision:       true,
	PostArtifact:       true,
	PostReviewRequest:  true,
	PostReviewFeedback: true,
	PostComment:        true,
}

func ValidPostType(p string) bool { return postTypes[p] }

// EventMainUpdated is delivered to agents with in-flight work when a sibling
// task merges into mainline.
const EventMainUpdated = "main_updated"
