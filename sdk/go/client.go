package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	AgentID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	CoderID         *string  `json:"coder_id,omitempty"`
	BranchType      string   `json:"branch_type"`
	BranchName      string   `json:"branch_name"`
	Labels          []string `json:"labels,omitempty"`
}

// Agent represents a registered worker.
type Agent struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Role            string   `json:"role"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	CurrentTaskID   *string  `json:"current_task_id,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty"`
}

// Thread is a message board attached to a task or a project.
type Thread struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Kind      string  `json:"kind"`
	Name      string  `json:"name"`
}

// Message is one thread entry.
type Message struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	AgentID   *string           `json:"agent_id,omitempty"`
	PostType  string            `json:"post_type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt string            `json:"created_at"`
}

// Delivery is one entry in an agent's broadcast feed.
type Delivery struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id"`
	EventID   int64  `json:"event_id"`
	Type      string `json:"type"`
	Payload   string `json:"payload_json"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// RegisterAgent registers a worker in the project.
func (c *Client) RegisterAgent(ctx context.Context, role, name string, skills []string) (Agent, error) {
	body := map[string]any{
		"role":   role,
		"name":   name,
		"skills": skills,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, c.projectPath("agents"), body, &resp, nil)
	return resp, err
}

// Heartbeat records liveness for an agent.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil, nil)
}

// CreateTask creates a backlog task.
func (c *Client) CreateTask(ctx context.Context, title, branchType string) (Task, error) {
	body := map[string]any{"title": title}
	if branchType != "" {
		body["branch_type"] = branchType
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp, nil)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

// Tasks returns one page of the project's tasks.
func (c *Client) Tasks(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

// TransitionTask moves a task along one lifecycle edge. A non-empty token
// makes the call safe to retry: replays return the originally committed
// task state.
func (c *Client) TransitionTask(ctx context.Context, taskID, from, to, token string) (Task, error) {
	body := map[string]any{"from": from, "to": to}
	var headers map[string]string
	if token != "" {
		headers = map[string]string{"X-Idempotency-Key": token}
	}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/transition", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp, headers)
	return resp, err
}

// ClaimTask locks a task for the calling agent.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/claim", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, nil)
	return resp, err
}

// TaskThread fetches a task's primary thread.
func (c *Client) TaskThread(ctx context.Context, taskID string) (Thread, error) {
	var resp Thread
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/thread", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

// PostMessage appends a message to a thread.
func (c *Client) PostMessage(ctx context.Context, threadID, postType, content string, metadata map[string]string) (Message, error) {
	body := map[string]any{
		"post_type": postType,
		"content":   content,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Message
	endpoint := fmt.Sprintf("v0/threads/%s/messages", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp, nil)
	return resp, err
}

// Messages returns a thread's messages in posting order.
func (c *Client) Messages(ctx context.Context, threadID string) ([]Message, error) {
	var resp []Message
	endpoint := fmt.Sprintf("v0/threads/%s/messages", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

// Deliveries polls an agent's broadcast feed past a cursor. Pass the
// highest delivery id seen so far; zero starts from the beginning.
func (c *Client) Deliveries(ctx context.Context, agentID string, after int64, limit int) ([]Delivery, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := fmt.Sprintf("v0/agents/%s/events", url.PathEscape(agentID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Delivery
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, headers map[string]string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
