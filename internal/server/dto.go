package server

import (
	"crewline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id" example:"proj-1"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type RegisterAgentRequest struct {
	ID     *string  `json:"id,omitempty"`
	Role   string   `json:"role" example:"coder"`
	Name   string   `json:"name" example:"ada"`
	Model  *string  `json:"model,omitempty"`
	Skills []string `json:"skills,omitempty"`
}

type AgentResponse struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Role            string   `json:"role"`
	Name            string   `json:"name"`
	Model           string   `json:"model,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	Status          string   `json:"status"`
	CurrentTaskID   *string  `json:"current_task_id,omitempty"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

type CreateTaskRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Priority    *string  `json:"priority,omitempty" example:"medium"`
	BranchType  *string  `json:"branch_type,omitempty" example:"feature"`
	Labels      []string `json:"labels,omitempty"`
}

type TaskResponse struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	CoderID         *string  `json:"coder_id,omitempty"`
	BranchType      string   `json:"branch_type"`
	BranchName      string   `json:"branch_name"`
	Labels          []string `json:"labels,omitempty"`
	CreatedBy       string   `json:"created_by,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
	StartedAt       *string  `json:"started_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
}

type TransitionTaskRequest struct {
	From string `json:"from" example:"ready"`
	To   string `json:"to" example:"in_progress"`
	// IdempotencyToken is an alternative to the X-Idempotency-Key header.
	IdempotencyToken *string `json:"idempotency_token,omitempty"`
}

type PostMessageRequest struct {
	PostType string            `json:"post_type" example:"progress"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ThreadResponse struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Kind      string  `json:"kind"`
	Name      string  `json:"name"`
	CreatedAt string  `json:"created_at"`
}

type CreateThreadRequest struct {
	Name string `json:"name"`
}

type MessageResponse struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	AgentID   *string           `json:"agent_id,omitempty"`
	PostType  string            `json:"post_type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt string            `json:"created_at"`
}

type DeliveryResponse struct {
	ID        int64  `json:"id"`
	EventID   int64  `json:"event_id"`
	Type      string `json:"type"`
	Payload   string `json:"payload_json"`
	CreatedAt string `json:"created_at"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:              a.ID,
		ProjectID:       a.ProjectID,
		Role:            a.Role,
		Name:            a.Name,
		Model:           a.Model,
		Skills:          a.Skills,
		Status:          a.Status,
		CurrentTaskID:   a.CurrentTaskID,
		LastHeartbeatAt: a.LastHeartbeatAt,
		CreatedAt:       a.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		ParentID:        t.ParentID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		Priority:        t.Priority,
		AssignedAgentID: t.AssignedAgentID,
		CoderID:         t.CoderID,
		BranchType:      t.BranchType,
		BranchName:      t.BranchName,
		Labels:          t.Labels,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func threadResponse(t domain.Thread) ThreadResponse {
	return ThreadResponse{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		TaskID:    t.TaskID,
		Kind:      t.Kind,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		AgentID:   m.AgentID,
		PostType:  m.PostType,
		Content:   m.Content,
		Metadata:  m.Metadata,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
	}
}

func deliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:        d.ID,
		EventID:   d.EventID,
		Type:      d.Type,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		ProjectID:  ev.ProjectID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    ev.Payload,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func mapDeliveries(items []domain.Delivery) []DeliveryResponse {
	res := make([]DeliveryResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deliveryResponse(d))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		res = append(res, eventResponse(ev))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
