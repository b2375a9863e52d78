package server

import (
	"encoding/json"

	"taskline/internal/domain"
)

type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type RegisterWorkerRequest struct {
	Handle       string   `json:"handle"`
	DisplayName  string   `json:"display_name,omitempty"`
	Kind         string   `json:"kind" enum:"human,agent"`
	Capabilities []string `json:"capabilities,omitempty"`
	TenantID     string   `json:"tenant_id,omitempty"`
}

type WorkerResponse struct {
	ID           string   `json:"id"`
	Handle       string   `json:"handle"`
	DisplayName  string   `json:"display_name"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type CreateTaskRequest struct {
	ProjectID   string   `json:"project_id"`
	ParentID    *int64   `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
}

type TaskResponse struct {
	ID          int64    `json:"id"`
	TenantID    string   `json:"tenant_id"`
	ProjectID   string   `json:"project_id"`
	ParentID    *int64   `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Progress    int      `json:"progress"`
	Priority    *int     `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	CreatorID   string   `json:"creator_id"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	StartedAt   *string  `json:"started_at,omitempty"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

type StartTaskRequest struct {
	Subtasks []string `json:"subtasks,omitempty"`
}

type StartTaskResponse struct {
	Task     TaskResponse   `json:"task"`
	Subtasks []TaskResponse `json:"subtasks,omitempty"`
}

type ProgressRequest struct {
	Percent    int    `json:"percent" minimum:"0" maximum:"100"`
	Note       string `json:"note,omitempty"`
	Regression bool   `json:"regression,omitempty"`
}

type DelegateRequest struct {
	ToWorkerID string `json:"to_worker_id"`
	Note       string `json:"note,omitempty"`
}

type ReviewDecisionRequest struct {
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CompleteRequest struct {
	Note string `json:"note,omitempty"`
}

type BlockRequest struct {
	Reason string `json:"reason"`
}

type ReopenRequest struct {
	Note string `json:"note,omitempty"`
}

type ReparentRequest struct {
	ParentID *int64 `json:"parent_id"`
}

type TaskNodeResponse struct {
	Task     TaskResponse       `json:"task"`
	Children []TaskNodeResponse `json:"children,omitempty"`
}

type AuditRecordResponse struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	ActorKind  string          `json:"actor_kind"`
	Detail     json.RawMessage `json:"detail"`
	CreatedAt  string          `json:"created_at"`
}

type SwitchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type HandoffResponse struct {
	ActorID   string `json:"actor_id"`
	TenantID  string `json:"tenant_id"`
	ExpiresAt string `json:"expires_at"`
}

type TokenRequest struct {
	ActorID string `json:"actor_id"`
}

type TokenResponse struct {
	Token    string `json:"token"`
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
	Switched bool   `json:"switched,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, Status: t.Status, CreatedAt: t.CreatedAt}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, TenantID: p.TenantID, Name: p.Name, Description: p.Description, CreatedAt: p.CreatedAt}
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:           w.ID,
		Handle:       w.Handle,
		DisplayName:  w.DisplayName,
		Kind:         w.Kind,
		Capabilities: w.Capabilities,
		Disabled:     w.Disabled,
		CreatedAt:    w.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		TenantID:    t.TenantID,
		ProjectID:   t.ProjectID,
		ParentID:    t.ParentID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Progress:    t.Progress,
		Priority:    t.Priority,
		Tags:        t.Tags,
		DueDate:     t.DueDate,
		AssigneeID:  t.AssigneeID,
		CreatorID:   t.CreatorID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskResponse(t))
	}
	return res
}

func nodeResponse(n domain.TaskNode) TaskNodeResponse {
	res := TaskNodeResponse{Task: taskResponse(n.Task)}
	for _, c := range n.Children {
		res.Children = append(res.Children, nodeResponse(c))
	}
	return res
}

func auditResponse(r domain.AuditRecord) AuditRecordResponse {
	detail := json.RawMessage("{}")
	if r.Detail != "" && json.Valid([]byte(r.Detail)) {
		detail = json.RawMessage(r.Detail)
	}
	return AuditRecordResponse{
		ID:         r.ID,
		TenantID:   r.TenantID,
		EntityKind: r.EntityKind,
		EntityID:   r.EntityID,
		Action:     r.Action,
		ActorID:    r.ActorID,
		ActorKind:  r.ActorKind,
		Detail:     detail,
		CreatedAt:  r.CreatedAt,
	}
}

func mapAudit(records []domain.AuditRecord) []AuditRecordResponse {
	res := make([]AuditRecordResponse, 0, len(records))
	for _, r := range records {
		res = append(res, auditResponse(r))
	}
	return res
}
