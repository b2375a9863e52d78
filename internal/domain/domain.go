package domain

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// TerminalStatus reports whether a status ends the task lifecycle.
// Completed is terminal until an explicit reopen.
func TerminalStatus(status string) bool {
	return status == StatusCompleted
}

// Worker kinds.
const (
	KindHuman = "human"
	KindAgent = "agent"
)

// Capabilities recognised by the core.
const (
	CapTenantAdmin   = "tenant.admin"
	CapDelegate      = "task.delegate"
	CapReviewApprove = "review.approve"
)

// Audit actions. Closed set; the audit log never records anything else.
const (
	ActionCreated         = "created"
	ActionStarted         = "started"
	ActionProgressUpdated = "progress_updated"
	ActionDelegated       = "delegated"
	ActionSubtaskAdded    = "subtask_added"
	ActionReviewRequested = "review_requested"
	ActionApproved        = "approved"
	ActionRejected        = "rejected"
	ActionCompleted       = "completed"
	ActionReopened        = "reopened"
	ActionBlocked         = "blocked"
	ActionUnblocked       = "unblocked"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Worker is a unit of work capacity, human or agent. Identity is immutable
// after registration; workers referenced by tasks are soft-disabled, never
// deleted.
type Worker struct {
	ID           string   `json:"id"`
	Handle       string   `json:"handle"`
	DisplayName  string   `json:"display_name"`
	Kind         string   `json:"kind" enum:"human,agent"`
	Capabilities []string `json:"capabilities,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// HasCapability reports whether the worker carries the named capability tag.
func (w Worker) HasCapability(cap string) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type Task struct {
	ID          int64    `json:"id"`
	TenantID    string   `json:"tenant_id"`
	ProjectID   string   `json:"project_id"`
	ParentID    *int64   `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"pending,in_progress,review,completed,blocked"`
	Progress    int      `json:"progress"`
	Priority    *int     `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" format:"date-time"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	CreatorID   string   `json:"creator_id"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	StartedAt   *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

// AuditRecord is one immutable row of the append-only trail. The integer id
// is the ordering tiebreaker for records written within the same instant.
type AuditRecord struct {
	ID         int64  `json:"id"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	ActorKind  string `json:"actor_kind" enum:"human,agent"`
	Detail     string `json:"detail_json"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// TenantHandoff bridges an interactive tenant switch to a later stateless
// credential-issuance step. One pending row per actor, TTL-bounded,
// consumed at most once.
type TenantHandoff struct {
	ActorID   string `json:"actor_id"`
	TenantID  string `json:"tenant_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// ActorContext is the already-authenticated identity every core call
// receives. The core never authenticates credentials itself.
type ActorContext struct {
	ID           string   `json:"actor_id"`
	Kind         string   `json:"actor_kind" enum:"human,agent"`
	TenantID     string   `json:"active_tenant_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the actor's credential carries a capability.
func (a ActorContext) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskNode is a task with resolved children, used by the tree query surface.
type TaskNode struct {
	Task     Task       `json:"task"`
	Children []TaskNode `json:"children,omitempty"`
}
