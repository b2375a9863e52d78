package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"taskline/internal/audit"
	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/repo"
	"taskline/internal/tenant"
)

// maxAncestorDepth bounds the iterative ancestor walk so a pathological
// hierarchy cannot loop the walker.
const maxAncestorDepth = 64

const entityTask = "task"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Tenants tenant.Resolver
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Writer{DB: db},
		Tenants: tenant.NewResolver(db, cfg.HandoffTTL()),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ts is the display timestamp; token is the optimistic-concurrency version
// written to updated_at, which needs sub-second granularity.
func (e Engine) ts() string    { return e.now().UTC().Format(time.RFC3339) }
func (e Engine) token() string { return e.now().UTC().Format(time.RFC3339Nano) }

// CreateTenant registers a tenant and enrolls the creating actor as a member.
func (e Engine) CreateTenant(ctx context.Context, actor domain.ActorContext, id, name string) (domain.Tenant, error) {
	if id == "" {
		return domain.Tenant{}, ValidationError{Field: "id", Reason: "required"}
	}
	if name == "" {
		name = id
	}
	t := domain.Tenant{
		ID:        id,
		Name:      name,
		Status:    "active",
		CreatedAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTenant(ctx, tx, t); err != nil {
		return domain.Tenant{}, err
	}
	if actor.ID != "" {
		// Membership references the workers table, so the creator needs a
		// worker row before enrollment.
		if err := e.Repo.EnsureWorker(ctx, tx, actor.ID, t.CreatedAt); err != nil {
			return domain.Tenant{}, err
		}
		if err := e.Repo.AddTenantMember(ctx, tx, t.ID, actor.ID); err != nil {
			return domain.Tenant{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, t.ID, "tenant", t.ID, domain.ActionCreated, actor, audit.Detail{"name": t.Name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// CreateProject registers a project under a tenant the actor may operate in.
func (e Engine) CreateProject(ctx context.Context, actor domain.ActorContext, id, tenantID, name, description string) (domain.Project, error) {
	if id == "" {
		return domain.Project{}, ValidationError{Field: "id", Reason: "required"}
	}
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Tenants.Authorize(actor, tenantID); err != nil {
		return domain.Project{}, err
	}
	if name == "" {
		name = id
	}
	p := domain.Project{
		ID:          id,
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		CreatedAt:   e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, tenantID, "project", p.ID, domain.ActionCreated, actor, audit.Detail{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// WorkerRegisterOptions are parameters for registering a worker.
type WorkerRegisterOptions struct {
	Handle       string
	DisplayName  string
	Kind         string
	Capabilities []string
	TenantID     string
}

// RegisterWorker creates a worker and enrolls it into the given tenant.
// Capability tags are only meaningful for agents but are stored as given.
func (e Engine) RegisterWorker(ctx context.Context, actor domain.ActorContext, opts WorkerRegisterOptions) (domain.Worker, error) {
	if opts.Handle == "" {
		return domain.Worker{}, ValidationError{Field: "handle", Reason: "required"}
	}
	if opts.Kind != domain.KindHuman && opts.Kind != domain.KindAgent {
		return domain.Worker{}, ValidationError{Field: "kind", Reason: "must be human or agent"}
	}
	if err := e.Tenants.Authorize(actor, opts.TenantID); err != nil {
		return domain.Worker{}, err
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.Handle
	}
	w := domain.Worker{
		ID:           uuid.New().String(),
		Handle:       opts.Handle,
		DisplayName:  opts.DisplayName,
		Kind:         opts.Kind,
		Capabilities: opts.Capabilities,
		CreatedAt:    e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorker(ctx, tx, w); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Repo.AddTenantMember(ctx, tx, opts.TenantID, w.ID); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Audit.Append(ctx, tx, opts.TenantID, "worker", w.ID, domain.ActionCreated, actor, audit.Detail{
		"handle": w.Handle,
		"kind":   w.Kind,
	}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return w, nil
}

// SetWorkerDisabled soft-disables or re-enables a worker. Existing task
// references stay intact; disabled workers cannot receive new work. The
// target must belong to the actor's active tenant unless the actor holds the
// cross-tenant admin capability.
func (e Engine) SetWorkerDisabled(ctx context.Context, actor domain.ActorContext, workerID string, disabled bool) (domain.Worker, error) {
	w, err := e.Repo.GetWorker(ctx, workerID)
	if err != nil {
		return w, err
	}
	if actor.Kind != domain.KindHuman && !actor.HasCapability(domain.CapTenantAdmin) {
		return w, AuthorizationError{Reason: "only a human or tenant admin may disable workers"}
	}
	if err := e.Tenants.Authorize(actor, actor.TenantID); err != nil {
		return w, err
	}
	if !actor.HasCapability(domain.CapTenantAdmin) {
		member, err := e.Repo.IsTenantMember(ctx, actor.TenantID, w.ID)
		if err != nil {
			return w, err
		}
		if !member {
			return w, AuthorizationError{Reason: "worker does not belong to the actor's tenant"}
		}
	}
	action := domain.ActionBlocked
	if !disabled {
		action = domain.ActionUnblocked
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkerDisabled(ctx, tx, workerID, disabled); err != nil {
		return w, err
	}
	if err := e.Audit.Append(ctx, tx, actor.TenantID, "worker", w.ID, action, actor, audit.Detail{"disabled": disabled}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	w.Disabled = disabled
	return w, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	ParentID    *int64
	Title       string
	Description string
	Priority    *int
	Tags        []string
	DueDate     string
	AssigneeID  string
}

func (e Engine) CreateTask(ctx context.Context, actor domain.ActorContext, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.ProjectID == "" {
		return domain.Task{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Tenants.Authorize(actor, p.TenantID); err != nil {
		return domain.Task{}, err
	}
	if opts.ParentID != nil {
		parent, err := e.Repo.GetTask(ctx, *opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.TenantID != p.TenantID || parent.ProjectID != p.ID {
			return domain.Task{}, StructuralError{Reason: "parent task belongs to a different tenant or project"}
		}
		// A brand-new task has no children, so the walk only enforces the
		// depth bound here; the cycle check matters on reparent.
		if err := e.walkAncestors(ctx, *opts.ParentID, 0); err != nil {
			return domain.Task{}, err
		}
	}
	assignee := opts.AssigneeID
	if assignee != "" {
		w, err := e.Repo.GetWorker(ctx, assignee)
		if err != nil {
			return domain.Task{}, err
		}
		if w.Disabled {
			return domain.Task{}, ValidationError{Field: "assignee_id", Reason: "worker is disabled"}
		}
	}
	now := e.ts()
	t := domain.Task{
		TenantID:    p.TenantID,
		ProjectID:   p.ID,
		ParentID:    opts.ParentID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		Progress:    0,
		Priority:    opts.Priority,
		Tags:        opts.Tags,
		DueDate:     optionalString(opts.DueDate),
		AssigneeID:  optionalString(assignee),
		CreatorID:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   e.token(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err = e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	detail := audit.Detail{"title": t.Title, "status": t.Status}
	if t.AssigneeID != nil {
		detail["assignee_id"] = *t.AssigneeID
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionCreated, actor, detail); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Reparent moves a task under a new parent, or detaches it when newParentID
// is nil. This is the only path that can introduce a cycle, so the ancestor
// walk from the new parent is mandatory here.
func (e Engine) Reparent(ctx context.Context, actor domain.ActorContext, taskID int64, newParentID *int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	// Detail carries both ends of the move so the record reads on its own:
	// from_parent absent means the task was a root, to_parent absent means it
	// became one.
	detail := audit.Detail{"subtask_id": t.ID}
	if t.ParentID != nil {
		detail["from_parent"] = *t.ParentID
	}
	auditEntity := taskRef(t.ID)
	if newParentID != nil {
		if *newParentID == t.ID {
			return t, StructuralError{Reason: "task cannot be its own parent"}
		}
		parent, err := e.Repo.GetTask(ctx, *newParentID)
		if err != nil {
			return t, err
		}
		if parent.TenantID != t.TenantID || parent.ProjectID != t.ProjectID {
			return t, StructuralError{Reason: "parent task belongs to a different tenant or project"}
		}
		if err := e.walkAncestors(ctx, *newParentID, t.ID); err != nil {
			return t, err
		}
		detail["to_parent"] = parent.ID
		auditEntity = taskRef(parent.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	t.ParentID = newParentID
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, auditEntity, domain.ActionSubtaskAdded, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Start moves a pending task to in_progress, stamps started_at and optionally
// creates child tasks atomically. Children inherit tenant and project, default
// to the starting actor as assignee and are each logged on the parent's trail.
func (e Engine) Start(ctx context.Context, actor domain.ActorContext, taskID int64, subtaskTitles []string) (domain.Task, []domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, nil, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, nil, err
	}
	if err := ensureTransition(t.Status, domain.StatusInProgress); err != nil || t.Status != domain.StatusPending {
		return t, nil, TransitionError{From: t.Status, To: domain.StatusInProgress}
	}
	for _, title := range subtaskTitles {
		if title == "" {
			return t, nil, ValidationError{Field: "subtasks", Reason: "titles must not be empty"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	now := e.ts()
	t.Status = domain.StatusInProgress
	t.StartedAt = &now
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, nil, err
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionStarted, actor, audit.Detail{"status": t.Status}); err != nil {
		return t, nil, err
	}
	var children []domain.Task
	for _, title := range subtaskTitles {
		child := domain.Task{
			TenantID:   t.TenantID,
			ProjectID:  t.ProjectID,
			ParentID:   &t.ID,
			Title:      title,
			Status:     domain.StatusPending,
			AssigneeID: optionalString(actor.ID),
			CreatorID:  actor.ID,
			CreatedAt:  now,
			UpdatedAt:  e.token(),
		}
		child, err = e.Repo.InsertTask(ctx, tx, child)
		if err != nil {
			return t, nil, err
		}
		if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionSubtaskAdded, actor, audit.Detail{
			"subtask_id": child.ID,
			"title":      child.Title,
		}); err != nil {
			return t, nil, err
		}
		children = append(children, child)
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	return t, children, nil
}

// UpdateProgress records percent complete. Progress is monotonic within a
// status epoch; passing regression=true acknowledges an intentional decrease.
func (e Engine) UpdateProgress(ctx context.Context, actor domain.ActorContext, taskID int64, percent int, note string, regression bool) (domain.Task, error) {
	if percent < 0 || percent > 100 {
		return domain.Task{}, ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if t.Status != domain.StatusInProgress {
		return t, TransitionError{Op: "progress update", From: t.Status}
	}
	if percent < t.Progress && !regression {
		return t, ValidationError{Field: "progress", Reason: "must not decrease within the same status epoch"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	previousPercent := t.Progress
	t.Progress = percent
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	detail := audit.Detail{"percent": percent, "previous": previousPercent}
	if note != "" {
		detail["note"] = note
	}
	if regression {
		detail["regression"] = true
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionProgressUpdated, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Delegate reassigns the task. Only the current assignee, or a holder of the
// delegate capability, may hand work to another worker.
func (e Engine) Delegate(ctx context.Context, actor domain.ActorContext, taskID int64, toWorkerID, note string) (domain.Task, error) {
	if toWorkerID == "" {
		return domain.Task{}, ValidationError{Field: "to_worker_id", Reason: "required"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	isAssignee := t.AssigneeID != nil && *t.AssigneeID == actor.ID
	if !isAssignee && !actor.HasCapability(domain.CapDelegate) {
		return t, AuthorizationError{Reason: "only the assignee or a supervisor may delegate"}
	}
	target, err := e.Repo.GetWorker(ctx, toWorkerID)
	if err != nil {
		return t, err
	}
	if target.Disabled {
		return t, ValidationError{Field: "to_worker_id", Reason: "worker is disabled"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	from := ""
	if t.AssigneeID != nil {
		from = *t.AssigneeID
	}
	t.AssigneeID = &target.ID
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	detail := audit.Detail{"from": from, "to": target.ID}
	if note != "" {
		detail["note"] = note
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionDelegated, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// RequestReview moves an in_progress task to review. Only the current
// assignee may request; agents may request like anyone else.
func (e Engine) RequestReview(ctx context.Context, actor domain.ActorContext, taskID int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, domain.StatusReview); err != nil {
		return t, err
	}
	if t.AssigneeID == nil || *t.AssigneeID != actor.ID {
		return t, AuthorizationError{Reason: "only the assignee may request review"}
	}
	return e.applyTransition(ctx, actor, t, domain.StatusReview, domain.ActionReviewRequested, nil)
}

// Approve decides a review in favour: review -> completed. Role-gated: a
// human actor, or one holding the elevated review capability, may decide.
// Agents without it can request review but never self-approve.
func (e Engine) Approve(ctx context.Context, actor domain.ActorContext, taskID int64, note string) (domain.Task, error) {
	return e.decideReview(ctx, actor, taskID, true, note)
}

// Reject decides a review against: review -> in_progress. Same gate as
// Approve; a reason is required.
func (e Engine) Reject(ctx context.Context, actor domain.ActorContext, taskID int64, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, ValidationError{Field: "reason", Reason: "required"}
	}
	return e.decideReview(ctx, actor, taskID, false, reason)
}

func (e Engine) decideReview(ctx context.Context, actor domain.ActorContext, taskID int64, approve bool, note string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if actor.Kind != domain.KindHuman && !actor.HasCapability(domain.CapReviewApprove) {
		return t, AuthorizationError{Reason: "agents may not decide reviews without elevated review capability"}
	}
	target := domain.StatusCompleted
	action := domain.ActionApproved
	if !approve {
		target = domain.StatusInProgress
		action = domain.ActionRejected
	}
	if err := ensureTransition(t.Status, target); err != nil || t.Status != domain.StatusReview {
		return t, TransitionError{From: t.Status, To: target}
	}
	detail := audit.Detail{}
	if note != "" {
		if approve {
			detail["note"] = note
		} else {
			detail["reason"] = note
		}
	}
	if approve {
		return e.completeGuarded(ctx, actor, t, action, detail)
	}
	return e.applyTransition(ctx, actor, t, target, action, detail)
}

// Complete moves in_progress -> completed directly for tasks that skip
// review. Blocked while any subtask is non-terminal.
func (e Engine) Complete(ctx context.Context, actor domain.ActorContext, taskID int64, note string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, domain.StatusCompleted); err != nil || t.Status != domain.StatusInProgress {
		return t, TransitionError{From: t.Status, To: domain.StatusCompleted}
	}
	detail := audit.Detail{}
	if note != "" {
		detail["note"] = note
	}
	return e.completeGuarded(ctx, actor, t, domain.ActionCompleted, detail)
}

// completeGuarded performs the terminal transition with the rollup condition
// re-validated inside the same transaction that writes the completion.
func (e Engine) completeGuarded(ctx context.Context, actor domain.ActorContext, t domain.Task, action string, detail audit.Detail) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	// Consistent read of the subtree at the instant of the check.
	fresh, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	if fresh.UpdatedAt != t.UpdatedAt {
		return t, ConflictError{TaskID: t.ID}
	}
	allTerminal, err := e.subtreeTerminalTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	if !allTerminal {
		return t, StructuralError{Reason: "cannot complete task while subtasks are outstanding"}
	}
	prev := t.UpdatedAt
	now := e.ts()
	t.Status = domain.StatusCompleted
	t.Progress = 100
	t.CompletedAt = &now
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	if detail == nil {
		detail = audit.Detail{}
	}
	detail["status"] = t.Status
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), action, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Block pauses an in_progress task. A reason is required.
func (e Engine) Block(ctx context.Context, actor domain.ActorContext, taskID int64, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, ValidationError{Field: "reason", Reason: "required"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, domain.StatusBlocked); err != nil {
		return t, err
	}
	return e.applyTransition(ctx, actor, t, domain.StatusBlocked, domain.ActionBlocked, audit.Detail{"reason": reason})
}

// Unblock resumes a blocked task.
func (e Engine) Unblock(ctx context.Context, actor domain.ActorContext, taskID int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, domain.StatusInProgress); err != nil || t.Status != domain.StatusBlocked {
		return t, TransitionError{From: t.Status, To: domain.StatusInProgress}
	}
	return e.applyTransition(ctx, actor, t, domain.StatusInProgress, domain.ActionUnblocked, nil)
}

// Reopen reverses a completed task back to in_progress. Logged as a distinct
// action, never a silent revert; progress tracking restarts in a new epoch.
func (e Engine) Reopen(ctx context.Context, actor domain.ActorContext, taskID int64, note string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Tenants.Authorize(actor, t.TenantID); err != nil {
		return t, err
	}
	if t.Status != domain.StatusCompleted {
		return t, TransitionError{From: t.Status, To: domain.StatusInProgress}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	previousProgress := t.Progress
	t.Status = domain.StatusInProgress
	t.Progress = 0
	t.CompletedAt = nil
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	detail := audit.Detail{"previous_progress": previousProgress}
	if note != "" {
		detail["note"] = note
	}
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), domain.ActionReopened, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// applyTransition performs a simple status change plus its audit record in
// one transaction.
func (e Engine) applyTransition(ctx context.Context, actor domain.ActorContext, t domain.Task, target, action string, detail audit.Detail) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	prev := t.UpdatedAt
	t.Status = target
	t.UpdatedAt = e.token()
	if err := e.guardedUpdate(ctx, tx, t, prev); err != nil {
		return t, err
	}
	if detail == nil {
		detail = audit.Detail{}
	}
	detail["status"] = target
	if err := e.Audit.Append(ctx, tx, t.TenantID, entityTask, taskRef(t.ID), action, actor, detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) guardedUpdate(ctx context.Context, tx *sql.Tx, t domain.Task, prevUpdatedAt string) error {
	err := e.Repo.UpdateTaskGuarded(ctx, tx, t, prevUpdatedAt)
	if errors.Is(err, repo.ErrStale) {
		return ConflictError{TaskID: t.ID}
	}
	return err
}

// walkAncestors climbs the parent chain from startID. It fails if forbiddenID
// appears on the path (a cycle would form) or the depth bound is exceeded.
func (e Engine) walkAncestors(ctx context.Context, startID, forbiddenID int64) error {
	cur := startID
	for depth := 0; ; depth++ {
		if depth >= maxAncestorDepth {
			return StructuralError{Reason: "task hierarchy exceeds maximum depth"}
		}
		if cur == forbiddenID {
			return StructuralError{Reason: "task hierarchy cycle detected"}
		}
		t, err := e.Repo.GetTask(ctx, cur)
		if err != nil {
			return err
		}
		if t.ParentID == nil {
			return nil
		}
		cur = *t.ParentID
	}
}

// ComputeRollup reports whether every direct and transitive subtask is in a
// terminal status. Read-only; Complete re-runs the same check inside its own
// transaction.
func (e Engine) ComputeRollup(ctx context.Context, taskID int64) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return e.subtreeTerminalTx(ctx, tx, taskID)
}

func (e Engine) subtreeTerminalTx(ctx context.Context, tx *sql.Tx, taskID int64) (bool, error) {
	children, err := e.Repo.ListChildrenTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if !domain.TerminalStatus(c.Status) {
			return false, nil
		}
		ok, err := e.subtreeTerminalTx(ctx, tx, c.ID)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// Subtree returns the task tree rooted at rootID down to maxDepth levels.
func (e Engine) Subtree(ctx context.Context, actor domain.ActorContext, rootID int64, maxDepth int) (domain.TaskNode, error) {
	if maxDepth <= 0 || maxDepth > maxAncestorDepth {
		maxDepth = maxAncestorDepth
	}
	root, err := e.Repo.GetTask(ctx, rootID)
	if err != nil {
		return domain.TaskNode{}, err
	}
	if err := e.Tenants.Authorize(actor, root.TenantID); err != nil {
		return domain.TaskNode{}, err
	}
	return e.buildNode(ctx, root, maxDepth)
}

func (e Engine) buildNode(ctx context.Context, t domain.Task, depth int) (domain.TaskNode, error) {
	node := domain.TaskNode{Task: t}
	if depth <= 1 {
		return node, nil
	}
	children, err := e.Repo.ListChildren(ctx, t.ID)
	if err != nil {
		return node, err
	}
	for _, c := range children {
		child, err := e.buildNode(ctx, c, depth-1)
		if err != nil {
			return node, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func ensureTransition(from, to string) error {
	switch from {
	case domain.StatusPending:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusReview || to == domain.StatusCompleted || to == domain.StatusBlocked {
			return nil
		}
	case domain.StatusReview:
		if to == domain.StatusCompleted || to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusBlocked:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusCompleted:
		// Only the explicit reopen path leaves completed.
		if to == domain.StatusInProgress {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// taskRef renders a task id for the polymorphic audit entity reference.
func taskRef(id int64) string {
	return strconv.FormatInt(id, 10)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
