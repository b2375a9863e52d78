package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/tenant"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Human  domain.ActorContext
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
	eng := engine.New(conn, config.Default("acme"))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	ctx := context.Background()
	human := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}
	if _, err := eng.CreateTenant(ctx, human, "acme", "Acme"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := eng.CreateProject(ctx, human, "core", "acme", "Core", ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Human: human}
}

func (env testEnv) registerWorker(t *testing.T, handle, kind string, caps ...string) domain.Worker {
	t.Helper()
	w, err := env.Engine.RegisterWorker(env.Ctx, env.Human, engine.WorkerRegisterOptions{
		Handle:       handle,
		Kind:         kind,
		Capabilities: caps,
		TenantID:     "acme",
	})
	if err != nil {
		t.Fatalf("register worker %s: %v", handle, err)
	}
	return w
}

func (env testEnv) actorFor(w domain.Worker) domain.ActorContext {
	return domain.ActorContext{ID: w.ID, Kind: w.Kind, TenantID: "acme", Capabilities: w.Capabilities}
}

func (env testEnv) createTask(t *testing.T, title string, assignee string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{
		ProjectID:  "core",
		Title:      title,
		AssigneeID: assignee,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Build feature", "")

	if task.Status != domain.StatusPending || task.Progress != 0 {
		t.Fatalf("unexpected initial state: %s %d", task.Status, task.Progress)
	}
	task, _, err := env.Engine.Start(env.Ctx, env.Human, task.ID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != domain.StatusInProgress || task.StartedAt == nil {
		t.Fatalf("start did not take effect: %+v", task)
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 60, "halfway-ish", false)
	if err != nil || task.Progress != 60 {
		t.Fatalf("progress: %v", err)
	}
	task, err = env.Engine.Complete(env.Ctx, env.Human, task.ID, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.StatusCompleted || task.Progress != 100 || task.CompletedAt == nil {
		t.Fatalf("completion state wrong: %+v", task)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "strict", "")

	if _, err := env.Engine.Complete(env.Ctx, env.Human, task.ID, ""); err == nil {
		t.Fatal("pending task must not complete directly")
	}
	if _, err := env.Engine.Block(env.Ctx, env.Human, task.ID, "waiting"); err == nil {
		t.Fatal("pending task must not block")
	}
	task, _, err := env.Engine.Start(env.Ctx, env.Human, task.ID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := env.Engine.Start(env.Ctx, env.Human, task.ID, nil); err == nil {
		t.Fatal("double start must fail")
	}
	var te engine.TransitionError
	_, err = env.Engine.Reopen(env.Ctx, env.Human, task.ID, "")
	if !errors.As(err, &te) {
		t.Fatalf("reopen of non-completed task: want TransitionError, got %v", err)
	}
}

func TestSubtaskRollupGatesCompletion(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	parent, children, err := env.Engine.Start(env.Ctx, env.Human, parent.ID, []string{"child-a", "child-b"})
	if err != nil {
		t.Fatalf("start with subtasks: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(children))
	}

	_, err = env.Engine.Complete(env.Ctx, env.Human, parent.ID, "")
	var se engine.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("expected structural error while children open, got %v", err)
	}

	for _, c := range children {
		if _, _, err := env.Engine.Start(env.Ctx, env.Human, c.ID, nil); err != nil {
			t.Fatalf("start child: %v", err)
		}
		if _, err := env.Engine.Complete(env.Ctx, env.Human, c.ID, ""); err != nil {
			t.Fatalf("complete child: %v", err)
		}
	}
	done, err := env.Engine.ComputeRollup(env.Ctx, parent.ID)
	if err != nil || !done {
		t.Fatalf("rollup should be satisfied: %v %v", done, err)
	}
	if _, err := env.Engine.Complete(env.Ctx, env.Human, parent.ID, ""); err != nil {
		t.Fatalf("parent completion after children done: %v", err)
	}
}

func TestAuditTrailForStartWithSubtasks(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "tracked", "")
	parent, children, err := env.Engine.Start(env.Ctx, env.Human, parent.ID, []string{"one", "two"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, c := range children {
		if _, _, err := env.Engine.Start(env.Ctx, env.Human, c.ID, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Complete(env.Ctx, env.Human, c.ID, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Complete(env.Ctx, env.Human, parent.ID, ""); err != nil {
		t.Fatal(err)
	}

	records, err := env.Engine.Audit.ByEntity(env.Ctx, "task", taskID(parent.ID))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	want := []string{
		domain.ActionCreated,
		domain.ActionStarted,
		domain.ActionSubtaskAdded,
		domain.ActionSubtaskAdded,
		domain.ActionCompleted,
	}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, rec := range records {
		if rec.Action != want[i] {
			t.Fatalf("record %d: want %s, got %s", i, want[i], rec.Action)
		}
		if rec.ID <= 0 || rec.ActorID != env.Human.ID {
			t.Fatalf("record %d malformed: %+v", i, rec)
		}
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID <= records[i-1].ID {
			t.Fatalf("audit ids not strictly increasing at %d", i)
		}
	}
}

func TestProgressRules(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "progress", "")

	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 10, "", false); err == nil {
		t.Fatal("progress on pending task must fail")
	}
	task, _, err := env.Engine.Start(env.Ctx, env.Human, task.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 101, "", false); err == nil {
		t.Fatal("progress above 100 must fail")
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, -1, "", false); err == nil {
		t.Fatal("negative progress must fail")
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 50, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 30, "", false); err == nil {
		t.Fatal("silent regression must fail")
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 30, "rework", true)
	if err != nil || task.Progress != 30 {
		t.Fatalf("acknowledged regression: %v", err)
	}

	// Reopen starts a fresh epoch at zero.
	task, err = env.Engine.Complete(env.Ctx, env.Human, task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Reopen(env.Ctx, env.Human, task.ID, "missed a case")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusInProgress || task.Progress != 0 || task.CompletedAt != nil {
		t.Fatalf("reopen state wrong: %+v", task)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 10, "", false); err != nil {
		t.Fatalf("progress after reopen: %v", err)
	}
}

func TestAgentCannotSelfApprove(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerWorker(t, "bot-1", domain.KindAgent)
	agentActor := env.actorFor(agent)
	reviewer := env.registerWorker(t, "bot-2", domain.KindAgent, domain.CapReviewApprove)

	task := env.createTask(t, "agent work", agent.ID)
	if _, _, err := env.Engine.Start(env.Ctx, agentActor, task.ID, nil); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.RequestReview(env.Ctx, agentActor, task.ID)
	if err != nil {
		t.Fatalf("agent may request review: %v", err)
	}
	if task.Status != domain.StatusReview {
		t.Fatalf("expected review, got %s", task.Status)
	}

	var ae engine.AuthorizationError
	_, err = env.Engine.Approve(env.Ctx, agentActor, task.ID, "")
	if !errors.As(err, &ae) {
		t.Fatalf("plain agent approve: want AuthorizationError, got %v", err)
	}
	_, err = env.Engine.Reject(env.Ctx, agentActor, task.ID, "nope")
	if !errors.As(err, &ae) {
		t.Fatalf("plain agent reject: want AuthorizationError, got %v", err)
	}

	// An agent holding the elevated review capability may decide.
	task, err = env.Engine.Approve(env.Ctx, env.actorFor(reviewer), task.ID, "lgtm")
	if err != nil || task.Status != domain.StatusCompleted {
		t.Fatalf("capable agent approve: %v", err)
	}
}

func TestReviewRejectReturnsToInProgress(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerWorker(t, "bot-3", domain.KindAgent)
	agentActor := env.actorFor(agent)
	task := env.createTask(t, "needs rework", agent.ID)
	if _, _, err := env.Engine.Start(env.Ctx, agentActor, task.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestReview(env.Ctx, agentActor, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, env.Human, task.ID, ""); err == nil {
		t.Fatal("reject without reason must fail")
	}
	task, err := env.Engine.Reject(env.Ctx, env.Human, task.ID, "tests missing")
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("reject: %v", err)
	}
}

func TestReviewRequestAssigneeOnly(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerWorker(t, "bot-4", domain.KindAgent)
	other := env.registerWorker(t, "bot-5", domain.KindAgent)
	task := env.createTask(t, "owned", agent.ID)
	if _, _, err := env.Engine.Start(env.Ctx, env.actorFor(agent), task.ID, nil); err != nil {
		t.Fatal(err)
	}
	var ae engine.AuthorizationError
	if _, err := env.Engine.RequestReview(env.Ctx, env.actorFor(other), task.ID); !errors.As(err, &ae) {
		t.Fatalf("non-assignee review request: want AuthorizationError, got %v", err)
	}
}

func TestDelegateGate(t *testing.T) {
	env := newTestEnv(t)
	owner := env.registerWorker(t, "bot-owner", domain.KindAgent)
	target := env.registerWorker(t, "bot-target", domain.KindAgent)
	bystander := env.registerWorker(t, "bot-bystander", domain.KindAgent)
	supervisor := env.registerWorker(t, "bot-supervisor", domain.KindAgent, domain.CapDelegate)

	task := env.createTask(t, "delegable", owner.ID)

	var ae engine.AuthorizationError
	if _, err := env.Engine.Delegate(env.Ctx, env.actorFor(bystander), task.ID, target.ID, ""); !errors.As(err, &ae) {
		t.Fatalf("bystander delegate: want AuthorizationError, got %v", err)
	}
	task, err := env.Engine.Delegate(env.Ctx, env.actorFor(owner), task.ID, target.ID, "over to you")
	if err != nil {
		t.Fatalf("assignee delegate: %v", err)
	}
	if task.AssigneeID == nil || *task.AssigneeID != target.ID {
		t.Fatalf("assignee not updated: %+v", task)
	}
	task, err = env.Engine.Delegate(env.Ctx, env.actorFor(supervisor), task.ID, owner.ID, "")
	if err != nil {
		t.Fatalf("supervisor delegate: %v", err)
	}

	disabled := env.registerWorker(t, "bot-disabled", domain.KindAgent)
	if _, err := env.Engine.SetWorkerDisabled(env.Ctx, env.Human, disabled.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Delegate(env.Ctx, env.actorFor(owner), task.ID, disabled.ID, ""); err == nil {
		t.Fatal("delegate to disabled worker must fail")
	}
}

func TestReparentRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a", "")
	b, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "core", Title: "b", ParentID: &a.ID})
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "core", Title: "c", ParentID: &b.ID})
	if err != nil {
		t.Fatal(err)
	}

	var se engine.StructuralError
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, a.ID, &c.ID); !errors.As(err, &se) {
		t.Fatalf("cycle reparent: want StructuralError, got %v", err)
	}
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, a.ID, &a.ID); !errors.As(err, &se) {
		t.Fatalf("self parent: want StructuralError, got %v", err)
	}

	// Detach and move to a sibling both stay legal.
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, c.ID, nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, c.ID, &a.ID); err != nil {
		t.Fatalf("reattach: %v", err)
	}
}

func TestCrossProjectParentRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, env.Human, "other", "acme", "Other", ""); err != nil {
		t.Fatal(err)
	}
	a := env.createTask(t, "here", "")
	_, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "other", Title: "there", ParentID: &a.ID})
	var se engine.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("cross-project parent: want StructuralError, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	outsider := domain.ActorContext{ID: "eve", Kind: domain.KindHuman, TenantID: "globex"}
	if _, err := env.Engine.CreateTenant(env.Ctx, outsider, "globex", "Globex"); err != nil {
		t.Fatal(err)
	}
	task := env.createTask(t, "private", "")

	var me tenant.MismatchError
	if _, _, err := env.Engine.Start(env.Ctx, outsider, task.ID, nil); !errors.As(err, &me) {
		t.Fatalf("cross-tenant start: want MismatchError, got %v", err)
	}

	admin := domain.ActorContext{
		ID:           "root",
		Kind:         domain.KindHuman,
		TenantID:     "globex",
		Capabilities: []string{domain.CapTenantAdmin},
	}
	if _, _, err := env.Engine.Start(env.Ctx, admin, task.ID, nil); err != nil {
		t.Fatalf("tenant admin bypass: %v", err)
	}
}

func TestBlockRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "blockable", "")
	task, _, err := env.Engine.Start(env.Ctx, env.Human, task.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Block(env.Ctx, env.Human, task.ID, ""); err == nil {
		t.Fatal("block without reason must fail")
	}
	task, err = env.Engine.Block(env.Ctx, env.Human, task.ID, "waiting on upstream")
	if err != nil || task.Status != domain.StatusBlocked {
		t.Fatalf("block: %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, env.Human, task.ID, 10, "", false); err == nil {
		t.Fatal("progress while blocked must fail")
	}
	task, err = env.Engine.Unblock(env.Ctx, env.Human, task.ID)
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("unblock: %v", err)
	}
}

func TestSubtreeDepth(t *testing.T) {
	env := newTestEnv(t)
	root := env.createTask(t, "root", "")
	mid, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "core", Title: "mid", ParentID: &root.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "core", Title: "leaf", ParentID: &mid.ID}); err != nil {
		t.Fatal(err)
	}

	node, err := env.Engine.Subtree(env.Ctx, env.Human, root.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(node.Children) != 1 || len(node.Children[0].Children) != 1 {
		t.Fatalf("full subtree shape wrong: %+v", node)
	}
	shallow, err := env.Engine.Subtree(env.Ctx, env.Human, root.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(shallow.Children) != 0 {
		t.Fatalf("depth 1 should not resolve children")
	}
}

func TestCreateTenantEnrollsUnregisteredCreator(t *testing.T) {
	env := newTestEnv(t)
	founder := domain.ActorContext{ID: "frank", Kind: domain.KindHuman, TenantID: "globex"}
	if _, err := env.Engine.CreateTenant(env.Ctx, founder, "globex", "Globex"); err != nil {
		t.Fatalf("tenant by unregistered creator: %v", err)
	}
	w, err := env.Engine.Repo.GetWorker(env.Ctx, "frank")
	if err != nil {
		t.Fatalf("creator worker row: %v", err)
	}
	if w.Kind != domain.KindHuman {
		t.Fatalf("creator row should default to human, got %s", w.Kind)
	}
	member, err := env.Engine.Repo.IsTenantMember(env.Ctx, "globex", "frank")
	if err != nil {
		t.Fatal(err)
	}
	if !member {
		t.Fatal("creator must be enrolled in the new tenant")
	}
}

func TestDisableWorkerTenantScopedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	target := env.registerWorker(t, "bot-ops", domain.KindAgent)

	var ae engine.AuthorizationError
	if _, err := env.Engine.SetWorkerDisabled(env.Ctx, env.actorFor(target), target.ID, true); !errors.As(err, &ae) {
		t.Fatalf("plain agent disable: want AuthorizationError, got %v", err)
	}

	outsider := domain.ActorContext{ID: "eve", Kind: domain.KindHuman, TenantID: "globex"}
	if _, err := env.Engine.CreateTenant(env.Ctx, outsider, "globex", "Globex"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetWorkerDisabled(env.Ctx, outsider, target.ID, true); !errors.As(err, &ae) {
		t.Fatalf("cross-tenant disable: want AuthorizationError, got %v", err)
	}

	w, err := env.Engine.SetWorkerDisabled(env.Ctx, env.Human, target.ID, true)
	if err != nil || !w.Disabled {
		t.Fatalf("same-tenant human disable: %v", err)
	}
	admin := domain.ActorContext{
		ID:           "root",
		Kind:         domain.KindHuman,
		TenantID:     "globex",
		Capabilities: []string{domain.CapTenantAdmin},
	}
	w, err = env.Engine.SetWorkerDisabled(env.Ctx, admin, target.ID, false)
	if err != nil || w.Disabled {
		t.Fatalf("tenant admin re-enable: %v", err)
	}

	records, err := env.Engine.Audit.ByEntity(env.Ctx, "worker", target.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	want := []string{domain.ActionCreated, domain.ActionBlocked, domain.ActionUnblocked}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, rec := range records {
		if rec.Action != want[i] {
			t.Fatalf("record %d: want %s, got %s", i, want[i], rec.Action)
		}
	}
	if records[1].ActorID != env.Human.ID || records[2].ActorID != admin.ID {
		t.Fatalf("toggle records must name the acting worker: %+v", records[1:])
	}
	if auditDetail(t, records[1])["disabled"] != true {
		t.Fatalf("disable detail wrong: %s", records[1].Detail)
	}
}

func TestReparentAuditDetail(t *testing.T) {
	env := newTestEnv(t)
	origin := env.createTask(t, "origin", "")
	mover, err := env.Engine.CreateTask(env.Ctx, env.Human, engine.TaskCreateOptions{ProjectID: "core", Title: "mover", ParentID: &origin.ID})
	if err != nil {
		t.Fatal(err)
	}
	dest := env.createTask(t, "destination", "")

	// Detach logs on the task itself: a source, no destination.
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, mover.ID, nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	records, err := env.Engine.Audit.ByEntity(env.Ctx, "task", taskID(mover.ID))
	if err != nil || len(records) == 0 {
		t.Fatalf("audit on detached task: %v", err)
	}
	rec := records[len(records)-1]
	if rec.Action != domain.ActionSubtaskAdded {
		t.Fatalf("detach action: %s", rec.Action)
	}
	detail := auditDetail(t, rec)
	if detail["subtask_id"] != float64(mover.ID) || detail["from_parent"] != float64(origin.ID) {
		t.Fatalf("detach detail wrong: %s", rec.Detail)
	}
	if _, ok := detail["to_parent"]; ok {
		t.Fatalf("detach must not record a destination: %s", rec.Detail)
	}

	// Attach logs on the new parent: a destination, and no source for a root.
	if _, err := env.Engine.Reparent(env.Ctx, env.Human, mover.ID, &dest.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	records, err = env.Engine.Audit.ByEntity(env.Ctx, "task", taskID(dest.ID))
	if err != nil || len(records) == 0 {
		t.Fatalf("audit on new parent: %v", err)
	}
	rec = records[len(records)-1]
	if rec.Action != domain.ActionSubtaskAdded {
		t.Fatalf("attach action: %s", rec.Action)
	}
	detail = auditDetail(t, rec)
	if detail["subtask_id"] != float64(mover.ID) || detail["to_parent"] != float64(dest.ID) {
		t.Fatalf("attach detail wrong: %s", rec.Detail)
	}
	if _, ok := detail["from_parent"]; ok {
		t.Fatalf("move from root must not record a source: %s", rec.Detail)
	}
}

func auditDetail(t *testing.T, rec domain.AuditRecord) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(rec.Detail), &m); err != nil {
		t.Fatalf("decode audit detail: %v", err)
	}
	return m
}

func taskID(id int64) string {
	return strconv.FormatInt(id, 10)
}
