package tenant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/tenant"
)

func newResolver(t *testing.T) (tenant.Resolver, repo.Repo) {
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
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"acme", "globex"} {
		if err := r.InsertTenant(ctx, tx, domain.Tenant{ID: id, Name: id, Status: "active", CreatedAt: now}); err != nil {
			t.Fatalf("insert tenant %s: %v", id, err)
		}
	}
	if err := r.EnsureWorker(ctx, tx, "alice", now); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTenantMember(ctx, tx, "acme", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTenantMember(ctx, tx, "globex", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return tenant.NewResolver(conn, time.Minute), r
}

func TestAuthorizeFailsClosed(t *testing.T) {
	res, _ := newResolver(t)
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	if err := res.Authorize(actor, "acme"); err != nil {
		t.Fatalf("same tenant: %v", err)
	}
	var me tenant.MismatchError
	if err := res.Authorize(actor, "globex"); !errors.As(err, &me) {
		t.Fatalf("other tenant: want MismatchError, got %v", err)
	}
	if err := res.Authorize(actor, ""); !errors.As(err, &me) {
		t.Fatalf("empty target must reject, got %v", err)
	}
	noTenant := domain.ActorContext{ID: "alice", Kind: domain.KindHuman}
	if err := res.Authorize(noTenant, "acme"); !errors.As(err, &me) {
		t.Fatalf("missing tenant claim must reject, got %v", err)
	}

	admin := domain.ActorContext{ID: "root", Kind: domain.KindHuman, TenantID: "acme", Capabilities: []string{domain.CapTenantAdmin}}
	if err := res.Authorize(admin, "globex"); err != nil {
		t.Fatalf("admin bypass: %v", err)
	}
	if err := res.Authorize(admin, ""); !errors.As(err, &me) {
		t.Fatalf("admin with empty target must still reject, got %v", err)
	}
}

func TestBeginSwitchRequiresMembership(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	var nm tenant.NotAMemberError
	if _, err := res.BeginSwitch(ctx, actor, "missing"); !errors.As(err, &nm) {
		t.Fatalf("unknown tenant: want NotAMemberError, got %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureWorker(ctx, tx, "bob", now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	bob := domain.ActorContext{ID: "bob", Kind: domain.KindHuman, TenantID: "acme"}
	if _, err := res.BeginSwitch(ctx, bob, "globex"); !errors.As(err, &nm) {
		t.Fatalf("non-member: want NotAMemberError, got %v", err)
	}

	h, err := res.BeginSwitch(ctx, actor, "globex")
	if err != nil {
		t.Fatalf("member switch: %v", err)
	}
	if h.TenantID != "globex" || h.ActorID != "alice" {
		t.Fatalf("handoff wrong: %+v", h)
	}
}

func TestConsumeSwitchAtMostOnce(t *testing.T) {
	res, _ := newResolver(t)
	ctx := context.Background()
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	if _, err := res.BeginSwitch(ctx, actor, "globex"); err != nil {
		t.Fatal(err)
	}
	tenantID, ok, err := res.ConsumeSwitch(ctx, "alice")
	if err != nil || !ok || tenantID != "globex" {
		t.Fatalf("first consume: %v %v %s", ok, err, tenantID)
	}
	_, ok, err = res.ConsumeSwitch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second consume must observe no pending switch")
	}
}

func TestBeginSwitchReplacesPending(t *testing.T) {
	res, _ := newResolver(t)
	ctx := context.Background()
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	if _, err := res.BeginSwitch(ctx, actor, "globex"); err != nil {
		t.Fatal(err)
	}
	if _, err := res.BeginSwitch(ctx, actor, "acme"); err != nil {
		t.Fatal(err)
	}
	tenantID, ok, err := res.ConsumeSwitch(ctx, "alice")
	if err != nil || !ok {
		t.Fatal(err)
	}
	if tenantID != "acme" {
		t.Fatalf("latest switch must win, got %s", tenantID)
	}
}

func TestExpiredSwitchNotDelivered(t *testing.T) {
	res, _ := newResolver(t)
	ctx := context.Background()
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	base := time.Now().UTC()
	res.Now = func() time.Time { return base }
	if _, err := res.BeginSwitch(ctx, actor, "globex"); err != nil {
		t.Fatal(err)
	}
	res.Now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok, err := res.ConsumeSwitch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expired switch must not be delivered")
	}
	// The row is gone either way.
	_, ok, _ = res.ConsumeSwitch(ctx, "alice")
	if ok {
		t.Fatal("expired row must have been dropped")
	}
}

func TestPurgeExpired(t *testing.T) {
	res, _ := newResolver(t)
	ctx := context.Background()
	actor := domain.ActorContext{ID: "alice", Kind: domain.KindHuman, TenantID: "acme"}

	base := time.Now().UTC()
	res.Now = func() time.Time { return base }
	if _, err := res.BeginSwitch(ctx, actor, "globex"); err != nil {
		t.Fatal(err)
	}
	res.Now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := res.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}
