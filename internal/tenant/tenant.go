package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskline/internal/domain"
	"taskline/internal/repo"
)

// DefaultHandoffTTL bounds how long a pending tenant switch stays consumable.
const DefaultHandoffTTL = 5 * time.Minute

// MismatchError indicates the actor's active tenant does not own the target.
type MismatchError struct {
	ActorID  string
	TenantID string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("actor %s is not operating in tenant %s", e.ActorID, e.TenantID)
}

// NotAMemberError indicates a switch request towards a tenant the actor does
// not belong to.
type NotAMemberError struct {
	ActorID  string
	TenantID string
}

func (e NotAMemberError) Error() string {
	return fmt.Sprintf("actor %s is not a member of tenant %s", e.ActorID, e.TenantID)
}

// Resolver validates tenant scope for every operation and mediates the
// short-lived tenant-switch handoff consumed by credential issuance.
type Resolver struct {
	DB   *sql.DB
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time
}

func NewResolver(db *sql.DB, ttl time.Duration) Resolver {
	if ttl <= 0 {
		ttl = DefaultHandoffTTL
	}
	return Resolver{
		DB:   db,
		Repo: repo.Repo{DB: db},
		TTL:  ttl,
		Now:  time.Now,
	}
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Authorize checks that the actor's active tenant owns the target entity.
// Fails closed: a missing tenant claim or unresolvable target is a rejection,
// never a default allow. Holders of the cross-tenant admin capability pass
// for any resolvable tenant.
func (r Resolver) Authorize(actor domain.ActorContext, targetTenantID string) error {
	if targetTenantID == "" {
		return MismatchError{ActorID: actor.ID, TenantID: targetTenantID}
	}
	if actor.HasCapability(domain.CapTenantAdmin) {
		return nil
	}
	if actor.TenantID == "" || actor.TenantID != targetTenantID {
		return MismatchError{ActorID: actor.ID, TenantID: targetTenantID}
	}
	return nil
}

// BeginSwitch records the actor's intent to operate under a different tenant.
// The pending switch is consumed by the next credential issuance or expires.
func (r Resolver) BeginSwitch(ctx context.Context, actor domain.ActorContext, candidateTenantID string) (domain.TenantHandoff, error) {
	if candidateTenantID == "" {
		return domain.TenantHandoff{}, NotAMemberError{ActorID: actor.ID, TenantID: candidateTenantID}
	}
	if _, err := r.Repo.GetTenant(ctx, candidateTenantID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TenantHandoff{}, NotAMemberError{ActorID: actor.ID, TenantID: candidateTenantID}
		}
		return domain.TenantHandoff{}, err
	}
	member, err := r.Repo.IsTenantMember(ctx, candidateTenantID, actor.ID)
	if err != nil {
		return domain.TenantHandoff{}, err
	}
	if !member {
		return domain.TenantHandoff{}, NotAMemberError{ActorID: actor.ID, TenantID: candidateTenantID}
	}
	now := r.now().UTC()
	h := domain.TenantHandoff{
		ActorID:   actor.ID,
		TenantID:  candidateTenantID,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(r.TTL).Format(time.RFC3339),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TenantHandoff{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpsertHandoff(ctx, tx, h); err != nil {
		return domain.TenantHandoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TenantHandoff{}, err
	}
	return h, nil
}

// ConsumeSwitch reads and deletes the pending switch in one transaction.
// The delete's rows-affected count decides the winner under concurrent
// callers: exactly one sees ok=true, the rest observe no pending switch.
func (r Resolver) ConsumeSwitch(ctx context.Context, actorID string) (string, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	h, err := r.Repo.GetHandoffTx(ctx, tx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	deleted, err := r.Repo.DeleteHandoffTx(ctx, tx, actorID)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	if !deleted {
		return "", false, nil
	}
	exp, err := time.Parse(time.RFC3339, h.ExpiresAt)
	if err != nil || r.now().After(exp) {
		// Expired rows are dropped, never delivered.
		return "", false, nil
	}
	return h.TenantID, true, nil
}

// PurgeExpired removes handoffs whose TTL elapsed. Safe to call periodically.
func (r Resolver) PurgeExpired(ctx context.Context) (int64, error) {
	return r.Repo.PurgeExpiredHandoffs(ctx, r.now().UTC().Format(time.RFC3339))
}
