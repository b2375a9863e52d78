package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

// UpsertHandoff replaces any pending tenant switch for the actor. A newer
// switch supersedes an unconsumed older one.
func (r Repo) UpsertHandoff(ctx context.Context, tx *sql.Tx, h domain.TenantHandoff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenant_handoffs(actor_id,tenant_id,created_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET tenant_id=excluded.tenant_id, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		h.ActorID, h.TenantID, h.CreatedAt, h.ExpiresAt)
	return err
}

func (r Repo) GetHandoffTx(ctx context.Context, tx *sql.Tx, actorID string) (domain.TenantHandoff, error) {
	var h domain.TenantHandoff
	err := tx.QueryRowContext(ctx, `SELECT actor_id,tenant_id,created_at,expires_at FROM tenant_handoffs WHERE actor_id=?`, actorID).
		Scan(&h.ActorID, &h.TenantID, &h.CreatedAt, &h.ExpiresAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

// DeleteHandoffTx removes the pending switch and reports whether this call
// actually deleted it. Concurrent consumers race on the same row; exactly
// one observes true.
func (r Repo) DeleteHandoffTx(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM tenant_handoffs WHERE actor_id=?`, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeExpiredHandoffs drops rows whose TTL elapsed before the given instant.
func (r Repo) PurgeExpiredHandoffs(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tenant_handoffs WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
