package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskline/internal/domain"
)

// Writer appends audit records. Append is the only write path; the table has
// no update or delete API anywhere in the module.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Detail map[string]any

// Append writes one record inside the caller's transaction so that the state
// mutation and its audit row commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, tenantID, entityKind, entityID, action string, actor domain.ActorContext, detail Detail) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if detail == nil {
		detail = Detail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(tenant_id,entity_kind,entity_id,action,actor_id,actor_kind,detail_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		tenantID, entityKind, entityID, action, actor.ID, actor.Kind, string(data), ts)
	return err
}

// ByEntity returns the full trail for one entity in strict creation order.
// The AUTOINCREMENT id breaks ties between records written within the same
// timestamp granularity.
func (w Writer) ByEntity(ctx context.Context, entityKind, entityID string) ([]domain.AuditRecord, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,tenant_id,entity_kind,entity_id,action,actor_id,actor_kind,detail_json,created_at
FROM audit_log WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ByTenant returns tenant-wide records created at or after since (RFC3339),
// oldest first. An empty since means the whole history.
func (w Writer) ByTenant(ctx context.Context, tenantID, since string, limit int) ([]domain.AuditRecord, error) {
	query := `SELECT id,tenant_id,entity_kind,entity_id,action,actor_id,actor_kind,detail_json,created_at FROM audit_log WHERE tenant_id=?`
	args := []any{tenantID}
	if since != "" {
		query += ` AND created_at>=?`
		args = append(args, since)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// After returns records with ids greater than the cursor in ascending order,
// used by the webhook dispatcher.
func (w Writer) After(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,tenant_id,entity_kind,entity_id,action,actor_id,actor_kind,detail_json,created_at FROM audit_log WHERE id>?`
	args := []any{cursor}
	if tenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// LatestID returns the most recent audit record id for a tenant.
func (w Writer) LatestID(ctx context.Context, tenantID string) (int64, error) {
	row := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log WHERE tenant_id=?`, tenantID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collect(rows *sql.Rows) ([]domain.AuditRecord, error) {
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntityKind, &rec.EntityID, &rec.Action, &rec.ActorID, &rec.ActorKind, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			rec.Detail = detail.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
