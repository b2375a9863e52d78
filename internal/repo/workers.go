package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"taskline/internal/domain"
)

func marshalCapabilities(caps []string) (any, error) {
	if len(caps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanWorker(row taskScanner) (domain.Worker, error) {
	var w domain.Worker
	var caps sql.NullString
	var disabled int
	err := row.Scan(&w.ID, &w.Handle, &w.DisplayName, &w.Kind, &caps, &disabled, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &w.Capabilities)
	}
	w.Disabled = disabled != 0
	return w, nil
}

func (r Repo) InsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	if w.ID == "" {
		return errors.New("id required")
	}
	if w.Handle == "" {
		return errors.New("handle required")
	}
	caps, err := marshalCapabilities(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workers(id,handle,display_name,kind,capabilities_json,disabled,created_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.Handle, w.DisplayName, w.Kind, caps, boolInt(w.Disabled), w.CreatedAt)
	return err
}

// EnsureWorker creates a minimal human worker record if the id is unknown.
// Used when seeding a workspace for a local CLI actor.
func (r Repo) EnsureWorker(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workers(id,handle,display_name,kind,capabilities_json,disabled,created_at) VALUES (?,?,?,?,?,0,?)`,
		id, id, id, domain.KindHuman, nil, now)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT id,handle,display_name,kind,capabilities_json,disabled,created_at FROM workers WHERE id=?`, id))
}

func (r Repo) GetWorkerByHandle(ctx context.Context, handle string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT id,handle,display_name,kind,capabilities_json,disabled,created_at FROM workers WHERE handle=?`, handle))
}

func (r Repo) ListWorkers(ctx context.Context, kind string) ([]domain.Worker, error) {
	query := `SELECT id,handle,display_name,kind,capabilities_json,disabled,created_at FROM workers`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY handle ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SetWorkerDisabled soft-disables (or re-enables) a worker. Workers are
// never deleted while tasks reference them.
func (r Repo) SetWorkerDisabled(ctx context.Context, tx *sql.Tx, id string, disabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET disabled=? WHERE id=?`, boolInt(disabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddTenantMember(ctx context.Context, tx *sql.Tx, tenantID, actorID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tenant_members(tenant_id, actor_id) VALUES (?,?)`, tenantID, actorID)
	return err
}

func (r Repo) IsTenantMember(ctx context.Context, tenantID, actorID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tenant_members WHERE tenant_id=? AND actor_id=? LIMIT 1`, tenantID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListTenantMembers(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM tenant_members WHERE tenant_id=? ORDER BY actor_id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
