package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale signals that a guarded update matched no row because the version
// token changed underneath the caller.
var ErrStale = errors.New("stale row version")

func (r Repo) InsertTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,tenant_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, tenantID string) ([]domain.Project, error) {
	query := `SELECT id,tenant_id,name,description,created_at FROM projects`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const taskColumns = `id,tenant_id,project_id,parent_id,title,description,status,progress,priority,tags_json,due_date,assignee_id,creator_id,created_at,updated_at,started_at,completed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var parentID, priority sql.NullInt64
	var description, tagsJSON, dueDate, assigneeID, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.TenantID, &t.ProjectID, &parentID, &t.Title, &description, &t.Status, &t.Progress,
		&priority, &tagsJSON, &dueDate, &assigneeID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.Int64
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &t.Tags)
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// InsertTask inserts the task and returns it with the assigned id.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return t, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(tenant_id,project_id,parent_id,title,description,status,progress,priority,tags_json,due_date,assignee_id,creator_id,created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.TenantID, t.ProjectID, nullableInt64Ptr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Progress,
		nullableIntPtr(t.Priority), tags, nullableStringPtr(t.DueDate), nullableStringPtr(t.AssigneeID), t.CreatorID,
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

// UpdateTaskGuarded writes the task only if the stored updated_at still
// matches prevUpdatedAt; a concurrent writer makes it return ErrStale.
func (r Repo) UpdateTaskGuarded(ctx context.Context, tx *sql.Tx, t domain.Task, prevUpdatedAt string) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_id=?, title=?, description=?, status=?, progress=?, priority=?, tags_json=?, due_date=?, assignee_id=?, updated_at=?, started_at=?, completed_at=?
WHERE id=? AND updated_at=?`,
		nullableInt64Ptr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Progress, nullableIntPtr(t.Priority),
		tags, nullableStringPtr(t.DueDate), nullableStringPtr(t.AssigneeID), t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID, prevUpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	TenantID   string
	ProjectID  string
	Status     string
	ParentID   *int64
	AssigneeID string
	Limit      int
	CursorID   int64
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != nil {
		clauses = append(clauses, "parent_id=?")
		args = append(args, *f.ParentID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListChildren(ctx context.Context, taskID int64) ([]domain.Task, error) {
	return r.listChildren(ctx, r.DB.QueryContext, taskID)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, taskID int64) ([]domain.Task, error) {
	return r.listChildren(ctx, tx.QueryContext, taskID)
}

func (r Repo) listChildren(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), taskID int64) ([]domain.Task, error) {
	rows, err := query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, tenantID, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE tenant_id=? AND project_id=? GROUP BY status`, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
