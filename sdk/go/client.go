package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         int64   `json:"id"`
	TenantID   string  `json:"tenant_id"`
	ProjectID  string  `json:"project_id"`
	ParentID   *int64  `json:"parent_id,omitempty"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	UpdatedAt  string  `json:"updated_at"`
}

// AuditRecord is one entry of the immutable trail.
type AuditRecord struct {
	ID         int64          `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	ActorKind  string         `json:"actor_kind"`
	Detail     map[string]any `json:"detail"`
	CreatedAt  string         `json:"created_at"`
}

// StartResult pairs the started task with subtasks created alongside it.
type StartResult struct {
	Task     Task   `json:"task"`
	Subtasks []Task `json:"subtasks,omitempty"`
}

// Token is an issued credential.
type Token struct {
	Token    string `json:"token"`
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
	Switched bool   `json:"switched,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// IssueToken requests a credential for an actor. A pending tenant switch is
// consumed by this call.
func (c *Client) IssueToken(ctx context.Context, actorID string) (Token, error) {
	var resp Token
	err := c.do(ctx, http.MethodPost, "v0/auth/token", map[string]any{"actor_id": actorID}, &resp)
	if err == nil && resp.Token != "" {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// CreateTask creates a task in a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string) (Task, error) {
	body := map[string]any{
		"project_id": projectID,
		"title":      title,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// Start begins work on a task, optionally creating subtasks atomically.
func (c *Client) Start(ctx context.Context, id int64, subtasks []string) (StartResult, error) {
	var resp StartResult
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "start"), map[string]any{"subtasks": subtasks}, &resp)
	return resp, err
}

// Progress reports percent complete.
func (c *Client) Progress(ctx context.Context, id int64, percent int, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "progress"), map[string]any{"percent": percent, "note": note}, &resp)
	return resp, err
}

// Delegate reassigns a task.
func (c *Client) Delegate(ctx context.Context, id int64, toWorkerID, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "delegate"), map[string]any{"to_worker_id": toWorkerID, "note": note}, &resp)
	return resp, err
}

// RequestReview moves an in-progress task to review.
func (c *Client) RequestReview(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "review"), map[string]any{}, &resp)
	return resp, err
}

// Approve decides a review in favour.
func (c *Client) Approve(ctx context.Context, id int64, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "approve"), map[string]any{"note": note}, &resp)
	return resp, err
}

// Reject sends a review back to in_progress.
func (c *Client) Reject(ctx context.Context, id int64, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Complete finishes a task directly.
func (c *Client) Complete(ctx context.Context, id int64, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "complete"), map[string]any{"note": note}, &resp)
	return resp, err
}

// Audit returns the full trail for a task.
func (c *Client) Audit(ctx context.Context, id int64) ([]AuditRecord, error) {
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, c.taskPath(id, "audit"), nil, &resp)
	return resp, err
}

// Tasks returns a page of tasks in the caller's tenant.
func (c *Client) Tasks(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := "v0/tasks"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SwitchTenant records a pending tenant switch for the authenticated actor.
func (c *Client) SwitchTenant(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "v0/tenants/switch", map[string]any{"tenant_id": tenantID}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(id int64, p string) string {
	return fmt.Sprintf("v0/tasks/%d/%s", id, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
