package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("taskline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := e.Repo.EnsureWorker(ctx, tx, "tester", now); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	admin := domain.ActorContext{ID: "tester", Kind: domain.KindHuman, TenantID: "taskline"}
	if _, err := e.CreateTenant(ctx, admin, "taskline", "Taskline"); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if _, err := e.CreateProject(ctx, admin, "core", "taskline", "Core", ""); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"project_id": "core",
		"title":      "Ship feature",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	base := fmt.Sprintf("%s/v0/tasks/%d", srv.URL, created.ID)
	res, data = doJSON(t, client, http.MethodPost, base+"/start", map[string]any{
		"subtasks": []string{"write code"},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started StartTaskResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if started.Task.Status != "in_progress" || len(started.Subtasks) != 1 {
		t.Fatalf("unexpected start result: %+v", started)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/progress", map[string]any{
		"percent": 50,
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}

	// Outstanding subtask holds the parent open.
	res, data = doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 with open subtask, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "structural_violation" {
		t.Fatalf("expected structural_violation, got %q", env.Error.Code)
	}

	childBase := fmt.Sprintf("%s/v0/tasks/%d", srv.URL, started.Subtasks[0].ID)
	if res, data = doJSON(t, client, http.MethodPost, childBase+"/start", map[string]any{}, asTester); res.StatusCode != http.StatusOK {
		t.Fatalf("start child: %d %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, childBase+"/complete", map[string]any{}, asTester); res.StatusCode != http.StatusOK {
		t.Fatalf("complete child: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{
		"note": "all done",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "completed" || done.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got %s %d", done.Status, done.Progress)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/audit", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var trail []AuditRecordResponse
	if err := json.Unmarshal(data, &trail); err != nil {
		t.Fatalf("unmarshal trail: %v", err)
	}
	actions := make([]string, 0, len(trail))
	for _, r := range trail {
		actions = append(actions, r.Action)
	}
	want := []string{"created", "started", "subtask_added", "progress_updated", "completed"}
	if len(actions) != len(want) {
		t.Fatalf("trail %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("trail %v, want %v", actions, want)
		}
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"project_id": "core",
		"title":      "Not started",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/complete", srv.URL, created.ID), map[string]any{}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "transition_invalid" {
		t.Fatalf("expected transition_invalid, got %q (%s)", env.Error.Code, string(data))
	}
}

func TestAgentReviewPathOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"handle": "bot-1",
		"kind":   "agent",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", res.StatusCode, string(data))
	}
	var agent WorkerResponse
	if err := json.Unmarshal(data, &agent); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"project_id":  "core",
		"title":       "Agent work",
		"assignee_id": agent.ID,
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{
		"actor_id": agent.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue token: %d %s", res.StatusCode, string(data))
	}
	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	asAgent := map[string]string{"Authorization": "Bearer " + token.Token}

	base := fmt.Sprintf("%s/v0/tasks/%d", srv.URL, created.ID)
	if res, data = doJSON(t, client, http.MethodPost, base+"/start", map[string]any{}, asAgent); res.StatusCode != http.StatusOK {
		t.Fatalf("agent start: %d %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, base+"/review", nil, asAgent); res.StatusCode != http.StatusOK {
		t.Fatalf("agent review request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", map[string]any{}, asAgent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected agent self-approve forbidden, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", map[string]any{
		"note": "looks good",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("human approve: %d %s", res.StatusCode, string(data))
	}
	var approved TaskResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "completed" {
		t.Fatalf("expected completed after approve, got %s", approved.Status)
	}
}

func TestTokenIssuanceConsumesTenantSwitch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants", map[string]any{
		"id":   "globex",
		"name": "Globex",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/switch", map[string]any{
		"tenant_id": "globex",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("begin switch: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue token: %d %s", res.StatusCode, string(data))
	}
	var first TokenResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if !first.Switched || first.TenantID != "globex" {
		t.Fatalf("first token must carry the switch, got %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second token: %d %s", res.StatusCode, string(data))
	}
	var second TokenResponse
	_ = json.Unmarshal(data, &second)
	if second.Switched || second.TenantID != "taskline" {
		t.Fatalf("switch must be consumed exactly once, got %+v", second)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
}
