package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"v3ktor/internal/config"
	"v3ktor/internal/db"
	"v3ktor/internal/engine"
	"v3ktor/internal/migrate"
)

type testEnv struct {
	t       *testing.T
	baseURL string
	key     string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	workspace := t.TempDir()
	opts.Workspace = workspace

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Up(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := engine.New(conn, config.Default())
	srv := New(e, opts)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testEnv{
		t:       t,
		baseURL: "http://" + l.Addr().String(),
		key:     opts.AccessKey,
	}
}

func (env *testEnv) doJSON(method, path string, body any, out any) int {
	env.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			env.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.baseURL+path, reader)
	if err != nil {
		env.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.key != "" {
		req.Header.Set("X-Access-Key", env.key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			env.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	var out struct {
		Status string `json:"status"`
	}
	if code := env.doJSON(http.MethodGet, "/health", nil, &out); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if out.Status != "ok" {
		t.Fatalf("health body = %+v", out)
	}
}

func TestTaskCRUD(t *testing.T) {
	env := newTestEnv(t, Options{})

	var created struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	code := env.doJSON(http.MethodPost, "/v0/tasks", map[string]any{
		"task_id": "task-api", "title": "wire the api",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.Status != "todo" {
		t.Fatalf("created task = %+v", created)
	}

	var patched struct {
		Status string `json:"status"`
	}
	code = env.doJSON(http.MethodPatch, "/v0/tasks/task-api", map[string]any{
		"status": "in_progress",
	}, &patched)
	if code != http.StatusOK || patched.Status != "in_progress" {
		t.Fatalf("patch status = %d body = %+v", code, patched)
	}

	if code := env.doJSON(http.MethodPatch, "/v0/tasks/task-missing", map[string]any{"status": "done"}, nil); code != http.StatusNotFound {
		t.Fatalf("patch missing task status = %d, want 404", code)
	}

	var list struct {
		Tasks []struct {
			ID string `json:"id"`
		} `json:"tasks"`
	}
	if code := env.doJSON(http.MethodGet, "/v0/tasks", nil, &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(list.Tasks))
	}

	if code := env.doJSON(http.MethodDelete, "/v0/tasks/"+created.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status = %d", code)
	}
}

func TestStatusLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})

	if code := env.doJSON(http.MethodGet, "/v0/status", nil, nil); code != http.StatusNotFound {
		t.Fatalf("status before upsert = %d, want 404", code)
	}

	var status struct {
		ID               string `json:"id"`
		OperationalState string `json:"operational_state"`
	}
	code := env.doJSON(http.MethodPatch, "/v0/status", map[string]any{
		"operational_state": "working",
	}, &status)
	if code != http.StatusOK || status.OperationalState != "working" {
		t.Fatalf("upsert status = %d body = %+v", code, status)
	}

	var fetched struct {
		ID string `json:"id"`
	}
	if code := env.doJSON(http.MethodGet, "/v0/status", nil, &fetched); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if fetched.ID != status.ID {
		t.Fatal("expected the singleton row back")
	}
}

func TestChangesCursor(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.doJSON(http.MethodPost, "/v0/notes", map[string]any{"content": "first"}, nil)
	env.doJSON(http.MethodPost, "/v0/notes", map[string]any{"content": "second"}, nil)

	var page struct {
		Changes []struct {
			ID         int64  `json:"id"`
			Collection string `json:"collection"`
			Kind       string `json:"kind"`
		} `json:"changes"`
		Cursor int64 `json:"cursor"`
	}
	if code := env.doJSON(http.MethodGet, "/v0/changes?collections=notes", nil, &page); code != http.StatusOK {
		t.Fatalf("changes status = %d", code)
	}
	if len(page.Changes) != 2 {
		t.Fatalf("expected two note changes, got %d", len(page.Changes))
	}

	var tail struct {
		Changes []struct {
			ID int64 `json:"id"`
		} `json:"changes"`
	}
	path := fmt.Sprintf("/v0/changes?after=%d", page.Changes[0].ID)
	if code := env.doJSON(http.MethodGet, path, nil, &tail); code != http.StatusOK {
		t.Fatalf("changes tail status = %d", code)
	}
	if len(tail.Changes) != 1 {
		t.Fatalf("expected one change after cursor, got %d", len(tail.Changes))
	}
}

func TestAccessKeyAuth(t *testing.T) {
	env := newTestEnv(t, Options{AccessKey: "sekrit"})

	open := &testEnv{t: t, baseURL: env.baseURL}
	if code := open.doJSON(http.MethodGet, "/v0/tasks", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", code)
	}
	if code := open.doJSON(http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", code)
	}
	if code := env.doJSON(http.MethodGet, "/v0/tasks", nil, nil); code != http.StatusOK {
		t.Fatalf("authenticated status = %d", code)
	}
}

func TestTokenUsageEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	var usage struct {
		TokensUsed    int64    `json:"tokens_used"`
		EstimatedCost *float64 `json:"estimated_cost"`
	}
	code := env.doJSON(http.MethodPost, "/v0/tokens", map[string]any{
		"session_id":    "sess-1",
		"input_tokens":  1000,
		"output_tokens": 2000,
		"model":         "zai/glm-4.7",
	}, &usage)
	if code != http.StatusCreated {
		t.Fatalf("log tokens status = %d", code)
	}
	if usage.TokensUsed != 3000 || usage.EstimatedCost == nil {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}
