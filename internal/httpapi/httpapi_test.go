package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/taskmesh/engine/internal/jobs"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/scheduler"
)

type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, _ model.Task, _ string) (string, error) {
	return "ok", nil
}

func newTestServer(t *testing.T) (*Server, *repository.Repository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	db, err := repository.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repository.New(db, 50, nil)

	sched := scheduler.New(repo, nil, nil, noopExecutor{}, nil)
	reg := jobs.New(8, nil, nil)
	t.Cleanup(reg.Close)

	srv := New(Config{
		Repo:        repo,
		Scheduler:   sched,
		Jobs:        reg,
		TokenSecret: "test-secret",
	})
	return srv, repo
}

func bearer(t *testing.T, srv *Server) string {
	t.Helper()
	tok, err := srv.tokens.Issue("tester", []string{"*"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestHealthIsPublicAndUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestPlanApproveCreatesRootAndChildren(t *testing.T) {
	srv, repo := newTestServer(t)
	token := bearer(t, srv)

	body := map[string]any{
		"title": "launch",
		"tasks": []map[string]any{
			{"name": "draft", "priority": 1},
			{"name": "review", "priority": 2},
		},
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/plans/approve", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)

	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp struct {
		RootTaskID int64   `json:"root_task_id"`
		TaskIDs    []int64 `json:"task_ids"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.TaskIDs) != 2 {
		t.Fatalf("expected 2 child tasks, got %d", len(resp.TaskIDs))
	}

	tasks, err := repo.ListPlanTasks(context.Background(), "launch")
	if err != nil {
		t.Fatalf("list plan tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks tagged into the plan, got %d", len(tasks))
	}
}

func TestPlanApproveRejectsMissingTitle(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearer(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/plans/approve", bytes.NewReader([]byte(`{"tasks":[]}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestTaskGetRoundTrip(t *testing.T) {
	srv, repo := newTestServer(t)
	token := bearer(t, srv)

	id, err := repo.CreateTask(context.Background(), nil, "[p] a", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+strconv.FormatInt(id, 10), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
}

func TestRateLimitMiddlewareDeniesOverCapacity(t *testing.T) {
	limiter := NewPerKeyLimiter(1, 0, time.Minute, 100)
	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), rateLimitMiddleware(limiter, nil))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request denied, got %d", second.Code)
	}
}

func TestTokenServiceRoundTrip(t *testing.T) {
	ts := NewTokenService("secret", time.Minute)
	tok, err := ts.Issue("alice", []string{"read"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ts.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "alice" || !claims.HasScope("read") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := ts.Verify("not-a-token"); err == nil {
		t.Fatal("expected invalid token to be rejected")
	}
}
