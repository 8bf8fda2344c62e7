package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/heartbeat"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controlplane-test.db")
	s, err := persistence.Open(path, bus.New())
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixedLimiter int

func (f fixedLimiter) Update() int { return int(f) }

func newTestServer(t *testing.T, store *persistence.Store) *Server {
	t.Helper()
	q := groupqueue.New(10, fixedLimiter(4), bus.New(), nil)
	mon := resourcemonitor.New(4)
	settings := heartbeat.NewLiveSettings(heartbeat.Settings{
		Enabled: true, IntervalMs: 60_000, SilenceThresholdMs: 60_000,
		EscalateAfterErrors: 3, AckMaxChars: 200,
	})
	return New(Config{
		Addr:              "127.0.0.1:0",
		Store:             store,
		Queue:             q,
		Monitor:           mon,
		HeartbeatSettings: settings,
		CORS:              config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"}, AllowedHeaders: []string{"Content-Type"}, MaxAge: 3600},
		Version:           "test-version",
	})
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func httptestBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)

	rec := doRequest(t, s, "GET", "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
}

func TestHandleStatus(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateGroup(context.Background(), persistence.Group{Folder: "main", Name: "Main", ChatJID: "jid-1", IsMain: true}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	s := newTestServer(t, store)

	rec := doRequest(t, s, "GET", "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	groups, _ := body["registeredGroups"].([]any)
	if len(groups) != 1 || groups[0] != "main" {
		t.Errorf("registeredGroups = %v, want [main]", groups)
	}
}

func TestHandleListAndGetTask(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)
	past := time.Now().Add(-time.Minute)
	if _, err := store.CreateTask(context.Background(), persistence.Task{
		ID: "t1", GroupFolder: "main", ChatJID: "jid-1", Prompt: "p",
		ScheduleType: "once", NextRun: &past,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := doRequest(t, s, "GET", "/scheduler/tasks")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var listBody map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listBody["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", listBody["count"])
	}

	rec = doRequest(t, s, "GET", "/scheduler/tasks/t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/scheduler/tasks/does-not-exist")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", rec.Code)
	}
}

func TestHandleTaskAction_PauseThenResume(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)
	future := time.Now().Add(time.Hour)
	if _, err := store.CreateTask(context.Background(), persistence.Task{
		ID: "t2", GroupFolder: "main", ChatJID: "jid-1", Prompt: "p",
		ScheduleType: "once", NextRun: &future,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := doRequest(t, s, "POST", "/scheduler/tasks/t2/pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	got, err := store.GetTaskByID(context.Background(), "t2")
	if err != nil || got.Status != persistence.TaskStatusPaused {
		t.Fatalf("task after pause = %+v, err=%v", got, err)
	}

	// Pausing an already-paused task has no matching row -> 404.
	rec = doRequest(t, s, "POST", "/scheduler/tasks/t2/pause")
	if rec.Code != http.StatusNotFound {
		t.Errorf("re-pause status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, s, "POST", "/scheduler/tasks/t2/resume")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	got, err = store.GetTaskByID(context.Background(), "t2")
	if err != nil || got.Status != persistence.TaskStatusActive {
		t.Fatalf("task after resume = %+v, err=%v", got, err)
	}
}

func TestHandleTaskAction_CancelIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)
	future := time.Now().Add(time.Hour)
	if _, err := store.CreateTask(context.Background(), persistence.Task{
		ID: "t3", GroupFolder: "main", ChatJID: "jid-1", Prompt: "p",
		ScheduleType: "once", NextRun: &future,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, "POST", "/scheduler/tasks/t3/cancel")
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel #%d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestHandleSchedulerStats(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)

	rec := doRequest(t, s, "GET", "/scheduler/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHeartbeatConfig_GetAndPatch(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)

	rec := doRequest(t, s, "GET", "/heartbeat/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("get config status = %d, want 200", rec.Code)
	}

	req := httptest.NewRequest("PATCH", "/heartbeat/config", jsonBody(t, map[string]any{
		"show_ok":     false,
		"interval_ms": 1000, // below 60s floor -> rejected, left unchanged
	}))
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", rec.Code)
	}
	var got heartbeat.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if got.ShowOk {
		t.Error("ShowOk = true after patch, want false")
	}
	if got.IntervalMs != 60_000 {
		t.Errorf("IntervalMs = %d, want unchanged 60000 (invalid patch value clamped)", got.IntervalMs)
	}
}

func TestHeartbeatConfig_MalformedJSON(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)

	req := httptest.NewRequest("PATCH", "/heartbeat/config", httptestBody("not json"))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCORS_PreflightOnControlPlaneRoutes(t *testing.T) {
	store := openTestStore(t)
	s := newTestServer(t, store)

	req := httptest.NewRequest("OPTIONS", "/status", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
