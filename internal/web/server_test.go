package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/dispatch/internal/agent"
	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/mtzanidakis/dispatch/internal/registry"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/router"
	"github.com/mtzanidakis/dispatch/internal/store"
	"github.com/mtzanidakis/dispatch/internal/task"
	"golang.org/x/crypto/bcrypt"
)

var testWorkers = []config.WorkerDefinition{
	{Name: "python", Description: "Python worker"},
	{Name: "go", Description: "Go worker"},
}

func newTestServer(t *testing.T, s *store.Store, auth string) *Server {
	t.Helper()
	names := []string{"python", "go"}
	r, err := router.New(router.Config{Workers: names}, router.HeuristicScorer{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	o, err := agent.NewOrchestrator(r, resource.NewManager(resource.Config{Workers: names}), bus.New(bus.Config{}))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if s != nil {
		j := agent.NewJournal(s)
		j.Attach(o.Bus())
		ctx, cancel := context.WithCancel(context.Background())
		go j.Run(ctx)
		t.Cleanup(func() {
			cancel()
			<-j.Done()
		})
	}
	return NewServer(s, nil, o, registry.New(s, testWorkers), config.WebConfig{Auth: auth}, "test")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAuthBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h := newTestServer(t, nil, string(hash)).Handler()

	if rec := get(t, h, "/api/stats"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"wrong"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"secret"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != sessionCookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected session to be valid, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestAuthPlainPassword(t *testing.T) {
	srv := newTestServer(t, nil, "hunter2")
	if !srv.passwordMatches("hunter2") || srv.passwordMatches("hunter3") {
		t.Error("plain password comparison is wrong")
	}

	h := srv.Handler()
	if rec := get(t, h, "/api/auth/check"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 from auth check, got %d", rec.Code)
	}
	// /metrics is outside the /api auth boundary.
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("expected metrics to be public, got %d", rec.Code)
	}
}

func TestLiveEndpoints(t *testing.T) {
	srv := newTestServer(t, nil, "")
	h := srv.Handler()

	if rec := get(t, h, "/api/auth/check"); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 without auth configured, got %d", rec.Code)
	}

	_, err := srv.orch.ProcessTask(context.Background(), task.Task{ID: "t1", Description: "fix a typo", WorkerHint: "go"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	rec := get(t, h, "/api/tasks/t1")
	var body struct {
		Source string       `json:"source"`
		Record agent.Record `json:"record"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if body.Source != "live" || body.Record.State != agent.StateDispatched {
		t.Errorf("unexpected task response %+v", body)
	}

	if rec := get(t, h, "/api/tasks/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", rec.Code)
	}

	var log []bus.Message
	if err := json.Unmarshal(get(t, h, "/api/log?type=DECISION").Body.Bytes(), &log); err != nil || len(log) != 1 {
		t.Errorf("expected one DECISION, got %d, %v", len(log), err)
	}
	if rec := get(t, h, "/api/log?type=NOPE"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/log?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}

	var workers []map[string]any
	if err := json.Unmarshal(get(t, h, "/api/workers").Body.Bytes(), &workers); err != nil || len(workers) != 2 {
		t.Fatalf("unexpected workers %v, %v", workers, err)
	}
	if workers[1]["name"] != "go" || workers[1]["description"] != "Go worker" || workers[1]["status"] != "HEALTHY" {
		t.Errorf("unexpected worker entry %v", workers[1])
	}

	var stats agent.Stats
	if err := json.Unmarshal(get(t, h, "/api/stats").Body.Bytes(), &stats); err != nil || stats.Dispatched != 1 {
		t.Errorf("unexpected stats %+v, %v", stats, err)
	}

	if rec := get(t, h, "/api/decisions"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without journal, got %d", rec.Code)
	}
}

func TestJournalEndpoints(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s, "")
	h := srv.Handler()

	if _, err := srv.orch.ProcessTask(context.Background(), task.Task{ID: "t1", Description: "x"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := srv.orch.HandleExecutionOutcome(context.Background(), task.ExecutionOutcome{TaskID: "t1", Success: true, Quality: 1}); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	srv.orch.Purge(-time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		row, err := s.GetDecision("t1")
		if err == nil && row != nil && row.Status == store.DecisionCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never recorded the outcome: %+v, %v", row, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := get(t, h, "/api/tasks/t1")
	var body struct {
		Source   string          `json:"source"`
		Decision store.Decision  `json:"decision"`
		Outcomes []store.Outcome `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Source != "journal" || body.Decision.Status != store.DecisionCompleted || len(body.Outcomes) != 1 {
		t.Errorf("unexpected journal task %+v", body)
	}

	var decisions struct {
		Decisions []store.Decision `json:"decisions"`
		Counts    map[string]int   `json:"counts"`
	}
	if err := json.Unmarshal(get(t, h, "/api/decisions").Body.Bytes(), &decisions); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(decisions.Decisions) != 1 || decisions.Counts[store.DecisionCompleted] != 1 {
		t.Errorf("unexpected decisions %+v", decisions)
	}

	var messages []store.BusMessage
	if err := json.Unmarshal(get(t, h, "/api/messages?type=OUTCOME").Body.Bytes(), &messages); err != nil || len(messages) != 1 {
		t.Errorf("expected one journaled OUTCOME, got %d, %v", len(messages), err)
	}

	if body := strings.TrimSpace(get(t, h, "/api/jobs").Body.String()); body != "[]" {
		t.Errorf("expected empty job list, got %s", body)
	}
}

func TestWebSocketStreamsBusMessages(t *testing.T) {
	srv := newTestServer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)
	srv.subscribeEvents()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := srv.orch.ProcessTask(context.Background(), task.Task{ID: "t1", Description: "x"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Type    string      `json:"type"`
		Payload bus.Message `json:"payload"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Type != "bus.decision" || event.Payload.ConversationID != "t1" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestWebSocketTypeFilterAndShutdown(t *testing.T) {
	srv := newTestServer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)
	srv.subscribeEvents()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws?types=BUS.OUTCOME", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := srv.orch.ProcessTask(context.Background(), task.Task{ID: "t1", Description: "x"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := srv.orch.HandleExecutionOutcome(context.Background(), task.ExecutionOutcome{TaskID: "t1", Success: true, Quality: 1}); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Type != "bus.outcome" {
		t.Errorf("filtered stream delivered %s first", event.Type)
	}

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestParseTypes(t *testing.T) {
	got := parseTypes(" Bus.Outcome, ,maintenance")
	if len(got) != 2 || got[0] != "bus.outcome" || got[1] != "maintenance" {
		t.Errorf("unexpected prefixes %v", got)
	}
	if parseTypes("") != nil {
		t.Error("empty filter must mean everything")
	}
}
