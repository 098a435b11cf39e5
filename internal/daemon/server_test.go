package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/config"
	"github.com/haasonsaas/patchwork/internal/observability"
	"github.com/haasonsaas/patchwork/internal/sessions"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// testTransport replays scripted responses like a model would.
type testTransport struct {
	responses []string
	deltas    [][]string
	calls     int
}

func (t *testTransport) Complete(ctx context.Context, req agent.CompletionRequest) (string, error) {
	idx := t.calls
	t.calls++
	if idx < len(t.deltas) && req.OnDelta != nil {
		for _, d := range t.deltas[idx] {
			req.OnDelta(agent.Delta{Text: d})
		}
	}
	if idx >= len(t.responses) {
		idx = len(t.responses) - 1
	}
	return t.responses[idx], nil
}

// testRuntime is a minimal tool runtime for handler tests.
type testRuntime struct {
	execCalls int
}

func (t *testRuntime) Specs() []models.ToolSpec {
	return []models.ToolSpec{{Name: "list_files", Description: "list", Permission: models.OpRead}}
}

func (t *testRuntime) PermissionFor(name string) models.PermissionOp { return models.OpRead }

func (t *testRuntime) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	t.execCalls++
	return map[string]any{"files": []string{"a.go"}}, nil
}

func (t *testRuntime) Close() error { return nil }

func newTestServer(t *testing.T, transport agent.ModelTransport) (*Server, *sessions.SQLiteStore) {
	t.Helper()
	store, err := sessions.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	srv, err := New(Options{
		Config:  cfg,
		Logger:  observability.NewNopLogger(),
		Store:   store,
		Runtime: &testRuntime{},
		Broker:  approvals.NewBroker(time.Minute),
		Transport: func(model string) (agent.ModelTransport, string, error) {
			if transport == nil {
				return nil, "", config.ErrMissingCredentials
			}
			return transport, "test", nil
		},
		Cwd:     t.TempDir(),
		DBPath:  ":memory:",
		LogPath: "/nonexistent/current.log",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec, body := doJSON(t, h, "GET", "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, "GET", "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body["mode"] != "daemon" || body["daemonHealthy"] != true {
		t.Errorf("status body = %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d %v", rec.Code, body)
	}
	sessionID := body["sessionId"].(string)

	rec, _ = doJSON(t, h, "PATCH", "/v1/sessions/"+sessionID, map[string]any{"name": "my task"})
	if rec.Code != http.StatusOK {
		t.Errorf("rename = %d", rec.Code)
	}

	rec, body = doJSON(t, h, "GET", "/v1/sessions?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	list := body["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("sessions = %v", list)
	}
	if list[0].(map[string]any)["name"] != "my task" {
		t.Errorf("session = %v", list[0])
	}

	rec, _ = doJSON(t, h, "PATCH", "/v1/sessions/unknown", map[string]any{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("rename unknown = %d, want 404", rec.Code)
	}
}

func TestRulesReplaceAndValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec, body := doJSON(t, h, "GET", "/v1/permissions/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get rules = %d", rec.Code)
	}
	pol := body["policy"].(map[string]any)
	if pol["read"] != "allow" {
		t.Errorf("default policy = %v", pol)
	}

	rec, body = doJSON(t, h, "POST", "/v1/permissions/rules", map[string]any{
		"policy": map[string]any{"exec": "allow"},
	})
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("set rules = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/permissions/rules", map[string]any{
		"policy": map[string]any{"exec": "sometimes"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid policy = %d, want 400", rec.Code)
	}
}

func TestPromptEndToEnd(t *testing.T) {
	transport := &testTransport{
		responses: []string{
			`{"type":"tool_call","tool":"list_files","arguments":{}}`,
			"two files found",
		},
	}
	srv, store := newTestServer(t, transport)
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, body := doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/prompt", map[string]any{
		"prompt": "what files are here?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("prompt = %d %v", rec.Code, body)
	}
	if body["output"] != "two files found" {
		t.Errorf("output = %v", body["output"])
	}

	events, err := store.ListEvents(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var kinds []models.EventKind
	for _, evt := range events {
		kinds = append(kinds, evt.Kind)
	}
	// user prompt, run start, tool round-trip, final assistant turn.
	wantOrder := []models.EventKind{
		models.EventUser,
		models.EventRunStarted,
		models.EventToolCall,
		models.EventToolResult,
		models.EventAssistant,
		models.EventRunFinished,
		models.EventDone,
	}
	if len(kinds) != len(wantOrder) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range wantOrder {
		if kinds[i] != wantOrder[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], wantOrder[i])
		}
	}

	if got := testutil.ToFloat64(srv.metrics.ToolExecutions.WithLabelValues("list_files", "success")); got != 1 {
		t.Errorf("tool executions metric = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(srv.metrics.ToolDuration); got != 1 {
		t.Errorf("tool duration series = %d, want 1", got)
	}
}

func TestPromptValidation(t *testing.T) {
	srv, _ := newTestServer(t, &testTransport{responses: []string{"hi"}})
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, _ := doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/prompt", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/sessions/unknown/prompt", map[string]any{"prompt": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", rec.Code)
	}
}

func TestPromptMissingCredentials(t *testing.T) {
	srv, _ := newTestServer(t, nil) // factory returns ErrMissingCredentials
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, body := doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/prompt", map[string]any{"prompt": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing credentials = %d %v, want 400", rec.Code, body)
	}
}

func TestReplyUnknownRequestIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, _ := doJSON(t, h, "POST",
		fmt.Sprintf("/v1/sessions/%s/permissions/%s/reply", sessionID, "missing"),
		map[string]any{"decision": "allow"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("reply = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST",
		fmt.Sprintf("/v1/sessions/%s/permissions/%s/reply", sessionID, "missing"),
		map[string]any{"decision": "sometimes"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision = %d, want 400", rec.Code)
	}
}

func TestReplyScopedToOwningSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	id, _ := srv.broker.Enqueue(models.PermissionRequest{SessionID: "owner", Op: models.OpExec})

	rec, _ := doJSON(t, h, "POST",
		fmt.Sprintf("/v1/sessions/other/permissions/%s/reply", id),
		map[string]any{"decision": "allow"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-session reply = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST",
		fmt.Sprintf("/v1/sessions/owner/permissions/%s/reply", id),
		map[string]any{"decision": "allow"})
	if rec.Code != http.StatusOK {
		t.Errorf("owning-session reply = %d, want 200", rec.Code)
	}
}

func TestCheckpointAndRevertEmitMarkerEvents(t *testing.T) {
	srv, store := newTestServer(t, nil)
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, body := doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/checkpoint",
		map[string]any{"name": "before refactor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkpoint = %d %v", rec.Code, body)
	}
	checkpointID := body["checkpointId"].(string)
	if checkpointID == "" {
		t.Fatal("empty checkpointId")
	}

	rec, _ = doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/revert",
		map[string]any{"checkpointId": checkpointID})
	if rec.Code != http.StatusOK {
		t.Fatalf("revert = %d", rec.Code)
	}

	events, _ := store.ListEvents(context.Background(), sessionID)
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Kind != models.EventCheckpoint || events[1].Kind != models.EventRevert {
		t.Errorf("kinds = %v, %v", events[0].Kind, events[1].Kind)
	}
	if events[1].Payload["checkpointId"] != checkpointID {
		t.Errorf("revert payload = %v", events[1].Payload)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, store := newTestServer(t, nil)
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)
	store.AppendEvent(context.Background(), sessionID, models.EventUser, map[string]any{"prompt": "hi"})

	req := httptest.NewRequest("GET", "/v1/sessions/"+sessionID+"/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
	var events []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0]["kind"] != "user" {
		t.Errorf("events = %v", events)
	}

	rec2, _ := doJSON(t, h, "GET", "/v1/sessions/unknown/events", nil)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", rec2.Code)
	}
}

func TestSSEStreamSnapshotThenUpdate(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	session, err := store.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	store.AppendEvent(context.Background(), session.ID, models.EventUser, map[string]any{"prompt": "first"})

	resp, err := http.Get(ts.URL + "/v1/sessions/" + session.ID + "/events/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readFrame := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, data := readFrame()
	if event != "snapshot" {
		t.Fatalf("first frame = %q", event)
	}
	var snapshot struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Events) != 1 || snapshot.Events[0].Kind != models.EventUser {
		t.Fatalf("snapshot = %+v", snapshot.Events)
	}

	if _, err := store.AppendEvent(context.Background(), session.ID, models.EventAssistant, map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	event, data = readFrame()
	if event != "update" {
		t.Fatalf("second frame = %q", event)
	}
	var update struct {
		Event models.Event `json:"event"`
	}
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.Event.Kind != models.EventAssistant {
		t.Errorf("update = %+v", update.Event)
	}
	// The snapshot event must not be replayed as an update.
	if update.Event.ID == snapshot.Events[0].ID {
		t.Error("snapshot event replayed as update")
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	_, body := doJSON(t, h, "POST", "/v1/sessions", nil)
	sessionID := body["sessionId"].(string)

	rec, body := doJSON(t, h, "POST", "/v1/sessions/"+sessionID+"/cancel", nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Errorf("cancel = %d %v", rec.Code, body)
	}
}
