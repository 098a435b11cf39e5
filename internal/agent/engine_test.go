package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/policy"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// scriptedTransport replays canned responses, optionally streaming
// deltas before each one.
type scriptedTransport struct {
	responses []string
	deltas    [][]string
	err       error
	calls     int
}

func (s *scriptedTransport) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	idx := s.calls
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if idx < len(s.deltas) && req.OnDelta != nil {
		for _, d := range s.deltas[idx] {
			req.OnDelta(Delta{Text: d})
		}
	}
	if idx >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[idx], nil
}

// fakeRuntime records executions and returns a fixed result.
type fakeRuntime struct {
	execCalls []string
	execArgs  []map[string]any
	result    map[string]any
	execErr   error
	closed    int
}

func (f *fakeRuntime) Specs() []models.ToolSpec {
	return []models.ToolSpec{
		{Name: "list_files", Description: "list", Permission: models.OpRead},
		{Name: "exec", Description: "run", Permission: models.OpExec},
	}
}

func (f *fakeRuntime) PermissionFor(name string) models.PermissionOp {
	if name == "list_files" {
		return models.OpRead
	}
	return models.OpExec
}

func (f *fakeRuntime) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	f.execCalls = append(f.execCalls, name)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeRuntime) Close() error {
	f.closed++
	return nil
}

// eventRecorder captures emitted events in order.
type eventRecorder struct {
	kinds    []models.EventKind
	payloads []map[string]any
}

func (r *eventRecorder) record(kind models.EventKind, payload map[string]any) {
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
}

func kindsEqual(got []models.EventKind, want ...models.EventKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunPlainAssistantReply(t *testing.T) {
	rec := &eventRecorder{}
	transport := &scriptedTransport{
		responses: []string{"final answer"},
		deltas:    [][]string{{"hello ", "world"}},
	}

	result, err := Run(context.Background(), Options{
		Prompt:    "say hi",
		Model:     "test-model",
		Transport: transport,
		Tools:     &fakeRuntime{},
		OnEvent:   rec.record,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "final answer" {
		t.Errorf("text = %q", result.Text)
	}
	if !kindsEqual(rec.kinds,
		models.EventRunStarted,
		models.EventAssistantDelta,
		models.EventAssistantDelta,
		models.EventAssistant,
		models.EventRunFinished,
		models.EventDone) {
		t.Errorf("events = %v", rec.kinds)
	}
	if rec.payloads[1]["text"] != "hello " || rec.payloads[2]["text"] != "world" {
		t.Errorf("delta payloads = %v, %v", rec.payloads[1], rec.payloads[2])
	}
}

func TestRunFencedToolCallThenAnswer(t *testing.T) {
	rec := &eventRecorder{}
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{
		"```\n{\"type\":\"tool_call\",\"tool\":\"list_files\",\"arguments\":{}}\n```",
		"ok",
	}}

	allowAll := policy.Policy{"*": "allow"}
	result, err := Run(context.Background(), Options{
		Prompt:    "list",
		Transport: transport,
		Tools:     rt,
		Policy:    allowAll,
		OnEvent:   rec.record,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("text = %q", result.Text)
	}
	if len(rt.execCalls) != 1 || rt.execCalls[0] != "list_files" {
		t.Errorf("exec calls = %v", rt.execCalls)
	}
	if len(rt.execArgs[0]) != 0 {
		t.Errorf("args = %v", rt.execArgs[0])
	}

	sawCall, sawResult := false, false
	for _, k := range rec.kinds {
		if k == models.EventToolCall {
			sawCall = true
		}
		if k == models.EventToolResult {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("events = %v, want tool_call and tool_result", rec.kinds)
	}
}

func TestRunMissingArgumentsDefaultsEmpty(t *testing.T) {
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{
		`{"type":"tool_call","tool":"list_files"}`,
		"ok",
	}}

	result, err := Run(context.Background(), Options{
		Prompt:    "list",
		Transport: transport,
		Tools:     rt,
		Policy:    policy.Policy{"*": "allow"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("text = %q", result.Text)
	}
	if len(rt.execArgs) != 1 || rt.execArgs[0] == nil || len(rt.execArgs[0]) != 0 {
		t.Errorf("args = %v, want empty map", rt.execArgs)
	}
}

func TestRunModelTimeout(t *testing.T) {
	rec := &eventRecorder{}
	transport := &scriptedTransport{err: errors.New("Model response timeout after 1000ms")}

	_, err := Run(context.Background(), Options{
		Prompt:    "x",
		Transport: transport,
		Tools:     &fakeRuntime{},
		OnEvent:   rec.record,
	})
	if !errors.Is(err, ErrModelTimeout) {
		t.Fatalf("err = %v, want ErrModelTimeout", err)
	}
	if !kindsEqual(rec.kinds, models.EventRunStarted, models.EventModelTimeout, models.EventRunFailed) {
		t.Errorf("events = %v", rec.kinds)
	}
}

func TestRunCancelClassified(t *testing.T) {
	transport := &scriptedTransport{err: errors.New("request cancelled by caller")}

	_, err := Run(context.Background(), Options{
		Prompt:    "x",
		Transport: transport,
		Tools:     &fakeRuntime{},
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestRunAskAutoDenyContinuesToMaxSteps(t *testing.T) {
	rec := &eventRecorder{}
	rt := &fakeRuntime{}
	// Transport keeps asking for the same exec call every step.
	transport := &scriptedTransport{responses: []string{
		`{"type":"tool_call","tool":"exec","arguments":{"command":"rm -rf /"}}`,
	}}

	autoDeny := func(ctx context.Context, req models.PermissionRequest) approvals.Resolution {
		return approvals.Resolution{Decision: policy.Deny, Err: approvals.ErrApprovalTimeout}
	}

	result, err := Run(context.Background(), Options{
		Prompt:              "destroy",
		MaxSteps:            3,
		Transport:           transport,
		Tools:               rt,
		OnEvent:             rec.record,
		OnPermissionRequest: autoDeny,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "Stopped: max steps reached" {
		t.Errorf("text = %q", result.Text)
	}
	if len(rt.execCalls) != 0 {
		t.Errorf("denied tool executed: %v", rt.execCalls)
	}

	// Auto-deny (timed out) must not produce permission_resolved events.
	requests, resolved := 0, 0
	for _, k := range rec.kinds {
		switch k {
		case models.EventPermissionRequest:
			requests++
		case models.EventPermissionResolved:
			resolved++
		}
	}
	if requests != 3 || resolved != 0 {
		t.Errorf("requests = %d, resolved = %d", requests, resolved)
	}
	if last := rec.kinds[len(rec.kinds)-1]; last != models.EventDone {
		t.Errorf("last event = %v", last)
	}
	if rec.payloads[len(rec.payloads)-1]["reason"] != "max_steps" {
		t.Errorf("done payload = %v", rec.payloads[len(rec.payloads)-1])
	}
}

func TestRunRememberRuleAmendsWorkingPolicyOnly(t *testing.T) {
	rec := &eventRecorder{}
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{
		`{"type":"tool_call","tool":"exec","arguments":{"command":"git status"}}`,
		"clean tree",
	}}

	global := policy.Defaults()
	approve := func(ctx context.Context, req models.PermissionRequest) approvals.Resolution {
		return approvals.Resolution{
			Decision: policy.Allow,
			Remember: &policy.Rule{Key: "exec", Pattern: "git status", Decision: policy.Allow},
		}
	}

	result, err := Run(context.Background(), Options{
		Prompt:              "check status",
		Transport:           transport,
		Tools:               rt,
		Policy:              global,
		OnEvent:             rec.record,
		OnPermissionRequest: approve,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rt.execCalls) != 1 {
		t.Fatalf("exec calls = %v", rt.execCalls)
	}

	// Working policy now allows the remembered pattern.
	if d := policy.Evaluate(result.Policy, models.OpExec, "tool.exec", "git status"); d != policy.Allow {
		t.Errorf("working policy decision = %q", d)
	}
	// Global policy still asks.
	if d := policy.Evaluate(global, models.OpExec, "tool.exec", "git status"); d != policy.Ask {
		t.Errorf("global policy decision = %q", d)
	}

	sawResolved := false
	for i, k := range rec.kinds {
		if k == models.EventPermissionResolved {
			sawResolved = true
			if rec.payloads[i]["decision"] != "allow" {
				t.Errorf("resolved payload = %v", rec.payloads[i])
			}
		}
	}
	if !sawResolved {
		t.Error("no permission_resolved event")
	}
}

func TestRunMaxStepsExecutesExactlyK(t *testing.T) {
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{
		`{"type":"tool_call","tool":"list_files","arguments":{}}`,
	}}

	const k = 4
	result, err := Run(context.Background(), Options{
		Prompt:    "loop",
		MaxSteps:  k,
		Transport: transport,
		Tools:     rt,
		Policy:    policy.Policy{"*": "allow"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rt.execCalls) != k {
		t.Errorf("executeTool called %d times, want %d", len(rt.execCalls), k)
	}
	if result.Text != "Stopped: max steps reached" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestRunToolFailureAbsorbedIntoConversation(t *testing.T) {
	rec := &eventRecorder{}
	rt := &fakeRuntime{execErr: errors.New("disk full")}
	transport := &scriptedTransport{responses: []string{
		`{"type":"tool_call","tool":"list_files","arguments":{}}`,
		"giving up",
	}}

	result, err := Run(context.Background(), Options{
		Prompt:    "x",
		Transport: transport,
		Tools:     rt,
		Policy:    policy.Policy{"*": "allow"},
		OnEvent:   rec.record,
	})
	if err != nil {
		t.Fatalf("Run: %v (tool errors must not terminate the run)", err)
	}
	if result.Text != "giving up" {
		t.Errorf("text = %q", result.Text)
	}

	sawError := false
	for _, k := range rec.kinds {
		if k == models.EventError {
			sawError = true
		}
		if k == models.EventToolResult {
			t.Error("tool_result emitted for a failed execution")
		}
	}
	if !sawError {
		t.Error("no error event for failed tool")
	}
}

func TestRunOwnedRuntimeClosedOnExit(t *testing.T) {
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{"done"}}

	_, err := Run(context.Background(), Options{
		Prompt:         "x",
		Transport:      transport,
		RuntimeFactory: func(cwd string) ToolRuntime { return rt },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rt.closed != 1 {
		t.Errorf("owned runtime closed %d times, want 1", rt.closed)
	}
}

func TestRunCallerRuntimeNotClosed(t *testing.T) {
	rt := &fakeRuntime{}
	transport := &scriptedTransport{responses: []string{"done"}}

	_, err := Run(context.Background(), Options{
		Prompt:    "x",
		Transport: transport,
		Tools:     rt,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rt.closed != 0 {
		t.Errorf("caller-owned runtime closed %d times", rt.closed)
	}
}
