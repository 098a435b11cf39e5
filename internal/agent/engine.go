package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/observability"
	"github.com/haasonsaas/patchwork/internal/policy"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// defaultMaxSteps bounds the loop when the caller does not.
const defaultMaxSteps = 8

// ApprovalFunc suspends the run until a human (or a timeout) resolves a
// permission request.
type ApprovalFunc func(ctx context.Context, req models.PermissionRequest) approvals.Resolution

// EventFunc receives every event the engine emits, in order.
type EventFunc func(kind models.EventKind, payload map[string]any)

// Options configures one run.
type Options struct {
	Prompt string
	Model  string
	Cwd    string

	// MaxSteps bounds the loop; zero means the default of 8.
	MaxSteps int

	// Policy is the snapshot this run evaluates against. Remembered
	// rules amend the run's working copy only.
	Policy policy.Policy

	// Tools is the runtime to execute against. When nil, the engine
	// creates one via RuntimeFactory and closes it on exit.
	Tools          ToolRuntime
	RuntimeFactory func(cwd string) ToolRuntime

	Transport ModelTransport

	// Timeout bounds each model call.
	Timeout time.Duration

	OnEvent             EventFunc
	OnPermissionRequest ApprovalFunc

	Logger *observability.Logger
}

// Result is the terminal outcome of a run.
type Result struct {
	Text     string
	Messages []models.AgentMessage
	// Policy is the run's working policy including remembered rules.
	Policy policy.Policy
}

// Run drives one prompt to completion.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	working := opts.Policy
	if working == nil {
		working = policy.Defaults()
	}
	working = policy.Clone(working)

	runtime := opts.Tools
	if runtime == nil {
		if opts.RuntimeFactory == nil {
			return nil, fmt.Errorf("tool runtime is required")
		}
		runtime = opts.RuntimeFactory(opts.Cwd)
		defer runtime.Close()
	}

	emit := func(kind models.EventKind, payload map[string]any) {
		if opts.OnEvent != nil {
			opts.OnEvent(kind, payload)
		}
	}

	specs := runtime.Specs()
	messages := []models.AgentMessage{
		{Role: models.RoleSystem, Content: buildPreamble(specs)},
		{Role: models.RoleUser, Content: opts.Prompt},
	}

	fail := func(err error) (*Result, error) {
		emit(models.EventRunFailed, map[string]any{"message": err.Error()})
		return nil, err
	}

	for step := 0; step < maxSteps; step++ {
		if step == 0 {
			emit(models.EventRunStarted, map[string]any{
				"model":  opts.Model,
				"prompt": opts.Prompt,
			})
		}

		text, err := opts.Transport.Complete(ctx, CompletionRequest{
			Messages: messages,
			Model:    opts.Model,
			Tools:    specs,
			Timeout:  opts.Timeout,
			OnDelta: func(d Delta) {
				payload := map[string]any{"text": d.Text}
				if d.Done {
					payload["done"] = true
				}
				emit(models.EventAssistantDelta, payload)
			},
		})
		if err != nil {
			switch {
			case isTimeoutErr(err):
				emit(models.EventModelTimeout, map[string]any{"message": err.Error()})
				return fail(fmt.Errorf("%w: %v", ErrModelTimeout, err))
			case isCancelErr(err):
				emit(models.EventError, map[string]any{"message": err.Error()})
				return fail(fmt.Errorf("%w: %v", ErrCancelled, err))
			default:
				emit(models.EventError, map[string]any{"message": err.Error()})
				return fail(err)
			}
		}

		call, ok := parseToolCall(text)
		if !ok {
			messages = append(messages, models.AgentMessage{Role: models.RoleAssistant, Content: text})
			emit(models.EventAssistant, map[string]any{"text": text})
			emit(models.EventRunFinished, map[string]any{"steps": step + 1})
			emit(models.EventDone, map[string]any{"reason": "completed"})
			return &Result{Text: text, Messages: messages, Policy: working}, nil
		}

		target := summarize(call.Tool, call.Arguments)
		op := runtime.PermissionFor(call.Tool)
		decision := policy.Evaluate(working, op, "tool."+call.Tool, target)

		if decision == policy.Ask && opts.OnPermissionRequest != nil {
			requestID := uuid.NewString()
			emit(models.EventPermissionRequest, map[string]any{
				"requestId": requestID,
				"op":        string(op),
				"tool":      call.Tool,
				"target":    target,
				"args":      call.Arguments,
			})

			res := opts.OnPermissionRequest(ctx, models.PermissionRequest{
				RequestID: requestID,
				Op:        op,
				Tool:      call.Tool,
				Target:    target,
				Args:      call.Arguments,
				CreatedAt: time.Now().UTC(),
			})
			if res.Remember != nil {
				working = policy.Append(working, res.Remember.Key, res.Remember.Pattern, res.Remember.Decision)
			}
			decision = res.Decision
			// Auto-denied requests resolve silently; only explicit
			// replies produce a resolution event.
			if res.Err == nil {
				payload := map[string]any{
					"requestId": requestID,
					"decision":  string(decision),
				}
				if res.Remember != nil {
					payload["remember"] = map[string]any{
						"key":      res.Remember.Key,
						"pattern":  res.Remember.Pattern,
						"decision": string(res.Remember.Decision),
					}
				} else {
					payload["remember"] = nil
				}
				emit(models.EventPermissionResolved, payload)
			}
		}

		if decision != policy.Allow {
			message := fmt.Sprintf("Permission %s for %s", decision, call.Tool)
			messages = append(messages, toolMessage(map[string]any{
				"tool":  call.Tool,
				"ok":    false,
				"error": message,
			}))
			emit(models.EventError, map[string]any{"message": message})
			logger.Debug("tool blocked by policy", "tool", call.Tool, "decision", string(decision))
			continue
		}

		emit(models.EventToolCall, map[string]any{
			"tool":      call.Tool,
			"arguments": call.Arguments,
		})

		result, execErr := runtime.Execute(ctx, call.Tool, call.Arguments)
		if execErr != nil {
			if ctx.Err() != nil || isCancelErr(execErr) {
				emit(models.EventError, map[string]any{"message": execErr.Error()})
				return fail(fmt.Errorf("%w: %v", ErrCancelled, execErr))
			}
			// Tool-level failures are absorbed into the conversation so
			// the model can recover.
			messages = append(messages, toolMessage(map[string]any{
				"tool":  call.Tool,
				"ok":    false,
				"error": execErr.Error(),
			}))
			emit(models.EventError, map[string]any{"message": execErr.Error()})
			continue
		}

		callJSON, _ := json.Marshal(call)
		messages = append(messages, models.AgentMessage{Role: models.RoleAssistant, Content: string(callJSON)})
		messages = append(messages, toolMessage(map[string]any{
			"tool":   call.Tool,
			"ok":     true,
			"result": result,
		}))
		emit(models.EventToolResult, map[string]any{
			"tool":   call.Tool,
			"result": result,
		})
	}

	emit(models.EventDone, map[string]any{"reason": "max_steps"})
	return &Result{
		Text:     "Stopped: max steps reached",
		Messages: messages,
		Policy:   working,
	}, nil
}

// summarize produces the policy target string for a tool call: the
// command for exec, the path for file tools, JSON arguments otherwise.
func summarize(tool string, args map[string]any) string {
	switch tool {
	case "exec":
		if cmd, ok := args["command"].(string); ok {
			return cmd
		}
	case "read_file", "write_file":
		if path, ok := args["path"].(string); ok {
			return path
		}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(payload)
}

func toolMessage(payload map[string]any) models.AgentMessage {
	data, _ := json.Marshal(payload)
	return models.AgentMessage{Role: models.RoleTool, Content: string(data)}
}

// buildPreamble is the system prompt: the tool-call JSON contract plus
// the available tool list.
func buildPreamble(specs []models.ToolSpec) string {
	var b strings.Builder
	b.WriteString("You are a coding agent working in the user's repository.\n")
	b.WriteString("To invoke a tool, respond with ONLY a JSON object of the form\n")
	b.WriteString(`{"type":"tool_call","tool":"<name>","arguments":{...}}` + "\n")
	b.WriteString("with no surrounding prose. When you have the final answer, respond with plain text.\n\n")
	b.WriteString("Available tools:\n")
	for _, spec := range specs {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		if len(spec.Schema) > 0 {
			fmt.Fprintf(&b, "  schema: %s\n", spec.Schema)
		}
	}
	return b.String()
}
