// Package agent drives a single prompt to completion: a bounded loop of
// model completion, tool-call parsing, policy evaluation, and tool
// execution, with every observation appended to the session event log.
package agent

import (
	"context"
	"time"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// Delta is one chunk of streamed assistant output. Providers may send
// incremental pieces or cumulative prefixes; the engine forwards either
// form verbatim.
type Delta struct {
	Text string
	Done bool
}

// CompletionRequest carries one model call.
type CompletionRequest struct {
	Messages []models.AgentMessage
	Model    string
	Tools    []models.ToolSpec

	// Timeout bounds the call; zero means the transport's default.
	// Deadline errors must mention "timeout" in their message.
	Timeout time.Duration

	// OnDelta, when set, receives streamed chunks before Complete
	// returns. The final chunk should carry Done.
	OnDelta func(Delta)
}

// ModelTransport produces assistant completions. Implementations must
// honor ctx cancellation with an error mentioning "cancel".
type ModelTransport interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ToolRuntime is the engine's view of the tool layer.
type ToolRuntime interface {
	Specs() []models.ToolSpec
	PermissionFor(name string) models.PermissionOp
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}
