package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/patchwork/pkg/models"
)

const (
	execDefaultTimeoutMs = 30000
	execMinTimeoutMs     = 100
	execMaxTimeoutMs     = 120000
	execMaxOutputBytes   = 128 * 1024
)

// ExecTool runs a shell command in the workspace directory. A non-zero
// exit status is a normal result, not an error.
type ExecTool struct {
	workdir string
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and capture its output."
}

func (t *ExecTool) Permission() models.PermissionOp { return models.OpExec }

func (t *ExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
			"timeoutMs": map[string]any{
				"type":        "integer",
				"description": "Command timeout in milliseconds (default 30000, max 120000).",
				"minimum":     1,
			},
		},
		"required": []string{"command"},
	})
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeoutMs := intArg(args, "timeoutMs", execDefaultTimeoutMs)
	if timeoutMs < execMinTimeoutMs {
		timeoutMs = execMinTimeoutMs
	}
	if timeoutMs > execMaxTimeoutMs {
		timeoutMs = execMaxTimeoutMs
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timeout after %dms", timeoutMs)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	return map[string]any{
		"command":  command,
		"exitCode": exitCode,
		"stdout":   capOutput(stdout.String()),
		"stderr":   capOutput(stderr.String()),
	}, nil
}

func capOutput(s string) string {
	if len(s) <= execMaxOutputBytes {
		return s
	}
	return s[:execMaxOutputBytes] + "\n[output truncated]"
}
