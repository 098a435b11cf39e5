package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Client is a connection to one running MCP server process.
type Client struct {
	name  string
	cmd   *exec.Cmd
	trans *transport

	closeOnce sync.Once
	closeErr  error
}

// Connect launches the server process and completes the initialize
// handshake.
func Connect(ctx context.Context, name string, cfg ServerConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("mcp server %s: command is required", name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Server diagnostics go to our stderr rather than corrupting the
	// protocol stream.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: stdin: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: stdout: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp server %s: start: %w", name, err)
	}

	trans := newTransport(stdin, stdout, cfg.Timeout)
	trans.onClose = func() { cmd.Wait() }

	client := &Client{name: name, cmd: cmd, trans: trans}
	if err := client.initialize(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("mcp server %s: initialize: %w", name, err)
	}
	return client, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "patchwork",
			"version": "1.0.0",
		},
	}
	raw, err := c.trans.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	return c.trans.notify("notifications/initialized", map[string]any{})
}

// ListTools fetches the server's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.trans.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and normalizes the result into a map.
//
// Preference order: structuredContent when present, then text content
// (parsed as JSON if it is an object, otherwise wrapped under "output").
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.trans.call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	if result.IsError {
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, tool, flattenText(result.Content))
	}

	if len(result.StructuredContent) > 0 {
		var structured map[string]any
		if err := json.Unmarshal(result.StructuredContent, &structured); err == nil {
			return structured, nil
		}
	}

	text := flattenText(result.Content)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"output": text}, nil
}

func flattenText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close terminates the server process. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.trans.close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
	})
	return c.closeErr
}
