// Package tools implements the built-in tool set (file access, search,
// shell execution) and binds external MCP server tools into one runtime.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/patchwork/internal/mcp"
	"github.com/haasonsaas/patchwork/internal/observability"
	"github.com/haasonsaas/patchwork/pkg/models"
)

// ErrUnknownTool is returned when a requested tool is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Permission() models.PermissionOp
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Runtime owns the tool registry for one agent run: the built-ins plus
// any tools contributed by connected MCP servers.
type Runtime struct {
	mu      sync.Mutex
	tools   map[string]Tool
	order   []string
	clients []*mcp.Client
	logger  *observability.Logger
	closed  bool
}

// NewRuntime builds a runtime with the built-in tools rooted at workspace.
func NewRuntime(workspace string, logger *observability.Logger) *Runtime {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	rt := &Runtime{
		tools:  make(map[string]Tool),
		logger: logger,
	}
	resolver := Resolver{Root: workspace}
	rt.register(&ReadFileTool{resolver: resolver})
	rt.register(&WriteFileTool{resolver: resolver})
	rt.register(&ListFilesTool{resolver: resolver})
	rt.register(&GrepTool{resolver: resolver})
	rt.register(&ExecTool{workdir: workspace})
	return rt
}

func (r *Runtime) register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// AttachMCP connects the configured servers and registers their tools.
// A server that fails to start is logged and skipped; the run proceeds
// with the tools that did come up.
func (r *Runtime) AttachMCP(ctx context.Context, servers map[string]mcp.ServerConfig) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := servers[name]
		if !cfg.Enabled {
			continue
		}
		client, err := mcp.Connect(ctx, name, cfg)
		if err != nil {
			r.logger.Warn("mcp server unavailable", "server", name, "error", err.Error())
			continue
		}

		toolList, err := client.ListTools(ctx)
		if err != nil {
			r.logger.Warn("mcp tools/list failed", "server", name, "error", err.Error())
			client.Close()
			continue
		}

		r.mu.Lock()
		r.clients = append(r.clients, client)
		for _, t := range toolList {
			bound := &mcpTool{client: client, server: name, tool: t}
			if existing, ok := r.tools[bound.Name()]; ok {
				r.logger.Warn("tool name collision, keeping first registration",
					"tool", existing.Name(), "server", name)
				continue
			}
			r.register(bound)
		}
		r.mu.Unlock()
		r.logger.Info("mcp server connected", "server", name, "tools", len(toolList))
	}
}

// Specs returns the registered tool specifications in registration order.
func (r *Runtime) Specs() []models.ToolSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, models.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Permission:  t.Permission(),
		})
	}
	return specs
}

// PermissionFor returns the permission class for a tool name. Unknown
// names are treated as exec, the most restrictive default.
func (r *Runtime) PermissionFor(name string) models.PermissionOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tools[name]; ok {
		return t.Permission()
	}
	return models.OpExec
}

// Execute validates args against the tool's schema and runs it.
func (r *Runtime) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	t, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := validateArgs(t.Schema(), args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return t.Execute(ctx, args)
}

// Close shuts down all MCP clients concurrently and drops their tool
// bindings; shutdown errors are suppressed. Safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := r.clients
	r.clients = nil

	kept := r.order[:0]
	for _, name := range r.order {
		if _, ok := r.tools[name].(*mcpTool); ok {
			delete(r.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *mcp.Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	return nil
}

// mcpTool adapts an MCP server tool to the runtime Tool interface. The
// registered name is the composite mcp.<server>.<tool>; calls go to the
// server under the tool's original name.
type mcpTool struct {
	client *mcp.Client
	server string
	tool   mcp.Tool
}

func (t *mcpTool) Name() string        { return "mcp." + t.server + "." + t.tool.Name }
func (t *mcpTool) Description() string { return t.tool.Description }

func (t *mcpTool) Schema() json.RawMessage {
	if len(t.tool.InputSchema) > 0 {
		return t.tool.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

// Permission maps the server's annotation: read-only tools get the read
// class, everything else is treated as exec.
func (t *mcpTool) Permission() models.PermissionOp {
	if t.tool.Annotations != nil && t.tool.Annotations.ReadOnlyHint {
		return models.OpRead
	}
	return models.OpExec
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.client.CallTool(ctx, t.tool.Name, args)
}
