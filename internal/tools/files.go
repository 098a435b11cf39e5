package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// ErrPathEscape is returned when a tool argument resolves outside the
// workspace root.
var ErrPathEscape = errors.New("path escapes workspace")

// maxReadBytes caps a single read_file result.
const maxReadBytes = 256 * 1024

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathEscape
	}
	return targetAbs, nil
}

// RootAbs returns the absolute workspace root.
func (r Resolver) RootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// ReadFileTool reads one file from the workspace.
type ReadFileTool struct {
	resolver Resolver
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace."
}

func (t *ReadFileTool) Permission() models.PermissionOp { return models.OpRead }

func (t *ReadFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return map[string]any{
		"path":      path,
		"content":   string(data),
		"bytes":     len(data),
		"truncated": truncated,
	}, nil
}

// WriteFileTool creates or overwrites one file, creating parent
// directories as needed.
type WriteFileTool struct {
	resolver Resolver
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories."
}

func (t *WriteFileTool) Permission() models.PermissionOp { return models.OpWrite }

func (t *WriteFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write, relative to the workspace.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{
		"path":  path,
		"bytes": len(content),
	}, nil
}

// ListFilesTool enumerates workspace files matching a glob pattern.
type ListFilesTool struct {
	resolver Resolver
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List workspace files matching a glob pattern (files only, not directories)."
}

func (t *ListFilesTool) Permission() models.PermissionOp { return models.OpRead }

func (t *ListFilesTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern relative to the workspace (default: **/*).",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum entries to return (default 200, max 1000).",
				"minimum":     1,
			},
		},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	pattern, _ := args["pattern"].(string)
	if strings.TrimSpace(pattern) == "" {
		pattern = "**/*"
	}
	limit := intArg(args, "limit", 200)
	if limit > 1000 {
		limit = 1000
	}

	matcher, err := compileGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	root, err := t.resolver.RootAbs()
	if err != nil {
		return nil, err
	}

	// The walk runs to completion so total reflects every match, not
	// just the returned page.
	var files []string
	total := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matcher.match(rel) {
			return nil
		}
		total++
		if len(files) < limit {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(files)

	return map[string]any{
		"pattern":   pattern,
		"files":     files,
		"total":     total,
		"truncated": total > limit,
	}, nil
}

// globMatcher matches slash-separated relative paths. Patterns with a
// leading **/ also match top-level files, which the compiled glob alone
// does not cover.
type globMatcher struct {
	full    glob.Glob
	trimmed glob.Glob
}

func compileGlob(pattern string) (*globMatcher, error) {
	full, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	m := &globMatcher{full: full}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if trimmed, err := glob.Compile(rest, '/'); err == nil {
			m.trimmed = trimmed
		}
	}
	return m, nil
}

func (m *globMatcher) match(rel string) bool {
	if m.full.Match(rel) {
		return true
	}
	return m.trimmed != nil && m.trimmed.Match(rel)
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n >= 1 {
			return int(n)
		}
	}
	return def
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
