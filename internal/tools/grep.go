package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/patchwork/pkg/models"
)

const (
	grepMaxFiles   = 300
	grepMaxMatches = 200
)

// GrepTool searches workspace files line-by-line with a case-insensitive
// regular expression.
type GrepTool struct {
	resolver Resolver
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search workspace files for a regular expression (case-insensitive)."
}

func (t *GrepTool) Permission() models.PermissionOp { return models.OpRead }

func (t *GrepTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Optional glob restricting which files are searched.",
			},
		},
		"required": []string{"pattern"},
	})
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	pattern, _ := args["pattern"].(string)
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var fileFilter *globMatcher
	if g, _ := args["glob"].(string); strings.TrimSpace(g) != "" {
		fileFilter, err = compileGlob(g)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", g, err)
		}
	}

	root, err := t.resolver.RootAbs()
	if err != nil {
		return nil, err
	}

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	scanned := 0
	truncated := false

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
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
		if fileFilter != nil && !fileFilter.match(rel) {
			return nil
		}
		if scanned >= grepMaxFiles {
			truncated = true
			return fs.SkipAll
		}
		scanned++

		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			text := scanner.Text()
			if isBinaryLine(text) {
				return nil // skip binary files entirely
			}
			if !re.MatchString(text) {
				continue
			}
			if len(matches) >= grepMaxMatches {
				truncated = true
				return fs.SkipAll
			}
			matches = append(matches, match{File: rel, Line: lineNo, Text: text})
		}
		return nil
	})
	if err != nil && err != ctx.Err() {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"file": m.File, "line": m.Line, "text": m.Text}
	}
	return map[string]any{
		"pattern":   pattern,
		"matches":   out,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

func isBinaryLine(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
