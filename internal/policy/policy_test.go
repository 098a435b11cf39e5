package policy

import (
	"errors"
	"testing"

	"github.com/haasonsaas/patchwork/pkg/models"
)

func TestEvaluateDefaults(t *testing.T) {
	p := Defaults()

	if got := Evaluate(p, models.OpRead, "", "anything"); got != Allow {
		t.Errorf("read = %q, want allow", got)
	}
	if got := Evaluate(p, models.OpExec, "", "rm -rf /"); got != Ask {
		t.Errorf("exec = %q, want ask", got)
	}
	if got := Evaluate(nil, models.OpNetwork, "", ""); got != Ask {
		t.Errorf("nil policy = %q, want ask", got)
	}
}

func TestEvaluateLayering(t *testing.T) {
	p := Policy{
		"*":    "deny",
		"exec": map[string]any{"*": "ask", "git status": "allow"},
		"tool.exec": map[string]any{
			"git *": "allow",
		},
	}

	if got := Evaluate(p, models.OpWrite, "", "file.txt"); got != Deny {
		t.Errorf("write falls through to baseline, got %q", got)
	}
	if got := Evaluate(p, models.OpExec, "", "ls"); got != Ask {
		t.Errorf("exec wildcard = %q, want ask", got)
	}
	if got := Evaluate(p, models.OpExec, "", "git status"); got != Allow {
		t.Errorf("exact pattern = %q, want allow", got)
	}
	if got := Evaluate(p, models.OpExec, "tool.exec", "git push origin"); got != Allow {
		t.Errorf("subject glob = %q, want allow", got)
	}
	if got := Evaluate(p, models.OpExec, "tool.exec", "cargo build"); got != Ask {
		t.Errorf("subject non-match keeps op layer, got %q", got)
	}
}

func TestEvaluateLastMatchWins(t *testing.T) {
	// Sorted lexicographically: "git *" < "git status". The later, more
	// specific match must win.
	p := Policy{
		"exec": map[string]any{
			"git *":      "allow",
			"git status": "deny",
		},
	}
	if got := Evaluate(p, models.OpExec, "", "git status"); got != Deny {
		t.Errorf("got %q, want deny (last match wins)", got)
	}
	if got := Evaluate(p, models.OpExec, "", "git log"); got != Allow {
		t.Errorf("got %q, want allow", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := Policy{
		"exec": map[string]any{"a*": "allow", "ab*": "deny", "abc": "ask"},
	}
	first := Evaluate(p, models.OpExec, "", "abc")
	for i := 0; i < 50; i++ {
		if got := Evaluate(p, models.OpExec, "", "abc"); got != first {
			t.Fatalf("iteration %d: got %q, want %q", i, got, first)
		}
	}
}

func TestAppend(t *testing.T) {
	p := Policy{"exec": "ask"}

	p2 := Append(p, "exec", "git status", Allow)
	if got := Evaluate(p2, models.OpExec, "", "git status"); got != Allow {
		t.Errorf("appended rule = %q, want allow", got)
	}
	if got := Evaluate(p2, models.OpExec, "", "rm -rf /"); got != Ask {
		t.Errorf("scalar preserved under * = %q, want ask", got)
	}
	// Original untouched.
	if got := Evaluate(p, models.OpExec, "", "git status"); got != Ask {
		t.Errorf("original mutated: %q", got)
	}

	p3 := Append(p2, "network", "api.example.com", Deny)
	if got := Evaluate(p3, models.OpNetwork, "", "api.example.com"); got != Deny {
		t.Errorf("fresh key = %q, want deny", got)
	}
}

func TestAppendIdempotent(t *testing.T) {
	p := Append(Defaults(), "exec", "git *", Allow)
	pp := Append(p, "exec", "git *", Allow)

	targets := []string{"git status", "git push", "rm -rf /", ""}
	for _, target := range targets {
		a := Evaluate(p, models.OpExec, "tool.exec", target)
		b := Evaluate(pp, models.OpExec, "tool.exec", target)
		if a != b {
			t.Errorf("target %q: %q vs %q after double append", target, a, b)
		}
	}
}

func TestNormalize(t *testing.T) {
	p, err := Normalize(map[string]any{
		"exec":      "allow",
		"tool.grep": map[string]any{"*": "allow"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := Evaluate(p, models.OpExec, "", "ls"); got != Allow {
		t.Errorf("user exec override = %q, want allow", got)
	}
	// Defaults merged under.
	if got := Evaluate(p, models.OpWrite, "", "f"); got != Ask {
		t.Errorf("default write = %q, want ask", got)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	cases := []map[string]any{
		{"exec": "maybe"},
		{"exec": 42},
		{"exec": map[string]any{"git *": 1}},
		{"exec": map[string]any{"git *": "sometimes"}},
	}
	for i, raw := range cases {
		if _, err := Normalize(raw); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("case %d: err = %v, want ErrInvalidPolicy", i, err)
		}
	}
}
