// Package policy implements the layered permission decision table consulted
// before every tool execution.
//
// A policy maps keys to either a scalar decision or a nested map of
// pattern -> decision. Reserved keys are "*" (global baseline), the four
// operation names (read, write, exec, network), and subject keys of the
// form "tool.<name>". Patterns are literal strings or globs.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/haasonsaas/patchwork/pkg/models"
)

// ErrInvalidPolicy is returned when a user-supplied policy contains a value
// that is neither a decision nor a pattern map. Nothing is partially
// applied: the caller must reject the whole policy.
var ErrInvalidPolicy = errors.New("invalid permission policy")

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// ValidDecision reports whether s is one of allow, deny, or ask.
func ValidDecision(s string) bool {
	switch Decision(s) {
	case Allow, Deny, Ask:
		return true
	}
	return false
}

// Policy is a layered decision table. Leaves are decision strings; nested
// maps go from pattern to decision. The zero value (nil) evaluates to the
// built-in defaults.
type Policy map[string]any

// Rule is a single (key, pattern, decision) triple appended to a policy,
// typically from a "remember" reply to a permission request.
type Rule struct {
	Key      string   `json:"key"`
	Pattern  string   `json:"pattern"`
	Decision Decision `json:"decision"`
}

// Defaults returns the baseline policy merged under every user-supplied
// policy: everything asks except reads, which are allowed.
func Defaults() Policy {
	return Policy{
		"*":       string(Ask),
		"read":    string(Allow),
		"write":   string(Ask),
		"exec":    string(Ask),
		"network": string(Ask),
	}
}

// Normalize validates a raw user policy and merges it over the defaults.
// Every reachable leaf must be one of the three decisions; anything else
// fails with ErrInvalidPolicy before the engine starts.
func Normalize(raw map[string]any) (Policy, error) {
	merged := Defaults()
	for key, val := range raw {
		switch v := val.(type) {
		case string:
			if !ValidDecision(v) {
				return nil, fmt.Errorf("%w: key %q has decision %q", ErrInvalidPolicy, key, v)
			}
			merged[key] = v
		case map[string]any:
			rules := make(map[string]any, len(v))
			for pattern, leaf := range v {
				s, ok := leaf.(string)
				if !ok || !ValidDecision(s) {
					return nil, fmt.Errorf("%w: key %q pattern %q has invalid decision", ErrInvalidPolicy, key, pattern)
				}
				rules[pattern] = s
			}
			merged[key] = rules
		default:
			return nil, fmt.Errorf("%w: key %q is neither a decision nor a rule map", ErrInvalidPolicy, key)
		}
	}
	return merged, nil
}

// Clone returns a deep copy. Policies are evaluated from snapshots; runs
// amend their own copy and never mutate the daemon's policy in place.
func Clone(p Policy) Policy {
	out := make(Policy, len(p))
	for key, val := range p {
		if m, ok := val.(map[string]any); ok {
			rules := make(map[string]any, len(m))
			for pattern, leaf := range m {
				rules[pattern] = leaf
			}
			out[key] = rules
			continue
		}
		out[key] = val
	}
	return out
}

// Evaluate resolves a decision for an operation against an optional subject
// key ("tool.<name>") and target string. Layers apply in order, each
// overriding the previous: the global baseline, the operation rule, then
// the subject rule.
//
// Within a rule map the "*" entry applies first, then every matching
// pattern in lexicographic order with the last match winning. Evaluate is
// pure: identical inputs always yield identical decisions.
func Evaluate(p Policy, op models.PermissionOp, subject, target string) Decision {
	decision := Ask
	if base, ok := scalar(p["*"]); ok {
		decision = base
	}
	decision = applyLayer(decision, p[string(op)], target)
	if subject != "" {
		decision = applyLayer(decision, p[subject], target)
	}
	return decision
}

// Append returns a copy of p with (key, pattern, decision) set. A scalar
// value under key is converted to a rule map with the scalar preserved
// under "*". Appending the same triple twice yields a policy that
// evaluates identically.
func Append(p Policy, key, pattern string, decision Decision) Policy {
	out := Clone(p)
	switch existing := out[key].(type) {
	case nil:
		out[key] = map[string]any{pattern: string(decision)}
	case string:
		out[key] = map[string]any{"*": existing, pattern: string(decision)}
	case map[string]any:
		existing[pattern] = string(decision)
	default:
		out[key] = map[string]any{pattern: string(decision)}
	}
	return out
}

func scalar(v any) (Decision, bool) {
	s, ok := v.(string)
	if !ok || !ValidDecision(s) {
		return "", false
	}
	return Decision(s), true
}

func applyLayer(current Decision, rule any, target string) Decision {
	switch v := rule.(type) {
	case string:
		if d, ok := scalar(v); ok {
			return d
		}
	case map[string]any:
		decision := current
		if d, ok := scalar(v["*"]); ok {
			decision = d
		}
		// Sorted pass for platform-independent determinism; the last
		// matching pattern wins.
		patterns := make([]string, 0, len(v))
		for pattern := range v {
			if pattern != "*" {
				patterns = append(patterns, pattern)
			}
		}
		sort.Strings(patterns)
		for _, pattern := range patterns {
			if !matchPattern(pattern, target) {
				continue
			}
			if d, ok := scalar(v[pattern]); ok {
				decision = d
			}
		}
		return decision
	}
	return current
}

// matchPattern matches target against pattern, first as an exact literal
// and then as a glob. Unparseable globs fall back to literal comparison.
func matchPattern(pattern, target string) bool {
	if pattern == target {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(target)
}
