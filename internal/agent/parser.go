package agent

import (
	"encoding/json"
	"strings"
)

// toolCall is the JSON contract the system preamble asks the model to
// emit for tool invocations.
type toolCall struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// parseToolCall extracts a tool call from model output, trying three
// strategies in order: the whole trimmed output as JSON, the contents of
// a fenced code block, and finally the substring between the first "{"
// and last "}". Output that matches none of them is a terminal assistant
// answer.
func parseToolCall(text string) (*toolCall, bool) {
	trimmed := strings.TrimSpace(text)

	if call, ok := decodeToolCall(trimmed); ok {
		return call, true
	}
	if inner, ok := fencedBlock(trimmed); ok {
		if call, ok := decodeToolCall(inner); ok {
			return call, true
		}
	}
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if call, ok := decodeToolCall(trimmed[start : end+1]); ok {
			return call, true
		}
	}
	return nil, false
}

func decodeToolCall(s string) (*toolCall, bool) {
	var call toolCall
	if err := json.Unmarshal([]byte(s), &call); err != nil {
		return nil, false
	}
	if call.Type != "tool_call" || call.Tool == "" {
		return nil, false
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return &call, true
}

// fencedBlock returns the inner content of the first ``` fence, with an
// optional language tag on the opening line.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop a language tag such as "json" on the fence line.
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
