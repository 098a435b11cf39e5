package agent

import "testing"

func TestParseRawToolCall(t *testing.T) {
	call, ok := parseToolCall(`{"type":"tool_call","tool":"list_files","arguments":{"pattern":"*.go"}}`)
	if !ok {
		t.Fatal("not parsed")
	}
	if call.Tool != "list_files" {
		t.Errorf("tool = %q", call.Tool)
	}
	if call.Arguments["pattern"] != "*.go" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestParseFencedToolCall(t *testing.T) {
	cases := map[string]string{
		"labeled": "Here you go:\n```json\n{\"type\":\"tool_call\",\"tool\":\"grep\",\"arguments\":{\"pattern\":\"x\"}}\n```",
		"bare":    "```\n{\"type\":\"tool_call\",\"tool\":\"grep\",\"arguments\":{\"pattern\":\"x\"}}\n```",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			call, ok := parseToolCall(text)
			if !ok {
				t.Fatal("not parsed")
			}
			if call.Tool != "grep" {
				t.Errorf("tool = %q", call.Tool)
			}
		})
	}
}

func TestParseBraceSlice(t *testing.T) {
	text := `I'll list the files now. {"type":"tool_call","tool":"list_files","arguments":{}} Done.`
	call, ok := parseToolCall(text)
	if !ok {
		t.Fatal("not parsed")
	}
	if call.Tool != "list_files" {
		t.Errorf("tool = %q", call.Tool)
	}
}

func TestParseMissingArgumentsDefaultsEmpty(t *testing.T) {
	call, ok := parseToolCall(`{"type":"tool_call","tool":"list_files"}`)
	if !ok {
		t.Fatal("not parsed")
	}
	if call.Arguments == nil || len(call.Arguments) != 0 {
		t.Errorf("arguments = %v, want empty map", call.Arguments)
	}
}

func TestParsePlainTextIsNotToolCall(t *testing.T) {
	for _, text := range []string{
		"The answer is 42.",
		`{"type":"something_else","tool":"x"}`,
		`{"type":"tool_call"}`, // no tool name
		"{broken json}",
		"",
	} {
		if _, ok := parseToolCall(text); ok {
			t.Errorf("parseToolCall(%q) unexpectedly succeeded", text)
		}
	}
}
