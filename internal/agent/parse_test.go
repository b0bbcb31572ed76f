package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseClaudeEvents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		failed  bool
		lastMsg string
	}{
		{
			name: "legacy success",
			input: `{"type":"init"}
{"type":"message","role":"assistant","content":[{"type":"text","text":"First"}]}
{"type":"message","role":"assistant","content":[{"type":"text","text":"All done."}]}
{"type":"result","status":"success"}`,
			lastMsg: "All done.",
		},
		{
			name: "legacy error",
			input: `{"type":"message","role":"assistant","content":[{"type":"text","text":"oops"}]}
{"type":"result","status":"error"}`,
			failed:  true,
			lastMsg: "oops",
		},
		{
			name: "nested assistant message and result text",
			input: `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use"},{"type":"text","text":"editing"}]}}
{"type":"user","message":{"role":"user","content":[{"type":"text","text":"tool output"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Implemented the form."}`,
			lastMsg: "Implemented the form.",
		},
		{
			name:   "is_error result",
			input:  `{"type":"result","subtype":"error_max_turns","is_error":true}`,
			failed: true,
		},
		{
			name:  "invalid json ignored",
			input: "{invalid\n{also invalid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failed, lastMsg := parseClaudeEvents(strings.NewReader(tt.input), t.TempDir())
			if failed != tt.failed {
				t.Errorf("failed = %v, want %v", failed, tt.failed)
			}
			if lastMsg != tt.lastMsg {
				t.Errorf("lastMsg = %q, want %q", lastMsg, tt.lastMsg)
			}
		})
	}
}

func TestParseClaudeEventsPersists(t *testing.T) {
	dir := t.TempDir()
	input := "{\"type\":\"init\"}\n{\"type\":\"result\",\"status\":\"success\"}\n"
	parseClaudeEvents(strings.NewReader(input), dir)

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("events.jsonl not created: %v", err)
	}
	if string(data) != input {
		t.Errorf("events = %q", data)
	}
}

func TestParseCodexEvents(t *testing.T) {
	input := `{"type":"thread.started"}
{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"type":"agent_message","text":"Done <noop/>"}}
{"type":"turn.completed"}`
	failed, reason, lastMsg := parseCodexEvents(strings.NewReader(input), t.TempDir())
	if failed || reason != "" {
		t.Errorf("failed = %v reason = %q", failed, reason)
	}
	if lastMsg != "Done <noop/>" {
		t.Errorf("lastMsg = %q", lastMsg)
	}

	input = `{"type":"item.completed","item":{"type":"agent_message","content":"legacy"}}
{"type":"turn.failed","error":{"message":"model overloaded"}}`
	failed, reason, lastMsg = parseCodexEvents(strings.NewReader(input), t.TempDir())
	if !failed || reason != "model overloaded" || lastMsg != "legacy" {
		t.Errorf("got %v %q %q", failed, reason, lastMsg)
	}
}
