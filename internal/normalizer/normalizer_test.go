package normalizer

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go-agent-presence/internal/core"
)

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

const meta = `"_meta": {"workspace_id": "my-project", "terminal_session_id": "term-1", "collected_at": "2026-02-20T15:00:00Z"}`

func TestNormalizeEventTypes(t *testing.T) {
	n := New()
	tests := []struct {
		name     string
		payload  string
		want     core.EventType
		severity core.Severity
	}{
		{"subagent start", `{"hook_type":"SubagentStart","team_name":"proj","agent_name":"w1",` + meta + `}`, core.EventAgentStarted, core.SeverityInfo},
		{"subagent stop", `{"hook_type":"SubagentStop","result":"completed",` + meta + `}`, core.EventAgentStopped, core.SeverityInfo},
		{"stop", `{"hook_type":"Stop","reason":"done",` + meta + `}`, core.EventAgentStopped, core.SeverityInfo},
		{"pre tool", `{"hook_type":"PreToolUse","tool_name":"Read","tool_input":{"file_path":"/x"},` + meta + `}`, core.EventToolStarted, core.SeverityInfo},
		{"task create", `{"hook_type":"PreToolUse","tool_name":"TaskCreate",` + meta + `}`, core.EventTaskCreated, core.SeverityInfo},
		{"task update completed", `{"hook_type":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"1","status":"completed"},` + meta + `}`, core.EventTaskCompleted, core.SeverityInfo},
		{"task update in progress", `{"hook_type":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"1","status":"in_progress"},` + meta + `}`, core.EventTaskStarted, core.SeverityInfo},
		{"task update other", `{"hook_type":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"1","status":"pending"},` + meta + `}`, core.EventTaskProgress, core.SeverityInfo},
		{"post tool ok", `{"hook_type":"PostToolUse","tool_name":"Bash",` + meta + `}`, core.EventToolSucceeded, core.SeverityInfo},
		{"post tool null error", `{"hook_type":"PostToolUse","tool_name":"Bash","error":null,` + meta + `}`, core.EventToolSucceeded, core.SeverityInfo},
		{"post tool failed", `{"hook_type":"PostToolUse","tool_name":"Bash","error":"permission denied","exit_code":1,` + meta + `}`, core.EventToolFailed, core.SeverityWarn},
		{"notification error", `{"hook_type":"Notification","level":"error","message":"boom",` + meta + `}`, core.EventNotification, core.SeverityError},
		{"notification default", `{"hook_type":"Notification","message":"hi",` + meta + `}`, core.EventNotification, core.SeverityInfo},
		{"heartbeat", `{"hook_type":"Heartbeat",` + meta + `}`, core.EventHeartbeat, core.SeverityDebug},
		{"prompt submit", `{"hook_type":"UserPromptSubmit","prompt":"go",` + meta + `}`, core.EventTaskStarted, core.SeverityInfo},
		{"unblocked", `{"hook_type":"AgentUnblocked",` + meta + `}`, core.EventAgentUnblocked, core.SeverityInfo},
		{"send message tool", `{"hook_type":"PreToolUse","team_name":"proj","tool_name":"SendMessage","tool_input":{"recipient":"w2","content":"hello"},` + meta + `}`, core.EventMessageSent, core.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(decode(t, tt.payload))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.Type != tt.want {
				t.Errorf("Type = %q, want %q", ev.Type, tt.want)
			}
			if ev.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", ev.Severity, tt.severity)
			}
			if ev.Source != core.SourceHook {
				t.Errorf("Source = %q, want %q", ev.Source, core.SourceHook)
			}
			if ev.Version != core.SchemaVersion {
				t.Errorf("Version = %q, want %q", ev.Version, core.SchemaVersion)
			}
		})
	}
}

func TestNormalizeRejectsMissingOrUnknownHookType(t *testing.T) {
	n := New()
	for _, payload := range []string{`{}`, `{"hook_type":""}`, `{"hook_type":"Bogus"}`, `{"hook_type":5}`} {
		_, err := n.Normalize(decode(t, payload))
		var nerr *Error
		if !errors.As(err, &nerr) {
			t.Errorf("Normalize(%s) err = %v, want *Error", payload, err)
		}
	}
}

func TestDeriveAgentID(t *testing.T) {
	tests := []struct{ team, agent, session, want string }{
		{"proj", "w1", "s", "proj/w1"},
		{"proj", "", "s", "proj/leader"},
		{"", "w1", "s", "w1"},
		{"", "", "s", "s"},
		{"", "", "", "unknown"},
	}
	for _, tt := range tests {
		if got := DeriveAgentID(tt.team, tt.agent, tt.session); got != tt.want {
			t.Errorf("DeriveAgentID(%q,%q,%q) = %q, want %q", tt.team, tt.agent, tt.session, got, tt.want)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	fixed := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)
	n := New(WithClock(func() time.Time { return fixed }), WithIDSource(func() string { return "evt_fixed" }))
	ev, err := n.Normalize(map[string]interface{}{"hook_type": "SubagentStart"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.WorkspaceID != "unknown" || ev.TerminalSessionID != "unknown" {
		t.Errorf("meta defaults = %q/%q, want unknown/unknown", ev.WorkspaceID, ev.TerminalSessionID)
	}
	if ev.Timestamp != "2026-02-20T15:00:00Z" {
		t.Errorf("Timestamp = %q", ev.Timestamp)
	}
	if ev.AgentID != "unknown" {
		t.Errorf("AgentID = %q, want unknown", ev.AgentID)
	}
	if ev.ID != "evt_fixed" {
		t.Errorf("ID = %q", ev.ID)
	}
}

func TestNormalizePayloadShapes(t *testing.T) {
	n := New()
	long := strings.Repeat("가", 250)
	ev, err := n.Normalize(decode(t, `{"hook_type":"SubagentStart","prompt":"`+long+`","thinking":"hmm",`+meta+`}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := []rune(ev.PayloadString("prompt_preview")); len(got) != 200 {
		t.Errorf("prompt_preview runes = %d, want 200", len(got))
	}
	if ev.ThinkingText != "hmm" {
		t.Errorf("ThinkingText = %q, want hmm", ev.ThinkingText)
	}

	ev, err = n.Normalize(decode(t, `{"hook_type":"PostToolUse","tool_name":"Bash","error":{"code":2},"extended_thinking":"deep",`+meta+`}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.PayloadString("error_message") != "unknown error" {
		t.Errorf("error_message = %q, want unknown error", ev.PayloadString("error_message"))
	}
	if ev.ThinkingText != "deep" {
		t.Errorf("ThinkingText = %q, want deep", ev.ThinkingText)
	}

	ev, err = n.Normalize(decode(t, `{"hook_type":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"7","status":"completed"},`+meta+`}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.TaskID != "7" {
		t.Errorf("TaskID = %q, want 7", ev.TaskID)
	}

	ev, err = n.Normalize(decode(t, `{"hook_type":"PreToolUse","team_name":"proj","agent_name":"w1","tool_name":"SendMessage","tool_input":{"recipient":"w2","content":"hello"},`+meta+`}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.TargetAgentID != "proj/w2" {
		t.Errorf("TargetAgentID = %q, want proj/w2", ev.TargetAgentID)
	}
	if ev.PayloadString("message") != "hello" {
		t.Errorf("message = %q, want hello", ev.PayloadString("message"))
	}
}

func TestMetadataAlias(t *testing.T) {
	ev, err := New().Normalize(decode(t, `{"hook_type":"Stop","metadata":{"workspace_id":"ws"}}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.WorkspaceID != "ws" {
		t.Errorf("WorkspaceID = %q, want ws", ev.WorkspaceID)
	}
}

func TestFingerprintStableAcrossRedelivery(t *testing.T) {
	n := New()
	a, err := n.Normalize(decode(t, `{"hook_type":"PreToolUse","session_id":"s1","tool_name":"Read","tool_input":{"a":1,"b":2},"_meta":{"collected_at":"2026-02-20T15:00:00.120Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(decode(t, `{"tool_input":{"b":2,"a":1},"tool_name":"Read","session_id":"s1","hook_type":"PreToolUse","_meta":{"collected_at":"2026-02-20T15:00:00.870Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("ids should differ")
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("fingerprints differ for redelivered event")
	}

	c, err := n.Normalize(decode(t, `{"hook_type":"PreToolUse","session_id":"s1","tool_name":"Read","tool_input":{"a":1,"b":2},"_meta":{"collected_at":"2026-02-20T15:00:01Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if Fingerprint(a) == Fingerprint(c) {
		t.Errorf("fingerprints equal across different seconds")
	}
	if len(Fingerprint(a)) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(Fingerprint(a)))
	}
}

func TestFingerprintSeparatesAgentsInOneSession(t *testing.T) {
	n := New()
	base := `"session_id":"s1","team_name":"proj","_meta":{"collected_at":"2026-02-20T15:00:00Z"}`
	w1, err := n.Normalize(decode(t, `{"hook_type":"SubagentStop","agent_name":"w1",`+base+`}`))
	if err != nil {
		t.Fatal(err)
	}
	w2, err := n.Normalize(decode(t, `{"hook_type":"SubagentStop","agent_name":"w2",`+base+`}`))
	if err != nil {
		t.Fatal(err)
	}
	if Fingerprint(w1) == Fingerprint(w2) {
		t.Error("two agents stopping in the same session and second share a fingerprint")
	}

	// Same agent, payload and second but another event type.
	other := *w1
	other.Type = core.EventHeartbeat
	if Fingerprint(w1) == Fingerprint(&other) {
		t.Error("event type does not contribute to the fingerprint")
	}
}
