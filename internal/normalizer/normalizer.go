package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-agent-presence/internal/core"
)

// Hook type discriminators accepted in the hook_type field.
const (
	HookSubagentStart    = "SubagentStart"
	HookSubagentStop     = "SubagentStop"
	HookStop             = "Stop"
	HookPreToolUse       = "PreToolUse"
	HookPostToolUse      = "PostToolUse"
	HookNotification     = "Notification"
	HookHeartbeat        = "Heartbeat"
	HookUserPromptSubmit = "UserPromptSubmit"
	HookAgentBlocked     = "AgentBlocked"
	HookAgentUnblocked   = "AgentUnblocked"
	HookSendMessage      = "SendMessage"
	HookReceiveMessage   = "ReceiveMessage"
	HookThinking         = "Thinking"
	HookTaskFailed       = "TaskFailed"
)

const (
	unknown           = "unknown"
	promptPreviewLen  = 200
	toolTaskCreate    = "TaskCreate"
	toolTaskUpdate    = "TaskUpdate"
	toolSendMessage   = "SendMessage"
	defaultToolErrMsg = "unknown error"
)

// Error reports a payload that cannot be normalized: the type discriminator
// is missing or not recognized.
type Error struct {
	HookType string
	Reason   string
}

func (e *Error) Error() string {
	if e.HookType == "" {
		return "normalize: " + e.Reason
	}
	return fmt.Sprintf("normalize %s: %s", e.HookType, e.Reason)
}

// Normalizer converts raw hook payloads into canonical events. It holds no
// state besides its clock and id source.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the time source used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDSource overrides event id generation.
func WithIDSource(newID func() string) Option {
	return func(n *Normalizer) { n.newID = newID }
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: func() string { return "evt_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// mapped is the hook-type specific part of an event.
type mapped struct {
	eventType core.EventType
	severity  core.Severity
	payload   map[string]interface{}
	target    string
	taskID    string
}

// Normalize maps one hook payload to a canonical event. Only a missing or
// unrecognized hook_type fails; every other absent field gets a placeholder.
func (n *Normalizer) Normalize(raw map[string]interface{}) (*core.Event, error) {
	if raw == nil {
		return nil, &Error{Reason: "empty payload"}
	}
	hookType, ok := raw["hook_type"].(string)
	if !ok || hookType == "" {
		return nil, &Error{Reason: "missing hook_type field"}
	}

	meta := metadata(raw)
	workspaceID := stringOr(meta, "workspace_id", unknown)
	terminalID := stringOr(meta, "terminal_session_id", unknown)
	ts := stringOr(meta, "collected_at", "")
	if ts == "" {
		ts = n.now().UTC().Format(time.RFC3339)
	}

	sessionID := str(raw, "session_id")
	teamName := str(raw, "team_name")
	agentName := str(raw, "agent_name")

	m, err := mapHookType(hookType, raw, teamName)
	if err != nil {
		return nil, err
	}

	return &core.Event{
		ID:                n.newID(),
		Version:           core.SchemaVersion,
		Timestamp:         ts,
		Type:              m.eventType,
		Source:            core.SourceHook,
		WorkspaceID:       workspaceID,
		TerminalSessionID: terminalID,
		RunID:             str(raw, "run_id"),
		SessionID:         sessionID,
		AgentID:           DeriveAgentID(teamName, agentName, sessionID),
		TargetAgentID:     m.target,
		TaskID:            m.taskID,
		Severity:          m.severity,
		Payload:           m.payload,
		ThinkingText:      extractThinking(raw),
		Raw:               raw,
	}, nil
}

// DeriveAgentID builds the stable agent key from team, agent name and
// session, in that order of preference.
func DeriveAgentID(team, agent, session string) string {
	switch {
	case team != "" && agent != "":
		return team + "/" + agent
	case team != "":
		return team + "/leader"
	case agent != "":
		return agent
	case session != "":
		return session
	}
	return unknown
}

func mapHookType(hookType string, raw map[string]interface{}, team string) (mapped, error) {
	switch hookType {
	case HookSubagentStart:
		return mapped{
			eventType: core.EventAgentStarted,
			severity:  core.SeverityInfo,
			payload: map[string]interface{}{
				"agent_type":     str(raw, "agent_type"),
				"prompt_preview": preview(str(raw, "prompt")),
			},
		}, nil
	case HookSubagentStop:
		return mapped{
			eventType: core.EventAgentStopped,
			severity:  core.SeverityInfo,
			payload:   map[string]interface{}{"result": str(raw, "result")},
		}, nil
	case HookStop:
		return mapped{
			eventType: core.EventAgentStopped,
			severity:  core.SeverityInfo,
			payload: map[string]interface{}{
				"reason":  str(raw, "reason"),
				"summary": str(raw, "summary"),
			},
		}, nil
	case HookPreToolUse:
		return preToolUse(raw, team), nil
	case HookPostToolUse:
		return postToolUse(raw), nil
	case HookNotification:
		return mapped{
			eventType: core.EventNotification,
			severity:  levelSeverity(str(raw, "level")),
			payload:   map[string]interface{}{"message": str(raw, "message")},
		}, nil
	case HookHeartbeat:
		return mapped{
			eventType: core.EventHeartbeat,
			severity:  core.SeverityDebug,
			payload:   map[string]interface{}{},
		}, nil
	case HookUserPromptSubmit:
		return mapped{
			eventType: core.EventTaskStarted,
			severity:  core.SeverityInfo,
			payload:   map[string]interface{}{"prompt_preview": preview(str(raw, "prompt"))},
		}, nil
	case HookAgentBlocked:
		return mapped{
			eventType: core.EventAgentBlocked,
			severity:  core.SeverityWarn,
			payload:   map[string]interface{}{"reason": str(raw, "reason")},
		}, nil
	case HookAgentUnblocked:
		return mapped{
			eventType: core.EventAgentUnblocked,
			severity:  core.SeverityInfo,
			payload:   map[string]interface{}{},
		}, nil
	case HookSendMessage, HookReceiveMessage:
		et := core.EventMessageSent
		if hookType == HookReceiveMessage {
			et = core.EventMessageReceived
		}
		recipient := str(raw, "recipient")
		return mapped{
			eventType: et,
			severity:  core.SeverityInfo,
			payload: map[string]interface{}{
				"message":   str(raw, "message"),
				"recipient": recipient,
			},
			target: peerID(team, recipient),
		}, nil
	case HookThinking:
		return mapped{
			eventType: core.EventThinkingUpdated,
			severity:  core.SeverityDebug,
			payload:   map[string]interface{}{},
		}, nil
	case HookTaskFailed:
		return mapped{
			eventType: core.EventTaskFailed,
			severity:  core.SeverityError,
			payload: map[string]interface{}{
				"error_message": errorMessage(raw["error"]),
			},
			taskID: str(raw, "task_id"),
		}, nil
	}
	return mapped{}, &Error{HookType: hookType, Reason: "unknown hook_type"}
}

func preToolUse(raw map[string]interface{}, team string) mapped {
	toolName := str(raw, "tool_name")
	toolInput, ok := raw["tool_input"].(map[string]interface{})
	if !ok {
		toolInput = map[string]interface{}{}
	}
	m := mapped{
		eventType: core.EventToolStarted,
		severity:  core.SeverityInfo,
		payload: map[string]interface{}{
			"tool_name":  toolName,
			"tool_input": toolInput,
		},
	}
	switch toolName {
	case toolTaskCreate:
		m.eventType = core.EventTaskCreated
	case toolTaskUpdate:
		m.taskID = str(toolInput, "taskId")
		switch str(toolInput, "status") {
		case "completed":
			m.eventType = core.EventTaskCompleted
		case "in_progress":
			m.eventType = core.EventTaskStarted
		default:
			m.eventType = core.EventTaskProgress
		}
	case toolSendMessage:
		recipient := str(toolInput, "recipient")
		m.eventType = core.EventMessageSent
		m.target = peerID(team, recipient)
		m.payload["recipient"] = recipient
		m.payload["message"] = str(toolInput, "content")
	}
	return m
}

func postToolUse(raw map[string]interface{}) mapped {
	toolName := str(raw, "tool_name")
	errVal, present := raw["error"]
	if !present || errVal == nil {
		return mapped{
			eventType: core.EventToolSucceeded,
			severity:  core.SeverityInfo,
			payload:   map[string]interface{}{"tool_name": toolName},
		}
	}
	var exitCode interface{}
	if v, ok := raw["exit_code"].(float64); ok {
		exitCode = int64(v)
	}
	return mapped{
		eventType: core.EventToolFailed,
		severity:  core.SeverityWarn,
		payload: map[string]interface{}{
			"tool_name":     toolName,
			"error_message": errorMessage(errVal),
			"exit_code":     exitCode,
		},
	}
}

func levelSeverity(level string) core.Severity {
	switch level {
	case "error":
		return core.SeverityError
	case "warn":
		return core.SeverityWarn
	case "debug":
		return core.SeverityDebug
	}
	return core.SeverityInfo
}

func errorMessage(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return defaultToolErrMsg
}

// peerID resolves a message recipient to an agent id in the sender's team.
func peerID(team, recipient string) string {
	if recipient == "" {
		return ""
	}
	if strings.Contains(recipient, "/") || team == "" {
		return recipient
	}
	return team + "/" + recipient
}

func extractThinking(raw map[string]interface{}) string {
	if s := str(raw, "thinking"); s != "" {
		return s
	}
	return str(raw, "extended_thinking")
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > promptPreviewLen {
		return string(r[:promptPreviewLen])
	}
	return s
}

func metadata(raw map[string]interface{}) map[string]interface{} {
	if m, ok := raw["_meta"].(map[string]interface{}); ok {
		return m
	}
	if m, ok := raw["metadata"].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringOr(m map[string]interface{}, key, def string) string {
	if s := str(m, key); s != "" {
		return s
	}
	return def
}
