package core

import "fmt"

// SchemaVersion is stamped on every canonical event.
const SchemaVersion = "1.1"

// EventType is the canonical event catalog. Tags are stable: they are stored
// in the events relation and sent to clients.
type EventType string

const (
	// lifecycle
	EventAgentStarted   EventType = "agent_started"
	EventAgentStopped   EventType = "agent_stopped"
	EventAgentBlocked   EventType = "agent_blocked"
	EventAgentUnblocked EventType = "agent_unblocked"

	// tasks
	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	// tools
	EventToolStarted   EventType = "tool_started"
	EventToolSucceeded EventType = "tool_succeeded"
	EventToolFailed    EventType = "tool_failed"

	EventThinkingUpdated EventType = "thinking_updated"

	// system
	EventHeartbeat    EventType = "heartbeat"
	EventNotification EventType = "notification"
	EventSchemaError  EventType = "schema_error"

	// interaction
	EventMessageSent     EventType = "message_sent"
	EventMessageReceived EventType = "message_received"

	// synthetic completions reported by the renderer
	EventAppearDone    EventType = "appear_done"
	EventDisappearDone EventType = "disappear_done"
	EventStartledDone  EventType = "startled_done"
	EventArriveAtPeer  EventType = "arrive_at_peer"
	EventArriveAtHome  EventType = "arrive_at_home"
	EventMessageDone   EventType = "message_done"
)

// EventTypes lists the complete catalog.
var EventTypes = []EventType{
	EventAgentStarted,
	EventAgentStopped,
	EventAgentBlocked,
	EventAgentUnblocked,
	EventTaskCreated,
	EventTaskStarted,
	EventTaskProgress,
	EventTaskCompleted,
	EventTaskFailed,
	EventToolStarted,
	EventToolSucceeded,
	EventToolFailed,
	EventThinkingUpdated,
	EventHeartbeat,
	EventNotification,
	EventSchemaError,
	EventMessageSent,
	EventMessageReceived,
	EventAppearDone,
	EventDisappearDone,
	EventStartledDone,
	EventArriveAtPeer,
	EventArriveAtHome,
	EventMessageDone,
}

// Valid reports whether t belongs to the catalog.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventType converts a persisted tag back into an EventType.
func ParseEventType(tag string) (EventType, error) {
	t := EventType(tag)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", tag)
	}
	return t, nil
}

// Source tells whether an event came from a hook or was generated locally.
type Source string

const (
	SourceHook      Source = "hook"
	SourceSynthetic Source = "synthetic"
)

// Severity of an event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is the canonical, normalized representation of one activity signal.
// Optional fields are empty strings when absent.
type Event struct {
	ID                string                 `json:"id"`
	Version           string                 `json:"version"`
	Timestamp         string                 `json:"ts"`
	Type              EventType              `json:"type"`
	Source            Source                 `json:"source"`
	WorkspaceID       string                 `json:"workspace_id"`
	TerminalSessionID string                 `json:"terminal_session_id"`
	RunID             string                 `json:"run_id,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	AgentID           string                 `json:"agent_id"`
	TargetAgentID     string                 `json:"target_agent_id,omitempty"`
	TaskID            string                 `json:"task_id,omitempty"`
	Severity          Severity               `json:"severity"`
	Payload           map[string]interface{} `json:"payload"`
	ThinkingText      string                 `json:"thinking_text,omitempty"`
	Raw               map[string]interface{} `json:"raw,omitempty"`
}

// PayloadString returns a string payload field, or "" when it is missing or
// not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}
