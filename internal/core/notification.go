package core

import "encoding/json"

// NotificationType names the three outbound message shapes.
type NotificationType string

const (
	NotificationAgentAppeared     NotificationType = "agent_appeared"
	NotificationAgentDeparted     NotificationType = "agent_departed"
	NotificationAgentStatusUpdate NotificationType = "agent_status_update"
)

// AgentAppeared announces an agent surfacing for the first time or after
// having been offline.
type AgentAppeared struct {
	AgentID     string          `json:"agent_id"`
	DisplayName string          `json:"display_name"`
	Role        Role            `json:"role"`
	WorkspaceID string          `json:"workspace_id"`
	Status      Status          `json:"status"`
	Appearance  json.RawMessage `json:"appearance"`
	Timestamp   string          `json:"ts"`
}

// AgentDeparted announces an agent going offline.
type AgentDeparted struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"ts"`
}

// AgentStatusUpdate carries every other status change.
type AgentStatusUpdate struct {
	AgentID      string `json:"agent_id"`
	Status       Status `json:"status"`
	PrevStatus   Status `json:"prev_status"`
	ThinkingText string `json:"thinking_text,omitempty"`
	CurrentTask  string `json:"current_task,omitempty"`
	WorkspaceID  string `json:"workspace_id"`
	PeerAgentID  string `json:"peer_agent_id,omitempty"`
	ChatMessage  string `json:"chat_message,omitempty"`
	Timestamp    string `json:"ts"`
}

// Notification is the envelope published to sinks. Exactly one of the
// shape pointers is set, matching Type.
type Notification struct {
	Type          NotificationType   `json:"type"`
	AgentAppeared *AgentAppeared     `json:"agent_appeared,omitempty"`
	AgentDeparted *AgentDeparted     `json:"agent_departed,omitempty"`
	StatusUpdate  *AgentStatusUpdate `json:"agent_status_update,omitempty"`
}

// AgentID returns the id of the agent the notification is about.
func (n Notification) AgentID() string {
	switch {
	case n.AgentAppeared != nil:
		return n.AgentAppeared.AgentID
	case n.AgentDeparted != nil:
		return n.AgentDeparted.AgentID
	case n.StatusUpdate != nil:
		return n.StatusUpdate.AgentID
	}
	return ""
}

// WorkspaceID returns the workspace of the agent, or "" for departures.
func (n Notification) WorkspaceID() string {
	switch {
	case n.AgentAppeared != nil:
		return n.AgentAppeared.WorkspaceID
	case n.StatusUpdate != nil:
		return n.StatusUpdate.WorkspaceID
	}
	return ""
}
