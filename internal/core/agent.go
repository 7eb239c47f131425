package core

import (
	"encoding/json"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// AgentRecord is the durable profile of an agent, keyed by its derived id.
type AgentRecord struct {
	AgentID        string          `json:"agent_id"`
	DisplayName    string          `json:"display_name"`
	Role           Role            `json:"role"`
	EmploymentType EmploymentType  `json:"employment_type"`
	WorkspaceID    string          `json:"workspace_id"`
	Appearance     json.RawMessage `json:"appearance"`
	FirstSeen      string          `json:"first_seen_ts"`
	LastActive     string          `json:"last_active_ts"`
}

// NewAgentRecord builds the profile for a first sighting of agentID.
func NewAgentRecord(agentID, workspaceID, ts string, appearance json.RawMessage) *AgentRecord {
	role := RoleWorker
	if strings.HasSuffix(agentID, "/leader") {
		role = RoleManager
	}
	if len(appearance) == 0 {
		appearance = json.RawMessage(`{}`)
	}
	return &AgentRecord{
		AgentID:        agentID,
		DisplayName:    DisplayName(agentID),
		Role:           role,
		EmploymentType: EmploymentContractor,
		WorkspaceID:    workspaceID,
		Appearance:     appearance,
		FirstSeen:      ts,
		LastActive:     ts,
	}
}

// DisplayName is the last path segment of an agent id.
func DisplayName(agentID string) string {
	if i := strings.LastIndex(agentID, "/"); i >= 0 && i < len(agentID)-1 {
		return agentID[i+1:]
	}
	return agentID
}

// AgentState is the current status record of one agent.
type AgentState struct {
	AgentID      string  `json:"agent_id"`
	Status       Status  `json:"status"`
	PrevStatus   Status  `json:"prev_status,omitempty"`
	ThinkingText string  `json:"thinking_text,omitempty"`
	CurrentTask  string  `json:"current_task,omitempty"`
	WorkspaceID  string  `json:"workspace_id"`
	Since        string  `json:"since"`
	LastEventTS  string  `json:"last_event_ts"`
	SessionID    string  `json:"session_id,omitempty"`
	PeerAgentID  string  `json:"peer_agent_id,omitempty"`
	HomeX        float64 `json:"home_x"`

	// FailureStreak counts consecutive tool failures.
	FailureStreak int `json:"failure_streak"`
}

// NewAgentState returns the initial Offline state for a newly registered agent.
func NewAgentState(agentID, workspaceID, sessionID, ts string) *AgentState {
	return &AgentState{
		AgentID:     agentID,
		Status:      StatusOffline,
		WorkspaceID: workspaceID,
		Since:       ts,
		LastEventTS: ts,
		SessionID:   sessionID,
		HomeX:       HomeX(agentID),
	}
}

// HomeX maps an agent id onto a stable horizontal home coordinate in [0, 1).
func HomeX(agentID string) float64 {
	return float64(xxhash.Sum64String(agentID)%1000) / 1000
}

// Clone returns a copy of the state.
func (s *AgentState) Clone() *AgentState {
	c := *s
	return &c
}
