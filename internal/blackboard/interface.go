package blackboard

import (
	"context"
	"errors"
	"time"

	"go-agent-presence/internal/core"
)

// ErrNotFound is returned by Get for an agent with no entry.
var ErrNotFound = errors.New("blackboard: entry not found")

// Entry is the last known presence of one agent.
type Entry struct {
	AgentID      string      `json:"agent_id"`
	WorkspaceID  string      `json:"workspace_id"`
	DisplayName  string      `json:"display_name,omitempty"`
	Status       core.Status `json:"status"`
	PrevStatus   core.Status `json:"prev_status,omitempty"`
	ThinkingText string      `json:"thinking_text,omitempty"`
	CurrentTask  string      `json:"current_task,omitempty"`
	PeerAgentID  string      `json:"peer_agent_id,omitempty"`
	Timestamp    string      `json:"ts"`
	Version      int64       `json:"version"`
}

// Store is a shared read model of current agent presence, for readers
// that do not have access to the event database.
type Store interface {
	Put(ctx context.Context, e Entry, ttl time.Duration) (int64, error)
	Get(ctx context.Context, agentID string) (*Entry, error)
	List(ctx context.Context, workspaceID string) ([]Entry, error)
	Delete(ctx context.Context, agentID string) error
	Close() error
}
