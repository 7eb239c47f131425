package core

// SessionStatus is the liveness of a terminal session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// Session is one terminal session that has emitted hooks, keyed by
// (WorkspaceID, TerminalSessionID, RunID). LastHeartbeat is the RFC 3339
// UTC time of its newest event.
type Session struct {
	WorkspaceID       string        `json:"workspace_id"`
	TerminalSessionID string        `json:"terminal_session_id"`
	RunID             string        `json:"run_id"`
	LastHeartbeat     string        `json:"last_heartbeat_ts"`
	Status            SessionStatus `json:"status"`
}
