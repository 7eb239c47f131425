package storage

import (
	"context"
	"fmt"
	"time"

	"go-agent-presence/internal/core"
)

// TouchSession records activity on a terminal session. The stored
// heartbeat only moves forward, and a session is reactivated only by an
// event at least as new as the one it holds.
func (d *DB) TouchSession(ctx context.Context, s core.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions (workspace_id, terminal_session_id, run_id, last_heartbeat_ts, status)
		 VALUES (?, ?, ?, ?, 'active')
		 ON CONFLICT(workspace_id, terminal_session_id, run_id) DO UPDATE SET
		     status = CASE WHEN excluded.last_heartbeat_ts >= sessions.last_heartbeat_ts
		                   THEN 'active' ELSE sessions.status END,
		     last_heartbeat_ts = MAX(sessions.last_heartbeat_ts, excluded.last_heartbeat_ts)`,
		s.WorkspaceID, s.TerminalSessionID, s.RunID, s.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListSessions returns sessions newest first, optionally only active ones.
func (d *DB) ListSessions(ctx context.Context, activeOnly bool) ([]core.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	query := `SELECT workspace_id, terminal_session_id, run_id, last_heartbeat_ts, status FROM sessions`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY last_heartbeat_ts DESC`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		var s core.Session
		var status string
		if err := rows.Scan(&s.WorkspaceID, &s.TerminalSessionID, &s.RunID, &s.LastHeartbeat, &status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = core.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkStaleSessions deactivates active sessions whose last heartbeat is
// older than cutoff and returns how many changed.
func (d *DB) MarkStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'inactive' WHERE status = 'active' AND last_heartbeat_ts < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	return res.RowsAffected()
}
