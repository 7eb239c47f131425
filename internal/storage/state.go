package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-agent-presence/internal/core"
)

const stateColumns = `agent_id, status, prev_status, thinking_text, current_task, workspace_id,
    since, last_event_ts, session_id, peer_agent_id, home_x, failure_streak`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertState(ctx context.Context, ex execer, st *core.AgentState) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO agent_state (`+stateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AgentID, string(st.Status), nullString(string(st.PrevStatus)), nullString(st.ThinkingText),
		nullString(st.CurrentTask), st.WorkspaceID, st.Since, st.LastEventTS,
		nullString(st.SessionID), nullString(st.PeerAgentID), st.HomeX, st.FailureStreak,
	)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// GetState retrieves the current state of an agent.
func (d *DB) GetState(ctx context.Context, agentID string) (*core.AgentState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := scanState(d.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM agent_state WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return st, nil
}

// ListStates returns the state of every agent ordered by id.
func (d *DB) ListStates(ctx context.Context) ([]core.AgentState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM agent_state ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var states []core.AgentState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// SaveState writes st if the stored row still has expectStatus and
// expectSince, the pair the caller read before computing st. Otherwise it
// returns ErrConflict and nothing is written.
func (d *DB) SaveState(ctx context.Context, st *core.AgentState, expectStatus core.Status, expectSince string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`UPDATE agent_state SET status = ?, prev_status = ?, thinking_text = ?, current_task = ?,
		     workspace_id = ?, since = ?, last_event_ts = ?, session_id = ?, peer_agent_id = ?,
		     home_x = ?, failure_streak = ?
		 WHERE agent_id = ? AND status = ? AND since = ?`,
		string(st.Status), nullString(string(st.PrevStatus)), nullString(st.ThinkingText),
		nullString(st.CurrentTask), st.WorkspaceID, st.Since, st.LastEventTS,
		nullString(st.SessionID), nullString(st.PeerAgentID), st.HomeX, st.FailureStreak,
		st.AgentID, string(expectStatus), expectSince,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save state %s: %w", st.AgentID, ErrConflict)
	}
	return nil
}

func scanState(s scanner) (*core.AgentState, error) {
	var st core.AgentState
	var status string
	var prev, thinking, task, session, peer sql.NullString
	err := s.Scan(&st.AgentID, &status, &prev, &thinking, &task, &st.WorkspaceID,
		&st.Since, &st.LastEventTS, &session, &peer, &st.HomeX, &st.FailureStreak)
	if err != nil {
		return nil, err
	}
	if st.Status, err = core.ParseStatus(status); err != nil {
		return nil, err
	}
	if prev.Valid {
		if st.PrevStatus, err = core.ParseStatus(prev.String); err != nil {
			return nil, err
		}
	}
	st.ThinkingText = thinking.String
	st.CurrentTask = task.String
	st.SessionID = session.String
	st.PeerAgentID = peer.String
	return &st, nil
}
