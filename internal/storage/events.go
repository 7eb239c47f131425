package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go-agent-presence/internal/core"
)

const eventColumns = `id, version, ts, event_type, source, workspace_id, terminal_session_id,
    run_id, session_id, agent_id, target_agent_id, task_id, severity, payload_json,
    thinking_text, raw_json`

// InsertEvent appends ev to the event log. A non-empty fingerprint that is
// already stored makes the insert a no-op and inserted is false; an empty
// fingerprint is stored as NULL and never conflicts.
func (d *DB) InsertEvent(ctx context.Context, ev *core.Event, fingerprint string) (inserted bool, err error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("insert event: encode payload: %w", err)
	}
	var rawJSON sql.NullString
	if ev.Raw != nil {
		b, err := json.Marshal(ev.Raw)
		if err != nil {
			return false, fmt.Errorf("insert event: encode raw: %w", err)
		}
		rawJSON = sql.NullString{String: string(b), Valid: true}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		ev.ID, ev.Version, ev.Timestamp, string(ev.Type), string(ev.Source),
		ev.WorkspaceID, ev.TerminalSessionID, nullString(ev.RunID), nullString(ev.SessionID),
		ev.AgentID, nullString(ev.TargetAgentID), nullString(ev.TaskID), string(ev.Severity),
		string(payloadJSON), nullString(ev.ThinkingText), rawJSON, nullString(fingerprint),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

// getEvent retrieves an event by id.
func (d *DB) getEvent(ctx context.Context, id string) (*core.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := d.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// RecentEvents returns up to limit events of agentID, newest first.
func (d *DB) RecentEvents(ctx context.Context, agentID string, limit int) ([]core.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE agent_id = ?
		 ORDER BY ts DESC, rowid DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// CountEvents counts the events of agentID whose type is one of types.
func (d *DB) CountEvents(ctx context.Context, agentID string, types ...core.EventType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := []interface{}{agentID}
	marks := make([]string, len(types))
	for i, t := range types {
		marks[i] = "?"
		args = append(args, string(t))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE agent_id = ? AND event_type IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*core.Event, error) {
	var ev core.Event
	var evType, source, severity, payloadJSON string
	var runID, sessionID, target, taskID, thinking, rawJSON sql.NullString
	err := s.Scan(&ev.ID, &ev.Version, &ev.Timestamp, &evType, &source, &ev.WorkspaceID,
		&ev.TerminalSessionID, &runID, &sessionID, &ev.AgentID, &target, &taskID, &severity,
		&payloadJSON, &thinking, &rawJSON)
	if err != nil {
		return nil, err
	}
	if ev.Type, err = core.ParseEventType(evType); err != nil {
		return nil, err
	}
	ev.Source = core.Source(source)
	ev.Severity = core.Severity(severity)
	ev.RunID = runID.String
	ev.SessionID = sessionID.String
	ev.TargetAgentID = target.String
	ev.TaskID = taskID.String
	ev.ThinkingText = thinking.String
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if rawJSON.Valid {
		if err := json.Unmarshal([]byte(rawJSON.String), &ev.Raw); err != nil {
			return nil, fmt.Errorf("decode raw: %w", err)
		}
	}
	return &ev, nil
}
