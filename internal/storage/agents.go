package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-agent-presence/internal/core"
)

const agentColumns = `agent_id, display_name, role, employment_type, workspace_id,
    appearance_json, first_seen_ts, last_active_ts`

// EnsureAgent registers rec and its initial state on first sighting. For a
// known agent it refreshes display name, last-active and appearance while
// keeping first-seen. created reports whether the agent was new.
func (d *DB) EnsureAgent(ctx context.Context, rec *core.AgentRecord, initial *core.AgentState) (created bool, err error) {
	appearance := string(rec.Appearance)
	if appearance == "" {
		appearance = "{}"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ensure agent: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO NOTHING`,
		rec.AgentID, rec.DisplayName, string(rec.Role), string(rec.EmploymentType),
		rec.WorkspaceID, appearance, rec.FirstSeen, rec.LastActive,
	)
	if err != nil {
		return false, fmt.Errorf("ensure agent: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure agent: %w", err)
	}

	if n == 1 {
		if err := insertState(ctx, tx, initial); err != nil {
			return false, fmt.Errorf("ensure agent: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET display_name = ?, last_active_ts = ?, appearance_json = ?
			 WHERE agent_id = ?`,
			rec.DisplayName, rec.LastActive, appearance, rec.AgentID,
		)
		if err != nil {
			return false, fmt.Errorf("ensure agent: refresh: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ensure agent: commit: %w", err)
	}
	return n == 1, nil
}

// GetAgent retrieves an agent record by id.
func (d *DB) GetAgent(ctx context.Context, agentID string) (*core.AgentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := scanAgent(d.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns all agent records ordered by id.
func (d *DB) ListAgents(ctx context.Context) ([]core.AgentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []core.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *rec)
	}
	return agents, rows.Err()
}

func scanAgent(s scanner) (*core.AgentRecord, error) {
	var rec core.AgentRecord
	var role, employment, appearance string
	err := s.Scan(&rec.AgentID, &rec.DisplayName, &role, &employment, &rec.WorkspaceID,
		&appearance, &rec.FirstSeen, &rec.LastActive)
	if err != nil {
		return nil, err
	}
	rec.Role = core.Role(role)
	rec.EmploymentType = core.EmploymentType(employment)
	rec.Appearance = json.RawMessage(appearance)
	return &rec, nil
}
