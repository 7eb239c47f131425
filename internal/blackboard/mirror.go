package blackboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-agent-presence/internal/core"
)

// Mirror keeps a Store in step with the notification stream. It satisfies
// notify.Sink.
type Mirror struct {
	store Store
	ttl   time.Duration
}

// NewMirror returns a Mirror writing to store with the given entry TTL.
func NewMirror(store Store, ttl time.Duration) *Mirror {
	return &Mirror{store: store, ttl: ttl}
}

// Publish applies one notification. Departures delete the entry; a status
// update merges over the stored entry so the display name survives.
func (m *Mirror) Publish(ctx context.Context, n core.Notification) error {
	switch {
	case n.AgentDeparted != nil:
		return m.store.Delete(ctx, n.AgentDeparted.AgentID)

	case n.AgentAppeared != nil:
		a := n.AgentAppeared
		_, err := m.store.Put(ctx, Entry{
			AgentID:     a.AgentID,
			WorkspaceID: a.WorkspaceID,
			DisplayName: a.DisplayName,
			Status:      a.Status,
			Timestamp:   a.Timestamp,
		}, m.ttl)
		return err

	case n.StatusUpdate != nil:
		u := n.StatusUpdate
		e := Entry{AgentID: u.AgentID}
		prev, err := m.store.Get(ctx, u.AgentID)
		switch {
		case err == nil:
			e = *prev
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("load entry %s: %w", u.AgentID, err)
		}
		e.WorkspaceID = u.WorkspaceID
		e.Status = u.Status
		e.PrevStatus = u.PrevStatus
		e.ThinkingText = u.ThinkingText
		e.CurrentTask = u.CurrentTask
		e.PeerAgentID = u.PeerAgentID
		e.Timestamp = u.Timestamp
		_, err = m.store.Put(ctx, e, m.ttl)
		return err
	}
	return nil
}
