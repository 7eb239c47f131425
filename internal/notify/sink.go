// Package notify publishes agent status-change notifications to the
// rendering layer: websocket clients, Redis subscribers, or both.
package notify

import (
	"context"
	"errors"
	"sync"

	"go-agent-presence/internal/core"
)

// Sink receives status-change notifications.
type Sink interface {
	Publish(ctx context.Context, n core.Notification) error
}

// Multi fans a notification out to every sink. All sinks are tried; their
// errors are joined.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

// Publish implements Sink.
func (Discard) Publish(context.Context, core.Notification) error { return nil }

// Recorder keeps every published notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []core.Notification
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, n core.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Notifications returns a copy of what has been published so far.
func (r *Recorder) Notifications() []core.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Appeared builds an agent_appeared notification.
func Appeared(rec *core.AgentRecord, st *core.AgentState, ts string) core.Notification {
	return core.Notification{
		Type: core.NotificationAgentAppeared,
		AgentAppeared: &core.AgentAppeared{
			AgentID:     rec.AgentID,
			DisplayName: rec.DisplayName,
			Role:        rec.Role,
			WorkspaceID: st.WorkspaceID,
			Status:      st.Status,
			Appearance:  rec.Appearance,
			Timestamp:   ts,
		},
	}
}

// Departed builds an agent_departed notification.
func Departed(agentID, ts string) core.Notification {
	return core.Notification{
		Type:          core.NotificationAgentDeparted,
		AgentDeparted: &core.AgentDeparted{AgentID: agentID, Timestamp: ts},
	}
}

// StatusUpdate builds an agent_status_update notification.
func StatusUpdate(st *core.AgentState, prev core.Status, chatMessage, ts string) core.Notification {
	return core.Notification{
		Type: core.NotificationAgentStatusUpdate,
		StatusUpdate: &core.AgentStatusUpdate{
			AgentID:      st.AgentID,
			Status:       st.Status,
			PrevStatus:   prev,
			ThinkingText: st.ThinkingText,
			CurrentTask:  st.CurrentTask,
			WorkspaceID:  st.WorkspaceID,
			PeerAgentID:  st.PeerAgentID,
			ChatMessage:  chatMessage,
			Timestamp:    ts,
		},
	}
}
