package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-agent-presence/internal/agentlock"
	"go-agent-presence/internal/core"
	"go-agent-presence/internal/fsm"
	"go-agent-presence/internal/notify"
	"go-agent-presence/internal/storage"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListStates(ctx context.Context) ([]core.AgentState, error)
	GetState(ctx context.Context, agentID string) (*core.AgentState, error)
	SaveState(ctx context.Context, st *core.AgentState, expectStatus core.Status, expectSince string) error
	MarkStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultStaleSessionAfter is how long a terminal session may go without
// an event before a tick marks it inactive.
const DefaultStaleSessionAfter = 5 * time.Minute

// Scheduler applies elapsed-time transitions to every agent on a fixed
// interval, independent of inbound events.
type Scheduler struct {
	store    Store
	machine  *fsm.Machine
	sink     notify.Sink
	locks    *agentlock.Locker
	interval time.Duration
	stale    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Scheduler. locks must be the one shared with the ingest
// pipeline.
func New(store Store, machine *fsm.Machine, sink notify.Sink, locks *agentlock.Locker, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	if locks == nil {
		locks = agentlock.New()
	}
	return &Scheduler{
		store:    store,
		machine:  machine,
		sink:     sink,
		locks:    locks,
		interval: interval,
		stale:    DefaultStaleSessionAfter,
		now:      time.Now,
		logger:   logger,
	}
}

// SetStaleSessionAfter changes the session staleness threshold. Zero or
// negative disables session marking.
func (s *Scheduler) SetStaleSessionAfter(d time.Duration) {
	s.stale = d
}

// Run ticks until ctx is cancelled. A tick runs to completion before the
// next one can fire; a failed tick is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("heartbeat scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("heartbeat tick failed", "error", err)
			}
		}
	}
}

// Tick marks stale sessions, then scans every agent once and returns how
// many were moved. Agents are evaluated independently: a bad timestamp or a
// lost race skips one agent.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	if s.stale > 0 {
		n, err := s.store.MarkStaleSessions(ctx, now.Add(-s.stale))
		if err != nil {
			s.logger.Error("mark stale sessions failed", "error", err)
		} else if n > 0 {
			s.logger.Info("sessions marked inactive", "count", n)
		}
	}

	states, err := s.store.ListStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list states: %w", err)
	}
	moved := 0
	for i := range states {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		// Cheap pre-check on the snapshot; eligibility is re-evaluated
		// under the lock against a fresh read.
		snapshot := states[i].Clone()
		res, err := s.machine.Timer(snapshot, now)
		if err != nil {
			s.logger.Warn("heartbeat skipped agent", "agent_id", states[i].AgentID, "error", err)
			continue
		}
		if !res.Changed {
			continue
		}
		ok, err := s.advance(ctx, states[i].AgentID, now)
		if err != nil {
			s.logger.Error("heartbeat update failed", "agent_id", states[i].AgentID, "error", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (s *Scheduler) advance(ctx context.Context, agentID string, now time.Time) (bool, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	st, err := s.store.GetState(ctx, agentID)
	if err != nil {
		return false, err
	}
	expectStatus, expectSince := st.Status, st.Since
	res, err := s.machine.Timer(st, now)
	if err != nil {
		s.logger.Warn("heartbeat skipped agent", "agent_id", agentID, "error", err)
		return false, nil
	}
	if !res.Changed {
		s.logger.Debug("heartbeat transition superseded", "agent_id", agentID, "status", st.Status)
		return false, nil
	}
	if err := s.store.SaveState(ctx, st, expectStatus, expectSince); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.logger.Debug("heartbeat lost race to another writer", "agent_id", agentID)
			return false, nil
		}
		return false, err
	}

	s.logger.Info("timer transition", "agent_id", agentID, "from", res.Prev, "to", res.Next)
	n := notify.StatusUpdate(st, res.Prev, "", st.Since)
	if err := s.sink.Publish(ctx, n); err != nil {
		s.logger.Error("notification publish failed", "agent_id", agentID, "type", n.Type, "error", err)
	}
	return true, nil
}
