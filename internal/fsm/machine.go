package fsm

import (
	"fmt"
	"log/slog"
	"sync"

	"go-agent-presence/internal/core"
)

// Transition defines a status change caused by an event. When Resolve is
// set it picks the target at apply time and To is the nominal target used
// for validation.
type Transition struct {
	From    core.Status
	Event   core.EventType
	To      core.Status
	Resolve func(ev *core.Event, streak int) core.Status
}

// Result is the outcome of applying an event or a timer to a state.
// Updated is set when an accepted event kept the status but changed the
// thinking text or current task.
type Result struct {
	Changed bool
	Updated bool
	Prev    core.Status
	Next    core.Status
}

// Machine computes agent status transitions. It never touches storage: it
// mutates the state it is handed and the caller persists it.
type Machine struct {
	cfg         Config
	transitions map[core.Status]map[core.EventType]Transition
	mu          sync.RWMutex
	logger      *slog.Logger
}

// New creates a Machine loaded with the standard transition table.
func New(cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg:         cfg,
		transitions: make(map[core.Status]map[core.EventType]Transition),
		logger:      logger,
	}
	m.registerDefaults()
	return m
}

// AddTransition registers a transition, replacing any existing entry for
// the same (From, Event) pair.
func (m *Machine) AddTransition(t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transitions[t.From]; !ok {
		m.transitions[t.From] = make(map[core.EventType]Transition)
	}
	m.transitions[t.From][t.Event] = t
}

func (m *Machine) registerDefaults() {
	add := func(from core.Status, to core.Status, events ...core.EventType) {
		for _, e := range events {
			m.AddTransition(Transition{From: from, Event: e, To: to})
		}
	}
	add(core.StatusOffline, core.StatusAppearing, core.EventAgentStarted)
	add(core.StatusAppearing, core.StatusIdle, core.EventAppearDone)

	add(core.StatusIdle, core.StatusWorking, core.EventTaskStarted, core.EventToolStarted)
	add(core.StatusIdle, core.StatusWalking, core.EventMessageSent)

	add(core.StatusWorking, core.StatusThinking, core.EventThinkingUpdated)
	add(core.StatusWorking, core.StatusCompleted, core.EventTaskCompleted)
	add(core.StatusWorking, core.StatusFailed, core.EventTaskFailed)
	add(core.StatusWorking, core.StatusWorking, core.EventToolStarted, core.EventToolSucceeded)
	add(core.StatusWorking, core.StatusWalking, core.EventMessageSent)
	m.AddTransition(Transition{
		From:  core.StatusWorking,
		Event: core.EventToolFailed,
		To:    core.StatusPendingInput,
		Resolve: func(ev *core.Event, streak int) core.Status {
			return m.cfg.ClassifyFailure(ev.PayloadString("error_message"), streak)
		},
	})

	add(core.StatusThinking, core.StatusWorking, core.EventToolStarted)
	add(core.StatusThinking, core.StatusCompleted, core.EventTaskCompleted)
	add(core.StatusThinking, core.StatusFailed, core.EventTaskFailed)
	add(core.StatusThinking, core.StatusThinking, core.EventThinkingUpdated)

	add(core.StatusPendingInput, core.StatusWorking, core.EventAgentUnblocked, core.EventTaskStarted)
	add(core.StatusFailed, core.StatusWorking, core.EventAgentUnblocked, core.EventTaskStarted)
	add(core.StatusCompleted, core.StatusWorking, core.EventTaskStarted)

	add(core.StatusDisappearing, core.StatusOffline, core.EventDisappearDone)

	add(core.StatusResting, core.StatusStartled, core.EventTaskStarted, core.EventMessageReceived, core.EventMessageSent)

	add(core.StatusWalking, core.StatusChatting, core.EventArriveAtPeer)
	add(core.StatusChatting, core.StatusReturning, core.EventMessageDone)
}

// ValidateTransitions checks that every entry uses known tags and that
// every status is reachable from Offline.
func (m *Machine) ValidateTransitions() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edges := make(map[core.Status][]core.Status)
	for from, evs := range m.transitions {
		for _, t := range evs {
			if !from.Valid() || !t.To.Valid() || !t.Event.Valid() {
				return fmt.Errorf("invalid transition %s --%s--> %s", t.From, t.Event, t.To)
			}
			edges[from] = append(edges[from], t.To)
		}
	}
	// Edges that live outside the table.
	for _, s := range core.Statuses {
		if s != core.StatusOffline {
			edges[s] = append(edges[s], core.StatusDisappearing)
		}
	}
	for _, rule := range timerRules {
		edges[rule.from] = append(edges[rule.from], rule.to)
	}
	edges[core.StatusStartled] = append(edges[core.StatusStartled], core.StatusWorking, core.StatusIdle)
	edges[core.StatusReturning] = append(edges[core.StatusReturning], core.StatusIdle)

	reachable := map[core.Status]bool{core.StatusOffline: true}
	queue := []core.Status{core.StatusOffline}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range edges[s] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range core.Statuses {
		if !reachable[s] {
			return fmt.Errorf("status %s unreachable", s)
		}
	}
	return nil
}

// Apply runs one event against st. streak is the number of consecutive tool
// failures before this event. LastEventTS is always advanced; the other
// fields change only on an accepted transition.
func (m *Machine) Apply(st *core.AgentState, ev *core.Event, streak int) Result {
	prev := st.Status
	st.LastEventTS = ev.Timestamp

	if ev.Type == core.EventHeartbeat {
		return Result{Prev: prev, Next: prev}
	}

	if ev.Type == core.EventAgentStopped && prev != core.StatusOffline {
		return m.accept(st, ev, core.StatusDisappearing)
	}

	m.mu.RLock()
	t, ok := m.transitions[prev][ev.Type]
	m.mu.RUnlock()
	if ok {
		next := t.To
		if t.Resolve != nil {
			next = t.Resolve(ev, streak)
		}
		if next == core.StatusWalking && prev != core.StatusWalking {
			st.PrevStatus = prev
			st.PeerAgentID = ev.TargetAgentID
		}
		return m.accept(st, ev, next)
	}

	switch {
	case prev == core.StatusStartled && ev.Type == core.EventStartledDone:
		next := core.StatusIdle
		if st.CurrentTask != "" {
			next = core.StatusWorking
		}
		return m.accept(st, ev, next)
	case prev == core.StatusReturning && ev.Type == core.EventArriveAtHome:
		next := st.PrevStatus
		if next == "" {
			next = core.StatusIdle
		}
		st.PrevStatus = ""
		st.PeerAgentID = ""
		return m.accept(st, ev, next)
	}

	m.logger.Debug("transition ignored", "agent_id", st.AgentID, "status", prev, "event_type", ev.Type)
	return Result{Prev: prev, Next: prev}
}

// accept applies the side effects of an accepted transition. Since moves
// only when the status actually changes.
func (m *Machine) accept(st *core.AgentState, ev *core.Event, next core.Status) Result {
	prev := st.Status
	updated := false
	if ev.ThinkingText != "" && ev.ThinkingText != st.ThinkingText {
		st.ThinkingText = ev.ThinkingText
		updated = true
	}
	if tool := ev.PayloadString("tool_name"); tool != "" && tool != st.CurrentTask {
		st.CurrentTask = tool
		updated = true
	}
	if next == prev {
		return Result{Updated: updated, Prev: prev, Next: prev}
	}
	st.Status = next
	st.Since = ev.Timestamp
	return Result{Changed: true, Prev: prev, Next: next}
}
