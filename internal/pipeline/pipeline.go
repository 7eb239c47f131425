package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-agent-presence/internal/agentlock"
	"go-agent-presence/internal/core"
	"go-agent-presence/internal/fsm"
	"go-agent-presence/internal/normalizer"
	"go-agent-presence/internal/notify"
	"go-agent-presence/internal/storage"
)

// maxSaveAttempts bounds the reload and retry loop when another writer
// changed the agent between our read and our write.
const maxSaveAttempts = 3

// syntheticTerminal is the terminal session recorded on locally generated events.
const syntheticTerminal = "webview"

// ErrUnknownCompletion is returned by Complete for an unrecognized kind.
var ErrUnknownCompletion = errors.New("unknown completion kind")

// StorageError wraps a storage failure with the pipeline step it aborted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Store is the persistence the pipeline needs.
type Store interface {
	InsertEvent(ctx context.Context, ev *core.Event, fingerprint string) (bool, error)
	EnsureAgent(ctx context.Context, rec *core.AgentRecord, initial *core.AgentState) (bool, error)
	GetAgent(ctx context.Context, agentID string) (*core.AgentRecord, error)
	GetState(ctx context.Context, agentID string) (*core.AgentState, error)
	SaveState(ctx context.Context, st *core.AgentState, expectStatus core.Status, expectSince string) error
	TouchSession(ctx context.Context, s core.Session) error
}

// AppearanceFunc returns the opaque cosmetic profile of an agent.
type AppearanceFunc func(agentID string) json.RawMessage

// Outcome describes what one ingest or completion did.
type Outcome struct {
	EventID      string
	AgentID      string
	Duplicate    bool
	Created      bool
	Result       fsm.Result
	Notification *core.Notification
}

// Pipeline sequences normalization, deduplication, registration, the
// state machine and notification for each inbound event.
type Pipeline struct {
	store      Store
	normalizer *normalizer.Normalizer
	machine    *fsm.Machine
	sink       notify.Sink
	locks      *agentlock.Locker
	appearance AppearanceFunc
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalizer.Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithAppearance sets the cosmetic profile generator.
func WithAppearance(f AppearanceFunc) Option {
	return func(p *Pipeline) { p.appearance = f }
}

// WithClock overrides the time source for synthetic events.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. locks must be shared with any other component
// that mutates agent state, such as the heartbeat scheduler.
func New(store Store, machine *fsm.Machine, sink notify.Sink, locks *agentlock.Locker, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	if locks == nil {
		locks = agentlock.New()
	}
	p := &Pipeline{
		store:      store,
		normalizer: normalizer.New(),
		machine:    machine,
		sink:       sink,
		locks:      locks,
		appearance: func(string) json.RawMessage { return json.RawMessage(`{}`) },
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes one raw hook payload. A normalization failure returns a
// *normalizer.Error and persists nothing; a redelivered event returns an
// Outcome with Duplicate set.
func (p *Pipeline) Ingest(ctx context.Context, raw map[string]interface{}) (*Outcome, error) {
	ev, err := p.normalizer.Normalize(raw)
	if err != nil {
		p.logger.Warn("normalization failed", "error", err)
		return nil, err
	}
	fp := normalizer.Fingerprint(ev)

	inserted, err := p.store.InsertEvent(ctx, ev, fp)
	if err != nil {
		p.logger.Error("event insert failed", "event_id", ev.ID, "agent_id", ev.AgentID, "error", err)
		return nil, &StorageError{Op: "insert event", Err: err}
	}
	if !inserted {
		p.logger.Info("duplicate event skipped", "event_id", ev.ID, "agent_id", ev.AgentID,
			"event_type", ev.Type, "fingerprint", fp)
		return &Outcome{EventID: ev.ID, AgentID: ev.AgentID, Duplicate: true}, nil
	}
	p.touchSession(ctx, ev)

	unlock := p.locks.Lock(ev.AgentID)
	defer unlock()

	rec := core.NewAgentRecord(ev.AgentID, ev.WorkspaceID, ev.Timestamp, p.appearance(ev.AgentID))
	initial := core.NewAgentState(ev.AgentID, ev.WorkspaceID, ev.SessionID, ev.Timestamp)
	created, err := p.store.EnsureAgent(ctx, rec, initial)
	if err != nil {
		p.logger.Error("agent registration failed", "event_id", ev.ID, "agent_id", ev.AgentID, "error", err)
		return nil, &StorageError{Op: "ensure agent", Err: err}
	}
	if created {
		p.logger.Info("agent registered", "agent_id", ev.AgentID, "workspace_id", ev.WorkspaceID)
	}
	return p.advance(ctx, ev, rec, created)
}

// touchSession refreshes the terminal session that emitted ev. A failure
// is logged and does not abort the ingest.
func (p *Pipeline) touchSession(ctx context.Context, ev *core.Event) {
	ts := p.now().UTC()
	if t, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		ts = t.UTC()
	}
	s := core.Session{
		WorkspaceID:       ev.WorkspaceID,
		TerminalSessionID: ev.TerminalSessionID,
		RunID:             ev.RunID,
		LastHeartbeat:     ts.Format(time.RFC3339),
	}
	if err := p.store.TouchSession(ctx, s); err != nil {
		p.logger.Warn("session touch failed", "workspace_id", ev.WorkspaceID,
			"terminal_session_id", ev.TerminalSessionID, "error", err)
	}
}

// advance runs the machine for ev and persists the result, retrying when a
// concurrent writer moved the agent first. Callers hold the agent lock.
func (p *Pipeline) advance(ctx context.Context, ev *core.Event, rec *core.AgentRecord, created bool) (*Outcome, error) {
	out := &Outcome{EventID: ev.ID, AgentID: ev.AgentID, Created: created}

	var st *core.AgentState
	for attempt := 1; ; attempt++ {
		var err error
		st, err = p.store.GetState(ctx, ev.AgentID)
		if err != nil {
			p.logger.Error("state load failed", "event_id", ev.ID, "agent_id", ev.AgentID, "error", err)
			return nil, &StorageError{Op: "load state", Err: err}
		}
		expectStatus, expectSince := st.Status, st.Since
		streak := st.FailureStreak

		out.Result = p.machine.Apply(st, ev, streak)
		st.FailureStreak = fsm.NextFailureStreak(streak, ev.Type)

		err = p.store.SaveState(ctx, st, expectStatus, expectSince)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt < maxSaveAttempts {
			p.logger.Debug("state changed concurrently, retrying", "agent_id", ev.AgentID, "attempt", attempt)
			continue
		}
		p.logger.Error("state save failed", "event_id", ev.ID, "agent_id", ev.AgentID, "error", err)
		return nil, &StorageError{Op: "save state", Err: err}
	}

	if !out.Result.Changed && !out.Result.Updated {
		return out, nil
	}
	p.logger.Debug("status changed", "agent_id", ev.AgentID, "event_type", ev.Type,
		"from", out.Result.Prev, "to", out.Result.Next, "changed", out.Result.Changed)

	var n core.Notification
	switch {
	case !out.Result.Changed:
		n = notify.StatusUpdate(st, out.Result.Prev, chatMessage(ev), ev.Timestamp)
	case created || (out.Result.Prev == core.StatusOffline && out.Result.Next == core.StatusAppearing):
		n = notify.Appeared(rec, st, ev.Timestamp)
	case out.Result.Next == core.StatusOffline:
		n = notify.Departed(ev.AgentID, ev.Timestamp)
	default:
		n = notify.StatusUpdate(st, out.Result.Prev, chatMessage(ev), ev.Timestamp)
	}
	out.Notification = &n
	if err := p.sink.Publish(ctx, n); err != nil {
		p.logger.Error("notification publish failed", "agent_id", ev.AgentID, "type", n.Type, "error", err)
	}
	return out, nil
}

func chatMessage(ev *core.Event) string {
	switch ev.Type {
	case core.EventMessageSent, core.EventMessageReceived:
		return ev.PayloadString("message")
	}
	return ""
}

// completionKinds maps the renderer's completion kinds to event types.
var completionKinds = map[string]core.EventType{
	"appear":         core.EventAppearDone,
	"disappear":      core.EventDisappearDone,
	"startled":       core.EventStartledDone,
	"arrive_at_peer": core.EventArriveAtPeer,
	"arrive_at_home": core.EventArriveAtHome,
	"chat_done":      core.EventMessageDone,
}

// CompletionKinds lists the accepted completion kinds.
func CompletionKinds() []string {
	return []string{"appear", "disappear", "startled", "arrive_at_peer", "arrive_at_home", "chat_done"}
}

// Complete feeds a renderer completion for agentID through the state
// machine. The event skips normalization and deduplication but is still
// appended to the event log. An unknown agent yields storage.ErrNotFound.
func (p *Pipeline) Complete(ctx context.Context, agentID, kind string) (*Outcome, error) {
	et, ok := completionKinds[kind]
	if !ok {
		p.logger.Warn("completion rejected", "agent_id", agentID, "kind", kind, "reason", "unknown kind")
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownCompletion, kind, strings.Join(CompletionKinds(), ", "))
	}

	unlock := p.locks.Lock(agentID)
	defer unlock()

	rec, err := p.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("completion rejected", "agent_id", agentID, "kind", kind, "reason", "unknown agent")
		return nil, fmt.Errorf("complete %s: %w", agentID, err)
	}
	if err != nil {
		p.logger.Error("agent load failed", "agent_id", agentID, "error", err)
		return nil, &StorageError{Op: "load agent", Err: err}
	}
	st, err := p.store.GetState(ctx, agentID)
	if err != nil {
		p.logger.Error("state load failed", "agent_id", agentID, "error", err)
		return nil, &StorageError{Op: "load state", Err: err}
	}

	ev := &core.Event{
		ID:                "syn_" + uuid.NewString(),
		Version:           core.SchemaVersion,
		Timestamp:         p.now().UTC().Format(time.RFC3339),
		Type:              et,
		Source:            core.SourceSynthetic,
		WorkspaceID:       rec.WorkspaceID,
		TerminalSessionID: syntheticTerminal,
		SessionID:         st.SessionID,
		AgentID:           agentID,
		Severity:          core.SeverityDebug,
		Payload:           map[string]interface{}{"kind": kind},
	}
	if _, err := p.store.InsertEvent(ctx, ev, ""); err != nil {
		p.logger.Error("synthetic event insert failed", "event_id", ev.ID, "agent_id", agentID, "error", err)
		return nil, &StorageError{Op: "insert event", Err: err}
	}
	return p.advance(ctx, ev, rec, false)
}
