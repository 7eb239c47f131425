package fsm

import (
	"fmt"
	"time"

	"go-agent-presence/internal/core"
)

type timerRule struct {
	from core.Status
	to   core.Status
}

var timerRules = []timerRule{
	{from: core.StatusIdle, to: core.StatusResting},
	{from: core.StatusCompleted, to: core.StatusDisappearing},
	{from: core.StatusChatting, to: core.StatusReturning},
}

// TimestampError reports a stored timestamp the timer could not parse.
type TimestampError struct {
	AgentID string
	Value   string
	Err     error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("agent %s: parse since %q: %v", e.AgentID, e.Value, e.Err)
}

func (e *TimestampError) Unwrap() error { return e.Err }

// threshold returns how long an agent must sit in s before its timer fires.
func (m *Machine) threshold(s core.Status) time.Duration {
	switch s {
	case core.StatusIdle:
		return m.cfg.IdleTimeout
	case core.StatusCompleted:
		return m.cfg.CompletedTimeout
	case core.StatusChatting:
		return m.cfg.ChatTimeout
	}
	return 0
}

// Elapsed returns how long ago since was relative to now, clamped at zero
// when the stored time lies in the future.
func Elapsed(since string, now time.Time) (time.Duration, error) {
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return 0, err
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d, nil
}

// Timer applies the elapsed-time rule for st's status, if any. Statuses
// without a timer rule are never touched and never parse Since.
func (m *Machine) Timer(st *core.AgentState, now time.Time) (Result, error) {
	prev := st.Status
	var rule *timerRule
	for i := range timerRules {
		if timerRules[i].from == prev {
			rule = &timerRules[i]
			break
		}
	}
	if rule == nil {
		return Result{Prev: prev, Next: prev}, nil
	}
	elapsed, err := Elapsed(st.Since, now)
	if err != nil {
		return Result{Prev: prev, Next: prev}, &TimestampError{AgentID: st.AgentID, Value: st.Since, Err: err}
	}
	if elapsed < m.threshold(prev) {
		return Result{Prev: prev, Next: prev}, nil
	}
	st.Status = rule.to
	st.Since = now.UTC().Format(time.RFC3339)
	return Result{Changed: true, Prev: prev, Next: rule.to}, nil
}
