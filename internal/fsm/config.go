package fsm

import (
	"strings"
	"time"

	"go-agent-presence/internal/core"
)

// Config holds the failure classification and timer settings of a Machine.
type Config struct {
	// FatalKeywords mark a tool error as unrecoverable.
	FatalKeywords []string
	// RetryableKeywords mark a tool error as worth waiting on, even when
	// the failure streak has reached FatalConsecutiveFailures.
	RetryableKeywords []string
	// FatalConsecutiveFailures is the streak length at which an
	// unclassified tool error becomes fatal.
	FatalConsecutiveFailures int

	IdleTimeout      time.Duration
	CompletedTimeout time.Duration
	ChatTimeout      time.Duration
}

// DefaultConfig returns the stock classification keywords and timers.
func DefaultConfig() Config {
	return Config{
		FatalKeywords:            []string{"permission denied", "not found", "ENOENT", "EACCES"},
		RetryableKeywords:        []string{"timeout", "EAGAIN", "rate limit", "ECONNREFUSED"},
		FatalConsecutiveFailures: 3,
		IdleTimeout:              120 * time.Second,
		CompletedTimeout:         60 * time.Second,
		ChatTimeout:              5 * time.Second,
	}
}

// ClassifyFailure decides whether a tool failure leaves the agent waiting
// for input or failed. Fatal keywords win, then retryable keywords, then
// the streak threshold.
func (c Config) ClassifyFailure(message string, streak int) core.Status {
	lower := strings.ToLower(message)
	if containsAny(lower, c.FatalKeywords) {
		return core.StatusFailed
	}
	if containsAny(lower, c.RetryableKeywords) {
		return core.StatusPendingInput
	}
	if streak >= c.FatalConsecutiveFailures {
		return core.StatusFailed
	}
	return core.StatusPendingInput
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// NextFailureStreak returns the consecutive tool failure count after an
// event of type t has been processed.
func NextFailureStreak(streak int, t core.EventType) int {
	switch t {
	case core.EventToolFailed:
		return streak + 1
	case core.EventToolSucceeded, core.EventTaskStarted, core.EventTaskCompleted, core.EventAgentUnblocked:
		return 0
	}
	return streak
}
