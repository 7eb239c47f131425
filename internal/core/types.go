package core

import "fmt"

// Status is the activity status of an agent. Values are persisted and
// transmitted as their tag strings.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusAppearing    Status = "appearing"
	StatusIdle         Status = "idle"
	StatusWorking      Status = "working"
	StatusThinking     Status = "thinking"
	StatusPendingInput Status = "pending_input"
	StatusFailed       Status = "failed"
	StatusCompleted    Status = "completed"
	StatusResting      Status = "resting"
	StatusStartled     Status = "startled"
	StatusWalking      Status = "walking"
	StatusChatting     Status = "chatting"
	StatusReturning    Status = "returning"
	StatusDisappearing Status = "disappearing"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusOffline,
	StatusAppearing,
	StatusIdle,
	StatusWorking,
	StatusThinking,
	StatusPendingInput,
	StatusFailed,
	StatusCompleted,
	StatusResting,
	StatusStartled,
	StatusWalking,
	StatusChatting,
	StatusReturning,
	StatusDisappearing,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a persisted tag back into a Status.
func ParseStatus(tag string) (Status, error) {
	s := Status(tag)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", tag)
	}
	return s, nil
}

// Role classifies an agent inside its team.
type Role string

const (
	RoleManager    Role = "manager"
	RoleWorker     Role = "worker"
	RoleSpecialist Role = "specialist"
	RoleUnknown    Role = "unknown"
)

// EmploymentType distinguishes long-lived agents from ephemeral ones.
type EmploymentType string

const (
	EmploymentEmployee   EmploymentType = "employee"
	EmploymentContractor EmploymentType = "contractor"
)
