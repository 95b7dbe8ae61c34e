package domain

// Status is the lifecycle state of a notification job.
type Status string

// Job status constants
const (
	StatusPending        Status = "PENDING"
	StatusSent           Status = "SENT"
	StatusFailed         Status = "FAILED"
	StatusFailedTerminal Status = "FAILED_TERMINAL"
)

// MessageVersion is the current queue message schema version.
const MessageVersion = 1

// transitions lists, for each target status, the statuses a job may move from.
var transitions = map[Status][]Status{
	StatusSent:           {StatusPending},
	StatusFailed:         {StatusPending},
	StatusFailedTerminal: {StatusPending},
	StatusPending:        {StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusFailedTerminal:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailedTerminal
}

func (s Status) String() string {
	return string(s)
}

// AllowedFrom returns the statuses a job may be in to move to target.
func AllowedFrom(target Status) []Status {
	return transitions[target]
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
