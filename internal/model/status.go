package model

import "fmt"

type Status string

const (
	StatusQueued       Status = "queued"
	StatusWaitingSpace Status = "waiting_space"
	StatusDownloading  Status = "downloading"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusWaitingSpace,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Task transitions: queued ↔ waiting_space, queued → downloading → terminal,
// downloading → queued on a granted retry.
// queued → failed covers sizes that can never fit; waiting_space → failed covers
// the maximum wait.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusWaitingSpace: true,
		StatusDownloading:  true,
		StatusFailed:       true,
		StatusCancelled:    true,
	},
	StatusWaitingSpace: {
		StatusQueued:    true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusDownloading: {
		StatusQueued:    true, // retry re-armed with not_before
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsKnownStatus(s Status) bool {
	for _, known := range AllStatuses {
		if known == s {
			return true
		}
	}
	return false
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// ParseStatus accepts the wire form of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !IsKnownStatus(st) {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
