package model

import "fmt"

// Status is the delivery state of a queued email
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed}

// ParseStatus converts a raw string into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed:
		return true
	case StatusPending, StatusProcessing:
		return false
	}
	return false
}

// CanTransition reports whether the state machine has an edge from s to next
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		switch next {
		case StatusSent, StatusPending, StatusFailed:
			return true
		}
		return false
	case StatusSent, StatusFailed:
		return false
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
