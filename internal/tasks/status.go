package tasks

import "fmt"

// transitions encodes the directed lifecycle graph. A status missing from
// the map (done) has no outgoing edges.
var transitions = map[Status][]Status{
	StatusBacklog:   {StatusPlanning, StatusQueued, StatusRunning},
	StatusPlanning:  {StatusPlanReady, StatusError, StatusBacklog},
	StatusPlanReady: {StatusQueued, StatusRunning, StatusBacklog},
	StatusQueued:    {StatusBacklog, StatusRunning},
	StatusRunning:   {StatusPaused, StatusDone, StatusError, StatusReview},
	StatusPaused:    {StatusRunning, StatusQueued},
	StatusReview:    {StatusDone, StatusError, StatusRunning},
	StatusDone:      {},
	StatusError:     {StatusQueued, StatusBacklog, StatusPlanning},
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %q -> %q", e.From, e.To)
}

// IsValidTransition reports whether the lifecycle graph permits from -> to.
// A status transitioning to itself is always a valid no-op.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the outgoing edges for from, excluding the
// implicit self-transition. The result is a fresh slice.
func ValidNextStates(from Status) []Status {
	next := transitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// ValidateTransition returns a typed error carrying the attempted pair so
// callers can surface it instead of clamping the status.
func ValidateTransition(from, to Status) error {
	if !IsValidTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

func KnownStatus(s Status) bool {
	if s == StatusDone {
		return true
	}
	_, ok := transitions[s]
	return ok
}
