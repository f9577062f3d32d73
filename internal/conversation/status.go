// ABOUTME: Conversation status state machine
// ABOUTME: Transition table and denial reasons; resolved can only reopen

package conversation

import "fmt"

// Status is a conversation lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusSnoozed  Status = "snoozed"
	StatusResolved Status = "resolved"
)

// transitions lists the allowed targets for each state, self-loops included.
var transitions = map[Status]map[Status]bool{
	StatusOpen:     {StatusOpen: true, StatusPending: true, StatusSnoozed: true, StatusResolved: true},
	StatusPending:  {StatusPending: true, StatusOpen: true, StatusSnoozed: true, StatusResolved: true},
	StatusSnoozed:  {StatusSnoozed: true, StatusOpen: true, StatusPending: true, StatusResolved: true},
	StatusResolved: {StatusResolved: true, StatusOpen: true},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// OpenFamily reports whether s counts as an open conversation for resolution.
func (s Status) OpenFamily() bool {
	return s == StatusOpen || s == StatusPending || s == StatusSnoozed
}

// TransitionDecision is the result of checking a status change.
type TransitionDecision struct {
	Allowed bool
	Reason  string // set when !Allowed
}

// ValidateTransition checks from → to against the transition table.
func ValidateTransition(from, to Status) TransitionDecision {
	if !from.Valid() {
		return TransitionDecision{Reason: fmt.Sprintf("unknown current status %q", from)}
	}
	if !to.Valid() {
		return TransitionDecision{Reason: fmt.Sprintf("unknown target status %q", to)}
	}
	if !transitions[from][to] {
		return TransitionDecision{Reason: fmt.Sprintf("cannot move conversation from %s to %s", from, to)}
	}
	return TransitionDecision{Allowed: true}
}

// TransitionDeniedError is returned when a status change is not in the
// transition table. The stored status is left unchanged.
type TransitionDeniedError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionDeniedError) Error() string {
	return "transition denied: " + e.Reason
}
