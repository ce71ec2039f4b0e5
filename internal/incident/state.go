package incident

import (
	"fmt"
	"time"
)

// State is an incident lifecycle state.
type State string

const (
	StateNone      State = ""
	StateDetected  State = "DETECTED"
	StateSearching State = "SEARCHING"
	StateDecided   State = "DECIDED"
	StateExecuting State = "EXECUTING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateEscalated State = "ESCALATED"
)

var allowed = map[State][]State{
	StateNone:      {StateDetected},
	StateDetected:  {StateSearching, StateFailed},
	StateSearching: {StateDecided, StateFailed},
	StateDecided:   {StateExecuting, StateEscalated, StateFailed},
	StateExecuting: {StateSucceeded, StateFailed, StateEscalated},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateEscalated
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one entry in an incident's append-only log. Payload fields
// are set only on the transitions that produce them.
type Transition struct {
	IncidentID string           `json:"incident_id"`
	State      State            `json:"state"`
	At         time.Time        `json:"at"`
	Reason     string           `json:"reason,omitempty"`
	Event      *FailureEvent    `json:"event,omitempty"`
	Search     *SearchSummary   `json:"search,omitempty"`
	Decision   *Decision        `json:"decision,omitempty"`
	Execution  *ExecutionResult `json:"execution,omitempty"`
}

// Key is the idempotency key of the transition.
func (t Transition) Key() string {
	return TransitionKey(t.IncidentID, t.State)
}

// TransitionKey builds "<incident>/<STATE>".
func TransitionKey(id string, s State) string {
	return fmt.Sprintf("%s/%s", id, s)
}

// Validate checks that t may be appended to history. It returns
// (true, nil) when t is already present and the append is a no-op.
func Validate(history []Transition, t Transition) (duplicate bool, err error) {
	for _, h := range history {
		if h.Key() == t.Key() {
			return true, nil
		}
	}
	from := StateNone
	if n := len(history); n > 0 {
		from = history[n-1].State
	}
	if !CanTransition(from, t.State) {
		return false, &InvalidTransitionError{IncidentID: t.IncidentID, From: from, To: t.State}
	}
	return false, nil
}
