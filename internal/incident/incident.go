package incident

import "time"

// Incident is the read model projected from a transition log.
type Incident struct {
	ID        string           `json:"id"`
	State     State            `json:"state"`
	Event     *FailureEvent    `json:"event,omitempty"`
	Search    *SearchSummary   `json:"search,omitempty"`
	Decision  *Decision        `json:"decision,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	// LineageAttempts counts execution attempts recorded against earlier
	// incidents of the same run or pod. It is not persisted.
	LineageAttempts int          `json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Transitions     []Transition `json:"transitions"`
}

// Project folds history into an Incident. It returns nil for empty history.
func Project(history []Transition) *Incident {
	if len(history) == 0 {
		return nil
	}
	inc := &Incident{
		ID:          history[0].IncidentID,
		CreatedAt:   history[0].At,
		Transitions: append([]Transition(nil), history...),
	}
	for _, t := range history {
		inc.State = t.State
		inc.UpdatedAt = t.At
		if t.Event != nil {
			inc.Event = t.Event
		}
		if t.Search != nil {
			inc.Search = t.Search
		}
		if t.Decision != nil {
			inc.Decision = t.Decision
		}
		if t.Execution != nil {
			inc.Execution = t.Execution
		}
		if t.Reason != "" {
			inc.Reason = t.Reason
		}
	}
	return inc
}

// PriorAttempts counts execution attempts already made for this failure.
func (i *Incident) PriorAttempts() int {
	if i == nil {
		return 0
	}
	n := i.LineageAttempts
	if i.Execution != nil {
		n += len(i.Execution.Attempts)
	}
	return n
}
