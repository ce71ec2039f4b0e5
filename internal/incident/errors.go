package incident

import (
	"fmt"
	"strings"
)

// MalformedEventError reports a webhook payload missing required
// identifiers. No incident is created for it.
type MalformedEventError struct {
	Platform Platform
	Missing  []string
	Err      error
}

func (e *MalformedEventError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed %s event: missing %s", e.Platform, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("malformed %s event: %v", e.Platform, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// SourceUnavailableError reports a knowledge tier that errored or timed
// out. The chain treats it as "no candidates" and moves on.
type SourceUnavailableError struct {
	Source SourceKind
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("knowledge source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an out-of-order ledger append.
type InvalidTransitionError struct {
	IncidentID string
	From       State
	To         State
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("incident %s: invalid transition %s -> %s", e.IncidentID, from, e.To)
}

// ActuatorFailure reports a failed platform action. Transient failures are
// retried by the executor.
type ActuatorFailure struct {
	Actuator  string
	Operation string
	Transient bool
	Err       error
}

func (e *ActuatorFailure) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Actuator, e.Operation, kind, e.Err)
}

func (e *ActuatorFailure) Unwrap() error { return e.Err }

// LearningSinkWriteFailure reports that a successful fix could not be
// recorded. It never changes the incident outcome.
type LearningSinkWriteFailure struct {
	IncidentID string
	Err        error
}

func (e *LearningSinkWriteFailure) Error() string {
	return fmt.Sprintf("recording fix for incident %s: %v", e.IncidentID, e.Err)
}

func (e *LearningSinkWriteFailure) Unwrap() error { return e.Err }
