package notify

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// Routing selects channels and mentions per outcome.
type Routing struct {
	DraftChannel    string
	EscalateChannel string
	Mentions        []string
}

var reasonText = map[string]string{
	incident.ReasonConfidenceTooLow:      "confidence too low",
	incident.ReasonNoCandidate:           "no candidate found",
	incident.ReasonAllSourcesUnavailable: "all knowledge sources unavailable",
	incident.ReasonRiskFlagged:           "risk-flagged category",
	incident.ReasonRetryCapExceeded:      "retry cap exceeded",
	incident.ReasonNoRemediationAction:   "no automated remediation for this failure",
	incident.ReasonStructuralFailure:     "structural change failed",
	incident.ReasonDeadlineExceeded:      "deadline exceeded",
	incident.ReasonExecutionFailed:       "remediation failed after retries",
}

// Explain renders a reason code for humans.
func Explain(reason string) string {
	if s, ok := reasonText[reason]; ok {
		return s
	}
	return reason
}

// Compose builds the notification for an outcome. ok is false when the
// outcome needs no human attention (an applied fix).
func (r Routing) Compose(ev incident.FailureEvent, d incident.Decision, res incident.ExecutionResult) (channel, message string, mentions []string, ok bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s` %s in %s (%s)\n", ev.Platform, ev.IncidentID, ev.CategoryTag(), ev.Resource, ev.Environment)

	switch {
	case res.Status == incident.ExecSucceeded && res.Draft:
		fmt.Fprintf(&b, "Proposed fix (confidence %.2f, threshold %.2f): %s\n", d.Confidence, d.ThresholdUsed, fixOf(d))
		if res.ChangeRef != "" {
			fmt.Fprintf(&b, "Draft change for review: %s\n", res.ChangeRef)
		}
		return r.DraftChannel, b.String(), nil, true

	case res.Applied():
		return "", "", nil, false

	default:
		reason := res.Reason
		if reason == "" {
			reason = d.Reason
		}
		fmt.Fprintf(&b, "Escalated: %s\n", Explain(reason))
		if d.Candidate != nil {
			fmt.Fprintf(&b, "Best candidate (confidence %.2f, %s): %s\n", d.Confidence, d.Candidate.Source, d.Candidate.FixDescription)
		}
		if res.ChangeRef != "" {
			fmt.Fprintf(&b, "Change: %s\n", res.ChangeRef)
		}
		if res.RolledBack {
			b.WriteString("Partial changes were rolled back.\n")
		}
		return r.EscalateChannel, b.String(), r.Mentions, true
	}
}

func fixOf(d incident.Decision) string {
	if d.Candidate == nil {
		return "(none)"
	}
	return d.Candidate.FixDescription
}
