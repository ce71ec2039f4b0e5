package incident

import (
	"fmt"
	"strings"
	"time"
)

// Platform is the system that emitted a failure event.
type Platform string

const (
	PlatformGitHub     Platform = "github_actions"
	PlatformArgoCD     Platform = "argocd"
	PlatformKubernetes Platform = "kubernetes"
)

// ParsePlatform accepts the canonical names and short aliases used in
// webhook routes.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "github", "github_actions", "gh":
		return PlatformGitHub, nil
	case "argocd", "argo":
		return PlatformArgoCD, nil
	case "kubernetes", "k8s":
		return PlatformKubernetes, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Environment is the deployment tier a failure belongs to.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
	EnvUnknown Environment = "unknown"
)

// FailureEvent is the platform-independent description of one failure.
type FailureEvent struct {
	IncidentID    string            `json:"incident_id"`
	Platform      Platform          `json:"platform"`
	DetectedAt    time.Time         `json:"detected_at"`
	Resource      string            `json:"resource"`
	RawLogExcerpt string            `json:"raw_log_excerpt"`
	Environment   Environment       `json:"environment"`
	FailureType   string            `json:"failure_type"`
	Category      string            `json:"category"`
	Subcategory   string            `json:"subcategory,omitempty"`
	Repository    string            `json:"repository,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	Namespace     string            `json:"namespace,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// CategoryTag renders "category/subcategory", or just the category.
func (e FailureEvent) CategoryTag() string {
	if e.Subcategory == "" {
		return e.Category
	}
	return e.Category + "/" + e.Subcategory
}

// Signature is the text used to look up and record similar failures.
func (e FailureEvent) Signature() string {
	return e.CategoryTag() + "\n" + e.RawLogExcerpt
}

// SourceKind names a knowledge tier.
type SourceKind string

const (
	SourceChat       SourceKind = "chat"
	SourceSimilarity SourceKind = "similarity"
	SourceGenerative SourceKind = "generative"
)

// Candidate is one proposed fix from a knowledge source.
type Candidate struct {
	Source         SourceKind        `json:"source"`
	RawScore       float64           `json:"raw_score"`
	FixDescription string            `json:"fix_description"`
	Reference      string            `json:"reference,omitempty"`
	ReferenceTime  time.Time         `json:"reference_time,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Action is a policy outcome.
type Action string

const (
	ActionAutoFix  Action = "AUTO_FIX"
	ActionDraft    Action = "DRAFT_AND_NOTIFY"
	ActionEscalate Action = "ESCALATE"
)

// Escalation and failure reasons.
const (
	ReasonConfidenceTooLow      = "confidence_too_low"
	ReasonNoCandidate           = "no_candidate"
	ReasonAllSourcesUnavailable = "all_sources_unavailable"
	ReasonRiskFlagged           = "risk_flagged"
	ReasonRetryCapExceeded      = "retry_cap_exceeded"
	ReasonNoRemediationAction   = "no_remediation_action"
	ReasonStructuralFailure     = "structural_change_failed"
	ReasonDeadlineExceeded      = "deadline_exceeded"
	ReasonExecutionFailed       = "execution_failed"
)

// Decision is the policy's verdict for one incident.
type Decision struct {
	IncidentID        string     `json:"incident_id"`
	Candidate         *Candidate `json:"candidate,omitempty"`
	Confidence        float64    `json:"confidence"`
	Action            Action     `json:"action"`
	ThresholdUsed     float64    `json:"threshold_used"`
	EscalateThreshold float64    `json:"escalate_threshold"`
	Reason            string     `json:"reason,omitempty"`
}

// SearchSummary records which knowledge tiers were consulted.
type SearchSummary struct {
	Consulted   []SourceKind `json:"consulted"`
	Unavailable []SourceKind `json:"unavailable,omitempty"`
	Candidates  []Candidate  `json:"candidates,omitempty"`
}

// AllUnavailable reports whether every consulted tier failed.
func (s SearchSummary) AllUnavailable() bool {
	return len(s.Consulted) > 0 && len(s.Unavailable) == len(s.Consulted)
}

// AttemptState is the lifecycle of one execution attempt.
type AttemptState string

const (
	AttemptPending    AttemptState = "PENDING"
	AttemptInProgress AttemptState = "IN_PROGRESS"
	AttemptSucceeded  AttemptState = "SUCCEEDED"
	AttemptFailed     AttemptState = "FAILED"
)

// Attempt is one try at one remediation step. A retried step re-enters
// PENDING as a new Attempt with the next Number.
type Attempt struct {
	Step        string       `json:"step"`
	Number      int          `json:"number"`
	State       AttemptState `json:"state"`
	Error       string       `json:"error,omitempty"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
}

// NewAttempt returns a PENDING attempt.
func NewAttempt(step string, number int, at time.Time) Attempt {
	return Attempt{Step: step, Number: number, State: AttemptPending, ScheduledAt: at}
}

// Start moves a PENDING attempt to IN_PROGRESS. It reports false and
// leaves the attempt unchanged from any other state.
func (a *Attempt) Start(at time.Time) bool {
	if a.State != AttemptPending {
		return false
	}
	a.State, a.StartedAt = AttemptInProgress, at
	return true
}

// Finish moves an IN_PROGRESS attempt to SUCCEEDED, or FAILED when err is
// non-nil. It reports false and leaves the attempt unchanged from any
// other state.
func (a *Attempt) Finish(at time.Time, err error) bool {
	if a.State != AttemptInProgress {
		return false
	}
	a.FinishedAt = at
	if err != nil {
		a.State, a.Error = AttemptFailed, err.Error()
		return true
	}
	a.State = AttemptSucceeded
	return true
}

// ExecutionStatus is the terminal outcome of an execution.
type ExecutionStatus string

const (
	ExecSucceeded ExecutionStatus = "SUCCEEDED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecEscalated ExecutionStatus = "ESCALATED"
)

// ExecutionResult summarizes what the executor did.
type ExecutionResult struct {
	IncidentID string          `json:"incident_id"`
	Status     ExecutionStatus `json:"status"`
	Attempts   []Attempt       `json:"attempts,omitempty"`
	ChangeRef  string          `json:"change_ref,omitempty"`
	Draft      bool            `json:"draft,omitempty"`
	RolledBack bool            `json:"rolled_back,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Applied reports whether a fix was actually applied, as opposed to
// drafted or escalated.
func (r ExecutionResult) Applied() bool {
	return r.Status == ExecSucceeded && !r.Draft
}
