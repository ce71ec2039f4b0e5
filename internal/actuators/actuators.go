// Package actuators defines the platform actions the executor can take.
// Implementations live in the github, argocd and kubernetes subpackages and
// report failures as *incident.ActuatorFailure so the executor can tell
// transient errors from permanent ones.
package actuators

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// Retriggerer re-runs the failed unit: a workflow run, an ArgoCD sync or
// a workload rollout restart.
type Retriggerer interface {
	RetriggerWorkflow(ctx context.Context, ev incident.FailureEvent) error
}

// SecretUpdater writes a repository secret.
type SecretUpdater interface {
	UpdateSecret(ctx context.Context, repository, name, value string) error
}

// Restore undoes a scale change.
type Restore func(ctx context.Context) error

// Scaler raises resource limits of the workload behind ev.
type Scaler interface {
	ScaleResource(ctx context.Context, ev incident.FailureEvent, factor float64) (Restore, error)
}

// ChangeRequest is a proposed change to a repository.
type ChangeRequest struct {
	Repository string
	Base       string
	Branch     string
	Title      string
	Body       string
	Path       string
	Content    string
	Draft      bool
}

// ChangeRef identifies an opened change request.
type ChangeRef struct {
	Repository string
	Number     int
	URL        string
	Branch     string
}

func (r ChangeRef) String() string {
	if r.URL != "" {
		return r.URL
	}
	return fmt.Sprintf("%s#%d", r.Repository, r.Number)
}

// ChangeRequester opens, merges and closes change requests.
type ChangeRequester interface {
	OpenChangeRequest(ctx context.Context, req ChangeRequest) (ChangeRef, error)
	MergeChangeRequest(ctx context.Context, ref ChangeRef) error
	CloseChangeRequest(ctx context.Context, ref ChangeRef) error
}

// SecretSource supplies fresh secret values.
type SecretSource interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// EnvSecrets reads secret values from <Prefix><NAME> environment variables.
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Lookup(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(name)
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("no value for secret %s (%s unset)", name, key)
	}
	return v, nil
}

// SplitRepository splits "owner/name".
func SplitRepository(full string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", full)
	}
	return owner, repo, nil
}

// Permanent wraps err as a non-retryable failure.
func Permanent(actuator, op string, err error) error {
	return &incident.ActuatorFailure{Actuator: actuator, Operation: op, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(actuator, op string, err error) error {
	return &incident.ActuatorFailure{Actuator: actuator, Operation: op, Transient: true, Err: err}
}

// HTTPFailure classifies an HTTP status: 429 and 5xx are retryable, other
// errors are not.
func HTTPFailure(actuator, op string, status int, err error) error {
	if status == 429 || status >= 500 {
		return Transient(actuator, op, err)
	}
	return Permanent(actuator, op, err)
}
