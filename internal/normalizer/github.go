package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/google/go-github/v57/github"
)

type githubIDs struct {
	RunID      int64  `path:"workflow_run.id" validate:"required"`
	RunAttempt int    `path:"workflow_run.run_attempt" validate:"required,min=1"`
	Repository string `path:"repository.full_name" validate:"required"`
	Status     string `path:"workflow_run.status" validate:"required"`
}

// forwarded carries optional fields a log forwarder may add to any payload.
type forwarded struct {
	Logs string `json:"logs"`
}

// runExtras holds workflow_run fields go-github does not model.
type runExtras struct {
	forwarded
	WorkflowRun struct {
		Path string `json:"path"`
	} `json:"workflow_run"`
}

var failedConclusions = map[string]string{
	"failure":   "workflow_failure",
	"cancelled": "cancelled",
	"timed_out": "timeout",
}

func (n *Normalizer) github(payload []byte) (incident.FailureEvent, error) {
	var ev github.WorkflowRunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return incident.FailureEvent{}, &incident.MalformedEventError{Platform: incident.PlatformGitHub, Err: err}
	}
	run := ev.GetWorkflowRun()
	repo := ev.GetRepo()

	if err := n.check(incident.PlatformGitHub, githubIDs{
		RunID:      run.GetID(),
		RunAttempt: run.GetRunAttempt(),
		Repository: repo.GetFullName(),
		Status:     run.GetStatus(),
	}); err != nil {
		return incident.FailureEvent{}, err
	}

	failureType, failed := failedConclusions[run.GetConclusion()]
	if run.GetStatus() != "completed" || !failed {
		return incident.FailureEvent{}, ErrNotFailure
	}

	var fw runExtras
	_ = json.Unmarshal(payload, &fw)

	summary := fmt.Sprintf(`GitHub Actions workflow failure
Repository: %s
Workflow: %s
Branch: %s
Status: %s
Conclusion: %s
Run: %d (attempt %d)
URL: %s
Commit: %s
Message: %s
`,
		repo.GetFullName(), orUnknown(run.GetName()), orUnknown(run.GetHeadBranch()),
		run.GetStatus(), run.GetConclusion(), run.GetID(), run.GetRunAttempt(),
		orUnknown(run.GetHTMLURL()), orUnknown(run.GetHeadSHA()), orUnknown(run.GetHeadCommit().GetMessage()))

	out := incident.FailureEvent{
		IncidentID:    fmt.Sprintf("gh-%d-attempt-%d", run.GetID(), run.GetRunAttempt()),
		DetectedAt:    run.GetUpdatedAt().Time.UTC(),
		Resource:      run.GetName(),
		RawLogExcerpt: appendLogs(summary, fw.Logs),
		Environment:   InferEnvironment(run.GetHeadBranch()),
		FailureType:   failureType,
		Repository:    repo.GetFullName(),
		Branch:        run.GetHeadBranch(),
		Attributes: map[string]string{
			"run_id":        strconv.FormatInt(run.GetID(), 10),
			"run_attempt":   strconv.Itoa(run.GetRunAttempt()),
			"workflow_path": fw.WorkflowRun.Path,
			"head_sha":      run.GetHeadSHA(),
			"html_url":      run.GetHTMLURL(),
		},
	}
	return out, nil
}
