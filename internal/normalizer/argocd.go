package normalizer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// argoPayload is the subset of an ArgoCD notification payload we read.
type argoPayload struct {
	Application struct {
		Metadata struct {
			Name      string `json:"name"`
			Namespace string `json:"namespace"`
		} `json:"metadata"`
		Spec struct {
			Destination struct {
				Namespace string `json:"namespace"`
			} `json:"destination"`
			Source struct {
				RepoURL        string `json:"repoURL"`
				Path           string `json:"path"`
				TargetRevision string `json:"targetRevision"`
			} `json:"source"`
		} `json:"spec"`
		Status struct {
			Health struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			} `json:"health"`
			Sync struct {
				Status   string `json:"status"`
				Revision string `json:"revision"`
			} `json:"sync"`
			OperationState struct {
				Phase      string     `json:"phase"`
				Message    string     `json:"message"`
				FinishedAt *time.Time `json:"finishedAt"`
			} `json:"operationState"`
			Conditions []struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"conditions"`
			Resources []struct {
				Kind   string `json:"kind"`
				Name   string `json:"name"`
				Status string `json:"status"`
				Health struct {
					Status string `json:"status"`
				} `json:"health"`
			} `json:"resources"`
		} `json:"status"`
	} `json:"application"`
	Logs string `json:"logs"`
}

type argoIDs struct {
	Name     string `path:"application.metadata.name" validate:"required"`
	Revision string `path:"application.status.sync.revision" validate:"required"`
}

var unsafeID = regexp.MustCompile(`[^a-z0-9-]+`)

func sanitizeID(s string) string {
	return strings.Trim(unsafeID.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func (n *Normalizer) argocd(payload []byte) (incident.FailureEvent, error) {
	var p argoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return incident.FailureEvent{}, &incident.MalformedEventError{Platform: incident.PlatformArgoCD, Err: err}
	}
	app := p.Application
	if err := n.check(incident.PlatformArgoCD, argoIDs{
		Name:     app.Metadata.Name,
		Revision: app.Status.Sync.Revision,
	}); err != nil {
		return incident.FailureEvent{}, err
	}

	health, sync, phase := app.Status.Health.Status, app.Status.Sync.Status, app.Status.OperationState.Phase
	var failureType string
	switch {
	case phase == "Failed" || phase == "Error" || sync == "OutOfSync":
		failureType = "sync_failure"
	case health == "Degraded" || health == "Missing":
		failureType = "health_failure"
	default:
		return incident.FailureEvent{}, ErrNotFailure
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ArgoCD application failure\nApplication: %s\nNamespace: %s\n\n", app.Metadata.Name, orUnknown(app.Metadata.Namespace))
	fmt.Fprintf(&b, "Health: %s\nHealth message: %s\n\n", orUnknown(health), orUnknown(app.Status.Health.Message))
	fmt.Fprintf(&b, "Sync: %s\nRevision: %s\n", orUnknown(sync), app.Status.Sync.Revision)
	if phase != "" {
		fmt.Fprintf(&b, "Operation: %s: %s\n", phase, app.Status.OperationState.Message)
	}
	if len(app.Status.Conditions) > 0 {
		b.WriteString("\nConditions:\n")
		for _, c := range app.Status.Conditions {
			fmt.Fprintf(&b, "- %s: %s\n", c.Type, c.Message)
		}
	}
	unhealthy := 0
	for _, r := range app.Status.Resources {
		if unhealthy == 10 {
			break
		}
		if r.Health.Status == "Healthy" && r.Status == "Synced" {
			continue
		}
		if unhealthy == 0 {
			b.WriteString("\nResources:\n")
		}
		fmt.Fprintf(&b, "- %s/%s: health=%s sync=%s\n", r.Kind, r.Name, orUnknown(r.Health.Status), orUnknown(r.Status))
		unhealthy++
	}

	ev := incident.FailureEvent{
		IncidentID:    fmt.Sprintf("argocd-%s-%s", sanitizeID(app.Metadata.Name), sanitizeID(app.Status.Sync.Revision)),
		Resource:      app.Metadata.Name,
		RawLogExcerpt: appendLogs(b.String(), p.Logs),
		Environment:   InferEnvironment(app.Spec.Destination.Namespace, app.Metadata.Namespace, app.Metadata.Name),
		FailureType:   failureType,
		Repository:    repoFromURL(app.Spec.Source.RepoURL),
		Branch:        app.Spec.Source.TargetRevision,
		Namespace:     app.Spec.Destination.Namespace,
		Attributes: map[string]string{
			"application": app.Metadata.Name,
			"revision":    app.Status.Sync.Revision,
			"repo_url":    app.Spec.Source.RepoURL,
			"path":        app.Spec.Source.Path,
			"health":      health,
			"sync_status": sync,
		},
	}
	if t := app.Status.OperationState.FinishedAt; t != nil {
		ev.DetectedAt = t.UTC()
	}
	return ev, nil
}

// repoFromURL extracts owner/name from a git URL, or returns "".
func repoFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "git@") {
		if i := strings.Index(raw, ":"); i >= 0 {
			raw = "https://host/" + raw[i+1:]
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
