package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/classify"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

type stepKind int

const (
	// transient steps are retried with backoff.
	transient stepKind = iota
	// structural steps change a repository and are attempted once.
	structural
	// wait steps only pause.
	wait
)

// Step names recorded in attempts.
const (
	StepOpenChange  = "open_change_request"
	StepMergeChange = "merge_change_request"
	StepSecret      = "update_secret"
	StepWait        = "wait"
	StepRetrigger   = "retrigger"
	StepScale       = "scale_resource"
)

// runState carries what earlier steps produced to later steps and to
// rollback.
type runState struct {
	ref     *actuators.ChangeRef
	merged  bool
	restore actuators.Restore
}

type step struct {
	name string
	kind stepKind
	run  func(ctx context.Context, st *runState) error
	undo func(ctx context.Context, st *runState) error
}

var secretNameRe = regexp.MustCompile(`(?i:secrets?)[\s.:'"]+([A-Z][A-Z0-9_]{2,})`)

// SecretName finds the secret a failure refers to.
func SecretName(ev incident.FailureEvent) string {
	if n := ev.Attributes["secret_name"]; n != "" {
		return n
	}
	if m := secretNameRe.FindStringSubmatch(ev.RawLogExcerpt); m != nil {
		return m[1]
	}
	return ""
}

// plan maps the failure to remediation steps. It returns nil when no
// automated action applies or the required actuator is not configured.
func (e *Executor) plan(ev incident.FailureEvent, d incident.Decision, draft bool) []step {
	if draft {
		if s, ok := e.changeStep(ev, d, true); ok {
			return []step{s}
		}
		return nil
	}

	sub := strings.ToLower(ev.Subcategory)
	var steps []step
	add := func(s step, ok bool) bool {
		if ok {
			steps = append(steps, s)
		}
		return ok
	}

	switch ev.Platform {
	case incident.PlatformGitHub:
		switch {
		case ev.Category == classify.CategoryConfig && strings.Contains(sub, "syntax"):
			if !add(e.changeStep(ev, d, false)) || !add(e.mergeStep()) {
				return nil
			}
		case ev.Category == classify.CategoryConfig && strings.Contains(sub, "secret"):
			if !add(e.secretStep(ev)) || !add(e.retriggerStep(ev)) {
				return nil
			}
		case ev.Category == classify.CategoryConfig:
			return nil
		case ev.Category == classify.CategoryDependency:
			add(e.waitStep())
			if !add(e.retriggerStep(ev)) {
				return nil
			}
		default:
			if !add(e.retriggerStep(ev)) {
				return nil
			}
		}

	case incident.PlatformArgoCD:
		if ev.Category == classify.CategoryConfig {
			if !add(e.changeStep(ev, d, false)) || !add(e.mergeStep()) {
				return nil
			}
		}
		if !add(e.retriggerStep(ev)) {
			return nil
		}

	case incident.PlatformKubernetes:
		if ev.Category != classify.CategoryResource {
			return nil
		}
		if strings.Contains(sub, "memory") {
			if !add(e.scaleStep(ev)) {
				return nil
			}
		} else if !add(e.retriggerStep(ev)) {
			return nil
		}
	}
	return steps
}

// changeRepository is the repository a change request targets: the
// manifests repository for ArgoCD, the workflow repository for GitHub.
func (e *Executor) changeRepository(ev incident.FailureEvent) string {
	switch ev.Platform {
	case incident.PlatformArgoCD:
		if e.cfg.ManifestRepo != "" {
			return e.cfg.ManifestRepo
		}
		return ev.Repository
	case incident.PlatformGitHub:
		return ev.Repository
	}
	return ""
}

func (e *Executor) changeStep(ev incident.FailureEvent, d incident.Decision, draft bool) (step, bool) {
	repo := e.changeRepository(ev)
	if e.acts.Changes == nil || repo == "" {
		return step{}, false
	}
	req := changeRequest(ev, d, repo, e.cfg.BaseBranch, draft)
	return step{
		name: StepOpenChange,
		kind: structural,
		run: func(ctx context.Context, st *runState) error {
			ref, err := e.acts.Changes.OpenChangeRequest(ctx, req)
			if err != nil {
				return err
			}
			st.ref = &ref
			return nil
		},
		undo: func(ctx context.Context, st *runState) error {
			if st.ref == nil || st.merged {
				return errNothingToUndo
			}
			return e.acts.Changes.CloseChangeRequest(ctx, *st.ref)
		},
	}, true
}

func (e *Executor) mergeStep() (step, bool) {
	if e.acts.Changes == nil {
		return step{}, false
	}
	return step{
		name: StepMergeChange,
		kind: structural,
		run: func(ctx context.Context, st *runState) error {
			if st.ref == nil {
				return actuators.Permanent("executor", StepMergeChange, fmt.Errorf("no change request to merge"))
			}
			if err := e.acts.Changes.MergeChangeRequest(ctx, *st.ref); err != nil {
				return err
			}
			st.merged = true
			return nil
		},
	}, true
}

func (e *Executor) secretStep(ev incident.FailureEvent) (step, bool) {
	secret := SecretName(ev)
	if e.acts.Secrets == nil || e.acts.SecretValues == nil || secret == "" {
		return step{}, false
	}
	return step{
		name: StepSecret,
		kind: transient,
		run: func(ctx context.Context, _ *runState) error {
			val, err := e.acts.SecretValues.Lookup(ctx, secret)
			if err != nil {
				return actuators.Permanent("executor", StepSecret, err)
			}
			return e.acts.Secrets.UpdateSecret(ctx, ev.Repository, secret, val)
		},
	}, true
}

func (e *Executor) waitStep() (step, bool) {
	return step{
		name: StepWait,
		kind: wait,
		run: func(ctx context.Context, _ *runState) error {
			return e.sleep(ctx, e.cfg.DependencyWait)
		},
	}, true
}

func (e *Executor) retriggerStep(ev incident.FailureEvent) (step, bool) {
	r := e.acts.Retrigger[ev.Platform]
	if r == nil {
		return step{}, false
	}
	return step{
		name: StepRetrigger,
		kind: transient,
		run:  func(ctx context.Context, _ *runState) error { return r.RetriggerWorkflow(ctx, ev) },
	}, true
}

func (e *Executor) scaleStep(ev incident.FailureEvent) (step, bool) {
	if e.acts.Scaler == nil {
		return step{}, false
	}
	return step{
		name: StepScale,
		kind: transient,
		run: func(ctx context.Context, st *runState) error {
			restore, err := e.acts.Scaler.ScaleResource(ctx, ev, e.cfg.ScaleFactor)
			if err != nil {
				return err
			}
			st.restore = restore
			return nil
		},
		undo: func(ctx context.Context, st *runState) error {
			if st.restore == nil {
				return errNothingToUndo
			}
			return st.restore(ctx)
		},
	}, true
}

func changeRequest(ev incident.FailureEvent, d incident.Decision, repo, base string, draft bool) actuators.ChangeRequest {
	fix := ""
	source := ""
	if d.Candidate != nil {
		fix = d.Candidate.FixDescription
		source = string(d.Candidate.Source)
	}
	title := fmt.Sprintf("Remediate %s failure in %s", ev.CategoryTag(), ev.Resource)
	if draft {
		title = "[draft] " + title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Incident %s\n\n", ev.IncidentID)
	fmt.Fprintf(&b, "- Platform: %s\n- Environment: %s\n- Resource: %s\n- Category: %s\n", ev.Platform, ev.Environment, ev.Resource, ev.CategoryTag())
	fmt.Fprintf(&b, "- Decision: %s (confidence %.2f, source %s)\n\n", d.Action, d.Confidence, source)
	fmt.Fprintf(&b, "## Proposed fix\n\n%s\n\n", fix)
	fmt.Fprintf(&b, "## Log excerpt\n\n```\n%s\n```\n", ev.RawLogExcerpt)

	return actuators.ChangeRequest{
		Repository: repo,
		Base:       base,
		Branch:     "incidentd/" + ev.IncidentID,
		Title:      title,
		Body:       fmt.Sprintf("Automated remediation for incident `%s`.\n\nProposed fix: %s", ev.IncidentID, fix),
		Path:       ".incidentd/remediations/" + ev.IncidentID + ".md",
		Content:    b.String(),
		Draft:      draft,
	}
}
