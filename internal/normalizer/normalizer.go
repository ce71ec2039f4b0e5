// Package normalizer turns platform webhook payloads into incident.FailureEvent
// values. It performs no I/O: classification and secret scrubbing run on
// the rendered log excerpt in-process.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/incidentd/internal/classify"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/secrets"
	"github.com/go-playground/validator/v10"
)

// ErrNotFailure is returned for well-formed events that do not describe a
// failure, such as a successful workflow run or a healthy application.
var ErrNotFailure = errors.New("event does not describe a failure")

const truncationMarker = "\n...[truncated]"

// Normalizer converts raw payloads into FailureEvents.
type Normalizer struct {
	classifier *classify.Classifier
	scrubber   secrets.Scrubber
	maxExcerpt int
	validate   *validator.Validate
	now        func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithMaxExcerpt bounds raw_log_excerpt in bytes.
func WithMaxExcerpt(bytes int) Option {
	return func(n *Normalizer) { n.maxExcerpt = bytes }
}

// New returns a Normalizer. A nil scrubber disables scrubbing.
func New(classifier *classify.Classifier, scrubber secrets.Scrubber, opts ...Option) *Normalizer {
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}
	n := &Normalizer{
		classifier: classifier,
		scrubber:   scrubber,
		maxExcerpt: 4096,
		validate:   newValidator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses payload for platform. It returns a
// *incident.MalformedEventError when identifiers are missing and
// ErrNotFailure for non-failure events.
func (n *Normalizer) Normalize(payload []byte, platform incident.Platform) (incident.FailureEvent, error) {
	var (
		ev  incident.FailureEvent
		err error
	)
	switch platform {
	case incident.PlatformGitHub:
		ev, err = n.github(payload)
	case incident.PlatformArgoCD:
		ev, err = n.argocd(payload)
	case incident.PlatformKubernetes:
		ev, err = n.kubernetes(payload)
	default:
		return ev, &incident.MalformedEventError{Platform: platform, Err: fmt.Errorf("unsupported platform %q", platform)}
	}
	if err != nil {
		return ev, err
	}
	ev.Platform = platform
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = n.now().UTC()
	}

	ev.RawLogExcerpt = truncate(n.scrubber.Scrub(ev.RawLogExcerpt).Scrubbed, n.maxExcerpt)
	if n.classifier != nil {
		c := n.classifier.Classify(classificationText(ev.RawLogExcerpt))
		ev.Category, ev.Subcategory = c.Category, c.Subcategory
	} else {
		ev.Category = classify.CategoryUnknown
	}
	return ev, nil
}

// identifierLines prefix excerpt lines that carry ids, counts, or URLs
// rather than failure text.
var identifierLines = []string{
	"Repository:", "Workflow:", "Branch:", "Run:", "URL:", "Commit:",
	"Application:", "Namespace:", "Revision:",
	"Object:", "Pod:", "Count:", "Restarts:", "First seen:", "Last seen:", "Source:",
}

// classificationText drops identifier lines from an excerpt so run ids and
// URLs cannot match status-code patterns.
func classificationText(excerpt string) string {
	lines := strings.Split(excerpt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if hasIdentifierPrefix(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasIdentifierPrefix(line string) bool {
	for _, p := range identifierLines {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// DetectPlatform infers the platform from payload shape.
func DetectPlatform(payload []byte) (incident.Platform, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", &incident.MalformedEventError{Err: fmt.Errorf("decoding payload: %w", err)}
	}
	has := func(k string) bool { _, ok := fields[k]; return ok }

	switch {
	case has("workflow_run") && has("repository"):
		return incident.PlatformGitHub, nil
	case has("application"):
		return incident.PlatformArgoCD, nil
	case has("involvedObject"), has("kind") && has("apiVersion"):
		return incident.PlatformKubernetes, nil
	}
	return "", &incident.MalformedEventError{Err: errors.New("cannot determine platform from payload")}
}

// truncate bounds s to max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// appendLogs adds forwarded log lines, when present, below the summary.
func appendLogs(summary, logs string) string {
	logs = strings.TrimSpace(logs)
	if logs == "" {
		return summary
	}
	return summary + "\nLogs:\n" + logs + "\n"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
