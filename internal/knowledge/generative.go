package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"golang.org/x/time/rate"
)

// ErrMalformedResponse is returned when the model output has no usable
// JSON analysis.
var ErrMalformedResponse = errors.New("malformed generative response")

// Analysis is the model's proposed fix.
type Analysis struct {
	Fix        string   `json:"fix"`
	Confidence float64  `json:"confidence"`
	Steps      []string `json:"steps,omitempty"`
	RootCause  string   `json:"root_cause,omitempty"`
}

// Analyzer produces an Analysis for a prompt.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (Analysis, error)
	Name() string
}

var promptTmpl = template.Must(template.New("prompt").Parse(`You are a senior DevOps engineer proposing a fix for a deployment failure.

Incident: {{.IncidentID}}
Platform: {{.Platform}}
Environment: {{.Environment}}
Resource: {{.Resource}}
Failure type: {{.FailureType}}
Category: {{.CategoryTag}}

Log excerpt:
` + "```" + `
{{.RawLogExcerpt}}
` + "```" + `

Propose the single most likely fix. Prefer actions that can be automated:
re-running a job, refreshing a credential, scaling a resource, or a small
configuration change. Respond with JSON only:
{"fix": "<one sentence>", "confidence": <0.0-1.0>, "steps": ["..."], "root_cause": "<one sentence>"}
`))

// Prompt renders the analysis prompt for ev.
func Prompt(ev incident.FailureEvent) (string, error) {
	var b strings.Builder
	if err := promptTmpl.Execute(&b, ev); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return b.String(), nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseAnalysis extracts JSON from a fenced block or the outermost brace
// span of text.
func ParseAnalysis(text string) (Analysis, error) {
	body := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	} else {
		return Analysis{}, fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(a.Fix) == "" {
		return Analysis{}, fmt.Errorf("%w: empty fix", ErrMalformedResponse)
	}
	if a.Confidence > 1 {
		a.Confidence /= 100
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	return a, nil
}

// GenerativeSource asks a model for a fix. It always yields exactly one
// candidate or an error.
type GenerativeSource struct {
	analyzer Analyzer
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewGenerativeSource rate-limits the analyzer to perMinute calls. Zero
// disables limiting.
func NewGenerativeSource(a Analyzer, perMinute int) *GenerativeSource {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return &GenerativeSource{analyzer: a, limiter: lim, now: time.Now}
}

func (s *GenerativeSource) Kind() incident.SourceKind { return incident.SourceGenerative }

func (s *GenerativeSource) Search(ctx context.Context, ev incident.FailureEvent) ([]incident.Candidate, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	prompt, err := Prompt(ev)
	if err != nil {
		return nil, err
	}
	a, err := s.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{"model": s.analyzer.Name()}
	if a.RootCause != "" {
		meta["root_cause"] = a.RootCause
	}
	if len(a.Steps) > 0 {
		meta["steps"] = strings.Join(a.Steps, "\n")
	}
	return []incident.Candidate{{
		Source:         incident.SourceGenerative,
		RawScore:       a.Confidence,
		FixDescription: a.Fix,
		Reference:      "model:" + s.analyzer.Name(),
		ReferenceTime:  s.now(),
		Metadata:       meta,
	}}, nil
}
