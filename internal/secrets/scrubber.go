// Package secrets redacts credentials from log excerpts before they are
// stored, searched, or sent to a model.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redaction replaces each detected secret.
const Redaction = "[REDACTED]"

// Scrubber removes secrets from text.
type Scrubber interface {
	Scrub(content string) Result
}

// Result is the outcome of one scrub.
type Result struct {
	Scrubbed string
	ByRule   map[string]int
}

// Found reports whether anything was redacted.
func (r Result) Found() bool { return len(r.ByRule) > 0 }

// New returns the scrubber named by kind: "regex", "gitleaks" or "off".
func New(kind string) (Scrubber, error) {
	switch kind {
	case "", "regex":
		return NewRegexScrubber(DefaultRules())
	case "gitleaks":
		return NewGitleaksScrubber()
	case "off":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown scrubber %q", kind)
}

// Nop returns content unchanged.
type Nop struct{}

func (Nop) Scrub(content string) Result { return Result{Scrubbed: content} }

// Rule is one regular-expression detector. When the pattern has a capture
// group only the first group is redacted, which keeps "password=" style
// prefixes readable.
type Rule struct {
	ID      string
	Pattern string
}

// DefaultRules covers credentials that commonly leak into CI and cluster
// logs.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36,}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`},
		{ID: "aws-access-key-id", Pattern: `(?:AKIA|ASIA)[A-Z0-9]{16}`},
		{ID: "openai-api-key", Pattern: `sk-[A-Za-z0-9_-]{20,}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`},
		{ID: "private-key", Pattern: `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`},
		{ID: "bearer-token", Pattern: `(?i)bearer\s+([A-Za-z0-9._~+/=-]{8,})`},
		{ID: "url-credentials", Pattern: `[a-z][a-z0-9+.-]*://[^\s:/@]+:([^\s@/]+)@`},
		{ID: "assignment", Pattern: `(?i)(?:password|passwd|secret|token|api[_-]?key)\s*[:=]\s*['"]?([^\s'"]{6,})`},
	}
}

type compiledRule struct {
	id string
	re *regexp.Regexp
}

// RegexScrubber applies a fixed rule list.
type RegexScrubber struct {
	rules []compiledRule
}

// NewRegexScrubber compiles rules.
func NewRegexScrubber(rules []Rule) (*RegexScrubber, error) {
	s := &RegexScrubber{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, re: re})
	}
	return s, nil
}

type span struct{ start, end int }

func (s *RegexScrubber) Scrub(content string) Result {
	res := Result{ByRule: map[string]int{}}
	var spans []span
	for _, r := range s.rules {
		for _, m := range r.re.FindAllStringSubmatchIndex(content, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			spans = append(spans, span{start, end})
			res.ByRule[r.id]++
		}
	}
	res.Scrubbed = redactSpans(content, spans)
	if len(res.ByRule) == 0 {
		res.ByRule = nil
	}
	return res
}

// redactSpans merges overlapping spans and replaces them back to front.
func redactSpans(content string, spans []span) string {
	if len(spans) == 0 {
		return content
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(content[prev:sp.start])
		b.WriteString(Redaction)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// GitleaksScrubber uses the gitleaks default rule set.
type GitleaksScrubber struct {
	detector *detect.Detector
}

// NewGitleaksScrubber loads the gitleaks default configuration.
func NewGitleaksScrubber() (*GitleaksScrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &GitleaksScrubber{detector: d}, nil
}

func (g *GitleaksScrubber) Scrub(content string) Result {
	findings := g.detector.DetectString(content)
	if len(findings) == 0 {
		return Result{Scrubbed: content}
	}
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	for _, f := range findings {
		res.ByRule[f.RuleID]++
		if f.Secret != "" {
			res.Scrubbed = strings.ReplaceAll(res.Scrubbed, f.Secret, Redaction)
		}
	}
	return res
}
