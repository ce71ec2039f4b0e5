// Package policy maps a scored candidate to an action. Decide is pure: the
// same incident, candidate and confidence always yield the same Decision,
// and raising confidence never moves the outcome toward ESCALATE.
package policy

import (
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// Thresholds is one environment's band.
type Thresholds struct {
	AutoFix  float64
	Escalate float64
}

// Config holds per-environment thresholds and escalation overrides.
type Config struct {
	Thresholds     map[incident.Environment]Thresholds
	Default        Thresholds
	AlwaysEscalate []string
	RetryCap       int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[incident.Environment]Thresholds{
			incident.EnvProd:    {AutoFix: 0.92, Escalate: 0.70},
			incident.EnvStaging: {AutoFix: 0.85, Escalate: 0.60},
			incident.EnvDev:     {AutoFix: 0.75, Escalate: 0.50},
		},
		Default:        Thresholds{AutoFix: 0.85, Escalate: 0.60},
		AlwaysEscalate: []string{"auth"},
		RetryCap:       3,
	}
}

// Policy evaluates decisions.
type Policy struct {
	cfg   Config
	risky map[string]struct{}
}

// New returns a Policy.
func New(cfg Config) *Policy {
	p := &Policy{cfg: cfg, risky: make(map[string]struct{}, len(cfg.AlwaysEscalate))}
	for _, c := range cfg.AlwaysEscalate {
		p.risky[strings.ToLower(c)] = struct{}{}
	}
	return p
}

// ThresholdsFor returns the band for env.
func (p *Policy) ThresholdsFor(env incident.Environment) Thresholds {
	if t, ok := p.cfg.Thresholds[env]; ok {
		return t
	}
	return p.cfg.Default
}

// Decide applies, in order: no candidate, risk-flagged category, retry
// cap, then the confidence bands.
func (p *Policy) Decide(inc *incident.Incident, cand *incident.Candidate, confidence float64) incident.Decision {
	var (
		env         = incident.EnvUnknown
		category    string
		unavailable bool
	)
	d := incident.Decision{Candidate: cand, Confidence: confidence}
	if inc != nil {
		d.IncidentID = inc.ID
		if inc.Event != nil {
			env, category = inc.Event.Environment, inc.Event.Category
		}
		if inc.Search != nil {
			unavailable = inc.Search.AllUnavailable()
		}
	}
	t := p.ThresholdsFor(env)
	d.ThresholdUsed, d.EscalateThreshold = t.AutoFix, t.Escalate

	escalate := func(reason string) incident.Decision {
		d.Action, d.Reason = incident.ActionEscalate, reason
		return d
	}

	switch {
	case cand == nil:
		d.Confidence = 0
		if unavailable {
			return escalate(incident.ReasonAllSourcesUnavailable)
		}
		return escalate(incident.ReasonNoCandidate)
	case p.isRisky(category):
		return escalate(incident.ReasonRiskFlagged)
	case p.cfg.RetryCap > 0 && inc.PriorAttempts() > p.cfg.RetryCap:
		return escalate(incident.ReasonRetryCapExceeded)
	case confidence >= t.AutoFix:
		d.Action = incident.ActionAutoFix
	case confidence >= t.Escalate:
		d.Action = incident.ActionDraft
	default:
		return escalate(incident.ReasonConfidenceTooLow)
	}
	return d
}

func (p *Policy) isRisky(category string) bool {
	_, ok := p.risky[strings.ToLower(category)]
	return ok
}
