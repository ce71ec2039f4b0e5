// Package engine runs the incident pipeline: normalize, search, score,
// decide, execute, then record the outcome.
//
// Every state change is appended to the ledger before the next stage
// starts, so a redelivered event with the same incident id finds its
// DETECTED transition and is short-circuited. Concurrent deliveries inside
// one process are collapsed with singleflight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/audit"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/normalizer"
	"github.com/fyrsmithlabs/incidentd/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("incidentd.engine")

var (
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidentd_incidents_total",
		Help: "Handled events by outcome.",
	}, []string{"outcome"})

	handleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "incidentd_handle_duration_seconds",
		Help:    "Time to handle one failure event.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})
)

// Collaborators.
type (
	Normalizer interface {
		Normalize(payload []byte, platform incident.Platform) (incident.FailureEvent, error)
	}
	Searcher interface {
		Search(ctx context.Context, ev incident.FailureEvent) incident.SearchSummary
	}
	Scorer interface {
		Best(cands []incident.Candidate) (*incident.Candidate, float64)
	}
	Decider interface {
		Decide(inc *incident.Incident, cand *incident.Candidate, confidence float64) incident.Decision
	}
	Executor interface {
		Execute(ctx context.Context, inc *incident.Incident, d incident.Decision) incident.ExecutionResult
	}
	Ledger interface {
		Append(ctx context.Context, id string, t incident.Transition) (bool, error)
		Get(ctx context.Context, id string) (*incident.Incident, error)
	}
	Learner interface {
		Record(ctx context.Context, inc *incident.Incident, d incident.Decision, res incident.ExecutionResult) (bool, error)
	}
)

// Deps wires an Engine. Learning, Notifier and Audit are optional.
type Deps struct {
	Normalizer Normalizer
	Searcher   Searcher
	Scorer     Scorer
	Policy     Decider
	Executor   Executor
	Ledger     Ledger
	Learning   Learner
	Notifier   notify.Notifier
	Audit      audit.Recorder
	Routing    notify.Routing
	Logger     *logging.Logger

	// Deadline bounds one event end to end. Defaults to 5m.
	Deadline time.Duration
	// LineageDepth is how many earlier incidents of the same run are
	// consulted for the retry cap. Defaults to 5.
	LineageDepth int
}

// HandlingResult is the outcome of one Handle call.
type HandlingResult struct {
	IncidentID string                    `json:"incident_id,omitempty"`
	Platform   incident.Platform         `json:"platform,omitempty"`
	Ignored    bool                      `json:"ignored,omitempty"`
	Duplicate  bool                      `json:"duplicate,omitempty"`
	State      incident.State            `json:"state,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	Search     *incident.SearchSummary   `json:"search,omitempty"`
	Decision   *incident.Decision        `json:"decision,omitempty"`
	Execution  *incident.ExecutionResult `json:"execution,omitempty"`
}

// Engine is the decision pipeline.
type Engine struct {
	normalizer   Normalizer
	searcher     Searcher
	scorer       Scorer
	policy       Decider
	executor     Executor
	ledger       Ledger
	learning     Learner
	notifier     notify.Notifier
	audit        audit.Recorder
	routing      notify.Routing
	logger       *logging.Logger
	deadline     time.Duration
	lineageDepth int
	now          func() time.Time
	group        singleflight.Group
}

// New validates deps and returns an Engine.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Normalizer == nil:
		return nil, errors.New("engine: normalizer is required")
	case d.Searcher == nil:
		return nil, errors.New("engine: searcher is required")
	case d.Scorer == nil:
		return nil, errors.New("engine: scorer is required")
	case d.Policy == nil:
		return nil, errors.New("engine: policy is required")
	case d.Executor == nil:
		return nil, errors.New("engine: executor is required")
	case d.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	}
	e := &Engine{
		normalizer:   d.Normalizer,
		searcher:     d.Searcher,
		scorer:       d.Scorer,
		policy:       d.Policy,
		executor:     d.Executor,
		ledger:       d.Ledger,
		learning:     d.Learning,
		notifier:     d.Notifier,
		audit:        d.Audit,
		routing:      d.Routing,
		logger:       d.Logger,
		deadline:     d.Deadline,
		lineageDepth: d.LineageDepth,
		now:          time.Now,
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.deadline <= 0 {
		e.deadline = 5 * time.Minute
	}
	if e.lineageDepth <= 0 {
		e.lineageDepth = 5
	}
	return e, nil
}

// Handle processes one raw platform event. An empty platform is detected
// from the payload. Malformed payloads return *incident.MalformedEventError
// and create no incident; non-failure events are reported as Ignored.
func (e *Engine) Handle(ctx context.Context, platform incident.Platform, raw []byte) (HandlingResult, error) {
	start := e.now()
	defer func() { handleSeconds.Observe(e.now().Sub(start).Seconds()) }()

	if platform == "" {
		p, err := normalizer.DetectPlatform(raw)
		if err != nil {
			outcomes.WithLabelValues("malformed").Inc()
			return HandlingResult{}, err
		}
		platform = p
	}

	ev, err := e.normalizer.Normalize(raw, platform)
	if errors.Is(err, normalizer.ErrNotFailure) {
		outcomes.WithLabelValues("ignored").Inc()
		return HandlingResult{Platform: platform, Ignored: true}, nil
	}
	if err != nil {
		outcomes.WithLabelValues("malformed").Inc()
		return HandlingResult{Platform: platform}, err
	}

	// The pipeline outlives the caller: a dropped webhook connection must
	// not abandon an incident mid-flight. Only the engine deadline bounds it.
	v, err, _ := e.group.Do(ev.IncidentID, func() (interface{}, error) {
		return e.process(detach(ctx), ev)
	})
	if err != nil {
		outcomes.WithLabelValues("error").Inc()
		return HandlingResult{IncidentID: ev.IncidentID, Platform: platform}, err
	}
	return v.(HandlingResult), nil
}

func (e *Engine) process(ctx context.Context, ev incident.FailureEvent) (HandlingResult, error) {
	ctx = logging.WithIncident(ctx, ev.IncidentID, string(ev.Platform))
	ctx, span := tracer.Start(ctx, "Engine.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident.id", ev.IncidentID),
		attribute.String("incident.platform", string(ev.Platform)),
		attribute.String("incident.category", ev.CategoryTag()),
	)

	id := ev.IncidentID
	existing, err := e.ledger.Get(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return HandlingResult{}, fmt.Errorf("checking ledger: %w", err)
	}
	if existing != nil {
		return e.duplicate(ctx, existing), nil
	}

	dctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	detected := incident.Transition{IncidentID: id, State: incident.StateDetected, At: e.now(), Event: &ev}
	ok, err := e.ledger.Append(dctx, id, detected)
	if err != nil {
		return HandlingResult{}, fmt.Errorf("recording detection: %w", err)
	}
	if !ok {
		// Another worker appended DETECTED first.
		existing, err := e.ledger.Get(ctx, id)
		if err != nil || existing == nil {
			return HandlingResult{IncidentID: id, Platform: ev.Platform, Duplicate: true, State: incident.StateDetected}, err
		}
		return e.duplicate(ctx, existing), nil
	}
	e.logger.Info(ctx, "incident detected",
		zap.String("category", ev.CategoryTag()),
		zap.String("environment", string(ev.Environment)),
		zap.String("resource", ev.Resource))

	inc := &incident.Incident{
		ID:          id,
		State:       incident.StateDetected,
		Event:       &ev,
		CreatedAt:   detected.At,
		UpdatedAt:   detected.At,
		Transitions: []incident.Transition{detected},
	}
	res := HandlingResult{IncidentID: id, Platform: ev.Platform}

	if err := e.advance(dctx, inc, incident.Transition{State: incident.StateSearching}); err != nil {
		return e.failed(ctx, inc, res, err)
	}
	summary := e.searcher.Search(dctx, ev)
	if dctx.Err() != nil {
		return e.failed(ctx, inc, res, dctx.Err())
	}
	inc.Search = &summary
	res.Search = &summary

	cand, confidence := e.scorer.Best(summary.Candidates)
	inc.LineageAttempts = e.lineageAttempts(dctx, id)
	d := e.policy.Decide(inc, cand, confidence)
	inc.Decision = &d
	res.Decision = &d
	span.SetAttributes(attribute.String("decision.action", string(d.Action)), attribute.Float64("decision.confidence", d.Confidence))
	e.logger.Info(ctx, "decision made",
		zap.String("action", string(d.Action)),
		zap.Float64("confidence", d.Confidence),
		zap.Float64("threshold", d.ThresholdUsed),
		zap.String("reason", d.Reason))

	if err := e.advance(dctx, inc, incident.Transition{State: incident.StateDecided, Search: &summary, Decision: &d}); err != nil {
		return e.failed(ctx, inc, res, err)
	}

	var exec incident.ExecutionResult
	if d.Action == incident.ActionEscalate {
		exec = incident.ExecutionResult{IncidentID: id, Status: incident.ExecEscalated, Reason: d.Reason}
	} else {
		if err := e.advance(dctx, inc, incident.Transition{State: incident.StateExecuting}); err != nil {
			return e.failed(ctx, inc, res, err)
		}
		exec = e.executor.Execute(dctx, inc, d)
	}
	inc.Execution = &exec
	res.Execution = &exec

	final := incident.Transition{State: terminalState(exec.Status), Reason: exec.Reason, Execution: &exec}
	if err := e.advance(detach(ctx), inc, final); err != nil {
		return res, fmt.Errorf("recording outcome: %w", err)
	}
	res.State, res.Reason = inc.State, exec.Reason
	outcomes.WithLabelValues(string(inc.State)).Inc()
	e.logger.Info(ctx, "incident finished",
		zap.String("state", string(inc.State)),
		zap.String("reason", exec.Reason),
		zap.Int("attempts", len(exec.Attempts)),
		zap.String("change_ref", exec.ChangeRef))

	e.afterOutcome(ctx, inc, d, exec)
	return res, nil
}

// advance appends t and moves inc forward.
func (e *Engine) advance(ctx context.Context, inc *incident.Incident, t incident.Transition) error {
	t.IncidentID = inc.ID
	if t.At.IsZero() {
		t.At = e.now()
	}
	if _, err := e.ledger.Append(ctx, inc.ID, t); err != nil {
		return err
	}
	inc.State, inc.UpdatedAt = t.State, t.At
	inc.Transitions = append(inc.Transitions, t)
	if t.Reason != "" {
		inc.Reason = t.Reason
	}
	return nil
}

// failed records FAILED after cause interrupted the pipeline. A deadline
// is an outcome, not an error; anything else is also returned.
func (e *Engine) failed(ctx context.Context, inc *incident.Incident, res HandlingResult, cause error) (HandlingResult, error) {
	reason := incident.ReasonExecutionFailed
	deadline := errors.Is(cause, context.DeadlineExceeded)
	if deadline {
		reason = incident.ReasonDeadlineExceeded
	}
	exec := incident.ExecutionResult{IncidentID: inc.ID, Status: incident.ExecFailed, Reason: reason}
	if inc.Execution != nil {
		exec = *inc.Execution
		exec.Status, exec.Reason = incident.ExecFailed, reason
	}
	e.logger.Error(ctx, "incident pipeline interrupted", zap.String("state", string(inc.State)), zap.Error(cause))

	if err := e.advance(detach(ctx), inc, incident.Transition{State: incident.StateFailed, Reason: reason, Execution: &exec}); err != nil {
		return res, errors.Join(cause, fmt.Errorf("recording failure: %w", err))
	}
	inc.Execution = &exec
	res.State, res.Reason, res.Execution = incident.StateFailed, reason, &exec
	outcomes.WithLabelValues(string(incident.StateFailed)).Inc()

	e.afterOutcome(ctx, inc, incident.Decision{IncidentID: inc.ID, Reason: reason}, exec)
	if deadline {
		return res, nil
	}
	return res, cause
}

func (e *Engine) duplicate(ctx context.Context, existing *incident.Incident) HandlingResult {
	outcomes.WithLabelValues("duplicate").Inc()
	e.logger.Info(ctx, "duplicate delivery ignored", zap.String("state", string(existing.State)))
	return HandlingResult{
		IncidentID: existing.ID,
		Duplicate:  true,
		State:      existing.State,
		Reason:     existing.Reason,
		Search:     existing.Search,
		Decision:   existing.Decision,
		Execution:  existing.Execution,
		Platform:   platformOf(existing),
	}
}

// afterOutcome runs the side channels. None of them change the outcome.
func (e *Engine) afterOutcome(ctx context.Context, inc *incident.Incident, d incident.Decision, exec incident.ExecutionResult) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if e.learning != nil && exec.Applied() {
		if _, err := e.learning.Record(sctx, inc, d, exec); err != nil {
			e.logger.Warn(ctx, "learning sink write failed", zap.Error(err))
		}
	}
	if e.notifier != nil && inc.Event != nil {
		if channel, msg, mentions, ok := e.routing.Compose(*inc.Event, d, exec); ok {
			if err := e.notifier.Notify(sctx, channel, msg, mentions); err != nil {
				e.logger.Warn(ctx, "notification failed", zap.String("channel", channel), zap.Error(err))
			}
		}
	}
	if e.audit != nil {
		if err := e.audit.Record(sctx, inc); err != nil {
			e.logger.Warn(ctx, "audit write failed", zap.Error(err))
		}
	}
}

// Get returns the projected incident, or nil for an unknown id.
func (e *Engine) Get(ctx context.Context, id string) (*incident.Incident, error) {
	return e.ledger.Get(ctx, id)
}

func terminalState(s incident.ExecutionStatus) incident.State {
	switch s {
	case incident.ExecSucceeded:
		return incident.StateSucceeded
	case incident.ExecEscalated:
		return incident.StateEscalated
	}
	return incident.StateFailed
}

// detach keeps values but drops cancellation.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func platformOf(inc *incident.Incident) incident.Platform {
	if inc.Event == nil {
		return ""
	}
	return inc.Event.Platform
}
