// Package executor carries out a policy decision through the platform
// actuators.
//
// Transient steps (reruns, secret refreshes, scaling) are retried with
// exponential backoff and jitter. Structural steps (change requests) are
// attempted once; if one fails the executor escalates rather than retrying
// a repository change. On terminal failure completed steps are undone in
// reverse order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("incidentd.executor")

// Config holds the retry schedule and plan parameters.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	DependencyWait time.Duration
	ScaleFactor    float64
	ManifestRepo   string
	BaseBranch     string
	RollbackBudget time.Duration
}

// DefaultConfig returns 3 attempts backing off from 1s to 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
		DependencyWait: 30 * time.Second,
		ScaleFactor:    1.5,
		RollbackBudget: time.Minute,
	}
}

// Actuators are the platform integrations available to plans. Any may be
// nil; plans needing a missing actuator are empty.
type Actuators struct {
	Retrigger    map[incident.Platform]actuators.Retriggerer
	Secrets      actuators.SecretUpdater
	SecretValues actuators.SecretSource
	Changes      actuators.ChangeRequester
	Scaler       actuators.Scaler
}

// Executor runs remediation plans.
type Executor struct {
	cfg    Config
	acts   Actuators
	logger *logging.Logger
	now    func() time.Time
	rand   func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source. fn returns values in [0,1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

// WithClock replaces the attempt timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(e *Executor) { e.now = fn }
}

// New returns an Executor.
func New(cfg Config, acts Actuators, logger *logging.Logger, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RollbackBudget <= 0 {
		cfg.RollbackBudget = def.RollbackBudget
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = def.ScaleFactor
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Executor{
		cfg:    cfg,
		acts:   acts,
		logger: logger,
		now:    time.Now,
		rand:   rand.Float64,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before retry n (1-based): exponential growth
// capped at MaxBackoff, with the last Jitter fraction randomized.
func (e *Executor) Backoff(n int) time.Duration {
	d := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.Multiplier, float64(n-1))
	if ceil := float64(e.cfg.MaxBackoff); ceil > 0 && d > ceil {
		d = ceil
	}
	j := math.Max(0, math.Min(1, e.cfg.Jitter))
	return time.Duration(d*(1-j) + e.rand()*d*j)
}

// Execute runs the plan for d. It never returns an error: every outcome is
// described by the ExecutionResult.
func (e *Executor) Execute(ctx context.Context, inc *incident.Incident, d incident.Decision) incident.ExecutionResult {
	ctx, span := tracer.Start(ctx, "Executor.Execute")
	defer span.End()

	res := incident.ExecutionResult{IncidentID: d.IncidentID}
	if inc != nil {
		res.IncidentID = inc.ID
	}
	span.SetAttributes(attribute.String("incident.id", res.IncidentID), attribute.String("decision.action", string(d.Action)))

	if d.Action == incident.ActionEscalate {
		res.Status, res.Reason = incident.ExecEscalated, d.Reason
		return res
	}
	if inc == nil || inc.Event == nil {
		res.Status, res.Reason = incident.ExecEscalated, incident.ReasonNoRemediationAction
		return res
	}

	draft := d.Action == incident.ActionDraft
	steps := e.plan(*inc.Event, d, draft)
	if len(steps) == 0 {
		if draft {
			// Nothing to draft against; the notification carries the fix.
			res.Status, res.Draft = incident.ExecSucceeded, true
			return res
		}
		res.Status, res.Reason = incident.ExecEscalated, incident.ReasonNoRemediationAction
		e.logger.Info(ctx, "no remediation action for incident", zap.String("category", inc.Event.CategoryTag()))
		return res
	}

	st := &runState{}
	var done []step
	for _, s := range steps {
		err := e.runStep(ctx, s, st, &res)
		if err == nil {
			done = append(done, s)
			continue
		}

		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Status, res.Reason = incident.ExecFailed, incident.ReasonDeadlineExceeded
		case ctx.Err() != nil:
			res.Status, res.Reason = incident.ExecFailed, incident.ReasonExecutionFailed
		case s.kind == structural:
			res.Status, res.Reason = incident.ExecEscalated, incident.ReasonStructuralFailure
		default:
			res.Status, res.Reason = incident.ExecFailed, incident.ReasonExecutionFailed
		}
		e.logger.Warn(ctx, "remediation step failed",
			zap.String("step", s.name), zap.String("status", string(res.Status)), zap.Error(err))
		res.RolledBack = e.rollback(ctx, done, st)
		if st.ref != nil && !res.RolledBack {
			res.ChangeRef = st.ref.String()
		}
		return res
	}

	res.Status = incident.ExecSucceeded
	res.Draft = draft
	if st.ref != nil {
		res.ChangeRef = st.ref.String()
	}
	return res
}

func (e *Executor) runStep(ctx context.Context, s step, st *runState, res *incident.ExecutionResult) error {
	attempts := 1
	if s.kind == transient {
		attempts = e.cfg.MaxAttempts
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		a := incident.NewAttempt(s.name, n, e.now())
		if n > 1 {
			if serr := e.sleep(ctx, e.Backoff(n-1)); serr != nil {
				return fmt.Errorf("waiting to retry %s: %w", s.name, serr)
			}
		}

		a.Start(e.now())
		err = s.run(ctx, st)
		a.Finish(e.now(), err)
		res.Attempts = append(res.Attempts, a)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Debug(ctx, "retrying remediation step", zap.String("step", s.name), zap.Int("attempt", n), zap.Error(err))
	}
	return err
}

// retryable reports whether err may succeed on retry. Errors that are not
// actuator failures (network setup, bugs) are treated as transient.
func retryable(err error) bool {
	var af *incident.ActuatorFailure
	if errors.As(err, &af) {
		return af.Transient
	}
	return true
}

// errNothingToUndo is returned by undo functions whose step left nothing
// reversible behind.
var errNothingToUndo = errors.New("nothing to undo")

// rollback undoes done in reverse. It runs on a detached context so an
// expired deadline does not prevent cleanup.
func (e *Executor) rollback(ctx context.Context, done []step, st *runState) bool {
	var undone bool
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackBudget)
	defer cancel()
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.undo == nil {
			continue
		}
		err := s.undo(rctx, st)
		if errors.Is(err, errNothingToUndo) {
			continue
		}
		if err != nil {
			e.logger.Error(ctx, "rollback step failed", zap.String("step", s.name), zap.Error(err))
			continue
		}
		undone = true
		e.logger.Info(ctx, "rolled back remediation step", zap.String("step", s.name))
	}
	return undone
}
