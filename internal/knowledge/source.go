package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("incidentd.knowledge")

var sourceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "incidentd_knowledge_searches_total",
	Help: "Knowledge source searches by source and outcome.",
}, []string{"source", "outcome"})

// Source is one knowledge tier.
type Source interface {
	Kind() incident.SourceKind
	Search(ctx context.Context, ev incident.FailureEvent) ([]incident.Candidate, error)
}

// Tier binds a source to its relevance floor and time budget.
type Tier struct {
	Source  Source
	Floor   float64
	Timeout time.Duration
}

// Chain consults tiers in order.
type Chain struct {
	tiers  []Tier
	logger *logging.Logger
}

// NewChain returns a chain over tiers, in the order given.
func NewChain(logger *logging.Logger, tiers ...Tier) *Chain {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Chain{tiers: tiers, logger: logger}
}

// NormalizedRaw puts raw scores on [0,1]. Chat sources may report
// percentages.
func NormalizedRaw(c incident.Candidate) float64 {
	if c.Source == incident.SourceChat && c.RawScore > 1 {
		return c.RawScore / 100
	}
	return c.RawScore
}

// Search runs the tiers and returns the summary of what was consulted plus
// the usable candidates of the first tier that had any. A failing or slow
// tier is recorded as unavailable and skipped.
func (c *Chain) Search(ctx context.Context, ev incident.FailureEvent) incident.SearchSummary {
	ctx, span := tracer.Start(ctx, "Chain.Search")
	defer span.End()

	var sum incident.SearchSummary
	for _, t := range c.tiers {
		kind := t.Source.Kind()
		sum.Consulted = append(sum.Consulted, kind)

		cands, err := c.run(ctx, t, ev)
		if err != nil {
			sum.Unavailable = append(sum.Unavailable, kind)
			sourceOutcomes.WithLabelValues(string(kind), "unavailable").Inc()
			c.logger.Warn(ctx, "knowledge source unavailable", zap.String("source", string(kind)), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		usable := cands[:0:0]
		for _, cand := range cands {
			if NormalizedRaw(cand) >= t.Floor {
				usable = append(usable, cand)
			}
		}
		if len(usable) == 0 {
			sourceOutcomes.WithLabelValues(string(kind), "empty").Inc()
			c.logger.Debug(ctx, "knowledge source had no usable candidate",
				zap.String("source", string(kind)), zap.Int("below_floor", len(cands)))
			continue
		}

		sourceOutcomes.WithLabelValues(string(kind), "hit").Inc()
		sum.Candidates = usable
		span.SetAttributes(attribute.String("knowledge.source", string(kind)), attribute.Int("knowledge.candidates", len(usable)))
		c.logger.Info(ctx, "knowledge source produced candidates",
			zap.String("source", string(kind)), zap.Int("count", len(usable)))
		return sum
	}
	return sum
}

func (c *Chain) run(ctx context.Context, t Tier, ev incident.FailureEvent) ([]incident.Candidate, error) {
	kind := t.Source.Kind()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	type result struct {
		cands []incident.Candidate
		err   error
	}
	// Sources that ignore ctx must not hold the chain past its budget.
	done := make(chan result, 1)
	go func() {
		cands, err := t.Source.Search(ctx, ev)
		done <- result{cands, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var sue *incident.SourceUnavailableError
			if errors.As(r.err, &sue) {
				return nil, sue
			}
			return nil, &incident.SourceUnavailableError{Source: kind, Err: r.err}
		}
		for i := range r.cands {
			r.cands[i].Source = kind
		}
		return r.cands, nil
	case <-ctx.Done():
		return nil, &incident.SourceUnavailableError{Source: kind, Err: fmt.Errorf("search timed out: %w", ctx.Err())}
	}
}
