// Package learning records fixes that were applied successfully so later
// failures with a similar signature can find them.
package learning

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/vectorstore"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var sinkFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "incidentd_learning_sink_failures_total",
	Help: "Applied fixes that could not be recorded.",
})

// Sink writes successful fixes to the similarity collection.
type Sink struct {
	store      vectorstore.Store
	collection string
	logger     *logging.Logger
	now        func() time.Time
}

// NewSink returns a Sink writing to collection.
func NewSink(store vectorstore.Store, collection string, logger *logging.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("learning: vector store cannot be nil")
	}
	if err := vectorstore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sink{store: store, collection: collection, logger: logger, now: time.Now}, nil
}

// Record stores the fix behind res when it was actually applied. Drafts,
// escalations and failures are skipped and return (false, nil). Records are
// append-only: an incident that already has a record returns (false, nil)
// and the stored record is left untouched. The ledger runs Record at most
// once per incident, so the check-then-write cannot race in practice. A
// write failure is returned as *incident.LearningSinkWriteFailure.
func (s *Sink) Record(ctx context.Context, inc *incident.Incident, d incident.Decision, res incident.ExecutionResult) (bool, error) {
	if !res.Applied() || d.Candidate == nil || inc == nil || inc.Event == nil {
		return false, nil
	}
	doc := Document(*inc.Event, d, s.now())
	exists, err := s.store.Exists(ctx, s.collection, doc.ID)
	if err != nil {
		sinkFailures.Inc()
		return false, &incident.LearningSinkWriteFailure{IncidentID: inc.ID, Err: err}
	}
	if exists {
		s.logger.Debug(ctx, "applied fix already recorded", zap.String("doc_id", doc.ID))
		return false, nil
	}
	if err := s.store.Upsert(ctx, s.collection, []vectorstore.Document{doc}); err != nil {
		sinkFailures.Inc()
		return false, &incident.LearningSinkWriteFailure{IncidentID: inc.ID, Err: err}
	}
	s.logger.Info(ctx, "recorded applied fix",
		zap.String("doc_id", doc.ID),
		zap.String("category", inc.Event.CategoryTag()),
		zap.String("source", string(d.Candidate.Source)))
	return true, nil
}

// Document builds the stored record for one applied fix. Its ID is derived
// from the incident id, so each incident has at most one record.
func Document(ev incident.FailureEvent, d incident.Decision, at time.Time) vectorstore.Document {
	return vectorstore.Document{
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("incidentd:"+ev.IncidentID)).String(),
		Content: ev.Signature(),
		Metadata: map[string]string{
			"fix":          d.Candidate.FixDescription,
			"incident_id":  ev.IncidentID,
			"platform":     string(ev.Platform),
			"environment":  string(ev.Environment),
			"category":     ev.CategoryTag(),
			"resource":     ev.Resource,
			"source":       string(d.Candidate.Source),
			"confidence":   strconv.FormatFloat(d.Confidence, 'f', 3, 64),
			"success_rate": "1.0",
			"recorded_at":  at.UTC().Format(time.RFC3339),
		},
	}
}
