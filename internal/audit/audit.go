// Package audit keeps a durable, queryable trail of every incident
// outcome alongside the transition ledger.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Recorder stores an incident snapshot.
type Recorder interface {
	Record(ctx context.Context, inc *incident.Incident) error
}

// Collection is the subset of *mongo.Collection the recorder uses.
type Collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Entry is the stored audit document.
type Entry struct {
	IncidentID  string                   `bson:"incident_id"`
	State       incident.State           `bson:"state"`
	Platform    incident.Platform        `bson:"platform,omitempty"`
	Environment incident.Environment     `bson:"environment,omitempty"`
	Category    string                   `bson:"category,omitempty"`
	Resource    string                   `bson:"resource,omitempty"`
	Action      incident.Action          `bson:"action,omitempty"`
	Confidence  float64                  `bson:"confidence"`
	Source      incident.SourceKind      `bson:"source,omitempty"`
	Fix         string                   `bson:"fix,omitempty"`
	Status      incident.ExecutionStatus `bson:"status,omitempty"`
	ChangeRef   string                   `bson:"change_ref,omitempty"`
	Reason      string                   `bson:"reason,omitempty"`
	Attempts    int                      `bson:"attempts"`
	Transitions []TransitionEntry        `bson:"transitions"`
	UpdatedAt   time.Time                `bson:"updated_at"`
}

// TransitionEntry is one recorded state change.
type TransitionEntry struct {
	State incident.State `bson:"state"`
	At    time.Time      `bson:"at"`
}

// NewEntry flattens inc into an Entry.
func NewEntry(inc *incident.Incident) Entry {
	e := Entry{
		IncidentID: inc.ID,
		State:      inc.State,
		Reason:     inc.Reason,
		UpdatedAt:  inc.UpdatedAt,
	}
	if ev := inc.Event; ev != nil {
		e.Platform, e.Environment = ev.Platform, ev.Environment
		e.Category, e.Resource = ev.CategoryTag(), ev.Resource
	}
	if d := inc.Decision; d != nil {
		e.Action, e.Confidence = d.Action, d.Confidence
		if d.Candidate != nil {
			e.Source, e.Fix = d.Candidate.Source, d.Candidate.FixDescription
		}
	}
	if x := inc.Execution; x != nil {
		e.Status, e.ChangeRef, e.Attempts = x.Status, x.ChangeRef, len(x.Attempts)
	}
	for _, t := range inc.Transitions {
		e.Transitions = append(e.Transitions, TransitionEntry{State: t.State, At: t.At})
	}
	return e
}

// MongoRecorder upserts one document per incident.
type MongoRecorder struct {
	coll   Collection
	logger *logging.Logger
}

// NewMongoRecorder returns a recorder writing to coll.
func NewMongoRecorder(coll Collection, logger *logging.Logger) *MongoRecorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MongoRecorder{coll: coll, logger: logger}
}

// Connect opens a client and returns the audit collection and a close
// function.
func Connect(ctx context.Context, uri, database, collection string) (*mongo.Collection, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to audit store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("pinging audit store: %w", err)
	}
	return client.Database(database).Collection(collection), client.Disconnect, nil
}

// Record upserts the snapshot. created_at is only written on insert.
func (r *MongoRecorder) Record(ctx context.Context, inc *incident.Incident) error {
	if inc == nil {
		return nil
	}
	entry := NewEntry(inc)
	update := bson.M{
		"$set":         entry,
		"$setOnInsert": bson.M{"created_at": inc.CreatedAt},
	}
	if _, err := r.coll.UpdateOne(ctx, bson.M{"_id": inc.ID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("writing audit entry for %s: %w", inc.ID, err)
	}
	r.logger.Debug(ctx, "audit entry written", zap.String("state", string(inc.State)))
	return nil
}

// LogRecorder writes the audit trail to the structured log only.
type LogRecorder struct {
	logger *logging.Logger
}

// NewLogRecorder returns a Recorder backed by logger.
func NewLogRecorder(logger *logging.Logger) *LogRecorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, inc *incident.Incident) error {
	if inc == nil {
		return nil
	}
	e := NewEntry(inc)
	r.logger.Info(ctx, "incident audit",
		zap.String("incident_id", e.IncidentID),
		zap.String("state", string(e.State)),
		zap.String("category", e.Category),
		zap.String("action", string(e.Action)),
		zap.Float64("confidence", e.Confidence),
		zap.String("status", string(e.Status)),
		zap.String("reason", e.Reason),
		zap.Int("attempts", e.Attempts),
	)
	return nil
}
