// Package ledger is the append-only record of incident state transitions.
//
// Every transition is keyed by "<incident>/<STATE>", so replaying an append
// is a no-op. Backends only need to support an optimistic
// compare-and-append on the history length; Ledger validates the state
// machine and retries on conflict.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned by a Store when the history changed between
	// Load and CompareAndAppend.
	ErrConflict = errors.New("ledger: concurrent append")
	// ErrTooManyConflicts is returned when retries are exhausted.
	ErrTooManyConflicts = errors.New("ledger: too many concurrent appends")
)

var appends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "incidentd_ledger_transitions_total",
	Help: "Ledger transitions appended, by target state.",
}, []string{"state"})

// Store persists transition histories.
type Store interface {
	Load(ctx context.Context, id string) ([]incident.Transition, error)
	// CompareAndAppend appends t only if the stored history has exactly
	// expectedLen entries, otherwise it returns ErrConflict.
	CompareAndAppend(ctx context.Context, id string, expectedLen int, t incident.Transition) error
	Close() error
}

// Ledger validates and appends transitions.
type Ledger struct {
	store      Store
	logger     *logging.Logger
	maxRetries int
}

// New wraps store.
func New(store Store, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Ledger{store: store, logger: logger, maxRetries: 8}
}

// Append adds t to the history of id. It reports false, with no error,
// when a transition with the same key already exists. Out-of-order
// appends return *incident.InvalidTransitionError.
func (l *Ledger) Append(ctx context.Context, id string, t incident.Transition) (bool, error) {
	if t.IncidentID == "" {
		t.IncidentID = id
	}
	if t.IncidentID != id {
		return false, fmt.Errorf("ledger: transition for %s appended to %s", t.IncidentID, id)
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		history, err := l.store.Load(ctx, id)
		if err != nil {
			return false, fmt.Errorf("loading %s: %w", id, err)
		}
		dup, err := incident.Validate(history, t)
		if err != nil {
			return false, err
		}
		if dup {
			l.logger.Debug(ctx, "duplicate transition ignored", zap.String("key", t.Key()))
			return false, nil
		}

		err = l.store.CompareAndAppend(ctx, id, len(history), t)
		if errors.Is(err, ErrConflict) {
			l.logger.Debug(ctx, "ledger conflict, reloading", zap.String("key", t.Key()), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return false, fmt.Errorf("appending %s: %w", t.Key(), err)
		}
		appends.WithLabelValues(string(t.State)).Inc()
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrTooManyConflicts, t.Key())
}

// Get projects the incident. It returns nil, nil for an unknown id.
func (l *Ledger) Get(ctx context.Context, id string) (*incident.Incident, error) {
	history, err := l.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	return incident.Project(history), nil
}

// Close closes the backing store.
func (l *Ledger) Close() error { return l.store.Close() }
