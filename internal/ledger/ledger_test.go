package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"badger": func() Store {
			s, err := OpenBadger("")
			require.NoError(t, err)
			return s
		},
		"redis": func() Store {
			mr := miniredis.RunT(t)
			return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
		},
	}
}

func tr(id string, s incident.State) incident.Transition {
	return incident.Transition{IncidentID: id, State: s, At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLedger_AppendAndGet(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk(), nil)
			defer l.Close()

			ev := &incident.FailureEvent{IncidentID: "inc-1", Category: "config"}
			first := tr("inc-1", incident.StateDetected)
			first.Event = ev
			ok, err := l.Append(ctx, "inc-1", first)
			require.NoError(t, err)
			assert.True(t, ok)

			for _, s := range []incident.State{incident.StateSearching, incident.StateDecided, incident.StateEscalated} {
				ok, err := l.Append(ctx, "inc-1", tr("", s))
				require.NoError(t, err)
				assert.True(t, ok)
			}

			inc, err := l.Get(ctx, "inc-1")
			require.NoError(t, err)
			require.NotNil(t, inc)
			assert.Equal(t, incident.StateEscalated, inc.State)
			assert.Equal(t, "config", inc.Event.Category)
			assert.Len(t, inc.Transitions, 4)

			missing, err := l.Get(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestLedger_Idempotent(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk(), nil)

			ok, err := l.Append(ctx, "inc-2", tr("inc-2", incident.StateDetected))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Append(ctx, "inc-2", tr("inc-2", incident.StateDetected))
			require.NoError(t, err)
			assert.False(t, ok)

			inc, err := l.Get(ctx, "inc-2")
			require.NoError(t, err)
			assert.Len(t, inc.Transitions, 1)
		})
	}
}

func TestLedger_RejectsOutOfOrder(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk(), nil)

			_, err := l.Append(ctx, "inc-3", tr("inc-3", incident.StateDecided))
			var ite *incident.InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, incident.StateDecided, ite.To)

			_, err = l.Append(ctx, "inc-3", tr("inc-3", incident.StateDetected))
			require.NoError(t, err)
			_, err = l.Append(ctx, "inc-3", tr("inc-3", incident.StateSucceeded))
			require.Error(t, err)

			inc, err := l.Get(ctx, "inc-3")
			require.NoError(t, err)
			assert.Len(t, inc.Transitions, 1, "history unchanged after a rejected append")
		})
	}
}

func TestLedger_MismatchedID(t *testing.T) {
	_, err := New(NewMemoryStore(), nil).Append(context.Background(), "a", tr("b", incident.StateDetected))
	assert.Error(t, err)
}

func TestLedger_ConcurrentDuplicateDelivery(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk(), nil)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Append(ctx, "inc-4", tr("inc-4", incident.StateDetected))
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, winners)
			inc, err := l.Get(ctx, "inc-4")
			require.NoError(t, err)
			assert.Len(t, inc.Transitions, 1)
		})
	}
}

func TestStores_CompareAndAppendConflict(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()
			require.NoError(t, s.CompareAndAppend(ctx, "x", 0, tr("x", incident.StateDetected)))
			assert.ErrorIs(t, s.CompareAndAppend(ctx, "x", 0, tr("x", incident.StateSearching)), ErrConflict)
			require.NoError(t, s.CompareAndAppend(ctx, "x", 1, tr("x", incident.StateSearching)))

			got, err := s.Load(ctx, "x")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, incident.StateDetected, got[0].State)
			assert.Equal(t, incident.StateSearching, got[1].State)
		})
	}
}
