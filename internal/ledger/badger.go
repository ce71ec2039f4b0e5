package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// BadgerStore is a durable embedded store. Keys are
// "inc/<id>/len" for the history length and "inc/<id>/t/<seq>" for
// entries, with seq big-endian so prefix iteration is ordered.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a store at path, or in memory when path is empty.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func lenKey(id string) []byte { return []byte("inc/" + id + "/len") }

func entryPrefix(id string) []byte { return []byte("inc/" + id + "/t/") }

func entryKey(id string, seq uint64) []byte {
	k := entryPrefix(id)
	return binary.BigEndian.AppendUint64(k, seq)
}

func (s *BadgerStore) Load(_ context.Context, id string) ([]incident.Transition, error) {
	var out []incident.Transition
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t incident.Transition
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) CompareAndAppend(_ context.Context, id string, expectedLen int, t incident.Transition) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transition: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		var n uint64
		item, err := txn.Get(lenKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				n = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		}
		if n != uint64(expectedLen) {
			return ErrConflict
		}
		if err := txn.Set(entryKey(id, n), val); err != nil {
			return err
		}
		return txn.Set(lenKey(id), binary.BigEndian.AppendUint64(nil, n+1))
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (s *BadgerStore) Close() error { return s.db.Close() }
