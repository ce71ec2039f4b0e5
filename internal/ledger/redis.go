package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/go-redis/redis/v8"
)

// RedisStore keeps each history in a list at "<prefix><id>". Appends use
// WATCH/MULTI so concurrent workers cannot interleave.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "incidentd:ledger:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Load(ctx context.Context, id string) ([]incident.Transition, error) {
	raw, err := s.client.LRange(ctx, s.key(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]incident.Transition, 0, len(raw))
	for _, r := range raw {
		var t incident.Transition
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decoding transition: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) CompareAndAppend(ctx context.Context, id string, expectedLen int, t incident.Transition) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transition: %w", err)
	}
	key := s.key(id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n != int64(expectedLen) {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, key, val)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) Close() error { return s.client.Close() }
