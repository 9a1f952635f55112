package implementation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore holds short-lived flags and windowed counters. Expiry is enforced by Redis, not
// by any in-process timer.
type CounterStore struct {
	client *redis.Client
}

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{
		client: client,
	}
}

func (s CounterStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, key, "1", ttl).Err()
}

func (s CounterStore) HasFlag(ctx context.Context, key string) (bool, error) {
	exists, err := retryRedisOperation(ctx, func() (int64, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}

	return exists > 0, nil
}

// Count returns 0 for a missing counter.
func (s CounterStore) Count(ctx context.Context, key string) (int64, error) {
	value, err := retryRedisOperation(ctx, func() (string, error) {
		return s.client.Get(ctx, key).Result()
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(value, 10, 64)
}

// Increment bumps key and makes sure it expires after window, in one MULTI/EXEC. The window
// starts at the first increment and is not extended by later ones; a counter left without an
// expiry picks one up on its next increment.
func (s CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return incr.Val(), nil
}

func (s CounterStore) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s CounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return retryRedisOperation(ctx, func() (time.Duration, error) {
		return s.client.TTL(ctx, key).Result()
	})
}
