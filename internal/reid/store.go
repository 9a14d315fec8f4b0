// Package reid maintains person identities across channels and enforces
// the once-per-day counting rule. Identities live in a Redis-compatible KV
// store; an in-memory fallback keeps the process correct while the backend
// is unreachable.
package reid

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/metrics"
)

// Store is the KV surface the identity manager needs. Implementations must
// be safe for concurrent use.
type Store interface {
	// Get returns the value at key. found is false on a clean miss.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// SetEx writes value at key with a TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// Scan returns the keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Ping reports backend reachability.
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore backs Store with a Redis client behind a circuit breaker. A
// tripped breaker fails calls immediately; the manager falls back to its
// in-memory store for that window.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewRedisStore connects a RedisStore. The connection is lazy; a dead
// backend surfaces on the first call, not here.
func NewRedisStore(cfg *config.KVConfig, m *metrics.Metrics) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetAddr(),
		Password: cfg.GetPassword(),
		DB:       cfg.GetDB(),

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,

		// Failure handling is fallback, not retry.
		MaxRetries: -1,
	})

	settings := gobreaker.Settings{Name: "kv"}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	settings.Timeout = 10 * time.Second

	return &RedisStore{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		metrics: m,
	}
}

// Get fetches one key. A missing key is a clean miss, not an error, and
// does not count against the breaker.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	res, err := s.breaker.Execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	s.metrics.ObserveKVCall(time.Since(start))
	if err != nil {
		s.metrics.RecordKVError()
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// SetEx writes key with a TTL.
func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.SetEx(ctx, key, value, ttl).Err()
	})
	s.metrics.ObserveKVCall(time.Since(start))
	if err != nil {
		s.metrics.RecordKVError()
	}
	return err
}

// Scan walks the keyspace cursor until exhaustion and returns every key
// matching the pattern.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	res, err := s.breaker.Execute(func() (interface{}, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return keys, nil
	})
	s.metrics.ObserveKVCall(time.Since(start))
	if err != nil {
		s.metrics.RecordKVError()
		return nil, err
	}
	return res.([]string), nil
}

// Ping checks backend reachability directly, bypassing the breaker so
// health probes see the live state.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
