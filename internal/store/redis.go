package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-execution-core/config"
)

// RedisStore implements Store on a Redis client. Operation failures are
// tracked so callers can observe degraded state, but every operation
// surfaces its error: admission control fails closed when the store is
// unreachable.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int

	maxFailures int
}

// NewRedisStore connects to Redis with the provided configuration.
// Connection verification is best-effort; the store is returned even when
// the initial ping fails so the process can start before Redis does.
func NewRedisStore(cfg config.RedisConfig, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &RedisStore{
		client:      client,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		maxFailures: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("address", cfg.Address).Msg("initial Redis connection failed")
		return s
	}

	s.healthy = true
	s.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return s
}

// IsHealthy reports whether recent operations have been succeeding.
func (s *RedisStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *RedisStore) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Error().Int("failures", s.failureCount).Msg("Redis marked unhealthy")
		s.healthy = false
	}
}

func (s *RedisStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
}

// Exists reports whether the key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	s.recordSuccess()
	return n > 0, nil
}

// SetNX stores the value only when the key is absent. SET NX with an
// expiry is a single Redis command, so the check and the reservation
// cannot be interleaved by a concurrent caller.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	s.recordSuccess()
	return ok, nil
}

// Incr atomically increments the counter at key, applying the TTL when
// the counter is first created.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}

	if val == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			s.recordFailure()
			return 0, fmt.Errorf("redis expire failed: %w", err)
		}
	}

	s.recordSuccess()
	return val, nil
}

// Get returns the value at key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		s.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	s.recordSuccess()
	return val, nil
}

// TTL returns the remaining lifetime of the key, zero when absent.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis ttl failed: %w", err)
	}
	s.recordSuccess()
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
