package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces pseudonym mappings inside a shared Redis.
const keyPrefix = "finsight:pseudonym:"

// RedisStore is the durable token store backend.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// OpenRedis connects to Redis and verifies it with a ping. Callers fall back
// to NewMemoryStore when this fails.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	probe, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(probe).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Put stores value with TTL via SET EX.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Get returns the value, mapping redis.Nil to ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

// Count scans for live mapping keys.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	var total int
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 1000).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

// Durable reports true: Redis persists across our restarts.
func (s *RedisStore) Durable() bool { return true }

// Backend reports the backend type.
func (s *RedisStore) Backend() string { return "redis" }

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
