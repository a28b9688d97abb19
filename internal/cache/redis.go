package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis cache connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis backs the artifact cache with a shared Redis instance. Wrap it in
// Fallible so connectivity loss degrades to misses.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and verifies the instance is reachable.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Get returns the value for fingerprint; redis.Nil maps to a miss.
func (r *Redis) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Put stores the value with the given TTL. SET is last-writer-wins, which
// matches the single-writer-wins contract.
func (r *Redis) Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, fingerprint, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the entry.
func (r *Redis) Delete(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, fingerprint).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
