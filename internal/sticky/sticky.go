// Package sticky persists per-visitor variant bindings. A binding keeps
// one session on one variant for the experiment's duration; the engine
// never increments visitor counters for a repeat visit.
package sticky

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store reads and writes visitor->variant bindings keyed by site and
// session, with a TTL (30 days in production).
type Store interface {
	// Get returns the bound variant ID, or "" if no binding exists.
	Get(ctx context.Context, siteID, sessionID string) (string, error)

	// Set binds a session to a variant for the given TTL. First write
	// wins: a concurrent binding for the same session is not replaced,
	// which preserves the one-assignment-per-session invariant.
	Set(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error

	// Rebind replaces an existing binding unconditionally. Used when a
	// binding went stale because its experiment ended.
	Rebind(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

// RedisStore implements Store using Redis SETNX for atomic
// first-write-wins bindings with TTL expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed sticky store and verifies the
// connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func stickyKey(siteID, sessionID string) string {
	return fmt.Sprintf("sticky:%s:%s", siteID, sessionID)
}

func (r *RedisStore) Get(ctx context.Context, siteID, sessionID string) (string, error) {
	variantID, err := r.client.Get(ctx, stickyKey(siteID, sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis GET failed: %w", err)
	}
	return variantID, nil
}

func (r *RedisStore) Set(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error {
	// SETNX with TTL: losing the race to a concurrent assignment is
	// fine, the first binding stands.
	_, err := r.client.SetNX(ctx, stickyKey(siteID, sessionID), variantID, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Rebind(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, stickyKey(siteID, sessionID), variantID, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
