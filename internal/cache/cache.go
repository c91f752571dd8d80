// Package cache provides the shared TTL key/value store used for response
// caching, session revocation and login-attempt tracking. Backed by Redis
// when available, with an in-memory fallback for single-process deployments
// and tests.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a TTL'd key/value store. Get returns ("", nil) on a miss so
// callers can treat absence and expiry uniformly.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// Incr increments the counter at key and starts its expiry window on the
	// first increment. Get on a counter key returns its decimal value. Used
	// for lockout and rate-limit counters.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Key joins namespace parts with the deployment prefix.
func Key(prefix string, parts ...string) string {
	return prefix + ":" + strings.Join(parts, ":")
}

// --- Redis ------------------------------------------------------------------

// Redis implements Cache on a go-redis client.
type Redis struct {
	client *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an established Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// --- Memory -----------------------------------------------------------------

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory implements Cache on a mutex-guarded map with lazy expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return "", nil
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		entry = memoryEntry{expiresAt: deadline(ttl)}
	}
	entry.count++
	entry.value = strconv.FormatInt(entry.count, 10)
	m.entries[key] = entry
	return entry.count, nil
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
