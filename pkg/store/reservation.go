package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace/pkg/idempotency"
)

var (
	_ idempotency.Store = (*RedisStore)(nil)
	_ idempotency.Store = (*MemoryStore)(nil)
)

// RedisStore keeps reservations in Redis. Acquire maps to SET NX PX, so every
// replica pointed at the same Redis shares one reservation per key.
type RedisStore struct{ client redis.UniversalClient }

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryStore is an in-process TTL map. It is only safe for a single
// instance; reservations are not visible to other processes.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return len(m.items)
}

func (m *MemoryStore) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// Reservations is an idempotency.Store that can also report its health.
type Reservations interface {
	idempotency.Store
	Ping(ctx context.Context) error
}

// NewReservations wraps client in a RedisStore after checking it answers.
// When Redis is nil or unreachable the in-memory store is returned only if
// allowMemory is set; otherwise the ping error is returned.
func NewReservations(ctx context.Context, client redis.UniversalClient, allowMemory bool) (Reservations, error) {
	if client == nil {
		if allowMemory {
			return NewMemoryStore(), nil
		}
		return nil, fmt.Errorf("reservation store: no redis client configured")
	}
	rs := NewRedisStore(client)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		if allowMemory {
			return NewMemoryStore(), nil
		}
		return nil, fmt.Errorf("reservation store: redis ping: %w", err)
	}
	return rs, nil
}
