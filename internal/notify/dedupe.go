package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper grants each key once. Claim reports whether the caller is first.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (m *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// RedisDeduper shares claims between processes. Keys expire after ttl.
type RedisDeduper struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(rdb redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, prefix: "link2pay:notify:", ttl: ttl}
}

func (r *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
}
