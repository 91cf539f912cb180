package enrich

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// CachedValue is one stored lookup result. Negative entries remember a
// definitive "no data" answer so the provider is not re-asked until the
// (shorter) negative TTL lapses.
type CachedValue struct {
	Fragment *leads.Lead `json:"fragment,omitempty"`
	Negative bool        `json:"negative,omitempty"`
}

// Cache stores provider results per (op, key). A false second return
// means miss; expired entries count as misses.
type Cache interface {
	Get(ctx context.Context, op Op, key string) (CachedValue, bool, error)
	Set(ctx context.Context, op Op, key string, v CachedValue, ttl time.Duration) error
}

// NewCache builds the configured backend.
func NewCache(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.MaxEntries), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("cache: redis backend requires redis_addr")
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

type memoryEntry struct {
	key       string
	value     CachedValue
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache with an LRU cap. Reads promote;
// inserts past the cap evict the coldest entry.
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &MemoryCache{
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func cacheKey(op Op, key string) string {
	return string(op) + "\x00" + key
}

func (c *MemoryCache) Get(_ context.Context, op Op, key string) (CachedValue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(op, key)]
	if !ok {
		return CachedValue{}, false, nil
	}
	ent := el.Value.(*memoryEntry)
	if c.now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, ent.key)
		return CachedValue{}, false, nil
	}
	c.order.MoveToFront(el)
	return ent.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, op Op, key string, v CachedValue, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(op, key)
	if el, ok := c.entries[k]; ok {
		ent := el.Value.(*memoryEntry)
		ent.value = v
		ent.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(el)
		return nil
	}
	el := c.order.PushFront(&memoryEntry{key: k, value: v, expiresAt: c.now().Add(ttl)})
	c.entries[k] = el

	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len reports live entries, expired ones included until next touch.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares lookup results across pipeline replicas. TTL is
// delegated to redis key expiry.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, db int) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func redisKey(op Op, key string) string {
	return fmt.Sprintf("leadforge:enrich:%s:%s", op, key)
}

func (c *RedisCache) Get(ctx context.Context, op Op, key string) (CachedValue, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(op, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedValue{}, false, nil
	}
	if err != nil {
		return CachedValue{}, false, fmt.Errorf("cache get: %w", err)
	}
	var v CachedValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return CachedValue{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, op Op, key string, v CachedValue, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(op, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
