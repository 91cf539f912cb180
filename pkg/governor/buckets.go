package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// MemoryBuckets paces sources with in-process token buckets: one token per
// min-interval, burst of one, so a fetch is allowed at most once per
// interval per source.
type MemoryBuckets struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryBuckets returns an empty in-process bucket store.
func NewMemoryBuckets() *MemoryBuckets {
	return &MemoryBuckets{limiters: make(map[string]*rate.Limiter)}
}

// Allow implements BucketStore.
func (m *MemoryBuckets) Allow(_ context.Context, sourceID string, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		return true, nil
	}
	m.mu.Lock()
	lim, ok := m.limiters[sourceID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
		m.limiters[sourceID] = lim
	}
	m.mu.Unlock()
	return lim.Allow(), nil
}

// redisBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
// ARGV[5] = key TTL seconds
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisBuckets shares per-source pacing across pipeline replicas via an
// atomic Lua token bucket.
type RedisBuckets struct {
	client *redis.Client
}

// NewRedisBuckets connects a bucket store to redis.
func NewRedisBuckets(addr string, db int) *RedisBuckets {
	return &RedisBuckets{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// Allow implements BucketStore.
func (r *RedisBuckets) Allow(ctx context.Context, sourceID string, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("leadforge:pace:%s", sourceID)
	ratePerSec := 1.0 / minInterval.Seconds()
	now := float64(time.Now().UnixMicro()) / 1e6
	// Keep the key alive a little past two intervals so idle sources
	// self-clean.
	ttl := int64(minInterval.Seconds()*2) + 60

	res, err := redisBucketScript.Run(ctx, r.client, []string{key}, ratePerSec, 1, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis bucket: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis bucket: unexpected reply %T", res)
	}
	return allowed == 1, nil
}

// Close releases the redis connection.
func (r *RedisBuckets) Close() error { return r.client.Close() }
