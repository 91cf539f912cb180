package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache(10)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	v := CachedValue{Fragment: &leads.Lead{Company: &leads.Company{Domain: "a.example"}}}
	require.NoError(t, c.Set(context.Background(), OpDomainDiscovery, "k", v, time.Hour))

	got, hit, err := c.Get(context.Background(), OpDomainDiscovery, "k")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "a.example", got.Fragment.Company.Domain)

	now = base.Add(2 * time.Hour)
	_, hit, err = c.Get(context.Background(), OpDomainDiscovery, "k")
	require.NoError(t, err)
	require.False(t, hit, "expired entry must miss")
	require.Zero(t, c.Len())
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(2)

	require.NoError(t, c.Set(context.Background(), OpCompanyLookup, "a", CachedValue{Negative: true}, time.Hour))
	require.NoError(t, c.Set(context.Background(), OpCompanyLookup, "b", CachedValue{Negative: true}, time.Hour))

	// Touch "a" so "b" is the coldest when "c" arrives.
	_, hit, _ := c.Get(context.Background(), OpCompanyLookup, "a")
	require.True(t, hit)

	require.NoError(t, c.Set(context.Background(), OpCompanyLookup, "c", CachedValue{Negative: true}, time.Hour))
	require.Equal(t, 2, c.Len())

	_, hit, _ = c.Get(context.Background(), OpCompanyLookup, "b")
	require.False(t, hit, "coldest entry must be evicted")
	_, hit, _ = c.Get(context.Background(), OpCompanyLookup, "a")
	require.True(t, hit)
	_, hit, _ = c.Get(context.Background(), OpCompanyLookup, "c")
	require.True(t, hit)
}

func TestMemoryCacheKeysScopedByOp(t *testing.T) {
	c := NewMemoryCache(10)
	require.NoError(t, c.Set(context.Background(), OpCompanyLookup, "k", CachedValue{Negative: true}, time.Hour))

	_, hit, _ := c.Get(context.Background(), OpDomainDiscovery, "k")
	require.False(t, hit)
}

func TestNewCacheBackends(t *testing.T) {
	mem, err := NewCache(config.CacheConfig{Backend: "memory", MaxEntries: 5})
	require.NoError(t, err)
	require.IsType(t, &MemoryCache{}, mem)

	_, err = NewCache(config.CacheConfig{Backend: "redis"})
	require.Error(t, err, "redis backend without an address must be rejected")

	_, err = NewCache(config.CacheConfig{Backend: "memcached"})
	require.Error(t, err)
}
