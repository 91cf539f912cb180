package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// stubProvider scripts one dimension's answers and counts calls.
type stubProvider struct {
	mu    sync.Mutex
	frags []*leads.Lead
	errs  []error
	calls int
}

func (s *stubProvider) Lookup(_ context.Context, _ string) (*leads.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var frag *leads.Lead
	var err error
	if i < len(s.frags) {
		frag = s.frags[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return frag, err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func enrichCfg() config.EnrichConfig {
	cfg := config.Default().Enrich
	cfg.Cache.TTL = config.Duration(time.Hour)
	cfg.Cache.NegativeTTL = config.Duration(10 * time.Minute)
	return cfg
}

func baseLead() *leads.Lead {
	l := leads.NewLead("src-1", "https://x.example.com/1")
	l.Title = "Office Tower Phase Two"
	l.Location = leads.Location{City: "Seattle", State: "WA"}
	l.Company = &leads.Company{Name: "Cascade Development Group"}
	return l
}

func TestEnrichFillsGapsAcrossDimensions(t *testing.T) {
	domain := &stubProvider{frags: []*leads.Lead{{Company: &leads.Company{Domain: "cascadedev.example"}}}}
	contacts := &stubProvider{frags: []*leads.Lead{{Contacts: []leads.Contact{{Name: "Dana Reed", Email: "dana@cascadedev.example"}}}}}
	size := &stubProvider{frags: []*leads.Lead{{Company: &leads.Company{SizeBucket: leads.CompanySizeMid}}}}
	related := &stubProvider{frags: []*leads.Lead{{RelatedProjects: []string{"Office Tower Phase One"}}}}

	ops := StandardOperations(map[Op]Provider{
		OpDomainDiscovery: domain,
		OpContactFinding:  contacts,
		OpSizeEstimation:  size,
		OpRelatedProjects: related,
	})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	l := baseLead()
	applied := e.Enrich(context.Background(), l)

	require.Len(t, applied, 4)
	require.Equal(t, "cascadedev.example", l.Company.Domain)
	require.Equal(t, leads.CompanySizeMid, l.Company.SizeBucket)
	require.Len(t, l.Contacts, 1)
	require.Equal(t, []string{"Office Tower Phase One"}, l.RelatedProjects)
	// The original company name is untouched.
	require.Equal(t, "Cascade Development Group", l.Company.Name)
}

func TestEnrichNeverOverwrites(t *testing.T) {
	size := &stubProvider{frags: []*leads.Lead{{Company: &leads.Company{SizeBucket: leads.CompanySizeEnterprise}}}}
	ops := StandardOperations(map[Op]Provider{OpSizeEstimation: size})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	l := baseLead()
	l.Company.SizeBucket = leads.CompanySizeSmall
	applied := e.Enrich(context.Background(), l)

	// Key builder sees the bucket is already known and skips the lookup.
	require.Empty(t, applied)
	require.Zero(t, size.callCount())
	require.Equal(t, leads.CompanySizeSmall, l.Company.SizeBucket)
}

// A cache hit within TTL must return exactly the stored value and spare
// the provider.
func TestEnrichCacheHit(t *testing.T) {
	domain := &stubProvider{frags: []*leads.Lead{{Company: &leads.Company{Domain: "cascadedev.example"}}}}
	ops := StandardOperations(map[Op]Provider{OpDomainDiscovery: domain})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	first := baseLead()
	e.Enrich(context.Background(), first)
	require.Equal(t, 1, domain.callCount())
	require.Equal(t, "cascadedev.example", first.Company.Domain)

	second := baseLead()
	e.Enrich(context.Background(), second)
	require.Equal(t, 1, domain.callCount(), "second lookup must be served from cache")
	require.Equal(t, "cascadedev.example", second.Company.Domain)
}

func TestEnrichNegativeCaching(t *testing.T) {
	domain := &stubProvider{errs: []error{ErrNotFound, ErrNotFound}}
	ops := StandardOperations(map[Op]Provider{OpDomainDiscovery: domain})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	e.Enrich(context.Background(), baseLead())
	e.Enrich(context.Background(), baseLead())

	require.Equal(t, 1, domain.callCount(), "not-found must be cached negatively")
}

func TestEnrichProviderFailureIsNotFatal(t *testing.T) {
	contacts := &stubProvider{errs: []error{errors.New("boom"), errors.New("boom")}}
	related := &stubProvider{frags: []*leads.Lead{{RelatedProjects: []string{"Annex"}}}}
	ops := StandardOperations(map[Op]Provider{
		OpContactFinding:  contacts,
		OpRelatedProjects: related,
	})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	l := baseLead()
	applied := e.Enrich(context.Background(), l)

	require.Equal(t, []Op{OpRelatedProjects}, applied)
	require.Empty(t, l.Contacts)
	require.Equal(t, []string{"Annex"}, l.RelatedProjects)
}

func TestEnrichRetriesRateLimit(t *testing.T) {
	domain := &stubProvider{
		errs:  []error{&RateLimitedError{RetryAfter: time.Millisecond}, nil},
		frags: []*leads.Lead{nil, {Company: &leads.Company{Domain: "cascadedev.example"}}},
	}
	cfg := enrichCfg()
	cfg.Providers = map[string]config.ProviderConfig{
		string(OpDomainDiscovery): {MaxAttempts: 2},
	}
	ops := StandardOperations(map[Op]Provider{OpDomainDiscovery: domain})
	e := New(cfg, ops, NewMemoryCache(100), nil)

	l := baseLead()
	e.Enrich(context.Background(), l)

	require.Equal(t, 2, domain.callCount())
	require.Equal(t, "cascadedev.example", l.Company.Domain)
}

func TestEnrichSkipsDimensionsWithoutKeys(t *testing.T) {
	company := &stubProvider{}
	ops := StandardOperations(map[Op]Provider{OpCompanyLookup: company})
	e := New(enrichCfg(), ops, NewMemoryCache(100), nil)

	l := leads.NewLead("src-1", "https://x.example.com/1")
	l.Title = "Untitled company-less project"
	e.Enrich(context.Background(), l)

	require.Zero(t, company.callCount())
}

func TestGuardCoolsDownOnFailureRate(t *testing.T) {
	g := newProviderGuard(2, 0.5, time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	g.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		g.RecordFailure()
	}
	require.True(t, g.CooledDown())

	_, ok := g.Acquire(context.Background())
	require.False(t, ok)

	// Cooldown lapses; the provider is admitted again.
	now = base.Add(2 * time.Minute)
	release, ok := g.Acquire(context.Background())
	require.True(t, ok)
	release()
}

func TestGuardHealthyProviderStaysUp(t *testing.T) {
	g := newProviderGuard(2, 0.5, time.Minute)
	for i := 0; i < 20; i++ {
		g.RecordSuccess()
	}
	g.RecordFailure()
	require.False(t, g.CooledDown())
}

func TestGuardConcurrencyCap(t *testing.T) {
	g := newProviderGuard(1, 0.5, time.Minute)

	release, ok := g.Acquire(context.Background())
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok = g.Acquire(ctx)
	require.False(t, ok, "second acquire must block until release")

	release()
	release2, ok := g.Acquire(context.Background())
	require.True(t, ok)
	release2()
}
