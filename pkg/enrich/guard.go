package enrich

import (
	"context"
	"sync"
	"time"
)

// guardWindow bounds how long an outcome sample influences the failure
// rate, and guardMinSamples keeps a single early failure from tripping
// the cooldown.
const (
	guardWindow     = time.Minute
	guardMinSamples = 5
)

// providerGuard enforces one provider's concurrency cap and cools the
// provider down when its failure rate over the sample window crosses the
// configured threshold.
type providerGuard struct {
	slots chan struct{}

	mu          sync.Mutex
	threshold   float64
	cooldown    time.Duration
	windowStart time.Time
	successes   int
	failures    int
	cooledUntil time.Time
	now         func() time.Time
}

func newProviderGuard(maxConcurrent int, threshold float64, cooldown time.Duration) *providerGuard {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &providerGuard{
		slots:     make(chan struct{}, maxConcurrent),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Acquire takes a concurrency slot unless the provider is cooling down.
// It blocks on a full provider, not on the cooldown.
func (g *providerGuard) Acquire(ctx context.Context) (release func(), ok bool) {
	g.mu.Lock()
	cooled := g.now().Before(g.cooledUntil)
	g.mu.Unlock()
	if cooled {
		return nil, false
	}

	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (g *providerGuard) RecordSuccess() { g.record(true) }
func (g *providerGuard) RecordFailure() { g.record(false) }

func (g *providerGuard) record(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.windowStart) > guardWindow {
		g.windowStart = now
		g.successes, g.failures = 0, 0
	}
	if success {
		g.successes++
	} else {
		g.failures++
	}

	total := g.successes + g.failures
	if total < guardMinSamples {
		return
	}
	if rate := float64(g.failures) / float64(total); rate >= g.threshold {
		g.cooledUntil = now.Add(g.cooldown)
		g.windowStart = now
		g.successes, g.failures = 0, 0
	}
}

// CooledDown reports whether the provider is currently sidelined.
func (g *providerGuard) CooledDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.cooledUntil)
}
