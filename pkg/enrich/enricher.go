package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

const (
	defaultProviderTimeout  = 10 * time.Second
	defaultProviderAttempts = 2
)

// Enricher runs the configured dimensions over one lead at a time. All
// dimensions for a lead fan out in parallel and join before the lead
// moves on; fragments apply in fixed op order so the outcome does not
// depend on which goroutine finished first.
type Enricher struct {
	ops    []Operation
	cache  Cache
	guards map[Op]*providerGuard

	ttl         time.Duration
	negativeTTL time.Duration
	timeouts    map[Op]time.Duration
	attempts    map[Op]int

	logger *slog.Logger
	sleep  func(context.Context, time.Duration)
}

// New wires the enricher from config. Ops without a providers entry get
// conservative defaults.
func New(cfg config.EnrichConfig, ops []Operation, cache Cache, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enricher{
		ops:         ops,
		cache:       cache,
		guards:      make(map[Op]*providerGuard, len(ops)),
		ttl:         cfg.Cache.TTL.Std(),
		negativeTTL: cfg.Cache.NegativeTTL.Std(),
		timeouts:    make(map[Op]time.Duration, len(ops)),
		attempts:    make(map[Op]int, len(ops)),
		logger:      logger.With("component", "enricher"),
		sleep:       sleepCtx,
	}
	for _, op := range ops {
		pc := cfg.Providers[string(op.Op)]
		timeout := pc.Timeout.Std()
		if timeout <= 0 {
			timeout = defaultProviderTimeout
		}
		attempts := pc.MaxAttempts
		if attempts <= 0 {
			attempts = defaultProviderAttempts
		}
		e.timeouts[op.Op] = timeout
		e.attempts[op.Op] = attempts
		e.guards[op.Op] = newProviderGuard(pc.MaxConcurrent, pc.FailureThreshold, pc.Cooldown.Std())
	}
	return e
}

// Enrich fills gaps in l and returns the dimensions that contributed.
// It never fails the lead: every provider problem degrades to a skipped
// dimension.
func (e *Enricher) Enrich(ctx context.Context, l *leads.Lead) []Op {
	type slot struct {
		op   Op
		frag *leads.Lead
	}
	slots := make([]slot, len(e.ops))

	// Keys derive from the lead's pre-enrichment fields. Fragments are
	// held until the barrier; nothing touches l while lookups run.
	var wg sync.WaitGroup
	for i, op := range e.ops {
		key := op.Key(l)
		slots[i].op = op.Op
		if key == "" {
			continue
		}
		wg.Add(1)
		go func(i int, op Operation, key string) {
			defer wg.Done()
			slots[i].frag = e.lookup(ctx, op, key)
		}(i, op, key)
	}
	wg.Wait()

	var applied []Op
	for _, s := range slots {
		if s.frag == nil {
			continue
		}
		if l.Merge(s.frag) {
			applied = append(applied, s.op)
		}
	}
	return applied
}

// lookup resolves one (op, key) through the cache and, on miss, the
// provider with its timeout, retry budget, and concurrency guard.
func (e *Enricher) lookup(ctx context.Context, op Operation, key string) *leads.Lead {
	if e.cache != nil {
		if v, hit, err := e.cache.Get(ctx, op.Op, key); err != nil {
			e.logger.Warn("cache read failed", "op", op.Op, "error", err)
		} else if hit {
			if v.Negative {
				return nil
			}
			return v.Fragment
		}
	}

	guard := e.guards[op.Op]
	release, ok := guard.Acquire(ctx)
	if !ok {
		e.logger.Debug("provider unavailable", "op", op.Op, "cooled_down", guard.CooledDown())
		return nil
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= e.attempts[op.Op]; attempt++ {
		frag, err := e.lookupOnce(ctx, op, key)
		switch {
		case err == nil:
			guard.RecordSuccess()
			e.store(ctx, op.Op, key, CachedValue{Fragment: frag}, e.ttl)
			return frag

		case errors.Is(err, ErrNotFound):
			// A definitive miss is a healthy answer.
			guard.RecordSuccess()
			e.store(ctx, op.Op, key, CachedValue{Negative: true}, e.negativeTTL)
			return nil

		default:
			guard.RecordFailure()
			lastErr = err
			var rle *RateLimitedError
			if errors.As(err, &rle) && attempt < e.attempts[op.Op] {
				e.sleep(ctx, rle.RetryAfter)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.logger.Warn("enrichment dimension skipped", "op", op.Op, "error", lastErr)
	return nil
}

func (e *Enricher) lookupOnce(ctx context.Context, op Operation, key string) (*leads.Lead, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts[op.Op])
	defer cancel()
	return op.Provider.Lookup(ctx, key)
}

func (e *Enricher) store(ctx context.Context, op Op, key string, v CachedValue, ttl time.Duration) {
	if e.cache == nil || ttl <= 0 {
		return
	}
	if err := e.cache.Set(ctx, op, key, v, ttl); err != nil {
		e.logger.Warn("cache write failed", "op", op, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
