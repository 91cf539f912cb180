// Package governor implements the pipeline's central admission controller:
// global concurrency caps, per-source pacing, and host-resource
// backpressure.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// Admission is the outcome of an admission request.
type Admission int

const (
	Admitted Admission = iota
	Deferred
	Paused
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Deferred:
		return "deferred"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Decision carries the admission outcome and, for deferrals, the reason.
type Decision struct {
	Admission Admission
	Reason    string
	// Release must be called exactly once when the admitted fetch
	// finishes. Nil unless Admission == Admitted.
	Release func()
}

// BucketStore answers whether a source's pacing budget allows another
// fetch right now. Implementations: in-process x/time buckets, or redis
// when several replicas share a budget.
type BucketStore interface {
	Allow(ctx context.Context, sourceID string, minInterval time.Duration) (bool, error)
}

// ResourceSampler reports host CPU and memory utilization in percent.
type ResourceSampler interface {
	Sample() (cpuPct, memPct float64, err error)
}

// Governor enforces the resource model: a fetch-slot semaphore, a worker
// semaphore shared by the processing stages, per-source pacing, and a
// pause bit asserted under host pressure.
type Governor struct {
	cfg     config.GovernorConfig
	buckets BucketStore
	sampler ResourceSampler
	logger  *slog.Logger

	fetchSlots  chan struct{}
	workerSlots chan struct{}

	mu         sync.Mutex
	pausedTil  time.Time
	manualHold bool

	now func() time.Time
}

// New constructs a governor. A nil buckets falls back to in-process
// buckets; a nil sampler disables resource backpressure.
func New(cfg config.GovernorConfig, buckets BucketStore, sampler ResourceSampler, logger *slog.Logger) *Governor {
	if buckets == nil {
		buckets = NewMemoryBuckets()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cfg:         cfg,
		buckets:     buckets,
		sampler:     sampler,
		logger:      logger.With("component", "governor"),
		fetchSlots:  make(chan struct{}, cfg.MaxConcurrentSources),
		workerSlots: make(chan struct{}, cfg.MaxWorkers),
		now:         time.Now,
	}
}

// TryAdmit decides whether a fetch for the source may start now. Admission
// never blocks: a contended slot or an exhausted pacing budget defers the
// job back to the scheduler.
func (g *Governor) TryAdmit(ctx context.Context, src leads.Source) Decision {
	if g.IsPaused() {
		return Decision{Admission: Paused, Reason: "governor paused"}
	}

	ok, err := g.buckets.Allow(ctx, src.ID, src.MinInterval)
	if err != nil {
		// Pacing-store trouble must not stall the pipeline; fall through
		// to the semaphore, which still bounds concurrency.
		g.logger.Warn("bucket store unavailable, admitting on semaphore only",
			"source", src.ID, "error", err)
	} else if !ok {
		return Decision{Admission: Deferred, Reason: "per-source interval not elapsed"}
	}

	select {
	case g.fetchSlots <- struct{}{}:
		var once sync.Once
		return Decision{Admission: Admitted, Release: func() {
			once.Do(func() { <-g.fetchSlots })
		}}
	default:
		return Decision{Admission: Deferred, Reason: "max concurrent sources reached"}
	}
}

// AcquireWorker blocks until a pipeline worker slot is free or ctx ends.
func (g *Governor) AcquireWorker(ctx context.Context) (release func(), err error) {
	select {
	case g.workerSlots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.workerSlots }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight returns the number of fetches currently holding a slot.
func (g *Governor) InFlight() int { return len(g.fetchSlots) }

// IsPaused reports whether admissions are currently suspended.
func (g *Governor) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manualHold || g.now().Before(g.pausedTil)
}

// Pause suspends admissions until Resume. In-flight jobs run to
// completion; cancellation is cooperative, never preemptive.
func (g *Governor) Pause() {
	g.mu.Lock()
	g.manualHold = true
	g.mu.Unlock()
	g.logger.Info("admissions paused by operator")
}

// Resume lifts a manual pause. A resource-pressure cooldown still applies.
func (g *Governor) Resume() {
	g.mu.Lock()
	g.manualHold = false
	g.mu.Unlock()
	g.logger.Info("admissions resumed by operator")
}

// pauseFor asserts the pause bit for the configured cooldown.
func (g *Governor) pauseFor(d time.Duration, why string) {
	g.mu.Lock()
	until := g.now().Add(d)
	if until.After(g.pausedTil) {
		g.pausedTil = until
	}
	g.mu.Unlock()
	g.logger.Warn("admissions paused", "reason", why, "cooldown", d)
}

// RunSampler periodically samples host resources and asserts the pause bit
// when a threshold is crossed. Blocks until ctx ends; callers run it in
// its own goroutine.
func (g *Governor) RunSampler(ctx context.Context) {
	if g.sampler == nil || g.cfg.SampleInterval.Std() <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.SampleInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkPressure()
		}
	}
}

func (g *Governor) checkPressure() {
	cpu, mem, err := g.sampler.Sample()
	if err != nil {
		g.logger.Debug("resource sample failed", "error", err)
		return
	}
	switch {
	case g.cfg.CPUThresholdPct > 0 && cpu >= g.cfg.CPUThresholdPct:
		g.pauseFor(g.cfg.PauseCooldown.Std(), fmt.Sprintf("cpu %.0f%% >= %.0f%%", cpu, g.cfg.CPUThresholdPct))
	case g.cfg.MemThresholdPct > 0 && mem >= g.cfg.MemThresholdPct:
		g.pauseFor(g.cfg.PauseCooldown.Std(), fmt.Sprintf("mem %.0f%% >= %.0f%%", mem, g.cfg.MemThresholdPct))
	}
}
