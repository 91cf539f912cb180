// Package pipeline is the orchestrator: it owns the stage queues and
// worker pools that carry a source's payload through extract, classify,
// enrich, store, and export, under the governor's admission control.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/classify"
	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/enrich"
	"github.com/Structa-Labs/leadforge/core/pkg/export"
	"github.com/Structa-Labs/leadforge/core/pkg/extract"
	"github.com/Structa-Labs/leadforge/core/pkg/fetch"
	"github.com/Structa-Labs/leadforge/core/pkg/governor"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/observability"
	"github.com/Structa-Labs/leadforge/core/pkg/sources"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// maxJobAttempts bounds how many times one FetchJob re-enters the fetch
// queue on transient failure before it is dropped for the cycle. The
// fetch client retries inside one attempt; this is the outer loop.
const maxJobAttempts = 3

// Deps are the injected collaborators. Tests substitute any of them.
type Deps struct {
	Registry   *sources.Registry
	Governor   *governor.Governor
	Fetcher    *fetch.Fetcher
	Classifier *classify.Classifier
	Enricher   *enrich.Enricher
	Store      *store.Store
	Exporter   *export.Exporter
	Logger     *slog.Logger
	// Observability is optional; nil falls back to a disabled provider.
	Observability *observability.Provider
}

type fetchTask struct {
	job     leads.FetchJob
	release func()
}

type extractTask struct {
	source  leads.Source
	payload *leads.RawPayload
}

type classifyTask struct {
	source    leads.Source
	candidate leads.CandidateLead
}

// Pipeline wires the stages together and owns their lifecycles.
type Pipeline struct {
	cfg        config.Config
	registry   *sources.Registry
	gov        *governor.Governor
	fetcher    *fetch.Fetcher
	classifier *classify.Classifier
	enricher   *enrich.Enricher
	st         *store.Store
	exporter   *export.Exporter
	logger     *slog.Logger
	obs        *observability.Provider

	fetchQ    chan fetchTask
	extractQ  chan extractTask
	classifyQ chan classifyTask
	enrichQ   chan *leads.Lead
	storeQ    chan *leads.Lead

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	tickStop  chan struct{}
	allDone   chan struct{}
	retryWG   sync.WaitGroup // outstanding requeue timers; drained before fetchQ closes

	stats *runStats
	now   func() time.Time
}

// New builds the pipeline from config and collaborators.
func New(cfg config.Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := deps.Observability
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	qs := cfg.Pipeline.QueueSize
	if qs <= 0 {
		qs = 64
	}
	return &Pipeline{
		cfg:        cfg,
		registry:   deps.Registry,
		gov:        deps.Governor,
		fetcher:    deps.Fetcher,
		classifier: deps.Classifier,
		enricher:   deps.Enricher,
		st:         deps.Store,
		exporter:   deps.Exporter,
		logger:     logger.With("component", "pipeline"),
		obs:        obs,
		fetchQ:     make(chan fetchTask, qs),
		extractQ:   make(chan extractTask, qs),
		classifyQ:  make(chan classifyTask, qs),
		enrichQ:    make(chan *leads.Lead, qs),
		storeQ:     make(chan *leads.Lead, qs),
		stats:      newRunStats(),
		now:        time.Now,
	}
}

// Start restores source state, then launches the tick loop, the stage
// worker pools, the single storage writer, the export loop, and the
// resource sampler. Queues close in stage order on shutdown, so each
// pool drains its input before the next one stops.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.running = true
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.tickStop = make(chan struct{})
	p.allDone = make(chan struct{})
	p.mu.Unlock()

	p.restoreSourceStates(p.runCtx)

	go p.gov.RunSampler(p.runCtx)

	var fetchWG, extractWG, classifyWG, enrichWG sync.WaitGroup
	spawn := func(wg *sync.WaitGroup, n int, fn func()) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn()
			}()
		}
	}
	spawn(&fetchWG, p.cfg.Governor.MaxConcurrentSources, p.fetchWorker)
	spawn(&extractWG, workers(p.cfg.Pipeline.ExtractWorkers), p.extractWorker)
	spawn(&classifyWG, workers(p.cfg.Pipeline.ClassifyWorkers), p.classifyWorker)
	spawn(&enrichWG, workers(p.cfg.Pipeline.EnrichWorkers), p.enrichWorker)

	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		p.storeLoop()
	}()

	go p.exportLoop()

	go func() {
		p.tickLoop()
		// Requeue timers are the only other fetchQ senders; they abort
		// on tickStop, so this wait is short.
		p.retryWG.Wait()
		close(p.fetchQ)
		fetchWG.Wait()
		close(p.extractQ)
		extractWG.Wait()
		close(p.classifyQ)
		classifyWG.Wait()
		close(p.enrichQ)
		enrichWG.Wait()
		close(p.storeQ)
		<-storeDone
		close(p.allDone)
	}()

	p.logger.Info("pipeline started",
		"sources", len(p.registry.All()),
		"tick_interval", p.cfg.Pipeline.TickInterval.Std())
	return nil
}

func workers(n int) int {
	if n <= 0 {
		return 2
	}
	return n
}

func (p *Pipeline) restoreSourceStates(ctx context.Context) {
	states, err := p.st.LoadSourceStates(ctx)
	if err != nil {
		p.logger.Warn("source state restore failed", "error", err)
		return
	}
	for id, st := range states {
		p.registry.RestoreState(id, st)
	}
}

// tickLoop schedules due sources. The first pass runs immediately.
func (p *Pipeline) tickLoop() {
	interval := p.cfg.Pipeline.TickInterval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.scheduleDue()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-p.tickStop:
			return
		case <-ticker.C:
			p.scheduleDue()
		}
	}
}

func (p *Pipeline) scheduleDue() {
	if p.gov.IsPaused() {
		p.logger.Debug("tick skipped, governor paused")
		return
	}
	now := p.now().UTC()
	for _, src := range p.registry.ListDue(now) {
		p.admitAndEnqueue(src, leads.FetchJob{SourceID: src.ID, ScheduledAt: now, Attempt: 1})
	}
}

// admitAndEnqueue asks the governor for a fetch slot and puts the job on
// the fetch queue. Deferred sources simply wait for a later tick.
func (p *Pipeline) admitAndEnqueue(src leads.Source, job leads.FetchJob) {
	decision := p.gov.TryAdmit(p.runCtx, src)
	switch decision.Admission {
	case governor.Admitted:
		select {
		case p.fetchQ <- fetchTask{job: job, release: decision.Release}:
		case <-p.runCtx.Done():
			decision.Release()
		case <-p.tickStop:
			decision.Release()
		}
	default:
		p.stats.deferred(src.ID)
		p.logger.Debug("fetch deferred", "source", src.ID, "reason", decision.Reason)
	}
}

// fetchWorker drains the fetch queue. Transient failures re-enter the
// queue with backoff up to maxJobAttempts; permanent failures are
// recorded against the source and dropped.
func (p *Pipeline) fetchWorker() {
	for task := range p.fetchQ {
		p.runFetch(task)
	}
}

func (p *Pipeline) runFetch(task fetchTask) {
	defer task.release()

	src, ok := p.registry.Get(task.job.SourceID)
	if !ok || !src.Active {
		return
	}
	now := p.now().UTC()

	ctx, finish := p.obs.TrackStage(p.runCtx, "fetch",
		observability.FetchOperation(src.ID, string(src.Type), task.job.Attempt)...)
	payload, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		var ferr *fetch.Error
		if errors.As(err, &ferr) && ferr.Kind == fetch.KindNotModified {
			finish(nil) // unchanged feed, not a failure
			p.registry.RecordSuccess(src.ID, now)
			p.persistSourceState(src.ID)
			p.stats.fetchOK(src.ID)
			return
		}
		finish(err)
		p.registry.RecordFailure(src.ID, now, err.Error())
		p.persistSourceState(src.ID)
		p.stats.fetchFail(src.ID)

		if errors.As(err, &ferr) && ferr.Transient() && task.job.Attempt < maxJobAttempts {
			p.requeue(task.job)
			return
		}
		p.logger.Warn("fetch failed", "source", src.ID, "attempt", task.job.Attempt, "error", err)
		return
	}
	finish(nil)

	p.registry.RecordSuccess(src.ID, now)
	p.persistSourceState(src.ID)
	p.stats.fetchOK(src.ID)

	select {
	case p.extractQ <- extractTask{source: src, payload: payload}:
	case <-p.runCtx.Done():
	}
}

// requeue re-admits a transiently failed job after a backoff, keeping
// per-source issue order intact because a source holds at most one live
// job per cycle.
func (p *Pipeline) requeue(job leads.FetchJob) {
	job.Attempt++
	backoff := p.cfg.Fetch.BackoffBase.Std() * time.Duration(1<<(job.Attempt-1))
	if max := p.cfg.Fetch.BackoffMax.Std(); max > 0 && backoff > max {
		backoff = max
	}
	p.logger.Debug("fetch requeued", "source", job.SourceID, "attempt", job.Attempt, "backoff", backoff)

	p.retryWG.Add(1)
	go func() {
		defer p.retryWG.Done()
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.runCtx.Done():
			return
		case <-p.tickStop:
			return
		}
		src, ok := p.registry.Get(job.SourceID)
		if !ok || !src.Active {
			return
		}
		p.admitAndEnqueue(src, job)
	}()
}

func (p *Pipeline) persistSourceState(sourceID string) {
	st, ok := p.registry.GetState(sourceID)
	if !ok {
		return
	}
	if err := p.st.SaveSourceState(p.runCtx, sourceID, st); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("source state persist failed", "source", sourceID, "error", err)
	}
}

func (p *Pipeline) extractWorker() {
	for task := range p.extractQ {
		cands, err := extract.Extract(task.source, task.payload)
		if err != nil {
			p.stats.parseFail(task.source.ID)
			p.logger.Warn("extract failed",
				"source", task.source.ID,
				"sample", truncate(task.payload.Body, 120),
				"error", err)
			continue
		}
		p.stats.extracted(task.source.ID, len(cands))
		for _, cand := range cands {
			select {
			case p.classifyQ <- classifyTask{source: task.source, candidate: cand}:
			case <-p.runCtx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) classifyWorker() {
	for task := range p.classifyQ {
		res := p.classifier.Classify(task.candidate, task.source)
		if res.Rejected {
			p.stats.rejected(task.source.ID, res.Reason)
			p.obs.RecordRejection(p.runCtx, task.source.ID, string(res.Reason))
			p.logger.Debug("candidate rejected",
				"source", task.source.ID, "reason", res.Reason, "detail", res.Detail)
			continue
		}
		res.Lead.Notes = res.Rationale
		select {
		case p.enrichQ <- res.Lead:
		case <-p.runCtx.Done():
			return
		}
	}
}

func (p *Pipeline) enrichWorker() {
	for l := range p.enrichQ {
		release, err := p.gov.AcquireWorker(p.runCtx)
		if err != nil {
			return
		}
		p.enricher.Enrich(p.runCtx, l)
		ScoreLead(l)
		release()

		select {
		case p.storeQ <- l:
		case <-p.runCtx.Done():
			return
		}
	}
}

// storeLoop is the single storage writer of the pipeline; Upsert holds
// the per-canonical lock, so dedup stays correct even for the retry
// goroutines that bypass the queue.
func (p *Pipeline) storeLoop() {
	for l := range p.storeQ {
		res, err := p.st.Upsert(p.runCtx, l)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, store.ErrClosed) {
				p.logger.Warn("store upsert failed", "lead_id", l.LeadID, "error", err)
			}
			continue
		}
		p.stats.stored(res.Outcome)
		p.obs.RecordLead(p.runCtx, string(res.Outcome),
			observability.LeadOperation(l.LeadID, string(l.MarketSector), string(l.ProjectStage))...)
	}
}

func (p *Pipeline) exportLoop() {
	interval := p.cfg.Export.Interval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-p.tickStop:
			return
		case <-ticker.C:
			report, err := p.exporter.ExportBatch(p.runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("export batch failed", "error", err)
				continue
			}
			p.stats.exportReport(report)
			p.obs.RecordExports(p.runCtx, "exported", report.Exported)
			p.obs.RecordExports(p.runCtx, "rate-limited", report.RateLimited)
			p.obs.RecordExports(p.runCtx, "rejected", report.Rejected)
		}
	}
}

// RunOnce processes one source (or every active source when sourceID is
// empty) synchronously, end to end through the store. It is the
// operator entry point and bypasses the governor's pacing.
func (p *Pipeline) RunOnce(ctx context.Context, sourceID string) (OnceReport, error) {
	var report OnceReport
	var targets []leads.Source
	if sourceID != "" {
		src, ok := p.registry.Get(sourceID)
		if !ok {
			return report, fmt.Errorf("unknown source %q", sourceID)
		}
		targets = append(targets, src)
	} else {
		for _, src := range p.registry.All() {
			if src.Active {
				targets = append(targets, src)
			}
		}
	}

	for _, src := range targets {
		report.SourcesFetched++
		if err := p.processSource(ctx, src, &report); err != nil {
			report.SourceErrors++
			p.logger.Warn("run-once source failed", "source", src.ID, "error", err)
		}
	}
	return report, nil
}

func (p *Pipeline) processSource(ctx context.Context, src leads.Source, report *OnceReport) error {
	now := p.now().UTC()
	payload, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		var ferr *fetch.Error
		if errors.As(err, &ferr) && ferr.Kind == fetch.KindNotModified {
			p.registry.RecordSuccess(src.ID, now)
			p.persistSourceStateCtx(ctx, src.ID)
			return nil
		}
		p.registry.RecordFailure(src.ID, now, err.Error())
		p.persistSourceStateCtx(ctx, src.ID)
		return err
	}
	p.registry.RecordSuccess(src.ID, now)
	p.persistSourceStateCtx(ctx, src.ID)

	cands, err := extract.Extract(src, payload)
	if err != nil {
		p.stats.parseFail(src.ID)
		return err
	}
	report.Candidates += len(cands)

	for _, cand := range cands {
		res := p.classifier.Classify(cand, src)
		if res.Rejected {
			p.stats.rejected(src.ID, res.Reason)
			report.Rejected++
			continue
		}
		res.Lead.Notes = res.Rationale
		p.enricher.Enrich(ctx, res.Lead)
		ScoreLead(res.Lead)

		upsert, err := p.st.Upsert(ctx, res.Lead)
		if err != nil {
			return err
		}
		p.stats.stored(upsert.Outcome)
		switch upsert.Outcome {
		case store.OutcomeInserted:
			report.Stored++
		case store.OutcomeMerged:
			report.Merged++
		case store.OutcomeDedupRecord:
			report.Deduplicated++
		}
	}
	return nil
}

func (p *Pipeline) persistSourceStateCtx(ctx context.Context, sourceID string) {
	st, ok := p.registry.GetState(sourceID)
	if !ok {
		return
	}
	if err := p.st.SaveSourceState(ctx, sourceID, st); err != nil {
		p.logger.Warn("source state persist failed", "source", sourceID, "error", err)
	}
}

// ExportNow runs one export batch outside the schedule.
func (p *Pipeline) ExportNow(ctx context.Context) (export.BatchReport, error) {
	report, err := p.exporter.ExportBatch(ctx)
	if err == nil {
		p.stats.exportReport(report)
	}
	return report, err
}

// Pause suspends admissions until Resume.
func (p *Pipeline) Pause() { p.gov.Pause() }

// Resume lifts a manual pause.
func (p *Pipeline) Resume() { p.gov.Resume() }

// Shutdown stops admissions, lets in-flight work drain within the
// configured deadline, and reports what completed versus what was
// abandoned.
func (p *Pipeline) Shutdown(ctx context.Context) ShutdownReport {
	started := p.now()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ShutdownReport{Clean: true}
	}
	p.running = false
	close(p.tickStop)
	p.mu.Unlock()

	deadline := p.cfg.Pipeline.ShutdownDeadline.Std()
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	clean := false
	select {
	case <-p.allDone:
		clean = true
	case <-timer.C:
	case <-ctx.Done():
	}

	abandoned := 0
	if !clean {
		abandoned = len(p.fetchQ) + len(p.extractQ) + len(p.classifyQ) + len(p.enrichQ) + len(p.storeQ)
		p.logger.Warn("shutdown deadline exceeded, abandoning queued work", "abandoned", abandoned)
	}
	p.runCancel()
	if !clean {
		// Give the cancellation a moment to unwind the workers.
		select {
		case <-p.allDone:
		case <-time.After(2 * time.Second):
		}
	}

	report := p.stats.shutdownReport()
	report.Clean = clean
	report.Abandoned = abandoned
	report.Elapsed = p.now().Sub(started)
	if counts, err := p.st.CountByStatus(context.Background()); err == nil {
		report.LeadsByStatus = counts
	}
	p.logger.Info("pipeline stopped",
		"clean", clean, "abandoned", abandoned,
		"stored", report.Stored, "elapsed", report.Elapsed)
	return report
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
