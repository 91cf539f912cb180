package pipeline

import (
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/classify"
	"github.com/Structa-Labs/leadforge/core/pkg/export"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// OnceReport summarizes a synchronous RunOnce pass.
type OnceReport struct {
	SourcesFetched int `json:"sources_fetched"`
	SourceErrors   int `json:"source_errors"`
	Candidates     int `json:"candidates"`
	Rejected       int `json:"rejected"`
	Stored         int `json:"stored"`
	Merged         int `json:"merged"`
	Deduplicated   int `json:"deduplicated"`
}

// SourceStatus is one source's health as the operator sees it.
type SourceStatus struct {
	ID                  string    `json:"id"`
	Active              bool      `json:"active"`
	Healthy             bool      `json:"healthy"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Breaker             string    `json:"breaker"`
}

// StatusReport is the live snapshot returned by Status.
type StatusReport struct {
	Running         bool                      `json:"running"`
	Paused          bool                      `json:"paused"`
	InFlightFetches int                       `json:"in_flight_fetches"`
	QueueDepths     map[string]int            `json:"queue_depths"`
	Sources         []SourceStatus            `json:"sources"`
	Rejections      map[string]map[string]int `json:"rejections,omitempty"`
	Counters        Counters                  `json:"counters"`
}

// Counters are the monotonic totals since Start.
type Counters struct {
	FetchesSucceeded int `json:"fetches_succeeded"`
	FetchesFailed    int `json:"fetches_failed"`
	FetchesDeferred  int `json:"fetches_deferred"`
	ParseFailures    int `json:"parse_failures"`
	Candidates       int `json:"candidates"`
	Rejected         int `json:"rejected"`
	Inserted         int `json:"inserted"`
	Merged           int `json:"merged"`
	Deduplicated     int `json:"deduplicated"`
	Exported         int `json:"exported"`
	ExportFailures   int `json:"export_failures"`
}

// ShutdownReport tallies what a Shutdown finished versus left behind.
type ShutdownReport struct {
	Clean         bool                 `json:"clean"`
	Abandoned     int                  `json:"abandoned"`
	Elapsed       time.Duration        `json:"elapsed"`
	Fetches       int                  `json:"fetches"`
	Stored        int                  `json:"stored"`
	Exported      int                  `json:"exported"`
	LeadsByStatus map[leads.Status]int `json:"leads_by_status,omitempty"`
}

// runStats is the pipeline's counter set. Everything in it is touched
// from several worker goroutines, so access goes through the mutex and
// readers get copies.
type runStats struct {
	mu         sync.Mutex
	counters   Counters
	rejections map[string]map[string]int // source -> reason -> count
}

func newRunStats() *runStats {
	return &runStats{rejections: make(map[string]map[string]int)}
}

func (r *runStats) fetchOK(string) {
	r.mu.Lock()
	r.counters.FetchesSucceeded++
	r.mu.Unlock()
}

func (r *runStats) fetchFail(string) {
	r.mu.Lock()
	r.counters.FetchesFailed++
	r.mu.Unlock()
}

func (r *runStats) deferred(string) {
	r.mu.Lock()
	r.counters.FetchesDeferred++
	r.mu.Unlock()
}

func (r *runStats) parseFail(string) {
	r.mu.Lock()
	r.counters.ParseFailures++
	r.mu.Unlock()
}

func (r *runStats) extracted(_ string, n int) {
	r.mu.Lock()
	r.counters.Candidates += n
	r.mu.Unlock()
}

func (r *runStats) rejected(sourceID string, reason classify.RejectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.Rejected++
	byReason := r.rejections[sourceID]
	if byReason == nil {
		byReason = make(map[string]int)
		r.rejections[sourceID] = byReason
	}
	byReason[string(reason)]++
}

func (r *runStats) stored(outcome store.UpsertOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case store.OutcomeInserted:
		r.counters.Inserted++
	case store.OutcomeMerged:
		r.counters.Merged++
	case store.OutcomeDedupRecord:
		r.counters.Deduplicated++
	}
}

func (r *runStats) exportReport(report export.BatchReport) {
	r.mu.Lock()
	r.counters.Exported += report.Exported
	r.counters.ExportFailures += report.RateLimited + report.Exhausted
	r.mu.Unlock()
}

func (r *runStats) snapshot() (Counters, map[string]map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rejections := make(map[string]map[string]int, len(r.rejections))
	for src, byReason := range r.rejections {
		inner := make(map[string]int, len(byReason))
		for reason, n := range byReason {
			inner[reason] = n
		}
		rejections[src] = inner
	}
	return r.counters, rejections
}

func (r *runStats) shutdownReport() ShutdownReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ShutdownReport{
		Fetches:  r.counters.FetchesSucceeded,
		Stored:   r.counters.Inserted + r.counters.Merged + r.counters.Deduplicated,
		Exported: r.counters.Exported,
	}
}

// Status reports the live pipeline state: queue depths, per-source
// health, rejection tallies, and the running counters.
func (p *Pipeline) Status() StatusReport {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	counters, rejections := p.stats.snapshot()
	report := StatusReport{
		Running:         running,
		Paused:          p.gov.IsPaused(),
		InFlightFetches: p.gov.InFlight(),
		QueueDepths: map[string]int{
			"fetch":    len(p.fetchQ),
			"extract":  len(p.extractQ),
			"classify": len(p.classifyQ),
			"enrich":   len(p.enrichQ),
			"store":    len(p.storeQ),
		},
		Rejections: rejections,
		Counters:   counters,
	}

	for _, src := range p.registry.All() {
		ss := SourceStatus{
			ID:      src.ID,
			Active:  src.Active,
			Breaker: p.fetcher.BreakerState(src.ID),
		}
		if st, ok := p.registry.GetState(src.ID); ok {
			ss.LastSuccess = st.LastSuccessAt
			ss.ConsecutiveFailures = st.ConsecutiveFailures
			ss.LastError = st.LastError
			ss.Healthy = st.ConsecutiveFailures == 0
		}
		report.Sources = append(report.Sources, ss)
	}
	return report
}
