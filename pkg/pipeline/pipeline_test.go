package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/classify"
	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/crm"
	"github.com/Structa-Labs/leadforge/core/pkg/enrich"
	"github.com/Structa-Labs/leadforge/core/pkg/export"
	"github.com/Structa-Labs/leadforge/core/pkg/fetch"
	"github.com/Structa-Labs/leadforge/core/pkg/governor"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
	"github.com/Structa-Labs/leadforge/core/pkg/sources"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// rssFeed renders a feed whose items were published recently enough to
// pass the recency check.
func rssFeed(items ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel>`)
	pub := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC1123Z)
	for i, item := range items {
		fmt.Fprintf(&b, `<item><title>%s</title><guid>item-%d</guid><link>/projects/%d</link><description>%s</description><pubDate>%s</pubDate></item>`,
			item, i, i, item, pub)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func testClassifyTables() config.ClassifyConfig {
	cfg := config.Default().Classify
	cfg.SectorKeywords = map[leads.MarketSector][]config.WeightedKeyword{
		leads.SectorCommercial: {
			{Keyword: "office", Weight: 2},
			{Keyword: "building", Weight: 1},
		},
		leads.SectorHealthcare: {
			{Keyword: "hospital", Weight: 3},
		},
	}
	cfg.SectorPriority = []leads.MarketSector{leads.SectorHealthcare, leads.SectorCommercial}
	cfg.StageKeywords = map[leads.ProjectStage][]string{
		leads.StagePlanning: {"construction", "planning"},
	}
	cfg.TargetRegions = []config.Region{{City: "Seattle", State: "WA"}, {State: "WA"}}
	return cfg
}

type stubCRM struct{}

func (stubCRM) FindCompany(context.Context, string, string) (*crm.Company, error) { return nil, nil }
func (stubCRM) CreateCompany(context.Context, *crm.Company) (string, error)       { return "co-1", nil }
func (stubCRM) FindContactByEmail(context.Context, string) (*crm.Contact, error)  { return nil, nil }
func (stubCRM) FindContactByName(context.Context, string, string) (*crm.Contact, error) {
	return nil, nil
}
func (stubCRM) CreateContact(context.Context, *crm.Contact) (string, error) { return "ct-1", nil }
func (stubCRM) AssociateContact(context.Context, string, string) error      { return nil }
func (stubCRM) FindDealByLeadID(context.Context, string) (*crm.Deal, error) { return nil, nil }
func (stubCRM) CreateDeal(context.Context, *crm.Deal) (string, error)       { return "deal-1", nil }
func (stubCRM) UpdateDeal(context.Context, *crm.Deal) error                 { return nil }
func (stubCRM) AttachNote(context.Context, string, crm.Note) error          { return nil }

type stubSampler struct{ cpu, mem float64 }

func (s stubSampler) Sample() (float64, float64, error) { return s.cpu, s.mem, nil }

type harness struct {
	pipeline *Pipeline
	store    *store.Store
	registry *sources.Registry
}

func newHarness(t *testing.T, cfg config.Config, src leads.Source, doer fetch.Doer, sampler governor.ResourceSampler, ops []enrich.Operation) *harness {
	t.Helper()
	cfg.Store.Path = filepath.Join(t.TempDir(), "leads.db")
	cfg.Classify = testClassifyTables()

	st, err := store.Open(cfg.Store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := sources.NewRegistry([]leads.Source{src})
	p := New(cfg, Deps{
		Registry:   registry,
		Governor:   governor.New(cfg.Governor, nil, sampler, nil),
		Fetcher:    fetch.New(cfg.Fetch, doer, secrets.Static{}, nil),
		Classifier: classify.New(cfg.Classify),
		Enricher:   enrich.New(cfg.Enrich, ops, enrich.NewMemoryCache(64), nil),
		Store:      st,
		Exporter:   export.New(stubCRM{}, st, cfg.Export, nil),
	})
	return &harness{pipeline: p, store: st, registry: registry}
}

func feedSource(url string) leads.Source {
	return leads.Source{
		ID:          "city-news",
		Name:        "City News",
		URL:         url,
		Type:        leads.SourceFeed,
		Active:      true,
		TrustWeight: 1,
	}
}

func TestRunOnceCarriesFeedThroughStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(
			"New Office Building Construction in Seattle, WA",
			"Office Construction Project in Austin, TX",
		))
	}))
	defer srv.Close()

	h := newHarness(t, *config.Default(), feedSource(srv.URL), srv.Client(), nil, nil)
	ctx := context.Background()

	report, err := h.pipeline.RunOnce(ctx, "city-news")
	require.NoError(t, err)
	require.Equal(t, 1, report.SourcesFetched)
	require.Equal(t, 2, report.Candidates)
	require.Equal(t, 1, report.Rejected)
	require.Equal(t, 1, report.Stored)

	stored, err := h.store.ListByStatus(ctx, leads.StatusNew, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	l := stored[0]
	require.Equal(t, leads.SectorCommercial, l.MarketSector)
	require.Equal(t, "Seattle", l.Location.City)
	require.Greater(t, l.QualityScore, 0)
	require.NotEmpty(t, l.Priority)

	status := h.pipeline.Status()
	require.Equal(t, 1, status.Rejections["city-news"]["out-of-region"])
	require.Equal(t, 1, status.Counters.Inserted)
}

func TestRunOnceUnknownSource(t *testing.T) {
	h := newHarness(t, *config.Default(), feedSource("http://unused.invalid"), http.DefaultClient, nil, nil)
	_, err := h.pipeline.RunOnce(context.Background(), "no-such-source")
	require.ErrorContains(t, err, "no-such-source")
}

func TestStartProcessesAndShutsDownClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed("New Office Building Construction in Seattle, WA"))
	}))
	defer srv.Close()

	cfg := *config.Default()
	cfg.Pipeline.TickInterval = config.Duration(20 * time.Millisecond)
	cfg.Pipeline.ShutdownDeadline = config.Duration(2 * time.Second)

	h := newHarness(t, cfg, feedSource(srv.URL), srv.Client(), nil, nil)
	require.NoError(t, h.pipeline.Start(context.Background()))
	require.Error(t, h.pipeline.Start(context.Background()), "second start must be rejected")

	require.Eventually(t, func() bool {
		return h.pipeline.Status().Counters.Inserted >= 1
	}, 3*time.Second, 10*time.Millisecond)

	report := h.pipeline.Shutdown(context.Background())
	require.True(t, report.Clean)
	require.Zero(t, report.Abandoned)
	require.GreaterOrEqual(t, report.Stored, 1)
	require.GreaterOrEqual(t, report.LeadsByStatus[leads.StatusNew], 1)
}

// Host pressure asserts the pause bit; admissions stop while in-flight
// work runs to completion.
func TestResourcePressurePausesAdmissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed("New Office Building Construction in Seattle, WA"))
	}))
	defer srv.Close()

	cfg := *config.Default()
	cfg.Pipeline.TickInterval = config.Duration(20 * time.Millisecond)
	cfg.Governor.SampleInterval = config.Duration(5 * time.Millisecond)
	cfg.Governor.CPUThresholdPct = 85
	cfg.Governor.PauseCooldown = config.Duration(time.Minute)

	src := feedSource(srv.URL)
	src.MinInterval = 0 // refetch every tick so the pause is observable

	h := newHarness(t, cfg, src, srv.Client(), stubSampler{cpu: 96}, nil)
	require.NoError(t, h.pipeline.Start(context.Background()))
	defer h.pipeline.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return h.pipeline.Status().Paused
	}, 2*time.Second, 5*time.Millisecond)

	// Ticks while paused admit nothing new.
	before := h.pipeline.Status().Counters.FetchesSucceeded
	time.Sleep(150 * time.Millisecond)
	after := h.pipeline.Status().Counters.FetchesSucceeded
	require.LessOrEqual(t, after, before+1, "admissions must stop under pressure")
}

type slowProvider struct{ delay time.Duration }

func (p slowProvider) Lookup(ctx context.Context, key string) (*leads.Lead, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
	}
	return nil, enrich.ErrNotFound
}

// A shutdown that cannot drain within the deadline reports what it left
// behind instead of hanging.
func TestShutdownReportsAbandonedWork(t *testing.T) {
	items := make([]string, 8)
	for i := range items {
		items[i] = fmt.Sprintf("Office Building Construction Phase %d in Seattle, WA", i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(items...))
	}))
	defer srv.Close()

	cfg := *config.Default()
	cfg.Pipeline.TickInterval = config.Duration(20 * time.Millisecond)
	cfg.Pipeline.EnrichWorkers = 1
	cfg.Pipeline.ShutdownDeadline = config.Duration(50 * time.Millisecond)

	ops := []enrich.Operation{{
		Op:       enrich.OpCompanyLookup,
		Key:      func(l *leads.Lead) string { return l.LeadID },
		Provider: slowProvider{delay: 300 * time.Millisecond},
	}}
	h := newHarness(t, cfg, feedSource(srv.URL), srv.Client(), nil, ops)
	require.NoError(t, h.pipeline.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := h.pipeline.Status()
		return s.QueueDepths["enrich"] >= 2
	}, 3*time.Second, 10*time.Millisecond)

	report := h.pipeline.Shutdown(context.Background())
	require.False(t, report.Clean)
	require.GreaterOrEqual(t, report.Abandoned, 1)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	h := newHarness(t, *config.Default(), feedSource("http://unused.invalid"), http.DefaultClient, nil, nil)
	h.pipeline.Pause()
	require.True(t, h.pipeline.Status().Paused)
	h.pipeline.Resume()
	require.False(t, h.pipeline.Status().Paused)
}

func TestStatusReportsSourceHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t, *config.Default(), feedSource(srv.URL), srv.Client(), nil, nil)
	_, err := h.pipeline.RunOnce(context.Background(), "city-news")
	require.NoError(t, err) // per-source failures are reported, not returned

	status := h.pipeline.Status()
	require.Len(t, status.Sources, 1)
	require.Equal(t, "city-news", status.Sources[0].ID)
	require.False(t, status.Sources[0].Healthy)
	require.Equal(t, 1, status.Sources[0].ConsecutiveFailures)
	require.NotEmpty(t, status.Sources[0].LastError)
}
