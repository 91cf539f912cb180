package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, 3, cfg.Governor.MaxConcurrentSources)
	require.Equal(t, 5, cfg.Governor.MaxWorkers)
	require.Equal(t, time.Hour, cfg.Governor.PerSourceMinInterval.Std())
	require.Equal(t, 5*time.Minute, cfg.Governor.PauseCooldown.Std())
	require.Equal(t, 0.7, cfg.Classify.ConfidenceThreshold)
	require.Equal(t, 14*24*time.Hour, cfg.Classify.MaxAge.Std())
	require.Equal(t, 0.85, cfg.Store.DedupThreshold)
	require.Equal(t, 25, cfg.Export.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Pipeline.ShutdownDeadline.Std())
	require.NoError(t, cfg.Validate())
}

func TestParseOverlaysDefaults(t *testing.T) {
	raw := []byte(`
governor:
  max_concurrent_sources: 7
fetch:
  timeout: 10s
sources:
  - id: city-permits
    name: City Permit Feed
    url: https://permits.example.gov/rss
    type: feed
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Governor.MaxConcurrentSources)
	require.Equal(t, 10*time.Second, cfg.Fetch.Timeout.Std())
	// Untouched fields keep their defaults.
	require.Equal(t, 5, cfg.Governor.MaxWorkers)
	require.Len(t, cfg.Sources, 1)

	src := cfg.Sources[0].ToSource(cfg.Governor)
	require.True(t, src.Active)
	require.Equal(t, time.Hour, src.MinInterval)
	require.Equal(t, 1.0, src.TrustWeight)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("fetch:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidateSourceErrors(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceSpec{{ID: "a", URL: "https://x.example.com", Type: "carrier-pigeon"}}
	require.ErrorContains(t, cfg.Validate(), "unknown type")

	cfg.Sources = []SourceSpec{
		{ID: "a", URL: "https://x.example.com", Type: leads.SourceFeed},
		{ID: "a", URL: "https://y.example.com", Type: leads.SourceFeed},
	}
	require.ErrorContains(t, cfg.Validate(), "duplicate id")

	cfg.Sources = []SourceSpec{{ID: "api", URL: "https://x.example.com", Type: leads.SourceJSONAPI}}
	require.ErrorContains(t, cfg.Validate(), "credential_ref")
}

func TestValidateSectorPriorityCoverage(t *testing.T) {
	cfg := Default()
	cfg.Classify.SectorKeywords = map[leads.MarketSector][]WeightedKeyword{
		leads.SectorHealthcare: {{Keyword: "hospital", Weight: 2}},
		leads.SectorCommercial: {{Keyword: "office", Weight: 1}},
	}
	cfg.Classify.SectorPriority = []leads.MarketSector{leads.SectorHealthcare}
	require.ErrorContains(t, cfg.Validate(), "sector_priority")

	cfg.Classify.SectorPriority = []leads.MarketSector{leads.SectorHealthcare, leads.SectorCommercial}
	require.NoError(t, cfg.Validate())
}

func TestValidateExportWindow(t *testing.T) {
	cfg := Default()
	cfg.Export.Window = ExportWindow{Start: "18:00"}
	require.Error(t, cfg.Validate())

	cfg.Export.Window = ExportWindow{Start: "18:00", End: "26:00"}
	require.Error(t, cfg.Validate())

	cfg.Export.Window = ExportWindow{Start: "18:00", End: "06:00"}
	require.NoError(t, cfg.Validate())
}
