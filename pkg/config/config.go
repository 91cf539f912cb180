// Package config defines the structured configuration the pipeline core is
// constructed from. The core never reads files itself; the operator shell
// calls Load and hands the validated Config to the orchestrator.
package config

import (
	"fmt"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// Duration wraps time.Duration with YAML support for strings like "90s"
// or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration object.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Governor GovernorConfig `yaml:"governor"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Classify ClassifyConfig `yaml:"classify"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	Store    StoreConfig    `yaml:"store"`
	Export   ExportConfig   `yaml:"export"`
	Sources  []SourceSpec   `yaml:"sources"`
}

// PipelineConfig sizes the orchestrator's queues and worker pools.
type PipelineConfig struct {
	TickInterval     Duration `yaml:"tick_interval"`     // source scheduling period
	QueueSize        int      `yaml:"queue_size"`        // bound on every inter-stage queue
	ExtractWorkers   int      `yaml:"extract_workers"`   //
	ClassifyWorkers  int      `yaml:"classify_workers"`  //
	EnrichWorkers    int      `yaml:"enrich_workers"`    //
	ShutdownDeadline Duration `yaml:"shutdown_deadline"` // grace for in-flight work
}

// GovernorConfig bounds concurrency and pacing.
type GovernorConfig struct {
	MaxConcurrentSources int      `yaml:"max_concurrent_sources"`
	MaxWorkers           int      `yaml:"max_workers"`
	PerSourceMinInterval Duration `yaml:"per_source_min_interval"`
	PauseCooldown        Duration `yaml:"pause_cooldown"`
	CPUThresholdPct      float64  `yaml:"cpu_threshold_pct"`
	MemThresholdPct      float64  `yaml:"mem_threshold_pct"`
	SampleInterval       Duration `yaml:"sample_interval"`
	// RedisAddr, when set, moves per-source token buckets to redis so
	// several pipeline replicas share one pacing budget.
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`
}

// FetchConfig parameterizes the fetcher's transport and retry policy.
type FetchConfig struct {
	Timeout          Duration `yaml:"timeout"`
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffMax       Duration `yaml:"backoff_max"`
	BreakerThreshold int      `yaml:"breaker_threshold"` // consecutive failures before a source trips
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
	UserAgent        string   `yaml:"user_agent"`
}

// WeightedKeyword scores a sector vocabulary entry.
type WeightedKeyword struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// Region is a target market region. State-only entries match any city in
// the state.
type Region struct {
	City  string `yaml:"city,omitempty"`
	State string `yaml:"state"`
}

// ClassifyConfig holds the keyword tables and thresholds of the
// classifier. Classification is a pure function of these tables.
type ClassifyConfig struct {
	SectorKeywords      map[leads.MarketSector][]WeightedKeyword `yaml:"sector_keywords"`
	SectorPriority      []leads.MarketSector                     `yaml:"sector_priority"` // tie-break order
	StageKeywords       map[leads.ProjectStage][]string          `yaml:"stage_keywords"`
	TargetRegions       []Region                                 `yaml:"target_regions"`
	ConfidenceThreshold float64                                  `yaml:"confidence_threshold"`
	MaxAge              Duration                                 `yaml:"max_age"`
}

// ProviderConfig parameterizes one enrichment provider.
type ProviderConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	CredentialRef    string   `yaml:"credential_ref,omitempty"`
	Timeout          Duration `yaml:"timeout"`
	MaxAttempts      int      `yaml:"max_attempts"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	FailureThreshold float64  `yaml:"failure_threshold"` // failure rate tripping the cooldown
	Cooldown         Duration `yaml:"cooldown"`
}

// CacheConfig sizes the enrichment cache.
type CacheConfig struct {
	Backend     string   `yaml:"backend"` // "memory" or "redis"
	TTL         Duration `yaml:"ttl"`
	NegativeTTL Duration `yaml:"negative_ttl"`
	MaxEntries  int      `yaml:"max_entries"`
	RedisAddr   string   `yaml:"redis_addr,omitempty"`
	RedisDB     int      `yaml:"redis_db,omitempty"`
}

// EnrichConfig wires the enrichment providers and their cache.
type EnrichConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Cache     CacheConfig               `yaml:"cache"`
}

// StoreConfig parameterizes persistence and dedup.
type StoreConfig struct {
	Path           string   `yaml:"path"` // sqlite database file
	DedupThreshold float64  `yaml:"dedup_threshold"`
	LookBack       Duration `yaml:"look_back"`
}

// ExportWindow restricts exports to a daily window, e.g. 18:00–06:00.
// Start == End means no restriction.
type ExportWindow struct {
	Start string `yaml:"start,omitempty"` // "HH:MM"
	End   string `yaml:"end,omitempty"`
}

// Contains reports whether t falls inside the window. Windows may wrap
// midnight; an empty or degenerate window admits everything.
func (w ExportWindow) Contains(t time.Time) bool {
	if w.Start == "" || w.End == "" || w.Start == w.End {
		return true
	}
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s < e {
		return minute >= s && minute < e
	}
	return minute >= s || minute < e
}

// ExportConfig drives the CRM exporter.
type ExportConfig struct {
	CRMName           string                  `yaml:"crm_name"`
	BaseURL           string                  `yaml:"base_url"`                 // CRM REST endpoint
	CredentialRef     string                  `yaml:"credential_ref,omitempty"` // secret name, never a value
	Interval          Duration                `yaml:"interval"`
	BatchSize         int                     `yaml:"batch_size"`
	PerObjectTimeout  Duration                `yaml:"per_object_timeout"`
	DefaultRetryAfter Duration                `yaml:"default_retry_after"`
	Window            ExportWindow            `yaml:"window,omitempty"`
	FieldMap          map[string]string       `yaml:"field_map"` // internal field → CRM property id
	StageMap          map[leads.Status]string `yaml:"stage_map"` // internal status → CRM deal stage id
	MaxAttempts       int                     `yaml:"max_attempts"`
}

// SourceSpec is the YAML shape of one source definition.
type SourceSpec struct {
	ID            string             `yaml:"id"`
	Name          string             `yaml:"name"`
	URL           string             `yaml:"url"`
	Type          leads.SourceType   `yaml:"type"`
	CredentialRef string             `yaml:"credential_ref,omitempty"`
	MinInterval   Duration           `yaml:"min_interval,omitempty"`
	Active        *bool              `yaml:"active,omitempty"` // nil means active
	Params        leads.SourceParams `yaml:"params,omitempty"`
	Categories    []string           `yaml:"categories,omitempty"`
	RegionTrusted bool               `yaml:"region_trusted,omitempty"`
	Historical    bool               `yaml:"historical,omitempty"`
	TrustWeight   float64            `yaml:"trust_weight,omitempty"`
}

// ToSource converts the spec to the domain source, applying defaults.
func (s SourceSpec) ToSource(defaults GovernorConfig) leads.Source {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	interval := s.MinInterval.Std()
	if interval <= 0 {
		interval = defaults.PerSourceMinInterval.Std()
	}
	trust := s.TrustWeight
	if trust <= 0 {
		trust = 1.0
	}
	return leads.Source{
		ID:            s.ID,
		Name:          s.Name,
		URL:           s.URL,
		Type:          s.Type,
		CredentialRef: s.CredentialRef,
		MinInterval:   interval,
		Active:        active,
		Params:        s.Params,
		Categories:    s.Categories,
		RegionTrusted: s.RegionTrusted,
		Historical:    s.Historical,
		TrustWeight:   trust,
	}
}

// Default returns the configuration the pipeline ships with. Source
// definitions and keyword tables are operator data and have no defaults.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			TickInterval:     Duration(time.Hour),
			QueueSize:        64,
			ExtractWorkers:   2,
			ClassifyWorkers:  2,
			EnrichWorkers:    3,
			ShutdownDeadline: Duration(30 * time.Second),
		},
		Governor: GovernorConfig{
			MaxConcurrentSources: 3,
			MaxWorkers:           5,
			PerSourceMinInterval: Duration(time.Hour),
			PauseCooldown:        Duration(5 * time.Minute),
			CPUThresholdPct:      80,
			MemThresholdPct:      85,
			SampleInterval:       Duration(15 * time.Second),
		},
		Fetch: FetchConfig{
			Timeout:          Duration(30 * time.Second),
			MaxAttempts:      4,
			BackoffBase:      Duration(time.Second),
			BackoffMax:       Duration(60 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(time.Hour),
			UserAgent:        "leadforge/1.0",
		},
		Classify: ClassifyConfig{
			ConfidenceThreshold: 0.7,
			MaxAge:              Duration(14 * 24 * time.Hour),
		},
		Enrich: EnrichConfig{
			Cache: CacheConfig{
				Backend:     "memory",
				TTL:         Duration(24 * time.Hour),
				NegativeTTL: Duration(time.Hour),
				MaxEntries:  10_000,
			},
		},
		Store: StoreConfig{
			Path:           "leadforge.db",
			DedupThreshold: 0.85,
			LookBack:       Duration(30 * 24 * time.Hour),
		},
		Export: ExportConfig{
			CRMName:           "crm",
			Interval:          Duration(time.Hour),
			BatchSize:         25,
			PerObjectTimeout:  Duration(30 * time.Second),
			DefaultRetryAfter: Duration(10 * time.Second),
			MaxAttempts:       5,
		},
	}
}

// Validate rejects configurations the core refuses to start with.
// Validation failures are fatal at startup and never fatal mid-run:
// reloads go through Validate before being applied.
func (c *Config) Validate() error {
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive")
	}
	if c.Pipeline.TickInterval.Std() <= 0 {
		return fmt.Errorf("pipeline.tick_interval must be positive")
	}
	if c.Governor.MaxConcurrentSources <= 0 {
		return fmt.Errorf("governor.max_concurrent_sources must be positive")
	}
	if c.Governor.MaxWorkers <= 0 {
		return fmt.Errorf("governor.max_workers must be positive")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be positive")
	}
	if c.Classify.ConfidenceThreshold < 0 || c.Classify.ConfidenceThreshold > 1 {
		return fmt.Errorf("classify.confidence_threshold must be in [0,1]")
	}
	if c.Store.DedupThreshold <= 0 || c.Store.DedupThreshold > 1 {
		return fmt.Errorf("store.dedup_threshold must be in (0,1]")
	}
	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("export.batch_size must be positive")
	}
	if len(c.Classify.SectorKeywords) > 0 {
		// The tie-break order must cover every configured sector so ties
		// never fall through to map iteration order.
		covered := make(map[leads.MarketSector]bool, len(c.Classify.SectorPriority))
		for _, s := range c.Classify.SectorPriority {
			covered[s] = true
		}
		for sector := range c.Classify.SectorKeywords {
			if !covered[sector] {
				return fmt.Errorf("classify.sector_priority missing sector %q", sector)
			}
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.URL == "" {
			return fmt.Errorf("source %q: url is required", src.ID)
		}
		if !leads.ValidSourceType(src.Type) {
			return fmt.Errorf("source %q: unknown type %q", src.ID, src.Type)
		}
		if src.Type == leads.SourceJSONAPI && src.CredentialRef == "" {
			return fmt.Errorf("source %q: json-api sources need credential_ref", src.ID)
		}
	}
	for name, p := range c.Enrich.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("enrich provider %q: endpoint is required", name)
		}
	}
	if err := validateWindow(c.Export.Window); err != nil {
		return err
	}
	return nil
}

func validateWindow(w ExportWindow) error {
	for _, v := range []string{w.Start, w.End} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("export.window: invalid time %q", v)
		}
	}
	if (w.Start == "") != (w.End == "") {
		return fmt.Errorf("export.window: start and end must both be set")
	}
	return nil
}
