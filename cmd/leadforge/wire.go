package main

import (
	"fmt"
	"log/slog"

	"github.com/Structa-Labs/leadforge/core/pkg/classify"
	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/crm"
	"github.com/Structa-Labs/leadforge/core/pkg/enrich"
	"github.com/Structa-Labs/leadforge/core/pkg/export"
	"github.com/Structa-Labs/leadforge/core/pkg/fetch"
	"github.com/Structa-Labs/leadforge/core/pkg/governor"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/observability"
	"github.com/Structa-Labs/leadforge/core/pkg/pipeline"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
	"github.com/Structa-Labs/leadforge/core/pkg/sources"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// system is the fully wired pipeline plus the handles the shell needs to
// tear it down again.
type system struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	obs      *observability.Provider
}

func (s *system) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildSystem wires every component from config. The shell owns the
// secret resolver and the observability provider; core packages only see
// interfaces.
func buildSystem(cfg *config.Config, resolver secrets.Resolver, obs *observability.Provider, logger *slog.Logger) (*system, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	srcs := make([]leads.Source, 0, len(cfg.Sources))
	for _, spec := range cfg.Sources {
		srcs = append(srcs, spec.ToSource(cfg.Governor))
	}
	registry := sources.NewRegistry(srcs)

	var buckets governor.BucketStore
	if cfg.Governor.RedisAddr != "" {
		buckets = governor.NewRedisBuckets(cfg.Governor.RedisAddr, cfg.Governor.RedisDB)
	}
	gov := governor.New(cfg.Governor, buckets, governor.NewProcSampler(), logger)

	fetcher := fetch.New(cfg.Fetch, nil, resolver, logger)
	classifier := classify.New(cfg.Classify)

	cache, err := enrich.NewCache(cfg.Enrich.Cache)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("enrich cache: %w", err)
	}
	providers := make(map[enrich.Op]enrich.Provider, len(cfg.Enrich.Providers))
	for name, pc := range cfg.Enrich.Providers {
		providers[enrich.Op(name)] = enrich.NewHTTPProvider(pc, resolver, nil)
	}
	enricher := enrich.New(cfg.Enrich, enrich.StandardOperations(providers), cache, logger)

	crmClient := crm.NewHTTPClient(cfg.Export.BaseURL, cfg.Export.CredentialRef, resolver, nil)
	exporter := export.New(crmClient, st, cfg.Export, logger)

	p := pipeline.New(*cfg, pipeline.Deps{
		Registry:      registry,
		Governor:      gov,
		Fetcher:       fetcher,
		Classifier:    classifier,
		Enricher:      enricher,
		Store:         st,
		Exporter:      exporter,
		Logger:        logger,
		Observability: obs,
	})
	return &system{pipeline: p, store: st, obs: obs}, nil
}
