package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-sre/internal/alerting"
	"github.com/miradorstack/mirador-sre/internal/api"
	"github.com/miradorstack/mirador-sre/internal/cache"
	"github.com/miradorstack/mirador-sre/internal/capacity"
	"github.com/miradorstack/mirador-sre/internal/config"
	"github.com/miradorstack/mirador-sre/internal/diagnostics"
	"github.com/miradorstack/mirador-sre/internal/health"
	"github.com/miradorstack/mirador-sre/internal/incident"
	"github.com/miradorstack/mirador-sre/internal/instrument"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/repo"
	"github.com/miradorstack/mirador-sre/internal/sampler"
	"github.com/miradorstack/mirador-sre/internal/services"
	"github.com/miradorstack/mirador-sre/internal/slo"
)

// historyBackend answers both SLI and series queries.
type historyBackend interface {
	repo.HistorySource
	repo.SLISource
	health.Pinger
}

type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	sampler   *sampler.Sampler
	checks    *health.Registry
	detector  *incident.Detector
	engine    *slo.Engine
	scheduler *capacity.Scheduler
	server    *api.Server
	closers   []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *application) start(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { a.sampler.Run(ctx, a.cfg.Sampler.Interval) })
	run(func() { a.checks.Run(ctx, a.cfg.Health.Interval, a.cfg.Health.Timeout) })
	run(func() { a.detector.Run(ctx) })
	run(func() { a.engine.Run(ctx, a.cfg.SLO.Interval) })
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	reg := metrics.NewRegistry()
	if err := reg.AttachProcessCollectors(); err != nil {
		return nil, fmt.Errorf("register process collectors: %w", err)
	}

	cacheProvider, closeCache := buildCache(cfg, logger)
	app.closers = append(app.closers, closeCache)

	history, err := newHistory(cfg, cacheProvider, logger)
	if err != nil {
		return nil, err
	}

	store, storePinger := buildStore(cfg)

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return nil, err
	}

	app.sampler, err = sampler.New(reg, logger)
	if err != nil {
		return nil, err
	}

	throttle := instrument.NewThrottle(cfg.Instrument.MaxInFlight)
	instr, err := instrument.New(reg, logger, instrument.WithThrottle(throttle))
	if err != nil {
		return nil, err
	}

	app.checks = health.NewRegistry(reg, logger)
	if history != nil {
		if err := app.checks.AddCheck("history", health.PingCheck(history)); err != nil {
			return nil, err
		}
	}
	if cfg.Cache.Enabled {
		if err := app.checks.AddCheck("cache", health.PingCheck(cacheProvider)); err != nil {
			return nil, err
		}
	}
	if storePinger != nil {
		if err := app.checks.AddCheck("incident_store", health.PingCheck(storePinger)); err != nil {
			return nil, err
		}
	}
	for _, target := range cfg.Health.Targets {
		if err := app.checks.AddCheck(target.Name, health.HTTPCheck(target.URL, nil)); err != nil {
			return nil, err
		}
	}

	runbook, err := incident.LoadRunbook(cfg.Runbook.Path)
	if err != nil {
		return nil, fmt.Errorf("load runbook: %w", err)
	}
	app.detector, err = incident.NewDetector(cfg.Detector, reg, store, sink, logger,
		incident.WithHealth(app.checks),
		incident.WithThrottle(throttle),
		incident.WithRunbook(runbook),
	)
	if err != nil {
		return nil, err
	}

	var querier slo.Querier
	if history != nil {
		querier = history
	}
	app.engine = slo.NewEngine(querier, sink, reg, logger,
		slo.WithQueryTimeout(cfg.SLO.QueryTimeout),
		slo.WithConcurrency(cfg.SLO.Concurrency))
	for _, def := range cfg.SLO.Definitions {
		if err := app.engine.Register(def); err != nil {
			return nil, err
		}
	}

	var (
		analyzer services.CapacityAnalyzer
		results  services.CapacityResults
	)
	if history != nil {
		planner := capacity.NewPlanner(history, cfg.Capacity.Config, logger)
		analyzer = planner
		if cfg.Capacity.Schedule != "" {
			app.scheduler, err = capacity.NewScheduler(planner, cfg.Capacity.Schedule, cfg.Capacity.Timeout, logger)
			if err != nil {
				return nil, err
			}
			results = app.scheduler
		}
	}

	authorizer := diagnostics.NewJWTAuthorizer(cfg.Diagnostics.JWTSecret)
	if cfg.Diagnostics.Role != "" {
		authorizer.Role = cfg.Diagnostics.Role
	}
	diag := diagnostics.NewHandler(cfg.Diagnostics.Enabled, authorizer, logger)

	svc := services.NewReliabilityService(logger, app.detector, app.engine, analyzer, results)
	svc.SetOperatorAuthorizer(authorizer)

	app.server, err = api.NewServer(cfg.Server, reg, instr, app.checks, cfg.Health.Timeout, logger, diag, svc)
	if err != nil {
		return nil, err
	}

	// Seed the health verdict so the first detector pass and the gRPC
	// health service see real state.
	app.checks.Evaluate(ctx, cfg.Health.Timeout)

	ok = true
	return app, nil
}

func buildCache(cfg *config.Config, logger *slog.Logger) (cache.Provider, func()) {
	if !cfg.Cache.Enabled || cfg.Cache.Addr == "" {
		return cache.NoopProvider{}, func() {}
	}
	provider, err := cache.NewRedisProvider(cache.RedisConfig{
		Addr:         cfg.Cache.Addr,
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		KeyPrefix:    cfg.Cache.KeyPrefix,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		MaxRetries:   cfg.Cache.MaxRetries,
		PoolSize:     cfg.Cache.PoolSize,
	})
	if err != nil {
		logger.Warn("redis cache unavailable", slog.Any("error", err))
		return cache.NoopProvider{}, func() {}
	}
	return provider, func() { _ = provider.Close() }
}

// buildHistory is newHistory with its own cache, for one-shot commands.
func buildHistory(cfg *config.Config, logger *slog.Logger) (historyBackend, func(), error) {
	cacheProvider, closeCache := buildCache(cfg, logger)
	history, err := newHistory(cfg, cacheProvider, logger)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return history, closeCache, nil
}

func newHistory(cfg *config.Config, cacheProvider cache.Provider, logger *slog.Logger) (historyBackend, error) {
	switch cfg.History.Backend {
	case config.HistoryPrometheus:
		p := cfg.History.Prometheus
		source, err := repo.NewPrometheusSource(repo.PrometheusConfig{
			Address:   p.Address,
			Timeout:   p.Timeout,
			MaxPoints: p.MaxPoints,
			CacheTTL:  p.CacheTTL,
		}, cacheProvider, logger)
		if err != nil {
			return nil, fmt.Errorf("prometheus history: %w", err)
		}
		return source, nil
	case config.HistoryCore:
		c := cfg.History.Core
		return repo.NewCoreClient(repo.CoreConfig{
			BaseURL:     c.BaseURL,
			MetricsPath: c.MetricsPath,
			SLIPath:     c.SLIPath,
			HealthPath:  c.HealthPath,
			TenantID:    c.TenantID,
			Timeout:     c.Timeout,
			CacheTTL:    c.CacheTTL,
		}, cacheProvider, logger), nil
	default:
		return nil, nil
	}
}

func buildStore(cfg *config.Config) (repo.IncidentStore, health.Pinger) {
	if cfg.Store.Backend == config.StoreWeaviate {
		w := cfg.Store.Weaviate
		store := repo.NewWeaviateIncidentStore(w.Endpoint, w.APIKey, w.Timeout)
		return store, store
	}
	return repo.NewMemoryIncidentStore(repo.WithLimit(cfg.Detector.HistoryLimit)), nil
}

func buildSink(cfg *config.Config, logger *slog.Logger) (alerting.Sink, error) {
	sinks := alerting.Fanout{alerting.NewLogSink(logger)}
	am := cfg.Alerting.Alertmanager
	if am.URL != "" {
		sink, err := alerting.NewAlertmanagerSink(alerting.AlertmanagerConfig{
			URL:               am.URL,
			Timeout:           am.Timeout,
			RequestsPerSecond: am.RequestsPerSecond,
			Burst:             am.Burst,
			ResolveAfter:      am.ResolveAfter,
			Source:            am.Source,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("alertmanager sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
