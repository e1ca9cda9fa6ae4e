package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/api"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/config"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawl"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/db"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/events"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/extract"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/lifecycle"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/matching"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/metrics"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/portal"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/scraper"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/session"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/stats"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

// app is the wired scanner.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	registry *portal.Registry
	store    store.Gateway
	pool     *session.Pool
	stats    *stats.Aggregator
	orch     *crawl.Orchestrator
	gatherer prometheus.Gatherer

	pg  *pgxpool.Pool
	rdb *redis.Client
}

// build connects every dependency and assembles the orchestrator.
func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// ── Portals & taxonomy ───────────────────────────────────────────────────
	reg, err := loadRegistry(cfg.PortalsFile)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	taxonomy := matching.DefaultTaxonomy()
	if cfg.TaxonomyFile != "" {
		if taxonomy, err = matching.LoadTaxonomy(cfg.TaxonomyFile); err != nil {
			return nil, err
		}
	}
	matcher, err := matching.NewEngine(taxonomy, cfg.PriorityValueThreshold)
	if err != nil {
		return nil, fmt.Errorf("matching engine: %w", err)
	}

	// ── Persistence ──────────────────────────────────────────────────────────
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("Using in-memory store, tenders are lost on exit")
		a.store = store.NewMemory()
	default:
		pg, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, log)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.store = store.NewPostgres(pg, cfg.CallTimeout)
	}

	// ── Redis ────────────────────────────────────────────────────────────────
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb

	// ── Metrics ──────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)
	a.gatherer = promReg

	// ── Sessions ─────────────────────────────────────────────────────────────
	farm := session.NewWebDriverFarm(cfg.WebDriverURL, cfg.CallTimeout)
	a.pool = session.NewPool(farm, session.Config{
		Size:           cfg.SessionPoolSize,
		AcquireTimeout: cfg.SessionAcquireTimeout,
		TTL:            cfg.SessionTTL,
		InUse:          m.SessionsInUse,
	}, log)

	// ── Read side & notifications ────────────────────────────────────────────
	deps := crawl.Deps{
		Registry: reg,
		Sessions: crawl.PoolSessions(a.pool),
		Store:    a.store,
		Matcher:  matcher,
		Sweeper:  lifecycle.NewSweeper(a.store, cfg.MissedCyclesBeforeRemoval, log),
		Metrics:  m,
		Log:      log,
	}
	if pub := events.NewRedisPublisher(rdb, log); pub != nil {
		deps.Notifier = pub
		a.stats = stats.NewAggregator(a.store, pub, log)
	} else {
		a.stats = stats.NewAggregator(a.store, nil, log)
	}
	deps.Stats = a.stats

	if cfg.MinIO.Enabled() {
		archiver, err := extract.NewMinIOArchiver(ctx, cfg.MinIO, log)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("minio: %w", err)
		}
		deps.Archiver = archiver
	}

	// ── Orchestrator ─────────────────────────────────────────────────────────
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryMaxAttempts
	rc.InitialDelay = cfg.RetryInitialDelay
	rc.MaxDelay = cfg.RetryMaxDelay

	a.orch = crawl.New(ctx, crawl.Config{
		MaxConcurrentPortals: cfg.MaxConcurrentPortals,
		StagingDir:           cfg.StagingDir,
		ExclusionTerms:       cfg.ExclusionTerms,
		Adapter: scraper.Options{
			Retry:        rc,
			MaxPages:     cfg.MaxPageBound,
			PageInterval: cfg.PageInterval,
			Credentials:  config.Credentials,
			HTTPClient:   &http.Client{Timeout: 2 * cfg.CallTimeout},
		},
		Extract: extract.Options{
			Client: &http.Client{Timeout: cfg.CallTimeout},
			Retry:  rc,
		},
		PersistTimeout: cfg.CallTimeout,
	}, deps)

	log.Info("Scanner assembled",
		logger.Int("portals", len(reg.All())),
		logger.Int("enabled", len(reg.Enabled())),
		logger.Int("categories", len(matcher.Taxonomy())),
		logger.String("store", cfg.StoreDriver))
	return a, nil
}

func loadRegistry(path string) (*portal.Registry, error) {
	if path == "" {
		return portal.NewRegistry(portal.Default())
	}
	return portal.LoadFile(path, portal.Default())
}

// handler builds the HTTP surface.
func (a *app) handler() http.Handler {
	checks := map[string]api.Check{
		"store":    a.store.Ping,
		"sessions": a.pool.Healthy,
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}

	mux := http.NewServeMux()
	api.NewHandler(api.Options{
		Crawler:  a.orch,
		Stats:    a.stats,
		Tenders:  a.store,
		Registry: a.registry,
		Gatherer: a.gatherer,
		Checks:   checks,
		Version:  version,
		Log:      a.log,
	}).RegisterRoutes(mux)
	return mux
}

// shutdown stops the orchestrator, then releases every connection.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.log.Warn("Runs still finalizing at shutdown", logger.Error(err))
	}
	a.pool.Close()
	a.close()
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
