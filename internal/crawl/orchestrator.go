// Package crawl runs crawl cycles over the portal registry: one task per
// portal under a global concurrency limit, with at most one run in flight
// per portal.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/dedup"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/extract"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/lifecycle"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/matching"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/metrics"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/portal"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/scraper"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/session"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

var (
	ErrRunNotFound    = errors.New("crawl run not found")
	ErrUnknownPortal  = errors.New("unknown portal")
	ErrPortalDisabled = errors.New("portal disabled")
	ErrShuttingDown   = errors.New("orchestrator shutting down")
)

// Lease is a leased browser session.
type Lease interface {
	scraper.Browser
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Release()
}

// Sessions leases browser sessions for portals.
type Sessions interface {
	Acquire(ctx context.Context, portalID string) (Lease, error)
}

// PoolSessions adapts a session pool to Sessions.
func PoolSessions(p *session.Pool) Sessions { return poolSessions{p} }

type poolSessions struct{ pool *session.Pool }

func (p poolSessions) Acquire(ctx context.Context, portalID string) (Lease, error) {
	l, err := p.pool.Acquire(ctx, portalID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Notifier is told about every finalized run.
type Notifier interface {
	RunCompleted(ctx context.Context, run model.CrawlRun) error
}

// Recomputer refreshes read-side rollups after a cycle.
type Recomputer interface {
	Recompute(ctx context.Context) (model.Stats, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentPortals int
	StagingDir           string
	ExclusionTerms       []string
	Adapter              scraper.Options
	Extract              extract.Options
	// PersistTimeout bounds the finalization writes of a run.
	PersistTimeout time.Duration
	// RecentRuns is how many finalized runs stay queryable in memory.
	RecentRuns int
	Now        func() time.Time
}

// Deps are the collaborators of the orchestrator. Archiver, Notifier, Stats
// and Metrics are optional.
type Deps struct {
	Registry *portal.Registry
	Sessions Sessions
	Store    store.Gateway
	Matcher  *matching.Engine
	Sweeper  *lifecycle.Sweeper
	Archiver extract.Archiver
	Notifier Notifier
	Stats    Recomputer
	Metrics  *metrics.Metrics
	Log      logger.Logger
}

// Orchestrator schedules and tracks crawl runs.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	dedup *dedup.Engine
	log   logger.Logger

	base     context.Context
	stopBase context.CancelFunc
	slots    *semaphore.Weighted
	flight   *inFlight
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	recent   map[string]model.CrawlRun
	recentID []string
}

// New returns an Orchestrator whose runs live until ctx ends or Shutdown is
// called. Runs do not inherit the context passed to StartCrawlCycle.
func New(ctx context.Context, cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentPortals < 1 {
		cfg.MaxConcurrentPortals = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	if cfg.Adapter.Log == nil {
		cfg.Adapter.Log = deps.Log
	}
	if cfg.Extract.Log == nil {
		cfg.Extract.Log = deps.Log
	}
	if cfg.Adapter.Relevant == nil && deps.Matcher != nil && len(deps.Matcher.Taxonomy()) > 0 {
		m := deps.Matcher
		cfg.Adapter.Relevant = func(rec model.RawTenderRecord) bool {
			return len(m.ClassifyRecord(rec).Categories) > 0
		}
	}
	base, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		dedup:    dedup.NewEngine(deps.Store),
		log:      deps.Log.With(logger.Component("crawl")),
		base:     base,
		stopBase: cancel,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentPortals)),
		flight:   newInFlight(),
		recent:   make(map[string]model.CrawlRun),
	}
}

// StartCrawlCycle starts a cycle over portalID, or over every enabled portal
// when portalID is empty. Portals whose run is already in flight are joined
// instead of started again; a single-portal trigger for such a portal returns
// the cycle that owns the running run.
func (o *Orchestrator) StartCrawlCycle(ctx context.Context, portalID string) (*Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	var targets []model.PortalDescriptor
	if portalID != "" {
		d, ok := o.deps.Registry.Get(portalID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPortal, portalID)
		}
		if !d.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrPortalDisabled, portalID)
		}
		targets = []model.PortalDescriptor{d}
	} else {
		targets = o.deps.Registry.Enabled()
	}

	c := &Cycle{ID: uuid.NewString(), done: make(chan struct{})}
	var fresh []model.PortalDescriptor
	for _, d := range targets {
		r, started := o.flight.claim(d.ID, func() *Run {
			r := newRun(uuid.NewString(), c.ID, d.ID)
			r.cycle = c
			return r
		})
		if !started && portalID != "" {
			o.log.Info("Portal already in flight, joining run",
				logger.String("portal_id", d.ID),
				logger.String("run_id", r.ID()))
			return r.cycle, nil
		}
		c.Runs = append(c.Runs, r)
		if started {
			fresh = append(fresh, d)
		}
	}

	o.flight.addCycle(c)
	o.log.Info("Crawl cycle started",
		logger.String("cycle_id", c.ID),
		logger.Int("portals", len(c.Runs)),
		logger.Int("started", len(fresh)))

	o.wg.Add(1)
	go o.runCycle(c, fresh)
	return c, nil
}

func (o *Orchestrator) runCycle(c *Cycle, fresh []model.PortalDescriptor) {
	defer o.wg.Done()
	defer close(c.done)
	defer o.flight.clearCycle(c)

	byPortal := make(map[string]model.PortalDescriptor, len(fresh))
	for _, d := range fresh {
		byPortal[d.ID] = d
	}

	var g errgroup.Group
	for _, r := range c.Runs {
		d, ours := byPortal[r.PortalID()]
		if !ours {
			continue
		}
		g.Go(func() error {
			o.execute(r, d)
			return nil
		})
	}
	_ = g.Wait()

	// Joined runs belong to another cycle; wait for them too.
	outcomes := make([]model.Outcome, 0, len(c.Runs))
	for _, r := range c.Runs {
		<-r.Done()
		outcomes = append(outcomes, r.Snapshot().Outcome)
	}
	c.outcome = CycleOutcome(outcomes)

	if o.deps.Stats != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), o.cfg.PersistTimeout)
		if _, err := o.deps.Stats.Recompute(ctx); err != nil {
			o.log.Warn("Stats recompute failed", logger.String("cycle_id", c.ID), logger.Error(err))
		}
		cancel()
	}
	o.log.Info("Crawl cycle complete",
		logger.String("cycle_id", c.ID),
		logger.String("outcome", string(c.outcome)))
}

// GetCrawlStatus returns the run record for runID from memory when the run
// is in flight or recent, otherwise from the store.
func (o *Orchestrator) GetCrawlStatus(ctx context.Context, runID string) (model.CrawlRun, error) {
	if r, ok := o.flight.run(runID); ok {
		return r.Snapshot(), nil
	}
	o.mu.Lock()
	rec, ok := o.recent[runID]
	o.mu.Unlock()
	if ok {
		return rec.Clone(), nil
	}
	rec, err := o.deps.Store.GetCrawlRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return model.CrawlRun{}, ErrRunNotFound
	}
	if err != nil {
		return model.CrawlRun{}, fmt.Errorf("get crawl run: %w", err)
	}
	return rec, nil
}

// Cancel asks an in-flight run, or every run of an in-flight cycle, to stop
// after the record it is processing.
func (o *Orchestrator) Cancel(id string) error {
	if r, ok := o.flight.run(id); ok {
		r.requestStop()
		o.log.Info("Crawl run cancel requested", logger.String("run_id", id))
		return nil
	}
	if c, ok := o.flight.cycle(id); ok {
		for _, r := range c.Runs {
			r.requestStop()
		}
		o.log.Info("Crawl cycle cancel requested", logger.String("cycle_id", id))
		return nil
	}
	return ErrRunNotFound
}

// CancelAll asks every in-flight run to stop.
func (o *Orchestrator) CancelAll() {
	for _, r := range o.flight.all() {
		r.requestStop()
	}
}

// InFlight lists the portals with a run in flight.
func (o *Orchestrator) InFlight() []string { return o.flight.portals() }

// Shutdown refuses new cycles, cancels running ones and waits for their
// finalization or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.CancelAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stopBase()
		return nil
	case <-ctx.Done():
		o.stopBase()
		return ctx.Err()
	}
}

func (o *Orchestrator) remember(rec model.CrawlRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recent[rec.ID] = rec.Clone()
	o.recentID = append(o.recentID, rec.ID)
	for len(o.recentID) > o.cfg.RecentRuns {
		delete(o.recent, o.recentID[0])
		o.recentID = o.recentID[1:]
	}
}
