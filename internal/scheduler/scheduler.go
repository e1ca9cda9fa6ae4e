// Package scheduler wires up the cron entries that periodically trigger a
// crawl of every enabled portal at its own cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawl"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// Trigger starts crawl cycles. An empty portalID means every enabled portal.
type Trigger interface {
	StartCrawlCycle(ctx context.Context, portalID string) (*crawl.Cycle, error)
}

// Scheduler wraps robfig/cron with one entry per portal.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	portals []model.PortalDescriptor
	log     logger.Logger
	entries map[string]cron.EntryID
}

// New creates a Scheduler for the enabled portals among portals.
func New(trigger Trigger, portals []model.PortalDescriptor, log logger.Logger) *Scheduler {
	log = log.With(logger.Component("scheduler"))
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		trigger: trigger,
		portals: portals,
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the entries and starts the scheduler. With warmup, one
// cycle over every enabled portal is triggered immediately so the tender
// table is populated without waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context, warmup bool) error {
	for _, d := range s.portals {
		if !d.Enabled {
			continue
		}
		id := d.ID
		if d.Cadence < time.Second {
			return fmt.Errorf("schedule portal %s: cadence %s is below one second", id, d.Cadence)
		}
		spec := fmt.Sprintf("@every %s", d.Cadence)
		entry, err := s.cron.AddFunc(spec, func() { s.fire(ctx, id) })
		if err != nil {
			return fmt.Errorf("schedule portal %s: %w", id, err)
		}
		s.entries[id] = entry
	}

	s.cron.Start()
	s.log.Info("Cron started", logger.Int("portals", len(s.entries)))

	if warmup {
		go s.fire(ctx, "")
	}
	return nil
}

// Stop halts the scheduler and waits for running trigger calls.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron stopped")
}

// Portals lists the scheduled portal ids.
func (s *Scheduler) Portals() []string {
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) fire(ctx context.Context, portalID string) {
	if ctx.Err() != nil {
		return
	}
	c, err := s.trigger.StartCrawlCycle(ctx, portalID)
	switch {
	case errors.Is(err, crawl.ErrShuttingDown):
		return
	case err != nil:
		s.log.Warn("Scheduled crawl not started",
			logger.String("portal_id", portalID),
			logger.String("kind", string(crawlerr.KindOf(err))))
		return
	}
	s.log.Info("Scheduled crawl triggered",
		logger.String("portal_id", portalID),
		logger.String("cycle_id", c.ID))
}

// cronLogger adapts the scanner logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(kv []any) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logger.Any(key, kv[i+1]))
	}
	return out
}
