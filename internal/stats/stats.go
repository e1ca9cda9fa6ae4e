// Package stats computes read-side rollups over active tenders.
package stats

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// ClosingSoonWindow is how far ahead a closing date counts as "closing soon".
const ClosingSoonWindow = 7 * 24 * time.Hour

// Compute rolls up tenders as of now. Tenders whose status is not active are
// ignored.
func Compute(tenders []model.Tender, now time.Time) model.Stats {
	s := model.Stats{
		ByPortal:   []model.PortalStats{},
		ByCategory: map[string]int{},
		ComputedAt: now,
	}
	byPortal := map[string]*model.PortalStats{}
	soon := now.Add(ClosingSoonWindow)
	y, m, d := now.UTC().Date()

	for _, t := range tenders {
		if t.Status != model.StatusActive {
			continue
		}
		s.TotalTenders++
		s.TotalValue += t.Value

		ps, ok := byPortal[t.PortalID]
		if !ok {
			ps = &model.PortalStats{PortalID: t.PortalID}
			byPortal[t.PortalID] = ps
		}
		ps.Count++
		ps.Value += t.Value

		for _, c := range t.Categories {
			s.ByCategory[c]++
		}
		if t.ClosingDate != nil && t.ClosingDate.After(now) && !t.ClosingDate.After(soon) {
			s.ClosingSoon++
		}
		if fy, fm, fd := t.FirstSeenAt.UTC().Date(); fy == y && fm == m && fd == d {
			s.NewToday++
		}
		if s.LastUpdated == nil || t.LastSeenAt.After(*s.LastUpdated) {
			last := t.LastSeenAt
			s.LastUpdated = &last
		}
	}

	for _, ps := range byPortal {
		s.ByPortal = append(s.ByPortal, *ps)
	}
	slices.SortFunc(s.ByPortal, func(a, b model.PortalStats) int {
		return strings.Compare(a.PortalID, b.PortalID)
	})
	return s
}

// Source produces the rollup from persisted tenders.
type Source interface {
	Aggregate(ctx context.Context, now time.Time) (model.Stats, error)
}

// Sink receives each freshly computed snapshot.
type Sink interface {
	PublishStats(ctx context.Context, s model.Stats) error
}

// Aggregator recomputes rollups on demand and keeps the latest snapshot.
type Aggregator struct {
	source Source
	sink   Sink
	log    logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	latest *model.Stats
}

// NewAggregator returns an Aggregator. sink may be nil.
func NewAggregator(source Source, sink Sink, log logger.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		sink:   sink,
		log:    log.With(logger.Component("stats")),
		now:    time.Now,
	}
}

// Recompute aggregates active tenders and publishes the snapshot. A sink
// failure is logged and does not fail the recompute.
func (a *Aggregator) Recompute(ctx context.Context) (model.Stats, error) {
	s, err := a.source.Aggregate(ctx, a.now().UTC())
	if err != nil {
		return model.Stats{}, fmt.Errorf("aggregate: %w", err)
	}

	a.mu.Lock()
	a.latest = &s
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.PublishStats(ctx, s); err != nil {
			a.log.Warn("Stats snapshot not published", logger.Error(err))
		}
	}
	a.log.Info("Stats recomputed",
		logger.Int("total_tenders", s.TotalTenders),
		logger.Float64("total_value", s.TotalValue))
	return s, nil
}

// Latest returns the last computed snapshot, if any.
func (a *Aggregator) Latest() (model.Stats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return model.Stats{}, false
	}
	return cloneStats(*a.latest), true
}

func cloneStats(s model.Stats) model.Stats {
	c := s
	c.ByPortal = slices.Clone(s.ByPortal)
	c.ByCategory = make(map[string]int, len(s.ByCategory))
	for k, v := range s.ByCategory {
		c.ByCategory[k] = v
	}
	if s.LastUpdated != nil {
		t := *s.LastUpdated
		c.LastUpdated = &t
	}
	return c
}
