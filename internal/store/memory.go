package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/stats"
)

// Memory is an in-process Gateway. Values are copied on the way in and out.
type Memory struct {
	mu            sync.RWMutex
	tenders       map[string]model.Tender // by id
	byFingerprint map[string]string
	runs          map[string]model.CrawlRun
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tenders:       make(map[string]model.Tender),
		byFingerprint: make(map[string]string),
		runs:          make(map[string]model.CrawlRun),
	}
}

func (m *Memory) Upsert(ctx context.Context, t model.Tender) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFingerprint[t.Fingerprint]; ok {
		old := m.tenders[id]
		t.ID = old.ID
		t.FirstSeenAt = old.FirstSeenAt
	}
	m.tenders[t.ID] = t.Clone()
	m.byFingerprint[t.Fingerprint] = t.ID
	return nil
}

func (m *Memory) FindByFingerprint(ctx context.Context, fingerprint string) (model.Tender, error) {
	if err := ctx.Err(); err != nil {
		return model.Tender{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return model.Tender{}, ErrNotFound
	}
	return m.tenders[id].Clone(), nil
}

func (m *Memory) RecordCrawlRun(ctx context.Context, r model.CrawlRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		m.runs[r.ID] = r.Clone()
	}
	return nil
}

func (m *Memory) GetCrawlRun(ctx context.Context, id string) (model.CrawlRun, error) {
	if err := ctx.Err(); err != nil {
		return model.CrawlRun{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return model.CrawlRun{}, ErrNotFound
	}
	return r.Clone(), nil
}

// QueryActiveTenders returns matching tenders ordered by closing date, then id.
func (m *Memory) QueryActiveTenders(ctx context.Context, f Filter) ([]model.Tender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.Tender, 0, len(m.tenders))
	for _, t := range m.tenders {
		if f.match(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Tender) int {
		switch {
		case a.ClosingDate == nil && b.ClosingDate != nil:
			return 1
		case a.ClosingDate != nil && b.ClosingDate == nil:
			return -1
		case a.ClosingDate != nil && !a.ClosingDate.Equal(*b.ClosingDate):
			return a.ClosingDate.Compare(*b.ClosingDate)
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Aggregate(ctx context.Context, now time.Time) (model.Stats, error) {
	active, err := m.QueryActiveTenders(ctx, Filter{})
	if err != nil {
		return model.Stats{}, err
	}
	return stats.Compute(active, now), nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Tenders returns every stored tender regardless of status, ordered by id.
func (m *Memory) Tenders() []model.Tender {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Tender, 0, len(m.tenders))
	for _, t := range m.tenders {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b model.Tender) int { return strings.Compare(a.ID, b.ID) })
	return out
}
