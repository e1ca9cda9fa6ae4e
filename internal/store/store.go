// Package store persists tenders and crawl runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// ErrNotFound is returned when a tender or crawl run does not exist.
var ErrNotFound = errors.New("not found")

// Filter narrows QueryActiveTenders. Zero fields match everything.
type Filter struct {
	PortalID      string
	Category      string
	Priority      model.Priority
	ClosingBefore *time.Time
	Limit         int
}

// Gateway is the persistence boundary of the crawl pipeline.
type Gateway interface {
	// Upsert inserts t or replaces the tender holding the same fingerprint.
	Upsert(ctx context.Context, t model.Tender) error
	FindByFingerprint(ctx context.Context, fingerprint string) (model.Tender, error)
	// RecordCrawlRun appends a finalized run. Recording an id twice keeps the
	// first copy.
	RecordCrawlRun(ctx context.Context, r model.CrawlRun) error
	GetCrawlRun(ctx context.Context, id string) (model.CrawlRun, error)
	QueryActiveTenders(ctx context.Context, f Filter) ([]model.Tender, error)
	Aggregate(ctx context.Context, now time.Time) (model.Stats, error)
	Ping(ctx context.Context) error
}

func (f Filter) match(t model.Tender) bool {
	if t.Status != model.StatusActive {
		return false
	}
	if f.PortalID != "" && t.PortalID != f.PortalID {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.ClosingBefore != nil && (t.ClosingDate == nil || !t.ClosingDate.Before(*f.ClosingBefore)) {
		return false
	}
	if f.Category != "" {
		for _, c := range t.Categories {
			if c == f.Category {
				return true
			}
		}
		return false
	}
	return true
}
