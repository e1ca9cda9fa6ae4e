// Package lifecycle moves active tenders to closed or removed after a portal
// run. Tenders are never deleted.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

// DefaultMissedCycles is how many consecutive unsighted successful runs mark
// a tender removed.
const DefaultMissedCycles = 3

// Store is the part of the gateway the sweeper needs.
type Store interface {
	QueryActiveTenders(ctx context.Context, f store.Filter) ([]model.Tender, error)
	Upsert(ctx context.Context, t model.Tender) error
}

// Result counts the transitions of one sweep.
type Result struct {
	Closed  int
	Missed  int
	Removed int
}

// Sweeper applies status transitions to one portal's active tenders.
type Sweeper struct {
	store     Store
	threshold int
	log       logger.Logger
}

// NewSweeper returns a Sweeper. A non-positive threshold uses
// DefaultMissedCycles.
func NewSweeper(s Store, threshold int, log logger.Logger) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultMissedCycles
	}
	return &Sweeper{store: s, threshold: threshold, log: log.With(logger.Component("lifecycle"))}
}

// Sweep closes tenders whose closing date passed and, when the portal run
// succeeded, counts a missed sighting for every tender not in seen. seen
// holds fingerprints. A failed or partial run does not count as a miss since
// the portal was not fully observed.
func (s *Sweeper) Sweep(ctx context.Context, portalID string, seen map[string]bool, now time.Time, portalSucceeded bool) (Result, error) {
	var res Result
	active, err := s.store.QueryActiveTenders(ctx, store.Filter{PortalID: portalID})
	if err != nil {
		return res, fmt.Errorf("load active tenders: %w", err)
	}

	for _, t := range active {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case t.ClosingDate != nil && !t.ClosingDate.After(now):
			t.Status = model.StatusClosed
			res.Closed++
		case seen[t.Fingerprint] || !portalSucceeded:
			continue
		default:
			t.MissedCycles++
			res.Missed++
			if t.MissedCycles >= s.threshold {
				t.Status = model.StatusRemoved
				res.Removed++
			}
		}
		if err := s.store.Upsert(ctx, t); err != nil {
			return res, fmt.Errorf("update tender %s: %w", t.ID, err)
		}
	}

	if res != (Result{}) {
		s.log.Info("Tender lifecycle swept",
			logger.String("portal_id", portalID),
			logger.Int("closed", res.Closed),
			logger.Int("missed", res.Missed),
			logger.Int("removed", res.Removed))
	}
	return res, nil
}
