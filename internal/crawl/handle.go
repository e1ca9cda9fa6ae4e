package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// ErrInvalidTransition is returned when a run is moved along an edge the
// state graph does not have.
var ErrInvalidTransition = errors.New("invalid run state transition")

// Run is the live handle on one portal's crawl run. Its record is copied on
// every read and frozen once a terminal state is reached.
type Run struct {
	cycle *Cycle

	mu  sync.Mutex
	rec model.CrawlRun

	stop   atomic.Bool
	cancel context.CancelFunc // cancels the scrape, never an extraction
	done   chan struct{}
}

func newRun(id, cycleID, portalID string) *Run {
	return &Run{
		rec: model.CrawlRun{
			ID:       id,
			CycleID:  cycleID,
			PortalID: portalID,
			State:    model.RunScheduled,
			Counts:   model.RunCounts{},
		},
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// ID is the run id.
func (r *Run) ID() string { return r.rec.ID }

// PortalID is the portal the run crawls.
func (r *Run) PortalID() string { return r.rec.PortalID }

// Snapshot returns a copy of the run record.
func (r *Run) Snapshot() model.CrawlRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

// Done is closed once the run is finalized and recorded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is finalized or ctx ends.
func (r *Run) Wait(ctx context.Context) (model.CrawlRun, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return model.CrawlRun{}, ctx.Err()
	}
}

// requestStop asks the run to stop after its current record.
func (r *Run) requestStop() {
	r.stop.Store(true)
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
}

func (r *Run) stopped() bool { return r.stop.Load() }

func (r *Run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.stopped() {
		cancel()
	}
}

func (r *Run) transition(to model.RunState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.rec.State
	if !IsTransitionAllowed(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	r.rec.State = to
	switch {
	case to == model.RunRunning:
		r.rec.StartedAt = &now
	case to.Terminal():
		r.rec.EndedAt = &now
	}
	return nil
}

// update mutates the live record. It is a no-op once the run is terminal.
func (r *Run) update(fn func(rec *model.CrawlRun)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.State.Terminal() {
		return
	}
	fn(&r.rec)
}

// Cycle groups the runs started, or joined, by one trigger.
type Cycle struct {
	ID   string
	Runs []*Run

	done    chan struct{}
	outcome model.Outcome
}

// Done is closed once every run of the cycle is finalized.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Wait blocks until the cycle completes or ctx ends and returns the overall
// outcome.
func (c *Cycle) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Snapshots returns the current record of every run in the cycle.
func (c *Cycle) Snapshots() []model.CrawlRun {
	out := make([]model.CrawlRun, 0, len(c.Runs))
	for _, r := range c.Runs {
		out = append(out, r.Snapshot())
	}
	return out
}

// inFlight is the process-wide registry of running portals. A portal is
// entered when its run is scheduled and cleared when the run is finalized.
type inFlight struct {
	mu     sync.Mutex
	byPort map[string]*Run
	byID   map[string]*Run
	cycles map[string]*Cycle
}

func newInFlight() *inFlight {
	return &inFlight{
		byPort: make(map[string]*Run),
		byID:   make(map[string]*Run),
		cycles: make(map[string]*Cycle),
	}
}

// claim returns the run already in flight for portalID, or registers the
// one built by mk.
func (f *inFlight) claim(portalID string, mk func() *Run) (r *Run, started bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.byPort[portalID]; ok {
		return r, false
	}
	r = mk()
	f.byPort[portalID] = r
	f.byID[r.ID()] = r
	return r, true
}

func (f *inFlight) clear(r *Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byPort[r.PortalID()] == r {
		delete(f.byPort, r.PortalID())
	}
	delete(f.byID, r.ID())
}

func (f *inFlight) run(id string) (*Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	return r, ok
}

func (f *inFlight) all() []*Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Run, 0, len(f.byID))
	for _, r := range f.byID {
		out = append(out, r)
	}
	return out
}

func (f *inFlight) addCycle(c *Cycle) {
	f.mu.Lock()
	f.cycles[c.ID] = c
	f.mu.Unlock()
}

func (f *inFlight) cycle(id string) (*Cycle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[id]
	return c, ok
}

func (f *inFlight) clearCycle(c *Cycle) {
	f.mu.Lock()
	delete(f.cycles, c.ID)
	f.mu.Unlock()
}

func (f *inFlight) portals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.byPort))
	for p := range f.byPort {
		out = append(out, p)
	}
	return out
}
