// Package session leases remote browser-automation sessions from a bounded
// pool in front of the automation farm.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
)

var (
	// ErrPoolExhausted is returned when no capacity frees up within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolUnavailable is returned when the farm cannot create a session.
	ErrPoolUnavailable = errors.New("session pool unavailable")
	// ErrSessionExpired signals that the remote session is gone. A lease
	// replaces such a session on its next command.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionReleased is returned by any use of a lease after release.
	ErrSessionReleased = errors.New("session already released")
)

// State is the lifecycle position of a RemoteSession.
type State string

const (
	StateAcquiring State = "acquiring"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateReleased  State = "released"
)

// RemoteSession describes one browser session on the farm.
type RemoteSession struct {
	ID        string
	PortalID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	State     State
}

// Config sizes the pool.
type Config struct {
	Size           int
	AcquireTimeout time.Duration
	TTL            time.Duration
	// InUse, when set, tracks the number of leased sessions.
	InUse prometheus.Gauge
	Now   func() time.Time
}

// Pool bounds concurrent sessions on the farm. Every lease gets a fresh
// remote session, and the session is destroyed when the lease is released.
type Pool struct {
	farm Farm
	cfg  Config
	sem  *semaphore.Weighted
	log  logger.Logger

	mu     sync.Mutex
	leased int
	closed bool
}

// NewPool constructs a pool over farm.
func NewPool(farm Farm, cfg Config, log logger.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		farm: farm,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.Size)),
		log:  log.With(logger.Component("session-pool")),
	}
}

// Acquire leases a new session for portalID, waiting up to the acquire
// timeout for capacity.
func (p *Pool) Acquire(ctx context.Context, portalID string) (*Lease, error) {
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, crawlerr.New(crawlerr.KindCancelled, "acquire session", ctx.Err())
		}
		return nil, crawlerr.New(crawlerr.KindPoolExhausted, "acquire session", ErrPoolExhausted)
	}

	s, err := p.create(ctx, portalID)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.track(1)
	return &Lease{pool: p, sess: s}, nil
}

func (p *Pool) create(ctx context.Context, portalID string) (RemoteSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return RemoteSession{}, crawlerr.New(crawlerr.KindPoolUnavailable, "create session", ErrPoolUnavailable)
	}

	id, err := p.farm.CreateSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return RemoteSession{}, crawlerr.New(crawlerr.KindCancelled, "create session", ctx.Err())
		}
		p.log.Warn("Farm refused session", logger.String("portal_id", portalID), logger.Error(err))
		return RemoteSession{}, crawlerr.New(crawlerr.KindPoolUnavailable, "create session",
			fmt.Errorf("%w: %w", ErrPoolUnavailable, err))
	}
	now := p.cfg.Now()
	return RemoteSession{
		ID:        id,
		PortalID:  portalID,
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.TTL),
		State:     StateActive,
	}, nil
}

// Release destroys the lease's remote session and returns its capacity.
// Releasing twice is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	s := l.sess
	l.sess.State = StateReleased
	l.mu.Unlock()

	p.destroy(s)
	p.track(-1)
	p.sem.Release(1)
}

// replace swaps in a new session. l.mu must be held.
func (p *Pool) replace(ctx context.Context, l *Lease) error {
	old := l.sess
	s, err := p.create(ctx, old.PortalID)
	if err != nil {
		return err
	}
	p.destroy(old)
	l.sess = s
	p.log.Debug("Session renewed",
		logger.String("portal_id", s.PortalID),
		logger.String("old_session", old.ID),
		logger.String("session", s.ID))
	return nil
}

// Close refuses new sessions. Leased sessions are destroyed as their leases
// are released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// InUse reports the number of leased sessions.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// Healthy reports whether the farm accepts commands.
func (p *Pool) Healthy(ctx context.Context) error {
	return p.farm.Status(ctx)
}

func (p *Pool) track(delta int) {
	p.mu.Lock()
	p.leased += delta
	n := p.leased
	p.mu.Unlock()
	if p.cfg.InUse != nil {
		p.cfg.InUse.Set(float64(n))
	}
}

func (p *Pool) destroy(s RemoteSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.farm.DeleteSession(ctx, s.ID); err != nil {
		p.log.Debug("Delete session failed", logger.String("session", s.ID), logger.Error(err))
	}
}
