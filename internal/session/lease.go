package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
)

// Lease is the exclusive handle on one remote session. It is issued by
// Acquire, must be handed to Release exactly once, and must not be shared
// between goroutines driving different pages.
//
// A session that reaches its TTL, is marked expired, or is reported gone by
// the farm is replaced transparently: the lease creates a new session, takes
// it back to the last page navigated to and repeats the command once.
type Lease struct {
	pool *Pool

	mu       sync.Mutex
	sess     RemoteSession
	released bool
	page     string
	renewals int
}

// Session returns a snapshot of the underlying remote session.
func (l *Lease) Session() RemoteSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

// Renewals is the number of times the lease replaced its session.
func (l *Lease) Renewals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals
}

// MarkExpired records that the session failed mid-use. The next command
// runs on a replacement session.
func (l *Lease) MarkExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.released {
		l.sess.State = StateExpired
	}
}

// Renew replaces the remote session, keeping the lease's pool slot. The new
// session starts on a blank page.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrSessionReleased
	}
	if err := l.pool.replace(ctx, l); err != nil {
		return err
	}
	l.renewals++
	l.page = ""
	return nil
}

// Release hands the lease back to its pool.
func (l *Lease) Release() {
	l.pool.Release(l)
}

func (l *Lease) Navigate(ctx context.Context, url string) error {
	return l.do(ctx, false, func(id string) error {
		if err := l.pool.farm.Navigate(ctx, id, url); err != nil {
			return err
		}
		l.page = url
		return nil
	})
}

func (l *Lease) PageSource(ctx context.Context) (string, error) {
	var src string
	err := l.do(ctx, true, func(id string) (err error) {
		src, err = l.pool.farm.PageSource(ctx, id)
		return err
	})
	return src, err
}

func (l *Lease) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := l.do(ctx, true, func(id string) (err error) {
		u, err = l.pool.farm.CurrentURL(ctx, id)
		return err
	})
	return u, err
}

func (l *Lease) Type(ctx context.Context, selector, text string) error {
	return l.do(ctx, true, func(id string) error { return l.pool.farm.Type(ctx, id, selector, text) })
}

func (l *Lease) Click(ctx context.Context, selector string) error {
	return l.do(ctx, true, func(id string) error { return l.pool.farm.Click(ctx, id, selector) })
}

// Cookies returns the cookies the browser holds for the current page, for
// downloads that must carry the session's login.
func (l *Lease) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := l.do(ctx, true, func(id string) (err error) {
		out, err = l.pool.farm.Cookies(ctx, id)
		return err
	})
	return out, err
}

// do runs one farm command against the current session id. The lease lock
// is held for the duration so a concurrent Renew cannot swap the session
// underneath the command. restore takes a replacement session back to the
// last page before the command runs.
func (l *Lease) do(ctx context.Context, restore bool, fn func(id string) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrSessionReleased
	}
	if l.sess.State == StateExpired || !l.pool.cfg.Now().Before(l.sess.ExpiresAt) {
		if err := l.recover(ctx, restore); err != nil {
			return err
		}
	}

	err := fn(l.sess.ID)
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}
	l.sess.State = StateExpired
	if rerr := l.recover(ctx, restore); rerr != nil {
		return rerr
	}
	return fn(l.sess.ID)
}

// recover replaces an expired session. l.mu must be held.
func (l *Lease) recover(ctx context.Context, restore bool) error {
	old := l.sess.ID
	if err := l.pool.replace(ctx, l); err != nil {
		return err
	}
	l.renewals++
	l.pool.log.Info("Expired session replaced",
		logger.String("portal_id", l.sess.PortalID),
		logger.String("old_session", old),
		logger.String("session", l.sess.ID))
	if restore && l.page != "" {
		return l.pool.farm.Navigate(ctx, l.sess.ID, l.page)
	}
	return nil
}
