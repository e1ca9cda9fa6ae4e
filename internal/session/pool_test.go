package session_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/session"
)

// fakeFarm hands out sequential session ids and records deletions.
type fakeFarm struct {
	mu        sync.Mutex
	next      int
	createErr error
	navErr    error
	deleted   []string
	navigated map[string][]string
	// gone lists session ids the farm reports as invalid on their next
	// command, once.
	gone map[string]bool
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{navigated: map[string][]string{}, gone: map[string]bool{}}
}

func (f *fakeFarm) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	return fmt.Sprintf("s%d", f.next), nil
}

func (f *fakeFarm) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFarm) Navigate(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	if err := f.dropped(id); err != nil {
		return err
	}
	f.navigated[id] = append(f.navigated[id], url)
	return nil
}

func (f *fakeFarm) PageSource(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dropped(id); err != nil {
		return "", err
	}
	return "<html></html>", nil
}

func (f *fakeFarm) CurrentURL(context.Context, string) (string, error) { return "about:blank", nil }
func (f *fakeFarm) Type(context.Context, string, string, string) error { return nil }
func (f *fakeFarm) Click(context.Context, string, string) error        { return nil }
func (f *fakeFarm) Status(context.Context) error                       { return nil }

func (f *fakeFarm) Cookies(_ context.Context, id string) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "JSESSIONID", Value: id}}, nil
}

// dropped reports id as invalid once. f.mu must be held.
func (f *fakeFarm) dropped(id string) error {
	if !f.gone[id] {
		return nil
	}
	delete(f.gone, id)
	return crawlerr.New(crawlerr.KindNavigation, "webdriver",
		fmt.Errorf("%w: invalid session id", session.ErrSessionExpired))
}

func (f *fakeFarm) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[id] = true
}

func (f *fakeFarm) visits(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigated[id]...)
}

func (f *fakeFarm) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newPool(farm session.Farm, size int, timeout time.Duration) *session.Pool {
	return session.NewPool(farm, session.Config{Size: size, AcquireTimeout: timeout, TTL: time.Hour}, logger.NewNop())
}

// ── Capacity ──────────────────────────────────────────────────────────────────

func TestAcquire_ExhaustedAfterTimeout(t *testing.T) {
	pool := newPool(newFakeFarm(), 1, 20*time.Millisecond)

	first, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	defer first.Release()

	_, err = pool.Acquire(context.Background(), "seao")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrPoolExhausted)
	assert.Equal(t, crawlerr.KindPoolExhausted, crawlerr.KindOf(err))
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	pool := newPool(newFakeFarm(), 1, time.Second)

	first, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		first.Release()
	}()

	second, err := pool.Acquire(context.Background(), "seao")
	require.NoError(t, err)
	second.Release()
	assert.Equal(t, 0, pool.InUse())
}

func TestAcquire_FarmFailureIsUnavailable(t *testing.T) {
	farm := newFakeFarm()
	farm.createErr = errors.New("grid down")
	pool := newPool(farm, 1, time.Second)

	_, err := pool.Acquire(context.Background(), "merx")
	assert.ErrorIs(t, err, session.ErrPoolUnavailable)
	assert.Equal(t, crawlerr.KindPoolUnavailable, crawlerr.KindOf(err))

	// the slot was returned
	farm.createErr = nil
	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	l.Release()
}

// ── Lease lifecycle ───────────────────────────────────────────────────────────

func TestRelease_IsMoveOnce(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	l.Release()
	l.Release()

	assert.Equal(t, 0, pool.InUse())
	err = l.Navigate(context.Background(), "https://example.org")
	assert.ErrorIs(t, err, session.ErrSessionReleased)
	assert.Equal(t, session.StateReleased, l.Session().State)
}

func TestRelease_DestroysSession(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 2, time.Second)

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	id := l.Session().ID
	l.Release()
	assert.Equal(t, []string{id}, farm.deletedIDs())

	again, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	assert.NotEqual(t, id, again.Session().ID)
	again.Release()
	assert.Len(t, farm.deletedIDs(), 2)
	assert.Equal(t, 0, pool.InUse())
}

func TestRelease_FailedSessionIsDiscarded(t *testing.T) {
	farm := newFakeFarm()
	farm.navErr = crawlerr.New(crawlerr.KindTransientNetwork, "navigate", errors.New("reset"))
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	id := l.Session().ID
	require.Error(t, l.Navigate(context.Background(), "https://example.org"))
	l.Release()

	assert.Equal(t, []string{id}, farm.deletedIDs())
}

func TestRenew_ReplacesSessionKeepingSlot(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "toronto")
	require.NoError(t, err)
	defer l.Release()
	old := l.Session().ID

	require.NoError(t, l.Renew(context.Background()))
	assert.NotEqual(t, old, l.Session().ID)
	assert.Equal(t, session.StateActive, l.Session().State)
	assert.Equal(t, 1, pool.InUse())
	assert.Contains(t, farm.deletedIDs(), old)
}

// ── Self-healing ──────────────────────────────────────────────────────────────

func TestMarkExpired_NextCommandRunsOnNewSession(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "toronto")
	require.NoError(t, err)
	defer l.Release()
	old := l.Session().ID

	l.MarkExpired()
	require.NoError(t, l.Navigate(context.Background(), "https://example.org"))

	cur := l.Session().ID
	assert.NotEqual(t, old, cur)
	assert.Equal(t, []string{"https://example.org"}, farm.visits(cur))
	assert.Contains(t, farm.deletedIDs(), old)
	assert.Equal(t, 1, l.Renewals())
}

func TestLease_TTLElapsedRenewsAndRestoresPage(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	farm := newFakeFarm()
	pool := session.NewPool(farm, session.Config{Size: 1, TTL: time.Minute, Now: clock}, logger.NewNop())

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	defer l.Release()
	require.NoError(t, l.Navigate(context.Background(), "https://merx.com/page/3"))
	old := l.Session().ID

	now = now.Add(2 * time.Minute)
	_, err = l.PageSource(context.Background())
	require.NoError(t, err)

	cur := l.Session().ID
	assert.NotEqual(t, old, cur)
	assert.Equal(t, []string{"https://merx.com/page/3"}, farm.visits(cur))
	assert.Equal(t, session.StateActive, l.Session().State)
}

func TestLease_InvalidSessionOnceContinuesOnNewSession(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "seao")
	require.NoError(t, err)
	defer l.Release()
	require.NoError(t, l.Navigate(context.Background(), "https://seao.ca/1"))
	old := l.Session().ID

	farm.drop(old)
	require.NoError(t, l.Navigate(context.Background(), "https://seao.ca/2"))
	_, err = l.PageSource(context.Background())
	require.NoError(t, err)

	cur := l.Session().ID
	assert.NotEqual(t, old, cur)
	assert.Equal(t, []string{"https://seao.ca/2"}, farm.visits(cur))
	assert.Equal(t, 1, l.Renewals())
}

func TestLease_RenewalFailureIsReported(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "seao")
	require.NoError(t, err)
	defer l.Release()

	farm.drop(l.Session().ID)
	farm.createErr = errors.New("grid down")
	err = l.Navigate(context.Background(), "https://seao.ca/1")
	assert.ErrorIs(t, err, session.ErrPoolUnavailable)
}

func TestLease_Cookies(t *testing.T) {
	pool := newPool(newFakeFarm(), 1, time.Second)

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	defer l.Release()

	cookies, err := l.Cookies(context.Background())
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, l.Session().ID, cookies[0].Value)
}

func TestClose_RefusesNewSessions(t *testing.T) {
	farm := newFakeFarm()
	pool := newPool(farm, 1, time.Second)

	l, err := pool.Acquire(context.Background(), "merx")
	require.NoError(t, err)
	id := l.Session().ID

	pool.Close()
	l.Release()
	assert.Equal(t, []string{id}, farm.deletedIDs())

	_, err = pool.Acquire(context.Background(), "merx")
	assert.ErrorIs(t, err, session.ErrPoolUnavailable)
	assert.Equal(t, 0, pool.InUse())
}
