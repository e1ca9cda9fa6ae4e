package scraper_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/scraper"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/session"
)

// fakeBrowser serves HTML produced by pages for whatever URL was navigated
// to last.
type fakeBrowser struct {
	mu      sync.Mutex
	pages   func(url string) (string, error)
	current string
	visited []string
	typed   map[string]string
	clicks  int
	renews  int
	navAt   []time.Time
	// navErr, when set, decides the outcome of a navigation.
	navErr func(url string) error
}

func newBrowser(pages func(url string) (string, error)) *fakeBrowser {
	return &fakeBrowser{pages: pages, typed: map[string]string{}}
}

func staticPages(m map[string]string) func(string) (string, error) {
	return func(url string) (string, error) {
		if html, ok := m[url]; ok {
			return html, nil
		}
		return "<html><body></body></html>", nil
	}
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.navErr != nil {
		if err := b.navErr(url); err != nil {
			return err
		}
	}
	b.current = url
	b.visited = append(b.visited, url)
	b.navAt = append(b.navAt, time.Now())
	return nil
}

func (b *fakeBrowser) PageSource(context.Context) (string, error) {
	b.mu.Lock()
	url := b.current
	b.mu.Unlock()
	return b.pages(url)
}

func (b *fakeBrowser) CurrentURL(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

func (b *fakeBrowser) Type(_ context.Context, selector, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed[selector] = text
	return nil
}

func (b *fakeBrowser) Click(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clicks++
	return nil
}

func (b *fakeBrowser) Renew(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renews++
	return nil
}

func (b *fakeBrowser) Cookies(context.Context) ([]*http.Cookie, error) { return nil, nil }

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func adapter(t *testing.T, kind model.AdapterKind, opts scraper.Options) scraper.Adapter {
	t.Helper()
	opts.Retry = fastRetry()
	a, err := scraper.ForKind(kind, opts)
	require.NoError(t, err)
	require.Equal(t, kind, a.Kind())
	return a
}

type result struct {
	recs []model.RawTenderRecord
	errs []error
}

func collect(a scraper.Adapter, b scraper.Browser, d model.PortalDescriptor) result {
	var r result
	for rec, err := range a.Scrape(context.Background(), b, d) {
		if err != nil {
			r.errs = append(r.errs, err)
			continue
		}
		r.recs = append(r.recs, rec)
	}
	return r
}

func rowsHTML(n, offset int) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><table id="list">`)
	sb.WriteString(`<tr><th>No</th><th>Title</th><th>Closing</th></tr>`)
	for i := 1; i <= n; i++ {
		id := offset + i
		fmt.Fprintf(&sb, `<tr><td>T-%d</td><td><a href="/tender/%d">Tender %d</a></td><td>2026-03-15</td></tr>`, id, id, id)
	}
	sb.WriteString(`</table></body></html>`)
	return sb.String()
}

var tableSelectors = model.Selectors{
	Row:        "table#list tr:has(td)",
	ExternalID: "td:nth-child(1)",
	Title:      "td:nth-child(2)",
	Closing:    "td:nth-child(3)",
	Link:       "td:nth-child(2) a",
}

func portalDescriptor(kind model.AdapterKind, sel model.Selectors) model.PortalDescriptor {
	return model.PortalDescriptor{
		ID:           "test",
		BaseURL:      "https://portal.example.org",
		ListURL:      "https://portal.example.org/list",
		Kind:         kind,
		Cadence:      time.Hour,
		Location:     "Ontario",
		Organization: "Default Org",
		Selectors:    sel,
	}
}

// ── Static list ───────────────────────────────────────────────────────────────

func TestStaticList_ParsesRows(t *testing.T) {
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(map[string]string{d.ListURL: rowsHTML(3, 0)}))

	r := collect(adapter(t, model.AdapterStaticList, scraper.Options{}), b, d)
	require.Empty(t, r.errs)
	require.Len(t, r.recs, 3)

	first := r.recs[0]
	assert.Equal(t, "test", first.PortalID)
	assert.Equal(t, "T-1", first.ExternalID)
	assert.Equal(t, "Tender 1", first.Title)
	assert.Equal(t, "Default Org", first.Organization)
	assert.Equal(t, "Ontario", first.Location)
	assert.Equal(t, "https://portal.example.org/tender/1", first.TenderURL)
	require.NotNil(t, first.ClosingDate)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), *first.ClosingDate)
}

func TestStaticList_RowWithoutTitleFailsOnlyThatRecord(t *testing.T) {
	html := `<table id="list">
	<tr><td>A</td><td><a href="/a">First</a></td><td></td></tr>
	<tr><td>B</td><td>   </td><td></td></tr>
	<tr><td>C</td><td><a href="/c">Third</a></td><td></td></tr>
	</table>`
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(map[string]string{d.ListURL: html}))

	r := collect(adapter(t, model.AdapterStaticList, scraper.Options{}), b, d)
	assert.Len(t, r.recs, 2)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindExtraction, crawlerr.KindOf(r.errs[0]))
}

func TestStaticList_NavigationFailureAbortsAfterRetries(t *testing.T) {
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(nil))
	attempts := 0
	b.navErr = func(string) error {
		attempts++
		return crawlerr.New(crawlerr.KindTransientNetwork, "navigate", errors.New("reset"))
	}

	r := collect(adapter(t, model.AdapterStaticList, scraper.Options{}), b, d)
	assert.Empty(t, r.recs)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindNavigation, crawlerr.KindOf(r.errs[0]))
	assert.ErrorIs(t, r.errs[0], retry.ErrMaxAttemptsExceeded)
	assert.Equal(t, 3, attempts)
}

func TestStaticList_TransientFailureRecovers(t *testing.T) {
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(map[string]string{d.ListURL: rowsHTML(2, 0)}))
	failures := 1
	b.navErr = func(string) error {
		if failures > 0 {
			failures--
			return crawlerr.New(crawlerr.KindTransientNetwork, "navigate", errors.New("timeout"))
		}
		return nil
	}

	r := collect(adapter(t, model.AdapterStaticList, scraper.Options{}), b, d)
	assert.Empty(t, r.errs)
	assert.Len(t, r.recs, 2)
}

func TestScrape_SequenceIsOneShot(t *testing.T) {
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(map[string]string{d.ListURL: rowsHTML(2, 0)}))
	seq := adapter(t, model.AdapterStaticList, scraper.Options{}).Scrape(context.Background(), b, d)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)

	var second []error
	for rec, err := range seq {
		assert.Empty(t, rec.Title)
		second = append(second, err)
	}
	require.Len(t, second, 1)
	assert.ErrorIs(t, second[0], scraper.ErrSequenceConsumed)
}

func TestScrape_StopsWhenConsumerBreaks(t *testing.T) {
	d := portalDescriptor(model.AdapterStaticList, tableSelectors)
	b := newBrowser(staticPages(map[string]string{d.ListURL: rowsHTML(5, 0)}))

	n := 0
	for range adapter(t, model.AdapterStaticList, scraper.Options{}).Scrape(context.Background(), b, d) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

// ── Paginated search ──────────────────────────────────────────────────────────

func pagedSelectors() model.Selectors {
	s := tableSelectors
	s.PageURL = "https://portal.example.org/search?page=%d"
	return s
}

func TestPaginatedSearch_RespectsPageBound(t *testing.T) {
	const totalPages = 500
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(func(url string) (string, error) {
		var page int
		_, err := fmt.Sscanf(url, "https://portal.example.org/search?page=%d", &page)
		if err != nil || page > totalPages {
			return "<html></html>", nil
		}
		return rowsHTML(2, (page-1)*2), nil
	})

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{MaxPages: 50}), b, d)
	require.Empty(t, r.errs)
	assert.Len(t, r.recs, 100)
	assert.Len(t, b.visited, 50)
	assert.Equal(t, "T-1", r.recs[0].ExternalID)
	assert.Equal(t, "T-100", r.recs[99].ExternalID)
	for i, u := range b.visited {
		assert.Equal(t, fmt.Sprintf("https://portal.example.org/search?page=%d", i+1), u)
	}
}

func TestPaginatedSearch_StopsAtFirstEmptyPage(t *testing.T) {
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(staticPages(map[string]string{
		"https://portal.example.org/search?page=1": rowsHTML(2, 0),
		"https://portal.example.org/search?page=2": rowsHTML(2, 2),
		"https://portal.example.org/search?page=4": rowsHTML(2, 6),
	}))

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), b, d)
	assert.Len(t, r.recs, 4)
	assert.Len(t, b.visited, 3)
}

func TestPaginatedSearch_StopsOnRepeatedPage(t *testing.T) {
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(func(string) (string, error) { return rowsHTML(3, 0), nil })

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), b, d)
	assert.Len(t, r.recs, 3)
	assert.Len(t, b.visited, 2)
}

func TestPaginatedSearch_LaterPageFailureKeepsEarlierRecords(t *testing.T) {
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(func(url string) (string, error) { return rowsHTML(2, len(url)), nil })
	b.navErr = func(url string) error {
		if strings.HasSuffix(url, "page=2") {
			return crawlerr.New(crawlerr.KindTransientNetwork, "navigate", errors.New("502"))
		}
		return nil
	}

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), b, d)
	assert.Len(t, r.recs, 2)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindNavigation, crawlerr.KindOf(r.errs[0]))
}

func TestPaginatedSearch_ResolvesDetailPages(t *testing.T) {
	sel := pagedSelectors()
	sel.DetailDescription = "div.body"
	sel.Attachment = "a.doc"
	d := portalDescriptor(model.AdapterPaginatedSearch, sel)
	b := newBrowser(func(url string) (string, error) {
		switch {
		case strings.HasSuffix(url, "page=1"):
			return rowsHTML(2, 0), nil
		case strings.Contains(url, "/tender/"):
			return `<html><body><div class="body">Full scope</div><a class="doc" href="/files/scope.pdf">scope</a></body></html>`, nil
		}
		return "<html></html>", nil
	})

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), b, d)
	require.Empty(t, r.errs)
	require.Len(t, r.recs, 2)
	for _, rec := range r.recs {
		assert.Equal(t, "Full scope", rec.Description)
		assert.Equal(t, []string{"https://portal.example.org/files/scope.pdf"}, rec.AttachmentURLs)
	}
	assert.Contains(t, b.visited, "https://portal.example.org/tender/1")
	assert.Contains(t, b.visited, "https://portal.example.org/tender/2")
}

func TestPaginatedSearch_SpacesPageLoads(t *testing.T) {
	const interval = 50 * time.Millisecond
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(staticPages(map[string]string{
		"https://portal.example.org/search?page=1": rowsHTML(1, 0),
		"https://portal.example.org/search?page=2": rowsHTML(1, 1),
	}))

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{PageInterval: interval}), b, d)
	require.Len(t, r.recs, 2)
	require.Len(t, b.navAt, 3)
	for i := 1; i < len(b.navAt); i++ {
		assert.GreaterOrEqual(t, b.navAt[i].Sub(b.navAt[i-1]), interval-10*time.Millisecond, "gap before load %d", i)
	}
}

func TestPaginatedSearch_ErrorNamesKindOnce(t *testing.T) {
	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	b := newBrowser(staticPages(nil))
	b.navErr = func(string) error {
		return crawlerr.New(crawlerr.KindNavigation, "session", errors.New("page gone"))
	}

	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), b, d)
	require.Len(t, r.errs, 1)
	msg := r.errs[0].Error()
	assert.Equal(t, crawlerr.KindNavigation, crawlerr.KindOf(r.errs[0]))
	assert.Equal(t, 1, strings.Count(msg, "navigation"), msg)
	assert.Contains(t, msg, "open page 1")
}

// sessionFarm is a session.Farm whose clock moves two minutes per page load.
// It forgets sessions older than ttl, as a grid would.
type sessionFarm struct {
	mu      sync.Mutex
	now     time.Time
	ttl     time.Duration
	next    int
	born    map[string]time.Time
	current map[string]string
	pages   func(url string) string
}

func newSessionFarm(ttl time.Duration, pages func(string) string) *sessionFarm {
	return &sessionFarm{
		now:     time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		ttl:     ttl,
		born:    map[string]time.Time{},
		current: map[string]string{},
		pages:   pages,
	}
}

func (f *sessionFarm) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *sessionFarm) alive(id string) error {
	if f.now.Sub(f.born[id]) >= f.ttl {
		return crawlerr.New(crawlerr.KindNavigation, "webdriver",
			fmt.Errorf("%w: invalid session id", session.ErrSessionExpired))
	}
	return nil
}

func (f *sessionFarm) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("s%d", f.next)
	f.born[id] = f.now
	return id, nil
}

func (f *sessionFarm) DeleteSession(context.Context, string) error { return nil }

func (f *sessionFarm) Navigate(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.alive(id); err != nil {
		return err
	}
	f.now = f.now.Add(2 * time.Minute)
	f.current[id] = url
	return nil
}

func (f *sessionFarm) PageSource(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.alive(id); err != nil {
		return "", err
	}
	return f.pages(f.current[id]), nil
}

func (f *sessionFarm) CurrentURL(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[id], nil
}

func (f *sessionFarm) Type(context.Context, string, string, string) error { return nil }
func (f *sessionFarm) Click(context.Context, string, string) error        { return nil }
func (f *sessionFarm) Status(context.Context) error                       { return nil }

func (f *sessionFarm) Cookies(context.Context, string) ([]*http.Cookie, error) { return nil, nil }

func (f *sessionFarm) sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func TestPaginatedSearch_OutlivesSessionTTL(t *testing.T) {
	const pages = 20
	const ttl = 10 * time.Minute
	farm := newSessionFarm(ttl, func(url string) string {
		var page int
		if _, err := fmt.Sscanf(url, "https://portal.example.org/search?page=%d", &page); err != nil || page > pages {
			return "<html></html>"
		}
		return rowsHTML(2, (page-1)*2)
	})
	pool := session.NewPool(farm, session.Config{Size: 1, TTL: ttl, Now: farm.clock}, logger.NewNop())
	lease, err := pool.Acquire(context.Background(), "test")
	require.NoError(t, err)
	defer lease.Release()

	d := portalDescriptor(model.AdapterPaginatedSearch, pagedSelectors())
	r := collect(adapter(t, model.AdapterPaginatedSearch, scraper.Options{}), lease, d)
	require.Empty(t, r.errs)
	require.Len(t, r.recs, 2*pages)
	assert.Equal(t, "T-40", r.recs[2*pages-1].ExternalID)
	assert.Greater(t, farm.sessions(), 1)
	assert.Equal(t, farm.sessions()-1, lease.Renewals())
}

// ── Authenticated ─────────────────────────────────────────────────────────────

func authDescriptor() model.PortalDescriptor {
	s := tableSelectors
	s.LoginURL = "https://portal.example.org/login"
	s.UsernameField = "#user"
	s.PasswordField = "#pass"
	s.SubmitButton = "#go"
	s.LoggedInMark = ".signed-in"
	return portalDescriptor(model.AdapterAuthenticated, s)
}

func signedIn(html string) string {
	return strings.Replace(html, "<body>", `<body><span class="signed-in"></span>`, 1)
}

func creds(string) (string, string) { return "buyer", "secret" }

func TestAuthenticated_LogsInThenLists(t *testing.T) {
	d := authDescriptor()
	b := newBrowser(staticPages(map[string]string{
		d.Selectors.LoginURL: signedIn("<html><body></body></html>"),
		d.ListURL:            signedIn(rowsHTML(2, 0)),
	}))

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{Credentials: creds}), b, d)
	require.Empty(t, r.errs)
	assert.Len(t, r.recs, 2)
	assert.Equal(t, "buyer", b.typed["#user"])
	assert.Equal(t, "secret", b.typed["#pass"])
	assert.Equal(t, 1, b.clicks)
}

func TestAuthenticated_MissingCredentialsFails(t *testing.T) {
	d := authDescriptor()
	b := newBrowser(staticPages(nil))

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{}), b, d)
	assert.Empty(t, r.recs)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindAuthentication, crawlerr.KindOf(r.errs[0]))
	assert.Empty(t, b.visited)
}

func TestAuthenticated_ReauthenticatesOnceOnExpiry(t *testing.T) {
	d := authDescriptor()
	b := newBrowser(staticPages(map[string]string{
		d.Selectors.LoginURL: signedIn("<html><body></body></html>"),
		d.ListURL:            signedIn(rowsHTML(2, 0)),
	}))
	expiredOnce := false
	b.navErr = func(url string) error {
		if url == d.ListURL && !expiredOnce {
			expiredOnce = true
			return crawlerr.New(crawlerr.KindNavigation, "navigate", session.ErrSessionExpired)
		}
		return nil
	}

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{Credentials: creds}), b, d)
	require.Empty(t, r.errs)
	assert.Len(t, r.recs, 2)
	assert.Equal(t, 1, b.renews)
	assert.Equal(t, 2, b.clicks)
}

func TestAuthenticated_StillSignedOutAfterLoginAborts(t *testing.T) {
	d := authDescriptor()
	b := newBrowser(staticPages(map[string]string{
		d.Selectors.LoginURL: signedIn("<html><body></body></html>"),
		// listing never shows the signed-in marker
		d.ListURL: rowsHTML(2, 0),
	}))

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{Credentials: creds}), b, d)
	assert.Empty(t, r.recs)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindAuthentication, crawlerr.KindOf(r.errs[0]))
	assert.Equal(t, 2, b.clicks)
}

func TestAuthenticated_ReloginsOncePerSignedOutPage(t *testing.T) {
	d := authDescriptor()
	d.Selectors.PageURL = "https://portal.example.org/search?page=%d"
	loads := map[string]int{}
	b := newBrowser(func(url string) (string, error) {
		loads[url]++
		var page int
		switch {
		case url == d.Selectors.LoginURL:
			return signedIn("<html><body></body></html>"), nil
		case url == "https://portal.example.org/search?page=4":
			return signedIn("<html><body></body></html>"), nil
		}
		if _, err := fmt.Sscanf(url, "https://portal.example.org/search?page=%d", &page); err != nil {
			return "<html></html>", nil
		}
		html := rowsHTML(2, (page-1)*2)
		// a replaced session lands on pages 2 and 3 signed out
		if page > 1 && loads[url] == 1 {
			return html, nil
		}
		return signedIn(html), nil
	})

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{Credentials: creds}), b, d)
	require.Empty(t, r.errs)
	assert.Len(t, r.recs, 6)
	assert.Equal(t, 3, b.clicks)
	assert.Zero(t, b.renews)
}

func TestAuthenticated_RejectedLogin(t *testing.T) {
	d := authDescriptor()
	b := newBrowser(staticPages(map[string]string{
		d.Selectors.LoginURL: "<html><body>Invalid password</body></html>",
	}))

	r := collect(adapter(t, model.AdapterAuthenticated, scraper.Options{Credentials: creds}), b, d)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindAuthentication, crawlerr.KindOf(r.errs[0]))
}

// ── File index ────────────────────────────────────────────────────────────────

func TestFileIndex_ResolvesDetailPages(t *testing.T) {
	d := portalDescriptor(model.AdapterFileIndex, model.Selectors{
		Row:               "a.tender",
		DetailDescription: "div.body",
		DetailContact:     "div.contact",
		DetailValue:       "span.value",
		Attachment:        "a.doc",
	})
	index := `<html><body>
	<a class="tender" href="/t/1">Leadership training</a>
	<a class="tender" href="/t/2">Broken item</a>
	</body></html>`
	detail := `<html><body><div class="body">Deliver   courses</div>
	<div class="contact">buyer@example.org</div><span class="value">$750,000.00</span>
	<a class="doc" href="/files/rfp.zip">RFP</a><a class="doc" href="/files/rfp.zip">again</a></body></html>`

	b := newBrowser(staticPages(map[string]string{
		d.ListURL:                       index,
		"https://portal.example.org/t/1": detail,
	}))
	b.navErr = func(url string) error {
		if strings.HasSuffix(url, "/t/2") {
			return crawlerr.New(crawlerr.KindTransientNetwork, "navigate", errors.New("reset"))
		}
		return nil
	}

	r := collect(adapter(t, model.AdapterFileIndex, scraper.Options{}), b, d)
	require.Len(t, r.recs, 1)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindExtraction, crawlerr.KindOf(r.errs[0]))

	rec := r.recs[0]
	assert.Equal(t, "Leadership training", rec.Title)
	assert.Equal(t, "https://portal.example.org/t/1", rec.TenderURL)
	assert.Equal(t, "Deliver courses", rec.Description)
	assert.Equal(t, "buyer@example.org", rec.Contact)
	assert.Equal(t, 750000.0, rec.Value)
	assert.Equal(t, []string{"https://portal.example.org/files/rfp.zip"}, rec.AttachmentURLs)
}

// ── CSV feed ──────────────────────────────────────────────────────────────────

const feedCSV = "\uFEFFreference_number,title_en,org_name_en,estimated_value,publication_date,date_closing,description_en,region\n" +
	"PW-25-001,Leadership coaching services,Public Services and Procurement Canada,\"$120,000.00\",2026-02-01,2026-03-15,Coaching for executives,Ontario\n" +
	"PW-25-002,Road salt supply,Transport Canada,,2026-02-02,2026-03-20,Winter supply,\n" +
	"PW-25-003,,Health Canada,,,,,\n" +
	",Orphan row,Health Canada,,,,,\n"

func feedDescriptor(url string) model.PortalDescriptor {
	d := portalDescriptor(model.AdapterCSVFeed, model.Selectors{
		ExternalID:   "reference_number,solicitation_number",
		Title:        "title_en,title",
		Organization: "org_name_en,department_en",
		Value:        "contract_value,estimated_value",
		Posted:       "publication_date",
		Closing:      "date_closing,closing_date",
		Description:  "description_en",
		Location:     "delivery_region_en,region",
		Link:         "https://canadabuys.canada.ca/en/tender-opportunities/%s",
	})
	d.ListURL = url
	return d
}

func feedServer(t *testing.T, body string, failFirst int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failFirst > 0 {
			failFirst--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/tenders.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCSVFeed_MapsColumns(t *testing.T) {
	srv := feedServer(t, feedCSV, 1)

	r := collect(adapter(t, model.AdapterCSVFeed, scraper.Options{}), nil, feedDescriptor(srv.URL+"/tenders.csv"))
	require.Len(t, r.recs, 2)
	require.Len(t, r.errs, 2)
	for _, err := range r.errs {
		assert.Equal(t, crawlerr.KindExtraction, crawlerr.KindOf(err))
	}

	first := r.recs[0]
	assert.Equal(t, "PW-25-001", first.ExternalID)
	assert.Equal(t, "Leadership coaching services", first.Title)
	assert.Equal(t, "Public Services and Procurement Canada", first.Organization)
	assert.Equal(t, 120000.0, first.Value)
	assert.Equal(t, "Coaching for executives", first.Description)
	assert.Equal(t, "Ontario", first.Location)
	assert.Equal(t, "https://canadabuys.canada.ca/en/tender-opportunities/PW-25-001", first.TenderURL)
	require.NotNil(t, first.ClosingDate)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), *first.ClosingDate)
	require.NotNil(t, first.PostedDate)

	assert.Equal(t, "Ontario", r.recs[1].Location, "falls back to the portal location")
}

func TestCSVFeed_KeepsOnlyRelevantRows(t *testing.T) {
	srv := feedServer(t, feedCSV, 0)
	relevant := func(rec model.RawTenderRecord) bool {
		return strings.Contains(strings.ToLower(rec.Title+" "+rec.Description), "coaching")
	}

	r := collect(adapter(t, model.AdapterCSVFeed, scraper.Options{Relevant: relevant}), nil, feedDescriptor(srv.URL+"/tenders.csv"))
	require.Len(t, r.recs, 1)
	assert.Equal(t, "PW-25-001", r.recs[0].ExternalID)
}

func TestCSVFeed_MissingFeedAborts(t *testing.T) {
	srv := feedServer(t, feedCSV, 0)

	r := collect(adapter(t, model.AdapterCSVFeed, scraper.Options{}), nil, feedDescriptor(srv.URL+"/gone.csv"))
	assert.Empty(t, r.recs)
	require.Len(t, r.errs, 1)
	assert.Equal(t, crawlerr.KindNavigation, crawlerr.KindOf(r.errs[0]))
	assert.Equal(t, 1, strings.Count(r.errs[0].Error(), "navigation"))
}

func TestForKind_Unknown(t *testing.T) {
	_, err := scraper.ForKind("ftp", scraper.Options{})
	assert.Error(t, err)
}
