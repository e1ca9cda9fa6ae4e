// Package scraper implements the per-portal-family scraping strategies that
// turn portal pages into raw tender records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
)

// ErrSequenceConsumed is yielded when a record sequence is ranged twice.
var ErrSequenceConsumed = errors.New("record sequence already consumed")

// Browser is the part of a remote session an adapter drives. A
// *session.Lease satisfies it.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	PageSource(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Renew(ctx context.Context) error
}

// Adapter scrapes one portal family. Every Scrape call is a fresh crawl and
// returns a one-shot sequence. A yielded error either belongs to a single
// record (the sequence continues) or is terminal (the sequence ends).
type Adapter interface {
	Kind() model.AdapterKind
	Scrape(ctx context.Context, b Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error]
}

// Capability interfaces. Variants implement the subset they need.
type (
	Navigator interface {
		Open(ctx context.Context, b Browser, pageURL string) (*goquery.Document, error)
	}
	Authenticator interface {
		Authenticate(ctx context.Context, b Browser, d model.PortalDescriptor) error
	}
	Lister interface {
		ListRecords(doc *goquery.Document, d model.PortalDescriptor) []Row
	}
	Paginator interface {
		PageURL(d model.PortalDescriptor, page int) string
	}
	DetailResolver interface {
		ResolveDetail(ctx context.Context, b Browser, d model.PortalDescriptor, rec *model.RawTenderRecord) error
	}
	AttachmentResolver interface {
		ResolveAttachments(sel *goquery.Selection, d model.PortalDescriptor, pageURL string) []string
	}
)

// Row is one parsed listing row: a record or the reason it could not be read.
type Row struct {
	Record model.RawTenderRecord
	Err    error
}

// Options tune every adapter.
type Options struct {
	Retry retry.Config
	// MaxPages bounds paginated listings.
	MaxPages int
	// PageInterval is the minimum gap between navigations on one portal.
	PageInterval time.Duration
	// Credentials resolves the login pair of an authenticated portal.
	Credentials func(portalID string) (username, password string)
	// HTTPClient fetches open-data feeds, which need no browser.
	HTTPClient *http.Client
	// Relevant, when set, keeps only the feed rows it accepts. Browser
	// listings are already filtered by their search queries.
	Relevant func(rec model.RawTenderRecord) bool
	Log      logger.Logger
}

const defaultMaxPages = 50

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}
	if o.Log == nil {
		o.Log = logger.NewNop()
	}
	if o.Credentials == nil {
		o.Credentials = func(string) (string, string) { return "", "" }
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	return o
}

// ForKind returns the adapter variant for kind.
func ForKind(kind model.AdapterKind, opts Options) (Adapter, error) {
	opts = opts.withDefaults()
	b := base{opts: opts}
	switch kind {
	case model.AdapterStaticList:
		return &StaticList{base: b}, nil
	case model.AdapterPaginatedSearch:
		return &PaginatedSearch{base: b}, nil
	case model.AdapterAuthenticated:
		return &Authenticated{base: b}, nil
	case model.AdapterFileIndex:
		return &FileIndex{base: b}, nil
	case model.AdapterCSVFeed:
		return &CSVFeed{base: b}, nil
	}
	return nil, fmt.Errorf("no adapter for kind %q", kind)
}

// base carries the navigation, listing and attachment behavior shared by
// every variant.
type base struct {
	opts Options
}

// limiterFor returns the politeness limiter for one Scrape call.
func (b base) limiterFor() *rate.Limiter {
	if b.opts.PageInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(b.opts.PageInterval), 1)
}

// open navigates to pageURL and parses the rendered page, retrying
// transient failures.
func (b base) open(ctx context.Context, lim *rate.Limiter, br Browser, pageURL string) (*goquery.Document, error) {
	return retry.Value(ctx, b.opts.Retry, func(ctx context.Context) (*goquery.Document, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, crawlerr.New(crawlerr.KindCancelled, "rate limit", err)
		}
		if err := br.Navigate(ctx, pageURL); err != nil {
			return nil, err
		}
		src, err := br.PageSource(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
		if err != nil {
			return nil, crawlerr.New(crawlerr.KindExtraction, "parse page", err)
		}
		doc.Url, _ = url.Parse(pageURL)
		return doc, nil
	})
}

// Open implements Navigator without a politeness limit.
func (b base) Open(ctx context.Context, br Browser, pageURL string) (*goquery.Document, error) {
	return b.open(ctx, rate.NewLimiter(rate.Inf, 1), br, pageURL)
}

func (b base) ListRecords(doc *goquery.Document, d model.PortalDescriptor) []Row {
	pageURL := ""
	if doc.Url != nil {
		pageURL = doc.Url.String()
	}
	var rows []Row
	doc.Find(d.Selectors.Row).Each(func(_ int, s *goquery.Selection) {
		rec, err := parseRow(s, d, pageURL)
		if err == nil {
			rec.AttachmentURLs = b.ResolveAttachments(s, d, pageURL)
		}
		rows = append(rows, Row{Record: rec, Err: err})
	})
	return rows
}

func (b base) ResolveAttachments(sel *goquery.Selection, d model.PortalDescriptor, pageURL string) []string {
	if d.Selectors.Attachment == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	sel.Find(d.Selectors.Attachment).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		u := resolveURL(pageURL, href)
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	})
	return out
}

// oneShot wraps seq so that only its first range produces records.
func oneShot(seq iter.Seq2[model.RawTenderRecord, error]) iter.Seq2[model.RawTenderRecord, error] {
	var used atomic.Bool
	return func(yield func(model.RawTenderRecord, error) bool) {
		if used.Swap(true) {
			yield(model.RawTenderRecord{}, ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}

// classifyAs reclassifies err as kind unless it already names a
// cancellation or an authentication failure. An error already of kind only
// gains op as context.
func classifyAs(kind crawlerr.Kind, op string, err error) error {
	switch crawlerr.KindOf(err) {
	case crawlerr.KindCancelled, crawlerr.KindAuthentication:
		return err
	case kind:
		return fmt.Errorf("%s: %w", op, err)
	}
	return crawlerr.New(kind, op, err)
}

// enricher completes a listed record, typically from its detail page.
type enricher func(ctx context.Context, rec *model.RawTenderRecord) error

// emitRows yields every row of a listing page and reports whether the
// consumer wants more. A failed enrichment fails only its own record.
// Cancellation is checked between rows; a row whose enrichment has begun is
// completed.
func emitRows(ctx context.Context, rows []Row, enrich enricher, yield func(model.RawTenderRecord, error) bool) bool {
	for _, r := range rows {
		if ctx.Err() != nil {
			yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindCancelled, "list rows", ctx.Err()))
			return false
		}
		if r.Err == nil && enrich != nil {
			if err := enrich(context.WithoutCancel(ctx), &r.Record); err != nil {
				r.Err = err
			}
		}
		if !yield(r.Record, r.Err) {
			return false
		}
	}
	return true
}

// hasDetail reports whether the descriptor reads anything from detail pages.
func hasDetail(d model.PortalDescriptor) bool {
	s := d.Selectors
	return s.DetailDescription != "" || s.DetailContact != "" || s.DetailValue != ""
}

// resolveDetail opens the record's detail page and fills the fields its
// listing row lacks.
func (b base) resolveDetail(ctx context.Context, lim *rate.Limiter, br Browser, d model.PortalDescriptor, rec *model.RawTenderRecord) error {
	if rec.TenderURL == "" {
		return nil
	}
	doc, err := b.open(ctx, lim, br, rec.TenderURL)
	if err != nil {
		return classifyAs(crawlerr.KindExtraction, "resolve detail", err)
	}
	sel := d.Selectors
	text := func(q string) string {
		if q == "" {
			return ""
		}
		return cleanText(doc.Find(q).First().Text())
	}
	if v := text(sel.DetailDescription); v != "" {
		rec.Description = v
	}
	if v := text(sel.DetailContact); v != "" {
		rec.Contact = v
	}
	if rec.Value == 0 {
		rec.Value = ParseValue(text(sel.DetailValue))
	}
	for _, u := range b.ResolveAttachments(doc.Selection, d, rec.TenderURL) {
		if !slices.Contains(rec.AttachmentURLs, u) {
			rec.AttachmentURLs = append(rec.AttachmentURLs, u)
		}
	}
	return nil
}

// ResolveDetail implements DetailResolver without a politeness limit.
func (b base) ResolveDetail(ctx context.Context, br Browser, d model.PortalDescriptor, rec *model.RawTenderRecord) error {
	return b.resolveDetail(ctx, rate.NewLimiter(rate.Inf, 1), br, d, rec)
}
