package scraper

import (
	"context"
	"fmt"
	"iter"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// PaginatedSearch walks a search listing page by page in ascending order.
// It stops at the first empty page or at the page bound. Records are
// completed from their detail pages when the descriptor reads any.
type PaginatedSearch struct {
	base
}

func (a *PaginatedSearch) Kind() model.AdapterKind { return model.AdapterPaginatedSearch }

func (a *PaginatedSearch) PageURL(d model.PortalDescriptor, page int) string {
	return fmt.Sprintf(d.Selectors.PageURL, page)
}

func (a *PaginatedSearch) Scrape(ctx context.Context, b Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error] {
	return oneShot(func(yield func(model.RawTenderRecord, error) bool) {
		lim := a.limiterFor()
		var enrich enricher
		if hasDetail(d) {
			enrich = func(ctx context.Context, rec *model.RawTenderRecord) error {
				return a.resolveDetail(ctx, lim, b, d, rec)
			}
		}
		a.walk(ctx, d, a, a.opener(lim, b), enrich, yield)
	})
}

type pageOpener func(ctx context.Context, pageURL string) (*goquery.Document, error)

// walk drives the page loop shared by every paginated variant. A failure on
// the first page is a navigation abort; a failure on a later page ends the
// listing after the records already produced.
func (b base) walk(ctx context.Context, d model.PortalDescriptor, p Paginator, open pageOpener,
	enrich enricher, yield func(model.RawTenderRecord, error) bool) {
	log := b.opts.Log.With(logger.String("portal_id", d.ID))

	var prev string
	for page := 1; page <= b.opts.MaxPages; page++ {
		if ctx.Err() != nil {
			yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindCancelled, "paginate", ctx.Err()))
			return
		}

		pageURL := p.PageURL(d, page)
		doc, err := open(ctx, pageURL)
		if err != nil {
			yield(model.RawTenderRecord{}, classifyAs(crawlerr.KindNavigation, fmt.Sprintf("open page %d", page), err))
			return
		}

		rows := b.ListRecords(doc, d)
		if len(rows) == 0 {
			log.Debug("Empty page, listing done", logger.Int("page", page))
			return
		}
		// Some portals clamp out-of-range page numbers to the last page.
		sig := pageSignature(rows)
		if page > 1 && sig == prev {
			log.Debug("Page repeats previous page, listing done", logger.Int("page", page))
			return
		}
		prev = sig

		if !emitRows(ctx, rows, enrich, yield) {
			return
		}
	}
	log.Debug("Page bound reached", logger.Int("max_pages", b.opts.MaxPages))
}

func pageSignature(rows []Row) string {
	var sig string
	for _, r := range rows {
		sig += r.Record.ExternalID + "\x1f" + r.Record.Title + "\x1f" + r.Record.TenderURL + "\x1e"
	}
	return sig
}

// opener binds a limiter and browser into a pageOpener.
func (b base) opener(lim *rate.Limiter, br Browser) pageOpener {
	return func(ctx context.Context, pageURL string) (*goquery.Document, error) {
		return b.open(ctx, lim, br, pageURL)
	}
}
