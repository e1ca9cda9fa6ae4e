package scraper

import (
	"context"
	"iter"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// FileIndex reads an index page of tender links and resolves every item
// from its own detail page.
type FileIndex struct {
	base
}

func (a *FileIndex) Kind() model.AdapterKind { return model.AdapterFileIndex }

func (a *FileIndex) Scrape(ctx context.Context, b Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error] {
	return oneShot(func(yield func(model.RawTenderRecord, error) bool) {
		lim := a.limiterFor()
		doc, err := a.open(ctx, lim, b, listURL(d))
		if err != nil {
			yield(model.RawTenderRecord{}, classifyAs(crawlerr.KindNavigation, "open index", err))
			return
		}
		emitRows(ctx, a.ListRecords(doc, d), func(ctx context.Context, rec *model.RawTenderRecord) error {
			return a.resolveDetail(ctx, lim, b, d, rec)
		}, yield)
	})
}
