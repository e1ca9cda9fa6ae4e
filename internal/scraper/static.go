package scraper

import (
	"context"
	"iter"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// StaticList scrapes a single listing page without authentication.
type StaticList struct {
	base
}

func (a *StaticList) Kind() model.AdapterKind { return model.AdapterStaticList }

func (a *StaticList) Scrape(ctx context.Context, b Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error] {
	return oneShot(func(yield func(model.RawTenderRecord, error) bool) {
		doc, err := a.open(ctx, a.limiterFor(), b, listURL(d))
		if err != nil {
			yield(model.RawTenderRecord{}, classifyAs(crawlerr.KindNavigation, "open listing", err))
			return
		}
		emitRows(ctx, a.ListRecords(doc, d), nil, yield)
	})
}

func listURL(d model.PortalDescriptor) string {
	if d.ListURL != "" {
		return d.ListURL
	}
	return d.BaseURL
}
