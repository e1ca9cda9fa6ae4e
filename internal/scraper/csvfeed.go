package scraper

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
)

const maxFeedSize = 256 << 20

var (
	errNoReference  = errors.New("row has no reference number")
	errFeedTooLarge = errors.New("feed exceeds size limit")
)

// CSVFeed reads an open-data CSV export over plain HTTP. The descriptor's
// field selectors name columns instead of CSS selectors; a comma separated
// list names alternatives tried in order. Link, when set, is a fmt template
// receiving the reference number and yields the tender URL.
//
// Feeds carry every tender the source publishes, so rows are kept only when
// Options.Relevant accepts them.
type CSVFeed struct {
	base
}

func (a *CSVFeed) Kind() model.AdapterKind { return model.AdapterCSVFeed }

// Scrape ignores the browser.
func (a *CSVFeed) Scrape(ctx context.Context, _ Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error] {
	return oneShot(func(yield func(model.RawTenderRecord, error) bool) {
		log := a.opts.Log.With(logger.String("portal_id", d.ID))

		raw, err := a.fetch(ctx, listURL(d))
		if err != nil {
			yield(model.RawTenderRecord{}, classifyAs(crawlerr.KindNavigation, "fetch feed", err))
			return
		}

		r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte("\uFEFF"))))
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		header, err := r.Read()
		if err != nil {
			yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindNavigation, "read feed header", err))
			return
		}
		cols := columnIndex(header)

		var rows, kept int
		for {
			if ctx.Err() != nil {
				yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindCancelled, "read feed", ctx.Err()))
				return
			}
			fields, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			rows++
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				if !yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindExtraction, fmt.Sprintf("feed line %d", perr.Line), err)) {
					return
				}
				continue
			}
			if err != nil {
				yield(model.RawTenderRecord{}, crawlerr.New(crawlerr.KindNavigation, "read feed", err))
				return
			}

			rec, err := feedRecord(cols, fields, d)
			if err == nil && a.opts.Relevant != nil && !a.opts.Relevant(rec) {
				continue
			}
			if err == nil {
				kept++
			}
			if !yield(rec, err) {
				return
			}
		}
		log.Debug("Feed read", logger.Int("rows", rows), logger.Int("kept", kept))
	})
}

// fetch downloads the whole feed, retrying transient failures.
func (a *CSVFeed) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	lim := a.limiterFor()
	return retry.Value(ctx, a.opts.Retry, func(ctx context.Context) ([]byte, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, crawlerr.New(crawlerr.KindCancelled, "rate limit", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return nil, crawlerr.New(crawlerr.KindNavigation, "feed request", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TenderScanner/1.0)")
		req.Header.Set("Accept", "text/csv, */*")

		resp, err := a.opts.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, crawlerr.New(crawlerr.KindCancelled, "feed request", ctx.Err())
			}
			return nil, crawlerr.New(crawlerr.KindTransientNetwork, "feed request", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, crawlerr.New(crawlerr.KindTransientNetwork, "feed request", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return nil, crawlerr.New(crawlerr.KindNavigation, "feed request", fmt.Errorf("status %d", resp.StatusCode))
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize+1))
		if err != nil {
			return nil, crawlerr.New(crawlerr.KindTransientNetwork, "read feed", err)
		}
		if len(raw) > maxFeedSize {
			return nil, crawlerr.New(crawlerr.KindNavigation, "read feed", errFeedTooLarge)
		}
		return raw, nil
	})
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	return cols
}

// feedRecord maps one CSV row through the descriptor's column names.
func feedRecord(cols map[string]int, fields []string, d model.PortalDescriptor) (model.RawTenderRecord, error) {
	sel := d.Selectors
	col := func(names string) string {
		for _, n := range strings.Split(names, ",") {
			i, ok := cols[strings.ToLower(strings.TrimSpace(n))]
			if ok && i < len(fields) {
				if v := cleanText(fields[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	rec := model.RawTenderRecord{
		PortalID:     d.ID,
		ExternalID:   col(sel.ExternalID),
		Title:        col(sel.Title),
		Organization: col(sel.Organization),
		Value:        ParseValue(col(sel.Value)),
		Description:  col(sel.Description),
		Location:     col(sel.Location),
		Contact:      col(sel.Contact),
	}
	if rec.ExternalID == "" {
		return rec, crawlerr.New(crawlerr.KindExtraction, "feed row", errNoReference)
	}
	if rec.Title == "" {
		return rec, crawlerr.New(crawlerr.KindExtraction, "feed row "+rec.ExternalID, errNoTitle)
	}
	if rec.Organization == "" {
		rec.Organization = d.Organization
	}
	if rec.Location == "" {
		rec.Location = d.Location
	}
	if t, ok := ParseDate(col(sel.Posted)); ok {
		rec.PostedDate = &t
	}
	if t, ok := ParseDate(col(sel.Closing)); ok {
		rec.ClosingDate = &t
	}
	if c := col(sel.Categories); c != "" {
		for _, part := range strings.FieldsFunc(c, func(r rune) bool { return r == ';' || r == '*' }) {
			if part = strings.TrimSpace(part); part != "" {
				rec.RawCategories = append(rec.RawCategories, part)
			}
		}
	}
	if sel.Link != "" {
		rec.TenderURL = fmt.Sprintf(sel.Link, url.PathEscape(rec.ExternalID))
	}
	return rec, nil
}
