package scraper

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// dateLayouts are tried in order. Day-first layouts precede month-first ones
// because Canadian portals mostly publish day-first numeric dates.
var dateLayouts = []string{
	"2006-1-2",
	"2/1/2006",
	"1/2/2006",
	"2006-1-2 15:04:05",
	"2-Jan-2006",
	"2 Jan 2006",
	"January 2, 2006",
	"2 January 2006",
	"2006-1-2T15:04:05",
	"2006-1-2T15:04:05Z",
	time.RFC3339,
	"2-1-2006",
	"2006/1/2",
	"Jan 2, 2006",
	"2 Jan 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
}

// ParseDate reads a portal date. ok is false when no layout matches.
func ParseDate(s string) (t time.Time, ok bool) {
	s = cleanText(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseValue reads the first amount in s, such as "$1,250,000.00 CAD".
// Thousands separators are dropped. Text that holds no number yields 0.
func ParseValue(s string) float64 {
	start := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return 0
	}
	var b strings.Builder
	for _, r := range s[start:] {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
		default:
			v, _ := strconv.ParseFloat(strings.TrimRight(b.String(), "."), 64)
			return v
		}
	}
	v, _ := strconv.ParseFloat(strings.TrimRight(b.String(), "."), 64)
	return v
}

var errNoTitle = errors.New("row has no title")

// parseRow reads one listing row with the descriptor's field selectors.
func parseRow(s *goquery.Selection, d model.PortalDescriptor, pageURL string) (model.RawTenderRecord, error) {
	sel := d.Selectors
	field := func(q string) string {
		if q == "" {
			return ""
		}
		return cleanText(s.Find(q).First().Text())
	}

	rec := model.RawTenderRecord{
		PortalID:     d.ID,
		Title:        field(sel.Title),
		Organization: field(sel.Organization),
		Value:        ParseValue(field(sel.Value)),
		Description:  field(sel.Description),
		Location:     field(sel.Location),
		Contact:      field(sel.Contact),
	}
	if sel.Title == "" {
		rec.Title = cleanText(s.Text())
	}
	if rec.Title == "" {
		return rec, crawlerr.New(crawlerr.KindExtraction, "parse row", errNoTitle)
	}

	if sel.ExternalAttr != "" {
		rec.ExternalID = strings.TrimSpace(s.AttrOr(sel.ExternalAttr, ""))
	} else {
		rec.ExternalID = field(sel.ExternalID)
	}
	if rec.Organization == "" {
		rec.Organization = d.Organization
	}
	if rec.Location == "" {
		rec.Location = d.Location
	}
	if t, ok := ParseDate(field(sel.Posted)); ok {
		rec.PostedDate = &t
	}
	if t, ok := ParseDate(field(sel.Closing)); ok {
		rec.ClosingDate = &t
	}
	if sel.Categories != "" {
		s.Find(sel.Categories).Each(func(_ int, c *goquery.Selection) {
			if txt := cleanText(c.Text()); txt != "" {
				rec.RawCategories = append(rec.RawCategories, txt)
			}
		})
	}

	var href string
	if sel.Link == "" {
		href = s.AttrOr("href", "")
	} else {
		href = s.Find(sel.Link).First().AttrOr("href", "")
	}
	rec.TenderURL = resolveURL(pageURL, href)
	if rec.TenderURL == "" {
		rec.TenderURL = pageURL
	}
	return rec, nil
}

// cleanText trims and collapses internal whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveURL(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || href == "#" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
