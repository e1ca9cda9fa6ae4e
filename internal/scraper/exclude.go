package scraper

import (
	"strings"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// ContainsExcluded reports whether any exclusion term appears
// (case-insensitive) in the record's title, organization or description.
//
// Checked before a record counts as seen; matching records are dropped.
func ContainsExcluded(rec model.RawTenderRecord, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	combined := strings.ToLower(rec.Title + " " + rec.Organization + " " + rec.Description)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(combined, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
