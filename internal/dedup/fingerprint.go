// Package dedup decides whether a scraped record is new, changed or already
// known, by content-addressed fingerprint.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

const (
	fingerprintVersion = "v1"
	sep                = "\x1f"
)

// Fingerprint is the stable dedup key of a record: a hex SHA-256 over the
// portal and external id, or over the canonical title, organization and
// closing date when the portal publishes no id.
func Fingerprint(r model.RawTenderRecord) string {
	var key string
	if id := strings.TrimSpace(r.ExternalID); id != "" {
		key = strings.Join([]string{fingerprintVersion, "id", canonical(r.PortalID), id}, sep)
	} else {
		closing := ""
		if r.ClosingDate != nil {
			closing = r.ClosingDate.UTC().Format("2006-01-02")
		}
		key = strings.Join([]string{fingerprintVersion, "content", canonical(r.Title), canonical(r.Organization), closing}, sep)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func canonical(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
