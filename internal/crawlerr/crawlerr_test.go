package crawlerr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
)

func TestKindOf(t *testing.T) {
	inner := crawlerr.New(crawlerr.KindDownloadFailed, "download", errors.New("404"))

	tests := []struct {
		name string
		err  error
		want crawlerr.Kind
	}{
		{"nil", nil, ""},
		{"classified", inner, crawlerr.KindDownloadFailed},
		{"wrapped", fmt.Errorf("attachment: %w", inner), crawlerr.KindDownloadFailed},
		{"outermost wins", crawlerr.New(crawlerr.KindExtraction, "record", inner), crawlerr.KindExtraction},
		{"canceled", fmt.Errorf("scrape: %w", context.Canceled), crawlerr.KindCancelled},
		{"deadline", context.DeadlineExceeded, crawlerr.KindTransientNetwork},
		{"plain", errors.New("boom"), crawlerr.KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, crawlerr.KindOf(tc.err))
		})
	}
}

func TestErrorText(t *testing.T) {
	err := crawlerr.New(crawlerr.KindAuthentication, "login merx", errors.New("bad password"))
	assert.Equal(t, "login merx: authentication: bad password", err.Error())
	assert.Equal(t, "acquire: pool_exhausted", crawlerr.New(crawlerr.KindPoolExhausted, "acquire", nil).Error())
}

func TestUnwrapKeepsSentinel(t *testing.T) {
	sentinel := errors.New("session expired")
	err := crawlerr.New(crawlerr.KindTransientNetwork, "navigate", sentinel)
	assert.ErrorIs(t, err, sentinel)
}

func TestIsAndIsRetryable(t *testing.T) {
	transient := crawlerr.New(crawlerr.KindTransientNetwork, "fetch", nil)
	assert.True(t, crawlerr.Is(transient, crawlerr.KindTransientNetwork))
	assert.True(t, crawlerr.IsRetryable(transient))

	auth := crawlerr.New(crawlerr.KindAuthentication, "login", nil)
	assert.False(t, crawlerr.Is(auth, crawlerr.KindTransientNetwork))
	assert.False(t, crawlerr.IsRetryable(auth))
	assert.False(t, crawlerr.IsRetryable(context.Canceled))
}

// ── Summary ───────────────────────────────────────────────────────────────────

func TestSummary(t *testing.T) {
	s := crawlerr.Summary{}
	s.Add(nil)
	assert.Zero(t, s.Total())

	s.Add(crawlerr.New(crawlerr.KindExtraction, "row", nil))
	s.Add(crawlerr.New(crawlerr.KindExtraction, "row", nil))
	s.Add(crawlerr.New(crawlerr.KindCorruptArchive, "unzip", nil))
	s.Add(errors.New("unclassified"))

	assert.Equal(t, 4, s.Total())
	assert.Equal(t, []string{"corrupt_archive", "extraction", "internal"}, s.Kinds())
	assert.Equal(t, 2, s["extraction"])
}
