// Package crawlerr classifies crawl failures so that operators see error
// kinds and counts instead of raw failure text.
package crawlerr

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Kind is a classified failure category.
type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindAuthentication    Kind = "authentication"
	KindNavigation        Kind = "navigation"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindPoolUnavailable   Kind = "pool_unavailable"
	KindExtraction        Kind = "extraction"
	KindDownloadFailed    Kind = "download_failed"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptArchive    Kind = "corrupt_archive"
	KindPersistence       Kind = "persistence"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation maps to KindCancelled; anything else unclassified is
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth another attempt with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// Summary counts classified errors by kind.
type Summary map[string]int

// Add records one occurrence of err's kind.
func (s Summary) Add(err error) {
	if err == nil {
		return
	}
	s[string(KindOf(err))]++
}

// Total is the number of recorded errors.
func (s Summary) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// Kinds returns the recorded kinds in sorted order.
func (s Summary) Kinds() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
