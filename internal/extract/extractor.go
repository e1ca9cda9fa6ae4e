// Package extract downloads tender attachments and unpacks them into a
// run-scoped staging area.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported attachment format")
	ErrCorruptArchive    = errors.New("corrupt or empty archive")
)

const (
	defaultMaxDownload = 100 << 20
	defaultTimeout     = 60 * time.Second
	excerptLimit       = 2000
)

// ExtractedFile is one file produced from an attachment URL.
type ExtractedFile struct {
	SourceURL   string
	Name        string
	Path        string
	Size        int64
	SHA256      string
	ContentType string
	Text        string
}

// Options configure an Extractor.
type Options struct {
	Client      *http.Client
	Retry       retry.Config
	MaxDownload int64
	Log         logger.Logger
}

type result struct {
	files []ExtractedFile
	err   error
}

// CookieSource supplies the cookies of a signed-in browser session.
type CookieSource interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// Extractor fetches and unpacks attachments for one crawl run. Identical URLs
// are fetched once per Extractor.
type Extractor struct {
	dir     string
	client  *http.Client
	retry   retry.Config
	max     int64
	log     logger.Logger
	session CookieSource

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]result
	seq   int
}

// NewExtractor creates the staging directory <root>/<runID>.
func NewExtractor(root, runID string, opts Options) (*Extractor, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.MaxDownload <= 0 {
		opts.MaxDownload = defaultMaxDownload
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	return &Extractor{
		dir:    dir,
		client: opts.Client,
		retry:  opts.Retry,
		max:    opts.MaxDownload,
		log:    opts.Log.With(logger.Component("extract")),
		cache:  make(map[string]result),
	}, nil
}

// UseSession makes downloads carry the cookies src holds for the
// attachment's host. Portals whose documents sit behind a login need it.
// It must be called before the first fetch.
func (e *Extractor) UseSession(src CookieSource) { e.session = src }

// Dir is the run's staging directory.
func (e *Extractor) Dir() string { return e.dir }

// Close removes the staging directory and everything extracted into it.
func (e *Extractor) Close() error {
	return os.RemoveAll(e.dir)
}

// FetchAndExtract downloads rawURL and returns the files it holds. Archives
// are expanded recursively; other supported formats come back as one file.
func (e *Extractor) FetchAndExtract(ctx context.Context, rawURL string) ([]ExtractedFile, error) {
	v, _, _ := e.group.Do(rawURL, func() (any, error) {
		e.mu.Lock()
		if r, ok := e.cache[rawURL]; ok {
			e.mu.Unlock()
			return r, nil
		}
		e.mu.Unlock()

		files, err := e.fetchAndExtract(ctx, rawURL)
		r := result{files: files, err: err}
		// A cancelled fetch is not a property of the URL.
		if crawlerr.KindOf(err) != crawlerr.KindCancelled {
			e.mu.Lock()
			e.cache[rawURL] = r
			e.mu.Unlock()
		}
		return r, nil
	})
	r := v.(result)
	return cloneFiles(r.files), r.err
}

func (e *Extractor) fetchAndExtract(ctx context.Context, rawURL string) ([]ExtractedFile, error) {
	e.mu.Lock()
	e.seq++
	slot := filepath.Join(e.dir, fmt.Sprintf("%04d", e.seq))
	e.mu.Unlock()
	if err := os.MkdirAll(slot, 0o750); err != nil {
		return nil, crawlerr.New(crawlerr.KindInternal, "staging", err)
	}

	name, dst, err := e.download(ctx, rawURL, slot)
	if err != nil {
		return nil, err
	}

	files, err := classify(dst, name, filepath.Join(slot, "extracted"), 0)
	if err != nil {
		e.log.Warn("Attachment not extracted",
			logger.String("url", rawURL),
			logger.String("kind", string(crawlerr.KindOf(err))),
			logger.Error(err))
		return nil, err
	}
	for i := range files {
		files[i].SourceURL = rawURL
	}
	return files, nil
}

// download streams rawURL into dir, retrying transient failures, and returns
// the attachment's file name and path.
func (e *Extractor) download(ctx context.Context, rawURL, dir string) (string, string, error) {
	type fetched struct{ name, path string }
	f, err := retry.Value(ctx, e.retry, func(ctx context.Context) (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fetched{}, crawlerr.New(crawlerr.KindDownloadFailed, "download", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TenderScanner/1.0)")
		e.addCookies(ctx, req)

		resp, err := e.client.Do(req)
		if err != nil {
			return fetched{}, crawlerr.New(crawlerr.KindTransientNetwork, "download", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fetched{}, crawlerr.New(crawlerr.KindTransientNetwork, "download",
				fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fetched{}, crawlerr.New(crawlerr.KindDownloadFailed, "download",
				fmt.Errorf("status %d", resp.StatusCode))
		}

		name := fileName(rawURL, resp.Header.Get("Content-Disposition"))
		dst := filepath.Join(dir, name)
		out, err := os.Create(dst)
		if err != nil {
			return fetched{}, crawlerr.New(crawlerr.KindInternal, "download", err)
		}
		n, err := io.Copy(out, io.LimitReader(resp.Body, e.max+1))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fetched{}, crawlerr.New(crawlerr.KindTransientNetwork, "download", err)
		}
		if n > e.max {
			return fetched{}, crawlerr.New(crawlerr.KindDownloadFailed, "download",
				fmt.Errorf("attachment exceeds %d bytes", e.max))
		}
		return fetched{name: name, path: dst}, nil
	})
	if err != nil {
		switch crawlerr.KindOf(err) {
		case crawlerr.KindCancelled, crawlerr.KindDownloadFailed:
			return "", "", err
		}
		return "", "", crawlerr.New(crawlerr.KindDownloadFailed, "download", err)
	}
	return f.name, f.path, nil
}

// addCookies attaches the session cookies scoped to the request host. A
// session that cannot report its cookies leaves the request anonymous.
func (e *Extractor) addCookies(ctx context.Context, req *http.Request) {
	if e.session == nil {
		return
	}
	cookies, err := e.session.Cookies(ctx)
	if err != nil {
		e.log.Warn("Session cookies unavailable", logger.String("url", req.URL.String()), logger.Error(err))
		return
	}
	host := req.URL.Hostname()
	for _, c := range cookies {
		if cookieMatches(c, host) {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
}

func cookieMatches(c *http.Cookie, host string) bool {
	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain == "" {
		return true
	}
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// fileName picks a safe local name from Content-Disposition or the URL path.
func fileName(rawURL, disposition string) string {
	var name string
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	return name
}

// ToAttachments converts extracted files to their persisted description.
func ToAttachments(files []ExtractedFile) []model.Attachment {
	out := make([]model.Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, model.Attachment{
			SourceURL:   f.SourceURL,
			Name:        f.Name,
			ContentType: f.ContentType,
			Size:        f.Size,
			SHA256:      f.SHA256,
			Excerpt:     excerpt(f.Text),
		})
	}
	return out
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= excerptLimit {
		return s
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func cloneFiles(in []ExtractedFile) []ExtractedFile {
	if in == nil {
		return nil
	}
	return append([]ExtractedFile(nil), in...)
}
