// Package api implements the scanner's HTTP surface.
//
// Routes:
//
//	GET  /health                  → liveness plus dependency checks
//	POST /crawl-runs              → start a cycle ({"portalId": "..."} optional)
//	GET  /crawl-runs/{id}         → run record
//	POST /crawl-runs/{id}/cancel  → cancel a run or a whole cycle
//	GET  /tenders                 → active tenders (portal, category, priority, closingBefore, limit)
//	GET  /stats                   → latest rollup
//	GET  /portals                 → portal registry
//	GET  /metrics                 → Prometheus exposition
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawl"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/portal"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

// ─── Dependencies ─────────────────────────────────────────────────────────────

// Crawler is the orchestrator surface the API drives.
type Crawler interface {
	StartCrawlCycle(ctx context.Context, portalID string) (*crawl.Cycle, error)
	GetCrawlStatus(ctx context.Context, runID string) (model.CrawlRun, error)
	Cancel(id string) error
	InFlight() []string
}

// StatsSource serves the stats rollup.
type StatsSource interface {
	Latest() (model.Stats, bool)
	Recompute(ctx context.Context) (model.Stats, error)
}

// TenderQuerier lists active tenders.
type TenderQuerier interface {
	QueryActiveTenders(ctx context.Context, f store.Filter) ([]model.Tender, error)
}

// Check reports one dependency for /health.
type Check func(ctx context.Context) error

// ─── Response types ───────────────────────────────────────────────────────────

// CycleHandle is returned when a cycle is started.
type CycleHandle struct {
	CycleID string           `json:"cycleId"`
	Runs    []model.CrawlRun `json:"runs"`
}

// Health is the /health body.
type Health struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Checks   map[string]string `json:"checks,omitempty"`
	InFlight []string          `json:"inFlight"`
}

// ─── Handler ──────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	crawler  Crawler
	stats    StatsSource
	tenders  TenderQuerier
	registry *portal.Registry
	gatherer prometheus.Gatherer
	checks   map[string]Check
	version  string
	log      logger.Logger
}

// Options configures a Handler. Gatherer and Checks are optional.
type Options struct {
	Crawler  Crawler
	Stats    StatsSource
	Tenders  TenderQuerier
	Registry *portal.Registry
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
	Version  string
	Log      logger.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(o Options) *Handler {
	if o.Log == nil {
		o.Log = logger.NewNop()
	}
	return &Handler{
		crawler:  o.Crawler,
		stats:    o.Stats,
		tenders:  o.Tenders,
		registry: o.Registry,
		gatherer: o.Gatherer,
		checks:   o.Checks,
		version:  o.Version,
		log:      o.Log.With(logger.Component("api")),
	}
}

// RegisterRoutes mounts every route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /crawl-runs", h.startCycle)
	mux.HandleFunc("GET /crawl-runs/{id}", h.getRun)
	mux.HandleFunc("POST /crawl-runs/{id}/cancel", h.cancel)
	mux.HandleFunc("GET /tenders", h.listTenders)
	mux.HandleFunc("GET /stats", h.getStats)
	mux.HandleFunc("GET /portals", h.listPortals)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := Health{Status: "ok", Version: h.version, InFlight: h.crawler.InFlight()}
	code := http.StatusOK
	if len(h.checks) > 0 {
		body.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("Health check failed", logger.String("check", name), logger.Error(err))
			body.Checks[name] = string(crawlerr.KindOf(err))
			body.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		body.Checks[name] = "ok"
	}
	writeJSON(w, code, body)
}

func (h *Handler) startCycle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortalID string `json:"portalId"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "body must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	c, err := h.crawler.StartCrawlCycle(r.Context(), body.PortalID)
	switch {
	case errors.Is(err, crawl.ErrUnknownPortal):
		jsonError(w, "unknown portal", http.StatusNotFound)
		return
	case errors.Is(err, crawl.ErrPortalDisabled):
		jsonError(w, "portal disabled", http.StatusConflict)
		return
	case errors.Is(err, crawl.ErrShuttingDown):
		jsonError(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("Start crawl cycle failed", logger.Error(err))
		jsonError(w, string(crawlerr.KindOf(err)), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, CycleHandle{CycleID: c.ID, Runs: c.Snapshots()})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.crawler.GetCrawlStatus(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, crawl.ErrRunNotFound):
		jsonError(w, "crawl run not found", http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("Get crawl status failed", logger.Error(err))
		jsonError(w, string(crawlerr.KindOf(err)), http.StatusInternalServerError)
		return
	}
	jsonOK(w, run)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.crawler.Cancel(id); err != nil {
		jsonError(w, "no crawl run or cycle in flight with that id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (h *Handler) listTenders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		PortalID: q.Get("portal"),
		Category: q.Get("category"),
		Priority: model.Priority(q.Get("priority")),
	}
	if s := q.Get("closingBefore"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			jsonError(w, "closingBefore must be RFC 3339", http.StatusBadRequest)
			return
		}
		f.ClosingBefore = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	tenders, err := h.tenders.QueryActiveTenders(r.Context(), f)
	if err != nil {
		h.log.Error("Query tenders failed", logger.Error(err))
		jsonError(w, string(crawlerr.KindOf(err)), http.StatusInternalServerError)
		return
	}
	if tenders == nil {
		tenders = []model.Tender{}
	}
	jsonOK(w, tenders)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.stats.Latest(); ok && r.URL.Query().Get("refresh") != "true" {
		jsonOK(w, s)
		return
	}
	s, err := h.stats.Recompute(r.Context())
	if err != nil {
		h.log.Error("Stats recompute failed", logger.Error(err))
		jsonError(w, string(crawlerr.KindOf(err)), http.StatusInternalServerError)
		return
	}
	jsonOK(w, s)
}

func (h *Handler) listPortals(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, h.registry.All())
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
