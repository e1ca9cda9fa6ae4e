package crawl

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/dedup"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/extract"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/scraper"
)

// task is the mutable state of one portal run while it executes.
type task struct {
	o   *Orchestrator
	run *Run
	d   model.PortalDescriptor
	log logger.Logger

	counts  model.RunCounts
	summary crawlerr.Summary
	seen    map[string]bool
	aborted bool
}

// execute runs one portal task and always finalizes its run, including
// after a panic.
func (o *Orchestrator) execute(r *Run, d model.PortalDescriptor) {
	t := &task{
		o:       o,
		run:     r,
		d:       d,
		log:     o.log.With(logger.String("portal_id", d.ID), logger.String("run_id", r.ID())),
		summary: crawlerr.Summary{},
		seen:    map[string]bool{},
	}
	started := o.cfg.Now()
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("Portal task panicked",
				logger.Any("panic", p),
				logger.String("stack", string(debug.Stack())))
			t.summary[string(crawlerr.KindInternal)]++
			t.aborted = true
		}
		t.finalize(started)
	}()

	if err := o.slots.Acquire(o.base, 1); err != nil {
		t.fail(crawlerr.New(crawlerr.KindCancelled, "wait for slot", err))
		return
	}
	defer o.slots.Release(1)
	if r.stopped() {
		return
	}
	if err := r.transition(model.RunRunning, o.cfg.Now()); err != nil {
		t.fail(crawlerr.New(crawlerr.KindInternal, "start run", err))
		return
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RunsInFlight.Inc()
		defer o.deps.Metrics.RunsInFlight.Dec()
	}
	t.log.Info("Portal run started", logger.String("kind", string(d.Kind)))
	t.scrape()
}

// scrape drives the adapter and feeds every record through the pipeline.
func (t *task) scrape() {
	o := t.o
	adapter, err := scraper.ForKind(t.d.Kind, o.cfg.Adapter)
	if err != nil {
		t.fail(crawlerr.New(crawlerr.KindInternal, "select adapter", err))
		return
	}

	// Cancel stops the scrape. Record processing runs on the task context
	// so that an extraction in progress is never cut short.
	scrapeCtx, cancel := context.WithCancel(o.base)
	defer cancel()
	t.run.setCancel(cancel)

	var browser scraper.Browser
	var lease Lease
	if t.d.Kind.NeedsBrowser() {
		lease, err = o.deps.Sessions.Acquire(scrapeCtx, t.d.ID)
		if err != nil {
			t.fail(err)
			return
		}
		defer lease.Release()
		browser = lease
	}

	ex, err := extract.NewExtractor(o.cfg.StagingDir, t.run.ID(), o.cfg.Extract)
	if err != nil {
		t.fail(crawlerr.New(crawlerr.KindInternal, "staging", err))
		return
	}
	defer func() {
		if err := ex.Close(); err != nil {
			t.log.Warn("Staging cleanup failed", logger.Error(err))
		}
	}()
	if t.d.AuthRequired && lease != nil {
		ex.UseSession(lease)
	}

	// A record already yielded is processed in full; a stop only keeps the
	// next one from being pulled.
	for rec, err := range adapter.Scrape(scrapeCtx, browser, t.d) {
		if err != nil {
			if t.recordError(err) {
				break
			}
			continue
		}
		t.process(o.base, ex, rec)
		t.publishCounts()
		if t.run.stopped() {
			break
		}
	}
}

// recordError counts a yielded error and reports whether it ends the run.
func (t *task) recordError(err error) bool {
	if t.run.stopped() && crawlerr.Is(err, crawlerr.KindCancelled) {
		return true
	}
	kind := crawlerr.KindOf(err)
	t.summary.Add(err)
	t.o.countError(t.d.ID, kind)
	switch kind {
	case crawlerr.KindNavigation, crawlerr.KindAuthentication,
		crawlerr.KindPoolExhausted, crawlerr.KindPoolUnavailable, crawlerr.KindCancelled:
		t.aborted = true
		t.log.Warn("Portal scrape aborted", logger.String("kind", string(kind)), logger.Error(err))
		return true
	}
	t.counts.Failed++
	t.log.Warn("Record failed", logger.String("kind", string(kind)), logger.Error(err))
	return false
}

// process takes one record through exclusion, dedup, attachment
// extraction, classification and persistence. Failures stay with the record.
func (t *task) process(ctx context.Context, ex *extract.Extractor, rec model.RawTenderRecord) {
	o := t.o
	if scraper.ContainsExcluded(rec, o.cfg.ExclusionTerms) {
		t.counts.Excluded++
		return
	}
	t.counts.Seen++

	res, err := o.dedup.Resolve(ctx, rec)
	if err != nil {
		t.recordFailure(err)
		return
	}
	t.seen[res.Fingerprint] = true

	var attachments []model.Attachment
	if res.Action != dedup.ActionUnchanged && len(rec.AttachmentURLs) > 0 {
		attachments = t.attachments(ctx, ex, rec, res.Fingerprint)
	}

	cls := o.deps.Matcher.ClassifyRecord(rec)
	tender, write := o.dedup.Apply(res, rec, cls, attachments, o.cfg.Now().UTC())
	if write {
		if err := o.deps.Store.Upsert(ctx, tender); err != nil {
			t.recordFailure(crawlerr.New(crawlerr.KindPersistence, "upsert", err))
			return
		}
	}

	switch res.Action {
	case dedup.ActionInsert:
		t.counts.New++
	case dedup.ActionUpdate:
		t.counts.Updated++
	default:
		t.counts.Unchanged++
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordsTotal.WithLabelValues(t.d.ID, string(res.Action)).Inc()
	}
}

// attachments extracts every attachment of a record, at most the portal's
// MaxConcurrency at a time. A failed attachment is counted in the error
// summary; the record is kept without it. Files keep the order of the
// record's attachment URLs.
func (t *task) attachments(ctx context.Context, ex *extract.Extractor, rec model.RawTenderRecord, fingerprint string) []model.Attachment {
	got := make([][]extract.ExtractedFile, len(rec.AttachmentURLs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.d.MaxConcurrency, 1))
	for i, u := range rec.AttachmentURLs {
		g.Go(func() error {
			files, err := ex.FetchAndExtract(gctx, u)
			if err != nil {
				mu.Lock()
				t.summary.Add(err)
				mu.Unlock()
				t.o.countError(t.d.ID, crawlerr.KindOf(err))
				return nil
			}
			got[i] = files
			return nil
		})
	}
	_ = g.Wait()

	var files []extract.ExtractedFile
	for _, f := range got {
		files = append(files, f...)
	}
	if len(files) == 0 {
		return nil
	}
	return extract.ArchiveAll(ctx, t.o.deps.Archiver, t.log, t.d.ID, fingerprint, files)
}

func (t *task) recordFailure(err error) {
	t.counts.Failed++
	t.summary.Add(err)
	t.o.countError(t.d.ID, crawlerr.KindOf(err))
	t.log.Warn("Record not persisted", logger.String("kind", string(crawlerr.KindOf(err))), logger.Error(err))
}

// fail aborts the task before any record was produced.
func (t *task) fail(err error) {
	t.aborted = true
	t.summary.Add(err)
	t.o.countError(t.d.ID, crawlerr.KindOf(err))
	t.log.Warn("Portal run failed", logger.String("kind", string(crawlerr.KindOf(err))), logger.Error(err))
}

func (t *task) publishCounts() {
	counts := t.counts
	t.run.update(func(rec *model.CrawlRun) { rec.Counts = counts })
}

// finalize freezes and records the run. It runs for every task, whatever
// state the task reached.
func (t *task) finalize(started time.Time) {
	o := t.o
	defer close(t.run.done)
	defer o.flight.clear(t.run)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), o.cfg.PersistTimeout)
	defer cancel()

	stopped := t.run.stopped()
	outcome := PortalOutcome(t.counts, t.aborted, stopped)
	if t.o.deps.Sweeper != nil {
		if _, err := o.deps.Sweeper.Sweep(ctx, t.d.ID, t.seen, o.cfg.Now().UTC(), outcome == model.OutcomeSuccess); err != nil {
			t.log.Warn("Lifecycle sweep failed", logger.Error(err))
		}
	}

	counts, summary := t.counts, t.summary
	t.run.update(func(rec *model.CrawlRun) {
		rec.Counts = counts
		rec.Outcome = outcome
		rec.Cancelled = stopped
		if len(summary) > 0 {
			rec.ErrorSummary = map[string]int(summary)
		}
	})
	if err := t.run.transition(stateFor(outcome), o.cfg.Now()); err != nil {
		t.log.Error("Run state not finalized", logger.Error(err))
	}

	rec := t.run.Snapshot()
	if err := o.deps.Store.RecordCrawlRun(ctx, rec); err != nil {
		t.log.Error("Crawl run not recorded", logger.Error(err))
	}
	o.remember(rec)

	if m := o.deps.Metrics; m != nil {
		m.RunsTotal.WithLabelValues(t.d.ID, string(outcome)).Inc()
		m.RunDuration.WithLabelValues(t.d.ID).Observe(time.Since(started).Seconds())
	}
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.RunCompleted(ctx, rec); err != nil {
			t.log.Warn("Run event not published", logger.Error(err))
		}
	}
	t.log.Info("Portal run finished",
		logger.String("outcome", string(outcome)),
		logger.Bool("cancelled", stopped),
		logger.Int("seen", counts.Seen),
		logger.Int("new", counts.New),
		logger.Int("updated", counts.Updated),
		logger.Int("failed", counts.Failed),
		logger.Int("errors", summary.Total()),
		logger.Strings("error_kinds", summary.Kinds()))
}

func (o *Orchestrator) countError(portalID string, kind crawlerr.Kind) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ErrorsTotal.WithLabelValues(portalID, string(kind)).Inc()
	}
}
