// Package crawler: orchestration of the crawl verbs.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mfurusho/webtable/internal/config"
	"github.com/mfurusho/webtable/internal/urlutil"
)

// Terminal outcomes counted in the progress row.
const (
	outcomeSucceeded = iota
	outcomeFailed
	outcomeSkipped
)

// durableBatchSize bounds how many queue entries are mirrored per
// statement while producing.
const durableBatchSize = 100

// siteDiscoveryParallelism bounds how many distinct hosts are discovered
// at once; within one host discovery is serialized by the scheduler.
const siteDiscoveryParallelism = 4

// Crawler executes the crawl verbs against one target table. One Crawler
// serves one run; host state, queue, and progress counters are exclusively
// owned by it for the run's duration.
type Crawler struct {
	cfg        *config.CrawlConfig
	storage    Storage
	httpClient *HTTPClient
	robots     *RobotsFetcher
	sched      *Scheduler
	queue      *WorkQueue
	discovery  *Discovery
	token      *CancellationToken

	producersDone atomic.Bool
	inFlight      atomic.Int64

	// Batch of rows awaiting flush. doneKeys are the SURT keys whose
	// durable queue rows are deleted in the same flush.
	batchMu   sync.Mutex
	batch     []*ResultRow
	doneKeys  []string
	lastFlush time.Time

	// writerMu serializes flushes and merges. Lock order across the
	// engine is queue, host shard, then writer; no path takes them in
	// reverse.
	writerMu sync.Mutex

	progressMu sync.Mutex
	progress   Progress

	bodyBytes atomic.Int64
}

// New creates a crawler bound to a validated configuration and an open
// storage. Table creation happens here: a failure is a bind-time error
// and no workers are started.
func New(cfg *config.CrawlConfig, store Storage) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := store.InitTarget(cfg.TargetTable); err != nil {
		return nil, fmt.Errorf("failed to create target tables: %w", err)
	}

	httpClient := NewHTTPClient(cfg.UserAgent, cfg.RequestTimeout(), cfg.MaxTotalConnections, cfg.Compress)
	robots := NewRobotsFetcher(httpClient, cfg.UserAgent, cfg.RespectRobots, cfg.DiscoveryTimeout())
	sched := NewScheduler(
		secondsToDuration(cfg.DefaultCrawlDelay),
		secondsToDuration(cfg.MinCrawlDelay),
		secondsToDuration(cfg.MaxCrawlDelay),
		secondsToDuration(cfg.MaxRetryBackoff),
		cfg.MaxParallelPerDomain,
		cfg.MaxTotalConnections,
	)
	queue := NewWorkQueue(cfg.QueueHighWatermark, cfg.QueueLowWatermark)

	c := &Crawler{
		cfg:        cfg,
		storage:    store,
		httpClient: httpClient,
		robots:     robots,
		sched:      sched,
		queue:      queue,
		token:      NewCancellationToken(),
		lastFlush:  time.Now(),
		progress: Progress{
			RunID:       uuid.NewString(),
			TargetTable: cfg.TargetTable,
			StartedAt:   time.Now().UTC(),
			Status:      StatusRunning,
		},
	}
	c.discovery = NewDiscovery(httpClient, robots, sched, store,
		time.Duration(cfg.SitemapCacheHours)*time.Hour, cfg.DiscoveryTimeout())
	return c, nil
}

// Token returns the run's cancellation token for signal wiring.
func (c *Crawler) Token() *CancellationToken { return c.token }

// Progress returns a snapshot of the run's progress counters.
func (c *Crawler) Progress() Progress {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	p := c.progress
	p.QueueDepth = int64(c.queue.Size())
	p.InFlight = c.inFlight.Load()
	return p
}

// CrawlInto runs the URL-source verb: the given URLs are deduplicated by
// SURT key, queued, fetched politely, and written to the target table.
// A previously interrupted run against the same target resumes first.
func (c *Crawler) CrawlInto(ctx context.Context, urls []string) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.produceURLs(ctx, urls)
	})
}

// CrawlSitesInto runs the sites verb: each site is discovered through
// robots.txt and sitemaps, the LIKE filter is pushed down, and surviving
// URLs are queued.
func (c *Crawler) CrawlSitesInto(ctx context.Context, sites []string) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.produceSites(ctx, sites)
	})
}

// MergeInto applies the three-clause merge against the target table:
// matched rows older than staleAfter are updated, new rows inserted, and
// rows absent from the source tombstoned.
func (c *Crawler) MergeInto(source []*ResultRow, staleAfter time.Duration) (MergeStats, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	return c.storage.Merge(c.cfg.TargetTable, source, staleAfter)
}

// Close releases the crawler's network resources. Storage is owned by the
// caller.
func (c *Crawler) Close() {
	c.httpClient.Close()
}

// run executes one crawl: restore the durable queue, start the producer,
// workers, flusher, and reporter, then finalize.
//
// Two cancellation scopes are in play. runCtx is the hard scope: in-flight
// fetches run under it and it ends only on abort or caller cancellation.
// waitCtx is the new-work scope: it additionally ends on a graceful drain,
// unblocking queue waits and pacing sleeps while letting current fetches
// finish.
func (c *Crawler) run(ctx context.Context, produce func(context.Context) error) error {
	restored, err := c.restoreQueue()
	if err != nil {
		return err
	}
	if restored > 0 {
		slog.Info("resuming from durable queue", "entries", restored)
	}

	c.writeProgress(StatusRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitCtx, waitCancel := context.WithCancel(runCtx)
	defer waitCancel()

	// Service goroutines live until the pool is done.
	svcCtx, svcCancel := context.WithCancel(context.Background())
	go c.flusher(svcCtx)
	go c.statsReporter(svcCtx)
	go func() {
		// Shutdown watcher: first interrupt stops new work, second kills
		// in-flight fetches.
		for {
			select {
			case <-svcCtx.Done():
				return
			default:
			}
			if c.token.Aborted() {
				cancel()
				return
			}
			if c.token.Draining() {
				waitCancel()
				c.queue.Close()
			}
			time.Sleep(idleSleep)
		}
	}()

	g, gctx := errgroup.WithContext(waitCtx)

	g.Go(func() error {
		defer c.producersDone.Store(true)
		return produce(gctx)
	})

	workers := c.cfg.MaxTotalConnections
	if workers > 64 {
		workers = 64
	}
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error { return c.worker(runCtx, gctx, id) })
	}

	runErr := g.Wait()
	svcCancel()
	if runErr != nil && (c.token.Draining() || c.token.Aborted()) {
		// Drain cancellation surfaces as context errors; not a failure.
		runErr = nil
	}

	status := StatusDone
	switch {
	case c.token.Aborted():
		status = StatusCancelled
	case c.token.Draining():
		// Remaining entries stay in the durable queue for resume.
		drained := c.queue.Drain()
		slog.Info("drained", "requeued", len(drained))
		status = StatusCancelled
	case runErr != nil && ctx.Err() == nil:
		status = StatusErrored
	}

	if !c.token.Aborted() {
		if err := c.flush(true); err != nil {
			slog.Error("final flush failed", "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	c.writeProgress(status)

	if runErr != nil && status == StatusErrored {
		return runErr
	}
	return nil
}

// restoreQueue reloads the durable mirror of a previous interrupted run.
func (c *Crawler) restoreQueue() (int, error) {
	entries, err := c.storage.LoadDurableQueue(c.cfg.TargetTable)
	if err != nil {
		return 0, fmt.Errorf("failed to restore queue: %w", err)
	}
	count := 0
	now := time.Now()
	for _, e := range entries {
		e.EarliestDueAt = now
		if c.queue.Push(e) {
			count++
		}
	}
	c.addDiscovered(int64(count))
	return count, nil
}

// produceURLs feeds the explicit URL source into the queue.
func (c *Crawler) produceURLs(ctx context.Context, urls []string) error {
	pending := make([]*QueueEntry, 0, durableBatchSize)
	for _, raw := range urls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, err := c.buildEntry(raw, "", time.Time{})
		if err != nil {
			c.recordInvalidURL(raw, err)
			continue
		}
		if c.cfg.URLFilter != "" && !MatchLike(c.cfg.URLFilter, entry.URL) {
			continue
		}
		pending = append(pending, entry)
		if len(pending) >= durableBatchSize {
			if err := c.enqueueBatch(ctx, pending); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	return c.enqueueBatch(ctx, pending)
}

// produceSites discovers each site and feeds the filtered URLs into the
// queue. Distinct hosts run concurrently.
func (c *Crawler) produceSites(ctx context.Context, sites []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(siteDiscoveryParallelism)

	for _, site := range sites {
		site := site
		g.Go(func() error {
			found, err := c.discovery.DiscoverSite(gctx, site)
			if err != nil {
				slog.Warn("site discovery failed", "site", site, "error", err)
				return nil
			}
			return c.enqueueDiscovered(gctx, found)
		})
	}
	return g.Wait()
}

// enqueueDiscovered applies the LIKE pushdown and staleness policy, then
// queues what survives.
func (c *Crawler) enqueueDiscovered(ctx context.Context, found []SitemapEntry) error {
	pending := make([]*QueueEntry, 0, durableBatchSize)
	for _, se := range found {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cfg.URLFilter != "" && !MatchLike(c.cfg.URLFilter, se.Loc) {
			continue
		}
		entry, err := c.buildEntry(se.Loc, "", se.LastMod)
		if err != nil {
			continue
		}

		prior, err := c.storage.PriorRow(c.cfg.TargetTable, entry.URL)
		if err == nil && prior != nil {
			// Already stored: re-crawl only when update_stale is on and
			// the sitemap says the page changed since we stored it. An
			// error row counts as stale the same way a success does.
			if !c.cfg.UpdateStale {
				continue
			}
			if entry.SitemapLastMod.IsZero() || !entry.SitemapLastMod.After(prior.CrawledAt) {
				continue
			}
		}

		pending = append(pending, entry)
		if len(pending) >= durableBatchSize {
			if err := c.enqueueBatch(ctx, pending); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	return c.enqueueBatch(ctx, pending)
}

// enqueueBatch mirrors entries durably and pushes them onto the heap,
// honoring the queue watermarks.
func (c *Crawler) enqueueBatch(ctx context.Context, entries []*QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.storage.EnqueueDurable(c.cfg.TargetTable, entries); err != nil {
		return fmt.Errorf("failed to persist queue entries: %w", err)
	}
	added := int64(0)
	for _, e := range entries {
		pushed, err := c.queue.PushBlocking(ctx, e)
		if err != nil {
			return err
		}
		if pushed {
			added++
		}
	}
	c.addDiscovered(added)
	return nil
}

// buildEntry normalizes a raw URL into a queue entry.
func (c *Crawler) buildEntry(raw, base string, lastMod time.Time) (*QueueEntry, error) {
	normalized, err := urlutil.Normalize(raw, base)
	if err != nil {
		return nil, err
	}
	key, err := urlutil.SURTKey(normalized)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &QueueEntry{
		URL:            normalized,
		SURTKey:        key,
		Host:           urlutil.Host(normalized),
		EnqueuedAt:     now.UTC(),
		EarliestDueAt:  now,
		SitemapLastMod: lastMod,
	}, nil
}

// recordInvalidURL emits the synthetic row for an unparseable source URL.
func (c *Crawler) recordInvalidURL(raw string, err error) {
	slog.Warn("invalid source url", "url", raw, "error", err)
	if !c.cfg.LogSkipped {
		return
	}
	c.appendRow(nil, &ResultRow{
		URL:        raw,
		HTTPStatus: -1,
		CrawledAt:  time.Now().UTC(),
		Error:      err.Error(),
		ErrorType:  ErrTypeInvalidURL,
	}, outcomeSkipped)
}

// appendRow adds a terminal row to the pending batch and flushes when the
// batch is full. entry may be nil for rows with no queue identity.
func (c *Crawler) appendRow(entry *QueueEntry, row *ResultRow, outcome int) {
	c.countOutcome(outcome)
	c.bodyBytes.Add(int64(len(row.Body)))

	c.batchMu.Lock()
	c.batch = append(c.batch, row)
	if entry != nil {
		c.doneKeys = append(c.doneKeys, entry.SURTKey)
	}
	full := len(c.batch) >= batchMaxRows
	c.batchMu.Unlock()

	if full {
		if err := c.flush(false); err != nil {
			slog.Error("batch flush failed", "error", err)
		}
	}
}

// appendFreshen queues a 304 freshen row.
func (c *Crawler) appendFreshen(entry *QueueEntry, row *ResultRow) {
	row.FreshenOnly = true
	c.appendRow(entry, row, outcomeSucceeded)
}

// finishSilently removes an entry's durable mirror without writing a row
// (log_skipped = false).
func (c *Crawler) finishSilently(entry *QueueEntry) {
	c.countOutcome(outcomeSkipped)
	c.batchMu.Lock()
	c.doneKeys = append(c.doneKeys, entry.SURTKey)
	c.batchMu.Unlock()
}

// flush writes the pending batch and deletes the matching durable queue
// rows. Progress is updated in the same step so counters reflect at least
// all flushed rows.
func (c *Crawler) flush(force bool) error {
	c.batchMu.Lock()
	if !force && len(c.batch) == 0 && len(c.doneKeys) == 0 {
		c.batchMu.Unlock()
		return nil
	}
	rows := c.batch
	keys := c.doneKeys
	c.batch = nil
	c.doneKeys = nil
	c.lastFlush = time.Now()
	c.batchMu.Unlock()

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	if len(rows) > 0 {
		if err := c.storage.UpsertBatch(c.cfg.TargetTable, rows); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		if err := c.storage.DeleteDurable(c.cfg.TargetTable, keys); err != nil {
			return err
		}
	}
	c.writeProgressLocked()
	return nil
}

// flusher enforces the age-based flush threshold.
func (c *Crawler) flusher(ctx context.Context) {
	ticker := time.NewTicker(batchMaxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.batchMu.Lock()
			due := len(c.batch) > 0 && time.Since(c.lastFlush) >= batchMaxAge
			c.batchMu.Unlock()
			if due {
				if err := c.flush(false); err != nil {
					slog.Error("periodic flush failed", "error", err)
				}
			}
		}
	}
}

// statsReporter logs run statistics every 10 seconds.
func (c *Crawler) statsReporter(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := c.Progress()
			slog.Info("crawl stats",
				"processed", p.Processed,
				"succeeded", p.Succeeded,
				"failed", p.Failed,
				"skipped", p.Skipped,
				"queued", p.QueueDepth,
				"in_flight", p.InFlight,
				"fetched", humanize.Bytes(uint64(c.bodyBytes.Load())))
		}
	}
}

func (c *Crawler) countOutcome(outcome int) {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	c.progress.Processed++
	switch outcome {
	case outcomeSucceeded:
		c.progress.Succeeded++
	case outcomeFailed:
		c.progress.Failed++
	case outcomeSkipped:
		c.progress.Skipped++
	}
}

func (c *Crawler) addDiscovered(n int64) {
	c.progressMu.Lock()
	c.progress.TotalDiscovered += n
	c.progressMu.Unlock()
}

// writeProgress persists the progress row with the given status.
func (c *Crawler) writeProgress(status string) {
	c.progressMu.Lock()
	c.progress.Status = status
	c.progressMu.Unlock()

	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	c.writeProgressLocked()
}

// writeProgressLocked persists the current progress snapshot. Caller holds
// writerMu.
func (c *Crawler) writeProgressLocked() {
	p := c.Progress()
	p.UpdatedAt = time.Now().UTC()
	if c.token.Draining() && p.Status == StatusRunning {
		p.Status = StatusDraining
	}
	if err := c.storage.UpsertProgress(&p); err != nil {
		slog.Warn("failed to write progress", "error", err)
	}
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "https"
	}
	return u.Scheme
}

func hostPortOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func hostOf(rawURL string) string {
	return urlutil.Host(rawURL)
}

func surtKey(rawURL string) (string, error) {
	return urlutil.SURTKey(rawURL)
}
