package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

const (
	// Batch flush thresholds.
	batchMaxRows = 20
	batchMaxAge  = 500 * time.Millisecond

	// slotRetryAdvance nudges an entry's due time when its host has no
	// free slot, avoiding a busy spin on the heap head.
	slotRetryAdvance = 50 * time.Millisecond

	// idleSleep bounds how long an idle worker waits before re-checking
	// the queue; shutdown is observed at this granularity.
	idleSleep = 100 * time.Millisecond
)

// worker is one member of the pool. It drains the queue until the run is
// finished, draining, or aborted. fetchCtx is the hard cancellation scope:
// an in-flight request keeps running under it through a graceful drain.
// ctx additionally ends on drain and bounds queue waits and pacing sleeps.
func (c *Crawler) worker(fetchCtx, ctx context.Context, id int) error {
	slog.Debug("worker started", "worker_id", id)
	defer slog.Debug("worker stopped", "worker_id", id)

	for {
		if ctx.Err() != nil || c.token.Draining() {
			return nil
		}

		entry := c.queue.PopDue(time.Now())
		if entry == nil {
			if c.runFinished() {
				return nil
			}
			c.sleepSlice(ctx, idleSleep)
			continue
		}

		c.processEntry(fetchCtx, ctx, id, entry)
	}
}

// runFinished reports whether no work remains anywhere: producers done,
// queue empty, nothing in flight.
func (c *Crawler) runFinished() bool {
	return c.producersDone.Load() && c.queue.Size() == 0 && c.inFlight.Load() == 0
}

// sleepSlice sleeps in shutdown-aware slices.
func (c *Crawler) sleepSlice(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		if ctx.Err() != nil || c.token.Aborted() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > idleSleep {
			remaining = idleSleep
		}
		time.Sleep(remaining)
	}
}

// processEntry runs one queue entry through robots, pacing, fetch, and
// persistence.
func (c *Crawler) processEntry(fetchCtx, ctx context.Context, id int, entry *QueueEntry) {
	host := entry.Host

	// Robots is resolved once per host; the fetch bypasses pacing since
	// it is itself the policy source.
	policy, fetched := c.sched.RobotsState(host)
	if !fetched {
		policy = c.robots.Fetch(fetchCtx, schemeOf(entry.URL), hostPortOf(entry.URL))
		c.sched.SetRobots(host, policy)
	}

	if c.cfg.RespectRobots && !policy.Allowed(RobotsPathFor(entry.URL)) {
		c.recordSkip(entry, ErrTypeRobotsDisallowed, "disallowed by robots.txt")
		return
	}

	// Host pacing: not due yet means back on the heap with the host's
	// due time; no slot means a short nudge forward.
	now := time.Now()
	if due := c.sched.DueAt(host, now); due.After(now) {
		entry.EarliestDueAt = due
		c.queue.Push(entry)
		return
	}
	if !c.sched.TryAcquire(host) {
		entry.EarliestDueAt = now.Add(slotRetryAdvance)
		c.queue.Push(entry)
		return
	}

	c.inFlight.Add(1)
	defer func() {
		c.inFlight.Add(-1)
		c.sched.Release(host)
	}()

	if err := c.sched.WaitTurn(ctx, host); err != nil {
		// Cancelled mid-wait; the entry returns to the queue untouched.
		c.queue.Push(entry)
		return
	}

	prior, err := c.storage.PriorRow(c.cfg.TargetTable, entry.URL)
	if err != nil {
		slog.Warn("prior row lookup failed", "url", entry.URL, "error", err)
		prior = nil
	}

	opts := FetchOptions{
		MaxBytes:    c.cfg.MaxResponseBytes,
		AcceptTypes: SplitTypeList(c.cfg.AcceptContentTypes),
		RejectTypes: SplitTypeList(c.cfg.RejectContentTypes),
	}
	if prior != nil {
		opts.IfNoneMatch = prior.ETag
		opts.IfModifiedSince = prior.LastModified
	}

	result, err := c.httpClient.Fetch(fetchCtx, entry.URL, opts)
	if err != nil {
		// Only a malformed request reaches here.
		c.recordSkip(entry, ErrTypeInvalidURL, err.Error())
		return
	}

	c.handleFetchResult(id, entry, prior, result)
}

// handleFetchResult classifies one fetch outcome and routes it to a
// terminal row, a policy skip, or a retry.
func (c *Crawler) handleFetchResult(id int, entry *QueueEntry, prior *PriorRow, result *FetchResult) {
	host := entry.Host
	latency := time.Duration(result.ElapsedMS) * time.Millisecond

	errType := result.ErrorType
	if errType == "" {
		errType = ClassifyStatus(result.Status, result.RetryAfter)
	}

	switch {
	case errType == "":
		// 2xx/3xx terminal success.
		c.sched.ObserveSuccess(host, latency)
		if result.Status == 304 && prior != nil {
			c.recordNotModified(entry, prior, result)
		} else {
			c.recordSuccess(entry, result)
		}
		slog.Info("fetched", "worker_id", id, "url", entry.URL, "status", result.Status, "elapsed_ms", result.ElapsedMS)

	case errType == ErrTypeContentTooLarge || errType == ErrTypeContentRejected:
		// The server answered; pacing counts it as a completed request.
		c.sched.ObserveSuccess(host, latency)
		c.recordSkip(entry, errType, result.Error)

	case IsRetryable(errType, result.Status):
		backoff := c.sched.ObserveFailure(host, ParseRetryAfter(result.RetryAfter))
		entry.AttemptCount++
		entry.LastErrorType = errType
		if entry.AttemptCount > c.cfg.MaxRetries {
			c.recordFailure(entry, result, errType)
			slog.Warn("retries exhausted", "url", entry.URL, "error_type", errType, "attempts", entry.AttemptCount)
			return
		}
		entry.EarliestDueAt = time.Now().Add(backoff)
		c.queue.Push(entry)
		slog.Debug("retry scheduled", "url", entry.URL, "error_type", errType, "attempt", entry.AttemptCount, "backoff", backoff)

	default:
		// Non-retryable: client errors, redirect loops, unknowns.
		c.sched.ObserveSuccess(host, latency)
		c.recordFailure(entry, result, errType)
	}
}

// recordSuccess writes a full terminal row for a fetched body.
func (c *Crawler) recordSuccess(entry *QueueEntry, result *FetchResult) {
	row := &ResultRow{
		URL:          result.FinalURL,
		Domain:       hostOf(result.FinalURL),
		HTTPStatus:   result.Status,
		Body:         string(result.Body),
		ContentType:  result.ContentType,
		ElapsedMS:    result.ElapsedMS,
		CrawledAt:    time.Now().UTC(),
		ETag:         result.ETag,
		LastModified: result.LastModified,
	}
	row.SURTKey = surtOrEmpty(row.URL)
	if len(result.Body) > 0 {
		sum := sha256.Sum256(result.Body)
		row.ContentHash = hex.EncodeToString(sum[:])
	}
	c.appendRow(entry, row, outcomeSucceeded)
}

// recordNotModified refreshes timestamps and validators without touching
// the stored body or its hash.
func (c *Crawler) recordNotModified(entry *QueueEntry, prior *PriorRow, result *FetchResult) {
	etag := result.ETag
	if etag == "" {
		etag = prior.ETag
	}
	lastMod := result.LastModified
	if lastMod == "" {
		lastMod = prior.LastModified
	}
	row := &ResultRow{
		URL:          entry.URL,
		SURTKey:      entry.SURTKey,
		Domain:       entry.Host,
		HTTPStatus:   prior.HTTPStatus,
		ElapsedMS:    result.ElapsedMS,
		CrawledAt:    time.Now().UTC(),
		ETag:         etag,
		LastModified: lastMod,
		ContentHash:  prior.ContentHash,
	}
	c.appendFreshen(entry, row)
}

// recordFailure writes a terminal row for an exhausted or non-retryable
// HTTP failure.
func (c *Crawler) recordFailure(entry *QueueEntry, result *FetchResult, errType string) {
	row := &ResultRow{
		URL:        entry.URL,
		SURTKey:    entry.SURTKey,
		Domain:     entry.Host,
		HTTPStatus: result.Status,
		ElapsedMS:  result.ElapsedMS,
		CrawledAt:  time.Now().UTC(),
		Error:      result.Error,
		ErrorType:  errType,
	}
	if row.Error == "" {
		row.Error = errType
	}
	c.appendRow(entry, row, outcomeFailed)
}

// recordSkip handles policy drops: robots disallow, content gating,
// invalid URLs. A synthetic row is written only when log_skipped is set.
func (c *Crawler) recordSkip(entry *QueueEntry, errType, message string) {
	if !c.cfg.LogSkipped {
		c.finishSilently(entry)
		return
	}
	row := &ResultRow{
		URL:        entry.URL,
		SURTKey:    entry.SURTKey,
		Domain:     entry.Host,
		HTTPStatus: -1,
		CrawledAt:  time.Now().UTC(),
		Error:      message,
		ErrorType:  errType,
	}
	c.appendRow(entry, row, outcomeSkipped)
}

func surtOrEmpty(rawURL string) string {
	k, err := surtKey(rawURL)
	if err != nil {
		return ""
	}
	return k
}
