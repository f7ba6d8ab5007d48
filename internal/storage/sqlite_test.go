package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mfurusho/webtable/internal/crawler"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test_webtable.db")
	s, err := NewSQLiteStorage(dbFile)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRow(url string) *crawler.ResultRow {
	return &crawler.ResultRow{
		URL:         url,
		SURTKey:     "com,example)/page",
		Domain:      "example.com",
		HTTPStatus:  200,
		Body:        "<html>body</html>",
		ContentType: "text/html",
		ElapsedMS:   42,
		CrawledAt:   time.Now().UTC().Truncate(time.Second),
		ETag:        `"v1"`,
		ContentHash: "deadbeef",
	}
}

func TestInitTarget(t *testing.T) {
	s := newTestStorage(t)

	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}
	// Idempotent.
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("second InitTarget failed: %v", err)
	}

	if err := s.InitTarget("pages; DROP TABLE pages"); err == nil {
		t.Error("malicious table name should be rejected")
	}
	if err := s.InitTarget("1pages"); err == nil {
		t.Error("identifier starting with a digit should be rejected")
	}
}

func TestUpsertBatchAndPriorRow(t *testing.T) {
	s := newTestStorage(t)
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}

	row := sampleRow("https://example.com/page")
	if err := s.UpsertBatch("pages", []*crawler.ResultRow{row}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	prior, err := s.PriorRow("pages", row.URL)
	if err != nil {
		t.Fatalf("PriorRow failed: %v", err)
	}
	if prior == nil {
		t.Fatal("expected a prior row")
	}
	if prior.ETag != `"v1"` || prior.ContentHash != "deadbeef" || prior.HTTPStatus != 200 {
		t.Errorf("prior row mismatch: %+v", prior)
	}

	// Unknown URL yields nil, not an error.
	missing, err := s.PriorRow("pages", "https://example.com/unknown")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for a missing row, got (%+v, %v)", missing, err)
	}

	// Conflict on url updates in place.
	updated := sampleRow(row.URL)
	updated.HTTPStatus = 404
	updated.ETag = `"v2"`
	updated.Body = ""
	if err := s.UpsertBatch("pages", []*crawler.ResultRow{updated}); err != nil {
		t.Fatalf("conflicting upsert failed: %v", err)
	}
	prior, _ = s.PriorRow("pages", row.URL)
	if prior.HTTPStatus != 404 || prior.ETag != `"v2"` {
		t.Errorf("row not updated on conflict: %+v", prior)
	}

	rows, err := s.LoadRows("pages")
	if err != nil {
		t.Fatalf("LoadRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("conflict should not add a second row, got %d", len(rows))
	}
}

func TestUpsertBatchFreshenOnly(t *testing.T) {
	s := newTestStorage(t)
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}

	full := sampleRow("https://example.com/page")
	if err := s.UpsertBatch("pages", []*crawler.ResultRow{full}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	freshen := &crawler.ResultRow{
		URL:         full.URL,
		ElapsedMS:   7,
		CrawledAt:   full.CrawledAt.Add(time.Hour),
		ETag:        `"v2"`,
		FreshenOnly: true,
	}
	if err := s.UpsertBatch("pages", []*crawler.ResultRow{freshen}); err != nil {
		t.Fatalf("freshen upsert failed: %v", err)
	}

	rows, err := s.LoadRows("pages")
	if err != nil || len(rows) != 1 {
		t.Fatalf("LoadRows: %v, %d rows", err, len(rows))
	}
	got := rows[0]
	if got.Body != full.Body {
		t.Errorf("freshen must not touch the body, got %q", got.Body)
	}
	if got.ContentHash != full.ContentHash {
		t.Errorf("freshen must not touch content_hash, got %q", got.ContentHash)
	}
	if got.ETag != `"v2"` {
		t.Errorf("freshen should update etag, got %q", got.ETag)
	}
	if !got.CrawledAt.After(full.CrawledAt) {
		t.Error("freshen should advance crawled_at")
	}
}

func TestDurableQueueRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	entries := []*crawler.QueueEntry{
		{
			URL:           "https://example.com/a",
			SURTKey:       "com,example)/a",
			Host:          "example.com",
			EnqueuedAt:    now,
			EarliestDueAt: now,
		},
		{
			URL:            "https://example.com/b",
			SURTKey:        "com,example)/b",
			Host:           "example.com",
			EnqueuedAt:     now.Add(time.Second),
			EarliestDueAt:  now.Add(2 * time.Second),
			AttemptCount:   2,
			LastErrorType:  "http_server_error",
			SitemapLastMod: now.Add(-time.Hour),
		},
	}

	if err := s.EnqueueDurable("pages", entries); err != nil {
		t.Fatalf("EnqueueDurable failed: %v", err)
	}

	loaded, err := s.LoadDurableQueue("pages")
	if err != nil {
		t.Fatalf("LoadDurableQueue failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded))
	}
	var b *crawler.QueueEntry
	for _, e := range loaded {
		if e.SURTKey == "com,example)/b" {
			b = e
		}
	}
	if b == nil {
		t.Fatal("entry b not restored")
	}
	if b.AttemptCount != 2 || b.LastErrorType != "http_server_error" {
		t.Errorf("retry state lost: %+v", b)
	}
	if b.SitemapLastMod.IsZero() {
		t.Error("sitemap lastmod lost")
	}

	if err := s.DeleteDurable("pages", []string{"com,example)/a"}); err != nil {
		t.Fatalf("DeleteDurable failed: %v", err)
	}
	loaded, _ = s.LoadDurableQueue("pages")
	if len(loaded) != 1 || loaded[0].SURTKey != "com,example)/b" {
		t.Errorf("expected b only after delete, got %v", loaded)
	}
}

func TestUpsertProgress(t *testing.T) {
	s := newTestStorage(t)
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}

	p := &crawler.Progress{
		RunID:       "run-1",
		TargetTable: "pages",
		StartedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		Processed:   5,
		Succeeded:   4,
		Failed:      1,
		Status:      crawler.StatusRunning,
	}
	if err := s.UpsertProgress(p); err != nil {
		t.Fatalf("UpsertProgress failed: %v", err)
	}

	p.Processed = 10
	p.Status = crawler.StatusDone
	if err := s.UpsertProgress(p); err != nil {
		t.Fatalf("second UpsertProgress failed: %v", err)
	}

	var processed int64
	var status string
	err := s.db.QueryRow(`SELECT processed, status FROM "_crawl_progress_pages" WHERE run_id = ?`, "run-1").
		Scan(&processed, &status)
	if err != nil {
		t.Fatalf("progress query failed: %v", err)
	}
	if processed != 10 || status != crawler.StatusDone {
		t.Errorf("progress not updated: processed=%d status=%s", processed, status)
	}

	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM "_crawl_progress_pages"`).Scan(&count)
	if count != 1 {
		t.Errorf("expected one progress row per run, got %d", count)
	}
}

func TestSitemapCacheTTL(t *testing.T) {
	s := newTestStorage(t)

	entries := []crawler.SitemapEntry{
		{Loc: "https://example.com/a"},
		{Loc: "https://example.com/b", LastMod: time.Now().UTC().Truncate(time.Second)},
	}
	if err := s.StoreSitemap("example.com", "https://example.com/sitemap.xml", entries); err != nil {
		t.Fatalf("StoreSitemap failed: %v", err)
	}

	cached, ok, err := s.CachedSitemap("https://example.com/sitemap.xml", time.Hour)
	if err != nil {
		t.Fatalf("CachedSitemap failed: %v", err)
	}
	if !ok || len(cached) != 2 {
		t.Fatalf("expected a hit with 2 entries, got ok=%v n=%d", ok, len(cached))
	}
	if cached[1].LastMod.IsZero() {
		t.Error("lastmod lost in the cache round trip")
	}

	// A zero TTL expires everything.
	if _, ok, _ := s.CachedSitemap("https://example.com/sitemap.xml", 0); ok {
		t.Error("expired cache row should miss")
	}

	if _, ok, _ := s.CachedSitemap("https://example.com/other.xml", time.Hour); ok {
		t.Error("unknown sitemap should miss")
	}
}

func TestUpdateDiscoveryStatus(t *testing.T) {
	s := newTestStorage(t)

	if err := s.UpdateDiscoveryStatus("example.com", 17); err != nil {
		t.Fatalf("UpdateDiscoveryStatus failed: %v", err)
	}
	if err := s.UpdateDiscoveryStatus("example.com", 23); err != nil {
		t.Fatalf("second UpdateDiscoveryStatus failed: %v", err)
	}

	var count int
	err := s.db.QueryRow(`SELECT discovered_count FROM _discovery_status WHERE host = ?`, "example.com").Scan(&count)
	if err != nil {
		t.Fatalf("discovery status query failed: %v", err)
	}
	if count != 23 {
		t.Errorf("expected the latest pass to win, got %d", count)
	}
}

func TestNullColumnsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if err := s.InitTarget("pages"); err != nil {
		t.Fatalf("InitTarget failed: %v", err)
	}

	// A policy-skip row: no body, no hash, no content type.
	skip := &crawler.ResultRow{
		URL:        "https://example.com/private",
		SURTKey:    "com,example)/private",
		Domain:     "example.com",
		HTTPStatus: -1,
		CrawledAt:  time.Now().UTC(),
		Error:      "disallowed by robots.txt",
		ErrorType:  "robots_disallowed",
	}
	if err := s.UpsertBatch("pages", []*crawler.ResultRow{skip}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	rows, err := s.LoadRows("pages")
	if err != nil || len(rows) != 1 {
		t.Fatalf("LoadRows: %v, %d rows", err, len(rows))
	}
	got := rows[0]
	if got.HTTPStatus != -1 || got.ErrorType != "robots_disallowed" {
		t.Errorf("skip row mismatch: %+v", got)
	}
	if got.Body != "" || got.ContentHash != "" || got.ContentType != "" {
		t.Errorf("null columns should come back empty: %+v", got)
	}
}
