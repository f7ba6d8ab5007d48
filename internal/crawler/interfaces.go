package crawler

import "time"

// Storage is the persistence boundary of the engine. The crawler treats it
// as a connection that executes parameterized statements and loads batches;
// the SQLite implementation lives in internal/storage.
type Storage interface {
	// InitTarget creates the target table and its auxiliary tables when
	// absent. The name must already be validated.
	InitTarget(target string) error

	// UpsertBatch writes a batch of rows into the target table, updating
	// existing rows in place on URL conflict.
	UpsertBatch(target string, rows []*ResultRow) error

	// PriorRow returns the stored row for a URL, or nil when the URL has
	// never been written.
	PriorRow(target, url string) (*PriorRow, error)

	// Durable queue mirror for crash recovery.
	EnqueueDurable(target string, entries []*QueueEntry) error
	DeleteDurable(target string, surtKeys []string) error
	LoadDurableQueue(target string) ([]*QueueEntry, error)

	// UpsertProgress writes the progress row for the current run.
	UpsertProgress(p *Progress) error

	// Sitemap cache, shared across targets.
	CachedSitemap(sitemapURL string, ttl time.Duration) ([]SitemapEntry, bool, error)
	StoreSitemap(host, sitemapURL string, entries []SitemapEntry) error

	// UpdateDiscoveryStatus records a completed sitemap pass for a host.
	UpdateDiscoveryStatus(host string, discovered int) error

	// Merge applies the three-clause merge of the merge verb: matched rows
	// older than staleAfter are updated, unmatched source rows inserted,
	// and target rows absent from the source tombstoned.
	Merge(target string, source []*ResultRow, staleAfter time.Duration) (MergeStats, error)

	Close() error
}
