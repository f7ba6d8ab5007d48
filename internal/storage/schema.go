package storage

import (
	"fmt"
	"regexp"
)

// identRe mirrors the bind-time identifier rule. Table names are
// interpolated into DDL and DML, so nothing else is accepted here either.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateIdent rejects unsafe table names before any interpolation.
func validateIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// quoteIdent wraps a validated identifier in double quotes.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// queueTable returns the durable queue mirror name for a target.
func queueTable(target string) string {
	return "_crawl_queue_" + target
}

// progressTable returns the progress table name for a target.
func progressTable(target string) string {
	return "_crawl_progress_" + target
}

// targetSchemaSQL builds the DDL for one target table and its auxiliary
// tables. The shared tables are part of sharedSchemaSQL.
func targetSchemaSQL(target string) string {
	t := quoteIdent(target)
	q := quoteIdent(queueTable(target))
	p := quoteIdent(progressTable(target))

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    url TEXT PRIMARY KEY NOT NULL,
    surt_key TEXT,
    domain TEXT,
    http_status INTEGER,
    body TEXT,
    content_type TEXT,
    elapsed_ms INTEGER,
    crawled_at DATETIME,
    error TEXT,
    error_type TEXT,
    etag TEXT,
    last_modified TEXT,
    content_hash TEXT,
    is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s(surt_key);
CREATE INDEX IF NOT EXISTS %[5]s ON %[1]s(domain, crawled_at);

-- Durable mirror of the in-memory frontier. Rows are inserted on enqueue
-- and deleted with the flush that writes the terminal row, so a crashed
-- run resumes from exactly the work it had not finished.
CREATE TABLE IF NOT EXISTS %[2]s (
    surt_key TEXT PRIMARY KEY NOT NULL,
    url TEXT NOT NULL,
    host TEXT NOT NULL,
    enqueued_at DATETIME NOT NULL,
    earliest_due_at DATETIME NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error_type TEXT,
    sitemap_lastmod DATETIME
);

CREATE TABLE IF NOT EXISTS %[3]s (
    run_id TEXT PRIMARY KEY NOT NULL,
    target_table TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    total_discovered INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    in_flight INTEGER NOT NULL DEFAULT 0,
    queue_depth INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK (status IN ('running', 'draining', 'done', 'cancelled', 'errored'))
);
`,
		t, q, p,
		quoteIdent("idx_"+target+"_surt"),
		quoteIdent("idx_"+target+"_domain_crawled"),
	)
}

// sharedSchemaSQL holds the tables shared across targets.
const sharedSchemaSQL = `
CREATE TABLE IF NOT EXISTS _sitemap_cache (
    sitemap_url TEXT PRIMARY KEY NOT NULL,
    host TEXT NOT NULL,
    discovered_urls TEXT NOT NULL,
    discovered_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sitemap_cache_host ON _sitemap_cache(host);

CREATE TABLE IF NOT EXISTS _discovery_status (
    host TEXT PRIMARY KEY NOT NULL,
    last_pass_at DATETIME NOT NULL,
    discovered_count INTEGER NOT NULL DEFAULT 0
);
`
