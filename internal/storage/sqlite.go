// Package storage persists crawl results, the durable queue mirror,
// progress rows, and the shared discovery caches in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfurusho/webtable/internal/crawler"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the crawler.Storage interface using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the store at dbPath and applies the
// shared schema.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection prevents lock conflicts; the engine serializes
	// writes behind its writer mutex anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(sharedSchemaSQL); err != nil {
		return fmt.Errorf("failed to create shared schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// InitTarget creates the target table and its auxiliary tables when absent.
func (s *SQLiteStorage) InitTarget(target string) error {
	if err := validateIdent(target); err != nil {
		return err
	}
	if _, err := s.db.Exec(targetSchemaSQL(target)); err != nil {
		return fmt.Errorf("failed to create tables for %s: %w", target, err)
	}
	return nil
}

// UpsertBatch writes a batch of rows into the target table in one
// transaction. Full rows insert or replace by URL; freshen-only rows (304
// outcomes) update the validators and timestamp while leaving the stored
// body and content_hash untouched.
func (s *SQLiteStorage) UpsertBatch(target string, rows []*crawler.ResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := validateIdent(target); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (
			url, surt_key, domain, http_status, body, content_type,
			elapsed_ms, crawled_at, error, error_type, etag, last_modified,
			content_hash, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(url) DO UPDATE SET
			surt_key = excluded.surt_key,
			domain = excluded.domain,
			http_status = excluded.http_status,
			body = excluded.body,
			content_type = excluded.content_type,
			elapsed_ms = excluded.elapsed_ms,
			crawled_at = excluded.crawled_at,
			error = excluded.error,
			error_type = excluded.error_type,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			content_hash = excluded.content_hash,
			is_deleted = 0
	`, quoteIdent(target)))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = upsert.Close() }()

	freshen, err := tx.Prepare(fmt.Sprintf(`
		UPDATE %s SET
			elapsed_ms = ?,
			crawled_at = ?,
			etag = ?,
			last_modified = ?
		WHERE url = ?
	`, quoteIdent(target)))
	if err != nil {
		return fmt.Errorf("failed to prepare freshen update: %w", err)
	}
	defer func() { _ = freshen.Close() }()

	for _, row := range rows {
		if row.FreshenOnly {
			_, err = freshen.Exec(row.ElapsedMS, row.CrawledAt,
				nullString(row.ETag), nullString(row.LastModified), row.URL)
		} else {
			_, err = upsert.Exec(
				row.URL,
				nullString(row.SURTKey),
				nullString(row.Domain),
				row.HTTPStatus,
				nullString(row.Body),
				nullString(row.ContentType),
				row.ElapsedMS,
				row.CrawledAt,
				nullString(row.Error),
				nullString(row.ErrorType),
				nullString(row.ETag),
				nullString(row.LastModified),
				nullString(row.ContentHash),
			)
		}
		if err != nil {
			return fmt.Errorf("failed to write row for %s: %w", row.URL, err)
		}
	}

	return tx.Commit()
}

// PriorRow returns the stored row for a URL, or nil when absent.
func (s *SQLiteStorage) PriorRow(target, url string) (*crawler.PriorRow, error) {
	if err := validateIdent(target); err != nil {
		return nil, err
	}

	var prior crawler.PriorRow
	var etag, lastMod, hash sql.NullString
	var crawledAt sql.NullTime
	var status sql.NullInt64
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT etag, last_modified, content_hash, crawled_at, http_status
		FROM %s WHERE url = ?
	`, quoteIdent(target)), url).Scan(&etag, &lastMod, &hash, &crawledAt, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prior row: %w", err)
	}

	prior.ETag = etag.String
	prior.LastModified = lastMod.String
	prior.ContentHash = hash.String
	if crawledAt.Valid {
		prior.CrawledAt = crawledAt.Time
	}
	prior.HTTPStatus = int(status.Int64)
	return &prior, nil
}

// EnqueueDurable mirrors queue entries into the durable queue table.
func (s *SQLiteStorage) EnqueueDurable(target string, entries []*crawler.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateIdent(target); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			surt_key, url, host, enqueued_at, earliest_due_at,
			attempt_count, last_error_type, sitemap_lastmod
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, quoteIdent(queueTable(target))))
	if err != nil {
		return fmt.Errorf("failed to prepare queue insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.Exec(
			e.SURTKey, e.URL, e.Host, e.EnqueuedAt, e.EarliestDueAt,
			e.AttemptCount, nullString(e.LastErrorType), nullTime(e.SitemapLastMod),
		); err != nil {
			return fmt.Errorf("failed to persist queue entry %s: %w", e.URL, err)
		}
	}

	return tx.Commit()
}

// DeleteDurable removes terminal entries from the durable queue table.
func (s *SQLiteStorage) DeleteDurable(target string, surtKeys []string) error {
	if len(surtKeys) == 0 {
		return nil
	}
	if err := validateIdent(target); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(fmt.Sprintf(
		`DELETE FROM %s WHERE surt_key = ?`, quoteIdent(queueTable(target))))
	if err != nil {
		return fmt.Errorf("failed to prepare queue delete: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, key := range surtKeys {
		if _, err := stmt.Exec(key); err != nil {
			return fmt.Errorf("failed to delete queue entry %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// LoadDurableQueue reads back the queue mirror of an interrupted run.
func (s *SQLiteStorage) LoadDurableQueue(target string) ([]*crawler.QueueEntry, error) {
	if err := validateIdent(target); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT surt_key, url, host, enqueued_at, earliest_due_at,
		       attempt_count, last_error_type, sitemap_lastmod
		FROM %s ORDER BY enqueued_at ASC
	`, quoteIdent(queueTable(target))))
	if err != nil {
		return nil, fmt.Errorf("failed to load durable queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*crawler.QueueEntry
	for rows.Next() {
		var e crawler.QueueEntry
		var lastErr sql.NullString
		var lastMod sql.NullTime
		if err := rows.Scan(&e.SURTKey, &e.URL, &e.Host, &e.EnqueuedAt,
			&e.EarliestDueAt, &e.AttemptCount, &lastErr, &lastMod); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.LastErrorType = lastErr.String
		if lastMod.Valid {
			e.SitemapLastMod = lastMod.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// UpsertProgress writes the progress row for a run.
func (s *SQLiteStorage) UpsertProgress(p *crawler.Progress) error {
	if err := validateIdent(p.TargetTable); err != nil {
		return err
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (
			run_id, target_table, started_at, updated_at, total_discovered,
			processed, succeeded, failed, skipped, in_flight, queue_depth, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			total_discovered = excluded.total_discovered,
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			in_flight = excluded.in_flight,
			queue_depth = excluded.queue_depth,
			status = excluded.status
	`, quoteIdent(progressTable(p.TargetTable))),
		p.RunID, p.TargetTable, p.StartedAt, p.UpdatedAt, p.TotalDiscovered,
		p.Processed, p.Succeeded, p.Failed, p.Skipped, p.InFlight,
		p.QueueDepth, p.Status)
	if err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

// CachedSitemap returns the cached URL list of a sitemap when the cache row
// is younger than ttl.
func (s *SQLiteStorage) CachedSitemap(sitemapURL string, ttl time.Duration) ([]crawler.SitemapEntry, bool, error) {
	var urlsJSON string
	var discoveredAt time.Time
	err := s.db.QueryRow(`
		SELECT discovered_urls, discovered_at FROM _sitemap_cache WHERE sitemap_url = ?
	`, sitemapURL).Scan(&urlsJSON, &discoveredAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read sitemap cache: %w", err)
	}

	if time.Since(discoveredAt) > ttl {
		return nil, false, nil
	}

	var entries []crawler.SitemapEntry
	if err := json.Unmarshal([]byte(urlsJSON), &entries); err != nil {
		return nil, false, fmt.Errorf("failed to decode sitemap cache: %w", err)
	}
	return entries, true, nil
}

// StoreSitemap caches the URLs discovered from one sitemap.
func (s *SQLiteStorage) StoreSitemap(host, sitemapURL string, entries []crawler.SitemapEntry) error {
	if entries == nil {
		entries = []crawler.SitemapEntry{}
	}
	urlsJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode sitemap entries: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO _sitemap_cache (sitemap_url, host, discovered_urls, discovered_at)
		VALUES (?, ?, ?, ?)
	`, sitemapURL, host, string(urlsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache sitemap: %w", err)
	}
	return nil
}

// UpdateDiscoveryStatus records a completed sitemap pass for a host.
func (s *SQLiteStorage) UpdateDiscoveryStatus(host string, discovered int) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO _discovery_status (host, last_pass_at, discovered_count)
		VALUES (?, ?, ?)
	`, host, time.Now().UTC(), discovered)
	if err != nil {
		return fmt.Errorf("failed to update discovery status: %w", err)
	}
	return nil
}

// LoadRows reads all rows of a result-shaped table. The merge verb uses it
// to drain its source relation.
func (s *SQLiteStorage) LoadRows(table string) ([]*crawler.ResultRow, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT url, surt_key, domain, http_status, body, content_type,
		       elapsed_ms, crawled_at, error, error_type, etag,
		       last_modified, content_hash, is_deleted
		FROM %s
	`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*crawler.ResultRow
	for rows.Next() {
		row, err := scanResultRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanResultRow(rows *sql.Rows) (*crawler.ResultRow, error) {
	var r crawler.ResultRow
	var surt, domain, body, cType, errStr, errType, etag, lastMod, hash sql.NullString
	var status, elapsed sql.NullInt64
	var crawledAt sql.NullTime
	var isDeleted int

	if err := rows.Scan(&r.URL, &surt, &domain, &status, &body, &cType,
		&elapsed, &crawledAt, &errStr, &errType, &etag, &lastMod, &hash,
		&isDeleted); err != nil {
		return nil, fmt.Errorf("failed to scan result row: %w", err)
	}

	r.SURTKey = surt.String
	r.Domain = domain.String
	r.HTTPStatus = int(status.Int64)
	r.Body = body.String
	r.ContentType = cType.String
	r.ElapsedMS = elapsed.Int64
	if crawledAt.Valid {
		r.CrawledAt = crawledAt.Time
	}
	r.Error = errStr.String
	r.ErrorType = errType.String
	r.ETag = etag.String
	r.LastModified = lastMod.String
	r.ContentHash = hash.String
	r.IsDeleted = isDeleted != 0
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
