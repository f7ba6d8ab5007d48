package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mfurusho/webtable/internal/crawler"
)

// Merge applies the three-clause merge against a target table, with the
// source rows matched to target rows by exact URL string:
//
//   - matched rows whose stored crawled_at is older than staleAfter are
//     updated in place (staleAfter <= 0 updates every match);
//   - source rows with no target row are inserted;
//   - target rows absent from the source are tombstoned with
//     is_deleted = 1.
//
// The whole merge runs in one transaction, so the three clauses observe a
// single snapshot of the target.
func (s *SQLiteStorage) Merge(target string, source []*crawler.ResultRow, staleAfter time.Duration) (crawler.MergeStats, error) {
	var stats crawler.MergeStats
	if err := validateIdent(target); err != nil {
		return stats, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	targetKeys, err := loadTargetKeys(tx, target)
	if err != nil {
		return stats, err
	}

	update, err := tx.Prepare(fmt.Sprintf(`
		UPDATE %s SET
			surt_key = ?, domain = ?, http_status = ?, body = ?,
			content_type = ?, elapsed_ms = ?, crawled_at = ?, error = ?,
			error_type = ?, etag = ?, last_modified = ?, content_hash = ?,
			is_deleted = 0
		WHERE url = ?
	`, quoteIdent(target)))
	if err != nil {
		return stats, fmt.Errorf("failed to prepare merge update: %w", err)
	}
	defer func() { _ = update.Close() }()

	insert, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (
			url, surt_key, domain, http_status, body, content_type,
			elapsed_ms, crawled_at, error, error_type, etag, last_modified,
			content_hash, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, quoteIdent(target)))
	if err != nil {
		return stats, fmt.Errorf("failed to prepare merge insert: %w", err)
	}
	defer func() { _ = insert.Close() }()

	now := time.Now().UTC()
	inSource := make(map[string]bool, len(source))

	for _, row := range source {
		if inSource[row.URL] {
			continue
		}
		inSource[row.URL] = true

		crawledAt, matched := targetKeys[row.URL]
		if matched {
			if staleAfter > 0 && now.Sub(crawledAt) <= staleAfter {
				continue
			}
			if _, err := update.Exec(
				nullString(row.SURTKey), nullString(row.Domain), row.HTTPStatus,
				nullString(row.Body), nullString(row.ContentType), row.ElapsedMS,
				row.CrawledAt, nullString(row.Error), nullString(row.ErrorType),
				nullString(row.ETag), nullString(row.LastModified),
				nullString(row.ContentHash), row.URL,
			); err != nil {
				return stats, fmt.Errorf("failed to update %s: %w", row.URL, err)
			}
			stats.Updated++
			continue
		}

		if _, err := insert.Exec(
			row.URL, nullString(row.SURTKey), nullString(row.Domain),
			row.HTTPStatus, nullString(row.Body), nullString(row.ContentType),
			row.ElapsedMS, row.CrawledAt, nullString(row.Error),
			nullString(row.ErrorType), nullString(row.ETag),
			nullString(row.LastModified), nullString(row.ContentHash),
		); err != nil {
			return stats, fmt.Errorf("failed to insert %s: %w", row.URL, err)
		}
		stats.Inserted++
	}

	tombstone, err := tx.Prepare(fmt.Sprintf(
		`UPDATE %s SET is_deleted = 1 WHERE url = ?`, quoteIdent(target)))
	if err != nil {
		return stats, fmt.Errorf("failed to prepare tombstone update: %w", err)
	}
	defer func() { _ = tombstone.Close() }()

	for url := range targetKeys {
		if inSource[url] {
			continue
		}
		if _, err := tombstone.Exec(url); err != nil {
			return stats, fmt.Errorf("failed to tombstone %s: %w", url, err)
		}
		stats.Tombstoned++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit merge: %w", err)
	}
	return stats, nil
}

// loadTargetKeys reads the target's URL key-set with each row's crawled_at
// for the MATCHED predicate.
func loadTargetKeys(tx *sql.Tx, target string) (map[string]time.Time, error) {
	rows, err := tx.Query(fmt.Sprintf(
		`SELECT url, crawled_at FROM %s`, quoteIdent(target)))
	if err != nil {
		return nil, fmt.Errorf("failed to read target keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[string]time.Time)
	for rows.Next() {
		var url string
		var crawledAt sql.NullTime
		if err := rows.Scan(&url, &crawledAt); err != nil {
			return nil, fmt.Errorf("failed to scan target key: %w", err)
		}
		keys[url] = crawledAt.Time
	}
	return keys, rows.Err()
}
