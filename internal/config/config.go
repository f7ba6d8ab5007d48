// Package config provides configuration management for the crawler.
// It defines the option surface shared by the crawl, sites, and merge
// verbs together with defaults and validation.
package config

import (
	"regexp"
	"time"
)

// identRe is the only shape accepted for target-table names. The name is
// interpolated into DDL, so anything else is rejected at bind time.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CrawlConfig holds every option recognized by the crawl verbs.
type CrawlConfig struct {
	// Identity
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"` // Required; sent as HTTP header and used for robots matching

	// Politeness
	DefaultCrawlDelay    float64 `mapstructure:"default_crawl_delay" yaml:"default_crawl_delay"`             // Seed delay in seconds when robots has none
	MinCrawlDelay        float64 `mapstructure:"min_crawl_delay" yaml:"min_crawl_delay"`                     // Lower clamp on effective delay
	MaxCrawlDelay        float64 `mapstructure:"max_crawl_delay" yaml:"max_crawl_delay"`                     // Upper clamp on effective delay
	RespectRobots        bool    `mapstructure:"respect_robots_txt" yaml:"respect_robots_txt"`               // false means allow-all policy
	LogSkipped           bool    `mapstructure:"log_skipped" yaml:"log_skipped"`                             // Emit synthetic rows for policy drops
	MaxRetryBackoff      float64 `mapstructure:"max_retry_backoff_seconds" yaml:"max_retry_backoff_seconds"` // Cap on Fibonacci backoff
	MaxRetries           int     `mapstructure:"max_retries" yaml:"max_retries"`                             // Retries after the first attempt before a terminal error row
	MaxParallelPerDomain int     `mapstructure:"max_parallel_per_domain" yaml:"max_parallel_per_domain"`     // Per-host in-flight cap
	MaxTotalConnections  int     `mapstructure:"max_total_connections" yaml:"max_total_connections"`         // Global in-flight cap

	// HTTP
	TimeoutSeconds          int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`                     // Per-request timeout
	DiscoveryTimeoutSeconds int    `mapstructure:"discovery_timeout_seconds" yaml:"discovery_timeout_seconds"` // Ceiling for robots/sitemap fetches
	MaxResponseBytes        int64  `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`               // Body size cap
	Compress                bool   `mapstructure:"compress" yaml:"compress"`                                   // Send Accept-Encoding: gzip, deflate
	AcceptContentTypes      string `mapstructure:"accept_content_types" yaml:"accept_content_types"`           // Comma-separated glob allowlist
	RejectContentTypes      string `mapstructure:"reject_content_types" yaml:"reject_content_types"`           // Comma-separated glob blocklist

	// Discovery
	SitemapCacheHours int    `mapstructure:"sitemap_cache_hours" yaml:"sitemap_cache_hours"` // Cache TTL for discovered sitemaps
	UpdateStale       bool   `mapstructure:"update_stale" yaml:"update_stale"`               // Re-crawl when sitemap lastmod is newer
	URLFilter         string `mapstructure:"url_filter" yaml:"url_filter"`                   // SQL LIKE pattern applied before enqueue

	// Queue
	QueueHighWatermark int `mapstructure:"queue_high_watermark" yaml:"queue_high_watermark"` // Producers block above this depth
	QueueLowWatermark  int `mapstructure:"queue_low_watermark" yaml:"queue_low_watermark"`   // Producers resume below this depth

	// Engine
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to the SQLite store
	TargetTable  string `mapstructure:"target_table" yaml:"target_table"`   // Result table name
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		DefaultCrawlDelay:       1.0,
		MinCrawlDelay:           0.0,
		MaxCrawlDelay:           60.0,
		RespectRobots:           true,
		LogSkipped:              true,
		MaxRetryBackoff:         600,
		MaxRetries:              3,
		MaxParallelPerDomain:    8,
		MaxTotalConnections:     32,
		TimeoutSeconds:          30,
		DiscoveryTimeoutSeconds: 15,
		MaxResponseBytes:        10 << 20,
		Compress:                true,
		SitemapCacheHours:       24,
		QueueHighWatermark:      10000,
		QueueLowWatermark:       5000,
		DatabasePath:            "./webtable.db",
	}
}

// Validate checks the configuration. Violations are bind-time errors: no
// tables are created and no workers started when Validate fails.
func (c *CrawlConfig) Validate() error {
	if c.UserAgent == "" {
		return ErrMissingUserAgent
	}
	if c.TargetTable == "" {
		return ErrMissingTargetTable
	}
	if !identRe.MatchString(c.TargetTable) {
		return ErrInvalidIdentifier
	}
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}
	if c.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxTotalConnections <= 0 || c.MaxParallelPerDomain <= 0 {
		return ErrInvalidConcurrency
	}
	if c.MinCrawlDelay < 0 || c.MaxCrawlDelay < c.MinCrawlDelay {
		return ErrInvalidDelayRange
	}
	if c.DefaultCrawlDelay < c.MinCrawlDelay {
		c.DefaultCrawlDelay = c.MinCrawlDelay
	}
	if c.DefaultCrawlDelay > c.MaxCrawlDelay {
		c.DefaultCrawlDelay = c.MaxCrawlDelay
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 10 << 20
	}
	if c.DiscoveryTimeoutSeconds <= 0 {
		c.DiscoveryTimeoutSeconds = 15
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.QueueLowWatermark <= 0 || c.QueueHighWatermark <= c.QueueLowWatermark {
		c.QueueHighWatermark = 10000
		c.QueueLowWatermark = 5000
	}
	return nil
}

// ValidIdentifier reports whether name is safe to interpolate as a table
// name.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *CrawlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DiscoveryTimeout returns the robots/sitemap fetch ceiling as a duration.
func (c *CrawlConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutSeconds) * time.Second
}
