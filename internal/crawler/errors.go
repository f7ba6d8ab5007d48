// Package crawler implements the crawl engine: HTTP fetching, robots
// compliance, per-host scheduling, sitemap discovery, the work queue, and
// the worker pool that drains it into the result table.
package crawler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Classified error types. These strings are written verbatim into the
// error_type column and drive the retry policy.
const (
	ErrTypeNetworkTimeout     = "network_timeout"
	ErrTypeNetworkDNS         = "network_dns_failure"
	ErrTypeNetworkRefused     = "network_connection_refused"
	ErrTypeNetworkSSL         = "network_ssl_error"
	ErrTypeHTTPClient         = "http_client_error"
	ErrTypeHTTPServer         = "http_server_error"
	ErrTypeRateLimited        = "http_rate_limited"
	ErrTypeContentTooLarge    = "content_too_large"
	ErrTypeContentRejected    = "content_type_rejected"
	ErrTypeRobotsDisallowed   = "robots_disallowed"
	ErrTypeRedirectLoop       = "redirect_loop"
	ErrTypeSitemapParse       = "sitemap_parse_error"
	ErrTypeInvalidURL         = "invalid_url"
	ErrTypeUnknown            = "unknown"
)

// errTooManyRedirects is returned by the redirect policy and recognized by
// the classifier.
var errTooManyRedirects = errors.New("stopped after 10 redirects")

// errSchemeDowngrade marks an https to http redirect, which the client
// refuses to follow.
var errSchemeDowngrade = errors.New("redirect downgrades https to http")

// ClassifyTransportError maps a transport-level error to an error type.
// The mapping is deterministic: the same error always yields the same type.
func ClassifyTransportError(err error) string {
	if err == nil {
		return ""
	}

	// Unwrap url.Error so the checks below see the underlying cause.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if errors.Is(uerr.Err, errTooManyRedirects) {
			return ErrTypeRedirectLoop
		}
		if errors.Is(uerr.Err, errSchemeDowngrade) {
			return ErrTypeHTTPClient
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrTypeNetworkDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrTypeNetworkRefused
	}

	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	var authErr x509.UnknownAuthorityError
	var expErr x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) ||
		errors.As(err, &authErr) || errors.As(err, &expErr) {
		return ErrTypeNetworkSSL
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) || strings.Contains(err.Error(), "tls:") {
		return ErrTypeNetworkSSL
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTypeNetworkTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTypeNetworkTimeout
	}

	return ErrTypeUnknown
}

// ClassifyStatus maps an HTTP status code to an error type, or "" for
// success. A 503 carrying Retry-After counts as rate limiting rather than
// a plain server error.
func ClassifyStatus(status int, retryAfter string) string {
	switch {
	case status == 429:
		return ErrTypeRateLimited
	case status == 503 && retryAfter != "":
		return ErrTypeRateLimited
	case status >= 500:
		return ErrTypeHTTPServer
	case status >= 400:
		return ErrTypeHTTPClient
	default:
		return ""
	}
}

// IsRetryable reports whether a classified failure should be re-enqueued
// with backoff. 408 and 425 are client errors by code but transient by
// nature, so they are promoted.
func IsRetryable(errType string, status int) bool {
	switch errType {
	case ErrTypeNetworkTimeout, ErrTypeNetworkDNS, ErrTypeNetworkRefused,
		ErrTypeNetworkSSL, ErrTypeRateLimited, ErrTypeHTTPServer:
		return true
	case ErrTypeHTTPClient:
		return status == 408 || status == 425
	default:
		return false
	}
}
