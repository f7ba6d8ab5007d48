// Package urlutil provides URL normalization, validation, and key
// generation for the crawler. All URLs handed to the queue and storage
// layers pass through this package first.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when a raw string cannot be resolved into an
// absolute http(s) URL with a host.
var ErrInvalidURL = fmt.Errorf("invalid_url")

// Normalize resolves raw against base (base may be empty) and returns the
// canonical absolute form used as the crawl identity:
//   - scheme and host lowercased
//   - default port stripped
//   - fragment removed
//   - non-ASCII path percent-encoded (net/url escaping)
//   - query preserved byte-for-byte, including parameter order
func Normalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalidURL)
	}

	var u *url.URL
	var err error
	if base != "" {
		b, berr := url.Parse(base)
		if berr != nil {
			return "", fmt.Errorf("%w: bad base %q", ErrInvalidURL, base)
		}
		u, err = b.Parse(raw)
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Scheme = scheme
	u.Host = canonicalHostPort(u, scheme)
	u.Fragment = ""

	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// canonicalHostPort lowercases the host and drops the port when it is the
// scheme default.
func canonicalHostPort(u *url.URL, scheme string) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}

// Host returns the lowercased host of an absolute URL, without the port.
// Returns "" for unparseable input.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SURTKey produces a Common-Crawl-compatible Sort-friendly URL Reordering
// Transform key: host labels reversed and joined with commas, a non-default
// port if present, then ")" and the path+query.
//
//	https://www.example.co.uk/a?b=1 -> uk,co,example,www)/a?b=1
//	http://host:8080/x              -> host:8080)/x
func SURTKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	labels := strings.Split(strings.ToLower(u.Hostname()), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(labels, ","))

	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port != "" && !((scheme == "http" && port == "80") || (scheme == "https" && port == "443")) {
		sb.WriteString(":")
		sb.WriteString(port)
	}

	sb.WriteString(")")
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	sb.WriteString(path)
	if u.RawQuery != "" {
		sb.WriteString("?")
		sb.WriteString(u.RawQuery)
	}

	return sb.String(), nil
}

// PathWithQuery returns the escaped path plus raw query, the form robots
// rules are matched against.
func PathWithQuery(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// SiteRoot turns a bare host string or URL into the root URL used to seed
// discovery. A scheme-less input defaults to https.
func SiteRoot(site string) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		return "", fmt.Errorf("%w: empty site", ErrInvalidURL)
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	return Normalize(site, "")
}
