package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsPolicy is the parsed policy of one host for the configured agent.
// The zero policy allows everything with no delay preference.
type RobotsPolicy struct {
	group    *robotstxt.Group
	allowAll bool

	CrawlDelay time.Duration // 0 when robots stated none
	HasDelay   bool
	Sitemaps   []string
}

// AllowAllPolicy is used when robots.txt is missing, unreachable, or
// disabled by configuration.
func AllowAllPolicy() *RobotsPolicy {
	return &RobotsPolicy{allowAll: true}
}

// Allowed reports whether the given path+query may be fetched.
func (p *RobotsPolicy) Allowed(pathWithQuery string) bool {
	if p.allowAll || p.group == nil {
		return true
	}
	return p.group.Test(pathWithQuery)
}

// RobotsFetcher fetches and parses robots.txt. Robots requests bypass the
// per-host scheduler since they are themselves the policy source; they use
// the shorter discovery timeout.
type RobotsFetcher struct {
	httpClient *HTTPClient
	userAgent  string
	respect    bool
	timeout    time.Duration
}

// NewRobotsFetcher creates a robots fetcher for the configured agent.
func NewRobotsFetcher(httpClient *HTTPClient, userAgent string, respect bool, timeout time.Duration) *RobotsFetcher {
	return &RobotsFetcher{
		httpClient: httpClient,
		userAgent:  userAgent,
		respect:    respect,
		timeout:    timeout,
	}
}

// Fetch retrieves and parses robots.txt for a host. It never fails: any
// fetch or parse problem degrades to allow-all, per the failure policy.
func (r *RobotsFetcher) Fetch(ctx context.Context, scheme, host string) *RobotsPolicy {
	if !r.respect {
		return AllowAllPolicy()
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	result, err := r.httpClient.Fetch(ctx, robotsURL, FetchOptions{
		Timeout:  r.timeout,
		MaxBytes: 1 << 20,
	})
	if err != nil || result.ErrorType != "" || result.Status != 200 {
		slog.Debug("robots.txt unavailable, allowing all", "host", host)
		return AllowAllPolicy()
	}

	return ParseRobots(result.Body, r.userAgent)
}

// ParseRobots parses a robots.txt body into the policy for userAgent.
// Group selection follows longest case-insensitive agent-token prefix with
// fallback to "*" (robotstxt.FindGroup semantics). Crawl-delay and
// Request-rate are re-scanned from the raw body so fractional values are
// honored and garbage ignored.
func ParseRobots(body []byte, userAgent string) *RobotsPolicy {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		slog.Warn("robots.txt parse failed, allowing all", "error", err)
		return AllowAllPolicy()
	}

	policy := &RobotsPolicy{
		group:    data.FindGroup(userAgent),
		Sitemaps: data.Sitemaps,
	}

	if delay, ok := scanDelayDirectives(body, userAgent); ok {
		policy.CrawlDelay = delay
		policy.HasDelay = true
	}

	return policy
}

// scanDelayDirectives extracts Crawl-delay and Request-rate for the agent
// group that best matches userAgent. Request-rate a/b converts to b/a
// seconds between requests; Crawl-delay wins when both appear. Negative or
// non-numeric values are ignored.
func scanDelayDirectives(body []byte, userAgent string) (time.Duration, bool) {
	agentLower := strings.ToLower(userAgent)

	type groupDelay struct {
		matchLen   int
		delay      time.Duration
		has        bool
		crawlDelay bool // delay came from Crawl-delay
	}
	var best groupDelay

	// Current group state while scanning line by line.
	var currentMatch int // -1: group does not apply, else match length (0 for "*")
	currentMatch = -1
	inGroupHeader := false

	apply := func(delay time.Duration, fromCrawlDelay bool) {
		if currentMatch < 0 {
			return
		}
		if !best.has || currentMatch > best.matchLen {
			best = groupDelay{matchLen: currentMatch, delay: delay, has: true, crawlDelay: fromCrawlDelay}
		} else if currentMatch == best.matchLen && (fromCrawlDelay || !best.crawlDelay) {
			best.delay = delay
			best.crawlDelay = fromCrawlDelay
		}
	}

	for _, line := range strings.Split(string(body), "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			token := strings.ToLower(value)
			match := -1
			if token == "*" {
				match = 0
			} else if strings.HasPrefix(agentLower, token) {
				match = len(token)
			}
			if inGroupHeader {
				// Consecutive User-agent lines share one group; keep the
				// best match among them.
				if match > currentMatch {
					currentMatch = match
				}
			} else {
				currentMatch = match
			}
			inGroupHeader = true

		case "crawl-delay":
			inGroupHeader = false
			if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
				apply(time.Duration(secs*float64(time.Second)), true)
			}

		case "request-rate":
			inGroupHeader = false
			if delay, ok := parseRequestRate(value); ok {
				apply(delay, false)
			}

		default:
			inGroupHeader = false
		}
	}

	return best.delay, best.has
}

// parseRequestRate parses "a/b" (a requests per b seconds) into the
// implied delay between requests.
func parseRequestRate(value string) (time.Duration, bool) {
	// Trailing time windows ("1/10 0600-1800") are ignored.
	if i := strings.IndexByte(value, ' '); i >= 0 {
		value = value[:i]
	}
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	reqs, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	secs, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || reqs <= 0 || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs / reqs * float64(time.Second)), true
}

// RobotsPathFor returns the path+query form a robots rule is matched
// against for a URL.
func RobotsPathFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
