package crawler

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/mfurusho/webtable/internal/urlutil"
)

// sitemapMaxDepth caps recursion through nested sitemap indices.
const sitemapMaxDepth = 5

// Discovery walks robots.txt and sitemaps to produce candidate URLs for a
// site. Distinct hosts are discovered concurrently by the orchestrator;
// within one host, sitemap fetches are serialized through the scheduler so
// the host's crawl-delay holds during discovery too.
type Discovery struct {
	httpClient *HTTPClient
	robots     *RobotsFetcher
	sched      *Scheduler
	storage    Storage
	cacheTTL   time.Duration
	timeout    time.Duration
}

// NewDiscovery wires a discovery driver.
func NewDiscovery(httpClient *HTTPClient, robots *RobotsFetcher, sched *Scheduler, storage Storage, cacheTTL, timeout time.Duration) *Discovery {
	return &Discovery{
		httpClient: httpClient,
		robots:     robots,
		sched:      sched,
		storage:    storage,
		cacheTTL:   cacheTTL,
		timeout:    timeout,
	}
}

// DiscoverSite returns the candidate URLs of one site, unfiltered. The
// caller applies the LIKE pushdown before enqueueing.
func (d *Discovery) DiscoverSite(ctx context.Context, site string) ([]SitemapEntry, error) {
	root, err := urlutil.SiteRoot(site)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(root)
	host := strings.ToLower(u.Hostname())
	hostPort := u.Host

	// Robots first: it both gates the crawl and names the sitemaps.
	policy, fetched := d.sched.RobotsState(host)
	if !fetched {
		policy = d.robots.Fetch(ctx, u.Scheme, hostPort)
		d.sched.SetRobots(host, policy)
	}

	sitemapURLs := make([]string, 0, len(policy.Sitemaps)+1)
	seen := map[string]bool{}
	for _, sm := range policy.Sitemaps {
		if !seen[sm] {
			seen[sm] = true
			sitemapURLs = append(sitemapURLs, sm)
		}
	}
	conventional := fmt.Sprintf("%s://%s/sitemap.xml", u.Scheme, hostPort)
	if !seen[conventional] {
		sitemapURLs = append(sitemapURLs, conventional)
	}

	var entries []SitemapEntry
	visited := map[string]bool{}
	for _, sm := range sitemapURLs {
		found, err := d.walkSitemap(ctx, host, sm, 0, visited)
		if err != nil {
			slog.Warn("sitemap discovery failed", "sitemap", sm, "error", err)
			continue
		}
		entries = append(entries, found...)
	}

	if len(entries) == 0 {
		entries = d.fallbackRootScan(ctx, root, host)
	}

	if err := d.storage.UpdateDiscoveryStatus(host, len(entries)); err != nil {
		slog.Warn("failed to record discovery status", "host", host, "error", err)
	}

	return entries, nil
}

// walkSitemap fetches one sitemap URL and recurses through index entries.
// Failures are non-fatal for the crawl: the subtree is dropped with a
// warning and discovery continues.
func (d *Discovery) walkSitemap(ctx context.Context, host, sitemapURL string, depth int, visited map[string]bool) ([]SitemapEntry, error) {
	if depth > sitemapMaxDepth {
		return nil, fmt.Errorf("%s: recursion depth %d exceeded", ErrTypeSitemapParse, sitemapMaxDepth)
	}
	if visited[sitemapURL] {
		return nil, nil
	}
	visited[sitemapURL] = true

	if cached, ok, err := d.storage.CachedSitemap(sitemapURL, d.cacheTTL); err == nil && ok {
		slog.Debug("sitemap cache hit", "sitemap", sitemapURL, "urls", len(cached))
		return cached, nil
	}

	if err := d.sched.WaitTurn(ctx, host); err != nil {
		return nil, err
	}
	result, err := d.httpClient.Fetch(ctx, sitemapURL, FetchOptions{Timeout: d.timeout})
	if err != nil {
		return nil, err
	}
	if result.ErrorType != "" {
		return nil, fmt.Errorf("fetch failed: %s", result.Error)
	}
	d.sched.ObserveSuccess(host, time.Duration(result.ElapsedMS)*time.Millisecond)
	if result.Status != 200 {
		return nil, fmt.Errorf("status %d", result.Status)
	}

	urls, children, err := parseSitemapXML(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrTypeSitemapParse, err)
	}

	entries := urls
	for _, child := range children {
		found, err := d.walkSitemap(ctx, host, child, depth+1, visited)
		if err != nil {
			slog.Warn("child sitemap skipped", "sitemap", child, "error", err)
			continue
		}
		entries = append(entries, found...)
	}

	if err := d.storage.StoreSitemap(host, sitemapURL, entries); err != nil {
		slog.Warn("failed to cache sitemap", "sitemap", sitemapURL, "error", err)
	}

	return entries, nil
}

// parseSitemapXML streams through a sitemap document, returning content
// URLs and child sitemap URLs. Both the urlset and sitemapindex formats
// are recognized; anything else is a parse error.
func parseSitemapXML(body []byte) ([]SitemapEntry, []string, error) {
	type locEntry struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	}

	decoder := xml.NewDecoder(bytes.NewReader(body))
	// Sitemaps in the wild declare all kinds of encodings.
	decoder.CharsetReader = charset.NewReaderLabel
	var entries []SitemapEntry
	var children []string
	sawRoot := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "urlset", "sitemapindex":
			sawRoot = true
		case "sitemap":
			var e locEntry
			if err := decoder.DecodeElement(&e, &se); err != nil {
				return nil, nil, err
			}
			if loc := strings.TrimSpace(e.Loc); loc != "" {
				children = append(children, loc)
			}
		case "url":
			var e locEntry
			if err := decoder.DecodeElement(&e, &se); err != nil {
				return nil, nil, err
			}
			loc := strings.TrimSpace(e.Loc)
			if loc == "" {
				continue
			}
			entries = append(entries, SitemapEntry{
				Loc:     loc,
				LastMod: parseLastMod(e.LastMod),
			})
		}
	}

	if !sawRoot {
		return nil, nil, fmt.Errorf("no urlset or sitemapindex root element")
	}
	return entries, children, nil
}

// parseLastMod accepts the W3C datetime profiles sitemaps use.
func parseLastMod(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// fallbackRootScan fetches the site root and extracts same-host links when
// a site exposes no sitemap at all.
func (d *Discovery) fallbackRootScan(ctx context.Context, root, host string) []SitemapEntry {
	if err := d.sched.WaitTurn(ctx, host); err != nil {
		return nil
	}
	result, err := d.httpClient.Fetch(ctx, root, FetchOptions{
		Timeout:     d.timeout,
		AcceptTypes: []string{"text/html", "application/xhtml+xml"},
	})
	if err != nil || result.ErrorType != "" || result.Status != 200 {
		return nil
	}
	d.sched.ObserveSuccess(host, time.Duration(result.ElapsedMS)*time.Millisecond)

	scan, err := ScanPage(result.FinalURL, result.Body)
	if err != nil {
		slog.Warn("root page scan failed", "url", root, "error", err)
		return nil
	}
	if scan.MetaNoFollow {
		return []SitemapEntry{{Loc: result.FinalURL}}
	}

	entries := []SitemapEntry{{Loc: result.FinalURL}}
	seen := map[string]bool{result.FinalURL: true}
	for _, link := range scan.Links {
		if link.NoFollow || urlutil.Host(link.URL) != host || seen[link.URL] {
			continue
		}
		seen[link.URL] = true
		entries = append(entries, SitemapEntry{Loc: link.URL})
	}
	slog.Info("no sitemap found, using root page links", "host", host, "urls", len(entries))
	return entries
}

// MatchLike implements SQL LIKE semantics: % matches any run, _ matches
// one character, matching is case-insensitive. Used for the url filter
// pushdown.
func MatchLike(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	re, err := likeRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func likeRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
