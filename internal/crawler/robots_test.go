package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestParseRobotsAllowDisallow(t *testing.T) {
	body := []byte(`
User-agent: *
Disallow: /private/
Allow: /private/public

User-agent: special-bot
Disallow: /
`)

	policy := ParseRobots(body, "TestBot/1.0")

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/page", true},
		{"/private/secret", false},
		{"/private/public", true},
	}
	for _, tt := range tests {
		if got := policy.Allowed(tt.path); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	// The special-bot group disallows everything.
	special := ParseRobots(body, "special-bot")
	if special.Allowed("/page") {
		t.Error("special-bot should be disallowed everywhere")
	}
}

func TestParseRobotsWildcardAndAnchor(t *testing.T) {
	body := []byte(`
User-agent: *
Disallow: /*.pdf$
Disallow: /tmp*
`)
	policy := ParseRobots(body, "TestBot/1.0")

	if policy.Allowed("/doc.pdf") {
		t.Error("/doc.pdf should be disallowed by /*.pdf$")
	}
	if !policy.Allowed("/doc.pdfx") {
		t.Error("/doc.pdfx should be allowed, the $ anchors at end")
	}
	if policy.Allowed("/tmp/file") {
		t.Error("/tmp/file should be disallowed by /tmp*")
	}
}

func TestParseRobotsCrawlDelay(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    time.Duration
		hasWant bool
	}{
		{
			"integer seconds",
			"User-agent: *\nCrawl-delay: 5\n",
			5 * time.Second, true,
		},
		{
			"fractional seconds",
			"User-agent: *\nCrawl-delay: 0.5\n",
			500 * time.Millisecond, true,
		},
		{
			"negative ignored",
			"User-agent: *\nCrawl-delay: -3\n",
			0, false,
		},
		{
			"garbage ignored",
			"User-agent: *\nCrawl-delay: soon\n",
			0, false,
		},
		{
			"request-rate converts",
			"User-agent: *\nRequest-rate: 1/10\n",
			10 * time.Second, true,
		},
		{
			"request-rate with window",
			"User-agent: *\nRequest-rate: 2/1 0600-1800\n",
			500 * time.Millisecond, true,
		},
		{
			"no delay",
			"User-agent: *\nDisallow: /x\n",
			0, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := ParseRobots([]byte(tt.body), "TestBot/1.0")
			if policy.HasDelay != tt.hasWant {
				t.Fatalf("HasDelay = %v, want %v", policy.HasDelay, tt.hasWant)
			}
			if tt.hasWant && policy.CrawlDelay != tt.want {
				t.Errorf("CrawlDelay = %v, want %v", policy.CrawlDelay, tt.want)
			}
		})
	}
}

func TestParseRobotsAgentSpecificDelayWins(t *testing.T) {
	body := []byte(`
User-agent: *
Crawl-delay: 1

User-agent: test
Crawl-delay: 7
`)
	policy := ParseRobots(body, "TestBot/1.0")
	if policy.CrawlDelay != 7*time.Second {
		t.Errorf("longest agent prefix match should win, got %v", policy.CrawlDelay)
	}

	other := ParseRobots(body, "OtherBot/1.0")
	if other.CrawlDelay != 1*time.Second {
		t.Errorf("non-matching agent should fall back to *, got %v", other.CrawlDelay)
	}
}

func TestParseRobotsSitemaps(t *testing.T) {
	body := []byte(`
User-agent: *
Disallow:

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news-sitemap.xml
`)
	policy := ParseRobots(body, "TestBot/1.0")
	if len(policy.Sitemaps) != 2 {
		t.Fatalf("expected 2 sitemaps, got %d", len(policy.Sitemaps))
	}
	if policy.Sitemaps[0] != "https://example.com/sitemap.xml" {
		t.Errorf("unexpected first sitemap %q", policy.Sitemaps[0])
	}
}

func TestRobotsFetcher404AllowsAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	fetcher := NewRobotsFetcher(client, "Test/1.0", true, 5*time.Second)
	u, _ := url.Parse(server.URL)
	policy := fetcher.Fetch(context.Background(), u.Scheme, u.Host)

	if !policy.Allowed("/anything") {
		t.Error("missing robots.txt should degrade to allow-all")
	}
	if policy.HasDelay {
		t.Error("allow-all policy should carry no delay preference")
	}
}

func TestRobotsFetcherDisabled(t *testing.T) {
	fetcher := NewRobotsFetcher(nil, "Test/1.0", false, time.Second)
	policy := fetcher.Fetch(context.Background(), "http", "example.com")
	if !policy.Allowed("/private/secret") {
		t.Error("respect_robots_txt=false should allow everything")
	}
}

func TestRobotsFetcherParsesServedFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\nCrawl-delay: 0.25\n"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	fetcher := NewRobotsFetcher(client, "Test/1.0", true, 5*time.Second)
	u, _ := url.Parse(server.URL)
	policy := fetcher.Fetch(context.Background(), u.Scheme, u.Host)

	if policy.Allowed("/private/x") {
		t.Error("/private/x should be disallowed")
	}
	if !policy.Allowed("/public") {
		t.Error("/public should be allowed")
	}
	if !policy.HasDelay || policy.CrawlDelay != 250*time.Millisecond {
		t.Errorf("fractional crawl-delay not honored: %v", policy.CrawlDelay)
	}
}

func TestRobotsPathFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://example.com/", "/"},
		{"http://example.com", "/"},
		{"http://example.com/a/b", "/a/b"},
		{"http://example.com/a?b=1", "/a?b=1"},
	}
	for _, tt := range tests {
		if got := RobotsPathFor(tt.url); got != tt.want {
			t.Errorf("RobotsPathFor(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
