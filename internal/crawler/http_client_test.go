package crawler

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchBasic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "Test-Crawler/1.0" {
			t.Errorf("expected User-Agent 'Test-Crawler/1.0', got %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>Test Page</body></html>"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Crawler/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.Status != 200 {
		t.Errorf("expected status 200, got %d", result.Status)
	}
	if result.ErrorType != "" {
		t.Errorf("unexpected error type %q", result.ErrorType)
	}
	if !strings.Contains(string(result.Body), "Test Page") {
		t.Errorf("body not captured: %q", result.Body)
	}
	if result.ETag != `"abc123"` {
		t.Errorf("ETag not surfaced, got %q", result.ETag)
	}
	if result.LastModified != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Errorf("Last-Modified not surfaced, got %q", result.LastModified)
	}
	if result.FinalURL != server.URL+"/" && result.FinalURL != server.URL {
		t.Errorf("unexpected final URL %q", result.FinalURL)
	}
}

func TestFetchConditionalHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc123"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fresh body"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{
		IfNoneMatch:     `"abc123"`,
		IfModifiedSince: "Wed, 21 Oct 2015 07:28:00 GMT",
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Status != 304 {
		t.Errorf("expected 304, got %d", result.Status)
	}
	if result.ErrorType != "" {
		t.Errorf("a 304 is not an error, got %q", result.ErrorType)
	}
}

func TestFetchSizeCapBoundary(t *testing.T) {
	const limit = 1024
	body := strings.Repeat("a", limit)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/over" {
			_, _ = w.Write([]byte(body + "b"))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	// Exactly at the cap succeeds.
	result, err := client.Fetch(context.Background(), server.URL+"/exact", FetchOptions{MaxBytes: limit})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ErrorType != "" {
		t.Errorf("body exactly at the cap should succeed, got %q", result.ErrorType)
	}
	if len(result.Body) != limit {
		t.Errorf("expected %d bytes, got %d", limit, len(result.Body))
	}

	// One byte over fails with content_too_large.
	result, err = client.Fetch(context.Background(), server.URL+"/over", FetchOptions{MaxBytes: limit})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ErrorType != ErrTypeContentTooLarge {
		t.Errorf("expected %q, got %q", ErrTypeContentTooLarge, result.ErrorType)
	}
}

func TestFetchContentLengthGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{MaxBytes: 1024})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ErrorType != ErrTypeContentTooLarge {
		t.Errorf("Content-Length over the cap should gate before the body, got %q", result.ErrorType)
	}
	if len(result.Body) != 0 {
		t.Errorf("gated response should carry no body, got %d bytes", len(result.Body))
	}
}

func TestFetchContentTypeGating(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	accept := []string{"text/*"}

	result, _ := client.Fetch(context.Background(), server.URL+"/html", FetchOptions{AcceptTypes: accept})
	if result.ErrorType != "" {
		t.Errorf("text/html should pass the text/* accept list, got %q", result.ErrorType)
	}

	result, _ = client.Fetch(context.Background(), server.URL+"/pdf", FetchOptions{AcceptTypes: accept})
	if result.ErrorType != ErrTypeContentRejected {
		t.Errorf("application/pdf should be rejected, got %q", result.ErrorType)
	}

	// Reject list runs after the accept list.
	result, _ = client.Fetch(context.Background(), server.URL+"/html", FetchOptions{
		AcceptTypes: accept,
		RejectTypes: []string{"text/html"},
	})
	if result.ErrorType != ErrTypeContentRejected {
		t.Errorf("reject list should drop text/html, got %q", result.ErrorType)
	}
}

func TestFetchGzipDecoding(t *testing.T) {
	payload := "<html><body>compressed content</body></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Error("compress option should send Accept-Encoding: gzip")
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(payload))
		_ = gz.Close()
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, true)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(result.Body) != payload {
		t.Errorf("gzip body not decoded: %q", result.Body)
	}
}

func TestFetchRedirectLoop(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ErrorType != ErrTypeRedirectLoop {
		t.Errorf("expected %q after 10 redirects, got %q", ErrTypeRedirectLoop, result.ErrorType)
	}
}

func TestFetchFollowsRedirectToFinalURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte("moved here"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL+"/old", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Status != 200 {
		t.Errorf("expected 200 after redirect, got %d", result.Status)
	}
	if result.FinalURL != server.URL+"/new" {
		t.Errorf("expected final URL %s/new, got %s", server.URL, result.FinalURL)
	}
}

func TestFetchRetryAfterSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Status != 429 {
		t.Errorf("expected 429, got %d", result.Status)
	}
	if result.RetryAfter != "2" {
		t.Errorf("Retry-After not surfaced, got %q", result.RetryAfter)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewHTTPClient("Test/1.0", time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), url, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ErrorType != ErrTypeNetworkRefused {
		t.Errorf("expected %q, got %q", ErrTypeNetworkRefused, result.ErrorType)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"garbage", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	// HTTP-date form: a date in the near future yields a positive delay.
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 10*time.Second {
		t.Errorf("ParseRetryAfter(%q) = %v, want a value in (0, 10s]", future, got)
	}
}

func TestSplitTypeList(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"  ", 0},
		{"text/html", 1},
		{"text/html, text/plain", 2},
		{"text/html,,text/plain, ", 2},
	}
	for _, tt := range tests {
		if got := SplitTypeList(tt.in); len(got) != tt.want {
			t.Errorf("SplitTypeList(%q) = %v, want %d items", tt.in, got, tt.want)
		}
	}
}

func TestContentTypeAllowed(t *testing.T) {
	tests := []struct {
		contentType string
		accept      []string
		reject      []string
		want        bool
	}{
		{"text/html; charset=utf-8", nil, nil, true},
		{"text/html", []string{"text/html"}, nil, true},
		{"text/plain", []string{"text/*"}, nil, true},
		{"application/pdf", []string{"text/*"}, nil, false},
		{"text/html", nil, []string{"text/html"}, false},
		{"TEXT/HTML", []string{"text/html"}, nil, true},
	}
	for i, tt := range tests {
		if got := contentTypeAllowed(tt.contentType, tt.accept, tt.reject); got != tt.want {
			t.Errorf("case %d (%s): got %v, want %v", i, tt.contentType, got, tt.want)
		}
	}
}

func TestFetchElapsedRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		_, _ = fmt.Fprint(w, "slow")
	}))
	defer server.Close()

	client := NewHTTPClient("Test/1.0", 5*time.Second, 4, false)
	defer client.Close()

	result, err := client.Fetch(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ElapsedMS < 30 {
		t.Errorf("elapsed should cover the handler delay, got %dms", result.ElapsedMS)
	}
}
