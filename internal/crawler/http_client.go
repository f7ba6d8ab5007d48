package crawler

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// FetchOptions carries the per-request knobs of a fetch.
type FetchOptions struct {
	IfNoneMatch     string // Sent as If-None-Match when non-empty
	IfModifiedSince string // Sent as If-Modified-Since when non-empty
	MaxBytes        int64  // Body size cap; <=0 means no cap
	AcceptTypes     []string
	RejectTypes     []string
	Timeout         time.Duration // Overrides the client default when >0
}

// FetchResult is the outcome of a single fetch. A non-empty ErrorType means
// no usable body was produced; Status may still carry the HTTP code.
type FetchResult struct {
	Status        int
	Body          []byte
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  string
	Date          string
	RetryAfter    string
	ElapsedMS     int64
	FinalURL      string
	Error         string
	ErrorType     string
}

// HTTPClient issues the crawler's GET requests. One client is shared by all
// workers; the transport bounds connection reuse.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	compress  bool
}

// NewHTTPClient creates the shared HTTP client. maxConns bounds both total
// and per-host idle connections so keep-alive reuse stays within the
// crawl's connection budget.
func NewHTTPClient(userAgent string, timeout time.Duration, maxConns int, compress bool) *HTTPClient {
	if maxConns <= 0 {
		maxConns = 32
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
		// Compression is negotiated explicitly via the compress option.
		DisableCompression: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errTooManyRedirects
			}
			if req.URL.Scheme == "http" && via[len(via)-1].URL.Scheme == "https" {
				return errSchemeDowngrade
			}
			return nil
		},
	}

	return &HTTPClient{
		client:    client,
		userAgent: userAgent,
		compress:  compress,
	}
}

// Fetch performs a GET and returns a classified result. Transport errors,
// oversize bodies, and rejected content types are reported in the result
// rather than as a Go error; only a malformed request URL errors out.
func (h *HTTPClient) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if h.compress {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	if opts.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", opts.IfNoneMatch)
	}
	if opts.IfModifiedSince != "" {
		req.Header.Set("If-Modified-Since", opts.IfModifiedSince)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return &FetchResult{
			FinalURL:  rawURL,
			ElapsedMS: time.Since(start).Milliseconds(),
			Error:     err.Error(),
			ErrorType: ClassifyTransportError(err),
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	result := &FetchResult{
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		Date:          resp.Header.Get("Date"),
		RetryAfter:    resp.Header.Get("Retry-After"),
		FinalURL:      resp.Request.URL.String(),
	}

	// Header-level gates run before any body bytes are read.
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		result.ElapsedMS = time.Since(start).Milliseconds()
		result.Error = fmt.Sprintf("content length %d exceeds limit %d", resp.ContentLength, opts.MaxBytes)
		result.ErrorType = ErrTypeContentTooLarge
		return result, nil
	}
	if resp.StatusCode == http.StatusOK && !contentTypeAllowed(result.ContentType, opts.AcceptTypes, opts.RejectTypes) {
		result.ElapsedMS = time.Since(start).Milliseconds()
		result.Error = fmt.Sprintf("content type %q rejected by filter", result.ContentType)
		result.ErrorType = ErrTypeContentRejected
		return result, nil
	}

	body, err := readBody(resp, opts.MaxBytes)
	result.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		if errType := ClassifyTransportError(err); errType != ErrTypeUnknown {
			result.ErrorType = errType
		} else if strings.Contains(err.Error(), "exceeds limit") {
			result.ErrorType = ErrTypeContentTooLarge
		} else {
			result.ErrorType = ErrTypeUnknown
		}
		return result, nil
	}

	result.Body = body
	return result, nil
}

// readBody streams the response into a bounded buffer, decompressing per
// Content-Encoding. The cap applies to the decompressed size.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer func() { _ = fl.Close() }()
		reader = fl
	}

	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	// Read one byte past the cap to distinguish exactly-at-limit from over.
	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response body exceeds limit %d", maxBytes)
	}
	return body, nil
}

// contentTypeAllowed applies the accept list then the reject list. Patterns
// are globs matched against the media type without parameters.
func contentTypeAllowed(contentType string, accept, reject []string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	if len(accept) > 0 {
		matched := false
		for _, pattern := range accept {
			if ok, _ := path.Match(strings.ToLower(strings.TrimSpace(pattern)), mediaType); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, pattern := range reject {
		if ok, _ := path.Match(strings.ToLower(strings.TrimSpace(pattern)), mediaType); ok {
			return false
		}
	}

	return true
}

// SplitTypeList parses a comma-separated glob list option value.
func SplitTypeList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseRetryAfter interprets a Retry-After header as a delay. Both the
// delta-seconds and HTTP-date forms are accepted; zero means absent or
// unparseable.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := time.ParseDuration(value + "s"); err == nil && secs >= 0 {
		return secs
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Close releases idle connections.
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}
