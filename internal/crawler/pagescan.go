package crawler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mfurusho/webtable/internal/urlutil"
)

// PageScan is the minimal HTML scan used by discovery: outgoing links with
// their nofollow state, the canonical URL, and the page-level robots meta.
// Rich extraction is a downstream concern and deliberately absent here.
type PageScan struct {
	CanonicalURL string
	MetaNoFollow bool
	Links        []ScannedLink
}

// ScannedLink is one anchor resolved against the page URL.
type ScannedLink struct {
	URL      string
	NoFollow bool
}

// ScanPage parses an HTML body and extracts links, the canonical URL, and
// the robots meta directives. Link URLs are resolved and normalized;
// anchors that do not resolve to http(s) URLs are dropped.
func ScanPage(pageURL string, body []byte) (*PageScan, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("html parse: %w", err)
	}

	scan := &PageScan{}

	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "robots") {
			return
		}
		content, _ := s.Attr("content")
		for _, token := range strings.Split(strings.ToLower(content), ",") {
			if strings.TrimSpace(token) == "nofollow" {
				scan.MetaNoFollow = true
			}
		}
	})

	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if canonical, err := urlutil.Normalize(href, pageURL); err == nil {
			scan.CanonicalURL = canonical
		}
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, err := urlutil.Normalize(href, pageURL)
		if err != nil {
			return
		}
		nofollow := false
		if rel, ok := s.Attr("rel"); ok {
			for _, token := range strings.Fields(strings.ToLower(rel)) {
				if token == "nofollow" {
					nofollow = true
				}
			}
		}
		scan.Links = append(scan.Links, ScannedLink{URL: resolved, NoFollow: nofollow})
	})

	return scan, nil
}
