// Package links pulls anchor targets out of HTML documents.
package links

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LooksLikeHTML is a cheap sniff used before parsing a body as markup.
func LooksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '<' {
		return true
	}
	lower := bytes.ToLower(trimmed)
	return bytes.Contains(lower, []byte("<html")) ||
		bytes.Contains(lower, []byte("<body")) ||
		bytes.Contains(lower, []byte("<head"))
}

// ExtractHrefs returns the distinct, non-empty href values of all anchors in
// document order. Values are returned raw, without resolution.
func ExtractHrefs(body []byte) []string {
	if !LooksLikeHTML(body) {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		slog.Debug("failed to parse html.", slog.String("err", err.Error()))
		return nil
	}

	seen := make(map[string]struct{})
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		hrefs = append(hrefs, href)
	})

	return hrefs
}
