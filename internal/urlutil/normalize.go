// Package urlutil resolves links into canonical crawl URLs.
//
// Canonicalization is shallow: absolute http(s) links are kept
// verbatim apart from the fragment, so trailing slashes and letter case are
// significant for deduplication.
package urlutil

import (
	"errors"
	"net/url"
	"strings"
)

var errNotWeb = errors.New("not an absolute http(s) url")

var rejectedPrefixes = []string{
	"javascript:", "mailto:", "tel:", "ftp:", "data:", "about:", "chrome:", "file:",
}

// Normalize resolves candidate against base and returns an absolute,
// fragment-free http(s) URL. It reports false for anything it cannot turn
// into such a URL and never panics.
func Normalize(base, candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}
	lower := strings.ToLower(candidate)
	for _, p := range rejectedPrefixes {
		if strings.HasPrefix(lower, p) {
			return "", false
		}
	}

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(candidate)
		if err != nil || u.Host == "" {
			return "", false
		}
		return StripFragment(candidate), true
	}

	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !b.IsAbs() || !isWebScheme(b.Scheme) || b.Host == "" {
		return "", false
	}

	var resolved string
	switch {
	case strings.HasPrefix(candidate, "//"):
		resolved = b.Scheme + ":" + candidate
	case strings.HasPrefix(candidate, "/"):
		resolved = authority(b) + candidate
	case strings.HasPrefix(candidate, "?"):
		resolved = authority(b) + basePath(b) + candidate
	case strings.HasPrefix(candidate, "#"):
		resolved = authority(b) + basePath(b)
		if b.RawQuery != "" {
			resolved += "?" + b.RawQuery
		}
	default:
		ref, err := url.Parse(candidate)
		if err != nil {
			return "", false
		}
		resolved = b.ResolveReference(ref).String()
	}

	u, err := url.Parse(resolved)
	if err != nil || !isWebScheme(u.Scheme) || u.Host == "" {
		return "", false
	}
	return StripFragment(resolved), true
}

// StripFragment removes everything from the first '#'.
func StripFragment(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}

// DomainRoot returns scheme://host[:port] of u, omitting default ports.
func DomainRoot(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !isWebScheme(u.Scheme) || u.Host == "" {
		return "", &url.Error{Op: "root", URL: rawURL, Err: errNotWeb}
	}
	return authority(u), nil
}

func isWebScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

func authority(u *url.URL) string {
	host := u.Host
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return u.Scheme + "://" + host
}

func basePath(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}
