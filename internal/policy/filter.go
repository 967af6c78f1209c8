package policy

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/IliaW/site-crawler/internal/model"
)

const (
	ReasonInvalidURL     = "invalid url"
	ReasonDeniedDomain   = "denied domain"
	ReasonRootDomain     = "outside root domain"
	ReasonSubdomain      = "outside subdomain"
	ReasonNotChild       = "not a child url"
	ReasonNotAllowed     = "domain not in allow list"
	ReasonExternal       = "external link"
	ReasonExcludePattern = "matches exclude pattern"
)

// Filter decides which discovered links may enter the frontier. It holds no
// mutable state and is safe for concurrent use.
type Filter struct {
	startHost  string
	startPath  string
	settings   *model.CrawlSettings
	allowed    map[string]struct{}
	denied     map[string]struct{}
	exclusions []*regexp.Regexp
}

// NewFilter compiles the link policy for a crawl starting at startURL.
// Exclude patterns that do not compile are logged and skipped.
func NewFilter(startURL string, settings *model.CrawlSettings, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("start url %q has no host", startURL)
	}

	f := &Filter{
		startHost: strings.ToLower(u.Hostname()),
		startPath: dirPath(u.Path),
		settings:  settings,
		allowed:   hostSet(settings.AllowedDomains),
		denied:    hostSet(settings.DeniedDomains),
	}
	for _, pattern := range settings.ExcludeLinkPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("skipping malformed exclude pattern.", slog.String("pattern", pattern),
				slog.String("err", err.Error()))
			continue
		}
		f.exclusions = append(f.exclusions, re)
	}

	return f, nil
}

// MayEnqueue runs every policy check against an absolute http(s) candidate.
// When it rejects, the second value names the failed check.
func (f *Filter) MayEnqueue(candidate string) (bool, string) {
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return false, ReasonInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	s := f.settings

	if _, ok := f.denied[host]; ok {
		return false, ReasonDeniedDomain
	}
	if s.RestrictToSameRootDomain && !SameRootDomain(f.startHost, host) {
		return false, ReasonRootDomain
	}
	if s.RestrictToSameSubdomain && host != f.startHost {
		return false, ReasonSubdomain
	}
	if s.RestrictToChildUrls && !f.isChild(host, u.Path) {
		return false, ReasonNotChild
	}
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[host]; !ok {
			return false, ReasonNotAllowed
		}
	}
	if !s.FollowExternalLinks && host != f.startHost {
		return false, ReasonExternal
	}
	for _, re := range f.exclusions {
		if re.MatchString(candidate) {
			return false, ReasonExcludePattern
		}
	}

	return true, ""
}

// SameRootDomain reports whether a and b are the same host or one is a
// subdomain of the other on a label boundary.
func SameRootDomain(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

func (f *Filter) isChild(host, path string) bool {
	if host != f.startHost {
		return false
	}
	if f.startPath == "/" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(dirPath(path)), strings.ToLower(f.startPath))
}

// dirPath returns p with exactly one leading and one trailing slash so that
// "/blog" is a prefix of "/blog/post" but not of "/blogger".
func dirPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}
