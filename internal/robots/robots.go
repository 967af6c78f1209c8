// Package robots decides whether a crawler may fetch a path according to a
// site's robots.txt.
//
// Matching uses plain case-insensitive prefixes. The longest matching rule
// wins and an allow rule wins a tie. Wildcards and '$' anchors are not
// interpreted.
package robots

import (
	"bufio"
	"bytes"
	"log/slog"
	"strconv"
	"strings"

	"github.com/temoto/robotstxt"
)

const wildcardAgent = "*"

type group struct {
	allow      []string
	disallow   []string
	crawlDelay float64
	hasDelay   bool
}

// Rules is the parsed content of one robots.txt. It is read-only after Parse.
type Rules struct {
	groups   map[string]*group
	sitemaps []string
}

// Parse reads allow, disallow and crawl-delay lines grouped by user agent.
// Unknown directives are ignored.
func Parse(body []byte) *Rules {
	r := &Rules{groups: make(map[string]*group)}

	var current []*group
	inAgentHeader := false
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !inAgentHeader {
				current = current[:0]
			}
			inAgentHeader = true
			agent := strings.ToLower(value)
			g, found := r.groups[agent]
			if !found {
				g = &group{}
				r.groups[agent] = g
			}
			current = append(current, g)
		case "allow":
			inAgentHeader = false
			for _, g := range current {
				g.allow = append(g.allow, value)
			}
		case "disallow":
			inAgentHeader = false
			for _, g := range current {
				g.disallow = append(g.disallow, value)
			}
		case "crawl-delay":
			inAgentHeader = false
			delay, err := strconv.ParseFloat(value, 64)
			if err != nil || delay < 0 {
				slog.Debug("skipping malformed crawl-delay.", slog.String("value", value))
				continue
			}
			for _, g := range current {
				g.crawlDelay, g.hasDelay = delay, true
			}
		default:
			inAgentHeader = false
		}
	}

	if data, err := robotstxt.FromBytes(body); err == nil {
		r.sitemaps = data.Sitemaps
	} else {
		slog.Debug("failed to read sitemap directives.", slog.String("err", err.Error()))
	}

	return r
}

// IsAllowed reports whether userAgent may fetch path.
func (r *Rules) IsAllowed(userAgent, path string) bool {
	if r == nil {
		return true
	}
	g := r.lookup(userAgent)
	if g == nil {
		return true
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.ToLower(path)

	longestDisallow := longestMatch(path, g.disallow, true)
	longestAllow := longestMatch(path, g.allow, false)

	switch {
	case longestDisallow < 0:
		return true
	case longestAllow < 0:
		return false
	default:
		return longestAllow >= longestDisallow
	}
}

// CrawlDelay returns the crawl delay in seconds configured for userAgent,
// falling back to the wildcard group, or zero.
func (r *Rules) CrawlDelay(userAgent string) float64 {
	if r == nil {
		return 0
	}
	if g, ok := r.groups[strings.ToLower(userAgent)]; ok && g.hasDelay {
		return g.crawlDelay
	}
	if g, ok := r.groups[wildcardAgent]; ok && g.hasDelay {
		return g.crawlDelay
	}
	return 0
}

// Sitemaps returns the sitemap locations declared in the file.
func (r *Rules) Sitemaps() []string {
	if r == nil {
		return nil
	}
	return r.sitemaps
}

func (r *Rules) lookup(userAgent string) *group {
	if g, ok := r.groups[strings.ToLower(strings.TrimSpace(userAgent))]; ok {
		return g
	}
	return r.groups[wildcardAgent]
}

// longestMatch returns the length of the longest rule that prefixes path, or
// -1. Disallow rules of "" and "/" never match.
func longestMatch(path string, rules []string, disallow bool) int {
	longest := -1
	for _, rule := range rules {
		if disallow && (rule == "" || rule == "/") {
			continue
		}
		if rule == "" {
			continue
		}
		if strings.HasPrefix(path, strings.ToLower(rule)) && len(rule) > longest {
			longest = len(rule)
		}
	}
	return longest
}
