package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/IliaW/site-crawler/internal/fetcher"
	"github.com/IliaW/site-crawler/internal/links"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/IliaW/site-crawler/internal/urlutil"
)

type outcome int

const (
	// outcomeFetched means a new resource was materialized.
	outcomeFetched outcome = iota
	// outcomeAliased means the URL resolved to a resource that already exists.
	outcomeAliased
	// outcomeDropped means the link was rejected by policy or the crawl was cancelled.
	outcomeDropped
	// outcomeFailed means the link failed. A status 0 resource may still be attached.
	outcomeFailed
)

type result struct {
	outcome  outcome
	resource *model.WebResource
	err      error
}

var (
	errInvalidURL    = errors.New("invalid url")
	errRedirectCycle = errors.New("redirect cycle")
)

func isRedirect(status int) bool {
	return status >= http.StatusMultipleChoices && status <= http.StatusPermanentRedirect
}

// retrieve runs the per-link state machine. Redirects are followed in a loop
// and every URL of the chain ends up registered for the same resource.
// Redirect targets are claimed before they are fetched and released once
// the chain is registered.
func (c *Crawler) retrieve(ctx context.Context, link model.QueuedLink) result {
	var chain, claimed []string
	defer func() {
		for _, u := range claimed {
			c.frontier.release(u)
		}
	}()
	current := link.URL

	for hop := 0; ; hop++ {
		if err := c.pause(ctx); err != nil {
			return result{outcome: outcomeDropped, err: err}
		}

		canonical, ok := urlutil.Normalize(c.startURL, current)
		if !ok {
			return result{outcome: outcomeFailed, err: fmt.Errorf("%w: %q", errInvalidURL, current)}
		}

		if wr, ok := c.frontier.lookup(canonical); ok {
			c.frontier.markVisited(wr, chain...)
			return result{outcome: outcomeAliased, resource: wr}
		}
		chain = append(chain, canonical)

		if !c.allowedByRobots(canonical) {
			c.logger.Debug("denied by robots.txt.", slog.String("url", canonical))
			c.metrics.RobotsDeniedCnt(1)
			return result{outcome: outcomeDropped}
		}

		navigable := true
		if c.renderer != nil {
			navigable = c.probe(ctx, canonical)
		}

		at := model.QueuedLink{URL: canonical, ParentURL: link.ParentURL, Depth: link.Depth}
		resp, err := c.fetch(ctx, canonical, navigable)
		if ctx.Err() != nil {
			return result{outcome: outcomeDropped, err: ctx.Err()}
		}
		if err != nil {
			wr := model.NewWebResource(at, 0, nil, nil)
			return c.register(wr, chain, outcomeFailed, err)
		}

		if isRedirect(resp.StatusCode) && c.settings.FollowRedirects {
			target, ok := urlutil.Normalize(canonical, resp.Header.Get("Location"))
			switch {
			case !ok:
				err = fmt.Errorf("%w: redirect target %q", errInvalidURL, resp.Header.Get("Location"))
			case hop+1 >= maxRedirectHops:
				err = fmt.Errorf("redirect chain exceeded %d hops", maxRedirectHops)
			case slices.Contains(chain, target):
				err = fmt.Errorf("%w: %s redirects back to %s", errRedirectCycle, canonical, target)
			default:
				var held bool
				if held, err = c.claimTarget(ctx, link.URL, target); err != nil {
					break
				}
				if held {
					claimed = append(claimed, target)
				}
				c.logger.Debug("following redirect.", slog.String("from", canonical), slog.String("to", target),
					slog.Int("status", resp.StatusCode))
				c.metrics.RedirectCnt(1)
				current = target
				continue
			}
			if ctx.Err() != nil {
				return result{outcome: outcomeDropped, err: ctx.Err()}
			}
			wr := model.NewWebResource(at, resp.StatusCode, resp.Header, resp.Body)
			return c.register(wr, chain, outcomeFailed, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("too many requests status code. throttling.", slog.String("url", canonical),
				slog.Int("throttle_ms", c.settings.ThrottleMs))
			c.metrics.ThrottledCnt(1)
			if err := sleep(ctx, time.Duration(c.settings.ThrottleMs)*time.Millisecond); err != nil {
				return result{outcome: outcomeDropped, err: err}
			}
		}

		wr := model.NewWebResource(at, resp.StatusCode, resp.Header, resp.Body)
		return c.register(wr, chain, outcomeFetched, nil)
	}
}

// claimTarget takes the in-flight claim on a redirect target for the worker
// that started from owner. When another worker holds the target it waits
// until that worker registers it or gives it up. held is false when the
// target was registered meanwhile, so the caller resolves it as an alias.
func (c *Crawler) claimTarget(ctx context.Context, owner, target string) (held bool, err error) {
	if c.frontier.isVisited(target) {
		return false, nil
	}
	if c.frontier.claimAs(owner, target) {
		return true, nil
	}
	defer c.frontier.stopWaiting(owner)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if c.frontier.await(owner, target) {
			return false, fmt.Errorf("%w: %s is held by a worker waiting for %s", errRedirectCycle, target, owner)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if c.frontier.isVisited(target) {
			return false, nil
		}
		if c.frontier.claimAs(owner, target) {
			return true, nil
		}
	}
}

// register stores wr for every URL of the chain. If another worker already
// stored a resource for the final URL, that one is reused.
func (c *Crawler) register(wr *model.WebResource, chain []string, o outcome, err error) result {
	if stored := c.frontier.register(wr, chain...); stored != wr {
		return result{outcome: outcomeAliased, resource: stored, err: err}
	}
	return result{outcome: o, resource: wr, err: err}
}

func (c *Crawler) allowedByRobots(rawURL string) bool {
	if c.settings.IgnoreRobotsText || c.rules == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return c.rules.IsAllowed(c.settings.UserAgent, u.EscapedPath())
}

// probe asks for the content type with a HEAD request. Any failure counts
// as navigable.
func (c *Crawler) probe(ctx context.Context, rawURL string) bool {
	resp, err := c.transport.Send(ctx, &fetcher.Request{
		URL:    rawURL,
		Method: http.MethodHead,
		Header: http.Header{"User-Agent": []string{c.settings.UserAgent}},
		Auth:   c.auth,
	})
	if err != nil || resp.StatusCode/100 != 2 {
		return true
	}
	return model.IsNavigable(resp.Header.Get("Content-Type"))
}

func (c *Crawler) fetch(ctx context.Context, rawURL string, navigable bool) (*fetcher.Response, error) {
	req := &fetcher.Request{
		URL:    rawURL,
		Method: http.MethodGet,
		Header: http.Header{"User-Agent": []string{c.settings.UserAgent}},
		Auth:   c.auth,
	}
	if c.renderer != nil && navigable {
		resp, err := c.renderer.Render(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case errors.Is(err, fetcher.ErrDownload):
			c.logger.Debug("download detected, fetching directly.", slog.String("url", rawURL))
		case errors.Is(err, fetcher.ErrNoResponse):
			c.logger.Debug("no browser response, fetching directly.", slog.String("url", rawURL))
		default:
			c.logger.Warn("browser render failed, fetching directly.", slog.String("url", rawURL),
				slog.String("err", err.Error()))
		}
	}
	return c.transport.Send(ctx, req)
}

func (c *Crawler) enqueueChildren(wr *model.WebResource) {
	s := c.settings
	contentType := wr.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = wr.ContentType
	}
	if len(wr.Data) == 0 || !s.FollowLinks || wr.Depth >= s.MaxCrawlDepth || !model.IsNavigable(contentType) {
		return
	}

	added := 0
	for _, href := range links.ExtractHrefs(wr.Data) {
		candidate, ok := urlutil.Normalize(wr.URL, href)
		if !ok || c.frontier.isVisited(candidate) {
			continue
		}
		if ok, reason := c.filter.MayEnqueue(candidate); !ok {
			c.logger.Debug("link filtered.", slog.String("url", candidate), slog.String("reason", reason))
			c.metrics.FilteredLinkCnt(1)
			continue
		}
		if c.enqueue(model.QueuedLink{URL: candidate, ParentURL: wr.URL, Depth: wr.Depth + 1}) {
			added++
		}
	}
	if added > 0 {
		c.logger.Debug("links enqueued.", slog.String("url", wr.URL), slog.Int("count", added))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
