package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/site-crawler/internal/fetcher"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/IliaW/site-crawler/internal/policy"
	"github.com/IliaW/site-crawler/internal/robots"
	"github.com/IliaW/site-crawler/internal/sitemap"
	"github.com/IliaW/site-crawler/internal/telemetry"
	"github.com/IliaW/site-crawler/internal/urlutil"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval   = 10 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	maxRedirectHops       = 20
	maxFileRedirectHops   = 5
)

// RobotsCache stores raw robots.txt bodies by domain root.
type RobotsCache interface {
	Get(domainRoot string) ([]byte, bool)
	Set(domainRoot string, body []byte)
}

// SeedSource provides extra depth-zero links for a start URL.
type SeedSource interface {
	Seeds(ctx context.Context, startURL string) ([]model.QueuedLink, error)
}

type Option func(*Crawler)

func WithTransport(t fetcher.Transport) Option {
	return func(c *Crawler) { c.transport = t }
}

// WithRenderer sets the browser used for navigable pages when the settings
// ask for a headless browser.
func WithRenderer(r fetcher.Renderer) Option {
	return func(c *Crawler) { c.renderer = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Crawler) { c.logger = l }
}

func WithMetrics(m *telemetry.CrawlMetrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithFailureHandler registers a callback for per-link errors.
func WithFailureHandler(fn func(url string, err error)) Option {
	return func(c *Crawler) { c.onFailure = fn }
}

func WithRobotsCache(rc RobotsCache) Option {
	return func(c *Crawler) { c.robotsCache = rc }
}

func WithSeedSource(s SeedSource) Option {
	return func(c *Crawler) { c.seedSources = append(c.seedSources, s) }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Crawler) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Crawler runs one crawl session. A Crawler can be started once.
type Crawler struct {
	ID string

	settings *model.CrawlSettings
	auth     *model.AuthenticationSettings
	startURL string
	filter   *policy.Filter

	transport     fetcher.Transport
	renderer      fetcher.Renderer
	ownedRenderer *fetcher.BrowserRenderer
	robotsCache   RobotsCache
	seedSources   []SeedSource
	logger        *slog.Logger
	metrics       *telemetry.CrawlMetrics
	onFailure     func(url string, err error)
	pollInterval  time.Duration

	frontier *frontier
	rules    *robots.Rules
	delay    atomic.Int64
	limiter  *rate.Limiter
	wake     chan struct{}
	started  atomic.Bool
}

// New validates settings and builds a session. Configuration errors are
// returned here and never during the crawl.
func New(settings *model.Settings, opts ...Option) (*Crawler, error) {
	if settings == nil {
		return nil, errors.New("settings are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	cs := settings.Crawl
	start, ok := urlutil.Normalize(cs.StartURL, cs.StartURL)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStartURL, cs.StartURL)
	}

	c := &Crawler{
		ID:           uuid.New().String(),
		settings:     cs,
		auth:         settings.Authentication,
		startURL:     start,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		frontier:     newFrontier(),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("crawl_id", c.ID))
	if c.metrics == nil {
		c.metrics = telemetry.NoopCrawlMetrics()
	}
	if c.transport == nil {
		c.transport = fetcher.NewCollyTransport(nil, defaultRequestTimeout, cs.UserAgent)
	}
	if !cs.UseHeadlessBrowser {
		c.renderer = nil
	} else if c.renderer == nil {
		c.ownedRenderer = fetcher.NewBrowserRenderer(defaultRequestTimeout, cs.MaxParallelTasks, cs.UserAgent)
		c.renderer = c.ownedRenderer
	}

	filter, err := policy.NewFilter(start, cs, c.logger)
	if err != nil {
		return nil, err
	}
	c.filter = filter
	c.setDelay(time.Duration(cs.CrawlDelayMs) * time.Millisecond)

	return c, nil
}

// Crawl starts the session and returns the stream of resources in completion
// order. The channel is closed when the frontier is exhausted or ctx is
// cancelled; callers must read it until it is closed.
func (c *Crawler) Crawl(ctx context.Context) <-chan *model.WebResource {
	out := make(chan *model.WebResource)
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("crawl session already started.")
		close(out)
		return out
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()
	go c.drain(done, out)

	return out
}

// StartURL is the canonical start URL of the session.
func (c *Crawler) StartURL() string { return c.startURL }

// CrawlDelay is the pause applied before each fetch.
func (c *Crawler) CrawlDelay() time.Duration { return time.Duration(c.delay.Load()) }

// Visited returns a copy of the canonical URL to resource map.
func (c *Crawler) Visited() map[string]*model.WebResource { return c.frontier.visitedSnapshot() }

// Pending returns a copy of the links waiting to be retrieved.
func (c *Crawler) Pending() []model.QueuedLink { return c.frontier.pendingSnapshot() }

// InFlight returns the URLs currently being retrieved.
func (c *Crawler) InFlight() []string { return c.frontier.inFlightSnapshot() }

func (c *Crawler) run(ctx context.Context) {
	startTime := time.Now()
	if c.ownedRenderer != nil {
		defer c.ownedRenderer.Close()
	}
	c.logger.Info("crawl started.", slog.String("start_url", c.startURL))
	c.seed(ctx)

	sem := semaphore.NewWeighted(int64(c.settings.MaxParallelTasks))
	var wg sync.WaitGroup
	var active atomic.Int64

	for ctx.Err() == nil {
		link, ok := c.frontier.next()
		if !ok {
			if active.Load() == 0 && c.frontier.pendingLen() == 0 {
				break
			}
			select {
			case <-c.wake:
			case <-ctx.Done():
			}
			continue
		}
		if c.frontier.isVisited(link.URL) || !c.frontier.claim(link.URL) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			c.frontier.release(link.URL)
			break
		}

		active.Add(1)
		wg.Add(1)
		go func(link model.QueuedLink) {
			defer func() {
				c.frontier.release(link.URL)
				sem.Release(1)
				active.Add(-1)
				c.signal()
				wg.Done()
			}()
			c.work(ctx, link)
		}(link)
	}
	wg.Wait()

	c.logger.Info("crawl finished.", slog.Int("visited", len(c.frontier.visitedSnapshot())),
		slog.Int64("duration_ms", time.Since(startTime).Milliseconds()),
		slog.Bool("cancelled", ctx.Err() != nil))
}

func (c *Crawler) drain(done <-chan struct{}, out chan<- *model.WebResource) {
	defer close(out)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	flush := func() {
		for {
			wr, ok := c.frontier.popCompleted()
			if !ok {
				return
			}
			out <- wr
		}
	}
	for {
		flush()
		select {
		case <-done:
			flush()
			return
		case <-ticker.C:
		}
	}
}

func (c *Crawler) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Crawler) enqueue(link model.QueuedLink) bool {
	if !c.frontier.enqueue(link) {
		return false
	}
	c.signal()
	return true
}

// work is the unit executed by one pool slot. Nothing raised here reaches
// the dispatcher.
func (c *Crawler) work(ctx context.Context, link model.QueuedLink) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(link.URL, fmt.Errorf("panic while processing link: %v", r))
		}
	}()

	res := c.retrieve(ctx, link)
	switch res.outcome {
	case outcomeDropped, outcomeAliased:
		return
	case outcomeFailed:
		c.fail(link.URL, res.err)
	}
	if res.resource == nil {
		return
	}

	c.enqueueChildren(res.resource)
	c.frontier.pushCompleted(res.resource)
	c.metrics.ResourceCnt(1)
}

func (c *Crawler) fail(url string, err error) {
	if err == nil {
		return
	}
	c.logger.Error("failed to process link.", slog.String("url", url), slog.String("err", err.Error()))
	c.metrics.FailedFetchCnt(1)
	if c.onFailure != nil {
		c.onFailure(url, err)
	}
}

func (c *Crawler) seed(ctx context.Context) {
	root, err := urlutil.DomainRoot(c.startURL)
	if err != nil {
		c.logger.Error("failed to resolve domain root.", slog.String("err", err.Error()))
	}

	if !c.settings.IgnoreRobotsText && root != "" {
		c.loadRobots(ctx, root)
	}

	c.enqueue(model.QueuedLink{URL: c.startURL})

	if c.settings.IncludeSitemap && root != "" {
		c.loadSitemaps(ctx, root)
	}
	if c.settings.IncludeArchiveSeeds {
		for _, src := range c.seedSources {
			links, err := src.Seeds(ctx, c.startURL)
			if err != nil {
				c.logger.Warn("failed to load seeds.", slog.String("err", err.Error()))
				continue
			}
			for _, l := range links {
				if u, ok := urlutil.Normalize(c.startURL, l.URL); ok {
					l.URL, l.Depth = u, 0
					c.enqueue(l)
				}
			}
		}
	}
}

func (c *Crawler) loadRobots(ctx context.Context, root string) {
	body, cached := []byte(nil), false
	if c.robotsCache != nil {
		body, cached = c.robotsCache.Get(root)
	}
	if !cached {
		resp, err := c.getFile(ctx, root+"/robots.txt")
		if err != nil {
			c.logger.Warn("failed to retrieve robots.txt.", slog.String("url", root+"/robots.txt"),
				slog.String("err", err.Error()))
			return
		}
		if resp.StatusCode/100 == 2 {
			body = resp.Body
		}
		if c.robotsCache != nil {
			c.robotsCache.Set(root, body)
		}
	}

	c.rules = robots.Parse(body)
	if seconds := c.rules.CrawlDelay(c.settings.UserAgent); seconds > 0 {
		c.setDelay(time.Duration(seconds * float64(time.Second)))
		c.logger.Info("crawl delay set from robots.txt.", slog.Float64("seconds", seconds))
	}
}

func (c *Crawler) loadSitemaps(ctx context.Context, root string) {
	locations := []string{root + "/sitemap.xml"}
	for _, s := range c.rules.Sitemaps() {
		if u, ok := urlutil.Normalize(root, s); ok && u != locations[0] {
			locations = append(locations, u)
		}
	}

	for _, loc := range locations {
		resp, err := c.getFile(ctx, loc)
		if err != nil {
			c.logger.Warn("failed to retrieve sitemap.", slog.String("url", loc), slog.String("err", err.Error()))
			continue
		}
		if resp.StatusCode/100 != 2 {
			c.logger.Debug("sitemap not available.", slog.String("url", loc), slog.Int("status", resp.StatusCode))
			continue
		}
		set, err := sitemap.Parse(resp.Body)
		if errors.Is(err, sitemap.ErrIndex) {
			children, _ := sitemap.ParseIndex(resp.Body)
			c.logger.Warn("sitemap index is not supported.", slog.String("url", loc),
				slog.Int("sitemaps", len(children)))
			continue
		}
		if err != nil {
			c.logger.Warn("failed to parse sitemap.", slog.String("url", loc), slog.String("err", err.Error()))
			continue
		}
		seeded := 0
		for _, u := range set.Locations() {
			if norm, ok := urlutil.Normalize(loc, u); ok && c.enqueue(model.QueuedLink{URL: norm, ParentURL: loc}) {
				seeded++
			}
		}
		c.logger.Debug("sitemap seeds added.", slog.String("url", loc), slog.Int("count", seeded))
	}
}

func (c *Crawler) get(ctx context.Context, url string) (*fetcher.Response, error) {
	return c.transport.Send(ctx, &fetcher.Request{
		URL:    url,
		Method: http.MethodGet,
		Header: http.Header{"User-Agent": []string{c.settings.UserAgent}},
		Auth:   c.auth,
	})
}

// getFile fetches robots.txt or a sitemap. Redirects are followed whatever
// the session settings say.
func (c *Crawler) getFile(ctx context.Context, rawURL string) (*fetcher.Response, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		resp, err := c.get(ctx, current)
		if err != nil {
			return nil, err
		}
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}
		if hop >= maxFileRedirectHops {
			return nil, fmt.Errorf("%s: redirect chain exceeded %d hops", rawURL, maxFileRedirectHops)
		}
		next, ok := urlutil.Normalize(current, location)
		if !ok {
			return nil, fmt.Errorf("%w: redirect target %q", errInvalidURL, location)
		}
		c.logger.Debug("following redirect.", slog.String("from", current), slog.String("to", next))
		current = next
	}
}

func (c *Crawler) setDelay(d time.Duration) {
	c.delay.Store(int64(d))
	if d > 0 {
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	} else {
		c.limiter = nil
	}
}

// pause waits for the session crawl delay.
func (c *Crawler) pause(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}
