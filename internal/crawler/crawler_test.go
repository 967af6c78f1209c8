package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/site-crawler/internal/fetcher"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type site struct {
	mu   sync.Mutex
	hits map[string]int
	srv  *httptest.Server
}

func newSite(t *testing.T, routes map[string]http.HandlerFunc) *site {
	t.Helper()
	s := &site{hits: make(map[string]int)}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) url(path string) string { return s.srv.URL + path }

func (s *site) count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func page(links ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		var b strings.Builder
		b.WriteString("<html><body>")
		for _, l := range links {
			fmt.Fprintf(&b, `<a href="%s">link</a>`, l)
		}
		b.WriteString("</body></html>")
		_, _ = w.Write([]byte(b.String()))
	}
}

// redirect answers without a body so the redirect page carries no links.
func redirect(location string, code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", location)
		w.WriteHeader(code)
	}
}

func testSettings(start string) *model.Settings {
	s := model.DefaultSettings()
	s.Crawl.StartURL = start
	s.Crawl.UserAgent = "test-crawler"
	s.Crawl.ThrottleMs = 0
	s.Crawl.IncludeSitemap = false
	return s
}

func collect(t *testing.T, ch <-chan *model.WebResource) map[string]*model.WebResource {
	t.Helper()
	out := make(map[string]*model.WebResource)
	timeout := time.After(15 * time.Second)
	for {
		select {
		case wr, ok := <-ch:
			if !ok {
				return out
			}
			_, dup := out[wr.URL]
			assert.False(t, dup, "resource emitted twice: %s", wr.URL)
			out[wr.URL] = wr
		case <-timeout:
			t.Fatal("crawl did not finish")
			return nil
		}
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := testSettings("http://example.com/")
	s.Crawl.MaxCrawlDepth = -1
	_, err := New(s)
	assert.ErrorIs(t, err, model.ErrNegativeDepth)

	s = testSettings("not a url")
	_, err = New(s)
	assert.ErrorIs(t, err, model.ErrInvalidStartURL)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestChildUrlScenario(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/blog/{$}":   page("/blog/post1", "/other", "http://external.invalid/x"),
		"/blog/post1": page("/blog/post2"),
		"/other":      page(),
		"/blog/post2": page(),
	})
	settings := testSettings(s.url("/blog/"))
	settings.Crawl.MaxCrawlDepth = 1

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 2)
	root := got[s.url("/blog/")]
	require.NotNil(t, root)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, http.StatusOK, root.Status)
	assert.Equal(t, "text/html", root.ContentType)
	assert.NotEmpty(t, root.SHA256)

	child := got[s.url("/blog/post1")]
	require.NotNil(t, child)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, s.url("/blog/"), child.ParentURL)

	assert.Zero(t, s.count("GET", "/other"))
	assert.Zero(t, s.count("GET", "/blog/post2"), "depth limit")
}

func TestRobotsDisallowedPathIsNeverFetched(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/robots.txt": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		},
		"/{$}":          page("/private/page", "/public"),
		"/private/page": page(),
		"/public":       page(),
	})

	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Len(t, got, 2)
	assert.Contains(t, got, s.url("/public"))
	assert.NotContains(t, got, s.url("/private/page"))
	assert.Zero(t, s.count("GET", "/private/page"))
	assert.Equal(t, 1, s.count("GET", "/robots.txt"))
}

func TestIgnoreRobots(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/robots.txt": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		},
		"/private/{$}": page(),
	})
	settings := testSettings(s.url("/private/"))
	settings.Crawl.IgnoreRobotsText = true

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Len(t, got, 1)
	assert.Zero(t, s.count("GET", "/robots.txt"))
}

func TestRedirectToVisitedIsAliased(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page("/b", "/a"),
		"/a":   redirect("/b", http.StatusFound),
		"/b":   page(),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.MaxParallelTasks = 1

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Len(t, got, 2)
	assert.Equal(t, 1, s.count("GET", "/b"))
	assert.Equal(t, 1, s.count("GET", "/a"))

	visited := c.Visited()
	require.Contains(t, visited, s.url("/a"))
	assert.Same(t, visited[s.url("/b")], visited[s.url("/a")])
}

func TestRedirectIsFollowed(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}":   redirect("/final#frag", http.StatusMovedPermanently),
		"/final": page(),
	})

	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 1)
	wr := got[s.url("/final")]
	require.NotNil(t, wr)
	assert.Equal(t, http.StatusOK, wr.Status)
	assert.Equal(t, 0, wr.Depth)
	assert.Same(t, wr, c.Visited()[s.url("/")])
}

func TestRedirectNotFollowed(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}":   redirect("/final", http.StatusFound),
		"/final": page(),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.FollowRedirects = false

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, http.StatusFound, got[s.url("/")].Status)
	assert.Zero(t, s.count("GET", "/final"))
}

func TestRedirectLoopIsBounded(t *testing.T) {
	var n atomic.Int64
	s := newSite(t, map[string]http.HandlerFunc{
		"/loop/": func(w http.ResponseWriter, r *http.Request) {
			redirect(fmt.Sprintf("/loop/%d", n.Add(1)), http.StatusFound)(w, r)
		},
	})
	var failures atomic.Int64
	c, err := New(testSettings(s.url("/loop/0")),
		WithFailureHandler(func(string, error) { failures.Add(1) }))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 1)
	for _, wr := range got {
		assert.Equal(t, http.StatusFound, wr.Status)
	}
	assert.Equal(t, int64(maxRedirectHops), n.Load())
	assert.Equal(t, int64(1), failures.Load())
}

func TestThrottledResponseIsDelayedOnce(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.ThrottleMs = 200

	c, err := New(settings)
	require.NoError(t, err)
	start := time.Now()
	got := collect(t, c.Crawl(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusTooManyRequests, got[s.url("/")].Status)
	assert.Equal(t, 1, s.count("GET", "/"))
}

func TestUnreachableHostYieldsStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	start := srv.URL + "/"
	srv.Close()

	var mu sync.Mutex
	var failed []string
	c, err := New(testSettings(start), WithFailureHandler(func(url string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, url)
	}))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 1)
	wr := got[start]
	require.NotNil(t, wr)
	assert.Equal(t, 0, wr.Status)
	assert.Nil(t, wr.Data)
	mu.Lock()
	assert.Equal(t, []string{start}, failed)
	mu.Unlock()
}

func TestCyclicLinksAreFetchedOnce(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page("/a", "/b", "/a#x", "/"),
		"/a":   page("/b", "/"),
		"/b":   page("/a", "/c"),
		"/c":   page("/", "/a", "/b"),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.MaxParallelTasks = 4

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Len(t, got, 4)
	for _, p := range []string{"/", "/a", "/b", "/c"} {
		assert.Equal(t, 1, s.count("GET", p), p)
	}
	for _, wr := range got {
		if wr.ParentURL == "" {
			continue
		}
		parent, ok := got[wr.ParentURL]
		require.True(t, ok)
		assert.Equal(t, parent.Depth+1, wr.Depth)
		assert.LessOrEqual(t, wr.Depth, settings.Crawl.MaxCrawlDepth)
	}
	assert.Empty(t, c.Pending())
	assert.Empty(t, c.InFlight())
}

func TestSitemapAndRobotsDelay(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/robots.txt": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("User-agent: test-crawler\nCrawl-delay: 0.05\n"))
		},
		"/sitemap.xml": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://%s/hidden</loc></url>
</urlset>`, r.Host)
		},
		"/{$}":    page(),
		"/hidden": page(),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.IncludeSitemap = true

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Equal(t, 50*time.Millisecond, c.CrawlDelay())
	require.Contains(t, got, s.url("/hidden"))
	hidden := got[s.url("/hidden")]
	assert.Equal(t, s.url("/sitemap.xml"), hidden.ParentURL)
	assert.Equal(t, 0, hidden.Depth)
}

func TestCancellationStopsCrawl(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}
		},
	})

	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Crawl(ctx)
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	got := collect(t, ch)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCrawlCanOnlyStartOnce(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{"/{$}": page()})
	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)

	first := c.Crawl(context.Background())
	_, open := <-c.Crawl(context.Background())
	assert.False(t, open)
	assert.Len(t, collect(t, first), 1)
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	body  string
}

func (f *fakeRenderer) Render(ctx context.Context, req *fetcher.Request) (*fetcher.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()
	if strings.HasSuffix(req.URL, "/download") {
		return nil, fetcher.ErrDownload
	}
	return &fetcher.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(f.body),
	}, nil
}

func TestBrowserPathUsesProbeAndFallsBack(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page(),
		"/file.pdf": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4"))
		},
		"/download": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("direct"))
		},
	})
	renderer := &fakeRenderer{body: `<html><body><a href="/file.pdf">pdf</a><a href="/download">dl</a></body></html>`}
	settings := testSettings(s.url("/"))
	settings.Crawl.UseHeadlessBrowser = true

	c, err := New(settings, WithRenderer(renderer))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Len(t, got, 3)
	assert.Zero(t, s.count("GET", "/"), "navigable page is rendered, not fetched")
	assert.Equal(t, 1, s.count("HEAD", "/file.pdf"))
	assert.Equal(t, 1, s.count("GET", "/file.pdf"))
	assert.Equal(t, 1, s.count("GET", "/download"))
	assert.Equal(t, "application/pdf", got[s.url("/file.pdf")].ContentType)
	assert.Equal(t, "direct", string(got[s.url("/download")].Data))

	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	assert.ElementsMatch(t, []string{s.url("/"), s.url("/download")}, renderer.calls)
}

type memoryRobotsCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (m *memoryRobotsCache) Get(root string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[root]
	return b, ok
}

func (m *memoryRobotsCache) Set(root string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[root] = body
}

func TestRobotsCacheIsUsed(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/robots.txt": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /x\n"))
		},
		"/{$}": page(),
	})
	rc := &memoryRobotsCache{items: map[string][]byte{}}

	for i := 0; i < 2; i++ {
		c, err := New(testSettings(s.url("/")), WithRobotsCache(rc))
		require.NoError(t, err)
		collect(t, c.Crawl(context.Background()))
	}

	assert.Equal(t, 1, s.count("GET", "/robots.txt"))
	assert.Contains(t, string(rc.items[s.url("")]), "Disallow: /x")
}

type staticSeeds []model.QueuedLink

func (s staticSeeds) Seeds(context.Context, string) ([]model.QueuedLink, error) { return s, nil }

func TestArchiveSeeds(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}":        page(),
		"/from-index": page(),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.IncludeArchiveSeeds = true
	seeds := staticSeeds{{URL: s.url("/from-index"), ParentURL: "CC-MAIN-2024-10", Depth: 7}}

	c, err := New(settings, WithSeedSource(seeds))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	require.Contains(t, got, s.url("/from-index"))
	assert.Equal(t, 0, got[s.url("/from-index")].Depth)
	assert.Equal(t, "CC-MAIN-2024-10", got[s.url("/from-index")].ParentURL)
}

func TestRedirectedRobotsTxtIsHonored(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/robots.txt": redirect("/real-robots.txt", http.StatusMovedPermanently),
		"/real-robots.txt": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		},
		"/{$}":          page("/private/page", "/public"),
		"/private/page": page(),
		"/public":       page(),
	})

	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Equal(t, 1, s.count("GET", "/real-robots.txt"))
	assert.Zero(t, s.count("GET", "/private/page"))
	assert.Contains(t, got, s.url("/public"))
}

func TestRedirectTargetIsFetchedOnce(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page("/a", "/b"),
		"/a":   redirect("/b", http.StatusFound),
		"/b": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			page()(w, r)
		},
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.MaxParallelTasks = 4

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Equal(t, 1, s.count("GET", "/a"))
	assert.Equal(t, 1, s.count("GET", "/b"))
	require.Contains(t, got, s.url("/b"))
	visited := c.Visited()
	assert.Same(t, visited[s.url("/b")], visited[s.url("/a")])
}

func TestRedirectCycleAcrossWorkers(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page("/a", "/b"),
		"/a":   redirect("/b", http.StatusFound),
		"/b":   redirect("/a", http.StatusFound),
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.MaxParallelTasks = 4

	var failures atomic.Int64
	c, err := New(settings, WithFailureHandler(func(string, error) { failures.Add(1) }))
	require.NoError(t, err)
	collect(t, c.Crawl(context.Background()))

	assert.Equal(t, 1, s.count("GET", "/a"))
	assert.Equal(t, 1, s.count("GET", "/b"))
	assert.Equal(t, int64(1), failures.Load())
	visited := c.Visited()
	assert.Contains(t, visited, s.url("/a"))
	assert.Contains(t, visited, s.url("/b"))
}

func TestParallelTasksAreBounded(t *testing.T) {
	var current, peak atomic.Int64
	children := make([]string, 20)
	for i := range children {
		children[i] = fmt.Sprintf("/child/%d", i)
	}
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": page(children...),
		"/child/": func(w http.ResponseWriter, r *http.Request) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			page()(w, r)
		},
	})
	settings := testSettings(s.url("/"))
	settings.Crawl.MaxParallelTasks = 3

	c, err := New(settings)
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	assert.Len(t, got, 21)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Greater(t, peak.Load(), int64(1))
}

func TestResourceDigestsMatchServedBytes(t *testing.T) {
	latin1 := []byte(`<html><body>caf` + "\xe9" + ` <a href="/large">large</a></body></html>`)
	large := make([]byte, 11<<20)
	for i := range large {
		large[i] = byte(i % 251)
	}
	s := newSite(t, map[string]http.HandlerFunc{
		"/{$}": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
			_, _ = w.Write(latin1)
		},
		"/large": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(large)
		},
	})

	c, err := New(testSettings(s.url("/")))
	require.NoError(t, err)
	got := collect(t, c.Crawl(context.Background()))

	for path, served := range map[string][]byte{"/": latin1, "/large": large} {
		wr := got[s.url(path)]
		require.NotNil(t, wr, path)
		md5, sha1, sha256 := model.Hashes(served)
		assert.Len(t, wr.Data, len(served), path)
		assert.Equal(t, md5, wr.MD5, path)
		assert.Equal(t, sha1, wr.SHA1, path)
		assert.Equal(t, sha256, wr.SHA256, path)
	}
}
