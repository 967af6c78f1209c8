package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// BrowserRenderer renders pages in a shared headless Chrome, one tab per
// call. The browser is started on first use.
type BrowserRenderer struct {
	timeout   time.Duration
	userAgent string
	tabs      chan struct{}

	allocCtx    context.Context
	allocCancel context.CancelFunc

	once          sync.Once
	browserCtx    context.Context
	browserCancel context.CancelFunc
	startErr      error
}

func NewBrowserRenderer(timeout time.Duration, maxTabs int, userAgent string) *BrowserRenderer {
	if maxTabs < 1 {
		maxTabs = 1
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("mute-audio", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserRenderer{
		timeout:     timeout,
		userAgent:   userAgent,
		tabs:        make(chan struct{}, maxTabs),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

func (b *BrowserRenderer) start() error {
	b.once.Do(func() {
		b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)
		b.startErr = chromedp.Run(b.browserCtx)
	})
	return b.startErr
}

// Close shuts the browser down.
func (b *BrowserRenderer) Close() {
	slog.Info("closing headless browser.")
	if b.browserCancel != nil {
		b.browserCancel()
	}
	b.allocCancel()
}

func (b *BrowserRenderer) Render(ctx context.Context, req *Request) (*Response, error) {
	select {
	case b.tabs <- struct{}{}:
		defer func() { <-b.tabs }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := b.start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	if b.timeout > 0 {
		var cancelTimeout context.CancelFunc
		tabCtx, cancelTimeout = context.WithTimeout(tabCtx, b.timeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		mu       sync.Mutex
		resp     *Response
		errorTxt string
		html     string
	)
	chromedp.ListenTarget(tabCtx, func(event interface{}) {
		e, ok := event.(*network.EventResponseReceived)
		if !ok || e.Type != network.ResourceTypeDocument {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if resp == nil {
			resp = &Response{StatusCode: int(e.Response.Status), Header: toHeader(e.Response.Headers)}
		}
	})

	extra := map[string]interface{}{}
	for k, v := range req.Headers(b.userAgent) {
		extra[k] = strings.Join(v, ", ")
	}

	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(extra),
		enableLifeCycleEvents(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			errorTxt, err = navigateAndWaitFor(ctx, req.URL, "networkIdle")
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if strings.Contains(errorTxt, "ERR_ABORTED") {
		return nil, ErrDownload
	}
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", req.URL, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if resp == nil {
		return nil, ErrNoResponse
	}
	resp.Body = []byte(html)

	return resp, nil
}

// toHeader converts CDP headers. Chrome joins repeated headers with newlines.
func toHeader(h network.Headers) http.Header {
	out := http.Header{}
	for k, v := range h {
		for _, part := range strings.Split(fmt.Sprint(v), "\n") {
			out.Add(k, part)
		}
	}
	return out
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// navigateAndWaitFor returns the navigation error text reported by Chrome,
// for example net::ERR_ABORTED when the URL is a download.
func navigateAndWaitFor(ctx context.Context, url string, eventName string) (string, error) {
	reached := make(chan struct{})
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var once sync.Once
	chromedp.ListenTarget(lctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
			once.Do(func() { close(reached) })
		}
	})

	_, _, errorText, err := page.Navigate(url).Do(ctx)
	if err != nil {
		return errorText, err
	}
	if errorText != "" {
		return errorText, fmt.Errorf("navigate: %s", errorText)
	}

	select {
	case <-reached:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
