package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly"
)

// CollyTransport sends single requests through a fresh colly collector.
// Redirects are returned to the caller instead of being followed and every
// status code is delivered as a response. Bodies are returned exactly as
// received: no size limit and no charset conversion.
type CollyTransport struct {
	transport http.RoundTripper
	timeout   time.Duration
	userAgent string
}

func NewCollyTransport(transport http.RoundTripper, timeout time.Duration, userAgent string) *CollyTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CollyTransport{
		transport: transport,
		timeout:   timeout,
		userAgent: userAgent,
	}
}

func (t *CollyTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	header := req.Headers(t.userAgent)

	rt := &contextTransport{ctx: ctx, base: t.transport}
	c := colly.NewCollector()
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = 0
	c.WithTransport(rt)
	if t.timeout > 0 {
		c.SetRequestTimeout(t.timeout)
	}
	c.RedirectHandler = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if ua := header.Get("User-Agent"); ua != "" {
		c.UserAgent = ua
	}

	err := c.Request(method, req.URL, nil, nil, header)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	// colly converts bodies to UTF-8 and may reject unknown charsets after
	// the exchange succeeded, so the response comes from the wire.
	if resp := rt.response(); resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}

	return nil, ErrNoResponse
}

// contextTransport binds every request made by a collector to ctx, which
// colly itself does not support. It also keeps the last response with its
// body as read from the wire.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper

	status   int
	header   http.Header
	body     []byte
	complete bool
}

func (t *contextTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.complete = false
	resp, err := t.base.RoundTrip(r.WithContext(t.ctx))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	t.status, t.header, t.body, t.complete = resp.StatusCode, resp.Header.Clone(), body, true
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (t *contextTransport) response() *Response {
	if !t.complete {
		return nil
	}
	h := t.header
	if h == nil {
		h = http.Header{}
	}
	return &Response{StatusCode: t.status, Header: h, Body: t.body}
}
