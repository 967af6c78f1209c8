// Package fetcher provides the two ways the crawler retrieves a URL: a direct
// HTTP transport and a headless browser renderer.
package fetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/IliaW/site-crawler/internal/model"
)

var (
	// ErrDownload is returned by a Renderer when navigation turned into a
	// file download. Callers should retry with a Transport.
	ErrDownload = errors.New("navigation triggered a download")
	// ErrNoResponse is returned when the request finished without a response.
	ErrNoResponse = errors.New("no response received")
)

type Request struct {
	URL    string
	Method string
	Header http.Header
	Auth   *model.AuthenticationSettings
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

type Renderer interface {
	Render(ctx context.Context, req *Request) (*Response, error)
}

// Headers returns a copy of the request headers with user agent and
// authentication applied.
func (r *Request) Headers(userAgent string) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if userAgent != "" && h.Get("User-Agent") == "" {
		h.Set("User-Agent", userAgent)
	}
	ApplyAuth(h, r.Auth)
	return h
}

// ApplyAuth sets the header required by the authentication mode.
func ApplyAuth(h http.Header, auth *model.AuthenticationSettings) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case model.AuthBasic:
		token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+token)
	case model.AuthApiKey:
		if auth.ApiKeyHeader != "" {
			h.Set(auth.ApiKeyHeader, auth.ApiKey)
		}
	case model.AuthBearer:
		h.Set("Authorization", "Bearer "+auth.BearerToken)
	}
}
