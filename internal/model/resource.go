package model

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// WebResource is the result of retrieving one canonical URL. It is not
// modified after it has been registered in the frontier.
type WebResource struct {
	URL         string      `json:"url"`
	ParentURL   string      `json:"parent_url,omitempty"`
	Depth       int         `json:"depth"`
	Status      int         `json:"status"`
	ContentType string      `json:"content_type,omitempty"`
	ETag        string      `json:"etag,omitempty"`
	MD5         string      `json:"md5,omitempty"`
	SHA1        string      `json:"sha1,omitempty"`
	SHA256      string      `json:"sha256,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	Data        []byte      `json:"data,omitempty"`
}

// NewWebResource builds a resource and derives content type, ETag and
// hashes. A nil data slice means no body was received.
func NewWebResource(link QueuedLink, status int, header http.Header, data []byte) *WebResource {
	if header == nil {
		header = http.Header{}
	}
	wr := &WebResource{
		URL:         link.URL,
		ParentURL:   link.ParentURL,
		Depth:       link.Depth,
		Status:      clampStatus(status),
		ContentType: MediaType(header.Get("Content-Type")),
		ETag:        NormalizeETag(header.Get("ETag")),
		Headers:     header,
		Data:        data,
	}
	if data != nil {
		wr.MD5, wr.SHA1, wr.SHA256 = Hashes(data)
	}
	return wr
}

func clampStatus(status int) int {
	if status < 0 || status > 599 {
		return http.StatusBadRequest
	}
	return status
}

// Hashes returns the MD5, SHA-1 and SHA-256 digests of data as uppercase hex.
func Hashes(data []byte) (string, string, string) {
	m := md5.Sum(data)
	s1 := sha1.Sum(data)
	s256 := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(m[:])),
		strings.ToUpper(hex.EncodeToString(s1[:])),
		strings.ToUpper(hex.EncodeToString(s256[:]))
}

// MediaType returns the lowercased media type of a Content-Type value
// without its parameters.
func MediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// NormalizeETag drops the weak validator prefix and surrounding quotes.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.TrimPrefix(etag, "w/")
	return strings.Trim(etag, `"`)
}

var navigableTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"application/xml":       true,
	"text/xml":              true,
	"text/plain":            true,
}

// IsNavigable reports whether a Content-Type can be rendered as a page.
// An unknown (empty) type is treated as navigable. text/plain only counts
// when it carries no charset parameter.
func IsNavigable(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mt := MediaType(contentType)
	if mt == "text/plain" && strings.Contains(strings.ToLower(contentType), "charset") {
		return false
	}
	return navigableTypes[mt]
}

// Filename is the last segment of the resource path, or empty for a
// directory-like path.
func (wr *WebResource) Filename() string {
	u, err := url.Parse(wr.URL)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return path.Base(u.Path)
}

func (wr *WebResource) ContentLength() int64 {
	if v := wr.Headers.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return int64(len(wr.Data))
}

func (wr *WebResource) LastModified() (time.Time, bool) {
	v := wr.Headers.Get("Last-Modified")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
