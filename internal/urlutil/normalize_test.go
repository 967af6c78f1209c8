package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	const base = "http://example.com/blog/post?x=1#top"

	tests := []struct {
		name      string
		base      string
		candidate string
		want      string
		ok        bool
	}{
		{"blank", base, "   ", "", false},
		{"javascript", base, "javascript:void(0)", "", false},
		{"mailto", base, "MAILTO:someone@example.com", "", false},
		{"tel", base, "tel:+100", "", false},
		{"data", base, "data:text/plain,hi", "", false},
		{"absolute keeps text", base, "https://Other.com/A/../b?q=1", "https://Other.com/A/../b?q=1", true},
		{"absolute strips fragment", base, "https://other.com/a#frag", "https://other.com/a", true},
		{"protocol relative", base, "//cdn.example.com/x.js", "http://cdn.example.com/x.js", true},
		{"absolute path", base, "/about#team", "http://example.com/about", true},
		{"query only", base, "?page=2", "http://example.com/blog/post?page=2", true},
		{"fragment only", base, "#section", "http://example.com/blog/post?x=1", true},
		{"relative sibling", base, "comments", "http://example.com/blog/comments", true},
		{"relative parent", base, "../img/a.png", "http://example.com/img/a.png", true},
		{"default port dropped", "http://example.com:80/x", "/y", "http://example.com/y", true},
		{"custom port kept", "http://example.com:8080/x", "/y", "http://example.com:8080/y", true},
		{"query on bare host", "https://example.com", "?a=b", "https://example.com/?a=b", true},
		{"relative base", "/not/absolute", "/x", "", false},
		{"non web base", "ftp://example.com/", "/x", "", false},
		{"other scheme", base, "ws://example.com/socket", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.base, tt.candidate)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAbsoluteRoundTrip(t *testing.T) {
	for _, u := range []string{
		"http://example.com/",
		"http://example.com/a/b/",
		"https://example.com/a?b=c&d=e",
		"http://EXAMPLE.com/Path",
	} {
		got, ok := Normalize("http://unrelated.org/", u+"#frag")
		require.True(t, ok, u)
		assert.Equal(t, u, got)
	}
}

func TestDomainRoot(t *testing.T) {
	root, err := DomainRoot("https://example.com:443/blog/post?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", root)

	root, err = DomainRoot("http://127.0.0.1:8080/a")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", root)

	_, err = DomainRoot("mailto:a@b.c")
	assert.Error(t, err)
}
