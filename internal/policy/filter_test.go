package policy

import (
	"testing"

	"github.com/IliaW/site-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permissive() *model.CrawlSettings {
	return &model.CrawlSettings{FollowExternalLinks: true}
}

func TestChildUrlScenario(t *testing.T) {
	s := permissive()
	s.RestrictToChildUrls = true
	f, err := NewFilter("http://example.com/blog/", s, nil)
	require.NoError(t, err)

	ok, _ := f.MayEnqueue("http://example.com/blog/post1")
	assert.True(t, ok)

	ok, reason := f.MayEnqueue("http://example.com/other")
	assert.False(t, ok)
	assert.Equal(t, ReasonNotChild, reason)

	ok, reason = f.MayEnqueue("http://external.com/x")
	assert.False(t, ok)
	assert.Equal(t, ReasonNotChild, reason)

	ok, _ = f.MayEnqueue("http://example.com/blogger")
	assert.False(t, ok)
	ok, _ = f.MayEnqueue("http://EXAMPLE.com/BLOG/Post2")
	assert.True(t, ok)
}

func TestChildUrlRootMatchesEverythingOnHost(t *testing.T) {
	s := permissive()
	s.RestrictToChildUrls = true
	f, err := NewFilter("https://example.com", s, nil)
	require.NoError(t, err)

	ok, _ := f.MayEnqueue("https://example.com/any/deep/path")
	assert.True(t, ok)
	ok, _ = f.MayEnqueue("https://sub.example.com/")
	assert.False(t, ok)
}

func TestRootDomainRestriction(t *testing.T) {
	s := permissive()
	s.RestrictToSameRootDomain = true
	f, err := NewFilter("https://www.example.com/", s, nil)
	require.NoError(t, err)

	tests := map[string]bool{
		"https://www.example.com/a":      true,
		"https://api.www.example.com/a":  true,
		"https://example.com/a":          true,
		"https://notexample.com/a":       false,
		"https://other.org/a":            false,
		"https://www.example.com.evil/a": false,
	}
	for candidate, want := range tests {
		ok, _ := f.MayEnqueue(candidate)
		assert.Equal(t, want, ok, candidate)
	}
}

func TestSubdomainRestriction(t *testing.T) {
	s := permissive()
	s.RestrictToSameSubdomain = true
	f, err := NewFilter("https://docs.example.com/", s, nil)
	require.NoError(t, err)

	ok, _ := f.MayEnqueue("https://docs.example.com/x")
	assert.True(t, ok)
	ok, reason := f.MayEnqueue("https://example.com/x")
	assert.False(t, ok)
	assert.Equal(t, ReasonSubdomain, reason)
}

func TestAllowAndDenyLists(t *testing.T) {
	s := permissive()
	s.AllowedDomains = []string{"example.com", "Partner.org"}
	s.DeniedDomains = []string{"partner.org"}
	f, err := NewFilter("https://example.com/", s, nil)
	require.NoError(t, err)

	ok, _ := f.MayEnqueue("https://example.com/a")
	assert.True(t, ok)

	ok, reason := f.MayEnqueue("https://partner.org/a")
	assert.False(t, ok)
	assert.Equal(t, ReasonDeniedDomain, reason)

	ok, reason = f.MayEnqueue("https://random.net/a")
	assert.False(t, ok)
	assert.Equal(t, ReasonNotAllowed, reason)
}

func TestExternalLinks(t *testing.T) {
	s := permissive()
	s.FollowExternalLinks = false
	f, err := NewFilter("https://example.com/", s, nil)
	require.NoError(t, err)

	ok, _ := f.MayEnqueue("https://example.com/in")
	assert.True(t, ok)
	ok, reason := f.MayEnqueue("https://cdn.example.com/out")
	assert.False(t, ok)
	assert.Equal(t, ReasonExternal, reason)
}

func TestExcludePatterns(t *testing.T) {
	s := permissive()
	s.ExcludeLinkPatterns = []string{`\.pdf$`, `([unclosed`, `/tag/`}
	f, err := NewFilter("https://example.com/", s, nil)
	require.NoError(t, err)
	assert.Len(t, f.exclusions, 2)

	ok, reason := f.MayEnqueue("https://example.com/report.pdf")
	assert.False(t, ok)
	assert.Equal(t, ReasonExcludePattern, reason)
	ok, _ = f.MayEnqueue("https://example.com/tag/go")
	assert.False(t, ok)
	ok, _ = f.MayEnqueue("https://example.com/post")
	assert.True(t, ok)
}

func TestNewFilterRejectsHostlessStart(t *testing.T) {
	_, err := NewFilter("/relative", permissive(), nil)
	assert.Error(t, err)
}

func TestSameRootDomain(t *testing.T) {
	assert.True(t, SameRootDomain("example.com", "a.example.com"))
	assert.True(t, SameRootDomain("a.example.com", "example.com"))
	assert.False(t, SameRootDomain("a.example.com", "b.example.com"))
	assert.False(t, SameRootDomain("example.com", "badexample.com"))
}
