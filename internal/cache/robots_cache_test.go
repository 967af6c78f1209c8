package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	robots map[string][]byte
	gets   int
}

func (f *fakeClient) GetRobots(root string) ([]byte, bool) {
	f.gets++
	b, ok := f.robots[root]
	return b, ok
}

func (f *fakeClient) SaveRobots(root string, body []byte) { f.robots[root] = body }
func (f *fakeClient) MarkCrawled(string)                  {}
func (f *fakeClient) Close()                              {}

func TestRobotsCacheLocalOnly(t *testing.T) {
	rc := NewRobotsCache(nil, time.Minute)

	_, ok := rc.Get("https://example.com")
	assert.False(t, ok)

	rc.Set("https://example.com", []byte("User-agent: *"))
	body, ok := rc.Get("https://example.com")
	require.True(t, ok)
	assert.Equal(t, "User-agent: *", string(body))
}

func TestRobotsCacheMissingRobotsIsCached(t *testing.T) {
	rc := NewRobotsCache(nil, time.Minute)
	rc.Set("https://example.com", nil)

	body, ok := rc.Get("https://example.com")
	assert.True(t, ok)
	assert.Nil(t, body)
}

func TestRobotsCacheFallsBackToRemote(t *testing.T) {
	remote := &fakeClient{robots: map[string][]byte{"https://a.com": []byte("Disallow: /x")}}
	rc := NewRobotsCache(remote, time.Minute)

	body, ok := rc.Get("https://a.com")
	require.True(t, ok)
	assert.Equal(t, "Disallow: /x", string(body))

	_, _ = rc.Get("https://a.com")
	assert.Equal(t, 1, remote.gets, "second read is served locally")

	rc.Set("https://b.com", []byte("b"))
	assert.Equal(t, []byte("b"), remote.robots["https://b.com"])
}
