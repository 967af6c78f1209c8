package aws_s3

import (
	"net/http"
	"testing"

	"github.com/IliaW/site-crawler/internal"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceKey(t *testing.T) {
	key, err := ResourceKey("crawls", "c1", "https://example.com/a?b=1")
	require.NoError(t, err)
	assert.Equal(t, "crawls/example.com/c1/"+internal.HashURL("https://example.com/a?b=1"), key)

	key, err = ResourceKey("", "c1", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "example.com/c1/"+internal.HashURL("https://example.com/"), key)

	_, err = ResourceKey("crawls", "c1", "/relative")
	assert.Error(t, err)
}

func TestNewMetadata(t *testing.T) {
	wr := model.NewWebResource(model.QueuedLink{URL: "https://example.com/", Depth: 1, ParentURL: "https://example.com/p"},
		http.StatusOK, http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}, []byte("hello"))

	m := NewMetadata("c1", wr)
	assert.Equal(t, "c1", m.CrawlID)
	assert.Equal(t, "https://example.com/p", m.ParentURL)
	assert.Equal(t, "text/html", m.ContentType)
	assert.Equal(t, int64(5), m.ContentLength)
	assert.Equal(t, wr.SHA256, m.SHA256)
	assert.False(t, m.StoredAt.IsZero())
}
