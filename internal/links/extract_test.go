package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHrefs(t *testing.T) {
	body := []byte(`<!DOCTYPE html>
<html><head><title>t</title><link href="/style.css"></head>
<body>
  <a href="/blog/post1">one</a>
  <a href=" /blog/post1 ">dup</a>
  <a href="">empty</a>
  <a name="anchor">no href</a>
  <a href="http://external.com/x">ext</a>
  <A HREF="mailto:a@b.c">mail</A>
</body></html>`)

	assert.Equal(t, []string{"/blog/post1", "http://external.com/x", "mailto:a@b.c"}, ExtractHrefs(body))
}

func TestExtractHrefsSkipsNonHTML(t *testing.T) {
	assert.Nil(t, ExtractHrefs([]byte(`{"href": "/x"}`)))
	assert.Nil(t, ExtractHrefs(nil))
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML([]byte("  <p>hi</p>")))
	assert.True(t, LooksLikeHTML([]byte("garbage before <HTML><body></body></HTML>")))
	assert.True(t, LooksLikeHTML([]byte("text then <head>")))
	assert.False(t, LooksLikeHTML([]byte("plain text")))
	assert.False(t, LooksLikeHTML([]byte("   ")))
}
