package mailbuilder

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

func attachmentsFixture() []*models.Attachment {
	return []*models.Attachment{
		{ID: "f-1", FileName: "a.png", FileURL: "/files/a.png", Type: models.AttachmentTypeAttachment},
		{ID: "f-2", FileName: "b.png", FileURL: "/private/files/b.png", Type: models.AttachmentTypeAttachment},
	}
}

func TestRewriteInlineImages(t *testing.T) {
	t.Run("matches by path", func(t *testing.T) {
		atts := attachmentsFixture()
		out := RewriteInlineImages(`<div><img src="/files/a.png" alt="x"></div>`, atts)
		assert.Equal(t, `<div><img src="cid:f-1" alt="x"></div>`, out)
		assert.Equal(t, models.AttachmentTypeInline, atts[0].Type)
		assert.Equal(t, models.AttachmentTypeAttachment, atts[1].Type)
	})

	t.Run("matches by fid query parameter", func(t *testing.T) {
		atts := attachmentsFixture()
		out := RewriteInlineImages(`<img src='https://host/api/file?fid=f-2'>`, atts)
		assert.Equal(t, `<img src='cid:f-2'>`, out)
		assert.Equal(t, models.AttachmentTypeInline, atts[1].Type)
	})

	t.Run("unknown images are left alone", func(t *testing.T) {
		atts := attachmentsFixture()
		in := `<img src="https://cdn.example.com/banner.png">`
		assert.Equal(t, in, RewriteInlineImages(in, atts))
		assert.Equal(t, models.AttachmentTypeAttachment, atts[0].Type)
	})

	t.Run("rewriting twice is idempotent", func(t *testing.T) {
		atts := attachmentsFixture()
		once := RewriteInlineImages(`<p>hi</p><img src="/files/a.png">`, atts)
		twice := RewriteInlineImages(once, atts)
		assert.Equal(t, once, twice)
		assert.Equal(t, `<p>hi</p><img src="cid:f-1">`, twice)
	})

	t.Run("no attachments", func(t *testing.T) {
		assert.Equal(t, `<img src="a.png">`, RewriteInlineImages(`<img src="a.png">`, nil))
	})
}

func TestResolveAttachmentFileNames(t *testing.T) {
	atts := attachmentsFixture()
	out := ResolveAttachmentFileNames(`<img src="a.png"><img src="c.png">`, atts)
	assert.Equal(t, `<img src="/files/a.png"><img src="c.png">`, out)

	// file names resolve to URLs, which then resolve to content ids
	assert.Equal(t, `<img src="cid:f-1"><img src="c.png">`, RewriteInlineImages(out, atts))
}

func TestAddTrackingPixel(t *testing.T) {
	src := "https://mail.example.com/api/v1/track/open?id=abc"

	withBody := AddTrackingPixel("<html><body><p>x</p></body></html>", src)
	assert.Equal(t, `<html><body><img src="`+src+`" width="1" height="1" alt="" style="display:none"><p>x</p></body></html>`, withBody)

	withoutBody := AddTrackingPixel("<p>x</p>", src)
	assert.Equal(t, `<html><body><img src="`+src+`" width="1" height="1" alt="" style="display:none"><p>x</p></body></html>`, withoutBody)
}

func TestTrackingURL(t *testing.T) {
	assert.Equal(t, "https://a.b/api/v1/track/open?id=xyz", TrackingURL("https://a.b/", "xyz"))
}

func TestHTMLToText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"paragraphs", "<p>One</p><p>Two</p>", "One\n\nTwo"},
		{"line breaks", "a<br>b<br/>c", "a\nb\nc"},
		{"entities", "<p>Fish &amp; Chips</p>", "Fish & Chips"},
		{"links keep targets", `<a href="https://x.io">site</a>`, "site (https://x.io)"},
		{"bare link", `<a href="https://x.io">https://x.io</a>`, "https://x.io"},
		{"styles are dropped", "<style>p{color:red}</style><p>shown</p>", "shown"},
		{"lists", "<ul><li>a</li><li>b</li></ul>", "- a\n- b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTMLToText(tc.in))
		})
	}
}

func TestMarkdownToHTML(t *testing.T) {
	out, err := MarkdownToHTML("**bold** text")
	require.NoError(t, err)
	assert.Equal(t, "<p><strong>bold</strong> text</p>\n", out)

	out, err = MarkdownToHTML("hello <script>alert(1)</script><img src=\"cid:logo\" onerror=\"x()\">")
	require.NoError(t, err)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onerror")
	assert.Contains(t, out, `src="cid:logo"`)
}

func TestContentTypeOf(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeOf("logo.PNG"))
	assert.Equal(t, "text/html", ContentTypeOf("page.html"))
	assert.Equal(t, "application/octet-stream", ContentTypeOf("blob"))
}

func TestGenerateMessageID(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := GenerateMessageID("example.com", now)
	assert.Regexp(t, `^<\d+\.[0-9a-f]{16}@example\.com>$`, id)
	assert.True(t, strings.HasPrefix(id, fmt.Sprintf("<%d.", now.UnixNano())), "uses the given clock")
	assert.NotEqual(t, id, GenerateMessageID("example.com", now))
}
