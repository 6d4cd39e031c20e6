package mailbuilder

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Table,
		extension.Strikethrough,
	),
	goldmark.WithRendererOptions(
		html.WithUnsafe(), // raw HTML is kept and sanitized afterwards
	),
)

// MarkdownToHTML converts a markdown body to sanitized HTML
func MarkdownToHTML(source string) (string, error) {
	var buf strings.Builder
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return SanitizeHTML(buf.String()), nil
}
