package mailbuilder

import (
	"github.com/microcosm-cc/bluemonday"
)

// bodyPolicy keeps the markup mail clients render and drops scripts, forms
// and event handlers.
var bodyPolicy = newBodyPolicy()

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del", "sub", "sup", "small")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "br", "hr", "div", "span", "center")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("blockquote", "code", "pre")

	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan", "align", "valign", "width").OnElements("td", "th")
	p.AllowAttrs("width", "cellpadding", "cellspacing", "border", "align").OnElements("table")

	// cid: references inline attachments
	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowURLSchemes("http", "https", "mailto", "cid", "data")

	p.AllowElements("a")
	p.AllowAttrs("href", "title").OnElements("a")
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	// mail clients ignore stylesheets, so layout lives in style attributes
	p.AllowAttrs("style").Globally()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).Globally()

	return p
}

// SanitizeHTML strips active content from a mail body
func SanitizeHTML(body string) string {
	return bodyPolicy.Sanitize(body)
}
