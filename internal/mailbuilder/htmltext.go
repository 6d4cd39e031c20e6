package mailbuilder

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML body as readable plain text. Block elements
// become line breaks and link targets are kept next to their text.
func HTMLToText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0

	type link struct {
		href  string
		start int
	}
	var links []link

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return normalizeText(b.String())

		case html.TextToken:
			if skip == 0 {
				b.WriteString(spaceRun.ReplaceAllString(strings.ReplaceAll(string(z.Text()), "\n", " "), " "))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br:
				b.WriteString("\n")
			case atom.P, atom.Div, atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Blockquote, atom.Pre,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteString("\n\n")
			case atom.Hr:
				b.WriteString("\n\n---\n\n")
			case atom.Li:
				b.WriteString("\n- ")
			case atom.Td, atom.Th:
				b.WriteString(" ")
			case atom.A:
				href := ""
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						href = string(val)
					}
				}
				links = append(links, link{href: href, start: b.Len()})
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Blockquote, atom.Pre,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteString("\n\n")
			case atom.A:
				if len(links) == 0 {
					continue
				}
				l := links[len(links)-1]
				links = links[:len(links)-1]
				text := strings.TrimSpace(b.String()[l.start:])
				if l.href != "" && !strings.HasPrefix(l.href, "#") && text != l.href {
					b.WriteString(" (" + l.href + ")")
				}
			}
		}
	}
}

func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
