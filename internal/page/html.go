package page

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Anchors returns every <a href> in body resolved against base. Unparseable
// hrefs are skipped.
func Anchors(body []byte, base *url.URL) []string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out []string
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			return true
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		out = append(out, u.String())
		return true
	})
	return out
}

// PlainText returns the visible text of an HTML document, skipping script,
// style and similar subtrees. Entities are decoded by the parser.
func PlainText(body []byte) string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	var b strings.Builder
	walk(root, func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				return false
			case atom.Br, atom.P, atom.Div, atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.Tr:
				b.WriteByte(' ')
			}
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return b.String()
}

// Meta is the subset of <head> the assembler cares about.
type Meta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

// ParseMeta reads the title, description and language of a document. The
// language comes from <html lang>, then og:locale, then content-language.
func ParseMeta(body []byte) Meta {
	var m Meta
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return m
	}
	var ogLocale, httpLang string
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.DataAtom {
		case atom.Html:
			if m.Lang == "" {
				m.Lang = strings.TrimSpace(attr(n, "lang"))
			}
		case atom.Title:
			if m.Title == "" && n.FirstChild != nil {
				m.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		case atom.Meta:
			content := strings.TrimSpace(attr(n, "content"))
			switch {
			case strings.EqualFold(attr(n, "name"), "description") && m.Description == "":
				m.Description = content
			case strings.EqualFold(attr(n, "property"), "og:locale") && ogLocale == "":
				ogLocale = content
			case strings.EqualFold(attr(n, "http-equiv"), "content-language") && httpLang == "":
				httpLang = content
			}
		case atom.Body:
			return false
		}
		return true
	})
	if m.Lang == "" {
		m.Lang = ogLocale
	}
	if m.Lang == "" {
		m.Lang = httpLang
	}
	return m
}

// walk visits nodes depth first; fn returning false skips the children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
