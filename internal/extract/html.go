// Package extract turns raw HTML, PDF, DOCX and text content into plain text.
//
// Every function is pure: it reads its input and returns text or an
// *ExtractionError. Callers decide whether a failure skips the item.
package extract

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is the result of HTML extraction.
type Document struct {
	Title string
	Text  string
	// Links holds raw href values in document order. Resolution against the
	// page URL is left to the caller.
	Links []string
}

// boilerplate lists elements that never carry page content.
const boilerplate = "script, style, nav, footer, header, noscript"

// contentSelectors are tried in order; the first match supplies the text.
var contentSelectors = []string{"main", "article", ".content", "div.content", "body"}

type htmlOptions struct {
	links bool
}

// HTMLOption configures HTML.
type HTMLOption func(*htmlOptions)

// WithLinks collects href values into Document.Links.
func WithLinks() HTMLOption {
	return func(o *htmlOptions) { o.links = true }
}

// HTML extracts the title and main text from an HTML document, and its
// links when WithLinks is given. Text nodes are separated by newlines so
// adjacent elements never run together.
func HTML(r io.Reader, opts ...HTMLOption) (Document, error) {
	var o htmlOptions
	for _, opt := range opts {
		opt(&o)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Document{}, newError("html", "", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var links []string
	if o.links {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok {
				links = append(links, strings.TrimSpace(href))
			}
		})
	}

	doc.Find(boilerplate).Remove()

	var parts []string
	for _, sel := range contentSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			parts = textNodes(node, parts)
			break
		}
	}
	if len(parts) == 0 {
		parts = textNodes(doc.Selection, parts)
	}

	return Document{Title: title, Text: CollapseWhitespace(strings.Join(parts, "\n")), Links: links}, nil
}

// textNodes appends the trimmed, non-empty text nodes under sel in
// document order.
func textNodes(sel *goquery.Selection, parts []string) []string {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		switch goquery.NodeName(c) {
		case "#text":
			if t := strings.TrimSpace(c.Text()); t != "" {
				parts = append(parts, t)
			}
		case "#comment":
		default:
			parts = textNodes(c, parts)
		}
	})
	return parts
}

// CollapseWhitespace trims each line, drops blank lines and joins with "\n".
func CollapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
