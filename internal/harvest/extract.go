package harvest

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements contribute no evidence text and drown the signal.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"svg":      true,
	"form":     true,
	"iframe":   true,
}

// blockElements end a line when flattening the DOM to text.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true, "br": true,
}

// ExtractText flattens an HTML page to readable text, preferring the
// <main> or <article> subtree when one exists and skipping chrome
// elements. Whitespace is collapsed per line.
func ExtractText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}

	root := findMainContent(doc)
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if fields := strings.Fields(n.Data); len(fields) > 0 {
				sb.WriteString(strings.Join(fields, " "))
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(root)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// findMainContent returns the first <main> or <article> node, if any.
func findMainContent(doc *html.Node) *html.Node {
	var main, article *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if main != nil {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "main":
				main = n
				return
			case "article":
				if article == nil {
					article = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if main != nil {
		return main
	}
	return article
}

// ExtractTitle returns the page <title>, falling back to the first <h1>.
func ExtractTitle(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var title, h1 string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				title = textContent(n)
				return
			case "h1":
				if h1 == "" {
					h1 = textContent(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if title != "" {
		return title
	}
	return h1
}

// LooksJSGated reports whether a fetched page is probably an empty JS
// shell worth re-rendering in a real browser: almost no extractable text
// but plenty of script payload.
func LooksJSGated(body string) bool {
	if len(body) == 0 {
		return false
	}
	text := ExtractText(body)
	return len(text) < 200 && strings.Count(strings.ToLower(body), "<script") >= 3
}
