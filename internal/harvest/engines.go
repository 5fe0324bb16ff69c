package harvest

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Result is one extracted search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine"`
}

// Engine describes one web search engine: how to build a query URL and
// how to pull result links out of its HTML. Priority orders engines in
// merged output (lower wins ties).
type Engine struct {
	Name     string
	Domain   string
	Priority int

	buildURL func(query string) string
	extract  func(body string, max int) []Result
}

// DefaultEngines returns the supported engines in priority order.
func DefaultEngines() []Engine {
	return []Engine{
		{
			Name:     "duckduckgo",
			Domain:   "duckduckgo.com",
			Priority: 1,
			buildURL: func(q string) string {
				return "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(q)
			},
			extract: extractDuckDuckGo,
		},
		{
			Name:     "bing",
			Domain:   "bing.com",
			Priority: 2,
			buildURL: func(q string) string {
				return "https://www.bing.com/search?q=" + url.QueryEscape(q)
			},
			extract: extractBing,
		},
		{
			Name:     "brave",
			Domain:   "search.brave.com",
			Priority: 3,
			buildURL: func(q string) string {
				return "https://search.brave.com/search?q=" + url.QueryEscape(q)
			},
			extract: extractBrave,
		},
		{
			Name:     "mojeek",
			Domain:   "mojeek.com",
			Priority: 4,
			buildURL: func(q string) string {
				return "https://www.mojeek.com/search?q=" + url.QueryEscape(q)
			},
			extract: extractMojeek,
		},
	}
}

// extractDuckDuckGo pulls results from the html.duckduckgo.com interface.
// Result links carry class "result__a" and wrap the destination in a
// /l/?uddg= tracking redirect that must be decoded.
func extractDuckDuckGo(body string, max int) []Result {
	var results []Result
	walkAnchors(body, func(n *html.Node) bool {
		if len(results) >= max {
			return false
		}
		if !strings.Contains(attrValue(n, "class"), "result__a") {
			return true
		}
		href := decodeDuckDuckGoRedirect(attrValue(n, "href"))
		title := textContent(n)
		if href != "" && title != "" {
			results = append(results, Result{Title: title, URL: href, Engine: "duckduckgo"})
		}
		return true
	})
	return results
}

// decodeDuckDuckGoRedirect unwraps //duckduckgo.com/l/?uddg=<escaped-url>
// links; anything else passes through unchanged.
func decodeDuckDuckGoRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if dest := u.Query().Get("uddg"); dest != "" {
		return dest
	}
	return raw
}

// extractBing pulls results from bing.com/search. Organic hits live in
// <li class="b_algo"> containers; the first anchor inside an <h2> is the
// destination link.
func extractBing(body string, max int) []Result {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "li" && strings.Contains(attrValue(n, "class"), "b_algo") {
			if a := firstAnchorInHeading(n); a != nil {
				href := attrValue(a, "href")
				title := textContent(a)
				if href != "" && title != "" {
					results = append(results, Result{Title: title, URL: href, Engine: "bing"})
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func firstAnchorInHeading(n *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inHeading bool) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3":
				inHeading = true
			case "a":
				if inHeading && attrValue(n, "href") != "" {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHeading)
		}
	}
	walk(n, false)
	return found
}

// extractBrave pulls results from search.brave.com. Organic hits are
// anchors whose class mentions result-header; newer markup nests them in
// <div class="snippet"> containers, which the anchor scan still covers.
func extractBrave(body string, max int) []Result {
	var results []Result
	walkAnchors(body, func(n *html.Node) bool {
		if len(results) >= max {
			return false
		}
		if !strings.Contains(attrValue(n, "class"), "result-header") {
			return true
		}
		href := attrValue(n, "href")
		title := textContent(n)
		if href != "" && title != "" {
			results = append(results, Result{Title: title, URL: href, Engine: "brave"})
		}
		return true
	})
	return results
}

// extractMojeek pulls results from mojeek.com. Organic result links carry
// class "ob".
func extractMojeek(body string, max int) []Result {
	var results []Result
	walkAnchors(body, func(n *html.Node) bool {
		if len(results) >= max {
			return false
		}
		if !hasClassWord(attrValue(n, "class"), "ob") {
			return true
		}
		href := attrValue(n, "href")
		title := textContent(n)
		if href != "" && title != "" {
			results = append(results, Result{Title: title, URL: href, Engine: "mojeek"})
		}
		return true
	})
	return results
}

// extractGenericAnchors is the fallback when an engine-specific pattern
// finds nothing: every absolute http(s) anchor that does not point back
// at the engine itself counts as a candidate.
func extractGenericAnchors(body, engineName, selfDomain string, max int) []Result {
	var results []Result
	walkAnchors(body, func(n *html.Node) bool {
		if len(results) >= max {
			return false
		}
		href := attrValue(n, "href")
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil || u.Hostname() == "" {
			return true
		}
		if strings.HasSuffix(strings.ToLower(u.Hostname()), selfDomain) {
			return true
		}
		title := textContent(n)
		if title == "" {
			title = u.Hostname()
		}
		results = append(results, Result{Title: title, URL: href, Engine: engineName})
		return true
	})
	return results
}

// walkAnchors parses body and visits every <a> node until visit returns false.
func walkAnchors(body string, visit func(*html.Node) bool) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return
	}
	stopped := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if stopped {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if !visit(n) {
				stopped = true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func hasClassWord(classAttr, word string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == word {
			return true
		}
	}
	return false
}
