package harvest

import (
	"regexp"
	"strings"
)

// MaxQueryLength is the longest query any engine accepts reliably.
const MaxQueryLength = 120

// minKeepURLs is the floor below which unscored exploratory URLs are
// appended so a bad query never starves discovery.
const minKeepURLs = 5

var (
	boolOpRe     = regexp.MustCompile(`(?i)\b(?:AND|OR|NOT)\b`)
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9]+`)
	multiQuoteRe = regexp.MustCompile(`"{2,}`)
)

// CleanSearchQuery normalizes an LLM-produced query so web engines accept
// it: boolean operators and parentheses are stripped, quoting and
// whitespace are collapsed, and the result is truncated to MaxQueryLength
// at a word boundary.
func CleanSearchQuery(query string) string {
	q := strings.NewReplacer("(", " ", ")", " ").Replace(query)
	q = boolOpRe.ReplaceAllString(q, " ")
	q = multiQuoteRe.ReplaceAllString(q, `"`)
	if strings.Count(q, `"`) > 2 || strings.Count(q, `"`)%2 == 1 {
		q = strings.ReplaceAll(q, `"`, " ")
	}
	q = strings.Join(strings.Fields(q), " ")

	if len(q) > MaxQueryLength {
		cut := q[:MaxQueryLength]
		if idx := strings.LastIndex(cut, " "); idx > 0 {
			cut = cut[:idx]
		}
		// A hard cut can manufacture a trailing operator out of a longer
		// word, so strip again after truncating.
		q = boolOpRe.ReplaceAllString(cut, " ")
		q = strings.Join(strings.Fields(q), " ")
	}
	return strings.TrimSpace(q)
}

// tokenize lowercases, splits on non-alphanumeric runs, and drops tokens
// shorter than 3 characters.
func tokenize(s string) []string {
	var out []string
	for _, tok := range nonAlnumRe.Split(strings.ToLower(s), -1) {
		if len(tok) >= 3 {
			out = append(out, tok)
		}
	}
	return out
}

// alternatePhrasings generates cheap rewordings of the query so URL
// scoring does not overfit one phrasing.
func alternatePhrasings(query string) []string {
	return []string{
		query + " overview",
		query + " explained",
		"how " + query + " works",
		query + " comparison",
	}
}

// ScoreAndFilterUrls ranks candidate URLs by token overlap with the query
// and its alternate phrasings, keeping at most limit winners. Ties keep
// input order, which callers arrange by engine priority. When fewer than
// minKeepURLs candidates score above zero, unscored URLs fill the gap in
// input order.
func ScoreAndFilterUrls(query string, urls []string, limit int) []string {
	if limit <= 0 {
		limit = minKeepURLs
	}
	queryTokens := map[string]bool{}
	for _, t := range tokenize(query) {
		queryTokens[t] = true
	}
	altTokens := map[string]bool{}
	for _, alt := range alternatePhrasings(query) {
		for _, t := range tokenize(alt) {
			if !queryTokens[t] {
				altTokens[t] = true
			}
		}
	}

	type scored struct {
		url   string
		score int
		pos   int
	}
	var ranked []scored
	var zeros []string
	for i, u := range urls {
		score := 0
		for _, t := range tokenize(u) {
			if queryTokens[t] {
				score += 2
			} else if altTokens[t] {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{url: u, score: score, pos: i})
		} else {
			zeros = append(zeros, u)
		}
	}

	// Insertion-stable ordering: score descending, original position ascending.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && (ranked[j].score > ranked[j-1].score ||
			(ranked[j].score == ranked[j-1].score && ranked[j].pos < ranked[j-1].pos)); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	var out []string
	for _, r := range ranked {
		if len(out) >= limit {
			break
		}
		out = append(out, r.url)
	}
	for _, u := range zeros {
		if len(out) >= minKeepURLs || len(out) >= limit {
			break
		}
		out = append(out, u)
	}
	return out
}
