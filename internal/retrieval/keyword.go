package retrieval

import (
	"math"
	"sort"
	"strings"

	"farsight/internal/types"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// stopwords are prose words too common to carry ranking signal.
var stopwords = map[string]bool{
	"the": true, "and": true, "are": true, "was": true, "were": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "must": true, "shall": true,
	"for": true, "with": true, "from": true, "into": true, "through": true,
	"during": true, "before": true, "after": true, "above": true, "below": true,
	"but": true, "nor": true, "not": true, "only": true, "own": true,
	"same": true, "than": true, "too": true, "very": true, "can": true,
	"just": true, "this": true, "that": true, "these": true, "those": true,
	"its": true, "all": true, "each": true, "when": true, "where": true,
	"why": true, "how": true, "what": true, "which": true, "who": true,
	"about": true, "more": true, "most": true, "other": true, "some": true,
	"such": true,
}

// tokenize lowercases, splits on non-alphanumeric runs, and drops tokens
// shorter than 3 characters or in the stopword list.
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() >= 3 {
			tok := b.String()
			if !stopwords[tok] {
				tokens = append(tokens, tok)
			}
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// scoredChunk is a chunk with a single-signal relevance score, ordered
// best first within a ranked list.
type scoredChunk struct {
	chunk *types.Chunk
	score float64
}

// keywordIndex holds BM25 statistics over one corpus snapshot. Rebuilt
// per query; the corpus is local-first scale so a full pass is cheap.
type keywordIndex struct {
	docs   []*types.Chunk
	freqs  []map[string]int
	length []int
	df     map[string]int
	avgLen float64
}

func buildKeywordIndex(chunks []*types.Chunk) *keywordIndex {
	idx := &keywordIndex{
		docs:   chunks,
		freqs:  make([]map[string]int, len(chunks)),
		length: make([]int, len(chunks)),
		df:     make(map[string]int),
	}

	totalLen := 0
	for i, chunk := range chunks {
		tokens := tokenize(chunk.Content)
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[tok]++
		}
		for tok := range freq {
			idx.df[tok]++
		}
		idx.freqs[i] = freq
		idx.length[i] = len(tokens)
		totalLen += len(tokens)
	}
	if len(chunks) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(chunks))
	}
	return idx
}

// rank scores every document against the query and returns matches in
// descending BM25 order. Documents with no query term in common are
// omitted.
func (idx *keywordIndex) rank(query string) []scoredChunk {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || len(idx.docs) == 0 {
		return nil
	}

	n := float64(len(idx.docs))
	var ranked []scoredChunk
	for i, doc := range idx.docs {
		var score float64
		for _, tok := range queryTokens {
			tf := float64(idx.freqs[i][tok])
			if tf == 0 {
				continue
			}
			df := float64(idx.df[tok])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(idx.length[i])/idx.avgLen
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			ranked = append(ranked, scoredChunk{chunk: doc, score: score})
		}
	}

	sortRanked(ranked)
	return ranked
}

// sortRanked orders best-first with a deterministic tie-break on source
// id then chunk id, so identical inputs always fuse identically.
func sortRanked(ranked []scoredChunk) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].chunk.SourceID != ranked[j].chunk.SourceID {
			return ranked[i].chunk.SourceID < ranked[j].chunk.SourceID
		}
		return ranked[i].chunk.ID < ranked[j].chunk.ID
	})
}
