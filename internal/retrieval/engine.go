// Package retrieval ranks indexed evidence chunks against a query.
// It runs a BM25 keyword search and a cosine-similarity semantic search
// independently, then merges the two ranked lists with weighted
// Reciprocal Rank Fusion. Per-domain capping keeps one prolific source
// from crowding out the rest of the context window.
package retrieval

import (
	"context"
	"fmt"

	"farsight/internal/embedding"
	"farsight/internal/logging"
	"farsight/internal/types"
)

// ChunkSource supplies the indexed corpus. *store.LocalStore satisfies it.
type ChunkSource interface {
	GetAllChunks() ([]*types.Chunk, error)
}

// Embedder is the narrow embedding contract retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes fusion weights and result counts.
type Config struct {
	KeywordWeight  float64
	SemanticWeight float64
	TopK           int // default result count when the caller passes 0
	FusionK        int // RRF rank constant
	PerDomainCap   int // primary results allowed per source domain
}

// DefaultConfig returns the standard hybrid weighting.
func DefaultConfig() Config {
	return Config{
		KeywordWeight:  0.5,
		SemanticWeight: 0.5,
		TopK:           10,
		FusionK:        60,
		PerDomainCap:   3,
	}
}

// RetrievalEngine performs hybrid search over a chunk store.
type RetrievalEngine struct {
	source   ChunkSource
	embedder Embedder
	cfg      Config
}

// NewRetrievalEngine creates an engine. embedder may be nil, in which
// case retrieval is keyword-only.
func NewRetrievalEngine(source ChunkSource, embedder Embedder, cfg Config) *RetrievalEngine {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.FusionK <= 0 {
		cfg.FusionK = 60
	}
	if cfg.PerDomainCap <= 0 {
		cfg.PerDomainCap = 3
	}
	return &RetrievalEngine{source: source, embedder: embedder, cfg: cfg}
}

// Retrieve returns the topK most relevant chunks for the query. A
// non-empty filter restricts the corpus to one source type. topK <= 0
// uses the configured default.
func (e *RetrievalEngine) Retrieve(ctx context.Context, query string, filter types.SourceType, topK int) ([]types.RetrievalResult, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	chunks, err := e.source.GetAllChunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	if filter != "" {
		filtered := make([]*types.Chunk, 0, len(chunks))
		for _, chunk := range chunks {
			if chunk.SourceType == filter {
				filtered = append(filtered, chunk)
			}
		}
		chunks = filtered
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	keywordRanked := buildKeywordIndex(chunks).rank(query)
	semanticRanked := e.semanticRank(ctx, query, chunks)

	fused := fuseRanks(keywordRanked, semanticRanked, e.cfg.KeywordWeight, e.cfg.SemanticWeight, e.cfg.FusionK)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	logging.RetrievalDebug("query %q: %d keyword, %d semantic, %d fused (corpus %d)",
		query, len(keywordRanked), len(semanticRanked), len(fused), len(chunks))
	return fused, nil
}

// semanticRank embeds the query and orders chunks by cosine similarity.
// Chunks without embeddings, or embedded at a different dimensionality
// by an older engine, are skipped. Any failure degrades to keyword-only
// retrieval rather than failing the query.
func (e *RetrievalEngine) semanticRank(ctx context.Context, query string, chunks []*types.Chunk) []scoredChunk {
	if e.embedder == nil {
		return nil
	}
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		logging.RetrievalWarn("query embedding failed, keyword-only retrieval: %v", err)
		return nil
	}

	var ranked []scoredChunk
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, chunk.Embedding)
		if err != nil {
			continue
		}
		ranked = append(ranked, scoredChunk{chunk: chunk, score: sim})
	}
	sortRanked(ranked)
	return ranked
}

// fuseRanks merges two ranked lists with weighted Reciprocal Rank
// Fusion: each chunk scores sum(weight / (k + rank)) over the lists that
// contain it, rank counting from 1.
func fuseRanks(keyword, semantic []scoredChunk, keywordWeight, semanticWeight float64, k int) []types.RetrievalResult {
	type fusedEntry struct {
		chunk *types.Chunk
		score float64
	}
	byID := make(map[string]*fusedEntry)

	accumulate := func(ranked []scoredChunk, weight float64) {
		for i, sc := range ranked {
			entry, ok := byID[sc.chunk.ID]
			if !ok {
				entry = &fusedEntry{chunk: sc.chunk}
				byID[sc.chunk.ID] = entry
			}
			entry.score += weight / float64(k+i+1)
		}
	}
	accumulate(keyword, keywordWeight)
	accumulate(semantic, semanticWeight)

	merged := make([]scoredChunk, 0, len(byID))
	for _, entry := range byID {
		merged = append(merged, scoredChunk{chunk: entry.chunk, score: entry.score})
	}
	sortRanked(merged)

	results := make([]types.RetrievalResult, len(merged))
	for i, sc := range merged {
		results[i] = types.RetrievalResult{
			Chunk:    *sc.chunk,
			SourceID: sc.chunk.SourceID,
			Score:    sc.score,
		}
	}
	return results
}
