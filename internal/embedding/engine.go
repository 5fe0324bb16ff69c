// Package embedding generates vectors for semantic retrieval. Backends:
// Ollama (local), Google GenAI (cloud), and a deterministic hash engine
// used as the degraded fallback when neither service is reachable.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"farsight/internal/logging"
)

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before a batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama", "genai", or "hash"
	Provider string `json:"provider"`

	// Endpoint for Ollama (default http://localhost:11434)
	Endpoint string `json:"endpoint"`

	// Model name for the chosen provider
	Model string `json:"model"`

	// APIKey for GenAI
	APIKey string `json:"api_key"`

	// Dimensions for the hash engine (ignored by service engines)
	Dimensions int `json:"dimensions"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:   "ollama",
		Endpoint:   "http://localhost:11434",
		Model:      "nomic-embed-text",
		Dimensions: 256,
	}
}

// NewEngine creates an embedding engine for the configured provider.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	logging.Embedding("creating embedding engine: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model), nil
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	case "hash":
		return NewHashEngine(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai', or 'hash')", cfg.Provider)
	}
}

// NewEngineWithFallback creates the configured engine but degrades to the
// hash engine when the provider cannot be constructed or fails its health
// check. Retrieval quality drops but the pipeline keeps moving; vectors
// stay dimensionally consistent within the session because one engine is
// chosen once and used throughout.
func NewEngineWithFallback(ctx context.Context, cfg Config) EmbeddingEngine {
	engine, err := NewEngine(cfg)
	if err != nil {
		logging.EmbeddingWarn("provider %s unavailable (%v), falling back to hash embeddings", cfg.Provider, err)
		return NewHashEngine(cfg.Dimensions)
	}
	if hc, ok := engine.(HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			logging.EmbeddingWarn("provider %s failed health check (%v), falling back to hash embeddings", cfg.Provider, err)
			return NewHashEngine(cfg.Dimensions)
		}
	}
	logging.Embedding("embedding engine ready: %s (%d dims)", engine.Name(), engine.Dimensions())
	return engine
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one hit from FindTopK.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the k corpus vectors most similar to the query, sorted
// by similarity descending with index ascending as the tie-break. Vectors
// with mismatched dimensions are skipped, not fatal: a session that
// switched embedding engines leaves stale vectors behind.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK skipped %d vectors with mismatched dimensions", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
