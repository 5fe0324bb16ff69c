package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var hashTokenRe = regexp.MustCompile(`[^a-z0-9]+`)

// HashEngine is the degraded fallback: a deterministic bag-of-words
// feature hash. It captures exact-term overlap only, no semantics, but it
// needs no network, always succeeds, and keeps vectors dimensionally
// consistent so hybrid retrieval still functions offline.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash engine with the given dimensionality
// (default 256).
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = 256
	}
	return &HashEngine{dims: dims}
}

// Embed maps each token into a bucket by FNV-1a hash, signs it by a
// second hash bit, and L2-normalizes the result. Identical text always
// yields an identical vector.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range hashTokenRe.Split(strings.ToLower(text), -1) {
		if len(tok) < 2 {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently; hashing never fails.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, _ := e.Embed(ctx, text)
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured bucket count.
func (e *HashEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "hash:fnv64a"
}
