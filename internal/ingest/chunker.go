package ingest

import (
	"fmt"
	"strings"
	"time"

	"farsight/internal/types"
)

const (
	DefaultChunkSize    = 200 // words per window
	DefaultChunkOverlap = 40
)

// ChunkWords splits text into word windows of size words where each window
// repeats the last overlap words of the one before it, so a sentence cut by
// a boundary still appears whole in one window. The final window may be
// shorter. Whitespace-only input returns nil.
func ChunkWords(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	step := size - overlap
	chunks := make([]string, 0, (len(words)+step-1)/step)
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// BuildChunks materializes word windows as chunk rows for one source.
// Chunk ids are deterministic (source#index), so re-building a source
// upserts instead of duplicating. vectors may be nil or shorter than
// pieces; windows past its end get no embedding and stay reachable
// through keyword retrieval.
func BuildChunks(sourceID string, sourceType types.SourceType, pieces []string, vectors [][]float32) []*types.Chunk {
	if len(pieces) == 0 {
		return nil
	}
	now := time.Now().UTC()
	chunks := make([]*types.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunk := &types.Chunk{
			ID:         fmt.Sprintf("%s#%d", sourceID, i),
			SourceID:   sourceID,
			SourceType: sourceType,
			Content:    piece,
			CreatedAt:  now,
		}
		if i < len(vectors) {
			chunk.Embedding = vectors[i]
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
