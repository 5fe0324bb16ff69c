package retrieval

import (
	"fmt"
	"testing"

	"farsight/internal/types"
)

func evidenceFrom(sourceIDs ...string) []types.RetrievalResult {
	results := make([]types.RetrievalResult, len(sourceIDs))
	for i, id := range sourceIDs {
		results[i] = types.RetrievalResult{
			Chunk:    types.Chunk{ID: fmt.Sprintf("chunk-%d", i), SourceID: id},
			SourceID: id,
			Score:    float64(len(sourceIDs) - i),
		}
	}
	return results
}

func chunkIDs(results []types.RetrievalResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ID
	}
	return ids
}

func TestDeduplicateFiveFromOneDomain(t *testing.T) {
	results := evidenceFrom(
		"https://docs.example.com/p1",
		"https://docs.example.com/p2",
		"https://docs.example.com/p3",
		"https://docs.example.com/p4",
		"https://docs.example.com/p5",
	)
	deduped := DeduplicateEvidenceBySource(results, 3)

	if len(deduped) != 5 {
		t.Fatalf("len = %d, want 5 (capping reorders, never drops)", len(deduped))
	}
	// First 3 are primary, last 2 overflow; with a single domain the
	// original rank order is preserved end to end.
	for i, want := range []string{"chunk-0", "chunk-1", "chunk-2", "chunk-3", "chunk-4"} {
		if deduped[i].Chunk.ID != want {
			t.Errorf("deduped[%d] = %s, want %s", i, deduped[i].Chunk.ID, want)
		}
	}
}

func TestDeduplicateOverflowAfterAllPrimaries(t *testing.T) {
	results := evidenceFrom(
		"https://a.example/1",
		"https://a.example/2",
		"https://a.example/3",
		"https://a.example/4",
		"https://a.example/5",
		"https://b.example/1",
	)
	deduped := DeduplicateEvidenceBySource(results, 3)

	// The lower-ranked b.example result outranks a.example's overflow.
	want := []string{"chunk-0", "chunk-1", "chunk-2", "chunk-5", "chunk-3", "chunk-4"}
	got := chunkIDs(deduped)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDeduplicateGroupsWWWWithApex(t *testing.T) {
	results := evidenceFrom(
		"https://www.example.com/1",
		"https://example.com/2",
		"https://EXAMPLE.com/3",
		"https://www.example.com/4",
		"https://other.org/1",
	)
	deduped := DeduplicateEvidenceBySource(results, 3)

	// All four example.com spellings share one domain bucket.
	want := []string{"chunk-0", "chunk-1", "chunk-2", "chunk-4", "chunk-3"}
	got := chunkIDs(deduped)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDeduplicateNonURLSourcesUntouched(t *testing.T) {
	results := evidenceFrom("note-alpha", "note-beta", "note-gamma", "note-delta")
	deduped := DeduplicateEvidenceBySource(results, 3)

	for i := range results {
		if deduped[i].Chunk.ID != results[i].Chunk.ID {
			t.Fatalf("non-URL ids reordered: %v", chunkIDs(deduped))
		}
	}
}

func TestDeduplicateDefaultCap(t *testing.T) {
	results := evidenceFrom(
		"https://a.example/1",
		"https://a.example/2",
		"https://a.example/3",
		"https://a.example/4",
		"https://b.example/1",
	)
	// perDomain <= 0 falls back to 3.
	deduped := DeduplicateEvidenceBySource(results, 0)
	want := []string{"chunk-0", "chunk-1", "chunk-2", "chunk-4", "chunk-3"}
	got := chunkIDs(deduped)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestEvidenceDomain(t *testing.T) {
	tests := []struct {
		sourceID string
		want     string
	}{
		{"https://www.Example.COM/path?q=1", "example.com"},
		{"https://docs.example.com/guide", "docs.example.com"},
		{"file:///home/user/notes.md", "file:///home/user/notes.md"},
		{"note-17", "note-17"},
	}
	for _, tt := range tests {
		if got := evidenceDomain(tt.sourceID); got != tt.want {
			t.Errorf("evidenceDomain(%q) = %q, want %q", tt.sourceID, got, tt.want)
		}
	}
}
