package ingest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestChunkWordsWindows(t *testing.T) {
	got := ChunkWords(numberedWords(10), 4, 2)
	want := []string{
		"w0 w1 w2 w3",
		"w2 w3 w4 w5",
		"w4 w5 w6 w7",
		"w6 w7 w8 w9",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkWords = %v, want %v", got, want)
	}
}

func TestChunkWordsShortTextSingleChunk(t *testing.T) {
	got := ChunkWords("  leader   election \n in raft ", 200, 40)
	want := []string{"leader election in raft"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkWords = %v, want %v", got, want)
	}
}

func TestChunkWordsEmpty(t *testing.T) {
	if got := ChunkWords("", 200, 40); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
	if got := ChunkWords("  \n\t ", 200, 40); got != nil {
		t.Errorf("Expected nil for whitespace input, got %v", got)
	}
}

func TestChunkWordsNormalizesBadOverlap(t *testing.T) {
	// Overlap >= size would never advance; it falls back to size/5.
	got := ChunkWords(numberedWords(10), 4, 4)
	want := []string{"w0 w1 w2 w3", "w4 w5 w6 w7", "w8 w9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkWords = %v, want %v", got, want)
	}

	got = ChunkWords(numberedWords(10), 5, -1)
	want = []string{"w0 w1 w2 w3 w4", "w4 w5 w6 w7 w8", "w8 w9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChunkWords = %v, want %v", got, want)
	}
}

func TestChunkWordsDefaults(t *testing.T) {
	got := ChunkWords(numberedWords(450), 0, 0)
	if len(got) == 0 {
		t.Fatal("Expected chunks")
	}
	if n := len(strings.Fields(got[0])); n != DefaultChunkSize {
		t.Errorf("First window has %d words, want %d", n, DefaultChunkSize)
	}
	if !strings.HasSuffix(got[len(got)-1], "w449") {
		t.Errorf("Last window must end with the final word: %q", got[len(got)-1])
	}
}
