// Package ingest turns a local directory into retrievable evidence: files are
// chunked into word windows, embedded, and saved under file:// source ids so
// the retrieval engine ranks them alongside harvested web snapshots.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"farsight/internal/config"
	"farsight/internal/embedding"
	"farsight/internal/logging"
	"farsight/internal/store"
	"farsight/internal/types"
)

// maxIndexableBytes keeps generated bundles and giant logs out of the corpus.
const maxIndexableBytes = 1 << 20

// Indexer reads files, chunks them, and persists embedded chunks.
type Indexer struct {
	store   *store.LocalStore
	engine  embedding.EmbeddingEngine
	size    int
	overlap int
}

// NewIndexer builds an indexer using the configured chunk window.
func NewIndexer(st *store.LocalStore, engine embedding.EmbeddingEngine, cfg config.IngestConfig) *Indexer {
	size := cfg.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Indexer{store: st, engine: engine, size: size, overlap: overlap}
}

// SourceID returns the stable identity for a local file. Paths are made
// absolute so the same file indexed from different working directories lands
// on one id.
func SourceID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return "file://" + filepath.ToSlash(abs)
}

// IndexFile chunks and embeds a single file, replacing whatever was indexed
// for it before. Returns the number of chunks written. Empty or non-UTF-8
// content clears the file's prior chunks and writes nothing.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	sourceID := SourceID(path)
	if _, err := ix.store.DeleteChunksBySource(sourceID); err != nil {
		return 0, fmt.Errorf("clear previous chunks for %s: %w", path, err)
	}

	if !utf8.Valid(data) {
		logging.IngestDebug("skipping %s: not valid UTF-8", path)
		return 0, nil
	}
	pieces := ChunkWords(string(data), ix.size, ix.overlap)
	if len(pieces) == 0 {
		return 0, nil
	}

	vectors, err := ix.engine.EmbedBatch(ctx, pieces)
	if err != nil {
		// Keyword retrieval still works without vectors.
		logging.IngestWarn("embedding failed for %s: %v, indexing without vectors", path, err)
		vectors = nil
	}

	sourceType := classifySource(path)
	chunks := BuildChunks(sourceID, sourceType, pieces, vectors)
	if err := ix.store.SaveChunks(chunks); err != nil {
		return 0, fmt.Errorf("save chunks for %s: %w", path, err)
	}

	logging.Ingest("indexed %s: %d chunks as %s", path, len(chunks), sourceType)
	return len(chunks), nil
}

// RemoveFile deletes every chunk indexed for the file.
func (ix *Indexer) RemoveFile(path string) (int64, error) {
	return ix.store.DeleteChunksBySource(SourceID(path))
}

// IndexDir walks a directory tree and indexes every supported file, skipping
// hidden entries and dependency directories. Returns files indexed and total
// chunks written. Per-file failures are logged and skipped so one unreadable
// file does not abort the walk.
func (ix *Indexer) IndexDir(ctx context.Context, dir string) (int, int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("path is not a directory: %s", dir)
	}

	files, total := 0, 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if !indexable(path, fi.Size()) {
			return nil
		}

		n, err := ix.IndexFile(ctx, path)
		if err != nil {
			logging.IngestWarn("index %s: %v", path, err)
			return nil
		}
		if n > 0 {
			files++
			total += n
		}
		return nil
	})
	if walkErr != nil {
		return files, total, walkErr
	}

	logging.Ingest("indexed directory %s: %d files, %d chunks", dir, files, total)
	return files, total, nil
}

// classifySource tags a file by extension: source code as code, markdown as
// report, everything else as note.
func classifySource(path string) types.SourceType {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".h",
		".cpp", ".cc", ".hpp", ".cs", ".rs", ".rb", ".php", ".swift",
		".kt", ".scala", ".sh", ".sql", ".proto":
		return types.SourceTypeCode
	case ".md", ".mdx", ".markdown":
		return types.SourceTypeReport
	default:
		return types.SourceTypeNote
	}
}

// indexable gates which files enter the corpus: no hidden files, no
// oversized files, and only extensions known to hold text.
func indexable(path string, size int64) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if size > maxIndexableBytes {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".mdx", ".markdown", ".txt", ".rst", ".adoc", ".asciidoc",
		".yaml", ".yml", ".json", ".toml", ".ini", ".cfg",
		".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".h",
		".cpp", ".cc", ".hpp", ".cs", ".rs", ".rb", ".php", ".swift",
		".kt", ".scala", ".sh", ".sql", ".proto":
		return true
	default:
		return false
	}
}

// skipDir names directory trees the walk never descends into.
func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "vendor", "dist", "target", "__pycache__":
		return true
	default:
		return false
	}
}
