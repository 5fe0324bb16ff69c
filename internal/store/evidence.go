package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"farsight/internal/logging"
	"farsight/internal/types"
)

// SaveChunk inserts or updates a single evidence chunk.
func (s *LocalStore) SaveChunk(chunk *types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveChunkExec(s.db.Exec, chunk)
}

// SaveChunks writes a batch of chunks in one transaction. Re-snapshotting
// a source produces the same chunk ids, so the batch is idempotent.
func (s *LocalStore) SaveChunks(chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chunk batch: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		if err := s.saveChunkExec(tx.Exec, chunk); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	logging.StoreDebug("saved %d chunks", len(chunks))
	return nil
}

func (s *LocalStore) saveChunkExec(exec func(string, ...interface{}) (sql.Result, error), chunk *types.Chunk) error {
	_, err := exec(`
		INSERT INTO chunks (id, source_id, source_type, content, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			source_type = excluded.source_type,
			content = excluded.content,
			embedding = excluded.embedding
	`, chunk.ID, chunk.SourceID, string(chunk.SourceType), chunk.Content, encodeEmbedding(chunk.Embedding))
	if err != nil {
		return fmt.Errorf("failed to save chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// GetAllChunks returns every stored chunk. Retrieval scores the full
// corpus in memory, which holds up fine at local-first scale.
func (s *LocalStore) GetAllChunks() ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, source_id, source_type, content, embedding, created_at
		FROM chunks ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		var chunk types.Chunk
		var sourceType string
		var embedding []byte
		if err := rows.Scan(&chunk.ID, &chunk.SourceID, &sourceType, &chunk.Content, &embedding, &chunk.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable chunk row: %v", err)
			continue
		}
		chunk.SourceType = types.SourceType(sourceType)
		chunk.Embedding = decodeEmbedding(embedding)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// GetChunksBySource returns all chunks for one source in id order.
func (s *LocalStore) GetChunksBySource(sourceID string) ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, source_id, source_type, content, embedding, created_at
		FROM chunks WHERE source_id = ? ORDER BY id ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		var chunk types.Chunk
		var sourceType string
		var embedding []byte
		if err := rows.Scan(&chunk.ID, &chunk.SourceID, &sourceType, &chunk.Content, &embedding, &chunk.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable chunk row: %v", err)
			continue
		}
		chunk.SourceType = types.SourceType(sourceType)
		chunk.Embedding = decodeEmbedding(embedding)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteChunksBySource removes all chunks for a source, used when a
// source is re-ingested so stale windows never linger.
func (s *LocalStore) DeleteChunksBySource(sourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM chunks WHERE source_id = ?", sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for %s: %w", sourceID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveCitation inserts or updates a citation. Labels are unique per job,
// so re-saving the same label rebinds it.
func (s *LocalStore) SaveCitation(c *types.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO citations (job_id, label, source_id, title, excerpt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, label) DO UPDATE SET
			source_id = excluded.source_id,
			title = excluded.title,
			excerpt = excluded.excerpt
	`, c.JobID, c.Label, c.SourceID, c.Title, c.Excerpt)
	if err != nil {
		return fmt.Errorf("failed to save citation [%d] for job %s: %w", c.Label, c.JobID, err)
	}
	return nil
}

// GetCitations returns a job's citations ordered by label.
func (s *LocalStore) GetCitations(jobID string) ([]*types.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT job_id, label, source_id, title, excerpt, created_at
		FROM citations WHERE job_id = ? ORDER BY label ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load citations for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var citations []*types.Citation
	for rows.Next() {
		var c types.Citation
		if err := rows.Scan(&c.JobID, &c.Label, &c.SourceID, &c.Title, &c.Excerpt, &c.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable citation row: %v", err)
			continue
		}
		citations = append(citations, &c)
	}
	return citations, rows.Err()
}

// SaveClaim inserts or updates a claim ledger entry.
func (s *LocalStore) SaveClaim(claim *types.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	citations := marshalJSON(claim.Citations)
	if claim.Citations == nil {
		citations = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO claims (id, job_id, claim, strength, citations, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			claim = excluded.claim,
			strength = excluded.strength,
			citations = excluded.citations,
			note = excluded.note
	`, claim.ID, claim.JobID, claim.Text, string(claim.Strength), citations, claim.Note)
	if err != nil {
		return fmt.Errorf("failed to save claim %s: %w", claim.ID, err)
	}
	return nil
}

// GetClaimLedger returns a job's claims in insertion order.
func (s *LocalStore) GetClaimLedger(jobID string) ([]*types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, job_id, claim, strength, citations, note, created_at
		FROM claims WHERE job_id = ? ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var claims []*types.Claim
	for rows.Next() {
		var claim types.Claim
		var strength, citations string
		if err := rows.Scan(&claim.ID, &claim.JobID, &claim.Text, &strength, &citations, &claim.Note, &claim.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable claim row: %v", err)
			continue
		}
		claim.Strength = types.SupportStrength(strength)
		if err := json.Unmarshal([]byte(citations), &claim.Citations); err != nil {
			logging.StoreWarn("claim %s has malformed citations: %v", claim.ID, err)
		}
		claims = append(claims, &claim)
	}
	return claims, rows.Err()
}

// SaveReport inserts or updates a finished report.
func (s *LocalStore) SaveReport(report *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO reports (id, job_id, title, body, grounding_score, citation_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			grounding_score = excluded.grounding_score,
			citation_count = excluded.citation_count
	`, report.ID, report.JobID, report.Title, report.Body, report.GroundingScore, report.CitationCount)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	logging.Store("saved report %s for job %s (grounding %.2f, %d citations)",
		report.ID, report.JobID, report.GroundingScore, report.CitationCount)
	return nil
}

// GetReports returns a job's reports newest first.
func (s *LocalStore) GetReports(jobID string) ([]*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, job_id, title, body, grounding_score, citation_count, created_at
		FROM reports WHERE job_id = ? ORDER BY created_at DESC, id DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reports for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var reports []*types.Report
	for rows.Next() {
		var report types.Report
		if err := rows.Scan(&report.ID, &report.JobID, &report.Title, &report.Body,
			&report.GroundingScore, &report.CitationCount, &report.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable report row: %v", err)
			continue
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

// GetReport returns a single report by id, or ErrNotFound.
func (s *LocalStore) GetReport(id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, job_id, title, body, grounding_score, citation_count, created_at
		FROM reports WHERE id = ?
	`, id)
	var report types.Report
	err := row.Scan(&report.ID, &report.JobID, &report.Title, &report.Body,
		&report.GroundingScore, &report.CitationCount, &report.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}
