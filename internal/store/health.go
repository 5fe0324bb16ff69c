package store

import (
	"fmt"

	"farsight/internal/logging"
	"farsight/internal/types"
)

// SaveSourceHealth upserts the per-domain fetch counters for one job.
func (s *LocalStore) SaveSourceHealth(jobID string, entry *types.SourceHealthEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO source_health (job_id, domain, attempted, succeeded, failed, skipped, circuit_open)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, domain) DO UPDATE SET
			attempted = excluded.attempted,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			circuit_open = excluded.circuit_open,
			updated_at = CURRENT_TIMESTAMP
	`, jobID, entry.Domain, entry.Attempted, entry.Succeeded, entry.Failed, entry.Skipped, entry.CircuitOpen)
	if err != nil {
		return fmt.Errorf("failed to save source health for %s: %w", entry.Domain, err)
	}
	return nil
}

// GetSourceHealth returns the per-domain fetch counters for one job,
// ordered by domain.
func (s *LocalStore) GetSourceHealth(jobID string) ([]*types.SourceHealthEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT domain, attempted, succeeded, failed, skipped, circuit_open
		FROM source_health
		WHERE job_id = ?
		ORDER BY domain ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source health: %w", err)
	}
	defer rows.Close()

	var entries []*types.SourceHealthEntry
	for rows.Next() {
		entry := &types.SourceHealthEntry{}
		if err := rows.Scan(&entry.Domain, &entry.Attempted, &entry.Succeeded,
			&entry.Failed, &entry.Skipped, &entry.CircuitOpen); err != nil {
			logging.StoreWarn("failed to scan source health row: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
