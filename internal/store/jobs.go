package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"farsight/internal/logging"
	"farsight/internal/types"
)

// SaveJob inserts or updates a job. The checkpoint and source id list are
// stored as JSON so partial progress survives restarts intact.
func (s *LocalStore) SaveJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint := marshalJSON(job.Checkpoint)
	sourceIDs := marshalJSON(job.SourceIDs)
	if job.SourceIDs == nil {
		sourceIDs = "[]"
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, session_id, prompt, kind, state, target_sources, source_ids, coverage, checkpoint, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			prompt = excluded.prompt,
			kind = excluded.kind,
			state = excluded.state,
			target_sources = excluded.target_sources,
			source_ids = excluded.source_ids,
			coverage = excluded.coverage,
			checkpoint = excluded.checkpoint,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, job.ID, job.SessionID, job.Prompt, string(job.Kind), string(job.State),
		job.TargetSources, sourceIDs, job.Coverage, checkpoint, job.Error)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	logging.StoreDebug("saved job %s state=%s coverage=%.2f", job.ID, job.State, job.Coverage)
	return nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *LocalStore) GetJob(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, session_id, prompt, kind, state, target_sources, source_ids, coverage, checkpoint, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs newest first. An empty state matches all jobs.
func (s *LocalStore) ListJobs(state types.JobState) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, prompt, kind, state, target_sources, source_ids, coverage, checkpoint, error, created_at, updated_at
		FROM jobs`
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			logging.StoreWarn("skipping unreadable job row: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and everything derived from it: steps,
// citations, claims and reports. Evidence chunks are shared across jobs
// and stay.
func (s *LocalStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM job_steps WHERE job_id = ?",
		"DELETE FROM replay_entries WHERE job_id = ?",
		"DELETE FROM citations WHERE job_id = ?",
		"DELETE FROM claims WHERE job_id = ?",
		"DELETE FROM reports WHERE job_id = ?",
		"DELETE FROM source_health WHERE job_id = ?",
		"DELETE FROM jobs WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveJobStep appends an audit trail entry and returns its row id.
func (s *LocalStore) SaveJobStep(step *types.JobStep) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO job_steps (job_id, action, detail, state)
		VALUES (?, ?, ?, ?)
	`, step.JobID, step.Action, step.Detail, string(step.State))
	if err != nil {
		return 0, fmt.Errorf("failed to save step for job %s: %w", step.JobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read step id: %w", err)
	}
	step.ID = id
	return id, nil
}

// GetJobSteps returns a job's audit trail in insertion order.
func (s *LocalStore) GetJobSteps(jobID string) ([]*types.JobStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, job_id, action, detail, state, created_at
		FROM job_steps WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var steps []*types.JobStep
	for rows.Next() {
		var step types.JobStep
		var state string
		if err := rows.Scan(&step.ID, &step.JobID, &step.Action, &step.Detail, &state, &step.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable step row: %v", err)
			continue
		}
		step.State = types.JobState(state)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// SaveReplayEntry appends a model interaction to the job's replay log
// and returns its row id.
func (s *LocalStore) SaveReplayEntry(entry *types.ReplayEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO replay_entries (job_id, phase, provider, model, prompt, response, tokens_used, duration_ms, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.JobID, string(entry.Phase), entry.Provider, entry.Model,
		entry.Prompt, entry.Response, entry.TokensUsed, entry.DurationMs,
		entry.Success, entry.Error)
	if err != nil {
		return 0, fmt.Errorf("failed to save replay entry for job %s: %w", entry.JobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read replay entry id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// GetReplayEntries returns a job's model interactions in call order.
func (s *LocalStore) GetReplayEntries(jobID string) ([]*types.ReplayEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, job_id, phase, provider, model, prompt, response, tokens_used, duration_ms, success, error, created_at
		FROM replay_entries WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load replay entries for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []*types.ReplayEntry
	for rows.Next() {
		var e types.ReplayEntry
		var phase string
		if err := rows.Scan(&e.ID, &e.JobID, &phase, &e.Provider, &e.Model,
			&e.Prompt, &e.Response, &e.TokensUsed, &e.DurationMs,
			&e.Success, &e.Error, &e.CreatedAt); err != nil {
			logging.StoreWarn("skipping unreadable replay row: %v", err)
			continue
		}
		e.Phase = types.JobState(phase)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var kind, state, sourceIDs, checkpoint string
	if err := row.Scan(&job.ID, &job.SessionID, &job.Prompt, &kind, &state,
		&job.TargetSources, &sourceIDs, &job.Coverage, &checkpoint, &job.Error,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Kind = types.JobKind(kind)
	job.State = types.JobState(state)
	if err := json.Unmarshal([]byte(sourceIDs), &job.SourceIDs); err != nil {
		logging.StoreWarn("job %s has malformed source_ids: %v", job.ID, err)
	}
	if err := json.Unmarshal([]byte(checkpoint), &job.Checkpoint); err != nil {
		logging.StoreWarn("job %s has malformed checkpoint: %v", job.ID, err)
	}
	return &job, nil
}
