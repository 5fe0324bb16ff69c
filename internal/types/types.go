// Package types provides shared type definitions used across farsight packages.
// This package exists to break import cycles between research, retrieval, and store.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// JOB STATE MACHINE
// =============================================================================

// JobState identifies where a research job is in its lifecycle.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStatePlanning   JobState = "planning"
	JobStateSearching  JobState = "searching"
	JobStateAcquiring  JobState = "acquiring"
	JobStateExtracting JobState = "extracting"
	JobStateEvaluating JobState = "evaluating"
	JobStateDrafting   JobState = "drafting"
	JobStateValidating JobState = "validating"
	JobStateReporting  JobState = "reporting"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStatePaused     JobState = "paused"
	JobStateCancelled  JobState = "cancelled"
)

// IsTerminal reports whether the state ends a run.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsInProgress reports whether the state is a transient working phase.
// Pending is initial, Paused is suspended, terminal states end the run.
func (s JobState) IsInProgress() bool {
	switch s {
	case JobStatePlanning, JobStateSearching, JobStateAcquiring, JobStateExtracting,
		JobStateEvaluating, JobStateDrafting, JobStateValidating, JobStateReporting:
		return true
	}
	return false
}

// JobKind selects the prompt framing used during planning and drafting.
type JobKind string

const (
	JobKindGeneral   JobKind = "general"
	JobKindTechnical JobKind = "technical"
	JobKindSurvey    JobKind = "survey"
)

// =============================================================================
// JOB AND AUDIT TRAIL
// =============================================================================

// Job is the unit of research work. Mutated only by the orchestrator;
// everything observers see is a value copy.
type Job struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Prompt        string     `json:"prompt"`
	Kind          JobKind    `json:"kind"`
	State         JobState   `json:"state"`
	TargetSources int        `json:"target_sources"`
	SourceIDs     []string   `json:"source_ids"`
	Coverage      float64    `json:"coverage"`
	Checkpoint    Checkpoint `json:"checkpoint"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Checkpoint carries everything needed to resume a job from the phase after
// the last one that completed. Serialized with the job on every transition.
type Checkpoint struct {
	Phase          JobState  `json:"phase"` // last fully completed phase
	Queries        []string  `json:"queries,omitempty"`
	CandidateURLs  []string  `json:"candidate_urls,omitempty"`
	SearchRounds   int       `json:"search_rounds"`
	DraftBody      string    `json:"draft_body,omitempty"`
	SummaryText    string    `json:"summary_text,omitempty"`
	GroundingScore float64   `json:"grounding_score"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobStep is one append-only audit trail entry. Steps are never mutated.
type JobStep struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	State     JobState  `json:"state"` // job state after the step
	CreatedAt time.Time `json:"created_at"`
}

// ReplayEntry records one model interaction made on behalf of a job.
// Together the entries replay the job's reasoning for audit and
// debugging. Append-only, like steps.
type ReplayEntry struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Phase      JobState  `json:"phase"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// EVIDENCE
// =============================================================================

// SourceType tags where a chunk's text came from.
type SourceType string

const (
	SourceTypeSnapshot SourceType = "snapshot" // harvested web page text
	SourceTypeReport   SourceType = "report"   // prior report / markdown document
	SourceTypeCode     SourceType = "code"     // ingested source file
	SourceTypeNote     SourceType = "note"     // other local text
)

// Chunk is a unit of indexed text. Immutable once created; superseded chunks
// are deleted and re-created, never edited.
type Chunk struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	SourceType SourceType `json:"source_type"`
	Content    string     `json:"content"`
	Embedding  []float32  `json:"embedding,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RetrievalResult is a chunk plus its fused relevance score.
// Produced per query, never persisted.
type RetrievalResult struct {
	Chunk    Chunk   `json:"chunk"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// =============================================================================
// CITATIONS AND CLAIMS
// =============================================================================

// Citation binds a stable bracketed label to a source. Labels are assigned
// once per job and never renumbered or reused for a different source.
type Citation struct {
	JobID     string    `json:"job_id"`
	Label     int       `json:"label"`
	SourceID  string    `json:"source_id"`
	Title     string    `json:"title,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SupportStrength grades how well a claim is backed by citations.
type SupportStrength string

const (
	SupportStrong      SupportStrength = "strong"
	SupportModerate    SupportStrength = "moderate"
	SupportUnsupported SupportStrength = "unsupported"
)

// Claim is one claim-ledger entry. A claim can reference multiple citations.
type Claim struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Text      string          `json:"text"`
	Strength  SupportStrength `json:"strength"`
	Citations []int           `json:"citations,omitempty"` // citation labels
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// =============================================================================
// REPORTS
// =============================================================================

// Report is a finished synthesis artifact for a job.
type Report struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"` // markdown
	GroundingScore float64   `json:"grounding_score"`
	CitationCount  int       `json:"citation_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// =============================================================================
// HEALTH AND PROGRESS
// =============================================================================

// EngineHealthEntry counts per-engine search outcomes. Observability only;
// never gates correctness.
type EngineHealthEntry struct {
	Engine    string `json:"engine"`
	Attempted int64  `json:"attempted"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Skipped   int64  `json:"skipped"`
}

// SourceHealthEntry counts per-domain fetch outcomes.
type SourceHealthEntry struct {
	Domain      string `json:"domain"`
	Attempted   int64  `json:"attempted"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
	Skipped     int64  `json:"skipped"`
	CircuitOpen bool   `json:"circuit_open"`
}

// ProgressEvent is the structured progress snapshot emitted at phase
// boundaries and after each harvested source. Values only, no live refs.
type ProgressEvent struct {
	JobID        string              `json:"job_id"`
	State        JobState            `json:"state"`
	Message      string              `json:"message"`
	EngineHealth []EngineHealthEntry `json:"engine_health,omitempty"`
	Coverage     float64             `json:"coverage"`
	SourcesFound int                 `json:"sources_found"`
	Timestamp    time.Time           `json:"timestamp"`
}
