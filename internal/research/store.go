package research

import (
	"time"

	"farsight/internal/types"

	"github.com/google/uuid"
)

// Store is the persistence contract the orchestrator and the CLI depend on.
// *store.LocalStore satisfies it; nothing in this package touches SQLite
// directly.
type Store interface {
	SaveJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs(state types.JobState) ([]*types.Job, error)
	DeleteJob(id string) error

	SaveJobStep(step *types.JobStep) (int64, error)
	GetJobSteps(jobID string) ([]*types.JobStep, error)

	SaveReplayEntry(entry *types.ReplayEntry) (int64, error)
	GetReplayEntries(jobID string) ([]*types.ReplayEntry, error)

	SaveChunks(chunks []*types.Chunk) error
	GetAllChunks() ([]*types.Chunk, error)
	GetChunksBySource(sourceID string) ([]*types.Chunk, error)
	DeleteChunksBySource(sourceID string) (int64, error)

	SaveCitation(c *types.Citation) error
	GetCitations(jobID string) ([]*types.Citation, error)

	SaveClaim(claim *types.Claim) error
	GetClaimLedger(jobID string) ([]*types.Claim, error)

	SaveReport(report *types.Report) error
	GetReports(jobID string) ([]*types.Report, error)

	SaveSourceHealth(jobID string, entry *types.SourceHealthEntry) error
	GetSourceHealth(jobID string) ([]*types.SourceHealthEntry, error)
}

// NewJob creates a pending job for the given prompt. The caller persists it;
// only the orchestrator mutates it afterwards.
func NewJob(sessionID, prompt string, kind types.JobKind, targetSources int) *types.Job {
	if kind == "" {
		kind = types.JobKindGeneral
	}
	now := time.Now().UTC()
	return &types.Job{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Prompt:        prompt,
		Kind:          kind,
		State:         types.JobStatePending,
		TargetSources: targetSources,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
