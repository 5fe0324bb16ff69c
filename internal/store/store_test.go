package store

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"farsight/internal/types"
)

func TestNewLocalStore(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Database connection is nil")
	}

	stats := store.Stats()
	for _, table := range []string{"jobs", "job_steps", "chunks", "citations", "claims", "reports", "source_health"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
}

func TestNewLocalStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "research.db")
	store, err := NewLocalStore(path)
	if err != nil {
		t.Fatalf("Failed to create store in nested dir: %v", err)
	}
	defer store.Close()

	if store.Path() != path {
		t.Errorf("Path() = %s, want %s", store.Path(), path)
	}
}

func TestJobRoundTrip(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	job := &types.Job{
		ID:            "job-1",
		SessionID:     "sess-1",
		Prompt:        "how does raft handle leader election",
		Kind:          types.JobKindTechnical,
		State:         types.JobStateSearching,
		TargetSources: 8,
		SourceIDs:     []string{"https://example.com/raft", "https://example.org/consensus"},
		Coverage:      0.25,
		Checkpoint: types.Checkpoint{
			Phase:         types.JobStatePlanning,
			Queries:       []string{"raft leader election", "raft election timeout"},
			CandidateURLs: []string{"https://example.com/raft"},
			SearchRounds:  1,
		},
	}
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	got, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Prompt != job.Prompt {
		t.Errorf("Prompt = %q, want %q", got.Prompt, job.Prompt)
	}
	if got.Kind != types.JobKindTechnical {
		t.Errorf("Kind = %s, want technical", got.Kind)
	}
	if got.State != types.JobStateSearching {
		t.Errorf("State = %s, want searching", got.State)
	}
	if got.TargetSources != 8 {
		t.Errorf("TargetSources = %d, want 8", got.TargetSources)
	}
	if len(got.SourceIDs) != 2 || got.SourceIDs[0] != "https://example.com/raft" {
		t.Errorf("SourceIDs = %v", got.SourceIDs)
	}
	if got.Coverage != 0.25 {
		t.Errorf("Coverage = %f, want 0.25", got.Coverage)
	}
	if got.Checkpoint.Phase != types.JobStatePlanning {
		t.Errorf("Checkpoint.Phase = %s, want planning", got.Checkpoint.Phase)
	}
	if len(got.Checkpoint.Queries) != 2 {
		t.Errorf("Checkpoint.Queries = %v", got.Checkpoint.Queries)
	}
	if got.Checkpoint.SearchRounds != 1 {
		t.Errorf("Checkpoint.SearchRounds = %d, want 1", got.Checkpoint.SearchRounds)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}
}

func TestSaveJobUpserts(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	job := &types.Job{ID: "job-up", Prompt: "p", State: types.JobStatePending}
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	job.State = types.JobStateCompleted
	job.Coverage = 1.0
	job.Checkpoint.Phase = types.JobStateReporting
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("SaveJob update failed: %v", err)
	}

	got, err := store.GetJob("job-up")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != types.JobStateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
	if got.Checkpoint.Phase != types.JobStateReporting {
		t.Errorf("Checkpoint.Phase = %s, want reporting", got.Checkpoint.Phase)
	}

	jobs, err := store.ListJobs("")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 job after upsert, got %d", len(jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	_, err = store.GetJob("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestListJobsFilterByState(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	for _, j := range []*types.Job{
		{ID: "job-a", Prompt: "a", State: types.JobStateCompleted},
		{ID: "job-b", Prompt: "b", State: types.JobStatePaused},
		{ID: "job-c", Prompt: "c", State: types.JobStateCompleted},
	} {
		if err := store.SaveJob(j); err != nil {
			t.Fatalf("SaveJob failed: %v", err)
		}
	}

	completed, err := store.ListJobs(types.JobStateCompleted)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("Expected 2 completed jobs, got %d", len(completed))
	}

	all, err := store.ListJobs("")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 jobs, got %d", len(all))
	}
	// Same-second timestamps fall back to id order, newest id first.
	if all[0].ID != "job-c" {
		t.Errorf("Expected job-c first, got %s", all[0].ID)
	}
}

func TestJobSteps(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	first, err := store.SaveJobStep(&types.JobStep{JobID: "job-1", Action: "plan", Detail: "4 queries", State: types.JobStatePlanning})
	if err != nil {
		t.Fatalf("SaveJobStep failed: %v", err)
	}
	second, err := store.SaveJobStep(&types.JobStep{JobID: "job-1", Action: "search", Detail: "12 urls", State: types.JobStateSearching})
	if err != nil {
		t.Fatalf("SaveJobStep failed: %v", err)
	}
	if second <= first {
		t.Errorf("Step ids not increasing: %d then %d", first, second)
	}

	// Steps for another job must not leak in.
	if _, err := store.SaveJobStep(&types.JobStep{JobID: "job-2", Action: "plan", State: types.JobStatePlanning}); err != nil {
		t.Fatalf("SaveJobStep failed: %v", err)
	}

	steps, err := store.GetJobSteps("job-1")
	if err != nil {
		t.Fatalf("GetJobSteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(steps))
	}
	if steps[0].Action != "plan" || steps[1].Action != "search" {
		t.Errorf("Steps out of order: %s, %s", steps[0].Action, steps[1].Action)
	}
	if steps[1].State != types.JobStateSearching {
		t.Errorf("Step state = %s, want searching", steps[1].State)
	}
}

func TestReplayEntries(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	first, err := store.SaveReplayEntry(&types.ReplayEntry{
		JobID:      "job-1",
		Phase:      types.JobStatePlanning,
		Provider:   "ollama",
		Model:      "llama3.2",
		Prompt:     "Plan search queries for: how does Raft work?",
		Response:   "1. raft consensus algorithm\n2. raft leader election",
		TokensUsed: 180,
		DurationMs: 420,
		Success:    true,
	})
	if err != nil {
		t.Fatalf("SaveReplayEntry failed: %v", err)
	}
	second, err := store.SaveReplayEntry(&types.ReplayEntry{
		JobID:   "job-1",
		Phase:   types.JobStateDrafting,
		Prompt:  "Write the report",
		Success: false,
		Error:   "no language model provider available",
	})
	if err != nil {
		t.Fatalf("SaveReplayEntry failed: %v", err)
	}
	if second <= first {
		t.Errorf("Replay ids not increasing: %d then %d", first, second)
	}

	// Another job's calls must not leak in.
	if _, err := store.SaveReplayEntry(&types.ReplayEntry{JobID: "job-2", Phase: types.JobStatePlanning, Success: true}); err != nil {
		t.Fatalf("SaveReplayEntry failed: %v", err)
	}

	entries, err := store.GetReplayEntries("job-1")
	if err != nil {
		t.Fatalf("GetReplayEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Phase != types.JobStatePlanning || entries[1].Phase != types.JobStateDrafting {
		t.Errorf("Entries out of order: %s, %s", entries[0].Phase, entries[1].Phase)
	}
	if entries[0].Provider != "ollama" || entries[0].TokensUsed != 180 {
		t.Errorf("First entry lost fields: provider=%q tokens=%d", entries[0].Provider, entries[0].TokensUsed)
	}
	if entries[1].Success || entries[1].Error == "" {
		t.Errorf("Failed call not recorded as such: success=%v error=%q", entries[1].Success, entries[1].Error)
	}
}

func TestDeleteJobCascades(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	if err := store.SaveJob(&types.Job{ID: "job-del", Prompt: "p", State: types.JobStateCompleted}); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if _, err := store.SaveJobStep(&types.JobStep{JobID: "job-del", Action: "plan", State: types.JobStatePlanning}); err != nil {
		t.Fatalf("SaveJobStep failed: %v", err)
	}
	if _, err := store.SaveReplayEntry(&types.ReplayEntry{JobID: "job-del", Phase: types.JobStatePlanning, Success: true}); err != nil {
		t.Fatalf("SaveReplayEntry failed: %v", err)
	}
	if err := store.SaveCitation(&types.Citation{JobID: "job-del", Label: 1, SourceID: "https://example.com"}); err != nil {
		t.Fatalf("SaveCitation failed: %v", err)
	}
	if err := store.SaveClaim(&types.Claim{ID: "claim-del", JobID: "job-del", Text: "t", Strength: types.SupportModerate}); err != nil {
		t.Fatalf("SaveClaim failed: %v", err)
	}
	if err := store.SaveReport(&types.Report{ID: "rep-del", JobID: "job-del", Body: "b"}); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := store.SaveSourceHealth("job-del", &types.SourceHealthEntry{Domain: "example.com", Attempted: 3, Succeeded: 2, Failed: 1}); err != nil {
		t.Fatalf("SaveSourceHealth failed: %v", err)
	}
	// Chunks are shared evidence and must survive job deletion.
	if err := store.SaveChunk(&types.Chunk{ID: "chunk-keep", SourceID: "https://example.com", SourceType: types.SourceTypeSnapshot, Content: "text"}); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	if err := store.DeleteJob("job-del"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}

	if _, err := store.GetJob("job-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Job still present after delete: %v", err)
	}
	steps, _ := store.GetJobSteps("job-del")
	if len(steps) != 0 {
		t.Errorf("Expected 0 steps after delete, got %d", len(steps))
	}
	replay, _ := store.GetReplayEntries("job-del")
	if len(replay) != 0 {
		t.Errorf("Expected 0 replay entries after delete, got %d", len(replay))
	}
	citations, _ := store.GetCitations("job-del")
	if len(citations) != 0 {
		t.Errorf("Expected 0 citations after delete, got %d", len(citations))
	}
	claims, _ := store.GetClaimLedger("job-del")
	if len(claims) != 0 {
		t.Errorf("Expected 0 claims after delete, got %d", len(claims))
	}
	reports, _ := store.GetReports("job-del")
	if len(reports) != 0 {
		t.Errorf("Expected 0 reports after delete, got %d", len(reports))
	}
	health, _ := store.GetSourceHealth("job-del")
	if len(health) != 0 {
		t.Errorf("Expected 0 health rows after delete, got %d", len(health))
	}
	chunks, _ := store.GetAllChunks()
	if len(chunks) != 1 {
		t.Errorf("Expected chunk to survive job delete, got %d chunks", len(chunks))
	}
}

func TestSourceHealthUpsert(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	entry := &types.SourceHealthEntry{Domain: "example.com", Attempted: 1, Succeeded: 1}
	if err := store.SaveSourceHealth("job-h", entry); err != nil {
		t.Fatalf("SaveSourceHealth failed: %v", err)
	}
	entry.Attempted = 4
	entry.Failed = 2
	entry.CircuitOpen = true
	if err := store.SaveSourceHealth("job-h", entry); err != nil {
		t.Fatalf("SaveSourceHealth upsert failed: %v", err)
	}
	if err := store.SaveSourceHealth("job-h", &types.SourceHealthEntry{Domain: "another.org", Attempted: 1, Skipped: 1}); err != nil {
		t.Fatalf("SaveSourceHealth failed: %v", err)
	}

	entries, err := store.GetSourceHealth("job-h")
	if err != nil {
		t.Fatalf("GetSourceHealth failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 domains, got %d", len(entries))
	}
	if entries[0].Domain != "another.org" || entries[1].Domain != "example.com" {
		t.Errorf("Expected domain order [another.org example.com], got [%s %s]",
			entries[0].Domain, entries[1].Domain)
	}
	got := entries[1]
	if got.Attempted != 4 || got.Succeeded != 1 || got.Failed != 2 || !got.CircuitOpen {
		t.Errorf("Upsert did not replace counters: %+v", got)
	}

	other, err := store.GetSourceHealth("job-other")
	if err != nil {
		t.Fatalf("GetSourceHealth failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no health rows for other job, got %d", len(other))
	}
}

func TestChunkRoundTrip(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	embedding := []float32{0.1, -0.5, 0.000125, 42}
	chunk := &types.Chunk{
		ID:         "https://example.com/page#0",
		SourceID:   "https://example.com/page",
		SourceType: types.SourceTypeSnapshot,
		Content:    "raft elects a single leader per term",
		Embedding:  embedding,
	}
	if err := store.SaveChunk(chunk); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	chunks, err := store.GetAllChunks()
	if err != nil {
		t.Fatalf("GetAllChunks failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	got := chunks[0]
	if got.SourceType != types.SourceTypeSnapshot {
		t.Errorf("SourceType = %s, want snapshot", got.SourceType)
	}
	if len(got.Embedding) != len(embedding) {
		t.Fatalf("Embedding length = %d, want %d", len(got.Embedding), len(embedding))
	}
	for i := range embedding {
		if got.Embedding[i] != embedding[i] {
			t.Errorf("Embedding[%d] = %v, want %v", i, got.Embedding[i], embedding[i])
		}
	}
}

func TestChunkWithoutEmbedding(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	chunk := &types.Chunk{ID: "c-1", SourceID: "file:///notes.md", SourceType: types.SourceTypeNote, Content: "plain"}
	if err := store.SaveChunk(chunk); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	chunks, err := store.GetAllChunks()
	if err != nil {
		t.Fatalf("GetAllChunks failed: %v", err)
	}
	if chunks[0].Embedding != nil {
		t.Errorf("Expected nil embedding, got %v", chunks[0].Embedding)
	}
}

func TestSaveChunksBatchAndDeleteBySource(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	batch := []*types.Chunk{
		{ID: "src-a#0", SourceID: "src-a", SourceType: types.SourceTypeSnapshot, Content: "one"},
		{ID: "src-a#1", SourceID: "src-a", SourceType: types.SourceTypeSnapshot, Content: "two"},
		{ID: "src-b#0", SourceID: "src-b", SourceType: types.SourceTypeCode, Content: "three"},
	}
	if err := store.SaveChunks(batch); err != nil {
		t.Fatalf("SaveChunks failed: %v", err)
	}

	bySource, err := store.GetChunksBySource("src-a")
	if err != nil {
		t.Fatalf("GetChunksBySource failed: %v", err)
	}
	if len(bySource) != 2 {
		t.Errorf("Expected 2 chunks for src-a, got %d", len(bySource))
	}

	deleted, err := store.DeleteChunksBySource("src-a")
	if err != nil {
		t.Fatalf("DeleteChunksBySource failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	remaining, err := store.GetAllChunks()
	if err != nil {
		t.Fatalf("GetAllChunks failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SourceID != "src-b" {
		t.Errorf("Unexpected remaining chunks: %+v", remaining)
	}
}

func TestCitationUpsertByLabel(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	if err := store.SaveCitation(&types.Citation{JobID: "job-1", Label: 2, SourceID: "https://b.example", Title: "B"}); err != nil {
		t.Fatalf("SaveCitation failed: %v", err)
	}
	if err := store.SaveCitation(&types.Citation{JobID: "job-1", Label: 1, SourceID: "https://a.example", Title: "A"}); err != nil {
		t.Fatalf("SaveCitation failed: %v", err)
	}
	// Rebinding an existing label updates in place.
	if err := store.SaveCitation(&types.Citation{JobID: "job-1", Label: 2, SourceID: "https://b.example", Title: "B revised", Excerpt: "quote"}); err != nil {
		t.Fatalf("SaveCitation upsert failed: %v", err)
	}

	citations, err := store.GetCitations("job-1")
	if err != nil {
		t.Fatalf("GetCitations failed: %v", err)
	}
	if len(citations) != 2 {
		t.Fatalf("Expected 2 citations, got %d", len(citations))
	}
	if citations[0].Label != 1 || citations[1].Label != 2 {
		t.Errorf("Citations not ordered by label: %d, %d", citations[0].Label, citations[1].Label)
	}
	if citations[1].Title != "B revised" {
		t.Errorf("Citation title = %q, want 'B revised'", citations[1].Title)
	}
}

func TestClaimLedgerRoundTrip(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	claims := []*types.Claim{
		{ID: "claim-1", JobID: "job-1", Text: "raft uses randomized election timeouts", Strength: types.SupportStrong, Citations: []int{1, 3}},
		{ID: "claim-2", JobID: "job-1", Text: "paxos predates raft", Strength: types.SupportModerate, Citations: []int{2}},
		{ID: "claim-3", JobID: "job-1", Text: "unverified aside", Strength: types.SupportUnsupported, Note: "no citation found"},
	}
	for _, c := range claims {
		if err := store.SaveClaim(c); err != nil {
			t.Fatalf("SaveClaim failed: %v", err)
		}
	}

	ledger, err := store.GetClaimLedger("job-1")
	if err != nil {
		t.Fatalf("GetClaimLedger failed: %v", err)
	}
	if len(ledger) != 3 {
		t.Fatalf("Expected 3 claims, got %d", len(ledger))
	}
	if ledger[0].Strength != types.SupportStrong {
		t.Errorf("Strength = %s, want strong", ledger[0].Strength)
	}
	if len(ledger[0].Citations) != 2 || ledger[0].Citations[1] != 3 {
		t.Errorf("Citations = %v, want [1 3]", ledger[0].Citations)
	}
	if ledger[2].Citations != nil && len(ledger[2].Citations) != 0 {
		t.Errorf("Unsupported claim has citations: %v", ledger[2].Citations)
	}
	if ledger[2].Note != "no citation found" {
		t.Errorf("Note = %q", ledger[2].Note)
	}
}

func TestReports(t *testing.T) {
	store, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	defer store.Close()

	if err := store.SaveReport(&types.Report{ID: "rep-1", JobID: "job-1", Title: "First", Body: "b1", GroundingScore: 0.5, CitationCount: 2}); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := store.SaveReport(&types.Report{ID: "rep-2", JobID: "job-1", Title: "Second", Body: "b2", GroundingScore: 0.9, CitationCount: 5}); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	reports, err := store.GetReports("job-1")
	if err != nil {
		t.Fatalf("GetReports failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	// Same-second timestamps fall back to id order, newest id first.
	if reports[0].ID != "rep-2" {
		t.Errorf("Expected rep-2 first, got %s", reports[0].ID)
	}
	if reports[0].GroundingScore != 0.9 {
		t.Errorf("GroundingScore = %f, want 0.9", reports[0].GroundingScore)
	}

	got, err := store.GetReport("rep-1")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.Title != "First" {
		t.Errorf("Title = %q, want First", got.Title)
	}

	if _, err := store.GetReport("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport error = %v, want ErrNotFound", err)
	}
}

func TestEncodeDecodeEmbedding(t *testing.T) {
	vec := []float32{0, 1, -1, 0.5, float32(math.Pi)}
	buf := encodeEmbedding(vec)
	if len(buf) != len(vec)*4 {
		t.Fatalf("Encoded length = %d, want %d", len(buf), len(vec)*4)
	}

	got := decodeEmbedding(buf)
	if len(got) != len(vec) {
		t.Fatalf("Decoded length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("Decoded[%d] = %v, want %v", i, got[i], vec[i])
		}
	}

	if encodeEmbedding(nil) != nil {
		t.Error("Encoding nil should return nil")
	}
	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("Decoding a truncated buffer should return nil")
	}
}
