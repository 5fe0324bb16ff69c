// Package research drives a job through its phase pipeline: planning,
// searching, acquiring, extracting, evaluating, drafting, validating,
// reporting. Every phase boundary is checkpointed to the store, so a
// paused, cancelled, or crashed job can be picked up at the last
// completed phase. The orchestrator owns no I/O of its own; searching,
// fetching, retrieval, embedding, and generation arrive as interfaces.
package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"farsight/internal/config"
	"farsight/internal/courtesy"
	"farsight/internal/grounding"
	"farsight/internal/harvest"
	"farsight/internal/llm"
	"farsight/internal/logging"
	"farsight/internal/types"
)

// Generator produces model completions. Satisfied by *llm.Router.
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
	GenerateWithTools(ctx context.Context, req *llm.Request, handler llm.ToolHandler, maxCalls int) (*llm.Response, error)
}

// Searcher runs one query across the configured engines. Satisfied by
// *harvest.Harvester.
type Searcher interface {
	SearchAll(ctx context.Context, query string) ([]harvest.Result, error)
	Health() []types.EngineHealthEntry
}

// Fetcher retrieves one URL under courtesy control. Satisfied by
// *courtesy.Scheduler.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) courtesy.FetchResult
	Snapshot() []types.SourceHealthEntry
}

// Retriever ranks stored evidence against a query. Satisfied by
// *retrieval.RetrievalEngine.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter types.SourceType, topK int) ([]types.RetrievalResult, error)
}

// Embedder vectorizes chunk text. Satisfied by embedding.EmbeddingEngine.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Renderer re-fetches script-shell pages in a real browser. Optional.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (string, error)
}

// Deps are the collaborators a run needs. Renderer may be nil; every
// other field must be set.
type Deps struct {
	Store     Store
	LLM       Generator
	Harvester Searcher
	Fetcher   Fetcher
	Retriever Retriever
	Embedder  Embedder
	Renderer  Renderer
}

// Config holds the orchestrator's tuning knobs.
type Config struct {
	MaxQueries          int
	MaxSearchIterations int
	TargetSources       int
	TopK                int
	MaxPerDomain        int
	ChunkSize           int
	ChunkOverlap        int
	GroundingFloor      float64
	MaxClaims           int
	MaxToolCalls        int
	ProgressBuffer      int
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueries:          6,
		MaxSearchIterations: 3,
		TargetSources:       8,
		TopK:                10,
		MaxPerDomain:        3,
		ChunkSize:           200,
		ChunkOverlap:        40,
		GroundingFloor:      0.5,
		MaxClaims:           20,
		MaxToolCalls:        8,
		ProgressBuffer:      64,
	}
}

// ConfigFrom maps the application config onto orchestrator knobs.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		MaxQueries:          cfg.Search.MaxQueries,
		MaxSearchIterations: cfg.Search.MaxSearchIterations,
		TargetSources:       cfg.Search.TargetSources,
		TopK:                cfg.Retrieval.TopK,
		MaxPerDomain:        cfg.Retrieval.MaxPerDomain,
		ChunkSize:           cfg.Ingest.ChunkSize,
		ChunkOverlap:        cfg.Ingest.ChunkOverlap,
		GroundingFloor:      cfg.Grounding.MinScore,
		MaxClaims:           cfg.Grounding.MaxClaims,
		MaxToolCalls:        cfg.LLM.MaxToolCallsPerPhase,
	}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxQueries <= 0 {
		c.MaxQueries = def.MaxQueries
	}
	if c.MaxSearchIterations <= 0 {
		c.MaxSearchIterations = def.MaxSearchIterations
	}
	if c.TargetSources <= 0 {
		c.TargetSources = def.TargetSources
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.MaxPerDomain <= 0 {
		c.MaxPerDomain = def.MaxPerDomain
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
	if c.GroundingFloor <= 0 || c.GroundingFloor > 1 {
		c.GroundingFloor = def.GroundingFloor
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = def.MaxClaims
	}
	if c.MaxToolCalls < 0 {
		c.MaxToolCalls = 0
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = def.ProgressBuffer
	}
}

// phaseOrder is the pipeline. Checkpoint.Phase records the last entry
// fully completed; a resume re-enters at the one after it.
var phaseOrder = []types.JobState{
	types.JobStatePlanning,
	types.JobStateSearching,
	types.JobStateAcquiring,
	types.JobStateExtracting,
	types.JobStateEvaluating,
	types.JobStateDrafting,
	types.JobStateValidating,
	types.JobStateReporting,
}

// startPhaseIndex picks the first phase a run should execute given the
// last completed one. Extracting consumes in-memory page snapshots that
// do not survive a restart, so a resume that would land there re-runs
// acquiring to rebuild them; fetches are idempotent and already-acquired
// URLs are skipped.
func startPhaseIndex(completed types.JobState) int {
	next := 0
	for i, phase := range phaseOrder {
		if phase == completed {
			next = i + 1
			break
		}
	}
	if next < len(phaseOrder) && phaseOrder[next] == types.JobStateExtracting {
		next--
	}
	return next
}

var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// runControl carries the pause/cancel flags for one active run.
type runControl struct {
	mu     sync.Mutex
	pause  bool
	cancel bool
}

func (c *runControl) requestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pause = true
}

func (c *runControl) requestCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = true
}

// interrupted reports the strongest pending interruption. Cancel beats
// pause; the context beats both.
func (c *runControl) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel {
		return errCancelRequested
	}
	if c.pause {
		return errPauseRequested
	}
	return nil
}

// runState is the per-run scratch that never touches the store: the
// citation book, acquired page text, and source titles. Snapshots are
// volatile; startPhaseIndex accounts for that.
type runState struct {
	book             *grounding.CitationBook
	snapshots        map[string]string
	titles           map[string]string
	chunksSaved      int
	draftUnavailable bool
}

// Orchestrator runs research jobs. One instance serves many jobs, but
// each job runs at most once at a time.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]*runControl

	progressCh chan types.ProgressEvent
	onProgress func(types.ProgressEvent)
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	cfg.normalize()
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		active:     make(map[string]*runControl),
		progressCh: make(chan types.ProgressEvent, cfg.ProgressBuffer),
	}
}

// Progress exposes the event stream. Events are dropped, never blocked
// on, when the consumer falls behind.
func (o *Orchestrator) Progress() <-chan types.ProgressEvent {
	return o.progressCh
}

// SetProgressCallback registers a synchronous observer invoked for every
// event. The callback runs on whatever goroutine emits, so it must be
// safe for concurrent use. Set it before starting any run.
func (o *Orchestrator) SetProgressCallback(fn func(types.ProgressEvent)) {
	o.onProgress = fn
}

// Run executes a job from its checkpoint to completion. It returns nil
// when the job reaches a deliberate resting state (completed, paused, or
// cancelled) and an error when the job fails or the context is cut.
func (o *Orchestrator) Run(ctx context.Context, job *types.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job has no id")
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s", job.ID, job.State)
	}
	ctl, err := o.register(job.ID)
	if err != nil {
		return err
	}
	defer o.unregister(job.ID)
	logging.Job("run: job %s (%q, target %d)", job.ID, snippet(job.Prompt, 60), o.targetFor(job))
	return o.run(ctx, job, ctl)
}

// Resume reloads a non-terminal job and continues it from its last
// completed phase. Paused jobs are the usual case; pending and
// in-progress states are accepted too so a crashed process can recover
// its jobs on the next start.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is %s and cannot resume", jobID, job.State)
	}
	ctl, err := o.register(jobID)
	if err != nil {
		return err
	}
	defer o.unregister(jobID)
	logging.Job("resume: job %s from phase %q", jobID, job.Checkpoint.Phase)
	o.step(job, "resume", fmt.Sprintf("resuming after %s", job.Checkpoint.Phase))
	return o.run(ctx, job, ctl)
}

// Continue deepens a completed job: the source target is raised by one
// configured increment and the pipeline re-enters at searching. Gathered
// evidence, citation labels, and prior reports all survive, so the new
// report extends the old numbering instead of restarting it.
func (o *Orchestrator) Continue(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobStateCompleted {
		return fmt.Errorf("continue needs a completed job, %s is %s", jobID, job.State)
	}
	ctl, err := o.register(jobID)
	if err != nil {
		return err
	}
	defer o.unregister(jobID)

	job.TargetSources = o.targetFor(job) + o.cfg.TargetSources
	job.Checkpoint.Phase = types.JobStatePlanning
	job.Checkpoint.SearchRounds = 0
	job.Checkpoint.DraftBody = ""
	job.Checkpoint.SummaryText = ""
	job.Error = ""
	o.step(job, "continue", fmt.Sprintf("target raised to %d sources", job.TargetSources))
	logging.Job("continue: job %s, target now %d", jobID, job.TargetSources)
	return o.run(ctx, job, ctl)
}

// Pause asks a running job to stop at the next safe point. The job lands
// in the paused state with its checkpoint intact.
func (o *Orchestrator) Pause(jobID string) error {
	o.mu.Lock()
	ctl, ok := o.active[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", jobID)
	}
	ctl.requestPause()
	logging.Job("pause requested: job %s", jobID)
	return nil
}

// Cancel stops a job for good. A running job is flagged and winds down
// at the next safe point; a parked job is moved to cancelled directly.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	ctl, ok := o.active[jobID]
	o.mu.Unlock()
	if ok {
		ctl.requestCancel()
		logging.Job("cancel requested: job %s", jobID)
		return nil
	}
	job, err := o.deps.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.State)
	}
	o.setState(job, types.JobStateCancelled)
	o.step(job, "cancel", "cancelled while not running")
	o.emit(job, "cancelled")
	logging.Job("cancelled parked job %s", jobID)
	return nil
}

func (o *Orchestrator) register(jobID string) (*runControl, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[jobID]; busy {
		return nil, fmt.Errorf("job %s is already running", jobID)
	}
	ctl := &runControl{}
	o.active[jobID] = ctl
	return ctl, nil
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, jobID)
}

func (o *Orchestrator) run(ctx context.Context, job *types.Job, ctl *runControl) error {
	ws, err := o.newRunState(job)
	if err != nil {
		return err
	}

	start := startPhaseIndex(job.Checkpoint.Phase)
	for i := start; i < len(phaseOrder); i++ {
		phase := phaseOrder[i]
		if err := ctl.interrupted(ctx); err != nil {
			return o.interrupt(job, err)
		}
		o.enterPhase(job, phase)

		var phaseErr error
		switch phase {
		case types.JobStatePlanning:
			phaseErr = o.runPlanning(ctx, job)
		case types.JobStateSearching:
			phaseErr = o.runSearching(ctx, job, ws, ctl)
		case types.JobStateAcquiring:
			phaseErr = o.runAcquiring(ctx, job, ws, ctl)
		case types.JobStateExtracting:
			phaseErr = o.runExtracting(ctx, job, ws)
		case types.JobStateEvaluating:
			phaseErr = o.runEvaluating(ctx, job)
		case types.JobStateDrafting:
			phaseErr = o.runDrafting(ctx, job, ws)
		case types.JobStateValidating:
			phaseErr = o.runValidating(ctx, job, ws)
		case types.JobStateReporting:
			phaseErr = o.runReporting(ctx, job, ws)
		}

		if phaseErr != nil {
			if isInterruption(phaseErr) {
				return o.interrupt(job, phaseErr)
			}
			o.step(job, "phase_error", fmt.Sprintf("%s: %v", phase, phaseErr))
			if !o.phaseUsable(phase, job, ws) {
				return o.fail(job, phase, phaseErr)
			}
			logging.JobWarn("job %s: %s degraded, continuing: %v", job.ID, phase, phaseErr)
		}
		o.completePhase(job, phase)
	}

	o.setState(job, types.JobStateCompleted)
	o.step(job, "completed", fmt.Sprintf("coverage %.2f, grounding %.2f", job.Coverage, job.Checkpoint.GroundingScore))
	o.emit(job, "research complete")
	logging.Job("job %s completed", job.ID)
	return nil
}

func isInterruption(err error) bool {
	return errors.Is(err, errPauseRequested) ||
		errors.Is(err, errCancelRequested) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// interrupt parks the job according to the interruption cause. Pause and
// cancel are deliberate, so the run returns nil; a cut context propagates
// its error after the job is parked as paused for a later resume.
func (o *Orchestrator) interrupt(job *types.Job, cause error) error {
	switch {
	case errors.Is(cause, errCancelRequested):
		o.setState(job, types.JobStateCancelled)
		o.step(job, "cancel", "cancelled by request")
		o.emit(job, "cancelled")
		logging.Job("job %s cancelled", job.ID)
		return nil
	case errors.Is(cause, errPauseRequested):
		o.setState(job, types.JobStatePaused)
		o.step(job, "pause", "paused by request")
		o.emit(job, "paused")
		logging.Job("job %s paused after %s", job.ID, job.Checkpoint.Phase)
		return nil
	default:
		o.setState(job, types.JobStatePaused)
		o.step(job, "interrupt", cause.Error())
		o.emit(job, "interrupted")
		logging.JobWarn("job %s interrupted: %v", job.ID, cause)
		return cause
	}
}

func (o *Orchestrator) newRunState(job *types.Job) (*runState, error) {
	ws := &runState{
		book:      grounding.NewCitationBook(job.ID),
		snapshots: make(map[string]string),
		titles:    make(map[string]string),
	}
	existing, err := o.deps.Store.GetCitations(job.ID)
	if err != nil {
		return nil, fmt.Errorf("load citations for job %s: %w", job.ID, err)
	}
	if len(existing) > 0 {
		ws.book.LoadFrom(existing)
	}
	return ws, nil
}

func (o *Orchestrator) enterPhase(job *types.Job, phase types.JobState) {
	o.setState(job, phase)
	o.step(job, "transition", "entering "+string(phase))
	o.emit(job, "entering "+string(phase))
	logging.Job("job %s entering %s", job.ID, phase)
}

func (o *Orchestrator) completePhase(job *types.Job, phase types.JobState) {
	job.Checkpoint.Phase = phase
	job.Checkpoint.UpdatedAt = time.Now().UTC()
	o.save(job)
	o.emit(job, string(phase)+" complete")
}

// phaseUsable decides whether the pipeline still has enough to work with
// after a phase reported an error. A usable phase degrades the run; an
// unusable one fails it.
func (o *Orchestrator) phaseUsable(phase types.JobState, job *types.Job, ws *runState) bool {
	switch phase {
	case types.JobStatePlanning:
		return len(job.Checkpoint.Queries) > 0
	case types.JobStateSearching:
		return len(job.Checkpoint.CandidateURLs) > 0 || len(job.SourceIDs) > 0
	case types.JobStateAcquiring:
		return len(ws.snapshots) > 0 || len(job.SourceIDs) > 0
	case types.JobStateExtracting:
		return ws.chunksSaved > 0 || len(job.SourceIDs) > 0
	case types.JobStateEvaluating, types.JobStateValidating:
		return true
	case types.JobStateDrafting:
		return job.Checkpoint.DraftBody != ""
	}
	return false
}

func (o *Orchestrator) fail(job *types.Job, phase types.JobState, cause error) error {
	job.Error = fmt.Sprintf("%s: %v", phase, cause)
	o.setState(job, types.JobStateFailed)
	o.step(job, "failed", job.Error)
	o.emit(job, "failed")
	logging.JobError("job %s failed in %s: %v", job.ID, phase, cause)
	return fmt.Errorf("job %s failed in %s: %w", job.ID, phase, cause)
}

func (o *Orchestrator) setState(job *types.Job, state types.JobState) {
	job.State = state
	o.save(job)
}

func (o *Orchestrator) save(job *types.Job) {
	job.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.SaveJob(job); err != nil {
		logging.JobError("persist job %s: %v", job.ID, err)
	}
}

func (o *Orchestrator) step(job *types.Job, action, detail string) {
	step := &types.JobStep{
		JobID:     job.ID,
		Action:    action,
		Detail:    detail,
		State:     job.State,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := o.deps.Store.SaveJobStep(step); err != nil {
		logging.JobWarn("record step %q for job %s: %v", action, job.ID, err)
	}
}

// replay appends a model interaction to the job's replay log. A failed
// write never fails the phase that made the call.
func (o *Orchestrator) replay(job *types.Job, req *llm.Request, resp *llm.Response, started time.Time, genErr error) {
	entry := &types.ReplayEntry{
		JobID:      job.ID,
		Phase:      job.State,
		Prompt:     req.Prompt,
		DurationMs: time.Since(started).Milliseconds(),
		Success:    genErr == nil,
		CreatedAt:  time.Now().UTC(),
	}
	if entry.Prompt == "" && len(req.Messages) > 0 {
		entry.Prompt = req.Messages[0].Content
	}
	if resp != nil {
		entry.Provider = resp.Provider
		entry.Model = resp.Model
		entry.Response = resp.Text
		entry.TokensUsed = resp.InputTokens + resp.OutputTokens
	}
	if genErr != nil {
		entry.Error = genErr.Error()
	}
	if _, err := o.deps.Store.SaveReplayEntry(entry); err != nil {
		logging.JobWarn("record replay entry for job %s: %v", job.ID, err)
	}
}

func (o *Orchestrator) emit(job *types.Job, message string) {
	event := types.ProgressEvent{
		JobID:        job.ID,
		State:        job.State,
		Message:      message,
		Coverage:     job.Coverage,
		SourcesFound: len(job.SourceIDs) + len(job.Checkpoint.CandidateURLs),
		Timestamp:    time.Now(),
	}
	if o.deps.Harvester != nil {
		event.EngineHealth = o.deps.Harvester.Health()
	}
	if o.onProgress != nil {
		o.onProgress(event)
	}
	select {
	case o.progressCh <- event:
	default:
		// Channel full, skip
	}
}

// targetFor resolves the job's source target, falling back to the
// configured default for jobs created before the field existed.
func (o *Orchestrator) targetFor(job *types.Job) int {
	if job.TargetSources > 0 {
		return job.TargetSources
	}
	return o.cfg.TargetSources
}
