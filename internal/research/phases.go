package research

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"farsight/internal/courtesy"
	"farsight/internal/grounding"
	"farsight/internal/harvest"
	"farsight/internal/ingest"
	"farsight/internal/llm"
	"farsight/internal/logging"
	"farsight/internal/retrieval"
	"farsight/internal/types"
)

// runPlanning asks the model for search queries and falls back to
// deterministic variants of the prompt when no model answers. Planning
// can degrade but never leaves the job without queries.
func (o *Orchestrator) runPlanning(ctx context.Context, job *types.Job) error {
	system, prompt := BuildPlanningPrompt(job, o.cfg.MaxQueries)
	plan := ""
	req := &llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: 0.3,
	}
	started := time.Now()
	resp, err := o.deps.LLM.Generate(ctx, req)
	o.replay(job, req, resp, started, err)
	if err != nil {
		if !llm.IsUnavailable(err) {
			return err
		}
		logging.JobWarn("job %s: planning without a model: %v", job.ID, err)
	} else {
		plan = resp.Text
	}

	job.Checkpoint.Queries = ExtractQueries(plan, job.Prompt, o.cfg.MaxQueries)
	o.step(job, "planning", fmt.Sprintf("%d queries", len(job.Checkpoint.Queries)))
	return err
}

// runSearching fans the planned queries across the engines, round by
// round, until the candidate pool reaches the source target or the round
// budget runs out. Candidates land in the checkpoint as they are found,
// so a pause mid-round loses nothing.
func (o *Orchestrator) runSearching(ctx context.Context, job *types.Job, ws *runState, ctl *runControl) error {
	queries := job.Checkpoint.Queries
	if len(queries) == 0 {
		queries = fallbackQueries(job.Prompt)
		job.Checkpoint.Queries = queries
	}
	target := o.targetFor(job)

	seen := make(map[string]bool, len(job.SourceIDs))
	for _, u := range job.SourceIDs {
		seen[u] = true
	}
	candidates := append([]string(nil), job.Checkpoint.CandidateURLs...)
	for _, u := range candidates {
		seen[u] = true
	}

	var lastErr error
	found := len(job.SourceIDs) + len(candidates)
	for job.Checkpoint.SearchRounds < o.cfg.MaxSearchIterations && found < target {
		job.Checkpoint.SearchRounds++
		logging.Job("job %s: search round %d of %d (%d of %d sources)",
			job.ID, job.Checkpoint.SearchRounds, o.cfg.MaxSearchIterations, found, target)

		for _, q := range queries {
			if err := ctl.interrupted(ctx); err != nil {
				job.Checkpoint.CandidateURLs = candidates
				return err
			}
			clean := harvest.CleanSearchQuery(q)
			results, err := o.deps.Harvester.SearchAll(ctx, clean)
			if err != nil {
				lastErr = err
				logging.JobWarn("job %s: search %q: %v", job.ID, clean, err)
				continue
			}

			urls := make([]string, 0, len(results))
			for _, r := range results {
				urls = append(urls, r.URL)
				if r.Title != "" && ws.titles[r.URL] == "" {
					ws.titles[r.URL] = r.Title
				}
			}
			for _, u := range harvest.ScoreAndFilterUrls(clean, urls, target*2) {
				if seen[u] {
					continue
				}
				seen[u] = true
				candidates = append(candidates, u)
				found++
				job.Checkpoint.CandidateURLs = candidates
				o.emit(job, "found "+u)
			}
			if found >= target {
				break
			}
		}
	}

	job.Checkpoint.CandidateURLs = candidates
	o.step(job, "searching", fmt.Sprintf("%d candidates after round %d", len(candidates), job.Checkpoint.SearchRounds))
	if len(candidates) == 0 && len(job.SourceIDs) == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// runAcquiring fetches every pending candidate concurrently. The
// courtesy scheduler already bounds global and per-domain parallelism,
// so one goroutine per URL is safe. Pages that look like script shells
// are re-fetched through the browser renderer when one is wired.
func (o *Orchestrator) runAcquiring(ctx context.Context, job *types.Job, ws *runState, ctl *runControl) error {
	acquired := make(map[string]bool, len(job.SourceIDs))
	for _, id := range job.SourceIDs {
		acquired[id] = true
	}
	var pending []string
	for _, u := range job.Checkpoint.CandidateURLs {
		if !acquired[u] {
			pending = append(pending, u)
		}
	}
	// Sources acquired on an earlier run whose chunks never reached the
	// store (interrupted before extracting) are fetched again.
	for _, u := range job.SourceIDs {
		if ws.snapshots[u] != "" {
			continue
		}
		if chunks, err := o.deps.Store.GetChunksBySource(u); err == nil && len(chunks) > 0 {
			continue
		}
		pending = append(pending, u)
	}
	if len(pending) == 0 {
		o.step(job, "acquiring", "no new candidates")
		return nil
	}

	var mu sync.Mutex
	counts := make(map[courtesy.Status]int)
	fetched := make(map[string]string, len(pending))
	titles := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range pending {
		pageURL := raw
		g.Go(func() error {
			if err := ctl.interrupted(gctx); err != nil {
				return err
			}
			res := o.deps.Fetcher.Fetch(gctx, pageURL)

			text := ""
			title := ""
			if res.Status == courtesy.StatusSuccess {
				body := res.Body
				if o.deps.Renderer != nil && harvest.LooksJSGated(body) {
					if rendered, rerr := o.deps.Renderer.Render(gctx, pageURL); rerr == nil && len(rendered) > len(body) {
						body = rendered
						logging.Job("job %s: browser render improved %s", job.ID, pageURL)
					} else if rerr != nil {
						logging.JobDebug("browser render %s: %v", pageURL, rerr)
					}
				}
				text = harvest.ExtractText(body)
				title = harvest.ExtractTitle(body)
			}

			mu.Lock()
			counts[res.Status]++
			if text != "" {
				fetched[pageURL] = text
			}
			if title != "" {
				titles[pageURL] = title
			}
			mu.Unlock()
			o.emit(job, fmt.Sprintf("%s: %s", res.Status, pageURL))
			return nil
		})
	}
	waitErr := g.Wait()

	urls := make([]string, 0, len(fetched))
	for u := range fetched {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		ws.snapshots[u] = fetched[u]
		if titles[u] != "" {
			ws.titles[u] = titles[u]
		}
		if !acquired[u] {
			job.SourceIDs = append(job.SourceIDs, u)
			acquired[u] = true
		}
	}

	if waitErr == nil {
		// Every candidate was attempted; failures stay visible in source
		// health rather than cycling through the queue again.
		job.Checkpoint.CandidateURLs = nil
	} else {
		var leftover []string
		for _, u := range job.Checkpoint.CandidateURLs {
			if !acquired[u] {
				leftover = append(leftover, u)
			}
		}
		job.Checkpoint.CandidateURLs = leftover
	}

	o.recordSourceHealth(job, pending)
	o.step(job, "acquiring", fmt.Sprintf(
		"success %d, blocked %d, paywall %d, timeout %d, error %d, circuit %d",
		counts[courtesy.StatusSuccess], counts[courtesy.StatusBlocked],
		counts[courtesy.StatusPaywall], counts[courtesy.StatusTimeout],
		counts[courtesy.StatusError], counts[courtesy.StatusCircuitBroken]))
	return waitErr
}

// recordSourceHealth persists the courtesy snapshot rows for the domains
// this job actually touched.
func (o *Orchestrator) recordSourceHealth(job *types.Job, attempted []string) {
	domains := make(map[string]bool)
	for _, u := range job.SourceIDs {
		domains[urlDomain(u)] = true
	}
	for _, u := range attempted {
		domains[urlDomain(u)] = true
	}
	for _, entry := range o.deps.Fetcher.Snapshot() {
		if !domains[entry.Domain] {
			continue
		}
		e := entry
		if err := o.deps.Store.SaveSourceHealth(job.ID, &e); err != nil {
			logging.JobWarn("job %s: save source health for %s: %v", job.ID, entry.Domain, err)
		}
	}
}

// runExtracting chunks and embeds the acquired snapshots into the
// evidence store. Each source's chunks are replaced wholesale so a
// re-fetch never leaves stale windows behind.
func (o *Orchestrator) runExtracting(ctx context.Context, job *types.Job, ws *runState) error {
	if len(ws.snapshots) == 0 {
		o.step(job, "extracting", "no snapshots to chunk")
		return nil
	}

	urls := make([]string, 0, len(ws.snapshots))
	for u := range ws.snapshots {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	total := 0
	var lastErr error
	for _, u := range urls {
		pieces := ingest.ChunkWords(ws.snapshots[u], o.cfg.ChunkSize, o.cfg.ChunkOverlap)
		if len(pieces) == 0 {
			continue
		}
		var vectors [][]float32
		if o.deps.Embedder != nil {
			v, err := o.deps.Embedder.EmbedBatch(ctx, pieces)
			if err != nil {
				if isInterruption(err) {
					return err
				}
				logging.JobWarn("job %s: embed %s: %v, keyword retrieval only", job.ID, u, err)
			} else {
				vectors = v
			}
		}

		chunks := ingest.BuildChunks(u, types.SourceTypeSnapshot, pieces, vectors)
		if _, err := o.deps.Store.DeleteChunksBySource(u); err != nil {
			lastErr = err
			logging.JobWarn("job %s: clear chunks for %s: %v", job.ID, u, err)
			continue
		}
		if err := o.deps.Store.SaveChunks(chunks); err != nil {
			lastErr = err
			logging.JobWarn("job %s: save chunks for %s: %v", job.ID, u, err)
			continue
		}
		total += len(chunks)
	}

	ws.chunksSaved = total
	o.step(job, "extracting", fmt.Sprintf("%d chunks from %d snapshots", total, len(ws.snapshots)))
	if total == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// runEvaluating scores how well the stored evidence covers the prompt.
// The score only informs; a thin corpus still proceeds to drafting.
func (o *Orchestrator) runEvaluating(ctx context.Context, job *types.Job) error {
	results, err := o.deps.Retriever.Retrieve(ctx, job.Prompt, "", o.cfg.TopK)
	if err != nil {
		if isInterruption(err) {
			return err
		}
		logging.JobWarn("job %s: evaluation retrieval: %v", job.ID, err)
	}
	job.Coverage = CoverageScore(results, o.targetFor(job), o.cfg.TopK)
	o.step(job, "evaluating", fmt.Sprintf("coverage %.2f from %d results", job.Coverage, len(results)))
	o.emit(job, fmt.Sprintf("coverage %.2f", job.Coverage))
	return err
}

// runDrafting retrieves the strongest evidence, numbers it through the
// citation book, and asks the model for the cited report body. When the
// router exposes tool calls the model may dig deeper into the corpus
// mid-draft. An unavailable model leaves its marker as the draft so the
// pipeline still produces a report.
func (o *Orchestrator) runDrafting(ctx context.Context, job *types.Job, ws *runState) error {
	results, err := o.deps.Retriever.Retrieve(ctx, job.Prompt, "", o.cfg.TopK)
	if err != nil {
		if isInterruption(err) {
			return err
		}
		logging.JobWarn("job %s: drafting retrieval: %v", job.ID, err)
	}
	evidence := retrieval.DeduplicateEvidenceBySource(results, o.cfg.MaxPerDomain)

	system, prompt := BuildSynthesisPrompt(job, evidence, ws.titles, ws.book)
	req := &llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: 0.4,
	}

	var resp *llm.Response
	var genErr error
	started := time.Now()
	if o.cfg.MaxToolCalls > 0 {
		req.Tools = []llm.ToolDefinition{corpusSearchTool}
		resp, genErr = o.deps.LLM.GenerateWithTools(ctx, req, o.corpusToolHandler(), o.cfg.MaxToolCalls)
	} else {
		resp, genErr = o.deps.LLM.Generate(ctx, req)
	}
	o.replay(job, req, resp, started, genErr)
	if genErr != nil {
		if !llm.IsUnavailable(genErr) {
			return genErr
		}
		job.Checkpoint.DraftBody = llm.UnavailableText(genErr)
		ws.draftUnavailable = true
		o.step(job, "drafting", "model unavailable, marker emitted")
		return genErr
	}

	job.Checkpoint.DraftBody = strings.TrimSpace(resp.Text)
	ws.draftUnavailable = false
	o.step(job, "drafting", fmt.Sprintf("%d chars over %d numbered sources",
		len(job.Checkpoint.DraftBody), ws.book.Count()))
	return nil
}

// corpusSearchTool lets the model query the gathered evidence while it
// drafts, instead of working only from the passages in the prompt.
var corpusSearchTool = llm.ToolDefinition{
	Name:        "search_corpus",
	Description: "Search the evidence gathered for this research job. Returns the most relevant passages with their source URLs.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for in the gathered sources.",
			},
		},
		"required": []string{"query"},
	},
}

func (o *Orchestrator) corpusToolHandler() llm.ToolHandler {
	return func(ctx context.Context, call llm.ToolCall) (string, error) {
		if call.Name != corpusSearchTool.Name {
			return "", fmt.Errorf("unknown tool %q", call.Name)
		}
		query, _ := call.Input["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", errors.New("search_corpus needs a query")
		}
		results, err := o.deps.Retriever.Retrieve(ctx, query, "", 5)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "no passages matched", nil
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s\n%s\n\n", r.SourceID, snippet(r.Chunk.Content, 300))
		}
		return strings.TrimSpace(b.String()), nil
	}
}

// runValidating extracts the draft's claims, scores their grounding, and
// runs one corrective rewrite when the score sits under the floor. The
// rewrite is adopted only if it actually scores higher. The surviving
// claims are persisted as the job's claim ledger.
func (o *Orchestrator) runValidating(ctx context.Context, job *types.Job, ws *runState) error {
	draft := job.Checkpoint.DraftBody
	claims := grounding.ExtractClaimsLimit(draft, o.cfg.MaxClaims)
	score := grounding.ComputeGroundingScore(claims)

	if score < o.cfg.GroundingFloor && len(claims) > 0 && !ws.draftUnavailable {
		logging.Job("job %s: grounding %.2f under floor %.2f, corrective pass", job.ID, score, o.cfg.GroundingFloor)
		system, prompt := BuildCorrectivePrompt(draft, ws.book)
		req := &llm.Request{
			System:      system,
			Prompt:      prompt,
			Temperature: 0.2,
		}
		started := time.Now()
		resp, err := o.deps.LLM.Generate(ctx, req)
		o.replay(job, req, resp, started, err)
		switch {
		case err != nil && !llm.IsUnavailable(err):
			return err
		case err != nil:
			logging.JobWarn("job %s: corrective rewrite unavailable: %v", job.ID, err)
		default:
			rewritten := strings.TrimSpace(resp.Text)
			newClaims := grounding.ExtractClaimsLimit(rewritten, o.cfg.MaxClaims)
			newScore := grounding.ComputeGroundingScore(newClaims)
			if rewritten != "" && newScore > score {
				draft, claims, score = rewritten, newClaims, newScore
				job.Checkpoint.DraftBody = draft
				o.step(job, "corrective_rewrite", fmt.Sprintf("grounding %.2f after rewrite", newScore))
			} else {
				o.step(job, "corrective_rewrite", fmt.Sprintf("kept original, rewrite scored %.2f", newScore))
			}
		}
	}

	ledger := grounding.BuildClaimLedger(job.ID, claims, ws.book)
	for _, claim := range ledger {
		if err := o.deps.Store.SaveClaim(claim); err != nil {
			logging.JobWarn("job %s: save claim: %v", job.ID, err)
		}
	}

	job.Checkpoint.GroundingScore = score
	strong, moderate := 0, 0
	for _, c := range ledger {
		switch c.Strength {
		case types.SupportStrong:
			strong++
		case types.SupportModerate:
			moderate++
		}
	}
	o.step(job, "validating", fmt.Sprintf("grounding %.2f, %d claims (%d strong, %d moderate)",
		score, len(ledger), strong, moderate))
	return nil
}

// runReporting assembles and persists the final report: title, executive
// summary, the validated draft body, and the numbered source list. The
// citation book is flushed to the store so a later continue run extends
// the same numbering.
func (o *Orchestrator) runReporting(ctx context.Context, job *types.Job, ws *runState) error {
	draft := job.Checkpoint.DraftBody
	summary := ""
	if draft != "" && !ws.draftUnavailable {
		system, prompt := BuildSummaryPrompt(draft, ws.book)
		req := &llm.Request{
			System:      system,
			Prompt:      prompt,
			Temperature: 0.3,
		}
		started := time.Now()
		resp, err := o.deps.LLM.Generate(ctx, req)
		o.replay(job, req, resp, started, err)
		if err != nil {
			if !llm.IsUnavailable(err) {
				return err
			}
			logging.JobWarn("job %s: summary unavailable: %v", job.ID, err)
		} else {
			summary = strings.TrimSpace(resp.Text)
		}
	}
	job.Checkpoint.SummaryText = summary

	title := ReportTitle(job.Prompt)
	body := AssembleReport(title, summary, draft, ws.book)
	report := &types.Report{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		Title:          title,
		Body:           body,
		GroundingScore: job.Checkpoint.GroundingScore,
		CitationCount:  ws.book.Count(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.deps.Store.SaveReport(report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	for _, c := range ws.book.Citations() {
		if err := o.deps.Store.SaveCitation(c); err != nil {
			logging.JobWarn("job %s: save citation [%d]: %v", job.ID, c.Label, err)
		}
	}

	o.step(job, "reporting", fmt.Sprintf("report %s, %d chars, %d citations", report.ID, len(body), report.CitationCount))
	o.emit(job, "report ready")
	return nil
}

// CoverageScore estimates how well gathered evidence covers the research
// question, in [0, 1]. Breadth is distinct source domains against the
// source target. Strength is how flat the fused-score curve stays across
// the ranked results, scaled by how full the result list is, so one hot
// chunk on an otherwise empty corpus does not read as covered. Breadth
// carries 70% of the weight.
func CoverageScore(results []types.RetrievalResult, targetSources, topK int) float64 {
	if len(results) == 0 {
		return 0
	}
	if targetSources <= 0 {
		targetSources = 1
	}
	if topK <= 0 {
		topK = len(results)
	}

	domains := make(map[string]bool)
	top := results[0].Score
	ratioSum := 0.0
	for _, r := range results {
		domains[urlDomain(r.SourceID)] = true
		if top > 0 {
			ratioSum += r.Score / top
		}
	}

	breadth := float64(len(domains)) / float64(targetSources)
	if breadth > 1 {
		breadth = 1
	}
	strength := 0.0
	if top > 0 {
		strength = ratioSum / float64(len(results))
	}
	fill := float64(len(results)) / float64(topK)
	if fill > 1 {
		fill = 1
	}
	return 0.7*breadth + 0.3*strength*fill
}

// urlDomain extracts the lowercased host from a URL-shaped source id.
// Non-URL ids (file:// paths resolve to their path, bare strings to
// themselves) still bucket consistently.
func urlDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Host)
}
