package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farsight/internal/research"
	"farsight/internal/store"
	"farsight/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runKind    string
	runTarget  int
	runSession string
	runWatch   bool

	resumeWatch   bool
	continueWatch bool

	jobsState string
)

// runCmd creates a new research job and drives it to a terminal state
var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Create a research job and run it to completion",
	Long: `Runs a research job through the full phase pipeline:
planning, searching, acquiring, extracting, evaluating, drafting,
validating, reporting.

The job checkpoints after every phase. Ctrl-C pauses it; pick it back up
later with "farsight resume".

Examples:
  farsight run "How do CRDTs resolve concurrent edits?"
  farsight run --kind technical --target 12 "io_uring vs epoll"
  farsight run --watch "state of WebGPU adoption"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

// jobsCmd lists jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List research jobs",
	Args:  cobra.NoArgs,
	RunE:  listJobs,
}

// resumeCmd continues a paused or interrupted job from its checkpoint
var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a paused job from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeJob,
}

// cancelCmd cancels a job
var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a job so it can no longer be resumed",
	Args:  cobra.ExactArgs(1),
	RunE:  cancelJob,
}

// continueCmd deepens a completed job with more sources
var continueCmd = &cobra.Command{
	Use:   "continue [job-id]",
	Short: "Re-run a completed job with a deeper source target",
	Long: `Raises the job's source target and runs the pipeline again from
planning. Sources and citation labels from earlier runs are kept; the new
report cites old and new sources under stable labels.`,
	Args: cobra.ExactArgs(1),
	RunE: continueJob,
}

// reportCmd renders the latest report for a job
var reportCmd = &cobra.Command{
	Use:   "report [job-id]",
	Short: "Render a job's latest report",
	Args:  cobra.ExactArgs(1),
	RunE:  showReport,
}

// traceCmd replays a job's model interactions for debugging
var traceCmd = &cobra.Command{
	Use:   "trace [job-id]",
	Short: "Show the model calls a job made, in order",
	Long: `Replays a job's model interactions: which phase asked, which provider
answered, how long it took, and whether it succeeded. Use --full to see
the prompts and responses themselves.`,
	Args: cobra.ExactArgs(1),
	RunE: showTrace,
}

var (
	reportRaw bool
	traceFull bool
)

func init() {
	runCmd.Flags().StringVar(&runKind, "kind", "general", "Job kind: general, technical, or survey")
	runCmd.Flags().IntVar(&runTarget, "target", 0, "Distinct sources to gather (0 = configured default)")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id to group related jobs")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show live progress in a full-screen view")

	resumeCmd.Flags().BoolVar(&resumeWatch, "watch", false, "Show live progress in a full-screen view")
	continueCmd.Flags().BoolVar(&continueWatch, "watch", false, "Show live progress in a full-screen view")

	jobsCmd.Flags().StringVar(&jobsState, "state", "", "Only show jobs in this state")

	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "Print raw markdown without terminal styling")

	traceCmd.Flags().BoolVar(&traceFull, "full", false, "Include the full prompt and response text")
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	kind, err := parseJobKind(runKind)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job := research.NewJob(runSession, joinArgs(args), kind, runTarget)
	if err := a.store.SaveJob(job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	logger.Info("Job created", zap.String("id", job.ID), zap.String("kind", string(job.Kind)))
	fmt.Printf("Job %s\n", job.ID)

	return driveJob(ctx, a, job.ID, runWatch, func(c context.Context) error {
		return a.orch.Run(c, job)
	})
}

func resumeJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := resolveJobID(a.store, args[0])
	if err != nil {
		return err
	}
	return driveJob(ctx, a, jobID, resumeWatch, func(c context.Context) error {
		return a.orch.Resume(c, jobID)
	})
}

func continueJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := resolveJobID(a.store, args[0])
	if err != nil {
		return err
	}
	return driveJob(ctx, a, jobID, continueWatch, func(c context.Context) error {
		return a.orch.Continue(c, jobID)
	})
}

func cancelJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := resolveJobID(a.store, args[0])
	if err != nil {
		return err
	}
	if err := a.orch.Cancel(jobID); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", badge(types.JobStateCancelled), jobID)
	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.ListJobs(types.JobState(jobsState))
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println(`No jobs yet. Start one with: farsight run "<prompt>"`)
		return nil
	}

	fmt.Printf("%-10s %-12s %-10s %-6s %-12s %s\n", "ID", "STATE", "KIND", "COV", "UPDATED", "PROMPT")
	for _, j := range jobs {
		fmt.Printf("%-10s %s %-10s %-6.2f %-12s %s\n",
			shortID(j.ID),
			stateCell(j.State, 12),
			string(j.Kind),
			j.Coverage,
			humanTime(j.UpdatedAt),
			truncate(j.Prompt, 60))
	}
	return nil
}

func showReport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := findReport(a.store, args[0])
	if err != nil {
		return err
	}

	if reportRaw {
		fmt.Println(report.Body)
		return nil
	}
	fmt.Print(safeRenderMarkdown(report.Body, reportWrapWidth))
	fmt.Printf("\n%s\n", dimStyle.Render(fmt.Sprintf(
		"report %s  grounding %.2f  citations %d  %s",
		shortID(report.ID), report.GroundingScore, report.CitationCount,
		report.CreatedAt.Local().Format("2006-01-02 15:04"))))
	return nil
}

func showTrace(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := resolveJobID(a.store, args[0])
	if err != nil {
		return err
	}
	entries, err := a.store.GetReplayEntries(jobID)
	if err != nil {
		return fmt.Errorf("load replay log for job %s: %w", jobID, err)
	}
	if len(entries) == 0 {
		fmt.Printf("Job %s has no model calls recorded yet.\n", shortID(jobID))
		return nil
	}

	fmt.Printf("%-9s %-12s %-14s %8s %8s  %s\n", "TIME", "PHASE", "PROVIDER", "TOKENS", "TOOK", "OUTCOME")
	for _, e := range entries {
		outcome := "ok"
		if !e.Success {
			outcome = e.Error
		}
		provider := e.Provider
		if provider == "" {
			provider = "-"
		}
		fmt.Printf("%-9s %-12s %-14s %8d %6dms  %s\n",
			e.CreatedAt.Local().Format("15:04:05"),
			string(e.Phase),
			truncate(provider, 14),
			e.TokensUsed,
			e.DurationMs,
			truncate(outcome, 48))
		if traceFull {
			fmt.Printf("\n--- prompt ---\n%s\n", e.Prompt)
			if e.Response != "" {
				fmt.Printf("--- response ---\n%s\n", e.Response)
			}
			fmt.Println()
		}
	}
	return nil
}

// findReport treats the argument first as a job id (newest report wins),
// then as a report id.
func findReport(st *store.LocalStore, arg string) (*types.Report, error) {
	jobID, jobErr := resolveJobID(st, arg)
	if jobErr == nil {
		reports, err := st.GetReports(jobID)
		if err != nil {
			return nil, fmt.Errorf("load reports for job %s: %w", jobID, err)
		}
		if len(reports) == 0 {
			return nil, fmt.Errorf("job %s has no reports yet", shortID(jobID))
		}
		return reports[0], nil
	}
	if report, err := st.GetReport(arg); err == nil {
		return report, nil
	}
	return nil, jobErr
}

// driveJob runs a job action and reports the outcome. In watch mode the
// progress stream feeds a full-screen view; otherwise events print as plain
// lines.
func driveJob(ctx context.Context, a *app, jobID string, watch bool, run func(context.Context) error) error {
	if watch {
		return watchJob(ctx, a, jobID, run)
	}

	a.orch.SetProgressCallback(func(ev types.ProgressEvent) {
		if ev.JobID == jobID {
			fmt.Printf("  %-11s %s\n", ev.State, ev.Message)
		}
	})
	err := run(ctx)
	if errors.Is(err, context.Canceled) {
		// Interrupted runs park the job; the store has the real outcome.
		err = nil
	}
	return finishJob(a, jobID, err)
}

// finishJob reloads the job and prints where it ended up.
func finishJob(a *app, jobID string, runErr error) error {
	job, err := a.store.GetJob(jobID)
	if err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}

	switch job.State {
	case types.JobStateCompleted:
		fmt.Printf("\n%s coverage %.2f, grounding %.2f\n",
			badge(job.State), job.Coverage, job.Checkpoint.GroundingScore)
		fmt.Printf("View the report with: farsight report %s\n", shortID(job.ID))
		return nil
	case types.JobStatePaused:
		fmt.Printf("\n%s at %s. Pick it up with: farsight resume %s\n",
			badge(job.State), checkpointPhase(job), shortID(job.ID))
		return nil
	case types.JobStateCancelled:
		fmt.Printf("\n%s %s\n", badge(job.State), shortID(job.ID))
		return nil
	case types.JobStateFailed:
		return fmt.Errorf("job %s failed: %s", shortID(job.ID), job.Error)
	}
	return runErr
}

func checkpointPhase(job *types.Job) string {
	if job.Checkpoint.Phase == "" {
		return "the start"
	}
	return string(job.Checkpoint.Phase)
}

func parseJobKind(s string) (types.JobKind, error) {
	switch types.JobKind(strings.ToLower(strings.TrimSpace(s))) {
	case types.JobKindGeneral, "":
		return types.JobKindGeneral, nil
	case types.JobKindTechnical:
		return types.JobKindTechnical, nil
	case types.JobKindSurvey:
		return types.JobKindSurvey, nil
	default:
		return "", fmt.Errorf("unknown job kind %q (use general, technical, or survey)", s)
	}
}

// resolveJobID accepts a full job id or a unique prefix of one.
func resolveJobID(st *store.LocalStore, arg string) (string, error) {
	if job, err := st.GetJob(arg); err == nil {
		return job.ID, nil
	}
	jobs, err := st.ListJobs("")
	if err != nil {
		return "", fmt.Errorf("list jobs: %w", err)
	}
	var matches []string
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, arg) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no job matches %q", arg)
	default:
		return "", fmt.Errorf("%q matches %d jobs, give more of the id", arg, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func humanTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2")
	}
}
