package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"farsight/internal/courtesy"
	"farsight/internal/embedding"
	"farsight/internal/harvest"
	"farsight/internal/llm"
	"farsight/internal/retrieval"
	"farsight/internal/store"
	"farsight/internal/types"

	"go.uber.org/goleak"
)

// The store, retrieval engine, and embedder in these tests are real; only
// the network and the model are scripted.

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io's package init (linked in transitively
		// via google.golang.org/genai); lives for the whole process.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// --- scriptedModel ---

// scriptedModel answers each prompt kind with a fixed response. Err, when
// set, is returned for every call.
type scriptedModel struct {
	mu      sync.Mutex
	Plan    string
	Draft   string
	Summary string
	Rewrite string
	Err     error

	Calls []string // prompt kinds in call order
}

func (m *scriptedModel) kind(req *llm.Request) string {
	switch {
	case strings.Contains(req.System, "research planner"):
		return "plan"
	case strings.Contains(req.System, "executive summary"):
		return "summary"
	case strings.Contains(req.Prompt, "Rewrite it so every factual sentence"):
		return "rewrite"
	default:
		return "draft"
	}
}

func (m *scriptedModel) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	kind := m.kind(req)
	m.mu.Lock()
	m.Calls = append(m.Calls, kind)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	text := ""
	switch kind {
	case "plan":
		text = m.Plan
	case "summary":
		text = m.Summary
	case "rewrite":
		text = m.Rewrite
	case "draft":
		text = m.Draft
	}
	return &llm.Response{Text: text, FinishReason: llm.FinishStop, Provider: "scripted"}, nil
}

func (m *scriptedModel) GenerateWithTools(ctx context.Context, req *llm.Request, handler llm.ToolHandler, maxCalls int) (*llm.Response, error) {
	return m.Generate(ctx, req)
}

func (m *scriptedModel) CallsOf(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == kind {
			n++
		}
	}
	return n
}

// --- scriptedSearcher ---

type scriptedSearcher struct {
	mu      sync.Mutex
	Results []harvest.Result
	Err     error
	Queries []string

	// OnSearch runs inside SearchAll before the results are returned, so
	// tests can pause or cancel a job mid-phase.
	OnSearch func()
}

func (s *scriptedSearcher) SearchAll(ctx context.Context, query string) ([]harvest.Result, error) {
	s.mu.Lock()
	s.Queries = append(s.Queries, query)
	hook := s.OnSearch
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Results, nil
}

func (s *scriptedSearcher) Health() []types.EngineHealthEntry {
	return []types.EngineHealthEntry{{Engine: "scripted", Attempted: 1, Succeeded: 1}}
}

func (s *scriptedSearcher) QueryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Queries)
}

// --- scriptedFetcher ---

type scriptedFetcher struct {
	mu      sync.Mutex
	Pages   map[string]string // url -> html body; absent urls fail
	Fetched []string
}

func (f *scriptedFetcher) Fetch(ctx context.Context, rawURL string) courtesy.FetchResult {
	f.mu.Lock()
	f.Fetched = append(f.Fetched, rawURL)
	body, ok := f.Pages[rawURL]
	f.mu.Unlock()

	if !ok {
		return courtesy.FetchResult{
			URL:    rawURL,
			Status: courtesy.StatusError,
			Err:    fmt.Errorf("no page scripted for %s", rawURL),
		}
	}
	return courtesy.FetchResult{
		URL:        rawURL,
		FinalURL:   rawURL,
		Status:     courtesy.StatusSuccess,
		StatusCode: 200,
		Body:       body,
	}
}

func (f *scriptedFetcher) Snapshot() []types.SourceHealthEntry {
	return nil
}

func (f *scriptedFetcher) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Fetched)
}

// --- harness ---

func page(title string, sentences ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", title)
	for _, s := range sentences {
		fmt.Fprintf(&b, "<p>%s</p>", s)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func newTestOrchestrator(t *testing.T, model *scriptedModel, searcher *scriptedSearcher, fetcher *scriptedFetcher) (*Orchestrator, *store.LocalStore) {
	t.Helper()

	st, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := embedding.NewHashEngine(16)
	retr := retrieval.NewRetrievalEngine(st, engine, retrieval.DefaultConfig())

	cfg := DefaultConfig()
	cfg.TargetSources = 2
	cfg.MaxQueries = 3
	cfg.MaxSearchIterations = 2
	cfg.ChunkSize = 20
	cfg.ChunkOverlap = 4
	cfg.MaxToolCalls = 0 // scripted model has no tool loop

	orch := NewOrchestrator(cfg, Deps{
		Store:     st,
		LLM:       model,
		Harvester: searcher,
		Fetcher:   fetcher,
		Retriever: retr,
		Embedder:  engine,
	})
	return orch, st
}

// raftFixture wires two healthy pages behind one search query, with a
// draft citing both.
func raftFixture() (*scriptedModel, *scriptedSearcher, *scriptedFetcher) {
	model := &scriptedModel{
		Plan: "1. raft consensus overview\n2. raft leader election\n3. raft log replication",
		Draft: "## Findings\n\n" +
			"Raft elects a single leader per term and routes all writes through it [1][2]. " +
			"Followers grant at most one vote per term [1]. " +
			"Log entries commit once a majority has them [2].",
		Summary: "Raft keeps one leader per term and commits by majority [1][2].",
		Rewrite: "Rewritten [1].",
	}
	searcher := &scriptedSearcher{
		Results: []harvest.Result{
			{Title: "Raft Paper", URL: "https://raft.example.org/paper", Snippet: "raft consensus", Engine: "scripted"},
			{Title: "Raft Guide", URL: "https://guide.example.com/raft", Snippet: "raft explained", Engine: "scripted"},
		},
	}
	fetcher := &scriptedFetcher{
		Pages: map[string]string{
			"https://raft.example.org/paper": page("Raft Paper",
				"Raft is a consensus algorithm for managing a replicated log across a cluster of machines.",
				"Each term has at most one leader and every follower grants at most one vote per term.",
				"Elections use randomized timeouts so split votes resolve quickly in practice."),
			"https://guide.example.com/raft": page("Raft Guide",
				"The leader accepts client writes and replicates entries to follower logs in order.",
				"An entry is committed once a majority of the cluster has stored it durably.",
				"Followers redirect clients to the leader they heard from most recently."),
		},
	}
	return model, searcher, fetcher
}
