package research

import (
	"fmt"
	"regexp"
	"strings"

	"farsight/internal/logging"
	"farsight/internal/types"
)

const fallbackQueryCount = 5

var (
	// Enumerated query line: "1. q", "2) q", "3- q", "4: q".
	enumeratedLinePattern = regexp.MustCompile(`(?m)^\s*\d+\s*[.\)\-:]\s*(.+)$`)

	// Recovery for plans that quote queries instead of numbering them.
	quotedLinePattern = regexp.MustCompile(`(?m)^\s*"([^"\n]+)"\s*$`)
)

const plannerSystem = `You are a research planner. Given a research goal, you produce web search queries that together cover the goal from multiple angles: core concepts, implementations, comparisons, criticisms, and recent developments.

Rules:
- Respond with a numbered list of queries, one per line, and nothing else.
- Each query must stand alone as a web search.
- No boolean operators, no site: filters, no quotes.`

// BuildPlanningPrompt frames the job prompt for query planning. The kind
// shifts what the queries should chase.
func BuildPlanningPrompt(job *types.Job, maxQueries int) (system, prompt string) {
	angle := ""
	switch job.Kind {
	case types.JobKindTechnical:
		angle = "Favor queries that surface specifications, official documentation, implementation details, and failure modes."
	case types.JobKindSurvey:
		angle = "Favor queries that surface the landscape: alternatives, taxonomies, comparisons, and review articles."
	default:
		angle = "Balance introductory material against primary sources."
	}

	prompt = fmt.Sprintf("Research goal:\n%s\n\n%s\n\nList %d search queries, numbered 1 through %d.",
		strings.TrimSpace(job.Prompt), angle, maxQueries, maxQueries)
	return plannerSystem, prompt
}

// ExtractQueries parses search queries out of a plan. Enumerated lines are
// tried first, then whole-line quotes; unparseable plans fall back to five
// deterministic queries derived from the original prompt. The result is
// deduplicated and clamped to max.
func ExtractQueries(plan, prompt string, max int) []string {
	if max <= 0 {
		max = fallbackQueryCount
	}

	var queries []string
	seen := map[string]bool{}
	add := func(raw string) {
		q := cleanPlannedQuery(raw)
		if q == "" {
			return
		}
		key := strings.ToLower(q)
		if seen[key] {
			return
		}
		seen[key] = true
		queries = append(queries, q)
	}

	for _, m := range enumeratedLinePattern.FindAllStringSubmatch(plan, -1) {
		add(m[1])
	}
	if len(queries) == 0 {
		for _, m := range quotedLinePattern.FindAllStringSubmatch(plan, -1) {
			add(m[1])
		}
	}
	if len(queries) == 0 {
		logging.JobDebug("plan had no parseable queries, using fallback")
		return fallbackQueries(prompt)
	}

	if len(queries) > max {
		queries = queries[:max]
	}
	return queries
}

// cleanPlannedQuery strips the decoration models put around queries. Returns
// "" for lines that cannot be a search query.
func cleanPlannedQuery(raw string) string {
	q := strings.TrimSpace(raw)
	q = strings.Trim(q, `"'`)
	q = strings.TrimPrefix(q, "**")
	q = strings.TrimSuffix(q, "**")
	q = strings.Trim(q, "`")
	q = strings.TrimSpace(q)
	if len(q) < 3 || len(q) > 200 {
		return ""
	}
	return q
}

// fallbackQueries generates five deterministic queries, each containing the
// original prompt, for when the plan yields nothing usable.
func fallbackQueries(prompt string) []string {
	p := strings.TrimSpace(prompt)
	return []string{
		p,
		p + " overview",
		p + " explained",
		p + " best practices",
		p + " criticism limitations",
	}
}
