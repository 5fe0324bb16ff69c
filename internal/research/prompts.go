package research

import (
	"fmt"
	"strings"

	"farsight/internal/grounding"
	"farsight/internal/types"
)

const synthesisSystem = `You are a research analyst writing an evidence-grounded report.

Rules:
- Every factual claim cites at least one numbered source, written as [n] at the end of the sentence.
- Use only the numbered sources provided. Never cite a number that does not appear in the source list.
- Write markdown with ## section headings. Do not add a document title; it is added later.
- Where the evidence does not answer part of the question, say so instead of guessing.`

const summarySystem = `You are a research analyst. Write an executive summary of at most five sentences. Reuse the report's [n] citation labels exactly; never renumber or invent labels.`

// maxPieceChars bounds how much of one chunk enters the synthesis prompt so
// ten sources still fit a local model's context window.
const maxPieceChars = 800

// BuildSynthesisPrompt assigns citation labels to the evidence through the
// book and renders the numbered-source drafting request. Sources cited in an
// earlier section keep their labels.
func BuildSynthesisPrompt(job *types.Job, evidence []types.RetrievalResult, titles map[string]string, book *grounding.CitationBook) (system, prompt string) {
	angle := ""
	switch job.Kind {
	case types.JobKindTechnical:
		angle = "Favor precision: name versions, APIs, and measured numbers when the sources give them.\n\n"
	case types.JobKindSurvey:
		angle = "Organize by approach and compare the alternatives explicitly.\n\n"
	}

	type numberedSource struct {
		label    int
		sourceID string
		title    string
		pieces   []string
	}
	var ordered []*numberedSource
	byLabel := map[int]*numberedSource{}
	for _, r := range evidence {
		title := titles[r.SourceID]
		label := book.Cite(r.SourceID, title, snippet(r.Chunk.Content, 160))
		ns, ok := byLabel[label]
		if !ok {
			ns = &numberedSource{label: label, sourceID: r.SourceID, title: title}
			byLabel[label] = ns
			ordered = append(ordered, ns)
		}
		ns.pieces = append(ns.pieces, snippet(r.Chunk.Content, maxPieceChars))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research question:\n%s\n\n%s", strings.TrimSpace(job.Prompt), angle)
	if len(ordered) == 0 {
		b.WriteString("No sources could be gathered. State that the question could not be researched and what a reader should look for instead.\n")
		return synthesisSystem, b.String()
	}

	b.WriteString("Numbered sources:\n\n")
	for _, ns := range ordered {
		if ns.title != "" {
			fmt.Fprintf(&b, "[%d] %s (%s)\n", ns.label, ns.title, ns.sourceID)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", ns.label, ns.sourceID)
		}
		for _, piece := range ns.pieces {
			b.WriteString(piece)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Write the report body now, citing sources as [n].")
	return synthesisSystem, b.String()
}

// BuildSummaryPrompt frames the executive-summary request over the finished
// draft and the job's source list.
func BuildSummaryPrompt(draft string, book *grounding.CitationBook) (system, prompt string) {
	var b strings.Builder
	b.WriteString("Report:\n\n")
	b.WriteString(strings.TrimSpace(draft))
	if sources := book.RenderSources(); sources != "" {
		b.WriteString("\n\n")
		b.WriteString(sources)
	}
	b.WriteString("\nWrite the executive summary now.")
	return summarySystem, b.String()
}

// BuildCorrectivePrompt frames the one rewrite pass for a draft whose
// grounding score fell below the floor.
func BuildCorrectivePrompt(draft string, book *grounding.CitationBook) (system, prompt string) {
	var b strings.Builder
	b.WriteString("The report below states claims without citing its sources. Rewrite it so every factual sentence ends with a [n] citation from the source list. Keep the structure; drop only claims no listed source supports.\n\n")
	if sources := book.RenderSources(); sources != "" {
		b.WriteString(sources)
		b.WriteString("\n")
	}
	b.WriteString("Report:\n\n")
	b.WriteString(strings.TrimSpace(draft))
	return synthesisSystem, b.String()
}

// ReportTitle derives a display title from the prompt, cut on a word
// boundary.
func ReportTitle(prompt string) string {
	p := strings.Join(strings.Fields(prompt), " ")
	if p == "" {
		return "Research Report"
	}
	const maxTitle = 80
	if len(p) > maxTitle {
		cut := strings.LastIndex(p[:maxTitle], " ")
		if cut < maxTitle/2 {
			cut = maxTitle
		}
		p = p[:cut] + "…"
	}
	return p
}

// AssembleReport stitches the final markdown: title, executive summary,
// body, sources.
func AssembleReport(title, summary, body string, book *grounding.CitationBook) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if s := strings.TrimSpace(summary); s != "" {
		fmt.Fprintf(&b, "## Executive Summary\n\n%s\n\n", s)
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	if sources := book.RenderSources(); sources != "" {
		b.WriteString("\n")
		b.WriteString(sources)
	}
	return b.String()
}

// snippet returns at most n characters of s, cut on a rune boundary with an
// ellipsis when truncated.
func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
