package grounding

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"farsight/internal/logging"
	"farsight/internal/types"
)

// CitationBook assigns stable bracketed labels to sources within one job.
// A source cited in an earlier section keeps its label in every later
// section; labels increment monotonically and are never reused for a
// different source.
type CitationBook struct {
	jobID string

	mu      sync.Mutex
	byID    map[string]int
	entries map[int]*types.Citation
	next    int
}

// NewCitationBook creates an empty book for a job.
func NewCitationBook(jobID string) *CitationBook {
	return &CitationBook{
		jobID:   jobID,
		byID:    make(map[string]int),
		entries: make(map[int]*types.Citation),
		next:    1,
	}
}

// LoadFrom seeds the book with citations persisted by an earlier run, so
// a continued job keeps handing out the same labels. Numbering resumes
// after the highest loaded label.
func (b *CitationBook) LoadFrom(citations []*types.Citation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range citations {
		if c.Label <= 0 || c.SourceID == "" {
			continue
		}
		cp := *c
		b.byID[c.SourceID] = c.Label
		b.entries[c.Label] = &cp
		if c.Label >= b.next {
			b.next = c.Label + 1
		}
	}
	logging.Grounding("citation book loaded %d labels for job %s, next=%d",
		len(citations), b.jobID, b.next)
}

// Cite returns the label for a source, assigning the next free one on
// first sight. Title and excerpt stick from the first call that provides
// them.
func (b *CitationBook) Cite(sourceID, title, excerpt string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if label, ok := b.byID[sourceID]; ok {
		entry := b.entries[label]
		if entry.Title == "" && title != "" {
			entry.Title = title
		}
		if entry.Excerpt == "" && excerpt != "" {
			entry.Excerpt = excerpt
		}
		return label
	}

	label := b.next
	b.next++
	b.byID[sourceID] = label
	b.entries[label] = &types.Citation{
		JobID:    b.jobID,
		Label:    label,
		SourceID: sourceID,
		Title:    title,
		Excerpt:  excerpt,
	}
	return label
}

// Label reports the label already assigned to a source, if any.
func (b *CitationBook) Label(sourceID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	label, ok := b.byID[sourceID]
	return label, ok
}

// Has reports whether a label is assigned.
func (b *CitationBook) Has(label int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[label]
	return ok
}

// Count returns the number of distinct cited sources.
func (b *CitationBook) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

// Citations returns value copies of all entries in label order.
func (b *CitationBook) Citations() []*types.Citation {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*types.Citation, 0, len(b.entries))
	for _, entry := range b.entries {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// RenderSources renders the numbered sources section of a report.
func (b *CitationBook) RenderSources() string {
	citations := b.Citations()
	if len(citations) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Sources\n\n")
	for _, c := range citations {
		if c.Title != "" {
			fmt.Fprintf(&sb, "[%d] %s - %s\n", c.Label, c.Title, c.SourceID)
		} else {
			fmt.Fprintf(&sb, "[%d] %s\n", c.Label, c.SourceID)
		}
	}
	return sb.String()
}
