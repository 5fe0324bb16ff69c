package grounding

import (
	"fmt"

	"github.com/google/uuid"

	"farsight/internal/types"
)

// BuildClaimLedger grades every claim by its resolved citations: two or
// more distinct sources make it strong, one makes it moderate, none
// leaves it unsupported. Markers that match no label in the book are
// dropped and noted rather than counted as support.
func BuildClaimLedger(jobID string, claims []string, book *CitationBook) []*types.Claim {
	ledger := make([]*types.Claim, 0, len(claims))
	for _, text := range claims {
		entry := &types.Claim{
			ID:    uuid.NewString(),
			JobID: jobID,
			Text:  text,
		}

		var unknown []int
		for _, label := range ParseCitationLabels(text) {
			if book != nil && !book.Has(label) {
				unknown = append(unknown, label)
				continue
			}
			entry.Citations = append(entry.Citations, label)
		}
		if len(unknown) > 0 {
			entry.Note = fmt.Sprintf("markers %v match no cited source", unknown)
		}

		switch {
		case len(entry.Citations) >= 2:
			entry.Strength = types.SupportStrong
		case len(entry.Citations) == 1:
			entry.Strength = types.SupportModerate
		default:
			entry.Strength = types.SupportUnsupported
		}
		ledger = append(ledger, entry)
	}
	return ledger
}
