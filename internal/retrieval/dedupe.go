package retrieval

import (
	"net/url"
	"strings"

	"farsight/internal/types"
)

// DeduplicateEvidenceBySource caps how many results one source domain
// contributes to the head of the list. The first perDomain results from
// each domain stay in place as primaries; anything beyond the cap moves
// after all primaries. Rank order is preserved within each bucket, so a
// prolific domain loses position, never results.
func DeduplicateEvidenceBySource(results []types.RetrievalResult, perDomain int) []types.RetrievalResult {
	if perDomain <= 0 {
		perDomain = 3
	}
	if len(results) <= 1 {
		return results
	}

	counts := make(map[string]int)
	primary := make([]types.RetrievalResult, 0, len(results))
	var overflow []types.RetrievalResult
	for _, r := range results {
		domain := evidenceDomain(r.SourceID)
		if counts[domain] < perDomain {
			counts[domain]++
			primary = append(primary, r)
		} else {
			overflow = append(overflow, r)
		}
	}
	return append(primary, overflow...)
}

// evidenceDomain normalizes a source id to its host for grouping. Ids
// that are not URLs (local notes, file paths without hosts) each count
// as their own domain.
func evidenceDomain(sourceID string) string {
	u, err := url.Parse(sourceID)
	if err != nil || u.Host == "" {
		return sourceID
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
