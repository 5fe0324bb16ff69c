// Package grounding validates synthesized text against its evidence.
// It extracts discrete claims from report prose, computes the fraction
// that carry citation markers, keeps citation labels stable across
// report sections, and grades each claim's support strength.
package grounding

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxClaims caps extraction so scoring stays proportional on
// long reports.
const DefaultMaxClaims = 20

// minClaimLength drops fragments too short to assert anything.
const minClaimLength = 20

var (
	// citationMarker matches a well-formed bracketed label like [3].
	// A bare "[" or "[word]" is not a citation.
	citationMarker  = regexp.MustCompile(`\[\d+\]`)
	citationMarkers = regexp.MustCompile(`\[(\d+)\]`)
	orderedPrefix   = regexp.MustCompile(`^\d+[.)\-:]\s`)
	sentenceEnd     = regexp.MustCompile(`([.!?])\s+`)
)

// ExtractClaims pulls discrete claims out of synthesized text: headings,
// bullet lines, and fragments shorter than 20 characters are dropped,
// surviving prose is split into sentences, and the result is capped at
// DefaultMaxClaims.
func ExtractClaims(text string) []string {
	return ExtractClaimsLimit(text, DefaultMaxClaims)
}

// ExtractClaimsLimit is ExtractClaims with an explicit cap.
func ExtractClaimsLimit(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxClaims
	}

	var claims []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isHeadingLine(line) || isListLine(line) {
			continue
		}
		if len(line) < minClaimLength {
			continue
		}
		for _, sentence := range splitSentences(line) {
			if len(sentence) < minClaimLength {
				continue
			}
			claims = append(claims, sentence)
			if len(claims) >= max {
				return claims
			}
		}
	}
	return claims
}

// ComputeGroundingScore returns the fraction of claims containing at
// least one well-formed [n] marker. A claim with several markers still
// counts once. An empty claim list scores 0.
func ComputeGroundingScore(claims []string) float64 {
	if len(claims) == 0 {
		return 0.0
	}
	cited := 0
	for _, claim := range claims {
		if citationMarker.MatchString(claim) {
			cited++
		}
	}
	return float64(cited) / float64(len(claims))
}

// ParseCitationLabels returns the distinct citation labels in a claim,
// in order of first appearance.
func ParseCitationLabels(claim string) []int {
	var labels []int
	seen := map[int]bool{}
	for _, m := range citationMarkers.FindAllStringSubmatch(claim, -1) {
		n := 0
		for _, r := range m[1] {
			n = n*10 + int(r-'0')
		}
		if n > 0 && !seen[n] {
			seen[n] = true
			labels = append(labels, n)
		}
	}
	return labels
}

// isHeadingLine treats markdown headings and short title-case lines
// without terminal punctuation as section titles, not claims.
func isHeadingLine(line string) bool {
	if strings.HasPrefix(line, "#") {
		return true
	}
	if strings.ContainsAny(line[len(line)-1:], ".!?") {
		return false
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func isListLine(line string) bool {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") ||
		strings.HasPrefix(line, "+ ") || strings.HasPrefix(line, "• ") {
		return true
	}
	return orderedPrefix.MatchString(line)
}

// splitSentences breaks a paragraph on terminal punctuation followed by
// whitespace, keeping the punctuation with its sentence.
func splitSentences(paragraph string) []string {
	marked := sentenceEnd.ReplaceAllString(paragraph, "$1\x00")
	parts := strings.Split(marked, "\x00")
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}
