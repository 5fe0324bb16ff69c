package harvest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanSearchQueryStripsOperators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"uppercase operators", `golang AND concurrency OR channels NOT generics`, "golang concurrency channels generics"},
		{"mixed casing", `cats and dogs And birds aNd fish`, "cats dogs birds fish"},
		{"parens", `(distributed systems) AND (raft OR paxos)`, "distributed systems raft paxos"},
		{"operator words inside longer words", `android notation ordinary`, "android notation ordinary"},
		{"collapse whitespace", "too   many\t spaces\n here", "too many spaces here"},
		{"balanced quotes survive", `"exact phrase" search`, `"exact phrase" search`},
		{"excessive quotes stripped", `"a" "b" "c"`, "a b c"},
		{"unbalanced quote stripped", `dangling "quote here`, "dangling quote here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanSearchQuery(tt.in))
		})
	}
}

func TestCleanSearchQueryLengthBound(t *testing.T) {
	long := strings.Repeat("benchmark comparison ", 30)
	got := CleanSearchQuery(long)
	assert.LessOrEqual(t, len(got), MaxQueryLength)
	assert.False(t, strings.HasSuffix(got, " "))

	// No whitespace at all: hard cut, still bounded.
	got = CleanSearchQuery(strings.Repeat("x", 500))
	assert.LessOrEqual(t, len(got), MaxQueryLength)
}

func TestCleanSearchQueryNeverLeavesStandaloneOperators(t *testing.T) {
	inputs := []string{
		"alpha AND beta OR gamma NOT delta",
		"AND OR NOT",
		"and or not",
		strings.Repeat("term AND ", 40),
		"trailing operator AND",
		"OR leading operator",
		strings.Repeat("expand", 19) + " AND tail", // forces truncation near an operator
	}
	for _, in := range inputs {
		got := CleanSearchQuery(in)
		require.LessOrEqual(t, len(got), MaxQueryLength)
		for _, word := range strings.Fields(got) {
			up := strings.ToUpper(word)
			assert.NotEqual(t, "AND", up, "input %q produced %q", in, got)
			assert.NotEqual(t, "OR", up, "input %q produced %q", in, got)
			assert.NotEqual(t, "NOT", up, "input %q produced %q", in, got)
		}
	}
}

func TestScoreAndFilterUrlsRanksByOverlap(t *testing.T) {
	urls := []string{
		"https://example.com/cooking/recipes",
		"https://blog.dev/golang-concurrency-patterns",
		"https://docs.io/concurrency",
		"https://news.site/politics",
	}
	got := ScoreAndFilterUrls("golang concurrency patterns", urls, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "https://blog.dev/golang-concurrency-patterns", got[0])
	assert.Equal(t, "https://docs.io/concurrency", got[1])
}

func TestScoreAndFilterUrlsExploratoryFill(t *testing.T) {
	urls := []string{
		"https://a.com/unrelated-one",
		"https://b.com/unrelated-two",
		"https://c.com/unrelated-three",
		"https://d.com/quantum-entanglement",
		"https://e.com/unrelated-four",
		"https://f.com/unrelated-five",
		"https://g.com/unrelated-six",
	}
	got := ScoreAndFilterUrls("quantum entanglement basics", urls, 10)

	// One scored hit, filled with exploratory URLs up to five total.
	require.Len(t, got, 5)
	assert.Equal(t, "https://d.com/quantum-entanglement", got[0])
	assert.Equal(t, "https://a.com/unrelated-one", got[1])
	assert.Equal(t, "https://b.com/unrelated-two", got[2])
}

func TestScoreAndFilterUrlsEmptyInput(t *testing.T) {
	assert.Empty(t, ScoreAndFilterUrls("anything", nil, 5))
}

func TestScoreAndFilterUrlsTiesKeepInputOrder(t *testing.T) {
	urls := []string{
		"https://first.com/topic-alpha",
		"https://second.com/topic-alpha",
		"https://third.com/topic-alpha",
	}
	got := ScoreAndFilterUrls("topic alpha", urls, 3)
	require.Len(t, got, 3)
	assert.Equal(t, urls, got)
}

func TestTokenize(t *testing.T) {
	got := tokenize("Go, the BIG language: v2")
	assert.Equal(t, []string{"the", "big", "language"}, got)
}
