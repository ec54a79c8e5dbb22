// Package composer assembles retrieved guest feedback into a context block
// for the response-writing LLM.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

const defaultMaxContextTokens = 1500

const (
	contextHeader = "[Similar Guest Feedback]\n"
	messageHeader = "[Guest Message]\n"
)

// Composer builds prompt context from search results under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (1500) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the context block for message: the retrieved passages,
// best first, followed by the guest message itself. Passages with identical
// text appear once. When the budget runs out the lowest-scoring passages are
// dropped first; the guest message is always kept. Without results only the
// message section is returned.
func (c *Composer) Compose(message string, results []retrieval.SearchResult) string {
	message = strings.TrimSpace(message)
	tail := messageHeader + message + "\n"

	remaining := c.MaxContextTokens - EstimateTokens(tail) - EstimateTokens(contextHeader)

	sorted := make([]retrieval.SearchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var selected []string
	seen := make(map[string]struct{}, len(sorted))
	for _, r := range sorted {
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}

		entry := formatResult(r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) == 0 {
		return tail
	}

	var sb strings.Builder
	sb.WriteString(contextHeader)
	for _, entry := range selected {
		sb.WriteString(entry)
	}
	sb.WriteString(tail)
	return sb.String()
}

func formatResult(r retrieval.SearchResult) string {
	if emotion := r.Metadata.String(retrieval.MetaEmotion); emotion != "" {
		return fmt.Sprintf("(Score: %.2f, Sentiment: %s)\n%s\n\n", r.Score, emotion, r.Text)
	}
	return fmt.Sprintf("(Score: %.2f)\n%s\n\n", r.Score, r.Text)
}

// EstimateTokens provides a rough token count using 4 bytes per token
// heuristic. Hangul takes three bytes per rune in UTF-8, so Korean text
// comes out at roughly one token per syllable.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
