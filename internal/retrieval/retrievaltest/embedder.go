// Package retrievaltest provides a deterministic offline Embedder for tests.
package retrievaltest

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode"
)

// Dim is the vector dimension produced by BigramEmbedder.
const Dim = 4096

// BigramEmbedder maps text to a bag of character bigrams, ignoring spaces
// and punctuation. Each distinct bigram gets its own dimension the first
// time it is seen, so vectors never collide until Dim bigrams are known.
// Texts sharing more bigrams score higher under cosine similarity, which is
// close enough to a real provider for Korean and English test sentences.
type BigramEmbedder struct {
	mu    sync.Mutex
	vocab map[string]int

	// Calls counts Embed invocations.
	Calls atomic.Int64
}

// NewBigramEmbedder returns an empty embedder.
func NewBigramEmbedder() *BigramEmbedder {
	return &BigramEmbedder{vocab: make(map[string]int)}
}

// Embed implements retrieval.Embedder.
func (e *BigramEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.Calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *BigramEmbedder) vector(text string) []float32 {
	var runes []rune
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, unicode.ToLower(r))
		}
	}
	vec := make([]float32, Dim)
	if len(runes) == 1 {
		vec[e.slot(string(runes))]++
		return vec
	}
	for i := 0; i+1 < len(runes); i++ {
		vec[e.slot(string(runes[i:i+2]))]++
	}
	return vec
}

func (e *BigramEmbedder) slot(gram string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.vocab[gram]
	if !ok {
		idx = len(e.vocab) % Dim
		e.vocab[gram] = idx
	}
	return idx
}
