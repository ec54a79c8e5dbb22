package chunker

import (
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Recursive splits on paragraph, line, and word separators with a fixed
// overlap between neighbouring chunks. Unlike Sentence it may cut inside a
// sentence; it exists for bulk imports of long PDF and CSV dumps.
type Recursive struct {
	splitter textsplitter.RecursiveCharacter
}

// NewRecursive returns a Recursive splitter with the given chunk size and
// overlap, both in characters.
func NewRecursive(chunkSize, overlap int) *Recursive {
	if chunkSize <= 0 {
		chunkSize = DefaultMaxLength
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return &Recursive{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

// Split implements Splitter. On a splitter failure the whole trimmed text is
// returned as a single chunk.
func (r *Recursive) Split(text string) []string {
	if len(Sentences(text)) == 0 {
		return nil
	}
	chunks, err := r.splitter.SplitText(text)
	if err != nil {
		slog.Warn("recursive split failed, keeping text whole", "error", err)
		return []string{strings.TrimSpace(text)}
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// New returns the splitter named by strategy ("sentence" or "recursive").
// Unknown strategies fall back to sentence splitting.
func New(strategy string, maxLength, overlap int) Splitter {
	if strategy == "recursive" {
		return NewRecursive(maxLength, overlap)
	}
	return NewSentence(maxLength)
}
