// Package chunker splits feedback documents into bounded-length passages
// that are embedded and indexed independently.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the chunk length bound, in characters, used when the
// caller passes a non-positive limit.
const DefaultMaxLength = 500

// sentenceEnd matches a run of terminal punctuation followed by whitespace.
var sentenceEnd = regexp.MustCompile(`([.!?]+)\s+`)

// Splitter turns a document into an ordered sequence of chunks.
type Splitter interface {
	Split(text string) []string
}

// Sentence accumulates whole sentences into chunks shorter than MaxLength.
type Sentence struct {
	MaxLength int
}

// NewSentence returns a sentence splitter bounded by maxLength characters.
func NewSentence(maxLength int) *Sentence {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Sentence{MaxLength: maxLength}
}

// Split implements Splitter.
func (s *Sentence) Split(text string) []string {
	return Split(text, s.MaxLength)
}

// Split breaks text on sentence boundaries and packs consecutive sentences
// into chunks. A chunk is emitted as soon as appending the next sentence
// would bring it to maxLength characters or more. A single sentence that is
// itself longer than maxLength is emitted whole.
//
// Length is counted in runes, not bytes.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	sentences := Sentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var buf strings.Builder
	bufLen := 0

	for _, sentence := range sentences {
		n := utf8.RuneCountInString(sentence)
		if bufLen == 0 {
			buf.WriteString(sentence)
			bufLen = n
			continue
		}
		if bufLen+1+n >= maxLength {
			chunks = append(chunks, buf.String())
			buf.Reset()
			buf.WriteString(sentence)
			bufLen = n
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(sentence)
		bufLen += 1 + n
	}

	if bufLen > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

// Sentences returns the trimmed, non-empty sentences of text in order.
// Terminal punctuation stays attached to its sentence.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		// loc[3] ends the punctuation run; loc[1] also covers the whitespace
		// that follows it.
		if s := strings.TrimSpace(text[start:loc[3]]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
