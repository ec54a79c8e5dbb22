package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace", "  \n\t ", nil},
		{"single without punctuation", "방이 깨끗했어요", []string{"방이 깨끗했어요"}},
		{"mixed terminators", "Clean room. Rude staff! Would I return? Maybe", []string{"Clean room.", "Rude staff!", "Would I return?", "Maybe"}},
		{"punctuation runs", "Wow!!! Really?! ok.", []string{"Wow!!!", "Really?!", "ok."}},
		{"no space after dot", "Checked in at 3.30pm. Fine.", []string{"Checked in at 3.30pm.", "Fine."}},
		{"newlines", "첫째 줄입니다.\n둘째 줄입니다.", []string{"첫째 줄입니다.", "둘째 줄입니다."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sentences(tt.in)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Sentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split("   ", 100); len(got) != 0 {
		t.Errorf("Split(blank) = %q, want no chunks", got)
	}
}

func TestSplit_PacksSentences(t *testing.T) {
	text := "One. Two. Three. Four."
	got := Split(text, 12)
	// "One. Two." is 9 runes; adding " Three." would reach 16.
	want := []string{"One. Two.", "Three.", "Four."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestSplit_BoundaryIsExclusive(t *testing.T) {
	// "aaaa. bbbb." is exactly 11 runes, so with maxLength 11 the second
	// sentence must start a new chunk.
	got := Split("aaaa. bbbb.", 11)
	if len(got) != 2 {
		t.Errorf("Split = %q, want two chunks", got)
	}
	got = Split("aaaa. bbbb.", 12)
	if len(got) != 1 {
		t.Errorf("Split = %q, want one chunk", got)
	}
}

func TestSplit_OversizedSentenceEmittedWhole(t *testing.T) {
	long := strings.Repeat("아주 긴 문장 ", 40) + "끝."
	text := "짧아요. " + long + " 다음."
	got := Split(text, 50)

	var found bool
	for _, c := range got {
		if c == strings.TrimSpace(long) {
			found = true
		}
	}
	if !found {
		t.Errorf("oversized sentence was cut: %q", got)
	}
}

func TestSplit_LengthBound(t *testing.T) {
	text := strings.Repeat("The bed was comfortable. Staff helped with luggage! Was breakfast included? ", 20)
	for _, max := range []int{10, 40, 100, 500} {
		for _, c := range Split(text, max) {
			n := utf8.RuneCountInString(c)
			if n >= max && len(Sentences(c)) > 1 {
				t.Errorf("max=%d: chunk of %d runes holds several sentences: %q", max, n, c)
			}
		}
	}
}

func TestSplit_ReconstructsContent(t *testing.T) {
	text := "객실이 깨끗했어요. 직원이 친절했어요! 조식은 어땠나요? 다시 올게요. " +
		"The view was great. Parking was hard to find."
	for _, max := range []int{5, 20, 60, 1000} {
		got := Split(text, max)
		joined := strings.Join(got, " ")
		if strings.Join(Sentences(joined), "|") != strings.Join(Sentences(text), "|") {
			t.Errorf("max=%d: chunks %q do not reproduce the sentences", max, got)
		}
		if strings.Join(strings.Fields(joined), "") != strings.Join(strings.Fields(text), "") {
			t.Errorf("max=%d: content changed", max)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := "A. B! C? D."
	a, b := Split(text, 4), Split(text, 4)
	if strings.Join(a, "|") != strings.Join(b, "|") {
		t.Errorf("Split not deterministic: %q vs %q", a, b)
	}
}

func TestNewSentence_DefaultsLength(t *testing.T) {
	if s := NewSentence(0); s.MaxLength != DefaultMaxLength {
		t.Errorf("MaxLength = %d, want %d", s.MaxLength, DefaultMaxLength)
	}
}

func TestRecursive_SplitsLongText(t *testing.T) {
	text := strings.Repeat("word ", 300)
	r := NewRecursive(100, 10)

	got := r.Split(text)
	if len(got) < 2 {
		t.Fatalf("got %d chunks, want several", len(got))
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk of %d runes exceeds 100", n)
		}
		if strings.TrimSpace(c) != c || c == "" {
			t.Errorf("chunk %q not trimmed", c)
		}
	}
}

func TestRecursive_Blank(t *testing.T) {
	if got := NewRecursive(100, 10).Split(" \n "); len(got) != 0 {
		t.Errorf("Split(blank) = %q", got)
	}
}

func TestNew_Strategy(t *testing.T) {
	if _, ok := New("recursive", 100, 10).(*Recursive); !ok {
		t.Error("New(recursive) did not return *Recursive")
	}
	if _, ok := New("sentence", 100, 10).(*Sentence); !ok {
		t.Error("New(sentence) did not return *Sentence")
	}
	if _, ok := New("unknown", 100, 10).(*Sentence); !ok {
		t.Error("New(unknown) should fall back to *Sentence")
	}
}
