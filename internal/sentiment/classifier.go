// Package sentiment tags guest feedback as positive, negative or neutral
// using a chat model, with a short free-text reason.
package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Label is a normalised sentiment.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
	Neutral  Label = "neutral"
)

// Result is the classifier output stored alongside indexed chunks.
type Result struct {
	Emotion Label  `json:"emotion"`
	Reason  string `json:"reason"`
}

// Fallback reasons used when the model cannot be understood.
const (
	reasonDefault     = "analysis complete"
	reasonParseFailed = "could not parse model response"
)

// ErrEmptyText is returned by Classify for blank input.
var ErrEmptyText = errors.New("sentiment: empty text")

// Completer is the LLM completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// jsonCompleter is implemented by providers that can constrain output to a
// JSON object with the given string fields.
type jsonCompleter interface {
	CompleteJSON(ctx context.Context, prompt string, fields map[string]string) (string, error)
}

// Classifier asks a chat model for {"emotion": ..., "reason": ...}.
type Classifier struct {
	llm    Completer
	logger *slog.Logger
}

// NewClassifier creates a Classifier. A nil logger uses slog.Default().
func NewClassifier(llm Completer, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: llm, logger: logger}
}

// Classify returns the sentiment of text. A reply that cannot be parsed
// degrades to Neutral with a nil error; only a failing provider call or
// blank input return an error.
func (c *Classifier) Classify(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	prompt := buildPrompt(text)
	var resp string
	var err error
	if jc, ok := c.llm.(jsonCompleter); ok {
		resp, err = jc.CompleteJSON(ctx, prompt, map[string]string{
			"emotion": "one of positive, negative, neutral",
			"reason":  "one short sentence explaining the emotion",
		})
	} else {
		resp, err = c.llm.Complete(ctx, prompt)
	}
	if err != nil {
		return Result{}, fmt.Errorf("classifying feedback: %w", err)
	}

	res, err := Parse(resp)
	if err != nil {
		c.logger.Warn("sentiment reply not understood, using neutral", "reply", resp, "error", err)
		return Result{Emotion: Neutral, Reason: reasonParseFailed}, nil
	}
	return res, nil
}

func buildPrompt(text string) string {
	return "Analyse the emotion of the following hotel guest feedback. " +
		"Answer only with a JSON object such as " +
		`{"emotion": "positive", "reason": "the service was satisfying"}. ` +
		"emotion must be positive, negative or neutral. The feedback may be in Korean; " +
		"write the reason in the language of the feedback.\n" +
		"Feedback: \"" + text + "\""
}

// Parse extracts a Result from a model reply. Korean and English keys
// (emotion/감정, reason/이유) and labels are accepted.
func Parse(resp string) (Result, error) {
	s := strings.TrimSpace(resp)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in reply")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("unmarshal reply: %w", err)
	}

	emotion := firstString(raw, "emotion", "감정", "sentiment")
	reason := firstString(raw, "reason", "이유")
	if reason == "" {
		reason = reasonDefault
	}
	return Result{Emotion: Normalize(emotion), Reason: reason}, nil
}

// Normalize maps free-form labels onto the three known ones. Anything
// unrecognised is Neutral.
func Normalize(label string) Label {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "":
		return Neutral
	case strings.Contains(l, "긍정"), strings.HasPrefix(l, "pos"), l == "good", l == "happy", l == "기쁨", l == "만족":
		return Positive
	case strings.Contains(l, "부정"), strings.HasPrefix(l, "neg"), l == "bad", l == "angry", l == "분노", l == "불만", l == "슬픔":
		return Negative
	default:
		return Neutral
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
