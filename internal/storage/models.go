package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RAG indexing states of a feedback row.
const (
	RAGPending   = "pending"
	RAGIndexed   = "indexed"
	RAGDuplicate = "duplicate"
	RAGSkipped   = "skipped"
	RAGFailed    = "failed"
)

// Feedback is the primary record of a submission. It is written before any
// retrieval work so a failing index never loses what the guest wrote.
type Feedback struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Emotion   string    `json:"emotion,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RAGStatus string    `json:"rag_status"`
	CreatedAt time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// SentimentCounts tallies classified feedback by label.
type SentimentCounts struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// Total counts every classified row.
func (c SentimentCounts) Total() int {
	return c.Positive + c.Negative + c.Neutral
}

// DailySummary is the sentiment mix of one UTC day. Date is YYYY-MM-DD.
type DailySummary struct {
	Date          string          `json:"date"`
	TotalFeedback int             `json:"total_feedback"`
	Counts        SentimentCounts `json:"counts"`
	PositiveRatio float64         `json:"positive_ratio"`
	NegativeRatio float64         `json:"negative_ratio"`
	NeutralRatio  float64         `json:"neutral_ratio"`
	CreatedAt     time.Time       `json:"created_at"`
}
