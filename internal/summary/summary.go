// Package summary records the daily sentiment mix of guest feedback.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soulstay/feedbackrag/internal/storage"
)

// DateLayout is the format of DailySummary.Date.
const DateLayout = "2006-01-02"

// ErrNoFeedback is returned when the day has no classified feedback. No
// summary is stored for such a day.
var ErrNoFeedback = errors.New("summary: no classified feedback for the day")

// Store is the storage the summarizer reads counts from and writes to.
type Store interface {
	CountSentiments(from, to time.Time) (storage.SentimentCounts, error)
	SaveDailySummary(sum storage.DailySummary) error
}

// Summarizer computes and stores daily summaries.
type Summarizer struct {
	store  Store
	logger *slog.Logger
}

func NewSummarizer(store Store, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{store: store, logger: logger}
}

// Summarize stores the summary of the UTC calendar day containing day.
// Running it again for the same day replaces the earlier result.
func (s *Summarizer) Summarize(day time.Time) (storage.DailySummary, error) {
	from := startOfDay(day)
	counts, err := s.store.CountSentiments(from, from.AddDate(0, 0, 1))
	if err != nil {
		return storage.DailySummary{}, fmt.Errorf("counting sentiments: %w", err)
	}
	total := counts.Total()
	if total == 0 {
		return storage.DailySummary{}, ErrNoFeedback
	}

	sum := storage.DailySummary{
		Date:          from.Format(DateLayout),
		TotalFeedback: total,
		Counts:        counts,
		PositiveRatio: float64(counts.Positive) / float64(total),
		NegativeRatio: float64(counts.Negative) / float64(total),
		NeutralRatio:  float64(counts.Neutral) / float64(total),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveDailySummary(sum); err != nil {
		return storage.DailySummary{}, fmt.Errorf("saving summary of %s: %w", sum.Date, err)
	}
	s.logger.Info("daily summary stored",
		"date", sum.Date,
		"total", total,
		"positive_ratio", sum.PositiveRatio,
		"negative_ratio", sum.NegativeRatio,
	)
	return sum, nil
}

// ParseDate parses a YYYY-MM-DD date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Scheduler summarizes the previous day once a day at a fixed UTC hour.
type Scheduler struct {
	summarizer *Summarizer
	hour       int
	logger     *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewScheduler(summarizer *Summarizer, hour int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		summarizer: summarizer,
		hour:       hour,
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("daily summary scheduler started", "hour_utc", s.hour)
	for {
		next := nextRun(s.now(), s.hour)
		select {
		case <-ctx.Done():
			s.logger.Info("daily summary scheduler stopped")
			return
		case <-s.after(next.Sub(s.now())):
			s.runOnce(next.AddDate(0, 0, -1))
		}
	}
}

func (s *Scheduler) runOnce(day time.Time) {
	_, err := s.summarizer.Summarize(day)
	switch {
	case errors.Is(err, ErrNoFeedback):
		s.logger.Info("no classified feedback, skipping daily summary", "date", startOfDay(day).Format(DateLayout))
	case err != nil:
		s.logger.Error("daily summary failed", "date", startOfDay(day).Format(DateLayout), "error", err)
	}
}

// nextRun returns the first time strictly after now at hour:00 UTC.
func nextRun(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
