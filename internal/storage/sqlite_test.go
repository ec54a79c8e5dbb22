package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent opens the same directory twice and verifies no
// migration is applied a second time.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestTablesAndIndexesExist(t *testing.T) {
	s := openTestStore(t)

	objects := []struct{ kind, name string }{
		{"table", "feedback"},
		{"table", "jobs"},
		{"table", "feedback_chunks"},
		{"table", "daily_summaries"},
		{"index", "idx_feedback_user_created"},
		{"index", "idx_jobs_status_run_after"},
		{"index", "idx_feedback_chunks_source_id"},
	}
	for _, o := range objects {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", o.kind, o.name).Scan(&count)
		if err != nil {
			t.Fatalf("querying %s %s: %v", o.kind, o.name, err)
		}
		if count != 1 {
			t.Errorf("%s %s not found", o.kind, o.name)
		}
	}
}

func TestSaveAndGetFeedback(t *testing.T) {
	s := openTestStore(t)

	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	in := Feedback{
		ID:        "fb-1",
		UserID:    7,
		Content:   "직원이 불친절했어요",
		Source:    "web",
		CreatedAt: created,
	}
	if err := s.SaveFeedback(in); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}

	got, err := s.GetFeedback("fb-1")
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if got.UserID != 7 || got.Content != in.Content || got.Source != "web" {
		t.Errorf("GetFeedback = %+v", got)
	}
	if got.RAGStatus != RAGPending {
		t.Errorf("RAGStatus = %q, want %q", got.RAGStatus, RAGPending)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestGetFeedbackNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetFeedback("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetSentimentAndRAGStatus(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveFeedback(Feedback{ID: "fb-2", UserID: 1, Content: "조식이 맛있었어요"}); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}
	if err := s.SetSentiment("fb-2", "positive", "praises breakfast"); err != nil {
		t.Fatalf("SetSentiment: %v", err)
	}
	if err := s.SetRAGStatus("fb-2", RAGIndexed); err != nil {
		t.Fatalf("SetRAGStatus: %v", err)
	}

	got, err := s.GetFeedback("fb-2")
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if got.Emotion != "positive" || got.Reason != "praises breakfast" {
		t.Errorf("sentiment = %q/%q", got.Emotion, got.Reason)
	}
	if got.RAGStatus != RAGIndexed {
		t.Errorf("RAGStatus = %q, want %q", got.RAGStatus, RAGIndexed)
	}

	if err := s.SetRAGStatus("missing", RAGFailed); err != ErrNotFound {
		t.Errorf("SetRAGStatus(missing) err = %v, want ErrNotFound", err)
	}
}

func TestListFeedback(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Feedback{
		{ID: "a", UserID: 1, Content: "one", CreatedAt: base},
		{ID: "b", UserID: 2, Content: "two", CreatedAt: base.Add(time.Hour)},
		{ID: "c", UserID: 1, Content: "three", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, f := range rows {
		if err := s.SaveFeedback(f); err != nil {
			t.Fatalf("SaveFeedback(%s): %v", f.ID, err)
		}
	}

	got, err := s.ListFeedback(1, 10)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("ListFeedback(1) = %+v, want [c a]", got)
	}

	all, err := s.ListFeedback(-1, 2)
	if err != nil {
		t.Fatalf("ListFeedback(all): %v", err)
	}
	if len(all) != 2 || all[0].ID != "c" {
		t.Errorf("ListFeedback(-1, 2) = %+v", all)
	}
}

func TestCountSentiments(t *testing.T) {
	s := openTestStore(t)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		id      string
		emotion string
		at      time.Time
	}{
		{"in-1", "positive", day.Add(2 * time.Hour)},
		{"in-2", "positive", day.Add(23 * time.Hour)},
		{"in-3", "negative", day},
		{"in-4", "neutral", day.Add(12 * time.Hour)},
		{"unlabelled", "", day.Add(time.Hour)},
		{"before", "negative", day.Add(-time.Second)},
		{"after", "negative", day.Add(24 * time.Hour)},
	}
	for _, r := range rows {
		f := Feedback{ID: r.id, UserID: 1, Content: r.id, Emotion: r.emotion, CreatedAt: r.at}
		if err := s.SaveFeedback(f); err != nil {
			t.Fatalf("SaveFeedback(%s): %v", r.id, err)
		}
	}

	got, err := s.CountSentiments(day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CountSentiments: %v", err)
	}
	want := SentimentCounts{Positive: 2, Negative: 1, Neutral: 1}
	if got != want {
		t.Errorf("CountSentiments = %+v, want %+v", got, want)
	}
	if got.Total() != 4 {
		t.Errorf("Total = %d, want 4", got.Total())
	}
}

func TestDailySummaryUpsertAndList(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDailySummary("2026-03-01"); err != ErrNotFound {
		t.Fatalf("GetDailySummary on empty table: err = %v, want ErrNotFound", err)
	}

	first := DailySummary{Date: "2026-03-01", TotalFeedback: 2, Counts: SentimentCounts{Positive: 2}, PositiveRatio: 1}
	if err := s.SaveDailySummary(first); err != nil {
		t.Fatalf("SaveDailySummary: %v", err)
	}
	redo := DailySummary{Date: "2026-03-01", TotalFeedback: 4, Counts: SentimentCounts{Positive: 2, Negative: 2},
		PositiveRatio: 0.5, NegativeRatio: 0.5}
	if err := s.SaveDailySummary(redo); err != nil {
		t.Fatalf("SaveDailySummary again: %v", err)
	}
	if err := s.SaveDailySummary(DailySummary{Date: "2026-03-02", TotalFeedback: 1, Counts: SentimentCounts{Neutral: 1}, NeutralRatio: 1}); err != nil {
		t.Fatalf("SaveDailySummary: %v", err)
	}

	got, err := s.GetDailySummary("2026-03-01")
	if err != nil {
		t.Fatalf("GetDailySummary: %v", err)
	}
	if got.TotalFeedback != 4 || got.Counts.Negative != 2 || got.NegativeRatio != 0.5 {
		t.Errorf("GetDailySummary = %+v, want the replaced summary", got)
	}

	list, err := s.ListDailySummaries(10)
	if err != nil {
		t.Fatalf("ListDailySummaries: %v", err)
	}
	if len(list) != 2 || list[0].Date != "2026-03-02" || list[1].Date != "2026-03-01" {
		t.Errorf("ListDailySummaries = %+v, want newest first", list)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "feedback_ingest",
		PayloadJSON: `{"feedback_id":"fb-1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"feedback_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != job.PayloadJSON {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, job.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"feedback_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "feedback_ingest",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"feedback_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilterAndSkipsRunning(t *testing.T) {
	s := openTestStore(t)

	for _, j := range []Job{
		{ID: "j-a1", Type: "a", PayloadJSON: `{}`},
		{ID: "j-b", Type: "b", PayloadJSON: `{}`},
	} {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", j.ID, err)
		}
	}

	first, err := s.ClaimNextJob([]string{"a"})
	if err != nil || first == nil || first.ID != "j-a1" {
		t.Fatalf("ClaimNextJob(a) = %+v, %v", first, err)
	}

	again, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob(a) again: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
	if err := s.CompleteJob("missing"); err != ErrNotFound {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_RetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-retry", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	if err := s.FailJob("j-retry", "provider timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfterStr string
	var attempts int
	err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j-retry'`).
		Scan(&status, &attempts, &lastError, &runAfterStr)
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "pending" || attempts != 1 || lastError != "provider timeout" {
		t.Errorf("got status=%q attempts=%d last_error=%q", status, attempts, lastError)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}
