// Package feedback runs the guest feedback intake flow: store the
// submission, tag it with a sentiment label, then index it for retrieval.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soulstay/feedbackrag/internal/ingest"
	"github.com/soulstay/feedbackrag/internal/retrieval"
	"github.com/soulstay/feedbackrag/internal/sentiment"
	"github.com/soulstay/feedbackrag/internal/storage"
)

// ErrEmptyFeedback is returned by Submit for blank text.
var ErrEmptyFeedback = errors.New("feedback text is empty")

// MetaFeedbackID links an indexed chunk back to its feedback row.
const MetaFeedbackID = "feedback_id"

// Classifier labels the sentiment of a feedback text.
type Classifier interface {
	Classify(ctx context.Context, text string) (sentiment.Result, error)
}

// Receipt describes what happened to one submission.
type Receipt struct {
	FeedbackID string               `json:"feedback_id"`
	JobID      string               `json:"job_id,omitempty"`
	Emotion    sentiment.Label      `json:"emotion,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Status     string               `json:"rag_status"`
	Outcome    retrieval.AddOutcome `json:"-"`
}

// Intake stores feedback and feeds it to the retrieval service.
type Intake struct {
	store      *storage.Store
	service    *retrieval.Service
	classifier Classifier
	logger     *slog.Logger
}

// NewIntake creates an Intake. classifier may be nil, in which case
// feedback is indexed without emotion metadata.
func NewIntake(store *storage.Store, service *retrieval.Service, classifier Classifier, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		store:      store,
		service:    service,
		classifier: classifier,
		logger:     logger,
	}
}

// Submit saves the feedback and either indexes it right away or, when async
// is set, leaves that to the ingest worker. Only a failure to save the
// primary record is returned as an error.
func (in *Intake) Submit(ctx context.Context, userID int64, text, source string, async bool) (Receipt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Receipt{}, ErrEmptyFeedback
	}

	fb := storage.Feedback{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   text,
		Source:    source,
		RAGStatus: storage.RAGPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := in.store.SaveFeedback(fb); err != nil {
		return Receipt{}, fmt.Errorf("saving feedback: %w", err)
	}

	if async {
		jobID, err := ingest.Enqueue(in.store, fb.ID)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{FeedbackID: fb.ID, JobID: jobID, Status: storage.RAGPending}, nil
	}

	rc, err := in.Ingest(ctx, fb.ID)
	if err != nil {
		in.logger.Error("feedback indexing failed", "feedback_id", fb.ID, "user_id", userID, "error", err)
	}
	return rc, nil
}

// Process implements ingest.Processor.
func (in *Intake) Process(ctx context.Context, feedbackID string) error {
	_, err := in.Ingest(ctx, feedbackID)
	return err
}

// Ingest classifies a stored feedback row and adds it to the index. Rows
// that already reached a final state are returned unchanged. The error is
// non-nil only when the row cannot be loaded or indexing failed, so a
// queued job is retried.
func (in *Intake) Ingest(ctx context.Context, feedbackID string) (Receipt, error) {
	fb, err := in.store.GetFeedback(feedbackID)
	if err != nil {
		return Receipt{}, fmt.Errorf("loading feedback %s: %w", feedbackID, err)
	}

	rc := Receipt{
		FeedbackID: fb.ID,
		Emotion:    sentiment.Label(fb.Emotion),
		Reason:     fb.Reason,
		Status:     fb.RAGStatus,
	}
	switch fb.RAGStatus {
	case storage.RAGIndexed, storage.RAGDuplicate, storage.RAGSkipped:
		return rc, nil
	}

	if fb.Emotion == "" && in.classifier != nil {
		res, err := in.classifier.Classify(ctx, fb.Content)
		if err != nil {
			in.logger.Warn("sentiment classification failed", "feedback_id", fb.ID, "error", err)
		} else {
			rc.Emotion, rc.Reason = res.Emotion, res.Reason
			if err := in.store.SetSentiment(fb.ID, string(res.Emotion), res.Reason); err != nil {
				in.logger.Warn("saving sentiment failed", "feedback_id", fb.ID, "error", err)
			}
		}
	}

	meta := retrieval.Metadata{MetaFeedbackID: fb.ID}
	if fb.Source != "" {
		meta[retrieval.MetaSource] = fb.Source
	}
	if rc.Emotion != "" {
		meta[retrieval.MetaEmotion] = string(rc.Emotion)
		meta[retrieval.MetaReason] = rc.Reason
	}

	rc.Outcome = in.service.AddFeedback(ctx, fb.UserID, fb.Content, meta)
	rc.Status = ragStatus(rc.Outcome.Status)
	if err := in.store.SetRAGStatus(fb.ID, rc.Status); err != nil {
		in.logger.Warn("saving rag status failed", "feedback_id", fb.ID, "error", err)
	}

	if rc.Outcome.Status == retrieval.AddFailed {
		return rc, fmt.Errorf("indexing feedback %s: %w", fb.ID, rc.Outcome.Err)
	}
	return rc, nil
}

func ragStatus(s retrieval.AddStatus) string {
	switch s {
	case retrieval.AddInserted:
		return storage.RAGIndexed
	case retrieval.AddDuplicate:
		return storage.RAGDuplicate
	case retrieval.AddSkipped:
		return storage.RAGSkipped
	default:
		return storage.RAGFailed
	}
}

// ContextPassages returns the distinct texts of results in order, ready to
// be joined into an LLM prompt.
func ContextPassages(results []retrieval.SearchResult) []string {
	seen := make(map[string]struct{}, len(results))
	out := make([]string, 0, len(results))
	for _, r := range results {
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		out = append(out, r.Text)
	}
	return out
}
