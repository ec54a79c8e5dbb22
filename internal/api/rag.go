package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soulstay/feedbackrag/internal/composer"
	"github.com/soulstay/feedbackrag/internal/feedback"
	"github.com/soulstay/feedbackrag/internal/retrieval"
	"github.com/soulstay/feedbackrag/internal/storage"
	"github.com/soulstay/feedbackrag/internal/summary"
)

const maxRequestBodySize = 1 << 20 // 1MB

const maxTopK = 50

// RequestRecorder observes finished HTTP requests.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, took time.Duration)
}

type AppDeps struct {
	Store   *storage.Store
	Intake  *feedback.Intake
	Service *retrieval.Service
	Token   string // empty leaves /rag unauthenticated

	// Composer, when set, adds a prompt context block to search responses.
	Composer *composer.Composer

	// Summarizer, when set, enables POST /rag/summary.
	Summarizer *summary.Summarizer

	DefaultTopK     int
	DefaultMinScore float32

	Metrics  http.Handler    // optional; served at /metrics
	Requests RequestRecorder // optional
}

type FeedbackRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
	Source string `json:"source"`
	Async  bool   `json:"async"`
}

type SearchResponse struct {
	Results []retrieval.SearchResult `json:"results"`
	Context []string                 `json:"context"`
	Prompt  string                   `json:"prompt,omitempty"`
}

type StatusResponse struct {
	Backend     string `json:"backend"`
	TotalChunks int    `json:"total_chunks"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = 3
	}

	r := chi.NewRouter()
	if deps.Requests != nil {
		r.Use(recordRequests(deps.Requests))
	}

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/rag", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/feedback", handleAddFeedback(deps))
		r.Get("/feedback", handleListFeedback(deps))
		r.Get("/feedback/{id}", handleGetFeedback(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/status", handleStatus(deps))
		r.Delete("/index", handleResetIndex(deps))
		r.Get("/summary", handleGetSummary(deps))
		if deps.Summarizer != nil {
			r.Post("/summary", handleRunSummary(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// recordRequests reports each request under its route pattern.
func recordRequests(rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.RecordRequest(r.Method, route, status, time.Since(start))
		})
	}
}

func handleAddFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}

		rc, err := deps.Intake.Submit(r.Context(), req.UserID, req.Text, req.Source, req.Async)
		if errors.Is(err, feedback.ErrEmptyFeedback) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save feedback: %v", err)
			return
		}

		code := http.StatusOK
		if rc.JobID != "" {
			code = http.StatusAccepted
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(rc)
	}
}

func handleListFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		userID := int64(-1)
		if s := r.URL.Query().Get("user_id"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid user_id: %q", s)
				return
			}
			userID = v
		}

		rows, err := deps.Store.ListFeedback(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list feedback: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.Feedback{}
		}
		writeJSON(w, rows)
	}
}

func handleGetFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fb, err := deps.Store.GetFeedback(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "feedback not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get feedback: %v", err)
			return
		}
		writeJSON(w, fb)
	}
}

// handleSearch never fails on retrieval problems: the service degrades to
// an empty result, which is returned as such.
func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := q.Get("q")
		topK := parseIntParam(r, "top_k", deps.DefaultTopK, maxTopK)

		minScore := deps.DefaultMinScore
		if s := strings.TrimSpace(q.Get("min_score")); s != "" {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid min_score: %q", s)
				return
			}
			minScore = float32(v)
		}

		results := deps.Service.SearchSimilar(r.Context(), query, topK, minScore)
		resp := SearchResponse{
			Results: results,
			Context: feedback.ContextPassages(results),
		}
		if deps.Composer != nil && strings.TrimSpace(query) != "" {
			resp.Prompt = deps.Composer.Compose(query, results)
		}
		writeJSON(w, resp)
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend, n, err := deps.Service.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "index_error", "failed to read index status: %v", err)
			return
		}
		writeJSON(w, StatusResponse{Backend: backend, TotalChunks: n})
	}
}

func handleResetIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Index().DeleteAll(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "index_error", "failed to clear index: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

// handleGetSummary returns the summary of ?date=, or the latest one.
func handleGetSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			latest, err := deps.Store.ListDailySummaries(1)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list summaries: %v", err)
				return
			}
			if len(latest) == 0 {
				httpError(w, http.StatusNotFound, "not_found", "no daily summary yet")
				return
			}
			writeJSON(w, latest[0])
			return
		}

		if _, err := summary.ParseDate(date); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sum, err := deps.Store.GetDailySummary(date)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no summary for %s", date)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get summary: %v", err)
			return
		}
		writeJSON(w, sum)
	}
}

// handleRunSummary computes the summary of ?date= now. Without a date it
// summarizes yesterday (UTC), as the nightly run does.
func handleRunSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if date := r.URL.Query().Get("date"); date != "" {
			d, err := summary.ParseDate(date)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			day = d
		}

		sum, err := deps.Summarizer.Summarize(day)
		if errors.Is(err, summary.ErrNoFeedback) {
			httpError(w, http.StatusNotFound, "not_found", "no classified feedback on %s", day.Format(summary.DateLayout))
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to summarize: %v", err)
			return
		}
		writeJSON(w, sum)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
