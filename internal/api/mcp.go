package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/soulstay/feedbackrag/internal/composer"
	"github.com/soulstay/feedbackrag/internal/feedback"
	"github.com/soulstay/feedbackrag/internal/retrieval"
	"github.com/soulstay/feedbackrag/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Intake      *feedback.Intake
	Service     *retrieval.Service
	Composer    *composer.Composer // nil disables compose_reply_context
	DefaultTopK int

	// DefaultMinScore applies when a search call omits min_score.
	DefaultMinScore float32
}

// NewMCPServer creates an MCP server with the feedback tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = 3
	}

	s := server.NewMCPServer(
		"soulstay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("soulstay: guest feedback store with semantic search over past hotel reviews."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_feedback",
			mcp.WithDescription("Store a guest feedback text, tag its sentiment and index it for similarity search."),
			mcp.WithString("text", mcp.Description("The feedback text"), mcp.Required()),
			mcp.WithNumber("user_id", mcp.Description("Guest user id (default 0)")),
			mcp.WithString("source", mcp.Description("Where the feedback came from (default mcp)")),
		),
		mcpAddFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("search_similar_feedback",
			mcp.WithDescription("Find stored feedback passages most similar to a query, best match first."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description(fmt.Sprintf("Maximum number of results (default %d)", deps.DefaultTopK))),
			mcp.WithNumber("min_score", mcp.Description(fmt.Sprintf("Minimum similarity score, -1 to 1 (default %g)", deps.DefaultMinScore))),
		),
		mcpSearchSimilar(deps),
	)

	if deps.Composer != nil {
		s.AddTool(
			mcp.NewTool("compose_reply_context",
				mcp.WithDescription("Build the prompt context for answering a guest message: similar past feedback, best first, followed by the message."),
				mcp.WithString("message", mcp.Description("The guest message to answer"), mcp.Required()),
				mcp.WithNumber("top_k", mcp.Description(fmt.Sprintf("Maximum number of passages (default %d)", deps.DefaultTopK))),
			),
			mcpComposeContext(deps),
		)
	}

	s.AddTool(
		mcp.NewTool("index_stats",
			mcp.WithDescription("Report the vector index backend and its number of stored chunks."),
		),
		mcpIndexStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"feedback://recent",
			"Recent Feedback",
			mcp.WithResourceDescription("Last 10 feedback submissions with their sentiment"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAddFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		userID := int64(req.GetInt("user_id", 0))
		source := req.GetString("source", "mcp")

		rc, err := deps.Intake.Submit(ctx, userID, text, source, false)
		if errors.Is(err, feedback.ErrEmptyFeedback) {
			return mcpError("text is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save feedback: %v", err)), nil
		}

		b, err := json.Marshal(rc)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal receipt: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		topK := req.GetInt("top_k", deps.DefaultTopK)
		if topK > maxTopK {
			topK = maxTopK
		}
		minScore := float32(req.GetFloat("min_score", float64(deps.DefaultMinScore)))

		results := deps.Service.SearchSimilar(ctx, query, topK, minScore)
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpComposeContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}
		topK := req.GetInt("top_k", deps.DefaultTopK)
		if topK > maxTopK {
			topK = maxTopK
		}

		results := deps.Service.SearchSimilar(ctx, message, topK, deps.DefaultMinScore)
		return mcpText(deps.Composer.Compose(message, results)), nil
	}
}

func mcpIndexStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		backend, n, err := deps.Service.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read index status: %v", err)), nil
		}
		b, err := json.Marshal(StatusResponse{Backend: backend, TotalChunks: n})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rows, err := deps.Store.ListFeedback(-1, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent feedback: %w", err)
		}

		type feedbackSummary struct {
			ID        string `json:"id"`
			UserID    int64  `json:"user_id"`
			CreatedAt string `json:"created_at"`
			Emotion   string `json:"emotion,omitempty"`
			Text      string `json:"text"`
		}

		summaries := make([]feedbackSummary, len(rows))
		for i, fb := range rows {
			text := fb.Content
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = feedbackSummary{
				ID:        fb.ID,
				UserID:    fb.UserID,
				CreatedAt: fb.CreatedAt.Format(time.RFC3339),
				Emotion:   fb.Emotion,
				Text:      text,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal feedback: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
