package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soulstay/feedbackrag/internal/api"
	"github.com/soulstay/feedbackrag/internal/config"
	"github.com/soulstay/feedbackrag/internal/feedback"
	"github.com/soulstay/feedbackrag/internal/importer"
	"github.com/soulstay/feedbackrag/internal/retrieval"
	"github.com/soulstay/feedbackrag/internal/storage"
)

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Submit a feedback text to the running server",
	Long: `Submit a feedback text to the running server.

Examples:
  soulstay add --user 7 "직원이 불친절했어요"
  soulstay add --async "The pool was cold"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		source, _ := cmd.Flags().GetString("source")
		async, _ := cmd.Flags().GetBool("async")

		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("feedback text is empty")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/rag/feedback", api.FeedbackRequest{
			UserID: userID,
			Text:   text,
			Source: source,
			Async:  async,
		})
		if err != nil {
			return err
		}

		var rc feedback.Receipt
		if err := decodeJSON(resp, &rc); err != nil {
			return err
		}

		if rc.JobID != "" {
			printSuccess("Queued feedback %s (job %s)", rc.FeedbackID, rc.JobID)
			return nil
		}
		printSuccess("Saved feedback %s: %s", rc.FeedbackID, rc.Status)
		if rc.Emotion != "" {
			printStatus("Sentiment", "%s", rc.Emotion)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().Int64("user", 0, "guest user id")
	addCmd.Flags().String("source", "cli", "where the feedback came from")
	addCmd.Flags().Bool("async", false, "queue indexing instead of waiting for it")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find stored feedback similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		showPrompt, _ := cmd.Flags().GetBool("prompt")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		if topK > 0 {
			params.Set("top_k", strconv.Itoa(topK))
		}
		if cmd.Flags().Changed("min-score") {
			params.Set("min_score", strconv.FormatFloat(minScore, 'f', -1, 64))
		}

		resp, err := client.get(cmd.Context(), "/rag/search?"+params.Encode())
		if err != nil {
			return err
		}

		var result api.SearchResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if showPrompt && result.Prompt != "" {
			fmt.Print(result.Prompt)
			return nil
		}

		if len(result.Results) == 0 {
			fmt.Println("No similar feedback found.")
			return nil
		}

		for i, r := range result.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			if emotion := r.Metadata.String(retrieval.MetaEmotion); emotion != "" {
				fmt.Printf("  Sentiment: %s\n", emotion)
			}
			fmt.Printf("  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("top-k", 0, "maximum number of results (default from config)")
	searchCmd.Flags().Float64("min-score", 0, "minimum similarity score")
	searchCmd.Flags().Bool("prompt", false, "print the composed reply context instead of the results")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Browse stored feedback",
}

var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		if cmd.Flags().Changed("user") {
			userID, _ := cmd.Flags().GetInt64("user")
			params.Set("user_id", strconv.FormatInt(userID, 10))
		}

		resp, err := client.get(cmd.Context(), "/rag/feedback?"+params.Encode())
		if err != nil {
			return err
		}

		var rows []struct {
			ID        string `json:"id"`
			UserID    int64  `json:"user_id"`
			Content   string `json:"content"`
			Emotion   string `json:"emotion"`
			RAGStatus string `json:"rag_status"`
		}
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println("No feedback found.")
			return nil
		}

		for _, fb := range rows {
			fmt.Printf("%s  user %-4d %-9s %-8s %s\n",
				colorize(colorCyan, shortID(fb.ID)),
				fb.UserID,
				fb.RAGStatus,
				fb.Emotion,
				truncate(fb.Content, 80),
			)
		}
		return nil
	},
}

var feedbackShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single feedback record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/rag/feedback/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var fb any
		if err := decodeJSON(resp, &fb); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(fb)
	},
}

func init() {
	feedbackListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	feedbackListCmd.Flags().Int64("user", 0, "only list feedback of this user")
	feedbackCmd.AddCommand(feedbackListCmd)
	feedbackCmd.AddCommand(feedbackShowCmd)
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the daily sentiment summary",
	Long: `Show the daily sentiment summary. Without --date the latest stored
summary is shown. --refresh computes the summary now (yesterday, UTC, when
no date is given) instead of reading the stored one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		refresh, _ := cmd.Flags().GetBool("refresh")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sum, err := fetchSummary(cmd.Context(), client, date, refresh)
		if err != nil {
			return err
		}

		printStatus("Date", "%s", sum.Date)
		printStatus("Feedback", "%d", sum.TotalFeedback)
		printStatus("Positive", "%.1f%% (%d)", sum.PositiveRatio*100, sum.Counts.Positive)
		printStatus("Negative", "%.1f%% (%d)", sum.NegativeRatio*100, sum.Counts.Negative)
		printStatus("Neutral", "%.1f%% (%d)", sum.NeutralRatio*100, sum.Counts.Neutral)
		return nil
	},
}

func fetchSummary(ctx context.Context, client *apiClient, date string, refresh bool) (storage.DailySummary, error) {
	path := "/rag/summary"
	if date != "" {
		path += "?" + url.Values{"date": {date}}.Encode()
	}

	var resp *http.Response
	var err error
	if refresh {
		resp, err = client.post(ctx, path, nil)
	} else {
		resp, err = client.get(ctx, path)
	}
	if err != nil {
		return storage.DailySummary{}, err
	}

	var sum storage.DailySummary
	if err := decodeJSON(resp, &sum); err != nil {
		return storage.DailySummary{}, err
	}
	return sum, nil
}

func init() {
	summaryCmd.Flags().String("date", "", "day to show, YYYY-MM-DD (UTC)")
	summaryCmd.Flags().Bool("refresh", false, "compute the summary now")
}

// --- import / watch ---

var importCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import csv, pdf and txt files into the index",
	Long: `Import csv, pdf and txt files into the index.

Each csv row becomes one feedback document; pdf and txt files are imported
whole. The directory defaults to import.dir. Files already imported come back
as duplicates and are not indexed twice.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")

		a, dir, err := openLocalApp(cmd.Context(), args)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Importing %s...", dir)
		rep, err := a.importer.ImportDir(cmd.Context(), dir, reset)
		if err != nil {
			return err
		}
		printReport(rep)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Import files as they appear in the import directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, dir, err := openLocalApp(ctx, args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating import dir: %w", err)
		}

		printStep("Importing existing files in %s...", dir)
		rep, err := a.importer.ImportDir(ctx, dir, false)
		if err != nil {
			return err
		}
		printReport(rep)

		printStep("Watching %s (Ctrl-C to stop)", dir)
		return importer.NewWatcher(a.importer, dir, importer.DefaultSettle).Run(ctx)
	},
}

func init() {
	importCmd.Flags().Bool("reset", false, "clear the index before importing")
}

// openLocalApp builds the components in-process for commands that work
// without a running server. The directory argument defaults to import.dir.
// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the local SQLite index into the configured vector backend",
	Long: `Copy the local SQLite index into the configured vector backend.

Stored embeddings are copied as they are, so the embedding provider is not
called. Set index.backend to chroma or qdrant first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setDefaultLogger(cfg)
		if cfg.Index.Backend == config.BackendSQLite {
			return fmt.Errorf("index.backend is %s; set it to %s or %s first",
				config.BackendSQLite, config.BackendChroma, config.BackendQdrant)
		}
		batch, _ := cmd.Flags().GetInt("batch")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		dst, err := buildVectorStore(cmd.Context(), cfg, store)
		if err != nil {
			return err
		}
		if c, ok := dst.(io.Closer); ok {
			defer c.Close()
		}

		printStep("Copying local index to %s...", dst.Name())
		n, err := migrateIndex(cmd.Context(), retrieval.NewSQLiteStore(store.DB()), dst, batch)
		if err != nil {
			return err
		}
		printSuccess("Copied %d chunks", n)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("batch", 100, "chunks per insert call")
}

func openLocalApp(ctx context.Context, args []string) (*app, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	setDefaultLogger(cfg)

	dir := cfg.ImportDir()
	if len(args) > 0 {
		dir = args[0]
	}

	a, err := buildApp(ctx, cfg, appOptions{})
	if err != nil {
		return nil, "", err
	}
	return a, dir, nil
}

func printReport(rep importer.Report) {
	printSuccess("Imported %d documents from %d files", rep.Documents, rep.Files)
	printStatus("Inserted", "%d", rep.Inserted)
	printStatus("Duplicates", "%d", rep.Duplicates)
	if rep.Skipped > 0 {
		printStatus("Skipped", "%d", rep.Skipped)
	}
	if rep.Failed > 0 {
		printWarning("%d documents failed, see log for details", rep.Failed)
	}
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every chunk from the vector index",
	Long: `Delete every chunk from the vector index. Stored feedback records are
kept and can be re-indexed by importing them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed chunks. Use --confirm to proceed.")
			return nil
		}

		// A running server owns the index; clear it there.
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if client.healthy(cmd.Context()) {
			resp, err := client.delete(cmd.Context(), "/rag/index")
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Index cleared")
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setDefaultLogger(cfg)

		a, err := buildApp(cmd.Context(), cfg, appOptions{skipReadiness: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.service.Index().DeleteAll(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Index cleared (%s)", a.vectors.Name())
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm index reset")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
