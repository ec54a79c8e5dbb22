package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soulstay/feedbackrag/internal/api"
	"github.com/soulstay/feedbackrag/internal/config"
	"github.com/soulstay/feedbackrag/internal/importer"
	"github.com/soulstay/feedbackrag/internal/ingest"
	"github.com/soulstay/feedbackrag/internal/summary"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the soulstay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		watch, _ := cmd.Flags().GetBool("watch")
		return runServer(withMCP, watch)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running soulstay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().Bool("watch", false, "import files dropped into the import directory")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "soulstay.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP, watch bool) error {
	fmt.Fprintf(os.Stderr, "soulstay version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setDefaultLogger(cfg)

	if cfg.Server.Token == "" {
		slog.Warn("server.token is empty, /rag endpoints accept unauthenticated requests")
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("soulstay is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("soulstay is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Store:           a.store,
		Intake:          a.intake,
		Service:         a.service,
		Composer:        a.composer,
		Summarizer:      a.summary,
		Token:           cfg.Server.Token,
		DefaultTopK:     cfg.Retrieval.TopK,
		DefaultMinScore: float32(cfg.Retrieval.MinScore),
		Metrics:         a.metrics.Handler(),
		Requests:        a.metrics,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	worker := ingest.NewWorker(a.store, a.intake, 500*time.Millisecond, a.logger)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if cfg.Summary.Enabled {
		sched := summary.NewScheduler(a.summary, cfg.Summary.Hour, a.logger)
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}

	if watch {
		w := importer.NewWatcher(a.importer, cfg.ImportDir(), importer.DefaultSettle)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("import watcher stopped", "dir", cfg.ImportDir(), "error", err)
			}
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:       a.store,
			Intake:      a.intake,
			Service:     a.service,
			Composer:        a.composer,
			DefaultTopK:     cfg.Retrieval.TopK,
			DefaultMinScore: float32(cfg.Retrieval.MinScore),
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "soulstay listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("soulstay is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop soulstay (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to soulstay (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	running := client.healthy(ctx)
	if running {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	printStatus("Provider", "%s", cfg.Embedding.Provider)
	printStatus("Index backend", "%s", cfg.Index.Backend)
	printStatus("Reranking", "%s", cfg.Reranking.Mode)

	if running {
		resp, err := client.get(ctx, "/rag/status")
		if err == nil {
			var st api.StatusResponse
			if decodeJSON(resp, &st) == nil {
				printStatus("Indexed chunks", "%d", st.TotalChunks)
			}
		}
	} else {
		a, err := buildApp(ctx, cfg, appOptions{skipReadiness: true})
		if err != nil {
			printStatus("Indexed chunks", "unavailable (%v)", err)
		} else {
			defer a.Close()
			if _, n, err := a.service.Status(ctx); err != nil {
				printStatus("Indexed chunks", "unavailable (%v)", err)
			} else {
				printStatus("Indexed chunks", "%d", n)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Import dir", "%s", cfg.ImportDir())
	return nil
}
