package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kalambet/pharmarag/internal/api"
	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/composer"
	"github.com/kalambet/pharmarag/internal/config"
	"github.com/kalambet/pharmarag/internal/ingest"
	"github.com/kalambet/pharmarag/internal/llm"
	"github.com/kalambet/pharmarag/internal/ollama"
	"github.com/kalambet/pharmarag/internal/pipeline"
	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pharmarag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pharmarag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, knowledge base and data freshness status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pharmarag.pid")
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

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newProvider builds the embedding provider. An unreachable Ollama is not
// fatal: reports fall back until it comes up.
func newProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (retrieval.Provider, func()) {
	var (
		provider  retrieval.Provider
		namespace string
	)
	switch cfg.Embedding.Provider {
	case "hash":
		provider = retrieval.NewHashEmbedder(cfg.Embedding.Dimensions)
		namespace = fmt.Sprintf("hash:%d", cfg.Embedding.Dimensions)
	default:
		client := ollama.New(cfg.Embedding.BaseURL)
		if _, err := ollama.EnsureReady(ctx, client, cfg.Embedding.Model, os.Stderr); err != nil {
			logger.Warn("embedding backend not ready, reports will fall back until it is", "error", err)
		}
		provider = retrieval.NewEmbedder(client, cfg.Embedding.Model, cfg.Embedding.Timeout)
		namespace = "ollama:" + cfg.Embedding.Model
	}

	if cfg.Cache.RedisAddr == "" {
		return provider, func() {}
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Cache.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("embedding cache unreachable, continuing without hits until it is", "addr", cfg.Cache.RedisAddr, "error", err)
	} else {
		logger.Info("embedding cache enabled", "addr", cfg.Cache.RedisAddr)
	}
	return retrieval.NewCachedProvider(provider, rdb, namespace, cfg.Cache.TTL), func() { rdb.Close() }
}

// docsDirSource tags knowledge docs submitted from the docs directory so a
// restart does not queue them again.
const docsDirSource = "docs_dir:"

// submitDocsDir queues every readable document under dir that has not been
// submitted before.
func submitDocsDir(dir string, store *storage.Store, sub *ingest.Submitter, logger *slog.Logger) (int, error) {
	existing, err := store.ListKnowledgeDocs(10000)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, d := range existing {
		seen[d.Source] = true
	}

	queued := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		source := docsDirSource + filepath.ToSlash(rel)
		if seen[source] {
			return nil
		}
		title, text, err := ingest.LoadFile(path)
		if errors.Is(err, ingest.ErrUnsupportedFormat) {
			logger.Debug("docs: skipping unsupported file", "path", path)
			return nil
		}
		if err != nil {
			logger.Warn("docs: reading file", "path", path, "error", err)
			return nil
		}
		if _, err := sub.Submit(ingest.Document{Title: title, Source: source, Content: text}); err != nil {
			logger.Warn("docs: queueing file", "path", path, "error", err)
			return nil
		}
		queued++
		return nil
	})
	return queued, err
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "pharmarag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	provider, closeCache := newProvider(ctx, cfg, logger)
	defer closeCache()

	vectors := retrieval.NewSQLiteStore(store)
	index := retrieval.NewIndex(provider, vectors)
	retriever := retrieval.NewRetriever(index, retrieval.RetrieverOptions{
		Routing:        cfg.Routing,
		Threshold:      float32(cfg.Retrieval.Threshold),
		PerCollectionK: cfg.Retrieval.PerCollectionK,
		Logger:         logger,
	})

	coll := collector.New(index, collector.Options{
		BaseURL: cfg.Collector.BaseURL,
		Timeout: cfg.Collector.Timeout,
		RLModel: cfg.Collector.RLModel,
		Logger:  logger,
	})
	sources := cfg.CollectorSources()
	if err := coll.Snapshot().Restore(ctx, vectors, sources); err != nil {
		logger.Warn("restoring snapshot from stored observations", "error", err)
	}
	if cfg.Collector.Enabled {
		worker := collector.NewWorker(coll, index, collector.WorkerOptions{
			Sources:         sources,
			Interval:        cfg.Collector.Interval,
			Retention:       cfg.Retention.Window,
			CleanupInterval: cfg.Retention.CleanupInterval,
			Logger:          logger,
		})
		worker.Start(ctx)
		defer worker.Stop()
		logger.Info("collection worker started", "interval", cfg.Collector.Interval, "sources", len(sources))
	}

	if cfg.Docs.SeedDefaults {
		n, err := ingest.SeedDefaults(ctx, index, time.Now())
		if err != nil {
			logger.Warn("seeding default documentation", "error", err)
		} else if n > 0 {
			logger.Info("seeded default documentation", "documents", n)
		}
	}
	submitter := ingest.NewSubmitter(store, cfg.Docs.ChunkSize)
	if cfg.Docs.Dir != "" {
		n, err := submitDocsDir(cfg.Docs.Dir, store, submitter, logger)
		if err != nil {
			logger.Warn("scanning docs directory", "dir", cfg.Docs.Dir, "error", err)
		} else if n > 0 {
			logger.Info("queued documents from docs directory", "dir", cfg.Docs.Dir, "documents", n)
		}
	}
	go ingest.NewWorker(store, index, 0).Run(ctx)

	llmClient := llm.New(llm.Options{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Timeout:        cfg.LLM.Timeout,
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: cfg.LLM.InitialBackoff,
		Logger:         logger,
	})
	if !llmClient.Available() {
		logger.Warn("llm.api_key is not set, every report will use the template fallback")
	}

	assembler := pipeline.New(retriever, composer.New(cfg.Retrieval.MaxPromptChars), llmClient, coll.Snapshot(), pipeline.Options{
		Budget:      cfg.Retrieval.Budget,
		Deadline:    cfg.Report.Deadline,
		Preferences: cfg.Preferences(),
		Store:       store,
		Logger:      logger,
	})

	deps := api.Deps{
		Reports:   assembler,
		History:   store,
		Index:     index,
		Collector: coll,
		Snapshot:  coll.Snapshot(),
		Docs:      submitter,
		Jobs:      store,
		Token:     cfg.Server.APIToken,
		Logger:    logger,
	}
	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token is not set, /api is unauthenticated")
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pharmarag listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight reports are bounded by the report deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Report.Deadline+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("pharmarag is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop pharmarag (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to pharmarag (PID %d)", pid)
	return nil
}

type statusView struct {
	Collections map[string]int       `json:"collections"`
	Freshness   map[string]time.Time `json:"freshness"`
	Jobs        map[string]int       `json:"jobs"`
}

func showStatus(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus(w, "Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus(w, "Server", "running at %s", client.baseURL)
		} else {
			printStatus(w, "Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus(w, "Embedding", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	llmState := "no api key, template fallback only"
	if cfg.LLM.APIKey != "" {
		llmState = cfg.LLM.BaseURL
	}
	printStatus(w, "LLM", "%s (%s)", cfg.LLM.Model, llmState)
	printStatus(w, "Collector", "%s every %s", cfg.Collector.BaseURL, cfg.Collector.Interval)

	if running {
		resp, err := client.get(ctx, "/api/knowledge/status")
		if err == nil {
			var st statusView
			if err := decodeJSON(resp, &st); err != nil {
				printWarning("knowledge status: %v", err)
			} else {
				printKnowledgeStatus(w, st, time.Now())
			}
		}
	}

	printStatus(w, "Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printKnowledgeStatus(w io.Writer, st statusView, now time.Time) {
	for _, col := range retrieval.AllCollections {
		printStatus(w, "Collection "+col, "%d records", st.Collections[col])
	}
	for _, src := range collector.AllSources {
		at, ok := st.Freshness[string(src)]
		if !ok {
			printStatus(w, "Source "+string(src), "no observations")
			continue
		}
		printStatus(w, "Source "+string(src), "%s (%s ago)", at.Format(time.RFC3339), now.Sub(at).Truncate(time.Second))
	}
	if len(st.Jobs) > 0 {
		printStatus(w, "Index jobs", "%d pending, %d running, %d failed", st.Jobs["pending"], st.Jobs["running"], st.Jobs["failed"])
	}
}
