// Command wardline is the main entry point for the Wardline voice relay
// server. It bridges browser callers to a realtime speech provider and
// grounds their questions in the hospital knowledge base.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greenview-ai/wardline/internal/app"
	"github.com/greenview-ai/wardline/internal/config"
	"github.com/greenview-ai/wardline/internal/observe"
	"github.com/greenview-ai/wardline/pkg/knowledge/ingest"
	"github.com/greenview-ai/wardline/pkg/knowledge/postgres"
	oaembed "github.com/greenview-ai/wardline/pkg/provider/embeddings/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	ingestPath := flag.String("ingest", "", "ingest the UTF-8 text document at this path into the knowledge base, then exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wardline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wardline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ingest mode ───────────────────────────────────────────────────────────
	if *ingestPath != "" {
		if err := runIngest(ctx, cfg, *ingestPath); err != nil {
			slog.Error("ingest failed", "path", *ingestPath, "err", err)
			return 1
		}
		return 0
	}

	slog.Info("wardline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "wardline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runIngest connects the embeddings provider and the passage store, then
// pushes one document through the ingestion pipeline.
func runIngest(ctx context.Context, cfg *config.Config, path string) error {
	if cfg.Knowledge.PostgresDSN == "" {
		return errors.New("knowledge.postgres_dsn is required for ingestion")
	}

	var embedOpts []oaembed.Option
	if cfg.Embeddings.BaseURL != "" {
		embedOpts = append(embedOpts, oaembed.WithBaseURL(cfg.Embeddings.BaseURL))
	}
	embedder, err := oaembed.New(cfg.Embeddings.APIKey, cfg.Embeddings.Model, embedOpts...)
	if err != nil {
		return fmt.Errorf("create embeddings provider: %w", err)
	}

	store, err := postgres.NewStore(ctx, cfg.Knowledge.PostgresDSN, embedder)
	if err != nil {
		return fmt.Errorf("connect knowledge store: %w", err)
	}
	defer store.Close()

	pipeline := ingest.New(store, embedder,
		ingest.WithChunking(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap),
	)

	n, err := pipeline.IngestFile(ctx, path)
	if err != nil {
		return err
	}
	slog.Info("document ingested", "path", path, "chunks", n)
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Wardline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Realtime", cfg.Realtime.Model+" / "+cfg.Realtime.Voice)
	printEntry("Completion", cfg.Completion.Provider+" / "+cfg.Completion.Model)
	printEntry("Embeddings", cfg.Embeddings.Model)
	if cfg.Knowledge.PostgresDSN != "" {
		printEntry("Knowledge", cfg.Knowledge.Facility)
	} else {
		printEntry("Knowledge", "(not configured)")
	}
	printEntry("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printEntry("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
