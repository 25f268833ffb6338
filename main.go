package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"scadloop/internal/database"
	"scadloop/internal/libfetch"
	"scadloop/internal/lineage"
	"scadloop/internal/loop"
	"scadloop/internal/metrics"
	"scadloop/internal/regen"
	"scadloop/internal/rpc"
	"scadloop/internal/sandbox"
	"scadloop/internal/validate"
)

const (
	defaultCompiler   = "openscad"
	defaultLibraryDir = "libraries"
	defaultRegenURL   = "https://api.cerebras.ai/v1"
	defaultRegenModel = "llama3.1-8b"
)

type Worker struct {
	workerID    string
	lifecycleDB *sql.DB
	outputDB    *sql.DB
	metadataDB  *sql.DB
	registry    *sandbox.Registry
	server      *rpc.Server
	ctx         context.Context
	cancel      context.CancelFunc
}

func main() {
	// stdout carries JSON-RPC; all logging goes to stderr
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	w := &Worker{
		workerID: fmt.Sprintf("scadloop-%d", time.Now().Unix()),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if err := w.initDatabases(); err != nil {
		slog.Error("failed to initialize databases", "error", err)
		os.Exit(1)
	}
	defer w.closeDatabases()

	metaDB := database.NewMetadataDB(w.metadataDB)
	metaDB.RecordTelemetryEvent("startup", fmt.Sprintf("worker %s starting", w.workerID))

	if err := w.initServer(metaDB); err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := w.server.Serve(os.Stdin, os.Stdout); err != nil {
			slog.Error("rpc server error", "error", err)
		}
		w.cancel()
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	slog.Info("worker started", "worker_id", w.workerID)

	for {
		select {
		case <-ticker.C:
			w.sendHeartbeat()
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig.String())
			w.shutdown(metaDB)
			return
		case <-w.ctx.Done():
			w.shutdown(metaDB)
			return
		}
	}
}

func (w *Worker) initDatabases() error {
	var err error

	dbHelper := database.New()

	w.lifecycleDB, err = dbHelper.InitLifecycleDB("scadloop.lifecycle.db")
	if err != nil {
		return fmt.Errorf("lifecycle DB: %w", err)
	}

	w.outputDB, err = dbHelper.InitOutputDB("scadloop.output.db")
	if err != nil {
		return fmt.Errorf("output DB: %w", err)
	}

	w.metadataDB, err = dbHelper.InitMetadataDB("scadloop.metadata.db")
	if err != nil {
		return fmt.Errorf("metadata DB: %w", err)
	}

	slog.Info("databases initialized")
	return nil
}

// initServer wires the validator, sandbox, regeneration client, loop
// manager and lineage store behind the stdio JSON-RPC server
func (w *Worker) initServer(metaDB *database.MetadataDB) error {
	registry, err := sandbox.NewRegistry("scadloop.registry.db")
	if err != nil {
		return fmt.Errorf("compile registry: %w", err)
	}
	w.registry = registry

	fetcher := libfetch.New(envOr("SCADLOOP_LIBRARY_DIR", defaultLibraryDir))
	if baseURL := os.Getenv("SCADLOOP_LIBRARY_URL"); baseURL != "" {
		fetcher = fetcher.WithBaseURL(baseURL)
	}

	engine := sandbox.NewEngine(envOr("SCADLOOP_COMPILER", defaultCompiler)).
		WithFetcher(fetcher).
		WithRegistry(registry)

	repairer := w.buildRepairer(metaDB)

	histogram := metrics.NewHistogram(w.outputDB)

	manager := loop.NewManager(validate.NewDefault(), engine, repairer).
		WithLifecycle(database.NewLifecycleDB(w.lifecycleDB)).
		WithLatencyHistogram(histogram)

	store := lineage.NewStore().
		WithLifecycle(database.NewLifecycleDB(w.lifecycleDB))

	w.server = rpc.NewServer(manager, store, database.NewOutputDB(w.outputDB)).
		WithHistogram(histogram)
	return nil
}

// buildRepairer prefers the key stored in the metadata DB, then the
// environment. Without a key every repair is declined and failed jobs
// walk straight to the template fallback.
func (w *Worker) buildRepairer(metaDB *database.MetadataDB) regen.Repairer {
	apiKey, err := metaDB.GetSecret("REGEN_API_KEY")
	if err != nil || apiKey == "" {
		apiKey = os.Getenv("REGEN_API_KEY")
	}
	if apiKey == "" {
		slog.Warn("no regeneration API key configured, repairs disabled")
		return regen.Declined{}
	}

	return regen.NewClient(apiKey,
		envOr("REGEN_BASE_URL", defaultRegenURL),
		envOr("REGEN_MODEL", defaultRegenModel))
}

func (w *Worker) sendHeartbeat() {
	var jobsTotal, anomalies int
	w.lifecycleDB.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&jobsTotal)
	w.lifecycleDB.QueryRow("SELECT COUNT(*) FROM anomalies").Scan(&anomalies)

	out := database.NewOutputDB(w.outputDB)
	if err := out.RecordMetric("jobs_total", float64(jobsTotal)); err != nil {
		slog.Warn("failed to record heartbeat metric", "error", err)
	}
	out.RecordMetric("anomalies_total", float64(anomalies))
}

func (w *Worker) shutdown(metaDB *database.MetadataDB) {
	slog.Info("starting graceful shutdown")

	w.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer shutdownCancel()

	if w.server != nil {
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("rpc server shutdown error", "error", err)
		}
	}

	if w.registry != nil {
		if err := w.registry.Close(); err != nil {
			slog.Warn("registry close error", "error", err)
		}
	}

	for name, db := range map[string]*sql.DB{
		"lifecycle": w.lifecycleDB,
		"output":    w.outputDB,
		"metadata":  w.metadataDB,
	} {
		if db != nil {
			if _, err := db.Exec("PRAGMA wal_checkpoint(RESTART)"); err != nil {
				slog.Warn("WAL checkpoint error", "db", name, "error", err)
			}
		}
	}

	metaDB.RecordTelemetryEvent("shutdown", fmt.Sprintf("worker %s shutdown gracefully", w.workerID))
	slog.Info("graceful shutdown completed", "worker_id", w.workerID)
}

func (w *Worker) closeDatabases() {
	for name, db := range map[string]*sql.DB{
		"lifecycle": w.lifecycleDB,
		"output":    w.outputDB,
		"metadata":  w.metadataDB,
	} {
		if db != nil {
			if err := db.Close(); err != nil {
				slog.Warn("error closing database", "db", name, "error", err)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel() slog.Level {
	switch os.Getenv("SCADLOOP_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
