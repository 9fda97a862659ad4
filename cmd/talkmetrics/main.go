package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/talkmetrics/talkmetrics/internal/analytics"
	"github.com/talkmetrics/talkmetrics/internal/config"
	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/ingest"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
	"github.com/talkmetrics/talkmetrics/internal/metrics"
	"github.com/talkmetrics/talkmetrics/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	watcherDebounce = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
	logFileName     = "debug.log"
	maxLogSize      = 10 << 20
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "import":
			runImport(os.Args[2:])
			return
		case "materialize":
			runMaterialize(os.Args[2:])
			return
		case "backfill":
			runBackfill(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("talkmetrics %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`talkmetrics %s - conversation analytics for support teams

Imports conversation and presence events from JSONL files into
SQLite, materializes closed conversations into report records and
serves per-user and per-conversation reports over HTTP.

Usage:
  talkmetrics [flags]                Start the server (default command)
  talkmetrics serve [flags]          Start the server (explicit)
  talkmetrics import [paths...]      Import JSONL event files or directories
  talkmetrics materialize [flags]    Materialize closed conversations once
  talkmetrics backfill [flags]       Materialize the whole event log
  talkmetrics version                Show version information
  talkmetrics help                   Show this help

Server flags:
  -host string                  Host to bind to (default "127.0.0.1")
  -port int                     Port to listen on (default 8080)
  -import-dir string            Directory of JSONL event files to follow
  -materialize-interval dur     Materialization period (default 1m, 0 disables)
  -workers int                  Materializer worker pool size (0 = auto)

Import flags:
  -materialize                  Materialize imported conversations afterwards

Materialize flags:
  -account string               Only this account
  -from, -to string             Only conversations opened in this range (YYYY-MM-DD)

Backfill flags:
  -force                        Run even if a backfill already completed
  -yes                          Skip confirmation prompt

Environment variables:
  TALKMETRICS_DATA_DIR              Data directory (database, config.yaml)
  TALKMETRICS_IMPORT_DIR            Directory of JSONL event files
  TALKMETRICS_HOST, TALKMETRICS_PORT
  TALKMETRICS_QUERY_TIMEOUT         Report query timeout (default 20s)
  TALKMETRICS_MATERIALIZE_INTERVAL
  TALKMETRICS_WORKERS

Data is stored in ~/.talkmetrics/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	setupLogFile(cfg.DataDir)
	database := mustOpenDB(cfg)
	defer database.Close()

	ctx, stop := signalContext()
	defer stop()

	reg, m := mustRegistry()
	engine := materialize.NewEngine(database, m, cfg.Workers)
	svc := analytics.New(database,
		analytics.WithTimeout(cfg.QueryTimeout),
		analytics.WithMetrics(m),
	)

	if cfg.ImportDir != "" {
		if err := cfg.EnsureDirs(); err != nil {
			log.Fatalf("creating directories: %v", err)
		}
		im := ingest.NewImporter(database, m)
		go func() {
			err := ingest.Follow(ctx, im, engine, cfg.ImportDir, watcherDebounce)
			if err != nil {
				log.Printf("warning: import watcher unavailable: %v", err)
			}
		}()
	}

	go func() {
		if _, err := engine.RunIncremental(ctx, materialize.Options{}); err != nil {
			log.Printf("initial materialization: %v", err)
		}
		engine.Loop(ctx, cfg.MaterializeInterval, materialize.Options{})
	}()

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, svc, engine,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithGatherer(reg),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("talkmetrics", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: talkmetrics [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return database
}

// setupLogFile copies the standard logger to debug.log in dir,
// starting the file over once it grows past maxLogSize.
func setupLogFile(dir string) {
	path := filepath.Join(dir, logFileName)
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(
		path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600,
	)
	if err != nil {
		log.Printf("warning: cannot open log file: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// truncateLogFile empties path when it is larger than limit.
// Symlinks are left alone.
func truncateLogFile(path string, limit int64) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() > limit {
		_ = os.Truncate(path, 0)
	}
}

// mustRegistry builds the registry served on /metrics, with the
// application collectors plus the Go runtime and process ones.
func mustRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		log.Fatalf("registering metrics: %v", err)
	}
	return reg, m
}

// signalContext returns a context canceled on interrupt or
// SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
}
