package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/casni/casni/internal/config"
	"github.com/casni/casni/internal/executor"
	"github.com/casni/casni/internal/ledger"
	"github.com/casni/casni/internal/logging"
	"github.com/casni/casni/internal/runtime"
	"github.com/casni/casni/internal/scheduler"
	"github.com/casni/casni/internal/server"
	"github.com/casni/casni/internal/store"
)

// capacityField renders a ledger dimension for the startup log. Zero
// means the dimension is not checked at admission.
func capacityField(set bool, value string) string {
	if !set {
		return "unlimited"
	}
	return value
}

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.casni/casni.db)")
	flag.StringVar(&cfg.DockerBin, "docker-bin", cfg.DockerBin, "Container runtime binary")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Scheduler tick interval")
	flag.Float64Var(&cfg.CPUCores, "cpus", cfg.CPUCores, "CPU core capacity (0 for unlimited)")
	flag.IntVar(&cfg.GPUs, "gpus", cfg.GPUs, "GPU capacity (0 disables the GPU check entirely; GPU stages then admit on any host)")
	memory := flag.String("memory", "", "Memory capacity, e.g. 32GB (empty for unlimited)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	if *memory != "" {
		bytes, err := humanize.ParseBytes(*memory)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --memory value %q: %v\n", *memory, err)
			os.Exit(1)
		}
		cfg.MemoryBytes = bytes
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".casni")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "casni.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	// Wire the container runtime and scheduling domain.
	rt := runtime.NewDocker(cfg.DockerBin, logger)
	exec := executor.New(rt, logger)
	led := ledger.New(ledger.Capacity{
		CPUCores:    cfg.CPUCores,
		MemoryBytes: cfg.MemoryBytes,
		GPUs:        cfg.GPUs,
	}, logger)
	logger.Info("scheduling domain",
		"cpus", capacityField(cfg.CPUCores != 0, fmt.Sprintf("%g", cfg.CPUCores)),
		"memory", capacityField(cfg.MemoryBytes != 0, humanize.IBytes(cfg.MemoryBytes)),
		"gpus", capacityField(cfg.GPUs != 0, fmt.Sprintf("%d", cfg.GPUs)))

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PollInterval = cfg.PollInterval
	sched := scheduler.NewLoop(st, exec, led, schedCfg, logger)

	// Reconcile persisted state with reality before scheduling resumes:
	// rebuild the ledger from in-flight instances and hand back attempts
	// that were admitted but never launched.
	if err := sched.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recover run state: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, st, sched, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
