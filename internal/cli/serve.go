package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tubeworks/inspectd/internal/config"
	"github.com/tubeworks/inspectd/internal/fanout"
	"github.com/tubeworks/inspectd/internal/intake"
	"github.com/tubeworks/inspectd/internal/pipeline"
	"github.com/tubeworks/inspectd/internal/stats"
	"github.com/tubeworks/inspectd/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Dir    string
	DB     string
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the drop directory and ingest measurement files",
		Long: `Start the ingestion daemon: a filesystem watch with write debouncing
feeds a bounded queue and worker pool; each stable file is parsed, merged
into its load's batch record, and its corrections pushed to connected
operator terminals.

Example:
  inspectd serve --dir /srv/export --db /srv/inspect.db
  inspectd serve --config /etc/inspectd.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "drop directory to watch (overrides config)")
	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "terminal fan-out listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Dir != "" {
		cfg.Watch.Dir = opts.Dir
	}
	if opts.DB != "" {
		cfg.Store.Path = opts.DB
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	if err := os.MkdirAll(cfg.Watch.Dir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create watch directory", err)
	}

	slog.Info("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path, cfg.Store.CacheTTL.Std())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	// Setup signal handling for graceful shutdown. Use the command's
	// context if available (for testing), otherwise create one.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The pool does not exist yet; the closure resolves late so the
	// tracker can feed the pool's drop counter and read its depth.
	var pool *intake.Pool
	tracker := stats.NewTracker(func() int {
		if pool == nil {
			return 0
		}
		return pool.QueueDepth()
	})

	// A terminal bind failure is fatal: running without the fan-out side
	// would silently swallow every correction.
	server := fanout.NewServer(fanout.Options{
		MailboxCapacity: cfg.Server.MailboxCapacity,
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		IdentityLimit:   cfg.Server.IdentityLimit,
		OnDrop:          tracker.NotificationDropped,
	})
	if err := server.Listen(cfg.Server.Listen); err != nil {
		return WrapExitError(ExitCommandError, "failed to start fan-out server", err)
	}
	go server.Serve(ctx)

	processor := pipeline.NewProcessor(st, server, tracker)
	pool = intake.NewPool(cfg.Queue.Capacity, cfg.Queue.Workers, processor.Process, tracker.SubmissionDropped)
	pool.Start(ctx)

	debouncer := intake.NewDebouncer(cfg.Watch.Debounce.Std(), cfg.Watch.Extension, func(path string) {
		pool.Submit(path)
	})

	watcher, err := intake.NewFSWatcher(cfg.Watch.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch directory", err)
	}
	defer watcher.Close()

	go tracker.RunReporter(ctx, cfg.Stats.Interval.Std())

	if cfg.Stats.MetricsAddr != "" {
		go serveMetrics(cfg.Stats.MetricsAddr)
	}

	slog.Info("daemon started",
		"watch_dir", cfg.Watch.Dir,
		"db", cfg.Store.Path,
		"listen", cfg.Server.Listen,
		"workers", cfg.Queue.Workers)
	fmt.Fprintln(cmd.OutOrStdout(), "Watching for measurement files. Press Ctrl-C to stop.")

	// Event loop: raw filesystem events feed the debouncer until shutdown.
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case path, ok := <-watcher.Events():
			if !ok {
				break loop
			}
			debouncer.OnEvent(path)
		case werr, ok := <-watcher.Errors():
			if !ok {
				break loop
			}
			slog.Error("watcher error", "error", werr)
		}
	}

	// Shutdown order: stop producing (watcher, then pending debounce
	// timers), drain the queue, then stop the consumer-facing surfaces.
	slog.Info("shutting down")
	watcher.Close()
	debouncer.Stop()
	pool.Shutdown(cfg.Queue.ShutdownTimeout.Std())
	server.Close()
	tracker.Log()

	slog.Info("daemon stopped gracefully")
	return nil
}

// serveMetrics exposes the Prometheus scrape endpoint. Failures are
// logged, not fatal: metrics are optional plumbing.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
