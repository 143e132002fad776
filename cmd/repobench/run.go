package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/repobench/internal/api"
	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/doctor"
	"github.com/mattjoyce/repobench/internal/events"
	"github.com/mattjoyce/repobench/internal/fetch"
	"github.com/mattjoyce/repobench/internal/lock"
	"github.com/mattjoyce/repobench/internal/log"
	"github.com/mattjoyce/repobench/internal/metrics"
	"github.com/mattjoyce/repobench/internal/pipeline"
	"github.com/mattjoyce/repobench/internal/report"
	"github.com/mattjoyce/repobench/internal/runner"
	"github.com/mattjoyce/repobench/internal/status"
	"github.com/mattjoyce/repobench/internal/storage"
	"github.com/mattjoyce/repobench/internal/tracing"
	"github.com/mattjoyce/repobench/internal/tui"
	"github.com/mattjoyce/repobench/internal/workspace"
)

type runOptions struct {
	source      string
	output      string
	key         string
	concurrency int
	baseDir     string
	tui         bool
	listen      string
	apiKey      string
	metricsFile string
	failOnError bool
	logLevel    string
	logFormat   string
	logFile     string
}

func parseRunFlags(args []string) (runOptions, error) {
	var o runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&o.source, "s", "", "Run definition (YAML or JSON)")
	fs.StringVar(&o.source, "source", "", "Run definition (YAML or JSON)")
	fs.StringVar(&o.output, "o", "", "Report destination (default stdout)")
	fs.StringVar(&o.output, "output", "", "Report destination (default stdout)")
	fs.StringVar(&o.key, "k", "", "SSH private key path")
	fs.StringVar(&o.key, "key", "", "SSH private key path")
	fs.IntVar(&o.concurrency, "concurrency", -1, "Maximum concurrent jobs (0 = unlimited)")
	fs.StringVar(&o.baseDir, "base-dir", "", "Workspace base directory")
	fs.BoolVar(&o.tui, "tui", false, "Show a live dashboard")
	fs.StringVar(&o.listen, "listen", "", "Serve live status on this address")
	fs.StringVar(&o.apiKey, "api-key", os.Getenv("REPOBENCH_API_KEY"), "Bearer token for /jobs and /events")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus textfile metrics here")
	fs.BoolVar(&o.failOnError, "fail-on-error", false, "Exit 3 when any job failed")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level override")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format override")
	fs.StringVar(&o.logFile, "log-file", "", "Log destination (default stderr)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.source == "" {
		return o, errors.New("-s/--source is required")
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

// applyOverrides folds command-line flags into cfg.
func (o runOptions) applyOverrides(cfg *config.Config) {
	if o.key != "" {
		cfg.SSHKey = config.ExpandHome(o.key)
	}
	if o.concurrency >= 0 {
		cfg.Concurrency = o.concurrency
	}
	if o.baseDir != "" {
		cfg.Workspace.BaseDir = o.baseDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
}

func runRun(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return exitOK
	}
	opts, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := config.Load(opts.source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitConfig
	}
	opts.applyOverrides(cfg)

	logOut, closeLog, err := openLogDestination(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Log file: %v\n", err)
		return exitError
	}
	defer closeLog()
	log.SetupWithWriter(cfg.Log.Level, cfg.Log.Format, logOut)
	logger := log.WithComponent("main")

	specs := pipeline.BuildSpecs(cfg.Commands, cfg.Repositories, cfg.SSHKey)

	baseDir, err := filepath.Abs(config.ExpandHome(cfg.Workspace.BaseDir))
	if err != nil {
		logger.Error("failed to resolve workspace base directory", "base_dir", cfg.Workspace.BaseDir, "error", err)
		return exitError
	}
	baseLock, err := lock.Acquire(baseDir, lock.Shared)
	if err != nil {
		logger.Error("failed to lock workspace base directory", "base_dir", baseDir, "error", err)
		return exitError
	}
	defer baseLock.Release()

	wsOpts := []workspace.Option{
		workspace.WithCleanupRetry(cfg.Workspace.CleanupAttempts, cfg.Workspace.CleanupInterval),
	}
	registry, err := storage.OpenRegistry(context.Background(), baseDir)
	if err != nil {
		logger.Warn("workspace registry unavailable; leaked workspaces will not be tracked", "base_dir", baseDir, "error", err)
	} else {
		defer func() { _ = registry.Close() }()
		wsOpts = append(wsOpts, workspace.WithRegistry(registry))
	}
	wsManager, err := workspace.NewFSManager(baseDir, wsOpts...)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", baseDir, "error", err)
		return exitError
	}

	preflight := doctor.New(cfg, doctor.WithFilesystemCheck(func(string) error {
		return wsManager.ValidateBaseDir()
	})).Validate()
	for _, issue := range preflight.Errors {
		logger.Warn("preflight error", "category", issue.Category, "field", issue.Field, "message", issue.Message)
	}
	for _, issue := range preflight.Warnings {
		logger.Warn("preflight warning", "category", issue.Category, "field", issue.Field, "message", issue.Message)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing, currentVersionInfo().Version)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return exitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace export shutdown", "error", err)
		}
	}()

	hub := events.NewHub(4096)
	recorder := metrics.NewRecorder()
	recorder.SetRunInfo(cfg.Fingerprint)
	defer recorder.Listen(hub)()
	board := status.NewBoard()
	defer board.Attach(hub)()
	if !opts.tui {
		defer hub.AddListener(diagnosticPrinter(os.Stderr))()
	}

	var srvDone chan error
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if opts.listen != "" {
		srv := api.New(api.Config{Listen: opts.listen, APIKey: opts.apiKey}, hub, board, recorder.Handler(), log.WithComponent("api"))
		srvDone = make(chan error, 1)
		go func() { srvDone <- srv.Start(srvCtx) }()
	}

	out, closeOut, err := openReportDestination(opts.output)
	if err != nil {
		logger.Error("failed to open report destination", "path", opts.output, "error", err)
		return exitError
	}
	defer closeOut()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// The dashboard owns the terminal: a report bound for stdout is held
	// back until it exits.
	var held *bytes.Buffer
	var uiDone chan struct{}
	var program *tea.Program
	if opts.tui {
		if opts.output == "" {
			held = &bytes.Buffer{}
			out = held
		}
		ch, unsubscribe := hub.SubscribeBuffered(len(specs)*64 + 256)
		defer unsubscribe()
		program = tea.NewProgram(tui.New(board, ch, cancelRun), tea.WithAltScreen())
		uiDone = make(chan struct{})
		go func() {
			defer close(uiDone)
			if _, err := program.Run(); err != nil {
				logger.Error("dashboard failed", "error", err)
			}
		}()
	}

	shell := cfg.Shell
	if len(shell) == 0 {
		shell = runner.DefaultShell()
	}
	orch := pipeline.New(
		wsManager,
		fetch.NewGitFetcher(),
		runner.New(runner.WithShell(shell)),
		pipeline.WithHub(hub),
		pipeline.WithMaxConcurrent(cfg.Concurrency),
		pipeline.WithTracer(tp.Tracer()),
	)

	logger.Info("run starting",
		"version", version,
		"config", cfg.SourcePath,
		"config_blake3", config.ShortFingerprint(cfg.Fingerprint),
		"jobs", len(specs),
		"concurrency", cfg.Concurrency,
		"base_dir", wsManager.BaseDir(),
	)

	writer := report.NewWriter(out)
	started := time.Now()
	runErr := orch.Run(runCtx, specs, writer.Write)

	hub.Close()
	if program != nil {
		program.Quit()
		<-uiDone
	}
	if held != nil {
		_, _ = io.Copy(os.Stdout, held)
	}
	stopServer()
	if srvDone != nil {
		if err := <-srvDone; err != nil {
			logger.Warn("status server", "error", err)
		}
	}

	if opts.metricsFile != "" {
		if err := recorder.WriteTextfile(opts.metricsFile); err != nil {
			logger.Error("failed to write metrics textfile", "path", opts.metricsFile, "error", err)
		}
	}

	written, failed := writer.Counts()
	logger.Info("run finished",
		"jobs", len(specs),
		"reported", written,
		"failed", failed,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	return exitCode(runErr, runCtx.Err(), failed, opts.failOnError, logger)
}

func exitCode(runErr, interrupted error, failed int, failOnError bool, logger *slog.Logger) int {
	var joinErr *pipeline.JoinError
	switch {
	case errors.As(runErr, &joinErr):
		logger.Error("run aborted", "index", joinErr.Index, "error", joinErr.Cause)
		return exitError
	case runErr != nil:
		logger.Error("run failed", "error", runErr)
		return exitError
	case interrupted != nil:
		logger.Warn("run interrupted")
		return exitInterrupted
	case failed > 0 && failOnError:
		return exitJobsFailed
	}
	return exitOK
}

// diagnosticPrinter writes subprocess output and clone phase changes as
// "[<id8>] <line>". Hub listeners run under the hub lock, so lines from
// concurrent jobs never interleave mid-line and the phase map needs no lock
// of its own.
func diagnosticPrinter(w io.Writer) events.Listener {
	phases := make(map[string]string)
	return func(ev events.Event) {
		switch p := ev.Payload.(type) {
		case events.JobOutput:
			fmt.Fprintf(w, "[%s] %s\n", shortID(p.JobID), p.Line)
		case events.JobProgress:
			if phases[p.JobID] == p.Phase {
				return
			}
			phases[p.JobID] = p.Phase
			fmt.Fprintf(w, "[%s] clone: %s\n", shortID(p.JobID), p.Phase)
		case events.JobCompleted:
			delete(phases, p.JobID)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openReportDestination(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openLogDestination(o runOptions) (io.Writer, func(), error) {
	switch {
	case o.logFile != "":
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	case o.tui:
		// The dashboard owns the terminal.
		return io.Discard, func() {}, nil
	default:
		return os.Stderr, func() {}, nil
	}
}
