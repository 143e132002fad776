package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/doctor"
	"github.com/mattjoyce/repobench/internal/lock"
	"github.com/mattjoyce/repobench/internal/log"
	"github.com/mattjoyce/repobench/internal/storage"
	"github.com/mattjoyce/repobench/internal/workspace"
)

func runConfigNoun(args []string) int {
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		fmt.Println("Usage: repobench config <check|doctor> -s <config>")
		if len(args) == 0 {
			return exitError
		}
		return exitOK
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "doctor":
		return runConfigDoctor(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return exitError
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	var source string
	fs.StringVar(&source, "s", "", "Run definition")
	fs.StringVar(&source, "source", "", "Run definition")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if source == "" {
		fmt.Fprintln(os.Stderr, "Usage: repobench config check -s <config>")
		return exitError
	}

	cfg, err := config.Load(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitConfig
	}

	jobs := len(cfg.Commands) * len(cfg.Repositories)
	fmt.Printf("ok: %s\n", cfg.SourcePath)
	fmt.Printf("fingerprint: %s\n", config.ShortFingerprint(cfg.Fingerprint))
	fmt.Printf("jobs: %d (%d commands x %d repositories)\n", jobs, len(cfg.Commands), len(cfg.Repositories))
	return exitOK
}

func runConfigDoctor(args []string) int {
	fs := flag.NewFlagSet("config doctor", flag.ContinueOnError)
	var source string
	fs.StringVar(&source, "s", "", "Run definition")
	fs.StringVar(&source, "source", "", "Run definition")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if source == "" {
		fmt.Fprintln(os.Stderr, "Usage: repobench config doctor -s <config> [--json]")
		return exitError
	}

	cfg, err := config.Load(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitConfig
	}

	result := doctor.New(cfg).Validate()
	if *asJSON {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format result: %v\n", err)
			return exitError
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitConfig
	}
	return exitOK
}

func runWorkspaceNoun(args []string) int {
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		fmt.Println("Usage: repobench workspace <list|prune> [--base-dir DIR | -s <config>] [--older-than 24h] [--orphans] [--json]")
		if len(args) == 0 {
			return exitError
		}
		return exitOK
	}

	switch args[0] {
	case "list":
		return runWorkspaceList(args[1:])
	case "prune":
		return runWorkspacePrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", args[0])
		return exitError
	}
}

// baseDirFlags resolves the workspace base directory from --base-dir, a run
// definition or the default, in that order.
type baseDirFlags struct {
	source  string
	baseDir string
}

func (b *baseDirFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.source, "s", "", "Run definition to take workspace.base_dir from")
	fs.StringVar(&b.source, "source", "", "Run definition to take workspace.base_dir from")
	fs.StringVar(&b.baseDir, "base-dir", "", "Workspace base directory")
}

func (b *baseDirFlags) resolve() (string, int) {
	dir := b.baseDir
	if dir == "" && b.source != "" {
		cfg, err := config.Load(b.source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			return "", exitConfig
		}
		dir = cfg.Workspace.BaseDir
	}
	if dir == "" {
		dir = config.Defaults().Workspace.BaseDir
	}
	abs, err := filepath.Abs(config.ExpandHome(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace base directory: %v\n", err)
		return "", exitError
	}
	return abs, exitOK
}

func runWorkspaceList(args []string) int {
	fs := flag.NewFlagSet("workspace list", flag.ContinueOnError)
	var bd baseDirFlags
	bd.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	dir, code := bd.resolve()
	if code != exitOK {
		return code
	}

	var entries []storage.Entry
	if _, err := os.Stat(filepath.Join(dir, storage.DBFileName)); err == nil {
		reg, err := storage.OpenRegistry(context.Background(), dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Workspace registry: %v\n", err)
			return exitError
		}
		defer func() { _ = reg.Close() }()
		if entries, err = reg.List(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Workspace registry: %v\n", err)
			return exitError
		}
	}

	if *asJSON {
		if entries == nil {
			entries = []storage.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}
	if len(entries) == 0 {
		fmt.Printf("No tracked workspaces in %s\n", dir)
		return exitOK
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKSPACE\tSTATE\tCREATED\tATTEMPTS\tPID\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.State, humanize.Time(e.CreatedAt), e.Attempts, e.PID, e.LastError)
	}
	_ = tw.Flush()
	return exitOK
}

func runWorkspacePrune(args []string) int {
	fs := flag.NewFlagSet("workspace prune", flag.ContinueOnError)
	var bd baseDirFlags
	bd.register(fs)
	olderThan := fs.Duration("older-than", 24*time.Hour, "Minimum workspace age")
	orphans := fs.Bool("orphans", false, "Also remove every tracked workspace regardless of age")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	log.SetupWithWriter("info", "text", os.Stderr)
	logger := log.WithComponent("prune")

	dir, code := bd.resolve()
	if code != exitOK {
		return code
	}

	// Exclusive: a running benchmark holds the shared lock.
	l, err := lock.Acquire(dir, lock.Exclusive)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "A run is using %s; not pruning.\n", dir)
			return exitError
		}
		fmt.Fprintf(os.Stderr, "Lock: %v\n", err)
		return exitError
	}
	defer l.Release()

	ctx := context.Background()
	var opts []workspace.Option
	reg, err := storage.OpenRegistry(ctx, dir)
	if err != nil {
		logger.Warn("workspace registry unavailable", "base_dir", dir, "error", err)
	} else {
		defer func() { _ = reg.Close() }()
		opts = append(opts, workspace.WithRegistry(reg))
	}

	mgr, err := workspace.NewFSManager(dir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace manager: %v\n", err)
		return exitError
	}

	removed := 0
	if *orphans && reg != nil {
		// Holding the exclusive lock means no run owns any tracked workspace.
		entries, err := reg.List(ctx)
		if err != nil {
			logger.Error("list tracked workspaces", "error", err)
			return exitError
		}
		for _, e := range entries {
			if err := mgr.Cleanup(ctx, workspace.Workspace{ID: e.ID, Dir: e.Dir}); err != nil {
				logger.Error("remove orphaned workspace", "workspace_id", e.ID, "error", err)
				continue
			}
			removed++
		}
	}

	report, err := mgr.Prune(ctx, *olderThan)
	removed += report.DeletedDirs
	if err != nil {
		logger.Error("prune failed", "base_dir", mgr.BaseDir(), "deleted", removed, "error", err)
		return exitError
	}
	fmt.Printf("pruned %d workspace(s) from %s\n", removed, mgr.BaseDir())
	return exitOK
}
