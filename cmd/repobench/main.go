package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Process exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitJobsFailed  = 3
	exitConfig      = 4
	exitInterrupted = 130
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitError
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "config":
		return runConfigNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitError
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: repobench version [--json]")
		return exitError
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("repobench %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" || a == "help" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`repobench - run every command against every repository in throwaway clones

Usage:
  repobench <command> [flags]
  repobench <noun> <action> [flags]

Commands:
  run                 Clone, prepare, time and tear down every (command x repository) job
  config check        Validate a run definition and print its fingerprint
  config doctor       Check tools, keys and URLs a run definition needs
  workspace list      Show workspaces still on disk (leaked or in use)
  workspace prune     Remove leftover workspaces older than a given age (--orphans: all tracked)
  version             Show version information
  help                Show this help message

Run flags:
  -s, --source FILE       Run definition (YAML or JSON)
  -o, --output FILE       Write the result report here instead of stdout
  -k, --key FILE          SSH private key for clones (public key is FILE.pub)
  --concurrency N         Cap concurrent jobs (0 = unlimited)
  --base-dir DIR          Workspace base directory
  --tui                   Show a live dashboard
  --listen ADDR           Serve /healthz, /jobs, /events and /metrics on ADDR
  --api-key KEY           Bearer token for /jobs and /events (or REPOBENCH_API_KEY)
  --metrics-file FILE     Write Prometheus metrics in textfile format when done
  --fail-on-error         Exit 3 if any job failed
  --log-level LEVEL       debug, info, warn or error
  --log-format FORMAT     json or text
  --log-file FILE         Write logs here instead of stderr

Report format (one line per job, in declaration order):
  <workspace-id> TAB <milliseconds|FAILED> TAB <label> TAB <repository-url>

Exit codes:
  0 success (failed jobs are reported, not fatal)   1 run error
  3 jobs failed with --fail-on-error                4 invalid configuration
  130 interrupted
`)
}
