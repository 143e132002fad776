// Package doctor checks that a run definition can actually run on this
// machine: tools on PATH, readable keys, cloneable URLs, local workspace disk.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/fetch"
	"github.com/mattjoyce/repobench/internal/runner"
	"github.com/mattjoyce/repobench/internal/workspace"
)

// unboundedJobsWarning is the job count above which an uncapped run is flagged.
const unboundedJobsWarning = 64

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded config against the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	fsCheck  func(string) error
}

// Option customizes a Doctor.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithFilesystemCheck replaces the network filesystem check.
func WithFilesystemCheck(fn func(string) error) Option {
	return func(d *Doctor) { d.fsCheck = fn }
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, lookPath: exec.LookPath, fsCheck: workspace.CheckLocalFilesystem}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTools(r)
	d.validateKeys(r)
	d.validateRepositories(r)
	d.warnMissingCommands(r)
	d.warnWorkspace(r)
	d.warnConcurrency(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTools checks git and the configured shell are installed.
func (d *Doctor) validateTools(r *Result) {
	if _, err := d.lookPath("git"); err != nil {
		d.addError(r, "tools", "", "git not found on PATH; every clone would fail")
	}

	shell := d.cfg.Shell
	if len(shell) == 0 {
		shell = runner.DefaultShell()
	}
	if !d.usesShell() {
		return
	}
	if _, err := d.lookPath(shell[0]); err != nil {
		d.addError(r, "tools", "shell", fmt.Sprintf("shell %q not found on PATH", shell[0]))
	}
}

func (d *Doctor) usesShell() bool {
	for _, cmd := range d.cfg.Commands {
		if cmd.Run.Shell != "" {
			return true
		}
		for _, step := range cmd.Prepare {
			if step.Shell != "" {
				return true
			}
		}
	}
	return false
}

// validateKeys checks every referenced key pair exists.
func (d *Doctor) validateKeys(r *Result) {
	if d.cfg.SSHKey != "" {
		if _, err := fetch.NewKeyPairCredential(config.ExpandHome(d.cfg.SSHKey)); err != nil {
			d.addError(r, "credentials", "ssh_key", err.Error())
		}
	}
	for i, repo := range d.cfg.Repositories {
		if repo.SSHKey == "" {
			continue
		}
		if _, err := fetch.NewKeyPairCredential(config.ExpandHome(repo.SSHKey)); err != nil {
			d.addError(r, "credentials", fmt.Sprintf("repositories[%d].ssh_key", i), err.Error())
		}
	}
}

// validateRepositories checks URLs are cloneable and flags duplicates and
// ssh URLs with no key, which then depend on an ssh agent.
func (d *Doctor) validateRepositories(r *Result) {
	seen := make(map[string]int, len(d.cfg.Repositories))
	for i, repo := range d.cfg.Repositories {
		field := fmt.Sprintf("repositories[%d].url", i)
		if err := fetch.ValidateURL(repo.URL); err != nil {
			d.addError(r, "repositories", field, err.Error())
			continue
		}
		if prev, dup := seen[repo.URL]; dup {
			d.addWarning(r, "repositories", field,
				fmt.Sprintf("%s is also repositories[%d]; every command runs against it twice", repo.URL, prev))
		}
		seen[repo.URL] = i

		if isSSH(repo.URL) && repo.SSHKey == "" && d.cfg.SSHKey == "" {
			d.addWarning(r, "credentials", field, "ssh url without ssh_key; clone relies on the ssh agent or default keys")
		}
	}
}

func isSSH(url string) bool {
	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git+ssh://") {
		return true
	}
	return !strings.Contains(url, "://") && strings.Contains(url, "@") && strings.Contains(url, ":")
}

// warnMissingCommands flags argv programs not on PATH. Prepare steps may
// install them, so this is only a warning.
func (d *Doctor) warnMissingCommands(r *Result) {
	for i, cmd := range d.cfg.Commands {
		lines := append([]config.CommandLine{cmd.Run}, cmd.Prepare...)
		for j, line := range lines {
			if len(line.Args) == 0 {
				continue
			}
			prog := line.Args[0]
			if strings.ContainsRune(prog, os.PathSeparator) {
				continue
			}
			if _, err := d.lookPath(prog); err != nil {
				field := fmt.Sprintf("commands[%d].run", i)
				if j > 0 {
					field = fmt.Sprintf("commands[%d].prepare[%d]", i, j-1)
				}
				d.addWarning(r, "commands", field, fmt.Sprintf("%q not found on PATH", prog))
			}
		}
	}
}

func (d *Doctor) warnWorkspace(r *Result) {
	if err := d.fsCheck(d.cfg.Workspace.BaseDir); err != nil {
		d.addWarning(r, "workspace", "workspace.base_dir", err.Error())
	}
	if d.cfg.Workspace.CleanupAttempts > 1 && d.cfg.Workspace.CleanupInterval == 0 {
		d.addWarning(r, "workspace", "workspace.cleanup_interval",
			"cleanup retries without delay rarely outlast a file lock")
	}
}

func (d *Doctor) warnConcurrency(r *Result) {
	jobs := len(d.cfg.Commands) * len(d.cfg.Repositories)
	if d.cfg.Concurrency == 0 && jobs > unboundedJobsWarning {
		d.addWarning(r, "concurrency", "concurrency",
			fmt.Sprintf("%d jobs will start at once; timings of concurrent jobs interfere", jobs))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
