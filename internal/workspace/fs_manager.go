package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/repobench/internal/log"
)

const (
	// DefaultCleanupAttempts bounds teardown retries when no option is given.
	DefaultCleanupAttempts = 5
	// DefaultCleanupInterval is the fixed delay between teardown attempts.
	DefaultCleanupInterval = time.Second
)

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir         string
	cleanupAttempts int
	cleanupInterval time.Duration
	remove          func(string) error
	now             func() time.Time
	logger          *slog.Logger
	registry        Registry
}

var _ Manager = (*fsWorkspaceManager)(nil)

// Option customizes an fsWorkspaceManager.
type Option func(*fsWorkspaceManager)

// WithCleanupRetry sets the teardown budget. attempts below 1 are raised to 1.
func WithCleanupRetry(attempts int, interval time.Duration) Option {
	return func(m *fsWorkspaceManager) {
		if attempts < 1 {
			attempts = 1
		}
		if interval < 0 {
			interval = 0
		}
		m.cleanupAttempts = attempts
		m.cleanupInterval = interval
	}
}

// WithRemoveFunc replaces os.RemoveAll for cleanup and prune.
func WithRemoveFunc(fn func(path string) error) Option {
	return func(m *fsWorkspaceManager) {
		if fn != nil {
			m.remove = fn
		}
	}
}

// WithRegistry records every prepared workspace in r until it is removed.
func WithRegistry(r Registry) Option {
	return func(m *fsWorkspaceManager) {
		m.registry = r
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *fsWorkspaceManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
// The base directory is made absolute so every workspace path handed to
// subprocesses is independent of their working directory.
func NewFSManager(baseDir string, opts ...Option) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	m := &fsWorkspaceManager{
		baseDir:         abs,
		cleanupAttempts: DefaultCleanupAttempts,
		cleanupInterval: DefaultCleanupInterval,
		remove:          os.RemoveAll,
		now:             time.Now,
		logger:          log.WithComponent("workspace"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseDir returns the absolute base directory.
func (m *fsWorkspaceManager) BaseDir() string {
	return m.baseDir
}

// ValidateBaseDir checks the base directory is on a local filesystem.
func (m *fsWorkspaceManager) ValidateBaseDir() error {
	return CheckLocalFilesystem(m.baseDir)
}

// Prepare creates an empty workspace directory for id.
func (m *fsWorkspaceManager) Prepare(ctx context.Context, id string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(id)
	if err != nil {
		return Workspace{}, &WorkspaceError{ID: id, Path: m.baseDir, Cause: err}
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, &WorkspaceError{ID: id, Path: path, Cause: fmt.Errorf("create base directory: %w", err)}
	}

	// Mkdir, not MkdirAll: an existing directory must fail.
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, &WorkspaceError{ID: id, Path: path, Cause: err}
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		_ = os.Remove(path)
		return Workspace{}, &WorkspaceError{ID: id, Path: path, Cause: fmt.Errorf("canonicalize: %w", err)}
	}

	ws := Workspace{ID: id, Dir: canonical}
	if m.registry != nil {
		if err := m.registry.Register(ctx, ws); err != nil {
			m.logger.Warn("workspace registry", "op", "register", "workspace_id", id, "error", err)
		}
	}

	m.logger.Debug("workspace prepared", "workspace_id", id, "dir", canonical)
	return ws, nil
}

// Cleanup removes ws recursively. Removal is retried at a fixed interval
// until it succeeds or the attempt budget runs out. Callers tearing down
// after a cancelled run should pass a context that is not cancelled.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, ws Workspace) error {
	if ws.Dir == "" {
		return &CleanupError{Path: ws.Dir, Attempts: 0, Cause: errors.New("workspace has no directory")}
	}
	if !m.owns(ws.Dir) {
		return &CleanupError{Path: ws.Dir, Attempts: 0, Cause: fmt.Errorf("refusing to remove path outside %s", m.baseDir)}
	}

	attempts := 0
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempts++
			return struct{}{}, m.remove(ws.Dir)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cleanupInterval)),
		backoff.WithMaxTries(uint(m.cleanupAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("workspace removal failed, retrying",
				"workspace_id", ws.ID,
				"attempt", attempts,
				"max_attempts", m.cleanupAttempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		cleanupErr := &CleanupError{Path: ws.Dir, Attempts: attempts, Cause: err}
		m.track(ws, func(ctx context.Context, r Registry) error { return r.MarkLeaked(ctx, ws, cleanupErr) })
		return cleanupErr
	}

	m.track(ws, func(ctx context.Context, r Registry) error { return r.Release(ctx, ws) })
	m.logger.Debug("workspace removed", "workspace_id", ws.ID, "attempts", attempts)
	return nil
}

// track applies op to the registry. Teardown may run after the run context
// is cancelled, so registry writes use their own short deadline.
func (m *fsWorkspaceManager) track(ws Workspace, op func(context.Context, Registry) error) {
	if m.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx, m.registry); err != nil {
		m.logger.Warn("workspace registry", "workspace_id", ws.ID, "error", err)
	}
}

// Prune removes workspace directories older than olderThan based on directory
// modification time. Hidden entries such as the base-dir lock file are skipped.
func (m *fsWorkspaceManager) Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if err := ctx.Err(); err != nil {
		return PruneReport{}, err
	}
	if olderThan <= 0 {
		return PruneReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return PruneReport{}, nil
	}
	if err != nil {
		return PruneReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := PruneReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		ws := Workspace{ID: entry.Name(), Dir: filepath.Join(m.baseDir, entry.Name())}
		if err := m.remove(ws.Dir); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
		m.track(ws, func(ctx context.Context, r Registry) error { return r.Release(ctx, ws) })
		m.logger.Info("pruned stale workspace", "workspace_id", ws.ID, "modified", info.ModTime())
	}

	return report, nil
}

func (m *fsWorkspaceManager) workspacePath(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, id), nil
}

// owns reports whether dir is strictly below the base directory, resolving
// symlinks on the base so canonical workspace paths compare equal.
func (m *fsWorkspaceManager) owns(dir string) bool {
	bases := []string{m.baseDir}
	if resolved, err := filepath.EvalSymlinks(m.baseDir); err == nil && resolved != m.baseDir {
		bases = append(bases, resolved)
	}
	for _, base := range bases {
		rel, err := filepath.Rel(base, dir)
		if err != nil {
			continue
		}
		if rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel) {
			return true
		}
	}
	return false
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if trimmed == "." || trimmed == ".." || strings.HasPrefix(trimmed, ".") {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("workspace id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != id {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	return nil
}
