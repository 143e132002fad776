package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/repobench/internal/workspace"
)

// DBFileName is the registry database inside the workspace base directory.
// The leading dot keeps prune from treating it as a workspace.
const DBFileName = ".repobench.db"

// Workspace states.
const (
	StateActive = "active"
	StateLeaked = "leaked"
)

// Entry is one tracked workspace directory.
type Entry struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry tracks workspaces that exist on disk. A row is inserted when a
// workspace is prepared and deleted once it is removed, so whatever remains
// was leaked by a failed teardown or a run that died.
type Registry struct {
	db   *sql.DB
	now  func() time.Time
	pid  int
	host string
}

var _ workspace.Registry = (*Registry)(nil)

func NewRegistry(db *sql.DB) *Registry {
	host, _ := os.Hostname()
	return &Registry{db: db, now: time.Now, pid: os.Getpid(), host: host}
}

// OpenRegistry opens the registry database in baseDir.
func OpenRegistry(ctx context.Context, baseDir string) (*Registry, error) {
	db, err := OpenSQLite(ctx, filepath.Join(baseDir, DBFileName))
	if err != nil {
		return nil, err
	}
	return NewRegistry(db), nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) Register(ctx context.Context, ws workspace.Workspace) error {
	now := r.now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO workspaces(id, dir, pid, host, state, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  dir = excluded.dir,
  pid = excluded.pid,
  host = excluded.host,
  state = excluded.state,
  attempts = 0,
  last_error = NULL,
  updated_at = excluded.updated_at;
`, ws.ID, ws.Dir, r.pid, r.host, StateActive, now, now)
	if err != nil {
		return fmt.Errorf("register workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (r *Registry) Release(ctx context.Context, ws workspace.Workspace) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?;", ws.ID); err != nil {
		return fmt.Errorf("release workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (r *Registry) MarkLeaked(ctx context.Context, ws workspace.Workspace, cause error) error {
	attempts := 0
	var ce *workspace.CleanupError
	if errors.As(cause, &ce) {
		attempts = ce.Attempts
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE workspaces SET state = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?;
`, StateLeaked, attempts, msg, r.now().UTC().Format(time.RFC3339Nano), ws.ID)
	if err != nil {
		return fmt.Errorf("mark workspace %s leaked: %w", ws.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Prepared before tracking was possible; record it now.
		if err := r.Register(ctx, ws); err != nil {
			return err
		}
		return r.MarkLeaked(ctx, ws, cause)
	}
	return nil
}

// List returns every tracked workspace, oldest first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, dir, pid, host, state, attempts, last_error, created_at, updated_at
FROM workspaces ORDER BY created_at, id;
`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			lastErr            sql.NullString
			created, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.Dir, &e.PID, &e.Host, &e.State, &e.Attempts, &lastErr, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		e.LastError = lastErr.String
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
