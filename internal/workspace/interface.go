package workspace

import (
	"context"
	"time"
)

// Workspace is the isolated directory owned by exactly one job for its lifetime.
type Workspace struct {
	ID  string
	Dir string
}

// PruneReport summarizes a prune run.
type PruneReport struct {
	DeletedDirs int
}

// Manager governs per-job workspace lifecycle.
type Manager interface {
	// Prepare creates a new, empty workspace named id. It fails with a
	// *WorkspaceError when the directory already exists or cannot be created.
	Prepare(ctx context.Context, id string) (Workspace, error)

	// Cleanup removes ws with bounded retries. Exhausting them yields a
	// *CleanupError and leaves the directory in place.
	Cleanup(ctx context.Context, ws Workspace) error

	// Prune removes workspaces older than olderThan, typically ones left
	// behind by a failed cleanup.
	Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error)
}

// Registry records which workspaces exist so ones that outlive their job can
// be found later. Registry errors are logged, never returned to the job.
type Registry interface {
	Register(ctx context.Context, ws Workspace) error
	Release(ctx context.Context, ws Workspace) error
	MarkLeaked(ctx context.Context, ws Workspace, cause error) error
}
