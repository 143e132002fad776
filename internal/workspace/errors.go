package workspace

import "fmt"

// WorkspaceError reports a workspace that could not be created: the path
// already exists, permission was denied or the disk is full.
type WorkspaceError struct {
	ID    string
	Path  string
	Cause error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("create workspace %q at %s: %v", e.ID, e.Path, e.Cause)
}

func (e *WorkspaceError) Unwrap() error { return e.Cause }

// CleanupError reports a workspace that survived every removal attempt.
type CleanupError struct {
	Path     string
	Attempts int
	Cause    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("remove workspace %s: gave up after %d attempt(s): %v", e.Path, e.Attempts, e.Cause)
}

func (e *CleanupError) Unwrap() error { return e.Cause }
