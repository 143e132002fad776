package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileName is the lock file created inside a workspace base directory.
const FileName = ".repobench.lock"

// Mode selects how a base directory is locked.
type Mode int

const (
	// Shared is held by benchmark runs. Any number may coexist.
	Shared Mode = iota
	// Exclusive is held by prune. It excludes every run.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// ErrLocked is returned when the lock is held in a conflicting mode.
var ErrLocked = errors.New("workspace base directory is locked by another repobench process")

// BaseDirLock is an flock(2) on the base directory's lock file.
// Keep the lock alive by keeping the file descriptor open.
type BaseDirLock struct {
	path string
	mode Mode
	f    *os.File
}

// Acquire takes a non-blocking lock on FileName inside baseDir, creating the
// directory if needed. An exclusive holder also records its PID in the file so
// a blocked run can report who owns it.
func Acquire(baseDir string, mode Mode) (*BaseDirLock, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := filepath.Join(baseDir, FileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	how := syscall.LOCK_SH
	if mode == Exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, lockPath, ErrLocked)
		}
		return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, lockPath, err)
	}

	l := &BaseDirLock{path: lockPath, mode: mode, f: f}
	if mode == Exclusive {
		if err := l.writePID(); err != nil {
			_ = l.Release()
			return nil, err
		}
	}
	return l, nil
}

func (l *BaseDirLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *BaseDirLock) Path() string { return l.path }

func (l *BaseDirLock) Mode() Mode { return l.mode }

func (l *BaseDirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
