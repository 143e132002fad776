package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems are the statfs type names that put a clone on the far
// side of a network hop. fuse is included because sshfs and the cloud-drive
// mounts are the common reason for it on a build host.
var remoteFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"cifs":   {},
	"fuse":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// CheckLocalFilesystem reports an error when baseDir lives on a network
// filesystem. Clone and teardown timings there are dominated by the network
// and recursive removal often races with server-side locks.
func CheckLocalFilesystem(baseDir string) error {
	return checkLocalFilesystemWithDetector(baseDir, detectFilesystemType)
}

func checkLocalFilesystemWithDetector(baseDir string, detector func(string) (string, error)) error {
	if baseDir == "" {
		return fmt.Errorf("workspace base directory is empty")
	}

	inspectPath, err := nearestExistingPath(baseDir)
	if err != nil {
		return fmt.Errorf("resolve workspace base %q: %w", baseDir, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"workspace base %q is on network filesystem %q; benchmark timings will include network latency and cleanup may fail. Point workspace.base_dir (or --base-dir) at local disk",
			baseDir,
			fsType,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := remoteFilesystems[normalized]
	return found
}
