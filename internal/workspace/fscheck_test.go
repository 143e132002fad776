package workspace

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fsType  string
		wantErr []string
	}{
		{name: "local ext4 magic", fsType: "0xef53"},
		{name: "local apfs", fsType: "apfs"},
		{name: "nfs", fsType: "nfs", wantErr: []string{"nfs", "workspace.base_dir", "--base-dir"}},
		{name: "smb uppercase", fsType: "SMBFS", wantErr: []string{"SMBFS", "network filesystem"}},
		{name: "sshfs via fuse", fsType: "fuse", wantErr: []string{"fuse"}},
		{name: "vm shared folder", fsType: "9p", wantErr: []string{"9p"}},
		{name: "unsupported platform", fsType: "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			base := filepath.Join(t.TempDir(), "ws")
			err := checkLocalFilesystemWithDetector(base, func(string) (string, error) {
				return tc.fsType, nil
			})
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("expected %s to pass, got: %v", tc.fsType, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected network filesystem error for %s", tc.fsType)
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("expected error to contain %q, got %q", want, err.Error())
				}
			}
		})
	}
}

func TestCheckLocalFilesystemInspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	base := filepath.Join(root, "not", "yet", "created")

	var inspected string
	err := checkLocalFilesystemWithDetector(base, func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inspected != root {
		t.Fatalf("detector inspected %q, want nearest existing %q", inspected, root)
	}
}

func TestCheckLocalFilesystemRejectsEmpty(t *testing.T) {
	t.Parallel()

	if err := CheckLocalFilesystem(""); err == nil {
		t.Fatal("expected error for empty base dir")
	}
}
