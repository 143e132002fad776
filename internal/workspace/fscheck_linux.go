//go:build linux

package workspace

import (
	"fmt"
	"syscall"
)

// statfs f_type values for remote filesystems, from linux/magic.h.
var linuxRemoteMagic = map[int64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x5346414F: "afs",
	0x01021997: "9p",
	0x65735546: "fuse",
}

func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := int64(st.Type) & 0xFFFFFFFF
	if name, ok := linuxRemoteMagic[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
