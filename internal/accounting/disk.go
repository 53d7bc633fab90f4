package accounting

import (
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DirUsage returns the apparent size of all regular files under root.
// Unreadable entries are skipped.
func DirUsage(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

// FilesystemFree returns the bytes available to unprivileged users on the
// filesystem holding path.
func FilesystemFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
