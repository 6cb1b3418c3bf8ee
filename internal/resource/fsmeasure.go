package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DirSize recursively sums the apparent size of every regular file under
// root. Used by the filesystem monitor's `size` threshold (spec §4.2:
// "recursively summed bytes for directories"). If root is itself a regular
// file, its own size is returned.
func DirSize(root string) (int64, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("resource: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A file disappearing mid-walk (e.g. a log rotated away) should
			// not abort the whole measurement.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resource: walk %s: %w", root, err)
	}
	return total, nil
}

// FilesystemUsage is the backing-filesystem capacity for the mount point
// containing a given path (spec §4.2's `used_perc`/`used_size` fields,
// which measure "the backing filesystem", not the target path's own size).
type FilesystemUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	UsedPct    float64
}

// StatFilesystem reports the usage of the filesystem backing path.
func StatFilesystem(path string) (FilesystemUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return FilesystemUsage{}, fmt.Errorf("resource: statfs %s: %w", path, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free

	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}

	return FilesystemUsage{TotalBytes: total, UsedBytes: used, UsedPct: pct}, nil
}
