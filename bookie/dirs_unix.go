//go:build !windows

package bookie

import "syscall"

// diskUsagePercent returns the usage percentage (0-100) of the partition
// containing path. Grounded on the teacher's stonedb/disk_unix.go.
func diskUsagePercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}

	total := uint64(stat.Blocks) * uint64(stat.Bsize)
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}

	used := total - free
	return (float64(used) / float64(total)) * 100.0, nil
}
