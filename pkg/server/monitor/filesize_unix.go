//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns the bytes a file occupies on disk. Badger value
// logs and sqlite files can be sparse, so the logical size overstates usage.
func getActualFileSize(_ string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// 512-byte blocks
	return stat.Blocks * 512, nil
}
