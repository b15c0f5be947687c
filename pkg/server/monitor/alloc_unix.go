//go:build !windows

package monitor

import (
	"io/fs"
	"syscall"
)

// allocatedBytes is the space a store file occupies on disk; badger value logs are sparse
func allocatedBytes(_ string, info fs.FileInfo) int64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	// st_blocks is always in 512-byte units
	return int64(st.Blocks) * 512
}
