//go:build windows

package monitor

import (
	"io/fs"
	"syscall"
	"unsafe"
)

const invalidFileSize = 0xFFFFFFFF

var procGetCompressedFileSize = syscall.NewLazyDLL("kernel32.dll").NewProc("GetCompressedFileSizeW")

// allocatedBytes is the space a store file occupies on disk; badger value logs are sparse
func allocatedBytes(path string, info fs.FileInfo) int64 {
	name, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return info.Size()
	}

	var high uint32
	low, _, _ := procGetCompressedFileSize.Call(uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(&high)))
	if low == invalidFileSize {
		return info.Size()
	}
	return int64(high)<<32 | int64(low)
}
