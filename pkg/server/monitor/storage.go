package monitor

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultCacheDuration bounds how often the data directory is rescanned
const DefaultCacheDuration = 10 * time.Second

// DiskUsage describes the store's footprint on disk
type DiskUsage struct {
	Path string `json:"path"`

	// UsedBytes is the allocated size of every file under Path
	UsedBytes int64 `json:"used_bytes"`

	// Filesystem totals for the volume holding Path
	FreeBytes  uint64  `json:"free_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	UsedPct    float64 `json:"used_percent"`
}

// StorageMonitor reports disk usage of an on-disk store, cached to avoid repeated directory walks.
type StorageMonitor struct {
	dataDir       string
	cacheDuration time.Duration

	mu        sync.Mutex
	cached    DiskUsage
	lastCheck time.Time
}

// NewStorageMonitor creates a new storage monitor.
func NewStorageMonitor(dataDir string) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		cacheDuration: DefaultCacheDuration,
	}
}

// Usage returns current usage, refreshed at most once per cache period
func (sm *StorageMonitor) Usage(ctx context.Context) (DiskUsage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cached, nil
	}

	used, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return DiskUsage{}, err
	}
	usage := DiskUsage{Path: sm.dataDir, UsedBytes: used}

	// Volume stats are informational; a failure leaves them zero
	if vol, err := disk.UsageWithContext(ctx, sm.dataDir); err == nil {
		usage.FreeBytes = vol.Free
		usage.TotalBytes = vol.Total
		usage.UsedPct = vol.UsedPercent
	}

	sm.cached = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// calculateDirSize sums the allocated size of every regular file under root
func calculateDirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed mid-walk by a badger compaction
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		size += allocatedBytes(path, info)
		return nil
	})
	return size, err
}
