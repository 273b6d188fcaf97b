package filesystem

import (
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Allocator handles file pre-allocation and disk space checks
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// AllocateFile verifies the volume backing path has room for size bytes
// before any chunk fetch starts (spec.md §4.1 step 5's disk-floor check,
// applied per-chunk here). It no longer pre-truncates the chunk file: the
// downloader's per-chunk open always reopens fresh chunks with O_TRUNC
// (downloader.go), which would discard any block reservation made here, so
// the only load-bearing half of "allocation" is the space check.
func (a *Allocator) AllocateFile(path string, size int64) error {
	return a.checkDiskSpace(path, size)
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	// Get volume usage
	usage, err := disk.Usage(dir)
	if err != nil {
		// Fallback: If path doesn't exist yet, we might check volume of root?
		// But disk.Usage works on directories.
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	// Add a buffer of 100MB for system stability
	const buffer = 100 * 1024 * 1024

	if int64(usage.Free) < (required + buffer) {
		return fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free)
	}

	return nil
}
