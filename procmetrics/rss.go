// Package procmetrics reads per-process resident memory breakdowns for the
// worker registry sweeper. It never panics: any OS-level failure (process
// gone, permission denied) is surfaced as ErrUnavailable.
package procmetrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnavailable is returned when the OS cannot report memory usage for a
// pid, e.g. because the process has already exited or we lack permission.
var ErrUnavailable = fmt.Errorf("procmetrics: rss unavailable")

// AnonRSS returns the resident anonymous memory of pid, in KiB.
func AnonRSS(pid int32) (uint64, error) {
	anon, _, err := rssSplit(pid)
	return anon, err
}

// SharedRSS returns the resident shared (e.g. memfd-backed) memory of pid,
// in KiB.
func SharedRSS(pid int32) (uint64, error) {
	_, shared, err := rssSplit(pid)
	return shared, err
}

// rssSplit sums the per-mapping smaps breakdown gopsutil exposes into the
// two totals the sweeper cares about: anonymous-private pages and
// shared pages (clean + dirty). gopsutil reports smaps fields in kB
// already, so the values pass through unscaled.
func rssSplit(pid int32) (anonKiB, sharedKiB uint64, err error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	maps, err := proc.MemoryMapsWithContext(context.Background(), true)
	if err != nil || maps == nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, m := range *maps {
		anonKiB += m.Anonymous
		sharedKiB += m.SharedClean + m.SharedDirty
	}
	return anonKiB, sharedKiB, nil
}
