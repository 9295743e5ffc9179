// Package hostmetrics samples host-level CPU and memory information for
// the Collector's HardwareInfo queue item, via /proc.
package hostmetrics

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Info is the hardware snapshot the Collector compares against the
// most recently stored row before deciding whether to enqueue a new
// HardwareInfo item.
type Info struct {
	CPUVendor      string
	CPUModel       string
	CPUMHz         float64
	Processors     int
	ThreadsPerCore int
	CoresPerSocket int
	Sockets        int
	MemoryTotalKB  uint64
}

// Reader wraps a procfs.FS handle; production code uses DefaultReader,
// tests can substitute a fake by implementing the same method set if
// needed (none currently do, since procfs.FS itself is backed by a
// path and can be pointed at a fixture directory via NewReader).
type Reader struct {
	fs procfs.FS
}

// NewReader opens /proc. mountPoint lets tests point at a fixture
// directory shaped like /proc.
func NewReader(mountPoint string) (*Reader, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("hostmetrics: open procfs at %s: %w", mountPoint, err)
	}
	return &Reader{fs: fs}, nil
}

// DefaultReader opens the real /proc.
func DefaultReader() (*Reader, error) {
	return NewReader(procfs.DefaultMountPoint)
}

// Read samples current CPU and memory info.
func (r *Reader) Read() (Info, error) {
	cpuInfos, err := r.fs.CPUInfo()
	if err != nil {
		return Info{}, fmt.Errorf("hostmetrics: read cpuinfo: %w", err)
	}
	meminfo, err := r.fs.Meminfo()
	if err != nil {
		return Info{}, fmt.Errorf("hostmetrics: read meminfo: %w", err)
	}

	info := Info{Processors: len(cpuInfos)}
	if len(cpuInfos) > 0 {
		first := cpuInfos[0]
		info.CPUVendor = first.VendorID
		info.CPUModel = first.ModelName
		info.CPUMHz = first.CPUMHz
		info.CoresPerSocket = int(first.CPUCores)
		sockets := make(map[string]struct{})
		for _, c := range cpuInfos {
			sockets[c.PhysicalID] = struct{}{}
		}
		if len(sockets) > 0 {
			info.Sockets = len(sockets)
		} else {
			info.Sockets = 1
		}
		if info.CoresPerSocket > 0 && info.Sockets > 0 {
			info.ThreadsPerCore = info.Processors / (info.CoresPerSocket * info.Sockets)
			if info.ThreadsPerCore == 0 {
				info.ThreadsPerCore = 1
			}
		}
	}
	if meminfo.MemTotal != nil {
		info.MemoryTotalKB = *meminfo.MemTotal
	}
	return info, nil
}

// Equal reports whether two Info samples describe the same hardware,
// used to decide whether the most recent stored row already reflects
// the current host.
func (i Info) Equal(other Info) bool {
	return i == other
}
