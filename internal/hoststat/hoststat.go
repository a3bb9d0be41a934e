package hoststat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	MemUsed     uint64    `json:"mem_used"`
	MemTotal    uint64    `json:"mem_total"`
	DiskPath    string    `json:"disk_path"`
	DiskPercent float64   `json:"disk_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	At          time.Time `json:"at"`
}

// Sampler reads host usage. CPU is measured over Interval.
type Sampler struct {
	DiskPath string
	Interval time.Duration
}

func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{DiskPath: diskPath, Interval: time.Second}
}

func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{DiskPath: s.DiskPath, At: time.Now()}

	pct, err := cpu.PercentWithContext(ctx, s.Interval, false)
	if err != nil {
		return snap, errors.Wrap(err, "cpu usage")
	}
	if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, errors.Wrap(err, "memory info")
	}
	snap.MemPercent = vm.UsedPercent
	snap.MemUsed = vm.Used
	snap.MemTotal = vm.Total

	du, err := disk.UsageWithContext(ctx, s.DiskPath)
	if err != nil {
		return snap, errors.Wrapf(err, "disk usage %s", s.DiskPath)
	}
	snap.DiskPercent = du.UsedPercent
	snap.DiskUsed = du.Used
	snap.DiskTotal = du.Total
	return snap, nil
}

// GiB converts bytes for display.
func GiB(b uint64) float64 {
	return float64(b) / (1 << 30)
}
