// Package sysinfo provides the point-in-time host metrics the agent reports
// with every poll. Every probe either succeeds or returns a sentinel: 0 for
// numbers, "Unknown" for strings. Probes never return errors.
package sysinfo

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	UnknownSentinel  = "Unknown"
	defaultCPUWindow = 500 * time.Millisecond
)

// Snapshot is one probe pass over the host.
type Snapshot struct {
	CpuUsagePercent float64
	RamUsageMb      float64
	RamTotalMb      float64
	DiskTotalGb     float64
	DiskFreeGb      float64
	Uptime          string
	IpAddress       string
	OperatingSystem string
}

type Probe struct {
	start     time.Time
	cpuWindow time.Duration
}

func NewProbe() *Probe {
	return &Probe{start: time.Now(), cpuWindow: defaultCPUWindow}
}

// NewProbeAt exists for tests that need a fixed process start instant.
func NewProbeAt(start time.Time, cpuWindow time.Duration) *Probe {
	if cpuWindow <= 0 {
		cpuWindow = defaultCPUWindow
	}
	return &Probe{start: start, cpuWindow: cpuWindow}
}

func (p *Probe) Snapshot(ctx context.Context) Snapshot {
	usedMb, totalMb := p.MemoryMb(ctx)
	totalGb, freeGb := p.Disk(ctx)
	return Snapshot{
		CpuUsagePercent: p.CpuUsagePercent(ctx),
		RamUsageMb:      usedMb,
		RamTotalMb:      totalMb,
		DiskTotalGb:     totalGb,
		DiskFreeGb:      freeGb,
		Uptime:          p.Uptime(time.Now()),
		IpAddress:       p.IpAddress(),
		OperatingSystem: p.OperatingSystem(ctx),
	}
}

// CpuUsagePercent samples this process's CPU time over the probe window and
// divides by cores times wall-clock elapsed, rounded to 0.1%.
func (p *Probe) CpuUsagePercent(ctx context.Context) float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		return 0
	}
	before, err := proc.TimesWithContext(ctx)
	if err != nil {
		return 0
	}
	wallStart := time.Now()
	select {
	case <-ctx.Done():
		return 0
	case <-time.After(p.cpuWindow):
	}
	after, err := proc.TimesWithContext(ctx)
	if err != nil {
		return 0
	}
	elapsed := time.Since(wallStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	cpuDelta := (after.User + after.System) - (before.User + before.System)
	percent := cpuDelta / (float64(cores) * elapsed) * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}
	return math.Round(percent*10) / 10
}

// MemoryMb returns (used, total) in MiB.
func (p *Probe) MemoryMb(ctx context.Context) (float64, float64) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil {
		return 0, 0
	}
	return float64(vm.Used) / (1024 * 1024), float64(vm.Total) / (1024 * 1024)
}

// Disk returns (total, free) of the drive hosting the working directory, in
// decimal GB.
func (p *Probe) Disk(ctx context.Context) (float64, float64) {
	wd, err := os.Getwd()
	if err != nil {
		return 0, 0
	}
	usage, err := disk.UsageWithContext(ctx, wd)
	if err != nil || usage == nil {
		return 0, 0
	}
	return float64(usage.Total) / 1e9, float64(usage.Free) / 1e9
}

// Uptime formats the time since process start as dd:hh:mm:ss.
func (p *Probe) Uptime(now time.Time) string {
	elapsed := now.Sub(p.start)
	if elapsed < 0 {
		elapsed = 0
	}
	days := int(elapsed.Hours()) / 24
	hours := int(elapsed.Hours()) % 24
	minutes := int(elapsed.Minutes()) % 60
	seconds := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, seconds)
}

// IpAddress returns the first non-loopback IPv4 address of the host.
func (p *Probe) IpAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return UnknownSentinel
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return UnknownSentinel
}

func (p *Probe) OperatingSystem(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		return UnknownSentinel
	}
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(info.Platform); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(info.PlatformVersion); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return UnknownSentinel
	}
	return strings.Join(parts, " ")
}
