package sysinfo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uptimePattern = regexp.MustCompile(`^\d{2,}:\d{2}:\d{2}:\d{2}$`)

func TestUptimeFormat(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	probe := NewProbeAt(start, time.Millisecond)

	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "00:00:00:00"},
		{61 * time.Second, "00:00:01:01"},
		{25*time.Hour + 30*time.Minute + 5*time.Second, "01:01:30:05"},
		{10 * 24 * time.Hour, "10:00:00:00"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, probe.Uptime(start.Add(tc.elapsed)))
	}
}

func TestUptimeNeverNegative(t *testing.T) {
	start := time.Now()
	probe := NewProbeAt(start, time.Millisecond)
	assert.Equal(t, "00:00:00:00", probe.Uptime(start.Add(-time.Hour)))
}

func TestSnapshotInvariants(t *testing.T) {
	probe := NewProbeAt(time.Now(), 10*time.Millisecond)
	snap := probe.Snapshot(context.Background())

	require.GreaterOrEqual(t, snap.CpuUsagePercent, 0.0)
	require.LessOrEqual(t, snap.CpuUsagePercent, 100.0)
	assert.GreaterOrEqual(t, snap.RamUsageMb, 0.0)
	assert.GreaterOrEqual(t, snap.RamTotalMb, snap.RamUsageMb)
	assert.GreaterOrEqual(t, snap.DiskTotalGb, snap.DiskFreeGb)
	assert.True(t, uptimePattern.MatchString(snap.Uptime), "uptime %q must be dd:hh:mm:ss", snap.Uptime)
	assert.NotEmpty(t, snap.IpAddress)
	assert.NotEmpty(t, snap.OperatingSystem)
}

func TestCpuUsageCancelledContext(t *testing.T) {
	probe := NewProbeAt(time.Now(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0.0, probe.CpuUsagePercent(ctx))
}
