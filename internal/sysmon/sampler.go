package sysmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gopsutil_net "github.com/shirou/gopsutil/v3/net"
)

// Sampler takes one host measurement
type Sampler interface {
	Sample(ctx context.Context) (Stats, error)
}

// HostSampler reads CPU, memory and network counters through gopsutil
type HostSampler struct {
	mu      sync.Mutex
	lastNet *gopsutil_net.IOCountersStat
	lastAt  time.Time
}

// NewHostSampler creates a sampler for the local host
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample implements Sampler. CPU usage is measured since the previous call,
// so the first sample after start reports usage since boot.
func (h *HostSampler) Sample(ctx context.Context) (Stats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	now := time.Now()
	stats := Stats{
		MemoryPercent:    vm.UsedPercent,
		MemoryUsedBytes:  vm.Used,
		MemoryTotalBytes: vm.Total,
		SampledAt:        now,
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	// Network throughput is best effort
	if counters, err := gopsutil_net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		h.mu.Lock()
		current := counters[0]
		if h.lastNet != nil {
			if elapsed := now.Sub(h.lastAt).Seconds(); elapsed > 0 {
				stats.NetRxBytesPerSec = rate(h.lastNet.BytesRecv, current.BytesRecv, elapsed)
				stats.NetTxBytesPerSec = rate(h.lastNet.BytesSent, current.BytesSent, elapsed)
			}
		}
		h.lastNet = &current
		h.lastAt = now
		h.mu.Unlock()
	}

	return stats, nil
}

// rate returns 0 when a counter went backwards (interface reset)
func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}
