// Package sysmon samples host CPU and memory usage on an interval.
package sysmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
)

// Stats is one host sample
type Stats struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	MemoryUsedBytes  uint64    `json:"memory_used_bytes"`
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	NetRxBytesPerSec float64   `json:"net_rx_bytes_per_sec"`
	NetTxBytesPerSec float64   `json:"net_tx_bytes_per_sec"`
	SampledAt        time.Time `json:"sampled_at"`
}

// Monitor periodically samples the host and reports every sample to
// the update callback.
type Monitor struct {
	sampler  Sampler
	onUpdate func(Stats)
	logger   *zap.Logger

	// lifecycle serializes start and stop; mu guards the fields below it
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	interval time.Duration
	current  Stats
}

// NewMonitor creates a stopped monitor. onUpdate may be nil.
func NewMonitor(sampler Sampler, onUpdate func(Stats), logger *zap.Logger) *Monitor {
	if onUpdate == nil {
		onUpdate = func(Stats) {}
	}
	return &Monitor{
		sampler:  sampler,
		onUpdate: onUpdate,
		logger:   logger.Named("sysmon"),
		interval: config.SystemSampleInterval,
	}
}

// StartMonitoring starts sampling every interval. A running monitor is
// restarted with the new interval.
func (m *Monitor) StartMonitoring(interval time.Duration) error {
	if err := config.ValidateSampleInterval(interval); err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopLocked()
	m.mu.Lock()
	m.interval = interval
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, interval, m.done)

	m.logger.Info("System monitoring started", zap.Duration("interval", interval))
	return nil
}

// StopMonitoring stops sampling and waits for the sampling goroutine.
// Safe to call when not running.
func (m *Monitor) StopMonitoring() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stopLocked() {
		m.logger.Info("System monitoring stopped")
	}
}

func (m *Monitor) stopLocked() bool {
	if m.cancel == nil {
		return false
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	return true
}

// UpdateInterval changes the sampling interval. It fails if interval is
// outside the allowed range; a running monitor picks it up immediately.
func (m *Monitor) UpdateInterval(interval time.Duration) error {
	if err := config.ValidateSampleInterval(interval); err != nil {
		return err
	}

	if m.Running() {
		return m.StartMonitoring(interval)
	}

	m.mu.Lock()
	m.interval = interval
	m.mu.Unlock()
	return nil
}

// Interval returns the configured sampling interval
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Running reports whether sampling is active
func (m *Monitor) Running() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.cancel != nil
}

// CurrentStats returns the latest sample (zero before the first one)
func (m *Monitor) CurrentStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	stats, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Failed to sample system stats", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.current = stats
	m.mu.Unlock()

	m.onUpdate(stats)
}
