package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent    float64   `json:"cpu_percent"`    // Host CPU usage percentage
	MemoryPercent float64   `json:"memory_percent"` // Host memory usage percentage
	RSSBytes      uint64    `json:"rss_bytes"`      // Resident memory of this process
	Goroutines    int       `json:"goroutines"`     // Current goroutine count
	Timestamp     time.Time `json:"timestamp"`      // When these metrics were captured
}

// SystemMonitor samples host and process resources on an interval so that
// snapshots, health checks and alert evaluation read a cached value instead of
// measuring on every call.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	sm := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
		ctx:     ctx,
		cancel:  cancel,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		LogError(sm.logger, err, "Process stats unavailable, RSS will read as zero", nil)
	} else {
		sm.proc = proc
	}

	return sm
}

// StartMonitoring begins periodic system metric updates.
func (sm *SystemMonitor) StartMonitoring(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer RecoverPanic(sm.logger, "systemMonitor", nil)
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		sm.Sample()

		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// Sample performs a single measurement of all system resources and returns it.
func (sm *SystemMonitor) Sample() SystemMetrics {
	sample := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	// Non-blocking: percentage since the previous call
	if percents, err := cpu.Percent(0, false); err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
	} else if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		LogError(sm.logger, err, "Failed to get memory usage", nil)
	} else {
		sample.MemoryPercent = vm.UsedPercent
	}

	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfo(); err == nil {
			sample.RSSBytes = info.RSS
		}
	}

	sm.mu.Lock()
	sm.metrics = sample
	sm.mu.Unlock()

	UpdateSystemMetrics(sample.CPUPercent, sample.RSSBytes, sample.Goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", sample.CPUPercent).
		Float64("memory_percent", sample.MemoryPercent).
		Uint64("rss_bytes", sample.RSSBytes).
		Int("goroutines", sample.Goroutines).
		Msg("System metrics updated")

	return sample
}

// GetMetrics returns a copy of the latest sample.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Shutdown stops the sampling goroutine.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
