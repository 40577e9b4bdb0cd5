package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

const (
	// defaultMemoryThreshold is the memory utilization percentage above which
	// new ensemble fits are held back.
	defaultMemoryThreshold = 85.0
	// cpuSampleWindow is how long each CPU utilization sample observes.
	cpuSampleWindow = 200 * time.Millisecond
	// lowMemoryGB marks hosts where the worker budget is halved.
	lowMemoryGB = 4.0
	bytesPerGB  = 1024 * 1024 * 1024
)

// ResourceSnapshot is a point-in-time view of host utilization, surfaced on
// the health endpoint.
type ResourceSnapshot struct {
	CPUCores      int       `json:"cpu_cores"`
	MemoryGB      float64   `json:"memory_gb"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ResourceMonitor samples host CPU and memory so the batch runner can size its
// worker pool and hold back ensemble fits under memory pressure.
type ResourceMonitor struct {
	logger          *logrus.Logger
	memoryThreshold float64

	mu         sync.RWMutex
	cpuCores   int
	memoryGB   float64
	cpuPercent float64
	memPercent float64
	sampledAt  time.Time
}

// NewResourceMonitor detects host capacity once at construction. Utilization
// figures stay zero until the first Refresh.
func NewResourceMonitor(logger *logrus.Logger) *ResourceMonitor {
	m := &ResourceMonitor{
		logger:          logger,
		memoryThreshold: defaultMemoryThreshold,
		cpuCores:        runtime.NumCPU(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryGB = float64(vm.Total) / bytesPerGB
	} else {
		logger.WithError(err).Warn("Failed to detect system memory, assuming 8GB")
		m.memoryGB = 8
	}

	logger.WithFields(logrus.Fields{
		"cpu_cores": m.cpuCores,
		"memory_gb": fmt.Sprintf("%.1f", m.memoryGB),
	}).Info("Resource monitor initialized")

	return m
}

// Refresh takes a fresh utilization sample. The CPU figure observes the host
// for cpuSampleWindow, so callers should treat this as a blocking call.
func (m *ResourceMonitor) Refresh(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return fmt.Errorf("failed to sample CPU utilization: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample memory utilization: %w", err)
	}

	m.mu.Lock()
	if len(percents) > 0 {
		m.cpuPercent = percents[0]
	}
	m.memPercent = vm.UsedPercent
	m.memoryGB = float64(vm.Total) / bytesPerGB
	m.sampledAt = time.Now().UTC()
	m.mu.Unlock()

	return nil
}

// AdmitFit reports whether there is memory headroom for another round of
// ensemble fits. CPU is deliberately not gated: the fits themselves are
// expected to saturate it. A monitor that has never sampled admits.
func (m *ResourceMonitor) AdmitFit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.sampledAt.IsZero() {
		return true
	}
	if m.memPercent >= m.memoryThreshold {
		m.logger.WithFields(logrus.Fields{
			"memory_percent": fmt.Sprintf("%.1f", m.memPercent),
			"threshold":      m.memoryThreshold,
		}).Warn("Memory pressure too high, holding back ensemble fits")
		return false
	}
	return true
}

// WorkerBudget returns the series-level worker count for batch fitting.
// A positive configured value wins; otherwise one worker per core, halved on
// low-memory hosts.
func (m *ResourceMonitor) WorkerBudget(configured int) int {
	if configured > 0 {
		return configured
	}

	m.mu.RLock()
	memoryGB := m.memoryGB
	m.mu.RUnlock()

	workers := m.cpuCores
	if memoryGB < lowMemoryGB {
		workers /= 2
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Snapshot returns the last sampled utilization for the health endpoint.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ResourceSnapshot{
		CPUCores:      m.cpuCores,
		MemoryGB:      m.memoryGB,
		CPUPercent:    m.cpuPercent,
		MemoryPercent: m.memPercent,
		Goroutines:    runtime.NumGoroutine(),
		SampledAt:     m.sampledAt,
	}
}
