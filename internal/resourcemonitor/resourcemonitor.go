// Package resourcemonitor samples host CPU load and free memory and derives
// an effective worker concurrency limit from a configured base.
package resourcemonitor

import (
	"context"
	"runtime"
	"sync"

	"github.com/basket/goclaw-orchestrator/internal/otel"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Stats is a snapshot of the monitor's last sampling, for observability.
type Stats struct {
	CurrentMax       int
	BaseMax          int
	CPUUsagePercent  float64
	MemoryFreePercent float64
}

// Monitor samples host resources and derates BaseMax into CurrentMax.
// All methods are safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	baseMax int
	last    Stats
	metrics *otel.Metrics
	lastMax int64
}

// SetMetrics attaches an OTel instrument the monitor reports its derated
// concurrency ceiling through. Nil (the default) disables reporting.
func (m *Monitor) SetMetrics(metrics *otel.Metrics) {
	m.metrics = metrics
}

// SetBaseMax replaces the monitor's configured concurrency ceiling, letting
// a config reload take effect without restarting the process. Values below
// 1 are clamped to 1.
func (m *Monitor) SetBaseMax(baseMax int) {
	if baseMax < 1 {
		baseMax = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseMax = baseMax
	if m.last.CurrentMax > baseMax {
		m.last.CurrentMax = baseMax
	}
	m.last.BaseMax = baseMax
}

// New creates a Monitor with the given base concurrency limit.
// baseMax is clamped to at least 1.
func New(baseMax int) *Monitor {
	if baseMax < 1 {
		baseMax = 1
	}
	m := &Monitor{baseMax: baseMax}
	m.last = Stats{CurrentMax: baseMax, BaseMax: baseMax}
	return m
}

// Update resamples host CPU load and free memory and recomputes CurrentMax.
// Sampling errors collapse to the previous value rather than failing.
func (m *Monitor) Update() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.baseMax
	cpuPercent := m.last.CPUUsagePercent
	memFreePercent := m.last.MemoryFreePercent

	if avg, err := load.Avg(); err == nil {
		cores := runtime.NumCPU()
		if cores < 1 {
			cores = 1
		}
		cpuPercent = (avg.Load1 / float64(cores)) * 100
		if avg.Load1/float64(cores) > 0.8 {
			current--
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memFreePercent = (float64(vm.Available) / float64(vm.Total)) * 100
		if memFreePercent/100 < 0.2 {
			current--
		}
	}

	if current < 1 {
		current = 1
	}
	if current > m.baseMax {
		current = m.baseMax
	}

	m.last = Stats{
		CurrentMax:        current,
		BaseMax:           m.baseMax,
		CPUUsagePercent:   cpuPercent,
		MemoryFreePercent: memFreePercent,
	}
	if m.metrics != nil {
		delta := int64(current) - m.lastMax
		if delta != 0 {
			m.metrics.ResourceCurrentMax.Add(context.Background(), delta)
			m.lastMax = int64(current)
		}
	}
	return current
}

// Stats returns the most recent sampling without resampling.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
