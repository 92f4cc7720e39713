// Package resources samples host CPU and memory utilization.
package resources

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tsawler/chunktrain/training"
)

// Monitor reads live counters through gopsutil on every call.
type Monitor struct {
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	cpuPercent    func() ([]float64, error)
}

var _ training.ResourceMonitor = (*Monitor)(nil)

// NewMonitor creates a monitor for the local host.
func NewMonitor() *Monitor {
	return &Monitor{
		virtualMemory: mem.VirtualMemory,
		cpuPercent: func() ([]float64, error) {
			// Zero interval compares against the previous call.
			return cpu.Percent(0, false)
		},
	}
}

// Sample returns the current CPU and RAM utilization.
func (m *Monitor) Sample() (training.ResourceSample, error) {
	vm, err := m.virtualMemory()
	if err != nil {
		return training.ResourceSample{}, fmt.Errorf("failed to read virtual memory: %w", err)
	}
	percents, err := m.cpuPercent()
	if err != nil {
		return training.ResourceSample{}, fmt.Errorf("failed to read cpu percent: %w", err)
	}
	if len(percents) == 0 {
		return training.ResourceSample{}, fmt.Errorf("cpu percent returned no values")
	}
	return FromCounters(percents[0], vm.Total, vm.Available)
}

// FromCounters builds a sample from raw counters. RAM usage counts
// everything that is not available, so reclaimable page cache is free and
// RAMPercent + RAMAvailablePercent is 100.
func FromCounters(cpuPercent float64, total, available uint64) (training.ResourceSample, error) {
	if total == 0 {
		return training.ResourceSample{}, fmt.Errorf("total memory reported as zero")
	}
	if available > total {
		available = total
	}
	return training.ResourceSample{
		CPUPercent:          cpuPercent,
		RAMPercent:          float64(total-available) * 100 / float64(total),
		RAMAvailablePercent: float64(available) * 100 / float64(total),
		RAMTotal:            total,
		RAMAvailable:        available,
	}, nil
}

// Static always returns the same sample. Used for dry runs.
type Static struct {
	Value training.ResourceSample
}

// Sample returns s.Value.
func (s Static) Sample() (training.ResourceSample, error) {
	return s.Value, nil
}

// Sequence replays scripted samples in order and repeats the last one once
// the script is exhausted.
type Sequence struct {
	mu      sync.Mutex
	samples []training.ResourceSample
	next    int
}

// NewSequence creates a scripted sampler. It panics on an empty script.
func NewSequence(samples ...training.ResourceSample) *Sequence {
	if len(samples) == 0 {
		panic("resources: empty sample sequence")
	}
	return &Sequence{samples: samples}
}

// Sample returns the next scripted sample.
func (s *Sequence) Sample() (training.ResourceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	} else {
		s.next++
	}
	return s.samples[idx], nil
}
