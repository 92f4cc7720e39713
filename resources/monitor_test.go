package resources

import (
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tsawler/chunktrain/training"
)

func TestMonitorSamplesLiveHost(t *testing.T) {
	s, err := NewMonitor().Sample()
	if err != nil {
		t.Skipf("host counters unavailable: %v", err)
	}
	if s.RAMTotal == 0 {
		t.Error("expected non-zero total memory")
	}
	if s.RAMPercent < 0 || s.RAMPercent > 100 {
		t.Errorf("ram percent out of range: %v", s.RAMPercent)
	}
	if s.RAMAvailablePercent < 0 || s.RAMAvailablePercent > 100 {
		t.Errorf("available percent out of range: %v", s.RAMAvailablePercent)
	}
}

func TestMonitorUsesCounters(t *testing.T) {
	m := &Monitor{
		virtualMemory: func() (*mem.VirtualMemoryStat, error) {
			// UsedPercent excludes page cache, so it reads lower than
			// total minus available.
			return &mem.VirtualMemoryStat{Total: 1000, Available: 250, UsedPercent: 40}, nil
		},
		cpuPercent: func() ([]float64, error) { return []float64{33.5}, nil },
	}

	s, err := m.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if s.CPUPercent != 33.5 {
		t.Errorf("cpu: expected 33.5, got %v", s.CPUPercent)
	}
	if s.RAMPercent != 75 {
		t.Errorf("ram: expected 75, got %v", s.RAMPercent)
	}
	if s.RAMAvailablePercent != 25 {
		t.Errorf("available: expected 25, got %v", s.RAMAvailablePercent)
	}
}

func TestMonitorPropagatesErrors(t *testing.T) {
	boom := errors.New("proc unavailable")
	m := &Monitor{
		virtualMemory: func() (*mem.VirtualMemoryStat, error) { return nil, boom },
		cpuPercent:    func() ([]float64, error) { return []float64{1}, nil },
	}
	if _, err := m.Sample(); !errors.Is(err, boom) {
		t.Errorf("expected memory error, got %v", err)
	}

	m.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1, Available: 1}, nil
	}
	m.cpuPercent = func() ([]float64, error) { return nil, nil }
	if _, err := m.Sample(); err == nil {
		t.Error("expected error for empty cpu reading")
	}
}

func TestFromCountersRejectsZeroTotal(t *testing.T) {
	if _, err := FromCounters(0, 0, 0); err == nil {
		t.Error("expected error for zero total memory")
	}
}

func TestFromCountersPercentagesSumToHundred(t *testing.T) {
	tests := []struct {
		total, available uint64
		wantRAM          float64
	}{
		{1000, 80, 92},
		{1000, 1000, 0},
		{1000, 0, 100},
		{1000, 1200, 0},
	}
	for _, tt := range tests {
		s, err := FromCounters(5, tt.total, tt.available)
		if err != nil {
			t.Fatalf("FromCounters(%d, %d): %v", tt.total, tt.available, err)
		}
		if s.RAMPercent != tt.wantRAM {
			t.Errorf("FromCounters(%d, %d): ram %v, want %v", tt.total, tt.available, s.RAMPercent, tt.wantRAM)
		}
		if sum := s.RAMPercent + s.RAMAvailablePercent; sum != 100 {
			t.Errorf("FromCounters(%d, %d): ram + available = %v", tt.total, tt.available, sum)
		}
	}
}

func TestSequenceRepeatsLast(t *testing.T) {
	seq := NewSequence(
		training.ResourceSample{RAMPercent: 10},
		training.ResourceSample{RAMPercent: 95},
	)
	want := []float64{10, 95, 95, 95}
	for i, w := range want {
		s, _ := seq.Sample()
		if s.RAMPercent != w {
			t.Errorf("call %d: expected %v, got %v", i, w, s.RAMPercent)
		}
	}
}

func TestStatic(t *testing.T) {
	s, err := Static{Value: training.ResourceSample{CPUPercent: 4}}.Sample()
	if err != nil || s.CPUPercent != 4 {
		t.Errorf("unexpected sample %+v, %v", s, err)
	}
}
