package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrSample indicates the host could not be read.
var ErrSample = errors.New("resource sample failed")

const bytesPerMB = 1024 * 1024

// Sample is one reading of host load.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	FreeMB     float64   `json:"free_mb"`
	TotalMB    float64   `json:"total_mb"`
}

// Sampler reads host load. Implementations must be safe for concurrent use.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads the local machine through gopsutil. It keeps no state between reads.
type HostSampler struct {
	method CPUMethod
	window time.Duration
}

// NewHostSampler creates a sampler using the configured CPU method.
func NewHostSampler(method CPUMethod, window time.Duration) *HostSampler {
	return &HostSampler{method: method, window: window}
}

// Sample reads CPU and memory.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	cpuPct, err := h.cpuPercent(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: cpu: %v", ErrSample, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: memory: %v", ErrSample, err)
	}
	if vm.Total == 0 {
		return Sample{}, fmt.Errorf("%w: memory: total is zero", ErrSample)
	}

	// Available includes reclaimable cache; older kernels report 0.
	free := vm.Available
	if free == 0 {
		free = vm.Free
	}
	free = min(free, vm.Total)

	return Sample{
		Timestamp:  time.Now(),
		CPUPercent: clampPct(cpuPct),
		MemPercent: clampPct(float64(vm.Total-free) / float64(vm.Total) * 100),
		FreeMB:     float64(free) / bytesPerMB,
		TotalMB:    float64(vm.Total) / bytesPerMB,
	}, nil
}

func (h *HostSampler) cpuPercent(ctx context.Context) (float64, error) {
	if h.method == CPULoadAverage {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, err
		}
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return 0, err
		}
		if cores < 1 {
			cores = 1
		}
		return avg.Load1 / float64(cores) * 100, nil
	}

	pcts, err := cpu.PercentWithContext(ctx, h.window, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.New("no cpu reading")
	}
	return pcts[0], nil
}

func clampPct(v float64) float64 {
	return min(max(v, 0), 100)
}
