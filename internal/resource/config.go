package resource

import (
	"errors"
	"fmt"
	"time"
)

// CPUMethod selects how CPU utilisation is measured.
type CPUMethod string

const (
	// CPUTickDelta measures busy time between two CPU tick reads a short window apart.
	CPUTickDelta CPUMethod = "tick_delta"
	// CPULoadAverage converts the 1-minute load average to a percentage of logical cores.
	CPULoadAverage CPUMethod = "load_average"
)

// Tier maps a load ceiling to a batch size.
type Tier struct {
	CPUCeiling float64 `yaml:"cpu_ceiling" json:"cpu_ceiling"`
	MemCeiling float64 `yaml:"mem_ceiling" json:"mem_ceiling"`
	BatchSize  int     `yaml:"batch_size" json:"batch_size"`
}

// Thresholds are evaluated low, medium, high; the first matching tier wins.
type Thresholds struct {
	Low    Tier `yaml:"low" json:"low"`
	Medium Tier `yaml:"medium" json:"medium"`
	High   Tier `yaml:"high" json:"high"`
}

func (t Thresholds) ordered() []Tier {
	return []Tier{t.Low, t.Medium, t.High}
}

// AdmissionLimits bound the "can admit more" hint.
type AdmissionLimits struct {
	MaxCPUPct float64 `yaml:"max_cpu_pct" json:"max_cpu_pct"`
	MaxMemPct float64 `yaml:"max_mem_pct" json:"max_mem_pct"`
	MinFreeMB float64 `yaml:"min_free_mb" json:"min_free_mb"`
}

// CriticalLimits mark a host as critically loaded.
type CriticalLimits struct {
	CPUPct    float64 `yaml:"cpu_pct" json:"cpu_pct"`
	MemPct    float64 `yaml:"mem_pct" json:"mem_pct"`
	MinFreeMB float64 `yaml:"min_free_mb" json:"min_free_mb"`
}

// Config controls sampling and the batch-size policy.
type Config struct {
	Thresholds        Thresholds
	Admission         AdmissionLimits
	Critical          CriticalLimits
	FallbackBatchSize int
	CPUMethod         CPUMethod
	CPUWindow         time.Duration
	// MaxAge is how long a sample is reused before the host is read again.
	MaxAge time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Low:    Tier{CPUCeiling: 50, MemCeiling: 60, BatchSize: 20},
			Medium: Tier{CPUCeiling: 70, MemCeiling: 75, BatchSize: 16},
			High:   Tier{CPUCeiling: 80, MemCeiling: 85, BatchSize: 12},
		},
		Admission:         AdmissionLimits{MaxCPUPct: 80, MaxMemPct: 85, MinFreeMB: 512},
		Critical:          CriticalLimits{CPUPct: 90, MemPct: 90, MinFreeMB: 256},
		FallbackBatchSize: 8,
		CPUMethod:         CPUTickDelta,
		CPUWindow:         100 * time.Millisecond,
		MaxAge:            time.Second,
	}
}

// Validate checks that tiers ascend and sizes are usable.
func (c Config) Validate() error {
	var errs []error
	tiers := c.Thresholds.ordered()
	names := []string{"low", "medium", "high"}
	for i, t := range tiers {
		if t.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("resource_thresholds.%s.batch_size must be at least 1", names[i]))
		}
		if i > 0 && (t.CPUCeiling < tiers[i-1].CPUCeiling || t.MemCeiling < tiers[i-1].MemCeiling) {
			errs = append(errs, fmt.Errorf("resource_thresholds.%s ceilings must not be below %s", names[i], names[i-1]))
		}
	}
	if c.FallbackBatchSize < 1 {
		errs = append(errs, errors.New("fallback_batch_size must be at least 1"))
	}
	switch c.CPUMethod {
	case CPUTickDelta, CPULoadAverage:
	default:
		errs = append(errs, fmt.Errorf("unknown cpu_sampling %q", c.CPUMethod))
	}
	if c.CPUMethod == CPUTickDelta && c.CPUWindow <= 0 {
		errs = append(errs, errors.New("cpu_sample_window_ms must be positive"))
	}
	return errors.Join(errs...)
}
