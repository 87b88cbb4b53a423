// Package resource samples host load and turns it into a batch size and an admission verdict.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LoadClass is a coarse label for host load.
type LoadClass string

const (
	LoadLow      LoadClass = "LOW"
	LoadMedium   LoadClass = "MEDIUM"
	LoadHigh     LoadClass = "HIGH"
	LoadCritical LoadClass = "CRITICAL"
)

// Snapshot is a sample plus the decisions derived from it.
type Snapshot struct {
	Sample
	RecommendedBatchSize int       `json:"recommended_batch_size"`
	CanAdmitMore         bool      `json:"can_admit_more"`
	LoadClass            LoadClass `json:"load_class"`
	// Error is set when the host read failed and the snapshot is the degraded default.
	Error string `json:"error,omitempty"`
}

// Monitor reads host load on demand and caches the result for MaxAge.
type Monitor struct {
	cfg     Config
	sampler Sampler
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	cached   Snapshot
	cachedAt time.Time
	hasCache bool
}

// NewMonitor creates a monitor. A nil sampler reads the local host.
func NewMonitor(cfg Config, sampler Sampler, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = NewHostSampler(cfg.CPUMethod, cfg.CPUWindow)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, sampler: sampler, now: time.Now, logger: logger}
}

// WithClock replaces the clock used for cache expiry.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Config returns the monitor's configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Sample reads the host directly, bypassing the cache.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	return m.sampler.Sample(ctx)
}

// Snapshot returns the cached snapshot if it is younger than MaxAge, otherwise samples the host.
// On a read failure it returns the degraded snapshot together with an error wrapping ErrSample.
// Failed reads are never cached.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.hasCache && now.Sub(m.cachedAt) < m.cfg.MaxAge {
		return m.cached, nil
	}

	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return m.Degraded(now, err), err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}

	snap := m.Evaluate(s)
	m.logger.Debug("resource sample",
		"cpu_pct", snap.CPUPercent,
		"mem_pct", snap.MemPercent,
		"free_mb", snap.FreeMB,
		"batch_size", snap.RecommendedBatchSize,
		"load_class", snap.LoadClass)
	m.cached = snap
	m.cachedAt = now
	m.hasCache = true
	return snap, nil
}

// Evaluate derives batch size, verdict and load class from a sample.
func (m *Monitor) Evaluate(s Sample) Snapshot {
	return Snapshot{
		Sample:               s,
		RecommendedBatchSize: m.RecommendedBatchSize(s),
		CanAdmitMore:         m.CanAdmitMore(s),
		LoadClass:            m.LoadClass(s),
	}
}

// Degraded is the conservative snapshot used when the host cannot be read.
func (m *Monitor) Degraded(now time.Time, err error) Snapshot {
	return Snapshot{
		Sample:               Sample{Timestamp: now},
		RecommendedBatchSize: m.cfg.FallbackBatchSize,
		CanAdmitMore:         false,
		LoadClass:            LoadCritical,
		Error:                err.Error(),
	}
}

// RecommendedBatchSize is a non-increasing step function of max(cpu%, mem%).
func (m *Monitor) RecommendedBatchSize(s Sample) int {
	effective := max(s.CPUPercent, s.MemPercent)
	for _, t := range m.cfg.Thresholds.ordered() {
		if effective <= t.CPUCeiling && s.MemPercent <= t.MemCeiling {
			return t.BatchSize
		}
	}
	return m.cfg.FallbackBatchSize
}

// CanAdmitMore is a hint that the host has headroom for more work.
func (m *Monitor) CanAdmitMore(s Sample) bool {
	a := m.cfg.Admission
	return s.CPUPercent < a.MaxCPUPct && s.MemPercent < a.MaxMemPct && s.FreeMB > a.MinFreeMB
}

// LoadClass labels the sample.
func (m *Monitor) LoadClass(s Sample) LoadClass {
	c := m.cfg.Critical
	switch {
	case s.CPUPercent >= c.CPUPct || s.MemPercent >= c.MemPct || s.FreeMB < c.MinFreeMB:
		return LoadCritical
	case !m.CanAdmitMore(s):
		return LoadHigh
	case max(s.CPUPercent, s.MemPercent) > m.cfg.Thresholds.Low.CPUCeiling || s.MemPercent > m.cfg.Thresholds.Low.MemCeiling:
		return LoadMedium
	default:
		return LoadLow
	}
}
