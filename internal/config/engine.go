package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/resource"
)

// EngineFile is the on-disk engine configuration. Durations are milliseconds.
// Keys missing from the file keep their defaults.
type EngineFile struct {
	MaxBatchSize         int                      `yaml:"max_batch_size"`
	MinBatchSize         int                      `yaml:"min_batch_size"`
	RetryMaxAttempts     int                      `yaml:"retry_max_attempts"`
	RetryDelayLadderMs   []int64                  `yaml:"retry_delay_ladder_ms"`
	DownloadDelayMs      int64                    `yaml:"download_delay_ms"`
	CooldownMs           int64                    `yaml:"cooldown_ms"`
	DispatchIntervalMs   int64                    `yaml:"dispatch_interval_ms"`
	ReservationTimeoutMs int64                    `yaml:"reservation_timeout_ms"`
	HistoryLimit         int                      `yaml:"history_limit"`
	PreviewLimit         int                      `yaml:"preview_limit"`
	ResourceThresholds   resource.Thresholds      `yaml:"resource_thresholds"`
	AdmissionLimits      resource.AdmissionLimits `yaml:"admission_limits"`
	Critical             resource.CriticalLimits  `yaml:"critical"`
	FallbackBatchSize    int                      `yaml:"fallback_batch_size"`
	CPUSampling          resource.CPUMethod       `yaml:"cpu_sampling"`
	CPUSampleWindowMs    int64                    `yaml:"cpu_sample_window_ms"`
}

// Engine is the validated engine configuration split per component.
type Engine struct {
	Queue    queue.Config
	Resource resource.Config
}

// DefaultEngineFile returns the defaults expressed in file form.
func DefaultEngineFile() EngineFile {
	q := queue.DefaultConfig()
	r := resource.DefaultConfig()

	ladder := make([]int64, 0, len(q.RetryLadder))
	for _, d := range q.RetryLadder {
		ladder = append(ladder, d.Milliseconds())
	}

	return EngineFile{
		MaxBatchSize:         q.MaxBatchSize,
		MinBatchSize:         q.MinBatchSize,
		RetryMaxAttempts:     q.RetryMaxAttempts,
		RetryDelayLadderMs:   ladder,
		DownloadDelayMs:      q.DownloadDelay.Milliseconds(),
		CooldownMs:           q.Cooldown.Milliseconds(),
		DispatchIntervalMs:   q.DispatchInterval.Milliseconds(),
		ReservationTimeoutMs: q.ReservationTimeout.Milliseconds(),
		HistoryLimit:         q.HistoryLimit,
		PreviewLimit:         q.PreviewLimit,
		ResourceThresholds:   r.Thresholds,
		AdmissionLimits:      r.Admission,
		Critical:             r.Critical,
		FallbackBatchSize:    r.FallbackBatchSize,
		CPUSampling:          r.CPUMethod,
		CPUSampleWindowMs:    r.CPUWindow.Milliseconds(),
	}
}

// LoadEngine reads the engine configuration from path. An empty path yields the defaults.
func LoadEngine(path string) (Engine, error) {
	if path == "" {
		return DefaultEngineFile().Engine()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read engine config: %w", err)
	}
	eng, err := ParseEngine(data)
	if err != nil {
		return Engine{}, fmt.Errorf("%s: %w", path, err)
	}
	return eng, nil
}

// ParseEngine decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func ParseEngine(data []byte) (Engine, error) {
	f := DefaultEngineFile()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Engine{}, fmt.Errorf("parse engine config: %w", err)
	}
	return f.Engine()
}

// Engine converts the file form and validates both component configs.
func (f EngineFile) Engine() (Engine, error) {
	var errs []error

	ladder := make([]time.Duration, 0, len(f.RetryDelayLadderMs))
	for _, ms := range f.RetryDelayLadderMs {
		ladder = append(ladder, millis(ms))
	}

	q := queue.Config{
		MinBatchSize:       f.MinBatchSize,
		MaxBatchSize:       f.MaxBatchSize,
		RetryMaxAttempts:   f.RetryMaxAttempts,
		RetryLadder:        ladder,
		DownloadDelay:      millis(f.DownloadDelayMs),
		Cooldown:           millis(f.CooldownMs),
		DispatchInterval:   millis(f.DispatchIntervalMs),
		ReservationTimeout: millis(f.ReservationTimeoutMs),
		HistoryLimit:       f.HistoryLimit,
		PreviewLimit:       f.PreviewLimit,
	}
	if err := q.Validate(); err != nil {
		errs = append(errs, err)
	}

	r := resource.Config{
		Thresholds:        f.ResourceThresholds,
		Admission:         f.AdmissionLimits,
		Critical:          f.Critical,
		FallbackBatchSize: f.FallbackBatchSize,
		CPUMethod:         f.CPUSampling,
		CPUWindow:         millis(f.CPUSampleWindowMs),
		// A sample is reused for at most one dispatch interval.
		MaxAge: q.DispatchInterval,
	}
	if err := r.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return Engine{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return Engine{Queue: q, Resource: r}, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
