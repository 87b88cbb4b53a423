package queue

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the scheduling knobs of the engine.
type Config struct {
	MinBatchSize     int
	MaxBatchSize     int
	RetryMaxAttempts int
	// RetryLadder is indexed by attempts-1; the last delay repeats.
	RetryLadder        []time.Duration
	DownloadDelay      time.Duration
	Cooldown           time.Duration
	DispatchInterval   time.Duration
	ReservationTimeout time.Duration
	HistoryLimit       int
	PreviewLimit       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinBatchSize:       1,
		MaxBatchSize:       20,
		RetryMaxAttempts:   3,
		RetryLadder:        []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second},
		DownloadDelay:      15 * time.Minute,
		Cooldown:           time.Second,
		DispatchInterval:   time.Second,
		ReservationTimeout: 30 * time.Minute,
		HistoryLimit:       1000,
		PreviewLimit:       10,
	}
}

// Validate rejects configurations the dispatcher cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MinBatchSize < 1 {
		errs = append(errs, fmt.Errorf("min_batch_size must be at least 1, got %d", c.MinBatchSize))
	}
	if c.MaxBatchSize < c.MinBatchSize {
		errs = append(errs, fmt.Errorf("max_batch_size %d is below min_batch_size %d", c.MaxBatchSize, c.MinBatchSize))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts))
	}
	if len(c.RetryLadder) == 0 {
		errs = append(errs, errors.New("retry_delay_ladder_ms must not be empty"))
	}
	for i, d := range c.RetryLadder {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry_delay_ladder_ms[%d] is negative", i))
		}
	}
	if c.DownloadDelay < 0 {
		errs = append(errs, errors.New("download_delay_ms must not be negative"))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown_ms must not be negative"))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("dispatch_interval_ms must be positive"))
	}
	if c.ReservationTimeout <= 0 {
		errs = append(errs, errors.New("reservation_timeout_ms must be positive"))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("history_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// RetryDelay decides on a failure of a job that had already failed prior times.
// A retry is allowed while prior < RetryMaxAttempts; the n-th retry waits ladder[n-1],
// with the last ladder value repeating.
func (c Config) RetryDelay(prior int) (time.Duration, bool) {
	if prior >= c.RetryMaxAttempts || len(c.RetryLadder) == 0 {
		return 0, false
	}
	i := min(max(prior, 0), len(c.RetryLadder)-1)
	return c.RetryLadder[i], true
}

// ClampBatch bounds a recommended batch size to [MinBatchSize, MaxBatchSize].
func (c Config) ClampBatch(n int) int {
	return min(max(n, c.MinBatchSize), c.MaxBatchSize)
}
