package queue

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/resource"
)

// CycleResult describes what one dispatch cycle did.
type CycleResult struct {
	BatchSize  int               `json:"batch_size"`
	Dispatched []string          `json:"dispatched"`
	Expired    int               `json:"expired"`
	Skipped    bool              `json:"skipped"`
	Resources  resource.Snapshot `json:"resources"`
}

// Run drives dispatch cycles on the configured interval and on Trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	e.logger.Info("dispatcher started", "interval", e.cfg.DispatchInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		e.Cycle(ctx)
	}
}

// Trigger requests an immediate cycle. Requests coalesce while one is pending.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Cycle runs one dispatch cycle: expire overdue reservations, size the batch from host load
// and the executor's free slots, reserve eligible jobs and hand them over without waiting.
func (e *Engine) Cycle(ctx context.Context) CycleResult {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	defer func() { e.collector.RecordTiming(metrics.OpDispatchCycle, time.Since(start)) }()

	res := CycleResult{Dispatched: []string{}}
	res.Expired = e.sweepExpired(ctx)

	sampleStart := time.Now()
	snap, err := e.monitor.Snapshot(ctx)
	e.collector.RecordResult(metrics.OpResourceSample, time.Since(sampleStart), err)
	if err != nil {
		e.logger.Warn("resource sample failed, dispatching conservatively",
			"error", err,
			"batch_size", snap.RecommendedBatchSize)
	}
	res.Resources = snap

	size := e.cfg.ClampBatch(snap.RecommendedBatchSize)
	if !snap.CanAdmitMore {
		if n := e.store.InFlightCount(); n > 0 {
			res.Skipped = true
			e.prom.ObserveCycle(snap.CPUPercent, snap.MemPercent, 0, 0)
			e.logger.Debug("dispatch skipped, host not admitting",
				"in_flight", n,
				"load_class", snap.LoadClass)
			return res
		}
		// Nothing is running, so waiting would never free capacity.
		size = e.cfg.MinBatchSize
	}
	if e.executor != nil {
		free := e.executor.Capacity()
		if free <= 0 {
			res.Skipped = true
			e.prom.ObserveCycle(snap.CPUPercent, snap.MemPercent, 0, 0)
			e.logger.Debug("dispatch skipped, executor has no free slots",
				"in_flight", e.store.InFlightCount())
			return res
		}
		size = min(size, free)
	}
	res.BatchSize = size

	e.cooldown.Prune(e.now())
	batch := e.store.NextBatch(size, e.cooldown)

	e.prom.ObserveCycle(snap.CPUPercent, snap.MemPercent, size, len(batch))
	e.publishDepth()
	if len(batch) == 0 {
		return res
	}

	for _, j := range batch {
		res.Dispatched = append(res.Dispatched, j.ID)
		e.record(j)
	}
	e.logger.Info("dispatching batch",
		"jobs", len(batch),
		"batch_size", size,
		"load_class", snap.LoadClass,
		"can_admit_more", snap.CanAdmitMore)

	if e.executor == nil {
		e.logger.Warn("no executor attached, reserved jobs wait for their deadline", "jobs", len(batch))
		return res
	}
	e.executor.Run(ctx, batch)
	return res
}

// sweepExpired fails every in-flight job past its reservation deadline.
func (e *Engine) sweepExpired(ctx context.Context) int {
	n := 0
	for _, id := range e.store.Expired() {
		job, err := e.fail(ctx, id, ErrReservationExpired)
		if errors.Is(err, ErrJobNotInFlight) {
			continue
		}
		n++
		e.prom.ReservationExpired()
		e.logger.Warn("reservation expired", "job_id", id, "attempts", job.Attempts, "status", job.Status)
	}
	return n
}
