// Package executor runs dispatched report jobs and reports their outcome back to the engine.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/models"
)

// Runner performs the work for one job, typically a browser session against the seller portal.
type Runner interface {
	Run(ctx context.Context, job models.Job) (json.RawMessage, error)
}

// Lifecycle receives the outcome of every job the pool runs.
// Status is used to confirm a job still holds the reservation it was handed with.
type Lifecycle interface {
	Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error)
	Fail(ctx context.Context, id string, cause error) (models.Job, error)
	Status(id string) (models.Job, error)
}

// Pool runs batches on goroutines bounded by a weighted semaphore.
type Pool struct {
	runner    Runner
	lifecycle Lifecycle
	sem       *semaphore.Weighted
	collector *metrics.Collector
	prom      *metrics.Queue
	logger    *slog.Logger
	wg        sync.WaitGroup

	concurrency int
	pending     atomic.Int64
}

// Options configures a Pool. Runner and Lifecycle are required.
type Options struct {
	Runner      Runner
	Lifecycle   Lifecycle
	Concurrency int
	Collector   *metrics.Collector
	Metrics     *metrics.Queue
	Logger      *slog.Logger
}

// NewPool creates a pool. Concurrency <= 0 defaults to 4.
func NewPool(opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		runner:      opts.Runner,
		lifecycle:   opts.Lifecycle,
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
		collector:   opts.Collector,
		prom:        opts.Metrics,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
	}
}

// Concurrency returns the configured concurrency level.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Capacity returns the number of worker slots not taken by a job that was handed to Run and
// has not reported yet.
func (p *Pool) Capacity() int {
	return max(p.concurrency-int(p.pending.Load()), 0)
}

// Run starts every job of the batch and returns without waiting for them.
// Jobs keep running when ctx is cancelled; use Wait to let them finish.
func (p *Pool) Run(ctx context.Context, batch []models.Job) {
	runCtx := context.WithoutCancel(ctx)
	for _, job := range batch {
		p.wg.Add(1)
		p.pending.Add(1)
		go p.run(runCtx, job)
	}
}

// Wait blocks until every started job has reported its outcome.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, job models.Job) {
	defer p.wg.Done()
	defer p.pending.Add(-1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.report(ctx, job, nil, fmt.Errorf("acquire worker slot: %w", err), 0)
		return
	}
	defer p.sem.Release(1)

	if !p.holdsReservation(job) {
		p.logger.Warn("reservation no longer held, skipping job", "job_id", job.ID)
		return
	}

	start := time.Now()
	result, err := p.invoke(ctx, job)
	if !p.holdsReservation(job) {
		p.logger.Warn("reservation lost while running, dropping outcome",
			"job_id", job.ID,
			"error", err)
		return
	}
	p.report(ctx, job, result, err, time.Since(start))
}

// holdsReservation reports whether job is still in flight under the reservation it was
// dispatched with. An expired reservation is failed by the engine and may be re-dispatched,
// which bumps the version.
func (p *Pool) holdsReservation(job models.Job) bool {
	cur, err := p.lifecycle.Status(job.ID)
	if err != nil {
		return false
	}
	return cur.Status == models.StatusInProgress && cur.Version == job.Version
}

// invoke calls the runner and turns a panic into a failure.
func (p *Pool) invoke(ctx context.Context, job models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("runner panicked", "job_id", job.ID, "panic", r)
			result, err = nil, fmt.Errorf("internal panic: %v", r)
		}
	}()

	p.logger.Debug("job started", "job_id", job.ID, "operation", job.Operation, "attempt", job.Attempts+1)
	return p.runner.Run(ctx, job)
}

func (p *Pool) report(ctx context.Context, job models.Job, result json.RawMessage, runErr error, d time.Duration) {
	p.collector.RecordResult(metrics.OpJobRun, d, runErr)
	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
	}
	p.prom.ObserveRun(string(job.Operation), outcome, d)

	if runErr != nil {
		if _, err := p.lifecycle.Fail(ctx, job.ID, runErr); err != nil {
			p.logger.Warn("failed to report job failure", "job_id", job.ID, "error", err)
		}
		return
	}
	if _, err := p.lifecycle.Complete(ctx, job.ID, result); err != nil {
		p.logger.Warn("failed to report job completion", "job_id", job.ID, "error", err)
	}
}
