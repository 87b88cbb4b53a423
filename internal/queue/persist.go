package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/models"
)

// Persistence mirrors job state to durable storage. Failures never block scheduling.
type Persistence interface {
	Upsert(ctx context.Context, job models.Job) error
}

const (
	recorderBuffer = 256
	persistTimeout = 10 * time.Second
	// versionsKept bounds the per-id version memory used to drop stale writes.
	versionsKept = 10000
)

var errPersistBacklog = errors.New("persistence backlog full")

type persistItem struct {
	job  models.Job
	done chan struct{}
}

// recorder writes transitions to Persistence on one goroutine. A write carrying an older
// Version than one already written for the same id is skipped, so a slow synchronous
// enqueue write can never overwrite a later transition.
type recorder struct {
	p         Persistence
	collector *metrics.Collector
	logger    *slog.Logger

	// mu guards closed against sends on a closed channel; senders share it.
	mu     sync.RWMutex
	closed bool
	ch     chan persistItem
	done   chan struct{}

	// owned by loop
	written      map[string]uint64
	writtenOrder []string
}

func newRecorder(p Persistence, collector *metrics.Collector, logger *slog.Logger) *recorder {
	r := &recorder{
		p:         p,
		collector: collector,
		logger:    logger,
		ch:        make(chan persistItem, recorderBuffer),
		done:      make(chan struct{}),
		written:   make(map[string]uint64),
	}
	go r.loop()
	return r
}

func (r *recorder) loop() {
	defer close(r.done)
	for item := range r.ch {
		r.write(item.job)
		if item.done != nil {
			close(item.done)
		}
	}
}

func (r *recorder) write(job models.Job) {
	last, seen := r.written[job.ID]
	if seen && job.Version <= last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	err := r.p.Upsert(ctx, job)
	r.collector.RecordResult(metrics.OpPersist, time.Since(start), err)
	if err != nil {
		r.logger.Warn("failed to persist job", "job_id", job.ID, "status", job.Status, "error", err)
		return
	}

	if !seen {
		r.writtenOrder = append(r.writtenOrder, job.ID)
	}
	r.written[job.ID] = job.Version
	for len(r.writtenOrder) > versionsKept {
		delete(r.written, r.writtenOrder[0])
		r.writtenOrder = r.writtenOrder[1:]
	}
}

// record queues a transition without blocking. When the writer is backed up the update is
// dropped; the next transition of the job carries the full state again.
func (r *recorder) record(job models.Job) {
	r.push(persistItem{job: job}, nil)
}

// recordSync queues a transition and waits until it has been written or skipped, or ctx is done.
func (r *recorder) recordSync(ctx context.Context, job models.Job) {
	item := persistItem{job: job, done: make(chan struct{})}
	if !r.push(item, ctx.Done()) {
		return
	}
	select {
	case <-item.done:
	case <-ctx.Done():
		r.logger.Warn("stopped waiting for persistence", "job_id", job.ID, "error", ctx.Err())
	}
}

// push hands item to the writer. With a nil cancel it never blocks; otherwise it waits for
// buffer space until cancel is closed.
func (r *recorder) push(item persistItem, cancel <-chan struct{}) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("persistence closed, dropping update", "job_id", item.job.ID, "status", item.job.Status)
		return false
	}

	if cancel == nil {
		select {
		case r.ch <- item:
			return true
		default:
			r.collector.RecordResult(metrics.OpPersist, 0, errPersistBacklog)
			r.logger.Warn("persistence backlog full, dropping update",
				"job_id", item.job.ID,
				"status", item.job.Status,
				"version", item.job.Version)
			return false
		}
	}

	select {
	case r.ch <- item:
		return true
	case <-cancel:
		r.logger.Warn("persistence backlog full, gave up queueing update", "job_id", item.job.ID, "status", item.job.Status)
		return false
	}
}

// close flushes pending writes and stops the goroutine.
func (r *recorder) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	r.logger.Debug("persistence recorder drained")
}
