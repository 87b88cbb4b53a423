package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/resource"
)

// Monitor supplies the resource snapshot a dispatch cycle sizes its batch from.
type Monitor interface {
	Snapshot(ctx context.Context) (resource.Snapshot, error)
}

// Executor runs a reserved batch. Run must return without waiting for the jobs,
// and each job must later be reported through Complete or Fail exactly once.
// Capacity is the number of jobs it can start right away; a cycle never reserves more.
type Executor interface {
	Run(ctx context.Context, batch []models.Job)
	Capacity() int
}

// Options carries the engine's collaborators. Only Monitor is required.
type Options struct {
	Monitor     Monitor
	Persistence Persistence
	Collector   *metrics.Collector
	Metrics     *metrics.Queue
	Logger      *slog.Logger
	Clock       Clock
}

// Engine ties the store, dispatcher and lifecycle controller together.
type Engine struct {
	cfg       Config
	store     *Store
	monitor   Monitor
	executor  Executor
	recorder  *recorder
	collector *metrics.Collector
	prom      *metrics.Queue
	logger    *slog.Logger
	now       Clock

	cycleMu  sync.Mutex
	cooldown *Cooldown
	trigger  chan struct{}
}

// EnqueueResult is the per-job outcome of EnqueueMany.
type EnqueueResult struct {
	Job   models.Job `json:"job"`
	Error string     `json:"error,omitempty"`
	Err   error      `json:"-"`
}

// NewEngine validates cfg and builds an engine with empty lanes.
func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opts.Monitor == nil {
		return nil, errors.New("engine requires a resource monitor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     NewStore(cfg, opts.Clock),
		monitor:   opts.Monitor,
		collector: opts.Collector,
		prom:      opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Clock,
		cooldown:  NewCooldown(cfg.Cooldown),
		trigger:   make(chan struct{}, 1),
	}
	if opts.Persistence != nil {
		e.recorder = newRecorder(opts.Persistence, opts.Collector, opts.Logger)
	}
	return e, nil
}

// SetExecutor attaches the executor. Call before Run.
func (e *Engine) SetExecutor(x Executor) {
	e.executor = x
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Close flushes pending persistence writes.
func (e *Engine) Close() {
	if e.recorder != nil {
		e.recorder.close()
	}
}

// EnqueueManual places a job in the priority lane.
func (e *Engine) EnqueueManual(ctx context.Context, job models.Job) (models.Job, error) {
	return e.enqueue(ctx, job, models.LanePriority)
}

// EnqueueBulk places a job in the standard lane.
func (e *Engine) EnqueueBulk(ctx context.Context, job models.Job) (models.Job, error) {
	return e.enqueue(ctx, job, models.LaneStandard)
}

// Enqueue places a job in the given lane.
func (e *Engine) Enqueue(ctx context.Context, job models.Job, lane models.Lane) (models.Job, error) {
	return e.enqueue(ctx, job, lane)
}

// EnqueueMany enqueues each job independently; one failure does not stop the rest.
func (e *Engine) EnqueueMany(ctx context.Context, jobs []models.Job, lane models.Lane) []EnqueueResult {
	results := make([]EnqueueResult, 0, len(jobs))
	for _, j := range jobs {
		stored, err := e.enqueue(ctx, j, lane)
		if err != nil {
			results = append(results, EnqueueResult{Job: j.Public(), Error: err.Error(), Err: err})
			continue
		}
		results = append(results, EnqueueResult{Job: stored})
	}
	return results
}

// enqueue mutates the store first, then waits for persistence. A missing id is generated
// from the identifier and a missing operation defaults to request.
func (e *Engine) enqueue(ctx context.Context, job models.Job, lane models.Lane) (models.Job, error) {
	if job.ID == "" {
		job.ID = models.GenerateJobID(job.Identifier)
	}
	if job.Operation == "" {
		job.Operation = models.OperationRequest
	}

	stored, err := e.store.Enqueue(job, lane)
	if err != nil {
		return models.Job{}, err
	}

	e.prom.JobEnqueued(string(lane), string(stored.Operation))
	e.publishDepth()
	e.logger.Info("job enqueued",
		"job_id", stored.ID,
		"lane", lane,
		"operation", stored.Operation,
		"report_type", stored.ReportType)

	if e.recorder != nil {
		e.recorder.recordSync(ctx, stored)
	}
	return stored, nil
}

// Status returns the job wherever it is, including retained terminal jobs.
func (e *Engine) Status(id string) (models.Job, error) {
	j, ok := e.store.Find(id)
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Remove drops a waiting job.
func (e *Engine) Remove(id string) error {
	if !e.store.Remove(id) {
		return fmt.Errorf("%w: %s is not waiting", ErrJobNotFound, id)
	}
	e.publishDepth()
	e.logger.Info("job removed", "job_id", id)
	return nil
}

// Bump moves a waiting job to the priority lane.
func (e *Engine) Bump(id string) (models.Job, error) {
	j, err := e.store.Bump(id)
	if err != nil {
		return models.Job{}, err
	}
	e.publishDepth()
	e.logger.Info("job bumped", "job_id", id)
	return j, nil
}

// Pending lists waiting jobs matching the filter.
func (e *Engine) Pending(f PendingFilter) []models.Job {
	return e.store.Pending(f)
}

// InFlight lists reserved jobs.
func (e *Engine) InFlight() []models.Job {
	return e.store.InFlight()
}

// Preview lists the next n waiting jobs in scan order. n <= 0 uses the configured limit.
func (e *Engine) Preview(n int) []PreviewEntry {
	if n <= 0 {
		n = e.cfg.PreviewLimit
	}
	return e.store.Preview(n)
}

// DrainAll empties both lanes. In-flight work continues.
func (e *Engine) DrainAll(ctx context.Context) Drained {
	d := e.store.Drain()
	e.publishDepth()
	e.logger.Warn("lanes drained", "priority", len(d.Priority), "standard", len(d.Standard))
	return d
}

func (e *Engine) record(job models.Job) {
	if e.recorder != nil {
		e.recorder.record(job)
	}
}

func (e *Engine) publishDepth() {
	if e.prom == nil {
		return
	}
	c := e.store.Counts()
	e.prom.SetDepth(c.Priority, c.Standard, c.InFlight)
}
