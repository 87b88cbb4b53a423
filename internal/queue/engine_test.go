package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/reportq/internal/executor"
	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueness(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.engine.EnqueueManual(ctx, reportJob("A", "a@shop.com"))
	require.NoError(t, err)

	_, err = h.engine.EnqueueBulk(ctx, reportJob("A", "a@shop.com"))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	snap := h.engine.Snapshot(ctx)
	assert.Equal(t, 1, snap.Priority)
	assert.Equal(t, 0, snap.Standard)
}

func TestLanePrecedence(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.monitor.set(1, true)

	_, err := h.engine.EnqueueBulk(ctx, reportJob("B", "b@shop.com"))
	require.NoError(t, err)
	_, err = h.engine.EnqueueManual(ctx, reportJob("M", "m@shop.com"))
	require.NoError(t, err)

	res := h.engine.Cycle(ctx)
	assert.Equal(t, []string{"M"}, res.Dispatched)

	res = h.engine.Cycle(ctx)
	assert.Equal(t, []string{"B"}, res.Dispatched)
}

func TestNoStarvationBehindScheduledJob(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	later := reportJob("later", "l@shop.com")
	later.ScheduledFor = models.TimePtr(h.clock.Now().Add(time.Minute))
	_, err := h.engine.EnqueueManual(ctx, later)
	require.NoError(t, err)
	_, err = h.engine.EnqueueManual(ctx, reportJob("now", "n@shop.com"))
	require.NoError(t, err)

	res := h.engine.Cycle(ctx)
	assert.Equal(t, []string{"now"}, res.Dispatched)

	h.clock.Advance(time.Minute)
	res = h.engine.Cycle(ctx)
	assert.Equal(t, []string{"later"}, res.Dispatched)
}

func TestRetryLadder(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMaxAttempts = 3
	cfg.RetryLadder = []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second}
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.engine.EnqueueBulk(ctx, reportJob("J", "j@shop.com"))
	require.NoError(t, err)

	wantDelays := []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second}
	for i, delay := range wantDelays {
		res := h.engine.Cycle(ctx)
		require.Equal(t, []string{"J"}, res.Dispatched, "attempt %d", i+1)

		failedAt := h.clock.Now()
		job, err := h.engine.Fail(ctx, "J", errors.New("portal timeout"))
		require.NoError(t, err)
		assert.Equal(t, i+1, job.Attempts)
		assert.Equal(t, models.StatusEnqueued, job.Status)
		require.NotNil(t, job.ScheduledFor)
		assert.Equal(t, failedAt.Add(delay), *job.ScheduledFor)
		assert.Equal(t, "portal timeout", job.Error)

		// Not eligible before the delay elapses.
		assert.Empty(t, h.engine.Cycle(ctx).Dispatched)
		h.clock.Advance(delay)
	}

	// Fourth run: retries are exhausted, attempts stays at the maximum.
	res := h.engine.Cycle(ctx)
	require.Equal(t, []string{"J"}, res.Dispatched)
	job, err := h.engine.Fail(ctx, "J", errors.New("portal timeout"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "portal timeout", job.Error)

	snap := h.engine.Snapshot(ctx)
	assert.Equal(t, 0, snap.Tracked, "permanently failed job leaves the dedup index")
	assert.Equal(t, 0, snap.Total)

	status, err := h.engine.Status("J")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
}

func TestRetryReinsertsAtTailOfOwnLane(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLadder = []time.Duration{0}
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.monitor.set(1, true)

	_, err := h.engine.EnqueueManual(ctx, reportJob("first", "f@shop.com"))
	require.NoError(t, err)
	_, err = h.engine.EnqueueManual(ctx, reportJob("second", "s@shop.com"))
	require.NoError(t, err)

	require.Equal(t, []string{"first"}, h.engine.Cycle(ctx).Dispatched)
	_, err = h.engine.Fail(ctx, "first", errors.New("boom"))
	require.NoError(t, err)

	pending := h.engine.Pending(PendingFilter{Lane: models.LanePriority})
	assert.Equal(t, []string{"second", "first"}, laneIDs(pending))
}

func TestFailUnknownJob(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.engine.Fail(context.Background(), "nope", errors.New("x"))
	assert.ErrorIs(t, err, ErrJobNotInFlight)

	_, err = h.engine.Complete(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrJobNotInFlight)
}

func TestDownloadChaining(t *testing.T) {
	cfg := testConfig()
	cfg.DownloadDelay = 15 * time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.engine.EnqueueManual(ctx, reportJob("J", "j@shop.com"))
	require.NoError(t, err)
	require.Equal(t, []string{"J"}, h.engine.Cycle(ctx).Dispatched)

	completedAt := h.clock.Now()
	parent, err := h.engine.Complete(ctx, "J", json.RawMessage(`{"requested":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, parent.Status)

	dl, err := h.engine.Status("J:download")
	require.NoError(t, err)
	assert.Equal(t, models.OperationDownload, dl.Operation)
	assert.Equal(t, models.LaneStandard, dl.Lane)
	assert.Equal(t, 0, dl.Attempts)
	assert.Equal(t, "J", dl.ParentID)
	assert.Equal(t, parent.Identifier, dl.Identifier)
	assert.Equal(t, parent.ReportType, dl.ReportType)
	require.NotNil(t, dl.ScheduledFor)
	assert.Equal(t, completedAt.Add(15*time.Minute), *dl.ScheduledFor)

	_, err = h.engine.ScheduleDownload(ctx, parent)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	snap := h.engine.Snapshot(ctx)
	assert.Equal(t, 1, snap.ScheduledDownloads)
	assert.Equal(t, 1, snap.Standard)

	// The download is not due yet.
	assert.Empty(t, h.engine.Cycle(ctx).Dispatched)
	h.clock.Advance(15 * time.Minute)
	assert.Equal(t, []string{"J:download"}, h.engine.Cycle(ctx).Dispatched)

	// Completing a download does not chain anything.
	_, err = h.engine.Complete(ctx, "J:download", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.Snapshot(ctx).Total)
}

func TestScheduleDownloadRejectsDownloadParent(t *testing.T) {
	h := newHarness(t, testConfig())
	parent := reportJob("D", "d@shop.com")
	parent.Operation = models.OperationDownload

	_, err := h.engine.ScheduleDownload(context.Background(), parent)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestCompleteReportsDownloadConflict(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	// A download with the derived id already waits.
	pre := reportJob("J:download", "j@shop.com")
	pre.Operation = models.OperationDownload
	_, err := h.engine.EnqueueBulk(ctx, pre)
	require.NoError(t, err)

	_, err = h.engine.EnqueueManual(ctx, reportJob("J", "j2@shop.com"))
	require.NoError(t, err)
	h.monitor.set(1, true)
	require.Equal(t, []string{"J"}, h.engine.Cycle(ctx).Dispatched)

	job, err := h.engine.Complete(ctx, "J", nil)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, models.StatusCompleted, job.Status, "completion stands even if chaining fails")
}

func TestIdempotentSnapshot(t *testing.T) {
	clock := newFakeClock()
	sampler := &countingSampler{}
	rcfg := resource.DefaultConfig()
	monitor := resource.NewMonitor(rcfg, sampler, discardLogger()).WithClock(clock.Now)

	e, err := NewEngine(testConfig(), Options{Monitor: monitor, Logger: discardLogger(), Clock: clock.Now})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	_, err = e.EnqueueManual(ctx, reportJob("a", "a@shop.com"))
	require.NoError(t, err)

	first := e.Snapshot(ctx)
	second := e.Snapshot(ctx)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sampler.reads)
}

type countingSampler struct {
	mu    sync.Mutex
	reads int
}

func (s *countingSampler) Sample(ctx context.Context) (resource.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	// Each read differs, so only caching makes snapshots agree.
	return resource.Sample{CPUPercent: float64(10 * s.reads), MemPercent: 20, FreeMB: 4096, TotalMB: 8192}, nil
}

func TestAdmissionSkipsWhileJobsInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.MinBatchSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	for i := range 4 {
		_, err := h.engine.EnqueueBulk(ctx, reportJob(fmt.Sprintf("j%d", i), fmt.Sprintf("j%d@shop.com", i)))
		require.NoError(t, err)
	}

	// Nothing in flight: negative verdict still dispatches min_batch_size.
	h.monitor.set(12, false)
	res := h.engine.Cycle(ctx)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.BatchSize)
	assert.Len(t, res.Dispatched, 1)

	// Something in flight: the cycle is skipped.
	res = h.engine.Cycle(ctx)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Dispatched)

	// Headroom again: full recommended size, clamped to what is waiting.
	h.monitor.set(12, true)
	res = h.engine.Cycle(ctx)
	assert.Equal(t, 12, res.BatchSize)
	assert.Len(t, res.Dispatched, 3)
}

func TestBatchSizeIsClamped(t *testing.T) {
	cfg := testConfig()
	cfg.MinBatchSize = 2
	cfg.MaxBatchSize = 5
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.monitor.set(20, true)
	assert.Equal(t, 5, h.engine.Cycle(ctx).BatchSize)
	h.monitor.set(1, true)
	assert.Equal(t, 2, h.engine.Cycle(ctx).BatchSize)
}

func TestSampleErrorDegrades(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.monitor.err = fmt.Errorf("%w: no /proc", resource.ErrSample)

	for i := range 10 {
		_, err := h.engine.EnqueueBulk(ctx, reportJob(fmt.Sprintf("j%d", i), fmt.Sprintf("j%d@shop.com", i)))
		require.NoError(t, err)
	}

	// Degraded verdict is negative; with nothing in flight the floor applies.
	res := h.engine.Cycle(ctx)
	assert.Equal(t, h.engine.Config().MinBatchSize, res.BatchSize)
	assert.NotEmpty(t, res.Resources.Error)

	snap := h.engine.Snapshot(ctx)
	assert.Equal(t, resource.LoadCritical, snap.Resources.LoadClass)
}

func TestCooldownSpacesSameResource(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.engine.EnqueueBulk(ctx, reportJob("a1", "same@shop.com"))
	require.NoError(t, err)
	_, err = h.engine.EnqueueBulk(ctx, reportJob("a2", "same@shop.com"))
	require.NoError(t, err)
	_, err = h.engine.EnqueueBulk(ctx, reportJob("b1", "other@shop.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "b1"}, h.engine.Cycle(ctx).Dispatched)
	assert.Empty(t, h.engine.Cycle(ctx).Dispatched, "a2 still cooling down")

	h.clock.Advance(time.Second)
	assert.Equal(t, []string{"a2"}, h.engine.Cycle(ctx).Dispatched)
}

func TestCooldownUsesResourceKey(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()

	x := reportJob("x", "x@shop.com")
	x.ResourceKey = "portal"
	y := reportJob("y", "y@shop.com")
	y.ResourceKey = "portal"
	_, err := h.engine.EnqueueBulk(ctx, x)
	require.NoError(t, err)
	_, err = h.engine.EnqueueBulk(ctx, y)
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, h.engine.Cycle(ctx).Dispatched)
}

func TestReservationDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.ReservationTimeout = time.Minute
	cfg.RetryLadder = []time.Duration{time.Second}
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.engine.EnqueueBulk(ctx, reportJob("stuck", "s@shop.com"))
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, h.engine.Cycle(ctx).Dispatched)

	h.clock.Advance(time.Minute + time.Second)
	res := h.engine.Cycle(ctx)
	assert.Equal(t, 1, res.Expired)

	job, err := h.engine.Status("stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.StatusEnqueued, job.Status)
	assert.Contains(t, job.Error, ErrReservationExpired.Error())

	// A late report from the original executor is rejected.
	_, err = h.engine.Complete(ctx, "stuck", nil)
	assert.ErrorIs(t, err, ErrJobNotInFlight)
}

func TestExecutorReceivesBatch(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.engine.EnqueueBulk(ctx, reportJob("a", "a@shop.com"))
	require.NoError(t, err)
	_, err = h.engine.EnqueueManual(ctx, reportJob("b", "b@shop.com"))
	require.NoError(t, err)

	h.engine.Cycle(ctx)
	assert.Equal(t, [][]string{{"b", "a"}}, h.exec.ids())

	h.engine.Cycle(ctx)
	assert.Len(t, h.exec.ids(), 1, "empty cycles do not call the executor")
}

func TestCycleClampsToExecutorCapacity(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.engine.EnqueueBulk(ctx, reportJob(id, id+"@shop.com"))
		require.NoError(t, err)
	}

	h.exec.setSlots(2)
	res := h.engine.Cycle(ctx)
	assert.Equal(t, 2, res.BatchSize)
	assert.Equal(t, []string{"a", "b"}, res.Dispatched)

	h.exec.setSlots(0)
	res = h.engine.Cycle(ctx)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Dispatched)

	job, err := h.engine.Status("c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnqueued, job.Status, "no reservation is taken without a free slot")
	assert.Nil(t, job.ReservedUntil)
}

type runnerFunc func(ctx context.Context, job models.Job) (json.RawMessage, error)

func (f runnerFunc) Run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

func TestCycleWithSaturatedPoolReservesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.ReservationTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	started := make(chan string, 3)
	release := make(chan struct{})
	pool := executor.NewPool(executor.Options{
		Runner: runnerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			started <- job.ID
			<-release
			return nil, nil
		}),
		Lifecycle:   h.engine,
		Concurrency: 1,
		Logger:      discardLogger(),
	})
	h.engine.SetExecutor(pool)

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.engine.EnqueueBulk(ctx, reportJob(id, id+"@shop.com"))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a"}, h.engine.Cycle(ctx).Dispatched)
	assert.Equal(t, "a", <-started)

	for range 3 {
		res := h.engine.Cycle(ctx)
		assert.True(t, res.Skipped)
		assert.Empty(t, res.Dispatched)
	}
	assert.Len(t, h.engine.InFlight(), 1)

	// Waiting jobs hold no reservation, so they cannot expire behind the busy worker.
	h.clock.Advance(2 * time.Minute)
	res := h.engine.Cycle(ctx)
	assert.Equal(t, 1, res.Expired, "only the running job had a deadline")

	close(release)
	pool.Wait()

	for _, id := range []string{"b", "c"} {
		job, err := h.engine.Status(id)
		require.NoError(t, err)
		assert.Equal(t, 0, job.Attempts, id)
		assert.Equal(t, models.StatusEnqueued, job.Status, id)
	}

	// a's reservation was swept, so its late outcome was dropped rather than reported.
	a, err := h.engine.Status("a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)
	assert.Contains(t, a.Error, ErrReservationExpired.Error())
}

func TestEnqueueGeneratesID(t *testing.T) {
	h := newHarness(t, testConfig())

	j := reportJob("", "jane.doe@shop.com")
	j.Operation = ""
	got, err := h.engine.EnqueueBulk(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.ID, "jane_"), got.ID)
	assert.Equal(t, models.OperationRequest, got.Operation)
}

func TestEnqueueMany(t *testing.T) {
	h := newHarness(t, testConfig())

	jobs := []models.Job{
		reportJob("a", "a@shop.com"),
		reportJob("a", "a@shop.com"),
		reportJob("c", ""),
		reportJob("d", "d@shop.com"),
	}
	results := h.engine.EnqueueMany(context.Background(), jobs, models.LaneStandard)
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrDuplicateJob)
	assert.ErrorIs(t, results[2].Err, ErrInvalidJob)
	assert.NotEmpty(t, results[2].Error)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, 2, h.engine.Snapshot(context.Background()).Standard)
}

func TestRemoveBumpPreviewDrain(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.engine.EnqueueBulk(ctx, reportJob(id, id+"@shop.com"))
		require.NoError(t, err)
	}

	require.NoError(t, h.engine.Remove("b"))
	assert.ErrorIs(t, h.engine.Remove("b"), ErrJobNotFound)

	_, err := h.engine.Bump("c")
	require.NoError(t, err)

	preview := h.engine.Preview(0)
	require.Len(t, preview, 2)
	assert.Equal(t, "c", preview[0].Job.ID)
	assert.Equal(t, models.LanePriority, preview[0].Lane)

	d := h.engine.DrainAll(ctx)
	assert.Len(t, d.Priority, 1)
	assert.Len(t, d.Standard, 1)
	assert.Equal(t, 0, h.engine.Snapshot(ctx).Total)

	_, err = h.engine.Status("a")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPersistenceMirrorsTransitions(t *testing.T) {
	p := newMemoryPersistence()
	h := newHarness(t, testConfig(), func(o *Options) { o.Persistence = p })
	ctx := context.Background()

	_, err := h.engine.EnqueueManual(ctx, reportJob("J", "j@shop.com"))
	require.NoError(t, err)

	got, ok := p.get("J")
	require.True(t, ok, "enqueue waits for persistence")
	assert.Equal(t, models.StatusEnqueued, got.Status)

	h.engine.Cycle(ctx)
	_, err = h.engine.Complete(ctx, "J", nil)
	require.NoError(t, err)
	h.engine.Close()

	got, _ = p.get("J")
	assert.Equal(t, models.StatusCompleted, got.Status)
	dl, ok := p.get("J:download")
	require.True(t, ok)
	assert.Equal(t, models.StatusEnqueued, dl.Status)

	var last uint64
	for _, w := range p.writes {
		if w.ID != "J" {
			continue
		}
		assert.Greater(t, w.Version, last, "writes for one job arrive in version order")
		last = w.Version
	}
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	p := newMemoryPersistence()
	p.err = errors.New("db down")
	collector := metrics.NewCollector()
	h := newHarness(t, testConfig(), func(o *Options) {
		o.Persistence = p
		o.Collector = collector
	})

	_, err := h.engine.EnqueueManual(context.Background(), reportJob("J", "j@shop.com"))
	require.NoError(t, err)

	h.engine.Close()
	snap := collector.Snapshot()
	require.NotNil(t, snap.Persist)
	assert.Equal(t, int64(1), snap.Persist.Errors)
}

func TestRecorderSkipsStaleWrites(t *testing.T) {
	p := newMemoryPersistence()
	r := newRecorder(p, nil, discardLogger())

	r.record(models.Job{ID: "a", Version: 5, Status: models.StatusInProgress})
	r.record(models.Job{ID: "a", Version: 3, Status: models.StatusEnqueued})
	r.close()

	got, _ := p.get("a")
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Len(t, p.writes, 1)
}

// stalledPersistence blocks every write until released, like a database that stopped answering.
type stalledPersistence struct {
	release chan struct{}
	mu      sync.Mutex
	writes  int
}

func (p *stalledPersistence) Upsert(ctx context.Context, job models.Job) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return nil
}

func TestRecorderNeverBlocksOnStalledPersistence(t *testing.T) {
	p := &stalledPersistence{release: make(chan struct{})}
	collector := metrics.NewCollector()
	r := newRecorder(p, collector, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range recorderBuffer * 2 {
			r.record(models.Job{ID: fmt.Sprintf("j%d", i), Version: uint64(i + 1)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("record blocked on a full backlog")
	}

	// A synchronous write gives up with its context instead of waiting for buffer space.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	r.recordSync(ctx, models.Job{ID: "sync", Version: 1})
	assert.Less(t, time.Since(start), time.Second)

	close(p.release)
	r.close()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.LessOrEqual(t, p.writes, recorderBuffer+1)
	assert.Positive(t, p.writes)

	snap := collector.Snapshot()
	require.NotNil(t, snap.Persist)
	assert.Positive(t, snap.Persist.Errors, "dropped updates are counted")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	_, err := h.engine.EnqueueBulk(context.Background(), reportJob("a", "a@shop.com"))
	require.NoError(t, err)
	h.engine.Trigger()

	require.Eventually(t, func() bool { return len(h.exec.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

// completingExecutor finishes every job on its own goroutine, like a real pool.
type completingExecutor struct {
	engine *Engine
	mu     sync.Mutex
	seen   map[string]int
	wg     sync.WaitGroup
}

func (x *completingExecutor) Run(ctx context.Context, batch []models.Job) {
	for _, j := range batch {
		x.wg.Add(1)
		go func(id string) {
			defer x.wg.Done()
			x.mu.Lock()
			x.seen[id]++
			x.mu.Unlock()
			_, _ = x.engine.Complete(ctx, id, nil)
		}(j.ID)
	}
}

func (x *completingExecutor) Capacity() int {
	return math.MaxInt
}

func TestConcurrentEnqueueAndDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.DownloadDelay = 0
	e, err := NewEngine(cfg, Options{Monitor: admitting(20), Logger: discardLogger()})
	require.NoError(t, err)
	defer e.Close()

	x := &completingExecutor{engine: e, seen: make(map[string]int)}
	e.SetExecutor(x)
	ctx := context.Background()

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				id := fmt.Sprintf("p%d-%d", p, i)
				_, err := e.EnqueueBulk(ctx, reportJob(id, id+"@shop.com"))
				assert.NoError(t, err)
			}
		}()
	}

	stop := make(chan struct{})
	cycles := make(chan struct{})
	go func() {
		defer close(cycles)
		for {
			select {
			case <-stop:
				return
			default:
				e.Cycle(ctx)
			}
		}
	}()

	wg.Wait()
	require.Eventually(t, func() bool {
		s := e.Snapshot(ctx)
		return s.Total == 0 && s.History == 2*producers*perProducer
	}, 10*time.Second, 10*time.Millisecond)
	close(stop)
	<-cycles
	x.wg.Wait()

	x.mu.Lock()
	defer x.mu.Unlock()
	assert.Len(t, x.seen, 2*producers*perProducer)
	for id, n := range x.seen {
		assert.Equal(t, 1, n, "job %s dispatched more than once", id)
	}
}

func TestNewEngineValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 0
	_, err := NewEngine(cfg, Options{Monitor: admitting(1)})
	assert.ErrorContains(t, err, "max_batch_size")

	_, err = NewEngine(DefaultConfig(), Options{})
	assert.Error(t, err)
}
