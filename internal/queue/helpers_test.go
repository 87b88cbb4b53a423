package queue

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/resource"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// staticMonitor returns a fixed snapshot, or the degraded default with err.
type staticMonitor struct {
	mu   sync.Mutex
	snap resource.Snapshot
	err  error
}

func admitting(batch int) *staticMonitor {
	return &staticMonitor{snap: resource.Snapshot{
		Sample:               resource.Sample{CPUPercent: 20, MemPercent: 30, FreeMB: 8000},
		RecommendedBatchSize: batch,
		CanAdmitMore:         true,
		LoadClass:            resource.LoadLow,
	}}
}

func (m *staticMonitor) set(batch int, admit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RecommendedBatchSize = batch
	m.snap.CanAdmitMore = admit
}

func (m *staticMonitor) Snapshot(ctx context.Context) (resource.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return resource.Snapshot{RecommendedBatchSize: 8, LoadClass: resource.LoadCritical, Error: m.err.Error()}, m.err
	}
	return m.snap, nil
}

type captureExecutor struct {
	mu      sync.Mutex
	batches [][]models.Job
	bounded bool
	slots   int
}

func (x *captureExecutor) Run(ctx context.Context, batch []models.Job) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.batches = append(x.batches, batch)
}

func (x *captureExecutor) Capacity() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.bounded {
		return math.MaxInt
	}
	return x.slots
}

func (x *captureExecutor) setSlots(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bounded = true
	x.slots = n
}

func (x *captureExecutor) ids() [][]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([][]string, 0, len(x.batches))
	for _, b := range x.batches {
		ids := make([]string, 0, len(b))
		for _, j := range b {
			ids = append(ids, j.ID)
		}
		out = append(out, ids)
	}
	return out
}

type memoryPersistence struct {
	mu     sync.Mutex
	writes []models.Job
	latest map[string]models.Job
	err    error
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{latest: make(map[string]models.Job)}
}

func (p *memoryPersistence) Upsert(ctx context.Context, job models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, job)
	p.latest[job.ID] = job
	return nil
}

func (p *memoryPersistence) get(id string) (models.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.latest[id]
	return j, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	monitor *staticMonitor
	exec    *captureExecutor
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), monitor: admitting(20), exec: &captureExecutor{}}
	o := Options{Monitor: h.monitor, Logger: discardLogger(), Clock: h.clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(cfg, o)
	require.NoError(t, err)
	e.SetExecutor(h.exec)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	return cfg
}

func reportJob(id, identifier string) models.Job {
	return models.Job{
		ID:         id,
		SellerID:   "seller-1",
		Identifier: identifier,
		ReportType: models.ReportGST,
		Operation:  models.OperationRequest,
	}
}
