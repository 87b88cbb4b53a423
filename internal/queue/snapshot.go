package queue

import (
	"context"
	"time"

	"github.com/raphaelgruber/reportq/internal/resource"
)

// Snapshot is a read-only view of engine state and host load.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Counts
	Total     int               `json:"total"`
	Resources resource.Snapshot `json:"resources"`
}

// Snapshot reads the store and the (cached) resource snapshot. It never mutates state.
// A failed host read yields the degraded resource snapshot with its Error set.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	res, err := e.monitor.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("resource sample failed", "error", err)
	}
	c := e.store.Counts()
	return Snapshot{
		Timestamp: e.now(),
		Counts:    c,
		Total:     c.Priority + c.Standard + c.InFlight,
		Resources: res,
	}
}
