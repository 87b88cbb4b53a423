package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
)

// ErrSimulatedFailure is returned by SimulatedRunner for its randomly failed attempts.
var ErrSimulatedFailure = errors.New("simulated portal failure")

// SimulatedRunner stands in for the browser automation. It waits Latency (plus up to Jitter)
// and fails with probability FailureRate.
type SimulatedRunner struct {
	Latency     time.Duration
	Jitter      time.Duration
	FailureRate float64

	// rand returns a float in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

type simulatedResult struct {
	Operation  models.Operation  `json:"operation"`
	ReportType models.ReportType `json:"report_type"`
	Attempt    int               `json:"attempt"`
	FinishedAt time.Time         `json:"finished_at"`
	Simulated  bool              `json:"simulated"`
}

// Run sleeps for the configured latency, then succeeds or fails.
func (r *SimulatedRunner) Run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	roll := rand.Float64
	if r.rand != nil {
		roll = r.rand
	}

	wait := r.Latency
	if r.Jitter > 0 {
		wait += time.Duration(roll() * float64(r.Jitter))
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if r.FailureRate > 0 && roll() < r.FailureRate {
		return nil, fmt.Errorf("%w: %s %s", ErrSimulatedFailure, job.Operation, job.ReportType)
	}

	return json.Marshal(simulatedResult{
		Operation:  job.Operation,
		ReportType: job.ReportType,
		Attempt:    job.Attempts + 1,
		FinishedAt: time.Now().UTC(),
		Simulated:  true,
	})
}
