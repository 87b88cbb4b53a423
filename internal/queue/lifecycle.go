package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/reportq/internal/models"
)

// Complete marks an in-flight job completed. A completed request job chains its download job;
// if that cannot be scheduled the completed job is still returned alongside the error.
func (e *Engine) Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error) {
	job, err := e.store.ReleaseSuccess(id, result)
	if err != nil {
		return models.Job{}, err
	}

	e.prom.JobCompleted(string(job.Operation))
	e.publishDepth()
	e.record(job)
	e.logger.Info("job completed", "job_id", id, "operation", job.Operation, "attempts", job.Attempts)

	if job.Operation != models.OperationRequest {
		return job, nil
	}
	if _, err := e.ScheduleDownload(ctx, job); err != nil {
		e.logger.Error("failed to schedule download", "job_id", id, "error", err)
		return job, fmt.Errorf("schedule download for %s: %w", id, err)
	}
	return job, nil
}

// Fail records a failed attempt and applies the retry ladder.
func (e *Engine) Fail(ctx context.Context, id string, cause error) (models.Job, error) {
	return e.fail(ctx, id, cause)
}

func (e *Engine) fail(ctx context.Context, id string, cause error) (models.Job, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	job, err := e.store.ReleaseFailure(id, cause.Error(), e.cfg.RetryDelay)
	if err != nil {
		return models.Job{}, err
	}

	if job.Status == models.StatusFailed {
		e.prom.JobFailed()
		e.logger.Error("job failed permanently",
			"job_id", id,
			"attempts", job.Attempts,
			"error", job.Error)
	} else {
		e.prom.JobRetried()
		e.logger.Warn("job attempt failed, retrying",
			"job_id", id,
			"attempts", job.Attempts,
			"scheduled_for", job.ScheduledFor,
			"error", job.Error)
	}
	e.publishDepth()
	e.record(job)
	return job, nil
}

// ScheduleDownload derives the download job for a completed request job and places it in the
// standard lane, due after the configured download delay. Its id is derived from the parent,
// so a second attempt for the same parent fails with ErrDuplicateJob.
func (e *Engine) ScheduleDownload(ctx context.Context, parent models.Job) (models.Job, error) {
	if parent.Operation != models.OperationRequest {
		return models.Job{}, fmt.Errorf("%w: %s is not a request job", ErrInvalidJob, parent.ID)
	}

	dl := models.Job{
		ID:           models.DownloadJobID(parent.ID),
		SellerID:     parent.SellerID,
		Identifier:   parent.Identifier,
		ReportType:   parent.ReportType,
		Operation:    models.OperationDownload,
		Parameters:   parent.Parameters,
		Credentials:  parent.Credentials,
		ResourceKey:  parent.ResourceKey,
		ParentID:     parent.ID,
		ScheduledFor: models.TimePtr(e.now().Add(e.cfg.DownloadDelay)),
	}

	job, err := e.enqueue(ctx, dl, models.LaneStandard)
	if err != nil {
		return models.Job{}, err
	}
	e.prom.DownloadScheduled()
	e.logger.Info("download scheduled", "job_id", job.ID, "parent_id", parent.ID, "scheduled_for", job.ScheduledFor)
	return job, nil
}
