package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/reportq/internal/models"
)

// Step is the persisted state of one job of a report workflow.
type Step struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	Version       uint64     `json:"version"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	Result        string     `json:"result,omitempty"`
}

// Report is one requested seller report with its request and download steps.
type Report struct {
	ID         surrealmodels.RecordID `json:"id"`
	SellerID   string                 `json:"seller_id"`
	Identifier string                 `json:"identifier"`
	ReportType string                 `json:"report_type"`
	Lane       string                 `json:"lane"`
	Stage      string                 `json:"stage"`
	Status     string                 `json:"status"`
	StartDate  *time.Time             `json:"start_date,omitempty"`
	EndDate    *time.Time             `json:"end_date,omitempty"`
	Request    *Step                  `json:"request,omitempty"`
	Download   *Step                  `json:"download,omitempty"`
	Created    time.Time              `json:"created"`
	Updated    time.Time              `json:"updated"`
}

// upsertAttempts bounds retries of a write that hit a transaction conflict.
const upsertAttempts = 3

// ReportStore mirrors job transitions onto report records.
type ReportStore struct {
	client *Client
	logger *slog.Logger
}

// NewReportStore creates a store over an initialised client.
func NewReportStore(client *Client, logger *slog.Logger) *ReportStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportStore{client: client, logger: logger}
}

// Upsert writes the job onto its report record. A download job updates its parent's record.
func (s *ReportStore) Upsert(ctx context.Context, job models.Job) error {
	sql, vars := upsertReport(job)

	var err error
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		_, err = surrealdb.Query[[]Report](ctx, s.client.db, sql, vars)
		err = wrapQueryError(err)
		if !errors.Is(err, ErrTransactionConflict) {
			break
		}
		s.logger.Debug("report upsert conflict, retrying", "job_id", job.ID, "attempt", attempt)
	}
	if err != nil {
		return fmt.Errorf("upsert report %s: %w", vars["id"], err)
	}
	return nil
}

// Get returns a report by id.
func (s *ReportStore) Get(ctx context.Context, id string) (*Report, error) {
	results, err := surrealdb.Query[[]Report](ctx, s.client.db, `
		SELECT * FROM type::record("report", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &(*results)[0].Result[0], nil
}

// ListBySeller returns a seller's reports, most recently updated first.
func (s *ReportStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	results, err := surrealdb.Query[[]Report](ctx, s.client.db, `
		SELECT * FROM report WHERE seller_id = $seller_id ORDER BY updated DESC LIMIT $limit
	`, map[string]any{"seller_id": sellerID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []Report{}, nil
	}
	return (*results)[0].Result, nil
}

// ReportID returns the id of the report record a job belongs to.
func ReportID(job models.Job) string {
	if job.Operation == models.OperationDownload && job.ParentID != "" {
		return job.ParentID
	}
	return job.ID
}

// RecordIDString extracts the string id from a SurrealDB record id.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// upsertReport builds the statement and parameters for one job transition.
// The step field name comes from the closed Operation set, never from input.
func upsertReport(job models.Job) (string, map[string]any) {
	stepField := "request"
	if job.Operation == models.OperationDownload {
		stepField = "download"
	}

	vars := map[string]any{
		"id":          ReportID(job),
		"seller_id":   job.SellerID,
		"identifier":  job.Identifier,
		"report_type": string(job.ReportType),
		"lane":        string(job.Lane),
		"stage":       string(job.Operation),
		"status":      string(job.Status),
		"step":        stepDoc(job),
	}
	if !job.Parameters.StartDate.IsZero() {
		vars["start_date"] = job.Parameters.StartDate
	}
	if !job.Parameters.EndDate.IsZero() {
		vars["end_date"] = job.Parameters.EndDate
	}

	sql := fmt.Sprintf(`
		UPSERT type::record("report", $id) SET
			seller_id = $seller_id,
			identifier = $identifier,
			report_type = $report_type,
			lane = IF $stage = "request" THEN $lane ELSE (lane ?? $lane) END,
			stage = $stage,
			status = $status,
			start_date = $start_date ?? start_date,
			end_date = $end_date ?? end_date,
			%s = $step,
			updated = time::now()
		RETURN AFTER
	`, stepField)
	return sql, vars
}

// stepDoc renders the job's step object. Unset timestamps are left out.
func stepDoc(job models.Job) map[string]any {
	doc := map[string]any{
		"job_id":   job.ID,
		"status":   string(job.Status),
		"attempts": job.Attempts,
		"version":  job.Version,
	}
	for key, t := range map[string]*time.Time{
		"scheduled_for":   job.ScheduledFor,
		"last_attempt_at": job.LastAttemptAt,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
	} {
		if t != nil {
			doc[key] = *t
		}
	}
	if job.Error != "" {
		doc["error"] = job.Error
	}
	if len(job.Result) > 0 {
		doc["result"] = string(job.Result)
	}
	return doc
}
