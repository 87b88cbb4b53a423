// Package models defines the report job data model shared by the engine, persistence and API.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is the phase of a report workflow a job performs.
type Operation string

const (
	OperationRequest  Operation = "request"
	OperationDownload Operation = "download"
)

// Lane selects which queue a job waits in.
type Lane string

const (
	LanePriority Lane = "priority"
	LaneStandard Lane = "standard"
)

// ParseLane accepts the lane names plus the manual/bulk aliases used by producers.
func ParseLane(s string) (Lane, error) {
	switch s {
	case "priority", "manual":
		return LanePriority, nil
	case "standard", "bulk", "":
		return LaneStandard, nil
	default:
		return "", fmt.Errorf("unknown lane %q", s)
	}
}

// ReportType enumerates the seller portal reports the engine can schedule.
type ReportType string

const (
	ReportListings            ReportType = "listings"
	ReportAllInventory        ReportType = "all_inventory_report"
	ReportReturnsOrders       ReportType = "returns_orders"
	ReportCancelledOrders     ReportType = "cancelled_orders"
	ReportProcessingOrders    ReportType = "processing_orders"
	ReportDispatchedOrders    ReportType = "dispatched_orders"
	ReportCompletedOrders     ReportType = "completed_orders"
	ReportUpcomingOrders      ReportType = "upcoming_orders"
	ReportFulfilmentReturn    ReportType = "fulfilment_return_report"
	ReportInvoice             ReportType = "invoice_report"
	ReportFinancial           ReportType = "financial_report"
	ReportSettledTransactions ReportType = "settled_transactions_report"
	ReportGST                 ReportType = "gst_report"
	ReportSales               ReportType = "sales_report"
	ReportTDS                 ReportType = "tds_report"
)

// ReportTypes lists every supported report type in a stable order.
var ReportTypes = []ReportType{
	ReportListings,
	ReportAllInventory,
	ReportReturnsOrders,
	ReportCancelledOrders,
	ReportProcessingOrders,
	ReportDispatchedOrders,
	ReportCompletedOrders,
	ReportUpcomingOrders,
	ReportFulfilmentReturn,
	ReportInvoice,
	ReportFinancial,
	ReportSettledTransactions,
	ReportGST,
	ReportSales,
	ReportTDS,
}

// Valid reports whether t is a known report type.
func (t ReportType) Valid() bool {
	for _, known := range ReportTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Parameters is the report date range. Zero times mean "not set".
type Parameters struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Job is the unit of schedulable work.
type Job struct {
	ID         string     `json:"job_id"`
	SellerID   string     `json:"seller_id"`
	Identifier string     `json:"identifier"`
	ReportType ReportType `json:"report_type"`
	Operation  Operation  `json:"operation"`
	Lane       Lane       `json:"lane"`
	Parameters Parameters `json:"parameters"`

	// Credentials is owned by the login collaborator and never interpreted here.
	Credentials json.RawMessage `json:"credentials,omitempty"`

	// ResourceKey overrides the cooldown key. Empty means the identifier.
	ResourceKey string `json:"resource_key,omitempty"`

	// ParentID links a derived download job to the request job that produced it.
	ParentID string `json:"parent_id,omitempty"`

	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`

	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Version increases on every state change and orders persistence writes.
	Version uint64 `json:"version"`
}

// CooldownKey is the resource the job's operations are spaced against.
func (j *Job) CooldownKey() string {
	if j.ResourceKey != "" {
		return j.ResourceKey
	}
	return j.Identifier
}

// Due reports whether the job's scheduled time has been reached.
func (j *Job) Due(now time.Time) bool {
	return j.ScheduledFor == nil || !now.Before(*j.ScheduledFor)
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (j *Job) Clone() Job {
	c := *j
	c.Credentials = cloneRaw(j.Credentials)
	c.Result = cloneRaw(j.Result)
	c.ScheduledFor = cloneTime(j.ScheduledFor)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.ReservedUntil = cloneTime(j.ReservedUntil)
	return c
}

// Validate checks the identity and classification fields required at the enqueue boundary.
func (j *Job) Validate() error {
	var errs []error
	if j.ID == "" {
		errs = append(errs, errors.New("job_id is required"))
	}
	if j.SellerID == "" {
		errs = append(errs, errors.New("seller_id is required"))
	}
	if j.Identifier == "" {
		errs = append(errs, errors.New("identifier is required"))
	}
	if !j.ReportType.Valid() {
		errs = append(errs, fmt.Errorf("unknown report_type %q", j.ReportType))
	}
	if j.Operation != OperationRequest && j.Operation != OperationDownload {
		errs = append(errs, fmt.Errorf("unknown operation %q", j.Operation))
	}
	if j.Lane != LanePriority && j.Lane != LaneStandard {
		errs = append(errs, fmt.Errorf("unknown lane %q", j.Lane))
	}
	p := j.Parameters
	if !p.StartDate.IsZero() && !p.EndDate.IsZero() && p.EndDate.Before(p.StartDate) {
		errs = append(errs, errors.New("end_date must not be before start_date"))
	}
	return errors.Join(errs...)
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
