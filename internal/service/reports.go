// Package service turns producer-facing report requests into engine jobs.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/queue"
)

// DateLayout is the accepted format for report date ranges.
const DateLayout = "2006-01-02"

// ErrInvalidRequest wraps every validation failure of a ReportRequest.
var ErrInvalidRequest = errors.New("invalid report request")

// Auth identifies the seller account a request runs against.
type Auth struct {
	SellerID   string `json:"seller_id"`
	Identifier string `json:"identifier"`
	Password   string `json:"password,omitempty"`
	OTPLogin   bool   `json:"otp_login"`
}

// RequestedOperations selects report types and their date range.
type RequestedOperations struct {
	ReportTypes []models.ReportType `json:"report_types"`
	StartDate   string              `json:"start_date"`
	EndDate     string              `json:"end_date"`
}

// ReportRequest asks for one or more reports for one seller account.
type ReportRequest struct {
	Auth                Auth                `json:"auth"`
	RequestedOperations RequestedOperations `json:"requested_operations"`
	// ResourceKey optionally overrides the cooldown key shared by the expanded jobs.
	ResourceKey string `json:"resource_key,omitempty"`
}

// credentials is the opaque blob handed to the login collaborator.
type credentials struct {
	Password string `json:"password,omitempty"`
	OTPLogin bool   `json:"otp_login"`
}

// Enqueuer is the part of the engine the service needs.
type Enqueuer interface {
	EnqueueMany(ctx context.Context, jobs []models.Job, lane models.Lane) []queue.EnqueueResult
}

// ReportService expands report requests and enqueues the resulting jobs.
type ReportService struct {
	engine Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewReportService creates a service over the engine.
func NewReportService(engine Enqueuer, logger *slog.Logger) *ReportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportService{engine: engine, logger: logger, now: time.Now}
}

// Submit validates and expands the request, then enqueues every job in lane.
// Results are per job; a duplicate or invalid job does not stop the others.
func (s *ReportService) Submit(ctx context.Context, req ReportRequest, lane models.Lane) ([]queue.EnqueueResult, error) {
	jobs, err := s.Expand(req)
	if err != nil {
		return nil, err
	}

	results := s.engine.EnqueueMany(ctx, jobs, lane)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("report request submitted",
		"seller_id", req.Auth.SellerID,
		"lane", lane,
		"jobs", len(jobs),
		"failed", failed)
	return results, nil
}

// Expand validates the request and returns one request job per report type, each with its
// own generated id. Missing dates default to today.
func (s *ReportService) Expand(req ReportRequest) ([]models.Job, error) {
	params, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	creds, err := json.Marshal(credentials{Password: req.Auth.Password, OTPLogin: req.Auth.OTPLogin})
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	seen := make(map[models.ReportType]bool, len(req.RequestedOperations.ReportTypes))
	jobs := make([]models.Job, 0, len(req.RequestedOperations.ReportTypes))
	for _, rt := range req.RequestedOperations.ReportTypes {
		if seen[rt] {
			continue
		}
		seen[rt] = true
		jobs = append(jobs, models.Job{
			ID:          models.GenerateJobID(req.Auth.Identifier),
			SellerID:    req.Auth.SellerID,
			Identifier:  req.Auth.Identifier,
			ReportType:  rt,
			Operation:   models.OperationRequest,
			Parameters:  params,
			Credentials: creds,
			ResourceKey: req.ResourceKey,
		})
	}
	return jobs, nil
}

func (s *ReportService) validate(req ReportRequest) (models.Parameters, error) {
	var errs []error

	if strings.TrimSpace(req.Auth.SellerID) == "" {
		errs = append(errs, errors.New("auth.seller_id is required"))
	}
	if strings.TrimSpace(req.Auth.Identifier) == "" {
		errs = append(errs, errors.New("auth.identifier is required"))
	}
	if !req.Auth.OTPLogin && req.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required unless otp_login is set"))
	}

	ops := req.RequestedOperations
	if len(ops.ReportTypes) == 0 {
		errs = append(errs, errors.New("requested_operations.report_types must name at least one report type"))
	}
	for _, rt := range ops.ReportTypes {
		if !rt.Valid() {
			errs = append(errs, fmt.Errorf("unknown report type %q", rt))
		}
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	start, err := parseDate("start_date", ops.StartDate, today)
	if err != nil {
		errs = append(errs, err)
	}
	end, err := parseDate("end_date", ops.EndDate, today)
	if err != nil {
		errs = append(errs, err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		errs = append(errs, fmt.Errorf("end_date %s is before start_date %s", ops.EndDate, ops.StartDate))
	}

	if err := errors.Join(errs...); err != nil {
		return models.Parameters{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return models.Parameters{StartDate: start, EndDate: end}, nil
}

func parseDate(field, value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("requested_operations.%s %q is not YYYY-MM-DD", field, value)
	}
	return t, nil
}
