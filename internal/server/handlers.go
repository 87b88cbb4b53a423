package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/reportq/internal/db"
	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/service"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EnqueueManyResponse carries per-job results of a batch enqueue.
type EnqueueManyResponse struct {
	Results []queue.EnqueueResult `json:"results"`
}

// CompleteRequest is the body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// CompleteResponse reports the completed job and, when chaining failed, why.
type CompleteResponse struct {
	Job     models.Job `json:"job"`
	Warning string     `json:"warning,omitempty"`
}

// FailRequest is the body of POST /jobs/{id}/fail.
type FailRequest struct {
	Error string `json:"error"`
}

// ReportResponse is a persisted report record. ID is the record key, which is the request job id.
type ReportResponse struct {
	db.Report
	ID string `json:"id"`
}

// errHistoryDisabled is returned by the report history routes when no store is configured.
var errHistoryDisabled = errors.New("report history disabled: no database configured")

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot(r.Context()))
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	d := s.engine.DrainAll(r.Context())
	writeJSON(w, http.StatusOK, queue.Drained{
		Priority: publicAll(d.Priority),
		Standard: publicAll(d.Standard),
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	s.engine.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

// enqueue accepts one job object or an array of jobs. ?lane= selects the lane.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	lane, err := models.ParseLane(r.URL.Query().Get("lane"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var jobs []models.Job
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode jobs: %w", err))
			return
		}
		results := s.engine.EnqueueMany(r.Context(), jobs, lane)
		writeJSON(w, http.StatusOK, EnqueueManyResponse{Results: publicResults(results)})
		return
	}

	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode job: %w", err))
		return
	}
	stored, err := s.engine.Enqueue(r.Context(), job, lane)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, stored.Public())
}

func (s *Server) submitReports(w http.ResponseWriter, r *http.Request) {
	lane, err := models.ParseLane(r.URL.Query().Get("lane"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req service.ReportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	results, err := s.reports.Submit(r.Context(), req, lane)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, EnqueueManyResponse{Results: publicResults(results)})
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errHistoryDisabled)
		return
	}

	seller := r.URL.Query().Get("seller_id")
	if seller == "" {
		writeError(w, http.StatusBadRequest, errors.New("seller_id is required"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q is not a positive number", v))
			return
		}
		limit = parsed
	}

	reports, err := s.history.ListBySeller(r.Context(), seller, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]ReportResponse, 0, len(reports))
	for _, rep := range reports {
		out = append(out, reportResponse(rep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errHistoryDisabled)
		return
	}

	rep, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse(*rep))
}

func reportResponse(rep db.Report) ReportResponse {
	id, _ := db.RecordIDString(rep.ID)
	return ReportResponse{Report: rep, ID: id}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job.Public())
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.PendingFilter{
		Operation: models.Operation(q.Get("operation")),
		SellerID:  q.Get("seller_id"),
	}
	if l := q.Get("lane"); l != "" {
		lane, err := models.ParseLane(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Lane = lane
	}
	writeJSON(w, http.StatusOK, publicAll(s.engine.Pending(f)))
}

func (s *Server) inFlight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, publicAll(s.engine.InFlight()))
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q is not a number", v))
			return
		}
		n = parsed
	}

	entries := s.engine.Preview(n)
	for i := range entries {
		entries[i].Job = entries[i].Job.Public()
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bump(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Bump(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job.Public())
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	job, err := s.engine.Complete(r.Context(), chi.URLParam(r, "id"), req.Result)
	if err != nil && job.ID == "" {
		writeError(w, statusFor(err), err)
		return
	}
	resp := CompleteResponse{Job: job.Public()}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	var cause error
	if req.Error != "" {
		cause = errors.New(req.Error)
	}
	job, err := s.engine.Fail(r.Context(), chi.URLParam(r, "id"), cause)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job.Public())
}

// statusFor maps engine and service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrJobNotInFlight), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func publicAll(jobs []models.Job) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobs[i].Public())
	}
	return out
}

func publicResults(results []queue.EnqueueResult) []queue.EnqueueResult {
	for i := range results {
		results[i].Job = results[i].Job.Public()
	}
	return results
}
