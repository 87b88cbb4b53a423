// Package client provides an HTTP client for the reportq admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/server"
	"github.com/raphaelgruber/reportq/internal/service"
)

// Client talks to a running reportq server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// New creates a client.
// If baseURL is empty, uses REPORTQ_SERVER_URL or defaults to http://localhost:8080.
// Timeout can be configured via REPORTQ_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("REPORTQ_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("REPORTQ_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e server.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var h server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Enqueue adds one job to lane.
func (c *Client) Enqueue(ctx context.Context, job models.Job, lane models.Lane) (models.Job, error) {
	var out models.Job
	err := c.do(ctx, http.MethodPost, "/jobs?lane="+url.QueryEscape(string(lane)), job, &out)
	return out, err
}

// EnqueueMany adds several jobs to lane and returns a result per job.
func (c *Client) EnqueueMany(ctx context.Context, jobs []models.Job, lane models.Lane) ([]queue.EnqueueResult, error) {
	var out server.EnqueueManyResponse
	err := c.do(ctx, http.MethodPost, "/jobs?lane="+url.QueryEscape(string(lane)), jobs, &out)
	return out.Results, err
}

// SubmitReports expands a report request into jobs on the server.
func (c *Client) SubmitReports(ctx context.Context, req service.ReportRequest, lane models.Lane) ([]queue.EnqueueResult, error) {
	var out server.EnqueueManyResponse
	err := c.do(ctx, http.MethodPost, "/reports?lane="+url.QueryEscape(string(lane)), req, &out)
	return out.Results, err
}

// Reports lists a seller's persisted reports, most recently updated first.
func (c *Client) Reports(ctx context.Context, sellerID string, limit int) ([]server.ReportResponse, error) {
	q := url.Values{"seller_id": {sellerID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []server.ReportResponse
	err := c.do(ctx, http.MethodGet, "/reports?"+q.Encode(), nil, &out)
	return out, err
}

// Report returns one persisted report by its request job id.
func (c *Client) Report(ctx context.Context, id string) (server.ReportResponse, error) {
	var out server.ReportResponse
	err := c.do(ctx, http.MethodGet, "/reports/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Status returns a job by id.
func (c *Client) Status(ctx context.Context, id string) (models.Job, error) {
	var out models.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Pending lists waiting jobs matching the filter.
func (c *Client) Pending(ctx context.Context, f queue.PendingFilter) ([]models.Job, error) {
	q := url.Values{}
	if f.Operation != "" {
		q.Set("operation", string(f.Operation))
	}
	if f.Lane != "" {
		q.Set("lane", string(f.Lane))
	}
	if f.SellerID != "" {
		q.Set("seller_id", f.SellerID)
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []models.Job
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// InFlight lists reserved jobs.
func (c *Client) InFlight(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	err := c.do(ctx, http.MethodGet, "/jobs/in-flight", nil, &out)
	return out, err
}

// Preview lists the next n waiting jobs. n <= 0 uses the server default.
func (c *Client) Preview(ctx context.Context, n int) ([]queue.PreviewEntry, error) {
	path := "/jobs/preview"
	if n > 0 {
		path += "?limit=" + strconv.Itoa(n)
	}
	var out []queue.PreviewEntry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Complete reports a job as completed.
func (c *Client) Complete(ctx context.Context, id string, result json.RawMessage) (server.CompleteResponse, error) {
	var out server.CompleteResponse
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/complete", server.CompleteRequest{Result: result}, &out)
	return out, err
}

// Fail reports a failed attempt.
func (c *Client) Fail(ctx context.Context, id, reason string) (models.Job, error) {
	var out models.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/fail", server.FailRequest{Error: reason}, &out)
	return out, err
}

// Bump moves a waiting job to the priority lane.
func (c *Client) Bump(ctx context.Context, id string) (models.Job, error) {
	var out models.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/bump", nil, &out)
	return out, err
}

// Remove drops a waiting job.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

// Drain empties both lanes and returns what was removed.
func (c *Client) Drain(ctx context.Context) (queue.Drained, error) {
	var out queue.Drained
	err := c.do(ctx, http.MethodPost, "/drain", nil, &out)
	return out, err
}

// Dispatch asks the server to run a dispatch cycle now.
func (c *Client) Dispatch(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dispatch", nil, nil)
}

// Snapshot returns engine state and host load.
func (c *Client) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	var out queue.Snapshot
	err := c.do(ctx, http.MethodGet, "/snapshot", nil, &out)
	return out, err
}

// Stats returns the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (metrics.Snapshot, error) {
	var out metrics.Snapshot
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// StreamSnapshots subscribes to /snapshot/stream and calls fn for each snapshot until ctx is
// done or fn returns an error.
func (c *Client) StreamSnapshots(ctx context.Context, fn func(queue.Snapshot) error) error {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL+"/snapshot/stream", nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var snap queue.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}
