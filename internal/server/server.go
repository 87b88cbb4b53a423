// Package server exposes the engine over a JSON admin API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/reportq/internal/db"
	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/service"
)

// ReportHistory reads persisted report records.
type ReportHistory interface {
	Get(ctx context.Context, id string) (*db.Report, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]db.Report, error)
}

// Options carries the server's collaborators. Engine is required.
type Options struct {
	Engine  *queue.Engine
	Reports *service.ReportService
	// History serves GET /reports. Nil when persistence is disabled.
	History   ReportHistory
	Collector *metrics.Collector
	Metrics   *metrics.Queue
	Logger    *slog.Logger
	Version   string
	// StreamInterval is how often /snapshot/stream pushes. Zero uses the dispatch interval.
	StreamInterval time.Duration
}

// Server serves the admin API.
type Server struct {
	engine    *queue.Engine
	reports   *service.ReportService
	history   ReportHistory
	collector *metrics.Collector
	prom      *metrics.Queue
	logger    *slog.Logger
	version   string
	interval  time.Duration
	upgrader  websocket.Upgrader
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reports == nil {
		opts.Reports = service.NewReportService(opts.Engine, opts.Logger)
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = opts.Engine.Config().DispatchInterval
	}
	return &Server{
		engine:    opts.Engine,
		reports:   opts.Reports,
		history:   opts.History,
		collector: opts.Collector,
		prom:      opts.Metrics,
		logger:    opts.Logger,
		version:   opts.Version,
		interval:  opts.StreamInterval,
		upgrader: websocket.Upgrader{
			// The admin API is for operators and local tools.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Handle("/metrics", s.prom.Handler())

	r.Get("/snapshot", s.snapshot)
	r.Get("/snapshot/stream", s.snapshotStream)
	r.Post("/drain", s.drain)
	r.Post("/dispatch", s.dispatch)
	r.Post("/reports", s.submitReports)
	r.Get("/reports", s.listReports)
	r.Get("/reports/{id}", s.getReport)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.enqueue)
		r.Get("/", s.pending)
		r.Get("/in-flight", s.inFlight)
		r.Get("/preview", s.preview)

		r.Get("/{id}", s.status)
		r.Delete("/{id}", s.remove)
		r.Post("/{id}/complete", s.complete)
		r.Post("/{id}/fail", s.fail)
		r.Post("/{id}/bump", s.bump)
	})

	return r
}
