package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue holds the Prometheus series exported by the engine.
// Every method is a no-op on a nil receiver so components can run without export.
type Queue struct {
	registry *prometheus.Registry

	laneLength *prometheus.GaugeVec
	inFlight   prometheus.Gauge
	batchSize  prometheus.Gauge
	cpuPercent prometheus.Gauge
	memPercent prometheus.Gauge

	enqueued           *prometheus.CounterVec
	dispatched         prometheus.Counter
	completed          *prometheus.CounterVec
	retried            prometheus.Counter
	failed             prometheus.Counter
	expired            prometheus.Counter
	downloadsScheduled prometheus.Counter

	runDuration *prometheus.HistogramVec
}

// NewQueue registers the engine series on a private registry, together with Go and process collectors.
func NewQueue() *Queue {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Queue{
		registry: reg,

		laneLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reportq_lane_length",
			Help: "Current number of waiting jobs in each lane",
		}, []string{"lane"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportq_in_flight_jobs",
			Help: "Current number of reserved jobs",
		}),
		batchSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportq_batch_size",
			Help: "Batch size chosen by the last dispatch cycle",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportq_host_cpu_percent",
			Help: "Host CPU utilisation at the last sample",
		}),
		memPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportq_host_memory_percent",
			Help: "Host memory utilisation at the last sample",
		}),

		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportq_jobs_enqueued_total",
			Help: "Total number of jobs accepted into a lane",
		}, []string{"lane", "operation"}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "reportq_jobs_dispatched_total",
			Help: "Total number of jobs handed to the executor",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportq_jobs_completed_total",
			Help: "Total number of jobs completed",
		}, []string{"operation"}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Name: "reportq_jobs_retried_total",
			Help: "Total number of failed attempts that were re-enqueued with backoff",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Name: "reportq_jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "reportq_reservations_expired_total",
			Help: "Total number of in-flight jobs failed by the reservation deadline",
		}),
		downloadsScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "reportq_downloads_scheduled_total",
			Help: "Total number of download jobs derived from completed requests",
		}),

		// 100ms to ~27min
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportq_job_run_duration_seconds",
			Help:    "Executor run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		}, []string{"operation", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (q *Queue) Handler() http.Handler {
	if q == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(q.registry, promhttp.HandlerOpts{Registry: q.registry})
}

// Registry exposes the underlying registry for tests.
func (q *Queue) Registry() *prometheus.Registry {
	if q == nil {
		return nil
	}
	return q.registry
}

// SetDepth publishes lane lengths and the in-flight count.
func (q *Queue) SetDepth(priority, standard, inFlight int) {
	if q == nil {
		return
	}
	q.laneLength.WithLabelValues("priority").Set(float64(priority))
	q.laneLength.WithLabelValues("standard").Set(float64(standard))
	q.inFlight.Set(float64(inFlight))
}

// ObserveCycle publishes the host reading and batch size of a dispatch cycle.
func (q *Queue) ObserveCycle(cpu, mem float64, batchSize, dispatched int) {
	if q == nil {
		return
	}
	q.cpuPercent.Set(cpu)
	q.memPercent.Set(mem)
	q.batchSize.Set(float64(batchSize))
	q.dispatched.Add(float64(dispatched))
}

// JobEnqueued counts an accepted job.
func (q *Queue) JobEnqueued(lane, operation string) {
	if q == nil {
		return
	}
	q.enqueued.WithLabelValues(lane, operation).Inc()
}

// JobCompleted counts a completion.
func (q *Queue) JobCompleted(operation string) {
	if q == nil {
		return
	}
	q.completed.WithLabelValues(operation).Inc()
}

// JobRetried counts a failed attempt that will be retried.
func (q *Queue) JobRetried() {
	if q == nil {
		return
	}
	q.retried.Inc()
}

// JobFailed counts a permanent failure.
func (q *Queue) JobFailed() {
	if q == nil {
		return
	}
	q.failed.Inc()
}

// ReservationExpired counts a deadline sweep hit.
func (q *Queue) ReservationExpired() {
	if q == nil {
		return
	}
	q.expired.Inc()
}

// DownloadScheduled counts a derived download job.
func (q *Queue) DownloadScheduled() {
	if q == nil {
		return
	}
	q.downloadsScheduled.Inc()
}

// ObserveRun records how long the executor spent on a job.
func (q *Queue) ObserveRun(operation, outcome string, d time.Duration) {
	if q == nil {
		return
	}
	q.runDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}
