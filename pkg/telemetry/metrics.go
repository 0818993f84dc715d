package telemetry

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequests counts requests by method, route and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trionyx_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration tracks request latency by method and route.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trionyx_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Tasks counts finished task executions by name and final status.
	Tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trionyx_tasks_total",
			Help: "Total number of task executions by status",
		},
		[]string{"task", "status"},
	)

	// TaskDuration tracks task execution time.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trionyx_task_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"task"},
	)

	// TasksRecovered counts records failed by the recovery job.
	TasksRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trionyx_tasks_recovered_total",
			Help: "Task records marked failed after an unexpected stop",
		},
	)

	// AuditEntries counts written audit entries by action.
	AuditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trionyx_audit_entries_total",
			Help: "Audit log entries written by action",
		},
		[]string{"action"},
	)
)

var (
	numericSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
	registerOnce   sync.Once
)

func init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequests, HTTPDuration, Tasks, TaskDuration, TasksRecovered, AuditEntries)
	})
}

// NormalizeRoute replaces numeric path segments with {id}. Route patterns
// from the router pass through unchanged.
func NormalizeRoute(path string) string {
	return numericSegment.ReplaceAllString(path, "/{id}$1")
}

// RecordRequest records one finished HTTP request.
func RecordRequest(method, route string, status int, d time.Duration) {
	route = NormalizeRoute(route)
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordTask records one finished task execution.
func RecordTask(name, status string, d time.Duration) {
	Tasks.WithLabelValues(name, status).Inc()
	TaskDuration.WithLabelValues(name).Observe(d.Seconds())
}
