package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide instrument set. Construct once in main and
// hand to components; promauto registers on the default registry.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	MessagesPushedTotal prometheus.Counter
	DispatchesTotal     *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	TasksCompletedTotal *prometheus.CounterVec
	RetryAttemptsTotal  *prometheus.CounterVec
	AttemptsByStatus    *prometheus.GaugeVec
	ErrorsRecordedTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messagepusher_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "messagepusher_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		MessagesPushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "messagepusher_messages_pushed_total",
				Help: "Total number of accepted push calls",
			},
		),
		DispatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messagepusher_dispatches_total",
				Help: "Total number of outbound dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "messagepusher_queue_depth",
				Help: "Current task queue depth",
			},
		),
		TasksCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messagepusher_tasks_completed_total",
				Help: "Total number of finished tasks by terminal status",
			},
			[]string{"type", "status"},
		),
		RetryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messagepusher_retry_attempts_total",
				Help: "Total number of retry attempts",
			},
			[]string{"reason"},
		),
		AttemptsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "messagepusher_attempts_by_status",
				Help: "Delivery attempt rows by status, refreshed by the stats job",
			},
			[]string{"status"},
		),
		ErrorsRecordedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messagepusher_errors_recorded_total",
				Help: "Total number of errors recorded in the ledger by severity",
			},
			[]string{"severity"},
		),
	}
}
