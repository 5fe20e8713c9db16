package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_processed_total",
			Help: "Jobs pulled from the queue, by lane",
		},
		[]string{"lane"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_completed_total",
			Help: "Jobs that finished successfully, by lane",
		},
		[]string{"lane"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_failed_total",
			Help: "Jobs that exhausted retries or failed permanently, by lane",
		},
		[]string{"lane"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_retried_total",
			Help: "Job attempts rescheduled for backoff retry, by lane",
		},
		[]string{"lane"},
	)

	JobsStalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_stalled_total",
			Help: "Jobs recovered by the stalled-job reaper, by lane",
		},
		[]string{"lane"},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_emails_sent_total",
			Help: "Emails accepted by the SMTP transport",
		},
	)

	EmailsBounced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_emails_bounced_total",
			Help: "Delivery attempts classified as bounces",
		},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Send attempts deferred by the per-profile hourly quota",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Jobs per lane and state",
		},
		[]string{"lane", "state"},
	)
)

// Register installs all collectors on the default registry. Call once at
// process startup.
func Register() {
	prometheus.MustRegister(
		JobsProcessed,
		JobsCompleted,
		JobsFailed,
		JobsRetried,
		JobsStalled,
		EmailsSent,
		EmailsBounced,
		RateLimitRejections,
		QueueDepth,
	)
}
