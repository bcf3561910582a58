package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Cycles             prometheus.Counter
	CycleFailures      prometheus.Counter
	SkippedTicks       prometheus.Counter
	Claimed            prometheus.Counter
	Sent               prometheus.Counter
	Retried            prometheus.Counter
	Failed             prometheus.Counter
	StaleReleased      prometheus.Counter
	BatchesSubmitted   prometheus.Counter
	RecipientsQueued   prometheus.Counter
	SubmissionRejected *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	Busy               prometheus.Gauge
}

// NewMetrics creates metrics registered on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics registered on reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_cycles_total",
			Help: "Total number of dispatch cycles run",
		}),
		CycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_cycle_failures_total",
			Help: "Total number of dispatch cycles aborted by a store error",
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_skipped_ticks_total",
			Help: "Timer ticks skipped because a cycle was still running",
		}),
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_claimed_total",
			Help: "Total number of queued emails claimed",
		}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_sent_total",
			Help: "Total number of emails accepted by the provider",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_retried_total",
			Help: "Total number of failed attempts returned to pending",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_failed_total",
			Help: "Total number of emails that failed terminally",
		}),
		StaleReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_stale_released_total",
			Help: "Total number of orphaned processing claims released",
		}),
		BatchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_batches_submitted_total",
			Help: "Total number of batches accepted",
		}),
		RecipientsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_recipients_queued_total",
			Help: "Total number of recipients queued",
		}),
		SubmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_dispatch_submissions_rejected_total",
			Help: "Submissions rejected before insert, by reason",
		}, []string{"reason"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_dispatch_cycle_duration_seconds",
			Help:    "Time spent running dispatch cycles",
			Buckets: prometheus.DefBuckets,
		}),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mail_dispatch_busy",
			Help: "1 while a dispatch cycle is running",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Cycles, m.CycleFailures, m.SkippedTicks, m.Claimed, m.Sent,
			m.Retried, m.Failed, m.StaleReleased, m.BatchesSubmitted,
			m.RecipientsQueued, m.SubmissionRejected, m.CycleDuration, m.Busy,
		)
	}
	return m
}

// NewNop creates unregistered metrics for tests and one-shot commands
func NewNop() *Metrics {
	return NewMetricsWith(nil)
}
