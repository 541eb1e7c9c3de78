package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Messaging metrics
	MessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcs_messages_consumed_total",
			Help: "Total number of messages consumed by queue",
		},
		[]string{"queue"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcs_messages_published_total",
			Help: "Total number of messages published by queue",
		},
		[]string{"queue"},
	)

	ProtocolRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcs_protocol_rejects_total",
			Help: "Total number of messages rejected by the message authority",
		},
		[]string{"msg_type"},
	)

	// Device metrics
	DevicesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmcs_devices_by_state",
			Help: "Number of devices in each lifecycle state",
		},
		[]string{"state"},
	)

	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmcs_faults_total",
			Help: "Total number of device faults by error code",
		},
		[]string{"error_code"},
	)

	// Job metrics
	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcs_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to device foremen",
		},
	)

	JobsScrubbed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcs_jobs_scrubbed_total",
			Help: "Total number of jobs scrubbed before acceptance",
		},
	)

	BacklogCCDs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmcs_backlog_ccds",
			Help: "Number of failed CCDs awaiting recovery",
		},
	)

	// Ack metrics
	AcksResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcs_acks_resolved_total",
			Help: "Total number of non-blocking acks answered before their deadline",
		},
	)

	AcksMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmcs_acks_missing_total",
			Help: "Total number of non-blocking acks that expired unanswered",
		},
	)

	AcksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmcs_acks_pending",
			Help: "Number of non-blocking acks awaiting the sweeper",
		},
	)

	AckWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmcs_ack_wait_duration_seconds",
			Help:    "Time spent waiting on ack quorums in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ack_type"},
	)
)

func init() {
	prometheus.MustRegister(MessagesConsumed)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(ProtocolRejects)
	prometheus.MustRegister(DevicesByState)
	prometheus.MustRegister(FaultsTotal)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsScrubbed)
	prometheus.MustRegister(BacklogCCDs)
	prometheus.MustRegister(AcksResolved)
	prometheus.MustRegister(AcksMissing)
	prometheus.MustRegister(AcksPending)
	prometheus.MustRegister(AckWaitDuration)
}

// RecordFault counts a fault under its error code label.
func RecordFault(errorCode int) {
	FaultsTotal.WithLabelValues(strconv.Itoa(errorCode)).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveAckWait records the elapsed time against the ack wait histogram
func (t *Timer) ObserveAckWait(ackType string) {
	AckWaitDuration.WithLabelValues(ackType).Observe(t.Duration().Seconds())
}
