// Package metrics defines the Prometheus instrumentation of the tracker.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest results.
const (
	ResultRecorded  = "recorded"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

var (
	// Ingestion
	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onrepeat_ingest_events_total",
			Help: "Play events handled by the ingestion engine, by result",
		},
		[]string{"result"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onrepeat_ingest_duration_seconds",
			Help:    "Duration of single-event ingestion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ThresholdCrossings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onrepeat_threshold_crossings_total",
			Help: "Tracks whose play count reached the promotion threshold",
		},
	)

	// Promotion
	PromotionDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onrepeat_promotion_deliveries_total",
			Help: "Threshold-crossing deliveries per sink and status",
		},
		[]string{"sink", "status"},
	)

	// Poller
	PollRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onrepeat_poll_runs_total",
			Help: "Recently-played poll runs by status",
		},
		[]string{"status"},
	)

	PollFetchedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onrepeat_poll_fetched_events_total",
			Help: "Play events fetched from the recently-played feed",
		},
	)

	PollerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onrepeat_poller_running",
			Help: "1 while the periodic poller is started",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onrepeat_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onrepeat_api_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordIngest records one ingestion outcome.
func RecordIngest(result string, duration time.Duration) {
	IngestEvents.WithLabelValues(result).Inc()
	IngestDuration.Observe(duration.Seconds())
}

// RecordCrossing records a threshold crossing.
func RecordCrossing() {
	ThresholdCrossings.Inc()
}

// RecordPromotion records a delivery attempt to sink.
func RecordPromotion(sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	PromotionDeliveries.WithLabelValues(sink, status).Inc()
}

// RecordPollRun records a completed poll run.
func RecordPollRun(fetched int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	PollRuns.WithLabelValues(status).Inc()
	PollFetchedEvents.Add(float64(fetched))
}

// SetPollerRunning updates the poller state gauge.
func SetPollerRunning(running bool) {
	if running {
		PollerRunning.Set(1)
		return
	}
	PollerRunning.Set(0)
}

// SetCircuitBreakerState updates the state gauge of breaker name.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordAPIRequest records one HTTP API request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
