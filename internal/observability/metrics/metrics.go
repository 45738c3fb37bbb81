package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleetwatch_"

	resultSuccess = "success"
	resultError   = "error"
	resultDropped = "dropped"
)

var (
	registerOnce sync.Once

	samplesReceived *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec
	ingestLatency   *prometheus.HistogramVec

	evaluateLatency prometheus.Histogram
	fireOutcomes    *prometheus.CounterVec
	alertEvents     *prometheus.CounterVec

	thresholdRefresh *prometheus.CounterVec

	activeSessions prometheus.Gauge

	listenerPanics    prometheus.Counter
	positionsWritten  *prometheus.CounterVec
	notifySendResults *prometheus.CounterVec
)

// Init registers fleetwatch metrics. db may be nil when running without Postgres.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		samplesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_received_total",
				Help: "GPS samples accepted for evaluation by source",
			},
			[]string{"source"},
		)
		samplesRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_rejected_total",
				Help: "GPS samples rejected before evaluation by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		evaluateLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluate_latency_seconds",
				Help:    "Per-sample evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		fireOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fire_attempts_total",
				Help: "Alert fire attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		alertEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert lifecycle events by type",
			},
			[]string{"event"},
		)

		thresholdRefresh = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "threshold_refresh_total",
				Help: "Threshold cache refreshes by result",
			},
			[]string{"result"},
		)

		activeSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "tracking_sessions_active",
				Help: "Vehicles with a live tracking session",
			},
		)

		listenerPanics = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "listener_panics_total",
				Help: "Alert listeners that panicked during delivery",
			},
		)
		positionsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "positions_written_total",
				Help: "Position history rows written by result",
			},
			[]string{"result"},
		)
		notifySendResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notify_send_total",
				Help: "Outbound alert notifications by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			samplesReceived,
			samplesRejected,
			ingestLatency,
			evaluateLatency,
			fireOutcomes,
			alertEvents,
			thresholdRefresh,
			activeSessions,
			listenerPanics,
			positionsWritten,
			notifySendResults,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncSampleReceived counts an accepted sample.
func IncSampleReceived(source string) {
	if source == "" {
		source = "unknown"
	}
	if samplesReceived != nil {
		samplesReceived.WithLabelValues(source).Inc()
	}
}

// IncSampleRejected counts a dropped sample.
func IncSampleRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if samplesRejected != nil {
		samplesRejected.WithLabelValues(reason).Inc()
	}
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveEvaluate records how long one sample took to evaluate.
func ObserveEvaluate(duration time.Duration) {
	if evaluateLatency != nil {
		evaluateLatency.Observe(duration.Seconds())
	}
}

// IncFireOutcome counts a fire attempt result.
func IncFireOutcome(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if fireOutcomes != nil {
		fireOutcomes.WithLabelValues(kind, outcome).Inc()
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alertEvents != nil {
		alertEvents.WithLabelValues(event).Inc()
	}
}

// IncThresholdRefresh counts a threshold cache refresh.
func IncThresholdRefresh(result string) {
	if result == "" {
		result = resultSuccess
	}
	if thresholdRefresh != nil {
		thresholdRefresh.WithLabelValues(result).Inc()
	}
}

// SetActiveSessions sets the tracking session gauge.
func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	if activeSessions != nil {
		activeSessions.Set(float64(count))
	}
}

// IncListenerPanic counts a recovered listener panic.
func IncListenerPanic() {
	if listenerPanics != nil {
		listenerPanics.Inc()
	}
}

// AddPositionsWritten counts position rows by result.
func AddPositionsWritten(result string, count int) {
	if count <= 0 {
		return
	}
	if result == "" {
		result = resultSuccess
	}
	if positionsWritten != nil {
		positionsWritten.WithLabelValues(result).Add(float64(count))
	}
}

// IncNotifySend counts an outbound notification.
func IncNotifySend(result string) {
	if result == "" {
		result = resultSuccess
	}
	if notifySendResults != nil {
		notifySendResults.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultDropped = resultDropped
)
