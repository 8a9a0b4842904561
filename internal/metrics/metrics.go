// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Calendar cache
	CalendarRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bettercal_calendar_refresh_duration_seconds",
			Help:    "Duration of a full calendar cache refresh",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	CalendarFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_calendar_fetch_errors_total",
			Help: "Calendar fetches that failed during refresh",
		},
		[]string{"calendar"},
	)

	CalendarEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bettercal_calendar_events",
			Help: "Events held in the cache snapshot per calendar",
		},
		[]string{"calendar"},
	)

	CalendarLastRefresh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bettercal_calendar_last_refresh_timestamp",
			Help: "Unix timestamp of the last successful refresh",
		},
	)

	// Notification ledger
	LedgerRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bettercal_ledger_records",
			Help: "Notification records currently in the ledger",
		},
	)

	LedgerPersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bettercal_ledger_persist_errors_total",
			Help: "Ledger writes that failed; memory stays authoritative",
		},
	)

	// Reminders
	RemindersDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_reminders_dispatched_total",
			Help: "Reminder dispatch attempts by channel and outcome",
		},
		[]string{"channel", "result"}, // result: ok, error
	)

	RemindersCleaned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_reminders_cleaned_total",
			Help: "Ledger records removed by the cleanup sweep",
		},
		[]string{"reason"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bettercal_reminder_tick_duration_seconds",
			Help:    "Duration of a reminder clock tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_api_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bettercal_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_api_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// Circuit breakers (dispatch sinks)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bettercal_circuit_breaker_state",
			Help: "Breaker state: 0=closed, 1=open, 2=half-open",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bettercal_circuit_breaker_transitions_total",
			Help: "Breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordAPIRequest records one served request.
func RecordAPIRequest(method, route string, status int, took time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// RecordDispatch counts one reminder dispatch attempt.
func RecordDispatch(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RemindersDispatched.WithLabelValues(channel, result).Inc()
}

// RecordBreakerTransition updates the breaker gauges. from and to are the
// gobreaker state names.
func RecordBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
