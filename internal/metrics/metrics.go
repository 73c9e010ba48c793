// Package metrics provides Prometheus instrumentation for the session
// service: per-operation counters and latencies, unbind race and bind
// conflict counters, and the live session gauge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for OperationsTotal.
const (
	ResultOK            = "ok"
	ResultNotFound      = "not_found"
	ResultConflict      = "conflict"
	ResultDataIntegrity = "data_integrity"
	ResultInvalid       = "invalid"
	ResultRateLimited   = "rate_limited"
	ResultError         = "error"
)

var (
	// OperationsTotal counts store operations by op and result.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_operations_total",
		Help: "Total number of session store operations",
	}, []string{"op", "result"})

	// OperationDuration records store round-trip latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_operation_duration_seconds",
		Help:    "Session store operation latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})

	// UnbindRaces counts unbinds that found some entries already gone.
	UnbindRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_unbind_races_total",
		Help: "Unbind transactions that removed fewer entries than expected",
	})

	// BindConflicts counts binds rejected because the token was already bound.
	BindConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_bind_conflicts_total",
		Help: "Bind transactions whose conditional create found an existing binding",
	})

	// ActiveSessions tracks the size of the global recency set.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_active_total",
		Help: "Current number of bound session tokens",
	})
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		UnbindRaces,
		BindConflicts,
		ActiveSessions,
	)
}

// Observe records one finished operation.
func Observe(op, result string, started time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
