package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memberstore_operation_duration_seconds",
		Help:    "Duration of store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"store", "operation", "result"})

	validationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberstore_validations_total",
		Help: "Count of credential validations by outcome",
	}, []string{"outcome"})

	lockouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberstore_lockouts_total",
		Help: "Count of accounts locked out by failure reason",
	}, []string{"reason"})

	scopeCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberstore_scope_cache_lookups_total",
		Help: "Tenant scope cache lookups by result",
	}, []string{"result"})

	transientRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberstore_transient_retries_total",
		Help: "Count of operations retried after a transient store error",
	}, []string{"store", "operation"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memberstore_http_request_duration_seconds",
		Help:    "Duration of requests on the operational HTTP surface",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// ObserveOperation records the duration and result of one store operation.
func ObserveOperation(store, operation, result string, duration time.Duration) {
	operationDuration.WithLabelValues(store, operation, result).Observe(duration.Seconds())
}

// ObserveValidation increments the validation counter for an outcome
// (success, bad_password, locked_out, not_found, not_approved).
func ObserveValidation(outcome string) {
	validationResults.WithLabelValues(outcome).Inc()
}

// ObserveLockout records an account crossing the lockout threshold.
func ObserveLockout(reason string) {
	lockouts.WithLabelValues(reason).Inc()
}

// ObserveScopeCache records a tenant cache lookup (hit or miss).
func ObserveScopeCache(result string) {
	scopeCacheLookups.WithLabelValues(result).Inc()
}

// ObserveTransientRetry records a retry after a transient store failure.
func ObserveTransientRetry(store, operation string) {
	transientRetries.WithLabelValues(store, operation).Inc()
}

// ObserveHTTPRequest records one operational HTTP request.
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
