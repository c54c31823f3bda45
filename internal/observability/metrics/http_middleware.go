package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// HTTPMetricsMiddleware instruments the operational endpoints (health,
// readiness, metrics, status) with the request duration histogram.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ObserveHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
