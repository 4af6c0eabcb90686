package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sakif/authcore/internal/metrics"
)

// Metrics records request count and latency per route in m.
//
// The route label is read AFTER the handler runs: chi fills in the
// matched pattern while routing, so it is not known on the way in.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			m.ObserveHTTP(r.Method, routePattern(r), strconv.Itoa(rec.status), time.Since(start).Seconds())
		})
	}
}
