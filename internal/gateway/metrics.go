package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsMiddleware returns a middleware that records HTTP metrics
func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		routePath := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, routePath, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// registerMetrics registers the metrics endpoint
func (g *Gateway) registerMetrics() {
	g.router.Handle(g.opts.MetricsPath, promhttp.Handler())
}
