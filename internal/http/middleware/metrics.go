package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP collectors. Path labels use the route pattern, falling back to the
// raw path for unmatched routes.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds (WebSocket upgrades excluded).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests, open WebSocket upgrades included.",
		},
	)

	wsSessionDur = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_connection_duration_seconds",
			Help:    "Lifetime of upgraded WebSocket connections.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, wsSessionDur)
}

// Metrics records request counts, latency and in-flight requests. WebSocket
// upgrades are counted with status 101 and their lifetime goes to a
// dedicated histogram, so long-lived connections do not skew HTTP latency.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		upgrade := c.IsWebsocket()
		c.Next()

		dur := time.Since(start).Seconds()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := c.Writer.Status()
		if upgrade && status < 400 {
			// The hijacked writer never sees the 101.
			status = 101
			wsSessionDur.Observe(dur)
		} else {
			httpLat.WithLabelValues(method, path).Observe(dur)
		}
		httpReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	}
}
