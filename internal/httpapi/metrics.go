package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sonateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sonateRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sonate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sonateLedgerRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sonate_ledger_records",
		Help: "Number of records currently in the trust ledger.",
	})

	sonateVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_chain_verifications_total",
		Help: "Total chain verification passes by result.",
	}, []string{"result"})

	sonateImportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonate_records_imported_total",
		Help: "Total records accepted via snapshot import.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		sonateRequestsTotal.WithLabelValues(method, path, status).Inc()
		sonateRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerSize publishes the current chain length.
func RecordLedgerSize(n int) {
	sonateLedgerRecords.Set(float64(n))
}

// RecordChainVerification records a chain verification pass result.
func RecordChainVerification(valid bool) {
	if valid {
		sonateVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		sonateVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordImported records n accepted records from a snapshot import.
func RecordImported(n int) {
	sonateImportedTotal.Add(float64(n))
}
