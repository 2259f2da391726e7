package ingest

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reportsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_reports_processed",
	Help: "The number of reports handled, by outcome",
}, []string{"outcome"})

var readingsCommitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_readings_committed",
	Help: "The number of readings committed",
})

var processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingest_process_duration",
	Help:    "End to end report processing time in milliseconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 16),
})

var leaseContention = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_lease_contention",
	Help: "The number of deferred runs due to a held streamer lease",
})

var blocksRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_blocks_recovered",
	Help: "The number of dirty blocks retroactively re-anchored",
}, []string{"task"})

var reportsForwarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_reports_forwarded",
	Help: "The number of report blobs forwarded to the secondary cloud",
})

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_http_requests_total",
	Help: "The number of http requests handled, by route and status",
}, []string{"path", "status"})

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ingest_http_request_duration",
	Help:    "Http request latency in milliseconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
}, []string{"path"})

// MetricsMiddleware records request counts and latency per echo route.
func MetricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}

		httpRequestsTotal.WithLabelValues(c.Path(), strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Path()).Observe(float64(time.Since(start).Milliseconds()))
		return err
	}
}
