package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_requests_total",
		Help: "Requests served, by operation and HTTP status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_request_duration_seconds",
		Help:    "Wall time spent evaluating one request",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	requestRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_request_rows",
		Help:    "Distribution of sequence rows per request",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
	})
)

func observeRequest(operation string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
