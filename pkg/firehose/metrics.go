package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_queue_depth",
	Help: "The current depth of the warehouse row buffer",
}, []string{"table"})

var rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "firehose_rows_processed",
	Help: "The number of rows buffered for the warehouse",
}, []string{"table"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "firehose_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of rows",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "firehose_batch_size",
	Help:    "The size of a batch of rows submitted to the warehouse",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"table"})
