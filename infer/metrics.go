package infer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "text_generation",
		Name:      "queue_depth",
		Help:      "Admitted requests currently owned by the queue, waiting or batched.",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "text_generation",
		Name:      "inflight_requests",
		Help:      "Admission permits currently held.",
	})

	batchSizeObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "text_generation",
		Name:      "batch_size",
		Help:      "Number of requests handed to each prefill call.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
	})

	batchAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "text_generation",
		Name:      "batch_aborts_total",
		Help:      "Batches aborted because a backend call failed.",
	})
)
