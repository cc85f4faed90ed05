package pdb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// readersOpenedTotal counts readers created, by source (file, embedded, memory).
	readersOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portablepdb",
		Subsystem: "reader",
		Name:      "opened_total",
		Help:      "Symbol readers created by image source",
	}, []string{"source"})

	// indexBuildSeconds measures lazy index construction.
	// Labels: index (documents, methods)
	indexBuildSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portablepdb",
		Subsystem: "index",
		Name:      "build_seconds",
		Help:      "Time spent building document and method indexes",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"index"})

	// indexSkippedTotal counts entities left out of an index because their
	// metadata was malformed.
	indexSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portablepdb",
		Subsystem: "index",
		Name:      "skipped_total",
		Help:      "Entities skipped while building an index",
	}, []string{"index"})

	// decodeErrorsTotal counts per-call decode failures.
	// Labels: kind (constant, async, scope, sequence_points)
	decodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portablepdb",
		Subsystem: "decode",
		Name:      "errors_total",
		Help:      "Decode failures surfaced to callers",
	}, []string{"kind"})

	// constantCacheTotal counts constant value cache lookups by result (hit, miss).
	constantCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portablepdb",
		Subsystem: "constant_cache",
		Name:      "lookups_total",
		Help:      "Constant value cache lookups",
	}, []string{"result"})
)

func recordIndexBuild(index string, start time.Time, skipped int) {
	indexBuildSeconds.WithLabelValues(index).Observe(time.Since(start).Seconds())
	if skipped > 0 {
		indexSkippedTotal.WithLabelValues(index).Add(float64(skipped))
	}
}

func recordDecodeError(kind string, err error) error {
	if err != nil {
		decodeErrorsTotal.WithLabelValues(kind).Inc()
	}
	return err
}
