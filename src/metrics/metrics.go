// Package metrics records counters about parsing and cache behaviour.
// Unlike a transient build process, the parse daemon is long lived, so these
// are plain Prometheus collectors that a caller can expose or read directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// CacheResults counts cache lookups by cache ("raw" or "node") and outcome ("hit" or "miss").
var CacheResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "parse_cache_results_total",
	Help: "Count of parse cache lookups by cache and outcome",
}, []string{"cache", "outcome"})

// Invalidations counts cache invalidations by reason.
var Invalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "parse_cache_invalidations_total",
	Help: "Count of cache invalidations by reason",
}, []string{"reason"})

// Parses counts build file parses by outcome ("success" or "failure").
var Parses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "build_file_parses_total",
	Help: "Count of build file parses by outcome",
}, []string{"outcome"})

// ParseDurations tracks how long individual build file parses take.
var ParseDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "build_file_parse_duration_seconds",
	Help:    "Durations of individual build file parses",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
})

// Reasons an invalidation can be recorded for.
const (
	ReasonPathChanged = "path_changed"
	ReasonEnvChanged  = "env_changed"
	ReasonOverflow    = "overflow"
	ReasonExplicit    = "explicit"
)

func init() {
	prometheus.MustRegister(CacheResults, Invalidations, Parses, ParseDurations)
}

// CacheResult records the outcome of a single cache lookup.
func CacheResult(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheResults.WithLabelValues(cache, outcome).Inc()
}

// CounterValue reads the current value of one labelled counter.
// It's mostly useful for tests and the stats output.
func CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
