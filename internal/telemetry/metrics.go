package telemetry

import "github.com/prometheus/client_golang/prometheus"

// CacheHits and CacheMisses count Cache-First Loader admission checks
// (spec §4.9 CheckingCache stage outcome).
var CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "vidcache",
	Subsystem: "loader",
	Name:      "cache_hits_total",
	Help:      "Loads that found content already admitted to the content store.",
})

var CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "vidcache",
	Subsystem: "loader",
	Name:      "cache_misses_total",
	Help:      "Loads that required a fetch because content was not cached.",
})

// SyncOutcomes counts SyncOnce results by outcome (success, rejected,
// store_error).
var SyncOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vidcache",
	Subsystem: "reconcile",
	Name:      "sync_outcomes_total",
	Help:      "Reconciliation Engine SyncOnce calls by outcome.",
}, []string{"outcome"})

// Evictions counts content and record removals by triggering strategy
// (evict-lru, remove-corrupted, manual).
var Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vidcache",
	Subsystem: "recovery",
	Name:      "evictions_total",
	Help:      "Records or content evicted, labeled by recovery strategy.",
}, []string{"strategy"})

// LoaderStageDuration observes wall time spent in each Cache-First Loader
// stage, for diagnosing where a slow load is spending its time.
var LoaderStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vidcache",
	Subsystem: "loader",
	Name:      "stage_duration_seconds",
	Help:      "Time spent in each loader pipeline stage.",
	Buckets:   prometheus.DefBuckets,
}, []string{"stage"})

// MustRegister registers every collector in this package against reg. Call
// once at process startup; panics (via the underlying prometheus client) on
// a duplicate registration, which indicates a programming error.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(CacheHits, CacheMisses, SyncOutcomes, Evictions, LoaderStageDuration)
}
