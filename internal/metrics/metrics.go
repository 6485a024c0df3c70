// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkdex_scrape_jobs_total",
			Help: "Total scrape jobs processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	scrapeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkdex_scrape_duration_seconds",
			Help:    "Histogram of end-to-end scrape job durations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inkdex_queue_depth",
			Help: "Scrape queue depth, labeled by bucket (visible, in_flight, dead).",
		},
		[]string{"bucket"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkdex_active_workers",
			Help: "Number of scrape workers currently running.",
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkdex_runs_total",
			Help: "Total workflow runs finished, labeled by terminal state.",
		},
		[]string{"state"},
	)

	stageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkdex_stage_retries_total",
			Help: "Total orchestrator stage retries, labeled by stage.",
		},
		[]string{"stage"},
	)

	syncEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkdex_sync_events_total",
			Help: "Total change events applied to the search index, labeled by kind.",
		},
		[]string{"kind"},
	)

	syncLagSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkdex_sync_lag_seconds",
			Help: "Seconds between now and the last applied checkpoint.",
		},
	)

	syncParkedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkdex_sync_parked_total",
			Help: "Total change events parked after exhausting retries.",
		},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkdex_breaker_state",
			Help: "Read-path breaker state: 0 closed, 1 half-open, 2 open.",
		},
	)

	readFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkdex_read_fallbacks_total",
			Help: "Total read queries answered by the primary store fallback.",
		},
	)

	denylistDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkdex_denylist_drops_total",
			Help: "Total candidates dropped by the denylist gate, labeled by stage.",
		},
		[]string{"stage"},
	)

	purgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkdex_purges_total",
			Help: "Total approved removals purged from both stores.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrapeJob records a finished scrape job.
func ObserveScrapeJob(outcome string, duration time.Duration) {
	scrapeJobsTotal.WithLabelValues(outcome).Inc()
	scrapeDurationSeconds.Observe(duration.Seconds())
}

// SetQueueDepth records a queue stats snapshot.
func SetQueueDepth(visible, inFlight, dead int) {
	queueDepth.WithLabelValues("visible").Set(float64(visible))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// SetActiveWorkers records the current worker pool size.
func SetActiveWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// ObserveRun increments the run counter for the given terminal state.
func ObserveRun(state string) {
	runsTotal.WithLabelValues(state).Inc()
}

// ObserveStageRetry increments the retry counter for a stage.
func ObserveStageRetry(stage string) {
	stageRetriesTotal.WithLabelValues(stage).Inc()
}

// ObserveSyncEvent increments the sync apply counter for an event kind.
func ObserveSyncEvent(kind string) {
	syncEventsTotal.WithLabelValues(kind).Inc()
}

// SetSyncLag records propagation lag behind the change feed.
func SetSyncLag(lag time.Duration) {
	syncLagSeconds.Set(lag.Seconds())
}

// ObserveSyncParked increments the parked-event counter.
func ObserveSyncParked() {
	syncParkedTotal.Inc()
}

// SetBreakerState records the breaker state gauge.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// ObserveReadFallback increments the fallback-read counter.
func ObserveReadFallback() {
	readFallbacksTotal.Inc()
}

// ObserveDenylistDrop increments the denylist drop counter for a stage.
func ObserveDenylistDrop(stage string) {
	denylistDropsTotal.WithLabelValues(stage).Inc()
}

// ObservePurge increments the purge counter.
func ObservePurge() {
	purgesTotal.Inc()
}
