// Package metrics holds the Prometheus instrumentation for the watchdog
// and the daemon around it. Collectors are registered on the default
// registry so any package can record without plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StallsTotal counts stall detections per pipeline
	StallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_pipeline_stalls_total",
			Help: "Number of times a pipeline position stopped advancing past the debounce threshold",
		},
		[]string{"pipeline"},
	)

	// RestartsTotal counts re-drives to the playing state by cause
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_pipeline_restarts_total",
			Help: "Number of monitoring restarts per pipeline by cause",
		},
		[]string{"pipeline", "cause"}, // cause: "stall", "bus_error"
	)

	// TerminationsTotal counts watcher terminations by outcome
	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_pipeline_terminations_total",
			Help: "Number of watcher terminations by outcome",
		},
		[]string{"outcome"}, // outcome: "completed", "failed", "killed"
	)

	// RunnersActive tracks how many watcher goroutines are alive
	RunnersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipewatch_runners_active",
			Help: "Number of pipeline watchers currently running",
		},
	)

	// BusEventsTotal counts drained bus events per pipeline and type
	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewatch_bus_events_total",
			Help: "Number of bus events drained per pipeline by type",
		},
		[]string{"pipeline", "type"},
	)

	// PositionSeconds reports the last observed stream position
	PositionSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipewatch_pipeline_position_seconds",
			Help: "Last observed stream position per pipeline in seconds",
		},
		[]string{"pipeline"},
	)

	// PositionAdvance observes how far positions move between polls.
	// Healthy pipelines cluster around the poll interval; a fat lower
	// tail means sources are barely progressing.
	PositionAdvance = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipewatch_pipeline_position_advance_seconds",
			Help:    "Stream position advance observed between watcher polls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(StallsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(TerminationsTotal)
	prometheus.MustRegister(RunnersActive)
	prometheus.MustRegister(BusEventsTotal)
	prometheus.MustRegister(PositionSeconds)
	prometheus.MustRegister(PositionAdvance)
}

// Handler returns the standard Prometheus scrape handler for the default
// registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ForgetPipeline drops the per-pipeline series once a pipeline record is
// removed, keeping the scrape surface bounded
func ForgetPipeline(pipelineID string) {
	StallsTotal.DeleteLabelValues(pipelineID)
	RestartsTotal.DeleteLabelValues(pipelineID, "stall")
	RestartsTotal.DeleteLabelValues(pipelineID, "bus_error")
	BusEventsTotal.DeletePartialMatch(prometheus.Labels{"pipeline": pipelineID})
	PositionSeconds.DeleteLabelValues(pipelineID)
}
