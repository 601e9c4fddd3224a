package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/store"
)

// Exporter serves the /metrics endpoint: store-backed aggregates written
// by hand, followed by everything on the default Prometheus registry.
type Exporter struct {
	store     store.Store
	startTime time.Time
}

// NewExporter creates a Prometheus exporter over the given store
func NewExporter(s store.Store) *Exporter {
	return &Exporter{
		store:     s,
		startTime: time.Now(),
	}
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot, err := e.store.Metrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting pipeline metrics: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP pipewatch_daemon_uptime_seconds Daemon uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE pipewatch_daemon_uptime_seconds gauge\n")
	fmt.Fprintf(w, "pipewatch_daemon_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP pipewatch_pipelines_total Total number of pipeline records\n")
	fmt.Fprintf(w, "# TYPE pipewatch_pipelines_total gauge\n")
	fmt.Fprintf(w, "pipewatch_pipelines_total %d\n", snapshot.TotalPipelines)

	fmt.Fprintf(w, "\n# HELP pipewatch_pipelines_active Number of running or paused pipelines\n")
	fmt.Fprintf(w, "# TYPE pipewatch_pipelines_active gauge\n")
	fmt.Fprintf(w, "pipewatch_pipelines_active %d\n", snapshot.ActivePipelines)

	fmt.Fprintf(w, "\n# HELP pipewatch_pipelines_by_status Pipeline records by status\n")
	fmt.Fprintf(w, "# TYPE pipewatch_pipelines_by_status gauge\n")
	// Always export all statuses (even if count is 0)
	for _, status := range []models.PipelineStatus{
		models.StatusPending, models.StatusRunning, models.StatusPaused,
		models.StatusCompleted, models.StatusFailed, models.StatusKilled,
	} {
		fmt.Fprintf(w, "pipewatch_pipelines_by_status{status=\"%s\"} %d\n", status, snapshot.PipelinesByStatus[status])
	}

	fmt.Fprintf(w, "\n# HELP pipewatch_pipelines_by_engine Pipeline records by engine\n")
	fmt.Fprintf(w, "# TYPE pipewatch_pipelines_by_engine gauge\n")
	for _, engine := range []string{models.EngineFFmpeg, models.EngineGStreamer, models.EngineExec} {
		fmt.Fprintf(w, "pipewatch_pipelines_by_engine{engine=\"%s\"} %d\n", engine, snapshot.PipelinesByEngine[engine])
	}

	// Now append the watchdog collectors from the default registry so one
	// scrape covers both surfaces.
	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
