package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/store"
)

func TestExporterServesStoreAndRegistryMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	for i, name := range []string{"cam-1", "cam-2"} {
		p := &models.Pipeline{
			ID:         name,
			Name:       name,
			Definition: models.Definition{Engine: models.EngineFFmpeg, Args: []string{"-i", "in", "out"}},
			Status:     models.StatusPending,
			CreatedAt:  time.Now(),
		}
		if err := st.CreatePipeline(p); err != nil {
			t.Fatalf("Failed to create pipeline %d: %v", i, err)
		}
	}
	if _, err := st.TransitionPipeline("cam-1", models.StatusRunning, ""); err != nil {
		t.Fatalf("Failed to transition pipeline: %v", err)
	}

	exporter := NewExporter(st)
	rec := httptest.NewRecorder()
	exporter.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"pipewatch_pipelines_total 2",
		"pipewatch_pipelines_active 1",
		`pipewatch_pipelines_by_status{status="running"} 1`,
		`pipewatch_pipelines_by_status{status="completed"} 0`,
		`pipewatch_pipelines_by_engine{engine="ffmpeg"} 2`,
		// From the default registry, always present once registered.
		"pipewatch_runners_active",
		"pipewatch_pipeline_position_advance_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics output should contain %q\n%s", want, body)
		}
	}
}
