package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// statusResponse is the daemon and host snapshot returned by /api/status.
type statusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Pipelines     pipelineCounts `json:"pipelines"`
	Host          hostSnapshot   `json:"host"`
}

type pipelineCounts struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[string]int `json:"by_status"`
	ByEngine map[string]int `json:"by_engine"`
}

type hostSnapshot struct {
	Hostname       string  `json:"hostname,omitempty"`
	Platform       string  `json:"platform,omitempty"`
	UptimeSeconds  uint64  `json:"uptime_seconds,omitempty"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// Status returns a snapshot of the daemon and the host it runs on
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.Metrics()
	if err != nil {
		h.respondError(w, err, "collect status")
		return
	}

	counts := pipelineCounts{
		Total:    metrics.TotalPipelines,
		Active:   metrics.ActivePipelines,
		ByStatus: make(map[string]int, len(metrics.PipelinesByStatus)),
		ByEngine: metrics.PipelinesByEngine,
	}
	for status, n := range metrics.PipelinesByStatus {
		counts.ByStatus[string(status)] = n
	}

	// Host readings are best effort; a failed probe leaves its field zero.
	var snap hostSnapshot
	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.UptimeSeconds = info.Uptime
	}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedBytes = memInfo.Used
		snap.MemTotalBytes = memInfo.Total
		snap.MemUsedPercent = memInfo.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:        "running",
		Version:       h.version,
		UptimeSeconds: time.Since(h.started).Seconds(),
		Pipelines:     counts,
		Host:          snap,
	})
}
