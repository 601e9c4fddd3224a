package procpipe

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time resource snapshot of the pipeline subprocess.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Stats samples CPU and memory usage of the subprocess. It fails when the
// process has not been launched or is already gone.
func (p *Process) Stats() (Stats, error) {
	pid := p.PID()
	if pid == 0 {
		return Stats{}, fmt.Errorf("pipeline process not started")
	}
	if !p.Running() {
		return Stats{}, fmt.Errorf("pipeline process has exited")
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("failed inspecting pipeline process %d: %w", pid, err)
	}

	stats := Stats{PID: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	return stats, nil
}
