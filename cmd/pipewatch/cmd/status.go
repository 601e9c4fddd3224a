package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the daemon's version, uptime, pipeline counts and host resource usage.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	st, err := c.GetStatus()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Status", st.Status)
	table.Append("Version", st.Version)
	table.Append("Uptime", time.Duration(st.UptimeSeconds*float64(time.Second)).Round(time.Second).String())
	table.Append("Pipelines", fmt.Sprintf("%d", st.Pipelines.Total))
	table.Append("Active", fmt.Sprintf("%d", st.Pipelines.Active))

	// Stable row order for the per-status breakdown
	statuses := make([]string, 0, len(st.Pipelines.ByStatus))
	for status := range st.Pipelines.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		table.Append("  "+status, fmt.Sprintf("%d", st.Pipelines.ByStatus[status]))
	}

	if st.Host.Hostname != "" {
		table.Append("Host", st.Host.Hostname)
		table.Append("Platform", st.Host.Platform)
		table.Append("Host Uptime", (time.Duration(st.Host.UptimeSeconds) * time.Second).String())
		table.Append("Host CPU", fmt.Sprintf("%.1f%%", st.Host.CPUPercent))
		table.Append("Host Memory", fmt.Sprintf("%.1f%% (%.1f/%.1f GB)",
			st.Host.MemUsedPercent,
			float64(st.Host.MemUsedBytes)/(1024*1024*1024),
			float64(st.Host.MemTotalBytes)/(1024*1024*1024)))
	}

	table.Render()
	return nil
}
