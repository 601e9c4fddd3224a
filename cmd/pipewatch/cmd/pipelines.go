package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/pipewatch/pkg/client"
	"github.com/psantana5/pipewatch/pkg/config"
	"github.com/psantana5/pipewatch/pkg/models"
)

var (
	// Pipeline create flags
	createName       string
	createEngine     string
	createArgs       []string
	createBinary     string
	createAllowBlock bool
	createAutostart  bool
	createFile       string

	// Pipeline kill flags
	killReason string

	// Pipeline show flags
	followShow bool

	// Pipeline events flags
	eventsLimit int
)

// pipelinesCmd represents the pipelines command
var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Manage pipelines",
	Long:  `Commands for registering, inspecting and controlling supervised pipelines.`,
}

// pipelinesListCmd represents the pipelines list command
var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	Long:  `List all pipelines known to the daemon.`,
	RunE:  runPipelinesList,
}

// pipelinesShowCmd represents the pipelines show command
var pipelinesShowCmd = &cobra.Command{
	Use:   "show <pipeline-id>",
	Short: "Show pipeline status",
	Long:  `Show the live supervision status of a pipeline, including process stats and playback position.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesShow,
}

// pipelinesCreateCmd represents the pipelines create command
var pipelinesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new pipeline",
	Long:  `Register a new pipeline with the daemon, either from flags or from a definition file.`,
	RunE:  runPipelinesCreate,
}

// pipelinesStartCmd represents the pipelines start command
var pipelinesStartCmd = &cobra.Command{
	Use:   "start <pipeline-id>",
	Short: "Start a pipeline",
	Long:  `Launch a registered pipeline under supervision.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesStart,
}

// pipelinesKillCmd represents the pipelines kill command
var pipelinesKillCmd = &cobra.Command{
	Use:   "kill <pipeline-id>",
	Short: "Kill a pipeline",
	Long:  `Stop a pipeline's subprocess and record an ending reason.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesKill,
}

// pipelinesPauseCmd represents the pipelines pause command
var pipelinesPauseCmd = &cobra.Command{
	Use:   "pause <pipeline-id>",
	Short: "Pause a pipeline",
	Long:  `Suspend a blocking pipeline's subprocess with SIGSTOP.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesPause,
}

// pipelinesResumeCmd represents the pipelines resume command
var pipelinesResumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume a paused pipeline",
	Long:  `Resume a previously paused pipeline with SIGCONT.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesResume,
}

// pipelinesDeleteCmd represents the pipelines delete command
var pipelinesDeleteCmd = &cobra.Command{
	Use:   "delete <pipeline-id>",
	Short: "Delete a pipeline",
	Long:  `Remove an ended pipeline's record and audit trail. Active pipelines must be killed first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesDelete,
}

// pipelinesEventsCmd represents the pipelines events command
var pipelinesEventsCmd = &cobra.Command{
	Use:   "events <pipeline-id>",
	Short: "Show a pipeline's audit trail",
	Long:  `Show the recorded lifecycle events of a pipeline, newest first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelinesEvents,
}

func init() {
	rootCmd.AddCommand(pipelinesCmd)
	pipelinesCmd.AddCommand(pipelinesListCmd)
	pipelinesCmd.AddCommand(pipelinesShowCmd)
	pipelinesCmd.AddCommand(pipelinesCreateCmd)
	pipelinesCmd.AddCommand(pipelinesStartCmd)
	pipelinesCmd.AddCommand(pipelinesKillCmd)
	pipelinesCmd.AddCommand(pipelinesPauseCmd)
	pipelinesCmd.AddCommand(pipelinesResumeCmd)
	pipelinesCmd.AddCommand(pipelinesDeleteCmd)
	pipelinesCmd.AddCommand(pipelinesEventsCmd)

	// Flags for pipeline create
	pipelinesCreateCmd.Flags().StringVar(&createName, "name", "", "pipeline name")
	pipelinesCreateCmd.Flags().StringVar(&createEngine, "engine", "", "pipeline engine (ffmpeg, gstreamer, exec)")
	pipelinesCreateCmd.Flags().StringArrayVar(&createArgs, "arg", nil, "pipeline argument (repeatable)")
	pipelinesCreateCmd.Flags().StringVar(&createBinary, "binary", "", "executable override (required for the exec engine)")
	pipelinesCreateCmd.Flags().BoolVar(&createAllowBlock, "allow-block", false, "trust the pipeline to block without progress reporting")
	pipelinesCreateCmd.Flags().BoolVar(&createAutostart, "autostart", false, "start the pipeline immediately after registering")
	pipelinesCreateCmd.Flags().StringVar(&createFile, "file", "", "load the definition from a YAML file instead of flags")

	// Flags for pipeline kill
	pipelinesKillCmd.Flags().StringVar(&killReason, "reason", "", "ending reason to record (default \"killed by operator\")")

	// Flags for pipeline show
	pipelinesShowCmd.Flags().BoolVar(&followShow, "follow", false, "poll pipeline status every 2 seconds until it ends")

	// Flags for pipeline events
	pipelinesEventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events to show")
}

func runPipelinesCreate(cmd *cobra.Command, args []string) error {
	req := client.CreateRequest{
		Name:       createName,
		Engine:     createEngine,
		Args:       createArgs,
		Binary:     createBinary,
		AllowBlock: createAllowBlock,
		Autostart:  createAutostart,
	}

	// A definition file supplies the base request; flags override it.
	if createFile != "" {
		def, err := config.LoadDefinition(createFile)
		if err != nil {
			return err
		}
		req = client.CreateRequest{
			Name:       def.Name,
			Engine:     def.Engine,
			Args:       def.Args,
			Binary:     def.Binary,
			AllowBlock: def.AllowBlock,
			Autostart:  def.Autostart,
		}
		if createName != "" {
			req.Name = createName
		}
		if createAutostart {
			req.Autostart = true
		}
	}

	if req.Name == "" {
		return fmt.Errorf("a pipeline name is required (--name or --file)")
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	p, err := c.CreatePipeline(req)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("ID", p.ID)
		table.Append("Name", p.Name)
		table.Append("Engine", p.Definition.Engine)
		table.Append("Status", string(p.Status))
		table.Append("Created At", p.CreatedAt.Format(time.RFC3339))

		table.Render()
		fmt.Printf("\n✓ Pipeline registered: %s\n", p.ID)
	}

	return nil
}

func runPipelinesList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	pipelines, err := c.ListPipelines()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(pipelines, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Engine", "Status", "PID", "Stalls", "Restarts", "Created")

	for _, p := range pipelines {
		pid := "-"
		if p.PID > 0 {
			pid = fmt.Sprintf("%d", p.PID)
		}

		table.Append(
			shortID(p.ID),
			p.Name,
			p.Definition.Engine,
			string(p.Status),
			pid,
			fmt.Sprintf("%d", p.Stalls),
			fmt.Sprintf("%d", p.Restarts),
			p.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	table.Render()
	fmt.Printf("\nTotal pipelines: %d\n", len(pipelines))
	return nil
}

func runPipelinesShow(cmd *cobra.Command, args []string) error {
	id := args[0]

	c, err := newClient()
	if err != nil {
		return err
	}

	if followShow {
		// Follow mode: poll every 2 seconds
		fmt.Printf("Following pipeline %s (press Ctrl+C to stop)...\n\n", id)
		for {
			st, err := c.GetPipeline(id)
			if err != nil {
				return err
			}

			// Clear screen and display status
			fmt.Print("\033[H\033[2J")
			displayPipelineStatus(st)

			if models.IsTerminalStatus(st.Pipeline.Status) {
				fmt.Printf("\n✓ Pipeline ended: %s\n", st.Pipeline.Reason)
				break
			}

			time.Sleep(2 * time.Second)
		}
		return nil
	}

	st, err := c.GetPipeline(id)
	if err != nil {
		return err
	}
	displayPipelineStatus(st)
	return nil
}

func displayPipelineStatus(st *client.Status) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(output))
		return
	}

	p := st.Pipeline

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("ID", p.ID)
	table.Append("Name", p.Name)
	table.Append("Engine", p.Definition.Engine)
	table.Append("Status", string(p.Status))

	if p.Reason != "" {
		table.Append("Reason", p.Reason)
	}
	if p.PID > 0 {
		table.Append("PID", fmt.Sprintf("%d", p.PID))
	}

	table.Append("Allow Block", fmt.Sprintf("%t", p.AllowBlock))
	table.Append("Supervised", fmt.Sprintf("%t", st.Supervised))
	table.Append("Watcher Running", fmt.Sprintf("%t", st.WatcherRunning))
	table.Append("Process Running", fmt.Sprintf("%t", st.ProcessRunning))

	if st.PositionSeconds != nil {
		table.Append("Position", fmt.Sprintf("%.1fs", *st.PositionSeconds))
	}
	if st.Stats != nil {
		table.Append("CPU", fmt.Sprintf("%.1f%%", st.Stats.CPUPercent))
		table.Append("Memory", fmt.Sprintf("%.1f MB", float64(st.Stats.RSSBytes)/(1024*1024)))
		table.Append("Threads", fmt.Sprintf("%d", st.Stats.NumThreads))
	}

	table.Append("Stalls", fmt.Sprintf("%d", p.Stalls))
	table.Append("Restarts", fmt.Sprintf("%d", p.Restarts))
	table.Append("Created At", p.CreatedAt.Format(time.RFC3339))

	if p.StartedAt != nil {
		table.Append("Started At", p.StartedAt.Format(time.RFC3339))
	}
	if p.FinishedAt != nil {
		table.Append("Finished At", p.FinishedAt.Format(time.RFC3339))
	}

	table.Render()
}

func runPipelinesStart(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.StartPipeline(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Pipeline %s started\n", args[0])
	return nil
}

func runPipelinesKill(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.KillPipeline(args[0], killReason); err != nil {
		return err
	}
	fmt.Printf("✓ Pipeline %s killed\n", args[0])
	return nil
}

func runPipelinesPause(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.PausePipeline(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Pipeline %s paused\n", args[0])
	return nil
}

func runPipelinesResume(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.ResumePipeline(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Pipeline %s resumed\n", args[0])
	return nil
}

func runPipelinesDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.DeletePipeline(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Pipeline %s removed\n", args[0])
	return nil
}

func runPipelinesEvents(cmd *cobra.Command, args []string) error {
	id := args[0]

	c, err := newClient()
	if err != nil {
		return err
	}

	events, err := c.GetEvents(id, eventsLimit)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Kind", "Detail")

	for _, ev := range events {
		detail := ev.Detail
		if detail == "" {
			detail = "-"
		}
		table.Append(ev.At.Format(time.RFC3339), ev.Kind, detail)
	}

	table.Render()
	fmt.Printf("\nTotal events: %d\n", len(events))
	return nil
}

// shortID trims a UUID down to its first block for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
