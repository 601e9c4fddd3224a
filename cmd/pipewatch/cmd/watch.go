package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var watchTimeout time.Duration

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <pipeline-id>",
	Short: "Wait for a pipeline to end",
	Long:  `Block until a pipeline ends and print its ending reason. With no timeout the command waits indefinitely.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "give up after this long (0 waits forever)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	id := args[0]

	c, err := newClient()
	if err != nil {
		return err
	}

	if !IsJSONOutput() {
		fmt.Printf("Waiting for pipeline %s to end...\n", id)
	}

	reason, err := c.WaitForReason(id, watchTimeout)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(map[string]string{
			"pipeline_id": id,
			"reason":      reason,
		}, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("✓ Pipeline ended: %s\n", reason)
	return nil
}
