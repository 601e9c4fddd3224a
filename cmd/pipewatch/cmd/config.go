package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/pipewatch/pkg/logging"
)

var (
	// Config init flags
	initForce bool

	// Config logrotate flags
	logrotateComponent string
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `Commands for inspecting and generating pipewatch CLI configuration.`,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long:  `Show the configuration the CLI resolved from flags, config file and environment.`,
	RunE:  runConfigShow,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  `Write a commented starter configuration to $HOME/.pipewatch/config.yaml.`,
	RunE:  runConfigInit,
}

// configLogrotateCmd represents the config logrotate command
var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration",
	Long:  `Print a logrotate configuration for the daemon's log files, ready for /etc/logrotate.d/.`,
	RunE:  runConfigLogrotate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")

	configLogrotateCmd.Flags().StringVar(&logrotateComponent, "component", "", "generate for a single component instead of the daemon bundle")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	token := "(not set)"
	if apiToken != "" {
		token = "(set)"
	}

	fmt.Println("Resolved CLI configuration:")
	fmt.Printf("  Daemon URL:  %s\n", GetDaemonURL())
	fmt.Printf("  API Token:   %s\n", token)
	if clientName != "" {
		fmt.Printf("  Client Name: %s\n", clientName)
	}
	if caCertFile != "" {
		fmt.Printf("  CA Cert:     %s\n", caCertFile)
	}
	fmt.Printf("  Output:      %s\n", outputFormat)

	return nil
}

const configTemplate = `# pipewatch CLI configuration
daemon_url: http://localhost:8090

# Static API token or a minted session token.
# api_token: ""

# Client name bound to session tokens.
# client_name: ""

# CA certificate for a TLS-enabled daemon.
# ca_cert: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}

	configDir := filepath.Join(home, ".pipewatch")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("✓ Config written to %s\n", path)
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	if logrotateComponent != "" {
		fmt.Print(logging.GenerateLogrotateConfig(logrotateComponent))
		return nil
	}
	fmt.Print(logging.GenerateDaemonLogrotate())
	return nil
}
