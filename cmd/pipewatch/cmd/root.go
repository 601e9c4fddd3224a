package cmd

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pipewatch/pkg/client"
	tlsutil "github.com/psantana5/pipewatch/pkg/tls"
)

var (
	daemonURL    string
	outputFormat string
	cfgFile      string
	apiToken     string
	clientName   string
	caCertFile   string
	insecureTLS  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pipewatch",
	Short: "CLI for the pipewatch pipeline supervisor",
	Long:  `pipewatch is a command line interface for managing supervised media pipelines on a pipewatchd daemon.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipewatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "daemon API URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token for the daemon")
	rootCmd.PersistentFlags().StringVar(&clientName, "client", "", "client name sent with session tokens")
	rootCmd.PersistentFlags().StringVar(&caCertFile, "ca-cert", "", "CA certificate file for verifying the daemon")
	rootCmd.PersistentFlags().BoolVar(&insecureTLS, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".pipewatch/config" (without extension)
		configDir := filepath.Join(home, ".pipewatch")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// Bind specific environment variables
	viper.BindEnv("api_token", "PIPEWATCH_API_TOKEN")
	viper.BindEnv("daemon_url", "PIPEWATCH_DAEMON_URL")

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("daemon_url") != "" && daemonURL == "" {
			daemonURL = viper.GetString("daemon_url")
		}
		if viper.GetString("api_token") != "" && apiToken == "" {
			apiToken = viper.GetString("api_token")
		}
		if viper.GetString("client_name") != "" && clientName == "" {
			clientName = viper.GetString("client_name")
		}
		if viper.GetString("ca_cert") != "" && caCertFile == "" {
			caCertFile = viper.GetString("ca_cert")
		}
	}

	// Check environment variables if not set from config
	if apiToken == "" && viper.GetString("api_token") != "" {
		apiToken = viper.GetString("api_token")
	}
	if daemonURL == "" && viper.GetString("daemon_url") != "" {
		daemonURL = viper.GetString("daemon_url")
	}

	// Set default if still empty
	if daemonURL == "" {
		daemonURL = "http://localhost:8090"
	}
}

// GetDaemonURL returns the configured daemon URL with trailing slashes removed
func GetDaemonURL() string {
	return strings.TrimRight(daemonURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newClient builds an API client from the resolved flags and config.
func newClient() (*client.Client, error) {
	c := client.NewClient(GetDaemonURL(), apiToken)
	if clientName != "" {
		c.SetClientName(clientName)
	}

	if insecureTLS {
		c.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	} else if caCertFile != "" {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		c.SetTLSConfig(tlsConfig)
	}

	return c, nil
}
