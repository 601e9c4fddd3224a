package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenClient   string
	tokenDuration time.Duration
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage API authentication",
	Long:  `Commands for working with daemon API tokens.`,
}

// authTokenCmd represents the auth token command
var authTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token",
	Long:  `Mint a short-lived session token bound to a client name. Requests using the token must carry the same client name.`,
	RunE:  runAuthToken,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authTokenCmd)

	authTokenCmd.Flags().StringVar(&tokenClient, "for", "", "client name the token is bound to (required)")
	authTokenCmd.Flags().DurationVar(&tokenDuration, "duration", 24*time.Hour, "token lifetime")
	authTokenCmd.MarkFlagRequired("for")
}

func runAuthToken(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	token, err := c.CreateToken(tokenClient, tokenDuration)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(map[string]string{
			"client": tokenClient,
			"token":  token,
		}, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("✓ Session token for %s (valid %s):\n\n", tokenClient, tokenDuration)
	fmt.Printf("  %s\n\n", token)
	fmt.Printf("Use it with: pipewatch --token %s --client %s ...\n", token, tokenClient)
	return nil
}
