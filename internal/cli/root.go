// Package cli provides the command-line interface for the agent server.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/jackkroninger/agent-api/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	authToken string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Chat with the agent server",
	Long: `agentctl talks to a running agent server: interactive streaming chat,
thread history, and runtime statistics.

The server address comes from --server or AGENT_API_SERVER_URL; the bearer
token from --token or AGENT_API_TOKEN.`,
	Version: Version,
}

// newClient builds the API client from flags and environment.
func newClient() *client.Client {
	return client.New(serverURL, authToken)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "agent server base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(statsCmd)
}
