// Package cli provides the command-line interface for reportq.
package cli

import (
	"encoding/json"
	"os"

	"github.com/raphaelgruber/reportq/internal/client"
	"github.com/raphaelgruber/reportq/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL  string
	jsonOutput bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "reportq",
	Short: "Admin CLI for the report job scheduler",
	Long: `reportq talks to a running reportq-server.

Enqueue report jobs into the priority or standard lane, follow a job through
its request and download phases, inspect lanes and host load, and manage
waiting jobs.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// Loads .env so REPORTQ_SERVER_URL and REPORTQ_CLIENT_TIMEOUT apply.
		config.Load()
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "server URL (default $REPORTQ_SERVER_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(bumpCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(dispatchCmd)
}

// printJSON writes v indented to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
