// Package main is the entry point for the nodewatch CLI.
//
// Usage:
//
//	nodewatch serve -c config.yaml    # Poll nodes and serve the API
//	nodewatch validate -c config.yaml # Validate configuration
//	nodewatch version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via ldflags, e.g. -X main.version=1.0.0.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "nodewatch",
	Short: "Poll Redis servers and HTTP endpoints and report their health",
	Long: `nodewatch polls monitored nodes on their own schedules, caches what it
fetched, and evaluates health from the cached data. Status is served as
JSON, Server-Sent Events and Prometheus metrics.

Quick start:
  1. Create a config file (nodewatch.yaml)
  2. Run: nodewatch serve -c nodewatch.yaml
  3. Query http://localhost:8080/api/status

Example config:
  port: 8080
  redis:
    instances:
      - name: cache-a
        host: 10.0.0.5
  http:
    endpoints:
      - name: API
        url: https://api.example.com/health
        extractor: json:status`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "nodewatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
