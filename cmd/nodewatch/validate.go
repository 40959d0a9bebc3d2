package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/nodewatch/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a nodewatch configuration file without polling anything.

The YAML is parsed, environment variables are expanded, and every field is
validated. Useful for CI/CD pipelines and pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  nodewatch validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	redisCount, httpCount := cfg.NodeCount()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:        %d\n", cfg.Port)
	fmt.Fprintf(out, "  Redis nodes: %d\n", redisCount)
	fmt.Fprintf(out, "  HTTP nodes:  %d\n", httpCount)
	fmt.Fprintf(out, "  Total:       %d\n", redisCount+httpCount)

	return nil
}
