// Package main is the entry point for the panelflow binary.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/polisai/panelflow/pkg/config"
	"github.com/polisai/panelflow/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panelflow",
		Short: "Pipeline engine for agent panels",
		Long: `panelflow runs pipelines of panels wired by edges. Active panels call
agents on the agent gateway, passive panels hold static text, and folder
panels are summarized incrementally.

Example:
  panelflow serve --config panelflow.yaml
  panelflow run --pipeline pipelines.yaml --id review --simulate
  panelflow summarize --dir ./docs --agent summarizer`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newRunCmd(), newSummarizeCmd())
	return rootCmd
}

// loadSettings loads the config file named by --config and applies the
// logging flags on top of it.
func loadSettings(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
