package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nathannam/console-observability/internal/config"
)

// newRootCmd builds the command tree. Each call returns a fresh tree so
// flags never leak between invocations.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "telemetryctl",
		Short: "Operate the console observability pipeline",
		Long: `telemetryctl inspects and exercises the console observability pipeline
from a terminal: it probes the health endpoint the console watches, reads
and clears the local fallback cache, and prints the resolved configuration.

Configuration is read from --config and overridden by CONSOLE_TELEMETRY_*
environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newVersionCmd(),
		newProbeCmd(load),
		newFallbackCmd(load),
		newConfigCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "telemetryctl %s\ncommit: %s\n", version, commit)
		},
	}
}
