package main

import (
	"fmt"

	"loom/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Loom agent fleet coordinator",
		Long:          "loom coordinates a fleet of task agents:\nit stores submitted tasks durably, routes them by complexity and\nendpoint load, and assigns them to connected agents.",
		Version:       fmt.Sprintf("loom %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newAgentsCmd(),
		newEventsCmd(),
		newDashCmd(),
	)

	return cmd
}
