package main

import (
	"fmt"

	"loom/pkg/protocol"
	"loom/pkg/transport"

	"github.com/spf13/cobra"
)

// statusOrder fixes the display order of task states.
var statusOrder = []protocol.TaskStatus{
	protocol.TaskQueued,
	protocol.TaskAssigned,
	protocol.TaskWorking,
	protocol.TaskCompleted,
	protocol.TaskFailed,
	protocol.TaskDeadLetter,
}

// newStatusCmd creates the status command: aggregate coordinator counts.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			report, err := transport.NewClient(paths.SocketPath).Status()
			if err != nil {
				return err
			}

			fmt.Printf("agents: %d connected, %d idle", report.Agents, report.IdleAgents)
			if report.Unresponsive > 0 {
				fmt.Printf(", %d unresponsive", report.Unresponsive)
			}
			fmt.Println()
			for _, st := range statusOrder {
				if n := report.Tasks[st]; n > 0 {
					fmt.Printf("%-12s %d\n", st, n)
				}
			}
			return nil
		},
	}
}
