package main

import (
	"fmt"

	"loom/pkg/protocol"
	"loom/pkg/transport"

	"github.com/spf13/cobra"
)

// newSubmitCmd creates the submit command: queue one task on a running
// coordinator.
func newSubmitCmd() *cobra.Command {
	var (
		priority   int
		complexity string
		model      string
		caps       []string
		deps       []string
		workspace  string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			payload := protocol.SubmitPayload{
				Description:  args[0],
				Complexity:   protocol.Tier(complexity),
				Model:        model,
				Capabilities: caps,
				DependsOn:    deps,
				Workspace:    workspace,
			}
			if cmd.Flags().Changed("priority") {
				payload.Priority = &priority
			}
			if cmd.Flags().Changed("max-retries") {
				payload.MaxRetries = &maxRetries
			}

			client := transport.NewClient(paths.SocketPath)
			t, err := client.Submit(payload)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s (priority %d, %s)\n", t.ID, t.Priority, t.Complexity)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", protocol.PriorityNormal, "priority lane (0=urgent .. 3=low)")
	cmd.Flags().StringVar(&complexity, "complexity", "", "complexity tier (trivial, standard, complex)")
	cmd.Flags().StringVar(&model, "model", "", "preferred model")
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "required agent capability (repeatable)")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "task id this task depends on (repeatable)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace the task operates on")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "failures tolerated before dead-lettering")

	return cmd
}
