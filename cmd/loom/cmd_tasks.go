package main

import (
	"encoding/json"
	"fmt"
	"os"

	"loom/pkg/protocol"
	"loom/pkg/transport"

	"github.com/spf13/cobra"
)

// newTasksCmd creates the tasks command: list tasks or show one.
func newTasksCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List tasks or show one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			client := transport.NewClient(paths.SocketPath)

			if len(args) == 1 {
				t, err := client.Task(args[0])
				if err != nil {
					return err
				}
				return printTask(t, asJSON)
			}

			tasks, err := client.Tasks()
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			for _, t := range tasks {
				agent := t.AgentID
				if agent == "" {
					agent = "-"
				}
				fmt.Printf("%-36s  %-11s  p%d  %-10s  %s\n",
					t.ID, t.Status, t.Priority, agent, truncate(t.Description, 48))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func printTask(t *protocol.Task, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(t)
	}
	fmt.Printf("id:          %s\n", t.ID)
	fmt.Printf("status:      %s\n", t.Status)
	fmt.Printf("priority:    %d\n", t.Priority)
	fmt.Printf("complexity:  %s\n", t.Complexity)
	fmt.Printf("generation:  %d\n", t.Generation)
	fmt.Printf("retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.AgentID != "" {
		fmt.Printf("agent:       %s\n", t.AgentID)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("depends_on:  %v\n", t.DependsOn)
	}
	if t.Decision != nil {
		fmt.Printf("routed:      %s via %s (%s)\n", t.Decision.Tier, t.Decision.Target, t.Decision.Cost)
	}
	if t.Result != "" {
		fmt.Printf("result:      %s\n", t.Result)
	}
	if t.LastError != "" {
		fmt.Printf("last_error:  %s\n", t.LastError)
	}
	fmt.Printf("description: %s\n", t.Description)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
