package main

import (
	"fmt"

	"loom/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newEventsCmd creates the events command: query the audit log. It reads
// the state database directly in read-only mode, so it works whether or
// not the coordinator is running.
func newEventsCmd() *cobra.Command {
	var (
		taskID    string
		agentID   string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{
				TaskID:    taskID,
				AgentID:   agentID,
				EventType: eventType,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			for _, e := range events {
				line := fmt.Sprintf("%s  %-18s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type)
				if e.TaskID != "" {
					line += "  task=" + e.TaskID
				}
				if e.AgentID != "" {
					line += "  agent=" + e.AgentID
				}
				if e.Payload != "" {
					line += "  " + e.Payload
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to return")

	return cmd
}
