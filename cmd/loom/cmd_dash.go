package main

import (
	"encoding/json"
	"fmt"
	"os"

	"loom/pkg/transport"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newDashCmd creates the dash command: a live terminal dashboard. When
// stdout is not a terminal it prints one JSON snapshot instead, so the
// command stays scriptable.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live coordinator dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			client := transport.NewClient(paths.SocketPath)

			if !isatty.IsTerminal(os.Stdout.Fd()) {
				return printSnapshot(client)
			}

			p := tea.NewProgram(newDashModel(client), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}

// printSnapshot emits one machine-readable dashboard snapshot.
func printSnapshot(client *transport.Client) error {
	tasks, err := client.Tasks()
	if err != nil {
		return err
	}
	agents, err := client.Agents()
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"tasks":  tasks,
		"agents": agents,
	})
}
