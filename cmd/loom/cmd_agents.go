package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"loom/pkg/transport"

	"github.com/spf13/cobra"
)

// newAgentsCmd creates the agents command: list connected agents.
func newAgentsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			agents, err := transport.NewClient(paths.SocketPath).Agents()
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(agents)
			}
			for _, a := range agents {
				state := string(a.State)
				if a.Unresponsive {
					state += " (unresponsive)"
				}
				task := a.TaskID
				if task == "" {
					task = "-"
				}
				fmt.Printf("%-20s  %-22s  %-36s  %s\n",
					a.ID, state, task, strings.Join(a.Capabilities, ","))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
