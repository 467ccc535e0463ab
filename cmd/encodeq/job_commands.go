package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"encodeq/internal/control"
)

// newJobCommands builds the commands that act on a job a worker is running.
func newJobCommands(ctx *commandContext) []*cobra.Command {
	type action struct {
		use   string
		short string
		done  string
		call  func(*control.Client, context.Context, string) error
	}
	actions := []action{
		{"pause", "Pause a running encode", "paused", (*control.Client).Pause},
		{"resume", "Resume a paused encode", "resumed", (*control.Client).Resume},
		{"cancel", "Stop a running encode and mark it cancelled", "stopping", (*control.Client).Stop},
	}

	cmds := make([]*cobra.Command, 0, len(actions))
	for _, a := range actions {
		cmds = append(cmds, &cobra.Command{
			Use:   a.use + " <job-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := strings.TrimSpace(args[0])
				return ctx.withClient(cmd.Context(), func(client *control.Client) error {
					if err := a.call(client, cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", id, a.done)
					return nil
				})
			},
		})
	}
	return cmds
}
