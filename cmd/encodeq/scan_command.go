package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"encodeq/internal/control"
	"encodeq/internal/protocol"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scan <source>",
		Short: "List the playable titles in a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *control.Client) error {
				result, err := client.Scan(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return respond(cmd, asJSON, result, func(out io.Writer) {
					if len(result.Titles) == 0 {
						fmt.Fprintf(out, "No titles found in %s\n", result.Path)
						return
					}
					fmt.Fprintln(out, renderTable(titleColumns, buildTitleRows(result.Titles)))
				})
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output scan result as JSON")
	return cmd
}

func buildTitleRows(titles []protocol.Title) [][]string {
	rows := make([][]string, 0, len(titles))
	for _, t := range titles {
		height := "-"
		if t.Height > 0 {
			height = strconv.Itoa(t.Height)
		}
		crop := t.Crop
		if crop == "" {
			crop = "-"
		}
		hdr := "no"
		if t.HDR {
			hdr = "yes"
		}
		rows = append(rows, []string{
			strconv.Itoa(t.Index),
			time.Duration(t.DurationSeconds * float64(time.Second)).Round(time.Second).String(),
			height,
			crop,
			hdr,
		})
	}
	return rows
}
