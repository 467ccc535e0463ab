package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"encodeq/internal/api"
	"encodeq/internal/control"
	"encodeq/internal/protocol"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var (
		jobID         string
		destination   string
		title         int
		profile       string
		options       []string
		chapters      string
		seconds       string
		previewNumber int
		previewSecs   int
		chapterFormat string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "add <source>",
		Short: "Queue an encode job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := protocol.Job{
				ID:                strings.TrimSpace(jobID),
				SourcePath:        strings.TrimSpace(args[0]),
				Title:             title,
				DestinationPath:   strings.TrimSpace(destination),
				Profile:           protocol.Profile{Name: strings.TrimSpace(profile)},
				ChapterNameFormat: chapterFormat,
				PreviewNumber:     previewNumber,
				PreviewSeconds:    previewSecs,
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			job.Profile.Options = opts
			job.Range, err = parseRange(chapters, seconds)
			if err != nil {
				return err
			}

			return ctx.withClient(cmd.Context(), func(client *control.Client) error {
				item, err := client.Enqueue(cmd.Context(), job)
				if err != nil {
					return err
				}
				return respond(cmd, asJSON, item, func(out io.Writer) {
					fmt.Fprintf(out, "Queued %s (%s title %d)\n", item.ID, item.SourcePath, item.Title)
				})
			})
		},
	}

	cmd.Flags().StringVar(&jobID, "id", "", "Job identifier (generated when empty)")
	cmd.Flags().StringVarP(&destination, "dest", "d", "", "Output file or directory")
	cmd.Flags().IntVarP(&title, "title", "t", 0, "Title index within the source")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Encoding profile name")
	cmd.Flags().StringSliceVarP(&options, "option", "o", nil, "Profile option as key=value (repeatable)")
	cmd.Flags().StringVar(&chapters, "chapters", "", "Encode a chapter range, e.g. 2-5")
	cmd.Flags().StringVar(&seconds, "seconds", "", "Encode a time range in seconds, e.g. 30-90")
	cmd.Flags().IntVar(&previewNumber, "preview-number", 0, "Render N preview clips instead of the full title")
	cmd.Flags().IntVar(&previewSecs, "preview-seconds", 0, "Length of each preview clip")
	cmd.Flags().StringVar(&chapterFormat, "chapter-format", "", "Chapter naming format; {0} is the chapter number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the queued item as JSON")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the encode queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	queueCmd.AddCommand(newQueueMoveCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *control.Client) error {
				items, err := client.List(cmd.Context(), listStatuses...)
				if err != nil {
					return err
				}
				return respond(cmd, asJSON, items, func(out io.Writer) {
					if len(items) == 0 {
						fmt.Fprintln(out, "Queue is empty")
						return
					}
					fmt.Fprintln(out, renderTable(queueListColumns, buildQueueListRows(items)))
				})
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by queue status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output items as JSON")
	return cmd
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>...",
		Short: "Remove queued jobs that have not started",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *control.Client) error {
				out := cmd.OutOrStdout()
				for _, id := range args {
					item, err := client.Remove(cmd.Context(), strings.TrimSpace(id))
					if err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
					fmt.Fprintf(out, "Job %s removed\n", item.ID)
				}
				return nil
			})
		},
	}
}

func newQueueMoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "move <job-id> <position>",
		Short: "Move a queued job to a new position (0 is next)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil || position < 0 {
				return fmt.Errorf("invalid position %q", args[1])
			}
			return ctx.withClient(cmd.Context(), func(client *control.Client) error {
				if err := client.Move(cmd.Context(), strings.TrimSpace(args[0]), position); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved to position %d\n", args[0], position)
				return nil
			})
		},
	}
}

func buildQueueListRows(items []api.QueueItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		pos := "-"
		if item.Position >= 0 {
			pos = strconv.Itoa(item.Position)
		}
		slot := "-"
		if item.Slot >= 0 {
			slot = strconv.Itoa(item.Slot)
		}
		status := displayStatus(item.Status)
		if item.Error != "" {
			status = fmt.Sprintf("%s: %s", status, truncate(item.Error, 40))
		}
		rows = append(rows, []string{
			pos,
			item.ID,
			truncate(item.SourcePath, 40),
			strconv.Itoa(item.Title),
			status,
			slot,
			formatProgress(item.Progress),
			strconv.Itoa(item.RetryCount),
		})
	}
	return rows
}

func parseOptions(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid profile option %q (want key=value)", raw)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func parseRange(chapters, seconds string) (protocol.Range, error) {
	chapters = strings.TrimSpace(chapters)
	seconds = strings.TrimSpace(seconds)
	switch {
	case chapters != "" && seconds != "":
		return protocol.Range{}, fmt.Errorf("specify only one of --chapters or --seconds")
	case chapters != "":
		return parseBounds(protocol.RangeChapters, chapters)
	case seconds != "":
		return parseBounds(protocol.RangeSeconds, seconds)
	default:
		return protocol.Range{Kind: protocol.RangeAll}, nil
	}
}

// parseBounds accepts "start-end" or "start-" (open ended).
func parseBounds(kind protocol.RangeKind, raw string) (protocol.Range, error) {
	startRaw, endRaw, found := strings.Cut(raw, "-")
	start, err := strconv.ParseFloat(strings.TrimSpace(startRaw), 64)
	if err != nil {
		return protocol.Range{}, fmt.Errorf("invalid %s range %q", kind, raw)
	}
	r := protocol.Range{Kind: kind, Start: start}
	if found && strings.TrimSpace(endRaw) != "" {
		end, err := strconv.ParseFloat(strings.TrimSpace(endRaw), 64)
		if err != nil || end < start {
			return protocol.Range{}, fmt.Errorf("invalid %s range %q", kind, raw)
		}
		r.End = end
	}
	return r, nil
}
