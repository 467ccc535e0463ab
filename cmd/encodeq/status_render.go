package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"encodeq/internal/api"
	"encodeq/internal/protocol"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

// queueStatusOrder is the display order for queue statistics.
var queueStatusOrder = []string{"queued", "active", "completed", "failed", "cancelled"}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// displayStatus renders a machine status such as "cancelled" for humans.
func displayStatus(status string) string {
	status = strings.TrimSpace(strings.ReplaceAll(status, "_", " "))
	if status == "" {
		return "-"
	}
	return titleCaser.String(status)
}

func buildQueueStatusRows(stats map[string]int) [][]string {
	rows := make([][]string, 0, len(stats))
	seen := make(map[string]bool, len(stats))
	for _, status := range queueStatusOrder {
		seen[status] = true
		if count := stats[status]; count > 0 {
			rows = append(rows, []string{displayStatus(status), fmt.Sprintf("%d", count)})
		}
	}
	extra := make([]string, 0)
	for status, count := range stats {
		if !seen[status] && count > 0 {
			extra = append(extra, status)
		}
	}
	sort.Strings(extra)
	for _, status := range extra {
		rows = append(rows, []string{displayStatus(status), fmt.Sprintf("%d", stats[status])})
	}
	return rows
}

func workerStateKind(state string) statusKind {
	switch state {
	case api.SlotStateDisabled, string(protocol.StateCrashed):
		return statusError
	case api.SlotStateEmpty, api.SlotStateRetiring, string(protocol.StateShutDown):
		return statusInfo
	case api.SlotStateSpawning, string(protocol.StateStopping), string(protocol.StatePaused):
		return statusWarn
	default:
		return statusOK
	}
}

func buildWorkerRows(workers []api.WorkerStatus) [][]string {
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		pid := "-"
		if w.PID > 0 {
			pid = fmt.Sprintf("%d", w.PID)
		}
		job := w.JobID
		if job == "" {
			job = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", w.Slot),
			displayStatus(w.State),
			pid,
			job,
			formatProgress(w.Progress),
			fmt.Sprintf("%d", w.Restarts),
			truncate(w.LastError, 48),
		})
	}
	return rows
}

func formatProgress(p *protocol.Progress) string {
	if p == nil {
		return "-"
	}
	out := fmt.Sprintf("%.1f%%", p.Percent)
	if p.PassCount > 1 {
		out = fmt.Sprintf("%s (pass %d/%d)", out, p.Pass, p.PassCount)
	}
	if eta := p.ETA(); eta > 0 {
		out = fmt.Sprintf("%s eta %s", out, eta.Round(time.Second))
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n || n <= 3 {
		return s
	}
	return s[:n-3] + "..."
}

func renderStatus(w io.Writer, status api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	if status.Running {
		detail := fmt.Sprintf("Running (pid %d)", status.PID)
		if status.StartedAt != "" {
			detail = fmt.Sprintf("%s since %s", detail, status.StartedAt)
		}
		fmt.Fprintln(w, renderStatusLine("encodeq", statusOK, detail, colorize))
		kind := statusOK
		if status.Restarts > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(w, renderStatusLine("Worker restarts", kind, fmt.Sprintf("%d", status.Restarts), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("encodeq", statusWarn, "Not running (run `encodeq start`)", colorize))
	}
	if status.QueueDBPath != "" {
		fmt.Fprintln(w, renderStatusLine("Queue database", statusInfo, status.QueueDBPath, colorize))
	}

	if len(status.Workers) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Workers", colorize) {
			fmt.Fprintln(w, line)
		}
		for _, wk := range status.Workers {
			label := fmt.Sprintf("Slot %d", wk.Slot)
			detail := displayStatus(wk.State)
			if wk.JobID != "" {
				detail = fmt.Sprintf("%s %s", detail, wk.JobID)
			}
			fmt.Fprintln(w, renderStatusLine(label, workerStateKind(wk.State), detail, colorize))
		}
		fmt.Fprintln(w, renderTable(workerColumns, buildWorkerRows(status.Workers)))
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Queue Status", colorize) {
		fmt.Fprintln(w, line)
	}
	rows := buildQueueStatusRows(status.QueueStats)
	if len(rows) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	fmt.Fprintln(w, renderTable(queueStatusColumns, rows))
}
