package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one table column. Numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

var (
	queueListColumns = []column{
		{"Pos", true}, {"ID", false}, {"Source", false}, {"Title", true},
		{"Status", false}, {"Slot", true}, {"Progress", false}, {"Retries", true},
	}
	titleColumns = []column{
		{"Title", true}, {"Duration", true}, {"Height", true}, {"Crop", false}, {"HDR", false},
	}
	workerColumns = []column{
		{"Slot", true}, {"State", false}, {"PID", true}, {"Job", false},
		{"Progress", false}, {"Restarts", true}, {"Last Error", false},
	}
	queueStatusColumns = []column{{"Status", false}, {"Count", true}}
)

// renderTable lays rows out under cols. Missing cells render empty and
// extra cells are dropped.
func renderTable(cols []column, rows [][]string) string {
	if len(cols) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(cols))
	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		header[i] = c.title
		align := text.AlignLeft
		if c.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(cols))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
