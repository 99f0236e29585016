package engine

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

var recapHeader = table.Row{
	"Host",
	"OK",
	"Changed",
	"Unreachable",
	"Failed",
	"Skipped",
	"Rescued",
	"Ignored",
}

// RenderRecap renders the per-host counters of a run as a table.
func RenderRecap(run *Run) string {
	recapTable := table.NewWriter()
	recapTable.SetTitle(fmt.Sprintf("PLAY RECAP (%s, %s)", run.Status, run.Duration.Round(time.Millisecond)))
	recapTable.AppendHeader(recapHeader)

	for _, h := range run.Hosts {
		recapTable.AppendRow(table.Row{
			h.Host,
			h.OK,
			h.Changed,
			h.Unreachable,
			h.Failed,
			h.Skipped,
			h.Rescued,
			h.Ignored,
		})
	}

	return recapTable.Render()
}

var resultHeader = table.Row{
	"#",
	"Host",
	"Task",
	"Action",
	"Status",
	"RC",
	"Duration",
	"Message",
}

// RenderResults renders every task result of a run, one row per result.
func RenderResults(results []*TaskResult) string {
	resultTable := table.NewWriter()
	resultTable.AppendHeader(resultHeader)

	for i, r := range results {
		name := r.Task
		if r.Handler {
			name = "handler: " + name
		}
		resultTable.AppendRow(table.Row{
			i + 1,
			r.Host,
			name,
			r.Action,
			string(r.Status),
			r.RC,
			r.Duration.Round(time.Millisecond).String(),
			truncate(r.Msg, 80),
		})
	}

	return resultTable.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
