package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/playbook"
)

var statusColors = map[engine.TaskStatus]text.Colors{
	engine.TaskStatusOK:      {text.FgGreen},
	engine.TaskStatusChanged: {text.FgYellow},
	engine.TaskStatusFailed:  {text.FgRed, text.Bold},
	engine.TaskStatusSkipped: {text.FgCyan},
	engine.TaskStatusIgnored: {text.FgMagenta},
	engine.TaskStatusRescued: {text.FgBlue},
}

// resultPrinter writes one line per task result as the run progresses.
type resultPrinter struct {
	w    io.Writer
	play string
}

func (p *resultPrinter) print(r *engine.TaskResult) {
	if r.Play != p.play {
		p.play = r.Play
		fmt.Fprintf(p.w, "\nPLAY [%s]\n", r.Play)
	}

	name := r.Task
	if r.Handler {
		name = "handler: " + name
	}

	status := fmt.Sprintf("%-8s", r.Status)
	if colors, ok := statusColors[r.Status]; ok {
		status = colors.Sprint(status)
	}

	line := fmt.Sprintf("%s [%s] %s", status, r.Host, name)
	switch {
	case r.Status == engine.TaskStatusFailed || r.Status == engine.TaskStatusIgnored:
		if msg := firstLine(r.Msg); msg != "" {
			line += ": " + msg
		}
		if r.Status == engine.TaskStatusIgnored {
			line += " (ignoring)"
		}
	case verbose && r.Msg != "":
		line += ": " + firstLine(r.Msg)
	}
	fmt.Fprintln(p.w, line)
}

func printIssues(w io.Writer, issues []playbook.Issue) {
	for _, issue := range issues {
		s := issue.String()
		if issue.Severity == playbook.SeverityError {
			s = text.FgRed.Sprint(s)
		} else {
			s = text.FgYellow.Sprint(s)
		}
		fmt.Fprintln(w, s)
	}
}

func printViolations(w io.Writer, violations []engine.PolicyViolation) {
	for _, v := range violations {
		loc := v.Task
		if v.Line > 0 {
			loc = fmt.Sprintf("%s (line %d)", v.Task, v.Line)
		}
		s := fmt.Sprintf("%s policy %s: %s: %s", v.Severity, v.Policy, loc, v.Message)
		if v.Severity == "error" || v.Severity == "critical" {
			s = text.FgRed.Sprint(s)
		} else {
			s = text.FgYellow.Sprint(s)
		}
		fmt.Fprintln(w, s)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
