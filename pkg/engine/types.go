package engine

import (
	"strings"
	"time"

	"github.com/openfroyo/hostplay/pkg/playbook"
)

// RunOptions control a single playbook run.
type RunOptions struct {
	// ExtraVars override every other variable layer.
	ExtraVars playbook.Vars `json:"extra_vars,omitempty"`

	// CheckMode asks actions to report changes without applying them.
	CheckMode bool `json:"check_mode"`

	// Limit further restricts the hosts of every play.
	Limit string `json:"limit,omitempty"`

	// User is the operator who started the run.
	User string `json:"user,omitempty"`
}

// Run is one execution of a playbook.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Playbook is the path of the executed playbook.
	Playbook string `json:"playbook"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// CheckMode records whether the run was a dry run.
	CheckMode bool `json:"check_mode"`

	// User is the user who initiated the run.
	User string `json:"user,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Hosts holds the per-host counters in the order hosts were first seen.
	Hosts []*HostRecap `json:"hosts"`

	// Results lists every task, block and handler result in execution order.
	Results []*TaskResult `json:"results,omitempty"`

	// Error describes an infrastructure failure that stopped the run.
	Error string `json:"error,omitempty"`
}

// Recap returns the counters for host, creating them on first use.
func (r *Run) Recap(host string) *HostRecap {
	for _, h := range r.Hosts {
		if h.Host == host {
			return h
		}
	}
	h := &HostRecap{Host: host}
	r.Hosts = append(r.Hosts, h)
	return h
}

// Failed reports whether any host failed or was unreachable.
func (r *Run) Failed() bool {
	for _, h := range r.Hosts {
		if h.Failed > 0 || h.Unreachable > 0 {
			return true
		}
	}
	return false
}

// HostRecap counts task outcomes for one host across all plays. Failed
// leaves out failures later recovered by rescue or a block's ignore_errors.
type HostRecap struct {
	Host        string `json:"host"`
	OK          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Ignored     int    `json:"ignored"`
	Rescued     int    `json:"rescued"`
	Unreachable int    `json:"unreachable"`
}

func (h *HostRecap) count(status TaskStatus) {
	switch status {
	case TaskStatusOK:
		h.OK++
	case TaskStatusChanged:
		h.Changed++
	case TaskStatusFailed:
		h.Failed++
	case TaskStatusSkipped:
		h.Skipped++
	case TaskStatusIgnored:
		h.Ignored++
	case TaskStatusRescued:
		h.Rescued++
	}
}

// TaskResult is the outcome of one task, block or handler on one host.
type TaskResult struct {
	// ID is the unique identifier for this result.
	ID string `json:"id"`

	// RunID is the run this result belongs to.
	RunID string `json:"run_id"`

	Play string `json:"play"`
	Host string `json:"host"`

	// Task is the task display name.
	Task string `json:"task"`

	// Action is the module name, "block" for blocks.
	Action string `json:"action"`

	// Handler marks results produced while flushing handlers.
	Handler bool `json:"handler,omitempty"`

	// Block marks the summary result of a block task.
	Block bool `json:"block,omitempty"`

	Status  TaskStatus `json:"status"`
	Changed bool       `json:"changed"`
	Failed  bool       `json:"failed"`
	RC      int        `json:"rc"`
	Stdout  string     `json:"stdout,omitempty"`
	Stderr  string     `json:"stderr,omitempty"`
	Msg     string     `json:"msg,omitempty"`

	// Data holds action specific fields.
	Data map[string]interface{} `json:"data,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Error is set when the task could not be carried out at all, as
	// opposed to the managed thing reporting a failure.
	Error *EngineError `json:"error,omitempty"`
}

// AsVar returns the map stored by register. Action data is included but
// never shadows the standard keys.
func (r *TaskResult) AsVar() map[string]interface{} {
	v := make(map[string]interface{}, len(r.Data)+10)
	for k, val := range r.Data {
		v[k] = val
	}

	v["changed"] = r.Changed
	v["failed"] = r.Failed
	v["skipped"] = r.Status == TaskStatusSkipped
	v["status"] = string(r.Status)
	v["rc"] = r.RC
	v["stdout"] = r.Stdout
	v["stderr"] = r.Stderr
	v["stdout_lines"] = splitLines(r.Stdout)
	v["stderr_lines"] = splitLines(r.Stderr)
	v["msg"] = r.Msg
	return v
}

func splitLines(s string) []interface{} {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return []interface{}{}
	}
	parts := strings.Split(s, "\n")
	lines := make([]interface{}, len(parts))
	for i, p := range parts {
		lines[i] = p
	}
	return lines
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when an error severity violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`

	// Play and Task locate the offending task.
	Play string `json:"play,omitempty"`
	Task string `json:"task,omitempty"`

	// Line is the task's line in the playbook, 0 if unknown.
	Line int `json:"line,omitempty"`
}
