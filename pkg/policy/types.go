package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that refuse the run in enforcing mode.
	SeverityError Severity = "error"

	// SeverityCritical is treated like SeverityError.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity refuses a run in enforcing mode.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Modes control what the executor does with violations.
const (
	// ModeAdvisory logs violations and runs anyway.
	ModeAdvisory = "advisory"

	// ModeEnforcing refuses to run a playbook with blocking violations.
	ModeEnforcing = "enforcing"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a
	// "deny" set of strings or {message, severity} objects.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with hostplay.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInput is the document exposed to Rego as "input", one per task.
type PolicyInput struct {
	// Play describes the play the task belongs to.
	Play PlayInput `json:"play"`

	// Task is the task being evaluated.
	Task TaskInput `json:"task"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PlayInput is the play level view of a task.
type PlayInput struct {
	Name          string                 `json:"name"`
	Hosts         string                 `json:"hosts"`
	Become        bool                   `json:"become"`
	ForceHandlers bool                   `json:"force_handlers"`
	Vars          map[string]interface{} `json:"vars"`
}

// TaskInput is a task or handler with its raw, unrendered arguments.
type TaskInput struct {
	Name         string                 `json:"name"`
	Action       string                 `json:"action"`
	Args         map[string]interface{} `json:"args"`
	When         string                 `json:"when"`
	Register     string                 `json:"register"`
	IgnoreErrors bool                   `json:"ignore_errors"`
	Become       bool                   `json:"become"`
	Notify       []string               `json:"notify"`
	Handler      bool                   `json:"handler"`
	Line         int                    `json:"line"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Playbook is the playbook path.
	Playbook string `json:"playbook,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
