package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a playbook run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every host completed its plays.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one host failed or was unreachable.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// TaskStatus is the outcome of a single task, block or handler.
type TaskStatus string

const (
	// TaskStatusOK indicates the task ran and changed nothing.
	TaskStatusOK TaskStatus = "ok"

	// TaskStatusChanged indicates the task ran and changed the host.
	TaskStatusChanged TaskStatus = "changed"

	// TaskStatusFailed indicates a fatal failure.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates the task did not run, because its condition
	// was false or the action declined to run in check mode.
	TaskStatusSkipped TaskStatus = "skipped"

	// TaskStatusIgnored indicates a failure that ignore_errors made non-fatal.
	TaskStatusIgnored TaskStatus = "ignored"

	// TaskStatusRescued indicates a block whose failure was recovered by its
	// rescue section.
	TaskStatusRescued TaskStatus = "rescued"
)

// IsFatal returns true if the status aborts the enclosing sequence.
func (s TaskStatus) IsFatal() bool {
	return s == TaskStatusFailed
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusOK, TaskStatusChanged, TaskStatusFailed,
		TaskStatusSkipped, TaskStatusIgnored, TaskStatusRescued:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}
