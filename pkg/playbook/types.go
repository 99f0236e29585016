package playbook

import (
	"time"
)

// Playbook is an ordered list of plays loaded from a single YAML file.
type Playbook struct {
	// Path is the file the playbook was loaded from, empty for in-memory playbooks.
	Path string `json:"path,omitempty"`

	// Plays are executed in file order.
	Plays []Play `json:"plays" validate:"dive"`

	// raw is the decoded YAML document, kept for schema validation.
	raw interface{}
}

// Play binds a list of tasks and handlers to a host pattern.
type Play struct {
	// Name is the human-readable play name.
	Name string `json:"name" validate:"required"`

	// Hosts is an inventory pattern: "all", a group, a host, or a comma list.
	Hosts string `json:"hosts" validate:"required"`

	// GatherFacts collects host facts into the "facts" variable before tasks run.
	GatherFacts bool `json:"gather_facts"`

	// Become runs every task of the play with privilege escalation unless the
	// task overrides it.
	Become bool `json:"become"`

	// ForceHandlers flushes notified handlers even when the play failed.
	ForceHandlers bool `json:"force_handlers"`

	// Vars are play-scoped variables.
	Vars map[string]interface{} `json:"vars,omitempty"`

	// VarsFiles are YAML files merged over Vars, relative to the playbook.
	VarsFiles []string `json:"vars_files,omitempty"`

	// Tasks run sequentially on each host.
	Tasks []Task `json:"tasks" validate:"dive"`

	// Handlers run at most once per host after Tasks, when notified.
	Handlers []Handler `json:"handlers,omitempty" validate:"dive"`
}

// Task is either an action task or a block with optional rescue and always
// sections. Never both.
type Task struct {
	// Name identifies the task in output, failed_task and the run history.
	Name string `json:"name,omitempty"`

	// Action is the module name (apt, shell, template ...). Empty for blocks.
	Action string `json:"action,omitempty"`

	// Args are the module arguments. Free-form string arguments are stored
	// under the "_raw" key.
	Args map[string]interface{} `json:"args,omitempty"`

	// When is a Starlark expression; the task is skipped when it is false.
	When string `json:"when,omitempty"`

	// Register stores the task result in the host scope under this name.
	Register string `json:"register,omitempty"`

	// IgnoreErrors turns a failure into an "ignored" result that does not
	// abort the sequence.
	IgnoreErrors bool `json:"ignore_errors,omitempty"`

	// Notify lists handler names or listen topics to trigger on change.
	Notify []string `json:"notify,omitempty"`

	// Become overrides the play level setting when set.
	Become *bool `json:"become,omitempty"`

	// Timeout bounds the action's execution. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	Block  []Task `json:"block,omitempty"`
	Rescue []Task `json:"rescue,omitempty"`
	Always []Task `json:"always,omitempty"`

	// Line is the 1-based line of the task in the source file, 0 if unknown.
	Line int `json:"line,omitempty"`

	// extraActions are module keys found beyond the first one.
	extraActions []string
	// hasBlock records an explicit "block:" key, even when empty.
	hasBlock bool
}

// IsBlock reports whether the task is a block task.
func (t *Task) IsBlock() bool {
	return t.hasBlock || len(t.Block) > 0
}

// DisplayName returns the task name, falling back to the action name.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Action != "" {
		return t.Action
	}
	return "block"
}

// BecomeOr resolves the effective privilege escalation flag.
func (t *Task) BecomeOr(playDefault bool) bool {
	if t.Become != nil {
		return *t.Become
	}
	return playDefault
}

// Handler is a deferred task triggered by notify.
type Handler struct {
	// Name is the identity used by notify and for deduplication.
	Name string `json:"name" validate:"required"`

	Action string                 `json:"action"`
	Args   map[string]interface{} `json:"args,omitempty"`

	// Listen lists extra topics this handler responds to.
	Listen []string `json:"listen,omitempty"`

	When   string `json:"when,omitempty"`
	Become *bool  `json:"become,omitempty"`

	Line int `json:"line,omitempty"`

	extraActions []string
}

// AsTask returns the handler as a plain action task.
func (h *Handler) AsTask() Task {
	return Task{
		Name:   h.Name,
		Action: h.Action,
		Args:   h.Args,
		When:   h.When,
		Become: h.Become,
		Line:   h.Line,
	}
}

// Matches reports whether a notify target refers to this handler.
func (h *Handler) Matches(target string) bool {
	if h.Name == target {
		return true
	}
	for _, topic := range h.Listen {
		if topic == target {
			return true
		}
	}
	return false
}

// Walk calls fn for every task in the list, descending into block, rescue and
// always sections in order.
func Walk(tasks []Task, fn func(*Task)) {
	for i := range tasks {
		t := &tasks[i]
		fn(t)
		Walk(t.Block, fn)
		Walk(t.Rescue, fn)
		Walk(t.Always, fn)
	}
}
