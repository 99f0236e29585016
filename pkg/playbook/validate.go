package playbook

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Severity)
	if i.Path != "" {
		b.WriteString(" " + i.Path)
	}
	if i.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", i.Line)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validator checks playbooks for schema and structural problems.
type Validator struct {
	structs *validator.Validate
	actions map[string]bool
}

// NewValidator creates a validator. When knownActions is non-empty, task
// actions outside that set are reported.
func NewValidator(knownActions ...string) *Validator {
	v := &Validator{structs: validator.New()}
	if len(knownActions) > 0 {
		v.actions = make(map[string]bool, len(knownActions))
		for _, a := range knownActions {
			v.actions[a] = true
		}
	}
	return v
}

// Validate runs every check without restricting action names.
func Validate(pb *Playbook) []Issue {
	return NewValidator().Validate(pb)
}

// Validate returns all issues found in pb, errors first.
func (v *Validator) Validate(pb *Playbook) []Issue {
	var issues []Issue

	if pb.raw != nil {
		issues = append(issues, ValidateSchema(pb.raw)...)
	}
	issues = append(issues, v.validateStructs(pb)...)

	if len(pb.Plays) == 0 {
		issues = append(issues, Issue{Severity: SeverityError, Message: "playbook has no plays"})
	}

	for i := range pb.Plays {
		issues = append(issues, v.validatePlay(&pb.Plays[i], fmt.Sprintf("plays[%d]", i))...)
	}

	sort.SliceStable(issues, func(a, b int) bool {
		return issues[a].Severity == SeverityError && issues[b].Severity != SeverityError
	})
	return issues
}

func (v *Validator) validateStructs(pb *Playbook) []Issue {
	err := v.structs.Struct(pb)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Severity: SeverityError, Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
		})
	}
	return issues
}

func (v *Validator) validatePlay(play *Play, path string) []Issue {
	var issues []Issue
	add := func(sev, p string, line int, format string, args ...interface{}) {
		issues = append(issues, Issue{Severity: sev, Path: p, Line: line, Message: fmt.Sprintf(format, args...)})
	}

	if len(play.Tasks) == 0 {
		add(SeverityWarning, path, 0, "play %q has no tasks", play.Name)
	}

	seen := make(map[string]bool, len(play.Handlers))
	notified := make(map[string]bool)
	for i := range play.Handlers {
		h := &play.Handlers[i]
		hp := fmt.Sprintf("%s.handlers[%d]", path, i)
		if seen[h.Name] {
			add(SeverityError, hp, h.Line, "duplicate handler name %q", h.Name)
		}
		seen[h.Name] = true

		if h.Action == "" {
			add(SeverityError, hp, h.Line, "handler %q has no action", h.Name)
		}
		if len(h.extraActions) > 0 {
			add(SeverityError, hp, h.Line, "handler %q has more than one action: %s, %s", h.Name, h.Action, strings.Join(h.extraActions, ", "))
		}
		issues = append(issues, v.checkAction(h.Action, h.Args, h.When, hp, h.Line)...)
	}

	v.validateTasks(play, play.Tasks, path+".tasks", notified, &issues)

	for i := range play.Handlers {
		h := &play.Handlers[i]
		used := notified[h.Name]
		for _, topic := range h.Listen {
			used = used || notified[topic]
		}
		if !used {
			add(SeverityWarning, fmt.Sprintf("%s.handlers[%d]", path, i), h.Line, "handler %q is never notified", h.Name)
		}
	}

	return issues
}

func (v *Validator) validateTasks(play *Play, tasks []Task, path string, notified map[string]bool, issues *[]Issue) {
	add := func(sev, p string, line int, format string, args ...interface{}) {
		*issues = append(*issues, Issue{Severity: sev, Path: p, Line: line, Message: fmt.Sprintf(format, args...)})
	}

	for i := range tasks {
		t := &tasks[i]
		tp := fmt.Sprintf("%s[%d]", path, i)

		switch {
		case t.Action != "" && t.IsBlock():
			add(SeverityError, tp, t.Line, "task %q has both an action (%s) and a block", t.DisplayName(), t.Action)
		case t.Action == "" && !t.IsBlock():
			add(SeverityError, tp, t.Line, "task %q has no action", t.DisplayName())
		}
		if len(t.extraActions) > 0 {
			add(SeverityError, tp, t.Line, "task %q has more than one action: %s, %s", t.DisplayName(), t.Action, strings.Join(t.extraActions, ", "))
		}

		if t.Action != "" && t.Name == "" {
			add(SeverityError, tp, t.Line, "%s task is missing a name", t.Action)
		}

		if !t.IsBlock() && (len(t.Rescue) > 0 || len(t.Always) > 0) {
			add(SeverityError, tp, t.Line, "rescue and always are only valid on block tasks")
		}

		if t.Register != "" && !identifierRe.MatchString(t.Register) {
			add(SeverityError, tp, t.Line, "register name %q is not a valid identifier", t.Register)
		}

		for _, target := range t.Notify {
			notified[target] = true
			if !handlerExists(play, target) {
				add(SeverityError, tp, t.Line, "notify target %q matches no handler name or listen topic", target)
			}
		}

		if t.IgnoreErrors && t.IsBlock() {
			add(SeverityWarning, tp, t.Line, "ignore_errors on a block applies to the block result only")
		}

		if t.Action != "" {
			*issues = append(*issues, v.checkAction(t.Action, t.Args, t.When, tp, t.Line)...)
		} else if err := CheckCondition(t.When); err != nil {
			add(SeverityError, tp, t.Line, "invalid when expression: %v", err)
		}

		v.validateTasks(play, t.Block, tp+".block", notified, issues)
		v.validateTasks(play, t.Rescue, tp+".rescue", notified, issues)
		v.validateTasks(play, t.Always, tp+".always", notified, issues)
	}
}

func (v *Validator) checkAction(action string, args map[string]interface{}, when, path string, line int) []Issue {
	var issues []Issue
	if action != "" && v.actions != nil && !v.actions[action] {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Line: line, Message: fmt.Sprintf("unknown action %q", action)})
	}
	if err := CheckCondition(when); err != nil {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Line: line, Message: fmt.Sprintf("invalid when expression: %v", err)})
	}
	WalkStrings(args, func(key, value string) {
		if err := CheckTemplate(value); err != nil {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".args." + key, Line: line, Message: fmt.Sprintf("invalid template: %v", err)})
		}
	})
	return issues
}

func handlerExists(play *Play, target string) bool {
	for i := range play.Handlers {
		if play.Handlers[i].Matches(target) {
			return true
		}
	}
	return false
}
