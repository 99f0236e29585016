package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// taskKeywords are the task keys that are not module names.
var taskKeywords = map[string]bool{
	"name":          true,
	"when":          true,
	"register":      true,
	"ignore_errors": true,
	"notify":        true,
	"become":        true,
	"timeout":       true,
	"block":         true,
	"rescue":        true,
	"always":        true,
	"args":          true,
	"listen":        true,
}

// freeFormActions keep a string argument verbatim instead of splitting k=v pairs.
var freeFormActions = map[string]bool{
	"command": true,
	"shell":   true,
	"fail":    true,
}

const builtinPrefix = "ansible.builtin."

// Load reads and parses a playbook file.
func Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}

	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playbook %s: %w", path, err)
	}
	pb.Path = path
	return pb, nil
}

// Parse decodes a playbook document and normalizes module keys into
// Action/Args.
func Parse(data []byte) (*Playbook, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("playbook is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: playbook must be a list of plays", root.Line)
	}

	pb := &Playbook{}
	if err := root.Decode(&pb.raw); err != nil {
		return nil, err
	}

	for _, node := range root.Content {
		play, err := parsePlay(node)
		if err != nil {
			return nil, err
		}
		pb.Plays = append(pb.Plays, *play)
	}

	return pb, nil
}

// Dir returns the directory that relative paths in the playbook resolve against.
func (pb *Playbook) Dir() string {
	if pb.Path == "" {
		return "."
	}
	return filepath.Dir(pb.Path)
}

func parsePlay(node *yaml.Node) (*Play, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: play must be a mapping", node.Line)
	}

	play := &Play{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		var err error
		switch key.Value {
		case "name":
			err = value.Decode(&play.Name)
		case "hosts":
			err = value.Decode(&play.Hosts)
		case "gather_facts":
			err = value.Decode(&play.GatherFacts)
		case "become":
			err = value.Decode(&play.Become)
		case "force_handlers":
			err = value.Decode(&play.ForceHandlers)
		case "vars":
			err = value.Decode(&play.Vars)
		case "vars_files":
			play.VarsFiles, err = decodeStringList(value)
		case "tasks":
			play.Tasks, err = parseTasks(value)
		case "handlers":
			play.Handlers, err = parseHandlers(value)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: play key %q: %w", key.Line, key.Value, err)
		}
	}

	return play, nil
}

func parseTasks(node *yaml.Node) ([]Task, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of tasks", node.Line)
	}

	tasks := make([]Task, 0, len(node.Content))
	for _, item := range node.Content {
		task, err := parseTask(item)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func parseTask(node *yaml.Node) (*Task, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: task must be a mapping", node.Line)
	}

	task := &Task{Line: node.Line}
	var extraArgs map[string]interface{}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		var err error
		switch key.Value {
		case "name":
			err = value.Decode(&task.Name)
		case "when":
			task.When, err = decodeCondition(value)
		case "register":
			err = value.Decode(&task.Register)
		case "ignore_errors":
			err = value.Decode(&task.IgnoreErrors)
		case "notify":
			task.Notify, err = decodeStringList(value)
		case "become":
			var b bool
			if err = value.Decode(&b); err == nil {
				task.Become = &b
			}
		case "timeout":
			task.Timeout, err = decodeTimeout(value)
		case "block":
			task.hasBlock = true
			task.Block, err = parseTasks(value)
		case "rescue":
			task.Rescue, err = parseTasks(value)
		case "always":
			task.Always, err = parseTasks(value)
		case "args":
			err = value.Decode(&extraArgs)
		case "listen":
			err = fmt.Errorf("listen is only valid on handlers")
		default:
			action := strings.TrimPrefix(key.Value, builtinPrefix)
			if task.Action != "" {
				task.extraActions = append(task.extraActions, action)
				continue
			}
			task.Action = action
			task.Args, err = decodeArgs(action, value)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: task key %q: %w", key.Line, key.Value, err)
		}
	}

	if len(extraArgs) > 0 {
		if task.Args == nil {
			task.Args = make(map[string]interface{}, len(extraArgs))
		}
		for k, v := range extraArgs {
			task.Args[k] = v
		}
	}

	return task, nil
}

func parseHandlers(node *yaml.Node) ([]Handler, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of handlers", node.Line)
	}

	handlers := make([]Handler, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: handler must be a mapping", item.Line)
		}

		h := Handler{Line: item.Line}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, value := item.Content[i], item.Content[i+1]

			var err error
			switch key.Value {
			case "name":
				err = value.Decode(&h.Name)
			case "listen":
				h.Listen, err = decodeStringList(value)
			case "when":
				h.When, err = decodeCondition(value)
			case "become":
				var b bool
				if err = value.Decode(&b); err == nil {
					h.Become = &b
				}
			default:
				if taskKeywords[key.Value] {
					continue
				}
				action := strings.TrimPrefix(key.Value, builtinPrefix)
				if h.Action != "" {
					h.extraActions = append(h.extraActions, action)
					continue
				}
				h.Action = action
				h.Args, err = decodeArgs(action, value)
			}
			if err != nil {
				return nil, fmt.Errorf("line %d: handler key %q: %w", key.Line, key.Value, err)
			}
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// decodeArgs turns a module value into an argument map. Mappings are used as
// is, strings become "_raw" or k=v pairs.
func decodeArgs(action string, node *yaml.Node) (map[string]interface{}, error) {
	switch node.Kind {
	case yaml.MappingNode:
		args := make(map[string]interface{})
		if err := node.Decode(&args); err != nil {
			return nil, err
		}
		return args, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return map[string]interface{}{}, nil
		}
		return parseFreeForm(action, node.Value), nil
	default:
		return nil, fmt.Errorf("module arguments must be a mapping or a string")
	}
}

// parseFreeForm splits "name=nginx state=present" into a map for modules that
// accept key=value shorthand.
func parseFreeForm(action, raw string) map[string]interface{} {
	if freeFormActions[action] || !strings.Contains(raw, "=") {
		return map[string]interface{}{"_raw": raw}
	}

	args := make(map[string]interface{})
	var rest []string
	for _, field := range strings.Fields(raw) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || k == "" {
			rest = append(rest, field)
			continue
		}
		args[k] = v
	}
	if len(rest) > 0 {
		args["_raw"] = strings.Join(rest, " ")
	}
	return args
}

// decodeCondition accepts a string expression or a YAML boolean.
func decodeCondition(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("condition must be a scalar")
	}
	if node.Tag == "!!bool" {
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return "", err
		}
		if b {
			return "True", nil
		}
		return "False", nil
	}
	return node.Value, nil
}

// decodeTimeout accepts a Go duration string or a number of seconds.
func decodeTimeout(node *yaml.Node) (time.Duration, error) {
	if node.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("timeout must be a scalar")
	}
	if node.Tag == "!!int" {
		secs, err := strconv.Atoi(node.Value)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(node.Value)
}

func decodeStringList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or a list of strings")
	}
}
