package playbook

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"

	sprig "github.com/go-task/slim-sprig/v3"
)

var templateFuncs template.FuncMap

// missingFunc ends every printing action so a missing value prints as "".
const missingFunc = "missingAsEmpty"

func init() {
	templateFuncs = template.FuncMap(sprig.TxtFuncMap())

	// lines mirrors the stdout_lines field of registered results.
	templateFuncs["lines"] = func(s string) []string {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		return strings.Split(strings.TrimRight(s, "\n"), "\n")
	}
	templateFuncs[missingFunc] = func(v interface{}) interface{} {
		if v == nil {
			return ""
		}
		return v
	}
}

// Render evaluates tmpl as a Go text/template with the sprig function map.
// Missing keys, including chained lookups through a missing key, render as
// empty strings, so `{{ .out.stdout | default "n/a" }}` falls back when the
// variable is absent or empty.
func Render(tmpl string, vars Vars) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	parsed, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	for _, t := range parsed.Templates() {
		if t.Tree != nil {
			emptyMissing(t.Tree, t.Tree.Root)
		}
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, map[string]interface{}(vars)); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// emptyMissing appends missingFunc to every action in list that prints its
// value. Text outside actions is never touched.
func emptyMissing(tree *parse.Tree, list *parse.ListNode) {
	if list == nil {
		return
	}
	for _, node := range list.Nodes {
		switch n := node.(type) {
		case *parse.ActionNode:
			if len(n.Pipe.Decl) > 0 {
				continue
			}
			ident := parse.NewIdentifier(missingFunc).SetTree(tree).SetPos(n.Pos)
			n.Pipe.Cmds = append(n.Pipe.Cmds, &parse.CommandNode{
				NodeType: parse.NodeCommand,
				Pos:      n.Pos,
				Args:     []parse.Node{ident},
			})
		case *parse.IfNode:
			emptyMissing(tree, n.List)
			emptyMissing(tree, n.ElseList)
		case *parse.RangeNode:
			emptyMissing(tree, n.List)
			emptyMissing(tree, n.ElseList)
		case *parse.WithNode:
			emptyMissing(tree, n.List)
			emptyMissing(tree, n.ElseList)
		}
	}
}

// CheckTemplate reports whether tmpl parses without executing it.
func CheckTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	_, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	return err
}

// RenderArgs renders every string inside args, descending into nested maps
// and lists. The input is not modified.
func RenderArgs(args map[string]interface{}, vars Vars) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		rendered, err := renderValue(v, vars)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func renderValue(v interface{}, vars Vars) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return Render(val, vars)
	case map[string]interface{}:
		return RenderArgs(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rendered, err := renderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// WalkStrings calls fn for every string value in args.
func WalkStrings(args map[string]interface{}, fn func(key, value string)) {
	for k, v := range args {
		walkStringValue(k, v, fn)
	}
}

func walkStringValue(key string, v interface{}, fn func(key, value string)) {
	switch val := v.(type) {
	case string:
		fn(key, val)
	case map[string]interface{}:
		for k, item := range val {
			walkStringValue(key+"."+k, item, fn)
		}
	case []interface{}:
		for i, item := range val {
			walkStringValue(fmt.Sprintf("%s[%d]", key, i), item, fn)
		}
	}
}
