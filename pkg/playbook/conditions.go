package playbook

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// EvalCondition evaluates a `when` expression as Starlark with the variables
// as globals. An empty expression is true; non-boolean results use Starlark
// truthiness. Maps support both r["rc"] and r.rc access, and defined("name")
// tests whether a dotted variable path exists.
func EvalCondition(expr string, vars Vars) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	env := starlark.StringDict{
		"defined": starlark.NewBuiltin("defined", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			_, ok := vars.Get(name)
			return starlark.Bool(ok), nil
		}),
		"true":  starlark.True,
		"false": starlark.False,
	}

	for name, val := range vars {
		if !isIdentifier(name) {
			continue
		}
		sv, err := toStarlarkValue(val)
		if err != nil {
			return false, fmt.Errorf("variable %s: %w", name, err)
		}
		env[name] = sv
	}

	thread := &starlark.Thread{
		Name:  "when",
		Print: func(*starlark.Thread, string) {},
	}
	result, err := starlark.Eval(thread, "when", expr, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expr, err)
	}

	return bool(result.Truth()), nil
}

// CheckCondition reports whether expr is syntactically valid.
func CheckCondition(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := syntax.ParseExpr("when", expr, 0)
	return err
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case float32:
		return starlark.Float(float64(val)), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case Vars:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return toStarlarkValue(m)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return &attrDict{Dict: dict}, nil
	default:
		return starlark.String(fmt.Sprint(val)), nil
	}
}

// attrDict is a dict whose string keys are also readable as attributes.
type attrDict struct {
	*starlark.Dict
}

func (d *attrDict) Attr(name string) (starlark.Value, error) {
	if v, found, err := d.Dict.Get(starlark.String(name)); err == nil && found {
		return v, nil
	}
	return d.Dict.Attr(name)
}

func (d *attrDict) AttrNames() []string {
	names := d.Dict.AttrNames()
	for _, item := range d.Dict.Items() {
		if s, ok := item[0].(starlark.String); ok {
			names = append(names, string(s))
		}
	}
	sort.Strings(names)
	return names
}

func (d *attrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	if other, ok := y.(*attrDict); ok {
		y = other.Dict
	}
	return d.Dict.CompareSameType(op, y, depth)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
