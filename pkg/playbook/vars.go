package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Vars is a variable snapshot. Values passed around the executor are treated
// as immutable: layering always produces a new map.
type Vars map[string]interface{}

// Clone returns a deep copy of the variables.
func (v Vars) Clone() Vars {
	if v == nil {
		return Vars{}
	}
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

// Get looks up a dotted path such as "result.stdout".
func (v Vars) Get(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(v)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			val, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = val
		case Vars:
			val, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = val
		default:
			return nil, false
		}
	}
	return cur, true
}

// Keys returns the top-level variable names in sorted order.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge layers variable maps, later layers overriding earlier ones. Nested
// maps are merged key by key. None of the inputs are modified.
func Merge(layers ...Vars) (Vars, error) {
	out := Vars{}
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		src := map[string]interface{}(layer.Clone())
		dst := map[string]interface{}(out)
		if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge variables: %w", err)
		}
		out = Vars(dst)
	}
	return out, nil
}

// LoadVarsFile reads a YAML mapping of variables.
func LoadVarsFile(path string) (Vars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vars file %s: %w", path, err)
	}

	vars := Vars{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to parse vars file %s: %w", path, err)
	}
	return vars, nil
}

// LoadVarsFiles loads and merges vars files in order. Relative paths resolve
// against baseDir.
func LoadVarsFiles(baseDir string, paths []string) (Vars, error) {
	layers := make([]Vars, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		vars, err := LoadVarsFile(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, vars)
	}
	return Merge(layers...)
}

// ParseExtraVars parses "-e" style arguments. Each entry is either key=value,
// where value is decoded as a YAML scalar, or @file to load a vars file.
func ParseExtraVars(entries []string) (Vars, error) {
	layers := make([]Vars, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry, "@") {
			vars, err := LoadVarsFile(strings.TrimPrefix(entry, "@"))
			if err != nil {
				return nil, err
			}
			layers = append(layers, vars)
			continue
		}

		key, raw, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid extra var %q: expected key=value", entry)
		}

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		layers = append(layers, Vars{strings.TrimSpace(key): value})
	}
	return Merge(layers...)
}

// LoadEnvFile reads a dotenv file into string variables.
func LoadEnvFile(path string) (Vars, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	vars := make(Vars, len(env))
	for k, v := range env {
		vars[k] = v
	}
	return vars, nil
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Vars:
		return map[string]interface{}(val.Clone())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
