package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const becomePolicy = `# Handlers must not escalate privileges
# severity: error
package site.become

import rego.v1

deny contains msg if {
	input.task.handler
	input.task.become
	msg := sprintf("handler '%s' uses become", [input.task.name])
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	return path
}

func TestLoadRegoFileReadsMetadata(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "no-become-handlers.rego", becomePolicy)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-become-handlers" {
		t.Errorf("Expected name 'no-become-handlers', got '%s'", policy.Name)
	}
	if policy.Description != "Handlers must not escalate privileges" {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity from comment, got '%s'", policy.Severity)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Loaded policies are enabled and not built-in")
	}
	if policy.Metadata["source"] != path {
		t.Errorf("Expected source metadata %s, got %v", path, policy.Metadata["source"])
	}
}

func TestLoadJSONPolicyDefaults(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	data, err := json.Marshal(map[string]interface{}{
		"name":    "no-latest",
		"rego":    "package site.latest\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
		"enabled": true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	path := writePolicyFile(t, t.TempDir(), "latest.json", string(data))

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "no-latest" {
		t.Errorf("Expected name from JSON, got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got '%s'", policy.Severity)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("CreatedAt should default to now")
	}
}

func TestLoadFromPathsWalksDirectories(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writePolicyFile(t, dir, "a.rego", becomePolicy)
	writePolicyFile(t, dir, "nested/b.rego", becomePolicy)
	writePolicyFile(t, dir, "README.md", "not a policy")
	broken := writePolicyFile(t, t.TempDir(), "broken.json", "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	// A broken file passed directly is an error; inside a directory it is skipped.
	if _, err := loader.LoadFromPaths(context.Background(), []string{broken}); err == nil {
		t.Error("Expected error for invalid JSON file")
	}
	writePolicyFile(t, dir, "broken.json", "{")
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err != nil {
		t.Errorf("Broken files in a directory should be skipped: %v", err)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestHeaderSeverity(t *testing.T) {
	tests := map[string]Severity{
		"# severity: critical\npackage x":   SeverityCritical,
		"#severity:Warning\npackage x":      SeverityWarning,
		"# severity: loud\npackage x":       "",
		"package x\n# note: severity error": "",
	}
	for content, expected := range tests {
		if got := parseHeader(content).severity; got != expected {
			t.Errorf("parseHeader(%q).severity = %q, want %q", content, got, expected)
		}
	}
}

func TestCacheIsClearedOnDemand(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "p.rego", becomePolicy)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache, got %d entries", len(loader.cache))
	}
}

func TestWatchReloadsChangedPolicies(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", becomePolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- len(policies)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writePolicyFile(t, dir, "b.rego", becomePolicy)

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestParseHeaderReadsTags(t *testing.T) {
	h := parseHeader(`# Keep handlers unprivileged.
# Applies to every play.
# tags: privilege, handlers
# severity: critical
package site.tags

# not part of the header
`)
	if h.description != "Keep handlers unprivileged. Applies to every play." {
		t.Errorf("Unexpected description '%s'", h.description)
	}
	if h.severity != SeverityCritical {
		t.Errorf("Expected critical severity, got '%s'", h.severity)
	}
	if len(h.tags) != 2 || h.tags[0] != "privilege" || h.tags[1] != "handlers" {
		t.Errorf("Unexpected tags %v", h.tags)
	}
}

func TestModifiedFileBypassesCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "p.rego", becomePolicy)

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	writePolicyFile(t, filepath.Dir(path), "p.rego", "# severity: info\n"+becomePolicy)
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch policy: %v", err)
	}

	second, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if first == second {
		t.Fatal("Expected a fresh policy after the file changed")
	}
	if second.Severity != SeverityInfo {
		t.Errorf("Expected first severity directive to win, got '%s'", second.Severity)
	}
}
