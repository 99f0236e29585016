package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/playbook"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func parsePlaybook(t *testing.T, src string) *playbook.Playbook {
	t.Helper()
	pb, err := playbook.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Failed to parse playbook: %v", err)
	}
	return pb
}

func violationsFor(result *engine.PolicyResult, policy string) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	want := []string{
		"ignored-errors-need-register",
		"insecure-git-transport",
		"plaintext-smtp-password",
		"shell-pipe-to-interpreter",
	}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Policy %s should be an enabled built-in", name)
		}
	}
}

func TestShellPipeBlocksPlaybook(t *testing.T) {
	e := newTestEngine(t)
	pb := parsePlaybook(t, `
- name: Bootstrap
  hosts: web
  tasks:
    - name: Install agent
      shell: curl -sSL https://get.example.com/install.sh | sudo bash
    - name: Safe download
      command: curl -sSLo /tmp/install.sh https://get.example.com/install.sh
`)

	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected playbook to be blocked")
	}

	violations := violationsFor(result, "shell-pipe-to-interpreter")
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d: %+v", len(violations), result.Violations)
	}
	v := violations[0]
	if v.Severity != string(SeverityError) {
		t.Errorf("Expected error severity, got %s", v.Severity)
	}
	if v.Play != "Bootstrap" || v.Task != "Install agent" {
		t.Errorf("Violation not attributed to its task: %+v", v)
	}
	if v.Line != 5 {
		t.Errorf("Expected line 5, got %d", v.Line)
	}
	if !strings.Contains(v.Message, "Install agent") {
		t.Errorf("Message should name the task: %s", v.Message)
	}
}

func TestShellPipeMatchesCmdArgument(t *testing.T) {
	e := newTestEngine(t)
	pb := parsePlaybook(t, `
- name: Bootstrap
  hosts: web
  tasks:
    - name: Nested
      block:
        - name: Install tool
          command:
            cmd: wget -qO- https://example.com/tool.py | python3
`)

	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(violationsFor(result, "shell-pipe-to-interpreter")) != 1 {
		t.Errorf("Expected tasks inside blocks to be evaluated: %+v", result.Violations)
	}
}

func TestWarningPoliciesDoNotBlock(t *testing.T) {
	e := newTestEngine(t)
	pb := parsePlaybook(t, `
- name: Deploy
  hosts: web
  tasks:
    - name: Health check
      command: /usr/bin/false
      ignore_errors: true
    - name: Health check registered
      command: /usr/bin/false
      ignore_errors: true
      register: health
    - name: Checkout
      git:
        repo: git://example.com/app.git
        dest: /srv/app
    - name: Checkout safely
      git:
        repo: https://example.com/app.git
        dest: /srv/app
  handlers:
    - name: notify ops
      mail:
        to: ops@example.com
        subject: deployed
        password: hunter2
`)

	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Warnings should not block: %+v", result.Violations)
	}

	tests := map[string]string{
		"ignored-errors-need-register": "Health check",
		"insecure-git-transport":       "Checkout",
		"plaintext-smtp-password":      "notify ops",
	}
	for policy, task := range tests {
		violations := violationsFor(result, policy)
		if len(violations) != 1 {
			t.Errorf("%s: expected 1 violation, got %d", policy, len(violations))
			continue
		}
		if violations[0].Task != task {
			t.Errorf("%s: expected task %q, got %q", policy, task, violations[0].Task)
		}
		if violations[0].Severity != string(SeverityWarning) {
			t.Errorf("%s: expected warning severity, got %s", policy, violations[0].Severity)
		}
	}
}

func TestTemplatedPasswordIsAccepted(t *testing.T) {
	e := newTestEngine(t)
	pb := parsePlaybook(t, `
- name: Report
  hosts: localhost
  tasks:
    - name: Send report
      mail:
        to: ops@example.com
        password: "{{ .smtp_password }}"
`)

	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	pb := parsePlaybook(t, `
- name: Bootstrap
  hosts: web
  tasks:
    - name: Install agent
      shell: curl https://x.example.com | sh
`)

	if err := e.DisablePolicy("shell-pipe-to-interpreter"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Disabled policy should not be evaluated: %+v", result.Violations)
	}

	if err := e.EnablePolicy("shell-pipe-to-interpreter"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Re-enabled policy should block")
	}

	if err := e.DisablePolicy("nope"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadCustomPolicies(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	writePolicyFile(t, dir, "no-become-handlers.rego", becomePolicy)

	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	policy, err := e.GetPolicy("no-become-handlers")
	if err != nil {
		t.Fatalf("Custom policy not registered: %v", err)
	}
	if policy.Builtin {
		t.Error("Custom policy should not be built-in")
	}

	pb := parsePlaybook(t, `
- name: Web
  hosts: web
  become: true
  tasks:
    - name: Update config
      command: /bin/true
      notify: restart nginx
  handlers:
    - name: restart nginx
      service:
        name: nginx
        state: restarted
`)

	result, err := e.EvaluatePlaybook(context.Background(), pb)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	violations := violationsFor(result, "no-become-handlers")
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation from custom policy, got %+v", result.Violations)
	}
	if violations[0].Message != "handler 'restart nginx' uses become" {
		t.Errorf("Unexpected message: %s", violations[0].Message)
	}
	if violations[0].Severity != string(SeverityError) {
		t.Errorf("String violations take the policy severity, got %s", violations[0].Severity)
	}
	if result.Allowed {
		t.Error("Error-severity custom policy should block")
	}
}

func TestSetPoliciesRejectsInvalidRego(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	writePolicyFile(t, dir, "good.rego", becomePolicy)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	err := e.SetPolicies(context.Background(), []Policy{{
		Name:     "broken",
		Rego:     "package broken\n\ndeny contains msg if {",
		Severity: SeverityError,
		Enabled:  true,
	}})
	if err == nil {
		t.Fatal("Expected compile error")
	}

	// The previous set stays in place when compilation fails.
	if _, err := e.GetPolicy("good"); err != nil {
		t.Errorf("Existing custom policy was dropped: %v", err)
	}
	if _, err := e.GetPolicy("broken"); err == nil {
		t.Error("Broken policy should not be registered")
	}
}

func TestReloadPoliciesDropsCustom(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	writePolicyFile(t, dir, "custom.rego", becomePolicy)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if err := e.DisablePolicy("insecure-git-transport"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	if err := e.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	if _, err := e.GetPolicy("custom"); err == nil {
		t.Error("Custom policy should be dropped on reload")
	}
	policy, err := e.GetPolicy("insecure-git-transport")
	if err != nil {
		t.Fatalf("Built-in missing after reload: %v", err)
	}
	if !policy.Enabled {
		t.Error("Reload should restore built-in defaults")
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		rego     string
		expected string
	}{
		{"package site.become\n\ndeny contains x if { true }", "site.become"},
		{"# comment\npackage   a.b.c  \n", "a.b.c"},
		{"deny contains x if { true }", "hostplay.policies"},
	}

	for _, tt := range tests {
		if got := extractPackageName(tt.rego); got != tt.expected {
			t.Errorf("extractPackageName(%q) = %q, want %q", tt.rego, got, tt.expected)
		}
	}
}
