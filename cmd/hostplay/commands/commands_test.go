package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HOSTPLAY_CONFIG", "")
	t.Setenv("HOSTPLAY_HISTORY", "")
	t.Chdir(dir)
	return dir
}

func TestInitWritesProject(t *testing.T) {
	dir := isolate(t)
	project := filepath.Join(dir, "site")

	out, err := execute(t, "init", project, "--ssh-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")

	for _, name := range []string{
		"secure-webapp.yaml",
		"inventory.yaml",
		"hostplay.yaml",
		"policies/no-become-handlers.rego",
		".hostplay/history.db",
		"keys/hostplay-ed25519",
		"keys/hostplay-ed25519.pub",
	} {
		assert.FileExists(t, filepath.Join(project, name))
	}

	info, err := os.Stat(filepath.Join(project, "keys", "hostplay-ed25519"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second init keeps edited files.
	inventory := filepath.Join(project, "inventory.yaml")
	require.NoError(t, os.WriteFile(inventory, []byte("hosts: {}\n"), 0o644))
	out, err = execute(t, "init", project)
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped existing file")

	data, err := os.ReadFile(inventory)
	require.NoError(t, err)
	assert.Equal(t, "hosts: {}\n", string(data))
}

func TestValidateInitializedProject(t *testing.T) {
	dir := isolate(t)
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	out, err := execute(t, "validate", "secure-webapp.yaml", "-c", filepath.Join(dir, "hostplay.yaml"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "secure-webapp.yaml is valid")
}

func TestValidateReportsIssues(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: Broken
  hosts: localhost
  tasks:
    - name: Unknown
      frobnicate: {}
      notify: missing handler
`), 0o644))

	out, err := execute(t, "validate", path)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, out, `unknown action "frobnicate"`)
	assert.Contains(t, out, `notify target "missing handler"`)
	assert.Contains(t, out, "bad.yaml is invalid")
}

const localPlaybook = `
- name: Local
  hosts: localhost
  gather_facts: false
  tasks:
    - name: Greet
      debug:
        msg: "hello {{ .who }}"
    - name: Fail quietly
      shell: exit 3
      ignore_errors: true
      register: quiet
    - name: Report
      debug:
        msg: "rc={{ .quiet.rc }}"
`

func TestRunLocalPlaybook(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte(localPlaybook), 0o644))

	out, err := execute(t, "run", path, "-e", "who=world", "--no-history")
	require.NoError(t, err, out)
	assert.Contains(t, out, "PLAY [Local]")
	assert.Contains(t, out, "[localhost] Fail quietly")
	assert.Contains(t, out, "(ignoring)")
	assert.Contains(t, out, "PLAY RECAP")
}

func TestRunJSONAndHistory(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte(localPlaybook), 0o644))

	out, err := execute(t, "run", path, "-e", "who=world", "--json")
	require.NoError(t, err, out)

	var run engine.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	require.Len(t, run.Results, 3)
	assert.Equal(t, engine.TaskStatusIgnored, run.Results[1].Status)
	assert.Equal(t, "rc=3", run.Results[2].Msg)

	out, err = execute(t, "history", "show", run.ID, "--json")
	require.NoError(t, err, out)
	var stored engine.Run
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.Equal(t, run.ID, stored.ID)
	assert.Len(t, stored.Results, 3)

	out, err = execute(t, "history", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, run.ID)
}

func TestRunFailureExitsWithTwo(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "fail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: Failing
  hosts: localhost
  gather_facts: false
  tasks:
    - name: Break
      shell: exit 1
`), 0o644))

	out, err := execute(t, "run", path, "--no-history")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, out, "[localhost] Break")
}

func TestHistoryShowUnknownRun(t *testing.T) {
	isolate(t)
	_, err := execute(t, "history", "show", "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPolicyListShowsBuiltins(t *testing.T) {
	isolate(t)
	out, err := execute(t, "policy", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "shell-pipe-to-interpreter")
	assert.Contains(t, out, "builtin")
}
