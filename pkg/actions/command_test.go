package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQuotesArguments(t *testing.T) {
	tr := newFakeTransport().on("echo", 0, "hello world\n")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "command", map[string]interface{}{"cmd": `echo "hello world" $HOME`})
	assert.True(t, res.Changed)
	assert.False(t, res.Failed)
	assert.Equal(t, "hello world", res.Stdout)
	assert.Equal(t, []string{`echo 'hello world' '$HOME'`}, tr.commands())
}

func TestCommandKeepsExpansionsLiteral(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)

	runAction(t, actx, "command", map[string]interface{}{"cmd": `printf '$A' "x $B" ~/bin \$C "$(id)"`})
	assert.Equal(t, []string{`printf '$A' 'x $B' '~/bin' '$C' '$(id)'`}, tr.commands())
}

func TestCommandArgv(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)

	runAction(t, actx, "command", map[string]interface{}{"argv": []interface{}{"touch", "/tmp/a b"}})
	assert.Equal(t, []string{"touch '/tmp/a b'"}, tr.commands())
}

func TestCommandNonZeroExit(t *testing.T) {
	tr := newFakeTransport().on("false", 1, "")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "command", map[string]interface{}{"_raw": "false"})
	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.RC)
	assert.Equal(t, "non-zero return code 1", res.Msg)
}

func TestCommandCreatesAndRemoves(t *testing.T) {
	tr := newFakeTransport()
	tr.files["/opt/app/installed"] = []byte("1")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "command", map[string]interface{}{"cmd": "install.sh", "creates": "/opt/app/installed"})
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "exists")

	res = runAction(t, actx, "command", map[string]interface{}{"cmd": "cleanup.sh", "removes": "/opt/app/missing"})
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "does not exist")

	assert.Empty(t, tr.commands())
}

func TestCommandCheckMode(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)
	actx.Check = true

	res := runAction(t, actx, "shell", map[string]interface{}{"cmd": "rm -rf /var/cache/app"})
	assert.True(t, res.Skipped)
	assert.Empty(t, tr.commands())
}

func TestShellPassesRequestOptions(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)
	actx.Become = true

	runAction(t, actx, "shell", map[string]interface{}{
		"cmd":   "cat | wc -l",
		"chdir": "/srv",
		"stdin": "a\nb\n",
		"env":   map[string]interface{}{"LANG": "C"},
	})
	require.Len(t, tr.requests, 1)
	req := tr.requests[0]
	assert.Equal(t, "cat | wc -l", req.Command)
	assert.True(t, req.Become)
	assert.Equal(t, "/srv", req.Dir)
	assert.Equal(t, []byte("a\nb\n"), req.Stdin)
	assert.Equal(t, map[string]string{"LANG": "C"}, req.Env)
}

func TestShellExecutable(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)

	runAction(t, actx, "shell", map[string]interface{}{"cmd": "echo $0", "executable": "/bin/bash"})
	assert.Equal(t, []string{`/bin/bash -c 'echo $0'`}, tr.commands())
}

func TestCommandArgumentErrors(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name   string
		action string
		args   map[string]interface{}
	}{
		{"missing cmd", "command", map[string]interface{}{}},
		{"executable on command", "command", map[string]interface{}{"cmd": "ls", "executable": "/bin/bash"}},
		{"argv on shell", "shell", map[string]interface{}{"argv": []interface{}{"ls"}}},
		{"blank shell", "shell", map[string]interface{}{"cmd": "  "}},
		{"unterminated quote", "command", map[string]interface{}{"cmd": `echo "oops`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.New(tt.action, tt.args)
			assert.Error(t, err)
		})
	}
}
