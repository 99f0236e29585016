package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/transports"
)

func TestDefaultRegistry(t *testing.T) {
	names := DefaultRegistry().Names()
	for _, want := range []string{"command", "shell", "package", "apt", "service", "copy", "template", "git", "uri", "mail", "debug", "fail", "set_fact", "sudoers", "sshd_config"} {
		assert.Contains(t, names, want)
	}
	assert.IsIncreasing(t, names)
}

func TestRegistryNew(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.New("nope", nil)
	var unknown *UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)

	_, err = r.New("command", map[string]interface{}{"cmd": "true", "bogus": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for command")

	_, err = r.New("service", map[string]interface{}{"name": "nginx", "state": "exploded"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state")
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("debug", newFail)
	f, ok := r.Lookup("debug")
	require.True(t, ok)

	a, err := f(nil)
	require.NoError(t, err)
	res, err := a.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestDecodeCoercesScalars(t *testing.T) {
	var cfg struct {
		Flag  bool     `mapstructure:"flag"`
		Port  int      `mapstructure:"port"`
		Names []string `mapstructure:"names"`
	}
	require.NoError(t, decode(map[string]interface{}{"flag": "true", "port": "8080", "names": "a,b"}, &cfg))
	assert.True(t, cfg.Flag)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"a", "b"}, cfg.Names)
}

func TestFailedFrom(t *testing.T) {
	res, err := failedFrom(&CommandError{
		Command: "false",
		Result:  &transports.ExecResult{ExitCode: 3, Stderr: "boom\n"},
	}, "step failed")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, 3, res.RC)
	assert.Equal(t, "step failed: boom", res.Msg)

	_, err = failedFrom(errors.New("connection reset"), "step failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
