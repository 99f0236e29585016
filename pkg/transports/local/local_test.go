package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/transports"
)

func TestExec(t *testing.T) {
	tr := New()
	ctx := context.Background()

	t.Run("stdout and stderr", func(t *testing.T) {
		res, err := tr.Exec(ctx, transports.ExecRequest{Command: "echo out; echo err >&2"})
		require.NoError(t, err)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := tr.Exec(ctx, transports.ExecRequest{Command: "exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("dir and env", func(t *testing.T) {
		dir := t.TempDir()
		res, err := tr.Exec(ctx, transports.ExecRequest{
			Command: `echo "$GREETING"; pwd`,
			Dir:     dir,
			Env:     map[string]string{"GREETING": "hello"},
		})
		require.NoError(t, err)
		resolved, _ := filepath.EvalSymlinks(dir)
		assert.Contains(t, res.Stdout, "hello\n")
		assert.Contains(t, res.Stdout, resolved)
	})

	t.Run("stdin", func(t *testing.T) {
		res, err := tr.Exec(ctx, transports.ExecRequest{Command: "cat", Stdin: []byte("piped")})
		require.NoError(t, err)
		assert.Equal(t, "piped", res.Stdout)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := tr.Exec(cctx, transports.ExecRequest{Command: "sleep 5"})
		require.Error(t, err)
		var te *transports.TransportError
		assert.ErrorAs(t, err, &te)
	})
}

func TestFiles(t *testing.T) {
	tr := New()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.conf")

	_, exists, err := tr.Stat(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.WriteFile(ctx, path, []byte("listen 80\n"), 0o640))

	info, exists, err := tr.Stat(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, os.FileMode(0o640), info.Mode)
	assert.False(t, info.IsDir)

	data, err := tr.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "listen 80\n", string(data))

	require.NoError(t, tr.WriteFile(ctx, path, []byte("listen 8080\n"), 0o644))
	data, err = tr.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "listen 8080\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	_, err = tr.ReadFile(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.True(t, tr.Local())
}
