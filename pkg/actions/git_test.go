package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/transports/local"
)

// commitFile writes name into the worktree at dir and commits it.
func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.org", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestGitNativeCloneAndUpdate(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	first := commitFile(t, repo, src, "README", "v1\n")

	dest := filepath.Join(t.TempDir(), "app")
	actx := newTestContext(t, local.New())
	args := map[string]interface{}{"repo": src, "dest": dest}

	res := runAction(t, actx, "git", args)
	require.False(t, res.Failed, res.Msg)
	assert.True(t, res.Changed)
	assert.Equal(t, first, res.Data["after"])
	assert.FileExists(t, filepath.Join(dest, "README"))

	res = runAction(t, actx, "git", args)
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "already present")

	second := commitFile(t, repo, src, "README", "v2\n")
	args["update"] = true
	res = runAction(t, actx, "git", args)
	require.False(t, res.Failed, res.Msg)
	assert.True(t, res.Changed)
	assert.Equal(t, first, res.Data["before"])
	assert.Equal(t, second, res.Data["after"])

	data, err := os.ReadFile(filepath.Join(dest, "README"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(data))
}

func TestGitCloneFailureCleansUp(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "app")
	actx := newTestContext(t, local.New())

	res := runAction(t, actx, "git", map[string]interface{}{"repo": filepath.Join(t.TempDir(), "missing"), "dest": dest})
	assert.True(t, res.Failed)
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "clone failed")
	assert.NoDirExists(t, dest)
}

func TestGitRemoteUsesCLI(t *testing.T) {
	const head = "3f786850e387550fdab836ed7e6dc881de23001b"
	tr := newFakeTransport().on("git -C /srv/app rev-parse HEAD", 0, head+"\n")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "git", map[string]interface{}{
		"repo":    "https://example.org/app.git",
		"dest":    "/srv/app",
		"version": "release-1.2",
		"depth":   1,
	})
	require.False(t, res.Failed, res.Msg)
	assert.True(t, res.Changed)
	assert.Equal(t, head, res.Data["after"])
	assert.Contains(t, tr.commands(), "git clone --depth 1 --branch release-1.2 https://example.org/app.git /srv/app")
}

func TestGitCheckMode(t *testing.T) {
	tr := newFakeTransport()
	actx := newTestContext(t, tr)
	actx.Check = true

	res := runAction(t, actx, "git", map[string]interface{}{"repo": "https://example.org/app.git", "dest": "/srv/app"})
	assert.True(t, res.Changed)
	assert.Contains(t, res.Msg, "would be cloned")
	assert.Empty(t, tr.commands())
}

func TestGitHeadOfMissingRepo(t *testing.T) {
	a := &gitAction{cfg: gitConfig{Dest: t.TempDir()}}
	_, err := a.head(context.Background(), newTestContext(t, local.New()))
	assert.Error(t, err)
}
