package facts

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/transports"
	"github.com/openfroyo/hostplay/pkg/transports/local"
)

// remoteHost answers fact commands the way a Debian host would.
type remoteHost struct {
	files   map[string]string
	outputs map[string]string
	fail    error
}

func (r *remoteHost) Exec(_ context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	if strings.HasPrefix(req.Command, "for m in") {
		return &transports.ExecResult{Stdout: "apt-get\n"}, nil
	}
	out, ok := r.outputs[req.Command]
	if !ok {
		return &transports.ExecResult{ExitCode: 127, Stderr: "not found"}, nil
	}
	return &transports.ExecResult{Stdout: out}, nil
}

func (r *remoteHost) WriteFile(context.Context, string, []byte, os.FileMode) error { return nil }

func (r *remoteHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := r.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(data), nil
}

func (r *remoteHost) Stat(context.Context, string) (transports.FileInfo, bool, error) {
	return transports.FileInfo{}, false, nil
}

func (r *remoteHost) Close() error { return nil }
func (r *remoteHost) Local() bool  { return false }

func TestGatherRemote(t *testing.T) {
	h := &remoteHost{
		files: map[string]string{
			"/etc/os-release": "PRETTY_NAME=\"Ubuntu 24.04 LTS\"\nID=ubuntu\nVERSION_ID=\"24.04\"\n",
			"/proc/meminfo":   "MemTotal:        4026532 kB\nMemFree:          123456 kB\nMemAvailable:    2048000 kB\n",
		},
		outputs: map[string]string{
			"hostname": "web1\n",
			"uname -r": "6.8.0-31-generic\n",
			"uname -m": "x86_64\n",
			"nproc":    "4\n",
		},
	}

	facts, err := NewGatherer(zerolog.Nop()).Gather(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, "web1", facts[KeyHostname])
	assert.Equal(t, "ubuntu", facts[KeyOS])
	assert.Equal(t, "24.04", facts[KeyOSVersion])
	assert.Equal(t, "Ubuntu 24.04 LTS", facts[KeyOSName])
	assert.Equal(t, "6.8.0-31-generic", facts[KeyKernel])
	assert.Equal(t, "x86_64", facts[KeyArch])
	assert.Equal(t, 4, facts[KeyCPUCount])
	assert.Equal(t, int64(3932), facts[KeyMemTotalMB])
	assert.Equal(t, int64(2000), facts[KeyMemAvailableMB])
	assert.Equal(t, "apt", facts[KeyPkgManager])
}

func TestGatherRemoteMissingSources(t *testing.T) {
	h := &remoteHost{outputs: map[string]string{"hostname": "bare\n"}}

	facts, err := NewGatherer(zerolog.Nop()).Gather(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "bare", facts[KeyHostname])
	assert.NotContains(t, facts, KeyKernel)
	assert.NotContains(t, facts, KeyOS)
}

func TestGatherTransportFailure(t *testing.T) {
	h := &remoteHost{fail: errors.New("connection lost")}

	_, err := NewGatherer(zerolog.Nop()).Gather(context.Background(), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestGatherLocal(t *testing.T) {
	facts, err := NewGatherer(zerolog.Nop()).Gather(context.Background(), local.New())
	require.NoError(t, err)

	assert.NotEmpty(t, facts[KeyHostname])
	assert.NotEmpty(t, facts[KeyArch])
	total, ok := facts[KeyMemTotalMB].(int64)
	require.True(t, ok)
	assert.Greater(t, total, int64(0))
}

func TestParseOSRelease(t *testing.T) {
	got := parseOSRelease("# comment\nNAME='Rocky Linux'\nID=\"rocky\"\nVERSION_ID=9.4\nbroken\n")
	assert.Equal(t, map[string]string{"NAME": "Rocky Linux", "ID": "rocky", "VERSION_ID": "9.4"}, got)
}
