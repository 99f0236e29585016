package actions

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/mailer"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// fakeTransport answers commands from a prefix table and keeps files in memory.
type fakeTransport struct {
	mu       sync.Mutex
	local    bool
	files    map[string][]byte
	modes    map[string]os.FileMode
	dirs     map[string]bool
	replies  []fakeReply
	requests []transports.ExecRequest
}

type fakeReply struct {
	prefix string
	result transports.ExecResult
	// after, when set, runs once the reply is selected.
	after func(f *fakeTransport)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files: map[string][]byte{},
		modes: map[string]os.FileMode{},
		dirs:  map[string]bool{},
	}
}

// on registers a reply for commands starting with prefix. Later registrations
// take precedence.
func (f *fakeTransport) on(prefix string, exitCode int, stdout string) *fakeTransport {
	f.replies = append(f.replies, fakeReply{prefix: prefix, result: transports.ExecResult{ExitCode: exitCode, Stdout: stdout}})
	return f
}

func (f *fakeTransport) onResult(prefix string, result transports.ExecResult) *fakeTransport {
	f.replies = append(f.replies, fakeReply{prefix: prefix, result: result})
	return f
}

func (f *fakeTransport) onThen(prefix string, exitCode int, stdout string, after func(f *fakeTransport)) *fakeTransport {
	f.replies = append(f.replies, fakeReply{prefix: prefix, result: transports.ExecResult{ExitCode: exitCode, Stdout: stdout}, after: after})
	return f
}

func (f *fakeTransport) Exec(_ context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var match *fakeReply
	for i := len(f.replies) - 1; i >= 0; i-- {
		if strings.HasPrefix(req.Command, f.replies[i].prefix) {
			match = &f.replies[i]
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return &transports.ExecResult{Duration: time.Millisecond}, nil
	}
	if match.after != nil {
		match.after(f)
	}
	res := match.result
	res.Duration = time.Millisecond
	return &res, nil
}

func (f *fakeTransport) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	f.modes[path] = mode
	return nil
}

func (f *fakeTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeTransport) Stat(_ context.Context, path string) (transports.FileInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[path] {
		return transports.FileInfo{IsDir: true, Mode: 0o755}, true, nil
	}
	data, ok := f.files[path]
	if !ok {
		return transports.FileInfo{}, false, nil
	}
	return transports.FileInfo{Size: int64(len(data)), Mode: f.modes[path]}, true, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Local() bool { return f.local }

// commands returns the command lines seen so far.
func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Command
	}
	return out
}

// ran reports whether any command started with prefix.
func (f *fakeTransport) ran(prefix string) bool {
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeSender struct {
	err  error
	sent []mailer.Message
	srv  []mailer.Server
}

func (s *fakeSender) Send(_ context.Context, srv mailer.Server, msg mailer.Message) error {
	s.srv = append(s.srv, srv)
	s.sent = append(s.sent, msg)
	return s.err
}

func newTestContext(t *testing.T, tr transports.Transport) *Context {
	t.Helper()
	return &Context{
		Transport: tr,
		Host:      "web1",
		Vars:      playbook.Vars{},
		BaseDir:   t.TempDir(),
		Logger:    zerolog.Nop(),
	}
}

// runAction builds and runs a registered action.
func runAction(t *testing.T, actx *Context, name string, args map[string]interface{}) *Result {
	t.Helper()
	action, err := DefaultRegistry().New(name, args)
	if err != nil {
		t.Fatalf("failed to build %s: %v", name, err)
	}
	result, err := action.Run(context.Background(), actx)
	if err != nil {
		t.Fatalf("%s returned error: %v", name, err)
	}
	return result
}
