// Package local implements a transport that runs on the controller.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/transports"
)

// Transport runs commands with os/exec and touches files directly.
type Transport struct {
	shell  string
	logger zerolog.Logger
}

// Option configures a local transport.
type Option func(*Transport)

// WithShell overrides the shell used to run commands.
func WithShell(shell string) Option {
	return func(t *Transport) {
		t.shell = shell
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a local transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		shell:  "/bin/sh",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ transports.Transport = (*Transport)(nil)

// Exec runs req.Command through the shell.
func (t *Transport) Exec(ctx context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	start := time.Now()

	line := req.Command
	if req.Become {
		// sudo drops the environment, so it travels inside the command line.
		line = transports.CommandLine(transports.ExecRequest{Command: req.Command, Env: req.Env, Become: true})
	}

	cmd := exec.CommandContext(ctx, t.shell, "-c", line)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 && !req.Become {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug().Str("command", req.Command).Bool("become", req.Become).Msg("executing command")

	err := cmd.Run()
	result := &transports.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, &transports.TransportError{Op: "exec", Err: ctxErr}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, &transports.TransportError{Op: "exec", Err: err}
	}

	t.logger.Debug().
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

// WriteFile writes through a temporary file in the same directory and renames
// it into place.
func (t *Transport) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return &transports.TransportError{Op: "write", Err: err}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return &transports.TransportError{Op: "write", Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &transports.TransportError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &transports.TransportError{Op: "write", Err: err}
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return &transports.TransportError{Op: "write", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &transports.TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadFile returns the file contents.
func (t *Transport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transports.TransportError{Op: "read", Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &transports.TransportError{Op: "read", Err: err}
	}
	return data, nil
}

// Stat describes path.
func (t *Transport) Stat(ctx context.Context, path string) (transports.FileInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return transports.FileInfo{}, false, &transports.TransportError{Op: "stat", Err: err}
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return transports.FileInfo{}, false, nil
	}
	if err != nil {
		return transports.FileInfo{}, false, &transports.TransportError{Op: "stat", Err: err}
	}
	return transports.FileInfo{
		Size:    fi.Size(),
		Mode:    fi.Mode().Perm(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, true, nil
}

// Close is a no-op.
func (t *Transport) Close() error {
	return nil
}

// Local always reports true.
func (t *Transport) Local() bool {
	return true
}
