// Package transports defines how actions reach a host: command execution and
// file access, either on the controller itself or over SSH.
package transports

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"time"
)

// Transport runs commands and moves files on a single host.
type Transport interface {
	// Exec runs a command through /bin/sh. A non-zero exit status is
	// reported in ExecResult.ExitCode, never as an error; errors mean the
	// command could not be run at all.
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// WriteFile writes data to path with the given mode, replacing any
	// existing file.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// ReadFile returns the contents of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Stat describes path. The bool is false when the path does not exist.
	Stat(ctx context.Context, path string) (FileInfo, bool, error)

	// Close releases the connection.
	Close() error

	// Local reports whether the transport runs on the controller.
	Local() bool
}

// ExecRequest describes a single command execution.
type ExecRequest struct {
	// Command is a shell command line.
	Command string

	// Become wraps the command in sudo.
	Become bool

	// Dir is the working directory, empty for the default.
	Dir string

	// Env adds environment variables.
	Env map[string]string

	// Stdin is fed to the command when non-nil.
	Stdin []byte
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// FileInfo is the subset of file metadata actions care about.
type FileInfo struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may succeed on a later attempt.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuth reports whether err is an authentication failure from a transport.
func IsAuth(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

// IsTemporary reports whether err is a temporary transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// ShellQuote quotes s for safe use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:,+@%", r):
		return false
	}
	return true
}

// CommandLine builds the final shell line for req: environment assignments,
// working directory and sudo wrapping.
func CommandLine(req ExecRequest) string {
	var b strings.Builder
	if req.Dir != "" {
		b.WriteString("cd " + ShellQuote(req.Dir) + " && ")
	}
	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k + "=" + ShellQuote(req.Env[k]) + " ")
		}
	}
	b.WriteString(req.Command)

	line := b.String()
	if req.Become {
		return "sudo -n -- /bin/sh -c " + ShellQuote(line)
	}
	return line
}
