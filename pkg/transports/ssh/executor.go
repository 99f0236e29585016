package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/hostplay/pkg/transports"
)

// Exec runs a command in a new session. Environment, working directory and
// sudo are folded into the command line because most servers refuse setenv
// requests.
func (c *Client) Exec(ctx context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	startTime := time.Now()

	c.logger.Debug().
		Str("command", req.Command).
		Bool("sudo", req.Become).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if req.Stdin != nil {
		session.Stdin = bytes.NewReader(req.Stdin)
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(transports.CommandLine(req))
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &transports.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	c.logger.Debug().
		Str("command", req.Command).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(execErr, &missing) {
		// Killed by a signal or the server never sent a status.
		result.ExitCode = -1
		return result, nil
	}

	return result, &transports.TransportError{
		Op:          "exec",
		Err:         execErr,
		IsTemporary: ctx.Err() == nil,
	}
}
