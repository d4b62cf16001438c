package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes cmd in a new session. When ctx has no deadline the command
// is bounded by Config.CommandTimeout.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	sshClient, err := c.getClient("exec")
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	startedAt := time.Now()
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:    strings.TrimSpace(stdoutBuf.String()),
		Stderr:    strings.TrimSpace(stderrBuf.String()),
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command finished")

	return result, nil
}

// RunAll executes commands in order and stops at the first failure. The
// results of every executed command are returned.
func (c *Client) RunAll(ctx context.Context, commands []string) ([]*ExecResult, error) {
	results := make([]*ExecResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := c.Run(ctx, cmd)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
		if !res.Success() {
			return results, fmt.Errorf("command %q exited with status %d: %s", cmd, res.ExitCode, res.Stderr)
		}
	}
	return results, nil
}
