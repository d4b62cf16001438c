// Package ssh provides the SSH transport used by the ssh driver to install,
// verify and probe range resources on remote hosts.
package ssh

import (
	"context"
	"errors"
	"io"
	"time"
)

// Transport defines the remote operations the drivers need.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// Run executes a command. A non-zero exit status is reported in the
	// result, not as an error; errors mean the command could not run.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload streams r to remotePath over SFTP, creating parent
	// directories and applying mode.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode uint32) (*FileTransferResult, error)

	// UploadFile uploads a local file.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error)

	// Remove deletes a remote file; a missing file is not an error.
	Remove(ctx context.Context, remotePath string) error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// Success reports whether the command exited with status zero.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	BytesTransferred int64

	// Checksum is the hex SHA256 of the bytes sent.
	Checksum string

	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

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

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a retryable transport error.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// ErrNotConnected is returned by operations on a closed client.
var ErrNotConnected = errors.New("not connected")
