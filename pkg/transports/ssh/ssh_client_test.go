package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/transports/ssh/sshtest"
)

func newTestSSHServer(t *testing.T) *sshtest.Server {
	t.Helper()
	return sshtest.NewServer(t)
}

func clientConfig(server *sshtest.Server) *Config {
	config := DefaultConfig(server.Host, sshtest.User)
	config.Port = server.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, server *sshtest.Server) *Client {
	t.Helper()

	client, err := NewClient(clientConfig(server), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if client.ConnectedAt().IsZero() {
		t.Error("expected connection time to be recorded")
	}

	// a live connection is reused
	first := client.ConnectedAt()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if !client.ConnectedAt().Equal(first) {
		t.Error("expected the existing connection to be reused")
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	config := clientConfig(server)
	config.Password = "wrong"

	client, err := NewClient(config, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.IsAuthError || te.IsTemporary {
		t.Errorf("expected permanent auth error, got %+v", te)
	}
}

func TestClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()

	config := DefaultConfig("127.0.0.1", "testuser")
	config.Port = addr.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = time.Second

	client, err := NewClient(config, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if !IsTemporary(err) {
		t.Errorf("expected temporary error for refused connection, got %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config := clientConfig(server)
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)

	client, err := NewClient(config, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		res, err := client.Run(ctx, "echo test")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if res.Stdout != "test" || res.Stderr != "" {
			t.Errorf("unexpected output stdout=%q stderr=%q", res.Stdout, res.Stderr)
		}
		if !res.Success() {
			t.Errorf("expected success, got exit %d", res.ExitCode)
		}
	})

	t.Run("stderr", func(t *testing.T) {
		res, err := client.Run(ctx, "echo error >&2")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if res.Stdout != "" || res.Stderr != "error" {
			t.Errorf("unexpected output stdout=%q stderr=%q", res.Stdout, res.Stderr)
		}
	})

	t.Run("non-zero exit is a result", func(t *testing.T) {
		res, err := client.Run(ctx, "exit 3")
		if err != nil {
			t.Fatalf("non-zero exit must not be an error: %v", err)
		}
		if res.ExitCode != 3 || res.Success() {
			t.Errorf("expected exit code 3, got %d", res.ExitCode)
		}
		if res.Stderr != "boom" {
			t.Errorf("expected stderr 'boom', got %q", res.Stderr)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_, err := client.Run(tctx, "sleep 30")
		if !IsTemporary(err) {
			t.Fatalf("expected temporary error, got %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestClientRunAll(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	results, err := client.RunAll(context.Background(), []string{"true", "exit 3", "echo test"})
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if len(results) != 2 {
		t.Fatalf("expected execution to stop after 2 commands, got %d", len(results))
	}
	if !strings.Contains(err.Error(), "status 3") {
		t.Errorf("expected exit status in error, got %v", err)
	}
}

func TestClientNotConnected(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.Run(context.Background(), "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Run, got %v", err)
	}
	if _, err := client.Upload(context.Background(), strings.NewReader("x"), "/tmp/x", 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Upload, got %v", err)
	}
}

func TestClientUploadAndRemove(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	content := []byte("#!/bin/sh\nsystemctl is-active postgresql\n")
	remotePath := filepath.Join(t.TempDir(), "probes", "postgres.sh")

	res, err := client.Upload(ctx, bytes.NewReader(content), remotePath, 0o755)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	sum := sha256.Sum256(content)
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: %s", res.Checksum)
	}
	if res.BytesTransferred != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), res.BytesTransferred)
	}

	got, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("uploaded content mismatch: %q", got)
	}
	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("expected mode 0755, got %v", info.Mode().Perm())
	}

	if err := client.Remove(ctx, remotePath); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(remotePath); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err=%v", err)
	}
	if err := client.Remove(ctx, remotePath); err != nil {
		t.Errorf("removing a missing file should succeed, got %v", err)
	}
}

func TestClientUploadFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	local := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(local, []byte("listen=8080\n"), 0o644); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "etc", "app.conf")

	if _, err := client.UploadFile(context.Background(), local, remote, 0o600); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil || string(got) != "listen=8080\n" {
		t.Errorf("unexpected remote content %q err=%v", got, err)
	}

	if _, err := client.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), remote, 0); err == nil {
		t.Error("expected error for missing local file")
	}
}

func TestCopyWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	n, err := copyWithContext(ctx, &dst, strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n != 0 || dst.Len() != 0 {
		t.Errorf("expected nothing copied, got %d bytes", n)
	}
}

func TestClientCommandTimeoutKeepsConnection(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := client.Run(tctx, sshtest.CmdSlow); !IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	if !client.IsConnected() {
		t.Fatal("a timed out command must not close the connection")
	}
	res, err := client.Run(ctx, sshtest.CmdEcho)
	if err != nil || res.Stdout != "test" {
		t.Errorf("expected the connection to keep serving commands, got %+v %v", res, err)
	}
}

func TestClientNoticesDroppedConnection(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	server.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	for client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not notice the dropped connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if _, err := client.Run(context.Background(), sshtest.CmdTrue); err != nil {
		t.Errorf("expected the new connection to work, got %v", err)
	}
}
