// Package sshdriver deploys, verifies, probes and tears down range resources
// on remote hosts over SSH.
//
// A resource tells the driver what to do through its attributes:
//
//	host         remote host (required)
//	port, user   override the configured SSH defaults
//	artifact     local file uploaded over SFTP before install
//	remote_path  upload destination (default /opt/rangekeeper/<id>/<artifact name>)
//	install      command run after upload
//	verify       readiness command; exit status 0 means ready
//	probe        health command; exit status 0 means healthy unless a rule decides
//	rule         Starlark probe rule file, relative to the rules directory
//	teardown     command run on revoke, before the artifact is removed
package sshdriver

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/config"
	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
	"github.com/rangekeeper/rangekeeper/pkg/transports/ssh"
)

// Resource attributes read by the driver.
const (
	AttrHost       = "host"
	AttrPort       = "port"
	AttrUser       = "user"
	AttrArtifact   = "artifact"
	AttrRemotePath = "remote_path"
	AttrInstall    = "install"
	AttrVerify     = "verify"
	AttrProbe      = "probe"
	AttrRule       = "rule"
	AttrTeardown   = "teardown"
)

// Name identifies the driver in metrics and traces.
const Name = "ssh"

const remoteRoot = "/opt/rangekeeper"

// Dialer returns a connected transport for cfg.
type Dialer func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error)

// Driver implements engine.Deployer, engine.Verifier and engine.HealthChecker.
// Connections are cached per host and user and shared by every resource on
// that host.
type Driver struct {
	defaults    ssh.Config
	rulesDir    string
	ruleTimeout time.Duration
	logger      zerolog.Logger
	dial        Dialer

	mu    sync.Mutex
	conns map[string]ssh.Transport
	rules map[string]*config.ProbeRule
}

var (
	_ engine.Deployer      = (*Driver)(nil)
	_ engine.Verifier      = (*Driver)(nil)
	_ engine.HealthChecker = (*Driver)(nil)
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithDialer replaces the SSH dialer.
func WithDialer(dial Dialer) Option {
	return func(d *Driver) { d.dial = dial }
}

// New creates a driver from the driver section of the application config.
func New(cfg config.DriverConfig, opts ...Option) *Driver {
	d := &Driver{
		defaults:    cfg.SSH,
		rulesDir:    cfg.RulesDir,
		ruleTimeout: cfg.RuleTimeout,
		logger:      zerolog.Nop(),
		conns:       make(map[string]ssh.Transport),
		rules:       make(map[string]*config.ProbeRule),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dial == nil {
		d.dial = d.dialSSH
	}
	d.logger = d.logger.With().Str("component", "ssh-driver").Logger()
	return d
}

func (d *Driver) dialSSH(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	client, err := ssh.NewClient(cfg, ssh.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Deploy uploads the artifact and runs the install command.
func (d *Driver) Deploy(ctx context.Context, res *engine.Resource) error {
	return telemetry.ObserveDriverCall(ctx, Name, "deploy", res, func(ctx context.Context) error {
		t, err := d.transport(ctx, res)
		if err != nil {
			return err
		}

		if artifact := res.Attribute(AttrArtifact, ""); artifact != "" {
			dest := remotePath(res)
			result, err := t.UploadFile(ctx, artifact, dest, 0o755)
			if err != nil {
				return d.classify(res, "upload", err)
			}
			d.logger.Info().
				Int64("resource_id", int64(res.ID)).
				Str("remote_path", dest).
				Int64("bytes", result.BytesTransferred).
				Str("sha256", result.Checksum).
				Msg("Artifact uploaded")
		}

		return d.runStep(ctx, t, res, AttrInstall)
	})
}

// Teardown runs the teardown command and removes the uploaded artifact.
func (d *Driver) Teardown(ctx context.Context, res *engine.Resource) error {
	return telemetry.ObserveDriverCall(ctx, Name, "teardown", res, func(ctx context.Context) error {
		t, err := d.transport(ctx, res)
		if err != nil {
			return err
		}
		if err := d.runStep(ctx, t, res, AttrTeardown); err != nil {
			return err
		}
		if res.Attribute(AttrArtifact, "") != "" {
			if err := t.Remove(ctx, remotePath(res)); err != nil {
				return d.classify(res, "remove", err)
			}
		}
		return nil
	})
}

// Verify runs the verify command. A resource without one is ready as soon
// as it is deployed. An unreachable host is reported as not ready so the
// orchestrator keeps polling.
func (d *Driver) Verify(ctx context.Context, res *engine.Resource) (engine.VerifyResult, error) {
	cmd := res.Attribute(AttrVerify, "")
	if cmd == "" {
		return engine.Ready(), nil
	}

	var vr engine.VerifyResult
	err := telemetry.ObserveDriverCall(ctx, Name, "verify", res, func(ctx context.Context) error {
		t, err := d.transport(ctx, res)
		if err == nil {
			var out *ssh.ExecResult
			out, err = t.Run(ctx, cmd)
			if err == nil {
				if out.Success() {
					vr = engine.Ready()
				} else {
					vr = engine.NotReady(exitDetail(out))
				}
				return nil
			}
		}
		if engine.IsRetryable(err) || ssh.IsTemporary(err) {
			if t != nil {
				d.forget(res, t)
			}
			vr = engine.NotReady(err.Error())
			return nil
		}
		return err
	})
	return vr, err
}

// Check runs the probe command and, when the resource names one, feeds its
// output to a Starlark rule.
func (d *Driver) Check(ctx context.Context, res *engine.Resource) (engine.HealthSignal, error) {
	cmd := res.Attribute(AttrProbe, "")
	if cmd == "" {
		cmd = res.Attribute(AttrVerify, "")
	}
	if cmd == "" {
		return engine.HealthSignal{}, engine.NewPermanentError("resource has no probe command", nil).
			WithResource(res.ID).
			WithOperation("probe")
	}

	var signal engine.HealthSignal
	err := telemetry.ObserveDriverCall(ctx, Name, "probe", res, func(ctx context.Context) error {
		t, err := d.transport(ctx, res)
		if err != nil {
			// an unreachable host is an anomaly, not a probe failure
			signal = engine.Anomalous(err.Error())
			return nil
		}
		out, err := t.Run(ctx, cmd)
		if err != nil {
			d.forget(res, t)
			signal = engine.Anomalous(err.Error())
			return nil
		}

		ruleName := res.Attribute(AttrRule, "")
		if ruleName == "" {
			if out.Success() {
				signal = engine.Healthy()
			} else {
				signal = engine.Anomalous(exitDetail(out))
			}
			return nil
		}

		rule, err := d.rule(ruleName)
		if err != nil {
			return engine.NewPermanentError("failed to load probe rule", err).
				WithResource(res.ID).
				WithOperation("probe")
		}
		signal, err = rule.Evaluate(ctx, res, config.ProbeInput{
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		})
		return err
	})
	if err != nil {
		return engine.HealthSignal{}, err
	}
	signal.ObservedAt = time.Now()
	return signal, nil
}

// Close closes every cached connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for key, t := range d.conns {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, key)
	}
	return firstErr
}

func (d *Driver) runStep(ctx context.Context, t ssh.Transport, res *engine.Resource, attr string) error {
	cmd := res.Attribute(attr, "")
	if cmd == "" {
		return nil
	}

	out, err := t.Run(ctx, cmd)
	if err != nil {
		return d.classify(res, attr, err)
	}
	if !out.Success() {
		return engine.NewPermanentError(fmt.Sprintf("%s command failed: %s", attr, exitDetail(out)), nil).
			WithResource(res.ID).
			WithOperation(attr).
			WithDetail("exit_code", out.ExitCode)
	}

	d.logger.Debug().
		Int64("resource_id", int64(res.ID)).
		Str("step", attr).
		Dur("duration", out.Duration).
		Msg("Remote step finished")
	return nil
}

// transport returns a connected transport for the resource's host.
func (d *Driver) transport(ctx context.Context, res *engine.Resource) (ssh.Transport, error) {
	cfg, err := d.hostConfig(res)
	if err != nil {
		return nil, err
	}
	key := cfg.User + "@" + cfg.Address()

	d.mu.Lock()
	if t, ok := d.conns[key]; ok && t.IsConnected() {
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	t, err := d.dial(ctx, cfg)
	if err != nil {
		return nil, d.classify(res, "connect", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.conns[key]; ok && existing.IsConnected() {
		// lost a dial race; keep the first connection
		_ = t.Close()
		return existing, nil
	}
	d.conns[key] = t
	return t, nil
}

// forget evicts t from the cache after a transport error, but only once its
// connection is gone. Other resources on the same host share a live one.
func (d *Driver) forget(res *engine.Resource, t ssh.Transport) {
	if t.IsConnected() {
		return
	}
	cfg, err := d.hostConfig(res)
	if err != nil {
		return
	}
	key := cfg.User + "@" + cfg.Address()

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.conns[key]; ok && cached == t {
		_ = t.Close()
		delete(d.conns, key)
	}
}

func (d *Driver) hostConfig(res *engine.Resource) (*ssh.Config, error) {
	host := res.Attribute(AttrHost, "")
	if host == "" {
		return nil, engine.NewPermanentError("resource has no host attribute", nil).
			WithCode(engine.ErrCodeInvalidSpec).
			WithResource(res.ID)
	}

	override := ssh.Config{Host: host, User: res.Attribute(AttrUser, "")}
	if p := res.Attribute(AttrPort, ""); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid port attribute %q", p), err).
				WithCode(engine.ErrCodeInvalidSpec).
				WithResource(res.ID)
		}
		override.Port = port
	}
	return override.Merge(d.defaults), nil
}

func (d *Driver) rule(name string) (*config.ProbeRule, error) {
	p := name
	if !filepath.IsAbs(p) && d.rulesDir != "" {
		p = filepath.Join(d.rulesDir, p)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rules[p]; ok {
		return r, nil
	}
	r, err := config.LoadProbeRule(p, d.ruleTimeout)
	if err != nil {
		return nil, err
	}
	d.rules[p] = r
	return r, nil
}

// classify maps transport failures onto engine error classes.
func (d *Driver) classify(res *engine.Resource, op string, err error) error {
	if ssh.IsTemporary(err) {
		d.logger.Warn().Err(err).Int64("resource_id", int64(res.ID)).Str("op", op).Msg("Transient transport failure")
		return engine.NewTransientError(op+" failed", err).
			WithResource(res.ID).
			WithOperation(op)
	}
	return engine.NewPermanentError(op+" failed", err).
		WithResource(res.ID).
		WithOperation(op)
}

func remotePath(res *engine.Resource) string {
	if p := res.Attribute(AttrRemotePath, ""); p != "" {
		return p
	}
	return path.Join(remoteRoot, res.ID.String(), filepath.Base(res.Attribute(AttrArtifact, "")))
}

func exitDetail(out *ssh.ExecResult) string {
	msg := out.Stderr
	if msg == "" {
		msg = out.Stdout
	}
	if msg == "" {
		return fmt.Sprintf("exit status %d", out.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", out.ExitCode, msg)
}
