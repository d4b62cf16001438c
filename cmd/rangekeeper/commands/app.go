package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/config"
	"github.com/rangekeeper/rangekeeper/pkg/drivers/sshdriver"
	"github.com/rangekeeper/rangekeeper/pkg/drivers/stub"
	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/policy"
	"github.com/rangekeeper/rangekeeper/pkg/stores"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
)

// driver is what a deployment driver must provide to the engine.
type driver interface {
	engine.Deployer
	engine.Verifier
	engine.HealthChecker
}

// app is the wired process: store, telemetry, registry and the engine
// components on top of it.
type app struct {
	ctx context.Context
	cfg *config.AppConfig

	store    *stores.SQLiteStore
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	registry *engine.Registry
	orch     *engine.Orchestrator
	health   *engine.HealthIntake
	policy   *policy.Engine
	driver   driver

	closers []func(context.Context) error
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigFile
}

// openApp loads the configuration and wires every component. The caller
// must Close the app; Close persists the registry.
func openApp(cmd *cobra.Command) (_ *app, err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		if errors.Is(err, stores.ErrLocked) {
			return nil, fmt.Errorf("%w (is 'rangekeeper serve' running? use its API instead)", err)
		}
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger := telemetry.NewLoggerTo(cmd.ErrOrStderr(), cfg.Telemetry.Logging)
	tel, err := telemetry.NewTelemetryWithLogger(&cfg.Telemetry, logger, store)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.tel = tel
	a.logger = logger
	a.ctx = tel.WithContext(ctx)
	a.closers = append(a.closers, tel.Shutdown)

	a.registry = engine.NewRegistry(
		engine.WithPersister(store),
		engine.WithRegistryLogger(logger.NewComponentLogger("registry").Zerolog()),
	)
	tel.Instrument(a.registry)
	if err := a.registry.Open(a.ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.registry.Close)

	drv, closeDriver := newDriver(cfg.Driver, logger)
	a.driver = drv
	a.closers = append(a.closers, func(context.Context) error { return closeDriver() })

	opts := []engine.OrchestratorOption{
		engine.WithOptions(cfg.Orchestrator),
		engine.WithRunRecorder(store),
	}
	opts = append(opts, tel.OrchestratorOptions()...)

	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(
			logger.NewComponentLogger("policy").Zerolog(),
			policy.WithEnvironment(cfg.Telemetry.Environment),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if err := pe.LoadPolicies(a.ctx, []string{cfg.Policy.Dir}); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		a.policy = pe
		opts = append(opts, engine.WithAdmitter(pe))
	}

	a.orch = engine.NewOrchestrator(a.registry, drv, drv, opts...)
	a.health = engine.NewHealthIntake(a.registry, cfg.Health, tel.HealthOptions()...)
	return a, nil
}

func newDriver(cfg config.DriverConfig, logger *telemetry.Logger) (driver, func() error) {
	switch cfg.Name {
	case config.DriverSSH:
		d := sshdriver.New(cfg, sshdriver.WithLogger(logger.WithDriver(sshdriver.Name).Zerolog()))
		return d, d.Close
	default:
		return stub.New(cfg.StubDelay), func() error { return nil }
	}
}

// Close releases everything in reverse wiring order. The registry is
// flushed before telemetry drains its events into the store.
func (a *app) Close() error {
	ctx := context.Background()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
