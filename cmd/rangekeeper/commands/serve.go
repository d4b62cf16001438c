package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/api"
	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// flushInterval is how often serve persists the registry.
const flushInterval = 30 * time.Second

func newServeCommand() *cobra.Command {
	var (
		listen    string
		noMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the health monitor",
		Long: `Serve the REST API, probe resources in use through the configured driver,
expose Prometheus metrics and, when enabled, reload policies as their files
change. Runs until interrupted.`,
		Example: `  rangekeeper serve
  rangekeeper serve --listen :8080 --no-monitor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if listen != "" {
					a.cfg.API.Listen = listen
				}
				return serve(a, !noMonitor)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides config)")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not probe resources")

	return cmd
}

func serve(a *app, monitor bool) error {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	errc := make(chan error, 4)

	if a.cfg.Telemetry.Metrics.Enabled {
		a.tel.StartMetricsServer(ctx, errc)
	}

	if a.policy != nil && a.cfg.Policy.Watch {
		if err := a.policy.Watch(ctx, []string{a.cfg.Policy.Dir}); err != nil {
			log.Warn().Err(err).Str("dir", a.cfg.Policy.Dir).Msg("Policy watching disabled")
		}
	}

	if monitor {
		m := engine.NewMonitor(a.health, a.driver)
		go func() {
			if err := m.Run(ctx); err != nil {
				errc <- err
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.registry.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to persist registry")
				}
			}
		}
	}()

	server := api.NewServer(a.cfg.API, api.Dependencies{
		Registry:     a.registry,
		Orchestrator: a.orch,
		Health:       a.health,
		Audit:        a.store,
		Runs:         a.store,
		Events:       a.tel.Events,
		Logger:       a.logger.Zerolog(),
	})
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	select {
	case err := <-serverDone:
		return err
	case err := <-errc:
		cancel()
		<-serverDone
		return err
	}
}
