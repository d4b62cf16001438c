package telemetry_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
)

// Example_wiring shows how a command hands telemetry to the engine.
func Example_wiring() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	reg := engine.NewRegistry(engine.WithRegistryLogger(tel.Logger.Zerolog()))
	if err := reg.Open(ctx); err != nil {
		panic(err)
	}
	tel.Instrument(reg)

	_ = engine.NewHealthIntake(reg, engine.DefaultHealthOptions(), tel.HealthOptions()...)
	orch := engine.NewOrchestrator(reg, nil, nil, tel.OrchestratorOptions()...)
	_ = orch
}

// ExampleEventBus_Subscribe prints failures as they are published.
func ExampleEventBus_Subscribe() {
	bus := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true}, zerolog.Nop())
	defer bus.Shutdown(context.Background())

	bus.Subscribe(func(e engine.Event) {
		fmt.Println(e.Level, e.Message)
	}, telemetry.FilterByLevel("warning"))

	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, Message: "deploy run started"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeResourceSkipped, Message: "webapp skipped"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeResourceFailed, Message: "postgres failed"})
	// Output:
	// warning webapp skipped
	// error postgres failed
}
