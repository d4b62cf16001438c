package telemetry

import (
	"context"
	"errors"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and the event bus for one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration. Sinks
// receive every published event.
func NewTelemetry(cfg *Config, sinks ...engine.EventPublisher) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return build(cfg, logger, sinks)
}

// NewTelemetryWithLogger is NewTelemetry with a caller-supplied logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger, sinks ...engine.EventPublisher) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, logger, sinks)
}

func build(cfg *Config, logger *Logger, sinks []engine.EventPublisher) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventBus(cfg.Events, logger.Zerolog(), sinks...),
		Config:  cfg,
	}, nil
}

// Instrument registers the metrics and event transition hooks on a registry.
func (t *Telemetry) Instrument(registry *engine.Registry) {
	registry.OnTransition(t.Metrics.TransitionHook())
	registry.OnTransition(t.Events.TransitionHook())
}

// OrchestratorOptions returns the options that route orchestrator output
// through this telemetry instance.
func (t *Telemetry) OrchestratorOptions() []engine.OrchestratorOption {
	return []engine.OrchestratorOption{
		engine.WithLogger(t.Logger.NewComponentLogger("orchestrator").Zerolog()),
		engine.WithEventPublisher(t.Events),
		engine.WithMetrics(t.Metrics),
		engine.WithTracer(t.Tracer.Tracer()),
	}
}

// HealthOptions returns the equivalent options for the health intake.
func (t *Telemetry) HealthOptions() []engine.HealthIntakeOption {
	return []engine.HealthIntakeOption{
		engine.WithHealthLogger(t.Logger.NewComponentLogger("health").Zerolog()),
		engine.WithHealthEvents(t.Events),
		engine.WithHealthMetrics(t.Metrics),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer serves metrics until ctx is done.
func (t *Telemetry) StartMetricsServer(ctx context.Context, errc chan<- error) {
	t.Metrics.StartMetricsServer(ctx, errc)
}

// ObserveDriverCall wraps one driver call with a span, latency metrics and
// a debug log line. Without telemetry in ctx it just calls fn.
func ObserveDriverCall(ctx context.Context, driver, operation string, res *engine.Resource, fn func(context.Context) error) error {
	t := FromTelemetryContext(ctx)
	if t == nil {
		return fn(ctx)
	}

	spanCtx, span := t.Tracer.StartDriverSpan(ctx, driver, operation, res)
	defer span.End()

	timer := NewTimer()
	err := fn(spanCtx)
	elapsed := timer.Duration()

	t.Metrics.RecordDriverCall(driver, operation, elapsed, err)

	logger := t.Logger.WithDriver(driver).WithField("operation", operation)
	if res != nil {
		logger = logger.WithResourceID(res.ID)
	}
	if err != nil {
		RecordError(span, err)
		logger.WithError(err).Debugf("driver call failed after %s", elapsed)
		return err
	}
	RecordSuccess(span)
	logger.Debugf("driver call finished in %s", elapsed)
	return nil
}
