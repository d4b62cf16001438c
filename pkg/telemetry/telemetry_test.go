package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

type recordingSink struct {
	mu     sync.Mutex
	events []engine.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return s.err
}

func (s *recordingSink) snapshot() []engine.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Event(nil), s.events...)
}

func syncEvents() EventsConfig {
	return EventsConfig{Enabled: true}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Events = syncEvents()
	cfg.Metrics.ListenAddress = ""
	return cfg
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if err := ProductionConfig().Validate(); err != nil {
		t.Fatalf("production config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}},
		{"unknown exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("orchestrator").
		WithRunID("run-1").
		WithResourceID(engine.ResourceID(7)).
		WithDriver("ssh").
		Info("deployed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "orchestrator" || line["run_id"] != "run-1" || line["driver"] != "ssh" {
		t.Errorf("missing fields: %v", line)
	}
	if line["resource_id"] != float64(7) {
		t.Errorf("resource_id = %v, want 7", line["resource_id"])
	}
	if line["message"] != "deployed" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn should be logged, got %q", buf.String())
	}

	if parseLogLevel("") != zerolog.InfoLevel || parseLogLevel("bogus") != zerolog.InfoLevel {
		t.Errorf("unknown levels should fall back to info")
	}
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRun(engine.OperationDeploy, engine.RunStatusSucceeded, time.Second)
	m.RecordRun(engine.OperationDeploy, engine.RunStatusSucceeded, time.Second)
	m.RecordResourceOutcome(engine.OperationRevoke, engine.OutcomeFailed, time.Millisecond)
	m.RecordHealthSignal(engine.HealthSourceActive, false, true)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("deploy", "succeeded")); got != 2 {
		t.Errorf("runs_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.resourceOutcomes.WithLabelValues("revoke", "failed")); got != 1 {
		t.Errorf("resource_outcomes_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.healthSignals.WithLabelValues("active", "false", "true")); got != 1 {
		t.Errorf("health_signals_total = %v, want 1", got)
	}

	hook := m.TransitionHook()
	hook(&engine.Resource{ID: 1, Status: engine.StatusDeployed}, engine.StatusCreated, engine.TriggerDeploy)
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("CREATED", "DEPLOYED")); got != 1 {
		t.Errorf("status_transitions_total = %v, want 1", got)
	}

	m.RecordDriverCall("ssh", "deploy", time.Millisecond, engine.NewTransientError("dial", nil))
	if got := testutil.ToFloat64(m.driverErrors.WithLabelValues("ssh", "deploy")); got != 1 {
		t.Errorf("driver_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("transient", "")); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}

	m.ObserveResources([]*engine.Resource{
		{Type: engine.ResourceTypeOS, Status: engine.StatusUsing},
		{Type: engine.ResourceTypeOS, Status: engine.StatusUsing},
		{Type: engine.ResourceTypeDB, Status: engine.StatusException},
	})
	if got := testutil.ToFloat64(m.resourcesByState.WithLabelValues(string(engine.ResourceTypeOS), "USING")); got != 2 {
		t.Errorf("resources gauge = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "rangekeeper_runs_total") {
		t.Errorf("handler output missing runs_total")
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRun(engine.OperationDeploy, engine.RunStatusFailed, time.Second)
	m.RecordTransition(engine.StatusCreated, engine.StatusDeployed)
	m.RecordDriverCall("ssh", "verify", time.Second, errors.New("boom"))
	m.ObserveResources(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordHealthSignal(engine.HealthSourceManual, true, false)
}

func TestEventBusDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	bus := NewEventBus(syncEvents(), zerolog.Nop(), sink)
	defer bus.Shutdown(context.Background())

	var (
		mu   sync.Mutex
		seen []engine.EventType
	)
	unsubscribe := bus.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	}, FilterByType(engine.EventTypeRunFailed, engine.EventTypeResourceFailed))

	ctx := context.Background()
	for _, typ := range []engine.EventType{engine.EventTypeRunStarted, engine.EventTypeResourceFailed, engine.EventTypeRunFailed} {
		if err := bus.Publish(ctx, &engine.Event{Type: typ, RunID: "run-1"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("sink received %d events, want 3", len(got))
	}
	if got[0].Type != engine.EventTypeRunStarted || got[2].Type != engine.EventTypeRunFailed {
		t.Errorf("sink order = %v", got)
	}
	if got[1].ID == "" || got[1].Timestamp.IsZero() || got[1].Level != "error" {
		t.Errorf("event not stamped: %+v", got[1])
	}

	mu.Lock()
	if len(seen) != 2 {
		t.Errorf("subscriber saw %v, want failures only", seen)
	}
	mu.Unlock()

	unsubscribe()
	_ = bus.Publish(ctx, &engine.Event{Type: engine.EventTypeRunFailed})
	mu.Lock()
	if len(seen) != 2 {
		t.Errorf("unsubscribed subscriber still called")
	}
	mu.Unlock()
}

func TestEventBusGlobalFilterAndSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	bus := NewEventBus(syncEvents(), zerolog.Nop(), sink)
	bus.AddFilter(FilterByLevel("warning"))

	ctx := context.Background()
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeResourceSkipped}); err != nil {
		t.Fatalf("sink errors must not surface: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0].Type != engine.EventTypeResourceSkipped {
		t.Fatalf("filtered delivery = %v", got)
	}

	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeWarning}); err == nil {
		t.Errorf("publish after shutdown should fail")
	}
}

func TestEventBusAsyncDrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	bus := NewEventBus(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
	}, zerolog.Nop(), sink)

	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeHealthSignal}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(sink.snapshot()); got != 5 {
		t.Errorf("delivered %d events, want 5", got)
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Publish(context.Context, *engine.Event) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return nil
}

func TestEventBusBufferFull(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	bus := NewEventBus(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    1,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
	}, zerolog.Nop(), sink)

	ctx := context.Background()
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeWarning}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	<-sink.entered

	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeWarning}); err != nil {
		t.Fatalf("second publish should queue: %v", err)
	}
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeWarning}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("third publish error = %v, want ErrBufferFull", err)
	}

	close(sink.release)
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEventBusDisabled(t *testing.T) {
	sink := &recordingSink{}
	bus := NewEventBus(EventsConfig{Enabled: false}, zerolog.Nop(), sink)
	if err := bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(sink.snapshot()) != 0 {
		t.Errorf("disabled bus delivered events")
	}
}

func TestInstrumentRegistry(t *testing.T) {
	sink := &recordingSink{}
	tel, err := NewTelemetryWithLogger(testConfig(), NewLoggerTo(&bytes.Buffer{}, LoggingConfig{Level: "info", Format: "json"}), sink)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := context.Background()
	reg := engine.NewRegistry()
	if err := reg.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tel.Instrument(reg)

	res, err := reg.Create(ctx, engine.ResourceSpec{
		Name: "kali", Type: engine.ResourceTypeOS, Form: engine.FormSingle, Sequence: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := reg.Transition(ctx, res.ID, engine.TriggerDeploy, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Type != engine.EventTypeResourceTransition || ev.ResourceID != res.ID ||
		ev.From != engine.StatusCreated || ev.To != engine.StatusDeployed {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Details["trigger"] != "deploy" {
		t.Errorf("trigger detail = %v", ev.Details["trigger"])
	}
	if got := testutil.ToFloat64(tel.Metrics.transitions.WithLabelValues("CREATED", "DEPLOYED")); got != 1 {
		t.Errorf("transition metric = %v, want 1", got)
	}
}

func TestObserveDriverCall(t *testing.T) {
	called := false
	err := ObserveDriverCall(context.Background(), "ssh", "deploy", nil, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("bare context should just call fn: called=%v err=%v", called, err)
	}

	tel, err := NewTelemetryWithLogger(testConfig(), NewLoggerTo(&bytes.Buffer{}, LoggingConfig{Level: "debug", Format: "json"}))
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	if FromTelemetryContext(ctx) != tel {
		t.Fatalf("telemetry not found in context")
	}

	boom := engine.NewPermanentError("exit 2", nil).WithCode("DEPLOY_FAILED")
	res := &engine.Resource{ID: 3, Name: "webapp", Type: engine.ResourceTypeApp}
	err = ObserveDriverCall(ctx, "ssh", "deploy", res, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("error not passed through: %v", err)
	}
	if got := testutil.ToFloat64(tel.Metrics.driverCalls.WithLabelValues("ssh", "deploy")); got != 1 {
		t.Errorf("driver_calls_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues("permanent", "DEPLOY_FAILED")); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
}

func TestDisabledTracer(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "rangekeeper", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tr.StartDriverSpan(context.Background(), "ssh", "verify", nil)
	span.End()
	if TraceID(ctx) != "" {
		t.Errorf("no-op tracer should not produce trace ids")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
