package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HealthSource says how a health signal was delivered.
type HealthSource string

const (
	// HealthSourceActive is a pull probe initiated by the monitor or a caller.
	HealthSourceActive HealthSource = "active"

	// HealthSourcePassive is a notification pushed by the resource.
	HealthSourcePassive HealthSource = "passive"

	// HealthSourceManual is an operator override.
	HealthSourceManual HealthSource = "manual"
)

// RecoveryMode selects how an EXCEPTION resource returns to USING.
type RecoveryMode string

const (
	// RecoveryCooldown accepts a healthy signal once the cooldown since
	// entering EXCEPTION has elapsed.
	RecoveryCooldown RecoveryMode = "cooldown"

	// RecoveryManual only recovers through Override.
	RecoveryManual RecoveryMode = "manual"
)

// Validate checks if the recovery mode is valid.
func (m RecoveryMode) Validate() error {
	switch m {
	case RecoveryCooldown, RecoveryManual:
		return nil
	default:
		return fmt.Errorf("invalid recovery mode: %s", m)
	}
}

// HealthOptions configures health intake and the monitor.
type HealthOptions struct {
	Mode     RecoveryMode  `json:"mode" yaml:"mode"`
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// Interval is the monitor probe period.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ProbeTimeout bounds a single health check.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// MaxRecoveryAttempts is how many failed recovery probes escalate a
	// resource. Zero disables escalation.
	MaxRecoveryAttempts int `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`

	// MaxParallel bounds concurrent probes per monitor pass.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel"`
}

// DefaultHealthOptions returns the default health configuration.
func DefaultHealthOptions() HealthOptions {
	return HealthOptions{
		Mode:                RecoveryCooldown,
		Cooldown:            30 * time.Second,
		Interval:            15 * time.Second,
		ProbeTimeout:        10 * time.Second,
		MaxRecoveryAttempts: 5,
		MaxParallel:         10,
	}
}

// HealthOutcome describes what a health signal did.
type HealthOutcome struct {
	ResourceID ResourceID     `json:"resource_id"`
	Source     HealthSource   `json:"source"`
	From       ResourceStatus `json:"from"`
	To         ResourceStatus `json:"to"`
	Changed    bool           `json:"changed"`
	Note       string         `json:"note,omitempty"`
}

// HealthIntakeOption configures a HealthIntake.
type HealthIntakeOption func(*HealthIntake)

// WithHealthLogger sets the intake logger.
func WithHealthLogger(logger zerolog.Logger) HealthIntakeOption {
	return func(h *HealthIntake) { h.logger = logger.With().Str("component", "health").Logger() }
}

// WithHealthEvents sets the event publisher.
func WithHealthEvents(p EventPublisher) HealthIntakeOption {
	return func(h *HealthIntake) { h.events = p }
}

// WithHealthMetrics sets the metrics recorder.
func WithHealthMetrics(m MetricsRecorder) HealthIntakeOption {
	return func(h *HealthIntake) { h.metrics = m }
}

// WithHealthClock overrides the time source used for cooldowns.
func WithHealthClock(now func() time.Time) HealthIntakeOption {
	return func(h *HealthIntake) { h.now = now }
}

// HealthIntake applies health signals to the lifecycle. Active probe results,
// passive notifications and manual overrides all go through apply.
type HealthIntake struct {
	registry *Registry
	opts     HealthOptions
	logger   zerolog.Logger
	events   EventPublisher
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewHealthIntake creates a health intake over a registry.
func NewHealthIntake(registry *Registry, opts HealthOptions, options ...HealthIntakeOption) *HealthIntake {
	if opts.Mode == "" {
		opts.Mode = RecoveryCooldown
	}
	h := &HealthIntake{
		registry: registry,
		opts:     opts,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Options returns the intake configuration.
func (h *HealthIntake) Options() HealthOptions {
	return h.opts
}

// ReportActive applies the result of a pull probe.
func (h *HealthIntake) ReportActive(ctx context.Context, id ResourceID, signal HealthSignal) (*HealthOutcome, error) {
	return h.apply(ctx, id, HealthSourceActive, signal)
}

// ReportPassive applies a notification pushed by the resource.
func (h *HealthIntake) ReportPassive(ctx context.Context, id ResourceID, signal HealthSignal) (*HealthOutcome, error) {
	return h.apply(ctx, id, HealthSourcePassive, signal)
}

// Override recovers an EXCEPTION resource regardless of mode and cooldown.
// Resources whose deployment or verification failed cannot be recovered and
// fail with InvalidTransition.
func (h *HealthIntake) Override(ctx context.Context, id ResourceID) (*HealthOutcome, error) {
	return h.apply(ctx, id, HealthSourceManual, HealthSignal{Healthy: true, Detail: "manual override"})
}

func (h *HealthIntake) apply(ctx context.Context, id ResourceID, source HealthSource, signal HealthSignal) (*HealthOutcome, error) {
	lease, err := h.registry.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	current := lease.Resource()
	outcome := &HealthOutcome{
		ResourceID: id,
		Source:     source,
		From:       current.Status,
		To:         current.Status,
	}

	if current.Status != StatusUsing && current.Status != StatusException {
		h.logger.Warn().
			Int64("resource_id", int64(id)).
			Str("status", string(current.Status)).
			Str("source", string(source)).
			Bool("healthy", signal.Healthy).
			Msg("Health signal rejected")
		return nil, NewPermanentError(
			fmt.Sprintf("health signal for resource in %s", current.Status), nil).
			WithCode(ErrCodeStateMismatch).
			WithResource(id).
			WithOperation("health_" + string(source))
	}

	trigger := TriggerAnomaly
	if signal.Healthy {
		trigger = TriggerRecover
		if current.Status == StatusException {
			if note, allowed := h.recoveryAllowed(current, source); !allowed {
				outcome.Note = note
				h.record(ctx, outcome, signal)
				return outcome, nil
			}
		}
	}

	res, changed, err := lease.Transition(trigger, signal.Detail)
	if err != nil {
		return nil, err
	}
	outcome.To = res.Status
	outcome.Changed = changed
	if !changed {
		outcome.Note = "already " + string(res.Status)
	}
	h.record(ctx, outcome, signal)
	return outcome, nil
}

func (h *HealthIntake) recoveryAllowed(res *Resource, source HealthSource) (string, bool) {
	if source == HealthSourceManual {
		return "", true
	}
	if !res.Recoverable() {
		return fmt.Sprintf("entered EXCEPTION on %s: revoke required", res.ExceptionCause), false
	}
	if h.opts.Mode == RecoveryManual {
		return "awaiting manual override", false
	}
	if elapsed := h.now().Sub(res.StatusChangedAt); elapsed < h.opts.Cooldown {
		return fmt.Sprintf("cooldown: %s remaining", (h.opts.Cooldown - elapsed).Round(time.Millisecond)), false
	}
	return "", true
}

// CooldownElapsed reports whether an EXCEPTION resource may auto-recover now.
func (h *HealthIntake) CooldownElapsed(res *Resource) bool {
	return h.opts.Mode == RecoveryCooldown && h.now().Sub(res.StatusChangedAt) >= h.opts.Cooldown
}

func (h *HealthIntake) record(ctx context.Context, outcome *HealthOutcome, signal HealthSignal) {
	if h.metrics != nil {
		h.metrics.RecordHealthSignal(outcome.Source, signal.Healthy, outcome.Changed)
	}

	h.logger.Info().
		Int64("resource_id", int64(outcome.ResourceID)).
		Str("source", string(outcome.Source)).
		Bool("healthy", signal.Healthy).
		Str("from", string(outcome.From)).
		Str("to", string(outcome.To)).
		Bool("changed", outcome.Changed).
		Str("note", outcome.Note).
		Msg("Health signal applied")

	if h.events == nil || !outcome.Changed {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       EventTypeHealthSignal,
		Timestamp:  h.now(),
		ResourceID: outcome.ResourceID,
		From:       outcome.From,
		To:         outcome.To,
		Message:    fmt.Sprintf("%s health signal moved resource to %s", outcome.Source, outcome.To),
		Level:      EventTypeHealthSignal.Severity(),
	}
	if signal.Detail != "" {
		event.Details = map[string]interface{}{"detail": signal.Detail}
	}
	if err := h.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to publish health event")
	}
}

// Monitor periodically probes USING resources, and EXCEPTION resources whose
// cooldown elapsed, feeding the results into the intake as active signals.
// A resource that fails MaxRecoveryAttempts recovery probes in a row is
// escalated: an event is emitted and the monitor stops probing it until it
// is back in USING. It stays in EXCEPTION.
type Monitor struct {
	intake   *HealthIntake
	registry *Registry
	checker  HealthChecker
	opts     HealthOptions
	logger   zerolog.Logger

	mu        sync.Mutex
	attempts  map[ResourceID]int
	escalated map[ResourceID]bool
}

// NewMonitor creates a monitor. The intake's options drive probing.
func NewMonitor(intake *HealthIntake, checker HealthChecker) *Monitor {
	opts := intake.Options()
	if opts.Interval <= 0 {
		opts.Interval = DefaultHealthOptions().Interval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultHealthOptions().ProbeTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultHealthOptions().MaxParallel
	}
	return &Monitor{
		intake:    intake,
		registry:  intake.registry,
		checker:   checker,
		opts:      opts,
		logger:    intake.logger.With().Str("subcomponent", "monitor").Logger(),
		attempts:  make(map[ResourceID]int),
		escalated: make(map[ResourceID]bool),
	}
}

// Run probes every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.opts.Interval).Msg("Health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return nil
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// Escalated reports whether a resource exhausted its recovery attempts.
func (m *Monitor) Escalated(id ResourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated[id]
}

// ProbeOnce runs one probing pass and returns the applied outcomes.
func (m *Monitor) ProbeOnce(ctx context.Context) []*HealthOutcome {
	resources, err := m.registry.List(ctx, ListFilter{})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list resources for probing")
		return nil
	}

	targets := make([]*Resource, 0, len(resources))
	for _, res := range resources {
		switch res.Status {
		case StatusUsing:
			m.reset(res.ID)
			targets = append(targets, res)
		case StatusException:
			if res.Recoverable() && !m.Escalated(res.ID) && m.intake.CooldownElapsed(res) {
				targets = append(targets, res)
			}
		}
	}

	var (
		mu       sync.Mutex
		outcomes []*HealthOutcome
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, m.opts.MaxParallel)
	for _, res := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(res *Resource) {
			defer wg.Done()
			defer func() { <-sem }()
			if outcome := m.probe(ctx, res); outcome != nil {
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
		}(res)
	}
	wg.Wait()
	return outcomes
}

func (m *Monitor) probe(ctx context.Context, res *Resource) *HealthOutcome {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	signal, err := m.checker.Check(pctx, res)
	cancel()
	if err != nil {
		signal = Anomalous(fmt.Sprintf("probe failed: %v", err))
	}
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = time.Now()
	}

	outcome, err := m.intake.ReportActive(ctx, res.ID, signal)
	if err != nil {
		// Conflicts and state changes between listing and probing are expected.
		m.logger.Debug().Err(err).Int64("resource_id", int64(res.ID)).Msg("Probe result not applied")
		return nil
	}

	if outcome.From == StatusException && outcome.To == StatusException {
		m.recordFailedRecovery(ctx, res)
	}
	if outcome.To == StatusUsing {
		m.reset(res.ID)
	}
	return outcome
}

func (m *Monitor) recordFailedRecovery(ctx context.Context, res *Resource) {
	if m.opts.MaxRecoveryAttempts <= 0 {
		return
	}

	m.mu.Lock()
	m.attempts[res.ID]++
	attempts := m.attempts[res.ID]
	escalate := attempts >= m.opts.MaxRecoveryAttempts && !m.escalated[res.ID]
	if escalate {
		m.escalated[res.ID] = true
	}
	m.mu.Unlock()

	if !escalate {
		return
	}

	m.logger.Error().
		Int64("resource_id", int64(res.ID)).
		Str("name", res.Name).
		Int("attempts", attempts).
		Msg("Recovery attempts exhausted, manual override required")

	if m.intake.events != nil {
		event := &Event{
			ID:         uuid.New().String(),
			Type:       EventTypeHealthEscalated,
			Timestamp:  time.Now(),
			ResourceID: res.ID,
			From:       StatusException,
			To:         StatusException,
			Message:    fmt.Sprintf("%s failed %d recovery probes", res.Name, attempts),
			Level:      EventTypeHealthEscalated.Severity(),
		}
		if err := m.intake.events.Publish(context.WithoutCancel(ctx), event); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to publish escalation event")
		}
	}
}

func (m *Monitor) reset(id ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
	delete(m.escalated, id)
}
