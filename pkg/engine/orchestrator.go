package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// OrchestratorOptions tunes deploy and revoke runs.
type OrchestratorOptions struct {
	// MaxParallel is the worker count per stage.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel"`

	// DeployTimeout bounds a single Deploy call.
	DeployTimeout time.Duration `json:"deploy_timeout" yaml:"deploy_timeout"`

	// VerifyTimeout bounds the whole verification polling of one resource.
	VerifyTimeout time.Duration `json:"verify_timeout" yaml:"verify_timeout"`

	// VerifyInterval is the delay between two not-ready verifications.
	VerifyInterval time.Duration `json:"verify_interval" yaml:"verify_interval"`

	// RevokeTimeout bounds a single Teardown call.
	RevokeTimeout time.Duration `json:"revoke_timeout" yaml:"revoke_timeout"`

	// MaxRetries is the number of retries after a retryable deployer error.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
}

// DefaultOrchestratorOptions returns the default run tuning.
func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		MaxParallel:    10,
		DeployTimeout:  5 * time.Minute,
		VerifyTimeout:  2 * time.Minute,
		VerifyInterval: 2 * time.Second,
		RevokeTimeout:  5 * time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Second,
	}
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	d := DefaultOrchestratorOptions()
	if o.MaxParallel <= 0 {
		o.MaxParallel = d.MaxParallel
	}
	if o.DeployTimeout <= 0 {
		o.DeployTimeout = d.DeployTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = d.VerifyTimeout
	}
	if o.VerifyInterval <= 0 {
		o.VerifyInterval = d.VerifyInterval
	}
	if o.RevokeTimeout <= 0 {
		o.RevokeTimeout = d.RevokeTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	return o
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOptions sets the run tuning.
func WithOptions(opts OrchestratorOptions) OrchestratorOption {
	return func(o *Orchestrator) { o.opts = opts.withDefaults() }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger.With().Str("component", "orchestrator").Logger() }
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer used for run and resource spans.
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithAdmitter sets the plan admission check.
func WithAdmitter(a PlanAdmitter) OrchestratorOption {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithRunRecorder sets where finished reports are saved.
func WithRunRecorder(r RunRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator walks plans stage by stage, calling the deployer and verifier
// for every member of a stage concurrently and advancing each resource's
// lifecycle in the registry.
type Orchestrator struct {
	registry *Registry
	deployer Deployer
	verifier Verifier
	planner  *Planner
	opts     OrchestratorOptions

	logger   zerolog.Logger
	events   EventPublisher
	metrics  MetricsRecorder
	tracer   trace.Tracer
	admitter PlanAdmitter
	recorder RunRecorder
}

// NewOrchestrator creates an orchestrator over a registry and its collaborators.
func NewOrchestrator(registry *Registry, deployer Deployer, verifier Verifier, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		deployer: deployer,
		verifier: verifier,
		planner:  NewPlanner(),
		opts:     DefaultOrchestratorOptions(),
		logger:   zerolog.Nop(),
		tracer:   noop.NewTracerProvider().Tracer("rangekeeper/engine"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Forest builds the forest of active resources. When roots are given, only
// those resources and their descendants are included.
func (o *Orchestrator) Forest(ctx context.Context, roots ...ResourceID) (*Forest, error) {
	resources, err := o.registry.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	forest, err := BuildForest(resources)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return forest, nil
	}
	return forest.Select(roots...)
}

// Plan builds the deploy-order plan for a forest.
func (o *Orchestrator) Plan(forest *Forest) (*Plan, error) {
	return o.planner.BuildPlan(forest)
}

// Deploy drives every resource of the forest to PREPARED. Per-resource
// failures are recorded in the report; only structural and admission errors
// are returned. A cancelled context stops the run after in-flight resources
// settle; the report then has status cancelled.
func (o *Orchestrator) Deploy(ctx context.Context, forest *Forest) (*DeployReport, error) {
	return o.execute(ctx, OperationDeploy, forest)
}

// Revoke drives every resource of the forest to UNAVAILABLE, walking the
// plan in reverse so children are torn down before their parents.
func (o *Orchestrator) Revoke(ctx context.Context, forest *Forest) (*RevokeReport, error) {
	return o.execute(ctx, OperationRevoke, forest)
}

// StartUsing moves a PREPARED resource to USING.
func (o *Orchestrator) StartUsing(ctx context.Context, id ResourceID) (*Resource, error) {
	res, _, err := o.registry.Transition(ctx, id, TriggerUse, "")
	return res, err
}

// CompleteUsage moves a USING resource to REVOKING. A later Revoke run
// performs the teardown.
func (o *Orchestrator) CompleteUsage(ctx context.Context, id ResourceID) (*Resource, error) {
	res, _, err := o.registry.Transition(ctx, id, TriggerUsageComplete, "")
	return res, err
}

// DeleteTree soft-deletes a resource and all of its descendants, leaves
// first. Every non-deleted member must be UNAVAILABLE; this is checked for
// the whole tree before anything is deleted.
func (o *Orchestrator) DeleteTree(ctx context.Context, id ResourceID) ([]ResourceID, error) {
	all, err := o.registry.List(ctx, ListFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	forest, err := BuildForest(all)
	if err != nil {
		return nil, err
	}
	root, ok := forest.Resource(id)
	if !ok {
		return nil, notFound(id)
	}
	if root.Deleted {
		return nil, NewPermanentError("resource is already deleted", nil).
			WithCode(ErrCodeAlreadyDeleted).WithResource(id)
	}

	members := append([]ResourceID{id}, forest.Descendants(id)...)
	order := make([]ResourceID, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		res, _ := forest.Resource(members[i])
		if res.Deleted {
			continue
		}
		if res.Status != StatusUnavailable {
			return nil, NewPermanentError(
				fmt.Sprintf("cannot delete tree: resource is %s", res.Status), nil).
				WithCode(ErrCodeInvalidTransition).
				WithResource(res.ID).
				WithOperation("delete_tree")
		}
		order = append(order, res.ID)
	}

	deleted := make([]ResourceID, 0, len(order))
	for _, rid := range order {
		if _, err := o.registry.SoftDelete(ctx, rid); err != nil {
			return deleted, err
		}
		deleted = append(deleted, rid)
	}

	o.logger.Info().
		Int64("resource_id", int64(id)).
		Int("deleted", len(deleted)).
		Msg("Resource tree deleted")
	return deleted, nil
}

// run holds the mutable state of one deploy or revoke execution.
type run struct {
	report *Report
	forest *Forest
	stages map[ResourceID]int

	mu      sync.Mutex
	results map[ResourceID]*ResourceResult
}

func (r *run) record(res *ResourceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ResourceID] = res
}

func (r *run) outcome(id ResourceID) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	if !ok {
		return "", false
	}
	return res.Outcome, true
}

func (o *Orchestrator) execute(ctx context.Context, op Operation, forest *Forest) (*Report, error) {
	if forest == nil {
		return nil, invalidSpec("forest is nil")
	}

	plan, err := o.planner.BuildPlan(forest)
	if err != nil {
		return nil, err
	}
	if op == OperationRevoke {
		plan = plan.Reverse()
	}

	if o.admitter != nil {
		if err := o.admitter.AdmitPlan(ctx, op, plan, forest); err != nil {
			if ErrorCode(err) == "" {
				err = NewPermanentError("plan rejected", err).WithCode(ErrCodePolicyDenied)
			}
			return nil, err
		}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(op), trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.stages", len(plan.Stages)),
		attribute.Int("plan.resources", plan.Len()),
	))
	defer span.End()

	r := &run{
		report: &Report{
			RunID:     uuid.New().String(),
			Operation: op,
			Status:    RunStatusRunning,
			Plan:      plan,
			StartedAt: time.Now(),
		},
		forest:  forest,
		stages:  make(map[ResourceID]int, forest.Len()),
		results: make(map[ResourceID]*ResourceResult, forest.Len()),
	}
	for _, stage := range plan.Stages {
		for _, id := range stage.Resources {
			r.stages[id] = stage.Index
		}
	}
	span.SetAttributes(attribute.String("run.id", r.report.RunID))

	logger := o.logger.With().
		Str("run_id", r.report.RunID).
		Str("operation", string(op)).
		Logger()
	logger.Info().
		Int("stages", len(plan.Stages)).
		Int("resources", plan.Len()).
		Msg("Run started")
	o.publish(ctx, &Event{
		Type:    EventTypeRunStarted,
		RunID:   r.report.RunID,
		Message: fmt.Sprintf("%s run started with %d stages", op, len(plan.Stages)),
	})

	for _, stage := range plan.Stages {
		if ctx.Err() != nil {
			break
		}
		logger.Debug().
			Int("stage", stage.Index).
			Int("resources", len(stage.Resources)).
			Msg("Executing stage")
		o.executeStage(ctx, r, stage)
	}

	o.finishRun(ctx, r, logger)

	if r.report.Status == RunStatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(r.report.Status))
	}
	return r.report, nil
}

// executeStage runs all members of a stage on a worker pool and returns
// once every member has resolved.
func (o *Orchestrator) executeStage(ctx context.Context, r *run, stage Stage) {
	workerCount := o.opts.MaxParallel
	if len(stage.Resources) < workerCount {
		workerCount = len(stage.Resources)
	}

	workQueue := make(chan ResourceID, len(stage.Resources))
	for _, id := range stage.Resources {
		workQueue <- id
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workQueue {
				if ctx.Err() != nil {
					r.record(o.cancelledResult(ctx, r, id))
					continue
				}
				o.executeResource(ctx, r, id)
			}
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) executeResource(ctx context.Context, r *run, id ResourceID) {
	res, _ := r.forest.Resource(id)
	result := &ResourceResult{
		ResourceID: id,
		Name:       res.Name,
		Stage:      r.stages[id],
		StartedAt:  time.Now(),
	}

	if blocker, blocked := o.blockingDependency(ctx, r, id); blocked {
		current := o.currentStatus(ctx, id, res.Status)
		result.Outcome = OutcomeSkipped
		result.Status = current
		result.Error = NewPermanentError("skipped due to dependency failure", nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(id).
			WithOperation(string(r.report.Operation)).
			WithDetail("dependency", int64(blocker))
		r.record(result)
		o.publish(ctx, &Event{
			Type:       EventTypeResourceSkipped,
			RunID:      r.report.RunID,
			ResourceID: id,
			Message:    fmt.Sprintf("%s skipped: dependency %d did not succeed", res.Name, blocker),
		})
		if o.metrics != nil {
			o.metrics.RecordResourceOutcome(r.report.Operation, OutcomeSkipped, 0)
		}
		return
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(r.report.Operation)+"_resource",
		trace.WithAttributes(
			attribute.Int64("resource.id", int64(id)),
			attribute.String("resource.name", res.Name),
			attribute.Int("stage", result.Stage),
		))
	defer span.End()

	switch r.report.Operation {
	case OperationDeploy:
		o.deployResource(ctx, result)
	case OperationRevoke:
		o.revokeResource(ctx, result)
	}
	result.Duration = time.Since(result.StartedAt)
	r.record(result)

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Code)
	}
	if o.metrics != nil {
		o.metrics.RecordResourceOutcome(r.report.Operation, result.Outcome, result.Duration)
	}

	var event *zerolog.Event
	if result.Outcome == OutcomeFailed {
		event = o.logger.Warn().Str("error_code", result.Error.Code).Err(result.Error)
		o.publish(ctx, &Event{
			Type:       EventTypeResourceFailed,
			RunID:      r.report.RunID,
			ResourceID: id,
			Message:    fmt.Sprintf("%s %s failed: %v", r.report.Operation, res.Name, result.Error),
		})
	} else {
		event = o.logger.Info()
	}
	event.
		Str("run_id", r.report.RunID).
		Int64("resource_id", int64(id)).
		Str("outcome", string(result.Outcome)).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("Resource resolved")
}

// blockingDependency returns the first dependency that did not succeed.
// Deploy depends on the parent; revoke depends on the children. A parent
// outside the run must already be PREPARED or USING.
func (o *Orchestrator) blockingDependency(ctx context.Context, r *run, id ResourceID) (ResourceID, bool) {
	var deps []ResourceID
	if r.report.Operation == OperationDeploy {
		if parent := r.forest.Parent(id); parent != 0 {
			deps = []ResourceID{parent}
		} else if res, ok := r.forest.Resource(id); ok && res.ParentID != 0 {
			if !o.parentReady(ctx, res.ParentID) {
				return res.ParentID, true
			}
		}
	} else {
		deps = r.forest.Children(id)
	}
	for _, dep := range deps {
		outcome, ok := r.outcome(dep)
		if !ok || !outcome.IsSuccess() {
			return dep, true
		}
	}
	return 0, false
}

func (o *Orchestrator) parentReady(ctx context.Context, parent ResourceID) bool {
	res, err := o.registry.Get(ctx, parent)
	if err != nil {
		return false
	}
	return res.Status == StatusPrepared || res.Status == StatusUsing
}

func (o *Orchestrator) deployResource(ctx context.Context, result *ResourceResult) {
	id := result.ResourceID
	lease, err := o.registry.Acquire(id)
	if err != nil {
		o.failResult(ctx, result, err)
		return
	}
	defer lease.Release()

	// In-flight calls run on a context that ignores cancellation so the
	// resource always settles in a defined status.
	work := context.WithoutCancel(ctx)
	current := lease.Resource()

	switch current.Status {
	case StatusPrepared, StatusUsing:
		result.Outcome = OutcomeUnchanged
		result.Status = current.Status
		return
	case StatusCreated, StatusDeployed:
	default:
		o.failResult(ctx, result, NewPermanentError(
			fmt.Sprintf("cannot deploy a resource in %s", current.Status), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(id).
			WithOperation(string(OperationDeploy)))
		return
	}

	if current.Status == StatusCreated {
		attempts, err := o.callWithRetry(ctx, work, o.opts.DeployTimeout, func(callCtx context.Context) error {
			return o.deployer.Deploy(callCtx, current)
		})
		result.Attempts = attempts
		if HasCode(err, ErrCodeCancelled) {
			result.Outcome = OutcomeCancelled
			result.Status = StatusCreated
			return
		}
		if err != nil {
			deployErr := NewPermanentError("deployment failed", err).
				WithCode(ErrCodeDeploymentFailed).
				WithResource(id).
				WithOperation(string(OperationDeploy)).
				WithDetail("reason", failureReason(err))
			res, _, terr := lease.Transition(TriggerDeployFailed, err.Error())
			o.settleFailure(result, deployErr, res, terr)
			return
		}
		if current, _, err = lease.Transition(TriggerDeploy, ""); err != nil {
			o.failResult(ctx, result, err)
			return
		}
	}

	if verr := o.verifyResource(work, current); verr != nil {
		res, _, terr := lease.Transition(TriggerVerifyFailed, verr.Error())
		o.settleFailure(result, verr, res, terr)
		return
	}

	res, _, err := lease.Transition(TriggerVerifySucceeded, "")
	if err != nil {
		o.failResult(ctx, result, err)
		return
	}
	result.Outcome = OutcomeSucceeded
	result.Status = res.Status
}

// verifyResource polls the verifier until it reports ready, fails, or the
// verify timeout elapses.
func (o *Orchestrator) verifyResource(ctx context.Context, res *Resource) *EngineError {
	vctx, cancel := context.WithTimeout(ctx, o.opts.VerifyTimeout)
	defer cancel()

	var last VerifyResult
	for polls := 1; ; polls++ {
		vr, err := o.verifier.Verify(vctx, res)
		if err != nil {
			if vctx.Err() != nil {
				return verificationTimeout(res.ID, last.Detail, polls)
			}
			return NewPermanentError("verification failed", err).
				WithCode(ErrCodeVerificationFailed).
				WithResource(res.ID).
				WithOperation("verify")
		}
		if vr.Ready {
			return nil
		}
		last = vr

		select {
		case <-time.After(o.opts.VerifyInterval):
		case <-vctx.Done():
			return verificationTimeout(res.ID, last.Detail, polls)
		}
	}
}

func verificationTimeout(id ResourceID, detail string, polls int) *EngineError {
	msg := "resource did not become ready in time"
	if detail != "" {
		msg = msg + ": " + detail
	}
	return NewPermanentError(msg, nil).
		WithCode(ErrCodeVerificationTimeout).
		WithResource(id).
		WithOperation("verify").
		WithDetail("polls", polls)
}

func (o *Orchestrator) revokeResource(ctx context.Context, result *ResourceResult) {
	id := result.ResourceID
	lease, err := o.registry.Acquire(id)
	if err != nil {
		o.failResult(ctx, result, err)
		return
	}
	defer lease.Release()

	work := context.WithoutCancel(ctx)
	current := lease.Resource()

	switch current.Status {
	case StatusCreated, StatusUnavailable, StatusDeleted:
		result.Outcome = OutcomeUnchanged
		result.Status = current.Status
		return
	case StatusPrepared, StatusUsing, StatusException:
		if current, _, err = lease.Transition(TriggerRevoke, ""); err != nil {
			o.failResult(ctx, result, err)
			return
		}
	case StatusRevoking:
	default:
		o.failResult(ctx, result, NewPermanentError(
			fmt.Sprintf("cannot revoke a resource in %s", current.Status), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(id).
			WithOperation(string(OperationRevoke)))
		return
	}

	attempts, err := o.callWithRetry(ctx, work, o.opts.RevokeTimeout, func(callCtx context.Context) error {
		return o.deployer.Teardown(callCtx, current)
	})
	result.Attempts = attempts
	if HasCode(err, ErrCodeCancelled) {
		result.Outcome = OutcomeCancelled
		result.Status = StatusRevoking
		return
	}
	if err != nil {
		revokeErr := NewPermanentError("revocation failed", err).
			WithCode(ErrCodeRevocationFailed).
			WithResource(id).
			WithOperation(string(OperationRevoke)).
			WithDetail("reason", failureReason(err))
		res, merr := lease.Mutate(func(r *Resource) error {
			r.LastError = err.Error()
			return nil
		})
		o.settleFailure(result, revokeErr, res, merr)
		return
	}

	res, _, err := lease.Transition(TriggerPreDelete, "")
	if err != nil {
		o.failResult(ctx, result, err)
		return
	}
	result.Outcome = OutcomeSucceeded
	result.Status = res.Status
}

// callWithRetry invokes call with a per-attempt timeout derived from work,
// retrying retryable errors with exponential backoff. Cancellation of ctx is
// honored only between attempts.
func (o *Orchestrator) callWithRetry(
	ctx, work context.Context,
	timeout time.Duration,
	call func(context.Context) error,
) (int, error) {
	var err error
	attempt := 0
	for ; attempt <= o.opts.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(work, timeout)
		err = call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return attempt + 1, nil
		}
		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		if !IsRetryable(err) || attempt >= o.opts.MaxRetries {
			break
		}

		backoff := o.calculateBackoff(attempt, err)
		o.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", o.opts.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Retrying after failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt + 1, NewPermanentError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		}
	}
	return attempt + 1, err
}

// calculateBackoff calculates exponential backoff with jitter.
func (o *Orchestrator) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := o.opts.RetryBaseDelay

	if IsThrottled(err) {
		baseDelay *= 5
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// settleFailure records a failed outcome after the failure transition has
// been attempted.
func (o *Orchestrator) settleFailure(result *ResourceResult, cause *EngineError, res *Resource, transitionErr error) {
	result.Outcome = OutcomeFailed
	result.Error = cause
	if transitionErr != nil {
		cause.WithDetail("transition_error", transitionErr.Error())
		return
	}
	result.Status = res.Status
}

func (o *Orchestrator) failResult(ctx context.Context, result *ResourceResult, err error) {
	result.Outcome = OutcomeFailed
	result.Error = AsEngineError(err, ErrCodeInternal)
	if result.Error.Resource == 0 {
		result.Error.Resource = result.ResourceID
	}
	result.Status = o.currentStatus(ctx, result.ResourceID, "")
}

func (o *Orchestrator) cancelledResult(ctx context.Context, r *run, id ResourceID) *ResourceResult {
	res, _ := r.forest.Resource(id)
	return &ResourceResult{
		ResourceID: id,
		Name:       res.Name,
		Stage:      r.stages[id],
		Outcome:    OutcomeCancelled,
		Status:     o.currentStatus(ctx, id, res.Status),
	}
}

func (o *Orchestrator) currentStatus(ctx context.Context, id ResourceID, fallback ResourceStatus) ResourceStatus {
	res, err := o.registry.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return fallback
	}
	return res.Status
}

// finishRun fills in cancelled entries for resources that never started,
// computes the summary and final status, and emits the run's telemetry.
func (o *Orchestrator) finishRun(ctx context.Context, r *run, logger zerolog.Logger) {
	report := r.report

	for _, stage := range report.Plan.Stages {
		for _, id := range stage.Resources {
			if _, ok := r.outcome(id); !ok {
				r.record(o.cancelledResult(ctx, r, id))
			}
		}
	}

	report.Results = make([]*ResourceResult, 0, len(r.results))
	for _, res := range r.results {
		report.Results = append(report.Results, res)
	}
	position := make(map[int]int, len(report.Plan.Stages))
	for i, stage := range report.Plan.Stages {
		position[stage.Index] = i
	}
	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.Stage != b.Stage {
			return position[a.Stage] < position[b.Stage]
		}
		return a.ResourceID < b.ResourceID
	})

	summary := RunSummary{Total: len(report.Results)}
	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomeSucceeded:
			summary.Succeeded++
		case OutcomeUnchanged:
			summary.Unchanged++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeCancelled:
			summary.Cancelled++
		}
	}
	report.Summary = summary

	switch {
	case summary.Cancelled > 0:
		report.Status = RunStatusCancelled
	case summary.Failed > 0 && summary.Succeeded+summary.Unchanged == 0:
		report.Status = RunStatusFailed
	case summary.Failed > 0 || summary.Skipped > 0:
		report.Status = RunStatusPartial
	default:
		report.Status = RunStatusSucceeded
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	if o.recorder != nil {
		if err := o.recorder.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			logger.Error().Err(err).Msg("Failed to save run report")
		}
	}
	if o.metrics != nil {
		o.metrics.RecordRun(report.Operation, report.Status, report.Duration)
	}

	eventType := EventTypeRunCompleted
	if report.Status != RunStatusSucceeded {
		eventType = EventTypeRunFailed
	}
	o.publish(ctx, &Event{
		Type:    eventType,
		RunID:   report.RunID,
		Message: fmt.Sprintf("%s run finished with status %s", report.Operation, report.Status),
		Details: map[string]interface{}{
			"succeeded": summary.Succeeded,
			"unchanged": summary.Unchanged,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
			"cancelled": summary.Cancelled,
		},
	})

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", summary.Succeeded).
		Int("unchanged", summary.Unchanged).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("cancelled", summary.Cancelled).
		Dur("duration", report.Duration).
		Msg("Run finished")
}

// publish fills in event identity and hands it to the publisher. Publishing
// failures are logged and never fail the run.
func (o *Orchestrator) publish(ctx context.Context, event *Event) {
	if o.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	event.Level = event.Type.Severity()
	if err := o.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}
