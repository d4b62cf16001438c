package engine

import (
	"context"
	"time"
)

// Deployer provisions and tears down resources. The orchestrator calls Deploy
// once per attempt and owns retries; implementations need not be idempotent.
type Deployer interface {
	// Deploy provisions the resource.
	Deploy(ctx context.Context, resource *Resource) error

	// Teardown removes whatever Deploy provisioned.
	Teardown(ctx context.Context, resource *Resource) error
}

// VerifyResult is the answer of a Verifier.
type VerifyResult struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Ready is the VerifyResult for a ready resource.
func Ready() VerifyResult {
	return VerifyResult{Ready: true}
}

// NotReady is the VerifyResult for a resource that is not ready yet.
func NotReady(detail string) VerifyResult {
	return VerifyResult{Detail: detail}
}

// Verifier checks whether a deployed resource is ready for use.
// A not-ready answer is polled again; an error fails verification at once.
type Verifier interface {
	Verify(ctx context.Context, resource *Resource) (VerifyResult, error)
}

// HealthSignal is a single health observation about a resource.
type HealthSignal struct {
	Healthy    bool      `json:"healthy"`
	Detail     string    `json:"detail,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Healthy returns a healthy signal.
func Healthy() HealthSignal {
	return HealthSignal{Healthy: true}
}

// Anomalous returns an anomalous signal with detail.
func Anomalous(detail string) HealthSignal {
	return HealthSignal{Detail: detail}
}

// HealthChecker probes a resource on behalf of the health monitor.
type HealthChecker interface {
	Check(ctx context.Context, resource *Resource) (HealthSignal, error)
}

// Persister loads and saves the full resource set at process boundaries.
type Persister interface {
	Load(ctx context.Context) ([]*Resource, error)
	Save(ctx context.Context, resources []*Resource) error
}

// EventPublisher publishes execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists run reports.
type RunRecorder interface {
	SaveReport(ctx context.Context, report *Report) error
}

// PlanAdmitter decides whether a plan may run. It is consulted before any
// side effect; a rejection aborts the run with ErrCodePolicyDenied.
type PlanAdmitter interface {
	AdmitPlan(ctx context.Context, op Operation, plan *Plan, forest *Forest) error
}

// MetricsRecorder receives engine measurements. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	RecordRun(op Operation, status RunStatus, duration time.Duration)
	RecordResourceOutcome(op Operation, outcome Outcome, duration time.Duration)
	RecordTransition(from, to ResourceStatus)
	RecordHealthSignal(source HealthSource, healthy bool, changed bool)
}
