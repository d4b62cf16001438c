package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceStatus is the lifecycle status of a resource.
type ResourceStatus string

const (
	// StatusCreated is the initial status assigned by the registry.
	StatusCreated ResourceStatus = "CREATED"

	// StatusDeployed indicates the deployer accepted the resource.
	StatusDeployed ResourceStatus = "DEPLOYED"

	// StatusPrepared indicates verification succeeded and the resource is ready for use.
	StatusPrepared ResourceStatus = "PREPARED"

	// StatusUsing indicates the resource is in use by the range.
	StatusUsing ResourceStatus = "USING"

	// StatusException indicates deployment, verification or health checking failed.
	StatusException ResourceStatus = "EXCEPTION"

	// StatusRevoking indicates teardown has been requested.
	StatusRevoking ResourceStatus = "REVOKING"

	// StatusUnavailable indicates teardown completed and the resource awaits deletion.
	StatusUnavailable ResourceStatus = "UNAVAILABLE"

	// StatusDeleted is terminal. The resource is soft-deleted.
	StatusDeleted ResourceStatus = "DELETED"
)

// AllStatuses lists every lifecycle status in declaration order.
var AllStatuses = []ResourceStatus{
	StatusCreated, StatusDeployed, StatusPrepared, StatusUsing,
	StatusException, StatusRevoking, StatusUnavailable, StatusDeleted,
}

// IsTerminal returns true if no transition leaves the status.
func (s ResourceStatus) IsTerminal() bool {
	return s == StatusDeleted
}

// IsDeployed returns true once the resource has been verified and not yet revoked.
func (s ResourceStatus) IsDeployed() bool {
	return s == StatusPrepared || s == StatusUsing
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusCreated, StatusDeployed, StatusPrepared, StatusUsing,
		StatusException, StatusRevoking, StatusUnavailable, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceStatus(str)
	return s.Validate()
}

// RunStatus represents the overall status of a deploy or revoke run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource succeeded or was unchanged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no resource succeeded and at least one failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was aborted by the caller.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates the run partially succeeded.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Outcome is the per-resource result of a run.
type Outcome string

const (
	// OutcomeSucceeded indicates the resource reached the run's target status.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeUnchanged indicates the resource was already at (or past) the target status.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeFailed indicates the resource failed and was left in EXCEPTION or REVOKING.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates a dependency failed so the resource was not touched.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeCancelled indicates the run was aborted before the resource started.
	OutcomeCancelled Outcome = "cancelled"
)

// IsSuccess returns true for outcomes that let dependents proceed.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSucceeded || o == OutcomeUnchanged
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomeUnchanged, OutcomeFailed, OutcomeSkipped, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Operation is the kind of run the orchestrator performs.
type Operation string

const (
	// OperationDeploy drives resources from CREATED to PREPARED.
	OperationDeploy Operation = "deploy"

	// OperationRevoke drives resources to UNAVAILABLE.
	OperationRevoke Operation = "revoke"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationDeploy, OperationRevoke:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run completed with every resource succeeding.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run finished with failures or was cancelled.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeResourceTransition indicates a resource changed lifecycle status.
	EventTypeResourceTransition EventType = "resource_transition"

	// EventTypeResourceFailed indicates a resource failed within a run.
	EventTypeResourceFailed EventType = "resource_failed"

	// EventTypeResourceSkipped indicates a resource was skipped within a run.
	EventTypeResourceSkipped EventType = "resource_skipped"

	// EventTypeHealthSignal indicates a health signal was applied.
	EventTypeHealthSignal EventType = "health_signal"

	// EventTypeHealthEscalated indicates recovery attempts were exhausted.
	EventTypeHealthEscalated EventType = "health_escalated"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeResourceFailed, EventTypeHealthEscalated:
		return "error"
	case EventTypeWarning, EventTypeResourceSkipped:
		return "warning"
	default:
		return "info"
	}
}
