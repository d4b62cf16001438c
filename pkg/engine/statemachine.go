package engine

import (
	"fmt"
	"sort"
)

// Trigger is an event that drives a lifecycle transition.
type Trigger string

const (
	TriggerDeploy          Trigger = "deploy"
	TriggerDeployFailed    Trigger = "deploy_failed"
	TriggerVerifySucceeded Trigger = "verify_succeeded"
	TriggerVerifyFailed    Trigger = "verify_failed"
	TriggerUse             Trigger = "use"
	TriggerAnomaly         Trigger = "anomaly"
	TriggerRecover         Trigger = "recover"
	TriggerUsageComplete   Trigger = "usage_complete"
	TriggerRevoke          Trigger = "revoke"
	TriggerPreDelete       Trigger = "pre_delete"
	TriggerDelete          Trigger = "delete"
)

// Validate checks if the trigger is known.
func (t Trigger) Validate() error {
	switch t {
	case TriggerDeploy, TriggerDeployFailed, TriggerVerifySucceeded, TriggerVerifyFailed,
		TriggerUse, TriggerAnomaly, TriggerRecover, TriggerUsageComplete,
		TriggerRevoke, TriggerPreDelete, TriggerDelete:
		return nil
	default:
		return fmt.Errorf("invalid trigger: %s", t)
	}
}

// Transition is one row of the lifecycle table.
type Transition struct {
	From    ResourceStatus `json:"from"`
	Trigger Trigger        `json:"trigger"`
	To      ResourceStatus `json:"to"`
}

type transitionKey struct {
	from    ResourceStatus
	trigger Trigger
}

var transitionTable = map[transitionKey]ResourceStatus{
	{StatusCreated, TriggerDeploy}:            StatusDeployed,
	{StatusCreated, TriggerDeployFailed}:      StatusException,
	{StatusDeployed, TriggerVerifySucceeded}:  StatusPrepared,
	{StatusDeployed, TriggerVerifyFailed}:     StatusException,
	{StatusPrepared, TriggerUse}:              StatusUsing,
	{StatusUsing, TriggerAnomaly}:             StatusException,
	{StatusException, TriggerRecover}:         StatusUsing,
	{StatusUsing, TriggerUsageComplete}:       StatusRevoking,
	{StatusPrepared, TriggerRevoke}:           StatusRevoking,
	{StatusUsing, TriggerRevoke}:              StatusRevoking,
	{StatusException, TriggerRevoke}:          StatusRevoking,
	{StatusRevoking, TriggerPreDelete}:        StatusUnavailable,
	{StatusUnavailable, TriggerDelete}:        StatusDeleted,
}

// Health triggers are absorbed by their own target status.
var idempotentTriggers = map[Trigger]ResourceStatus{
	TriggerAnomaly: StatusException,
	TriggerRecover: StatusUsing,
}

// NextStatus resolves a trigger fired in the given status. It returns the
// resulting status and whether a transition actually happens. A repeated
// health signal in its own target status is a no-op, not an error.
func NextStatus(from ResourceStatus, trigger Trigger) (ResourceStatus, bool, error) {
	if to, ok := transitionTable[transitionKey{from, trigger}]; ok {
		return to, true, nil
	}
	if target, ok := idempotentTriggers[trigger]; ok && target == from {
		return from, false, nil
	}
	return from, false, NewPermanentError(
		fmt.Sprintf("no transition from %s on %s", from, trigger), nil).
		WithCode(ErrCodeInvalidTransition).
		WithDetail("from", string(from)).
		WithDetail("trigger", string(trigger))
}

// Transitions returns the lifecycle table sorted by source status order then trigger.
func Transitions() []Transition {
	order := make(map[ResourceStatus]int, len(AllStatuses))
	for i, s := range AllStatuses {
		order[s] = i
	}
	out := make([]Transition, 0, len(transitionTable))
	for k, to := range transitionTable {
		out = append(out, Transition{From: k.from, Trigger: k.trigger, To: to})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return order[out[i].From] < order[out[j].From]
		}
		return out[i].Trigger < out[j].Trigger
	})
	return out
}
