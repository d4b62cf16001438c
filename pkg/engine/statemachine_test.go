package engine

import "testing"

var allTriggers = []Trigger{
	TriggerDeploy, TriggerDeployFailed, TriggerVerifySucceeded, TriggerVerifyFailed,
	TriggerUse, TriggerAnomaly, TriggerRecover, TriggerUsageComplete,
	TriggerRevoke, TriggerPreDelete, TriggerDelete,
}

func TestNextStatus_Table(t *testing.T) {
	tests := []struct {
		from    ResourceStatus
		trigger Trigger
		to      ResourceStatus
	}{
		{StatusCreated, TriggerDeploy, StatusDeployed},
		{StatusCreated, TriggerDeployFailed, StatusException},
		{StatusDeployed, TriggerVerifySucceeded, StatusPrepared},
		{StatusDeployed, TriggerVerifyFailed, StatusException},
		{StatusPrepared, TriggerUse, StatusUsing},
		{StatusUsing, TriggerAnomaly, StatusException},
		{StatusException, TriggerRecover, StatusUsing},
		{StatusUsing, TriggerUsageComplete, StatusRevoking},
		{StatusPrepared, TriggerRevoke, StatusRevoking},
		{StatusUsing, TriggerRevoke, StatusRevoking},
		{StatusException, TriggerRevoke, StatusRevoking},
		{StatusRevoking, TriggerPreDelete, StatusUnavailable},
		{StatusUnavailable, TriggerDelete, StatusDeleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			to, changed, err := NextStatus(tt.from, tt.trigger)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !changed {
				t.Error("expected a transition")
			}
			if to != tt.to {
				t.Errorf("expected %s, got %s", tt.to, to)
			}
		})
	}

	if len(Transitions()) != len(tests) {
		t.Errorf("table has %d rows, expected %d", len(Transitions()), len(tests))
	}
}

func TestNextStatus_OnlyListedTransitionsSucceed(t *testing.T) {
	allowed := make(map[transitionKey]bool)
	for _, tr := range Transitions() {
		allowed[transitionKey{tr.From, tr.Trigger}] = true
	}

	for _, from := range AllStatuses {
		for _, trigger := range allTriggers {
			to, changed, err := NextStatus(from, trigger)
			key := transitionKey{from, trigger}

			switch {
			case allowed[key]:
				if err != nil || !changed {
					t.Errorf("%s on %s: expected transition, got changed=%v err=%v", from, trigger, changed, err)
				}
			case idempotentTriggers[trigger] == from:
				if err != nil || changed || to != from {
					t.Errorf("%s on %s: expected no-op, got to=%s changed=%v err=%v", from, trigger, to, changed, err)
				}
			default:
				if !HasCode(err, ErrCodeInvalidTransition) {
					t.Errorf("%s on %s: expected INVALID_TRANSITION, got %v", from, trigger, err)
				}
				if to != from {
					t.Errorf("%s on %s: status must not change on error, got %s", from, trigger, to)
				}
			}
		}
	}
}

func TestNextStatus_DeletedIsTerminal(t *testing.T) {
	for _, trigger := range allTriggers {
		if _, _, err := NextStatus(StatusDeleted, trigger); !HasCode(err, ErrCodeInvalidTransition) {
			t.Errorf("DELETED accepted %s: %v", trigger, err)
		}
	}
	if !StatusDeleted.IsTerminal() {
		t.Error("DELETED should be terminal")
	}
}

func TestNextStatus_NothingReentersCreated(t *testing.T) {
	for _, tr := range Transitions() {
		if tr.To == StatusCreated {
			t.Errorf("transition %s --%s--> CREATED must not exist", tr.From, tr.Trigger)
		}
	}
}

func TestNextStatus_RepeatedHealthSignalIsNoop(t *testing.T) {
	status := StatusUsing
	to, changed, err := NextStatus(status, TriggerAnomaly)
	if err != nil || !changed || to != StatusException {
		t.Fatalf("first anomaly: to=%s changed=%v err=%v", to, changed, err)
	}

	to, changed, err = NextStatus(to, TriggerAnomaly)
	if err != nil {
		t.Fatalf("second anomaly returned error: %v", err)
	}
	if changed || to != StatusException {
		t.Errorf("second anomaly should be a no-op, got to=%s changed=%v", to, changed)
	}

	to, changed, err = NextStatus(StatusUsing, TriggerRecover)
	if err != nil || changed || to != StatusUsing {
		t.Errorf("recover in USING should be a no-op, got to=%s changed=%v err=%v", to, changed, err)
	}
}

func TestResourceStatus_JSON(t *testing.T) {
	var s ResourceStatus
	if err := s.UnmarshalJSON([]byte(`"USING"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StatusUsing {
		t.Errorf("expected USING, got %s", s)
	}
	if err := s.UnmarshalJSON([]byte(`"BROKEN"`)); err == nil {
		t.Error("expected error for unknown status")
	}
}
