package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	pe, err := NewEngine(zerolog.Nop(), WithEnvironment("test"))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return pe
}

// webRange returns a host with a database and a profiler inside it.
func webRange() []*engine.Resource {
	return []*engine.Resource{
		{
			ID: 1, Name: "ubuntu", Type: engine.ResourceTypeOS, Form: engine.FormComposite,
			Children:   []engine.ResourceID{2, 3},
			Attributes: map[string]string{"host": "10.0.0.5"},
			Status:     engine.StatusCreated,
		},
		{ID: 2, Name: "postgres", Type: engine.ResourceTypeDB, Form: engine.FormSingle, Level: 1, ParentID: 1, Status: engine.StatusCreated},
		{ID: 3, Name: "perf", Type: engine.ResourceTypeProfiler, Form: engine.FormSingle, Level: 1, ParentID: 1, Sequence: 1, Status: engine.StatusCreated},
	}
}

func planFor(t *testing.T, resources []*engine.Resource) (*engine.Plan, *engine.Forest) {
	t.Helper()
	forest, err := engine.BuildForest(resources)
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}
	plan, err := engine.NewPlanner().BuildPlan(forest)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan, forest
}

func TestNewEngine_LoadsBuiltins(t *testing.T) {
	pe := newTestEngine(t)

	policies := pe.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("expected %d built-in policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("policies not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
	if _, err := pe.GetPolicy("resource-naming"); err != nil {
		t.Errorf("expected resource-naming policy: %v", err)
	}
	if _, err := pe.GetPolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_AdmitPlanAllowsCleanRange(t *testing.T) {
	pe := newTestEngine(t)
	plan, forest := planFor(t, webRange())

	if err := pe.AdmitPlan(context.Background(), engine.OperationDeploy, plan, forest); err != nil {
		t.Fatalf("expected plan to be admitted, got %v", err)
	}
}

func TestEngine_Evaluate(t *testing.T) {
	tests := []struct {
		name         string
		op           engine.Operation
		mutate       func([]*engine.Resource) []*engine.Resource
		wantAllowed  bool
		wantPolicy   string
		wantResource engine.ResourceID
		wantWarnings int
	}{
		{
			name:        "clean deploy",
			op:          engine.OperationDeploy,
			mutate:      func(r []*engine.Resource) []*engine.Resource { return r },
			wantAllowed: true,
		},
		{
			name: "bad name",
			op:   engine.OperationDeploy,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				r[1].Name = "-postgres"
				return r
			},
			wantPolicy:   "resource-naming",
			wantResource: 2,
		},
		{
			name: "profiler at root",
			op:   engine.OperationDeploy,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				return []*engine.Resource{
					{ID: 7, Name: "perf", Type: engine.ResourceTypeProfiler, Form: engine.FormSingle, Status: engine.StatusCreated},
				}
			},
			wantPolicy:   "profiler-placement",
			wantResource: 7,
		},
		{
			name: "profiler at root on revoke",
			op:   engine.OperationRevoke,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				return []*engine.Resource{
					{ID: 7, Name: "perf", Type: engine.ResourceTypeProfiler, Form: engine.FormSingle, Status: engine.StatusPrepared},
				}
			},
			wantAllowed: true,
		},
		{
			name: "protected revoke",
			op:   engine.OperationRevoke,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				r[1].Labels = map[string]string{ProtectedLabel: "true"}
				return r
			},
			wantPolicy:   "protected-revoke",
			wantResource: 2,
		},
		{
			name: "protected deploy",
			op:   engine.OperationDeploy,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				r[1].Labels = map[string]string{ProtectedLabel: "true"}
				return r
			},
			wantAllowed: true,
		},
		{
			name: "os without host only warns",
			op:   engine.OperationDeploy,
			mutate: func(r []*engine.Resource) []*engine.Resource {
				r[0].Attributes = nil
				return r
			},
			wantAllowed:  true,
			wantWarnings: 1,
		},
	}

	pe := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, forest := planFor(t, tt.mutate(webRange()))
			decision, err := pe.Evaluate(context.Background(), &Input{
				Operation: tt.op,
				Plan:      plan,
				Resources: forest.Resources(),
			})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("expected allowed=%v, got %v (violations %+v)", tt.wantAllowed, decision.Allowed, decision.Violations)
			}
			if len(decision.Warnings) != tt.wantWarnings {
				t.Errorf("expected %d warnings, got %+v", tt.wantWarnings, decision.Warnings)
			}
			if len(decision.EvaluatedPolicies) != len(BuiltinPolicies()) {
				t.Errorf("expected every policy evaluated, got %v", decision.EvaluatedPolicies)
			}
			if tt.wantAllowed {
				return
			}
			if len(decision.Violations) != 1 {
				t.Fatalf("expected one violation, got %+v", decision.Violations)
			}
			v := decision.Violations[0]
			if v.Policy != tt.wantPolicy || v.Resource != tt.wantResource {
				t.Errorf("expected violation of %s on %d, got %+v", tt.wantPolicy, tt.wantResource, v)
			}
			if v.Message == "" {
				t.Error("expected violation message")
			}
		})
	}
}

func TestEngine_AdmitPlanDenied(t *testing.T) {
	pe := newTestEngine(t)
	resources := webRange()
	resources[2].Labels = map[string]string{ProtectedLabel: "true"}
	plan, forest := planFor(t, resources)

	err := pe.AdmitPlan(context.Background(), engine.OperationRevoke, plan.Reverse(), forest)
	if err == nil {
		t.Fatal("expected revoke to be denied")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("expected POLICY_DENIED, got %v", err)
	}
	if engine.IsRetryable(err) {
		t.Error("policy denial must not be retryable")
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if ee.Resource != 3 {
		t.Errorf("expected resource 3 on error, got %d", ee.Resource)
	}
	if ee.Operation != string(engine.OperationRevoke) {
		t.Errorf("expected revoke operation, got %s", ee.Operation)
	}
	if _, ok := ee.Details["violations"]; !ok {
		t.Error("expected violations detail")
	}
}

func TestEngine_DisableAndEnable(t *testing.T) {
	pe := newTestEngine(t)
	resources := webRange()
	resources[1].Name = "bad name"
	plan, forest := planFor(t, resources)
	ctx := context.Background()

	if err := pe.DisablePolicy("resource-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := pe.AdmitPlan(ctx, engine.OperationDeploy, plan, forest); err != nil {
		t.Errorf("expected disabled policy to be skipped, got %v", err)
	}

	if err := pe.EnablePolicy("resource-naming"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := pe.AdmitPlan(ctx, engine.OperationDeploy, plan, forest); err == nil {
		t.Error("expected enabled policy to deny")
	}

	if err := pe.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_SetPolicies(t *testing.T) {
	pe := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "db-backup",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package custom.backup

deny contains msg if {
	some res in input.resources
	res.type == "db"
	not res.attributes.backup
	msg := sprintf("database %s has no backup target", [res.name])
}
`,
	}
	if err := pe.SetPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	plan, forest := planFor(t, webRange())
	err := pe.AdmitPlan(ctx, engine.OperationDeploy, plan, forest)
	if err == nil || !strings.Contains(err.Error(), "database postgres has no backup target") {
		t.Fatalf("expected custom denial, got %v", err)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\ndeny contains"}
	if err := pe.SetPolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := pe.GetPolicy("db-backup"); err != nil {
		t.Error("failed SetPolicies must keep the previous set")
	}

	if err := pe.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if _, err := pe.GetPolicy("db-backup"); err == nil {
		t.Error("expected loaded policy to be removed")
	}
	if len(pe.ListPolicies()) != len(BuiltinPolicies()) {
		t.Error("built-in policies must survive a reload")
	}
}

func TestEngine_EvaluationErrorDenies(t *testing.T) {
	pe := newTestEngine(t)
	ctx := context.Background()

	// complete rules with conflicting values fail at evaluation time
	conflicting := Policy{
		Name:     "conflict",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package custom.conflict

verdict = "a" if input.operation == "deploy"
verdict = "b" if input.operation == "deploy"

deny contains verdict if true
`,
	}
	if err := pe.SetPolicies(ctx, []Policy{conflicting}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	plan, forest := planFor(t, webRange())
	decision, err := pe.Evaluate(ctx, &Input{Operation: engine.OperationDeploy, Plan: plan, Resources: forest.Resources()})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected evaluation error to deny")
	}
	if decision.Violations[0].Policy != "conflict" {
		t.Errorf("expected violation from conflict policy, got %+v", decision.Violations)
	}
}

func TestEngine_EvaluateCancelled(t *testing.T) {
	pe := newTestEngine(t)
	plan, forest := planFor(t, webRange())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pe.AdmitPlan(ctx, engine.OperationDeploy, plan, forest)
	if !engine.HasCode(err, engine.ErrCodeCancelled) {
		t.Errorf("expected CANCELLED, got %v", err)
	}
}

func TestCreateViolation(t *testing.T) {
	p := Policy{Name: "p", Severity: SeverityError}

	v := createViolation(p, "plain message")
	if v.Message != "plain message" || v.Severity != SeverityError {
		t.Errorf("unexpected violation: %+v", v)
	}

	v = createViolation(p, map[string]interface{}{
		"message":  "with resource",
		"resource": float64(9),
		"severity": "warning",
	})
	if v.Resource != 9 || v.Severity != SeverityWarning || v.Message != "with resource" {
		t.Errorf("unexpected violation: %+v", v)
	}
}
