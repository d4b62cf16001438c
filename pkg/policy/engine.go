package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// Engine evaluates Rego policies against deploy and revoke plans. It is the
// orchestrator's plan admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	logger      zerolog.Logger
	environment string
	now         func() time.Time

	loader *Loader
}

var _ engine.PlanAdmitter = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets input.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new policy engine with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate counts as a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	policies := e.sortedLocked()
	e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, cp := range policies {
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			found = []Violation{{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}

		for _, v := range found {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(start)
	e.logger.Debug().
		Str("operation", string(input.Operation)).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Int("warnings", len(decision.Warnings)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// AdmitPlan implements engine.PlanAdmitter.
func (e *Engine) AdmitPlan(ctx context.Context, op engine.Operation, plan *engine.Plan, forest *engine.Forest) error {
	input := &Input{
		Operation:   op,
		Plan:        plan,
		Resources:   forest.Resources(),
		Environment: e.environment,
		Timestamp:   e.now(),
	}

	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewTransientError("policy evaluation interrupted", err).
			WithCode(engine.ErrCodeCancelled).
			WithOperation(string(op))
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Int64("resource_id", int64(w.Resource)).
			Str("plan_id", plan.ID).
			Msg(w.Message)
	}

	if decision.Allowed {
		return nil
	}

	first := decision.Violations[0]
	msg := fmt.Sprintf("plan denied by policy %s: %s", first.Policy, first.Message)
	if n := len(decision.Violations) - 1; n > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n)
	}

	denied := engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation(string(op)).
		WithDetail("violations", decision.Violations).
		WithDetail("plan_id", plan.ID)
	if first.Resource != 0 {
		denied = denied.WithResource(first.Resource)
	}
	return denied
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		violation.Resource = resourceID(v["resource"])
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func resourceID(v interface{}) engine.ResourceID {
	switch id := v.(type) {
	case json.Number:
		n, err := id.Int64()
		if err == nil {
			return engine.ResourceID(n)
		}
	case float64:
		return engine.ResourceID(id)
	case int64:
		return engine.ResourceID(id)
	case int:
		return engine.ResourceID(id)
	}
	return 0
}

// LoadPolicies loads policy files and directories, replacing any policies
// loaded before. Built-in policies are kept.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies replaces the loaded policies. Nothing changes when any policy
// fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.builtin {
			e.logger.Warn().Str("policy", name).Msg("Loaded policy overrides a built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// Watch reloads the policies under paths whenever a file changes, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sorted := e.sortedLocked()
	policies := make([]Policy, len(sorted))
	for i, cp := range sorted {
		policies[i] = cp.policy
	}
	return policies
}

func (e *Engine) sortedLocked() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
