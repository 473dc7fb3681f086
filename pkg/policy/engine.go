package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Engine evaluates Rego policies against resources before they are
// reconciled. It implements engine.Guard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
	loader   *Loader
	now      func() time.Time
}

var _ engine.Guard = (*Engine)(nil)

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine, loading the built-in policies when
// builtins is set.
func NewEngine(logger *telemetry.Logger, builtins bool) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("policy")
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger,
		loader:   NewLoader(logger),
		now:      time.Now,
	}

	if builtins {
		ctx := context.Background()
		for _, p := range BuiltinPolicies() {
			p := p
			if err := e.compile(ctx, &p); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
		}
		e.logger.Debugf("loaded %d built-in policies", len(e.policies))
	}
	return e, nil
}

// Check implements engine.Guard.
func (e *Engine) Check(ctx context.Context, req engine.GuardRequest) (*engine.GuardDecision, error) {
	result, err := e.Evaluate(ctx, Input{
		Resource: ResourceInput{
			Kind:  string(req.Kind),
			Path:  req.Path,
			Mode:  req.Mode,
			Owner: req.Owner,
			Group: req.Group,
		},
		Operation: req.Operation,
		DryRun:    req.DryRun,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.WithFields(map[string]interface{}{
			"policy": w.Policy,
			"path":   req.Path,
		}).Warn(w.Message)
	}

	decision := &engine.GuardDecision{Allowed: result.Allowed}
	for _, v := range result.Violations {
		decision.Violations = append(decision.Violations, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return decision, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is an error: a guard that cannot decide must not allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()
	if input.Timestamp.IsZero() {
		input.Timestamp = e.now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.WithFields(map[string]interface{}{
		"path":       input.Resource.Path,
		"violations": len(result.Violations),
		"duration":   result.Duration.String(),
	}).Trace("policy evaluation completed")
	return result, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
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
			violations = append(violations, newViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// newViolation accepts either a plain message or an object with message and
// severity fields.
func newViolation(policy *Policy, entry interface{}, input Input) Violation {
	v := Violation{
		Policy:   policy.Name,
		Path:     input.Resource.Path,
		Severity: policy.Severity,
	}
	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// compile prepares the deny query of a policy and stores it.
func (e *Engine) compile(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	policy.LoadedAt = e.now()
	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	return nil
}

// LoadPolicies compiles every .rego or .json policy found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceLoaded(ctx, policies)
}

// replaceLoaded swaps the file-backed policies for policies, keeping the
// built-ins. Nothing changes if any policy fails to compile.
func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), now: e.now}
	for i := range policies {
		p := policies[i]
		if err := staged.compile(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range staged.policies {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

// Watch reloads the file-backed policies whenever a file under paths changes,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	e.logger.WithField("policy", name).Info("policy " + state)
	return nil
}
