// Package policy guards reconciliation plans with OPA/Rego policies. A set
// of built-in policies always runs; operators can layer additional .rego
// files from a policy directory. Policies see the full planned outcome list
// and the run context and emit findings from a "deny" rule set.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/strata-deploy/strata/pkg/engine"
)

// compiledPolicy is one policy with its prepared query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Guard evaluates policies against reconciliation plans.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// NewGuard creates a guard with the built-in policies compiled.
func NewGuard(logger zerolog.Logger) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := g.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// LoadDir compiles every .rego file under dir as an additional policy. The
// file name (without extension) becomes the policy name; user policies
// cannot replace builtins.
func (g *Guard) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return engine.NewPermanentError("policy directory not readable: "+dir, err).
			WithCode(engine.ErrCodeNotFound)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		source, err := os.ReadFile(path)
		if err != nil {
			return engine.NewPermanentError("failed to read policy file: "+path, err).
				WithCode(engine.ErrCodeInternal)
		}
		name := strings.TrimSuffix(entry.Name(), ".rego")

		g.mu.RLock()
		existing, exists := g.policies[name]
		g.mu.RUnlock()
		if exists && existing.policy.Builtin {
			return engine.NewPermanentError(
				fmt.Sprintf("policy %q shadows a built-in policy", name), nil).
				WithCode(engine.ErrCodeValidation)
		}

		p := Policy{
			Name:     name,
			Rego:     string(source),
			Severity: SeverityError,
			Enabled:  true,
		}
		if err := g.compile(ctx, p); err != nil {
			return engine.NewPermanentError("failed to compile policy "+path, err).
				WithCode(engine.ErrCodeValidation)
		}
		count++
	}

	g.logger.Info().Int("count", count).Str("dir", dir).Msg("user policies loaded")
	return nil
}

// compile parses the policy and prepares its deny query for reuse.
func (g *Guard) compile(ctx context.Context, p Policy) error {
	pkg := extractPackage(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	g.mu.Unlock()
	return nil
}

// EvaluatePlan runs every enabled policy against the planned outcomes.
// Error and critical findings block; warnings and info findings are
// reported but do not.
func (g *Guard) EvaluatePlan(ctx context.Context, outcomes []engine.DiffOutcome, planCtx PlanContext) (*Result, error) {
	input := planInput{Context: planCtx, Outcomes: make([]outcomeInput, 0, len(outcomes))}
	for _, o := range outcomes {
		input.Outcomes = append(input.Outcomes, outcomeInput{
			Action:     string(o.Action),
			Kind:       string(o.Ref.Kind),
			Identifier: o.Ref.Identifier,
		})
	}

	g.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	g.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: time.Now()}
	for _, cp := range compiled {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		findings, err := g.evaluate(ctx, cp, input)
		if err != nil {
			return nil, engine.NewPermanentError("policy evaluation failed: "+cp.policy.Name, err).
				WithCode(engine.ErrCodePolicyDenied)
		}
		for _, f := range findings {
			switch f.Severity {
			case SeverityError, SeverityCritical:
				result.Allowed = false
				result.Violations = append(result.Violations, f)
			default:
				result.Warnings = append(result.Warnings, f)
			}
		}
	}

	if !result.Allowed {
		g.logger.Warn().Int("violations", len(result.Violations)).Msg("plan denied by policy")
	}
	return result, nil
}

// evaluate runs one prepared query and converts its deny set to findings.
func (g *Guard) evaluate(ctx context.Context, cp *compiledPolicy, input planInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var findings []Violation
	for _, r := range results {
		for _, expr := range r.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				findings = append(findings, g.toViolation(cp.policy, d))
			}
		}
	}
	return findings, nil
}

// toViolation converts one deny entry into a typed finding, falling back to
// the policy's default severity.
func (g *Guard) toViolation(p Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch t := entry.(type) {
	case string:
		v.Message = t
	case map[string]interface{}:
		if msg, ok := t["message"].(string); ok {
			v.Message = msg
		}
		if res, ok := t["resource"].(string); ok {
			v.Resource = res
		}
		if sev, ok := t["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// extractPackage returns the package path declared in the Rego source.
func extractPackage(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return ""
}
