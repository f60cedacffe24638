package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Rule is one deny rule: the operation is denied when Expr evaluates true.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Reason string `yaml:"reason" json:"reason"`
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// CELGate evaluates deny rules over the operation, its family, the dry-run
// flag, and the canonical intent. Evaluation errors deny; a rule that
// cannot be evaluated must never let an operation through.
type CELGate struct {
	version string
	rules   []compiledRule
}

// NewCELGate compiles the ruleset. Compilation errors surface at startup,
// not per request.
func NewCELGate(version string, rules []Rule) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("family", cel.StringType),
		cel.Variable("dryRun", cel.BoolType),
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy gate: build cel environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("policy gate: compile rule %q: %w", r.Name, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy gate: rule %q does not yield bool", r.Name)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy gate: program rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, prg: prg})
	}
	return &CELGate{version: version, rules: compiled}, nil
}

func (g *CELGate) Version() string { return g.version }

func (g *CELGate) Evaluate(_ context.Context, env *contracts.ExecutionEnvelope, intent contracts.Intent) (*Decision, error) {
	input := map[string]any{
		"operation": env.Operation,
		"family":    intent.IntentFamily(),
		"dryRun":    env.DryRun,
		"intent":    intent.Canonical(),
	}
	for _, cr := range g.rules {
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			return nil, errcode.Wrap(errcode.CodePolicyDenied, err,
				"policy rule evaluation failed").WithDetail("rule", cr.rule.Name)
		}
		if out == types.True {
			return &Decision{
				Allowed: false,
				Version: g.version,
				Rule:    cr.rule.Name,
				Reason:  cr.rule.Reason,
			}, nil
		}
	}
	return &Decision{Allowed: true, Version: g.version}, nil
}
