// Package policy defines the allow/deny gate consulted before any
// reservation is finalized. The gateway only consumes the binary decision
// plus its structured reason; what the rules say is the operator's
// business. Two gates ship here: a static one for tests and minimal
// deployments, and a CEL-backed one for rule files.
package policy

import (
	"context"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Decision is the gate's verdict. Version identifies the ruleset that
// produced it and participates in idempotency key derivation, so a rule
// change never replays a decision made under older rules.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Version string `json:"version"`
	Rule    string `json:"rule,omitempty"`   // denying rule name
	Reason  string `json:"reason,omitempty"` // operator-facing denial reason
}

// Gate evaluates an operation against the active ruleset.
type Gate interface {
	Version() string
	Evaluate(ctx context.Context, env *contracts.ExecutionEnvelope, intent contracts.Intent) (*Decision, error)
}

// Denied converts a deny decision into the typed error surfaced to the
// caller.
func Denied(d *Decision) error {
	return errcode.New(errcode.CodePolicyDenied, "operation denied by policy").
		WithDetail("rule", d.Rule).
		WithDetail("reason", d.Reason).
		WithDetail("policyVersion", d.Version)
}

// AllowAll is the permissive gate for tests and development.
type AllowAll struct{}

func (AllowAll) Version() string { return "allow-all" }

func (AllowAll) Evaluate(context.Context, *contracts.ExecutionEnvelope, contracts.Intent) (*Decision, error) {
	return &Decision{Allowed: true, Version: "allow-all"}, nil
}

// StaticGate denies listed operations and allows the rest. Useful for
// emergency kill switches without a rule engine.
type StaticGate struct {
	version string
	denied  map[string]string // operation -> reason
}

// NewStaticGate builds a gate from an operation -> denial-reason map.
func NewStaticGate(version string, denied map[string]string) *StaticGate {
	d := make(map[string]string, len(denied))
	for op, reason := range denied {
		d[op] = reason
	}
	return &StaticGate{version: version, denied: d}
}

func (g *StaticGate) Version() string { return g.version }

func (g *StaticGate) Evaluate(_ context.Context, env *contracts.ExecutionEnvelope, _ contracts.Intent) (*Decision, error) {
	if reason, ok := g.denied[env.Operation]; ok {
		return &Decision{
			Allowed: false,
			Version: g.version,
			Rule:    "static-denylist",
			Reason:  reason,
		}, nil
	}
	return &Decision{Allowed: true, Version: g.version}, nil
}
