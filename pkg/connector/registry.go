package connector

import (
	"sync"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Registry routes an intent to the adapter that claims it. Registration
// order within a family is preserved; the first adapter whose Supports
// returns true wins, so more specific adapters register first.
type Registry struct {
	mu       sync.RWMutex
	byFamily map[string][]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byFamily: make(map[string][]Connector)}
}

// Register adds a connector under its declared family.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFamily[c.Family()] = append(r.byFamily[c.Family()], c)
}

// Resolve returns the connector for an intent. No registered family yields
// UNSUPPORTED_OPERATION; a family with no adapter claiming the intent
// yields PROTOCOL_UNSUPPORTED so the caller can tell "we don't do this
// kind of thing" apart from "we do, but not on that protocol".
func (r *Registry) Resolve(intent contracts.Intent) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapters, ok := r.byFamily[intent.IntentFamily()]
	if !ok || len(adapters) == 0 {
		return nil, errcode.Newf(errcode.CodeUnsupportedOperation,
			"no connector registered for family %q", intent.IntentFamily())
	}
	for _, c := range adapters {
		if c.Supports(intent) {
			return c, nil
		}
	}
	return nil, errcode.Newf(errcode.CodeProtocolUnsupported,
		"no connector in family %q supports this intent", intent.IntentFamily()).
		WithDetail("family", intent.IntentFamily())
}

// Families lists registered families (diagnostics).
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byFamily))
	for f := range r.byFamily {
		out = append(out, f)
	}
	return out
}
