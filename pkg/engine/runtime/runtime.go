// Package runtime defines the contract between the pipeline engine and node
// capabilities, keeping transformation logic decoupled from execution
// mechanics.
package runtime

import "context"

// Capability is the single polymorphic operation a node type provides. It
// receives the request's evolving data and state maps plus the node's declared
// config, and returns the replacement maps. Implementations may mutate the
// inputs in place and return them: each execution context is owned by exactly
// one request, so no synchronization is required. Blocking capabilities must
// honor ctx cancellation.
type Capability interface {
	Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error)

// Execute implements Capability.
func (f CapabilityFunc) Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error) {
	return f(ctx, data, state, config)
}
