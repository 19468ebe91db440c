package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/engine/runtime"
)

// TypeRegistry maps (type name, version) to a node capability. It is mutated
// only during startup (built-ins first, then declared extensions) and must
// be frozen before the first pipeline is compiled. Post-freeze the registry is
// effectively immutable, which is what lets compiled pipelines be shared
// lock-free across concurrent requests.
type TypeRegistry struct {
	mu      sync.Mutex
	entries map[string]runtime.Capability
	frozen  bool
}

// NewTypeRegistry returns an empty, unfrozen registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{entries: make(map[string]runtime.Capability)}
}

// Register adds a resolver entry for (kind, version). It fails if the registry
// is frozen or the pair is already registered.
func (r *TypeRegistry) Register(kind, version string, capability runtime.Capability) error {
	if capability == nil {
		return fmt.Errorf("register %s: capability is nil", canonicalKey(kind, version))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: %w", canonicalKey(kind, version), domain.ErrRegistryFrozen)
	}

	key := canonicalKey(kind, version)
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateNodeType, key)
	}

	r.entries[key] = capability
	return nil
}

// Resolve returns the capability registered for (kind, version).
func (r *TypeRegistry) Resolve(kind, version string) (runtime.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := canonicalKey(kind, version)
	capability, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownNodeType, key)
	}
	return capability, nil
}

// Freeze forbids further registration. Idempotent.
func (r *TypeRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *TypeRegistry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Types returns the canonical keys currently registered, for diagnostics.
func (r *TypeRegistry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// canonicalKey joins a node kind and version into the registry key form
// "kind@version". A missing version resolves to the bare kind.
func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}
