package engine

import (
	"fmt"
	"log/slog"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/engine/capabilities"
)

// Extension registers additional node types into a registry. Extensions form
// a closed, named set resolved from configuration; there is no dynamic code
// loading.
type Extension func(registry *TypeRegistry, logger *slog.Logger) error

var extensions = map[string]Extension{
	"policy": func(r *TypeRegistry, logger *slog.Logger) error {
		return r.Register("policy.rego", "v1", &capabilities.Policy{Logger: logger})
	},
	"http": func(r *TypeRegistry, logger *slog.Logger) error {
		return r.Register("http.request", "v1", &capabilities.HTTPRequest{Logger: logger})
	},
}

// RegisterBuiltins adds the node types every deployment gets: passthrough,
// transformer and delay.
func RegisterBuiltins(registry *TypeRegistry, logger *slog.Logger) error {
	if err := registry.Register("passthrough", "v1", &capabilities.Passthrough{Logger: logger}); err != nil {
		return err
	}
	if err := registry.Register("transformer", "v1", &capabilities.Transformer{Logger: logger}); err != nil {
		return err
	}
	return registry.Register("delay", "v1", &capabilities.Delay{Logger: logger})
}

// LoadExtension registers the node types contributed by a named extension.
func LoadExtension(registry *TypeRegistry, name string, logger *slog.Logger) error {
	ext, ok := extensions[name]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownExtension, name)
	}
	if err := ext(registry, logger); err != nil {
		return fmt.Errorf("extension %q: %w", name, err)
	}
	if logger != nil {
		logger.Info("extension loaded", "extension", name)
	}
	return nil
}

// BuildRegistry assembles and freezes a registry from built-ins plus the
// declared extensions. The frozen registry is what compilation consumes.
func BuildRegistry(extensionNames []string, logger *slog.Logger) (*TypeRegistry, error) {
	registry := NewTypeRegistry()
	if err := RegisterBuiltins(registry, logger); err != nil {
		return nil, err
	}
	for _, name := range extensionNames {
		if err := LoadExtension(registry, name, logger); err != nil {
			return nil, err
		}
	}
	registry.Freeze()
	return registry, nil
}
