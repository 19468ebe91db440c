package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/freeflowlabs/flowapi/pkg/engine/expr"
)

// Transformer evaluates the node's embedded script against (data, state,
// config). Scripts are lists of "target = expression" assignments where
// targets live under data.* or state.*; the interpreter has no access outside
// those maps. Compiled scripts are cached per source so repeated executions
// of the same node skip parsing.
type Transformer struct {
	Logger *slog.Logger

	eval  *expr.Evaluator
	once  sync.Once
	cache sync.Map // script source -> *expr.Script
}

// Execute runs the script from config["expr"] and returns the mutated maps.
func (t *Transformer) Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error) {
	t.once.Do(func() {
		t.eval = expr.NewEvaluator(expr.Options{})
	})

	lines, err := scriptLines(config["expr"])
	if err != nil {
		return nil, nil, err
	}

	source := strings.Join(lines, "\n")
	var script *expr.Script
	if cached, ok := t.cache.Load(source); ok {
		script = cached.(*expr.Script)
	} else {
		script, err = t.eval.CompileScript(lines)
		if err != nil {
			return nil, nil, fmt.Errorf("transformer: %w", err)
		}
		t.cache.Store(source, script)
	}

	scope := &contextScope{data: data, state: state, config: config}
	if err := script.Run(ctx, scope); err != nil {
		return nil, nil, fmt.Errorf("transformer: %w", err)
	}

	if t.Logger != nil {
		t.Logger.Debug("transformer script applied", "statements", len(lines))
	}
	return data, state, nil
}

// scriptLines accepts either a single string (newline or ';' separated) or a
// YAML list of statement strings.
func scriptLines(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		split := strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ';' })
		lines := make([]string, 0, len(split))
		for _, line := range split {
			if s := strings.TrimSpace(line); s != "" {
				lines = append(lines, s)
			}
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("transformer: expr script is empty")
		}
		return lines, nil
	case []string:
		return v, nil
	case []any:
		lines := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("transformer: expr[%d] is %T, want string", i, item)
			}
			lines = append(lines, s)
		}
		return lines, nil
	case nil:
		return nil, fmt.Errorf("transformer: missing expr script in node config")
	default:
		return nil, fmt.Errorf("transformer: expr must be a string or list of strings, got %T", raw)
	}
}

// contextScope exposes the execution context to scripts under the data.,
// state. and config. roots. Assignments may only target data or state;
// intermediate maps are created on demand.
type contextScope struct {
	data   map[string]any
	state  map[string]any
	config map[string]any
}

func (s *contextScope) root(name string) (map[string]any, bool) {
	switch name {
	case "data":
		return s.data, true
	case "state":
		return s.state, true
	case "config":
		return s.config, true
	}
	return nil, false
}

// Lookup resolves a dotted path. The bare roots "data" and "state" are not
// addressable as values; scripts move individual fields.
func (s *contextScope) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	current, ok := s.root(parts[0])
	if !ok {
		return nil, false
	}

	for i, part := range parts[1:] {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-2 {
			return value, true
		}
		next, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// Assign writes a value at a dotted path under data or state.
func (s *contextScope) Assign(path string, value any) error {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return fmt.Errorf("assignment target %q must start with data. or state.", path)
	}
	if parts[0] != "data" && parts[0] != "state" {
		return fmt.Errorf("assignment target %q must start with data. or state.", path)
	}

	current, _ := s.root(parts[0])
	for _, part := range parts[1 : len(parts)-1] {
		next, ok := current[part]
		if !ok {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		childMap, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("assignment target %q traverses non-map field %q", path, part)
		}
		current = childMap
	}

	current[parts[len(parts)-1]] = value
	return nil
}
