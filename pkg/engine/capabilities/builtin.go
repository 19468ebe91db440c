// Package capabilities provides the built-in node type implementations plus
// the extension capabilities (OPA policy gate, outbound HTTP) that can be
// registered before compilation.
package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Passthrough logs the node execution and leaves data and state untouched.
type Passthrough struct {
	Logger *slog.Logger
}

// Execute returns the context unchanged.
func (p *Passthrough) Execute(_ context.Context, data, state map[string]any, _ map[string]any) (map[string]any, map[string]any, error) {
	if p.Logger != nil {
		p.Logger.Debug("passthrough node executed")
	}
	return data, state, nil
}

// Delay suspends its own request for config["duration_ms"] milliseconds. The
// sleep honors ctx cancellation and never blocks other concurrent requests,
// only this request's walk is parked.
type Delay struct {
	Logger *slog.Logger
}

// Execute sleeps for the configured duration.
func (d *Delay) Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error) {
	ms, ok := toInt(config["duration_ms"])
	if !ok || ms < 0 {
		return nil, nil, fmt.Errorf("delay: duration_ms must be a non-negative integer, got %v", config["duration_ms"])
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}

	return data, state, nil
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
