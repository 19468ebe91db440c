package domain

// ExecutionContext carries the mutable per-request payload through a pipeline
// walk. Data is the evolving request/response payload; State is the auxiliary
// accumulator nodes use to communicate with each other. A context is created
// fresh for every request and is never shared between concurrent executions,
// so capabilities may mutate both maps without coordination.
type ExecutionContext struct {
	Data  map[string]any
	State map[string]any
}

// NewExecutionContext builds a context seeded with the given data and an
// empty state.
func NewExecutionContext(data map[string]any) *ExecutionContext {
	if data == nil {
		data = make(map[string]any)
	}
	return &ExecutionContext{
		Data:  data,
		State: make(map[string]any),
	}
}
