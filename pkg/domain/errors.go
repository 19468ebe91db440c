package domain

import "errors"

// Compile-time errors. All of these are fatal at startup: a configuration
// that trips any of them aborts process launch instead of silently skipping
// the malformed endpoint.
var (
	ErrDuplicateNodeName = errors.New("duplicate node name")
	ErrDanglingEdge      = errors.New("edge references undeclared node")
	ErrCyclicPipeline    = errors.New("pipeline graph contains a cycle")
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrDuplicateRoute    = errors.New("duplicate route binding")
	ErrEmptyPipeline     = errors.New("pipeline declares no nodes")
)

// Request-time admission errors. Recoverable per request; the pipeline is
// never invoked when one of these fires.
var (
	ErrNoSuchEndpoint       = errors.New("no such endpoint")
	ErrMethodNotAllowed     = errors.New("method not allowed")
	ErrPayloadSizeViolation = errors.New("payload size out of bounds")
)

// Registry lifecycle errors.
var (
	ErrRegistryFrozen    = errors.New("node type registry is frozen")
	ErrDuplicateNodeType = errors.New("node type already registered")
	ErrUnknownExtension  = errors.New("unknown extension")
)

// OperatorError wraps a failure raised by a node capability during a pipeline
// walk. The caller sees only an opaque identifier; the wrapped detail is for
// logs.
type OperatorError struct {
	Pipeline string
	Node     string
	NodeType string
	Err      error
}

func (e *OperatorError) Error() string {
	return "node " + e.Node + " (" + e.NodeType + ") in pipeline " + e.Pipeline + ": " + e.Err.Error()
}

func (e *OperatorError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the JSON error model returned to callers. It exposes a
// stable machine-readable code and an opaque failure identifier without
// leaking operator internals. TraceID carries the current OpenTelemetry trace
// identifier when one is recording.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	FailureID string `json:"failure_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}
