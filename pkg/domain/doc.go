// Package domain holds the core data model shared across the engine: endpoint
// declarations, pipeline definitions, the per-request execution context, and
// the error taxonomy. Types here carry no behaviour beyond validation helpers;
// compilation and execution live in pkg/engine.
package domain
