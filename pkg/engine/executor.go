package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flowapi.pipeline"

// Executor walks compiled pipelines. It holds no per-request state and a
// single instance serves all concurrent dispatches.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor logging through the given logger.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Execute runs every node of the compiled pipeline strictly in topological
// order against the request's execution context. Each node's returned
// (data, state) replace the context's fields before the next node runs, so
// every node observes the cumulative effect of all its predecessors.
//
// A node failure aborts the walk; later nodes never run and nothing is undone
// (node effects live only in the context, which the caller discards). The
// walk is abandoned between node boundaries when ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, pipeline *CompiledPipeline, execCtx *domain.ExecutionContext) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("pipeline.name", pipeline.Name),
			attribute.Int("pipeline.node_count", len(pipeline.Nodes)),
		),
	)
	defer span.End()

	for i := range pipeline.Nodes {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		node := &pipeline.Nodes[i]
		_, nodeSpan := tracer.Start(ctx, "pipeline.node",
			trace.WithAttributes(
				attribute.String("node.name", node.Name),
				attribute.String("node.type", node.Type),
				attribute.String("node.version", node.Version),
			),
		)

		start := time.Now()
		data, state, err := node.Capability.Execute(ctx, execCtx.Data, execCtx.State, node.Config)
		duration := time.Since(start)

		outcome := telemetry.OutcomeSuccess
		if err != nil {
			outcome = telemetry.OutcomeFailure
		}
		telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
			Pipeline:    pipeline.Name,
			Node:        node.Name,
			NodeType:    node.Type,
			NodeVersion: node.Version,
			Outcome:     outcome,
			Duration:    duration,
		})

		if err != nil {
			opErr := &domain.OperatorError{
				Pipeline: pipeline.Name,
				Node:     node.Name,
				NodeType: node.Type,
				Err:      err,
			}
			e.logger.Error("node execution failed",
				"pipeline", pipeline.Name,
				"node", node.Name,
				"node_type", node.Type,
				"error", err,
			)
			nodeSpan.RecordError(opErr)
			nodeSpan.SetStatus(codes.Error, "node execution failed")
			nodeSpan.End()
			span.SetStatus(codes.Error, "pipeline failed")
			return opErr
		}

		execCtx.Data = data
		execCtx.State = state

		nodeSpan.SetAttributes(attribute.Int64("node.duration_ms", duration.Milliseconds()))
		nodeSpan.End()

		e.logger.Debug("node executed",
			"pipeline", pipeline.Name,
			"node", node.Name,
			"duration_ms", duration.Milliseconds(),
		)
	}

	return nil
}
