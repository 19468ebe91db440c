package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NodeOutcome classifies a node execution for metrics purposes.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the node completed and the walk continued.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeFailure indicates the node aborted the walk.
	OutcomeFailure NodeOutcome = "failure"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeFailureCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record node telemetry.
type NodeMetrics struct {
	Pipeline    string
	Node        string
	NodeType    string
	NodeVersion string
	Outcome     NodeOutcome
	Duration    time.Duration
}

// RecordNodeMetrics emits counters and a latency histogram describing one
// node execution.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("node.name", metrics.Node),
		attribute.String("node.type", metrics.NodeType),
		attribute.String("node.version", metrics.NodeVersion),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeFailure {
		nodeFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flowapi.pipeline")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flowapi.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeFailureCounter, metricsInitErr = meter.Int64Counter(
			"flowapi.node.failures_total",
			metric.WithDescription("Node executions that aborted a pipeline walk"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flowapi.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
