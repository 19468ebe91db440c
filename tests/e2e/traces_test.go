package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeflowlabs/flowapi/pkg/config"
	"github.com/freeflowlabs/flowapi/pkg/logging"
	"github.com/freeflowlabs/flowapi/pkg/server"
	"github.com/freeflowlabs/flowapi/pkg/telemetry"
)

const tracedConfig = `
api:
  - route: /traced
    methods: [GET]
    version: "1.0"
    pipeline:
      name: traced
      node:
        - name: first
          type: passthrough
          version: v1
        - name: second
          type: transformer
          version: v1
          config:
            expr: data.body = 'traced'
      digraph:
        - first -> second
`

// TestPipelineSpansReachCollector drives a request through a real server
// handler with the OTLP exporter pointed at an in-process collector, then
// asserts the pipeline and node spans arrive with the expected shape.
func TestPipelineSpansReachCollector(t *testing.T) {
	collector, endpoint := startMockTraceCollector(t)

	shutdown, err := telemetry.SetupProvider(context.Background(), telemetry.Config{
		ServiceName: "flowapi-e2e",
		Endpoint:    endpoint,
		Insecure:    true,
	})
	require.NoError(t, err)

	cfg, err := config.Parse([]byte(tracedConfig))
	require.NoError(t, err)
	srv, err := server.New(cfg, logging.NewLogger(logging.Config{Level: "error"}))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/0/traced")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Shutdown flushes the batch processor so buffered spans export now.
	require.NoError(t, shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spans := collector.WaitForSpans(ctx, 3)

	names := make(map[string]int)
	for _, span := range spans {
		names[span.Name]++
	}

	assert.GreaterOrEqual(t, names["pipeline.execute"], 1, "missing pipeline span, got %v", names)
	assert.GreaterOrEqual(t, names["pipeline.node"], 2, "expected one span per node, got %v", names)

	var pipelineTrace []byte
	for _, span := range spans {
		if span.Name == "pipeline.execute" {
			pipelineTrace = span.TraceId
		}
	}
	require.NotNil(t, pipelineTrace)
	for _, span := range spans {
		if span.Name == "pipeline.node" {
			assert.Equal(t, pipelineTrace, span.TraceId, "node span not parented to pipeline trace")
		}
	}
}
