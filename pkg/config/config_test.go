package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeflowlabs/flowapi/pkg/domain"
)

const sampleConfig = `
address: 127.0.0.1
port: 8080
log:
  level: debug
ext:
  - http
api:
  - route: /sum
    methods: [POST]
    min_size: 2
    max_size: 4096
    version: "1.0"
    pipeline:
      name: sum
      node:
        - name: compute
          type: transformer
          version: v1
          config:
            expr: "data.body = data.param.a + data.param.b"
        - name: out
          type: passthrough
          version: v1
      digraph:
        - compute -> out
  - route: /ping
    methods: [GET, HEAD]
    pipeline:
      name: ping
      node:
        - name: only
          type: passthrough
          version: v1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"http"}, cfg.Ext)
	require.Len(t, cfg.API, 2)

	endpoints, err := cfg.Endpoints()
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	sum := endpoints[0]
	assert.Equal(t, "/sum", sum.Route)
	assert.Equal(t, []string{"POST"}, sum.Methods)
	assert.Equal(t, int64(2), sum.MinSize)
	assert.Equal(t, int64(4096), sum.MaxSize)
	assert.Equal(t, domain.Version{Major: 1, Minor: 0}, sum.Version)
	require.Len(t, sum.Pipeline.Nodes, 2)
	assert.Equal(t, "transformer", sum.Pipeline.Nodes[0].Type)
	assert.Equal(t, []domain.Edge{{From: "compute", To: "out"}}, sum.Pipeline.Edges)

	// Omitted fields fall back to defaults: version 0.0, 1 MiB max, min 0.
	ping := endpoints[1]
	assert.Equal(t, domain.Version{}, ping.Version)
	assert.Equal(t, int64(0), ping.MinSize)
	assert.Equal(t, int64(1<<20), ping.MaxSize)
	// Methods are upper-cased on the way out.
	assert.Equal(t, []string{"GET", "HEAD"}, ping.Methods)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("api: []"))
	require.NoError(t, err)
	assert.Equal(t, ":1979", cfg.ListenAddr())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowapi-server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.API, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWAPI_ADDR", "0.0.0.0")
	t.Setenv("FLOWAPI_PORT", "9999")
	t.Setenv("FLOWAPI_LOG_LEVEL", "warn")
	t.Setenv("FLOWAPI_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("FLOWAPI_OTLP_INSECURE", "true")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "port out of range",
			yaml: "port: 70000",
			want: "port",
		},
		{
			name: "bad log level",
			yaml: "log:\n  level: verbose",
			want: "log level",
		},
		{
			name: "ssl without cert",
			yaml: "ssl:\n  enabled: true",
			want: "ssl",
		},
		{
			name: "missing route",
			yaml: "api:\n  - methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "route is required",
		},
		{
			name: "bare slash route",
			yaml: "api:\n  - route: /\n    methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "must contain a path segment",
		},
		{
			name: "empty methods",
			yaml: "api:\n  - route: /x\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "methods",
		},
		{
			name: "unknown method",
			yaml: "api:\n  - route: /x\n    methods: [FETCH]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "unsupported method",
		},
		{
			name: "min exceeds max",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    min_size: 10\n    max_size: 5\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "min_size",
		},
		{
			name: "negative size",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    min_size: -1\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "non-negative",
		},
		{
			name: "bad version",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    version: banana\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "version",
		},
		{
			name: "pipeline without nodes",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    pipeline:\n      name: p",
			want: "no nodes",
		},
		{
			name: "node without type",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n}]",
			want: "no type",
		},
		{
			name: "malformed edge",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]\n      digraph: [\"n ->\"]",
			want: "invalid edge",
		},
		{
			name: "duplicate pipeline names",
			yaml: "api:\n  - route: /x\n    methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]\n  - route: /y\n    methods: [GET]\n    pipeline:\n      name: p\n      node: [{name: n, type: passthrough}]",
			want: "duplicate pipeline name",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.Version
		ok   bool
	}{
		{"", domain.Version{}, true},
		{"1.0", domain.Version{Major: 1}, true},
		{"2.13", domain.Version{Major: 2, Minor: 13}, true},
		{" 1.2 ", domain.Version{Major: 1, Minor: 2}, true},
		{"1", domain.Version{}, false},
		{"1.2.3", domain.Version{}, false},
		{"-1.0", domain.Version{}, false},
		{"a.b", domain.Version{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseVersion(tc.raw)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestParseEdge(t *testing.T) {
	edge, err := parseEdge("input -> output")
	require.NoError(t, err)
	assert.Equal(t, domain.Edge{From: "input", To: "output"}, edge)

	edge, err = parseEdge("a->b")
	require.NoError(t, err)
	assert.Equal(t, domain.Edge{From: "a", To: "b"}, edge)

	for _, raw := range []string{"", "a", "-> b", "a ->", "a -> b -> c"} {
		_, err := parseEdge(raw)
		require.Error(t, err, raw)
	}
}
