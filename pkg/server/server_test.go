package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeflowlabs/flowapi/pkg/config"
	"github.com/freeflowlabs/flowapi/pkg/domain"
)

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsUnknownNodeType(t *testing.T) {
	cfg := parseConfig(t, `
api:
  - route: /x
    methods: [GET]
    pipeline:
      name: x
      node:
        - name: n
          type: quantum
          version: v1
`)

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownNodeType)
}

func TestNewRejectsCyclicPipeline(t *testing.T) {
	cfg := parseConfig(t, `
api:
  - route: /x
    methods: [GET]
    pipeline:
      name: x
      node:
        - name: a
          type: passthrough
          version: v1
        - name: b
          type: passthrough
          version: v1
      digraph:
        - a -> b
        - b -> a
`)

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCyclicPipeline)
}

func TestNewRejectsUnknownExtension(t *testing.T) {
	cfg := parseConfig(t, `
ext: [quantum]
api: []
`)

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownExtension)
}

func TestNewRejectsExtensionTypeWhenNotDeclared(t *testing.T) {
	// policy.rego is only registered when the policy extension is listed.
	cfg := parseConfig(t, `
api:
  - route: /gate
    methods: [GET]
    pipeline:
      name: gate
      node:
        - name: g
          type: policy.rego
          version: v1
`)

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownNodeType)
}
