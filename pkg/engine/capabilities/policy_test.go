package capabilities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allowAdminsModule = `package flowapi

default allow = false

allow if {
	input.data.param.role == "admin"
}
`

func TestPolicyAllowsMatchingInput(t *testing.T) {
	p := &Policy{}

	data := map[string]any{"param": map[string]any{"role": "admin"}}
	outData, _, err := p.Execute(context.Background(), data, map[string]any{},
		map[string]any{"module": allowAdminsModule})
	require.NoError(t, err)
	assert.Equal(t, data, outData)
}

func TestPolicyDeniesNonMatchingInput(t *testing.T) {
	p := &Policy{}

	data := map[string]any{"param": map[string]any{"role": "guest"}}
	_, _, err := p.Execute(context.Background(), data, map[string]any{},
		map[string]any{"module": allowAdminsModule})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestPolicyCustomQuery(t *testing.T) {
	p := &Policy{}

	module := `package gates

default open = false

open if {
	input.state.checked == true
}
`
	config := map[string]any{"module": module, "query": "data.gates.open"}

	_, _, err := p.Execute(context.Background(), map[string]any{},
		map[string]any{"checked": true}, config)
	require.NoError(t, err)

	_, _, err = p.Execute(context.Background(), map[string]any{},
		map[string]any{"checked": false}, config)
	require.Error(t, err)
}

func TestPolicyConfigErrors(t *testing.T) {
	p := &Policy{}

	t.Run("missing module", func(t *testing.T) {
		_, _, err := p.Execute(context.Background(), map[string]any{}, map[string]any{}, map[string]any{})
		require.Error(t, err)
	})

	t.Run("invalid rego", func(t *testing.T) {
		_, _, err := p.Execute(context.Background(), map[string]any{}, map[string]any{},
			map[string]any{"module": "this is not rego"})
		require.Error(t, err)
	})
}

func TestPolicyCachesPreparedQueries(t *testing.T) {
	p := &Policy{}
	config := map[string]any{"module": allowAdminsModule}
	data := map[string]any{"param": map[string]any{"role": "admin"}}

	for i := 0; i < 3; i++ {
		_, _, err := p.Execute(context.Background(), data, map[string]any{}, config)
		require.NoError(t, err)
	}

	cached := 0
	p.prepared.Range(func(_, _ any) bool {
		cached++
		return true
	})
	assert.Equal(t, 1, cached)
}
