package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/engine/runtime"
)

// spyCapability counts executions so admission-control tests can assert that
// rejected requests never reach the pipeline.
type spyCapability struct {
	calls atomic.Int64
	fn    runtime.CapabilityFunc
}

func (s *spyCapability) Execute(ctx context.Context, data, state, config map[string]any) (map[string]any, map[string]any, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, data, state, config)
	}
	return data, state, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	spy        *spyCapability
}

// newDispatcherFixture binds POST+GET /v1/0/run to a single-node pipeline
// backed by the given capability function.
func newDispatcherFixture(t *testing.T, minSize, maxSize int64, fn runtime.CapabilityFunc) *dispatcherFixture {
	t.Helper()

	spy := &spyCapability{fn: fn}
	reg := NewTypeRegistry()
	require.NoError(t, reg.Register("spy", "v1", spy))
	reg.Freeze()

	def := domain.PipelineDef{
		Name:  "run",
		Nodes: []domain.NodeDef{{Name: "only", Type: "spy", Version: "v1"}},
	}
	compiled, err := Compile(def, reg)
	require.NoError(t, err)

	endpoints := []domain.EndpointSpec{{
		Route:    "/run",
		Methods:  []string{"GET", "POST"},
		MinSize:  minSize,
		MaxSize:  maxSize,
		Version:  domain.Version{Major: 1},
		Pipeline: def,
	}}
	table, err := BuildRouteTable(endpoints, map[string]*CompiledPipeline{"run": compiled})
	require.NoError(t, err)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(DispatcherConfig{Table: table}),
		spy:        spy,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestDispatcherRoutesAndSeedsRequest(t *testing.T) {
	var seen map[string]any
	fx := newDispatcherFixture(t, 0, 1<<20, func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		seen = data
		data["body"] = map[string]any{"echo": data["param"]}
		return data, state, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/0/run", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("X-Request-Id", "abc123")
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()

	fx.dispatcher.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), fx.spy.calls.Load())

	// Seeded contract: headers, param (from the JSON body), client.
	assert.Equal(t, "abc123", seen["headers"].(map[string]any)["X-Request-Id"])
	assert.Equal(t, map[string]any{"name": "ada"}, seen["param"])
	assert.Equal(t, []any{"10.1.2.3", "5555"}, seen["client"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"echo": map[string]any{"name": "ada"}}, body)
}

func TestDispatcherSeedsParamFromQueryOnGET(t *testing.T) {
	var seen map[string]any
	fx := newDispatcherFixture(t, 0, 1<<20, func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		seen = data
		return data, state, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/0/run?q=search&tag=a&tag=b", nil)
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	param := seen["param"].(map[string]any)
	assert.Equal(t, "search", param["q"])
	assert.Equal(t, []string{"a", "b"}, param["tag"])
}

func TestDispatcherUnknownRouteIs404(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, nil)

	tests := []struct {
		name string
		path string
	}{
		{"undeclared route", "/v1/0/other"},
		{"wrong version", "/v2/0/run"},
		{"unversioned path", "/run"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			require.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "NO_SUCH_ENDPOINT", decodeError(t, rec).Code)
		})
	}
	assert.Zero(t, fx.spy.calls.Load())
}

func TestDispatcherUndeclaredMethodIs405(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, nil)

	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/0/run", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)
	assert.Zero(t, fx.spy.calls.Load())
}

func TestDispatcherPayloadSizeGate(t *testing.T) {
	fx := newDispatcherFixture(t, 10, 64, nil)

	t.Run("over max is 413 and pipeline never runs", func(t *testing.T) {
		oversized := bytes.Repeat([]byte("x"), 65)
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/0/run", bytes.NewReader(oversized)))

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeError(t, rec).Code)
		assert.Zero(t, fx.spy.calls.Load())
	})

	t.Run("exactly max is admitted", func(t *testing.T) {
		payload := []byte(`{"k":"` + strings.Repeat("a", 56) + `"}`)
		require.Len(t, payload, 64)
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/0/run", bytes.NewReader(payload)))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("under min is 400 and pipeline never runs", func(t *testing.T) {
		before := fx.spy.calls.Load()
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/0/run", strings.NewReader(`{}`)))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "PAYLOAD_TOO_SMALL", decodeError(t, rec).Code)
		assert.Equal(t, before, fx.spy.calls.Load())
	})
}

func TestDispatcherRedactsSensitiveSpanAttributes(t *testing.T) {
	recorder, restore := setupTestTracer(t)
	defer restore()

	fx := newDispatcherFixture(t, 0, 1<<20, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/0/run", strings.NewReader(`{"a":1}`))
	req.Header.Set("Authorization", "Bearer hunter2")
	req.Header.Set("X-Request-Id", "req-1")

	ctx, span := otel.Tracer("test").Start(req.Context(), "http.server")
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req.WithContext(ctx))
	span.End()
	require.Equal(t, http.StatusOK, rec.Code)

	attrs := map[string]string{}
	for _, ended := range recorder.Ended() {
		if ended.Name() != "http.server" {
			continue
		}
		for _, kv := range ended.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
	}
	require.NotEmpty(t, attrs)

	assert.NotContains(t, attrs, "http.request.header.authorization")
	assert.Equal(t, "req-1", attrs["http.request.header.x_request_id"])
	assert.Equal(t, "POST", attrs["http.method"])
	assert.Equal(t, "v1/0/run", attrs["flowapi.route"])
	for _, v := range attrs {
		assert.NotContains(t, v, "hunter2")
	}
}

func TestCheckPayloadBoundsWrapsSentinel(t *testing.T) {
	ep := &domain.EndpointSpec{MinSize: 10, MaxSize: 64}

	err := checkPayloadBounds(ep, 65, true)
	require.ErrorIs(t, err, domain.ErrPayloadSizeViolation)
	assert.Contains(t, err.Error(), "exceeds 64")

	err = checkPayloadBounds(ep, 3, false)
	require.ErrorIs(t, err, domain.ErrPayloadSizeViolation)
	assert.Contains(t, err.Error(), "below 10")

	require.NoError(t, checkPayloadBounds(ep, 10, false))
	require.NoError(t, checkPayloadBounds(ep, 64, false))
}

func TestDispatcherMalformedJSONBodyIs400(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, nil)

	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/0/run", strings.NewReader(`{not json`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PAYLOAD", decodeError(t, rec).Code)
	assert.Zero(t, fx.spy.calls.Load())
}

func TestDispatcherOpaqueFailureOn500(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		return data, state, fmt.Errorf("database password is hunter2")
	})

	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/0/run", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "PIPELINE_FAILURE", resp.Code)
	assert.Equal(t, "requested process failed", resp.Message)
	assert.NotEmpty(t, resp.FailureID)
	// Operator internals never leak to the caller.
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestDispatcherResponseMapping(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		data["status"] = 201
		data["headers"] = map[string]any{"X-Pipeline": "done", "Content-Type": "text/plain"}
		data["body"] = "created"
		return data, state, nil
	})

	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/0/run", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "done", rec.Header().Get("X-Pipeline"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\"created\"\n", rec.Body.String())
}

func TestDispatcherSwapTakesEffectForNewRequests(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, nil)

	// Build a second generation binding a different route.
	reg := NewTypeRegistry()
	require.NoError(t, reg.Register("spy", "v1", &spyCapability{}))
	reg.Freeze()
	def := domain.PipelineDef{Name: "next", Nodes: []domain.NodeDef{{Name: "only", Type: "spy", Version: "v1"}}}
	compiled, err := Compile(def, reg)
	require.NoError(t, err)
	table, err := BuildRouteTable([]domain.EndpointSpec{{
		Route: "/next", Methods: []string{"GET"}, MaxSize: 1 << 20,
		Version: domain.Version{Major: 1}, Pipeline: def,
	}}, map[string]*CompiledPipeline{"next": compiled})
	require.NoError(t, err)

	fx.dispatcher.Swap(table)

	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/0/next", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/0/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDispatcherConcurrentIsolation runs many concurrent requests through a
// pipeline whose nodes read and increment per-request state with deliberate
// yields in between. Any state bleed between requests shows up as a final
// counter different from the node count.
func TestDispatcherConcurrentIsolation(t *testing.T) {
	reg := NewTypeRegistry()
	increment := runtime.CapabilityFunc(func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		n, _ := state["counter"].(int)
		time.Sleep(time.Millisecond) // widen the race window
		state["counter"] = n + 1
		return data, state, nil
	})
	publish := runtime.CapabilityFunc(func(_ context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		data["body"] = map[string]any{"counter": state["counter"]}
		return data, state, nil
	})
	require.NoError(t, reg.Register("increment", "v1", increment))
	require.NoError(t, reg.Register("publish", "v1", publish))
	reg.Freeze()

	def := domain.PipelineDef{
		Name: "count",
		Nodes: []domain.NodeDef{
			{Name: "a", Type: "increment", Version: "v1"},
			{Name: "b", Type: "increment", Version: "v1"},
			{Name: "c", Type: "increment", Version: "v1"},
			{Name: "out", Type: "publish", Version: "v1"},
		},
		Edges: []domain.Edge{
			{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "out"},
		},
	}
	compiled, err := Compile(def, reg)
	require.NoError(t, err)
	table, err := BuildRouteTable([]domain.EndpointSpec{{
		Route: "/count", Methods: []string{"GET"}, MaxSize: 1 << 20,
		Version: domain.Version{Major: 1}, Pipeline: def,
	}}, map[string]*CompiledPipeline{"count": compiled})
	require.NoError(t, err)

	dispatcher := NewDispatcher(DispatcherConfig{Table: table})

	const workers = 32
	var wg sync.WaitGroup
	results := make([]map[string]any, workers)
	codes := make([]int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			dispatcher.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/0/count", nil))
			codes[i] = rec.Code
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err == nil {
				results[i] = body
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.Equal(t, http.StatusOK, codes[i], "request %d", i)
		require.NotNil(t, results[i], "request %d", i)
		// Three increment nodes, isolated state: always exactly 3.
		assert.Equal(t, float64(3), results[i]["counter"], "request %d", i)
	}
}

func TestDispatcherCancelledContextStopsWalk(t *testing.T) {
	fx := newDispatcherFixture(t, 0, 1<<20, func(ctx context.Context, data, state, _ map[string]any) (map[string]any, map[string]any, error) {
		<-ctx.Done()
		return data, state, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/0/run", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "PIPELINE_FAILURE", decodeError(t, rec).Code)
}
