package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// routePattern matches the exposed path form /v<major>/<minor>/<route>.
var routePattern = regexp.MustCompile(`^/v(\d+)/(\d+)(/.+)$`)

// Dispatcher is the per-request entry point: it resolves the route table
// binding, enforces the payload size gate, builds an isolated execution
// context, runs the compiled pipeline and maps the final context to a
// response. One dispatcher serves all requests concurrently; the only mutable
// field is the table pointer, which hot reload swaps atomically.
type Dispatcher struct {
	table    atomic.Pointer[RouteTable]
	executor *Executor
	logger   *slog.Logger
	metrics  *telemetry.DispatchMetrics
}

// DispatcherConfig holds dependencies for creating a Dispatcher.
type DispatcherConfig struct {
	Table   *RouteTable
	Logger  *slog.Logger
	Metrics *telemetry.DispatchMetrics
}

// NewDispatcher creates a dispatcher serving the given route table.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Table == nil {
		panic("engine: dispatcher requires a route table")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewDispatchMetrics()
	}

	d := &Dispatcher{
		executor: NewExecutor(logger),
		logger:   logger,
		metrics:  metrics,
	}
	d.table.Store(cfg.Table)
	return d
}

// Swap atomically replaces the route table. In-flight requests finish against
// the table they looked up; new requests see the new generation.
func (d *Dispatcher) Swap(table *RouteTable) {
	if table != nil {
		d.table.Store(table)
	}
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	match := routePattern.FindStringSubmatch(r.URL.Path)
	if match == nil {
		d.writeError(ctx, w, http.StatusNotFound, "NO_SUCH_ENDPOINT", "no such endpoint", "")
		d.metrics.RecordRequest("unmatched", r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	route := match[3]

	binding, err := d.table.Load().Lookup(major, minor, route, r.Method)
	if err != nil {
		status := http.StatusNotFound
		code := "NO_SUCH_ENDPOINT"
		if errors.Is(err, domain.ErrMethodNotAllowed) {
			status = http.StatusMethodNotAllowed
			code = "METHOD_NOT_ALLOWED"
		}
		d.writeError(ctx, w, status, code, err.Error(), "")
		d.metrics.RecordRequest("unmatched", r.Method, status, time.Since(start))
		return
	}

	routeLabel := ExternalRoute(binding.Endpoint.Version, binding.Endpoint.Route)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.RedactAttributes(requestAttributes(r, routeLabel))...)

	// Size gate on the raw body. This is pure admission control: on
	// violation no pipeline node ever runs. Reading is capped at one byte
	// past the allowed maximum so oversized payloads are never buffered
	// whole.
	body, tooLarge, err := readBounded(r.Body, binding.Endpoint.MaxSize)
	if err != nil {
		d.writeError(ctx, w, http.StatusBadRequest, "BODY_READ_FAILED", "failed to read request body", "")
		d.metrics.RecordRequest(routeLabel, r.Method, http.StatusBadRequest, time.Since(start))
		return
	}
	if err := checkPayloadBounds(&binding.Endpoint, int64(len(body)), tooLarge); err != nil {
		status, code, reason := http.StatusBadRequest, "PAYLOAD_TOO_SMALL", "too_small"
		if tooLarge {
			status, code, reason = http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "too_large"
		}
		d.metrics.RecordPayloadRejection(routeLabel, reason)
		d.writeError(ctx, w, status, code, err.Error(), "")
		d.metrics.RecordRequest(routeLabel, r.Method, status, time.Since(start))
		return
	}

	data, err := seedData(r, body)
	if err != nil {
		d.writeError(ctx, w, http.StatusBadRequest, "INVALID_PAYLOAD", "request payload is not valid JSON", "")
		d.metrics.RecordRequest(routeLabel, r.Method, http.StatusBadRequest, time.Since(start))
		return
	}

	execCtx := domain.NewExecutionContext(data)

	if err := d.executor.Execute(ctx, binding.Pipeline, execCtx); err != nil {
		failureID := uuid.NewString()
		d.logger.Error("pipeline walk failed",
			"pipeline", binding.Pipeline.Name,
			"route", routeLabel,
			"failure_id", failureID,
			"error", err,
		)
		d.metrics.RecordPipelineFailure(binding.Pipeline.Name)
		d.writeError(ctx, w, http.StatusInternalServerError, "PIPELINE_FAILURE", "requested process failed", failureID)
		d.metrics.RecordRequest(routeLabel, r.Method, http.StatusInternalServerError, time.Since(start))
		return
	}

	status := d.writeResult(w, execCtx)
	d.metrics.RecordRequest(routeLabel, r.Method, status, time.Since(start))
}

// requestAttributes renders the request-derived span attributes, one entry
// per request header. The set is passed through telemetry.RedactAttributes
// before it reaches the span, so sensitive headers never leave the process.
func requestAttributes(r *http.Request, routeLabel string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(r.Header)+2)
	attrs = append(attrs,
		attribute.String("http.method", r.Method),
		attribute.String("flowapi.route", routeLabel),
	)
	for name := range r.Header {
		key := "http.request.header." + strings.ReplaceAll(strings.ToLower(name), "-", "_")
		attrs = append(attrs, attribute.String(key, r.Header.Get(name)))
	}
	return attrs
}

// checkPayloadBounds validates the admitted body length against the
// endpoint's declared byte bounds. Violations wrap
// domain.ErrPayloadSizeViolation.
func checkPayloadBounds(ep *domain.EndpointSpec, n int64, truncated bool) error {
	if truncated {
		return fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrPayloadSizeViolation, ep.MaxSize)
	}
	if n < ep.MinSize {
		return fmt.Errorf("%w: payload below %d bytes", domain.ErrPayloadSizeViolation, ep.MinSize)
	}
	return nil
}

// readBounded reads at most max+1 bytes; the extra byte distinguishes
// "exactly max" from "over max" without buffering the excess.
func readBounded(body io.Reader, max int64) ([]byte, bool, error) {
	if body == nil {
		return nil, false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > max {
		return nil, true, nil
	}
	return buf, false, nil
}

// seedData builds the initial data map the way the pipeline contract expects:
// headers, param and client. GET-style requests take param from the query
// string; methods with a body take the JSON-decoded payload.
func seedData(r *http.Request, body []byte) (map[string]any, error) {
	headers := make(map[string]any, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	param := make(map[string]any)
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		for k, v := range r.URL.Query() {
			if len(v) == 1 {
				param[k] = v[0]
			} else {
				param[k] = v
			}
		}
	default:
		if len(body) > 0 {
			if err := json.Unmarshal(body, &param); err != nil {
				return nil, err
			}
		}
	}

	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
		port = ""
	}

	return map[string]any{
		"headers": headers,
		"param":   param,
		"client":  []any{host, port},
	}, nil
}

// writeResult maps the final execution context to the HTTP response: status
// from data["status"] (default 200), response headers from data["headers"],
// body from data["body"] JSON-encoded.
func (d *Dispatcher) writeResult(w http.ResponseWriter, execCtx *domain.ExecutionContext) int {
	status := http.StatusOK
	if raw, ok := execCtx.Data["status"]; ok {
		if parsed, ok := statusFrom(raw); ok {
			status = parsed
		}
	}

	switch headers := execCtx.Data["headers"].(type) {
	case map[string]any:
		for k, v := range headers {
			w.Header().Set(k, fmt.Sprint(v))
		}
	case map[string]string:
		for k, v := range headers {
			w.Header().Set(k, v)
		}
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(execCtx.Data["body"]); err != nil {
		d.logger.Error("failed to encode response body", "error", err)
	}
	return status
}

func statusFrom(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, v >= 100 && v < 600
	case int64:
		return int(v), v >= 100 && v < 600
	case float64:
		return int(v), v >= 100 && v < 600
	case string:
		parsed, err := strconv.Atoi(v)
		return parsed, err == nil && parsed >= 100 && parsed < 600
	}
	return 0, false
}

// writeError writes the JSON error model. Operator internals never reach the
// caller: pipeline failures carry only an opaque failure id correlated with
// the logs.
func (d *Dispatcher) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message, failureID string) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := domain.ErrorResponse{
		Code:      code,
		Message:   message,
		FailureID: failureID,
		TraceID:   traceID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Error("failed to encode error response", "error", err)
	}
}
