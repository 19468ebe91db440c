package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPRequest performs one outbound HTTP call. Config: `url` (required),
// `method` (default GET), `headers` (string map), `timeout_ms`. For
// non-GET methods the request body is the JSON encoding of data["param"].
// The upstream result lands in data["response"] as
// {status, headers, body} with the body JSON-decoded when possible.
type HTTPRequest struct {
	Logger *slog.Logger
	Client *http.Client
}

// Execute issues the configured request, honoring ctx for cancellation.
func (h *HTTPRequest) Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error) {
	url, _ := config["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, nil, fmt.Errorf("http.request: missing url in node config")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		if param, ok := data["param"]; ok {
			encoded, err := json.Marshal(param)
			if err != nil {
				return nil, nil, fmt.Errorf("http.request: encode body: %w", err)
			}
			body = bytes.NewReader(encoded)
		}
	}

	if ms, ok := toInt(config["timeout_ms"]); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("http.request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http.request: %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("http.request: read response: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	data["response"] = map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    parsed,
	}

	if h.Logger != nil {
		h.Logger.Debug("http.request completed", "method", method, "url", url, "status", resp.StatusCode)
	}
	return data, state, nil
}
