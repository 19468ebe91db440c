package capabilities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultPolicyQuery = "data.flowapi.allow"

// Policy gates a pipeline walk with an embedded Rego policy. The node config
// supplies the module source (`module`) and optionally the decision query
// (`query`, default "data.flowapi.allow"). The policy input is
// {"data": data, "state": state}; any result other than true denies the
// request and aborts the walk.
//
// Prepared queries are cached by module+query hash, so the (immutable) config
// bound at compile time is compiled by OPA at most once per process.
type Policy struct {
	Logger *slog.Logger

	prepared sync.Map // cache key -> *rego.PreparedEvalQuery
}

// Execute evaluates the policy decision.
func (p *Policy) Execute(ctx context.Context, data, state map[string]any, config map[string]any) (map[string]any, map[string]any, error) {
	module, _ := config["module"].(string)
	if strings.TrimSpace(module) == "" {
		return nil, nil, fmt.Errorf("policy: missing rego module in node config")
	}

	query, _ := config["query"].(string)
	if strings.TrimSpace(query) == "" {
		query = defaultPolicyQuery
	}

	pq, err := p.preparedQuery(ctx, module, query)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: %w", err)
	}

	input := map[string]any{
		"data":  data,
		"state": state,
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy: evaluation failed: %w", err)
	}

	if !rs.Allowed() {
		if p.Logger != nil {
			p.Logger.Info("policy denied request", "query", query)
		}
		return nil, nil, fmt.Errorf("policy: denied by %s", query)
	}

	return data, state, nil
}

func (p *Policy) preparedQuery(ctx context.Context, module, query string) (*rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(query + "\x00" + module))
	key := hex.EncodeToString(sum[:])

	if cached, ok := p.prepared.Load(key); ok {
		return cached.(*rego.PreparedEvalQuery), nil
	}

	pq, err := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	p.prepared.Store(key, &pq)
	return &pq, nil
}
