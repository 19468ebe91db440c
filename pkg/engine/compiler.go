package engine

import (
	"fmt"

	"github.com/freeflowlabs/flowapi/pkg/domain"
	"github.com/freeflowlabs/flowapi/pkg/engine/runtime"
)

// CompiledNode is one node of a compiled pipeline: the declaration bound to
// its resolved capability plus the names of the nodes whose outputs feed it.
// Immutable after compilation.
type CompiledNode struct {
	Name         string
	Type         string
	Version      string
	Config       map[string]any
	Capability   runtime.Capability
	Predecessors []string
}

// CompiledPipeline is the immutable, executable form of a PipelineDef: nodes
// in topological order, each bound to a capability. One compiled pipeline is
// shared by reference across every concurrent execution; it is never mutated
// after Compile returns.
type CompiledPipeline struct {
	Name  string
	Nodes []CompiledNode
}

// Compile validates a pipeline definition against a frozen registry and
// produces its executable form.
//
// Validation order: node-name uniqueness, edge endpoints, acyclicity (Kahn's
// algorithm), then type resolution. When several nodes are topologically
// eligible at once, declaration order in the node list wins, which makes
// compilation deterministic for identical input.
func Compile(def domain.PipelineDef, registry *TypeRegistry) (*CompiledPipeline, error) {
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline %q: %w", def.Name, domain.ErrEmptyPipeline)
	}

	index := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("pipeline %q: node[%d] has no name", def.Name, i)
		}
		if _, seen := index[n.Name]; seen {
			return nil, fmt.Errorf("pipeline %q: %w: %q", def.Name, domain.ErrDuplicateNodeName, n.Name)
		}
		index[n.Name] = i
	}

	inDegree := make([]int, len(def.Nodes))
	successors := make([][]int, len(def.Nodes))
	predecessors := make([][]string, len(def.Nodes))
	for _, e := range def.Edges {
		from, ok := index[e.From]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: %w: %q -> %q (source)", def.Name, domain.ErrDanglingEdge, e.From, e.To)
		}
		to, ok := index[e.To]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: %w: %q -> %q (target)", def.Name, domain.ErrDanglingEdge, e.From, e.To)
		}
		successors[from] = append(successors[from], to)
		predecessors[to] = append(predecessors[to], e.From)
		inDegree[to]++
	}

	// Kahn's sort with declaration-order tie-break: at each step pick the
	// first declared node whose in-degree has reached zero. Quadratic, but
	// pipelines are small and the predictable order is worth it.
	order := make([]int, 0, len(def.Nodes))
	emitted := make([]bool, len(def.Nodes))
	for len(order) < len(def.Nodes) {
		next := -1
		for i := range def.Nodes {
			if !emitted[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, domain.ErrCyclicPipeline)
		}
		emitted[next] = true
		order = append(order, next)
		for _, succ := range successors[next] {
			inDegree[succ]--
		}
	}

	compiled := &CompiledPipeline{
		Name:  def.Name,
		Nodes: make([]CompiledNode, 0, len(def.Nodes)),
	}
	for _, i := range order {
		n := def.Nodes[i]
		capability, err := registry.Resolve(n.Type, n.Version)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: node %q: %w", def.Name, n.Name, err)
		}
		compiled.Nodes = append(compiled.Nodes, CompiledNode{
			Name:         n.Name,
			Type:         n.Type,
			Version:      n.Version,
			Config:       n.Config,
			Capability:   capability,
			Predecessors: predecessors[i],
		})
	}

	return compiled, nil
}
