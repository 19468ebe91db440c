package domain

import "fmt"

// Version is the API version an endpoint is published under. The zero value
// (0.0) is the default when a declaration omits it.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// EndpointSpec declares one REST endpoint and owns the pipeline that
// implements it. Immutable once loaded from configuration.
type EndpointSpec struct {
	Route    string
	Methods  []string
	MinSize  int64
	MaxSize  int64
	Version  Version
	Pipeline PipelineDef
}

// PipelineDef is the declared form of a pipeline: an ordered node list plus
// directed edges. Node order is significant: it is the tie-break used by the
// compiler when several nodes become topologically eligible at once.
type PipelineDef struct {
	Name  string
	Nodes []NodeDef
	Edges []Edge
}

// NodeDef declares a typed, versioned processing node. Config is opaque to
// the engine and handed verbatim to the resolved capability.
type NodeDef struct {
	Name    string
	Type    string
	Version string
	Config  map[string]any
}

// Edge is a directed dependency between two declared node names.
type Edge struct {
	From string
	To   string
}
