package engine

import (
	"fmt"
	"strings"

	"github.com/freeflowlabs/flowapi/pkg/domain"
)

// RouteKey identifies one route-table entry.
type RouteKey struct {
	Major  int
	Minor  int
	Route  string
	Method string
}

// Binding pairs an endpoint declaration with its compiled pipeline.
type Binding struct {
	Endpoint domain.EndpointSpec
	Pipeline *CompiledPipeline
}

// RouteTable maps (major, minor, route, method) to a binding. Built once at
// startup and read-only thereafter, so concurrent lookups need no locking.
type RouteTable struct {
	entries map[RouteKey]*Binding
	routes  map[RouteKey]struct{} // method-less keys, for the 404 vs 405 distinction
}

// BuildRouteTable constructs the table from endpoint declarations and their
// compiled pipelines (keyed by pipeline name). Declaring the same
// (version, route, method) tuple twice fails with ErrDuplicateRoute.
func BuildRouteTable(endpoints []domain.EndpointSpec, compiled map[string]*CompiledPipeline) (*RouteTable, error) {
	table := &RouteTable{
		entries: make(map[RouteKey]*Binding),
		routes:  make(map[RouteKey]struct{}),
	}

	for _, ep := range endpoints {
		pipeline, ok := compiled[ep.Pipeline.Name]
		if !ok {
			return nil, fmt.Errorf("endpoint %s: no compiled pipeline %q", ExternalRoute(ep.Version, ep.Route), ep.Pipeline.Name)
		}

		route := normalizeRoute(ep.Route)
		binding := &Binding{Endpoint: ep, Pipeline: pipeline}

		for _, method := range ep.Methods {
			key := RouteKey{
				Major:  ep.Version.Major,
				Minor:  ep.Version.Minor,
				Route:  route,
				Method: strings.ToUpper(method),
			}
			if _, exists := table.entries[key]; exists {
				return nil, fmt.Errorf("%w: %s %s", domain.ErrDuplicateRoute, key.Method, ExternalRoute(ep.Version, ep.Route))
			}
			table.entries[key] = binding
			table.routes[RouteKey{Major: key.Major, Minor: key.Minor, Route: key.Route}] = struct{}{}
		}
	}

	return table, nil
}

// Lookup resolves a request tuple. A route declared under a different method
// yields ErrMethodNotAllowed; an undeclared route yields ErrNoSuchEndpoint.
func (t *RouteTable) Lookup(major, minor int, route, method string) (*Binding, error) {
	route = normalizeRoute(route)
	key := RouteKey{Major: major, Minor: minor, Route: route, Method: strings.ToUpper(method)}

	if binding, ok := t.entries[key]; ok {
		return binding, nil
	}

	if _, ok := t.routes[RouteKey{Major: major, Minor: minor, Route: route}]; ok {
		return nil, fmt.Errorf("%w: %s v%d/%d%s", domain.ErrMethodNotAllowed, key.Method, major, minor, route)
	}
	return nil, fmt.Errorf("%w: v%d/%d%s", domain.ErrNoSuchEndpoint, major, minor, route)
}

// Len returns the number of (route, method) bindings.
func (t *RouteTable) Len() int {
	return len(t.entries)
}

// ExternalRoute renders the externally visible route string for an endpoint,
// v<major>/<minor>/<route>. An omitted version yields v0/0/<route>.
func ExternalRoute(v domain.Version, route string) string {
	return fmt.Sprintf("v%d/%d%s", v.Major, v.Minor, normalizeRoute(route))
}

func normalizeRoute(route string) string {
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}
