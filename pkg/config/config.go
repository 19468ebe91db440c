// Package config loads and validates the configuration document that declares
// every endpoint and its pipeline. Parsing failures and declaration errors
// are fatal at startup; a malformed endpoint is never silently skipped.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freeflowlabs/flowapi/pkg/domain"
)

const (
	defaultPort    = 1979
	defaultMaxSize = 1 << 20 // 1 MiB raw-body cap when a declaration omits max_size
)

// Config is the root of the configuration document.
type Config struct {
	Address   string          `yaml:"address"`
	Port      int             `yaml:"port"`
	Log       LogConfig       `yaml:"log"`
	SSL       SSLConfig       `yaml:"ssl"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Ext       []string        `yaml:"ext"`
	API       []APIConfig     `yaml:"api"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SSLConfig enables TLS termination for the server.
type SSLConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// APIConfig declares one endpoint.
type APIConfig struct {
	Route    string         `yaml:"route"`
	Methods  []string       `yaml:"methods"`
	MinSize  *int64         `yaml:"min_size"`
	MaxSize  *int64         `yaml:"max_size"`
	Version  string         `yaml:"version"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PipelineConfig declares a pipeline: nodes plus "A -> B" edge strings.
type PipelineConfig struct {
	Name    string       `yaml:"name"`
	Node    []NodeConfig `yaml:"node"`
	Digraph []string     `yaml:"digraph"`
}

// NodeConfig declares one pipeline node.
type NodeConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Version string         `yaml:"version"`
	Config  map[string]any `yaml:"config"`
}

// Load reads a configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	//nolint:gosec // Config file path is controlled by the operator
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a configuration document from bytes.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{
		Port: defaultPort,
		Log:  LogConfig{Level: "info"},
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FLOWAPI_ADDR"); val != "" {
		cfg.Address = val
	}
	if val := os.Getenv("FLOWAPI_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("FLOWAPI_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("FLOWAPI_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLOWAPI_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
}

// ListenAddr renders the address:port pair the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Validate checks the whole document.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch level {
	case "", "debug", "info", "warn", "warning", "error":
		c.Log.Level = level
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if c.SSL.Enabled {
		if c.SSL.Cert == "" || c.SSL.Key == "" {
			return fmt.Errorf("ssl enabled but cert or key missing")
		}
	}

	pipelineNames := make(map[string]bool)
	for i := range c.API {
		api := &c.API[i]
		if err := api.validate(); err != nil {
			return fmt.Errorf("api[%d]: %w", i, err)
		}
		if pipelineNames[api.Pipeline.Name] {
			return fmt.Errorf("api[%d]: duplicate pipeline name %q", i, api.Pipeline.Name)
		}
		pipelineNames[api.Pipeline.Name] = true
	}

	return nil
}

func (a *APIConfig) validate() error {
	if strings.TrimSpace(a.Route) == "" {
		return fmt.Errorf("route is required")
	}
	if strings.Trim(a.Route, "/ ") == "" {
		return fmt.Errorf("route %q: must contain a path segment", a.Route)
	}
	if len(a.Methods) == 0 {
		return fmt.Errorf("route %s: methods must be non-empty", a.Route)
	}
	for _, m := range a.Methods {
		switch strings.ToUpper(m) {
		case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
		default:
			return fmt.Errorf("route %s: unsupported method %q", a.Route, m)
		}
	}

	minSize := int64(0)
	if a.MinSize != nil {
		minSize = *a.MinSize
	}
	maxSize := int64(defaultMaxSize)
	if a.MaxSize != nil {
		maxSize = *a.MaxSize
	}
	if minSize < 0 || maxSize < 0 {
		return fmt.Errorf("route %s: size bounds must be non-negative", a.Route)
	}
	if minSize > maxSize {
		return fmt.Errorf("route %s: min_size %d exceeds max_size %d", a.Route, minSize, maxSize)
	}

	if _, err := parseVersion(a.Version); err != nil {
		return fmt.Errorf("route %s: %w", a.Route, err)
	}

	if strings.TrimSpace(a.Pipeline.Name) == "" {
		return fmt.Errorf("route %s: pipeline name is required", a.Route)
	}
	if len(a.Pipeline.Node) == 0 {
		return fmt.Errorf("route %s: pipeline %q declares no nodes", a.Route, a.Pipeline.Name)
	}
	for j, n := range a.Pipeline.Node {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("route %s: pipeline %q node[%d] has no name", a.Route, a.Pipeline.Name, j)
		}
		if strings.TrimSpace(n.Type) == "" {
			return fmt.Errorf("route %s: pipeline %q node %q has no type", a.Route, a.Pipeline.Name, n.Name)
		}
	}
	for _, edge := range a.Pipeline.Digraph {
		if _, err := parseEdge(edge); err != nil {
			return fmt.Errorf("route %s: pipeline %q: %w", a.Route, a.Pipeline.Name, err)
		}
	}

	return nil
}

// Endpoints converts the validated document into domain endpoint specs.
func (c *Config) Endpoints() ([]domain.EndpointSpec, error) {
	endpoints := make([]domain.EndpointSpec, 0, len(c.API))

	for i := range c.API {
		api := &c.API[i]

		version, err := parseVersion(api.Version)
		if err != nil {
			return nil, fmt.Errorf("api[%d]: %w", i, err)
		}

		minSize := int64(0)
		if api.MinSize != nil {
			minSize = *api.MinSize
		}
		maxSize := int64(defaultMaxSize)
		if api.MaxSize != nil {
			maxSize = *api.MaxSize
		}

		methods := make([]string, 0, len(api.Methods))
		for _, m := range api.Methods {
			methods = append(methods, strings.ToUpper(m))
		}

		nodes := make([]domain.NodeDef, 0, len(api.Pipeline.Node))
		for _, n := range api.Pipeline.Node {
			nodes = append(nodes, domain.NodeDef{
				Name:    n.Name,
				Type:    n.Type,
				Version: n.Version,
				Config:  n.Config,
			})
		}

		edges := make([]domain.Edge, 0, len(api.Pipeline.Digraph))
		for _, raw := range api.Pipeline.Digraph {
			edge, err := parseEdge(raw)
			if err != nil {
				return nil, fmt.Errorf("api[%d]: %w", i, err)
			}
			edges = append(edges, edge)
		}

		endpoints = append(endpoints, domain.EndpointSpec{
			Route:   api.Route,
			Methods: methods,
			MinSize: minSize,
			MaxSize: maxSize,
			Version: version,
			Pipeline: domain.PipelineDef{
				Name:  api.Pipeline.Name,
				Nodes: nodes,
				Edges: edges,
			},
		})
	}

	return endpoints, nil
}

// parseVersion parses "major.minor". Empty means the 0.0 default.
func parseVersion(raw string) (domain.Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Version{}, nil
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return domain.Version{}, fmt.Errorf("invalid version %q, want major.minor", raw)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return domain.Version{}, fmt.Errorf("invalid version %q, want major.minor", raw)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return domain.Version{}, fmt.Errorf("invalid version %q, want major.minor", raw)
	}
	return domain.Version{Major: major, Minor: minor}, nil
}

// parseEdge parses the "A -> B" digraph form.
func parseEdge(raw string) (domain.Edge, error) {
	parts := strings.Split(raw, "->")
	if len(parts) != 2 {
		return domain.Edge{}, fmt.Errorf("invalid edge %q, want \"A -> B\"", raw)
	}
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" || to == "" {
		return domain.Edge{}, fmt.Errorf("invalid edge %q, want \"A -> B\"", raw)
	}
	return domain.Edge{From: from, To: to}, nil
}
