// Package ir defines the provider-agnostic intermediate representation of
// an API gateway topology.
//
// A Topology is built once by NewTopology, which normalizes defaults and
// validates every invariant eagerly. Exporters receive only validated
// topologies and treat them as read-only.
package ir

import (
	"github.com/jxskiss/gwxlate/pkg/values"
)

// Topology is the root aggregate of a translation run.
type Topology struct {
	Version  string     `json:"version" yaml:"version,omitempty"`
	Global   Global     `json:"global" yaml:"global,omitempty"`
	Services []*Service `json:"services" yaml:"services,omitempty" validate:"required,min=1,dive"`
}

// Global holds settings that are not scoped to a service.
type Global struct {
	Host      string          `json:"host" yaml:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port      int             `json:"port" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	AdminPort int             `json:"admin_port" yaml:"admin_port,omitempty" validate:"omitempty,min=1,max=65535,nefield=Port"`
	Timeout   values.Duration `json:"timeout" yaml:"timeout,omitempty"`
	Logging   Logging         `json:"logging" yaml:"logging,omitempty"`
	Metrics   Metrics         `json:"metrics" yaml:"metrics,omitempty"`
}

type Logging struct {
	Enabled   bool   `json:"enabled" yaml:"enabled,omitempty"`
	Level     string `json:"level" yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format    string `json:"format" yaml:"format,omitempty" validate:"omitempty,oneof=text json"`
	AccessLog string `json:"access_log" yaml:"access_log,omitempty"`
}

type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled,omitempty"`
	Path    string `json:"path" yaml:"path,omitempty" validate:"omitempty,startswith=/"`
	Port    int    `json:"port" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 8080
	DefaultMetricsPath = "/metrics"
	CurrentVersion     = "1"
)

// NewTopology normalizes and validates the given services and global
// settings and returns the resulting Topology.
//
// NewTopology takes ownership of services; callers must not modify them
// afterwards. The returned error, if any, is a ValidationErrors.
func NewTopology(global Global, services []*Service) (*Topology, error) {
	topo := &Topology{
		Version:  CurrentVersion,
		Global:   global,
		Services: services,
	}
	normalizeGlobal(&topo.Global)
	for _, svc := range topo.Services {
		if svc != nil {
			NormalizeService(svc)
		}
	}
	if errs := validateTopology(topo); len(errs) > 0 {
		return nil, errs
	}
	return topo, nil
}

func normalizeGlobal(g *Global) {
	if g.Host == "" {
		g.Host = DefaultHost
	}
	if g.Port == 0 {
		g.Port = DefaultPort
	}
	if g.Metrics.Enabled && g.Metrics.Path == "" {
		g.Metrics.Path = DefaultMetricsPath
	}
	if g.Logging.Enabled && g.Logging.Level == "" {
		g.Logging.Level = "info"
	}
}

// Service returns the service named name, or nil.
func (t *Topology) Service(name string) *Service {
	for _, svc := range t.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// RouteCount returns the number of routes over all services.
func (t *Topology) RouteCount() int {
	n := 0
	for _, svc := range t.Services {
		n += len(svc.Routes)
	}
	return n
}

// WalkRoutes calls fn for every route in declaration order, with the
// indexes used in validation paths.
func (t *Topology) WalkRoutes(fn func(si int, svc *Service, ri int, route *Route)) {
	for si, svc := range t.Services {
		for ri, route := range svc.Routes {
			fn(si, svc, ri, route)
		}
	}
}
