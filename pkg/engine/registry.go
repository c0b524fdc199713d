// Package engine binds every target to its provider and runs exports
// and imports through them.
package engine

import (
	"fmt"
	"sync"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/zap"

	"github.com/jxskiss/gwxlate/pkg/apisix"
	"github.com/jxskiss/gwxlate/pkg/awsapigw"
	"github.com/jxskiss/gwxlate/pkg/azureapim"
	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/envoy"
	"github.com/jxskiss/gwxlate/pkg/gcpapigw"
	"github.com/jxskiss/gwxlate/pkg/haproxy"
	"github.com/jxskiss/gwxlate/pkg/kong"
	"github.com/jxskiss/gwxlate/pkg/nginx"
	"github.com/jxskiss/gwxlate/pkg/traefik"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// Registry maps targets to providers. It is immutable once built and
// safe for concurrent use.
type Registry struct {
	targets   []capability.Target
	providers map[capability.Target]*xlate.Provider
	caps      *capability.Registry

	log *zap.SugaredLogger
}

// NewRegistry builds a registry of providers. Every provider needs an
// exporter, an importer and a capability table for its own target.
func NewRegistry(providers ...xlate.Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[capability.Target]*xlate.Provider, len(providers)),
		log:       zlog.Named("engine").Sugar(),
	}
	tables := make([]capability.Table, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		switch {
		case p.Target == "":
			return nil, errors.Errorf("provider %d has no target", i)
		case r.providers[p.Target] != nil:
			return nil, errors.Errorf("duplicate provider for target %s", p.Target)
		case p.Export == nil || p.Import == nil:
			return nil, errors.Errorf("provider %s lacks an exporter or importer", p.Target)
		case p.Capabilities.Target != p.Target:
			return nil, errors.Errorf("provider %s carries the capability table of %s", p.Target, p.Capabilities.Target)
		}
		r.targets = append(r.targets, p.Target)
		r.providers[p.Target] = p
		tables = append(tables, p.Capabilities)
	}
	caps, err := capability.NewRegistry(tables...)
	if err != nil {
		return nil, errors.WithMessage(err, "build capability registry")
	}
	r.caps = caps
	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(fmt.Sprintf("engine: %v", err))
	}
	return r
})

// Default returns the registry of the built-in providers.
func Default() *Registry {
	return defaultRegistry()
}

// Builtin returns the providers of every known target in display order.
func Builtin() []xlate.Provider {
	return []xlate.Provider{
		{
			Target:       capability.Envoy,
			Description:  "Envoy static bootstrap (listeners, clusters, routes)",
			Files:        []string{envoy.BootstrapFile},
			Capabilities: envoy.Capabilities,
			Export:       envoy.Export,
			Import:       envoy.Import,
		},
		{
			Target:       capability.Kong,
			Description:  "Kong declarative configuration for decK",
			Files:        []string{kong.ConfigFile},
			Capabilities: kong.Capabilities,
			Export:       kong.Export,
			Import:       kong.Import,
		},
		{
			Target:       capability.APISIX,
			Description:  "Apache APISIX routes, upstreams and plugins",
			Files:        []string{apisix.ConfigFile},
			Capabilities: apisix.Capabilities,
			Export:       apisix.Export,
			Import:       apisix.Import,
		},
		{
			Target:       capability.Traefik,
			Description:  "Traefik dynamic configuration (routers, services, middlewares)",
			Files:        []string{traefik.ConfigFile, traefik.StaticFile},
			Capabilities: traefik.Capabilities,
			Export:       traefik.Export,
			Import:       traefik.Import,
		},
		{
			Target:       capability.Nginx,
			Description:  "NGINX configuration with OpenResty snippets",
			Files:        []string{nginx.ConfigFile},
			Capabilities: nginx.Capabilities,
			Export:       nginx.Export,
			Import:       nginx.Import,
		},
		{
			Target:       capability.HAProxy,
			Description:  "HAProxy frontends and backends",
			Files:        []string{haproxy.ConfigFile},
			Capabilities: haproxy.Capabilities,
			Export:       haproxy.Export,
			Import:       haproxy.Import,
		},
		{
			Target:       capability.AzureAPIM,
			Description:  "Azure API Management ARM template with an OpenAPI 3.0 definition",
			Files:        []string{azureapim.TemplateFile, azureapim.OpenAPIFile},
			Capabilities: azureapim.Capabilities,
			Export:       azureapim.Export,
			Import:       azureapim.Import,
		},
		{
			Target:       capability.AWSAPIGateway,
			Description:  "Amazon API Gateway REST API as OpenAPI 3.0 with x-amazon-apigateway extensions",
			Files:        []string{awsapigw.DefinitionFile},
			Capabilities: awsapigw.Capabilities,
			Export:       awsapigw.Export,
			Import:       awsapigw.Import,
		},
		{
			Target:       capability.GCPAPIGateway,
			Description:  "Google Cloud API Gateway config as Swagger 2.0 with x-google extensions",
			Files:        []string{gcpapigw.ConfigFile},
			Capabilities: gcpapigw.Capabilities,
			Export:       gcpapigw.Export,
			Import:       gcpapigw.Import,
		},
	}
}

// Targets returns the registered targets in registration order.
func (r *Registry) Targets() []capability.Target {
	return append([]capability.Target(nil), r.targets...)
}

// Capabilities returns the capability registry of every provider.
func (r *Registry) Capabilities() *capability.Registry {
	return r.caps
}

// Provider returns the provider of target.
func (r *Registry) Provider(target capability.Target) (*xlate.Provider, error) {
	p := r.providers[target]
	if p == nil {
		return nil, errors.Errorf("no provider for target %q", target)
	}
	return p, nil
}

// Lookup resolves a target name or alias to its provider.
func (r *Registry) Lookup(name string) (*xlate.Provider, error) {
	target, err := capability.ParseTarget(name)
	if err != nil {
		return nil, err
	}
	return r.Provider(target)
}
