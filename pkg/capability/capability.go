// Package capability holds the per-target feature support tables.
//
// Tables are plain data declared by each provider package. A Registry is
// built once from all tables and is read-only afterwards; Lookup never
// fails, pairs that no table declares are reported as unsupported.
package capability

import (
	"fmt"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/ir"
)

type Target string

const (
	Envoy         Target = "envoy"
	Kong          Target = "kong"
	APISIX        Target = "apisix"
	Traefik       Target = "traefik"
	Nginx         Target = "nginx"
	HAProxy       Target = "haproxy"
	AzureAPIM     Target = "azure_apim"
	AWSAPIGateway Target = "aws_apigateway"
	GCPAPIGateway Target = "gcp_apigateway"
)

// AllTargets lists the known targets in display order.
var AllTargets = []Target{
	Envoy, Kong, APISIX, Traefik, Nginx, HAProxy, AzureAPIM, AWSAPIGateway, GCPAPIGateway,
}

var targetAliases = map[string]Target{
	"azure":      AzureAPIM,
	"apim":       AzureAPIM,
	"aws":        AWSAPIGateway,
	"apigateway": AWSAPIGateway,
	"gcp":        GCPAPIGateway,
	"google":     GCPAPIGateway,
}

// ParseTarget resolves a target name or one of its aliases.
func ParseTarget(s string) (Target, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	for _, t := range AllTargets {
		if string(t) == name {
			return t, nil
		}
	}
	if t, ok := targetAliases[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown target %q", s)
}

func (t Target) String() string { return string(t) }

// Feature is a dotted key naming one IR feature.
type Feature string

const (
	RouteMatchPrefix Feature = "route.match.prefix"
	RouteMatchExact  Feature = "route.match.exact"
	RouteMatchRegex  Feature = "route.match.regex"
	RouteMethods     Feature = "route.methods"

	UpstreamMultipleTargets  Feature = "upstream.targets.multiple"
	UpstreamRoundRobin       Feature = "upstream.lb.round_robin"
	UpstreamLeastConnections Feature = "upstream.lb.least_connections"
	UpstreamConsistentHash   Feature = "upstream.lb.consistent_hash"
	UpstreamWeighted         Feature = "upstream.lb.weighted"
	UpstreamActiveHealth     Feature = "upstream.health_check.active"
	UpstreamPassiveHealth    Feature = "upstream.health_check.passive"

	RateLimit          Feature = "policy.rate_limit"
	RateLimitBurst     Feature = "policy.rate_limit.burst"
	AuthBasic          Feature = "policy.auth.basic"
	AuthAPIKey         Feature = "policy.auth.api_key"
	AuthJWT            Feature = "policy.auth.jwt"
	CORS               Feature = "policy.cors"
	RequestHeaders     Feature = "policy.headers.request"
	ResponseHeaders    Feature = "policy.headers.response"
	Timeout            Feature = "policy.timeout"
	Retry              Feature = "policy.retry"
	CircuitBreaker     Feature = "policy.circuit_breaker"
	BodyTransform      Feature = "policy.body_transform"
	TrafficSplitWeight Feature = "policy.traffic_split.weight"
	TrafficSplitRules  Feature = "policy.traffic_split.rules"
	Mirror             Feature = "policy.mirror"
	WebSocket          Feature = "policy.websocket"

	GlobalAdmin   Feature = "global.admin"
	GlobalLogging Feature = "global.logging"
	GlobalMetrics Feature = "global.metrics"
)

// AllFeatures lists the modeled features in canonical order.
var AllFeatures = []Feature{
	RouteMatchPrefix, RouteMatchExact, RouteMatchRegex, RouteMethods,
	UpstreamMultipleTargets, UpstreamRoundRobin, UpstreamLeastConnections,
	UpstreamConsistentHash, UpstreamWeighted, UpstreamActiveHealth, UpstreamPassiveHealth,
	RateLimit, RateLimitBurst, AuthBasic, AuthAPIKey, AuthJWT, CORS,
	RequestHeaders, ResponseHeaders, Timeout, Retry, CircuitBreaker, BodyTransform,
	TrafficSplitWeight, TrafficSplitRules, Mirror, WebSocket,
	GlobalAdmin, GlobalLogging, GlobalMetrics,
}

// MatchFeature returns the feature key of a path match kind.
func MatchFeature(kind ir.MatchKind) Feature {
	return Feature("route.match." + string(kind))
}

// AlgorithmFeature returns the feature key of a load-balancing algorithm.
func AlgorithmFeature(alg ir.LBAlgorithm) Feature {
	return Feature("upstream.lb." + string(alg))
}

// AuthFeature returns the feature key of an authentication type.
func AuthFeature(typ ir.AuthType) Feature {
	return Feature("policy.auth." + string(typ))
}

// SplitFeature returns the feature key of a traffic split mode.
func SplitFeature(mode ir.SplitMode) Feature {
	return Feature("policy.traffic_split." + string(mode))
}

// PolicyFeature returns the primary feature key of a policy.
func PolicyFeature(p ir.Policy) Feature {
	switch x := p.(type) {
	case *ir.Authentication:
		return AuthFeature(x.Type)
	case *ir.TrafficSplit:
		return SplitFeature(x.Mode)
	case *ir.Headers:
		if x.Request.IsEmpty() {
			return ResponseHeaders
		}
		return RequestHeaders
	}
	return Feature("policy." + string(p.Kind()))
}
