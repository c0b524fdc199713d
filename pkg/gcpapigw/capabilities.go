// Package gcpapigw translates topologies to and from the Swagger 2.0
// API config of a Google Cloud API Gateway.
//
// Routes become operations calling their service through an
// x-google-backend extension. Prefix matches add a "{path=**}"
// wildcard template, rate limits become per-minute quotas of the
// consumer project.
package gcpapigw

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.GCPAPIGateway,
	Rows: []capability.Row{
		capability.ApproxRow(capability.RouteMatchPrefix, "path template plus a {path=**} wildcard template"),
		capability.NativeRow(capability.RouteMatchExact),
		capability.UnsupportedRow(capability.RouteMatchRegex, "path templates have no regular expressions"),
		capability.NativeRow(capability.RouteMethods),

		capability.ApproxRow(capability.UpstreamMultipleTargets, "the backend address is the first target, balance the others behind it"),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.UnsupportedRow(capability.UpstreamLeastConnections, "one backend address per operation"),
		capability.UnsupportedRow(capability.UpstreamConsistentHash, "one backend address per operation"),
		capability.UnsupportedRow(capability.UpstreamWeighted, "one backend address per operation"),
		capability.UnsupportedRow(capability.UpstreamActiveHealth, "backends are not probed"),
		capability.UnsupportedRow(capability.UpstreamPassiveHealth, "backends are not ejected"),

		capability.ApproxRow(capability.RateLimit, "per-minute quota counted per consumer project"),
		capability.UnsupportedRow(capability.RateLimitBurst, "quotas have no burst allowance"),
		capability.UnsupportedRow(capability.AuthBasic, "no Basic authentication"),
		capability.ApproxRow(capability.AuthAPIKey, "Google Cloud API keys, the keys live in the project"),
		capability.NativeRow(capability.AuthJWT),
		capability.ApproxRow(capability.CORS, "preflight requests are passed to the backend, which answers them"),
		capability.UnsupportedRow(capability.RequestHeaders, "request headers cannot be changed"),
		capability.UnsupportedRow(capability.ResponseHeaders, "response headers cannot be changed"),
		capability.ApproxRow(capability.Timeout, "backend deadline, connect and idle timeouts are fixed"),
		capability.UnsupportedRow(capability.Retry, "backend calls are not retried"),
		capability.UnsupportedRow(capability.CircuitBreaker, "backends have no circuit breaker"),
		capability.UnsupportedRow(capability.BodyTransform, "bodies are passed through"),
		capability.UnsupportedRow(capability.TrafficSplitWeight, "one backend per operation"),
		capability.UnsupportedRow(capability.TrafficSplitRules, "one backend per operation"),
		capability.UnsupportedRow(capability.Mirror, "requests cannot be copied"),
		capability.UnsupportedRow(capability.WebSocket, "WebSocket connections are not proxied"),

		capability.UnsupportedRow(capability.GlobalAdmin, "managed service without an admin listener"),
		capability.ApproxRow(capability.GlobalLogging, "Cloud Logging records every request, the settings are dropped"),
		capability.ApproxRow(capability.GlobalMetrics, "Cloud Monitoring collects the metrics, the settings are dropped"),
	},
}
