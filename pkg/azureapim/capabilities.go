// Package azureapim translates topologies to and from an Azure API
// Management ARM template.
//
// The template deploys one API named "gateway" whose operations come
// from an embedded OpenAPI 3.0 document, one policy per operation, and
// one backend per upstream. Routes own several operations: one per
// method, plus a "/*" wildcard twin for prefix matches. Every operation
// of a route carries the same policy.
package azureapim

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.AzureAPIM,
	Rows: []capability.Row{
		capability.ApproxRow(capability.RouteMatchPrefix, "exact operation plus a /* wildcard operation, matching whole path segments"),
		capability.NativeRow(capability.RouteMatchExact),
		capability.UnsupportedRow(capability.RouteMatchRegex, "operation URL templates have no regular expressions"),
		capability.NativeRow(capability.RouteMethods),

		capability.ApproxRow(capability.UpstreamMultipleTargets, "load-balanced backend pool of single URL backends"),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.UnsupportedRow(capability.UpstreamLeastConnections, "pools balance by weight and priority only"),
		capability.UnsupportedRow(capability.UpstreamConsistentHash, "pools balance by weight and priority only"),
		capability.NativeRow(capability.UpstreamWeighted),
		capability.UnsupportedRow(capability.UpstreamActiveHealth, "backends are not probed"),
		capability.UnsupportedRow(capability.UpstreamPassiveHealth, "circuit breaker rules trip a whole backend, not one target"),

		capability.ApproxRow(capability.RateLimit, "rate-limit-by-key, a fixed window of calls per renewal period"),
		capability.UnsupportedRow(capability.RateLimitBurst, "fixed windows have no burst allowance"),
		capability.ApproxRow(capability.AuthBasic, "check-header comparing Authorization with each user's credentials"),
		capability.ApproxRow(capability.AuthAPIKey, "check-header on the key header, a policy expression on the query parameter"),
		capability.ApproxRow(capability.AuthJWT, "validate-jwt reading keys from the issuer OpenID configuration"),
		capability.NativeRow(capability.CORS),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.ApproxRow(capability.Timeout, "forward-request timeout in whole seconds"),
		capability.ApproxRow(capability.Retry, "retry policy around forward-request, conditions become expressions"),
		capability.ApproxRow(capability.CircuitBreaker, "circuit breaker rule of the backend, shared by every route of the service"),
		capability.ApproxRow(capability.BodyTransform, "set-body policy expression rewriting top-level JSON fields"),
		capability.ApproxRow(capability.TrafficSplitWeight, "weighted backend pool, each split target uses its first address"),
		capability.ApproxRow(capability.TrafficSplitRules, "choose on the header with set-backend-service, each split target uses its first address"),
		capability.ApproxRow(capability.Mirror, "send-one-way-request copying a random sample to the first mirror address"),
		capability.UnsupportedRow(capability.WebSocket, "WebSocket passthrough needs a separate WebSocket API"),

		capability.UnsupportedRow(capability.GlobalAdmin, "managed service without an admin listener"),
		capability.UnsupportedRow(capability.GlobalLogging, "diagnostics are configured on the service instance"),
		capability.UnsupportedRow(capability.GlobalMetrics, "metrics are published to Azure Monitor"),
	},
}
