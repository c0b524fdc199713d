// Package apisix translates topologies to and from the APISIX
// standalone configuration (apisix.json).
package apisix

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.APISIX,
	Rows: []capability.Row{
		capability.NativeRow(capability.RouteMatchPrefix),
		capability.NativeRow(capability.RouteMatchExact),
		capability.NativeRow(capability.RouteMatchRegex),
		capability.NativeRow(capability.RouteMethods),

		capability.NativeRow(capability.UpstreamMultipleTargets),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.NativeRow(capability.UpstreamLeastConnections),
		capability.NativeRow(capability.UpstreamConsistentHash),
		capability.NativeRow(capability.UpstreamWeighted),
		capability.NativeRow(capability.UpstreamActiveHealth),
		capability.ApproxRow(capability.UpstreamPassiveHealth, "passive checks only run together with active checks"),

		capability.NativeRow(capability.RateLimit),
		capability.NativeRow(capability.RateLimitBurst),
		capability.NativeRow(capability.AuthBasic),
		capability.NativeRow(capability.AuthAPIKey),
		capability.ApproxRow(capability.AuthJWT, "jwt-auth consumer keyed by the iss claim, the public key is provisioned separately"),
		capability.NativeRow(capability.CORS),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.NativeRow(capability.Timeout),
		capability.ApproxRow(capability.Retry, "upstream retries, conditions follow proxy_next_upstream"),
		capability.ApproxRow(capability.CircuitBreaker, "api-breaker plugin counting failures per route"),
		capability.ApproxRow(capability.BodyTransform, "serverless pre-function rewriting the JSON request body"),
		capability.NativeRow(capability.TrafficSplitWeight),
		capability.NativeRow(capability.TrafficSplitRules),
		capability.NativeRow(capability.Mirror),
		capability.NativeRow(capability.WebSocket),

		capability.UnsupportedRow(capability.GlobalAdmin, "the admin API is configured in config.yaml"),
		capability.NativeRow(capability.GlobalLogging),
		capability.NativeRow(capability.GlobalMetrics),
	},
}
