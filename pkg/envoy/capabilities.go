// Package envoy translates topologies to and from an Envoy static
// bootstrap configuration.
package envoy

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

// Capabilities is the Envoy support table.
var Capabilities = capability.Table{
	Target: capability.Envoy,
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
		capability.NativeRow(capability.UpstreamPassiveHealth),

		capability.NativeRow(capability.RateLimit),
		capability.NativeRow(capability.RateLimitBurst),
		capability.ApproxRow(capability.AuthBasic, "htpasswd SHA digests, realm not expressible"),
		capability.NativeRow(capability.AuthAPIKey),
		capability.NativeRow(capability.AuthJWT),
		capability.NativeRow(capability.CORS),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.NativeRow(capability.Timeout),
		capability.NativeRow(capability.Retry),
		capability.NativeRow(capability.CircuitBreaker),
		capability.ApproxRow(capability.BodyTransform, "Lua filter script per route"),
		capability.NativeRow(capability.TrafficSplitWeight),
		capability.ApproxRow(capability.TrafficSplitRules, "one extra route per rule with a header matcher"),
		capability.NativeRow(capability.Mirror),
		capability.NativeRow(capability.WebSocket),

		capability.NativeRow(capability.GlobalAdmin),
		capability.NativeRow(capability.GlobalLogging),
		capability.ApproxRow(capability.GlobalMetrics, "served by the admin listener at /stats/prometheus"),
	},
}
