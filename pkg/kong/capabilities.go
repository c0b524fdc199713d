// Package kong translates topologies to and from Kong declarative
// configuration in the decK 3.0 format.
package kong

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.Kong,
	Rows: []capability.Row{
		capability.NativeRow(capability.RouteMatchPrefix),
		capability.ApproxRow(capability.RouteMatchExact, "anchored regex path"),
		capability.NativeRow(capability.RouteMatchRegex),
		capability.NativeRow(capability.RouteMethods),

		capability.NativeRow(capability.UpstreamMultipleTargets),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.NativeRow(capability.UpstreamLeastConnections),
		capability.NativeRow(capability.UpstreamConsistentHash),
		capability.NativeRow(capability.UpstreamWeighted),
		capability.NativeRow(capability.UpstreamActiveHealth),
		capability.ApproxRow(capability.UpstreamPassiveHealth, "unhealthy targets come back through active checks only"),

		capability.NativeRow(capability.RateLimit),
		capability.UnsupportedRow(capability.RateLimitBurst, "rate-limiting counts fixed windows without a burst allowance"),
		capability.NativeRow(capability.AuthBasic),
		capability.NativeRow(capability.AuthAPIKey),
		capability.ApproxRow(capability.AuthJWT, "jwt plugin with a consumer secret keyed by issuer, the public key is provisioned separately"),
		capability.NativeRow(capability.CORS),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.ApproxRow(capability.Timeout, "service connect, read and write timeouts"),
		capability.ApproxRow(capability.Retry, "service retry count"),
		capability.ApproxRow(capability.CircuitBreaker, "passive health check failures on the upstream"),
		capability.ApproxRow(capability.BodyTransform, "request-transformer and response-transformer body fields"),
		capability.ApproxRow(capability.TrafficSplitWeight, "split targets merged into one weighted upstream"),
		capability.ApproxRow(capability.TrafficSplitRules, "one extra route per rule with a header match"),
		capability.ApproxRow(capability.Mirror, "pre-function Lua plugin sending a random sample"),
		capability.NativeRow(capability.WebSocket),

		capability.UnsupportedRow(capability.GlobalAdmin, "admin_listen is set in kong.conf"),
		capability.NativeRow(capability.GlobalLogging),
		capability.NativeRow(capability.GlobalMetrics),
	},
}
