// Package traefik translates topologies to and from Traefik v3 file
// provider configuration: the dynamic routers, services and middlewares
// and the static entry points, logs and metrics.
package traefik

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.Traefik,
	Rows: []capability.Row{
		capability.NativeRow(capability.RouteMatchPrefix),
		capability.NativeRow(capability.RouteMatchExact),
		capability.NativeRow(capability.RouteMatchRegex),
		capability.NativeRow(capability.RouteMethods),

		capability.NativeRow(capability.UpstreamMultipleTargets),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.ApproxRow(capability.UpstreamLeastConnections, "weighted round robin"),
		capability.ApproxRow(capability.UpstreamConsistentHash, "sticky sessions on a cookie"),
		capability.NativeRow(capability.UpstreamWeighted),
		capability.ApproxRow(capability.UpstreamActiveHealth, "path, interval, timeout and one expected status without thresholds"),
		capability.UnsupportedRow(capability.UpstreamPassiveHealth, "load balancers have no passive health checks"),

		capability.NativeRow(capability.RateLimit),
		capability.NativeRow(capability.RateLimitBurst),
		capability.ApproxRow(capability.AuthBasic, "basicAuth middleware with {SHA} htpasswd digests"),
		capability.UnsupportedRow(capability.AuthAPIKey, "needs a forwardAuth service or a plugin"),
		capability.UnsupportedRow(capability.AuthJWT, "needs a forwardAuth service or a plugin"),
		capability.NativeRow(capability.CORS),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.ApproxRow(capability.Timeout, "forwarding timeouts of the service serversTransport"),
		capability.ApproxRow(capability.Retry, "retry middleware, retries on network errors only"),
		capability.ApproxRow(capability.CircuitBreaker, "circuitBreaker middleware on the 5xx ratio, concurrency through inFlightReq"),
		capability.UnsupportedRow(capability.BodyTransform, "no middleware rewrites bodies"),
		capability.NativeRow(capability.TrafficSplitWeight),
		capability.ApproxRow(capability.TrafficSplitRules, "one extra router per rule with a Header matcher"),
		capability.NativeRow(capability.Mirror),
		capability.ApproxRow(capability.WebSocket, "upgrades are always proxied, nothing is configured"),

		capability.NativeRow(capability.GlobalAdmin),
		capability.NativeRow(capability.GlobalLogging),
		capability.NativeRow(capability.GlobalMetrics),
	},
}
