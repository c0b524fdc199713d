// Package nginx translates topologies to and from an nginx.conf built on
// open source nginx modules, with OpenResty for body rewriting.
package nginx

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.Nginx,
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
		capability.UnsupportedRow(capability.UpstreamActiveHealth, "active health checks need NGINX Plus"),
		capability.ApproxRow(capability.UpstreamPassiveHealth, "max_fails and fail_timeout on servers, failures are what proxy_next_upstream counts"),

		capability.NativeRow(capability.RateLimit),
		capability.NativeRow(capability.RateLimitBurst),
		capability.NativeRow(capability.AuthBasic),
		capability.ApproxRow(capability.AuthAPIKey, "map of accepted keys checked with if, 401 otherwise"),
		capability.UnsupportedRow(capability.AuthJWT, "auth_jwt needs NGINX Plus"),
		capability.ApproxRow(capability.CORS, "add_header directives, preflight answered with 204"),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.NativeRow(capability.Timeout),
		capability.ApproxRow(capability.Retry, "proxy_next_upstream tries, no per-try timeout"),
		capability.ApproxRow(capability.CircuitBreaker, "max_conns, max_fails and fail_timeout on upstream servers"),
		capability.ApproxRow(capability.BodyTransform, "OpenResty access_by_lua_file rewriting the JSON request body"),
		capability.NativeRow(capability.TrafficSplitWeight),
		capability.NativeRow(capability.TrafficSplitRules),
		capability.ApproxRow(capability.Mirror, "mirror subrequest sampled by split_clients on $request_id"),
		capability.NativeRow(capability.WebSocket),

		capability.ApproxRow(capability.GlobalAdmin, "stub_status server on the admin port"),
		capability.NativeRow(capability.GlobalLogging),
		capability.ApproxRow(capability.GlobalMetrics, "stub_status counters, scraped through an exporter"),
	},
}
