// Package haproxy translates topologies to and from a single haproxy.cfg
// for HAProxy 2.4 or later.
//
// Routes live in one frontend. Each route is selected once by storing
// its name in txn.route, later rules match that variable, so policies of
// two overlapping routes never apply to the same request. Services are
// backends; backend level settings such as timeouts and retries are
// service scoped.
package haproxy

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.HAProxy,
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
		capability.ApproxRow(capability.UpstreamPassiveHealth, "observe layer7 marks a server down after error-limit errors, downinter paces its checks"),

		capability.ApproxRow(capability.RateLimit, "sliding window http_req_rate counter in a stick table, denied with 429"),
		capability.UnsupportedRow(capability.RateLimitBurst, "rate counters have no burst allowance"),
		capability.NativeRow(capability.AuthBasic),
		capability.ApproxRow(capability.AuthAPIKey, "ACL listing the accepted keys, 401 otherwise"),
		capability.UnsupportedRow(capability.AuthJWT, "jwt_verify needs a local key, JWKS endpoints are not fetched"),
		capability.ApproxRow(capability.CORS, "response headers, preflight answered by http-request return"),
		capability.NativeRow(capability.RequestHeaders),
		capability.NativeRow(capability.ResponseHeaders),
		capability.ApproxRow(capability.Timeout, "backend timeouts, shared by every route of the service"),
		capability.ApproxRow(capability.Retry, "retries and retry-on of the backend, shared by every route of the service"),
		capability.ApproxRow(capability.CircuitBreaker, "maxconn, maxqueue and observe layer7 on the backend servers"),
		capability.UnsupportedRow(capability.BodyTransform, "request bodies can only be rewritten by Lua actions"),
		capability.NativeRow(capability.TrafficSplitWeight),
		capability.NativeRow(capability.TrafficSplitRules),
		capability.UnsupportedRow(capability.Mirror, "mirroring needs the external spoa-mirror agent"),
		capability.ApproxRow(capability.WebSocket, "upgrades are always proxied, idle timeout is the backend timeout tunnel"),

		capability.NativeRow(capability.GlobalAdmin),
		capability.NativeRow(capability.GlobalLogging),
		capability.NativeRow(capability.GlobalMetrics),
	},
}
