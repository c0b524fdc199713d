// Package awsapigw translates topologies to and from the OpenAPI 3.0
// definition of an Amazon API Gateway REST API.
//
// Every route becomes one resource per path template, with an HTTP
// proxy integration per method. Prefix matches add a greedy
// "{proxy+}" resource. Stage settings (throttling, canaries, logging)
// and usage plans are not part of the definition.
package awsapigw

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

var Capabilities = capability.Table{
	Target: capability.AWSAPIGateway,
	Rows: []capability.Row{
		capability.ApproxRow(capability.RouteMatchPrefix, "resource for the path plus a greedy {proxy+} child resource"),
		capability.NativeRow(capability.RouteMatchExact),
		capability.UnsupportedRow(capability.RouteMatchRegex, "resource paths have no regular expressions"),
		capability.NativeRow(capability.RouteMethods),

		capability.ApproxRow(capability.UpstreamMultipleTargets, "the integration calls the first target, balance the others behind it"),
		capability.NativeRow(capability.UpstreamRoundRobin),
		capability.UnsupportedRow(capability.UpstreamLeastConnections, "one integration endpoint per method"),
		capability.UnsupportedRow(capability.UpstreamConsistentHash, "one integration endpoint per method"),
		capability.UnsupportedRow(capability.UpstreamWeighted, "one integration endpoint per method"),
		capability.UnsupportedRow(capability.UpstreamActiveHealth, "integrations are not probed"),
		capability.UnsupportedRow(capability.UpstreamPassiveHealth, "integrations are not ejected"),

		capability.UnsupportedRow(capability.RateLimit, "throttling is a stage or usage plan setting"),
		capability.UnsupportedRow(capability.RateLimitBurst, "throttling is a stage or usage plan setting"),
		capability.UnsupportedRow(capability.AuthBasic, "Basic credentials need a Lambda authorizer"),
		capability.ApproxRow(capability.AuthAPIKey, "required x-api-key header, the keys live in usage plans"),
		capability.ApproxRow(capability.AuthJWT, "Cognito user pool authorizer, the issuer must be a user pool"),
		capability.ApproxRow(capability.CORS, "OPTIONS mock integration answering preflight requests with one origin"),
		capability.ApproxRow(capability.RequestHeaders, "static integration request parameters, appends become overrides"),
		capability.UnsupportedRow(capability.ResponseHeaders, "proxy integrations pass backend responses through"),
		capability.ApproxRow(capability.Timeout, "integration timeout between 50ms and 29s"),
		capability.UnsupportedRow(capability.Retry, "integrations are not retried"),
		capability.UnsupportedRow(capability.CircuitBreaker, "integrations have no circuit breaker"),
		capability.ApproxRow(capability.BodyTransform, "non-proxy integration with a VTL request mapping template"),
		capability.UnsupportedRow(capability.TrafficSplitWeight, "canaries are a stage setting"),
		capability.UnsupportedRow(capability.TrafficSplitRules, "integrations cannot branch on headers"),
		capability.UnsupportedRow(capability.Mirror, "integrations cannot copy requests"),
		capability.UnsupportedRow(capability.WebSocket, "WebSocket APIs are a separate API type"),

		capability.UnsupportedRow(capability.GlobalAdmin, "managed service without an admin listener"),
		capability.UnsupportedRow(capability.GlobalLogging, "access logging is a stage setting"),
		capability.UnsupportedRow(capability.GlobalMetrics, "CloudWatch metrics are a stage setting"),
	},
}
