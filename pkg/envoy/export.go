package envoy

import (
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	bootstrap "github.com/envoyproxy/go-control-plane/envoy/config/bootstrap/v3"
	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	jwtauthn "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/jwt_authn/v3"
	luav3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/lua/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/golang/protobuf/ptypes/wrappers"
	"github.com/jxskiss/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology

	clusters     []*cluster.Cluster
	clusterIndex map[string]*cluster.Cluster
	usedFilters  map[string]bool
	jwt          *jwtauthn.JwtAuthentication
	err          error
}

// Export renders topo as an Envoy static bootstrap file.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:          ctx,
		topo:         topo,
		clusterIndex: make(map[string]*cluster.Cluster),
		usedFilters:  make(map[string]bool),
	}

	var routes []*route.Route
	for si, svc := range topo.Services {
		e.addCluster(svc.Name, svc.Protocol, &svc.Upstream, xlate.ServicePath(si)+".upstream")
		e.applyServicePolicies(si, svc)
		for ri, r := range svc.Routes {
			routes = append(routes, e.makeRoutes(si, svc, ri, r)...)
		}
	}
	lis := e.makeListener(routes)
	if e.err != nil {
		return nil, e.err
	}

	bs := &bootstrap.Bootstrap{
		Admin: e.makeAdmin(),
		StaticResources: &bootstrap.Bootstrap_StaticResources{
			Listeners: []*listener.Listener{lis},
			Clusters:  e.clusters,
		},
	}
	content, err := marshalYAML(bs)
	if err != nil {
		return nil, err
	}
	return xlate.NewArtifact(capability.Envoy, xlate.File{
		Name:      BootstrapFile,
		MediaType: xlate.MediaYAML,
		Content:   content,
	}), nil
}

func (e *exporter) addCluster(name, protocol string, up *ir.Upstream, path string) *cluster.Cluster {
	if c := e.clusterIndex[name]; c != nil {
		return c
	}
	e.ctx.CheckUpstream(up, path)
	c := &cluster.Cluster{
		Name:                 name,
		ClusterDiscoveryType: &cluster.Cluster_Type{Type: discoveryType(up)},
		LbPolicy:             lbPolicies[up.Algorithm],
		LoadAssignment:       loadAssignment(name, up),
	}
	if hc := up.HealthCheck; hc != nil {
		if hc.Active != nil {
			c.HealthChecks = []*core.HealthCheck{activeHealthCheck(hc.Active)}
		}
		if hc.Passive != nil {
			c.OutlierDetection = &cluster.OutlierDetection{
				Consecutive_5Xx: &wrappers.UInt32Value{Value: uint32(hc.Passive.MaxFailures)},
			}
			if !hc.Passive.EjectionTime.IsZero() {
				c.OutlierDetection.BaseEjectionTime = durationpb.New(hc.Passive.EjectionTime.Std())
			}
			if len(hc.Passive.UnhealthyStatuses) > 0 {
				e.ctx.Warnf(capability.UpstreamPassiveHealth, path+".health_check.passive.unhealthy_statuses",
					"outlier detection counts consecutive 5xx responses, status list dropped")
			}
		}
	}
	switch protocol {
	case "https":
		c.TransportSocket = upstreamTLS(up.Targets[0].Host)
	case "grpc":
		c.Http2ProtocolOptions = &core.Http2ProtocolOptions{}
	}
	e.clusters = append(e.clusters, c)
	e.clusterIndex[name] = c
	return c
}

var lbPolicies = map[ir.LBAlgorithm]cluster.Cluster_LbPolicy{
	ir.RoundRobin:       cluster.Cluster_ROUND_ROBIN,
	ir.Weighted:         cluster.Cluster_ROUND_ROBIN,
	ir.LeastConnections: cluster.Cluster_LEAST_REQUEST,
	ir.ConsistentHash:   cluster.Cluster_RING_HASH,
}

func discoveryType(up *ir.Upstream) cluster.Cluster_DiscoveryType {
	for _, t := range up.Targets {
		if !xlate.IsIP(t.Host) {
			return cluster.Cluster_STRICT_DNS
		}
	}
	return cluster.Cluster_STATIC
}

func loadAssignment(name string, up *ir.Upstream) *endpoint.ClusterLoadAssignment {
	lbEndpoints := make([]*endpoint.LbEndpoint, 0, len(up.Targets))
	for _, t := range up.Targets {
		ep := &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{Address: socketAddress(t.Host, t.Port)},
			},
		}
		if up.Algorithm == ir.Weighted {
			ep.LoadBalancingWeight = &wrappers.UInt32Value{Value: uint32(t.EffectiveWeight())}
		}
		lbEndpoints = append(lbEndpoints, ep)
	}
	return &endpoint.ClusterLoadAssignment{
		ClusterName: name,
		Endpoints:   []*endpoint.LocalityLbEndpoints{{LbEndpoints: lbEndpoints}},
	}
}

func activeHealthCheck(hc *ir.ActiveHealthCheck) *core.HealthCheck {
	interval, timeout := hc.Interval, hc.Timeout
	if interval.IsZero() {
		interval = defaultHealthInterval
	}
	if timeout.IsZero() {
		timeout = defaultHealthTimeout
	}
	healthy, unhealthy := hc.HealthyThreshold, hc.UnhealthyThreshold
	if healthy == 0 {
		healthy = defaultHealthyThreshold
	}
	if unhealthy == 0 {
		unhealthy = defaultUnhealthyThreshold
	}
	httpCheck := &core.HealthCheck_HttpHealthCheck{Path: hc.Path}
	for _, s := range hc.ExpectedStatuses {
		httpCheck.ExpectedStatuses = append(httpCheck.ExpectedStatuses, &typev3.Int64Range{Start: int64(s), End: int64(s) + 1})
	}
	return &core.HealthCheck{
		Timeout:            durationpb.New(timeout.Std()),
		Interval:           durationpb.New(interval.Std()),
		HealthyThreshold:   &wrappers.UInt32Value{Value: uint32(healthy)},
		UnhealthyThreshold: &wrappers.UInt32Value{Value: uint32(unhealthy)},
		HealthChecker:      &core.HealthCheck_HttpHealthCheck_{HttpHealthCheck: httpCheck},
	}
}

// applyServicePolicies sets the cluster-scoped parts of route policies
// on the service cluster. The first route carrying one wins.
func (e *exporter) applyServicePolicies(si int, svc *ir.Service) {
	c := e.clusterIndex[svc.Name]
	var cb *ir.CircuitBreaker
	var connect *ir.Timeout
	var cbRoute, connectRoute string
	for ri, r := range svc.Routes {
		if x, ok := ir.PolicyOf[*ir.CircuitBreaker](r); ok {
			path := xlate.PolicyPath(si, ri, ir.KindCircuitBreaker)
			switch {
			case cb == nil:
				if e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
					cb, cbRoute = x, r.Name
					e.applyCircuitBreaker(c, x, path)
				}
			case *cb != *x:
				e.ctx.Warnf(capability.CircuitBreaker, path, "circuit breakers are per cluster, the one of route %s is used", cbRoute)
			}
		}
		if x, ok := ir.PolicyOf[*ir.Timeout](r); ok && !x.Connect.IsZero() {
			path := xlate.PolicyPath(si, ri, ir.KindTimeout) + ".connect"
			switch {
			case connect == nil:
				connect, connectRoute = x, r.Name
				c.ConnectTimeout = durationpb.New(x.Connect.Std())
			case connect.Connect != x.Connect:
				e.ctx.Warnf(capability.Timeout, path, "connect timeout is per cluster, the one of route %s is used", connectRoute)
			}
		}
	}
}

func (e *exporter) applyCircuitBreaker(c *cluster.Cluster, cb *ir.CircuitBreaker, path string) {
	th := &cluster.CircuitBreakers_Thresholds{}
	if cb.MaxConnections > 0 {
		th.MaxConnections = &wrappers.UInt32Value{Value: uint32(cb.MaxConnections)}
	}
	if cb.MaxPendingRequests > 0 {
		th.MaxPendingRequests = &wrappers.UInt32Value{Value: uint32(cb.MaxPendingRequests)}
	}
	if cb.MaxRequests > 0 {
		th.MaxRequests = &wrappers.UInt32Value{Value: uint32(cb.MaxRequests)}
	}
	c.CircuitBreakers = &cluster.CircuitBreakers{Thresholds: []*cluster.CircuitBreakers_Thresholds{th}}
	if cb.MaxFailures > 0 {
		if c.OutlierDetection != nil {
			e.ctx.Warnf(capability.CircuitBreaker, path+".max_failures",
				"outlier detection already configured by the passive health check")
		} else {
			c.OutlierDetection = &cluster.OutlierDetection{
				Consecutive_5Xx: &wrappers.UInt32Value{Value: uint32(cb.MaxFailures)},
			}
			if !cb.OpenTimeout.IsZero() {
				c.OutlierDetection.BaseEjectionTime = durationpb.New(cb.OpenTimeout.Std())
			}
		}
	}
	if cb.HalfOpenRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path+".half_open_requests", "ejected hosts return after base_ejection_time, half-open probing is not expressible")
	}
}

func (e *exporter) makeRoutes(si int, svc *ir.Service, ri int, r *ir.Route) []*route.Route {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	rt := &route.Route{Name: r.Name, Match: routeMatch(r)}
	action := &route.RouteAction{
		ClusterSpecifier: &route.RouteAction_Cluster{Cluster: svc.Name},
	}
	if svc.Upstream.Algorithm == ir.ConsistentHash {
		action.HashPolicy = hashPolicy(svc.Upstream.HashKey)
	}

	var split *ir.TrafficSplit
	var splitPath string
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(rt, x, ppath)
		case *ir.Authentication:
			e.authentication(rt, x, ppath)
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				e.perFilter(rt, wellknown.CORS, corsPolicy(x))
			}
		case *ir.Headers:
			e.headers(rt, x, ppath)
		case *ir.Timeout:
			if x.Request.IsZero() && x.Idle.IsZero() {
				continue
			}
			if e.ctx.Support(capability.Timeout, ppath).IsSupported() {
				if !x.Request.IsZero() {
					action.Timeout = durationpb.New(x.Request.Std())
				}
				if !x.Idle.IsZero() {
					action.IdleTimeout = durationpb.New(x.Idle.Std())
				}
			}
		case *ir.Retry:
			if e.ctx.Support(capability.Retry, ppath).IsSupported() {
				action.RetryPolicy = e.retryPolicy(x, ppath)
			}
		case *ir.CircuitBreaker:
			// applied on the cluster
		case *ir.BodyTransform:
			e.bodyTransform(rt, x, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				split, splitPath = x, ppath
			}
		case *ir.Mirror:
			if e.ctx.Support(capability.Mirror, ppath).IsSupported() {
				action.RequestMirrorPolicies = append(action.RequestMirrorPolicies, e.mirrorPolicy(svc, x, ppath))
			}
		case *ir.WebSocket:
			e.webSocket(action, x, ppath)
		}
	}
	rt.Action = &route.Route_Route{Route: action}
	if split == nil {
		return []*route.Route{rt}
	}
	return e.splitRoutes(svc, r, rt, split, splitPath)
}

func routeMatch(r *ir.Route) *route.RouteMatch {
	m := &route.RouteMatch{}
	switch r.Match.Kind {
	case ir.MatchExact:
		m.PathSpecifier = &route.RouteMatch_Path{Path: r.Match.Value}
	case ir.MatchRegex:
		m.PathSpecifier = &route.RouteMatch_SafeRegex{SafeRegex: &matcher.RegexMatcher{Regex: r.Match.Value}}
	default:
		m.PathSpecifier = &route.RouteMatch_Prefix{Prefix: r.Match.Value}
	}
	if !r.Methods.Any() {
		sm := &matcher.StringMatcher{}
		if r.Methods.Len() == 1 {
			sm.MatchPattern = &matcher.StringMatcher_Exact{Exact: r.Methods.Join("")}
		} else {
			sm.MatchPattern = &matcher.StringMatcher_SafeRegex{SafeRegex: &matcher.RegexMatcher{Regex: r.Methods.Regex()}}
		}
		m.Headers = append(m.Headers, &route.HeaderMatcher{
			Name:                 methodHeader,
			HeaderMatchSpecifier: &route.HeaderMatcher_StringMatch{StringMatch: sm},
		})
	}
	return m
}

func hashPolicy(key *ir.HashKey) []*route.RouteAction_HashPolicy {
	hp := &route.RouteAction_HashPolicy{}
	switch key.Source {
	case ir.HashHeader:
		hp.PolicySpecifier = &route.RouteAction_HashPolicy_Header_{
			Header: &route.RouteAction_HashPolicy_Header{HeaderName: key.Name},
		}
	case ir.HashCookie:
		hp.PolicySpecifier = &route.RouteAction_HashPolicy_Cookie_{
			Cookie: &route.RouteAction_HashPolicy_Cookie{Name: key.Name},
		}
	case ir.HashIP:
		hp.PolicySpecifier = &route.RouteAction_HashPolicy_ConnectionProperties_{
			ConnectionProperties: &route.RouteAction_HashPolicy_ConnectionProperties{SourceIp: true},
		}
	case ir.HashURI:
		hp.PolicySpecifier = &route.RouteAction_HashPolicy_Header_{
			Header: &route.RouteAction_HashPolicy_Header{HeaderName: pathHeader},
		}
	case ir.HashQuery:
		hp.PolicySpecifier = &route.RouteAction_HashPolicy_QueryParameter_{
			QueryParameter: &route.RouteAction_HashPolicy_QueryParameter{Name: key.Name},
		}
	}
	return []*route.RouteAction_HashPolicy{hp}
}

func (e *exporter) perFilter(rt *route.Route, filter string, msg proto.Message) {
	cfg, err := anypb.New(msg)
	if err != nil {
		e.fail(errors.WithMessagef(err, "encoding %s config of route %s", filter, rt.Name))
		return
	}
	if rt.TypedPerFilterConfig == nil {
		rt.TypedPerFilterConfig = make(map[string]*anypb.Any)
	}
	rt.TypedPerFilterConfig[filter] = cfg
	e.usedFilters[filter] = true
}

// perFilterEnabled enables a filter that is disabled in the connection
// manager for this route only.
func (e *exporter) perFilterEnabled(rt *route.Route, filter string, msg proto.Message) {
	inner, err := anypb.New(msg)
	if err != nil {
		e.fail(errors.WithMessagef(err, "encoding %s config of route %s", filter, rt.Name))
		return
	}
	e.perFilter(rt, filter, &route.FilterConfig{Config: inner})
}

func (e *exporter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *exporter) rateLimit(rt *route.Route, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	burst := uint32(0)
	if rl.Burst > 0 && e.ctx.Support(capability.RateLimitBurst, path+".burst").IsSupported() {
		burst = uint32(rl.Burst)
	}
	if rl.Key != "" && rl.Key != ir.RateLimitGlobal {
		e.ctx.Warnf(capability.RateLimit, path+".key", "local rate limit buckets are shared by all clients of the route, key %s ignored", rl.Key)
	}
	tokens, interval := rl.RequestsPerSecond.TokenBucket()
	e.perFilter(rt, filterLocalRateLimit, &localRateLimit{
		StatPrefix: "rate_limit_" + rt.Name,
		TokenBucket: &typev3.TokenBucket{
			MaxTokens:     tokens + burst,
			TokensPerFill: &wrappers.UInt32Value{Value: tokens},
			FillInterval:  durationpb.New(interval),
		},
		FilterEnabled:  fullFraction(runtimeRateLimitEnabled),
		FilterEnforced: fullFraction(runtimeRateLimitEnforced),
	})
}

func fullFraction(key string) *core.RuntimeFractionalPercent {
	return &core.RuntimeFractionalPercent{
		DefaultValue: &typev3.FractionalPercent{Numerator: 100, Denominator: typev3.FractionalPercent_HUNDRED},
		RuntimeKey:   key,
	}
}

func (e *exporter) authentication(rt *route.Route, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return
	}
	switch a.Type {
	case ir.AuthBasic:
		if a.Basic.Realm != "" {
			e.ctx.Warnf(capability.AuthBasic, path+".basic.realm", "realm is not expressible")
		}
		e.perFilterEnabled(rt, filterBasicAuth, &basicAuthPerRoute{Users: inlineString(htpasswd(a.Basic.Users))})
	case ir.AuthAPIKey:
		cfg := &apiKeyAuthPerRoute{
			KeySources: []*apiKeySource{{Header: a.APIKey.KeyHeader(), Query: a.APIKey.Query}},
		}
		for i, k := range a.APIKey.Keys {
			cfg.Credentials = append(cfg.Credentials, &apiKeyCredential{Key: k, Client: clientName(rt.Name, i)})
		}
		e.perFilterEnabled(rt, filterAPIKeyAuth, cfg)
	case ir.AuthJWT:
		e.jwtAuth(rt, a.JWT, path+".jwt")
	}
}

func clientName(routeName string, i int) string {
	return routeName + "-client-" + strconv.Itoa(i)
}

// htpasswd renders users in the htpasswd SHA format accepted by the
// basic_auth filter.
func htpasswd(users []ir.BasicUser) string {
	lines := make([]string, 0, len(users))
	for _, u := range users {
		sum := sha1.Sum([]byte(u.Password))
		lines = append(lines, u.Username+":{SHA}"+base64.StdEncoding.EncodeToString(sum[:]))
	}
	return strings.Join(lines, "\n")
}

func (e *exporter) jwtAuth(rt *route.Route, j *ir.JWTAuth, path string) {
	if j.JWKSURI == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".jwks_uri", "jwt_authn verifies tokens against a remote JWKS, jwks_uri is required")
		return
	}
	host, port, err := xlate.ParseAddress(j.JWKSURI, 443)
	if err != nil {
		e.ctx.Errorf(capability.AuthJWT, path+".jwks_uri", "%v", err)
		return
	}
	jwksCluster := jwksClusterPrefix + host
	if e.clusterIndex[jwksCluster] == nil {
		c := &cluster.Cluster{
			Name:                 jwksCluster,
			ClusterDiscoveryType: &cluster.Cluster_Type{Type: cluster.Cluster_STRICT_DNS},
			LoadAssignment: loadAssignment(jwksCluster, &ir.Upstream{
				Targets: []ir.Target{{Host: host, Port: port}},
			}),
		}
		if strings.HasPrefix(j.JWKSURI, "https://") {
			c.TransportSocket = upstreamTLS(host)
		}
		e.clusters = append(e.clusters, c)
		e.clusterIndex[jwksCluster] = c
	}
	if len(j.Algorithms) > 0 {
		e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "accepted algorithms follow the JWKS key types")
	}

	provider := &jwtauthn.JwtProvider{
		Issuer:    j.Issuer,
		Audiences: j.Audiences,
		JwksSourceSpecifier: &jwtauthn.JwtProvider_RemoteJwks{
			RemoteJwks: &jwtauthn.RemoteJwks{
				HttpUri: &core.HttpUri{
					Uri:              j.JWKSURI,
					HttpUpstreamType: &core.HttpUri_Cluster{Cluster: jwksCluster},
					Timeout:          durationpb.New(5 * time.Second),
				},
				CacheDuration: durationpb.New(5 * time.Minute),
			},
		},
		Forward: true,
	}
	if j.Header != "" {
		provider.FromHeaders = []*jwtauthn.JwtHeader{{Name: j.Header, ValuePrefix: "Bearer "}}
	}
	if e.jwt == nil {
		e.jwt = &jwtauthn.JwtAuthentication{
			Providers:      make(map[string]*jwtauthn.JwtProvider),
			RequirementMap: make(map[string]*jwtauthn.JwtRequirement),
		}
	}
	e.jwt.Providers[rt.Name] = provider
	e.jwt.RequirementMap[rt.Name] = &jwtauthn.JwtRequirement{
		RequiresType: &jwtauthn.JwtRequirement_ProviderName{ProviderName: rt.Name},
	}
	e.perFilter(rt, filterJWTAuthn, &jwtauthn.PerRouteConfig{
		RequirementSpecifier: &jwtauthn.PerRouteConfig_RequirementName{RequirementName: rt.Name},
	})
}

func corsPolicy(c *ir.CORS) *corsPolicyConfig {
	p := &corsPolicyConfig{
		AllowMethods:  c.AllowMethods.Join(","),
		AllowHeaders:  strings.Join(c.AllowHeaders, ","),
		ExposeHeaders: strings.Join(c.ExposeHeaders, ","),
	}
	for _, o := range c.AllowOrigins {
		sm := &matcher.StringMatcher{MatchPattern: &matcher.StringMatcher_Exact{Exact: o}}
		if o == "*" {
			sm.MatchPattern = &matcher.StringMatcher_SafeRegex{SafeRegex: &matcher.RegexMatcher{Regex: anyOriginRegex}}
		}
		p.AllowOriginStringMatch = append(p.AllowOriginStringMatch, sm)
	}
	if c.AllowCredentials {
		p.AllowCredentials = &wrappers.BoolValue{Value: true}
	}
	if !c.MaxAge.IsZero() {
		p.MaxAge = strconv.FormatInt(c.MaxAge.WholeSeconds(), 10)
	}
	return p
}

func (e *exporter) headers(rt *route.Route, h *ir.Headers, path string) {
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		rt.RequestHeadersToAdd = headerOptions(h.Request)
		rt.RequestHeadersToRemove = h.Request.Remove
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		rt.ResponseHeadersToAdd = headerOptions(h.Response)
		rt.ResponseHeadersToRemove = h.Response.Remove
	}
}

func headerOptions(ops ir.HeaderOps) []*core.HeaderValueOption {
	var out []*core.HeaderValueOption
	for _, h := range ops.Set {
		out = append(out, &core.HeaderValueOption{
			Header:       &core.HeaderValue{Key: h.Name, Value: h.Value},
			AppendAction: core.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		})
	}
	for _, h := range ops.Add {
		out = append(out, &core.HeaderValueOption{
			Header:       &core.HeaderValue{Key: h.Name, Value: h.Value},
			AppendAction: core.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD,
		})
	}
	return out
}

func (e *exporter) retryPolicy(r *ir.Retry, path string) *route.RetryPolicy {
	conds := make([]string, 0, len(r.Conditions()))
	for _, c := range r.Conditions() {
		if c == "timeout" {
			e.ctx.Warnf(capability.Retry, path+".retry_on", "retry on timeout is covered by per_try_timeout with 5xx")
			continue
		}
		conds = append(conds, c)
	}
	p := &route.RetryPolicy{
		RetryOn:    strings.Join(conds, ","),
		NumRetries: &wrappers.UInt32Value{Value: uint32(r.Attempts)},
	}
	if !r.PerTryTimeout.IsZero() {
		p.PerTryTimeout = durationpb.New(r.PerTryTimeout.Std())
	}
	return p
}

func (e *exporter) bodyTransform(rt *route.Route, b *ir.BodyTransform, path string) {
	if !e.ctx.Support(capability.BodyTransform, path).IsSupported() {
		return
	}
	code, err := xlate.EnvoyLuaBody.Render(xlate.BodyParams{Request: b.Request, Response: b.Response})
	if err != nil {
		e.fail(err)
		return
	}
	e.perFilter(rt, wellknown.Lua, &luav3.LuaPerRoute{
		Override: &luav3.LuaPerRoute_SourceCode{SourceCode: inlineString(code)},
	})
}

func (e *exporter) mirrorPolicy(svc *ir.Service, m *ir.Mirror, path string) *route.RouteAction_RequestMirrorPolicy {
	name := xlate.MirrorUpstreamName(svc.Name, m.Name)
	e.addCluster(name, svc.Protocol, &m.Upstream, path+".upstream")
	p := &route.RouteAction_RequestMirrorPolicy{Cluster: name}
	if m.SamplePercentage < 100 {
		num, den := m.SamplePercentage.Scaled()
		p.RuntimeFraction = &core.RuntimeFractionalPercent{
			DefaultValue: &typev3.FractionalPercent{Numerator: num, Denominator: denominators[den]},
			RuntimeKey:   "mirror." + name,
		}
	}
	return p
}

var denominators = map[uint32]typev3.FractionalPercent_DenominatorType{
	100:     typev3.FractionalPercent_HUNDRED,
	10000:   typev3.FractionalPercent_TEN_THOUSAND,
	1000000: typev3.FractionalPercent_MILLION,
}

func (e *exporter) webSocket(action *route.RouteAction, ws *ir.WebSocket, path string) {
	if !ws.Enabled || !e.ctx.Support(capability.WebSocket, path).IsSupported() {
		return
	}
	action.UpgradeConfigs = []*route.RouteAction_UpgradeConfig{{UpgradeType: "websocket"}}
	if !ws.IdleTimeout.IsZero() {
		if action.IdleTimeout == nil {
			action.IdleTimeout = durationpb.New(ws.IdleTimeout.Std())
		} else {
			e.ctx.Warnf(capability.WebSocket, path+".idle_timeout", "route idle timeout already set by the timeout policy")
		}
	}
	if ws.MaxMessageSize > 0 {
		e.ctx.Warnf(capability.WebSocket, path+".max_message_size", "message size limits are not expressible")
	}
	if !ws.PingInterval.IsZero() {
		e.ctx.Warnf(capability.WebSocket, path+".ping_interval", "keepalive pings are not expressible")
	}
}

func (e *exporter) splitRoutes(svc *ir.Service, r *ir.Route, rt *route.Route, s *ir.TrafficSplit, path string) []*route.Route {
	action := rt.GetRoute()
	for i := range s.Targets {
		t := &s.Targets[i]
		e.addCluster(xlate.SplitUpstreamName(svc.Name, t.Name), svc.Protocol, t.Upstream, xlate.IndexPath(path+".targets", i)+".upstream")
	}
	if s.Mode == ir.SplitWeight {
		wc := &route.WeightedCluster{}
		for _, t := range s.Targets {
			wc.Clusters = append(wc.Clusters, &route.WeightedCluster_ClusterWeight{
				Name:   xlate.SplitUpstreamName(svc.Name, t.Name),
				Weight: &wrappers.UInt32Value{Value: uint32(t.Weight)},
			})
		}
		action.ClusterSpecifier = &route.RouteAction_WeightedClusters{WeightedClusters: wc}
		return []*route.Route{rt}
	}

	out := make([]*route.Route, 0, len(s.Rules)+1)
	for i, rule := range s.Rules {
		rr := proto.Clone(rt).(*route.Route)
		rr.Name = xlate.RuleRouteName(r.Name, i)
		rr.Match.Headers = append(rr.Match.Headers, &route.HeaderMatcher{
			Name: rule.Header,
			HeaderMatchSpecifier: &route.HeaderMatcher_StringMatch{
				StringMatch: &matcher.StringMatcher{MatchPattern: &matcher.StringMatcher_Exact{Exact: rule.Value}},
			},
		})
		rr.GetRoute().ClusterSpecifier = &route.RouteAction_Cluster{Cluster: xlate.SplitUpstreamName(svc.Name, rule.Target)}
		out = append(out, rr)
	}
	if s.Fallback != "" {
		action.ClusterSpecifier = &route.RouteAction_Cluster{Cluster: xlate.SplitUpstreamName(svc.Name, s.Fallback)}
	}
	return append(out, rt)
}

func (e *exporter) makeListener(routes []*route.Route) *listener.Listener {
	g := e.topo.Global
	manager := &hcm.HttpConnectionManager{
		CodecType:  hcm.HttpConnectionManager_AUTO,
		StatPrefix: listenerName,
		RouteSpecifier: &hcm.HttpConnectionManager_RouteConfig{
			RouteConfig: &route.RouteConfiguration{
				Name: routeConfigName,
				VirtualHosts: []*route.VirtualHost{{
					Name:    virtualHostName,
					Domains: []string{"*"},
					Routes:  routes,
				}},
			},
		},
	}
	if !g.Timeout.IsZero() {
		manager.RequestTimeout = durationpb.New(g.Timeout.Std())
	}
	if g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported() {
		manager.AccessLog = e.accessLog(g.Logging)
	}
	manager.HttpFilters = e.httpFilters()

	pbst, err := anypb.New(manager)
	if err != nil {
		e.fail(errors.WithMessage(err, "encoding http connection manager"))
		return nil
	}
	return &listener.Listener{
		Name:    listenerName,
		Address: socketAddress(g.Host, g.Port),
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{TypedConfig: pbst},
			}},
		}},
	}
}

func (e *exporter) accessLog(l ir.Logging) []*accessLog {
	path := l.AccessLog
	if path == "" {
		path = defaultAccessLogPath
	}
	if l.Format == "json" || (l.Level != "" && l.Level != "info") {
		e.ctx.Infof(capability.GlobalLogging, "global.logging", "log level and format are command line options of envoy")
	}
	cfg, err := anypb.New(&fileAccessLog{Path: path})
	if err != nil {
		e.fail(err)
		return nil
	}
	return []*accessLog{{
		Name:       wellknown.FileAccessLog,
		ConfigType: &accessLogTypedConfig{TypedConfig: cfg},
	}}
}

// httpFilters lists the filters used by any route in a fixed order,
// ending with the router.
func (e *exporter) httpFilters() []*hcm.HttpFilter {
	var out []*hcm.HttpFilter
	for _, name := range httpFilterOrder {
		if name != wellknown.Router && !e.usedFilters[name] {
			continue
		}
		var msg proto.Message
		disabled := false
		switch name {
		case wellknown.CORS:
			msg = &corsFilter{}
		case filterJWTAuthn:
			msg = e.jwt
		case filterBasicAuth:
			msg, disabled = &basicAuth{}, true
		case filterAPIKeyAuth:
			msg, disabled = &apiKeyAuth{}, true
		case filterLocalRateLimit:
			msg = &localRateLimit{StatPrefix: "http_local_rate_limiter"}
		case wellknown.Lua:
			msg = &luav3.Lua{}
		case wellknown.Router:
			msg = &router{}
		}
		cfg, err := anypb.New(msg)
		if err != nil {
			e.fail(errors.WithMessagef(err, "encoding http filter %s", name))
			continue
		}
		out = append(out, &hcm.HttpFilter{
			Name:       name,
			ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: cfg},
			Disabled:   disabled,
		})
	}
	return out
}

func (e *exporter) makeAdmin() *bootstrap.Admin {
	g := e.topo.Global
	port := g.AdminPort
	if port > 0 {
		e.ctx.Support(capability.GlobalAdmin, "global.admin_port")
	}
	if g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported() {
		if port == 0 {
			port = g.Metrics.Port
		}
		if port == 0 {
			port = defaultAdminPort
		}
		if g.Metrics.Port != 0 && g.Metrics.Port != port {
			e.ctx.Warnf(capability.GlobalMetrics, "global.metrics.port", "metrics are served on the admin port %d", port)
		}
	}
	if port == 0 {
		return nil
	}
	return &bootstrap.Admin{Address: socketAddress(g.Host, port)}
}

func socketAddress(host string, port int) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Protocol: core.SocketAddress_TCP,
				Address:  host,
				PortSpecifier: &core.SocketAddress_PortValue{
					PortValue: uint32(port),
				},
			},
		},
	}
}

func inlineString(s string) *core.DataSource {
	return &core.DataSource{Specifier: &core.DataSource_InlineString{InlineString: s}}
}

func upstreamTLS(sni string) *core.TransportSocket {
	cfg, _ := anypb.New(&upstreamTLSContext{Sni: sni})
	return &core.TransportSocket{
		Name:       wellknown.TransportSocketTLS,
		ConfigType: &core.TransportSocket_TypedConfig{TypedConfig: cfg},
	}
}
