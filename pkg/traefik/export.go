package traefik

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology
	http *httpConfig
}

// routeState collects the router of one route while its policies are
// lowered. Rule routers are added once all middlewares are known.
type routeState struct {
	name   string
	router *router
	rules  []*router
}

// Export renders topo as a Traefik dynamic configuration and a static
// configuration that loads it through the file provider.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{ctx: ctx, topo: topo, http: &httpConfig{}}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		transport := e.serversTransport(si, svc)
		e.addService(svc.Name, svc.Protocol, &svc.Upstream, transport, path+".upstream")
		for ri, r := range svc.Routes {
			e.addRoute(si, svc, transport, ri, r)
		}
	}

	dynamic, err := xlate.EncodeYAML(&dynamicConfig{HTTP: e.http})
	if err != nil {
		return nil, err
	}
	static, err := xlate.EncodeYAML(e.staticConfig(), "Static configuration, pass it with --configFile.")
	if err != nil {
		return nil, err
	}
	return xlate.NewArtifact(capability.Traefik,
		xlate.File{Name: ConfigFile, MediaType: xlate.MediaYAML, Content: dynamic},
		xlate.File{Name: StaticFile, MediaType: xlate.MediaYAML, Content: static},
	), nil
}

func middlewareName(route string, kind ir.PolicyKind) string {
	return route + "-" + strings.ReplaceAll(string(kind), "_", "-")
}

func serverScheme(protocol string) string {
	switch protocol {
	case "https":
		return "https"
	case "grpc":
		return "h2c"
	}
	return "http"
}

func (e *exporter) addService(name, protocol string, up *ir.Upstream, transport, path string) {
	if _, ok := e.http.Services.Get(name); ok {
		return
	}
	lb := &loadBalancer{ServersTransport: transport}
	for _, t := range up.Targets {
		srv := server{URL: serverScheme(protocol) + "://" + t.Address()}
		if up.Algorithm == ir.Weighted {
			w := t.EffectiveWeight()
			srv.Weight = &w
		}
		lb.Servers = append(lb.Servers, srv)
	}
	if up.Algorithm == ir.ConsistentHash {
		cookie := &stickyCookie{Name: defaultStickyCookie, HTTPOnly: true}
		if up.HashKey != nil && up.HashKey.Source == ir.HashCookie {
			cookie.Name = up.HashKey.Name
		} else {
			e.ctx.Warnf(capability.UpstreamConsistentHash, path+".hash_key",
				"clients are pinned with cookie %s instead of hashing the %s", defaultStickyCookie, hashSourceOf(up.HashKey))
		}
		lb.Sticky = &sticky{Cookie: cookie}
	}
	if hc := up.HealthCheck; hc != nil && hc.Active != nil {
		lb.HealthCheck = e.healthCheck(hc.Active, path+".health_check.active")
	}
	e.http.Services.Set(name, &service{LoadBalancer: lb})
}

func hashSourceOf(key *ir.HashKey) string {
	if key == nil {
		return "client address"
	}
	if key.Name != "" {
		return string(key.Source) + " " + key.Name
	}
	return string(key.Source)
}

func (e *exporter) healthCheck(a *ir.ActiveHealthCheck, path string) *healthCheck {
	hc := &healthCheck{Path: a.Path, Interval: a.Interval, Timeout: a.Timeout}
	switch len(a.ExpectedStatuses) {
	case 0:
	case 1:
		hc.Status = a.ExpectedStatuses[0]
	default:
		hc.Status = a.ExpectedStatuses[0]
		e.ctx.Warnf(capability.UpstreamActiveHealth, path+".expected_statuses",
			"one status can be expected, %d is used", hc.Status)
	}
	if a.HealthyThreshold > 0 || a.UnhealthyThreshold > 0 {
		e.ctx.Warnf(capability.UpstreamActiveHealth, path, "a single failed check marks a server down, thresholds dropped")
	}
	return hc
}

// serversTransport lowers the timeout policy of a service into a
// servers transport shared by its load balancers.
func (e *exporter) serversTransport(si int, svc *ir.Service) string {
	to, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Timeout, func(a, b *ir.Timeout) bool {
		return *a == *b
	})
	if !ok {
		return ""
	}
	if !e.ctx.Support(capability.Timeout, xlate.PolicyPath(si, ri, ir.KindTimeout)).IsSupported() {
		return ""
	}
	e.http.ServersTransports.Set(svc.Name, &serversTransport{ForwardingTimeouts: &forwardingTimeouts{
		DialTimeout:           to.Connect,
		ResponseHeaderTimeout: to.Request,
		IdleConnTimeout:       to.Idle,
	}})
	return svc.Name
}

func (e *exporter) addRoute(si int, svc *ir.Service, transport string, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	rs := &routeState{
		name: r.Name,
		router: &router{
			EntryPoints: []string{entryPointWeb},
			Rule:        routeRule(r),
			Service:     svc.Name,
		},
	}
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(rs, x, ppath)
		case *ir.Authentication:
			e.authentication(rs, x, ppath)
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				e.addMiddleware(rs, ir.KindCORS, &middleware{Headers: corsHeaders(x)})
			}
		case *ir.Headers:
			e.headers(rs, x, ppath)
		case *ir.Timeout:
			// lowered into the servers transport
		case *ir.Retry:
			e.retry(rs, x, ppath)
		case *ir.CircuitBreaker:
			e.circuitBreaker(rs, x, ppath)
		case *ir.BodyTransform:
			e.ctx.Support(capability.BodyTransform, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				e.trafficSplit(svc, transport, rs, x, ppath)
			}
		case *ir.Mirror:
			e.mirror(svc, transport, rs, x, ppath)
		case *ir.WebSocket:
			if x.Enabled && e.ctx.Support(capability.WebSocket, ppath).IsSupported() {
				if !x.IdleTimeout.IsZero() || !x.PingInterval.IsZero() || x.MaxMessageSize > 0 {
					e.ctx.Warnf(capability.WebSocket, ppath, "idle timeout, ping interval and message size of upgraded connections cannot be set, dropped")
				}
			}
		}
	}
	e.http.Routers.Set(r.Name, rs.router)
	for i, rr := range rs.rules {
		rr.Middlewares = rs.router.Middlewares
		e.http.Routers.Set(xlate.RuleRouteName(r.Name, i), rr)
	}
}

func (e *exporter) addMiddleware(rs *routeState, kind ir.PolicyKind, mw *middleware) {
	name := middlewareName(rs.name, kind)
	e.http.Middlewares.Set(name, mw)
	rs.router.Middlewares = append(rs.router.Middlewares, name)
}

func (e *exporter) rateLimit(rs *routeState, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	cfg := &rateLimit{}
	rps := rl.RequestsPerSecond
	switch {
	case rps.IsWhole():
		cfg.Average = int64(rps.PerSecond())
		cfg.Period = values.Seconds(1)
	case rps.IsWholePerMinute():
		cfg.Average = int64(rps.PerMinute())
		cfg.Period = values.Duration(time.Minute)
	default:
		cfg.Average = int64(math.Max(1, math.Round(rps.PerSecond())))
		cfg.Period = values.Seconds(1)
		e.ctx.Warnf(capability.RateLimit, path+".requests_per_second",
			"average counts whole requests per period, %s rounded to %d/s", rps, cfg.Average)
	}
	if rl.Burst > 0 && e.ctx.Support(capability.RateLimitBurst, path+".burst").IsSupported() {
		cfg.Burst = int64(rl.Burst)
	}
	switch rl.Key {
	case ir.RateLimitByIP:
	case ir.RateLimitByHeader:
		cfg.SourceCriterion = &sourceCriterion{RequestHeaderName: rl.KeyName}
	case ir.RateLimitByConsumer:
		cfg.SourceCriterion = &sourceCriterion{RequestHeaderName: "Authorization"}
		e.ctx.Warnf(capability.RateLimit, path+".key", "consumers are told apart by the Authorization header")
	default:
		cfg.SourceCriterion = &sourceCriterion{RequestHost: true}
		e.ctx.Infof(capability.RateLimit, path+".key", "a global limit is kept per request host")
	}
	e.addMiddleware(rs, ir.KindRateLimit, &middleware{RateLimit: cfg})
}

func (e *exporter) authentication(rs *routeState, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() || a.Type != ir.AuthBasic {
		return
	}
	cfg := &basicAuth{Realm: a.Basic.Realm}
	for _, u := range a.Basic.Users {
		cfg.Users = append(cfg.Users, xlate.HtpasswdLine(u.Username, u.Password))
	}
	e.addMiddleware(rs, ir.KindAuthentication, &middleware{BasicAuth: cfg})
}

func corsHeaders(c *ir.CORS) *headers {
	return &headers{
		AccessControlAllowOriginList:  c.AllowOrigins,
		AccessControlAllowMethods:     c.AllowMethods.Expand(),
		AccessControlAllowHeaders:     c.AllowHeaders,
		AccessControlExposeHeaders:    c.ExposeHeaders,
		AccessControlAllowCredentials: c.AllowCredentials,
		AccessControlMaxAge:           c.MaxAge.WholeSeconds(),
		AddVaryHeader:                 true,
	}
}

func (e *exporter) headers(rs *routeState, h *ir.Headers, path string) {
	cfg := &headers{}
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		cfg.CustomRequestHeaders = e.headerMap(h.Request, capability.RequestHeaders, path+".request")
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		cfg.CustomResponseHeaders = e.headerMap(h.Response, capability.ResponseHeaders, path+".response")
	}
	if len(cfg.CustomRequestHeaders) > 0 || len(cfg.CustomResponseHeaders) > 0 {
		e.addMiddleware(rs, ir.KindHeaders, &middleware{Headers: cfg})
	}
}

// headerMap lowers header operations into custom headers, where an
// empty value removes the header.
func (e *exporter) headerMap(ops ir.HeaderOps, feature capability.Feature, path string) headerMap {
	var out headerMap
	for _, name := range ops.Remove {
		out = append(out, ir.Header{Name: name})
	}
	out = append(out, ops.Set...)
	for i, h := range ops.Add {
		e.ctx.Warnf(feature, fmt.Sprintf("%s.add[%d]", path, i),
			"custom headers replace existing values, %s is set instead of appended", h.Name)
		out = append(out, h)
	}
	return out
}

func (e *exporter) retry(rs *routeState, r *ir.Retry, path string) {
	if !e.ctx.Support(capability.Retry, path).IsSupported() {
		return
	}
	if !r.PerTryTimeout.IsZero() {
		e.ctx.Warnf(capability.Retry, path+".per_try_timeout", "the retry middleware has no per-try timeout, dropped")
	}
	e.addMiddleware(rs, ir.KindRetry, &middleware{Retry: &retry{Attempts: r.Attempts}})
}

// circuitBreaker writes a circuitBreaker middleware when the breaker can
// open, and an inFlightReq middleware for its concurrency limit.
func (e *exporter) circuitBreaker(rs *routeState, cb *ir.CircuitBreaker, path string) {
	if !e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
		return
	}
	if cb.MaxFailures > 0 || !cb.OpenTimeout.IsZero() {
		if cb.MaxFailures > 0 {
			e.ctx.Warnf(capability.CircuitBreaker, path+".max_failures", "the breaker opens on a 5xx ratio above 50%%, max failures dropped")
		}
		if cb.HalfOpenRequests > 0 {
			e.ctx.Warnf(capability.CircuitBreaker, path+".half_open_requests", "recovery ramps traffic up linearly, half-open requests dropped")
		}
		e.addMiddleware(rs, ir.KindCircuitBreaker, &middleware{CircuitBreaker: &circuitBreaker{
			Expression:       breakerExpression,
			FallbackDuration: cb.OpenTimeout,
		}})
	}
	amount := cb.MaxRequests
	if amount == 0 {
		amount = cb.MaxConnections
	} else if cb.MaxConnections > 0 && cb.MaxConnections != amount {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_connections", "one in-flight limit applies, max requests %d is used", amount)
	}
	if cb.MaxPendingRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_pending_requests", "requests over the limit are rejected, not queued")
	}
	if amount > 0 {
		name := middlewareName(rs.name, ir.KindCircuitBreaker) + "-inflight"
		e.http.Middlewares.Set(name, &middleware{InFlightReq: &inFlightReq{Amount: int64(amount)}})
		rs.router.Middlewares = append(rs.router.Middlewares, name)
	}
}

func (e *exporter) splitService(svc *ir.Service, transport string, split *ir.TrafficSplit, target, path string) string {
	name := xlate.SplitUpstreamName(svc.Name, target)
	st := split.Target(target)
	e.ctx.CheckUpstream(st.Upstream, path+".targets."+target+".upstream")
	e.addService(name, svc.Protocol, st.Upstream, transport, path+".targets."+target+".upstream")
	return name
}

// trafficSplit points the router at a weighted service for weight
// splits. Rule splits get one router per rule; rule routers have longer
// rules and therefore win over the route router.
func (e *exporter) trafficSplit(svc *ir.Service, transport string, rs *routeState, split *ir.TrafficSplit, path string) {
	if split.Mode == ir.SplitWeight {
		w := &weighted{}
		for _, st := range split.Targets {
			name := e.splitService(svc, transport, split, st.Name, path)
			w.Services = append(w.Services, weightedService{Name: name, Weight: st.Weight})
		}
		name := rs.name + weightedSuffix
		e.http.Services.Set(name, &service{Weighted: w})
		rs.router.Service = name
		return
	}
	base := rs.router.Rule
	for _, rule := range split.Rules {
		rs.rules = append(rs.rules, &router{
			EntryPoints: rs.router.EntryPoints,
			Rule:        headerRule(base, rule.Header, rule.Value),
			Service:     e.splitService(svc, transport, split, rule.Target, path),
		})
	}
	if split.Fallback != "" {
		rs.router.Service = e.splitService(svc, transport, split, split.Fallback, path)
	}
}

func (e *exporter) mirror(svc *ir.Service, transport string, rs *routeState, m *ir.Mirror, path string) {
	if !e.ctx.Support(capability.Mirror, path).IsSupported() {
		return
	}
	pct := m.SamplePercentage.Float()
	percent := int(math.Round(pct))
	if percent == 0 {
		e.ctx.Warnf(capability.Mirror, path+".sample_percentage", "mirrors take whole percents, %s rounds to 0, mirror dropped", m.SamplePercentage)
		return
	}
	if !m.SamplePercentage.IsWhole() {
		e.ctx.Warnf(capability.Mirror, path+".sample_percentage", "mirrors take whole percents, %s rounded to %d%%", m.SamplePercentage, percent)
	}
	e.ctx.CheckUpstream(&m.Upstream, path+".upstream")
	name := xlate.MirrorUpstreamName(svc.Name, m.Name)
	e.addService(name, svc.Protocol, &m.Upstream, transport, path+".upstream")
	mirrored := rs.name + mirroringSuffix
	e.http.Services.Set(mirrored, &service{Mirroring: &mirroring{
		Service: rs.router.Service,
		Mirrors: []mirror{{Name: name, Percent: percent}},
	}})
	rs.router.Service = mirrored
}

func (e *exporter) staticConfig() *staticConfig {
	g := e.topo.Global
	host := ""
	if g.Host != ir.DefaultHost {
		host = g.Host
	}
	cfg := &staticConfig{
		EntryPoints: map[string]*entryPoint{
			entryPointWeb: {Address: net.JoinHostPort(host, strconv.Itoa(g.Port))},
		},
		Providers: &providers{File: &fileProvider{Filename: ConfigFile, Watch: true}},
	}
	if !g.Timeout.IsZero() {
		cfg.ServersTransport = &serversTransport{ForwardingTimeouts: &forwardingTimeouts{ResponseHeaderTimeout: g.Timeout}}
	}
	if g.AdminPort != 0 && e.ctx.Support(capability.GlobalAdmin, "global.admin_port").IsSupported() {
		cfg.API = &api{Insecure: true, Dashboard: true}
		cfg.EntryPoints[entryPointAdmin] = &entryPoint{Address: ":" + strconv.Itoa(g.AdminPort)}
	}
	if g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported() {
		cfg.Log = &logConfig{Level: strings.ToUpper(g.Logging.Level)}
		cfg.AccessLog = &accessLog{FilePath: g.Logging.AccessLog, Format: "common"}
		if g.Logging.Format == "json" {
			cfg.AccessLog.Format = "json"
		}
	}
	if g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported() {
		cfg.Metrics = &metrics{Prometheus: &prometheus{}}
		if g.Metrics.Port != 0 {
			cfg.Metrics.Prometheus.EntryPoint = entryPointMetrics
			cfg.EntryPoints[entryPointMetrics] = &entryPoint{Address: ":" + strconv.Itoa(g.Metrics.Port)}
		}
		if g.Metrics.Path != ir.DefaultMetricsPath {
			e.ctx.Warnf(capability.GlobalMetrics, "global.metrics.path", "metrics are served on /metrics, path %s dropped", g.Metrics.Path)
		}
	}
	return cfg
}
