package apisix

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/jxskiss/gopkg/v2/json"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// labelMirror keeps the mirror name on the route, proxy-mirror has only
// the host.
const labelMirror = "mirror"

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology
	doc  *document

	upstreams map[string]*upstream
	consumers map[string]*consumer
	err       error
}

// Export renders topo as an APISIX standalone configuration.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:       ctx,
		topo:      topo,
		doc:       &document{},
		upstreams: make(map[string]*upstream),
		consumers: make(map[string]*consumer),
	}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		au := e.addUpstream(svc.Name, svc.Protocol, &svc.Upstream)
		e.applyRetry(si, svc, au)
		for ri, r := range svc.Routes {
			e.addRoute(si, svc, au, ri, r)
		}
	}
	e.globalRules()
	if e.err != nil {
		return nil, e.err
	}

	content, err := json.MarshalIndent(e.doc, "", "  ")
	if err != nil {
		return nil, err
	}
	content = append(content, '\n')
	return xlate.NewArtifact(capability.APISIX, xlate.File{
		Name:      ConfigFile,
		MediaType: xlate.MediaJSON,
		Content:   content,
	}), nil
}

func (e *exporter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// entityID maps a name to an APISIX id, which is limited to 64
// characters.
func entityID(name string) string {
	if len(name) <= 64 {
		return name
	}
	return name[:55] + "-" + xlate.StableID(name)
}

// consumerName maps s to the character set APISIX allows in consumer
// names.
func consumerName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var lbTypes = map[ir.LBAlgorithm]string{
	ir.RoundRobin:       "roundrobin",
	ir.Weighted:         "roundrobin",
	ir.LeastConnections: "least_conn",
	ir.ConsistentHash:   "chash",
}

func scheme(protocol string) string {
	if protocol == "http" {
		return ""
	}
	return protocol
}

func (e *exporter) addUpstream(name, protocol string, up *ir.Upstream) *upstream {
	if au := e.upstreams[name]; au != nil {
		return au
	}
	au := &upstream{
		ID:     entityID(name),
		Name:   name,
		Type:   lbTypes[up.Algorithm],
		Scheme: scheme(protocol),
		Nodes:  make(nodes, 0, len(up.Targets)),
	}
	if up.Algorithm == ir.ConsistentHash {
		au.HashOn, au.Key = hashOn(up.HashKey)
	}
	for _, t := range up.Targets {
		au.Nodes = append(au.Nodes, node{Host: t.Host, Port: t.Port, Weight: t.EffectiveWeight()})
	}
	if hc := up.HealthCheck; hc != nil {
		au.Checks = healthChecks(hc, protocol)
	}
	if g := e.topo.Global.Timeout; !g.IsZero() {
		au.Timeout = &timeout{Send: g.Seconds(), Read: g.Seconds()}
	}
	e.upstreams[name] = au
	e.doc.Upstreams = append(e.doc.Upstreams, au)
	return au
}

func hashOn(key *ir.HashKey) (hashOn, varName string) {
	switch key.Source {
	case ir.HashHeader:
		return "header", key.Name
	case ir.HashCookie:
		return "cookie", key.Name
	case ir.HashURI:
		return "vars", "uri"
	case ir.HashQuery:
		return "vars", "arg_" + key.Name
	}
	return "vars", keyRemoteAddr
}

func healthChecks(hc *ir.HealthCheck, protocol string) *checks {
	typ := "http"
	if protocol == "https" {
		typ = "https"
	}
	out := &checks{}
	if a := hc.Active; a != nil {
		out.Active = &activeCheck{
			Type:     typ,
			Timeout:  a.Timeout.Seconds(),
			HTTPPath: a.Path,
			Healthy: &healthy{
				Interval:     a.Interval.Seconds(),
				Successes:    a.HealthyThreshold,
				HTTPStatuses: a.ExpectedStatuses,
			},
			Unhealthy: &unhealthy{
				Interval:     a.Interval.Seconds(),
				HTTPFailures: a.UnhealthyThreshold,
			},
		}
	}
	if p := hc.Passive; p != nil {
		out.Passive = &passiveCheck{
			Type: typ,
			Unhealthy: &unhealthy{
				HTTPFailures: p.MaxFailures,
				HTTPStatuses: p.UnhealthyStatuses,
			},
		}
	}
	return out
}

// applyRetry sets the service retry policy on its upstream. The split
// upstreams of the service get it too when routes are added.
func (e *exporter) applyRetry(si int, svc *ir.Service, au *upstream) {
	retry, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Retry, func(a, b *ir.Retry) bool {
		return a.Attempts == b.Attempts && a.PerTryTimeout == b.PerTryTimeout && slices.Equal(a.RetryOn, b.RetryOn)
	})
	if !ok {
		return
	}
	path := xlate.PolicyPath(si, ri, ir.KindRetry)
	if !e.ctx.Support(capability.Retry, path).IsSupported() {
		return
	}
	n := retry.Attempts
	au.Retries = &n
	if !retry.PerTryTimeout.IsZero() {
		e.ctx.Warnf(capability.Retry, path+".per_try_timeout", "retry_timeout bounds all retries together, per-try timeout dropped")
	}
	if !slices.Equal(retry.Conditions(), ir.DefaultRetryOn) {
		e.ctx.Warnf(capability.Retry, path+".retry_on", "retry conditions follow proxy_next_upstream, dropped")
	}
}

func (e *exporter) addRoute(si int, svc *ir.Service, au *upstream, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	ar := &route{
		ID:         entityID(r.Name),
		Name:       r.Name,
		Methods:    r.Methods.Methods(),
		UpstreamID: au.ID,
	}
	switch r.Match.Kind {
	case ir.MatchExact:
		ar.URI = r.Match.Value
	case ir.MatchRegex:
		ar.URI = "/*"
		ar.Vars = [][]any{{"uri", "~~", r.Match.Value}}
	default:
		ar.URI = strings.TrimSuffix(r.Match.Value, "*") + "*"
	}

	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(ar, x, ppath)
		case *ir.Authentication:
			e.authentication(ar, x, ppath)
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				pluginsOf(ar).CORS = corsConfigOf(x)
			}
		case *ir.Headers:
			e.headers(ar, x, ppath)
		case *ir.Timeout:
			if e.ctx.Support(capability.Timeout, ppath).IsSupported() {
				ar.Timeout = &timeout{Connect: x.Connect.Seconds(), Send: x.Request.Seconds(), Read: x.Request.Seconds()}
				if !x.Idle.IsZero() {
					e.ctx.Warnf(capability.Timeout, ppath+".idle", "APISIX routes have no idle timeout, dropped")
				}
			}
		case *ir.Retry:
			// set on the upstream
		case *ir.CircuitBreaker:
			e.circuitBreaker(ar, x, ppath)
		case *ir.BodyTransform:
			e.bodyTransform(ar, x, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				e.trafficSplit(svc, au, ar, x, ppath)
			}
		case *ir.Mirror:
			e.mirror(ar, x, ppath)
		case *ir.WebSocket:
			if x.Enabled && e.ctx.Support(capability.WebSocket, ppath).IsSupported() {
				ar.EnableWebsocket = true
				if !x.IdleTimeout.IsZero() || !x.PingInterval.IsZero() || x.MaxMessageSize > 0 {
					e.ctx.Warnf(capability.WebSocket, ppath, "APISIX proxies upgraded connections as is, idle timeout, ping interval and message size dropped")
				}
			}
		}
	}
	e.doc.Routes = append(e.doc.Routes, ar)
}

func pluginsOf(ar *route) *plugins {
	if ar.Plugins == nil {
		ar.Plugins = &plugins{}
	}
	return ar.Plugins
}

// headerVar names the nginx variable of a request header.
func headerVar(header string) string {
	return headerVarPrefix + strings.ReplaceAll(strings.ToLower(header), "-", "_")
}

func (e *exporter) rateLimit(ar *route, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	cfg := &limitReq{
		Rate:         rl.RequestsPerSecond.PerSecond(),
		KeyType:      "var",
		RejectedCode: rejectedCode,
	}
	if rl.Burst > 0 && e.ctx.Support(capability.RateLimitBurst, path+".burst").IsSupported() {
		cfg.Burst = float64(rl.Burst)
	}
	switch rl.Key {
	case ir.RateLimitByIP:
		cfg.Key = keyRemoteAddr
	case ir.RateLimitByHeader:
		cfg.Key = headerVar(rl.KeyName)
	case ir.RateLimitByConsumer:
		cfg.Key = keyConsumerName
	default:
		cfg.Key = keyServerAddr
	}
	pluginsOf(ar).LimitReq = cfg
}

// authentication adds the auth plugin to the route and a
// consumer-restriction plugin listing the consumers that carry the
// credentials of this route.
func (e *exporter) authentication(ar *route, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return
	}
	var names []string
	switch a.Type {
	case ir.AuthBasic:
		pluginsOf(ar).BasicAuth = &authConfig{}
		for i, u := range a.Basic.Users {
			c := e.consumer(consumerName(u.Username))
			switch {
			case c.Plugins.BasicAuth == nil:
				c.Plugins.BasicAuth = &basicCred{Username: u.Username, Password: u.Password}
			case c.Plugins.BasicAuth.Password != u.Password || c.Plugins.BasicAuth.Username != u.Username:
				e.ctx.Warnf(capability.AuthBasic, fmt.Sprintf("%s.basic.users[%d]", path, i),
					"consumer %s already holds other basic credentials, they are used", c.Username)
			}
			names = append(names, c.Username)
		}
		if a.Basic.Realm != "" {
			e.ctx.Infof(capability.AuthBasic, path+".basic.realm", "basic-auth answers with realm \"basic\"")
		}
	case ir.AuthAPIKey:
		cfg := &keyAuthConfig{Header: a.APIKey.KeyHeader()}
		if a.APIKey.Header == "" && a.APIKey.Query != "" {
			cfg = &keyAuthConfig{Query: a.APIKey.Query}
		}
		pluginsOf(ar).KeyAuth = cfg
		for _, key := range a.APIKey.Keys {
			c := e.consumer("apikey_" + xlate.StableID(key))
			c.Plugins.KeyAuth = &keyCred{Key: key}
			names = append(names, c.Username)
		}
	case ir.AuthJWT:
		c := e.jwt(ar, a.JWT, path+".jwt")
		if c == nil {
			return
		}
		names = append(names, c.Username)
	}
	if len(names) > 0 {
		pluginsOf(ar).ConsumerRestriction = &consumerRestriction{Whitelist: names}
	}
}

func (e *exporter) jwt(ar *route, j *ir.JWTAuth, path string) *consumer {
	if j.Issuer == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".issuer", "jwt-auth finds the consumer by the iss claim, an issuer is required")
		return nil
	}
	pluginsOf(ar).JWTAuth = &jwtAuthConfig{Header: j.Header, KeyClaimName: jwtKeyClaim}
	if len(j.Audiences) > 0 {
		e.ctx.Warnf(capability.AuthJWT, path+".audiences", "jwt-auth does not check audiences, dropped")
	}
	alg := "RS256"
	if len(j.Algorithms) > 0 {
		alg = j.Algorithms[0]
		if len(j.Algorithms) > 1 {
			e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "a jwt-auth consumer has one algorithm, %s is used", alg)
		}
	}
	c := e.consumer("jwt_" + xlate.StableID(j.Issuer))
	if c.Plugins.JWTAuth == nil {
		cred := &jwtCred{Key: j.Issuer, Algorithm: alg}
		if !strings.HasPrefix(alg, "HS") {
			cred.PublicKey = jwtKeyPlaceholder
		}
		c.Plugins.JWTAuth = cred
		c.Desc = "issuer " + j.Issuer
		if j.JWKSURI != "" {
			e.ctx.Infof(capability.AuthJWT, path+".jwks_uri", "put the public key from %s into consumer %s", j.JWKSURI, c.Username)
		}
	} else if c.Plugins.JWTAuth.Algorithm != alg {
		e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "issuer %s uses %s on an earlier route", j.Issuer, c.Plugins.JWTAuth.Algorithm)
	}
	return c
}

func (e *exporter) consumer(username string) *consumer {
	c := e.consumers[username]
	if c == nil {
		c = &consumer{Username: username, Plugins: &consumerPlugins{}}
		e.consumers[username] = c
		e.doc.Consumers = append(e.doc.Consumers, c)
	}
	return c
}

func corsConfigOf(c *ir.CORS) *corsConfig {
	cfg := &corsConfig{
		AllowOrigins:    strings.Join(c.AllowOrigins, ","),
		AllowHeaders:    strings.Join(c.AllowHeaders, ","),
		ExposeHeaders:   strings.Join(c.ExposeHeaders, ","),
		MaxAge:          c.MaxAge.WholeSeconds(),
		AllowCredential: c.AllowCredentials,
	}
	if !c.AllowMethods.Any() {
		cfg.AllowMethods = c.AllowMethods.Join(",")
	}
	return cfg
}

func (e *exporter) headers(ar *route, h *ir.Headers, path string) {
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		pluginsOf(ar).ProxyRewrite = &rewriteConfig{Headers: headerOpsOf(h.Request)}
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		pluginsOf(ar).ResponseRewrite = &rewriteConfig{Headers: headerOpsOf(h.Response)}
	}
}

func headerOpsOf(ops ir.HeaderOps) *headerOps {
	return &headerOps{Set: ops.Set, Add: ops.Add, Remove: ops.Remove}
}

func (e *exporter) circuitBreaker(ar *route, cb *ir.CircuitBreaker, path string) {
	if !e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
		return
	}
	if cb.MaxConnections > 0 || cb.MaxPendingRequests > 0 || cb.MaxRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path, "api-breaker has no concurrency limits, limits dropped")
	}
	cfg := &apiBreaker{BreakResponseCode: breakResponseCode}
	if cb.MaxFailures > 0 {
		cfg.Unhealthy = &breakerHealth{Failures: cb.MaxFailures}
	}
	if cb.HalfOpenRequests > 0 {
		cfg.Healthy = &breakerHealth{Successes: cb.HalfOpenRequests}
	}
	if !cb.OpenTimeout.IsZero() {
		cfg.MaxBreakerSec = cb.OpenTimeout.WholeSeconds()
		if !cb.OpenTimeout.IsWholeSeconds() {
			e.ctx.Warnf(capability.CircuitBreaker, path+".open_timeout", "max_breaker_sec counts whole seconds, rounded")
		}
	}
	pluginsOf(ar).APIBreaker = cfg
}

func (e *exporter) bodyTransform(ar *route, b *ir.BodyTransform, path string) {
	if !e.ctx.Support(capability.BodyTransform, path).IsSupported() {
		return
	}
	if !b.Response.IsEmpty() {
		e.ctx.Warnf(capability.BodyTransform, path+".response", "the serverless function rewrites request bodies only, response operations dropped")
	}
	if b.Request.IsEmpty() {
		return
	}
	code, err := xlate.OpenRestyLuaBody.Render(xlate.BodyOpsParams{Ops: b.Request})
	if err != nil {
		e.fail(err)
		return
	}
	pluginsOf(ar).ServerlessPreFunction = &serverless{Phase: "rewrite", Functions: []string{code}}
}

// trafficSplit writes the traffic-split plugin. Weight splits are one
// rule without a match, rule splits one rule per header match. A rule
// split fallback becomes the route upstream.
func (e *exporter) trafficSplit(svc *ir.Service, au *upstream, ar *route, split *ir.TrafficSplit, path string) {
	splitUpstream := func(name string) *upstream {
		st := split.Target(name)
		e.ctx.CheckUpstream(st.Upstream, path+".targets."+name+".upstream")
		su := e.addUpstream(xlate.SplitUpstreamName(svc.Name, name), svc.Protocol, st.Upstream)
		su.Retries = au.Retries
		return su
	}
	cfg := &trafficSplit{}
	if split.Mode == ir.SplitWeight {
		rule := &splitRule{}
		for _, st := range split.Targets {
			su := splitUpstream(st.Name)
			rule.WeightedUpstreams = append(rule.WeightedUpstreams, &weightedUpstream{UpstreamID: su.ID, Weight: st.Weight})
		}
		cfg.Rules = append(cfg.Rules, rule)
	} else {
		for _, r := range split.Rules {
			su := splitUpstream(r.Target)
			cfg.Rules = append(cfg.Rules, &splitRule{
				Match:             []*splitMatch{{Vars: [][]any{{headerVar(r.Header), "==", r.Value}}}},
				WeightedUpstreams: []*weightedUpstream{{UpstreamID: su.ID, Weight: 1}},
			})
		}
		if split.Fallback != "" {
			ar.UpstreamID = splitUpstream(split.Fallback).ID
		}
	}
	pluginsOf(ar).TrafficSplit = cfg
}

func (e *exporter) mirror(ar *route, m *ir.Mirror, path string) {
	if !e.ctx.Support(capability.Mirror, path).IsSupported() {
		return
	}
	if m.SamplePercentage.Float() == 0 {
		e.ctx.Warnf(capability.Mirror, path+".sample_percentage", "proxy-mirror cannot sample 0%%, mirror dropped")
		return
	}
	if len(m.Upstream.Targets) > 1 {
		e.ctx.Warnf(capability.Mirror, path+".upstream.targets", "proxy-mirror sends to one host, the first target is used")
	}
	t := m.Upstream.Targets[0]
	cfg := &proxyMirror{Host: fmt.Sprintf("http://%s:%d", t.Host, t.Port)}
	if ratio := m.SamplePercentage.Fraction(); ratio < 1 {
		cfg.SampleRatio = math.Max(ratio, 0.00001)
	}
	pluginsOf(ar).ProxyMirror = cfg
	if ar.Labels == nil {
		ar.Labels = make(map[string]string)
	}
	ar.Labels[labelMirror] = m.Name
}

func (e *exporter) globalRules() {
	g := e.topo.Global
	e.ctx.Infof("", "global.port", "set apisix.node_listen to %d in config.yaml", g.Port)
	if g.AdminPort != 0 {
		e.ctx.Support(capability.GlobalAdmin, "global.admin_port")
	}
	pl := &plugins{}
	if g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported() {
		logPath := g.Logging.AccessLog
		if logPath == "" {
			logPath = defaultAccessLogPath
		}
		pl.FileLogger = &fileLogger{Path: logPath}
		if g.Logging.Format == "text" {
			e.ctx.Warnf(capability.GlobalLogging, "global.logging.format", "file-logger writes one JSON object per request")
		}
	}
	if g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported() {
		pl.Prometheus = &prometheus{}
		if g.Metrics.Port != 0 || g.Metrics.Path != ir.DefaultMetricsPath {
			e.ctx.Infof(capability.GlobalMetrics, "global.metrics", "set plugin_attr.prometheus.export_addr and export_uri in config.yaml")
		}
	}
	if pl.FileLogger != nil || pl.Prometheus != nil {
		e.doc.GlobalRules = append(e.doc.GlobalRules, &globalRule{ID: globalRuleID, Plugins: pl})
	}
}
