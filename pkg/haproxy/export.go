package haproxy

import (
	"math"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology

	userlists []*xlate.Directive
	backends  []*xlate.Directive
	tables    []*xlate.Directive

	// frontend statements, written in this order
	selects   []*xlate.Directive
	acls      []*xlate.Directive
	routing   []*xlate.Directive
	early     []*xlate.Directive
	requests  []*xlate.Directive
	responses []*xlate.Directive
	uses      []*xlate.Directive

	backendNames map[string]bool
	preflight    bool
}

// backendSettings are the service scoped statements of a backend.
type backendSettings struct {
	lines    []*xlate.Directive
	defaults []string
	check    bool
}

// Export renders topo as a single haproxy.cfg.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:          ctx,
		topo:         topo,
		backendNames: make(map[string]bool),
	}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		e.addBackend(svc.Name, svc.Protocol, &svc.Upstream, e.serviceSettings(si, svc), path+".upstream")
		for ri, r := range svc.Routes {
			e.addRoute(si, svc, ri, r)
		}
	}
	file := xlate.File{Name: ConfigFile, MediaType: xlate.MediaText, Content: render(e.config())}
	return xlate.NewArtifact(capability.HAProxy, file), nil
}

func balance(up *ir.Upstream) []string {
	switch up.Algorithm {
	case ir.LeastConnections:
		return []string{"balance", "leastconn"}
	case ir.ConsistentHash:
		key := up.HashKey
		if key == nil {
			return []string{"balance", "source"}
		}
		switch key.Source {
		case ir.HashURI:
			return []string{"balance", "uri"}
		case ir.HashHeader:
			return []string{"balance", "hdr(" + key.Name + ")"}
		case ir.HashQuery:
			return []string{"balance", "url_param", key.Name}
		case ir.HashCookie:
			return []string{"balance", "hdr(Cookie)"}
		}
		return []string{"balance", "source"}
	}
	return []string{"balance", "roundrobin"}
}

func (e *exporter) addBackend(name, protocol string, up *ir.Upstream, bs backendSettings, path string) {
	if e.backendNames[name] {
		return
	}
	e.backendNames[name] = true

	body := []*xlate.Directive{stmt(balance(up)...)}
	if up.Algorithm == ir.ConsistentHash {
		if up.HashKey != nil && up.HashKey.Source == ir.HashCookie {
			e.ctx.Warnf(capability.UpstreamConsistentHash, path+".hash_key",
				"haproxy cannot hash one cookie, the whole Cookie header %s is hashed", up.HashKey.Name)
		}
		body = append(body, stmt("hash-type", "consistent"))
	}
	body = append(body, bs.lines...)
	if len(bs.defaults) > 0 {
		body = append(body, stmt(append([]string{"default-server"}, bs.defaults...)...))
	}
	for i, t := range up.Targets {
		words := []string{"server", "srv" + strconv.Itoa(i+1), net.JoinHostPort(t.Host, strconv.Itoa(t.Port))}
		if up.Algorithm == ir.Weighted {
			words = append(words, "weight", strconv.Itoa(t.EffectiveWeight()))
		}
		if bs.check {
			words = append(words, "check")
		}
		switch protocol {
		case "https":
			words = append(words, "ssl", "verify", "required", "ca-file", "@system-ca")
		case "grpc":
			words = append(words, "proto", "h2")
		}
		body = append(body, stmt(words...))
	}
	e.backends = append(e.backends, section("backend", name, body...))
}

// healthChecks lowers the health checks of up into backend statements.
func (e *exporter) healthChecks(up *ir.Upstream, path string) (bs backendSettings, passive bool) {
	path += ".health_check"
	if hc := up.HealthCheck; hc != nil {
		if a := hc.Active; a != nil && e.ctx.Level(capability.UpstreamActiveHealth) != capability.Unsupported {
			bs.check = true
			bs.lines = append(bs.lines, stmt("option", "httpchk", "GET", a.Path))
			switch len(a.ExpectedStatuses) {
			case 0:
			case 1:
				bs.lines = append(bs.lines, stmt("http-check", "expect", "status", strconv.Itoa(a.ExpectedStatuses[0])))
			default:
				codes := make([]string, len(a.ExpectedStatuses))
				for i, c := range a.ExpectedStatuses {
					codes[i] = strconv.Itoa(c)
				}
				bs.lines = append(bs.lines, stmt("http-check", "expect", "rstatus", "^("+strings.Join(codes, "|")+")$"))
			}
			if !a.Timeout.IsZero() {
				bs.lines = append(bs.lines, stmt("timeout", "check", a.Timeout.Compact()))
			}
			if !a.Interval.IsZero() {
				bs.defaults = append(bs.defaults, "inter", a.Interval.Compact())
			}
			if a.UnhealthyThreshold > 0 {
				bs.defaults = append(bs.defaults, "fall", strconv.Itoa(a.UnhealthyThreshold))
			}
			if a.HealthyThreshold > 0 {
				bs.defaults = append(bs.defaults, "rise", strconv.Itoa(a.HealthyThreshold))
			}
		}
		if p := hc.Passive; p != nil && e.ctx.Level(capability.UpstreamPassiveHealth) != capability.Unsupported {
			passive = true
			bs.check = true
			bs.defaults = append(bs.defaults, observe(p.MaxFailures)...)
			if !p.EjectionTime.IsZero() {
				bs.defaults = append(bs.defaults, "downinter", p.EjectionTime.Compact())
			}
			if len(p.UnhealthyStatuses) > 0 {
				e.ctx.Warnf(capability.UpstreamPassiveHealth, path+".passive.unhealthy_statuses",
					"layer7 errors are 5xx responses except 501 and 505, statuses dropped")
			}
		}
	}
	return bs, passive
}

// serviceSettings adds the service scoped policies of svc to its health
// check statements.
func (e *exporter) serviceSettings(si int, svc *ir.Service) backendSettings {
	bs, passive := e.healthChecks(&svc.Upstream, xlate.ServicePath(si)+".upstream")

	if t, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Timeout, func(a, b *ir.Timeout) bool {
		return *a == *b
	}); ok {
		tpath := xlate.PolicyPath(si, ri, ir.KindTimeout)
		if e.ctx.Support(capability.Timeout, tpath).IsSupported() {
			if !t.Connect.IsZero() {
				bs.lines = append(bs.lines, stmt("timeout", "connect", t.Connect.Compact()))
			}
			if !t.Request.IsZero() {
				bs.lines = append(bs.lines, stmt("timeout", "server", t.Request.Compact()))
			}
			if !t.Idle.IsZero() {
				e.ctx.Warnf(capability.Timeout, tpath+".idle", "timeout http-keep-alive applies to client connections, idle timeout dropped")
			}
		}
	}

	if ws, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.WebSocket, func(a, b *ir.WebSocket) bool {
		return *a == *b
	}); ok && ws.Enabled {
		wpath := xlate.PolicyPath(si, ri, ir.KindWebSocket)
		if e.ctx.Support(capability.WebSocket, wpath).IsSupported() {
			idle := defaultTunnelTimeout
			if !ws.IdleTimeout.IsZero() {
				idle = ws.IdleTimeout.Compact()
			}
			bs.lines = append(bs.lines, stmt("timeout", "tunnel", idle))
			if !ws.PingInterval.IsZero() || ws.MaxMessageSize > 0 {
				e.ctx.Warnf(capability.WebSocket, wpath, "ping interval and message size cannot be set, dropped")
			}
		}
	}

	if r, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Retry, func(a, b *ir.Retry) bool {
		return a.Attempts == b.Attempts && a.PerTryTimeout == b.PerTryTimeout && slices.Equal(a.Conditions(), b.Conditions())
	}); ok {
		rpath := xlate.PolicyPath(si, ri, ir.KindRetry)
		if e.ctx.Support(capability.Retry, rpath).IsSupported() {
			bs.lines = append(bs.lines, stmt("retries", strconv.Itoa(r.Attempts)))
			bs.lines = append(bs.lines, stmt(append([]string{"retry-on"}, retryOn(r)...)...))
			bs.lines = append(bs.lines, stmt("option", "redispatch"))
			if !r.PerTryTimeout.IsZero() {
				e.ctx.Warnf(capability.Retry, rpath+".per_try_timeout", "each try waits for timeout server, per-try timeout dropped")
			}
		}
	}

	if cb, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.CircuitBreaker, func(a, b *ir.CircuitBreaker) bool {
		return *a == *b
	}); ok {
		cpath := xlate.PolicyPath(si, ri, ir.KindCircuitBreaker)
		if e.ctx.Support(capability.CircuitBreaker, cpath).IsSupported() {
			bs.defaults = append(bs.defaults, e.breaker(cb, passive, cpath)...)
			if cb.MaxFailures > 0 && !passive {
				bs.check = true
			}
		}
	}
	return bs
}

func observe(maxFailures int) []string {
	return []string{"observe", "layer7", "error-limit", strconv.Itoa(maxFailures), "on-error", "mark-down"}
}

func (e *exporter) breaker(cb *ir.CircuitBreaker, passive bool, path string) []string {
	var out []string
	maxConn := cb.MaxConnections
	if maxConn == 0 {
		maxConn = cb.MaxRequests
	} else if cb.MaxRequests > 0 && cb.MaxRequests != cb.MaxConnections {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_requests", "maxconn limits concurrent requests per server, max_requests dropped")
	}
	if maxConn > 0 {
		out = append(out, "maxconn", strconv.Itoa(maxConn))
	}
	if cb.MaxPendingRequests > 0 {
		out = append(out, "maxqueue", strconv.Itoa(cb.MaxPendingRequests))
	}
	if cb.MaxFailures > 0 || !cb.OpenTimeout.IsZero() {
		if passive {
			e.ctx.Warnf(capability.CircuitBreaker, path,
				"observe settings come from the passive health check, failure settings dropped")
		} else {
			if cb.MaxFailures > 0 {
				out = append(out, observe(cb.MaxFailures)...)
			}
			if !cb.OpenTimeout.IsZero() {
				out = append(out, "downinter", cb.OpenTimeout.Compact())
			}
		}
	}
	if cb.HalfOpenRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path+".half_open_requests", "servers come back after one successful check, half-open limit dropped")
	}
	return out
}

var retryTokens = map[string][]string{
	"5xx":             {"500", "502", "503", "504"},
	"gateway-error":   {"502", "503", "504"},
	"connect-failure": {"conn-failure"},
	"reset":           {"empty-response"},
	"timeout":         {"response-timeout"},
	"retriable-4xx":   {"408"},
}

func retryOn(r *ir.Retry) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range r.Conditions() {
		for _, tok := range retryTokens[c] {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

var matchFetches = map[ir.MatchKind]string{
	ir.MatchPrefix: "path_beg",
	ir.MatchExact:  "path",
	ir.MatchRegex:  "path_reg",
}

func (e *exporter) addRoute(si int, svc *ir.Service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	rt := routePrefix + r.Name
	cond := []string{"if", "!" + hasRouteACL, pathPrefix + r.Name}
	e.selects = append(e.selects, stmt("acl", pathPrefix+r.Name, matchFetches[r.Match.Kind], r.Match.Value))
	if !r.Methods.Any() {
		e.selects = append(e.selects, stmt(append([]string{"acl", methodsPrefix + r.Name, "method"}, r.Methods.Methods()...)...))
		cond = append(cond, methodsPrefix+r.Name)
	}
	e.selects = append(e.selects, stmt("acl", rt, "var("+routeVar+")", "-m", "str", r.Name))
	e.routing = append(e.routing, stmt(append([]string{"http-request", "set-var(" + routeVar + ")", "str(" + r.Name + ")"}, cond...)...))

	var split *ir.TrafficSplit
	var splitPath string
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(r.Name, x, ppath)
		case *ir.Authentication:
			e.authentication(r.Name, x, ppath)
		case *ir.CORS:
			e.cors(r.Name, x, ppath)
		case *ir.Headers:
			e.headers(r.Name, x, ppath)
		case *ir.BodyTransform:
			e.ctx.Support(capability.BodyTransform, ppath)
		case *ir.Mirror:
			e.ctx.Support(capability.Mirror, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				split, splitPath = x, ppath
			}
		}
		// timeouts, retries, circuit breakers and websockets are
		// backend settings, see serviceSettings
	}
	if split != nil {
		e.trafficSplit(svc, r.Name, split, splitPath)
		return
	}
	e.uses = append(e.uses, stmt("use_backend", svc.Name, "if", rt))
}

func (e *exporter) rateLimit(route string, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	rps := rl.RequestsPerSecond
	period, limit := "1s", rps.PerSecond()
	switch {
	case rps.IsWhole():
	case rps.IsWholePerMinute():
		period, limit = "1m", rps.PerMinute()
	default:
		period, limit = "1m", math.Max(1, math.Round(rps.PerMinute()))
		e.ctx.Warnf(capability.RateLimit, path+".requests_per_second",
			"rate counters count whole requests per second or minute, %s rounded to %d per minute", rps, int(limit))
	}
	if rl.Burst > 0 {
		e.ctx.Support(capability.RateLimitBurst, path+".burst")
	}

	var key, typ []string
	switch rl.Key {
	case ir.RateLimitByIP:
		key, typ = []string{"src"}, []string{"type", "ip"}
	case ir.RateLimitByHeader:
		key, typ = []string{"req.hdr(" + rl.KeyName + ")"}, []string{"type", "string", "len", "128"}
	case ir.RateLimitByConsumer:
		key, typ = []string{"http_auth_user"}, []string{"type", "string", "len", "64"}
		e.ctx.Infof(capability.RateLimit, path+".key", "consumers are told apart by the basic auth user")
	default:
		key, typ = []string{"int(1)"}, []string{"type", "integer"}
	}
	table := rateLimitPrefix + route
	tableLine := append([]string{"stick-table"}, typ...)
	tableLine = append(tableLine, "size", tableSize, "expire", period, "store", "http_req_rate("+period+")")
	e.tables = append(e.tables, section("backend", table, stmt(tableLine...)))

	rt := routePrefix + route
	e.acls = append(e.acls, stmt("acl", table, "sc_http_req_rate(0,"+table+")", "gt", strconv.Itoa(int(limit))))
	track := append([]string{"http-request", "track-sc0"}, key...)
	e.requests = append(e.requests, stmt(append(track, "table", table, "if", rt)...))
	e.requests = append(e.requests, stmt("http-request", "deny", "deny_status", "429", "if", rt, table))
}

var cryptPrefixes = []string{"$1$", "$5$", "$6$", "$2a$", "$2b$", "$2y$"}

func isCrypt(s string) bool {
	for _, p := range cryptPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// patterns appends ACL patterns, ending the flags with "--" when a
// pattern could be read as one.
func patterns(words []string, values []string) []string {
	seen := make(map[string]bool)
	for _, v := range values {
		if strings.HasPrefix(v, "-") {
			words = append(words, "--")
			break
		}
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			words = append(words, v)
		}
	}
	return words
}

func (e *exporter) authentication(route string, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return
	}
	rt := routePrefix + route
	switch a.Type {
	case ir.AuthBasic:
		list := authPrefix + route
		var users []*xlate.Directive
		plain := false
		for i, u := range a.Basic.Users {
			switch {
			case isCrypt(u.Password):
				users = append(users, stmt("user", u.Username, "password", u.Password))
			case xlate.IsHtpasswdDigest(u.Password):
				e.ctx.Warnf(capability.AuthBasic, xlate.IndexPath(path+".basic.users", i)+".password",
					"haproxy verifies crypt(3) hashes only, digest of user %s will not match", u.Username)
				users = append(users, stmt("user", u.Username, "password", u.Password))
			default:
				plain = true
				users = append(users, stmt("user", u.Username, "insecure-password", u.Password))
			}
		}
		if plain {
			e.ctx.Infof(capability.AuthBasic, path+".basic.users", "plain passwords are written as insecure-password")
		}
		e.userlists = append(e.userlists, section("userlist", list, users...))
		realm := a.Basic.Realm
		if realm == "" {
			realm = defaultRealm
		}
		e.acls = append(e.acls, stmt("acl", list, "http_auth("+list+")"))
		e.requests = append(e.requests, stmt("http-request", "auth", "realm", realm, "if", rt, "!"+list))

	case ir.AuthAPIKey:
		k := a.APIKey
		fetch := "urlp(" + k.Query + ")"
		if h := k.KeyHeader(); h != "" {
			fetch = "req.hdr(" + h + ")"
			if k.Query != "" {
				e.ctx.Warnf(capability.AuthAPIKey, path+".api_key.query", "keys are read from header %s only, query parameter dropped", h)
			}
		}
		acl := apiKeyPrefix + route
		e.acls = append(e.acls, stmt(patterns([]string{"acl", acl, fetch, "-m", "str"}, k.Keys)...))
		e.requests = append(e.requests, stmt("http-request", "deny", "deny_status", "401", "if", rt, "!"+acl))
	}
}

func (e *exporter) cors(route string, c *ir.CORS, path string) {
	if !e.ctx.Support(capability.CORS, path).IsSupported() {
		return
	}
	rt := routePrefix + route
	var origin string
	switch {
	case c.AllowsAnyOrigin():
		origin = "*"
	case len(c.AllowOrigins) == 1:
		origin = escapeFormat(c.AllowOrigins[0])
	default:
		origin = "%[var(" + originVar + ")]"
		acl := originPrefix + route
		e.acls = append(e.acls, stmt(patterns([]string{"acl", acl, "req.hdr(origin)", "-m", "str"}, c.AllowOrigins)...))
		e.early = append(e.early, stmt("http-request", "set-var("+originVar+")", "req.hdr(origin)", "if", rt, acl))
	}
	e.preflight = true

	ret := []string{"http-request", "return", "status", "204",
		"hdr", "Access-Control-Allow-Origin", origin,
		"hdr", "Access-Control-Allow-Methods", strings.Join(c.AllowMethods.Expand(), ", ")}
	if len(c.AllowHeaders) > 0 {
		ret = append(ret, "hdr", "Access-Control-Allow-Headers", escapeFormat(strings.Join(c.AllowHeaders, ", ")))
	}
	if c.AllowCredentials {
		ret = append(ret, "hdr", "Access-Control-Allow-Credentials", "true")
	}
	if !c.MaxAge.IsZero() {
		ret = append(ret, "hdr", "Access-Control-Max-Age", strconv.FormatInt(c.MaxAge.WholeSeconds(), 10))
	}
	e.early = append(e.early, stmt(append(ret, "if", rt, preflightACL)...))

	set := func(name, value string) {
		e.responses = append(e.responses, stmt("http-response", "set-header", name, value, "if", rt))
	}
	set("Access-Control-Allow-Origin", origin)
	if strings.HasPrefix(origin, "%[") {
		set("Vary", "Origin")
	}
	if len(c.ExposeHeaders) > 0 {
		set("Access-Control-Expose-Headers", escapeFormat(strings.Join(c.ExposeHeaders, ", ")))
	}
	if c.AllowCredentials {
		set("Access-Control-Allow-Credentials", "true")
	}
}

func (e *exporter) headers(route string, h *ir.Headers, path string) {
	rt := routePrefix + route
	ops := func(phase string, o ir.HeaderOps) []*xlate.Directive {
		var out []*xlate.Directive
		for _, x := range o.Set {
			out = append(out, stmt(phase, "set-header", x.Name, escapeFormat(x.Value), "if", rt))
		}
		for _, x := range o.Add {
			out = append(out, stmt(phase, "add-header", x.Name, escapeFormat(x.Value), "if", rt))
		}
		for _, name := range o.Remove {
			out = append(out, stmt(phase, "del-header", name, "if", rt))
		}
		return out
	}
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		e.requests = append(e.requests, ops("http-request", h.Request)...)
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		e.responses = append(e.responses, ops("http-response", h.Response)...)
	}
}

func (e *exporter) trafficSplit(svc *ir.Service, route string, ts *ir.TrafficSplit, path string) {
	upstreamOf := func(target string) string {
		return xlate.SplitUpstreamName(svc.Name, target)
	}
	var active []ir.SplitTarget
	for i, t := range ts.Targets {
		if ts.Mode == ir.SplitWeight && t.Weight == 0 {
			e.ctx.Warnf(capability.TrafficSplitWeight, xlate.IndexPath(path+".targets", i)+".weight",
				"target %s has weight 0, left out", t.Name)
			continue
		}
		tpath := xlate.IndexPath(path+".targets", i) + ".upstream"
		e.ctx.CheckUpstream(t.Upstream, tpath)
		bs, _ := e.healthChecks(t.Upstream, tpath)
		e.addBackend(upstreamOf(t.Name), svc.Protocol, t.Upstream, bs, tpath)
		active = append(active, t)
	}

	rt := routePrefix + route
	switch ts.Mode {
	case ir.SplitWeight:
		e.requests = append(e.requests, stmt("http-request", "set-var("+splitVar+")", "rand(100)", "if", rt))
		cum := 0
		for i, t := range active {
			if i == len(active)-1 {
				e.uses = append(e.uses, stmt("use_backend", upstreamOf(t.Name), "if", rt))
				break
			}
			cum += t.Weight
			acl := splitPrefix + route + ":" + strconv.Itoa(i)
			e.acls = append(e.acls, stmt("acl", acl, "var("+splitVar+")", "-m", "int", "lt", strconv.Itoa(cum)))
			e.uses = append(e.uses, stmt("use_backend", upstreamOf(t.Name), "if", rt, acl))
		}

	case ir.SplitRules:
		for i, rule := range ts.Rules {
			acl := splitPrefix + route + ":" + strconv.Itoa(i)
			e.acls = append(e.acls, stmt(patterns([]string{"acl", acl, "req.hdr(" + rule.Header + ")", "-m", "str"}, []string{rule.Value})...))
			e.uses = append(e.uses, stmt("use_backend", upstreamOf(rule.Target), "if", rt, acl))
		}
		fallback := svc.Name
		if ts.Fallback != "" {
			fallback = upstreamOf(ts.Fallback)
		}
		e.uses = append(e.uses, stmt("use_backend", fallback, "if", rt))
	}
}

func bindAddr(host string, port int) string {
	if host == "" || host == ir.DefaultHost {
		return ":" + strconv.Itoa(port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func metricsLines(path string) []*xlate.Directive {
	return []*xlate.Directive{
		stmt("acl", metricsACL, "path", path),
		stmt("http-request", "use-service", "prometheus-exporter", "if", metricsACL),
	}
}

func (e *exporter) config() []*xlate.Directive {
	g := e.topo.Global
	global := []*xlate.Directive{stmt("maxconn", "4096")}
	defaults := []*xlate.Directive{stmt("mode", "http")}

	if g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported() {
		level := logLevels[g.Logging.Level]
		if level == "" {
			level = "info"
		}
		target := []string{"log", "stdout", "format", "raw"}
		if a := g.Logging.AccessLog; a != "" && a != "/dev/stdout" {
			target = []string{"log", a}
			e.ctx.Infof(capability.GlobalLogging, "global.logging.access_log", "haproxy sends logs to syslog targets, %s is used as one", a)
		}
		global = append(global, stmt(append(target, logFacility, level)...))
		defaults = append(defaults, stmt("log", "global"))
		if g.Logging.Format == "json" {
			defaults = append(defaults, stmt("log-format", jsonLogFormat))
		} else {
			defaults = append(defaults, stmt("option", "httplog"))
		}
	}
	timeout := defaultServerTimeout
	client := defaultClientTimeout
	if !g.Timeout.IsZero() {
		timeout, client = g.Timeout.Compact(), g.Timeout.Compact()
	}
	defaults = append(defaults,
		stmt("timeout", "connect", defaultConnectTimeout),
		stmt("timeout", "client", client),
		stmt("timeout", "server", timeout))

	sections := []*xlate.Directive{section("global", "", global...), section("defaults", "", defaults...)}
	sections = append(sections, e.userlists...)

	metrics := g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported()
	fe := []*xlate.Directive{stmt("bind", bindAddr(g.Host, g.Port))}
	if metrics && (g.Metrics.Port == 0 || g.Metrics.Port == g.Port) {
		fe = append(fe, metricsLines(g.Metrics.Path)...)
	}
	fe = append(fe, stmt("acl", hasRouteACL, "var("+routeVar+")", "-m", "found"))
	if e.preflight {
		fe = append(fe, stmt("acl", preflightACL, "method", "OPTIONS"))
	}
	for _, part := range [][]*xlate.Directive{e.selects, e.acls, e.routing, e.early, e.requests, e.responses, e.uses} {
		fe = append(fe, part...)
	}
	sections = append(sections, section("frontend", frontendName, fe...))

	if g.AdminPort != 0 && e.ctx.Support(capability.GlobalAdmin, "global.admin_port").IsSupported() {
		admin := []*xlate.Directive{
			stmt("bind", bindAddr("", g.AdminPort)),
			stmt("stats", "enable"),
			stmt("stats", "uri", "/"),
		}
		if metrics && g.Metrics.Port == g.AdminPort {
			admin = append(admin, metricsLines(g.Metrics.Path)...)
		}
		sections = append(sections, section("listen", adminName, admin...))
	}
	if metrics && g.Metrics.Port != 0 && g.Metrics.Port != g.Port && g.Metrics.Port != g.AdminPort {
		lines := append([]*xlate.Directive{stmt("bind", bindAddr("", g.Metrics.Port))}, metricsLines(g.Metrics.Path)...)
		sections = append(sections, section("frontend", metricsName, lines...))
	}
	sections = append(sections, e.backends...)
	return append(sections, e.tables...)
}
