package nginx

import (
	"net"
	"strconv"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology

	// http level statements: limit_req_zone, map and split_clients
	zones     []*xlate.Directive
	upstreams []*xlate.Directive
	locations []*xlate.Directive
	internal  []*xlate.Directive
	files     []xlate.File

	upstreamNames map[string]bool
	locationKeys  map[string]string
	vars          map[string]bool

	rateLimited bool
	websocket   bool
	grpc        bool
}

// location collects the statements of one route.
type location struct {
	route string
	stem  string
	pp    string // directive prefix, "proxy" or "grpc"
	pass  string
	body  []*xlate.Directive

	readTimeout bool
}

func (l *location) add(words ...string) {
	l.body = append(l.body, dir(words...))
}

func (l *location) addHeader(name, value string) {
	l.add("add_header", name, value, "always")
}

// serverParams are appended to every server of a service upstream.
type serverParams struct {
	maxFails    int
	failTimeout string
	maxConns    int
}

// Export renders topo as a single nginx.conf. Basic auth password files
// and Lua handlers are extra files of the artifact.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:           ctx,
		topo:          topo,
		upstreamNames: make(map[string]bool),
		locationKeys:  make(map[string]string),
		vars:          make(map[string]bool),
	}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		e.addUpstream(svc.Name, &svc.Upstream, e.serverParams(si, svc), path+".upstream")
		if svc.Protocol == "grpc" {
			e.grpc = true
		}
		for ri, r := range svc.Routes {
			e.addRoute(si, svc, ri, r)
		}
	}
	files := []xlate.File{{Name: ConfigFile, MediaType: xlate.MediaText, Content: render(e.config())}}
	return xlate.NewArtifact(capability.Nginx, append(files, e.files...)...), nil
}

// stem returns a unique variable stem for a route.
func (e *exporter) stem(route string) string {
	base := varName(route)
	stem := base
	for i := 2; e.vars[stem]; i++ {
		stem = base + "_" + strconv.Itoa(i)
	}
	e.vars[stem] = true
	return stem
}

func (e *exporter) serverParams(si int, svc *ir.Service) serverParams {
	var sp serverParams
	path := xlate.ServicePath(si) + ".upstream.health_check.passive"
	if hc := svc.Upstream.HealthCheck; hc != nil && hc.Passive != nil {
		sp.maxFails = hc.Passive.MaxFailures
		if !hc.Passive.EjectionTime.IsZero() {
			sp.failTimeout = hc.Passive.EjectionTime.Compact()
		}
		if len(hc.Passive.UnhealthyStatuses) > 0 {
			e.ctx.Warnf(capability.UpstreamPassiveHealth, path+".unhealthy_statuses",
				"failed attempts are the ones proxy_next_upstream retries, statuses dropped")
		}
	}

	cb, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.CircuitBreaker, func(a, b *ir.CircuitBreaker) bool {
		return *a == *b
	})
	if !ok {
		return sp
	}
	path = xlate.PolicyPath(si, ri, ir.KindCircuitBreaker)
	if !e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
		return sp
	}
	sp.maxConns = cb.MaxConnections
	if sp.maxConns == 0 {
		sp.maxConns = cb.MaxRequests
	} else if cb.MaxRequests > 0 && cb.MaxRequests != cb.MaxConnections {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_requests", "max_conns limits connections only, max_requests dropped")
	}
	if cb.MaxFailures > 0 || !cb.OpenTimeout.IsZero() {
		if hc := svc.Upstream.HealthCheck; hc != nil && hc.Passive != nil {
			e.ctx.Warnf(capability.CircuitBreaker, path,
				"max_fails and fail_timeout come from the passive health check, failure settings dropped")
		} else {
			sp.maxFails = cb.MaxFailures
			if !cb.OpenTimeout.IsZero() {
				sp.failTimeout = cb.OpenTimeout.Compact()
			}
		}
	}
	if cb.MaxPendingRequests > 0 || cb.HalfOpenRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path, "pending and half-open request limits dropped")
	}
	return sp
}

func hashKeyVar(key *ir.HashKey) string {
	if key == nil {
		return "$remote_addr"
	}
	switch key.Source {
	case ir.HashHeader:
		return headerVar(key.Name)
	case ir.HashCookie:
		return "$cookie_" + key.Name
	case ir.HashQuery:
		return "$arg_" + key.Name
	case ir.HashURI:
		return "$request_uri"
	}
	return "$remote_addr"
}

func (e *exporter) addUpstream(name string, up *ir.Upstream, sp serverParams, path string) {
	if e.upstreamNames[name] {
		return
	}
	e.upstreamNames[name] = true
	var body []*xlate.Directive
	switch up.Algorithm {
	case ir.LeastConnections:
		body = append(body, dir("least_conn"))
	case ir.ConsistentHash:
		body = append(body, dir("hash", hashKeyVar(up.HashKey), "consistent"))
	}
	for _, t := range up.Targets {
		words := []string{"server", net.JoinHostPort(t.Host, strconv.Itoa(t.Port))}
		if up.Algorithm == ir.Weighted {
			words = append(words, "weight="+strconv.Itoa(t.EffectiveWeight()))
		}
		if sp.maxFails > 0 {
			words = append(words, "max_fails="+strconv.Itoa(sp.maxFails))
		}
		if sp.failTimeout != "" {
			words = append(words, "fail_timeout="+sp.failTimeout)
		}
		if sp.maxConns > 0 {
			words = append(words, "max_conns="+strconv.Itoa(sp.maxConns))
		}
		body = append(body, dir(words...))
	}
	e.upstreams = append(e.upstreams, block(dir("upstream", name), body...))
}

func (e *exporter) addRoute(si int, svc *ir.Service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	words := locationWords(r.Match)
	key := strings.Join(words[1:], " ")
	if prev, ok := e.locationKeys[key]; ok {
		e.ctx.Errorf(capability.MatchFeature(r.Match.Kind), path+".match",
			"location %s is already used by route %s, nginx cannot tell locations apart by method", key, prev)
		return
	}
	e.locationKeys[key] = r.Name

	l := &location{route: r.Name, stem: e.stem(r.Name), pp: "proxy", pass: svc.Name}
	if svc.Protocol == "grpc" {
		l.pp = "grpc"
	}
	l.add("set", routeNameVar, r.Name)
	if !r.Methods.Any() {
		if r.Methods.Contains("GET") && !r.Methods.Contains("HEAD") {
			e.ctx.Infof(capability.RouteMethods, path+".methods", "limit_except GET also allows HEAD")
		}
		limit := append([]string{"limit_except"}, r.Methods.Methods()...)
		l.body = append(l.body, block(dir(limit...), dir("deny", "all")))
	}
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(l, x, ppath)
		case *ir.Authentication:
			e.authentication(l, x, ppath)
		case *ir.CORS:
			e.cors(l, x, ppath)
		case *ir.Headers:
			e.headers(l, x, ppath)
		case *ir.Timeout:
			e.timeout(l, x, ppath)
		case *ir.Retry:
			e.retry(l, x, ppath)
		case *ir.CircuitBreaker:
			// lowered into the upstream servers
		case *ir.BodyTransform:
			e.bodyTransform(l, x, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				e.trafficSplit(svc, l, x, ppath)
			}
		case *ir.Mirror:
			e.mirror(svc, l, x, ppath)
		case *ir.WebSocket:
			e.webSocket(l, x, ppath)
		}
	}
	scheme := "http://"
	switch svc.Protocol {
	case "https":
		scheme = "https://"
	case "grpc":
		scheme = "grpc://"
	}
	l.add(l.pp+"_pass", scheme+l.pass)
	e.locations = append(e.locations, block(dir(words...), l.body...))
}

func (e *exporter) rateLimit(l *location, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	rps := rl.RequestsPerSecond
	rate := rps.Nginx()
	if !rps.IsWhole() && !rps.IsWholePerMinute() {
		if rate == "0r/m" {
			rate = "1r/m"
		}
		e.ctx.Warnf(capability.RateLimit, path+".requests_per_second",
			"nginx counts whole requests per second or minute, %s rounded to %s", rps, rate)
	}
	var key string
	switch rl.Key {
	case ir.RateLimitByIP:
		key = "$binary_remote_addr"
	case ir.RateLimitByHeader:
		key = headerVar(rl.KeyName)
	case ir.RateLimitByConsumer:
		key = "$remote_user"
		e.ctx.Infof(capability.RateLimit, path+".key", "consumers are told apart by the basic auth user")
	default:
		key = "$server_name"
	}
	e.zones = append(e.zones, dir("limit_req_zone", key, "zone="+l.route+":"+zoneSize, "rate="+rate))

	words := []string{"limit_req", "zone=" + l.route}
	if rl.Burst > 0 && e.ctx.Support(capability.RateLimitBurst, path+".burst").IsSupported() {
		words = append(words, "burst="+strconv.Itoa(rl.Burst), "nodelay")
	}
	l.add(words...)
	e.rateLimited = true
}

func (e *exporter) authentication(l *location, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return
	}
	switch a.Type {
	case ir.AuthBasic:
		realm := a.Basic.Realm
		if realm == "" {
			realm = defaultRealm
		}
		var b strings.Builder
		for _, u := range a.Basic.Users {
			b.WriteString(xlate.HtpasswdLine(u.Username, u.Password) + "\n")
		}
		file := htpasswdDir + l.route
		e.files = append(e.files, xlate.File{Name: file, MediaType: xlate.MediaText, Content: []byte(b.String())})
		l.add("auth_basic", realm)
		l.add("auth_basic_user_file", file)

	case ir.AuthAPIKey:
		k := a.APIKey
		source := "$arg_" + k.Query
		if h := k.KeyHeader(); h != "" {
			source = headerVar(h)
			if k.Query != "" {
				e.ctx.Warnf(capability.AuthAPIKey, path+".api_key.query", "keys are read from header %s only, query parameter dropped", h)
			}
		}
		v := l.stem + "_api_key"
		entries := []*xlate.Directive{dir("default", "0")}
		seen := make(map[string]bool)
		for _, key := range k.Keys {
			if !seen[key] {
				seen[key] = true
				entries = append(entries, dir(mapKey(key), "1"))
			}
		}
		e.zones = append(e.zones, block(dir("map", source, v), entries...))
		l.body = append(l.body, block(dir("if", "("+v, "=", "0)"), dir("return", "401")))
	}
}

func (e *exporter) cors(l *location, c *ir.CORS, path string) {
	if !e.ctx.Support(capability.CORS, path).IsSupported() {
		return
	}
	var origin string
	switch {
	case c.AllowsAnyOrigin():
		origin = "*"
	case len(c.AllowOrigins) == 1:
		origin = c.AllowOrigins[0]
	default:
		origin = l.stem + "_cors_origin"
		entries := []*xlate.Directive{dir("default", "")}
		for _, o := range c.AllowOrigins {
			entries = append(entries, dir(mapKey(o), "$http_origin"))
		}
		e.zones = append(e.zones, block(dir("map", "$http_origin", origin), entries...))
	}
	l.addHeader("Access-Control-Allow-Origin", origin)
	if strings.HasPrefix(origin, "$") {
		l.addHeader("Vary", "Origin")
	}
	l.addHeader("Access-Control-Allow-Methods", strings.Join(c.AllowMethods.Expand(), ", "))
	if len(c.AllowHeaders) > 0 {
		l.addHeader("Access-Control-Allow-Headers", strings.Join(c.AllowHeaders, ", "))
	}
	if len(c.ExposeHeaders) > 0 {
		l.addHeader("Access-Control-Expose-Headers", strings.Join(c.ExposeHeaders, ", "))
	}
	if c.AllowCredentials {
		l.addHeader("Access-Control-Allow-Credentials", "true")
	}
	if !c.MaxAge.IsZero() {
		l.addHeader("Access-Control-Max-Age", strconv.FormatInt(c.MaxAge.WholeSeconds(), 10))
	}
	l.body = append(l.body, block(dir("if", "($request_method", "=", "OPTIONS)"), dir("return", "204")))
}

func (e *exporter) headers(l *location, h *ir.Headers, path string) {
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		for _, name := range h.Request.Remove {
			l.add(l.pp+"_set_header", name, "")
		}
		for _, x := range h.Request.Set {
			l.add(l.pp+"_set_header", x.Name, x.Value)
		}
		for i, x := range h.Request.Add {
			e.ctx.Warnf(capability.RequestHeaders, xlate.IndexPath(path+".request.add", i),
				"%s_set_header replaces header %s instead of appending", l.pp, x.Name)
			l.add(l.pp+"_set_header", x.Name, x.Value)
		}
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		for _, name := range h.Response.Remove {
			l.add(l.pp+"_hide_header", name)
		}
		for _, x := range h.Response.Set {
			l.add(l.pp+"_hide_header", x.Name)
			l.addHeader(x.Name, x.Value)
		}
		for _, x := range h.Response.Add {
			l.addHeader(x.Name, x.Value)
		}
	}
}

func (e *exporter) timeout(l *location, t *ir.Timeout, path string) {
	if !e.ctx.Support(capability.Timeout, path).IsSupported() {
		return
	}
	if !t.Connect.IsZero() {
		l.add(l.pp+"_connect_timeout", t.Connect.Compact())
	}
	if !t.Request.IsZero() {
		l.add(l.pp+"_read_timeout", t.Request.Compact())
		l.add(l.pp+"_send_timeout", t.Request.Compact())
		l.readTimeout = true
	}
	if !t.Idle.IsZero() {
		e.ctx.Warnf(capability.Timeout, path+".idle", "keepalive_timeout applies to client connections, idle timeout dropped")
	}
}

var retryTokens = map[string][]string{
	"5xx":             {"http_500", "http_502", "http_503", "http_504"},
	"gateway-error":   {"http_502", "http_503", "http_504"},
	"connect-failure": {"error"},
	"reset":           {"error"},
	"timeout":         {"timeout"},
	"retriable-4xx":   {"http_429"},
}

func (e *exporter) retry(l *location, r *ir.Retry, path string) {
	if !e.ctx.Support(capability.Retry, path).IsSupported() {
		return
	}
	words := []string{l.pp + "_next_upstream"}
	seen := make(map[string]bool)
	for _, c := range r.Conditions() {
		for _, tok := range retryTokens[c] {
			if !seen[tok] {
				seen[tok] = true
				words = append(words, tok)
			}
		}
	}
	l.add(words...)
	l.add(l.pp+"_next_upstream_tries", strconv.Itoa(r.Attempts+1))
	if !r.PerTryTimeout.IsZero() {
		e.ctx.Warnf(capability.Retry, path+".per_try_timeout", "tries share the route timeout, per-try timeout dropped")
	}
}

func (e *exporter) bodyTransform(l *location, b *ir.BodyTransform, path string) {
	if !e.ctx.Support(capability.BodyTransform, path).IsSupported() {
		return
	}
	if !b.Response.IsEmpty() {
		e.ctx.Warnf(capability.BodyTransform, path+".response", "response bodies are not rewritten, dropped")
	}
	if b.Request.IsEmpty() {
		return
	}
	code, err := xlate.OpenRestyLuaRequestBody.Render(xlate.BodyOpsParams{Ops: b.Request})
	if err != nil {
		e.ctx.Errorf(capability.BodyTransform, path, "%v", err)
		return
	}
	file := luaDir + l.route + "-body.lua"
	e.files = append(e.files, xlate.File{Name: file, MediaType: xlate.MediaText, Content: []byte(code)})
	l.add("access_by_lua_file", file)
}

func (e *exporter) trafficSplit(svc *ir.Service, l *location, ts *ir.TrafficSplit, path string) {
	upstreamOf := func(target string) string {
		return xlate.SplitUpstreamName(svc.Name, target)
	}
	for i, t := range ts.Targets {
		if ts.Mode == ir.SplitWeight && t.Weight == 0 {
			e.ctx.Warnf(capability.TrafficSplitWeight, xlate.IndexPath(path+".targets", i)+".weight",
				"target %s has weight 0, left out", t.Name)
			continue
		}
		e.addUpstream(upstreamOf(t.Name), t.Upstream, serverParams{}, xlate.IndexPath(path+".targets", i)+".upstream")
	}

	switch ts.Mode {
	case ir.SplitWeight:
		v := l.stem + "_upstream"
		var entries []*xlate.Directive
		for _, t := range ts.Targets {
			if t.Weight > 0 {
				entries = append(entries, dir(strconv.Itoa(t.Weight)+"%", upstreamOf(t.Name)))
			}
		}
		e.zones = append(e.zones, block(dir("split_clients", "$request_id", v), entries...))
		l.pass = v

	case ir.SplitRules:
		next := svc.Name
		if ts.Fallback != "" {
			next = upstreamOf(ts.Fallback)
		}
		maps := make([]*xlate.Directive, len(ts.Rules))
		for i := len(ts.Rules) - 1; i >= 0; i-- {
			rule := ts.Rules[i]
			v := l.stem + "_split_r" + strconv.Itoa(i)
			maps[i] = block(dir("map", headerVar(rule.Header), v),
				dir(mapKey(rule.Value), upstreamOf(rule.Target)),
				dir("default", next))
			next = v
		}
		e.zones = append(e.zones, maps...)
		l.pass = next
	}
}

func (e *exporter) mirror(svc *ir.Service, l *location, m *ir.Mirror, path string) {
	if !e.ctx.Support(capability.Mirror, path).IsSupported() {
		return
	}
	if m.SamplePercentage <= 0 {
		e.ctx.Warnf(capability.Mirror, path+".sample_percentage", "sample percentage is 0, mirror left out")
		return
	}
	name := xlate.MirrorUpstreamName(svc.Name, m.Name)
	e.addUpstream(name, &m.Upstream, serverParams{}, path+".upstream")

	uri := mirrorPrefix + l.route
	body := []*xlate.Directive{dir("internal")}
	if m.SamplePercentage < 100 {
		pct, exact := formatPercent(m.SamplePercentage)
		if !exact {
			e.ctx.Warnf(capability.Mirror, path+".sample_percentage",
				"split_clients takes two decimals, %s rounded to %s", m.SamplePercentage, pct)
		}
		v := l.stem + "_mirror"
		e.zones = append(e.zones, block(dir("split_clients", "$request_id", v), dir(pct, mirrorOn), dir("*", mirrorOff)))
		body = append(body, block(dir("if", "("+v, "=", mirrorOff+")"), dir("return", "204")))
	}
	body = append(body, dir("proxy_pass", "http://"+name+"$request_uri"))
	e.internal = append(e.internal, block(dir("location", "=", uri), body...))
	l.add("mirror", uri)
}

func (e *exporter) webSocket(l *location, ws *ir.WebSocket, path string) {
	if !ws.Enabled || !e.ctx.Support(capability.WebSocket, path).IsSupported() {
		return
	}
	if l.pp == "grpc" {
		e.ctx.Warnf(capability.WebSocket, path, "gRPC locations do not proxy upgrades, dropped")
		return
	}
	e.websocket = true
	l.add("proxy_http_version", "1.1")
	l.add("proxy_set_header", "Upgrade", "$http_upgrade")
	l.add("proxy_set_header", "Connection", connectionUpgrade)
	if !ws.IdleTimeout.IsZero() {
		if l.readTimeout {
			e.ctx.Warnf(capability.WebSocket, path+".idle_timeout", "proxy_read_timeout is set by the route timeout, idle timeout dropped")
		} else {
			l.add("proxy_read_timeout", ws.IdleTimeout.Compact())
		}
	}
	if !ws.PingInterval.IsZero() || ws.MaxMessageSize > 0 {
		e.ctx.Warnf(capability.WebSocket, path, "ping interval and message size cannot be set, dropped")
	}
}

func listenAddr(host string, port int) string {
	if host == "" || host == ir.DefaultHost {
		return strconv.Itoa(port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func statusLocation(words ...string) *xlate.Directive {
	return block(dir(append([]string{"location"}, words...)...), dir("stub_status"))
}

func (e *exporter) config() []*xlate.Directive {
	g := e.topo.Global
	top := []*xlate.Directive{dir("worker_processes", "auto")}

	logging := g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported()
	if logging {
		top = append(top, dir("error_log", errorLogFile, g.Logging.Level))
	}
	top = append(top, block(dir("events"), dir("worker_connections", "1024")))

	var http []*xlate.Directive
	if logging {
		access := g.Logging.AccessLog
		if access == "" {
			access = defaultAccessLog
		}
		if g.Logging.Format == "json" {
			http = append(http, dir("log_format", jsonLogFormat, "escape=json", jsonLogFields))
			http = append(http, dir("access_log", access, jsonLogFormat))
		} else {
			http = append(http, dir("access_log", access))
		}
	}
	if !g.Timeout.IsZero() {
		http = append(http, dir("proxy_read_timeout", g.Timeout.Compact()))
	}
	if e.rateLimited {
		http = append(http, dir("limit_req_status", "429"))
	}
	if e.websocket {
		http = append(http, block(dir("map", "$http_upgrade", connectionUpgrade),
			dir("default", "upgrade"),
			dir("", "close")))
	}
	http = append(http, e.zones...)
	http = append(http, e.upstreams...)

	metrics := g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported()
	server := []*xlate.Directive{dir("listen", listenAddr(g.Host, g.Port)), dir("server_name", "_")}
	if e.grpc {
		server = append(server, dir("http2", "on"))
	}
	if metrics && (g.Metrics.Port == 0 || g.Metrics.Port == g.Port) {
		server = append(server, statusLocation("=", g.Metrics.Path))
	}
	server = append(server, e.locations...)
	server = append(server, e.internal...)
	http = append(http, block(dir("server"), server...))

	if g.AdminPort != 0 && e.ctx.Support(capability.GlobalAdmin, "global.admin_port").IsSupported() {
		admin := []*xlate.Directive{dir("listen", strconv.Itoa(g.AdminPort)), statusLocation("/")}
		if metrics && g.Metrics.Port == g.AdminPort {
			admin = append(admin, statusLocation("=", g.Metrics.Path))
		}
		http = append(http, block(dir("server"), admin...))
	}
	if metrics && g.Metrics.Port != 0 && g.Metrics.Port != g.Port && g.Metrics.Port != g.AdminPort {
		http = append(http, block(dir("server"),
			dir("listen", strconv.Itoa(g.Metrics.Port)),
			statusLocation("=", g.Metrics.Path)))
	}
	return append(top, block(dir("http"), http...))
}
