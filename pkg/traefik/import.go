package traefik

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string

	services    map[string]*importedService
	order       []*importedService
	middlewares map[string]*importedMiddleware
	transports  map[string]*serversTransport

	// IR service name to the servers transport of its load balancer
	serviceTransport map[string]string
	rules            []*ruleRouter
	fallbacks        []*fallbackRoute
	entryPoint       string
}

type importedService struct {
	name string
	svc  *service
	path string
	line int
	used bool

	up       *ir.Upstream
	protocol string
	failed   bool
}

type importedMiddleware struct {
	mw   *middleware
	path string
	line int
}

// chain is what a router service reference resolves to after following
// mirroring and weighted services down to load balancers.
type chain struct {
	service  string
	up       *ir.Upstream
	protocol string
	split    *ir.TrafficSplit
	mirror   *ir.Mirror

	// set when the router points at one split target directly
	fallback   string
	fallbackUp *ir.Upstream
}

type ruleRouter struct {
	parent string
	index  int
	rule   ir.SplitRule
	up     *ir.Upstream
	path   string
	line   int
}

type fallbackRoute struct {
	route  *ir.Route
	target string
	up     *ir.Upstream
	path   string
	line   int
}

// Import reads a Traefik dynamic configuration and, when present, the
// static configuration next to it.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(ConfigFile)
	if !ok {
		f = art.Primary()
	}
	root, err := xlate.ParseYAMLDocument(f.Name, f.Content)
	if err != nil {
		ctx.ParseFailed(err.(*xlate.ParseError))
		return
	}
	im := &importer{
		ctx:              ctx,
		file:             f.Name,
		services:         make(map[string]*importedService),
		middlewares:      make(map[string]*importedMiddleware),
		transports:       make(map[string]*serversTransport),
		serviceTransport: make(map[string]string),
	}
	ctx.KnownKeys(root, "", "http")
	httpNode := xlate.MapValue(root, "http")
	ctx.KnownKeys(httpNode, "http", "routers", "services", "middlewares", "serversTransports")

	xlate.MapEach(xlate.MapValue(httpNode, "services"), im.readService)
	xlate.MapEach(xlate.MapValue(httpNode, "middlewares"), im.readMiddleware)
	xlate.MapEach(xlate.MapValue(httpNode, "serversTransports"), func(name string, node *yaml.Node) {
		st := &serversTransport{}
		if err := node.Decode(st); err != nil {
			im.parseFailed(xlate.NextPath("http.serversTransports", name), node.Line, "invalid servers transport", err)
			return
		}
		im.transports[name] = st
	})
	xlate.MapEach(xlate.MapValue(httpNode, "routers"), im.readRouter)

	im.foldRuleRouters()
	im.attachTimeouts()
	for _, s := range im.order {
		if !s.used && !s.failed {
			im.ctx.Lossy("", s.path, s.line, "service %s is not used by any router, skipped", s.name)
		}
	}
	if sf, ok := art.File(StaticFile); ok {
		im.readStatic(sf)
	}
}

func stripProvider(name string) string {
	if i := strings.LastIndexByte(name, '@'); i > 0 {
		return name[:i]
	}
	return name
}

func (im *importer) parseFailed(path string, line int, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Line: line, Msg: msg, Err: err})
}

func (im *importer) unrecognized(kind, path string, node *yaml.Node) {
	frag := xlate.RawFragment{Kind: kind, Path: path, Text: xlate.NodeText(node)}
	if node != nil {
		frag.Line, frag.Column = node.Line, node.Column
	}
	im.ctx.Unrecognized(frag)
}

func (im *importer) readService(name string, node *yaml.Node) {
	path := xlate.NextPath("http.services", name)
	s := &importedService{name: name, path: path, line: node.Line, svc: &service{}}
	im.services[name] = s
	im.order = append(im.order, s)
	xlate.MapEach(node, func(key string, value *yaml.Node) {
		if key != "loadBalancer" && key != "weighted" && key != "mirroring" {
			im.unrecognized("service "+key, xlate.NextPath(path, key), value)
			s.failed = true
		}
	})
	if err := node.Decode(s.svc); err != nil {
		im.parseFailed(path, node.Line, "invalid service", err)
		s.failed = true
	}
}

func (im *importer) readMiddleware(name string, node *yaml.Node) {
	path := xlate.NextPath("http.middlewares", name)
	xlate.MapEach(node, func(key string, value *yaml.Node) {
		for _, k := range knownMiddlewares {
			if k == key {
				return
			}
		}
		im.unrecognized("middleware "+key, xlate.NextPath(path, key), value)
	})
	mw := &middleware{}
	if err := node.Decode(mw); err != nil {
		im.parseFailed(path, node.Line, "invalid middleware", err)
		return
	}
	im.middlewares[name] = &importedMiddleware{mw: mw, path: path, line: node.Line}
}

func (im *importer) readRouter(name string, node *yaml.Node) {
	path := xlate.NextPath("http.routers", name)
	r := &router{}
	if err := node.Decode(r); err != nil {
		im.parseFailed(path, node.Line, "invalid router", err)
		return
	}
	name = stripProvider(name)
	if r.TLS != nil {
		im.unrecognized("router tls", path+".tls", r.TLS)
	}
	if im.entryPoint == "" && len(r.EntryPoints) > 0 {
		im.entryPoint = r.EntryPoints[0]
	}
	x, err := parseRule(r.Rule)
	if err != nil {
		im.parseFailed(path+".rule", node.Line, "invalid rule", err)
		return
	}
	rm := interpret(x)

	if parent, index, ok := xlate.ParseRuleRouteName(name); ok && len(rm.headers) == 1 {
		c := im.resolve(r.Service, path)
		if c == nil {
			return
		}
		if c.fallback == "" {
			im.unrecognized("rule router service", path+".service", nil)
			return
		}
		h := rm.headers[0]
		im.rules = append(im.rules, &ruleRouter{
			parent: parent,
			index:  index,
			rule:   ir.SplitRule{Header: h.Name, Value: h.Value, Target: c.fallback},
			up:     c.fallbackUp,
			path:   path,
			line:   node.Line,
		})
		return
	}
	for _, term := range rm.other {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "router rule", Path: path + ".rule", Line: node.Line, Text: term})
	}
	for _, h := range rm.headers {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "router rule", Path: path + ".rule", Line: node.Line, Text: call("Header", h.Name, h.Value)})
	}

	c := im.resolve(r.Service, path)
	if c == nil {
		return
	}
	svc := im.ctx.Builder.Service(c.service, path)
	if len(svc.Upstream.Targets) == 0 {
		svc.Upstream = *c.up
		svc.Protocol = c.protocol
	}
	policies := im.policies(r, path, node.Line)
	if c.split != nil {
		policies = append(policies, c.split)
	}
	if c.mirror != nil {
		policies = append(policies, c.mirror)
	}
	paths := rm.paths
	if len(paths) == 0 {
		paths = []ir.PathMatch{{Kind: ir.MatchPrefix, Value: "/"}}
	}
	base := xlate.SanitizeName(name)
	for i, m := range paths {
		route := &ir.Route{Name: base, Match: m, Methods: rm.methods, Policies: policies}
		if i > 0 {
			route.Name = base + "-" + strconv.Itoa(i+1)
			route.Policies = append([]ir.Policy(nil), policies...)
		}
		im.ctx.Builder.AddRoute(c.service, route)
		if c.fallback != "" && i == 0 {
			im.fallbacks = append(im.fallbacks, &fallbackRoute{route: route, target: c.fallback, up: c.fallbackUp, path: path, line: node.Line})
		}
	}
}

// resolve follows a router service reference. A mirroring service is
// read as a mirror policy on top of the service it wraps.
func (im *importer) resolve(ref, path string) *chain {
	c := &chain{}
	name := stripProvider(ref)
	for depth := 0; depth < 8; depth++ {
		s := im.services[name]
		if s == nil || s.failed {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "service reference", Path: path + ".service", Text: ref})
			return nil
		}
		s.used = true
		switch {
		case s.svc.Mirroring != nil:
			if c.mirror == nil {
				c.mirror = im.mirror(s)
			} else {
				im.ctx.Lossy(capability.Mirror, s.path, s.line, "nested mirroring service %s, only the outer mirror is kept", s.name)
			}
			name = stripProvider(s.svc.Mirroring.Service)
		case s.svc.Weighted != nil:
			if !im.weightSplit(s, c) {
				return nil
			}
			return c
		case s.svc.LoadBalancer != nil:
			up := im.upstream(s)
			if up == nil {
				return nil
			}
			base, kind, sub := xlate.ParseUpstreamName(s.name)
			if kind == xlate.DerivedSplit {
				c.fallback, c.fallbackUp = xlate.SanitizeName(sub), up
				if b := im.services[base]; b != nil && b.svc.LoadBalancer != nil && im.upstream(b) != nil {
					b.used = true
					im.setBase(c, b)
					return c
				}
			}
			im.setBase(c, s)
			return c
		default:
			im.parseFailed(s.path, s.line, "service "+s.name+" has no load balancer", nil)
			return nil
		}
	}
	im.parseFailed(path+".service", 0, "service chain of "+ref+" is too deep", nil)
	return nil
}

func (im *importer) setBase(c *chain, s *importedService) {
	name, _, _ := xlate.ParseUpstreamName(s.name)
	c.service = xlate.SanitizeName(name)
	c.up, c.protocol = im.upstream(s), s.protocol
	if t := s.svc.LoadBalancer.ServersTransport; t != "" {
		if _, ok := im.serviceTransport[c.service]; !ok {
			im.serviceTransport[c.service] = stripProvider(t)
		}
	}
}

func (im *importer) mirror(s *importedService) *ir.Mirror {
	mirrors := s.svc.Mirroring.Mirrors
	if len(mirrors) == 0 {
		return nil
	}
	if len(mirrors) > 1 {
		im.ctx.Lossy(capability.Mirror, s.path+".mirroring.mirrors", s.line, "one mirror per route, %s is kept", mirrors[0].Name)
	}
	m := mirrors[0]
	ms := im.services[stripProvider(m.Name)]
	if ms == nil || ms.svc.LoadBalancer == nil {
		im.parseFailed(s.path+".mirroring.mirrors[0]", s.line, "mirror "+m.Name+" is not a load balancer", nil)
		return nil
	}
	ms.used = true
	up := im.upstream(ms)
	if up == nil {
		return nil
	}
	pct, err := values.NewPercentage(float64(m.Percent))
	if err != nil {
		im.parseFailed(s.path+".mirroring.mirrors[0].percent", s.line, "invalid mirror percent", err)
		return nil
	}
	name := xlate.SanitizeName(ms.name)
	if _, kind, sub := xlate.ParseUpstreamName(ms.name); kind == xlate.DerivedMirror {
		name = xlate.SanitizeName(sub)
	}
	return &ir.Mirror{Name: name, Upstream: *up, SamplePercentage: pct}
}

// weightSplit reads a weighted service as a weight split. Members named
// after split targets of one service get that service as the base;
// otherwise the first member serves as the base upstream.
func (im *importer) weightSplit(s *importedService, c *chain) bool {
	split := &ir.TrafficSplit{Mode: ir.SplitWeight}
	base := ""
	sameBase := true
	total := 0
	for i, ws := range s.svc.Weighted.Services {
		ms := im.services[stripProvider(ws.Name)]
		mpath := fmt.Sprintf("%s.weighted.services[%d]", s.path, i)
		if ms == nil || ms.svc.LoadBalancer == nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "weighted member", Path: mpath, Line: s.line, Text: ws.Name})
			continue
		}
		ms.used = true
		up := im.upstream(ms)
		if up == nil {
			continue
		}
		svcName, kind, sub := xlate.ParseUpstreamName(ms.name)
		target := xlate.SanitizeName(ms.name)
		if kind == xlate.DerivedSplit {
			target = xlate.SanitizeName(sub)
		} else {
			svcName = ""
		}
		if i == 0 {
			base = svcName
		} else if svcName != base {
			sameBase = false
		}
		split.Targets = append(split.Targets, ir.SplitTarget{Name: target, Weight: ws.Weight, Upstream: up})
		total += ws.Weight
	}
	if len(split.Targets) == 0 {
		im.parseFailed(s.path, s.line, "weighted service "+s.name+" has no usable members", nil)
		return false
	}
	if total != 100 {
		xlate.NormalizeWeights(split.Targets, total)
		im.ctx.Lossy(capability.TrafficSplitWeight, s.path+".weighted", s.line, "weights sum to %d, scaled to 100", total)
	}
	c.split = split
	if b := im.services[base]; sameBase && base != "" && b != nil && b.svc.LoadBalancer != nil && im.upstream(b) != nil {
		b.used = true
		im.setBase(c, b)
		return true
	}
	im.ctx.Lossy(capability.TrafficSplitWeight, s.path, s.line,
		"weighted service %s has no base load balancer, split target %s serves as the service upstream", s.name, split.Targets[0].Name)
	c.service = xlate.SanitizeName(strings.TrimSuffix(s.name, weightedSuffix))
	c.up, c.protocol = split.Targets[0].Upstream, "http"
	return true
}

func (im *importer) upstream(s *importedService) *ir.Upstream {
	if s.up != nil || s.failed {
		return s.up
	}
	lb := s.svc.LoadBalancer
	up := &ir.Upstream{Algorithm: ir.RoundRobin}
	s.protocol = ""
	for i, srv := range lb.Servers {
		spath := fmt.Sprintf("%s.loadBalancer.servers[%d]", s.path, i)
		u, err := url.Parse(srv.URL)
		if err != nil || u.Host == "" {
			im.parseFailed(spath, s.line, "invalid server url "+srv.URL, err)
			continue
		}
		protocol := protocolOf(u.Scheme)
		if s.protocol == "" {
			s.protocol = protocol
		} else if protocol != s.protocol {
			im.ctx.Lossy("", spath, s.line, "servers mix schemes, %s is used", s.protocol)
		}
		host, port, err := xlate.ParseAddress(srv.URL, 80)
		if err != nil {
			im.parseFailed(spath, s.line, "invalid server url "+srv.URL, err)
			continue
		}
		t := ir.Target{Host: host, Port: port}
		if srv.Weight != nil {
			if *srv.Weight == 0 {
				im.ctx.Lossy(capability.UpstreamWeighted, spath, s.line, "server %s has weight 0, dropped", srv.URL)
				continue
			}
			t.Weight = *srv.Weight
			up.Algorithm = ir.Weighted
		}
		up.Targets = append(up.Targets, t)
	}
	if len(up.Targets) == 0 {
		im.parseFailed(s.path+".loadBalancer.servers", s.line, "load balancer "+s.name+" has no usable servers", nil)
		s.failed = true
		return nil
	}
	if s.protocol == "" {
		s.protocol = "http"
	}
	if up.Algorithm == ir.Weighted {
		for i := range up.Targets {
			if up.Targets[i].Weight == 0 {
				up.Targets[i].Weight = 1
			}
		}
	}
	xlate.CollapseWeights(up)
	if st := lb.Sticky; st != nil && st.Cookie != nil {
		up.Algorithm = ir.ConsistentHash
		up.HashKey = &ir.HashKey{Source: ir.HashCookie, Name: st.Cookie.Name}
		if st.Cookie.Name == "" || st.Cookie.Name == defaultStickyCookie {
			up.HashKey = &ir.HashKey{Source: ir.HashIP}
			im.ctx.Lossy(capability.UpstreamConsistentHash, s.path+".loadBalancer.sticky", s.line,
				"sticky sessions on a generated cookie, imported as hashing the client address")
		}
		for i := range up.Targets {
			up.Targets[i].Weight = 0
		}
	}
	if hc := lb.HealthCheck; hc != nil {
		active := &ir.ActiveHealthCheck{Path: hc.Path, Interval: hc.Interval, Timeout: hc.Timeout}
		if active.Path == "" {
			active.Path = "/"
		}
		if hc.Status != 0 {
			active.ExpectedStatuses = []int{hc.Status}
		}
		up.HealthCheck = &ir.HealthCheck{Active: active}
	}
	s.up = up
	return up
}

func protocolOf(scheme string) string {
	switch scheme {
	case "https":
		return "https"
	case "h2c":
		return "grpc"
	}
	return "http"
}

// policySet keeps at most one policy of each kind.
type policySet struct {
	im      *importer
	list    []ir.Policy
	breaker *ir.CircuitBreaker
	path    string
	line    int
}

func (ps *policySet) add(p ir.Policy) {
	for _, q := range ps.list {
		if q.Kind() == p.Kind() {
			ps.im.ctx.Lossy(capability.PolicyFeature(p), ps.path+".middlewares", ps.line,
				"router has more than one %s middleware, the first is kept", p.Kind())
			return
		}
	}
	ps.list = append(ps.list, p)
}

func (im *importer) policies(r *router, path string, line int) []ir.Policy {
	ps := &policySet{im: im, path: path, line: line}
	for _, ref := range r.Middlewares {
		m := im.middlewares[stripProvider(ref)]
		if m == nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "middleware reference", Path: path + ".middlewares", Line: line, Text: ref})
			continue
		}
		mw := m.mw
		if mw.RateLimit != nil {
			if rl := im.rateLimit(mw.RateLimit, m); rl != nil {
				ps.add(rl)
			}
		}
		if mw.BasicAuth != nil {
			ps.add(im.basicAuth(mw.BasicAuth, m))
		}
		if mw.Headers != nil {
			im.headers(ps, mw.Headers, m)
		}
		if mw.Retry != nil {
			n := mw.Retry.Attempts
			if n > 10 {
				im.ctx.Lossy(capability.Retry, m.path+".retry.attempts", m.line, "%d attempts capped to 10", n)
				n = 10
			}
			if n > 0 {
				ps.add(&ir.Retry{Attempts: n})
			}
		}
		if cb := mw.CircuitBreaker; cb != nil {
			if cb.Expression != breakerExpression {
				im.ctx.Lossy(capability.CircuitBreaker, m.path+".circuitBreaker.expression", m.line,
					"breaker expression %q imported as a plain breaker", cb.Expression)
			}
			ps.circuitBreaker().OpenTimeout = cb.FallbackDuration
		}
		if fr := mw.InFlightReq; fr != nil && fr.Amount > 0 {
			ps.circuitBreaker().MaxRequests = int(fr.Amount)
		}
	}
	return ps.list
}

func (ps *policySet) circuitBreaker() *ir.CircuitBreaker {
	if ps.breaker == nil {
		ps.breaker = &ir.CircuitBreaker{}
		ps.add(ps.breaker)
	}
	return ps.breaker
}

func (im *importer) rateLimit(cfg *rateLimit, m *importedMiddleware) *ir.RateLimit {
	if cfg.Average <= 0 {
		im.ctx.Lossy(capability.RateLimit, m.path+".rateLimit.average", m.line, "average 0 disables the limit, skipped")
		return nil
	}
	period := cfg.Period
	if period.IsZero() {
		period = values.Seconds(1)
	}
	rl := &ir.RateLimit{
		RequestsPerSecond: values.PerPeriod(float64(cfg.Average), period.Std()),
		Burst:             int(cfg.Burst),
		Key:               ir.RateLimitByIP,
	}
	if sc := cfg.SourceCriterion; sc != nil {
		switch {
		case sc.RequestHeaderName != "":
			rl.Key, rl.KeyName = ir.RateLimitByHeader, sc.RequestHeaderName
		case sc.RequestHost:
			rl.Key = ir.RateLimitGlobal
		case sc.IPStrategy != nil && sc.IPStrategy.Depth > 0:
			im.ctx.Lossy(capability.RateLimit, m.path+".rateLimit.sourceCriterion.ipStrategy", m.line,
				"the client address is taken from X-Forwarded-For at depth %d, imported as the remote address", sc.IPStrategy.Depth)
		}
	}
	return rl
}

func (im *importer) basicAuth(cfg *basicAuth, m *importedMiddleware) *ir.Authentication {
	auth := &ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{Realm: cfg.Realm}}
	for i, u := range cfg.Users {
		name, digest, ok := strings.Cut(u, ":")
		if !ok {
			im.parseFailed(fmt.Sprintf("%s.basicAuth.users[%d]", m.path, i), m.line, "user entry is not name:digest", nil)
			continue
		}
		auth.Basic.Users = append(auth.Basic.Users, ir.BasicUser{Username: name, Password: digest})
	}
	if len(auth.Basic.Users) > 0 {
		im.ctx.Lossy(capability.AuthBasic, m.path+".basicAuth.users", m.line, "passwords are htpasswd digests, kept verbatim")
	}
	return auth
}

func (im *importer) headers(ps *policySet, h *headers, m *importedMiddleware) {
	if h.hasCORS() {
		c := &ir.CORS{
			AllowOrigins:     h.AccessControlAllowOriginList,
			AllowHeaders:     h.AccessControlAllowHeaders,
			ExposeHeaders:    h.AccessControlExposeHeaders,
			AllowCredentials: h.AccessControlAllowCredentials,
			MaxAge:           values.Seconds(float64(h.AccessControlMaxAge)),
		}
		if len(c.AllowOrigins) == 0 {
			c.AllowOrigins = []string{"*"}
			im.ctx.Lossy(capability.CORS, m.path+".headers", m.line, "no allowed origins, imported as any origin")
		}
		methods, err := values.ParseMethods(h.AccessControlAllowMethods...)
		if err != nil {
			im.ctx.Lossy(capability.CORS, m.path+".headers.accessControlAllowMethods", m.line, "%v, any method is allowed", err)
		} else if methods.Len() < len(values.AllMethods) {
			c.AllowMethods = methods
		}
		ps.add(c)
	}
	var ops ir.Headers
	ops.Request = headerOpsOf(h.CustomRequestHeaders)
	ops.Response = headerOpsOf(h.CustomResponseHeaders)
	if !ops.Request.IsEmpty() || !ops.Response.IsEmpty() {
		ps.add(&ops)
	}
}

func headerOpsOf(m headerMap) ir.HeaderOps {
	var ops ir.HeaderOps
	for _, h := range m {
		if h.Value == "" {
			ops.Remove = append(ops.Remove, h.Name)
		} else {
			ops.Set = append(ops.Set, h)
		}
	}
	return ops
}

// foldRuleRouters turns the rule routers of a route into a rules split
// on the route.
func (im *importer) foldRuleRouters() {
	sort.SliceStable(im.rules, func(i, j int) bool {
		if im.rules[i].parent != im.rules[j].parent {
			return im.rules[i].parent < im.rules[j].parent
		}
		return im.rules[i].index < im.rules[j].index
	})
	splits := make(map[string]*ir.TrafficSplit)
	for _, rr := range im.rules {
		_, parent := im.ctx.Builder.FindRoute(xlate.SanitizeName(rr.parent))
		if parent == nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "rule router without parent", Path: rr.path, Line: rr.line, Text: rr.parent})
			continue
		}
		split := splits[parent.Name]
		if split == nil {
			split = &ir.TrafficSplit{Mode: ir.SplitRules}
			splits[parent.Name] = split
			parent.Policies = append(parent.Policies, split)
		}
		if split.Target(rr.rule.Target) == nil {
			split.Targets = append(split.Targets, ir.SplitTarget{Name: rr.rule.Target, Upstream: rr.up})
		}
		split.Rules = append(split.Rules, rr.rule)
	}
	for _, fb := range im.fallbacks {
		split := splits[fb.route.Name]
		if split == nil {
			im.ctx.Lossy(capability.TrafficSplitRules, fb.path+".service", fb.line,
				"router points at split target %s without rule routers, the service upstream is used", fb.target)
			continue
		}
		if split.Target(fb.target) == nil {
			split.Targets = append(split.Targets, ir.SplitTarget{Name: fb.target, Upstream: fb.up})
		}
		split.Fallback = fb.target
	}
}

// attachTimeouts puts the forwarding timeouts of a service transport on
// the first route of the service.
func (im *importer) attachTimeouts() {
	for _, svc := range im.ctx.Builder.Services() {
		name, ok := im.serviceTransport[svc.Name]
		if !ok || len(svc.Routes) == 0 {
			continue
		}
		st := im.transports[name]
		if st == nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "servers transport reference", Path: "service " + svc.Name, Text: name})
			continue
		}
		ft := st.ForwardingTimeouts
		if ft == nil || ft.DialTimeout.IsZero() && ft.ResponseHeaderTimeout.IsZero() && ft.IdleConnTimeout.IsZero() {
			continue
		}
		first := svc.Routes[0]
		if first.Policy(ir.KindTimeout) == nil {
			first.Policies = append(first.Policies, &ir.Timeout{
				Connect: ft.DialTimeout,
				Request: ft.ResponseHeaderTimeout,
				Idle:    ft.IdleConnTimeout,
			})
		}
	}
}

var logLevels = map[string]string{
	"trace": "debug", "debug": "debug", "info": "info",
	"warn": "warn", "warning": "warn", "error": "error", "fatal": "error", "panic": "error",
}

func (im *importer) readStatic(f xlate.File) {
	root, err := xlate.ParseYAMLDocument(f.Name, f.Content)
	if err != nil {
		im.ctx.ParseFailed(err.(*xlate.ParseError))
		return
	}
	im.ctx.KnownKeys(root, "", knownStaticKeys...)
	cfg := &staticConfig{}
	if err := root.Decode(cfg); err != nil {
		im.ctx.ParseFailed(&xlate.ParseError{File: f.Name, Line: root.Line, Msg: "invalid static configuration", Err: err})
		return
	}
	g := &im.ctx.Builder.Global
	web := im.entryPoint
	if cfg.EntryPoints[web] == nil {
		web = entryPointWeb
	}
	if ep := cfg.EntryPoints[web]; ep != nil {
		if host, port, ok := im.entryPointAddress(f.Name, web, ep); ok {
			g.Host, g.Port = host, port
		}
	}
	if cfg.API != nil {
		if ep := cfg.EntryPoints[entryPointAdmin]; ep != nil {
			if _, port, ok := im.entryPointAddress(f.Name, entryPointAdmin, ep); ok {
				g.AdminPort = port
			}
		} else {
			im.ctx.Lossy(capability.GlobalAdmin, "api", 0, "the API listens on the implicit traefik entry point, admin port not set")
		}
	}
	if cfg.Log != nil || cfg.AccessLog != nil {
		g.Logging.Enabled = true
		g.Logging.Format = "text"
	}
	if cfg.Log != nil && cfg.Log.Level != "" {
		level, ok := logLevels[strings.ToLower(cfg.Log.Level)]
		if !ok {
			level = "info"
		}
		if level != strings.ToLower(cfg.Log.Level) {
			im.ctx.Lossy(capability.GlobalLogging, "log.level", 0, "log level %s imported as %s", cfg.Log.Level, level)
		}
		g.Logging.Level = level
	}
	if al := cfg.AccessLog; al != nil {
		g.Logging.AccessLog = al.FilePath
		if al.Format == "json" {
			g.Logging.Format = "json"
		}
	}
	if m := cfg.Metrics; m != nil && m.Prometheus != nil {
		g.Metrics.Enabled = true
		g.Metrics.Path = ir.DefaultMetricsPath
		if name := m.Prometheus.EntryPoint; name != "" && name != web {
			if ep := cfg.EntryPoints[name]; ep != nil {
				if _, port, ok := im.entryPointAddress(f.Name, name, ep); ok {
					g.Metrics.Port = port
				}
			}
		}
	}
	if st := cfg.ServersTransport; st != nil && st.ForwardingTimeouts != nil {
		g.Timeout = st.ForwardingTimeouts.ResponseHeaderTimeout
	}
}

func (im *importer) entryPointAddress(file, name string, ep *entryPoint) (string, int, bool) {
	addr := ep.Address
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i] // ":8080/udp"
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err == nil {
		var port int
		if port, err = strconv.Atoi(portStr); err == nil {
			return host, port, true
		}
	}
	im.ctx.ParseFailed(&xlate.ParseError{File: file, Path: "entryPoints." + name + ".address", Msg: "invalid address " + ep.Address, Err: err})
	return "", 0, false
}
