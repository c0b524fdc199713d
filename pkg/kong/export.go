package kong

import (
	"fmt"
	"math"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology
	doc  *document

	services  map[string]*service
	upstreams map[string]*upstream
	consumers map[string]*consumer
	err       error
}

// Export renders topo as a decK declarative configuration.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:       ctx,
		topo:      topo,
		doc:       &document{FormatVersion: formatVersion},
		services:  make(map[string]*service),
		upstreams: make(map[string]*upstream),
		consumers: make(map[string]*consumer),
	}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		ks := e.newService(svc.Name, svc.Protocol, e.addUpstream(svc.Name, svc.Protocol, &svc.Upstream))
		e.applyServicePolicies(si, svc, ks)
		for ri, r := range svc.Routes {
			e.addRoute(si, svc, ks, ri, r)
		}
	}
	e.globalPlugins()
	if e.err != nil {
		return nil, e.err
	}

	content, err := xlate.EncodeYAML(e.doc)
	if err != nil {
		return nil, err
	}
	return xlate.NewArtifact(capability.Kong, xlate.File{
		Name:      ConfigFile,
		MediaType: xlate.MediaYAML,
		Content:   content,
	}), nil
}

func (e *exporter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *exporter) newService(name, protocol string, ku *upstream) *service {
	ks := &service{
		ID:       entityID("service", name),
		Name:     name,
		Protocol: serviceProtocol(protocol),
		Host:     ku.Name,
		Port:     servicePort(protocol),
	}
	e.services[name] = ks
	e.doc.Services = append(e.doc.Services, ks)
	return ks
}

func serviceProtocol(protocol string) string {
	if protocol == "" {
		return "http"
	}
	return protocol
}

func servicePort(protocol string) int {
	if protocol == "https" {
		return 443
	}
	return 80
}

// inherit copies the service-wide settings of parent to a service
// derived from it for a traffic split.
func inherit(ks, parent *service) {
	ks.ConnectTimeout = parent.ConnectTimeout
	ks.ReadTimeout = parent.ReadTimeout
	ks.WriteTimeout = parent.WriteTimeout
	ks.Retries = parent.Retries
}

var algorithms = map[ir.LBAlgorithm]string{
	ir.RoundRobin:       "round-robin",
	ir.Weighted:         "round-robin",
	ir.LeastConnections: "least-connections",
	ir.ConsistentHash:   "consistent-hashing",
}

func (e *exporter) addUpstream(name, protocol string, up *ir.Upstream) *upstream {
	if ku := e.upstreams[name]; ku != nil {
		return ku
	}
	ku := &upstream{
		ID:        entityID("upstream", name),
		Name:      name,
		Algorithm: algorithms[up.Algorithm],
	}
	if up.Algorithm == ir.ConsistentHash {
		setHashOn(ku, up.HashKey)
	}
	for _, t := range up.Targets {
		kt := &target{Target: targetAddress(t)}
		if up.Algorithm == ir.Weighted {
			w := t.EffectiveWeight()
			kt.Weight = &w
		}
		ku.Targets = append(ku.Targets, kt)
	}
	if hc := up.HealthCheck; hc != nil {
		ku.Healthchecks = healthChecks(hc, protocol)
	}
	e.upstreams[name] = ku
	e.doc.Upstreams = append(e.doc.Upstreams, ku)
	return ku
}

func targetAddress(t ir.Target) string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func setHashOn(ku *upstream, key *ir.HashKey) {
	switch key.Source {
	case ir.HashHeader:
		ku.HashOn, ku.HashOnHeader = "header", key.Name
	case ir.HashCookie:
		ku.HashOn, ku.HashOnCookie, ku.HashOnCookiePath = "cookie", key.Name, "/"
	case ir.HashIP:
		ku.HashOn = "ip"
	case ir.HashURI:
		ku.HashOn = "path"
	case ir.HashQuery:
		ku.HashOn, ku.HashOnQueryArg = "query_arg", key.Name
	}
}

func checkType(protocol string) string {
	if protocol == "https" {
		return "https"
	}
	return "http"
}

func healthChecks(hc *ir.HealthCheck, protocol string) *healthchecks {
	out := &healthchecks{}
	if a := hc.Active; a != nil {
		interval := orDefault(a.Interval.Seconds(), defaultHealthInterval)
		failures := orDefaultInt(a.UnhealthyThreshold, defaultUnhealthyFailures)
		out.Active = &activeCheck{
			Type:     checkType(protocol),
			HTTPPath: a.Path,
			Timeout:  orDefault(a.Timeout.Seconds(), defaultHealthTimeout),
			Healthy: &healthyState{
				Interval:     interval,
				Successes:    orDefaultInt(a.HealthyThreshold, defaultHealthySuccesses),
				HTTPStatuses: a.ExpectedStatuses,
			},
			Unhealthy: &unhealthyState{
				Interval:     interval,
				HTTPFailures: failures,
				TCPFailures:  failures,
				Timeouts:     failures,
			},
		}
	}
	if p := hc.Passive; p != nil {
		out.Passive = &passiveCheck{
			Type: checkType(protocol),
			Unhealthy: &unhealthyState{
				HTTPFailures: p.MaxFailures,
				HTTPStatuses: p.UnhealthyStatuses,
			},
		}
	}
	return out
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// applyServicePolicies maps the policies that Kong sets on a service or
// an upstream instead of a route.
func (e *exporter) applyServicePolicies(si int, svc *ir.Service, ks *service) {
	timeout, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Timeout,
		func(a, b *ir.Timeout) bool { return *a == *b })
	if ok {
		path := xlate.PolicyPath(si, ri, ir.KindTimeout)
		if e.ctx.Support(capability.Timeout, path).IsSupported() {
			ks.ConnectTimeout = timeout.Connect.Milliseconds()
			ks.ReadTimeout = timeout.Request.Milliseconds()
			ks.WriteTimeout = ks.ReadTimeout
			if !timeout.Idle.IsZero() {
				e.ctx.Warnf(capability.Timeout, path+".idle", "Kong services have no idle timeout, dropped")
			}
		}
	} else if g := e.topo.Global.Timeout; !g.IsZero() {
		ks.ReadTimeout = g.Milliseconds()
		ks.WriteTimeout = ks.ReadTimeout
		ks.Tags = append(ks.Tags, tagGlobalTimeout)
	}

	retry, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.Retry, func(a, b *ir.Retry) bool {
		return a.Attempts == b.Attempts && a.PerTryTimeout == b.PerTryTimeout && slices.Equal(a.RetryOn, b.RetryOn)
	})
	if ok {
		path := xlate.PolicyPath(si, ri, ir.KindRetry)
		if e.ctx.Support(capability.Retry, path).IsSupported() {
			n := retry.Attempts
			ks.Retries = &n
			if !retry.PerTryTimeout.IsZero() {
				e.ctx.Warnf(capability.Retry, path+".per_try_timeout", "each try uses the service timeouts, per-try timeout dropped")
			}
			if !slices.Equal(retry.Conditions(), ir.DefaultRetryOn) {
				e.ctx.Warnf(capability.Retry, path+".retry_on", "Kong retries on connection failures and timeouts only, conditions dropped")
			}
		}
	}

	cb, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.CircuitBreaker,
		func(a, b *ir.CircuitBreaker) bool { return *a == *b })
	if ok {
		path := xlate.PolicyPath(si, ri, ir.KindCircuitBreaker)
		if e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
			e.circuitBreaker(e.upstreams[svc.Name], cb, path)
		}
	}
}

func (e *exporter) circuitBreaker(ku *upstream, cb *ir.CircuitBreaker, path string) {
	if cb.MaxConnections > 0 || cb.MaxPendingRequests > 0 || cb.MaxRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path, "Kong upstreams have no concurrency limits, limits dropped")
	}
	if !cb.OpenTimeout.IsZero() || cb.HalfOpenRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path+".open_timeout", "unhealthy targets recover through active health checks only")
	}
	if cb.MaxFailures == 0 {
		return
	}
	if ku.Healthchecks != nil && ku.Healthchecks.Passive != nil {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_failures", "the upstream passive health check is already configured")
		return
	}
	if ku.Healthchecks == nil {
		ku.Healthchecks = &healthchecks{}
	}
	ku.Healthchecks.Passive = &passiveCheck{
		Type: "http",
		Unhealthy: &unhealthyState{
			HTTPFailures: cb.MaxFailures,
			TCPFailures:  cb.MaxFailures,
			Timeouts:     cb.MaxFailures,
		},
	}
	ku.Tags = append(ku.Tags, tagCircuitBreaker)
}

func (e *exporter) addRoute(si int, svc *ir.Service, ks *service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)

	noStrip := false
	kr := &route{
		ID:        entityID("route", r.Name),
		Name:      r.Name,
		Paths:     []string{routePath(r.Match)},
		Methods:   r.Methods.Methods(),
		StripPath: &noStrip,
	}
	var tf transformers
	var split *ir.TrafficSplit
	var splitPath string
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.rateLimit(kr, x, ppath)
		case *ir.Authentication:
			e.authentication(kr, x, ppath)
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				kr.addPlugin(pluginCORS, corsConfigOf(x))
			}
		case *ir.Headers:
			e.headers(&tf, x, ppath)
		case *ir.Timeout, *ir.Retry, *ir.CircuitBreaker:
			// set on the service
		case *ir.BodyTransform:
			e.bodyTransform(&tf, x, ppath)
		case *ir.TrafficSplit:
			if e.ctx.Support(capability.SplitFeature(x.Mode), ppath).IsSupported() {
				split, splitPath = x, ppath
			}
		case *ir.Mirror:
			e.mirror(kr, x, ppath)
		case *ir.WebSocket:
			e.webSocket(kr, x, ppath)
		}
	}
	tf.attach(kr)

	switch {
	case split == nil:
		ks.Routes = append(ks.Routes, kr)
	case split.Mode == ir.SplitWeight:
		e.weightSplit(svc, ks, kr, split, splitPath)
	default:
		e.ruleSplit(svc, ks, kr, split, splitPath)
	}
}

func (kr *route) addPlugin(name string, config any) {
	kr.Plugins = append(kr.Plugins, &plugin{Name: name, Config: config})
}

// routePath renders a path match. Kong regex paths start with "~" and
// are anchored at the start.
func routePath(m ir.PathMatch) string {
	switch m.Kind {
	case ir.MatchExact:
		return "~" + regexp.QuoteMeta(m.Value) + "$"
	case ir.MatchRegex:
		return "~" + m.Value
	}
	return m.Value
}

func (e *exporter) rateLimit(kr *route, rl *ir.RateLimit, path string) {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return
	}
	if rl.Burst > 0 {
		e.ctx.Support(capability.RateLimitBurst, path+".burst")
	}
	cfg := &rateLimitingConfig{Policy: "local"}
	rps := rl.RequestsPerSecond
	switch {
	case rps.IsWhole():
		cfg.Second = rps.PerSecond()
	case rps.IsWholePerMinute():
		cfg.Minute = rps.PerMinute()
	case isWhole(rps.Per(time.Hour)):
		cfg.Hour = rps.Per(time.Hour)
	default:
		cfg.Second = rps.PerSecond()
		e.ctx.Warnf(capability.RateLimit, path+".requests_per_second",
			"no whole count per window, Kong rounds the fractional limit %v per second", rps.PerSecond())
	}
	switch rl.Key {
	case ir.RateLimitByIP:
		cfg.LimitBy = "ip"
	case ir.RateLimitByHeader:
		cfg.LimitBy, cfg.HeaderName = "header", rl.KeyName
	case ir.RateLimitByConsumer:
		cfg.LimitBy = "consumer"
	default:
		cfg.LimitBy = "service"
	}
	kr.addPlugin(pluginRateLimiting, cfg)
}

func isWhole(f float64) bool {
	return math.Abs(f-math.Round(f)) < 1e-9
}

// authentication adds the auth plugin and an acl plugin to the route.
// Credentials live on consumers, which get the route name as an acl
// group, so that a credential only opens the routes it was declared on.
func (e *exporter) authentication(kr *route, a *ir.Authentication, path string) {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return
	}
	switch a.Type {
	case ir.AuthBasic:
		kr.addPlugin(pluginBasicAuth, &basicAuthConfig{Realm: a.Basic.Realm})
		for i, u := range a.Basic.Users {
			c := e.consumer(u.Username, kr.Name)
			switch {
			case len(c.BasicAuth) == 0:
				c.BasicAuth = append(c.BasicAuth, basicCred{Username: u.Username, Password: u.Password})
			case c.BasicAuth[0].Password != u.Password:
				e.ctx.Warnf(capability.AuthBasic, fmt.Sprintf("%s.basic.users[%d]", path, i),
					"user %s has another password on an earlier route, that one is used", u.Username)
			}
		}
	case ir.AuthAPIKey:
		cfg := &keyAuthConfig{}
		inHeader, inQuery := true, false
		if h := a.APIKey.KeyHeader(); h != "" {
			cfg.KeyNames = []string{h}
		} else {
			cfg.KeyNames = []string{a.APIKey.Query}
			inHeader, inQuery = false, true
		}
		cfg.KeyInHeader, cfg.KeyInQuery = &inHeader, &inQuery
		kr.addPlugin(pluginKeyAuth, cfg)
		for _, key := range a.APIKey.Keys {
			c := e.consumer("apikey-"+xlate.StableID(key), kr.Name)
			if len(c.KeyAuth) == 0 {
				c.KeyAuth = append(c.KeyAuth, keyCred{Key: key})
			}
		}
	case ir.AuthJWT:
		if !e.jwt(kr, a.JWT, path+".jwt") {
			return
		}
	}
	kr.addPlugin(pluginACL, &aclConfig{Allow: []string{kr.Name}})
}

func (e *exporter) jwt(kr *route, j *ir.JWTAuth, path string) bool {
	if j.Issuer == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".issuer", "the jwt plugin finds the consumer by the iss claim, an issuer is required")
		return false
	}
	header := j.Header
	if header == "" {
		header = defaultJWTHeader
	}
	kr.addPlugin(pluginJWT, &jwtConfig{
		KeyClaimName:   jwtKeyClaim,
		ClaimsToVerify: []string{"exp"},
		HeaderNames:    []string{header},
	})
	if len(j.Audiences) > 0 {
		e.ctx.Warnf(capability.AuthJWT, path+".audiences", "the jwt plugin does not check audiences, dropped")
	}
	alg := "RS256"
	if len(j.Algorithms) > 0 {
		alg = j.Algorithms[0]
		if len(j.Algorithms) > 1 {
			e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "a jwt credential has one algorithm, %s is used", alg)
		}
	}
	c := e.consumer("jwt-"+xlate.SanitizeName(j.Issuer), kr.Name)
	if len(c.JWTSecrets) == 0 {
		secret := jwtSecret{Key: j.Issuer, Algorithm: alg}
		if !strings.HasPrefix(alg, "HS") {
			secret.RSAPublicKey = jwtKeyPlaceholder
		}
		c.JWTSecrets = append(c.JWTSecrets, secret)
		if j.JWKSURI != "" {
			e.ctx.Infof(capability.AuthJWT, path+".jwks_uri", "put the public key from %s into consumer %s", j.JWKSURI, c.Username)
		}
	} else if c.JWTSecrets[0].Algorithm != alg {
		e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "issuer %s uses %s on an earlier route", j.Issuer, c.JWTSecrets[0].Algorithm)
	}
	return true
}

func (e *exporter) consumer(username, group string) *consumer {
	c := e.consumers[username]
	if c == nil {
		c = &consumer{Username: username}
		e.consumers[username] = c
		e.doc.Consumers = append(e.doc.Consumers, c)
	}
	if !c.inGroup(group) {
		c.ACLs = append(c.ACLs, aclGroup{Group: group})
	}
	return c
}

func corsConfigOf(c *ir.CORS) *corsConfig {
	return &corsConfig{
		Origins:        c.AllowOrigins,
		Methods:        c.AllowMethods.Methods(),
		Headers:        c.AllowHeaders,
		ExposedHeaders: c.ExposeHeaders,
		Credentials:    c.AllowCredentials,
		MaxAge:         c.MaxAge.WholeSeconds(),
	}
}

// transformers collects the header and body operations of a route,
// Kong allows one instance of each transformer plugin per route.
type transformers struct {
	request  transformerConfig
	response transformerConfig
}

func (t *transformers) attach(kr *route) {
	if !t.request.isEmpty() {
		kr.addPlugin(pluginRequestTransformer, &t.request)
	}
	if !t.response.isEmpty() {
		kr.addPlugin(pluginResponseTransformer, &t.response)
	}
}

func (c *transformerConfig) isEmpty() bool {
	return c.Remove == nil && c.Rename == nil && c.Replace == nil && c.Add == nil && c.Append == nil
}

func slot(p **transformOps) *transformOps {
	if *p == nil {
		*p = &transformOps{}
	}
	return *p
}

func (e *exporter) headers(tf *transformers, h *ir.Headers, path string) {
	if !h.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, path+".request").IsSupported() {
		headerOps(&tf.request, h.Request)
	}
	if !h.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, path+".response").IsSupported() {
		headerOps(&tf.response, h.Response)
	}
}

// headerOps maps set to replace plus add, which together overwrite or
// create a header, and add to append.
func headerOps(cfg *transformerConfig, ops ir.HeaderOps) {
	for _, name := range ops.Remove {
		slot(&cfg.Remove).Headers = append(slot(&cfg.Remove).Headers, name)
	}
	for _, h := range ops.Set {
		kv := h.Name + ":" + h.Value
		slot(&cfg.Replace).Headers = append(slot(&cfg.Replace).Headers, kv)
		slot(&cfg.Add).Headers = append(slot(&cfg.Add).Headers, kv)
	}
	for _, h := range ops.Add {
		slot(&cfg.Append).Headers = append(slot(&cfg.Append).Headers, h.Name+":"+h.Value)
	}
}

func (e *exporter) bodyTransform(tf *transformers, b *ir.BodyTransform, path string) {
	if !e.ctx.Support(capability.BodyTransform, path).IsSupported() {
		return
	}
	req := &tf.request
	for _, name := range b.Request.Remove {
		slot(&req.Remove).Body = append(slot(&req.Remove).Body, name)
	}
	for _, rn := range b.Request.Rename {
		slot(&req.Rename).Body = append(slot(&req.Rename).Body, rn.From+":"+rn.To)
	}
	for _, f := range b.Request.Add {
		kv := f.Name + ":" + f.Value
		slot(&req.Replace).Body = append(slot(&req.Replace).Body, kv)
		slot(&req.Add).Body = append(slot(&req.Add).Body, kv)
	}

	resp := &tf.response
	for _, name := range b.Response.Remove {
		slot(&resp.Remove).JSON = append(slot(&resp.Remove).JSON, name)
	}
	if len(b.Response.Rename) > 0 {
		e.ctx.Warnf(capability.BodyTransform, path+".response.rename", "response-transformer cannot rename json fields, dropped")
	}
	for _, f := range b.Response.Add {
		kv := f.Name + ":" + f.Value
		slot(&resp.Replace).JSON = append(slot(&resp.Replace).JSON, kv)
		slot(&resp.Add).JSON = append(slot(&resp.Add).JSON, kv)
	}
}

func (e *exporter) mirror(kr *route, m *ir.Mirror, path string) {
	if !e.ctx.Support(capability.Mirror, path).IsSupported() {
		return
	}
	if len(m.Upstream.Targets) > 1 {
		e.ctx.Warnf(capability.Mirror, path+".upstream.targets", "the mirror script sends to the first target only")
	}
	code, err := xlate.KongLuaMirror.Render(xlate.MirrorParams{
		Name:    m.Name,
		URL:     "http://" + targetAddress(m.Upstream.Targets[0]),
		Percent: m.SamplePercentage.Float(),
	})
	if err != nil {
		e.fail(err)
		return
	}
	kr.addPlugin(pluginPreFunction, &preFunctionConfig{Access: []string{code}})
}

func (e *exporter) webSocket(kr *route, ws *ir.WebSocket, path string) {
	if !ws.Enabled || !e.ctx.Support(capability.WebSocket, path).IsSupported() {
		return
	}
	kr.Tags = append(kr.Tags, tagWebSocket)
	if !ws.IdleTimeout.IsZero() || !ws.PingInterval.IsZero() || ws.MaxMessageSize > 0 {
		e.ctx.Warnf(capability.WebSocket, path, "Kong proxies upgraded connections as is, idle timeout, ping interval and message size dropped")
	}
}

// weightSplit merges the split targets into one upstream whose target
// weights carry the split ratio. Tags on the upstream and its targets
// record the split so that it can be imported back.
func (e *exporter) weightSplit(svc *ir.Service, ks *service, kr *route, split *ir.TrafficSplit, path string) {
	name := xlate.SplitUpstreamName(svc.Name, kr.Name)
	ku := &upstream{
		ID:        entityID("upstream", name),
		Name:      name,
		Algorithm: algorithms[ir.Weighted],
	}
	for i, st := range split.Targets {
		tpath := fmt.Sprintf("%s.targets[%d].upstream", path, i)
		e.ctx.CheckUpstream(st.Upstream, tpath)
		ku.Tags = append(ku.Tags, tagSplitPrefix+st.Name+":"+strconv.Itoa(st.Weight))
		if st.Upstream.HealthCheck != nil || st.Upstream.Algorithm == ir.LeastConnections || st.Upstream.Algorithm == ir.ConsistentHash {
			e.ctx.Warnf(capability.TrafficSplitWeight, tpath,
				"targets are merged into upstream %s, the %s algorithm and health checks of the split target are dropped", name, st.Upstream.Algorithm)
		}
		if st.Weight == 0 {
			continue
		}
		total := 0
		for _, t := range st.Upstream.Targets {
			total += t.EffectiveWeight()
		}
		for _, t := range st.Upstream.Targets {
			w := int(math.Round(float64(st.Weight*t.EffectiveWeight()*100) / float64(total)))
			w = max(w, 1)
			ku.Targets = append(ku.Targets, &target{
				Target: targetAddress(t),
				Weight: &w,
				Tags:   []string{tagSplitPrefix + st.Name},
			})
		}
	}
	e.upstreams[name] = ku
	e.doc.Upstreams = append(e.doc.Upstreams, ku)
	derived := e.newService(name, svc.Protocol, ku)
	inherit(derived, ks)
	derived.Routes = append(derived.Routes, kr)
}

// ruleSplit adds one route per rule with a header match. Kong tries
// routes with more header matches first, so rule routes win over the
// plain one.
func (e *exporter) ruleSplit(svc *ir.Service, ks *service, kr *route, split *ir.TrafficSplit, path string) {
	for i, rule := range split.Rules {
		rs := e.splitService(svc, ks, split, rule.Target, path)
		name := xlate.RuleRouteName(kr.Name, i)
		rs.Routes = append(rs.Routes, &route{
			ID:        entityID("route", name),
			Name:      name,
			Paths:     kr.Paths,
			Methods:   kr.Methods,
			Headers:   map[string][]string{rule.Header: {rule.Value}},
			StripPath: kr.StripPath,
			Tags:      kr.Tags,
			Plugins:   kr.Plugins,
		})
	}
	owner := ks
	if split.Fallback != "" {
		owner = e.splitService(svc, ks, split, split.Fallback, path)
	}
	owner.Routes = append(owner.Routes, kr)
}

func (e *exporter) splitService(svc *ir.Service, ks *service, split *ir.TrafficSplit, targetName, path string) *service {
	name := xlate.SplitUpstreamName(svc.Name, targetName)
	if s := e.services[name]; s != nil {
		return s
	}
	st := split.Target(targetName)
	e.ctx.CheckUpstream(st.Upstream, path+".targets."+targetName+".upstream")
	s := e.newService(name, svc.Protocol, e.addUpstream(name, svc.Protocol, st.Upstream))
	inherit(s, ks)
	return s
}

func (e *exporter) globalPlugins() {
	g := e.topo.Global
	e.ctx.Infof("", "global.port", "set proxy_listen %s:%d in kong.conf", g.Host, g.Port)
	if g.AdminPort != 0 {
		e.ctx.Support(capability.GlobalAdmin, "global.admin_port")
	}
	if g.Logging.Enabled && e.ctx.Support(capability.GlobalLogging, "global.logging").IsSupported() {
		logPath := g.Logging.AccessLog
		if logPath == "" {
			logPath = defaultAccessLogPath
		}
		e.doc.Plugins = append(e.doc.Plugins, &plugin{Name: pluginFileLog, Config: &fileLogConfig{Path: logPath}})
		if g.Logging.Format == "text" {
			e.ctx.Warnf(capability.GlobalLogging, "global.logging.format", "file-log writes one JSON object per request")
		}
		if g.Logging.Level != "" && g.Logging.Level != "info" {
			e.ctx.Infof(capability.GlobalLogging, "global.logging.level", "set log_level = %s in kong.conf", g.Logging.Level)
		}
	}
	if g.Metrics.Enabled && e.ctx.Support(capability.GlobalMetrics, "global.metrics").IsSupported() {
		e.doc.Plugins = append(e.doc.Plugins, &plugin{Name: pluginPrometheus, Config: &prometheusConfig{}})
		if g.Metrics.Port != 0 || g.Metrics.Path != ir.DefaultMetricsPath {
			e.ctx.Infof(capability.GlobalMetrics, "global.metrics", "Kong serves /metrics on the status_listen address of kong.conf")
		}
	}
}
