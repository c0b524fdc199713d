package kong

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string
	root *yaml.Node

	upstreams map[string]*upstream
	consumers []*consumer
	services  []*importedService

	routePlugins   map[string][]*plugin // root plugins by route name or id
	servicePlugins map[string][]*plugin // root plugins by service name or id

	rules      []*ruleRoute
	splitRoute []*splitRoute
}

type importedService struct {
	ks   *service
	path string
	line int

	name string // IR service name
	kind xlate.DerivedKind
	sub  string
	ku   *upstream
	up   *ir.Upstream
}

// ruleRoute is a route generated for one header rule of a split,
// folded back into its parent after all services are read.
type ruleRoute struct {
	parent  string
	index   int
	rule    ir.SplitRule
	service *importedService
	path    string
	line    int
}

// splitRoute is a plain route whose service is derived from a split.
type splitRoute struct {
	route   *ir.Route
	kong    string
	service *importedService
	path    string
	line    int
}

// Import reads a decK declarative configuration.
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
		ctx:            ctx,
		file:           f.Name,
		root:           root,
		upstreams:      make(map[string]*upstream),
		routePlugins:   make(map[string][]*plugin),
		servicePlugins: make(map[string][]*plugin),
	}
	ctx.KnownKeys(root, "", "_format_version", "_transform", "_info", "_workspace",
		"services", "routes", "upstreams", "consumers", "plugins")

	decodeEach(im, "upstreams", func(path string, line int, ku *upstream) {
		im.upstreams[ku.Name] = ku
		if ku.ID != "" {
			im.upstreams[ku.ID] = ku
		}
	})
	decodeEach(im, "consumers", func(path string, line int, c *consumer) {
		im.consumers = append(im.consumers, c)
	})
	decodeEach(im, "plugins", im.rootPlugin)
	decodeEach(im, "services", func(path string, line int, ks *service) {
		im.services = append(im.services, &importedService{ks: ks, path: path, line: line})
	})
	decodeEach(im, "routes", im.rootRoute)

	for _, s := range im.services {
		im.readService(s)
	}
	im.foldRuleRoutes()
	im.foldSplitRoutes()
	for _, s := range im.services {
		if s.kind == xlate.NotDerived && s.up != nil {
			im.attachServicePolicies(s)
		}
	}
}

// decodeEach decodes every item of the top-level sequence key on its
// own, so that one malformed entity does not hide the others.
func decodeEach[T any](im *importer, key string, fn func(path string, line int, v *T)) {
	xlate.SeqEach(xlate.MapValue(im.root, key), func(i int, item *yaml.Node) {
		path := xlate.IndexPath(key, i)
		v := new(T)
		if err := item.Decode(v); err != nil {
			im.parseFailed(path, item.Line, "invalid "+strings.TrimSuffix(key, "s"), err)
			return
		}
		fn(path, item.Line, v)
	})
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

func (im *importer) rootPlugin(path string, line int, p *plugin) {
	switch {
	case p.Route != nil:
		im.routePlugins[p.Route.key()] = append(im.routePlugins[p.Route.key()], p)
	case p.Service != nil:
		im.servicePlugins[p.Service.key()] = append(im.servicePlugins[p.Service.key()], p)
	case p.Consumer != nil:
		im.unrecognized("consumer plugin "+p.Name, path, p.node)
	case p.disabled():
	case p.Name == pluginFileLog:
		var cfg fileLogConfig
		if err := p.decode(&cfg); err != nil {
			im.parseFailed(path, line, "invalid file-log config", err)
			return
		}
		logging := &im.ctx.Builder.Global.Logging
		logging.Enabled = true
		if cfg.Path != defaultAccessLogPath {
			logging.AccessLog = cfg.Path
		}
	case p.Name == pluginPrometheus:
		im.ctx.Builder.Global.Metrics.Enabled = true
	default:
		im.unrecognized("global plugin "+p.Name, path, p.node)
	}
}

// rootRoute attaches a top-level route to the service it references.
func (im *importer) rootRoute(path string, line int, kr *route) {
	key := kr.Service.key()
	for _, s := range im.services {
		if s.ks.Name == key || (s.ks.ID != "" && s.ks.ID == key) {
			s.ks.Routes = append(s.ks.Routes, kr)
			return
		}
	}
	im.parseFailed(path, line, "route "+kr.Name+" references unknown service "+key, nil)
}

func (im *importer) readService(s *importedService) {
	ks := s.ks
	svcName, kind, sub := xlate.ParseUpstreamName(ks.Name)
	s.name, s.kind, s.sub = xlate.SanitizeName(svcName), kind, sub

	protocol, ok := im.serviceProtocol(s)
	if !ok {
		return
	}
	up, ok := im.serviceUpstream(s)
	if !ok {
		return
	}
	s.up = up
	if kind != xlate.DerivedSplit {
		if im.ctx.Builder.Lookup(s.name) != nil {
			im.parseFailed(s.path, s.line, "service "+ks.Name+" maps to the name of another service", nil)
			return
		}
		svc := im.ctx.Builder.Service(s.name, s.path)
		svc.Protocol = protocol
		svc.Upstream = *up
	}

	inherited := append(append([]*plugin(nil), ks.Plugins...), im.servicePlugins[ks.Name]...)
	if ks.ID != "" {
		inherited = append(inherited, im.servicePlugins[ks.ID]...)
	}
	for i, kr := range ks.Routes {
		im.readRoute(s, xlate.IndexPath(s.path+".routes", i), kr, inherited)
	}
}

func (im *importer) serviceProtocol(s *importedService) (string, bool) {
	ks := s.ks
	if ks.URL != "" {
		scheme, rest, _ := strings.Cut(ks.URL, "://")
		host, port, err := xlate.ParseAddress(ks.URL, servicePort(scheme))
		if err != nil {
			im.parseFailed(s.path+".url", s.line, "invalid service url", err)
			return "", false
		}
		ks.Host, ks.Port, ks.Protocol = host, port, scheme
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			ks.Path = rest[i:]
		}
	}
	switch ks.Protocol {
	case "", "http":
		return "http", true
	case "https":
		return "https", true
	case "grpc", "grpcs":
		return "grpc", true
	}
	im.ctx.Unrecognized(xlate.RawFragment{Kind: "service protocol " + ks.Protocol, Path: s.path, Line: s.line, Text: ks.Name})
	return "", false
}

func (im *importer) serviceUpstream(s *importedService) (*ir.Upstream, bool) {
	ks := s.ks
	if ks.Path != "" && ks.Path != "/" {
		im.ctx.Lossy("", s.path+".path", s.line, "upstream path prefix %s is not modeled, dropped", ks.Path)
	}
	if ku := im.upstreams[ks.Host]; ku != nil {
		s.ku = ku
		up := im.upstream(ku, s.path)
		if len(up.Targets) == 0 {
			im.parseFailed(s.path, s.line, "upstream "+ku.Name+" has no usable target", nil)
			return nil, false
		}
		return up, true
	}
	if ks.Host == "" {
		im.parseFailed(s.path, s.line, "service "+ks.Name+" has no host", nil)
		return nil, false
	}
	port := ks.Port
	if port == 0 {
		port = servicePort(ks.Protocol)
	}
	return &ir.Upstream{Targets: []ir.Target{{Host: ks.Host, Port: port}}}, true
}

func (im *importer) upstream(ku *upstream, path string) *ir.Upstream {
	upath := "upstream " + ku.Name
	up := &ir.Upstream{}
	for i, t := range ku.Targets {
		host, port, err := xlate.ParseAddress(t.Target, defaultTargetPort)
		if err != nil {
			im.parseFailed(xlate.IndexPath(upath+".targets", i), 0, "invalid target", err)
			continue
		}
		w := kongDefaultWeight
		if t.Weight != nil {
			w = *t.Weight
		}
		if w == 0 {
			continue
		}
		up.Targets = append(up.Targets, ir.Target{Host: host, Port: port, Weight: w})
	}
	switch ku.Algorithm {
	case "least-connections":
		up.Algorithm = ir.LeastConnections
	case "consistent-hashing":
		up.Algorithm = ir.ConsistentHash
		up.HashKey = im.hashKey(ku, path)
	case "latency":
		up.Algorithm = ir.RoundRobin
		im.ctx.Lossy(capability.UpstreamRoundRobin, upath+".algorithm", 0, "latency balancing imported as round robin")
	default:
		up.Algorithm = ir.Weighted
	}
	xlate.CollapseWeights(up)

	if hc := ku.Healthchecks; hc != nil {
		check := &ir.HealthCheck{Active: activeFromKong(hc.Active)}
		if !slices.Contains(ku.Tags, tagCircuitBreaker) {
			check.Passive = passiveFromKong(hc.Passive)
		}
		if check.Active != nil || check.Passive != nil {
			up.HealthCheck = check
		}
	}
	return up
}

func (im *importer) hashKey(ku *upstream, path string) *ir.HashKey {
	switch ku.HashOn {
	case "header":
		return &ir.HashKey{Source: ir.HashHeader, Name: ku.HashOnHeader}
	case "cookie":
		return &ir.HashKey{Source: ir.HashCookie, Name: ku.HashOnCookie}
	case "ip":
		return &ir.HashKey{Source: ir.HashIP}
	case "path":
		return &ir.HashKey{Source: ir.HashURI}
	case "query_arg":
		return &ir.HashKey{Source: ir.HashQuery, Name: ku.HashOnQueryArg}
	}
	im.ctx.Lossy(capability.UpstreamConsistentHash, "upstream "+ku.Name+".hash_on", 0,
		"hash_on %q is not modeled, hashing on the client address", ku.HashOn)
	return &ir.HashKey{Source: ir.HashIP}
}

var (
	kongHealthyStatuses   = []int{200, 302}
	kongUnhealthyStatuses = []int{429, 500, 503}
)

// activeFromKong maps an active check, leaving values equal to the
// exporter defaults unset. A zero healthy interval disables the check.
func activeFromKong(ac *activeCheck) *ir.ActiveHealthCheck {
	if ac == nil || ac.Healthy == nil || ac.Healthy.Interval <= 0 {
		return nil
	}
	a := &ir.ActiveHealthCheck{Path: ac.HTTPPath}
	if a.Path == "" {
		a.Path = "/"
	}
	if ac.Timeout > 0 && ac.Timeout != defaultHealthTimeout {
		a.Timeout = values.Seconds(ac.Timeout)
	}
	if ac.Healthy.Interval != defaultHealthInterval {
		a.Interval = values.Seconds(ac.Healthy.Interval)
	}
	if n := ac.Healthy.Successes; n > 0 && n != defaultHealthySuccesses {
		a.HealthyThreshold = n
	}
	if s := ac.Healthy.HTTPStatuses; !slices.Equal(s, kongHealthyStatuses) {
		a.ExpectedStatuses = s
	}
	if u := ac.Unhealthy; u != nil && u.HTTPFailures > 0 && u.HTTPFailures != defaultUnhealthyFailures {
		a.UnhealthyThreshold = u.HTTPFailures
	}
	return a
}

func passiveFromKong(pc *passiveCheck) *ir.PassiveHealthCheck {
	if pc == nil || pc.Unhealthy == nil || pc.Unhealthy.HTTPFailures <= 0 {
		return nil
	}
	p := &ir.PassiveHealthCheck{MaxFailures: pc.Unhealthy.HTTPFailures}
	if s := pc.Unhealthy.HTTPStatuses; !slices.Equal(s, kongUnhealthyStatuses) {
		p.UnhealthyStatuses = s
	}
	return p
}

func (im *importer) readRoute(s *importedService, path string, kr *route, inherited []*plugin) {
	if parent, idx, ok := xlate.ParseRuleRouteName(kr.Name); ok && len(kr.Headers) == 1 {
		for h, vals := range kr.Headers {
			if len(vals) == 1 {
				im.rules = append(im.rules, &ruleRoute{
					parent:  parent,
					index:   idx,
					rule:    ir.SplitRule{Header: h, Value: vals[0]},
					service: s,
					path:    path,
					line:    kr.line,
				})
				return
			}
		}
	}
	if len(kr.Hosts) > 0 {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "route hosts", Path: path + ".hosts", Line: kr.line, Text: strings.Join(kr.Hosts, ",")})
	}
	if len(kr.Headers) > 0 {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "route headers", Path: path + ".headers", Line: kr.line, Text: headerText(kr.Headers)})
	}
	methods, err := values.ParseMethods(kr.Methods...)
	if err != nil {
		im.parseFailed(path+".methods", kr.line, "invalid methods", err)
		return
	}

	plugins := mergePlugins(kr.Plugins, im.routePlugins[kr.Name], im.routePlugins[kr.ID], inherited)
	policies := im.routePolicies(path, kr, plugins)

	paths := kr.Paths
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	name := ""
	if kr.Name != "" {
		name = xlate.SanitizeName(kr.Name)
	}
	for i, p := range paths {
		r := &ir.Route{
			Name:     name,
			Match:    matchFromKong(p),
			Methods:  methods,
			Policies: slices.Clone(policies),
		}
		if i > 0 && name != "" {
			r.Name = name + "-" + strconv.Itoa(i+1)
		}
		im.ctx.Builder.AddRoute(s.name, r)
		if s.kind == xlate.DerivedSplit {
			im.splitRoute = append(im.splitRoute, &splitRoute{route: r, kong: kr.Name, service: s, path: path, line: kr.line})
		}
	}
}

func headerText(headers map[string][]string) string {
	var parts []string
	for k, v := range headers {
		parts = append(parts, k+": "+strings.Join(v, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

// mergePlugins lists the plugins that apply to a route. The first
// plugin of a name wins, route plugins come before service plugins.
func mergePlugins(lists ...[]*plugin) []*plugin {
	var out []*plugin
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, p := range list {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			out = append(out, p)
		}
	}
	return out
}

// matchFromKong maps a route path. An anchored regex of a literal path
// is an exact match.
func matchFromKong(p string) ir.PathMatch {
	re, ok := strings.CutPrefix(p, "~")
	if !ok {
		return ir.PathMatch{Kind: ir.MatchPrefix, Value: p}
	}
	if body, ok := strings.CutSuffix(re, "$"); ok {
		if lit, ok := literalRegex(body); ok && strings.HasPrefix(lit, "/") {
			return ir.PathMatch{Kind: ir.MatchExact, Value: lit}
		}
	}
	return ir.PathMatch{Kind: ir.MatchRegex, Value: re}
}

// literalRegex unescapes a regex that matches exactly one string.
func literalRegex(re string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(re); i++ {
		c := re[i]
		if c == '\\' && i+1 < len(re) {
			i++
			b.WriteByte(re[i])
			continue
		}
		b.WriteByte(c)
	}
	lit := b.String()
	return lit, regexp.QuoteMeta(lit) == re
}

func (im *importer) routePolicies(path string, kr *route, plugins []*plugin) []ir.Policy {
	var policies []ir.Policy
	var acl *aclConfig
	for _, p := range plugins {
		if p.Name == pluginACL && !p.disabled() {
			acl = &aclConfig{}
			if err := p.decode(acl); err != nil {
				im.parseFailed(path+".plugins.acl", p.line, "invalid acl config", err)
				acl = nil
			}
		}
	}
	var tf transformers
	for _, p := range plugins {
		if p.disabled() {
			continue
		}
		ppath := path + ".plugins." + p.Name
		var policy ir.Policy
		var err error
		switch p.Name {
		case pluginRateLimiting:
			policy, err = im.rateLimit(ppath, p)
		case pluginBasicAuth, pluginKeyAuth, pluginJWT:
			policy, err = im.authentication(ppath, p, acl)
		case pluginACL:
		case pluginCORS:
			policy, err = im.cors(ppath, p)
		case pluginRequestTransformer:
			err = p.decode(&tf.request)
		case pluginResponseTransformer:
			err = p.decode(&tf.response)
		case pluginPreFunction:
			policy, err = im.mirror(ppath, p)
		default:
			im.unrecognized("plugin "+p.Name, ppath, p.node)
		}
		if err != nil {
			im.parseFailed(ppath, p.line, "invalid "+p.Name+" config", err)
			continue
		}
		if policy != nil {
			policies = append(policies, policy)
		}
	}
	policies = append(policies, im.transformerPolicies(path, kr.line, &tf)...)
	if slices.Contains(kr.Tags, tagWebSocket) {
		policies = append(policies, &ir.WebSocket{Enabled: true})
	}
	return policies
}

func (im *importer) rateLimit(path string, p *plugin) (ir.Policy, error) {
	var cfg rateLimitingConfig
	if err := p.decode(&cfg); err != nil {
		return nil, err
	}
	windows := []struct {
		n      float64
		period time.Duration
	}{
		{cfg.Second, time.Second},
		{cfg.Minute, time.Minute},
		{cfg.Hour, time.Hour},
		{cfg.Day, 24 * time.Hour},
	}
	rl := &ir.RateLimit{}
	count := 0
	for _, w := range windows {
		if w.n <= 0 {
			continue
		}
		if count == 0 {
			rl.RequestsPerSecond = values.PerPeriod(w.n, w.period)
		}
		count++
	}
	if count == 0 {
		im.ctx.Lossy(capability.RateLimit, path, p.line, "rate-limiting without a limit, skipped")
		return nil, nil
	}
	if count > 1 {
		im.ctx.Lossy(capability.RateLimit, path, p.line, "only the shortest window of rate-limiting is imported")
	}
	switch cfg.LimitBy {
	case "ip":
		rl.Key = ir.RateLimitByIP
	case "header":
		rl.Key, rl.KeyName = ir.RateLimitByHeader, cfg.HeaderName
	case "", "consumer", "credential":
		rl.Key = ir.RateLimitByConsumer
	}
	return rl, nil
}

// credentialConsumers returns the consumers an acl plugin lets through,
// or every consumer when the route has no acl.
func (im *importer) credentialConsumers(acl *aclConfig) []*consumer {
	if acl == nil {
		return im.consumers
	}
	var out []*consumer
	for _, c := range im.consumers {
		for _, g := range acl.Allow {
			if c.inGroup(g) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (im *importer) authentication(path string, p *plugin, acl *aclConfig) (ir.Policy, error) {
	consumers := im.credentialConsumers(acl)
	switch p.Name {
	case pluginBasicAuth:
		var cfg basicAuthConfig
		if err := p.decode(&cfg); err != nil {
			return nil, err
		}
		basic := &ir.BasicAuth{Realm: cfg.Realm}
		for _, c := range consumers {
			for _, cred := range c.BasicAuth {
				basic.Users = append(basic.Users, ir.BasicUser{Username: cred.Username, Password: cred.Password})
			}
		}
		return &ir.Authentication{Type: ir.AuthBasic, Basic: basic}, nil

	case pluginKeyAuth:
		var cfg keyAuthConfig
		if err := p.decode(&cfg); err != nil {
			return nil, err
		}
		names := cfg.KeyNames
		if len(names) == 0 {
			names = []string{"apikey"}
		}
		if len(names) > 1 {
			im.ctx.Lossy(capability.AuthAPIKey, path+".key_names", p.line, "only key name %s is imported", names[0])
		}
		inHeader := cfg.KeyInHeader == nil || *cfg.KeyInHeader
		inQuery := cfg.KeyInQuery == nil || *cfg.KeyInQuery
		key := &ir.APIKeyAuth{}
		switch {
		case inHeader:
			key.Header = names[0]
			if inQuery {
				im.ctx.Lossy(capability.AuthAPIKey, path+".key_in_query", p.line, "the key is also accepted in the query string, imported as header only")
			}
		case inQuery:
			key.Query = names[0]
		default:
			im.ctx.Lossy(capability.AuthAPIKey, path, p.line, "key accepted in the body only, imported as header")
			key.Header = names[0]
		}
		for _, c := range consumers {
			for _, cred := range c.KeyAuth {
				key.Keys = append(key.Keys, cred.Key)
			}
		}
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: key}, nil
	}

	var cfg jwtConfig
	if err := p.decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.KeyClaimName != "" && cfg.KeyClaimName != jwtKeyClaim {
		im.ctx.Lossy(capability.AuthJWT, path+".key_claim_name", p.line, "consumers are keyed by claim %s, imported as the issuer", cfg.KeyClaimName)
	}
	jwt := &ir.JWTAuth{}
	if len(cfg.HeaderNames) > 0 && !strings.EqualFold(cfg.HeaderNames[0], defaultJWTHeader) {
		jwt.Header = cfg.HeaderNames[0]
	}
	for _, c := range consumers {
		for _, secret := range c.JWTSecrets {
			if jwt.Issuer == "" {
				jwt.Issuer = secret.Key
				if secret.Algorithm != "" {
					jwt.Algorithms = []string{secret.Algorithm}
				}
			} else if secret.Key != jwt.Issuer {
				im.ctx.Lossy(capability.AuthJWT, path, p.line, "several jwt credentials, only issuer %s is imported", jwt.Issuer)
			}
		}
	}
	if jwt.Issuer == "" {
		im.ctx.Lossy(capability.AuthJWT, path, p.line, "no consumer holds a jwt credential, the issuer is unknown")
	}
	return &ir.Authentication{Type: ir.AuthJWT, JWT: jwt}, nil
}

var kongDefaultCORSMethods = []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE", "OPTIONS", "TRACE", "CONNECT"}

func (im *importer) cors(path string, p *plugin) (ir.Policy, error) {
	var cfg corsConfig
	if err := p.decode(&cfg); err != nil {
		return nil, err
	}
	c := &ir.CORS{
		AllowOrigins:     cfg.Origins,
		AllowHeaders:     cfg.Headers,
		ExposeHeaders:    cfg.ExposedHeaders,
		AllowCredentials: cfg.Credentials,
		MaxAge:           values.Seconds(float64(cfg.MaxAge)),
	}
	if len(c.AllowOrigins) == 0 {
		c.AllowOrigins = []string{"*"}
	}
	if len(cfg.Methods) > 0 && !slices.Equal(cfg.Methods, kongDefaultCORSMethods) {
		methods, err := values.ParseMethods(cfg.Methods...)
		if err != nil {
			im.ctx.Lossy(capability.CORS, path+".methods", p.line, "%v, all methods allowed", err)
		} else {
			c.AllowMethods = methods
		}
	}
	return c, nil
}

func (im *importer) mirror(path string, p *plugin) (ir.Policy, error) {
	var cfg preFunctionConfig
	if err := p.decode(&cfg); err != nil {
		return nil, err
	}
	for _, code := range cfg.Access {
		var params xlate.MirrorParams
		_, found, err := xlate.DecodeSnippet(code, xlate.KongLuaMirror.Name, &params)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		host, port, err := xlate.ParseAddress(params.URL, 80)
		if err != nil {
			return nil, err
		}
		pct, err := values.NewPercentage(params.Percent)
		if err != nil {
			return nil, err
		}
		if len(cfg.Access) > 1 {
			im.ctx.Lossy(capability.Mirror, path, p.line, "other pre-function code of the route is dropped")
		}
		return &ir.Mirror{
			Name:             xlate.SanitizeName(params.Name),
			Upstream:         ir.Upstream{Targets: []ir.Target{{Host: host, Port: port}}},
			SamplePercentage: pct,
		}, nil
	}
	im.unrecognized("plugin pre-function", path, p.node)
	return nil, nil
}

// transformerPolicies maps both transformer plugins back to header and
// body policies. Replace plus add of the same pair is a set.
func (im *importer) transformerPolicies(path string, line int, tf *transformers) []ir.Policy {
	var policies []ir.Policy
	h := &ir.Headers{
		Request:  im.headerOpsFromKong(path+".plugins.request-transformer", line, &tf.request),
		Response: im.headerOpsFromKong(path+".plugins.response-transformer", line, &tf.response),
	}
	if !h.Request.IsEmpty() || !h.Response.IsEmpty() {
		policies = append(policies, h)
	}
	b := &ir.BodyTransform{
		Request:  bodyOpsFromKong(&tf.request, func(o *transformOps) []string { return o.Body }),
		Response: bodyOpsFromKong(&tf.response, func(o *transformOps) []string { return o.JSON }),
	}
	if !b.Request.IsEmpty() || !b.Response.IsEmpty() {
		policies = append(policies, b)
	}
	for _, cfg := range []*transformerConfig{&tf.request, &tf.response} {
		if cfg.Rename != nil && len(cfg.Rename.Headers) > 0 {
			im.ctx.Lossy(capability.RequestHeaders, path, line, "header renames are not modeled, dropped")
		}
		for _, ops := range []*transformOps{cfg.Remove, cfg.Rename, cfg.Replace, cfg.Add, cfg.Append} {
			if ops != nil && len(ops.Querystring) > 0 {
				im.ctx.Lossy("", path, line, "query string transformations are not modeled, dropped")
				break
			}
		}
	}
	return policies
}

func opsOf(p *transformOps) transformOps {
	if p == nil {
		return transformOps{}
	}
	return *p
}

func (im *importer) headerOpsFromKong(path string, line int, cfg *transformerConfig) ir.HeaderOps {
	var ops ir.HeaderOps
	ops.Remove = opsOf(cfg.Remove).Headers
	replace := opsOf(cfg.Replace).Headers
	add := opsOf(cfg.Add).Headers
	for _, kv := range replace {
		if !slices.Contains(add, kv) {
			im.ctx.Lossy(capability.RequestHeaders, path, line, "replace-only header %s imported as set", kv)
		}
		ops.Set = append(ops.Set, splitPair(kv))
	}
	for _, kv := range add {
		if !slices.Contains(replace, kv) {
			im.ctx.Lossy(capability.RequestHeaders, path, line, "add-if-absent header %s imported as set", kv)
			ops.Set = append(ops.Set, splitPair(kv))
		}
	}
	for _, kv := range opsOf(cfg.Append).Headers {
		ops.Add = append(ops.Add, splitPair(kv))
	}
	return ops
}

func bodyOpsFromKong(cfg *transformerConfig, fields func(*transformOps) []string) ir.BodyOps {
	var ops ir.BodyOps
	remove := opsOf(cfg.Remove)
	ops.Remove = fields(&remove)
	rename := opsOf(cfg.Rename)
	for _, kv := range fields(&rename) {
		from, to, _ := strings.Cut(kv, ":")
		ops.Rename = append(ops.Rename, ir.Rename{From: from, To: to})
	}
	replace, add := opsOf(cfg.Replace), opsOf(cfg.Add)
	seen := make(map[string]bool)
	for _, kv := range append(slices.Clone(fields(&replace)), fields(&add)...) {
		if seen[kv] {
			continue
		}
		seen[kv] = true
		h := splitPair(kv)
		ops.Add = append(ops.Add, ir.Field{Name: h.Name, Value: h.Value})
	}
	return ops
}

func splitPair(kv string) ir.Header {
	name, value, _ := strings.Cut(kv, ":")
	return ir.Header{Name: name, Value: value}
}

// foldRuleRoutes turns the rule routes of a parent route into a rules
// split on the parent.
func (im *importer) foldRuleRoutes() {
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
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "rule route without parent", Path: rr.path, Line: rr.line, Text: rr.parent})
			continue
		}
		split := splits[parent.Name]
		if split == nil {
			split = &ir.TrafficSplit{Mode: ir.SplitRules}
			splits[parent.Name] = split
			parent.Policies = append(parent.Policies, split)
		}
		name := xlate.SanitizeName(rr.service.sub)
		if split.Target(name) == nil {
			split.Targets = append(split.Targets, ir.SplitTarget{Name: name, Upstream: rr.service.up})
		}
		rr.rule.Target = name
		split.Rules = append(split.Rules, rr.rule)
	}
	// a parent routed to a split service uses it as the fallback
	kept := im.splitRoute[:0]
	for _, sr := range im.splitRoute {
		split := splits[sr.route.Name]
		if split == nil {
			kept = append(kept, sr)
			continue
		}
		name := xlate.SanitizeName(sr.service.sub)
		if split.Target(name) == nil {
			split.Targets = append(split.Targets, ir.SplitTarget{Name: name, Upstream: sr.service.up})
		}
		split.Fallback = name
	}
	im.splitRoute = kept
}

// foldSplitRoutes rebuilds weight splits from the split tags of the
// merged upstream. Without tags the whole upstream is one target.
func (im *importer) foldSplitRoutes() {
	for _, sr := range im.splitRoute {
		split := &ir.TrafficSplit{Mode: ir.SplitWeight}
		if sr.service.ku != nil {
			split.Targets = im.splitTargets(sr, sr.service.ku)
		}
		if len(split.Targets) == 0 {
			im.ctx.Lossy(capability.TrafficSplitWeight, sr.path, sr.line,
				"service %s has no split tags, imported as a single split target", sr.service.ks.Name)
			split.Targets = []ir.SplitTarget{{Name: xlate.SanitizeName(sr.service.sub), Weight: 100, Upstream: sr.service.up}}
		}
		sr.route.Policies = append(sr.route.Policies, split)
	}
}

func (im *importer) splitTargets(sr *splitRoute, ku *upstream) []ir.SplitTarget {
	var out []ir.SplitTarget
	for _, tag := range ku.Tags {
		rest, ok := strings.CutPrefix(tag, tagSplitPrefix)
		if !ok {
			continue
		}
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 {
			continue
		}
		name, weight := rest[:i], rest[i+1:]
		st := ir.SplitTarget{Name: xlate.SanitizeName(name), Weight: weightOf(weight), Upstream: &ir.Upstream{}}
		for _, t := range ku.Targets {
			if !slices.Contains(t.Tags, tagSplitPrefix+name) {
				continue
			}
			host, port, err := xlate.ParseAddress(t.Target, defaultTargetPort)
			if err != nil {
				continue
			}
			w := kongDefaultWeight
			if t.Weight != nil {
				w = *t.Weight
			}
			st.Upstream.Targets = append(st.Upstream.Targets, ir.Target{Host: host, Port: port, Weight: w})
		}
		if len(st.Upstream.Targets) == 0 {
			if st.Weight > 0 {
				im.ctx.Lossy(capability.TrafficSplitWeight, sr.path, sr.line, "split target %s has no targets, skipped", name)
			}
			continue
		}
		reduceWeights(st.Upstream)
		xlate.CollapseWeights(st.Upstream)
		out = append(out, st)
	}
	return out
}

func weightOf(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// reduceWeights divides the weights by their greatest common divisor,
// undoing the scaling of merged split upstreams.
func reduceWeights(up *ir.Upstream) {
	g := 0
	for _, t := range up.Targets {
		g = gcd(g, t.Weight)
	}
	if g <= 1 {
		return
	}
	for i := range up.Targets {
		up.Targets[i].Weight /= g
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// attachServicePolicies puts the service-wide timeouts, retries and
// circuit breaker on the first route of the service.
func (im *importer) attachServicePolicies(s *importedService) {
	svc := im.ctx.Builder.Lookup(s.name)
	if svc == nil || len(svc.Routes) == 0 {
		return
	}
	ks, first := s.ks, svc.Routes[0]
	read := msOrDefault(ks.ReadTimeout)
	if ks.WriteTimeout > 0 && ks.WriteTimeout != ks.ReadTimeout && ks.WriteTimeout != kongDefaultTimeoutMS {
		im.ctx.Lossy(capability.Timeout, s.path+".write_timeout", s.line, "write timeout differs from the read timeout, dropped")
	}
	if slices.Contains(ks.Tags, tagGlobalTimeout) {
		if im.ctx.Builder.Global.Timeout.IsZero() {
			im.ctx.Builder.Global.Timeout = read
		}
	} else if connect := msOrDefault(ks.ConnectTimeout); !connect.IsZero() || !read.IsZero() {
		first.Policies = append(first.Policies, &ir.Timeout{Connect: connect, Request: read})
	}
	if ks.Retries != nil && *ks.Retries > 0 && *ks.Retries != kongDefaultRetries {
		n := *ks.Retries
		if n > 10 {
			im.ctx.Lossy(capability.Retry, s.path+".retries", s.line, "%d retries capped to 10", n)
			n = 10
		}
		first.Policies = append(first.Policies, &ir.Retry{Attempts: n})
	}
	if ku := s.ku; ku != nil && slices.Contains(ku.Tags, tagCircuitBreaker) && ku.Healthchecks != nil {
		if pc := ku.Healthchecks.Passive; pc != nil && pc.Unhealthy != nil && pc.Unhealthy.HTTPFailures > 0 {
			first.Policies = append(first.Policies, &ir.CircuitBreaker{MaxFailures: pc.Unhealthy.HTTPFailures})
		}
	}
}

func msOrDefault(ms int64) values.Duration {
	if ms <= 0 || ms == kongDefaultTimeoutMS {
		return 0
	}
	return values.Milliseconds(ms)
}
