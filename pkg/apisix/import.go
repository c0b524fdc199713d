package apisix

import (
	"bytes"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/jxskiss/gopkg/v2/json"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string
	data []byte
	json bool // line numbers are only known for JSON sources

	upstreams map[string]*importedUpstream
	consumers []*consumer

	retries  map[string]int // by IR service name
	services map[string]bool
}

type importedUpstream struct {
	au   *upstream
	path string
	line int
	used bool
}

// Import reads an APISIX standalone configuration. The YAML form
// (apisix.yaml) is accepted as well.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(ConfigFile)
	if !ok {
		f = art.Primary()
	}
	im := &importer{
		ctx:       ctx,
		file:      f.Name,
		data:      bytes.TrimSpace(f.Content),
		json:      true,
		upstreams: make(map[string]*importedUpstream),
		retries:   make(map[string]int),
		services:  make(map[string]bool),
	}
	if len(im.data) > 0 && im.data[0] != '{' {
		converted, err := yaml.YAMLToJSON(im.data)
		if err != nil {
			im.parseFailed("", 0, "invalid YAML", err)
			return
		}
		im.data, im.json = converted, false
	}
	if !gjson.ValidBytes(im.data) {
		im.parseFailed("", 0, "invalid JSON document", nil)
		return
	}
	root := gjson.ParseBytes(im.data)
	if !root.IsObject() {
		im.parseFailed("", 0, "document is not an object", nil)
		return
	}
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "routes", "upstreams", "consumers", "global_rules":
		default:
			im.unrecognized("key "+key.String(), key.String(), value)
		}
		return true
	})

	decodeEach(im, root, "upstreams", func(path string, line int, au *upstream, _ gjson.Result) {
		im.upstreams[au.ID] = &importedUpstream{au: au, path: path, line: line}
	})
	decodeEach(im, root, "consumers", func(path string, line int, c *consumer, _ gjson.Result) {
		im.consumers = append(im.consumers, c)
	})
	decodeEach(im, root, "global_rules", im.globalRule)
	decodeEach(im, root, "routes", im.readRoute)

	im.attachRetries()
	im.globalTimeout()
	ids := make([]string, 0, len(im.upstreams))
	for id := range im.upstreams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		iu := im.upstreams[id]
		if _, kind, _ := xlate.ParseUpstreamName(iu.name()); !iu.used && kind == xlate.NotDerived {
			im.ctx.Lossy("", iu.path, iu.line, "upstream %s is not used by any route, dropped", id)
		}
	}
}

// decodeEach decodes every item of the top-level array key on its own.
func decodeEach[T any](im *importer, root gjson.Result, key string, fn func(path string, line int, v *T, raw gjson.Result)) {
	i := 0
	root.Get(key).ForEach(func(_, item gjson.Result) bool {
		path := xlate.IndexPath(key, i)
		i++
		v := new(T)
		if err := json.Unmarshal([]byte(item.Raw), v); err != nil {
			im.parseFailed(path, im.line(item), "invalid "+strings.TrimSuffix(key, "s"), err)
			return true
		}
		fn(path, im.line(item), v, item)
		return true
	})
}

func (im *importer) line(r gjson.Result) int {
	if !im.json || r.Index <= 0 || r.Index > len(im.data) {
		return 0
	}
	return bytes.Count(im.data[:r.Index], []byte{'\n'}) + 1
}

func (im *importer) parseFailed(path string, line int, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Line: line, Msg: msg, Err: err})
}

func (im *importer) unrecognized(kind, path string, raw gjson.Result) {
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Line: im.line(raw), Text: raw.Raw})
}

func (iu *importedUpstream) name() string {
	if iu.au.Name != "" {
		return iu.au.Name
	}
	return iu.au.ID
}

func (im *importer) globalRule(path string, line int, gr *globalRule, raw gjson.Result) {
	raw.Get("plugins").ForEach(func(key, value gjson.Result) bool {
		ppath := path + ".plugins." + key.String()
		switch key.String() {
		case "file-logger":
			logging := &im.ctx.Builder.Global.Logging
			logging.Enabled = true
			logging.Format = "json"
			if p := value.Get("path").String(); p != defaultAccessLogPath {
				logging.AccessLog = p
			}
		case "prometheus":
			im.ctx.Builder.Global.Metrics.Enabled = true
		default:
			im.unrecognized("global plugin "+key.String(), ppath, value)
		}
		return true
	})
}

func (im *importer) readRoute(path string, line int, ar *route, raw gjson.Result) {
	name := ar.Name
	if name == "" {
		name = ar.ID
	}
	name = xlate.SanitizeName(name)

	if ar.ServiceID != "" {
		im.unrecognized("route service_id", path+".service_id", raw.Get("service_id"))
	}
	if ar.Host != "" || len(ar.Hosts) > 0 {
		im.unrecognized("route hosts", path, raw)
	}
	svcName, protocol, up, fallback, ok := im.routeUpstream(path, line, name, ar)
	if !ok {
		return
	}

	matches, ok := im.matches(path, line, ar, raw)
	if !ok {
		return
	}
	methods, err := values.ParseMethods(ar.Methods...)
	if err != nil {
		im.ctx.Lossy(capability.RouteMethods, path+".methods", line, "%v, matching any method", err)
	}

	svc := im.ctx.Builder.Service(svcName, path)
	if !im.services[svcName] {
		im.services[svcName] = true
		svc.Protocol = protocol
		svc.Upstream = *up
	}
	policies := im.policies(path, line, svcName, ar, raw, fallback)
	for i, m := range matches {
		r := &ir.Route{Name: name, Match: m, Methods: methods, Policies: policies}
		if i > 0 {
			r.Name = name + "-" + strconv.Itoa(i+1)
			r.Policies = slices.Clone(policies)
		}
		im.ctx.Builder.AddRoute(svcName, r)
	}
}

// routeUpstream finds the IR service of a route. Routes sending to a
// derived split upstream are the fallback of a rule split.
func (im *importer) routeUpstream(path string, line int, routeName string, ar *route) (svc, protocol string, up *ir.Upstream, fallback string, ok bool) {
	if ar.Upstream != nil {
		up, protocol, ok = im.upstream(ar.Upstream, path+".upstream", line)
		return routeName, protocol, up, "", ok
	}
	iu := im.upstreams[ar.UpstreamID]
	if iu == nil {
		im.parseFailed(path, line, "route "+routeName+" references unknown upstream "+ar.UpstreamID, nil)
		return "", "", nil, "", false
	}
	iu.used = true
	name, kind, sub := xlate.ParseUpstreamName(iu.name())
	svc = xlate.SanitizeName(name)
	if kind == xlate.DerivedSplit {
		fallback = sub
		if base := im.upstreams[entityID(name)]; base != nil {
			iu = base
			iu.used = true
		}
	}
	up, protocol, ok = im.upstream(iu.au, iu.path, iu.line)
	if ok && iu.au.Retries != nil && *iu.au.Retries > 0 {
		if _, seen := im.retries[svc]; !seen {
			im.retries[svc] = *iu.au.Retries
		}
	}
	return svc, protocol, up, fallback, ok
}

func (im *importer) upstream(au *upstream, path string, line int) (*ir.Upstream, string, bool) {
	protocol := "http"
	switch au.Scheme {
	case "", "http":
	case "https":
		protocol = "https"
	case "grpc", "grpcs":
		protocol = "grpc"
	default:
		im.ctx.Lossy("", path+".scheme", line, "scheme %s imported as http", au.Scheme)
	}
	up := &ir.Upstream{}
	for i, n := range au.Nodes {
		port := n.Port
		host := n.Host
		if port == 0 {
			var err error
			host, port, err = xlate.ParseAddress(n.Host, defaultPort(protocol))
			if err != nil {
				im.parseFailed(xlate.IndexPath(path+".nodes", i), line, "invalid node", err)
				continue
			}
		}
		if n.Weight <= 0 {
			im.ctx.Lossy(capability.UpstreamWeighted, xlate.IndexPath(path+".nodes", i), line, "node %s has weight 0, dropped", host)
			continue
		}
		up.Targets = append(up.Targets, ir.Target{Host: host, Port: port, Weight: n.Weight})
	}
	if len(up.Targets) == 0 {
		im.parseFailed(path, line, "upstream "+au.ID+" has no usable nodes", nil)
		return nil, "", false
	}
	switch au.Type {
	case "", "roundrobin":
		up.Algorithm = ir.Weighted
	case "least_conn":
		up.Algorithm = ir.LeastConnections
	case "chash":
		up.Algorithm = ir.ConsistentHash
		up.HashKey = im.hashKey(au, path, line)
	default:
		im.ctx.Lossy(capability.UpstreamRoundRobin, path+".type", line, "balancer %s imported as round robin", au.Type)
		up.Algorithm = ir.Weighted
	}
	xlate.CollapseWeights(up)
	if c := au.Checks; c != nil && (c.Active != nil || c.Passive != nil) {
		up.HealthCheck = &ir.HealthCheck{
			Active:  activeFromChecks(c.Active),
			Passive: passiveFromChecks(c.Passive),
		}
	}
	return up, protocol, true
}

func defaultPort(protocol string) int {
	if protocol == "https" {
		return 443
	}
	return 80
}

func (im *importer) hashKey(au *upstream, path string, line int) *ir.HashKey {
	switch au.HashOn {
	case "header":
		return &ir.HashKey{Source: ir.HashHeader, Name: au.Key}
	case "cookie":
		return &ir.HashKey{Source: ir.HashCookie, Name: au.Key}
	case "", "vars":
		switch {
		case au.Key == "" || au.Key == keyRemoteAddr:
			return &ir.HashKey{Source: ir.HashIP}
		case au.Key == "uri":
			return &ir.HashKey{Source: ir.HashURI}
		case strings.HasPrefix(au.Key, "arg_"):
			return &ir.HashKey{Source: ir.HashQuery, Name: strings.TrimPrefix(au.Key, "arg_")}
		case strings.HasPrefix(au.Key, headerVarPrefix):
			return &ir.HashKey{Source: ir.HashHeader, Name: headerName(au.Key)}
		}
	}
	im.ctx.Lossy(capability.UpstreamConsistentHash, path+".key", line, "hash on %s %s imported as client IP", au.HashOn, au.Key)
	return &ir.HashKey{Source: ir.HashIP}
}

// headerName turns the nginx variable http_x_user_id into X-User-Id.
func headerName(v string) string {
	parts := strings.Split(strings.TrimPrefix(v, headerVarPrefix), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

func activeFromChecks(a *activeCheck) *ir.ActiveHealthCheck {
	if a == nil {
		return nil
	}
	out := &ir.ActiveHealthCheck{
		Path:    a.HTTPPath,
		Timeout: values.Seconds(a.Timeout),
	}
	if out.Path == "" {
		out.Path = "/"
	}
	if h := a.Healthy; h != nil {
		out.Interval = values.Seconds(h.Interval)
		out.HealthyThreshold = h.Successes
		out.ExpectedStatuses = h.HTTPStatuses
	}
	if u := a.Unhealthy; u != nil {
		if out.Interval == 0 {
			out.Interval = values.Seconds(u.Interval)
		}
		out.UnhealthyThreshold = u.HTTPFailures
	}
	return out
}

func passiveFromChecks(p *passiveCheck) *ir.PassiveHealthCheck {
	if p == nil {
		return nil
	}
	out := &ir.PassiveHealthCheck{MaxFailures: 5}
	if u := p.Unhealthy; u != nil {
		if u.HTTPFailures > 0 {
			out.MaxFailures = u.HTTPFailures
		}
		out.UnhealthyStatuses = u.HTTPStatuses
	}
	return out
}

// matches returns one path match per uri of the route. A "/*" uri with
// a single regex var on uri is a regex match.
func (im *importer) matches(path string, line int, ar *route, raw gjson.Result) ([]ir.PathMatch, bool) {
	uris := ar.URIs
	if ar.URI != "" {
		uris = append([]string{ar.URI}, uris...)
	}
	if len(uris) == 0 {
		im.parseFailed(path, line, "route has no uri", nil)
		return nil, false
	}
	var regex string
	for _, v := range ar.Vars {
		if len(v) == 3 && v[0] == "uri" && v[1] == "~~" && regex == "" {
			regex, _ = v[2].(string)
			continue
		}
		im.unrecognized("route vars", path+".vars", raw.Get("vars"))
		break
	}
	if regex != "" {
		if len(uris) > 1 || uris[0] != "/*" {
			im.ctx.Lossy(capability.RouteMatchRegex, path+".uri", line, "uri combined with a regex var, only the regex is kept")
		}
		return []ir.PathMatch{{Kind: ir.MatchRegex, Value: regex}}, true
	}
	out := make([]ir.PathMatch, 0, len(uris))
	for _, u := range uris {
		if strings.HasSuffix(u, "*") {
			prefix := strings.TrimSuffix(u, "*")
			if prefix == "" {
				prefix = "/"
			}
			out = append(out, ir.PathMatch{Kind: ir.MatchPrefix, Value: prefix})
		} else {
			out = append(out, ir.PathMatch{Kind: ir.MatchExact, Value: u})
		}
	}
	return out, true
}

func (im *importer) policies(path string, line int, svc string, ar *route, raw gjson.Result, fallback string) []ir.Policy {
	var out []ir.Policy
	if ar.Timeout != nil {
		t := ar.Timeout
		if t.Send != t.Read {
			im.ctx.Lossy(capability.Timeout, path+".timeout", line, "send and read timeouts differ, the larger one is the request timeout")
		}
		out = append(out, &ir.Timeout{
			Connect: values.Seconds(t.Connect),
			Request: values.Seconds(math.Max(t.Send, t.Read)),
		})
	}
	if ar.EnableWebsocket {
		out = append(out, &ir.WebSocket{Enabled: true})
	}

	pl := ar.Plugins
	rawPlugins := raw.Get("plugins")
	rawPlugins.ForEach(func(key, value gjson.Result) bool {
		if !slices.Contains(knownPlugins, key.String()) {
			im.unrecognized("plugin "+key.String(), path+".plugins."+key.String(), value)
		}
		return true
	})
	if pl == nil {
		if fallback != "" {
			im.ctx.Lossy(capability.TrafficSplitRules, path+".upstream_id", line, "route sends to split target %s without a traffic-split plugin", fallback)
		}
		return out
	}
	ppath := func(name string) string { return path + ".plugins." + name }

	if p := im.rateLimit(ppath, line, pl); p != nil {
		out = append(out, p)
	}
	if p := im.authentication(ppath, line, pl, rawPlugins); p != nil {
		out = append(out, p)
	}
	if pl.CORS != nil {
		out = append(out, corsFromConfig(pl.CORS))
	}
	if h := im.headers(ppath, line, pl, rawPlugins); h != nil {
		out = append(out, h)
	}
	if b := pl.APIBreaker; b != nil {
		cb := &ir.CircuitBreaker{OpenTimeout: values.Seconds(float64(b.MaxBreakerSec))}
		if b.Unhealthy != nil {
			cb.MaxFailures = b.Unhealthy.Failures
		}
		if b.Healthy != nil {
			cb.HalfOpenRequests = b.Healthy.Successes
		}
		out = append(out, cb)
	}
	if s := pl.ServerlessPreFunction; s != nil {
		if p := im.bodyTransform(ppath("serverless-pre-function"), line, s, rawPlugins.Get("serverless-pre-function")); p != nil {
			out = append(out, p)
		}
	}
	if ts := pl.TrafficSplit; ts != nil {
		if p := im.trafficSplit(ppath("traffic-split"), line, svc, ts, fallback); p != nil {
			out = append(out, p)
		}
	} else if fallback != "" {
		im.ctx.Lossy(capability.TrafficSplitRules, path+".upstream_id", line, "route sends to split target %s without a traffic-split plugin", fallback)
	}
	if m := pl.ProxyMirror; m != nil {
		if p := im.mirror(ppath("proxy-mirror"), line, m, ar.Labels[labelMirror]); p != nil {
			out = append(out, p)
		}
	}
	if pl.FileLogger != nil || pl.Prometheus != nil {
		im.ctx.Lossy(capability.GlobalLogging, path+".plugins", line, "route level file-logger and prometheus apply globally")
		if pl.FileLogger != nil {
			im.ctx.Builder.Global.Logging.Enabled = true
		}
		if pl.Prometheus != nil {
			im.ctx.Builder.Global.Metrics.Enabled = true
		}
	}
	return out
}

func (im *importer) rateLimit(ppath func(string) string, line int, pl *plugins) ir.Policy {
	if lr := pl.LimitReq; lr != nil {
		if pl.LimitCount != nil {
			im.ctx.Lossy(capability.RateLimit, ppath("limit-count"), line, "limit-req and limit-count both set, limit-req is used")
		}
		rl := &ir.RateLimit{RequestsPerSecond: values.PerSecond(lr.Rate), Burst: int(lr.Burst)}
		if lr.Burst != math.Trunc(lr.Burst) {
			im.ctx.Lossy(capability.RateLimitBurst, ppath("limit-req")+".burst", line, "burst %v rounded down", lr.Burst)
		}
		im.rateLimitKey(rl, lr.KeyType, lr.Key, ppath("limit-req"), line)
		return rl
	}
	if lc := pl.LimitCount; lc != nil {
		window := lc.TimeWindow
		if window <= 0 {
			window = 1
		}
		rl := &ir.RateLimit{RequestsPerSecond: values.PerSecond(lc.Count / window)}
		im.ctx.Lossy(capability.RateLimit, ppath("limit-count"), line, "%v requests per %vs fixed window imported as an average rate", lc.Count, window)
		im.rateLimitKey(rl, lc.KeyType, lc.Key, ppath("limit-count"), line)
		return rl
	}
	return nil
}

func (im *importer) rateLimitKey(rl *ir.RateLimit, keyType, key, path string, line int) {
	if keyType != "" && keyType != "var" {
		im.ctx.Lossy(capability.RateLimit, path+".key_type", line, "key type %s imported as a global limit", keyType)
		rl.Key = ir.RateLimitGlobal
		return
	}
	switch {
	case key == "" || key == keyRemoteAddr:
		rl.Key = ir.RateLimitByIP
	case key == keyConsumerName:
		rl.Key = ir.RateLimitByConsumer
	case key == keyServerAddr:
		rl.Key = ir.RateLimitGlobal
	case strings.HasPrefix(key, headerVarPrefix):
		rl.Key, rl.KeyName = ir.RateLimitByHeader, headerName(key)
	default:
		im.ctx.Lossy(capability.RateLimit, path+".key", line, "key %s imported as a global limit", key)
		rl.Key = ir.RateLimitGlobal
	}
}

// credentialConsumers returns the consumers allowed on a route: the
// consumer-restriction whitelist, or every consumer.
func (im *importer) credentialConsumers(pl *plugins) []*consumer {
	cr := pl.ConsumerRestriction
	if cr == nil || len(cr.Whitelist) == 0 {
		return im.consumers
	}
	var out []*consumer
	for _, c := range im.consumers {
		if slices.Contains(cr.Whitelist, c.Username) {
			out = append(out, c)
		}
	}
	return out
}

func (im *importer) authentication(ppath func(string) string, line int, pl *plugins, raw gjson.Result) ir.Policy {
	var found []string
	for _, name := range []string{"basic-auth", "key-auth", "jwt-auth"} {
		if raw.Get(name).Exists() {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		if pl.ConsumerRestriction != nil {
			im.unrecognized("plugin consumer-restriction", ppath("consumer-restriction"), raw.Get("consumer-restriction"))
		}
		return nil
	}
	if len(found) > 1 {
		im.ctx.Lossy(capability.AuthBasic, ppath(found[1]), line, "one authentication per route, %s is used", found[0])
	}
	consumers := im.credentialConsumers(pl)
	switch found[0] {
	case "basic-auth":
		basic := &ir.BasicAuth{}
		for _, c := range consumers {
			if c.Plugins != nil && c.Plugins.BasicAuth != nil {
				basic.Users = append(basic.Users, ir.BasicUser{Username: c.Plugins.BasicAuth.Username, Password: c.Plugins.BasicAuth.Password})
			}
		}
		return &ir.Authentication{Type: ir.AuthBasic, Basic: basic}
	case "key-auth":
		key := &ir.APIKeyAuth{}
		if cfg := pl.KeyAuth; cfg != nil {
			key.Header, key.Query = cfg.Header, cfg.Query
		}
		if key.Header == "" && key.Query == "" {
			key.Header = "apikey"
		}
		for _, c := range consumers {
			if c.Plugins != nil && c.Plugins.KeyAuth != nil {
				key.Keys = append(key.Keys, c.Plugins.KeyAuth.Key)
			}
		}
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: key}
	default:
		return im.jwt(ppath("jwt-auth"), line, pl.JWTAuth, consumers)
	}
}

func (im *importer) jwt(path string, line int, cfg *jwtAuthConfig, consumers []*consumer) ir.Policy {
	j := &ir.JWTAuth{}
	if cfg != nil {
		j.Header = cfg.Header
		if cfg.KeyClaimName != "" && cfg.KeyClaimName != jwtKeyClaim {
			im.ctx.Lossy(capability.AuthJWT, path+".key_claim_name", line, "consumers are matched on claim %s, its value is imported as the issuer", cfg.KeyClaimName)
		}
		if cfg.Query != "" || cfg.Cookie != "" {
			im.ctx.Lossy(capability.AuthJWT, path, line, "tokens in query or cookie are not kept")
		}
	}
	var creds []*jwtCred
	for _, c := range consumers {
		if c.Plugins != nil && c.Plugins.JWTAuth != nil {
			creds = append(creds, c.Plugins.JWTAuth)
		}
	}
	if len(creds) == 0 {
		im.ctx.Lossy(capability.AuthJWT, path, line, "no consumer holds jwt-auth credentials, the issuer is unknown")
		return &ir.Authentication{Type: ir.AuthJWT, JWT: j}
	}
	if len(creds) > 1 {
		im.ctx.Lossy(capability.AuthJWT, path, line, "%d jwt-auth consumers, the first one is used", len(creds))
	}
	cred := creds[0]
	j.Issuer = cred.Key
	switch cred.Algorithm {
	case "RS256":
	case "":
		j.Algorithms = []string{"HS256"}
	default:
		j.Algorithms = []string{cred.Algorithm}
	}
	return &ir.Authentication{Type: ir.AuthJWT, JWT: j}
}

func splitList(s string) []string {
	if s == "" || s == "*" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func corsFromConfig(cfg *corsConfig) *ir.CORS {
	c := &ir.CORS{
		AllowOrigins:     strings.Split(cfg.AllowOrigins, ","),
		AllowHeaders:     splitList(cfg.AllowHeaders),
		ExposeHeaders:    splitList(cfg.ExposeHeaders),
		AllowCredentials: cfg.AllowCredential,
		MaxAge:           values.Seconds(float64(cfg.MaxAge)),
	}
	if cfg.AllowOrigins == "" {
		c.AllowOrigins = []string{"*"}
	}
	for i := range c.AllowOrigins {
		c.AllowOrigins[i] = strings.TrimSpace(c.AllowOrigins[i])
	}
	if methods := splitList(cfg.AllowMethods); len(methods) > 0 {
		c.AllowMethods, _ = values.ParseMethods(methods...)
	}
	return c
}

func (im *importer) headers(ppath func(string) string, line int, pl *plugins, raw gjson.Result) *ir.Headers {
	var h ir.Headers
	if pl.ProxyRewrite != nil {
		h.Request = im.headerOps(ppath("proxy-rewrite"), line, raw.Get("proxy-rewrite"))
	}
	if pl.ResponseRewrite != nil {
		h.Response = im.headerOps(ppath("response-rewrite"), line, raw.Get("response-rewrite"))
	}
	if h.Request.IsEmpty() && h.Response.IsEmpty() {
		return nil
	}
	return &h
}

// headerOps reads the headers of a rewrite plugin. A headers object
// without set, add or remove is the older form and means set.
func (im *importer) headerOps(path string, line int, raw gjson.Result) ir.HeaderOps {
	raw.ForEach(func(key, value gjson.Result) bool {
		if key.String() != "headers" {
			im.ctx.Lossy(capability.RequestHeaders, path+"."+key.String(), line, "rewrite of %s is not kept", key.String())
		}
		return true
	})
	headers := raw.Get("headers")
	if !headers.Exists() {
		return ir.HeaderOps{}
	}
	if !headers.Get("set").Exists() && !headers.Get("add").Exists() && !headers.Get("remove").Exists() {
		var set headerMap
		_ = set.UnmarshalJSON([]byte(headers.Raw))
		return ir.HeaderOps{Set: set}
	}
	var ops headerOps
	if err := json.Unmarshal([]byte(headers.Raw), &ops); err != nil {
		im.parseFailed(path+".headers", line, "invalid headers", err)
		return ir.HeaderOps{}
	}
	return ir.HeaderOps{Set: ops.Set, Add: ops.Add, Remove: ops.Remove}
}

func (im *importer) bodyTransform(path string, line int, s *serverless, raw gjson.Result) ir.Policy {
	var params xlate.BodyOpsParams
	for i, fn := range s.Functions {
		_, found, err := xlate.DecodeSnippet(fn, xlate.OpenRestyLuaBody.Name, &params)
		if err != nil {
			im.parseFailed(xlate.IndexPath(path+".functions", i), line, "invalid body transform function", err)
			return nil
		}
		if !found {
			im.unrecognized("serverless function", xlate.IndexPath(path+".functions", i), raw.Get("functions").Array()[i])
			return nil
		}
	}
	if params.Ops.IsEmpty() {
		return nil
	}
	return &ir.BodyTransform{Request: params.Ops}
}

// trafficSplit reads a traffic-split plugin. One rule without match is a
// weight split, rules matching one request header each are a rule split.
func (im *importer) trafficSplit(path string, line int, svc string, ts *trafficSplit, fallback string) ir.Policy {
	split := &ir.TrafficSplit{}
	addTarget := func(upstreamID string) (string, bool) {
		if upstreamID == "" {
			im.ctx.Lossy(capability.TrafficSplitWeight, path, line, "weighted upstream without upstream_id sends to the route upstream, dropped")
			return "", false
		}
		iu := im.upstreams[upstreamID]
		if iu == nil {
			im.parseFailed(path, line, "traffic-split references unknown upstream "+upstreamID, nil)
			return "", false
		}
		iu.used = true
		name, kind, sub := xlate.ParseUpstreamName(iu.name())
		target := xlate.SanitizeName(iu.name())
		if kind == xlate.DerivedSplit && xlate.SanitizeName(name) == svc {
			target = sub
		}
		if split.Target(target) != nil {
			return target, true
		}
		up, _, ok := im.upstream(iu.au, iu.path, iu.line)
		if !ok {
			return "", false
		}
		split.Targets = append(split.Targets, ir.SplitTarget{Name: target, Upstream: up})
		return target, true
	}

	if len(ts.Rules) == 1 && len(ts.Rules[0].Match) == 0 {
		split.Mode = ir.SplitWeight
		for _, wu := range ts.Rules[0].WeightedUpstreams {
			if name, ok := addTarget(wu.UpstreamID); ok {
				split.Target(name).Weight += wu.Weight
			}
		}
		if len(split.Targets) == 0 {
			return nil
		}
		if normalizeWeights(split.Targets) {
			im.ctx.Lossy(capability.TrafficSplitWeight, path, line, "weights scaled to a sum of 100")
		}
		return split
	}

	split.Mode = ir.SplitRules
	for i, rule := range ts.Rules {
		rpath := xlate.IndexPath(path+".rules", i)
		header, value, ok := headerEquals(rule.Match)
		if !ok {
			im.ctx.Lossy(capability.TrafficSplitRules, rpath+".match", line, "only a single header equality match is kept, rule dropped")
			continue
		}
		if len(rule.WeightedUpstreams) != 1 {
			im.ctx.Lossy(capability.TrafficSplitRules, rpath+".weighted_upstreams", line, "a rule sends to one upstream, the first one is used")
		}
		if len(rule.WeightedUpstreams) == 0 {
			continue
		}
		target, ok := addTarget(rule.WeightedUpstreams[0].UpstreamID)
		if !ok {
			continue
		}
		split.Rules = append(split.Rules, ir.SplitRule{Header: header, Value: value, Target: target})
	}
	if fallback != "" {
		if split.Target(fallback) == nil {
			iu := im.upstreams[entityID(xlate.SplitUpstreamName(svc, fallback))]
			if iu == nil {
				im.parseFailed(path, line, "unknown fallback "+fallback, nil)
				return nil
			}
			if _, ok := addTarget(iu.au.ID); !ok {
				return nil
			}
		}
		split.Fallback = fallback
	}
	if len(split.Rules) == 0 {
		return nil
	}
	return split
}

func headerEquals(match []*splitMatch) (header, value string, ok bool) {
	if len(match) != 1 || len(match[0].Vars) != 1 {
		return "", "", false
	}
	v := match[0].Vars[0]
	if len(v) != 3 || v[1] != "==" {
		return "", "", false
	}
	name, _ := v[0].(string)
	value, _ = v[2].(string)
	if !strings.HasPrefix(name, headerVarPrefix) || value == "" {
		return "", "", false
	}
	return headerName(name), value, true
}

// normalizeWeights scales weights to a sum of 100 and reports whether
// they had to change.
func normalizeWeights(targets []ir.SplitTarget) bool {
	sum := 0
	for _, t := range targets {
		sum += t.Weight
	}
	if sum == 100 || sum == 0 {
		return false
	}
	total := 0
	for i := range targets {
		targets[i].Weight = int(math.Round(float64(targets[i].Weight) * 100 / float64(sum)))
		total += targets[i].Weight
	}
	targets[len(targets)-1].Weight += 100 - total
	return true
}

func (im *importer) mirror(path string, line int, m *proxyMirror, name string) ir.Policy {
	host, port, err := xlate.ParseAddress(m.Host, 80)
	if err != nil {
		im.parseFailed(path+".host", line, "invalid mirror host", err)
		return nil
	}
	if m.Path != "" {
		im.ctx.Lossy(capability.Mirror, path+".path", line, "mirror path %s is not kept", m.Path)
	}
	ratio := m.SampleRatio
	if ratio == 0 {
		ratio = 1
	}
	pct, err := values.FromFraction(ratio)
	if err != nil {
		im.parseFailed(path+".sample_ratio", line, "invalid sample ratio", err)
		return nil
	}
	if name == "" {
		name = "mirror"
	}
	return &ir.Mirror{
		Name:             xlate.SanitizeName(name),
		Upstream:         ir.Upstream{Targets: []ir.Target{{Host: host, Port: port}}},
		SamplePercentage: pct,
	}
}

// attachRetries puts the upstream retries of a service on its first
// route.
func (im *importer) attachRetries() {
	for _, svc := range im.ctx.Builder.Services() {
		n, ok := im.retries[svc.Name]
		if !ok || len(svc.Routes) == 0 {
			continue
		}
		if n > 10 {
			im.ctx.Lossy(capability.Retry, svc.Name, 0, "%d retries capped to 10", n)
			n = 10
		}
		svc.Routes[0].Policies = append(svc.Routes[0].Policies, &ir.Retry{Attempts: n})
	}
}

// globalTimeout turns equal timeouts on every used upstream into the
// global timeout.
func (im *importer) globalTimeout() {
	var first *timeout
	for _, iu := range im.upstreams {
		t := iu.au.Timeout
		if !iu.used {
			continue
		}
		if t == nil || (first != nil && *t != *first) {
			first = nil
			break
		}
		first = t
	}
	if first != nil && first.Send == first.Read {
		im.ctx.Builder.Global.Timeout = values.Seconds(first.Read)
		return
	}
	for _, iu := range im.upstreams {
		if iu.used && iu.au.Timeout != nil {
			im.ctx.Lossy(capability.Timeout, iu.path+".timeout", iu.line, "upstream timeouts differ, not kept")
		}
	}
}
