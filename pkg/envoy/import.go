package envoy

import (
	"sort"
	"strings"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	jwtauthn "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/jwt_authn/v3"
	luav3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/lua/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string
	root *yaml.Node
	js   []byte

	clusters  map[string]*cluster.Cluster
	clusterAt map[string]string
	services  map[string]string // cluster name to service name
	primary   []string
	routeTo   map[string]string // route name to cluster name
	jwt       *jwtauthn.JwtAuthentication

	rules []*ruleRoute
}

// ruleRoute is a route generated for one header rule of a split,
// folded back into its parent after all routes are read.
type ruleRoute struct {
	parent  string
	index   int
	rule    ir.SplitRule
	cluster string
	path    string
}

// Import reads an Envoy static bootstrap file.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(BootstrapFile)
	if !ok {
		f = art.Primary()
	}
	root, err := xlate.ParseYAMLDocument(f.Name, f.Content)
	if err != nil {
		ctx.ParseFailed(err.(*xlate.ParseError))
		return
	}
	js, err := sigsyaml.YAMLToJSON(f.Content)
	if err != nil {
		ctx.ParseFailed(&xlate.ParseError{File: f.Name, Msg: "converting to json", Err: err})
		return
	}
	im := &importer{
		ctx:       ctx,
		file:      f.Name,
		root:      root,
		js:        js,
		clusters:  make(map[string]*cluster.Cluster),
		clusterAt: make(map[string]string),
		services:  make(map[string]string),
		routeTo:   make(map[string]string),
	}
	ctx.KnownKeys(root, "", "admin", "static_resources")
	ctx.KnownKeys(xlate.MapValue(root, "static_resources"), "static_resources", "listeners", "clusters")

	im.readAdmin()
	im.readClusters()
	im.readListeners()
}

func (im *importer) parseFailed(path string, line int, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Line: line, Msg: msg, Err: err})
}

func (im *importer) readAdmin() {
	port := gjson.GetBytes(im.js, "admin.address.socket_address.port_value")
	if port.Exists() {
		im.ctx.Builder.Global.AdminPort = int(port.Int())
	}
}

func (im *importer) readClusters() {
	seq := xlate.MapPath(im.root, "static_resources", "clusters")
	for i, item := range gjson.GetBytes(im.js, "static_resources.clusters").Array() {
		path := xlate.IndexPath("static_resources.clusters", i)
		line := seqLine(seq, i)
		c := &cluster.Cluster{}
		if err := unmarshalOptions.Unmarshal([]byte(item.Raw), c); err != nil {
			im.parseFailed(path, line, "invalid cluster", err)
			continue
		}
		im.clusters[c.Name] = c
		im.clusterAt[c.Name] = path
		if strings.HasPrefix(c.Name, jwksClusterPrefix) {
			continue
		}
		svcName, kind, _ := xlate.ParseUpstreamName(c.Name)
		if kind != xlate.NotDerived {
			continue
		}
		name := xlate.SanitizeName(svcName)
		if im.ctx.Builder.Lookup(name) != nil {
			im.parseFailed(path, line, "cluster "+c.Name+" maps to the service name of another cluster", nil)
			continue
		}
		im.services[c.Name] = name
		im.primary = append(im.primary, c.Name)
		svc := im.ctx.Builder.Service(name, path)
		svc.Upstream = im.upstream(c, path, line)
		switch {
		case c.GetHttp2ProtocolOptions() != nil:
			svc.Protocol = "grpc"
		case c.GetTransportSocket() != nil:
			svc.Protocol = "https"
		}
	}
}

func (im *importer) upstream(c *cluster.Cluster, path string, line int) ir.Upstream {
	up := ir.Upstream{}
	for _, locality := range c.GetLoadAssignment().GetEndpoints() {
		for _, ep := range locality.GetLbEndpoints() {
			sa := ep.GetEndpoint().GetAddress().GetSocketAddress()
			if sa == nil {
				im.ctx.Lossy(capability.UpstreamMultipleTargets, path+".load_assignment", line, "endpoint without a socket address skipped")
				continue
			}
			up.Targets = append(up.Targets, ir.Target{
				Host:   sa.GetAddress(),
				Port:   int(sa.GetPortValue()),
				Weight: int(ep.GetLoadBalancingWeight().GetValue()),
			})
		}
	}
	switch c.LbPolicy {
	case cluster.Cluster_LEAST_REQUEST:
		up.Algorithm = ir.LeastConnections
	case cluster.Cluster_RING_HASH:
		up.Algorithm = ir.ConsistentHash
	case cluster.Cluster_MAGLEV:
		up.Algorithm = ir.ConsistentHash
		im.ctx.Lossy(capability.UpstreamConsistentHash, path+".lb_policy", line, "maglev imported as consistent hashing")
	case cluster.Cluster_ROUND_ROBIN:
		up.Algorithm = ir.RoundRobin
	default:
		up.Algorithm = ir.RoundRobin
		im.ctx.Lossy(capability.UpstreamRoundRobin, path+".lb_policy", line, "lb policy %s imported as round robin", c.LbPolicy)
	}
	xlate.CollapseWeights(&up)

	hc := &ir.HealthCheck{}
	for i, h := range c.GetHealthChecks() {
		httpCheck := h.GetHttpHealthCheck()
		if httpCheck == nil || i > 0 {
			im.ctx.Lossy(capability.UpstreamActiveHealth, xlate.IndexPath(path+".health_checks", i), line, "only the first http health check is imported")
			continue
		}
		hc.Active = activeFromEnvoy(h, httpCheck)
	}
	if od := c.GetOutlierDetection(); od != nil && c.GetCircuitBreakers() == nil {
		hc.Passive = &ir.PassiveHealthCheck{
			MaxFailures:  consecutive5xx(od),
			EjectionTime: durationValue(od.GetBaseEjectionTime()),
		}
	}
	if hc.Active != nil || hc.Passive != nil {
		up.HealthCheck = hc
	}
	return up
}

func activeFromEnvoy(h *core.HealthCheck, httpCheck *core.HealthCheck_HttpHealthCheck) *ir.ActiveHealthCheck {
	a := &ir.ActiveHealthCheck{
		Path:               httpCheck.GetPath(),
		Interval:           durationValue(h.GetInterval()),
		Timeout:            durationValue(h.GetTimeout()),
		HealthyThreshold:   int(h.GetHealthyThreshold().GetValue()),
		UnhealthyThreshold: int(h.GetUnhealthyThreshold().GetValue()),
	}
	if a.Interval == defaultHealthInterval {
		a.Interval = 0
	}
	if a.Timeout == defaultHealthTimeout {
		a.Timeout = 0
	}
	if a.HealthyThreshold == defaultHealthyThreshold {
		a.HealthyThreshold = 0
	}
	if a.UnhealthyThreshold == defaultUnhealthyThreshold {
		a.UnhealthyThreshold = 0
	}
	for _, r := range httpCheck.GetExpectedStatuses() {
		for s := r.GetStart(); s < r.GetEnd() && s < 600; s++ {
			a.ExpectedStatuses = append(a.ExpectedStatuses, int(s))
		}
	}
	return a
}

func consecutive5xx(od *cluster.OutlierDetection) int {
	if od.GetConsecutive_5Xx() == nil {
		return 5
	}
	return int(od.GetConsecutive_5Xx().GetValue())
}

func durationValue(d *durationpb.Duration) values.Duration {
	if d == nil {
		return 0
	}
	return values.Duration(d.AsDuration())
}

func (im *importer) readListeners() {
	listeners := gjson.GetBytes(im.js, "static_resources.listeners").Array()
	seq := xlate.MapPath(im.root, "static_resources", "listeners")
	for li, lis := range listeners {
		path := xlate.IndexPath("static_resources.listeners", li)
		node := seqItem(seq, li)
		if li > 0 {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "listener", Path: path, Line: seqLine(seq, li), Text: xlate.NodeText(node)})
			continue
		}
		sa := lis.Get("address.socket_address")
		if sa.Exists() {
			im.ctx.Builder.Global.Host = sa.Get("address").String()
			im.ctx.Builder.Global.Port = int(sa.Get("port_value").Int())
		}
		chains := xlate.MapValue(node, "filter_chains")
		for ci, chain := range lis.Get("filter_chains").Array() {
			filters := xlate.MapValue(seqItem(chains, ci), "filters")
			for fi, f := range chain.Get("filters").Array() {
				fpath := xlate.IndexPath(xlate.IndexPath(path+".filter_chains", ci)+".filters", fi)
				fnode := seqItem(filters, fi)
				if f.Get("name").String() != wellknown.HTTPConnectionManager {
					im.ctx.Unrecognized(xlate.RawFragment{Kind: "network filter", Path: fpath, Line: seqLine(filters, fi), Text: xlate.NodeText(fnode)})
					continue
				}
				im.readConnectionManager(f.Get("typed_config"), xlate.MapValue(fnode, "typed_config"), fpath+".typed_config")
			}
		}
	}
}

func (im *importer) readConnectionManager(cfg gjson.Result, node *yaml.Node, path string) {
	manager := &hcm.HttpConnectionManager{}
	base := withoutKeys(cfg, "@type", "http_filters", "route_config")
	if err := unmarshalOptions.Unmarshal(base, manager); err != nil {
		im.parseFailed(path, nodeLine(node), "invalid http connection manager", err)
	}
	g := &im.ctx.Builder.Global
	g.Timeout = durationValue(manager.GetRequestTimeout())
	for i, al := range manager.GetAccessLog() {
		fl := &fileAccessLog{}
		if i > 0 || al.GetTypedConfig().UnmarshalTo(fl) != nil {
			im.ctx.Lossy(capability.GlobalLogging, xlate.IndexPath(path+".access_log", i), nodeLine(node), "only a single file access log is imported")
			continue
		}
		g.Logging.Enabled = true
		if fl.GetPath() != defaultAccessLogPath {
			g.Logging.AccessLog = fl.GetPath()
		}
	}

	filterSeq := xlate.MapValue(node, "http_filters")
	for i, f := range cfg.Get("http_filters").Array() {
		im.readHTTPFilter(f, seqItem(filterSeq, i), xlate.IndexPath(path+".http_filters", i))
	}

	vhosts := xlate.MapPath(node, "route_config", "virtual_hosts")
	for vi, vh := range cfg.Get("route_config.virtual_hosts").Array() {
		vpath := xlate.IndexPath(path+".route_config.virtual_hosts", vi)
		routes := xlate.MapValue(seqItem(vhosts, vi), "routes")
		if vi > 0 || !isCatchAll(vh.Get("domains")) {
			im.ctx.Lossy("", vpath+".domains", nodeLine(seqItem(vhosts, vi)), "virtual host domains are not modeled, routes imported for all hosts")
		}
		for ri, r := range vh.Get("routes").Array() {
			im.readRoute(r, seqItem(routes, ri), xlate.IndexPath(vpath+".routes", ri))
		}
	}
	im.foldRuleRoutes()
	im.attachClusterPolicies()
}

func isCatchAll(domains gjson.Result) bool {
	list := domains.Array()
	return len(list) == 1 && list[0].String() == "*"
}

func (im *importer) readHTTPFilter(f gjson.Result, node *yaml.Node, path string) {
	name := f.Get("name").String()
	known := false
	for _, n := range httpFilterOrder {
		known = known || n == name
	}
	if !known {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "http filter " + name, Path: path, Line: nodeLine(node), Text: xlate.NodeText(node)})
		return
	}
	if name != filterJWTAuthn {
		return
	}
	hf := &hcm.HttpFilter{}
	if err := unmarshalOptions.Unmarshal([]byte(f.Raw), hf); err != nil {
		im.parseFailed(path, nodeLine(node), "invalid jwt_authn filter", err)
		return
	}
	im.jwt = &jwtauthn.JwtAuthentication{}
	if err := hf.GetTypedConfig().UnmarshalTo(im.jwt); err != nil {
		im.parseFailed(path, nodeLine(node), "invalid jwt_authn config", err)
		im.jwt = nil
	}
}

func (im *importer) readRoute(raw gjson.Result, node *yaml.Node, path string) {
	line := nodeLine(node)
	rt := &route.Route{}
	if err := unmarshalOptions.Unmarshal(withoutKeys(raw, "typed_per_filter_config"), rt); err != nil {
		im.parseFailed(path, line, "invalid route", err)
		return
	}
	action := rt.GetRoute()
	if action == nil {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "route action", Path: path, Line: line, Text: xlate.NodeText(node)})
		return
	}

	if parent, index, ok := xlate.ParseRuleRouteName(rt.Name); ok {
		hm := lastHeaderMatcher(rt.GetMatch())
		if hm == nil || hm.GetStringMatch().GetExact() == "" {
			im.parseFailed(path, line, "rule route without an exact header matcher", nil)
			return
		}
		_, _, target := xlate.ParseUpstreamName(action.GetCluster())
		im.rules = append(im.rules, &ruleRoute{
			parent:  parent,
			index:   index,
			rule:    ir.SplitRule{Header: hm.GetName(), Value: hm.GetStringMatch().GetExact(), Target: target},
			cluster: action.GetCluster(),
			path:    path,
		})
		return
	}

	svcName, ok := im.routeService(action)
	if !ok {
		im.parseFailed(path, line, "route does not reference a service cluster", nil)
		return
	}
	r := &ir.Route{}
	if rt.GetName() != "" {
		r.Name = xlate.SanitizeName(rt.GetName())
	}
	im.readMatch(r, rt.GetMatch(), path, line)

	svc := im.ctx.Builder.Lookup(svcName)
	if hp := action.GetHashPolicy(); len(hp) > 0 && svc.Upstream.HashKey == nil {
		svc.Upstream.HashKey = hashKeyFromEnvoy(hp[0])
	}

	im.readHeaders(r, rt)
	im.readAction(r, action, path, line)
	im.readPerFilter(r, raw.Get("typed_per_filter_config"), xlate.MapValue(node, "typed_per_filter_config"), path+".typed_per_filter_config")
	ir.SortPolicies(r.Policies)
	im.ctx.Builder.AddRoute(svcName, r)
	im.routeTo[r.Name] = action.GetCluster()
}

// routeService finds the service of a route from its cluster, or from the
// first weighted cluster.
func (im *importer) routeService(action *route.RouteAction) (string, bool) {
	name := action.GetCluster()
	if wc := action.GetWeightedClusters(); wc != nil && len(wc.GetClusters()) > 0 {
		name = wc.GetClusters()[0].GetName()
	}
	if svc, ok := im.services[name]; ok {
		return svc, true
	}
	base, kind, _ := xlate.ParseUpstreamName(name)
	if kind == xlate.NotDerived {
		return "", false
	}
	svc, ok := im.services[base]
	return svc, ok
}

func lastHeaderMatcher(m *route.RouteMatch) *route.HeaderMatcher {
	headers := m.GetHeaders()
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].GetName() != methodHeader {
			return headers[i]
		}
	}
	return nil
}

func (im *importer) readMatch(r *ir.Route, m *route.RouteMatch, path string, line int) {
	switch {
	case m.GetSafeRegex() != nil:
		r.Match = ir.PathMatch{Kind: ir.MatchRegex, Value: m.GetSafeRegex().GetRegex()}
	case m.GetPath() != "":
		r.Match = ir.PathMatch{Kind: ir.MatchExact, Value: m.GetPath()}
	case m.GetPrefix() != "":
		r.Match = ir.PathMatch{Kind: ir.MatchPrefix, Value: m.GetPrefix()}
	default:
		r.Match = ir.PathMatch{Kind: ir.MatchPrefix, Value: "/"}
		im.ctx.Lossy(capability.RouteMatchPrefix, path+".match", line, "unsupported path specifier imported as prefix /")
	}
	for _, hm := range m.GetHeaders() {
		if hm.GetName() != methodHeader {
			im.ctx.Lossy("", path+".match.headers", line, "header matcher %s dropped", hm.GetName())
			continue
		}
		sm := hm.GetStringMatch()
		var names []string
		switch {
		case sm.GetExact() != "":
			names = []string{sm.GetExact()}
		case sm.GetSafeRegex() != nil:
			re := sm.GetSafeRegex().GetRegex()
			re = strings.TrimSuffix(strings.TrimPrefix(re, "^("), ")$")
			names = strings.Split(re, "|")
		}
		set, err := values.ParseMethods(names...)
		if err != nil || len(names) == 0 {
			im.ctx.Lossy(capability.RouteMethods, path+".match.headers", line, "method matcher not understood, route matches any method")
			continue
		}
		r.Methods = set
	}
}

func hashKeyFromEnvoy(hp *route.RouteAction_HashPolicy) *ir.HashKey {
	switch {
	case hp.GetHeader() != nil:
		if hp.GetHeader().GetHeaderName() == pathHeader {
			return &ir.HashKey{Source: ir.HashURI}
		}
		return &ir.HashKey{Source: ir.HashHeader, Name: hp.GetHeader().GetHeaderName()}
	case hp.GetCookie() != nil:
		return &ir.HashKey{Source: ir.HashCookie, Name: hp.GetCookie().GetName()}
	case hp.GetQueryParameter() != nil:
		return &ir.HashKey{Source: ir.HashQuery, Name: hp.GetQueryParameter().GetName()}
	}
	return &ir.HashKey{Source: ir.HashIP}
}

func (im *importer) readHeaders(r *ir.Route, rt *route.Route) {
	h := &ir.Headers{
		Request:  headerOpsFromEnvoy(rt.GetRequestHeadersToAdd(), rt.GetRequestHeadersToRemove()),
		Response: headerOpsFromEnvoy(rt.GetResponseHeadersToAdd(), rt.GetResponseHeadersToRemove()),
	}
	if !h.Request.IsEmpty() || !h.Response.IsEmpty() {
		r.Policies = append(r.Policies, h)
	}
}

func headerOpsFromEnvoy(add []*core.HeaderValueOption, remove []string) ir.HeaderOps {
	ops := ir.HeaderOps{Remove: remove}
	for _, o := range add {
		h := ir.Header{Name: o.GetHeader().GetKey(), Value: o.GetHeader().GetValue()}
		appends := o.GetAppendAction() == core.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD &&
			(o.GetAppend() == nil || o.GetAppend().GetValue())
		if appends {
			ops.Add = append(ops.Add, h)
		} else {
			ops.Set = append(ops.Set, h)
		}
	}
	return ops
}

func (im *importer) readAction(r *ir.Route, action *route.RouteAction, path string, line int) {
	if action.GetTimeout() != nil || action.GetIdleTimeout() != nil {
		r.Policies = append(r.Policies, &ir.Timeout{
			Request: durationValue(action.GetTimeout()),
			Idle:    durationValue(action.GetIdleTimeout()),
		})
	}
	if rp := action.GetRetryPolicy(); rp != nil {
		retry := &ir.Retry{
			Attempts:      int(rp.GetNumRetries().GetValue()),
			PerTryTimeout: durationValue(rp.GetPerTryTimeout()),
		}
		if retry.Attempts == 0 {
			retry.Attempts = 1
		}
		for _, c := range strings.Split(rp.GetRetryOn(), ",") {
			if c = strings.TrimSpace(c); c != "" {
				retry.RetryOn = append(retry.RetryOn, c)
			}
		}
		if strings.Join(retry.RetryOn, ",") == strings.Join(ir.DefaultRetryOn, ",") {
			retry.RetryOn = nil
		}
		r.Policies = append(r.Policies, retry)
	}
	for i, mp := range action.GetRequestMirrorPolicies() {
		if i > 0 {
			im.ctx.Lossy(capability.Mirror, xlate.IndexPath(path+".route.request_mirror_policies", i), line, "only the first mirror policy is imported")
			break
		}
		if m := im.mirrorFromEnvoy(mp, path, line); m != nil {
			r.Policies = append(r.Policies, m)
		}
	}
	for _, uc := range action.GetUpgradeConfigs() {
		if strings.EqualFold(uc.GetUpgradeType(), "websocket") && (uc.GetEnabled() == nil || uc.GetEnabled().GetValue()) {
			r.Policies = append(r.Policies, &ir.WebSocket{Enabled: true})
		}
	}
	if wc := action.GetWeightedClusters(); wc != nil {
		split := &ir.TrafficSplit{Mode: ir.SplitWeight}
		for _, cw := range wc.GetClusters() {
			t, ok := im.splitTarget(cw.GetName(), path, line)
			if !ok {
				return
			}
			t.Weight = int(cw.GetWeight().GetValue())
			split.Targets = append(split.Targets, t)
		}
		r.Policies = append(r.Policies, split)
	}
}

// splitTarget rebuilds a split target from the cluster it was exported to.
func (im *importer) splitTarget(clusterName, path string, line int) (ir.SplitTarget, bool) {
	c := im.clusters[clusterName]
	if c == nil {
		im.parseFailed(path, line, "unknown cluster "+clusterName, nil)
		return ir.SplitTarget{}, false
	}
	_, kind, sub := xlate.ParseUpstreamName(clusterName)
	if kind != xlate.DerivedSplit {
		sub = xlate.SanitizeName(clusterName)
	}
	up := im.upstream(c, im.clusterAt[clusterName], line)
	return ir.SplitTarget{Name: sub, Upstream: &up}, true
}

func (im *importer) mirrorFromEnvoy(mp *route.RouteAction_RequestMirrorPolicy, path string, line int) *ir.Mirror {
	c := im.clusters[mp.GetCluster()]
	if c == nil {
		im.parseFailed(path, line, "unknown mirror cluster "+mp.GetCluster(), nil)
		return nil
	}
	_, kind, sub := xlate.ParseUpstreamName(mp.GetCluster())
	if kind != xlate.DerivedMirror {
		sub = xlate.SanitizeName(mp.GetCluster())
	}
	m := &ir.Mirror{
		Name:             sub,
		Upstream:         im.upstream(c, im.clusterAt[mp.GetCluster()], line),
		SamplePercentage: 100,
	}
	if fp := mp.GetRuntimeFraction().GetDefaultValue(); fp != nil {
		den := 100.0
		switch fp.GetDenominator() {
		case typev3.FractionalPercent_TEN_THOUSAND:
			den = 10000
		case typev3.FractionalPercent_MILLION:
			den = 1000000
		}
		p, err := values.NewPercentage(float64(fp.GetNumerator()) * 100 / den)
		if err != nil {
			im.ctx.Lossy(capability.Mirror, path+".route.request_mirror_policies", line, "%v", err)
		} else {
			m.SamplePercentage = p
		}
	}
	return m
}

func (im *importer) readPerFilter(r *ir.Route, cfg gjson.Result, node *yaml.Node, path string) {
	cfg.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		fpath := path + "." + name
		fnode := xlate.MapValue(node, name)
		msg, err := decodeAny([]byte(value.Raw))
		if err != nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "per-route config " + name, Path: fpath, Line: nodeLine(fnode), Text: xlate.NodeText(fnode)})
			return true
		}
		if fc, ok := msg.(*route.FilterConfig); ok {
			if msg, err = fc.GetConfig().UnmarshalNew(); err != nil {
				im.parseFailed(fpath, nodeLine(fnode), "invalid filter config", err)
				return true
			}
		}
		if p := im.policyFromFilter(r, msg, fpath, nodeLine(fnode)); p != nil {
			r.Policies = append(r.Policies, p)
			return true
		}
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "per-route config " + name, Path: fpath, Line: nodeLine(fnode), Text: xlate.NodeText(fnode)})
		return true
	})
}

func (im *importer) policyFromFilter(r *ir.Route, msg proto.Message, path string, line int) ir.Policy {
	switch x := msg.(type) {
	case *localRateLimit:
		tb := x.GetTokenBucket()
		tokens := uint32(1)
		if tb.GetTokensPerFill() != nil {
			tokens = tb.GetTokensPerFill().GetValue()
		}
		rl := &ir.RateLimit{
			RequestsPerSecond: values.FromTokenBucket(tokens, tb.GetFillInterval().AsDuration()),
		}
		if tb.GetMaxTokens() > tokens {
			rl.Burst = int(tb.GetMaxTokens() - tokens)
		}
		return rl
	case *basicAuthPerRoute:
		basic := &ir.BasicAuth{}
		for _, l := range strings.Split(x.GetUsers().GetInlineString(), "\n") {
			user, hash, ok := strings.Cut(strings.TrimSpace(l), ":")
			if !ok {
				continue
			}
			basic.Users = append(basic.Users, ir.BasicUser{Username: user, Password: hash})
		}
		im.ctx.Lossy(capability.AuthBasic, path, line, "passwords are stored as htpasswd hashes and imported verbatim")
		return &ir.Authentication{Type: ir.AuthBasic, Basic: basic}
	case *apiKeyAuthPerRoute:
		a := &ir.APIKeyAuth{}
		if src := x.GetKeySources(); len(src) > 0 {
			a.Header, a.Query = src[0].GetHeader(), src[0].GetQuery()
		}
		for _, c := range x.GetCredentials() {
			a.Keys = append(a.Keys, c.GetKey())
		}
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: a}
	case *jwtauthn.PerRouteConfig:
		return im.jwtFromEnvoy(x.GetRequirementName(), path, line)
	case *corsPolicyConfig:
		return corsFromEnvoy(x)
	case *luav3.LuaPerRoute:
		var params xlate.BodyParams
		_, found, err := xlate.DecodeSnippet(x.GetSourceCode().GetInlineString(), xlate.EnvoyLuaBody.Name, &params)
		if err != nil {
			im.parseFailed(path, line, "invalid body transform marker", err)
		}
		if !found || err != nil {
			return nil
		}
		return &ir.BodyTransform{Request: params.Request, Response: params.Response}
	}
	return nil
}

func (im *importer) jwtFromEnvoy(requirement, path string, line int) ir.Policy {
	req := im.jwt.GetRequirementMap()[requirement]
	provider := im.jwt.GetProviders()[req.GetProviderName()]
	if provider == nil {
		im.parseFailed(path, line, "jwt requirement "+requirement+" has no provider", nil)
		return nil
	}
	j := &ir.JWTAuth{
		Issuer:    provider.GetIssuer(),
		Audiences: provider.GetAudiences(),
		JWKSURI:   provider.GetRemoteJwks().GetHttpUri().GetUri(),
	}
	if h := provider.GetFromHeaders(); len(h) > 0 {
		j.Header = h[0].GetName()
	}
	return &ir.Authentication{Type: ir.AuthJWT, JWT: j}
}

func corsFromEnvoy(p *corsPolicyConfig) *ir.CORS {
	c := &ir.CORS{
		AllowHeaders:     splitList(p.GetAllowHeaders()),
		ExposeHeaders:    splitList(p.GetExposeHeaders()),
		AllowCredentials: p.GetAllowCredentials().GetValue(),
	}
	for _, sm := range p.GetAllowOriginStringMatch() {
		switch {
		case sm.GetSafeRegex() != nil && sm.GetSafeRegex().GetRegex() == anyOriginRegex:
			c.AllowOrigins = append(c.AllowOrigins, "*")
		case sm.GetSafeRegex() != nil:
			c.AllowOrigins = append(c.AllowOrigins, sm.GetSafeRegex().GetRegex())
		default:
			c.AllowOrigins = append(c.AllowOrigins, sm.GetExact())
		}
	}
	c.AllowMethods, _ = values.ParseMethods(splitList(p.GetAllowMethods())...)
	if p.GetMaxAge() != "" {
		c.MaxAge, _ = values.ParseDuration(p.GetMaxAge())
	}
	return c
}

// foldRuleRoutes turns the generated rule routes back into a rules split
// on their parent route.
func (im *importer) foldRuleRoutes() {
	sort.SliceStable(im.rules, func(i, j int) bool { return im.rules[i].index < im.rules[j].index })
	for _, rr := range im.rules {
		_, parent := im.ctx.Builder.FindRoute(rr.parent)
		if parent == nil {
			im.parseFailed(rr.path, 0, "rule route of unknown route "+rr.parent, nil)
			continue
		}
		split, ok := ir.PolicyOf[*ir.TrafficSplit](parent)
		if !ok {
			split = &ir.TrafficSplit{Mode: ir.SplitRules}
			parent.Policies = append(parent.Policies, split)
			ir.SortPolicies(parent.Policies)
		} else if split.Mode != ir.SplitRules {
			im.ctx.Lossy(capability.TrafficSplitRules, rr.path, 0, "route %s already splits by weight, rule dropped", rr.parent)
			continue
		}
		if split.Target(rr.rule.Target) == nil {
			t, ok := im.splitTarget(rr.cluster, rr.path, 0)
			if !ok {
				continue
			}
			split.Targets = append(split.Targets, t)
		}
		split.Rules = append(split.Rules, rr.rule)
		if _, kind, sub := xlate.ParseUpstreamName(im.routeTo[rr.parent]); kind == xlate.DerivedSplit && split.Fallback == "" {
			if split.Target(sub) == nil {
				t, ok := im.splitTarget(im.routeTo[rr.parent], rr.path, 0)
				if !ok {
					continue
				}
				split.Targets = append(split.Targets, t)
			}
			split.Fallback = sub
		}
	}
}

// attachClusterPolicies moves the cluster-scoped circuit breaker and
// connect timeout to the first route of each service.
func (im *importer) attachClusterPolicies() {
	for _, name := range im.primary {
		svc := im.ctx.Builder.Lookup(im.services[name])
		c := im.clusters[name]
		if svc == nil || len(svc.Routes) == 0 {
			continue
		}
		if svc.Upstream.Algorithm == ir.ConsistentHash && svc.Upstream.HashKey == nil {
			svc.Upstream.HashKey = &ir.HashKey{Source: ir.HashIP}
			im.ctx.Lossy(capability.UpstreamConsistentHash, im.clusterAt[name], 0, "no route hash policy, hashing on the client address")
		}
		for _, r := range svc.Routes {
			for _, up := range derivedUpstreams(r) {
				if up.Algorithm == ir.ConsistentHash && up.HashKey == nil {
					up.HashKey = svc.Upstream.HashKey
					if up.HashKey == nil {
						up.HashKey = &ir.HashKey{Source: ir.HashIP}
					}
				}
			}
		}
		first := svc.Routes[0]
		if ct := c.GetConnectTimeout(); ct != nil {
			if t, ok := ir.PolicyOf[*ir.Timeout](first); ok {
				t.Connect = durationValue(ct)
			} else {
				first.Policies = append(first.Policies, &ir.Timeout{Connect: durationValue(ct)})
			}
		}
		if cbs := c.GetCircuitBreakers(); cbs != nil && len(cbs.GetThresholds()) > 0 {
			th := cbs.GetThresholds()[0]
			cb := &ir.CircuitBreaker{
				MaxConnections:     int(th.GetMaxConnections().GetValue()),
				MaxPendingRequests: int(th.GetMaxPendingRequests().GetValue()),
				MaxRequests:        int(th.GetMaxRequests().GetValue()),
			}
			if od := c.GetOutlierDetection(); od != nil {
				cb.MaxFailures = consecutive5xx(od)
				cb.OpenTimeout = durationValue(od.GetBaseEjectionTime())
			}
			first.Policies = append(first.Policies, cb)
		}
		ir.SortPolicies(first.Policies)
	}
}

func derivedUpstreams(r *ir.Route) []*ir.Upstream {
	var out []*ir.Upstream
	if split, ok := ir.PolicyOf[*ir.TrafficSplit](r); ok {
		for _, t := range split.Targets {
			out = append(out, t.Upstream)
		}
	}
	if m, ok := ir.PolicyOf[*ir.Mirror](r); ok {
		out = append(out, &m.Upstream)
	}
	return out
}

func decodeAny(raw []byte) (proto.Message, error) {
	a := &anypb.Any{}
	if err := unmarshalOptions.Unmarshal(raw, a); err != nil {
		return nil, err
	}
	return a.UnmarshalNew()
}

// withoutKeys re-encodes a JSON object without the given keys.
func withoutKeys(obj gjson.Result, keys ...string) []byte {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	obj.ForEach(func(key, value gjson.Result) bool {
		for _, k := range keys {
			if key.String() == k {
				return true
			}
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(key.Raw)
		b.WriteByte(':')
		b.WriteString(value.Raw)
		return true
	})
	b.WriteByte('}')
	return []byte(b.String())
}

func splitList(s string) []string {
	var out []string
	for _, x := range strings.Split(s, ",") {
		if x = strings.TrimSpace(x); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func seqItem(seq *yaml.Node, i int) *yaml.Node {
	if seq == nil || seq.Kind != yaml.SequenceNode || i >= len(seq.Content) {
		return nil
	}
	return seq.Content[i]
}

func seqLine(seq *yaml.Node, i int) int {
	return nodeLine(seqItem(seq, i))
}

func nodeLine(n *yaml.Node) int {
	if n == nil {
		return 0
	}
	return n.Line
}
