package gcpapigw

import (
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/spf13/cast"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string
	doc  *openapi2.T

	quotas         map[string]int64
	defaultBackend *backend
}

type operation struct {
	id       string
	route    string
	method   string
	template string
	tags     []string
	order    int
	path     string

	op *openapi2.Operation
	be *backend
}

// Import reads a Swagger 2.0 API config, YAML or JSON. Backends,
// quotas and security definitions are mapped back, other extensions are
// kept as fragments.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(ConfigFile)
	if !ok {
		f = art.Primary()
	}
	im := &importer{ctx: ctx, file: f.Name, quotas: map[string]int64{}}
	data, err := yaml.YAMLToJSON(f.Content)
	if err != nil {
		im.parseFailed("", "invalid YAML", err)
		return
	}
	doc := &openapi2.T{}
	if err := json.Unmarshal(data, doc); err != nil {
		im.parseFailed("", "invalid Swagger document", err)
		return
	}
	if doc.Swagger != "2.0" {
		im.parseFailed("swagger", "not a Swagger 2.0 document", nil)
		return
	}
	if len(doc.Paths) == 0 {
		im.parseFailed("paths", "API config has no paths", nil)
		return
	}
	im.doc = doc
	for _, key := range sortedKeys(doc.Extensions) {
		value := doc.Extensions[key]
		switch key {
		case extManagement:
			im.management(value)
		case extEndpoints:
			im.endpoints(value)
		case extBackend:
			be := &backend{}
			if err := decodeExtension(value, be); err != nil {
				im.parseFailed(key, "invalid backend", err)
				continue
			}
			if be.PathTranslation == "" {
				be.PathTranslation = appendPath
			}
			im.defaultBackend = be
		default:
			im.fragment("extension "+key, key, value)
		}
	}
	im.operations()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (im *importer) parseFailed(path, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Msg: msg, Err: err})
}

func (im *importer) fragment(kind, path string, value any) {
	text, _ := json.Marshal(value)
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Text: string(text)})
}

func (im *importer) management(value any) {
	m := &management{}
	if err := decodeExtension(value, m); err != nil {
		im.parseFailed(extManagement, "invalid management settings", err)
		return
	}
	if m.Quota == nil {
		return
	}
	for i, l := range m.Quota.Limits {
		path := xlate.IndexPath(extManagement+".quota.limits", i)
		if l.Unit != quotaUnit {
			im.ctx.Lossy(capability.RateLimit, path, 0, "quota limit %s counts %s, only per-minute limits are imported", l.Name, l.Unit)
			continue
		}
		v, ok := l.Values[standardTier]
		if !ok || v <= 0 {
			im.ctx.Lossy(capability.RateLimit, path, 0, "quota limit %s has no %s value", l.Name, standardTier)
			continue
		}
		im.quotas[l.Metric] = v
	}
}

func (im *importer) endpoints(value any) {
	var eps []endpoint
	if err := decodeExtension(value, &eps); err != nil {
		im.parseFailed(extEndpoints, "invalid endpoints", err)
		return
	}
	for _, ep := range eps {
		if ep.AllowCors {
			im.ctx.Lossy(capability.CORS, extEndpoints, 0, "preflight requests of %s are answered by the backends, no CORS policy is imported", ep.Name)
		}
	}
}

func (im *importer) operations() {
	var ops []*operation
	base := strings.TrimSuffix(im.doc.BasePath, "/")
	templates := make([]string, 0, len(im.doc.Paths))
	for tpl := range im.doc.Paths {
		templates = append(templates, tpl)
	}
	sort.Strings(templates)
	for _, tpl := range templates {
		item := im.doc.Paths[tpl]
		for method, op := range item.Operations() {
			if o := im.operation(base+tpl, tpl, method, op); o != nil {
				ops = append(ops, o)
			}
		}
		for _, key := range sortedKeys(item.Extensions) {
			im.fragment("extension "+key, "paths."+tpl+"."+key, item.Extensions[key])
		}
	}

	methodIndex := func(m string) int { return slices.Index(values.AllMethods, m) }
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if (a.order < 0) != (b.order < 0) {
			return a.order >= 0
		}
		if a.order != b.order {
			return a.order < b.order
		}
		if a.template != b.template {
			return a.template < b.template
		}
		return methodIndex(a.method) < methodIndex(b.method)
	})

	var names []string
	groups := make(map[string][]*operation)
	for _, o := range ops {
		if groups[o.route] == nil {
			names = append(names, o.route)
		}
		groups[o.route] = append(groups[o.route], o)
	}
	for _, name := range names {
		im.route(name, groups[name])
	}
}

func (im *importer) operation(tpl, key, method string, op *openapi2.Operation) *operation {
	o := &operation{
		id:       op.OperationID,
		method:   method,
		template: tpl,
		tags:     op.Tags,
		order:    -1,
		path:     "paths." + key + "." + strings.ToLower(method),
		op:       op,
		be:       im.defaultBackend,
	}
	for _, k := range sortedKeys(op.Extensions) {
		v := op.Extensions[k]
		switch k {
		case extBackend:
			o.be = &backend{}
			if err := decodeExtension(v, o.be); err != nil {
				im.parseFailed(o.path+"."+k, "invalid backend", err)
				return nil
			}
			if o.be.PathTranslation == "" {
				o.be.PathTranslation = constantPath
			}
		case extRoute:
			o.route = cast.ToString(v)
		case extOrder:
			o.order = cast.ToInt(v)
		case extQuota:
		default:
			im.fragment("extension "+k, o.path+"."+k, v)
		}
	}
	if o.be == nil {
		im.fragment("operation without backend", o.path, op)
		return nil
	}
	if o.route == "" {
		o.route = o.id
		if o.route == "" {
			o.route = strings.ToLower(method) + "-" + tpl
		}
	}
	return o
}

func (im *importer) route(name string, ops []*operation) {
	first := ops[0]
	r := &ir.Route{Name: xlate.SanitizeName(name)}
	r.Match = im.match(first.path, ops)

	var methods []string
	for _, o := range ops {
		if !slices.Contains(methods, o.method) {
			methods = append(methods, o.method)
		}
	}
	covered := true
	for _, m := range swaggerMethods {
		covered = covered && slices.Contains(methods, m)
	}
	if !covered {
		if set, err := values.ParseMethods(methods...); err != nil {
			im.ctx.Lossy(capability.RouteMethods, first.path, 0, "route %s: %v, matching every method", name, err)
		} else {
			r.Methods = set
		}
	}

	svc := im.service(first)
	if svc == "" {
		im.ctx.Lossy("", first.path, 0, "route %s has no usable backend, dropped", name)
		return
	}
	key := settingsKey(first)
	for _, o := range ops[1:] {
		if settingsKey(o) != key {
			im.ctx.Lossy("", o.path, 0, "operation %s differs from %s, the settings of %s are used", o.id, first.id, first.id)
		}
	}

	if rl := im.rateLimit(first); rl != nil {
		r.Policies = append(r.Policies, rl)
	}
	if auth := im.authentication(first); auth != nil {
		r.Policies = append(r.Policies, auth)
	}
	if first.be.Deadline > 0 {
		r.Policies = append(r.Policies, &ir.Timeout{Request: values.Seconds(first.be.Deadline)})
	}
	im.ctx.Builder.AddRoute(svc, r)
}

// settingsKey identifies what an operation adds to the route, leaving
// out the method.
func settingsKey(o *operation) string {
	key, _ := json.Marshal(struct {
		Backend  *backend
		Security *openapi2.SecurityRequirements
		Quota    any
	}{o.be, o.op.Security, o.op.Extensions[extQuota]})
	return string(key)
}

// match folds a template and its wildcard child back into a prefix
// match.
func (im *importer) match(path string, ops []*operation) ir.PathMatch {
	var exact, base string
	wildcard := false
	for _, o := range ops {
		if strings.HasSuffix(o.template, wildcardSuffix) {
			wildcard, base = true, strings.TrimSuffix(o.template, wildcardSuffix)
			continue
		}
		if exact == "" {
			exact = o.template
		} else if o.template != exact {
			im.ctx.Lossy(capability.RouteMatchExact, path, 0, "template %s dropped, the route matches %s", o.template, exact)
		}
	}
	m := ir.PathMatch{Kind: ir.MatchExact, Value: exact}
	if wildcard {
		if base == "" {
			base = "/"
		}
		if exact != "" && exact != base {
			im.ctx.Lossy(capability.RouteMatchPrefix, path, 0, "template %s dropped, the route matches the prefix %s", exact, base)
		}
		m = ir.PathMatch{Kind: ir.MatchPrefix, Value: base}
	}
	if i := strings.Index(m.Value, "{"); i >= 0 {
		im.ctx.Lossy(capability.RouteMatchPrefix, path, 0, "path parameters of %s become a prefix match", m.Value)
		m = ir.PathMatch{Kind: ir.MatchPrefix, Value: m.Value[:i]}
	}
	return m
}

// service finds or creates the service called by the backend of o.
// Services are named after the first operation tag, or after the
// backend host.
func (im *importer) service(o *operation) string {
	path := o.path + "." + extBackend + ".address"
	be := o.be
	u, err := url.Parse(be.Address)
	if err != nil || u.Host == "" {
		im.parseFailed(path, "backend address is not a URL", err)
		return ""
	}
	protocol, defPort := "", 80
	switch u.Scheme {
	case "http":
		protocol = "http"
		if be.Protocol == "h2" {
			protocol = "grpc"
		}
	case "https":
		protocol, defPort = "https", 443
	case "grpc":
		protocol = "grpc"
	case "grpcs":
		protocol, defPort = "grpc", 443
	default:
		im.parseFailed(path, "unsupported backend scheme "+u.Scheme, nil)
		return ""
	}
	host, port, err := xlate.ParseAddress(u.Scheme+"://"+u.Host, defPort)
	if err != nil {
		im.parseFailed(path, "invalid backend address", err)
		return ""
	}
	switch {
	case be.PathTranslation == constantPath:
		im.ctx.Lossy("", path, 0, "every request is sent to the backend path %q, the request path is forwarded unchanged", u.Path)
	case strings.Trim(u.Path, "/") != "":
		im.ctx.Lossy("", path, 0, "backend path prefix %s dropped", u.Path)
	}
	if be.JWTAudience != "" {
		im.ctx.Lossy("", o.path+"."+extBackend+".jwt_audience", 0, "backend authentication is not imported")
	}
	target := ir.Target{Host: host, Port: port}

	name := ""
	if len(o.tags) > 0 && ir.IsIdent(o.tags[0]) {
		name = o.tags[0]
	} else {
		name = xlate.SanitizeName(host)
	}
	if svc := im.ctx.Builder.Lookup(name); svc != nil {
		if len(svc.Upstream.Targets) > 0 && svc.Upstream.Targets[0] != target {
			im.ctx.Lossy("", path, 0, "service %s already calls %s, %s is ignored", name, svc.Upstream.Targets[0].Address(), target.Address())
		}
		return name
	}
	svc := im.ctx.Builder.Service(name, o.path)
	svc.Protocol = protocol
	svc.Upstream = ir.Upstream{Targets: []ir.Target{target}}
	return name
}

func (im *importer) rateLimit(o *operation) *ir.RateLimit {
	raw, ok := o.op.Extensions[extQuota]
	if !ok {
		return nil
	}
	path := o.path + "." + extQuota
	costs := &quotaCosts{}
	if err := decodeExtension(raw, costs); err != nil {
		im.parseFailed(path, "invalid quota costs", err)
		return nil
	}
	metrics := make([]string, 0, len(costs.MetricCosts))
	for m := range costs.MetricCosts {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	var rl *ir.RateLimit
	for _, m := range metrics {
		limit, ok := im.quotas[m]
		cost := costs.MetricCosts[m]
		if !ok || cost <= 0 {
			im.ctx.Lossy(capability.RateLimit, path, 0, "metric %s has no per-minute quota limit", m)
			continue
		}
		if rl != nil {
			im.ctx.Lossy(capability.RateLimit, path, 0, "only the first quota metric is kept, %s dropped", m)
			continue
		}
		rl = &ir.RateLimit{
			RequestsPerSecond: values.PerPeriod(float64(limit)/float64(cost), time.Minute),
			Key:               ir.RateLimitByConsumer,
		}
	}
	return rl
}

func (im *importer) authentication(o *operation) *ir.Authentication {
	reqs := im.doc.Security
	if o.op.Security != nil {
		reqs = *o.op.Security
	}
	if len(reqs) == 0 {
		return nil
	}
	if len(reqs) > 1 || len(reqs[0]) > 1 {
		im.ctx.Lossy("", o.path+".security", 0, "only the first security requirement is kept")
	}
	names := make([]string, 0, len(reqs[0]))
	for name := range reqs[0] {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	name := names[0]
	path := "securityDefinitions." + name
	scheme := im.doc.SecurityDefinitions[name]
	if scheme == nil {
		im.parseFailed(o.path+".security", "security definition "+name+" is not defined", nil)
		return nil
	}

	switch {
	case scheme.Type == "apiKey" && scheme.In == "header" && strings.EqualFold(scheme.Name, apiKeyHeader):
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{}}
	case scheme.Type == "apiKey" && scheme.In == "query" && slices.Contains(apiKeyQueries, scheme.Name):
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Query: scheme.Name}}
	case scheme.Type == "oauth2" && scheme.Extensions[extIssuer] != nil:
		return im.jwt(scheme, path)
	}
	im.fragment("security definition "+name, path, scheme)
	return nil
}

func (im *importer) jwt(scheme *openapi2.SecurityScheme, path string) *ir.Authentication {
	j := &ir.JWTAuth{
		Issuer:  cast.ToString(scheme.Extensions[extIssuer]),
		JWKSURI: cast.ToString(scheme.Extensions[extJWKSURI]),
	}
	if j.JWKSURI == "" {
		im.ctx.Lossy(capability.AuthJWT, path, 0, "signing keys are discovered from the issuer %s", j.Issuer)
	}
	if aud := cast.ToString(scheme.Extensions[extAudiences]); aud != "" {
		for _, a := range strings.Split(aud, ",") {
			if a = strings.TrimSpace(a); a != "" {
				j.Audiences = append(j.Audiences, a)
			}
		}
	}
	if raw, ok := scheme.Extensions[extJWTLocations]; ok {
		var locs []jwtLocation
		if err := decodeExtension(raw, &locs); err != nil {
			im.parseFailed(path+"."+extJWTLocations, "invalid token locations", err)
			return nil
		}
		if len(locs) > 1 {
			im.ctx.Lossy(capability.AuthJWT, path+"."+extJWTLocations, 0, "only the first token location is kept")
		}
		if len(locs) > 0 {
			switch {
			case locs[0].Header != "":
				if !strings.EqualFold(locs[0].Header, "Authorization") {
					j.Header = locs[0].Header
				}
			case locs[0].Query != "":
				im.ctx.Lossy(capability.AuthJWT, path+"."+extJWTLocations, 0, "tokens from the %s query parameter are read from the Authorization header", locs[0].Query)
			}
		}
	}
	return &ir.Authentication{Type: ir.AuthJWT, JWT: j}
}
