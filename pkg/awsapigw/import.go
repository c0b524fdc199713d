package awsapigw

import (
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx    *xlate.ImportContext
	file   string
	doc    *openapi3.T
	source gjson.Result
}

type operation struct {
	id       string
	route    string
	method   string
	template string
	tags     []string
	order    int
	path     string
	at       []string

	op        *openapi3.Operation
	in        *integration
	preflight bool
}

// Import reads the OpenAPI definition of a REST API, YAML or JSON.
// Integrations, authorizers and preflight mocks are mapped back, other
// extensions are kept as fragments.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(DefinitionFile)
	if !ok {
		f = art.Primary()
	}
	im := &importer{ctx: ctx, file: f.Name}
	doc, err := openapi3.NewLoader().LoadFromData(f.Content)
	if err != nil {
		im.parseFailed("", "invalid OpenAPI definition", err)
		return
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		im.parseFailed("paths", "definition has no paths", nil)
		return
	}
	im.doc = doc
	if data, err := yaml.YAMLToJSON(f.Content); err == nil {
		im.source = gjson.ParseBytes(data)
	}
	for _, key := range sortedKeys(doc.Extensions) {
		switch key {
		case extKeySource:
			if src := cast.ToString(doc.Extensions[key]); !strings.EqualFold(src, "HEADER") {
				im.ctx.Lossy(capability.AuthAPIKey, key, 0, "API keys from a %s authorizer are read as x-api-key header keys", src)
			}
		default:
			im.fragment("extension "+key, key, key)
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

// fragment keeps the source text found under the keys at. The loaded
// document is not marshaled back since it may hold nil references.
func (im *importer) fragment(kind, path string, at ...string) {
	v := im.source
	for _, key := range at {
		v = v.Get(gjson.Escape(key))
	}
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Text: v.Raw})
}

func (im *importer) operations() {
	var ops []*operation
	templates := make([]string, 0, im.doc.Paths.Len())
	for tpl := range im.doc.Paths.Map() {
		templates = append(templates, tpl)
	}
	sort.Strings(templates)
	for _, tpl := range templates {
		item := im.doc.Paths.Value(tpl)
		if item == nil {
			im.parseFailed("paths."+tpl, "empty path item", nil)
			continue
		}
		for method, op := range item.Operations() {
			if o := im.operation(tpl, strings.ToUpper(method), op); o != nil {
				ops = append(ops, o)
			}
		}
		for _, key := range sortedKeys(item.Extensions) {
			path := "paths." + tpl + "." + key
			if key != extAnyMethod {
				im.fragment("extension "+key, path, "paths", tpl, key)
				continue
			}
			op := &openapi3.Operation{}
			if err := decodeExtension(item.Extensions[key], op); err != nil {
				im.parseFailed(path, "invalid operation", err)
				continue
			}
			if o := im.operation(tpl, anyMethod, op); o != nil {
				ops = append(ops, o)
			}
		}
	}

	methodIndex := func(m string) int {
		if i := slices.Index(values.AllMethods, m); i >= 0 {
			return i
		}
		return len(values.AllMethods)
	}
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

func (im *importer) operation(tpl, method string, op *openapi3.Operation) *operation {
	o := &operation{
		id:       op.OperationID,
		method:   method,
		template: tpl,
		tags:     op.Tags,
		order:    -1,
		path:     "paths." + tpl + "." + strings.ToLower(method),
		at:       []string{"paths", tpl, strings.ToLower(method)},
		op:       op,
	}
	if method == anyMethod {
		o.at[2] = extAnyMethod
	}
	raw, ok := op.Extensions[extIntegration]
	if !ok {
		im.fragment("operation without integration", o.path, o.at...)
		return nil
	}
	o.in = &integration{}
	if err := decodeExtension(raw, o.in); err != nil {
		im.parseFailed(o.path+"."+extIntegration, "invalid integration", err)
		return nil
	}
	if name, ok := op.Extensions[extRoute].(string); ok && name != "" {
		o.route = name
	}
	if v, ok := op.Extensions[extOrder]; ok {
		o.order = cast.ToInt(v)
	}
	if o.route == "" {
		o.route = o.id
		if o.route == "" {
			o.route = strings.ToLower(method) + "-" + tpl
		}
	}
	switch strings.ToLower(o.in.Type) {
	case typeHTTPProxy, typeHTTP:
	case typeMock:
		if method != "OPTIONS" || preflightParams(o.in) == nil {
			im.fragment("mock integration", o.path, o.at...)
			return nil
		}
		o.preflight = true
	default:
		im.fragment(strings.ToLower(o.in.Type)+" integration", o.path, o.at...)
		return nil
	}
	return o
}

func preflightParams(in *integration) map[string]string {
	for _, code := range []string{"default", "200"} {
		if r := in.Responses[code]; r != nil {
			if _, ok := r.ResponseParameters[responseHeaderParam+allowOrigin]; ok {
				return r.ResponseParameters
			}
		}
	}
	return nil
}

func (im *importer) route(name string, ops []*operation) {
	var calls, preflights []*operation
	for _, o := range ops {
		if o.preflight {
			preflights = append(preflights, o)
		} else {
			calls = append(calls, o)
		}
	}
	if len(calls) == 0 {
		for _, o := range preflights {
			im.fragment("preflight without route", o.path, o.at...)
		}
		return
	}
	first := calls[0]
	r := &ir.Route{Name: xlate.SanitizeName(name)}
	r.Match = im.match(first.path, calls)

	var methods []string
	anyMethods := false
	for _, o := range calls {
		if o.method == anyMethod {
			anyMethods = true
		} else if !slices.Contains(methods, o.method) {
			methods = append(methods, o.method)
		}
	}
	if !anyMethods {
		if set, err := values.ParseMethods(methods...); err != nil {
			im.ctx.Lossy(capability.RouteMethods, first.path, 0, "route %s: %v, matching every method", name, err)
		} else {
			r.Methods = set
		}
	}

	svc := im.service(first)
	if svc == "" {
		im.ctx.Lossy("", first.path, 0, "route %s has no usable integration, dropped", name)
		return
	}
	key := settingsKey(first)
	for _, o := range calls[1:] {
		if settingsKey(o) != key {
			im.ctx.Lossy("", o.path, 0, "operation %s differs from %s, the settings of %s are used", o.id, first.id, first.id)
		}
	}

	if auth := im.authentication(first); auth != nil {
		r.Policies = append(r.Policies, auth)
	}
	if len(preflights) > 0 {
		if c := im.cors(preflights[0]); c != nil {
			r.Policies = append(r.Policies, c)
		}
	}
	if h := im.headers(first); h != nil {
		r.Policies = append(r.Policies, h)
	}
	if first.in.TimeoutInMillis > 0 {
		r.Policies = append(r.Policies, &ir.Timeout{Request: values.Milliseconds(first.in.TimeoutInMillis)})
	}
	if b := im.body(first); b != nil {
		r.Policies = append(r.Policies, b)
	}
	im.ctx.Builder.AddRoute(svc, r)
}

// settingsKey identifies what an operation adds to the route, leaving
// out the method and the backend URI.
func settingsKey(o *operation) string {
	in := *o.in
	in.HTTPMethod, in.URI = "", ""
	if _, ok := in.RequestParameters[proxyPathParam]; ok {
		in.RequestParameters = make(map[string]string, len(o.in.RequestParameters))
		for k, v := range o.in.RequestParameters {
			if k != proxyPathParam {
				in.RequestParameters[k] = v
			}
		}
	}
	if len(in.RequestParameters) == 0 {
		in.RequestParameters = nil
	}
	key, _ := json.Marshal(struct {
		In       integration
		Security *openapi3.SecurityRequirements
	}{in, o.op.Security})
	return string(key)
}

// match folds a template and its greedy child back into a prefix match.
func (im *importer) match(path string, ops []*operation) ir.PathMatch {
	var exact, base string
	greedy := false
	for _, o := range ops {
		if strings.HasSuffix(o.template, greedySuffix) {
			greedy, base = true, strings.TrimSuffix(o.template, greedySuffix)
			continue
		}
		if exact == "" {
			exact = o.template
		} else if o.template != exact {
			im.ctx.Lossy(capability.RouteMatchExact, path, 0, "template %s dropped, the route matches %s", o.template, exact)
		}
	}
	m := ir.PathMatch{Kind: ir.MatchExact, Value: exact}
	if greedy {
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

// service finds or creates the service called by the integration of
// o. Services are named after the first operation tag, or after the
// backend host.
func (im *importer) service(o *operation) string {
	path := o.path + "." + extIntegration + ".uri"
	u, err := url.Parse(o.in.URI)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		im.parseFailed(path, "integration URI is not an HTTP URL", err)
		return ""
	}
	host, port, err := xlate.ParseAddress(o.in.URI, 80)
	if err != nil {
		im.parseFailed(path, "invalid integration URI", err)
		return ""
	}
	backendPath := strings.Replace(u.Path, "{proxy}", "{proxy+}", 1)
	if backendPath != o.template && !(backendPath == "" && o.template == "/") {
		im.ctx.Lossy("", path, 0, "backend path %s differs from %s, the request path is forwarded unchanged", u.Path, o.template)
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
	svc.Protocol = u.Scheme
	svc.Upstream = ir.Upstream{Targets: []ir.Target{target}}
	return name
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
	path := "components.securitySchemes." + name
	var scheme *openapi3.SecurityScheme
	if im.doc.Components != nil {
		if ref := im.doc.Components.SecuritySchemes[name]; ref != nil {
			scheme = ref.Value
		}
	}
	if scheme == nil {
		im.parseFailed(o.path+".security", "security scheme "+name+" is not defined", nil)
		return nil
	}

	if raw, ok := scheme.Extensions[extAuthorizer]; ok {
		az := &authorizer{}
		if err := decodeExtension(raw, az); err != nil {
			im.parseFailed(path+"."+extAuthorizer, "invalid authorizer", err)
			return nil
		}
		if !strings.EqualFold(az.Type, "cognito_user_pools") || len(az.ProviderARNs) == 0 {
			im.fragment(strings.ToLower(az.Type)+" authorizer", path, "components", "securitySchemes", name)
			return nil
		}
		if len(az.ProviderARNs) > 1 {
			im.ctx.Lossy(capability.AuthJWT, path, 0, "only the first of %d user pools is kept", len(az.ProviderARNs))
		}
		issuer, ok := userPoolIssuer(az.ProviderARNs[0])
		if !ok {
			im.parseFailed(path+"."+extAuthorizer+".providerARNs", "invalid user pool ARN "+az.ProviderARNs[0], nil)
			return nil
		}
		j := &ir.JWTAuth{Issuer: issuer}
		if !strings.EqualFold(scheme.Name, "Authorization") {
			j.Header = scheme.Name
		}
		return &ir.Authentication{Type: ir.AuthJWT, JWT: j}
	}
	if scheme.Type == "apiKey" && scheme.In == "header" && strings.EqualFold(scheme.Name, apiKeyHeader) {
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{}}
	}
	im.fragment("security scheme "+name, path, "components", "securitySchemes", name)
	return nil
}

func (im *importer) cors(o *operation) *ir.CORS {
	params := preflightParams(o.in)
	path := o.path + "." + extIntegration + ".responses"
	header := func(name string) (string, bool) {
		v, ok := params[responseHeaderParam+name]
		if !ok {
			return "", false
		}
		lit, ok := literal(v)
		if !ok {
			im.ctx.Lossy(capability.CORS, path, 0, "%s is not a static value, dropped", name)
		}
		return lit, ok
	}
	origin, ok := header(allowOrigin)
	if !ok || origin == "" {
		return nil
	}
	c := &ir.CORS{AllowOrigins: []string{origin}}
	if v, ok := header(allowMethods); ok {
		set, err := values.ParseMethods(splitList(v)...)
		if err != nil {
			im.ctx.Lossy(capability.CORS, path, 0, "%v, every method is allowed", err)
		} else {
			c.AllowMethods = set
		}
	}
	if v, ok := header(allowHeaders); ok {
		c.AllowHeaders = splitList(v)
	}
	if v, ok := header(allowCredentials); ok {
		c.AllowCredentials = strings.EqualFold(v, "true")
	}
	if v, ok := header(maxAge); ok {
		secs, err := cast.ToInt64E(v)
		if err != nil {
			im.ctx.Lossy(capability.CORS, path, 0, "invalid max age %q dropped", v)
		} else {
			c.MaxAge = values.Seconds(float64(secs))
		}
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (im *importer) headers(o *operation) *ir.Headers {
	path := o.path + "." + extIntegration + ".requestParameters"
	var ops ir.HeaderOps
	keys := make([]string, 0, len(o.in.RequestParameters))
	for k := range o.in.RequestParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := o.in.RequestParameters[k]
		if k == proxyPathParam && v == proxyPathSource {
			continue
		}
		name, isHeader := strings.CutPrefix(k, requestHeaderParam)
		lit, isLiteral := literal(v)
		if !isHeader || !isLiteral {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "parameter mapping", Path: path + "." + k, Text: k + ": " + v})
			continue
		}
		ops.Set = append(ops.Set, ir.Header{Name: name, Value: lit})
	}
	if ops.IsEmpty() {
		return nil
	}
	return &ir.Headers{Request: ops}
}

func (im *importer) body(o *operation) *ir.BodyTransform {
	path := o.path + "." + extIntegration + ".requestTemplates"
	if !strings.EqualFold(o.in.Type, typeHTTP) {
		return nil
	}
	var bt *ir.BodyTransform
	for _, ct := range sortedStringKeys(o.in.RequestTemplates) {
		tpl := o.in.RequestTemplates[ct]
		var params xlate.BodyOpsParams
		_, found, err := xlate.DecodeSnippet(tpl, xlate.AWSVTLBody.Name, &params)
		switch {
		case err != nil:
			im.parseFailed(path+"."+ct, "invalid mapping template marker", err)
		case !found || ct != jsonContentType:
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "mapping template", Path: path + "." + ct, Text: tpl})
		default:
			bt = &ir.BodyTransform{Request: params.Ops}
		}
	}
	if bt == nil {
		im.ctx.Lossy(capability.BodyTransform, o.path, 0, "non-proxy integration read as a proxy integration")
	}
	return bt
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
