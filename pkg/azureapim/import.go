package azureapim

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

const (
	csString      = `"(?:[^"\\]|\\.)*"`
	maxRetryCount = 10
)

var (
	headerExprRE      = regexp.MustCompile(`^@\(context\.Request\.Headers\.GetValueOrDefault\((` + csString + `), ""\)\)$`)
	headerConditionRE = regexp.MustCompile(`^@\(context\.Request\.Headers\.GetValueOrDefault\((` + csString + `), ""\) == (` + csString + `)\)$`)
	literalExprRE     = regexp.MustCompile(`^@\((` + csString + `)\)$`)
)

type importer struct {
	ctx  *xlate.ImportContext
	file string
	data []byte

	backends map[string]*importedBackend
	policies map[string]*operationPolicy // by operation id
	api      *apiProps
	apiPath  string
	apiLine  int

	globalTimeout values.Duration
}

type importedBackend struct {
	name  string
	props *backendProps
	path  string
	line  int
	used  bool
}

type operationPolicy struct {
	id   string
	path string
	line int
	text string
	root *node
	used bool
}

type operation struct {
	id       string
	route    string
	method   string
	template string
	order    int
}

// routePolicies collects what the policy of one route maps to.
type routePolicies struct {
	svc     string
	rate    *ir.RateLimit
	auth    *ir.Authentication
	cors    *ir.CORS
	headers ir.Headers
	timeout values.Duration
	retry   *ir.Retry
	body    ir.BodyTransform
	split   *ir.TrafficSplit
	mirror  *ir.Mirror
}

func (rp *routePolicies) list() []ir.Policy {
	var out []ir.Policy
	if rp.rate != nil {
		out = append(out, rp.rate)
	}
	if rp.auth != nil {
		out = append(out, rp.auth)
	}
	if rp.cors != nil {
		out = append(out, rp.cors)
	}
	if !rp.headers.Request.IsEmpty() || !rp.headers.Response.IsEmpty() {
		h := rp.headers
		out = append(out, &h)
	}
	if !rp.timeout.IsZero() {
		out = append(out, &ir.Timeout{Request: rp.timeout})
	}
	if rp.retry != nil {
		out = append(out, rp.retry)
	}
	if !rp.body.Request.IsEmpty() || !rp.body.Response.IsEmpty() {
		b := rp.body
		out = append(out, &b)
	}
	if rp.split != nil {
		out = append(out, rp.split)
	}
	if rp.mirror != nil {
		out = append(out, rp.mirror)
	}
	return out
}

// Import reads an ARM template deploying one API Management API. The
// OpenAPI definition is taken from the API resource, or from
// openapi.json when the resource links it.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(TemplateFile)
	if !ok {
		f = art.Primary()
	}
	im := &importer{
		ctx:      ctx,
		file:     f.Name,
		data:     bytes.TrimSpace(f.Content),
		backends: make(map[string]*importedBackend),
		policies: make(map[string]*operationPolicy),
	}
	if !gjson.ValidBytes(im.data) {
		im.parseFailed("", 0, "invalid JSON document", nil)
		return
	}
	root := gjson.ParseBytes(im.data)
	resources := root.Get("resources")
	if !resources.IsArray() {
		im.parseFailed("resources", 0, "template has no resources array", nil)
		return
	}
	i := 0
	resources.ForEach(func(_, res gjson.Result) bool {
		im.resource(xlate.IndexPath("resources", i), res)
		i++
		return true
	})
	if im.api == nil {
		im.parseFailed("resources", 0, "no "+typeAPI+" resource", nil)
		return
	}

	spec := []byte(im.api.Value)
	if im.api.Value == "" || strings.HasSuffix(im.api.Format, "-link") {
		of, ok := art.File(OpenAPIFile)
		if !ok {
			im.parseFailed(im.apiPath, im.apiLine, "API definition is not embedded and "+OpenAPIFile+" is missing", nil)
			return
		}
		spec = of.Content
	}
	doc, err := openapi3.NewLoader().LoadFromData(spec)
	if err != nil {
		im.parseFailed(im.apiPath, im.apiLine, "invalid OpenAPI definition", err)
		return
	}
	ctx.Builder.Global.Timeout = im.globalTimeout
	im.operations(doc)
	im.finish()
}

func (im *importer) line(r gjson.Result) int {
	if r.Index <= 0 || r.Index > len(im.data) {
		return 0
	}
	return bytes.Count(im.data[:r.Index], []byte{'\n'}) + 1
}

func (im *importer) parseFailed(path string, line int, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Line: line, Msg: msg, Err: err})
}

func (im *importer) fragment(kind, path string, line int, text string) {
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Line: line, Text: text})
}

func (im *importer) resource(path string, res gjson.Result) {
	line := im.line(res)
	typ := res.Get("type").String()
	segs := nameSegments(res.Get("name").String())
	props := res.Get("properties")
	if len(segs) == 0 {
		im.parseFailed(path+".name", line, "resource has no name", nil)
		return
	}
	switch typ {
	case typeBackend:
		b := &backendProps{}
		if err := json.Unmarshal([]byte(props.Raw), b); err != nil {
			im.parseFailed(path+".properties", line, "invalid backend", err)
			return
		}
		name := segs[len(segs)-1]
		im.backends[name] = &importedBackend{name: name, props: b, path: path, line: line}
	case typeAPI:
		if im.api != nil {
			im.fragment("additional API "+segs[len(segs)-1], path, line, res.Raw)
			return
		}
		api := &apiProps{}
		if err := json.Unmarshal([]byte(props.Raw), api); err != nil {
			im.parseFailed(path+".properties", line, "invalid API", err)
			return
		}
		im.api, im.apiPath, im.apiLine = api, path, line
	case typeAPIPolicy:
		root := im.policyDocument(path, line, props)
		if root == nil {
			return
		}
		im.apiPolicy(path, line, root)
	case typeOperationPolicy:
		if len(segs) < 2 {
			im.parseFailed(path+".name", line, "operation policy name has no operation", nil)
			return
		}
		root := im.policyDocument(path, line, props)
		if root == nil {
			return
		}
		id := segs[len(segs)-2]
		im.policies[id] = &operationPolicy{id: id, path: path, line: line, text: props.Get("value").String(), root: root}
	default:
		im.fragment("resource "+typ, path, line, res.Raw)
	}
}

func (im *importer) policyDocument(path string, line int, props gjson.Result) *node {
	format := props.Get("format").String()
	if format != "" && format != "xml" && format != "rawxml" {
		im.fragment("policy format "+format, path, line, props.Raw)
		return nil
	}
	root, err := parsePolicy(props.Get("value").String())
	if err != nil {
		im.parseFailed(path+".properties.value", line, "invalid policy document", err)
		return nil
	}
	return root
}

// apiPolicy reads the global timeout. Other API level policies are kept
// as fragments.
func (im *importer) apiPolicy(path string, line int, root *node) {
	for _, sec := range root.Children {
		for _, c := range sec.Children {
			switch {
			case c.name() == "base":
			case sec.name() == "backend" && c.name() == "forward-request":
				if t := im.timeoutAttr(c, path, line); !t.IsZero() {
					im.globalTimeout = t
				}
			default:
				im.fragment("API policy "+c.name(), path, line, c.String())
			}
		}
	}
}

func (im *importer) operations(doc *openapi3.T) {
	prefix := ""
	if p := strings.Trim(im.api.Path, "/"); p != "" {
		prefix = "/" + p
	}
	var ops []*operation
	templates := make([]string, 0, doc.Paths.Len())
	for tpl := range doc.Paths.Map() {
		templates = append(templates, tpl)
	}
	sort.Strings(templates)
	for _, tpl := range templates {
		item := doc.Paths.Value(tpl)
		for method, op := range item.Operations() {
			o := &operation{id: op.OperationID, method: strings.ToUpper(method), template: prefix + tpl, order: -1}
			if name, ok := op.Extensions[extRoute].(string); ok && name != "" {
				o.route = name
			}
			if v, ok := op.Extensions[extOrder]; ok {
				o.order = cast.ToInt(v)
			}
			if o.route == "" {
				o.route = o.id
				if o.route == "" {
					o.route = strings.ToLower(o.method) + "-" + tpl
				}
			}
			ops = append(ops, o)
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

func (im *importer) route(name string, ops []*operation) {
	path := "paths." + ops[0].template + "." + strings.ToLower(ops[0].method)
	r := &ir.Route{Name: xlate.SanitizeName(name)}
	r.Match = im.match(path, ops)
	var methods []string
	for _, o := range ops {
		if !slices.Contains(methods, o.method) {
			methods = append(methods, o.method)
		}
	}
	if set, err := values.ParseMethods(methods...); err != nil {
		im.ctx.Lossy(capability.RouteMethods, path, 0, "route %s: %v, matching every method", name, err)
	} else if !coversAny(methods) {
		r.Methods = set
	}

	var pol *operationPolicy
	for _, o := range ops {
		p := im.policies[o.id]
		if p == nil {
			continue
		}
		p.used = true
		if pol == nil {
			pol = p
		} else if p.text != pol.text {
			im.ctx.Lossy("", p.path, p.line, "operation %s has a different policy than %s, the one of %s is used", o.id, pol.id, pol.id)
		}
	}
	rp := &routePolicies{}
	line := 0
	if pol != nil {
		path, line = pol.path, pol.line
		im.policy(rp, path, line, pol.root)
	}
	if rp.svc == "" {
		rp.svc = im.defaultService(path, line)
		if rp.svc == "" {
			im.ctx.Lossy("", path, line, "route %s has no backend, dropped", name)
			return
		}
	}
	r.Policies = rp.list()
	im.ctx.Builder.AddRoute(rp.svc, r)
}

func coversAny(methods []string) bool {
	for _, m := range anyMethods {
		if !slices.Contains(methods, m) {
			return false
		}
	}
	return true
}

// match folds the templates of a route back into one path match: an
// exact template with its wildcard twin is a prefix match.
func (im *importer) match(path string, ops []*operation) ir.PathMatch {
	var exact, base string
	wild := false
	for _, o := range ops {
		if strings.HasSuffix(o.template, wildcard) {
			wild, base = true, strings.TrimSuffix(o.template, wildcard)
			continue
		}
		if exact == "" {
			exact = o.template
		} else if o.template != exact {
			im.ctx.Lossy(capability.RouteMatchExact, path, 0, "template %s dropped, the route matches %s", o.template, exact)
		}
	}
	m := ir.PathMatch{Kind: ir.MatchExact, Value: exact}
	if wild {
		if base == "" {
			base = "/"
		}
		if exact != "" && exact != base {
			im.ctx.Lossy(capability.RouteMatchPrefix, path, 0, "template %s dropped, the route matches the prefix %s", exact, base)
		}
		m = ir.PathMatch{Kind: ir.MatchPrefix, Value: base}
	}
	if i := strings.Index(m.Value, "{"); i >= 0 {
		im.ctx.Lossy(capability.RouteMatchPrefix, path, 0, "template parameters of %s become a prefix match", m.Value)
		m = ir.PathMatch{Kind: ir.MatchPrefix, Value: m.Value[:i]}
	}
	return m
}

// defaultService falls back to the service URL of the API.
func (im *importer) defaultService(path string, line int) string {
	if im.api.ServiceURL == "" {
		return ""
	}
	return im.urlService(im.api.ServiceURL, im.apiPath, im.apiLine)
}

func (im *importer) urlService(raw, path string, line int) string {
	t, protocol, ok := im.urlTarget(raw, path, line)
	if !ok {
		return ""
	}
	name := xlate.SanitizeName(t.Host)
	if svc := im.ctx.Builder.Lookup(name); svc != nil {
		return name
	}
	svc := im.ctx.Builder.Service(name, path)
	svc.Protocol = protocol
	svc.Upstream = ir.Upstream{Targets: []ir.Target{t}}
	return name
}

func (im *importer) urlTarget(raw, path string, line int) (ir.Target, string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		im.parseFailed(path, line, "invalid backend URL "+strconv.Quote(raw), err)
		return ir.Target{}, "", false
	}
	host, port, err := xlate.ParseAddress(raw, 80)
	if err != nil {
		im.parseFailed(path, line, "invalid backend URL", err)
		return ir.Target{}, "", false
	}
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		im.ctx.Lossy("", path, line, "backend path %s is dropped", p)
	}
	protocol := "http"
	if u.Scheme == "https" {
		protocol = "https"
	}
	return ir.Target{Host: host, Port: port}, protocol, true
}

// service creates the service backed by the named backend.
func (im *importer) service(name, path string, line int) bool {
	if im.ctx.Builder.Lookup(name) != nil {
		return true
	}
	up, protocol, ok := im.upstream(name, path, line)
	if !ok {
		return false
	}
	svc := im.ctx.Builder.Service(name, path)
	svc.Protocol = protocol
	svc.Upstream = *up
	return true
}

// upstream resolves a single URL backend or a pool of them.
func (im *importer) upstream(name, path string, line int) (*ir.Upstream, string, bool) {
	b := im.backends[name]
	if b == nil {
		im.parseFailed(path, line, "backend "+name+" is not defined", nil)
		return nil, "", false
	}
	b.used = true
	if b.props.Pool == nil {
		t, protocol, ok := im.urlTarget(b.props.URL, b.path, b.line)
		if !ok {
			return nil, "", false
		}
		return &ir.Upstream{Targets: []ir.Target{t}}, protocol, true
	}
	up := &ir.Upstream{}
	protocol := ""
	weighted := false
	for _, m := range b.props.Pool.Services {
		segs := nameSegments(m.ID)
		if len(segs) == 0 {
			continue
		}
		member := im.backends[segs[len(segs)-1]]
		if member == nil || member.props.Pool != nil {
			im.parseFailed(b.path, b.line, "pool member "+m.ID+" is not a single backend", nil)
			return nil, "", false
		}
		member.used = true
		t, proto, ok := im.urlTarget(member.props.URL, member.path, member.line)
		if !ok {
			return nil, "", false
		}
		if protocol == "" {
			protocol = proto
		}
		if m.Weight != nil {
			t.Weight = *m.Weight
			weighted = true
		}
		if m.Priority > 1 {
			im.ctx.Lossy("", b.path, b.line, "priority of pool member %s is dropped", member.name)
		}
		up.Targets = append(up.Targets, t)
	}
	if len(up.Targets) == 0 {
		im.parseFailed(b.path, b.line, "pool "+name+" has no members", nil)
		return nil, "", false
	}
	if weighted {
		up.Algorithm = ir.Weighted
		for i := range up.Targets {
			if up.Targets[i].Weight <= 0 {
				up.Targets[i].Weight = 1
			}
		}
		xlate.CollapseWeights(up)
	}
	return up, protocol, true
}

func (im *importer) policy(rp *routePolicies, path string, line int, root *node) {
	for _, sec := range root.Children {
		for _, c := range sec.Children {
			if c.name() == "base" {
				continue
			}
			switch sec.name() {
			case "inbound":
				im.inbound(rp, path, line, c)
			case "backend":
				im.backend(rp, path, line, c)
			case "outbound":
				switch c.name() {
				case "set-header":
					im.headerOp(&rp.headers.Response, path, line, c)
				case "set-body":
					if ops, ok := im.body(path, line, c); ok {
						rp.body.Response = ops
					}
				default:
					im.fragment("outbound policy "+c.name(), path, line, c.String())
				}
			default:
				im.fragment(sec.name()+" policy "+c.name(), path, line, c.String())
			}
		}
	}
}

func (im *importer) inbound(rp *routePolicies, path string, line int, c *node) {
	switch c.name() {
	case "cors":
		rp.cors = im.cors(path, line, c)
	case "check-header":
		im.checkHeader(rp, path, line, c)
	case "validate-jwt":
		im.setAuth(rp, path, line, &ir.Authentication{Type: ir.AuthJWT, JWT: im.jwt(path, line, c)})
	case "rate-limit-by-key", "rate-limit":
		rp.rate = im.rateLimit(path, line, c)
	case "set-header":
		im.headerOp(&rp.headers.Request, path, line, c)
	case "set-body":
		if ops, ok := im.body(path, line, c); ok {
			rp.body.Request = ops
		}
	case "choose":
		im.choose(rp, path, line, c)
	case "set-backend-service":
		im.backendService(rp, path, line, c)
	default:
		im.fragment("inbound policy "+c.name(), path, line, c.String())
	}
}

func (im *importer) backend(rp *routePolicies, path string, line int, c *node) {
	switch c.name() {
	case "forward-request":
		im.routeTimeout(rp, path, line, c)
	case "retry":
		rp.retry = im.retry(path, line, c)
		for _, inner := range c.Children {
			if inner.name() == "forward-request" {
				im.routeTimeout(rp, path, line, inner)
			} else {
				im.fragment("retried policy "+inner.name(), path, line, inner.String())
			}
		}
	default:
		im.fragment("backend policy "+c.name(), path, line, c.String())
	}
}

func (im *importer) timeoutAttr(c *node, path string, line int) values.Duration {
	v := c.attr("timeout")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		im.parseFailed(path, line, "invalid forward-request timeout "+strconv.Quote(v), err)
		return 0
	}
	return values.Seconds(float64(n))
}

// routeTimeout keeps a forward-request timeout unless it repeats the
// API level one.
func (im *importer) routeTimeout(rp *routePolicies, path string, line int, c *node) {
	if t := im.timeoutAttr(c, path, line); t != im.globalTimeout {
		rp.timeout = t
	}
}

func (im *importer) retry(path string, line int, c *node) *ir.Retry {
	count, err := strconv.Atoi(c.attr("count"))
	if err != nil || count < 1 {
		im.parseFailed(path, line, "invalid retry count "+strconv.Quote(c.attr("count")), err)
		return nil
	}
	if count > maxRetryCount {
		im.ctx.Lossy(capability.Retry, path, line, "retry count %d is capped at %d", count, maxRetryCount)
		count = maxRetryCount
	}
	r := &ir.Retry{Attempts: count}
	if iv := c.attr("interval"); iv != "" && iv != "0" {
		im.ctx.Lossy(capability.Retry, path, line, "retry interval %ss is dropped", iv)
	}
	cond := strings.TrimSpace(c.attr("condition"))
	if strings.HasPrefix(cond, "@(") && strings.HasSuffix(cond, ")") {
		cond = cond[2 : len(cond)-1]
	}
	for _, expr := range strings.Split(cond, " || ") {
		expr = strings.TrimSpace(expr)
		found := false
		for _, name := range retryOnOrder {
			if retryExpressions[name] == expr {
				r.RetryOn = append(r.RetryOn, name)
				found = true
				break
			}
		}
		if !found && expr != "" {
			im.ctx.Lossy(capability.Retry, path, line, "retry condition %s is not recognized", xlate.Limit100(expr))
		}
	}
	if slices.Equal(r.RetryOn, ir.DefaultRetryOn) {
		r.RetryOn = nil
	}
	return r
}

var retryOnOrder = []string{"5xx", "gateway-error", "retriable-4xx", "connect-failure", "reset", "timeout"}

func (im *importer) setAuth(rp *routePolicies, path string, line int, a *ir.Authentication) {
	if rp.auth != nil {
		im.ctx.Lossy(capability.AuthFeature(a.Type), path, line, "only one authentication per route, %s dropped", a.Type)
		return
	}
	rp.auth = a
}

func (im *importer) checkHeader(rp *routePolicies, path string, line int, c *node) {
	if code := c.attr("failed-check-httpcode"); code != "401" {
		im.fragment("check-header answering "+code, path, line, c.String())
		return
	}
	name := c.attr("name")
	accepted := c.texts("value")
	if strings.EqualFold(name, "Authorization") {
		basic := &ir.BasicAuth{}
		for _, v := range accepted {
			user, ok := decodeBasic(v)
			if !ok {
				im.ctx.Lossy(capability.AuthBasic, path, line, "accepted value is not a Basic credential, dropped")
				continue
			}
			basic.Users = append(basic.Users, user)
		}
		im.setAuth(rp, path, line, &ir.Authentication{Type: ir.AuthBasic, Basic: basic})
		return
	}
	if strings.EqualFold(name, ir.DefaultAPIKeyHeader) {
		name = ir.DefaultAPIKeyHeader
	}
	im.setAuth(rp, path, line, &ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Header: name, Keys: accepted}})
}

func decodeBasic(v string) (ir.BasicUser, bool) {
	enc, ok := strings.CutPrefix(v, "Basic ")
	if !ok {
		return ir.BasicUser{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return ir.BasicUser{}, false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" || pass == "" {
		return ir.BasicUser{}, false
	}
	return ir.BasicUser{Username: user, Password: pass}, true
}

func (im *importer) jwt(path string, line int, c *node) *ir.JWTAuth {
	j := &ir.JWTAuth{}
	if h := c.attr("header-name"); h != "" && !strings.EqualFold(h, "Authorization") {
		j.Header = h
	}
	if q := c.attr("query-parameter-name"); q != "" {
		im.ctx.Lossy(capability.AuthJWT, path, line, "token query parameter %s is dropped", q)
	}
	issuers := c.child("issuers").texts("issuer")
	if len(issuers) > 0 {
		j.Issuer = issuers[0]
	}
	if len(issuers) > 1 {
		im.ctx.Lossy(capability.AuthJWT, path, line, "only the first of %d issuers is kept", len(issuers))
	}
	j.Audiences = c.child("audiences").texts("audience")
	if oc := c.child("openid-config"); oc != nil {
		u := oc.attr("url")
		if j.Issuer == "" {
			j.Issuer = strings.TrimSuffix(u, wellKnownConfig)
		} else if u != strings.TrimSuffix(j.Issuer, "/")+wellKnownConfig {
			im.ctx.Lossy(capability.AuthJWT, path, line, "openid-config %s is replaced by the issuer configuration", u)
		}
	}
	if j.Issuer == "" {
		im.ctx.Lossy(capability.AuthJWT, path, line, "validate-jwt names no issuer")
	}
	return j
}

func (im *importer) cors(path string, line int, c *node) *ir.CORS {
	cr := &ir.CORS{
		AllowOrigins:     c.child("allowed-origins").texts("origin"),
		AllowCredentials: c.attr("allow-credentials") == "true",
		ExposeHeaders:    c.child("expose-headers").texts("header"),
	}
	if m := c.child("allowed-methods"); m != nil {
		if age := m.attr("preflight-result-max-age"); age != "" {
			if n, err := strconv.Atoi(age); err == nil {
				cr.MaxAge = values.Seconds(float64(n))
			}
		}
		methods := m.texts("method")
		if !slices.Contains(methods, "*") {
			set, err := values.ParseMethods(methods...)
			if err != nil {
				im.ctx.Lossy(capability.CORS, path, line, "%v, every method is allowed", err)
			}
			cr.AllowMethods = set
		}
	}
	if headers := c.child("allowed-headers").texts("header"); !slices.Contains(headers, "*") {
		cr.AllowHeaders = headers
	}
	if len(cr.AllowOrigins) == 0 {
		im.ctx.Lossy(capability.CORS, path, line, "cors without allowed origins dropped")
		return nil
	}
	return cr
}

func (im *importer) rateLimit(path string, line int, c *node) *ir.RateLimit {
	calls, err1 := strconv.Atoi(c.attr("calls"))
	period, err2 := strconv.Atoi(c.attr("renewal-period"))
	if err1 != nil || err2 != nil || calls <= 0 || period <= 0 {
		im.parseFailed(path, line, "invalid "+c.name()+" calls or renewal-period", nil)
		return nil
	}
	rl := &ir.RateLimit{RequestsPerSecond: values.PerPeriod(float64(calls), time.Duration(period)*time.Second)}
	if c.name() == "rate-limit" {
		rl.Key = ir.RateLimitByConsumer
		im.ctx.Lossy(capability.RateLimit, path, line, "rate-limit counts per subscription, read as a per consumer limit")
		return rl
	}
	key := c.attr("counter-key")
	switch {
	case key == ipCounterKey:
		rl.Key = ir.RateLimitByIP
	case key == consumerCounterKey:
		rl.Key = ir.RateLimitByConsumer
	case headerExprRE.MatchString(key):
		name, err := strconv.Unquote(headerExprRE.FindStringSubmatch(key)[1])
		if err != nil {
			rl.Key = ir.RateLimitGlobal
			break
		}
		rl.Key, rl.KeyName = ir.RateLimitByHeader, name
	case !strings.HasPrefix(key, "@"):
		rl.Key = ir.RateLimitGlobal
	default:
		rl.Key = ir.RateLimitGlobal
		im.ctx.Lossy(capability.RateLimit, path, line, "counter key %s is read as a global limit", xlate.Limit100(key))
	}
	if c.attr("increment-condition") != "" {
		im.ctx.Lossy(capability.RateLimit, path, line, "increment-condition is dropped")
	}
	return rl
}

func (im *importer) headerValue(v, path string, line int) string {
	if m := literalExprRE.FindStringSubmatch(v); m != nil {
		if s, err := strconv.Unquote(m[1]); err == nil {
			return s
		}
	}
	if strings.HasPrefix(v, "@") {
		im.ctx.Lossy(capability.RequestHeaders, path, line, "policy expression %s kept as a literal value", xlate.Limit100(v))
	}
	return v
}

func (im *importer) headerOp(ops *ir.HeaderOps, path string, line int, c *node) {
	name := c.attr("name")
	action := c.attr("exists-action")
	if action == "delete" {
		ops.Remove = append(ops.Remove, name)
		return
	}
	vals := c.texts("value")
	if len(vals) == 0 {
		im.ctx.Lossy(capability.RequestHeaders, path, line, "set-header %s without value dropped", name)
		return
	}
	switch action {
	case "append":
		for _, v := range vals {
			ops.Add = append(ops.Add, ir.Header{Name: name, Value: im.headerValue(v, path, line)})
		}
	default:
		if action == "skip" {
			im.ctx.Lossy(capability.RequestHeaders, path, line, "set-header %s keeps an existing value, read as override", name)
		}
		ops.Set = append(ops.Set, ir.Header{Name: name, Value: im.headerValue(vals[0], path, line)})
		for _, v := range vals[1:] {
			ops.Add = append(ops.Add, ir.Header{Name: name, Value: im.headerValue(v, path, line)})
		}
	}
}

func (im *importer) body(path string, line int, c *node) (ir.BodyOps, bool) {
	var p xlate.APIMBodyParams
	_, found, err := xlate.DecodeSnippet(c.Text, xlate.APIMSetBody.Name, &p)
	if !found {
		im.fragment("set-body", path, line, c.String())
		return ir.BodyOps{}, false
	}
	if err != nil {
		im.parseFailed(path, line, "invalid set-body snippet", err)
		return ir.BodyOps{}, false
	}
	return p.Ops, true
}

func (im *importer) choose(rp *routePolicies, path string, line int, c *node) {
	var whens []*node
	for _, w := range c.Children {
		if w.name() == "when" {
			whens = append(whens, w)
		}
	}
	if len(whens) == 1 && c.child("otherwise") == nil {
		cond := whens[0].attr("condition")
		var kp xlate.APIKeyParams
		if _, found, err := xlate.DecodeSnippet(cond, xlate.APIMQueryKey.Name, &kp); found {
			if err != nil {
				im.parseFailed(path, line, "invalid api key snippet", err)
				return
			}
			im.setAuth(rp, path, line, &ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Query: kp.Query, Keys: kp.Keys}})
			return
		}
		var mp xlate.MirrorParams
		if _, found, err := xlate.DecodeSnippet(cond, xlate.APIMMirror.Name, &mp); found {
			if err != nil {
				im.parseFailed(path, line, "invalid mirror snippet", err)
				return
			}
			rp.mirror = im.mirror(path, line, mp)
			return
		}
	}
	if im.ruleSplit(rp, path, line, whens, c.child("otherwise")) {
		return
	}
	im.fragment("choose", path, line, c.String())
}

func (im *importer) mirror(path string, line int, mp xlate.MirrorParams) *ir.Mirror {
	t, _, ok := im.urlTarget(mp.URL, path, line)
	if !ok {
		return nil
	}
	pct, err := values.NewPercentage(mp.Percent)
	if err != nil {
		im.parseFailed(path, line, "invalid mirror percentage", err)
		return nil
	}
	name := xlate.SanitizeName(mp.Name)
	if mp.Name == "" {
		name = "mirror"
	}
	return &ir.Mirror{Name: name, Upstream: ir.Upstream{Targets: []ir.Target{t}}, SamplePercentage: pct}
}

// ruleSplit reads a choose whose branches select split target backends
// by one header value each.
func (im *importer) ruleSplit(rp *routePolicies, path string, line int, whens []*node, otherwise *node) bool {
	if len(whens) == 0 {
		return false
	}
	split := &ir.TrafficSplit{Mode: ir.SplitRules}
	svc := ""
	addTarget := func(id string) (string, bool) {
		s, kind, sub := xlate.ParseUpstreamName(id)
		if kind != xlate.DerivedSplit || svc != "" && s != svc {
			return "", false
		}
		svc = s
		if split.Target(sub) == nil {
			up, _, ok := im.upstream(id, path, line)
			if !ok {
				return "", false
			}
			split.Targets = append(split.Targets, ir.SplitTarget{Name: sub, Upstream: up})
		}
		return sub, true
	}
	for _, w := range whens {
		m := headerConditionRE.FindStringSubmatch(w.attr("condition"))
		sb := w.child("set-backend-service")
		if m == nil || sb == nil || len(w.Children) != 1 {
			return false
		}
		header, err1 := strconv.Unquote(m[1])
		value, err2 := strconv.Unquote(m[2])
		if err1 != nil || err2 != nil {
			return false
		}
		target, ok := addTarget(sb.attr("backend-id"))
		if !ok {
			return false
		}
		split.Rules = append(split.Rules, ir.SplitRule{Header: header, Value: value, Target: target})
	}
	if otherwise != nil {
		sb := otherwise.child("set-backend-service")
		if sb == nil {
			return false
		}
		id := sb.attr("backend-id")
		if id != svc {
			target, ok := addTarget(id)
			if !ok {
				return false
			}
			split.Fallback = target
		}
	}
	if !im.service(svc, path, line) {
		return false
	}
	rp.svc, rp.split = svc, split
	return true
}

func (im *importer) backendService(rp *routePolicies, path string, line int, c *node) {
	id := c.attr("backend-id")
	if id == "" {
		if base := c.attr("base-url"); base != "" {
			rp.svc = im.urlService(base, path, line)
			return
		}
		im.fragment("set-backend-service", path, line, c.String())
		return
	}
	if strings.HasSuffix(id, weightsInfix) {
		if im.weightSplit(rp, path, line, id) {
			return
		}
	}
	if _, kind, _ := xlate.ParseUpstreamName(id); kind != xlate.NotDerived {
		im.fragment("set-backend-service "+id, path, line, c.String())
		return
	}
	if im.service(id, path, line) {
		rp.svc = id
	}
}

func (im *importer) weightSplit(rp *routePolicies, path string, line int, id string) bool {
	b := im.backends[id]
	if b == nil || b.props.Pool == nil {
		return false
	}
	split := &ir.TrafficSplit{Mode: ir.SplitWeight}
	svc, total := "", 0
	for _, m := range b.props.Pool.Services {
		segs := nameSegments(m.ID)
		if len(segs) == 0 {
			return false
		}
		member := segs[len(segs)-1]
		s, kind, sub := xlate.ParseUpstreamName(member)
		if kind != xlate.DerivedSplit || svc != "" && s != svc {
			return false
		}
		svc = s
		up, _, ok := im.upstream(member, path, line)
		if !ok {
			return false
		}
		w := 1
		if m.Weight != nil {
			w = *m.Weight
		}
		total += w
		split.Targets = append(split.Targets, ir.SplitTarget{Name: sub, Weight: w, Upstream: up})
	}
	if len(split.Targets) == 0 || !im.service(svc, path, line) {
		return false
	}
	if total != 100 {
		im.ctx.Lossy(capability.TrafficSplitWeight, b.path, b.line, "pool weights sum to %d, scaled to 100", total)
		xlate.NormalizeWeights(split.Targets, total)
	}
	b.used = true
	rp.svc, rp.split = svc, split
	return true
}

// finish attaches backend circuit breakers to the first route of their
// service and reports what was left unused.
func (im *importer) finish() {
	for _, svc := range im.ctx.Builder.Services() {
		if len(svc.Routes) == 0 {
			continue
		}
		if _, ok := ir.PolicyOf[*ir.CircuitBreaker](svc.Routes[0]); ok {
			continue
		}
		if cb := im.breaker(svc.Name); cb != nil {
			svc.Routes[0].Policies = append(svc.Routes[0].Policies, cb)
		}
	}
	names := make([]string, 0, len(im.backends))
	for name := range im.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if b := im.backends[name]; !b.used {
			im.ctx.Lossy("", b.path, b.line, "backend %s is not used by any operation, dropped", name)
		}
	}
	ids := make([]string, 0, len(im.policies))
	for id := range im.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if p := im.policies[id]; !p.used {
			im.ctx.Lossy("", p.path, p.line, "policy of unknown operation %s dropped", id)
		}
	}
}

// breaker reads the circuit breaker rule of a service backend, or of
// the first pool member carrying one.
func (im *importer) breaker(name string) *ir.CircuitBreaker {
	b := im.backends[name]
	if b == nil {
		return nil
	}
	candidates := []*importedBackend{b}
	if b.props.Pool != nil {
		candidates = candidates[:0]
		for _, m := range b.props.Pool.Services {
			if segs := nameSegments(m.ID); len(segs) > 0 && im.backends[segs[len(segs)-1]] != nil {
				candidates = append(candidates, im.backends[segs[len(segs)-1]])
			}
		}
	}
	for _, c := range candidates {
		if c.props.CircuitBreaker == nil || len(c.props.CircuitBreaker.Rules) == 0 {
			continue
		}
		rule := c.props.CircuitBreaker.Rules[0]
		if len(c.props.CircuitBreaker.Rules) > 1 {
			im.ctx.Lossy(capability.CircuitBreaker, c.path, c.line, "only the first circuit breaker rule is kept")
		}
		cb := &ir.CircuitBreaker{MaxFailures: rule.FailureCondition.Count}
		if cb.MaxFailures == 0 {
			im.ctx.Lossy(capability.CircuitBreaker, c.path, c.line, "percentage failure condition is not supported, breaker dropped")
			return nil
		}
		trip, err := parseISODuration(rule.TripDuration)
		if err != nil {
			im.parseFailed(c.path, c.line, "invalid tripDuration", err)
			return nil
		}
		cb.OpenTimeout = trip
		return cb
	}
	return nil
}
