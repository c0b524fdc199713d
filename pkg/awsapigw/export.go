package awsapigw

import (
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx   *xlate.ExportContext
	topo  *ir.Topology
	doc   *openapi3.T
	order int
	err   error

	keySource bool
}

// Export renders topo as the OpenAPI definition of a REST API with
// API Gateway extensions.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:  ctx,
		topo: topo,
		doc: &openapi3.T{
			OpenAPI: "3.0.1",
			Info: &openapi3.Info{
				Title:       "gateway",
				Description: xlate.GeneratedHeader,
				Version:     topo.Version,
			},
			Paths:      openapi3.NewPaths(),
			Components: &openapi3.Components{SecuritySchemes: openapi3.SecuritySchemes{}},
			Extensions: map[string]any{},
		},
	}
	e.global()
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		if svc.Protocol == "grpc" {
			e.ctx.Warnf("", path+".protocol", "REST API integrations cannot call gRPC backends, proxied as HTTP")
		}
		for ri, r := range svc.Routes {
			e.route(si, svc, ri, r)
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	if len(e.doc.Components.SecuritySchemes) == 0 {
		e.doc.Components = nil
	}
	if e.keySource {
		e.doc.Extensions[extKeySource] = "HEADER"
	}

	data, err := e.doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out, err := yaml.JSONToYAML(data)
	if err != nil {
		return nil, err
	}
	content := append([]byte("# "+xlate.GeneratedHeader+"\n\n"), out...)
	return xlate.NewArtifact(capability.AWSAPIGateway,
		xlate.File{Name: DefinitionFile, MediaType: xlate.MediaYAML, Content: content}), nil
}

func (e *exporter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *exporter) global() {
	g := e.topo.Global
	if g.AdminPort != 0 {
		e.ctx.Support(capability.GlobalAdmin, "global.admin_port")
	}
	if g.Logging.Enabled {
		e.ctx.Support(capability.GlobalLogging, "global.logging")
	}
	if g.Metrics.Enabled {
		e.ctx.Support(capability.GlobalMetrics, "global.metrics")
	}
	if !g.Timeout.IsZero() {
		e.ctx.Infof(capability.Timeout, "global.timeout", "written on every integration without a route timeout")
	}
}

func routeTemplates(m ir.PathMatch) []string {
	if m.Kind == ir.MatchExact {
		return []string{m.Value}
	}
	base := strings.TrimSuffix(m.Value, "/")
	if base == "" {
		return []string{"/", greedySuffix}
	}
	return []string{base, base + greedySuffix}
}

func backendURI(protocol string, t ir.Target, template string) string {
	scheme := "http"
	if protocol == "https" {
		scheme = "https"
	}
	return scheme + "://" + t.Address() + strings.Replace(template, "{proxy+}", "{proxy}", 1)
}

// routeSettings is what every operation of a route shares.
type routeSettings struct {
	in       integration
	security *openapi3.SecurityRequirements
	cors     *ir.CORS
}

func (e *exporter) route(si int, svc *ir.Service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)
	if r.Match.Kind == ir.MatchRegex {
		return
	}
	rs := e.settings(si, ri, r)
	order := e.order
	e.order++

	methods := r.Methods.Methods()
	if r.Methods.Any() {
		methods = []string{anyMethod}
	}
	for _, tpl := range routeTemplates(r.Match) {
		greedy := strings.HasSuffix(tpl, greedySuffix)
		item := e.doc.Paths.Value(tpl)
		if item == nil {
			item = &openapi3.PathItem{}
			e.doc.Paths.Set(tpl, item)
		}
		for _, m := range methods {
			if m == anyMethod {
				if _, taken := item.Extensions[extAnyMethod]; taken {
					e.ctx.Warnf(capability.RouteMethods, path, "ANY %s belongs to an earlier route, skipped", tpl)
					continue
				}
			} else if item.GetOperation(m) != nil {
				e.ctx.Warnf(capability.RouteMethods, path, "%s %s belongs to an earlier route, skipped", m, tpl)
				continue
			}
			in := rs.in
			in.HTTPMethod = m
			in.URI = backendURI(svc.Protocol, svc.Upstream.Targets[0], tpl)
			in.RequestParameters = copyParams(rs.in.RequestParameters)
			if greedy {
				in.RequestParameters[proxyPathParam] = proxyPathSource
			}
			if len(in.RequestParameters) == 0 {
				in.RequestParameters = nil
			}
			op := e.operation(svc, r, order, operationID(r.Name, m, greedy), greedy)
			op.Extensions[extIntegration] = &in
			op.Security = rs.security
			op.Responses = openapi3.NewResponses(openapi3.WithName("default",
				openapi3.NewResponse().WithDescription("Upstream response")))
			if m == anyMethod {
				if item.Extensions == nil {
					item.Extensions = map[string]any{}
				}
				item.Extensions[extAnyMethod] = op
			} else {
				item.SetOperation(m, op)
			}
		}
		if rs.cors != nil {
			if item.Options != nil {
				e.ctx.Warnf(capability.CORS, xlate.PolicyPath(si, ri, ir.KindCORS),
					"OPTIONS %s belongs to an earlier route, no preflight response", tpl)
				continue
			}
			item.Options = e.preflight(svc, r, order, rs.cors, greedy)
		}
	}
}

func (e *exporter) operation(svc *ir.Service, r *ir.Route, order int, id string, greedy bool) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.OperationID = id
	op.Summary = r.Name
	op.Tags = []string{svc.Name}
	op.Extensions = map[string]any{extRoute: r.Name, extOrder: order}
	if greedy {
		op.Parameters = openapi3.Parameters{{Value: openapi3.NewPathParameter(proxyParam).WithSchema(openapi3.NewStringSchema())}}
	}
	return op
}

func copyParams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *exporter) settings(si, ri int, r *ir.Route) *routeSettings {
	rs := &routeSettings{in: integration{
		Type:                typeHTTPProxy,
		ConnectionType:      "INTERNET",
		PassthroughBehavior: "when_no_match",
	}}
	timeout := e.topo.Global.Timeout
	timeoutPath := "global.timeout"
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			e.ctx.Support(capability.RateLimit, ppath)
		case *ir.Authentication:
			rs.security = e.authentication(x, ppath)
		case *ir.CORS:
			if !e.ctx.Support(capability.CORS, ppath).IsSupported() {
				continue
			}
			if len(x.AllowOrigins) > 1 {
				e.ctx.Warnf(capability.CORS, ppath+".allow_origins", "only the first origin %s is answered", x.AllowOrigins[0])
			}
			if len(x.ExposeHeaders) > 0 {
				e.ctx.Warnf(capability.CORS, ppath+".expose_headers", "exposed headers are set by the backend, dropped")
			}
			rs.cors = x
		case *ir.Headers:
			if !x.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, ppath+".request").IsSupported() {
				rs.in.RequestParameters = e.requestHeaders(x.Request, ppath+".request")
			}
			if !x.Response.IsEmpty() {
				e.ctx.Support(capability.ResponseHeaders, ppath+".response")
			}
		case *ir.Timeout:
			if !e.ctx.Support(capability.Timeout, ppath).IsSupported() {
				continue
			}
			if !x.Connect.IsZero() || !x.Idle.IsZero() {
				e.ctx.Warnf(capability.Timeout, ppath, "connect and idle timeouts are not configurable, dropped")
			}
			if !x.Request.IsZero() {
				timeout, timeoutPath = x.Request, ppath+".request"
			}
		case *ir.BodyTransform:
			if !e.ctx.Support(capability.BodyTransform, ppath).IsSupported() {
				continue
			}
			if !x.Response.IsEmpty() {
				e.ctx.Warnf(capability.BodyTransform, ppath+".response", "response mapping templates replace the status code, dropped")
			}
			if !x.Request.IsEmpty() {
				e.requestTemplate(&rs.in, x.Request)
			}
		case *ir.Retry:
			e.ctx.Support(capability.Retry, ppath)
		case *ir.CircuitBreaker:
			e.ctx.Support(capability.CircuitBreaker, ppath)
		case *ir.TrafficSplit:
			e.ctx.Support(capability.SplitFeature(x.Mode), ppath)
		case *ir.Mirror:
			e.ctx.Support(capability.Mirror, ppath)
		case *ir.WebSocket:
			if x.Enabled {
				e.ctx.Support(capability.WebSocket, ppath)
			}
		}
	}
	if !timeout.IsZero() {
		rs.in.TimeoutInMillis = e.timeout(timeout, timeoutPath)
	}
	return rs
}

func (e *exporter) timeout(d values.Duration, path string) int64 {
	ms := d.Milliseconds()
	switch {
	case d.Std() < minTimeout:
		e.ctx.Warnf(capability.Timeout, path, "%s is raised to %s", d, values.Duration(minTimeout))
		ms = minTimeout.Milliseconds()
	case d.Std() > maxTimeout:
		e.ctx.Warnf(capability.Timeout, path, "%s is capped at %s", d, values.Duration(maxTimeout))
		ms = maxTimeout.Milliseconds()
	}
	return ms
}

func (e *exporter) requestHeaders(ops ir.HeaderOps, path string) map[string]string {
	params := make(map[string]string)
	set := func(h ir.Header, hpath string) {
		if strings.Contains(h.Value, "'") {
			e.ctx.Warnf(capability.RequestHeaders, hpath, "static values cannot contain quotes, %s dropped", h.Name)
			return
		}
		params[requestHeaderParam+h.Name] = staticValue(h.Value)
	}
	for i, h := range ops.Set {
		set(h, xlate.IndexPath(path+".set", i))
	}
	for i, h := range ops.Add {
		hpath := xlate.IndexPath(path+".add", i)
		e.ctx.Warnf(capability.RequestHeaders, hpath, "%s replaces the client value instead of appending", h.Name)
		set(h, hpath)
	}
	for i, name := range ops.Remove {
		e.ctx.Warnf(capability.RequestHeaders, xlate.IndexPath(path+".remove", i), "headers cannot be removed, %s is passed through", name)
	}
	return params
}

// requestTemplate turns the integration into a non-proxy one carrying
// the body mapping template. Every response maps to 200.
func (e *exporter) requestTemplate(in *integration, ops ir.BodyOps) {
	script, err := xlate.AWSVTLBody.Render(xlate.BodyOpsParams{Ops: ops})
	if err != nil {
		e.fail(err)
		return
	}
	in.Type = typeHTTP
	in.PassthroughBehavior = "when_no_templates"
	in.RequestTemplates = map[string]string{jsonContentType: script}
	in.Responses = map[string]*integrationResponse{"default": {StatusCode: "200"}}
}

func (e *exporter) authentication(a *ir.Authentication, path string) *openapi3.SecurityRequirements {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return nil
	}
	var name string
	switch a.Type {
	case ir.AuthAPIKey:
		k := a.APIKey
		switch {
		case k.Query != "":
			e.ctx.Warnf(capability.AuthAPIKey, path+".api_key.query", "keys are read from the %s header, not from %s", apiKeyHeader, k.Query)
		case !strings.EqualFold(k.KeyHeader(), apiKeyHeader):
			e.ctx.Warnf(capability.AuthAPIKey, path+".api_key.header", "keys are read from the %s header, not from %s", apiKeyHeader, k.Header)
		}
		if len(k.Keys) > 0 {
			e.ctx.Warnf(capability.AuthAPIKey, path+".api_key.keys", "%d keys are not exported, create them in a usage plan", len(k.Keys))
		}
		e.keySource = true
		name = apiKeyScheme
		e.doc.Components.SecuritySchemes[name] = &openapi3.SecuritySchemeRef{Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			Name: apiKeyHeader,
			In:   "header",
		}}
	case ir.AuthJWT:
		name = e.cognito(a.JWT, path+".jwt")
		if name == "" {
			return nil
		}
	default:
		return nil
	}
	return openapi3.NewSecurityRequirements().With(openapi3.NewSecurityRequirement().Authenticate(name))
}

func (e *exporter) cognito(j *ir.JWTAuth, path string) string {
	arn, ok := userPoolARN(j.Issuer)
	if !ok {
		e.ctx.Errorf(capability.AuthJWT, path+".issuer", "issuer %q is not a Cognito user pool, other tokens need a Lambda authorizer", j.Issuer)
		return ""
	}
	header := j.Header
	if header == "" {
		header = "Authorization"
	}
	name := cognitoSchemeName(arn)
	if !strings.EqualFold(header, "Authorization") {
		name += "_" + strings.ToLower(strings.ReplaceAll(header, "-", "_"))
	}
	if len(j.Audiences) > 0 {
		e.ctx.Warnf(capability.AuthJWT, path+".audiences", "the user pool accepts tokens of all its app clients, audiences dropped")
	}
	if j.JWKSURI != "" || len(j.Algorithms) > 0 {
		e.ctx.Infof(capability.AuthJWT, path, "signing keys and algorithms are those of the user pool")
	}
	e.ctx.Infof(capability.AuthJWT, path+".issuer", "the user pool ARN refers to ${AWS::AccountId}, substitute it when deploying")
	e.doc.Components.SecuritySchemes[name] = &openapi3.SecuritySchemeRef{Value: &openapi3.SecurityScheme{
		Type: "apiKey",
		Name: header,
		In:   "header",
		Extensions: map[string]any{
			extAuthType: "cognito_user_pools",
			extAuthorizer: &authorizer{
				Type:           "cognito_user_pools",
				ProviderARNs:   []string{arn},
				IdentitySource: "method.request.header." + header,
			},
		},
	}}
	return name
}

// preflight answers OPTIONS requests from a mock integration.
func (e *exporter) preflight(svc *ir.Service, r *ir.Route, order int, c *ir.CORS, greedy bool) *openapi3.Operation {
	params := map[string]string{
		responseHeaderParam + allowOrigin: staticValue(c.AllowOrigins[0]),
	}
	if c.AllowMethods.Any() {
		params[responseHeaderParam+allowMethods] = staticValue("*")
	} else {
		params[responseHeaderParam+allowMethods] = staticValue(c.AllowMethods.Join(","))
	}
	if len(c.AllowHeaders) > 0 {
		params[responseHeaderParam+allowHeaders] = staticValue(strings.Join(c.AllowHeaders, ","))
	}
	if c.AllowCredentials {
		params[responseHeaderParam+allowCredentials] = staticValue("true")
	}
	if !c.MaxAge.IsZero() {
		params[responseHeaderParam+maxAge] = staticValue(strconv.FormatInt(c.MaxAge.WholeSeconds(), 10))
	}

	id := r.Name + "-preflight"
	if greedy {
		id += "-proxy"
	}
	op := e.operation(svc, r, order, id, greedy)
	op.Extensions[extIntegration] = &integration{
		Type:             typeMock,
		RequestTemplates: map[string]string{jsonContentType: `{"statusCode": 200}`},
		Responses: map[string]*integrationResponse{
			"default": {StatusCode: "200", ResponseParameters: params},
		},
	}
	headers := openapi3.Headers{}
	for _, h := range preflightHeaders {
		if _, ok := params[responseHeaderParam+h]; ok {
			headers[h] = &openapi3.HeaderRef{Value: &openapi3.Header{
				Parameter: openapi3.Parameter{Schema: openapi3.NewStringSchema().NewRef()},
			}}
		}
	}
	resp := openapi3.NewResponse().WithDescription("Preflight response")
	resp.Headers = headers
	op.Responses = openapi3.NewResponses(openapi3.WithStatus(200, &openapi3.ResponseRef{Value: resp}))
	return op
}
