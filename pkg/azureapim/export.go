package azureapim

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/jxskiss/gopkg/v2/json"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// Counter keys of rate-limit-by-key.
const (
	ipCounterKey       = "@(context.Request.IpAddress)"
	consumerCounterKey = "@(context.Subscription?.Key ?? context.Request.IpAddress)"
	globalCounterKey   = "global"
)

const wellKnownConfig = "/.well-known/openid-configuration"

// Retry conditions as C# expressions over the backend response.
var retryExpressions = map[string]string{
	"5xx":             "context.Response.StatusCode >= 500",
	"gateway-error":   "(context.Response.StatusCode >= 502 && context.Response.StatusCode <= 504)",
	"retriable-4xx":   "context.Response.StatusCode == 409",
	"connect-failure": `context.LastError?.Reason == "BackendConnectionFailure"`,
	"reset":           `context.LastError?.Reason == "ConnectionReset"`,
	"timeout":         `context.LastError?.Reason == "Timeout"`,
}

type exporter struct {
	ctx  *xlate.ExportContext
	topo *ir.Topology
	doc  *openapi3.T

	backends   []*resource
	backendIDs []string
	singles    map[string][]*backendProps // by upstream name
	policies   []*resource
	order      int
	err        error
}

// Export renders topo as an ARM template deploying one API with its
// backends and policies, plus the OpenAPI document of that API.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:     ctx,
		topo:    topo,
		singles: make(map[string][]*backendProps),
		doc: &openapi3.T{
			OpenAPI: "3.0.1",
			Info: &openapi3.Info{
				Title:       apiName,
				Description: xlate.GeneratedHeader,
				Version:     topo.Version,
			},
			Paths: openapi3.NewPaths(),
		},
	}
	for si, svc := range topo.Services {
		path := xlate.ServicePath(si)
		e.ctx.CheckUpstream(&svc.Upstream, path+".upstream")
		if svc.Protocol == "grpc" {
			e.ctx.Warnf("", path+".protocol", "gRPC backends are proxied as plain HTTP")
		}
		e.addBackend(svc.Name, svc.Protocol, &svc.Upstream)
		e.breaker(si, svc)
		for ri, r := range svc.Routes {
			e.route(si, svc, ri, r)
		}
	}
	apiPolicy := e.apiPolicy()
	if e.err != nil {
		return nil, e.err
	}

	compact, err := e.doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	spec, err := json.MarshalIndent(e.doc, "", "  ")
	if err != nil {
		return nil, err
	}
	tmpl := &template{
		Schema:         templateSchema,
		ContentVersion: "1.0.0.0",
		Metadata:       map[string]string{"generator": "gwxlate", "comment": xlate.GeneratedHeader},
		Parameters: map[string]parameter{
			serviceParam: {Type: "string", Metadata: map[string]string{"description": "Name of the API Management instance"}},
		},
	}
	tmpl.Resources = append(tmpl.Resources, e.backends...)
	apiRef := resourceID(typeAPI, apiName)
	tmpl.Resources = append(tmpl.Resources,
		&resource{
			Type:       typeAPI,
			APIVersion: apiVersion,
			Name:       armName(apiName),
			DependsOn:  e.backendIDs,
			Properties: apiProps{
				DisplayName: apiName,
				Description: xlate.GeneratedHeader,
				Protocols:   []string{"https"},
				Format:      "openapi+json",
				Value:       string(compact),
			},
		},
		&resource{
			Type:       typeAPIPolicy,
			APIVersion: apiVersion,
			Name:       armName(apiName, policyName),
			DependsOn:  []string{apiRef},
			Properties: policyProps{Format: "rawxml", Value: apiPolicy},
		})
	tmpl.Resources = append(tmpl.Resources, e.policies...)

	content, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return nil, err
	}
	return xlate.NewArtifact(capability.AzureAPIM,
		xlate.File{Name: TemplateFile, MediaType: xlate.MediaJSON, Content: append(content, '\n')},
		xlate.File{Name: OpenAPIFile, MediaType: xlate.MediaJSON, Content: append(spec, '\n')},
	), nil
}

func (e *exporter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func backendURL(protocol string, t ir.Target) string {
	scheme := "http"
	if protocol == "https" {
		scheme = "https"
	}
	return scheme + "://" + t.Address()
}

func (e *exporter) addResource(name string, props *backendProps, dependsOn ...string) {
	id := resourceID(typeBackend, name)
	e.backends = append(e.backends, &resource{
		Type:       typeBackend,
		APIVersion: apiVersion,
		Name:       armName(name),
		DependsOn:  dependsOn,
		Properties: props,
	})
	e.backendIDs = append(e.backendIDs, id)
}

// addBackend writes a single URL backend for a one-target upstream, or
// a pool of single URL backends. It returns the single backends.
func (e *exporter) addBackend(name, protocol string, up *ir.Upstream) []*backendProps {
	if singles, ok := e.singles[name]; ok {
		return singles
	}
	if len(up.Targets) == 1 {
		b := &backendProps{Description: name, Type: backendSingle, URL: backendURL(protocol, up.Targets[0]), Protocol: "http"}
		e.addResource(name, b)
		e.singles[name] = []*backendProps{b}
		return e.singles[name]
	}
	var singles []*backendProps
	var members []poolMember
	var deps []string
	for i, t := range up.Targets {
		member := memberBackendName(name, i)
		b := &backendProps{Description: name, Type: backendSingle, URL: backendURL(protocol, t), Protocol: "http"}
		e.addResource(member, b)
		singles = append(singles, b)
		pm := poolMember{ID: resourceID(typeBackend, member)}
		if up.Algorithm == ir.Weighted {
			w := t.EffectiveWeight()
			pm.Weight = &w
		}
		members = append(members, pm)
		deps = append(deps, pm.ID)
	}
	e.addResource(name, &backendProps{Description: name, Type: backendPool, Pool: &pool{Services: members}}, deps...)
	e.singles[name] = singles
	return singles
}

// addSplitBackend writes the backend of a split target. Only its first
// address is used.
func (e *exporter) addSplitBackend(name, protocol string, up *ir.Upstream, feature capability.Feature, path string) {
	if len(up.Targets) > 1 {
		e.ctx.Warnf(feature, path, "only the first target %s is used", up.Targets[0].Address())
	}
	first := &ir.Upstream{Targets: up.Targets[:1]}
	e.addBackend(name, protocol, first)
}

func (e *exporter) breaker(si int, svc *ir.Service) {
	cb, ri, ok := xlate.ServicePolicy(e.ctx, si, svc, capability.CircuitBreaker, func(a, b *ir.CircuitBreaker) bool {
		return *a == *b
	})
	if !ok {
		return
	}
	path := xlate.PolicyPath(si, ri, ir.KindCircuitBreaker)
	if !e.ctx.Support(capability.CircuitBreaker, path).IsSupported() {
		return
	}
	if cb.MaxConnections > 0 || cb.MaxPendingRequests > 0 || cb.MaxRequests > 0 || cb.HalfOpenRequests > 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path, "concurrency limits are dropped, only the failure threshold is kept")
	}
	if cb.MaxFailures == 0 {
		e.ctx.Warnf(capability.CircuitBreaker, path+".max_failures", "no failure threshold, breaker omitted")
		return
	}
	trip := cb.OpenTimeout
	if trip.IsZero() {
		trip = values.Duration(defaultTripDuration)
	}
	for _, b := range e.singles[svc.Name] {
		b.CircuitBreaker = &circuitBreaker{Rules: []breakerRule{{
			Name: breakerRuleName,
			FailureCondition: failureCondition{
				Count:            cb.MaxFailures,
				Interval:         breakerInterval,
				StatusCodeRanges: []statusRange{{Min: 500, Max: 599}},
				ErrorReasons:     []string{"Server errors"},
			},
			TripDuration:     isoDuration(trip),
			AcceptRetryAfter: true,
		}}}
	}
}

func routeTemplates(m ir.PathMatch) []string {
	if m.Kind == ir.MatchExact {
		return []string{m.Value}
	}
	base := strings.TrimSuffix(m.Value, "/")
	if base == "" {
		return []string{"/", wildcard}
	}
	return []string{base, base + wildcard}
}

func (e *exporter) route(si int, svc *ir.Service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)
	if r.Match.Kind == ir.MatchRegex {
		return
	}
	policy, err := renderPolicy(e.routePolicy(si, svc, ri, r))
	if err != nil {
		e.fail(err)
		return
	}
	methods := r.Methods.Methods()
	if r.Methods.Any() {
		methods = anyMethods
	}
	order := e.order
	e.order++
	for _, tpl := range routeTemplates(r.Match) {
		item := e.doc.Paths.Value(tpl)
		if item == nil {
			item = &openapi3.PathItem{}
			e.doc.Paths.Set(tpl, item)
		}
		for _, m := range methods {
			if item.GetOperation(m) != nil {
				e.ctx.Warnf(capability.RouteMethods, path, "%s %s belongs to an earlier route, skipped", m, tpl)
				continue
			}
			id := operationID(r.Name, m, strings.HasSuffix(tpl, wildcard))
			op := openapi3.NewOperation()
			op.OperationID = id
			op.Summary = r.Name
			op.Tags = []string{svc.Name}
			op.Extensions = map[string]any{extRoute: r.Name, extOrder: order}
			op.Responses = openapi3.NewResponses(openapi3.WithName("default",
				openapi3.NewResponse().WithDescription("Upstream response")))
			item.SetOperation(m, op)
			e.policies = append(e.policies, &resource{
				Type:       typeOperationPolicy,
				APIVersion: apiVersion,
				Name:       armName(apiName, id, policyName),
				DependsOn:  []string{resourceID(typeAPI, apiName)},
				Properties: policyProps{Format: "rawxml", Value: policy},
			})
		}
	}
}

func (e *exporter) routePolicy(si int, svc *ir.Service, ri int, r *ir.Route) *node {
	var cors, selector, retry *node
	var inbound, outbound []*node
	timeout := ""
	if g := e.topo.Global.Timeout; !g.IsZero() {
		timeout = e.seconds(g, capability.Timeout, "global.timeout")
	}
	var perTry values.Duration
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			inbound = append(inbound, e.rateLimit(x, ppath))
		case *ir.Authentication:
			inbound = append(inbound, e.authentication(x, ppath))
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				cors = corsPolicy(x)
			}
		case *ir.Headers:
			if !x.Request.IsEmpty() && e.ctx.Support(capability.RequestHeaders, ppath+".request").IsSupported() {
				inbound = append(inbound, headerPolicies(x.Request)...)
			}
			if !x.Response.IsEmpty() && e.ctx.Support(capability.ResponseHeaders, ppath+".response").IsSupported() {
				outbound = append(outbound, headerPolicies(x.Response)...)
			}
		case *ir.Timeout:
			if !e.ctx.Support(capability.Timeout, ppath).IsSupported() {
				continue
			}
			if !x.Connect.IsZero() || !x.Idle.IsZero() {
				e.ctx.Warnf(capability.Timeout, ppath, "connect and idle timeouts are not configurable, dropped")
			}
			if !x.Request.IsZero() {
				timeout = e.seconds(x.Request, capability.Timeout, ppath+".request")
			}
		case *ir.Retry:
			if e.ctx.Support(capability.Retry, ppath).IsSupported() {
				retry = retryPolicy(x)
				perTry = x.PerTryTimeout
			}
		case *ir.BodyTransform:
			if !e.ctx.Support(capability.BodyTransform, ppath).IsSupported() {
				continue
			}
			if !x.Request.IsEmpty() {
				inbound = append(inbound, e.setBody("Request", x.Request))
			}
			if !x.Response.IsEmpty() {
				outbound = append(outbound, e.setBody("Response", x.Response))
			}
		case *ir.TrafficSplit:
			selector = e.split(svc, r, x, ppath)
		case *ir.Mirror:
			inbound = append(inbound, e.mirror(svc, x, ppath))
		case *ir.WebSocket:
			if x.Enabled {
				e.ctx.Support(capability.WebSocket, ppath)
			}
		}
	}
	if selector == nil {
		selector = el("set-backend-service", "backend-id", svc.Name)
	}
	if retry != nil && !perTry.IsZero() {
		if _, ok := ir.PolicyOf[*ir.Timeout](r); ok || !e.topo.Global.Timeout.IsZero() {
			e.ctx.Infof(capability.Retry, xlate.PolicyPath(si, ri, ir.KindRetry)+".per_try_timeout",
				"every try is bounded by the request timeout")
		} else {
			timeout = e.seconds(perTry, capability.Retry, xlate.PolicyPath(si, ri, ir.KindRetry)+".per_try_timeout")
		}
	}

	backend := el("backend")
	forward := el("forward-request", "timeout", timeout)
	switch {
	case retry != nil:
		backend.add(retry.add(forward))
	case timeout != "":
		backend.add(forward)
	default:
		backend.add(el("base"))
	}
	return el("policies").add(
		el("inbound").add(el("base"), cors).add(inbound...).add(selector),
		backend,
		el("outbound").add(el("base")).add(outbound...),
		el("on-error").add(el("base")),
	)
}

// seconds renders d in whole seconds, rounding up.
func (e *exporter) seconds(d values.Duration, feature capability.Feature, path string) string {
	if !d.IsWholeSeconds() {
		e.ctx.Warnf(feature, path, "%s is rounded up to %ds", d, d.WholeSeconds())
	}
	return strconv.FormatInt(d.WholeSeconds(), 10)
}

func (e *exporter) rateLimit(rl *ir.RateLimit, path string) *node {
	if !e.ctx.Support(capability.RateLimit, path).IsSupported() {
		return nil
	}
	if rl.Burst > 0 {
		e.ctx.Support(capability.RateLimitBurst, path+".burst")
	}
	rps := rl.RequestsPerSecond
	calls, period := 0, 1
	switch {
	case rps.IsWhole():
		calls = int(rps.PerSecond())
	case rps.IsWholePerMinute():
		calls, period = int(rps.PerMinute()), 60
	default:
		calls, period = max(1, int(math.Round(rps.PerMinute()))), 60
		e.ctx.Warnf(capability.RateLimit, path+".requests_per_second", "%s is rounded to %d per minute", rps, calls)
	}
	key := ipCounterKey
	switch rl.Key {
	case ir.RateLimitByHeader:
		key = headerExpr(rl.KeyName)
	case ir.RateLimitByConsumer:
		key = consumerCounterKey
		e.ctx.Infof(capability.RateLimit, path+".key", "consumers are identified by their subscription key")
	case ir.RateLimitGlobal:
		key = globalCounterKey
	}
	return el("rate-limit-by-key",
		"calls", strconv.Itoa(calls),
		"renewal-period", strconv.Itoa(period),
		"counter-key", key)
}

func headerExpr(name string) string {
	return "@(context.Request.Headers.GetValueOrDefault(" + xlate.CSharpQuote(name) + `, ""))`
}

func headerCondition(name, value string) string {
	return "@(context.Request.Headers.GetValueOrDefault(" + xlate.CSharpQuote(name) + `, "") == ` + xlate.CSharpQuote(value) + ")"
}

func (e *exporter) renderCondition(s *xlate.Snippet, params any) string {
	script, err := s.Render(params)
	if err != nil {
		e.fail(err)
		return ""
	}
	return "@{\n" + script + "}"
}

func checkHeader(name string, accepted []string) *node {
	n := el("check-header",
		"name", name,
		"failed-check-httpcode", "401",
		"failed-check-error-message", "Unauthorized",
		"ignore-case", "false")
	for _, v := range accepted {
		n.add(textEl("value", v))
	}
	return n
}

func unauthorized() *node {
	return el("return-response").add(el("set-status", "code", "401", "reason", "Unauthorized"))
}

func (e *exporter) authentication(a *ir.Authentication, path string) *node {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return nil
	}
	switch a.Type {
	case ir.AuthBasic:
		b := a.Basic
		var accepted []string
		for i, u := range b.Users {
			if xlate.IsHtpasswdDigest(u.Password) {
				e.ctx.Warnf(capability.AuthBasic, xlate.IndexPath(path+".basic.users", i),
					"hashed password of %s cannot be compared, user dropped", u.Username)
				continue
			}
			accepted = append(accepted, "Basic "+base64.StdEncoding.EncodeToString([]byte(u.Username+":"+u.Password)))
		}
		if b.Realm != "" {
			e.ctx.Infof(capability.AuthBasic, path+".basic.realm", "no WWW-Authenticate challenge is sent")
		}
		return checkHeader("Authorization", accepted)
	case ir.AuthAPIKey:
		k := a.APIKey
		if k.Query == "" {
			return checkHeader(k.KeyHeader(), k.Keys)
		}
		cond := e.renderCondition(xlate.APIMQueryKey, xlate.APIKeyParams{Query: k.Query, Keys: k.Keys})
		return el("choose").add(el("when", "condition", cond).add(unauthorized()))
	case ir.AuthJWT:
		return e.jwt(a.JWT, path+".jwt")
	}
	return nil
}

func (e *exporter) jwt(j *ir.JWTAuth, path string) *node {
	if j.Issuer == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".issuer", "validate-jwt locates signing keys through the issuer OpenID configuration")
		return nil
	}
	header, scheme := j.Header, ""
	if header == "" || strings.EqualFold(header, "Authorization") {
		header, scheme = "Authorization", "Bearer"
	}
	n := el("validate-jwt",
		"header-name", header,
		"failed-validation-httpcode", "401",
		"failed-validation-error-message", "Unauthorized",
		"require-scheme", scheme)
	n.add(el("openid-config", "url", strings.TrimSuffix(j.Issuer, "/")+wellKnownConfig))
	if len(j.Audiences) > 0 {
		aud := el("audiences")
		for _, a := range j.Audiences {
			aud.add(textEl("audience", a))
		}
		n.add(aud)
	}
	n.add(el("issuers").add(textEl("issuer", j.Issuer)))
	if j.JWKSURI != "" {
		e.ctx.Infof(capability.AuthJWT, path+".jwks_uri", "keys are read from the issuer OpenID configuration")
	}
	if len(j.Algorithms) > 0 {
		e.ctx.Infof(capability.AuthJWT, path+".algorithms", "algorithms follow the published signing keys")
	}
	return n
}

func corsPolicy(c *ir.CORS) *node {
	n := el("cors", "allow-credentials", strconv.FormatBool(c.AllowCredentials))
	origins := el("allowed-origins")
	for _, o := range c.AllowOrigins {
		origins.add(textEl("origin", o))
	}
	maxAge := ""
	if !c.MaxAge.IsZero() {
		maxAge = strconv.FormatInt(c.MaxAge.WholeSeconds(), 10)
	}
	methods := el("allowed-methods", "preflight-result-max-age", maxAge)
	if c.AllowMethods.Any() {
		methods.add(textEl("method", "*"))
	}
	for _, m := range c.AllowMethods.Methods() {
		methods.add(textEl("method", m))
	}
	n.add(origins, methods)
	if len(c.AllowHeaders) > 0 {
		headers := el("allowed-headers")
		for _, h := range c.AllowHeaders {
			headers.add(textEl("header", h))
		}
		n.add(headers)
	}
	if len(c.ExposeHeaders) > 0 {
		headers := el("expose-headers")
		for _, h := range c.ExposeHeaders {
			headers.add(textEl("header", h))
		}
		n.add(headers)
	}
	return n
}

// headerValue protects literal values that APIM would read as a policy
// expression or a named value.
func headerValue(v string) string {
	if strings.HasPrefix(v, "@") || strings.Contains(v, "{{") {
		return "@(" + xlate.CSharpQuote(v) + ")"
	}
	return v
}

func headerPolicies(ops ir.HeaderOps) []*node {
	var out []*node
	for _, name := range ops.Remove {
		out = append(out, el("set-header", "name", name, "exists-action", "delete"))
	}
	for _, h := range ops.Set {
		out = append(out, el("set-header", "name", h.Name, "exists-action", "override").add(textEl("value", headerValue(h.Value))))
	}
	for _, h := range ops.Add {
		out = append(out, el("set-header", "name", h.Name, "exists-action", "append").add(textEl("value", headerValue(h.Value))))
	}
	return out
}

func retryPolicy(r *ir.Retry) *node {
	conds := make([]string, 0, len(r.Conditions()))
	for _, c := range r.Conditions() {
		conds = append(conds, retryExpressions[c])
	}
	return el("retry",
		"condition", "@("+strings.Join(conds, " || ")+")",
		"count", strconv.Itoa(r.Attempts),
		"interval", "0",
		"first-fast-retry", "true")
}

func (e *exporter) setBody(message string, ops ir.BodyOps) *node {
	script, err := xlate.APIMSetBody.Render(xlate.APIMBodyParams{Message: message, Ops: ops})
	if err != nil {
		e.fail(err)
		return nil
	}
	return textEl("set-body", "@{\n"+script+"}")
}

func (e *exporter) split(svc *ir.Service, r *ir.Route, s *ir.TrafficSplit, path string) *node {
	feature := capability.SplitFeature(s.Mode)
	if !e.ctx.Support(feature, path).IsSupported() {
		return nil
	}
	names := make(map[string]string, len(s.Targets))
	for i, t := range s.Targets {
		name := xlate.SplitUpstreamName(svc.Name, t.Name)
		e.addSplitBackend(name, svc.Protocol, t.Upstream, feature, xlate.IndexPath(path+".targets", i)+".upstream")
		names[t.Name] = name
	}
	if s.Mode == ir.SplitWeight {
		var members []poolMember
		var deps []string
		for _, t := range s.Targets {
			w := t.Weight
			id := resourceID(typeBackend, names[t.Name])
			members = append(members, poolMember{ID: id, Weight: &w})
			deps = append(deps, id)
		}
		name := weightPoolName(r.Name)
		e.addResource(name, &backendProps{Description: r.Name, Type: backendPool, Pool: &pool{Services: members}}, deps...)
		return el("set-backend-service", "backend-id", name)
	}
	choose := el("choose")
	for _, rule := range s.Rules {
		choose.add(el("when", "condition", headerCondition(rule.Header, rule.Value)).
			add(el("set-backend-service", "backend-id", names[rule.Target])))
	}
	fallback := svc.Name
	if s.Fallback != "" {
		fallback = names[s.Fallback]
	}
	return choose.add(el("otherwise").add(el("set-backend-service", "backend-id", fallback)))
}

func (e *exporter) mirror(svc *ir.Service, m *ir.Mirror, path string) *node {
	if !e.ctx.Support(capability.Mirror, path).IsSupported() {
		return nil
	}
	if len(m.Upstream.Targets) > 1 {
		e.ctx.Warnf(capability.Mirror, path+".upstream", "only the first target %s receives copies", m.Upstream.Targets[0].Address())
	}
	url := backendURL(svc.Protocol, m.Upstream.Targets[0])
	cond := e.renderCondition(xlate.APIMMirror, xlate.MirrorParams{
		Name:    m.Name,
		URL:     url,
		Percent: m.SamplePercentage.Float(),
	})
	setURL := "@(" + xlate.CSharpQuote(url) + " + context.Request.OriginalUrl.Path + context.Request.OriginalUrl.QueryString)"
	return el("choose").add(el("when", "condition", cond).add(
		el("send-one-way-request", "mode", "copy").add(textEl("set-url", setURL))))
}

// apiPolicy renders the policy of the API, which applies the global
// timeout and records the unsupported global settings.
func (e *exporter) apiPolicy() string {
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
	backend := el("backend")
	if !g.Timeout.IsZero() {
		backend.add(el("forward-request", "timeout", strconv.FormatInt(g.Timeout.WholeSeconds(), 10)))
	} else {
		backend.add(el("base"))
	}
	out, err := renderPolicy(el("policies").add(
		el("inbound").add(el("base")),
		backend,
		el("outbound").add(el("base")),
		el("on-error").add(el("base")),
	))
	if err != nil {
		e.fail(err)
	}
	return out
}
