package gcpapigw

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi3"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type exporter struct {
	ctx   *xlate.ExportContext
	topo  *ir.Topology
	doc   *openapi2.T
	mgmt  *management
	order int
	cors  bool
	jwts  []*ir.JWTAuth
}

// Export renders topo as a Swagger 2.0 API config with Google
// extensions.
func Export(ctx *xlate.ExportContext, topo *ir.Topology) (*xlate.Artifact, error) {
	e := &exporter{
		ctx:  ctx,
		topo: topo,
		doc: &openapi2.T{
			Swagger: "2.0",
			Info: openapi3.Info{
				Title:       "gateway",
				Description: xlate.GeneratedHeader,
				Version:     topo.Version,
			},
			Schemes:             []string{"https"},
			Produces:            []string{"application/json"},
			Paths:               map[string]*openapi2.PathItem{},
			SecurityDefinitions: map[string]*openapi2.SecurityScheme{},
			Extensions:          map[string]any{},
		},
		mgmt: &management{Quota: &quota{}},
	}
	e.global()
	for si, svc := range topo.Services {
		e.ctx.CheckUpstream(&svc.Upstream, xlate.ServicePath(si)+".upstream")
		for ri, r := range svc.Routes {
			e.route(si, svc, ri, r)
		}
	}
	if len(e.doc.SecurityDefinitions) == 0 {
		e.doc.SecurityDefinitions = nil
	}
	if len(e.mgmt.Metrics) > 0 {
		e.doc.Extensions[extManagement] = e.mgmt
	}
	if e.cors {
		e.doc.Extensions[extEndpoints] = []endpoint{{Name: endpointsHost, AllowCors: true}}
		e.ctx.Infof(capability.CORS, "", "substitute the managed host of the gateway for %s", endpointsHost)
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
	return xlate.NewArtifact(capability.GCPAPIGateway,
		xlate.File{Name: ConfigFile, MediaType: xlate.MediaYAML, Content: content}), nil
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
		e.ctx.Infof(capability.Timeout, "global.timeout", "written as the deadline of every backend without a route timeout")
	}
}

func routeTemplates(m ir.PathMatch) []string {
	if m.Kind == ir.MatchExact {
		return []string{m.Value}
	}
	base := strings.TrimSuffix(m.Value, "/")
	if base == "" {
		return []string{"/", wildcardSuffix}
	}
	return []string{base, base + wildcardSuffix}
}

func backendAddress(protocol string, t ir.Target) string {
	scheme := "http"
	switch protocol {
	case "https":
		scheme = "https"
	case "grpc":
		scheme = "grpc"
	}
	return scheme + "://" + t.Address()
}

type routeSettings struct {
	backend  *backend
	security *openapi2.SecurityRequirements
	perMin   int64
	apiKey   bool
}

func (e *exporter) route(si int, svc *ir.Service, ri int, r *ir.Route) {
	path := xlate.RoutePath(si, ri)
	e.ctx.CheckRoute(r, path)
	if r.Match.Kind == ir.MatchRegex {
		return
	}

	methods := swaggerMethods
	if r.Methods.Any() {
		e.ctx.Infof(capability.RouteMethods, path+".methods", "every method except CONNECT and TRACE is declared")
	} else {
		methods = nil
		for _, m := range r.Methods.Methods() {
			if slices.Contains(swaggerMethods, m) {
				methods = append(methods, m)
			} else {
				e.ctx.Warnf(capability.RouteMethods, path+".methods", "%s operations cannot be declared, dropped", m)
			}
		}
		if len(methods) == 0 {
			e.ctx.Warnf(capability.RouteMethods, path+".methods", "no method is left, route dropped")
			return
		}
	}

	rs := e.settings(svc, si, ri, r)
	order := e.order
	e.order++
	if rs.perMin > 0 {
		e.quota(r.Name, rs.perMin)
	}
	for _, tpl := range routeTemplates(r.Match) {
		wildcard := strings.HasSuffix(tpl, wildcardSuffix)
		item := e.doc.Paths[tpl]
		if item == nil {
			item = &openapi2.PathItem{}
			e.doc.Paths[tpl] = item
		}
		for _, m := range methods {
			if item.GetOperation(m) != nil {
				e.ctx.Warnf(capability.RouteMethods, path, "%s %s belongs to an earlier route, skipped", m, tpl)
				continue
			}
			op := &openapi2.Operation{
				OperationID: operationID(r.Name, m, wildcard),
				Summary:     r.Name,
				Tags:        []string{svc.Name},
				Security:    rs.security,
				Responses: map[string]*openapi2.Response{
					"default": {Description: "Backend response"},
				},
				Extensions: map[string]any{
					extRoute:   r.Name,
					extOrder:   order,
					extBackend: rs.backend,
				},
			}
			if wildcard {
				op.Parameters = openapi2.Parameters{{
					In:       "path",
					Name:     wildcardParam,
					Type:     &openapi3.Types{"string"},
					Required: true,
				}}
			}
			if rs.perMin > 0 {
				op.Extensions[extQuota] = &quotaCosts{MetricCosts: map[string]int64{metricName(r.Name): 1}}
			}
			item.SetOperation(m, op)
		}
	}
}

func (e *exporter) quota(route string, perMin int64) {
	e.mgmt.Metrics = append(e.mgmt.Metrics, &metric{
		Name:        metricName(route),
		DisplayName: "Requests of " + route,
		ValueType:   "INT64",
		MetricKind:  "DELTA",
	})
	e.mgmt.Quota.Limits = append(e.mgmt.Quota.Limits, &quotaLimit{
		Name:   limitName(route),
		Metric: metricName(route),
		Unit:   quotaUnit,
		Values: map[string]int64{standardTier: perMin},
	})
}

func (e *exporter) settings(svc *ir.Service, si, ri int, r *ir.Route) *routeSettings {
	rs := &routeSettings{backend: &backend{
		Address:         backendAddress(svc.Protocol, svc.Upstream.Targets[0]),
		PathTranslation: appendPath,
	}}
	timeout := e.topo.Global.Timeout
	rlPath := ""
	for _, p := range r.Policies {
		ppath := xlate.PolicyPath(si, ri, p.Kind())
		switch x := p.(type) {
		case *ir.RateLimit:
			if e.ctx.Support(capability.RateLimit, ppath).IsSupported() {
				rs.perMin = e.rateLimit(x, ppath)
				rlPath = ppath
			}
		case *ir.Authentication:
			rs.security = e.authentication(x, ppath)
			rs.apiKey = rs.security != nil && x.Type == ir.AuthAPIKey
		case *ir.CORS:
			if e.ctx.Support(capability.CORS, ppath).IsSupported() {
				e.cors = true
			}
		case *ir.Headers:
			if !x.Request.IsEmpty() {
				e.ctx.Support(capability.RequestHeaders, ppath+".request")
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
				timeout = x.Request
			}
		case *ir.BodyTransform:
			e.ctx.Support(capability.BodyTransform, ppath)
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
	if rs.perMin > 0 && !rs.apiKey {
		e.ctx.Warnf(capability.RateLimit, rlPath, "quotas only count requests carrying an API key, add api_key authentication")
	}
	if !timeout.IsZero() {
		rs.backend.Deadline = timeout.Seconds()
	}
	return rs
}

// rateLimit returns the quota in requests per minute.
func (e *exporter) rateLimit(rl *ir.RateLimit, path string) int64 {
	if rl.Burst > 0 {
		e.ctx.Support(capability.RateLimitBurst, path+".burst")
	}
	if rl.Key != ir.RateLimitByConsumer {
		key := rl.Key
		if key == "" {
			key = ir.RateLimitByIP
		}
		e.ctx.Warnf(capability.RateLimit, path+".key", "requests are counted per consumer project, not per %s", key)
	}
	rps := rl.RequestsPerSecond
	if rps.IsWholePerMinute() {
		return int64(rps.PerMinute())
	}
	perMin := max(1, int64(math.Round(rps.PerMinute())))
	e.ctx.Warnf(capability.RateLimit, path+".requests_per_second", "%s is rounded to %d per minute", rps, perMin)
	return perMin
}

func requirement(name string) *openapi2.SecurityRequirements {
	return &openapi2.SecurityRequirements{{name: []string{}}}
}

func (e *exporter) authentication(a *ir.Authentication, path string) *openapi2.SecurityRequirements {
	if !e.ctx.Support(capability.AuthFeature(a.Type), path).IsSupported() {
		return nil
	}
	switch a.Type {
	case ir.AuthAPIKey:
		return requirement(e.apiKey(a.APIKey, path+".api_key"))
	case ir.AuthJWT:
		if name := e.jwt(a.JWT, path+".jwt"); name != "" {
			return requirement(name)
		}
	}
	return nil
}

func (e *exporter) apiKey(k *ir.APIKeyAuth, path string) string {
	name := apiKeyScheme
	scheme := &openapi2.SecurityScheme{Type: "apiKey", In: "header", Name: apiKeyHeader}
	switch {
	case k.Query != "":
		q := k.Query
		if !slices.Contains(apiKeyQueries, q) {
			e.ctx.Warnf(capability.AuthAPIKey, path+".query", "keys are read from the key query parameter, not from %s", q)
			q = apiKeyQueries[0]
		}
		name += "_" + q
		scheme = &openapi2.SecurityScheme{Type: "apiKey", In: "query", Name: q}
	case !strings.EqualFold(k.KeyHeader(), apiKeyHeader):
		e.ctx.Warnf(capability.AuthAPIKey, path+".header", "keys are read from the %s header, not from %s", apiKeyHeader, k.Header)
	}
	if len(k.Keys) > 0 {
		e.ctx.Warnf(capability.AuthAPIKey, path+".keys", "%d keys are not exported, create them in the consumer projects", len(k.Keys))
	}
	e.doc.SecurityDefinitions[name] = scheme
	return name
}

func sameJWT(a, b *ir.JWTAuth) bool {
	return a.Issuer == b.Issuer && a.JWKSURI == b.JWKSURI && a.Header == b.Header &&
		slices.Equal(a.Audiences, b.Audiences)
}

func (e *exporter) jwt(j *ir.JWTAuth, path string) string {
	if j.Issuer == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".issuer", "an issuer is required")
		return ""
	}
	if j.JWKSURI == "" {
		e.ctx.Errorf(capability.AuthJWT, path+".jwks_uri", "a JWKS URI is required")
		return ""
	}
	if len(j.Algorithms) > 0 {
		e.ctx.Warnf(capability.AuthJWT, path+".algorithms", "accepted algorithms follow the JWKS keys, dropped")
	}
	for i, prev := range e.jwts {
		if sameJWT(prev, j) {
			return jwtSchemeName(i)
		}
	}
	name := jwtSchemeName(len(e.jwts))
	e.jwts = append(e.jwts, j)

	ext := map[string]any{
		extIssuer:  j.Issuer,
		extJWKSURI: j.JWKSURI,
	}
	if len(j.Audiences) > 0 {
		ext[extAudiences] = strings.Join(j.Audiences, ",")
	}
	if j.Header != "" && !strings.EqualFold(j.Header, "Authorization") {
		ext[extJWTLocations] = []jwtLocation{{Header: j.Header}}
	}
	e.doc.SecurityDefinitions[name] = &openapi2.SecurityScheme{
		Type:             "oauth2",
		Flow:             "implicit",
		Extensions:       ext,
	}
	return name
}

func jwtSchemeName(i int) string {
	if i == 0 {
		return jwtScheme
	}
	return jwtScheme + "_" + strconv.Itoa(i+1)
}
