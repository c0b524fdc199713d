package apisix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

var testCaps = capability.MustRegistry(Capabilities)

func usersService(policies ...ir.Policy) *ir.Service {
	return &ir.Service{
		Name: "users",
		Upstream: ir.Upstream{
			Algorithm: ir.Weighted,
			Targets: []ir.Target{
				{Host: "10.0.0.1", Port: 8080, Weight: 3},
				{Host: "10.0.0.2", Port: 8080, Weight: 1},
			},
		},
		Routes: []*ir.Route{{
			Name:     "list-users",
			Match:    ir.PathMatch{Value: "/api/users"},
			Methods:  values.GET | values.POST,
			Policies: policies,
		}},
	}
}

func topology(t *testing.T, global ir.Global, services ...*ir.Service) *ir.Topology {
	t.Helper()
	topo, err := ir.NewTopology(global, services)
	require.NoError(t, err)
	return topo
}

func export(t *testing.T, topo *ir.Topology) (*xlate.Artifact, *report.Report) {
	t.Helper()
	ctx := xlate.NewExportContext(capability.APISIX, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.APISIX, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func importText(text string) *xlate.ImportResult {
	return importArtifact(xlate.NewArtifact(capability.APISIX, xlate.File{Name: ConfigFile, Content: []byte(text)}))
}

func hasFeature(entries []report.Entry, feature capability.Feature) bool {
	for _, e := range entries {
		if e.Feature == feature {
			return true
		}
	}
	return false
}

func TestExportWeightsRateLimitAndBurst(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{
		RequestsPerSecond: values.PerSecond(100),
		Burst:             200,
		Key:               ir.RateLimitByIP,
	}))
	art, rep := export(t, topo)
	assert.False(t, rep.HasErrors(), rep.String())
	assert.False(t, rep.HasWarnings(), rep.String())

	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, "users", doc.Get("upstreams.0.id").String())
	assert.Equal(t, "roundrobin", doc.Get("upstreams.0.type").String())
	assert.Equal(t, int64(3), doc.Get("upstreams.0.nodes.0.weight").Int())
	assert.Equal(t, int64(1), doc.Get("upstreams.0.nodes.1.weight").Int())

	route := doc.Get("routes.0")
	assert.Equal(t, "/api/users*", route.Get("uri").String())
	assert.Equal(t, "users", route.Get("upstream_id").String())
	assert.Equal(t, float64(100), route.Get(`plugins.limit-req.rate`).Float())
	assert.Equal(t, float64(200), route.Get(`plugins.limit-req.burst`).Float())
	assert.Equal(t, "remote_addr", route.Get(`plugins.limit-req.key`).String())
	assert.Equal(t, []any{"GET", "POST"}, route.Get("methods").Value())
}

func TestExportIsDeterministic(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(10)},
		&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Keys: []string{"k1", "k2"}}},
		&ir.Headers{Request: ir.HeaderOps{Set: []ir.Header{{Name: "X-B", Value: "2"}, {Name: "X-A", Value: "1"}}}},
	))
	a1, _ := export(t, topo)
	a2, _ := export(t, topo)
	assert.Equal(t, a1.Primary().Content, a2.Primary().Content)
	assert.Equal(t, a1.Digest(), a2.Digest())

	var keys []string
	gjson.GetBytes(a1.Primary().Content, `routes.0.plugins.proxy-rewrite.headers.set`).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	assert.Equal(t, []string{"X-B", "X-A"}, keys)
}

func TestExportJWTWithoutIssuerIsError(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
		JWKSURI: "https://auth.example.com/jwks.json",
	}}))
	_, rep := export(t, topo)
	require.True(t, rep.HasErrors())
	entry := rep.Filter(report.Error)[0]
	assert.Equal(t, capability.AuthJWT, entry.Feature)
	assert.Equal(t, "services[0].routes[0].authentication.jwt.issuer", entry.Path)
}

func TestExportAdminPortIsOmitted(t *testing.T) {
	topo := topology(t, ir.Global{AdminPort: 9180}, usersService())
	_, rep := export(t, topo)
	assert.False(t, rep.HasErrors())
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.GlobalAdmin), rep.String())
}

func TestRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 50, Key: ir.RateLimitByConsumer},
		&ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{
			Users: []ir.BasicUser{{Username: "alice", Password: "s3cret"}, {Username: "bob", Password: "hunter2"}},
		}},
		&ir.CORS{
			AllowOrigins:     []string{"https://app.example.com"},
			AllowMethods:     values.GET | values.POST,
			AllowCredentials: true,
			MaxAge:           values.Seconds(600),
		},
		&ir.Headers{
			Request: ir.HeaderOps{
				Set:    []ir.Header{{Name: "X-Env", Value: "prod"}},
				Add:    []ir.Header{{Name: "X-Trace", Value: "1"}},
				Remove: []string{"X-Internal"},
			},
			Response: ir.HeaderOps{Remove: []string{"Server"}},
		},
		&ir.Retry{Attempts: 3},
		&ir.WebSocket{Enabled: true},
	)
	svc.Upstream.HealthCheck = &ir.HealthCheck{Active: &ir.ActiveHealthCheck{
		Path:               "/healthz",
		Interval:           values.Seconds(5),
		UnhealthyThreshold: 4,
		ExpectedStatuses:   []int{200},
	}}
	svc.Routes = append(svc.Routes,
		&ir.Route{
			Name:  "download",
			Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"},
			Policies: []ir.Policy{
				&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Header: "X-Key", Keys: []string{"k1", "k2"}}},
				&ir.BodyTransform{Request: ir.BodyOps{Remove: []string{"debug"}, Add: []ir.Field{{Name: "source", Value: "gw"}}}},
			},
		},
		&ir.Route{
			Name:  "versioned",
			Match: ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"},
		},
	)
	global := ir.Global{
		Logging: ir.Logging{Enabled: true, Format: "json", AccessLog: "/var/log/apisix/access.log"},
		Metrics: ir.Metrics{Enabled: true},
	}
	art, rep := export(t, topology(t, global, svc))
	require.False(t, rep.HasErrors(), rep.String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	got := res.Topology
	assert.True(t, got.Global.Logging.Enabled)
	assert.Equal(t, "/var/log/apisix/access.log", got.Global.Logging.AccessLog)
	assert.True(t, got.Global.Metrics.Enabled)
	require.Len(t, got.Services, 1)

	users := got.Services[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{
		{Host: "10.0.0.1", Port: 8080, Weight: 3},
		{Host: "10.0.0.2", Port: 8080, Weight: 1},
	}, users.Upstream.Targets)
	require.NotNil(t, users.Upstream.HealthCheck)
	assert.Equal(t, &ir.ActiveHealthCheck{
		Path:               "/healthz",
		Interval:           values.Seconds(5),
		UnhealthyThreshold: 4,
		ExpectedStatuses:   []int{200},
	}, users.Upstream.HealthCheck.Active)
	require.Len(t, users.Routes, 3)

	r := users.Routes[0]
	assert.Equal(t, "list-users", r.Name)
	assert.Equal(t, values.GET|values.POST, r.Methods)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, r.Match)

	rl, ok := ir.PolicyOf[*ir.RateLimit](r)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, 50, rl.Burst)
	assert.Equal(t, ir.RateLimitByConsumer, rl.Key)

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, ir.AuthBasic, auth.Type)
	assert.Equal(t, []ir.BasicUser{{Username: "alice", Password: "s3cret"}, {Username: "bob", Password: "hunter2"}}, auth.Basic.Users)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)
	assert.Equal(t, values.GET|values.POST, cors.AllowMethods)
	assert.True(t, cors.AllowCredentials)
	assert.Equal(t, values.Seconds(600), cors.MaxAge)

	headers, ok := ir.PolicyOf[*ir.Headers](r)
	require.True(t, ok)
	assert.Equal(t, []ir.Header{{Name: "X-Env", Value: "prod"}}, headers.Request.Set)
	assert.Equal(t, []ir.Header{{Name: "X-Trace", Value: "1"}}, headers.Request.Add)
	assert.Equal(t, []string{"X-Internal"}, headers.Request.Remove)
	assert.Equal(t, []string{"Server"}, headers.Response.Remove)

	retry, ok := ir.PolicyOf[*ir.Retry](r)
	require.True(t, ok)
	assert.Equal(t, 3, retry.Attempts)

	ws, ok := ir.PolicyOf[*ir.WebSocket](r)
	require.True(t, ok)
	assert.True(t, ws.Enabled)

	d := users.Routes[1]
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"}, d.Match)
	assert.True(t, d.Methods.Any())
	key, ok := ir.PolicyOf[*ir.Authentication](d)
	require.True(t, ok)
	assert.Equal(t, &ir.APIKeyAuth{Header: "X-Key", Keys: []string{"k1", "k2"}}, key.APIKey)
	body, ok := ir.PolicyOf[*ir.BodyTransform](d)
	require.True(t, ok)
	assert.Equal(t, []string{"debug"}, body.Request.Remove)
	assert.Equal(t, []ir.Field{{Name: "source", Value: "gw"}}, body.Request.Add)

	assert.Equal(t, ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}, users.Routes[2].Match)
}

func TestTimeoutAndCircuitBreakerRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)},
		&ir.CircuitBreaker{MaxFailures: 5, OpenTimeout: values.Seconds(30), HalfOpenRequests: 2},
	)
	art, rep := export(t, topology(t, ir.Global{Timeout: values.Seconds(60)}, svc))
	require.False(t, rep.HasErrors(), rep.String())
	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, float64(5), doc.Get("routes.0.timeout.read").Float())
	assert.Equal(t, int64(502), doc.Get(`routes.0.plugins.api-breaker.break_response_code`).Int())
	assert.Equal(t, float64(60), doc.Get("upstreams.0.timeout.send").Float())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.Equal(t, values.Seconds(60), res.Topology.Global.Timeout)
	r := res.Topology.Services[0].Routes[0]
	timeout, ok := ir.PolicyOf[*ir.Timeout](r)
	require.True(t, ok)
	assert.Equal(t, ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)}, *timeout)
	cb, ok := ir.PolicyOf[*ir.CircuitBreaker](r)
	require.True(t, ok)
	assert.Equal(t, ir.CircuitBreaker{MaxFailures: 5, OpenTimeout: values.Seconds(30), HalfOpenRequests: 2}, *cb)
}

func TestWeightSplitRoundTrip(t *testing.T) {
	split := &ir.TrafficSplit{
		Mode: ir.SplitWeight,
		Targets: []ir.SplitTarget{
			{Name: "stable", Weight: 90, Upstream: &ir.Upstream{Targets: []ir.Target{
				{Host: "10.0.1.1", Port: 8080},
				{Host: "10.0.1.2", Port: 8080},
			}}},
			{Name: "canary", Weight: 10, Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.2.1", Port: 8080}}}},
		},
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(split)))
	require.False(t, rep.HasErrors(), rep.String())
	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, "users__split__stable", doc.Get("upstreams.1.id").String())
	assert.Equal(t, int64(90), doc.Get(`routes.0.plugins.traffic-split.rules.0.weighted_upstreams.0.weight`).Int())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.False(t, res.Report.HasWarnings(), res.Report.String())
	require.Len(t, res.Topology.Services, 1)

	got, ok := ir.PolicyOf[*ir.TrafficSplit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, ir.SplitWeight, got.Mode)
	require.Len(t, got.Targets, 2)
	assert.Equal(t, "stable", got.Targets[0].Name)
	assert.Equal(t, 90, got.Targets[0].Weight)
	assert.Equal(t, []ir.Target{{Host: "10.0.1.1", Port: 8080}, {Host: "10.0.1.2", Port: 8080}}, got.Targets[0].Upstream.Targets)
	assert.Equal(t, "canary", got.Targets[1].Name)
	assert.Equal(t, 10, got.Targets[1].Weight)
}

func TestRuleSplitRoundTrip(t *testing.T) {
	split := &ir.TrafficSplit{
		Mode:  ir.SplitRules,
		Rules: []ir.SplitRule{{Header: "X-Canary", Value: "1", Target: "canary"}},
		Targets: []ir.SplitTarget{
			{Name: "canary", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.2.1", Port: 8080}}}},
			{Name: "stable", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.1.1", Port: 8080}}}},
		},
		Fallback: "stable",
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(split)))
	require.False(t, rep.HasErrors(), rep.String())
	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, "users__split__stable", doc.Get("routes.0.upstream_id").String())
	assert.Equal(t, "http_x_canary", doc.Get(`routes.0.plugins.traffic-split.rules.0.match.0.vars.0.0`).String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	require.Len(t, res.Topology.Services, 1)
	require.Len(t, res.Topology.Services[0].Routes, 1)

	got, ok := ir.PolicyOf[*ir.TrafficSplit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, ir.SplitRules, got.Mode)
	assert.Equal(t, split.Rules, got.Rules)
	assert.Equal(t, "stable", got.Fallback)
	require.NotNil(t, got.Target("canary"))
	assert.Equal(t, "10.0.2.1", got.Target("canary").Upstream.Targets[0].Host)
	require.NotNil(t, got.Target("stable"))
	assert.Equal(t, "10.0.1.1", got.Target("stable").Upstream.Targets[0].Host)
}

func TestMirrorRoundTrip(t *testing.T) {
	mirror := &ir.Mirror{
		Name:             "shadow",
		Upstream:         ir.Upstream{Targets: []ir.Target{{Host: "10.0.3.1", Port: 8080}}},
		SamplePercentage: 25,
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(mirror)))
	require.False(t, rep.HasErrors(), rep.String())
	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, "http://10.0.3.1:8080", doc.Get(`routes.0.plugins.proxy-mirror.host`).String())
	assert.Equal(t, 0.25, doc.Get(`routes.0.plugins.proxy-mirror.sample_ratio`).Float())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.Empty(t, res.Unrecognized)
	got, ok := ir.PolicyOf[*ir.Mirror](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, "shadow", got.Name)
	assert.Equal(t, values.Percentage(25), got.SamplePercentage)
	assert.Equal(t, []ir.Target{{Host: "10.0.3.1", Port: 8080}}, got.Upstream.Targets)
}

func TestJWTRoundTrip(t *testing.T) {
	jwt := &ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
		Issuer:     "https://auth.example.com",
		Algorithms: []string{"ES256"},
		Header:     "X-Token",
	}}
	art, rep := export(t, topology(t, ir.Global{}, usersService(jwt)))
	require.False(t, rep.HasErrors(), rep.String())
	doc := gjson.ParseBytes(art.Primary().Content)
	assert.Equal(t, "https://auth.example.com", doc.Get(`consumers.0.plugins.jwt-auth.key`).String())
	assert.Equal(t, "iss", doc.Get(`routes.0.plugins.jwt-auth.key_claim_name`).String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	auth, ok := ir.PolicyOf[*ir.Authentication](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, jwt.JWT, auth.JWT)
}

const foreignConfig = `{
  "ssls": [{"cert": "abc"}],
  "upstreams": [
    {"id": "legacy", "type": "roundrobin", "nodes": {"10.0.0.9:9000": 1}},
    {"id": "orphan", "nodes": [{"host": "10.0.0.10", "port": 80, "weight": 1}]}
  ],
  "routes": [
    {
      "id": "legacy",
      "uri": "/legacy/*",
      "hosts": ["legacy.example.com"],
      "upstream_id": "legacy",
      "plugins": {"ip-restriction": {"whitelist": ["10.0.0.0/8"]}}
    },
    {
      "id": "broken",
      "uri": "/broken",
      "upstream_id": "missing"
    }
  ],
  "global_rules": [
    {"id": "1", "plugins": {"zipkin": {"endpoint": "http://zipkin:9411"}}}
  ]
}`

func TestImportForeignConfig(t *testing.T) {
	res := importText(foreignConfig)
	require.NotNil(t, res.Topology, res.Report.String())

	kinds := make([]string, 0, len(res.Unrecognized))
	for _, f := range res.Unrecognized {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []string{
		"key ssls",
		"route hosts",
		"plugin ip-restriction",
		"global plugin zipkin",
	}, kinds)

	errs := res.Report.Filter(report.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "routes[1]", errs[0].Path)
	assert.Greater(t, errs[0].Line, 0)

	var orphan bool
	for _, e := range res.Report.Filter(report.Warning) {
		if e.Path == "upstreams[1]" {
			orphan = true
		}
	}
	assert.True(t, orphan, res.Report.String())

	require.Len(t, res.Topology.Services, 1)
	svc := res.Topology.Services[0]
	assert.Equal(t, "legacy", svc.Name)
	assert.Equal(t, []ir.Target{{Host: "10.0.0.9", Port: 9000}}, svc.Upstream.Targets)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/legacy/"}, svc.Routes[0].Match)
}

func TestImportYAMLAndLimitCount(t *testing.T) {
	res := importText(`
upstreams:
- id: api
  nodes:
  - host: api.internal
    port: 8080
    weight: 1
routes:
- id: api
  uris: [/v1/*, /v2/*]
  upstream_id: api
  plugins:
    limit-count:
      count: 600
      time_window: 60
      key_type: var
      key: http_x_client_id
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.True(t, hasFeature(res.Report.Filter(report.Warning), capability.RateLimit))

	routes := res.Topology.Services[0].Routes
	require.Len(t, routes, 2)
	assert.Equal(t, "api", routes[0].Name)
	assert.Equal(t, "api-2", routes[1].Name)
	assert.Equal(t, "/v2/", routes[1].Match.Value)

	rl, ok := ir.PolicyOf[*ir.RateLimit](routes[1])
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(10)))
	assert.Equal(t, ir.RateLimitByHeader, rl.Key)
	assert.Equal(t, "X-Client-Id", rl.KeyName)
}

func TestImportMalformedJSON(t *testing.T) {
	res := importText(`{"routes": [`)
	assert.Nil(t, res.Topology)
	assert.True(t, res.Report.HasErrors())
}
