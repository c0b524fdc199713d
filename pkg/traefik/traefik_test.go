package traefik

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

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
	ctx := xlate.NewExportContext(capability.Traefik, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.Traefik, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func importText(text string) *xlate.ImportResult {
	return importArtifact(xlate.NewArtifact(capability.Traefik, xlate.File{Name: ConfigFile, Content: []byte(text)}))
}

func decode(t *testing.T, content []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, yaml.Unmarshal(content, &out))
	return out
}

// lookup follows keys through nested maps and sequences.
func lookup(v any, keys ...any) any {
	for _, k := range keys {
		switch x := v.(type) {
		case map[string]any:
			v = x[k.(string)]
		case []any:
			i := k.(int)
			if i >= len(x) {
				return nil
			}
			v = x[i]
		default:
			return nil
		}
	}
	return v
}

func hasFeature(entries []report.Entry, feature capability.Feature) bool {
	for _, e := range entries {
		if e.Feature == feature {
			return true
		}
	}
	return false
}

func fragmentKinds(res *xlate.ImportResult) []string {
	var kinds []string
	for _, f := range res.Unrecognized {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

func TestRouteRule(t *testing.T) {
	r := &ir.Route{Match: ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api"}, Methods: values.GET | values.POST}
	assert.Equal(t, "PathPrefix(`/api`) && (Method(`GET`) || Method(`POST`))", routeRule(r))

	r = &ir.Route{Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/a`b"}, Methods: values.DELETE}
	assert.Equal(t, "Path(\"/a`b\") && Method(`DELETE`)", routeRule(r))

	r = &ir.Route{Match: ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/"}}
	assert.Equal(t, "PathRegexp(`^/v[0-9]+/`)", routeRule(r))
}

func TestParseRule(t *testing.T) {
	x, err := parseRule("Host(`a.example.com`) && (PathPrefix(`/x`) || Path(\"/y\")) && Method(`GET`)")
	require.NoError(t, err)
	rm := interpret(x)
	assert.Equal(t, []ir.PathMatch{
		{Kind: ir.MatchPrefix, Value: "/x"},
		{Kind: ir.MatchExact, Value: "/y"},
	}, rm.paths)
	assert.Equal(t, values.GET, rm.methods)
	assert.Equal(t, []string{"Host(`a.example.com`)"}, rm.other)

	x, err = parseRule("PathPrefix(`/a`) && !Header(`X-Debug`, `1`) && Header(`X-Canary`, `yes`)")
	require.NoError(t, err)
	rm = interpret(x)
	assert.Equal(t, []ir.Header{{Name: "X-Canary", Value: "yes"}}, rm.headers)
	assert.Equal(t, []string{"!Header(`X-Debug`, `1`)"}, rm.other)

	x, err = parseRule("PathPrefix(`/a`) || Method(`GET`)")
	require.NoError(t, err)
	rm = interpret(x)
	assert.Empty(t, rm.paths)
	assert.Len(t, rm.other, 1)

	for _, bad := range []string{"PathPrefix(`/a`", "PathPrefix(`/a`) &", "&& Path(`/`)", "Path(`/`) Path(`/b`)"} {
		_, err = parseRule(bad)
		assert.Error(t, err, bad)
	}
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
	require.Len(t, art.Files, 2)
	assert.Equal(t, ConfigFile, art.Primary().Name)

	doc := decode(t, art.Primary().Content)
	http := lookup(doc, "http")
	assert.Equal(t, "PathPrefix(`/api/users`) && (Method(`GET`) || Method(`POST`))", lookup(http, "routers", "list-users", "rule"))
	assert.Equal(t, "users", lookup(http, "routers", "list-users", "service"))
	assert.Equal(t, []any{"list-users-rate-limit"}, lookup(http, "routers", "list-users", "middlewares"))

	servers := lookup(http, "services", "users", "loadBalancer", "servers")
	assert.Equal(t, "http://10.0.0.1:8080", lookup(servers, 0, "url"))
	assert.Equal(t, 3, lookup(servers, 0, "weight"))
	assert.Equal(t, 1, lookup(servers, 1, "weight"))

	rl := lookup(http, "middlewares", "list-users-rate-limit", "rateLimit")
	assert.Equal(t, 100, lookup(rl, "average"))
	assert.Equal(t, "1s", lookup(rl, "period"))
	assert.Equal(t, 200, lookup(rl, "burst"))
	assert.Nil(t, lookup(rl, "sourceCriterion"))

	static := decode(t, art.Files[1].Content)
	assert.Equal(t, ":8080", lookup(static, "entryPoints", "web", "address"))
	assert.Equal(t, ConfigFile, lookup(static, "providers", "file", "filename"))
}

func TestExportFractionalRate(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.5)}))
	art, rep := export(t, topo)
	assert.False(t, rep.HasWarnings(), rep.String())
	rl := lookup(decode(t, art.Primary().Content), "http", "middlewares", "list-users-rate-limit", "rateLimit")
	assert.Equal(t, 30, lookup(rl, "average"))
	assert.Equal(t, "1m", lookup(rl, "period"))

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	got, ok := ir.PolicyOf[*ir.RateLimit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.True(t, got.RequestsPerSecond.Equal(values.PerSecond(0.5)))
	assert.Equal(t, ir.RateLimitGlobal, got.Key)

	topo = topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.123)}))
	_, rep = export(t, topo)
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.RateLimit), rep.String())
}

func TestExportUnsupportedAuthIsOmitted(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(
		&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Keys: []string{"k1"}}},
		&ir.BodyTransform{Request: ir.BodyOps{Remove: []string{"debug"}}},
	))
	art, rep := export(t, topo)
	assert.False(t, rep.HasErrors(), rep.String())
	warnings := rep.Filter(report.Warning)
	assert.True(t, hasFeature(warnings, capability.AuthAPIKey))
	assert.True(t, hasFeature(warnings, capability.BodyTransform))
	assert.Nil(t, lookup(decode(t, art.Primary().Content), "http", "middlewares"))
}

func TestRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 50, Key: ir.RateLimitByHeader, KeyName: "X-Client"},
		&ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{
			Realm: "users",
			Users: []ir.BasicUser{{Username: "alice", Password: "s3cret"}},
		}},
		&ir.CORS{
			AllowOrigins:     []string{"https://app.example.com"},
			AllowMethods:     values.GET | values.POST,
			AllowCredentials: true,
			MaxAge:           values.Seconds(600),
		},
		&ir.Headers{
			Request:  ir.HeaderOps{Set: []ir.Header{{Name: "X-Env", Value: "prod"}}, Remove: []string{"X-Internal"}},
			Response: ir.HeaderOps{Remove: []string{"Server"}},
		},
		&ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)},
		&ir.Retry{Attempts: 3},
		&ir.CircuitBreaker{OpenTimeout: values.Seconds(30), MaxRequests: 100},
	)
	svc.Upstream.HealthCheck = &ir.HealthCheck{Active: &ir.ActiveHealthCheck{
		Path:             "/healthz",
		Interval:         values.Seconds(5),
		Timeout:          values.Seconds(2),
		ExpectedStatuses: []int{200},
	}}
	svc.Routes = append(svc.Routes,
		&ir.Route{Name: "download", Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"}},
		&ir.Route{Name: "versioned", Match: ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}},
	)
	global := ir.Global{
		Port:      9000,
		AdminPort: 9090,
		Timeout:   values.Seconds(60),
		Logging:   ir.Logging{Enabled: true, Format: "json", AccessLog: "/var/log/traefik/access.log"},
		Metrics:   ir.Metrics{Enabled: true, Port: 9100},
	}
	art, rep := export(t, topology(t, global, svc))
	require.False(t, rep.HasErrors(), rep.String())

	dynamic := decode(t, art.Primary().Content)
	assert.Equal(t, "users", lookup(dynamic, "http", "services", "users", "loadBalancer", "serversTransport"))
	assert.Equal(t, "5s", lookup(dynamic, "http", "serversTransports", "users", "forwardingTimeouts", "responseHeaderTimeout"))
	static := decode(t, art.Files[1].Content)
	assert.Equal(t, ":9090", lookup(static, "entryPoints", "traefik", "address"))
	assert.Equal(t, "metrics", lookup(static, "metrics", "prometheus", "entryPoint"))

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	got := res.Topology
	assert.Equal(t, 9000, got.Global.Port)
	assert.Equal(t, 9090, got.Global.AdminPort)
	assert.Equal(t, values.Seconds(60), got.Global.Timeout)
	assert.Equal(t, ir.Logging{Enabled: true, Level: "info", Format: "json", AccessLog: "/var/log/traefik/access.log"}, got.Global.Logging)
	assert.Equal(t, ir.Metrics{Enabled: true, Path: ir.DefaultMetricsPath, Port: 9100}, got.Global.Metrics)
	require.Len(t, got.Services, 1)

	users := got.Services[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{
		{Host: "10.0.0.1", Port: 8080, Weight: 3},
		{Host: "10.0.0.2", Port: 8080, Weight: 1},
	}, users.Upstream.Targets)
	require.NotNil(t, users.Upstream.HealthCheck)
	assert.Equal(t, svc.Upstream.HealthCheck.Active, users.Upstream.HealthCheck.Active)
	require.Len(t, users.Routes, 3)

	r := users.Routes[0]
	assert.Equal(t, "list-users", r.Name)
	assert.Equal(t, values.GET|values.POST, r.Methods)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, r.Match)

	rl, ok := ir.PolicyOf[*ir.RateLimit](r)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, 50, rl.Burst)
	assert.Equal(t, ir.RateLimitByHeader, rl.Key)
	assert.Equal(t, "X-Client", rl.KeyName)

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, "users", auth.Basic.Realm)
	assert.Equal(t, []ir.BasicUser{{Username: "alice", Password: xlate.Htpasswd("s3cret")}}, auth.Basic.Users)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)
	assert.Equal(t, values.GET|values.POST, cors.AllowMethods)
	assert.True(t, cors.AllowCredentials)
	assert.Equal(t, values.Seconds(600), cors.MaxAge)

	headers, ok := ir.PolicyOf[*ir.Headers](r)
	require.True(t, ok)
	assert.Equal(t, []ir.Header{{Name: "X-Env", Value: "prod"}}, headers.Request.Set)
	assert.Equal(t, []string{"X-Internal"}, headers.Request.Remove)
	assert.Equal(t, []string{"Server"}, headers.Response.Remove)

	timeout, ok := ir.PolicyOf[*ir.Timeout](r)
	require.True(t, ok)
	assert.Equal(t, ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)}, *timeout)

	retry, ok := ir.PolicyOf[*ir.Retry](r)
	require.True(t, ok)
	assert.Equal(t, 3, retry.Attempts)

	cb, ok := ir.PolicyOf[*ir.CircuitBreaker](r)
	require.True(t, ok)
	assert.Equal(t, ir.CircuitBreaker{OpenTimeout: values.Seconds(30), MaxRequests: 100}, *cb)

	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"}, users.Routes[1].Match)
	assert.True(t, users.Routes[1].Methods.Any())
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}, users.Routes[2].Match)
}

func TestConsistentHashOnCookie(t *testing.T) {
	svc := usersService()
	svc.Upstream = ir.Upstream{
		Algorithm: ir.ConsistentHash,
		HashKey:   &ir.HashKey{Source: ir.HashCookie, Name: "session"},
		Targets:   []ir.Target{{Host: "10.0.0.1", Port: 8080}, {Host: "10.0.0.2", Port: 8080}},
	}
	art, rep := export(t, topology(t, ir.Global{}, svc))
	require.False(t, rep.HasErrors(), rep.String())
	assert.Equal(t, "session", lookup(decode(t, art.Primary().Content), "http", "services", "users", "loadBalancer", "sticky", "cookie", "name"))

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	up := res.Topology.Services[0].Upstream
	assert.Equal(t, ir.ConsistentHash, up.Algorithm)
	assert.Equal(t, &ir.HashKey{Source: ir.HashCookie, Name: "session"}, up.HashKey)
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
	http := lookup(decode(t, art.Primary().Content), "http")
	assert.Equal(t, "list-users__weighted", lookup(http, "routers", "list-users", "service"))
	assert.Equal(t, "users__split__stable", lookup(http, "services", "list-users__weighted", "weighted", "services", 0, "name"))
	assert.Equal(t, 90, lookup(http, "services", "list-users__weighted", "weighted", "services", 0, "weight"))

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.False(t, res.Report.HasWarnings(), res.Report.String())
	require.Len(t, res.Topology.Services, 1)
	assert.Equal(t, "users", res.Topology.Services[0].Name)

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
	art, rep := export(t, topology(t, ir.Global{}, usersService(&ir.Retry{Attempts: 2}, split)))
	require.False(t, rep.HasErrors(), rep.String())
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.TrafficSplitRules))

	routers := lookup(decode(t, art.Primary().Content), "http", "routers")
	assert.Equal(t, "users__split__stable", lookup(routers, "list-users", "service"))
	rule := lookup(routers, "list-users__rule0")
	require.NotNil(t, rule)
	assert.Equal(t, "users__split__canary", lookup(rule, "service"))
	assert.Equal(t, "PathPrefix(`/api/users`) && (Method(`GET`) || Method(`POST`)) && Header(`X-Canary`, `1`)", lookup(rule, "rule"))
	assert.Equal(t, []any{"list-users-retry"}, lookup(rule, "middlewares"))

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
	assert.False(t, rep.HasWarnings(), rep.String())
	http := lookup(decode(t, art.Primary().Content), "http")
	assert.Equal(t, "list-users__mirroring", lookup(http, "routers", "list-users", "service"))
	assert.Equal(t, "users", lookup(http, "services", "list-users__mirroring", "mirroring", "service"))
	assert.Equal(t, 25, lookup(http, "services", "list-users__mirroring", "mirroring", "mirrors", 0, "percent"))

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.Empty(t, res.Unrecognized)
	assert.False(t, res.Report.HasWarnings(), res.Report.String())
	got, ok := ir.PolicyOf[*ir.Mirror](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, "shadow", got.Name)
	assert.Equal(t, values.Percentage(25), got.SamplePercentage)
	assert.Equal(t, []ir.Target{{Host: "10.0.3.1", Port: 8080}}, got.Upstream.Targets)
}

func TestExportMirrorBelowOnePercentIsDropped(t *testing.T) {
	mirror := &ir.Mirror{
		Name:             "shadow",
		Upstream:         ir.Upstream{Targets: []ir.Target{{Host: "10.0.3.1", Port: 8080}}},
		SamplePercentage: 0.25,
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(mirror)))
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.Mirror), rep.String())
	assert.Equal(t, "users", lookup(decode(t, art.Primary().Content), "http", "routers", "list-users", "service"))
}

const foreignConfig = `http:
  routers:
    web-app:
      entryPoints: [websecure]
      rule: Host(` + "`app.example.com`" + `) && PathPrefix(` + "`/app`" + `)
      service: app@file
      middlewares: [strip, auth@file]
      tls: {}
    broken:
      rule: PathPrefix(` + "`/broken`" + `
      service: app
  middlewares:
    strip:
      stripPrefix:
        prefixes: [/app]
    auth:
      basicAuth:
        users:
          - "test:$apr1$H6uskkkW$IgXLP6ewTrSuBkTrqE8wj/"
  services:
    app:
      loadBalancer:
        servers:
          - url: http://10.0.0.5
          - url: http://10.0.0.6:8081
    unused:
      loadBalancer:
        servers:
          - url: http://10.0.0.7:80
tcp:
  routers: {}
`

func TestImportForeignConfig(t *testing.T) {
	res := importText(foreignConfig)
	require.NotNil(t, res.Topology, res.Report.String())

	kinds := fragmentKinds(res)
	assert.Contains(t, kinds, "key tcp")
	assert.Contains(t, kinds, "router tls")
	assert.Contains(t, kinds, "router rule")
	assert.Contains(t, kinds, "middleware stripPrefix")

	errs := res.Report.Filter(report.Error)
	require.Len(t, errs, 1, res.Report.String())
	assert.Equal(t, "http.routers.broken.rule", errs[0].Path)
	assert.Greater(t, errs[0].Line, 0)

	var orphan bool
	for _, w := range res.Report.Filter(report.Warning) {
		if w.Path == "http.services.unused" {
			orphan = true
		}
	}
	assert.True(t, orphan, res.Report.String())

	require.Len(t, res.Topology.Services, 1)
	app := res.Topology.Services[0]
	assert.Equal(t, "app", app.Name)
	assert.Equal(t, ir.RoundRobin, app.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{{Host: "10.0.0.5", Port: 80}, {Host: "10.0.0.6", Port: 8081}}, app.Upstream.Targets)
	require.Len(t, app.Routes, 1)
	r := app.Routes[0]
	assert.Equal(t, "web-app", r.Name)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/app"}, r.Match)
	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, "test", auth.Basic.Users[0].Username)
}

func TestImportStaticWithoutDynamicEntryPoint(t *testing.T) {
	dynamic := "http:\n  routers:\n    r:\n      entryPoints: [http]\n      rule: PathPrefix(`/`)\n      service: s\n" +
		"  services:\n    s:\n      loadBalancer:\n        servers:\n          - url: h2c://10.0.0.1:9000\n"
	static := "entryPoints:\n  http:\n    address: 127.0.0.1:8000\nlog:\n  level: TRACE\nexperimental:\n  plugins: {}\n"
	res := importArtifact(xlate.NewArtifact(capability.Traefik,
		xlate.File{Name: ConfigFile, Content: []byte(dynamic)},
		xlate.File{Name: StaticFile, Content: []byte(static)},
	))
	require.NotNil(t, res.Topology, res.Report.String())
	g := res.Topology.Global
	assert.Equal(t, "127.0.0.1", g.Host)
	assert.Equal(t, 8000, g.Port)
	assert.Equal(t, "debug", g.Logging.Level)
	assert.True(t, hasFeature(res.Report.Filter(report.Warning), capability.GlobalLogging))
	assert.Contains(t, fragmentKinds(res), "key experimental")
	assert.Equal(t, "grpc", res.Topology.Services[0].Protocol)
}

func TestImportMalformedYAML(t *testing.T) {
	res := importText("http:\n  routers: [\n")
	assert.Nil(t, res.Topology)
	assert.True(t, res.Report.HasErrors())
}
