package kong

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	ctx := xlate.NewExportContext(capability.Kong, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.Kong, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func importText(text string) *xlate.ImportResult {
	return importArtifact(xlate.NewArtifact(capability.Kong, xlate.File{Name: ConfigFile, Content: []byte(text)}))
}

func hasFeature(entries []report.Entry, feature capability.Feature) bool {
	for _, e := range entries {
		if e.Feature == feature {
			return true
		}
	}
	return false
}

func TestExportWeightsAndRateLimit(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(100)}))
	art, rep := export(t, topo)
	assert.False(t, rep.HasErrors(), rep.String())

	out := string(art.Primary().Content)
	assert.True(t, strings.HasPrefix(out, "# "+xlate.GeneratedHeader))
	assert.Contains(t, out, "_format_version: \"3.0\"")
	assert.Contains(t, out, "target: 10.0.0.1:8080")
	assert.Contains(t, out, "weight: 3")
	assert.Contains(t, out, "weight: 1")
	assert.Contains(t, out, "name: rate-limiting")
	assert.Contains(t, out, "second: 100")
	assert.Contains(t, out, "policy: local")
	assert.Contains(t, out, "strip_path: false")
}

func TestExportIsDeterministic(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(10)},
		&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Keys: []string{"k1", "k2"}}},
		&ir.CORS{AllowOrigins: []string{"*"}},
	))
	a1, _ := export(t, topo)
	a2, _ := export(t, topo)
	assert.Equal(t, a1.Primary().Content, a2.Primary().Content)
	assert.Equal(t, a1.Digest(), a2.Digest())
}

func TestExportBurstIsWarning(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 200}))
	_, rep := export(t, topo)
	assert.False(t, rep.HasErrors())
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.RateLimitBurst), rep.String())
}

func TestExportRateLimitWindows(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerPeriod(30, 60e9)}))
	art, rep := export(t, topo)
	assert.False(t, rep.HasWarnings(), rep.String())
	assert.Contains(t, string(art.Primary().Content), "minute: 30")
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

func TestRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Key: ir.RateLimitByIP},
		&ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{
			Realm: "users",
			Users: []ir.BasicUser{{Username: "alice", Password: "s3cret"}, {Username: "bob", Password: "hunter2"}},
		}},
		&ir.CORS{AllowOrigins: []string{"https://app.example.com"}, AllowCredentials: true, MaxAge: values.Seconds(600)},
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
		Logging: ir.Logging{Enabled: true, Format: "json", AccessLog: "/var/log/kong/access.log"},
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
	assert.Equal(t, "/var/log/kong/access.log", got.Global.Logging.AccessLog)
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
	assert.Nil(t, users.Upstream.HealthCheck.Passive)
	require.Len(t, users.Routes, 3)

	r := users.Routes[0]
	assert.Equal(t, "list-users", r.Name)
	assert.Equal(t, values.GET|values.POST, r.Methods)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, r.Match)

	rl, ok := ir.PolicyOf[*ir.RateLimit](r)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, ir.RateLimitByIP, rl.Key)

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, ir.AuthBasic, auth.Type)
	assert.Equal(t, "users", auth.Basic.Realm)
	assert.Equal(t, []ir.BasicUser{{Username: "alice", Password: "s3cret"}, {Username: "bob", Password: "hunter2"}}, auth.Basic.Users)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)
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
	_, ok = ir.PolicyOf[*ir.Retry](d)
	assert.False(t, ok)

	assert.Equal(t, ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}, users.Routes[2].Match)
}

func TestTimeoutAndCircuitBreakerRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)},
		&ir.CircuitBreaker{MaxFailures: 5},
	)
	art, rep := export(t, topology(t, ir.Global{}, svc))
	require.False(t, rep.HasErrors(), rep.String())
	out := string(art.Primary().Content)
	assert.Contains(t, out, "connect_timeout: 1000")
	assert.Contains(t, out, "read_timeout: 5000")
	assert.Contains(t, out, "- circuit-breaker")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	r := res.Topology.Services[0].Routes[0]
	timeout, ok := ir.PolicyOf[*ir.Timeout](r)
	require.True(t, ok)
	assert.Equal(t, ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)}, *timeout)
	cb, ok := ir.PolicyOf[*ir.CircuitBreaker](r)
	require.True(t, ok)
	assert.Equal(t, 5, cb.MaxFailures)
	assert.Nil(t, res.Topology.Services[0].Upstream.HealthCheck)
}

func TestGlobalTimeoutRoundTrip(t *testing.T) {
	art, _ := export(t, topology(t, ir.Global{Timeout: values.Seconds(30)}, usersService()))
	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.Equal(t, values.Seconds(30), res.Topology.Global.Timeout)
	_, ok := ir.PolicyOf[*ir.Timeout](res.Topology.Services[0].Routes[0])
	assert.False(t, ok)
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
	out := string(art.Primary().Content)
	assert.Contains(t, out, "name: users__split__list-users")
	assert.Contains(t, out, "- split:stable:90")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	require.Len(t, res.Topology.Services, 1)
	r := res.Topology.Services[0].Routes[0]
	assert.Equal(t, "list-users", r.Name)

	got, ok := ir.PolicyOf[*ir.TrafficSplit](r)
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
		Rules: []ir.SplitRule{{Header: "x-canary", Value: "1", Target: "canary"}},
		Targets: []ir.SplitTarget{
			{Name: "canary", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.2.1", Port: 8080}}}},
			{Name: "stable", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.1.1", Port: 8080}}}},
		},
		Fallback: "stable",
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(split)))
	require.False(t, rep.HasErrors(), rep.String())
	out := string(art.Primary().Content)
	assert.Contains(t, out, "name: list-users__rule0")
	assert.Contains(t, out, "x-canary:\n")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
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
	assert.Contains(t, string(art.Primary().Content), "name: pre-function")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.Empty(t, res.Unrecognized)
	got, ok := ir.PolicyOf[*ir.Mirror](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, "shadow", got.Name)
	assert.Equal(t, values.Percentage(25), got.SamplePercentage)
	assert.Equal(t, []ir.Target{{Host: "10.0.3.1", Port: 8080}}, got.Upstream.Targets)
}

func TestImportJWTFromConsumer(t *testing.T) {
	res := importText(`
_format_version: "3.0"
services:
- name: orders
  url: https://orders.internal:8443/
  routes:
  - name: orders
    paths: [/orders]
    plugins:
    - name: jwt
      config:
        key_claim_name: iss
        header_names: [x-token]
    - name: acl
      config:
        allow: [orders]
consumers:
- username: issuer
  acls:
  - group: orders
  jwt_secrets:
  - key: https://auth.example.com
    algorithm: ES256
- username: other
  jwt_secrets:
  - key: https://other.example.com
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	svc := res.Topology.Services[0]
	assert.Equal(t, "https", svc.Protocol)
	assert.Equal(t, []ir.Target{{Host: "orders.internal", Port: 8443}}, svc.Upstream.Targets)

	auth, ok := ir.PolicyOf[*ir.Authentication](svc.Routes[0])
	require.True(t, ok)
	assert.Equal(t, &ir.JWTAuth{
		Issuer:     "https://auth.example.com",
		Algorithms: []string{"ES256"},
		Header:     "x-token",
	}, auth.JWT)
}

const foreignConfig = `
_format_version: "3.0"
certificates:
- cert: abc
services:
- name: legacy
  url: http://legacy.internal:9000
  routes:
  - name: legacy
    hosts: [legacy.example.com]
    paths: [/legacy]
    plugins:
    - name: request-termination
      config:
        status_code: 503
- name: broken
  host: broken.internal
  connect_timeout: soon
plugins:
- name: bot-detection
`

func TestImportForeignConfig(t *testing.T) {
	res := importText(foreignConfig)
	require.NotNil(t, res.Topology, res.Report.String())

	kinds := make([]string, 0, len(res.Unrecognized))
	for _, f := range res.Unrecognized {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []string{
		"key certificates",
		"route hosts",
		"plugin request-termination",
		"global plugin bot-detection",
	}, kinds)

	errs := res.Report.Filter(report.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "services[1]", errs[0].Path)
	assert.Greater(t, errs[0].Line, 0)

	require.Len(t, res.Topology.Services, 1)
	svc := res.Topology.Services[0]
	assert.Equal(t, "legacy", svc.Name)
	assert.Equal(t, []ir.Target{{Host: "legacy.internal", Port: 9000}}, svc.Upstream.Targets)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/legacy"}, svc.Routes[0].Match)
}

func TestImportLossyRateLimit(t *testing.T) {
	res := importText(`
_format_version: "3.0"
services:
- name: api
  host: api.internal
  routes:
  - name: api
    paths: [/]
    plugins:
    - name: rate-limiting
      config:
        minute: 600
        hour: 10000
        limit_by: header
        header_name: x-client
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.True(t, hasFeature(res.Report.Filter(report.Warning), capability.RateLimit))
	rl, ok := ir.PolicyOf[*ir.RateLimit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(10)))
	assert.Equal(t, ir.RateLimitByHeader, rl.Key)
	assert.Equal(t, "x-client", rl.KeyName)
}

func TestImportMalformedYAML(t *testing.T) {
	res := importText("services: [\n")
	assert.Nil(t, res.Topology)
	assert.True(t, res.Report.HasErrors())
}
