package haproxy

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
	ctx := xlate.NewExportContext(capability.HAProxy, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.HAProxy, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func importText(text string) *xlate.ImportResult {
	return importArtifact(xlate.NewArtifact(capability.HAProxy, xlate.File{Name: ConfigFile, Content: []byte(text)}))
}

func lines(art *xlate.Artifact) []string {
	var out []string
	for _, l := range strings.Split(string(art.Primary().Content), "\n") {
		out = append(out, strings.TrimSpace(l))
	}
	return out
}

func hasFeature(entries []report.Entry, feature capability.Feature) bool {
	for _, e := range entries {
		if e.Feature == feature {
			return true
		}
	}
	return false
}

func hasMessage(entries []report.Entry, substr string) bool {
	for _, e := range entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func errorLines(rep *report.Report) []int {
	var out []int
	for _, e := range rep.Filter(report.Error) {
		out = append(out, e.Line)
	}
	return out
}

func fragmentKinds(res *xlate.ImportResult) []string {
	var kinds []string
	for _, f := range res.Unrecognized {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "path_beg", quote("path_beg"))
	assert.Equal(t, "'GET, POST'", quote("GET, POST"))
	assert.Equal(t, `"it's \$HOME"`, quote("it's $HOME"))
	assert.Equal(t, "''", quote(""))

	d, err := parseTime("1500")
	require.NoError(t, err)
	assert.Equal(t, values.Milliseconds(1500), d)
	d, err = parseTime("2d")
	require.NoError(t, err)
	assert.Equal(t, values.Seconds(2*24*3600), d)
	_, err = parseTime("soon")
	assert.Error(t, err)

	v, dynamic := unescapeFormat(escapeFormat("100%"))
	assert.Equal(t, "100%", v)
	assert.False(t, dynamic)
	_, dynamic = unescapeFormat("%[src]")
	assert.True(t, dynamic)

	acls, ok := condition([]string{"use_backend", "b", "if", "route:a", "!auth:a"})
	assert.True(t, ok)
	assert.Equal(t, []string{"route:a", "!auth:a"}, acls)
	_, ok = condition([]string{"deny", "unless", "ok"})
	assert.False(t, ok)
	_, ok = condition([]string{"deny", "if", "a", "||", "b"})
	assert.False(t, ok)
	_, ok = condition([]string{"deny", "if", "{", "src", "10.0.0.1", "}"})
	assert.False(t, ok)

	name, ok := fetchArg("req.hdr(X-Client)", "req.hdr")
	assert.True(t, ok)
	assert.Equal(t, "X-Client", name)

	conds, leftover := retryConditions([]string{"all-retryable-errors", "408", "0rtt-rejected"})
	assert.Equal(t, []string{"5xx", "connect-failure", "reset", "timeout", "retriable-4xx"}, conds)
	assert.Equal(t, []string{"0rtt-rejected"}, leftover)
}

func TestExportWeightsAndRateLimit(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{
		RequestsPerSecond: values.PerSecond(100),
		Burst:             200,
		Key:               ir.RateLimitByIP,
	}))
	art, rep := export(t, topo)
	assert.False(t, rep.HasErrors(), rep.String())
	require.Len(t, art.Files, 1)
	assert.Equal(t, ConfigFile, art.Primary().Name)
	assert.True(t, strings.HasPrefix(string(art.Primary().Content), "# "+xlate.GeneratedHeader+"\n"))

	warnings := rep.Filter(report.Warning)
	assert.True(t, hasFeature(warnings, capability.RateLimitBurst), rep.String())

	got := lines(art)
	assert.Contains(t, got, "bind :8080")
	assert.Contains(t, got, "backend users")
	assert.Contains(t, got, "balance roundrobin")
	assert.Contains(t, got, "server srv1 10.0.0.1:8080 weight 3")
	assert.Contains(t, got, "server srv2 10.0.0.2:8080 weight 1")
	assert.Contains(t, got, "acl path:list-users path_beg /api/users")
	assert.Contains(t, got, "acl methods:list-users method GET POST")
	assert.Contains(t, got, "http-request set-var(txn.route) str(list-users) if !has_route path:list-users methods:list-users")
	assert.Contains(t, got, "stick-table type ip size 100k expire 1s store http_req_rate(1s)")
	assert.Contains(t, got, "acl ratelimit:list-users sc_http_req_rate(0,ratelimit:list-users) gt 100")
	assert.Contains(t, got, "http-request track-sc0 src table ratelimit:list-users if route:list-users")
	assert.Contains(t, got, "http-request deny deny_status 429 if route:list-users ratelimit:list-users")
	assert.Contains(t, got, "use_backend users if route:list-users")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)
	require.Len(t, res.Topology.Services, 1)
	users := res.Topology.Services[0]
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, 3, users.Upstream.Targets[0].Weight)

	rl, ok := ir.PolicyOf[*ir.RateLimit](users.Routes[0])
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, ir.RateLimitByIP, rl.Key)
	assert.Zero(t, rl.Burst)
}

func TestExportFractionalRate(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.5)}))
	art, rep := export(t, topo)
	assert.False(t, hasMessage(rep.Filter(report.Warning), "rounded"), rep.String())
	got := lines(art)
	assert.Contains(t, got, "stick-table type integer size 100k expire 1m store http_req_rate(1m)")
	assert.Contains(t, got, "acl ratelimit:list-users sc_http_req_rate(0,ratelimit:list-users) gt 30")
	assert.Contains(t, got, "http-request track-sc0 int(1) table ratelimit:list-users if route:list-users")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	rl, ok := ir.PolicyOf[*ir.RateLimit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(0.5)))
	assert.Equal(t, ir.RateLimitGlobal, rl.Key)

	topo = topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.123)}))
	art, rep = export(t, topo)
	assert.True(t, hasMessage(rep.Filter(report.Warning), "rounded to 7 per minute"), rep.String())
	assert.Contains(t, lines(art), "acl ratelimit:list-users sc_http_req_rate(0,ratelimit:list-users) gt 7")

	topo = topology(t, ir.Global{}, usersService(&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.001)}))
	art, _ = export(t, topo)
	assert.Contains(t, lines(art), "acl ratelimit:list-users sc_http_req_rate(0,ratelimit:list-users) gt 1")
}

func TestExportUnsupportedIsOmitted(t *testing.T) {
	svc := usersService(
		&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{Issuer: "https://issuer.example.com"}},
		&ir.BodyTransform{Request: ir.BodyOps{Remove: []string{"debug"}}},
		&ir.Mirror{Name: "shadow", Upstream: ir.Upstream{Targets: []ir.Target{{Host: "10.0.9.1", Port: 80}}}},
	)
	art, rep := export(t, topology(t, ir.Global{}, svc))
	assert.False(t, rep.HasErrors(), rep.String())
	warnings := rep.Filter(report.Warning)
	assert.True(t, hasFeature(warnings, capability.AuthJWT))
	assert.True(t, hasFeature(warnings, capability.BodyTransform))
	assert.True(t, hasFeature(warnings, capability.Mirror))
	conf := string(art.Primary().Content)
	assert.NotContains(t, conf, "jwt")
	assert.NotContains(t, conf, "__mirror__")
}

func TestExportServiceScopedDisagreement(t *testing.T) {
	svc := usersService(&ir.Timeout{Request: values.Seconds(5)})
	svc.Routes = append(svc.Routes, &ir.Route{
		Name:     "get-user",
		Match:    ir.PathMatch{Kind: ir.MatchRegex, Value: "^/api/users/[0-9]+$"},
		Policies: []ir.Policy{&ir.Timeout{Request: values.Seconds(10)}},
	})
	art, rep := export(t, topology(t, ir.Global{}, svc))
	assert.False(t, rep.HasErrors(), rep.String())
	assert.True(t, hasFeature(rep.Filter(report.Warning), capability.Timeout), rep.String())
	got := lines(art)
	assert.Contains(t, got, "timeout server 5s")
	assert.NotContains(t, got, "timeout server 10s")
	assert.Contains(t, got, "acl path:get-user path_reg '^/api/users/[0-9]+$'")
}

func TestRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Key: ir.RateLimitByHeader, KeyName: "X-Client"},
		&ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{
			Realm: "users",
			Users: []ir.BasicUser{{Username: "alice", Password: "s3cret"}},
		}},
		&ir.CORS{
			AllowOrigins:     []string{"https://app.example.com"},
			AllowMethods:     values.GET | values.POST,
			AllowHeaders:     []string{"Authorization"},
			ExposeHeaders:    []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           values.Seconds(600),
		},
		&ir.Headers{
			Request:  ir.HeaderOps{Set: []ir.Header{{Name: "X-Env", Value: "prod"}}, Remove: []string{"X-Internal"}},
			Response: ir.HeaderOps{Add: []ir.Header{{Name: "X-Load", Value: "50%"}}, Remove: []string{"Server"}},
		},
		&ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)},
		&ir.Retry{Attempts: 3},
		&ir.CircuitBreaker{MaxConnections: 100, MaxPendingRequests: 10},
	)
	svc.Protocol = "https"
	svc.Upstream.HealthCheck = &ir.HealthCheck{
		Active: &ir.ActiveHealthCheck{
			Path:               "/healthz",
			Interval:           values.Seconds(5),
			Timeout:            values.Seconds(2),
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			ExpectedStatuses:   []int{200, 204},
		},
		Passive: &ir.PassiveHealthCheck{MaxFailures: 3, EjectionTime: values.Seconds(30)},
	}
	svc.Routes = append(svc.Routes,
		&ir.Route{Name: "download", Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"}},
		&ir.Route{Name: "versioned", Match: ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}},
	)
	global := ir.Global{
		Port:      9000,
		AdminPort: 9090,
		Timeout:   values.Seconds(60),
		Logging:   ir.Logging{Enabled: true, Level: "warn", Format: "json"},
		Metrics:   ir.Metrics{Enabled: true, Port: 9100},
	}
	art, rep := export(t, topology(t, global, svc))
	require.False(t, rep.HasErrors(), rep.String())

	got := lines(art)
	assert.Contains(t, got, "log stdout format raw local0 warning")
	assert.Contains(t, got, "timeout server 1m")
	assert.Contains(t, got, "userlist auth:list-users")
	assert.Contains(t, got, "user alice insecure-password s3cret")
	assert.Contains(t, got, "http-request auth realm users if route:list-users !auth:list-users")
	assert.Contains(t, got, "http-response add-header X-Load 50%% if route:list-users")
	assert.Contains(t, got, "option httpchk GET /healthz")
	assert.Contains(t, got, "http-check expect rstatus '^(200|204)$'")
	assert.Contains(t, got, "retry-on 500 502 503 504 conn-failure")
	assert.Contains(t, got, "server srv1 10.0.0.1:8080 weight 3 check ssl verify required ca-file @system-ca")
	assert.Contains(t, got, "listen admin")
	assert.Contains(t, got, "frontend metrics")
	assert.Contains(t, got, "bind :9100")
	assert.True(t, hasFeature(rep.Filter(report.Info), capability.AuthBasic), rep.String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	topo := res.Topology
	assert.Equal(t, 9000, topo.Global.Port)
	assert.Equal(t, 9090, topo.Global.AdminPort)
	assert.Equal(t, values.Seconds(60), topo.Global.Timeout)
	assert.Equal(t, ir.Logging{Enabled: true, Level: "warn", Format: "json"}, topo.Global.Logging)
	assert.Equal(t, ir.Metrics{Enabled: true, Path: ir.DefaultMetricsPath, Port: 9100}, topo.Global.Metrics)
	require.Len(t, topo.Services, 1)

	users := topo.Services[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, "https", users.Protocol)
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{
		{Host: "10.0.0.1", Port: 8080, Weight: 3},
		{Host: "10.0.0.2", Port: 8080, Weight: 1},
	}, users.Upstream.Targets)
	require.NotNil(t, users.Upstream.HealthCheck)
	assert.Equal(t, svc.Upstream.HealthCheck.Active, users.Upstream.HealthCheck.Active)
	assert.Equal(t, svc.Upstream.HealthCheck.Passive, users.Upstream.HealthCheck.Passive)
	require.Len(t, users.Routes, 3)

	r := users.Routes[0]
	assert.Equal(t, "list-users", r.Name)
	assert.Equal(t, values.GET|values.POST, r.Methods)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, r.Match)

	rl, ok := ir.PolicyOf[*ir.RateLimit](r)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, ir.RateLimitByHeader, rl.Key)
	assert.Equal(t, "X-Client", rl.KeyName)

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, "users", auth.Basic.Realm)
	assert.Equal(t, []ir.BasicUser{{Username: "alice", Password: "s3cret"}}, auth.Basic.Users)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)
	assert.Equal(t, values.GET|values.POST, cors.AllowMethods)
	assert.Equal(t, []string{"Authorization"}, cors.AllowHeaders)
	assert.Equal(t, []string{"X-Request-Id"}, cors.ExposeHeaders)
	assert.True(t, cors.AllowCredentials)
	assert.Equal(t, values.Seconds(600), cors.MaxAge)

	headers, ok := ir.PolicyOf[*ir.Headers](r)
	require.True(t, ok)
	assert.Equal(t, []ir.Header{{Name: "X-Env", Value: "prod"}}, headers.Request.Set)
	assert.Equal(t, []string{"X-Internal"}, headers.Request.Remove)
	assert.Equal(t, []ir.Header{{Name: "X-Load", Value: "50%"}}, headers.Response.Add)
	assert.Equal(t, []string{"Server"}, headers.Response.Remove)

	timeout, ok := ir.PolicyOf[*ir.Timeout](r)
	require.True(t, ok)
	assert.Equal(t, ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)}, *timeout)

	retry, ok := ir.PolicyOf[*ir.Retry](r)
	require.True(t, ok)
	assert.Equal(t, 3, retry.Attempts)
	assert.Equal(t, ir.DefaultRetryOn, retry.Conditions())

	cb, ok := ir.PolicyOf[*ir.CircuitBreaker](r)
	require.True(t, ok)
	assert.Equal(t, ir.CircuitBreaker{MaxConnections: 100, MaxPendingRequests: 10}, *cb)

	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download.zip"}, users.Routes[1].Match)
	assert.True(t, users.Routes[1].Methods.Any())
	assert.Empty(t, users.Routes[1].Policies)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchRegex, Value: "^/v[0-9]+/users"}, users.Routes[2].Match)
}

func TestRoundTripAPIKeyCORSAndWebSocket(t *testing.T) {
	svc := usersService(
		&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Keys: []string{"k1", "-dash"}}},
		&ir.CORS{AllowOrigins: []string{"https://a.example.com", "https://b.example.com"}},
		&ir.WebSocket{Enabled: true, IdleTimeout: values.Seconds(600)},
	)
	art, rep := export(t, topology(t, ir.Global{}, svc))
	require.False(t, rep.HasErrors(), rep.String())

	got := lines(art)
	assert.Contains(t, got, "acl apikey:list-users req.hdr(X-API-Key) -m str -- k1 -dash")
	assert.Contains(t, got, "http-request deny deny_status 401 if route:list-users !apikey:list-users")
	assert.Contains(t, got, "acl origin:list-users req.hdr(origin) -m str https://a.example.com https://b.example.com")
	assert.Contains(t, got, "http-request set-var(txn.cors_origin) req.hdr(origin) if route:list-users origin:list-users")
	assert.Contains(t, got, "http-response set-header Vary Origin if route:list-users")
	assert.Contains(t, got, "timeout tunnel 10m")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)
	r := res.Topology.Services[0].Routes[0]

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	require.Equal(t, ir.AuthAPIKey, auth.Type)
	assert.Equal(t, ir.DefaultAPIKeyHeader, auth.APIKey.KeyHeader())
	assert.Equal(t, []string{"k1", "-dash"}, auth.APIKey.Keys)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cors.AllowOrigins)
	assert.True(t, cors.AllowMethods.Any())

	ws, ok := ir.PolicyOf[*ir.WebSocket](r)
	require.True(t, ok)
	assert.True(t, ws.Enabled)
	assert.Equal(t, values.Seconds(600), ws.IdleTimeout)

	// timeout tunnel 1h is written for a websocket without idle timeout
	svc = usersService(&ir.WebSocket{Enabled: true})
	art, _ = export(t, topology(t, ir.Global{}, svc))
	assert.Contains(t, lines(art), "timeout tunnel 1h")
	res = importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	ws, ok = ir.PolicyOf[*ir.WebSocket](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.True(t, ws.IdleTimeout.IsZero())
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
	got := lines(art)
	assert.Contains(t, got, "backend users__split__stable")
	assert.Contains(t, got, "http-request set-var(txn.split) rand(100) if route:list-users")
	assert.Contains(t, got, "acl split:list-users:0 var(txn.split) -m int lt 90")
	assert.Contains(t, got, "use_backend users__split__stable if route:list-users split:list-users:0")
	assert.Contains(t, got, "use_backend users__split__canary if route:list-users")
	assert.NotContains(t, got, "use_backend users if route:list-users")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.False(t, res.Report.HasWarnings(), res.Report.String())
	require.Len(t, res.Topology.Services, 1)
	assert.Equal(t, "users", res.Topology.Services[0].Name)

	ts, ok := ir.PolicyOf[*ir.TrafficSplit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, ir.SplitWeight, ts.Mode)
	require.Len(t, ts.Targets, 2)
	assert.Equal(t, "stable", ts.Targets[0].Name)
	assert.Equal(t, 90, ts.Targets[0].Weight)
	assert.Equal(t, []ir.Target{{Host: "10.0.1.1", Port: 8080}, {Host: "10.0.1.2", Port: 8080}}, ts.Targets[0].Upstream.Targets)
	assert.Equal(t, "canary", ts.Targets[1].Name)
	assert.Equal(t, 10, ts.Targets[1].Weight)
}

func TestRuleSplitRoundTrip(t *testing.T) {
	split := &ir.TrafficSplit{
		Mode: ir.SplitRules,
		Targets: []ir.SplitTarget{
			{Name: "canary", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.2.1", Port: 8080}}}},
		},
		Rules: []ir.SplitRule{{Header: "X-Canary", Value: "yes", Target: "canary"}},
	}
	art, rep := export(t, topology(t, ir.Global{}, usersService(split)))
	require.False(t, rep.HasErrors(), rep.String())
	got := lines(art)
	assert.Contains(t, got, "acl split:list-users:0 req.hdr(X-Canary) -m str yes")
	assert.Contains(t, got, "use_backend users__split__canary if route:list-users split:list-users:0")
	assert.Contains(t, got, "use_backend users if route:list-users")

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.False(t, res.Report.HasWarnings(), res.Report.String())

	ts, ok := ir.PolicyOf[*ir.TrafficSplit](res.Topology.Services[0].Routes[0])
	require.True(t, ok)
	assert.Equal(t, ir.SplitRules, ts.Mode)
	assert.Equal(t, split.Rules, ts.Rules)
	assert.Empty(t, ts.Fallback)
	require.Len(t, ts.Targets, 1)
	assert.Equal(t, "canary", ts.Targets[0].Name)
	assert.Equal(t, split.Targets[0].Upstream.Targets, ts.Targets[0].Upstream.Targets)
}

func TestImportForeignConfig(t *testing.T) {
	res := importText(`global
    log 127.0.0.1:514 local0 notice
    daemon

defaults
    mode http
    timeout connect 5s
    timeout client 30s
    timeout server 45s

frontend www
    bind *:80
    acl is_api path_beg /api
    http-request redirect scheme https unless { ssl_fc }
    use_backend api if is_api
    default_backend web

backend api
    balance leastconn
    server a1 10.0.0.1:8080 check weight 10
    server a2 10.0.0.2:8080 weight 20
    server a3 10.0.0.3:8080 backup

backend web
    balance source
    server w1 10.0.1.1:80 cookie w1

backend unused
    server u1 10.0.2.1:80

peers mypeers
    peer p1 10.0.0.1:1024
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Equal(t, []string{"http-request", "section peers"}, fragmentKinds(res))

	topo := res.Topology
	assert.Equal(t, 80, topo.Global.Port)
	assert.Equal(t, values.Seconds(45), topo.Global.Timeout)
	assert.Equal(t, "127.0.0.1:514", topo.Global.Logging.AccessLog)
	assert.Equal(t, "info", topo.Global.Logging.Level)

	require.Len(t, topo.Services, 2)
	api := topo.Services[0]
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, ir.LeastConnections, api.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{{Host: "10.0.0.1", Port: 8080}, {Host: "10.0.0.2", Port: 8080}}, api.Upstream.Targets)
	require.Len(t, api.Routes, 1)
	assert.Equal(t, "is_api", api.Routes[0].Name)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api"}, api.Routes[0].Match)

	web := topo.Services[1]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, ir.ConsistentHash, web.Upstream.Algorithm)
	assert.Equal(t, &ir.HashKey{Source: ir.HashIP}, web.Upstream.HashKey)
	require.Len(t, web.Routes, 1)
	assert.Equal(t, "default", web.Routes[0].Name)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/"}, web.Routes[0].Match)

	warnings := res.Report.Filter(report.Warning)
	assert.True(t, hasFeature(warnings, capability.GlobalLogging), "notice is read as info")
	assert.True(t, hasFeature(warnings, capability.UpstreamConsistentHash), "map-based hashing")
	assert.True(t, hasMessage(warnings, "backup server a3 dropped"))
	assert.True(t, hasMessage(warnings, "server weights dropped"))
	assert.True(t, hasMessage(warnings, "server parameter cookie dropped"))
	assert.True(t, hasMessage(warnings, "backend unused is not used by any route"))
}

func TestImportBackendPolicies(t *testing.T) {
	res := importText(`frontend gateway
    bind :8080
    acl path:a path_beg /a
    acl path:b path -i /b
    http-request set-var(txn.route) str(a) if !has_route path:a
    http-request set-var(txn.route) str(b) if !has_route path:b
    acl has_route var(txn.route) -m found
    acl route:a var(txn.route) -m str a
    acl route:b var(txn.route) -m str b
    use_backend svc if route:a
    use_backend svc if route:b

backend svc
    balance url_param sid
    hash-type consistent
    retries 20
    retry-on 503 conn-failure 425
    timeout tunnel 1h
    timeout server 2500
    option httpchk /ping
    server s1 10.0.0.1:80 check proto h2
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	svc := res.Topology.Services[0]
	assert.Equal(t, "grpc", svc.Protocol)
	assert.Equal(t, &ir.HashKey{Source: ir.HashQuery, Name: "sid"}, svc.Upstream.HashKey)
	require.NotNil(t, svc.Upstream.HealthCheck)
	assert.Equal(t, "/ping", svc.Upstream.HealthCheck.Active.Path)
	require.Len(t, svc.Routes, 2)

	a := svc.Routes[0]
	retry, ok := ir.PolicyOf[*ir.Retry](a)
	require.True(t, ok)
	assert.Equal(t, 10, retry.Attempts)
	assert.Equal(t, []string{"connect-failure"}, retry.RetryOn)
	timeout, ok := ir.PolicyOf[*ir.Timeout](a)
	require.True(t, ok)
	assert.Equal(t, values.Milliseconds(2500), timeout.Request)
	ws, ok := ir.PolicyOf[*ir.WebSocket](a)
	require.True(t, ok)
	assert.True(t, ws.IdleTimeout.IsZero())

	assert.Empty(t, svc.Routes[1].Policies, "backend settings go to the first route")
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/b"}, svc.Routes[1].Match)

	warnings := res.Report.Filter(report.Warning)
	assert.True(t, hasMessage(warnings, "20 retries read as 10"))
	assert.True(t, hasMessage(warnings, "retry-on 503 425 dropped"))
	assert.True(t, hasMessage(warnings, "case insensitive match"))
}

func TestImportMalformed(t *testing.T) {
	res := importText(`maxconn 100
frontend f
    bind :80
    acl
    http-request set-var(txn.route) str(a) if p
    http-request set-var(txn.route) str(a) if p
backend b1
    server s1 'unterminated
backend b1
    server s2 10.0.0.1:80
`)
	assert.True(t, res.Report.HasErrors())
	got := errorLines(res.Report)
	assert.Contains(t, got, 1)
	assert.Contains(t, got, 4)
	assert.Contains(t, got, 6)
	assert.Contains(t, got, 8)
	assert.Contains(t, got, 9)
	assert.Nil(t, res.Topology)
	assert.True(t, hasMessage(res.Report.Filter(report.Warning), "backend b1 is not used by any route"))
}

func TestImportServerParameters(t *testing.T) {
	res := importText(`frontend gateway
    bind :8080
    acl path:a path_beg /a
    http-request set-var(txn.route) str(a) if !has_route path:a
    acl has_route var(txn.route) -m found
    acl route:a var(txn.route) -m str a
    use_backend svc if route:a

backend svc
    option httpchk /ping
    server s1 10.0.0.1:80 check weight 3 inter soon rise 2 maxconn lots
    server s2 10.0.0.2:80 weight 0
    server s3 10.0.0.3:80 weight 1
    server s4 10.0.0.4:80 weight heavy
    server s5 10.0.0.5:80 weight 300
`)
	require.NotNil(t, res.Topology, res.Report.String())
	errs := res.Report.Filter(report.Error)
	assert.True(t, hasMessage(errs, "invalid server parameter inter soon"), res.Report.String())
	assert.True(t, hasMessage(errs, "invalid server parameter maxconn lots"), res.Report.String())
	assert.True(t, hasMessage(errs, "invalid server parameter weight heavy"), res.Report.String())
	assert.True(t, hasMessage(errs, "invalid server parameter weight 300"), res.Report.String())
	assert.ElementsMatch(t, []int{11, 11, 14, 15}, errorLines(res.Report))
	assert.True(t, hasMessage(res.Report.Filter(report.Warning), "drained server s2 (weight 0) dropped"))

	svc := res.Topology.Services[0]
	assert.Equal(t, ir.Weighted, svc.Upstream.Algorithm)
	assert.Equal(t, []ir.Target{
		{Host: "10.0.0.1", Port: 80, Weight: 3},
		{Host: "10.0.0.3", Port: 80, Weight: 1},
	}, svc.Upstream.Targets)
	require.NotNil(t, svc.Upstream.HealthCheck)
	active := svc.Upstream.HealthCheck.Active
	require.NotNil(t, active)
	assert.True(t, active.Interval.IsZero())
	assert.Equal(t, 2, active.HealthyThreshold)
	_, ok := ir.PolicyOf[*ir.CircuitBreaker](svc.Routes[0])
	assert.False(t, ok)
}
