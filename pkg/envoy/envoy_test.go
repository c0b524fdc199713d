package envoy

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

func usersTopology(t *testing.T, policies ...ir.Policy) *ir.Topology {
	t.Helper()
	svc := &ir.Service{
		Name: "users",
		Upstream: ir.Upstream{
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
	topo, err := ir.NewTopology(ir.Global{}, []*ir.Service{svc})
	require.NoError(t, err)
	return topo
}

func export(t *testing.T, topo *ir.Topology) (*xlate.Artifact, *report.Report) {
	t.Helper()
	ctx := xlate.NewExportContext(capability.Envoy, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.Envoy, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func TestExportWeightsAndRateLimit(t *testing.T) {
	topo := usersTopology(t, &ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 200})
	art, rep := export(t, topo)
	assert.False(t, rep.HasErrors(), rep.String())

	out := string(art.Primary().Content)
	assert.True(t, strings.HasPrefix(out, "# "+xlate.GeneratedHeader))
	assert.Contains(t, out, "tokens_per_fill: 100")
	assert.Contains(t, out, "max_tokens: 300")
	assert.Contains(t, out, "fill_interval: 1s")
	assert.Contains(t, out, "load_balancing_weight: 3")
	assert.Contains(t, out, "load_balancing_weight: 1")
	assert.Contains(t, out, "envoy.filters.http.local_ratelimit")
	assert.Contains(t, out, "^(GET|POST)$")
}

func TestExportIsDeterministic(t *testing.T) {
	topo := usersTopology(t,
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(10)},
		&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
			Issuer:  "https://auth.example.com",
			JWKSURI: "https://auth.example.com/.well-known/jwks.json",
		}},
		&ir.CORS{AllowOrigins: []string{"*"}},
	)
	a1, _ := export(t, topo)
	a2, _ := export(t, topo)
	assert.Equal(t, a1.Primary().Content, a2.Primary().Content)
	assert.Equal(t, a1.Digest(), a2.Digest())
}

func TestExportJWTWithoutJWKSIsError(t *testing.T) {
	topo := usersTopology(t, &ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{Issuer: "me"}})
	_, rep := export(t, topo)
	require.True(t, rep.HasErrors())
	entry := rep.Filter(report.Error)[0]
	assert.Equal(t, capability.AuthJWT, entry.Feature)
	assert.Equal(t, "services[0].routes[0].authentication.jwt.jwks_uri", entry.Path)
}

func TestExportClusterScopedPolicies(t *testing.T) {
	svc := &ir.Service{
		Name:     "orders",
		Upstream: ir.Upstream{Targets: []ir.Target{{Host: "orders.internal", Port: 80}}},
		Routes: []*ir.Route{
			{Name: "a", Match: ir.PathMatch{Value: "/a"}, Policies: []ir.Policy{
				&ir.CircuitBreaker{MaxConnections: 100, MaxFailures: 5, OpenTimeout: values.Seconds(30)},
				&ir.Timeout{Connect: values.Seconds(1)},
			}},
			{Name: "b", Match: ir.PathMatch{Value: "/b"}, Policies: []ir.Policy{
				&ir.CircuitBreaker{MaxConnections: 10},
				&ir.Timeout{Connect: values.Seconds(2)},
			}},
		},
	}
	topo, err := ir.NewTopology(ir.Global{}, []*ir.Service{svc})
	require.NoError(t, err)

	art, rep := export(t, topo)
	out := string(art.Primary().Content)
	assert.Contains(t, out, "type: STRICT_DNS")
	assert.Contains(t, out, "connect_timeout: 1s")
	assert.Contains(t, out, "max_connections: 100")
	assert.NotContains(t, out, "max_connections: 10\n")
	assert.Equal(t, 2, rep.Count(report.Warning))
}

func TestRoundTrip(t *testing.T) {
	svc := &ir.Service{
		Name: "users",
		Upstream: ir.Upstream{
			Targets: []ir.Target{
				{Host: "10.0.0.1", Port: 8080, Weight: 3},
				{Host: "10.0.0.2", Port: 8080, Weight: 1},
			},
			HealthCheck: &ir.HealthCheck{Active: &ir.ActiveHealthCheck{Path: "/healthz", ExpectedStatuses: []int{200}}},
		},
		Routes: []*ir.Route{
			{
				Name:    "list-users",
				Match:   ir.PathMatch{Value: "/api/users"},
				Methods: values.GET | values.POST,
				Policies: []ir.Policy{
					&ir.RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 200},
					&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
						Issuer:    "https://auth.example.com",
						Audiences: []string{"users-api"},
						JWKSURI:   "https://auth.example.com/jwks.json",
					}},
					&ir.CORS{AllowOrigins: []string{"https://app.example.com"}, MaxAge: values.Seconds(600)},
					&ir.Headers{Request: ir.HeaderOps{
						Set:    []ir.Header{{Name: "X-Env", Value: "prod"}},
						Add:    []ir.Header{{Name: "X-Trace", Value: "1"}},
						Remove: []string{"X-Internal"},
					}},
					&ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)},
					&ir.Retry{Attempts: 3},
					&ir.TrafficSplit{
						Rules:   []ir.SplitRule{{Header: "x-canary", Value: "1", Target: "canary"}},
						Targets: []ir.SplitTarget{{Name: "canary", Upstream: &ir.Upstream{Targets: []ir.Target{{Host: "10.0.1.1", Port: 8080}}}}},
					},
					&ir.Mirror{Name: "shadow", Upstream: ir.Upstream{Targets: []ir.Target{{Host: "10.0.2.1", Port: 8080}}}, SamplePercentage: 10},
					&ir.WebSocket{Enabled: true},
				},
			},
			{
				Name:  "download",
				Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download"},
				Policies: []ir.Policy{
					&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Header: "X-Key", Keys: []string{"k1", "k2"}}},
					&ir.BodyTransform{Response: ir.BodyOps{Remove: []string{"secret"}}},
				},
			},
		},
	}
	topo, err := ir.NewTopology(ir.Global{Port: 8000, AdminPort: 9000, Timeout: values.Seconds(30)}, []*ir.Service{svc})
	require.NoError(t, err)

	art, rep := export(t, topo)
	require.False(t, rep.HasErrors(), rep.String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	got := res.Topology
	assert.Equal(t, 8000, got.Global.Port)
	assert.Equal(t, 9000, got.Global.AdminPort)
	assert.Equal(t, values.Seconds(30), got.Global.Timeout)
	require.Len(t, got.Services, 1)

	users := got.Services[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, 3, users.Upstream.Targets[0].Weight)
	assert.Equal(t, 1, users.Upstream.Targets[1].Weight)
	require.NotNil(t, users.Upstream.HealthCheck)
	assert.Equal(t, &ir.ActiveHealthCheck{Path: "/healthz", ExpectedStatuses: []int{200}}, users.Upstream.HealthCheck.Active)
	require.Len(t, users.Routes, 2)

	r := users.Routes[0]
	assert.Equal(t, "list-users", r.Name)
	assert.Equal(t, values.GET|values.POST, r.Methods)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, r.Match)

	rl, ok := ir.PolicyOf[*ir.RateLimit](r)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, 200, rl.Burst)

	auth, ok := ir.PolicyOf[*ir.Authentication](r)
	require.True(t, ok)
	assert.Equal(t, ir.AuthJWT, auth.Type)
	assert.Equal(t, "https://auth.example.com/jwks.json", auth.JWT.JWKSURI)
	assert.Equal(t, []string{"users-api"}, auth.JWT.Audiences)

	cors, ok := ir.PolicyOf[*ir.CORS](r)
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)
	assert.Equal(t, values.Seconds(600), cors.MaxAge)

	headers, ok := ir.PolicyOf[*ir.Headers](r)
	require.True(t, ok)
	assert.Equal(t, []ir.Header{{Name: "X-Env", Value: "prod"}}, headers.Request.Set)
	assert.Equal(t, []ir.Header{{Name: "X-Trace", Value: "1"}}, headers.Request.Add)
	assert.Equal(t, []string{"X-Internal"}, headers.Request.Remove)

	timeout, ok := ir.PolicyOf[*ir.Timeout](r)
	require.True(t, ok)
	assert.Equal(t, ir.Timeout{Connect: values.Seconds(1), Request: values.Seconds(5)}, *timeout)

	retry, ok := ir.PolicyOf[*ir.Retry](r)
	require.True(t, ok)
	assert.Equal(t, 3, retry.Attempts)
	assert.Nil(t, retry.RetryOn)

	split, ok := ir.PolicyOf[*ir.TrafficSplit](r)
	require.True(t, ok)
	assert.Equal(t, ir.SplitRules, split.Mode)
	assert.Equal(t, []ir.SplitRule{{Header: "x-canary", Value: "1", Target: "canary"}}, split.Rules)
	require.NotNil(t, split.Target("canary"))
	assert.Equal(t, "10.0.1.1", split.Target("canary").Upstream.Targets[0].Host)

	mirror, ok := ir.PolicyOf[*ir.Mirror](r)
	require.True(t, ok)
	assert.Equal(t, "shadow", mirror.Name)
	assert.Equal(t, values.Percentage(10), mirror.SamplePercentage)

	d := users.Routes[1]
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/api/download"}, d.Match)
	assert.True(t, d.Methods.Any())
	key, ok := ir.PolicyOf[*ir.Authentication](d)
	require.True(t, ok)
	assert.Equal(t, &ir.APIKeyAuth{Header: "X-Key", Keys: []string{"k1", "k2"}}, key.APIKey)
	body, ok := ir.PolicyOf[*ir.BodyTransform](d)
	require.True(t, ok)
	assert.Equal(t, []string{"secret"}, body.Response.Remove)
	ws, ok := ir.PolicyOf[*ir.WebSocket](r)
	require.True(t, ok)
	assert.True(t, ws.Enabled)
}

const foreignBootstrap = `
admin:
  address:
    socket_address: { address: 127.0.0.1, port_value: 9901 }
layered_runtime: {}
static_resources:
  listeners:
  - name: main
    address:
      socket_address: { address: 0.0.0.0, port_value: 10000 }
    filter_chains:
    - filters:
      - name: envoy.filters.network.http_connection_manager
        typed_config:
          "@type": type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager
          stat_prefix: ingress
          http_filters:
          - name: envoy.filters.http.fault
            typed_config:
              "@type": type.googleapis.com/envoy.extensions.filters.http.fault.v3.HTTPFault
          - name: envoy.filters.http.router
            typed_config:
              "@type": type.googleapis.com/envoy.extensions.filters.http.router.v3.Router
          route_config:
            virtual_hosts:
            - name: all
              domains: ["*"]
              routes:
              - match: { prefix: "/" }
                route: { cluster: "service one" }
  clusters:
  - name: "service one"
    type: STRICT_DNS
    lb_policy: LEAST_REQUEST
    load_assignment:
      cluster_name: "service one"
      endpoints:
      - lb_endpoints:
        - endpoint:
            address:
              socket_address: { address: one.internal, port_value: 8080 }
  - name: broken
    connect_timeout: forever
`

func TestImportForeignBootstrap(t *testing.T) {
	art := xlate.NewArtifact(capability.Envoy, xlate.File{Name: BootstrapFile, Content: []byte(foreignBootstrap)})
	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())

	kinds := make([]string, 0, len(res.Unrecognized))
	for _, f := range res.Unrecognized {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []string{"key layered_runtime", "http filter envoy.filters.http.fault"}, kinds)

	errs := res.Report.Filter(report.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "static_resources.clusters[1]", errs[0].Path)
	assert.Greater(t, errs[0].Line, 0)

	svc := res.Topology.Services[0]
	assert.Equal(t, "service-one", svc.Name)
	assert.Equal(t, ir.LeastConnections, svc.Upstream.Algorithm)
	assert.Equal(t, 10000, res.Topology.Global.Port)
	assert.Equal(t, 9901, res.Topology.Global.AdminPort)
}

func TestImportMalformedYAML(t *testing.T) {
	art := xlate.NewArtifact(capability.Envoy, xlate.File{Name: BootstrapFile, Content: []byte("static_resources: [\n")})
	res := importArtifact(art)
	assert.Nil(t, res.Topology)
	assert.True(t, res.Report.HasErrors())
}
