package gcpapigw

import (
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/jxskiss/gopkg/v2/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

var testCaps = capability.MustRegistry(Capabilities)

func usersService(policies ...ir.Policy) *ir.Service {
	return &ir.Service{
		Name:     "users",
		Upstream: ir.Upstream{Targets: []ir.Target{{Host: "10.0.0.1", Port: 8080}}},
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
	ctx := xlate.NewExportContext(capability.GCPAPIGateway, testCaps)
	art, err := Export(ctx, topo)
	require.NoError(t, err)
	return art, ctx.Report
}

func importArtifact(art *xlate.Artifact) *xlate.ImportResult {
	ctx := xlate.NewImportContext(capability.GCPAPIGateway, testCaps)
	Import(ctx, art)
	return ctx.Result()
}

func importText(text string) *xlate.ImportResult {
	return importArtifact(xlate.NewArtifact(capability.GCPAPIGateway, xlate.File{Name: ConfigFile, Content: []byte(text)}))
}

func load(t *testing.T, art *xlate.Artifact) *openapi2.T {
	t.Helper()
	data, err := yaml.YAMLToJSON(art.Primary().Content)
	require.NoError(t, err)
	doc := &openapi2.T{}
	require.NoError(t, json.Unmarshal(data, doc))
	return doc
}

func backendOf(t *testing.T, op *openapi2.Operation) *backend {
	t.Helper()
	be := &backend{}
	require.NoError(t, decodeExtension(op.Extensions[extBackend], be))
	return be
}

func hasMessage(entries []report.Entry, substr string) bool {
	for _, e := range entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func hasFeature(entries []report.Entry, feature capability.Feature) bool {
	for _, e := range entries {
		if e.Feature == feature {
			return true
		}
	}
	return false
}

func TestExportOperations(t *testing.T) {
	svc := usersService()
	svc.Routes = append(svc.Routes, &ir.Route{
		Name:  "health",
		Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/healthz"},
	})
	art, rep := export(t, topology(t, ir.Global{Timeout: values.Seconds(20)}, svc))
	assert.False(t, rep.HasErrors(), rep.String())
	assert.True(t, strings.HasPrefix(string(art.Primary().Content), "# "+xlate.GeneratedHeader))

	doc := load(t, art)
	assert.Equal(t, "2.0", doc.Swagger)
	assert.Len(t, doc.Paths, 3)
	assert.Nil(t, doc.Extensions[extManagement])

	item := doc.Paths["/api/users"]
	require.NotNil(t, item)
	require.NotNil(t, item.Get)
	require.NotNil(t, item.Post)
	assert.Nil(t, item.Delete)
	assert.Equal(t, "list-users-get", item.Get.OperationID)
	assert.Equal(t, []string{"users"}, item.Get.Tags)
	be := backendOf(t, item.Get)
	assert.Equal(t, "http://10.0.0.1:8080", be.Address)
	assert.Equal(t, appendPath, be.PathTranslation)
	assert.Equal(t, 20.0, be.Deadline)

	wild := doc.Paths["/api/users/{path=**}"]
	require.NotNil(t, wild)
	require.NotNil(t, wild.Post)
	assert.Equal(t, "list-users-post-all", wild.Post.OperationID)
	require.Len(t, wild.Post.Parameters, 1)
	assert.Equal(t, wildcardParam, wild.Post.Parameters[0].Name)
	assert.True(t, wild.Post.Parameters[0].Required)

	health := doc.Paths["/healthz"]
	require.NotNil(t, health)
	assert.Len(t, health.Operations(), len(swaggerMethods))
}

func TestExportMethodsAndUnsupported(t *testing.T) {
	svc := usersService(
		&ir.Headers{Request: ir.HeaderOps{Set: []ir.Header{{Name: "X-Env", Value: "prod"}}}},
		&ir.BodyTransform{Request: ir.BodyOps{Remove: []string{"debug"}}},
		&ir.Retry{Attempts: 3},
	)
	svc.Routes[0].Methods = values.GET | values.TRACE
	svc.Routes = append(svc.Routes, &ir.Route{
		Name:    "tunnel",
		Match:   ir.PathMatch{Kind: ir.MatchExact, Value: "/tunnel"},
		Methods: values.CONNECT,
	})
	art, rep := export(t, topology(t, ir.Global{AdminPort: 9901}, svc))
	warnings := rep.Filter(report.Warning)
	for _, f := range []capability.Feature{
		capability.RequestHeaders, capability.BodyTransform, capability.Retry, capability.GlobalAdmin,
	} {
		assert.True(t, hasFeature(warnings, f), "missing warning for %s", f)
	}
	assert.True(t, hasMessage(warnings, "TRACE operations cannot be declared"), rep.String())
	assert.True(t, hasMessage(warnings, "no method is left, route dropped"), rep.String())

	doc := load(t, art)
	assert.NotContains(t, doc.Paths, "/tunnel")
	assert.Len(t, doc.Paths["/api/users"].Operations(), 1)
}

func TestExportRateLimit(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(0.123), Burst: 5},
	))
	art, rep := export(t, topo)
	warnings := rep.Filter(report.Warning)
	assert.True(t, hasMessage(warnings, "rounded to 7 per minute"), rep.String())
	assert.True(t, hasMessage(warnings, "not per ip"), rep.String())
	assert.True(t, hasMessage(warnings, "quotas only count requests carrying an API key"), rep.String())
	assert.True(t, hasFeature(warnings, capability.RateLimitBurst), rep.String())

	doc := load(t, art)
	mgmt := &management{}
	require.NoError(t, decodeExtension(doc.Extensions[extManagement], mgmt))
	require.Len(t, mgmt.Metrics, 1)
	assert.Equal(t, "list-users-requests", mgmt.Metrics[0].Name)
	require.Len(t, mgmt.Quota.Limits, 1)
	assert.Equal(t, &quotaLimit{
		Name:   "list-users-limit",
		Metric: "list-users-requests",
		Unit:   quotaUnit,
		Values: map[string]int64{standardTier: 7},
	}, mgmt.Quota.Limits[0])

	costs := &quotaCosts{}
	require.NoError(t, decodeExtension(doc.Paths["/api/users/{path=**}"].Get.Extensions[extQuota], costs))
	assert.Equal(t, map[string]int64{"list-users-requests": 1}, costs.MetricCosts)
}

func TestExportJWTRequiresKeys(t *testing.T) {
	topo := topology(t, ir.Global{}, usersService(&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
		Issuer: "https://auth.example.com",
	}}))
	_, rep := export(t, topo)
	require.True(t, rep.HasErrors())
	entry := rep.Filter(report.Error)[0]
	assert.Equal(t, capability.AuthJWT, entry.Feature)
	assert.Equal(t, "services[0].routes[0].authentication.jwt.jwks_uri", entry.Path)
}

func TestExportSharesJWTDefinitions(t *testing.T) {
	jwt := func() ir.Policy {
		return &ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
			Issuer:  "https://auth.example.com",
			JWKSURI: "https://auth.example.com/jwks.json",
		}}
	}
	svc := usersService(jwt())
	svc.Routes = append(svc.Routes,
		&ir.Route{Name: "me", Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/me"}, Policies: []ir.Policy{jwt()}},
		&ir.Route{Name: "admin", Match: ir.PathMatch{Kind: ir.MatchExact, Value: "/admin"}, Policies: []ir.Policy{
			&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
				Issuer:  "https://admin.example.com",
				JWKSURI: "https://admin.example.com/jwks.json",
			}},
		}},
	)
	art, rep := export(t, topology(t, ir.Global{}, svc))
	require.False(t, rep.HasErrors(), rep.String())
	doc := load(t, art)
	assert.Len(t, doc.SecurityDefinitions, 2)
	assert.Equal(t, "https://admin.example.com", doc.SecurityDefinitions["jwt_2"].Extensions[extIssuer])
	assert.Equal(t, openapi2.SecurityRequirements{{"jwt": {}}}, *doc.Paths["/me"].Get.Security)
}

func TestRoundTrip(t *testing.T) {
	svc := usersService(
		&ir.RateLimit{RequestsPerSecond: values.PerSecond(10), Key: ir.RateLimitByConsumer},
		&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{}},
		&ir.Timeout{Request: values.Seconds(10)},
	)
	svc.Protocol = "https"
	svc.Routes = append(svc.Routes,
		&ir.Route{
			Name:    "profile",
			Match:   ir.PathMatch{Kind: ir.MatchExact, Value: "/profile"},
			Methods: values.GET,
			Policies: []ir.Policy{&ir.Authentication{Type: ir.AuthJWT, JWT: &ir.JWTAuth{
				Issuer:    "https://auth.example.com",
				JWKSURI:   "https://auth.example.com/jwks.json",
				Audiences: []string{"web", "mobile"},
				Header:    "X-Jwt",
			}}},
		},
		&ir.Route{
			Name:     "status",
			Match:    ir.PathMatch{Kind: ir.MatchExact, Value: "/status"},
			Policies: []ir.Policy{&ir.Authentication{Type: ir.AuthAPIKey, APIKey: &ir.APIKeyAuth{Query: "api_key"}}},
		},
	)
	topo := topology(t, ir.Global{}, svc)
	art, rep := export(t, topo)
	require.False(t, rep.HasErrors(), rep.String())

	res := importArtifact(art)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	assert.False(t, res.Report.HasWarnings(), res.Report.String())
	assert.Empty(t, res.Unrecognized)

	require.Len(t, res.Topology.Services, 1)
	got := res.Topology.Services[0]
	assert.Equal(t, "users", got.Name)
	assert.Equal(t, "https", got.Protocol)
	assert.Equal(t, svc.Upstream, got.Upstream)
	require.Len(t, got.Routes, 3)
	for i, r := range got.Routes {
		want := svc.Routes[i]
		assert.Equal(t, want.Name, r.Name)
		assert.Equal(t, want.Methods, r.Methods, r.Name)
		assert.Equal(t, want.Policies, r.Policies, r.Name)
	}
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, got.Routes[0].Match)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/status"}, got.Routes[2].Match)
}

func TestImportForeignConfig(t *testing.T) {
	res := importText(`swagger: "2.0"
info:
  title: shop
  version: "1.0"
basePath: /v1
x-google-allow: all
x-google-backend:
  address: https://backend.example.com
  deadline: 5
x-google-endpoints:
  - name: shop.endpoints.demo.cloud.goog
    allowCors: true
x-google-management:
  metrics:
    - name: read-requests
      valueType: INT64
      metricKind: DELTA
  quota:
    limits:
      - name: read-limit
        metric: read-requests
        unit: 1/min/{project}
        values:
          STANDARD: 120
securityDefinitions:
  firebase:
    type: oauth2
    flow: implicit
    authorizationUrl: ""
    x-google-issuer: https://securetoken.google.com/demo
    x-google-jwks_uri: https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com
    x-google-audiences: demo
paths:
  /items:
    get:
      operationId: listItems
      x-google-quota:
        metricCosts:
          read-requests: 2
      responses:
        "200":
          description: OK
  /items/{id}:
    get:
      operationId: getItem
      security:
        - firebase: []
      responses:
        "200":
          description: OK
  /legacy:
    post:
      operationId: legacy
      x-google-backend:
        address: https://legacy.example.com/api/submit
      responses:
        "200":
          description: OK
`)
	require.NotNil(t, res.Topology, res.Report.String())
	assert.False(t, res.Report.HasErrors(), res.Report.String())
	require.Len(t, res.Unrecognized, 1)
	assert.Equal(t, "extension x-google-allow", res.Unrecognized[0].Kind)

	warnings := res.Report.Filter(report.Warning)
	assert.True(t, hasMessage(warnings, "answered by the backends"), res.Report.String())
	assert.True(t, hasMessage(warnings, "path parameters of /v1/items/{id}"), res.Report.String())
	assert.True(t, hasMessage(warnings, `every request is sent to the backend path "/api/submit"`), res.Report.String())

	require.Len(t, res.Topology.Services, 2)
	shop := res.Topology.Services[0]
	assert.Equal(t, "backend.example.com", shop.Name)
	assert.Equal(t, "https", shop.Protocol)
	assert.Equal(t, []ir.Target{{Host: "backend.example.com", Port: 443}}, shop.Upstream.Targets)
	require.Len(t, shop.Routes, 2)

	list := shop.Routes[0]
	assert.Equal(t, "listItems", list.Name)
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchExact, Value: "/v1/items"}, list.Match)
	assert.Equal(t, values.GET, list.Methods)
	rl, ok := ir.PolicyOf[*ir.RateLimit](list)
	require.True(t, ok)
	assert.Equal(t, values.PerSecond(1), rl.RequestsPerSecond)
	assert.Equal(t, ir.RateLimitByConsumer, rl.Key)
	timeout, ok := ir.PolicyOf[*ir.Timeout](list)
	require.True(t, ok)
	assert.Equal(t, values.Seconds(5), timeout.Request)

	get := shop.Routes[1]
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/v1/items/"}, get.Match)
	auth, ok := ir.PolicyOf[*ir.Authentication](get)
	require.True(t, ok)
	require.NotNil(t, auth.JWT)
	assert.Equal(t, "https://securetoken.google.com/demo", auth.JWT.Issuer)
	assert.Equal(t, []string{"demo"}, auth.JWT.Audiences)

	legacy := res.Topology.Services[1]
	assert.Equal(t, "legacy.example.com", legacy.Name)
	require.Len(t, legacy.Routes, 1)
	assert.Equal(t, values.POST, legacy.Routes[0].Methods)
	_, ok = ir.PolicyOf[*ir.Timeout](legacy.Routes[0])
	assert.False(t, ok)
}

func TestImportMalformed(t *testing.T) {
	res := importText("swagger: [2.0")
	assert.Nil(t, res.Topology)
	assert.True(t, res.Report.HasErrors())

	res = importText("openapi: 3.0.1\ninfo: {title: t, version: '1'}\npaths: {}\n")
	assert.Nil(t, res.Topology)
	assert.True(t, hasMessage(res.Report.Filter(report.Error), "not a Swagger 2.0 document"), res.Report.String())

	res = importText(`swagger: "2.0"
info: {title: t, version: "1"}
paths:
  /a:
    get:
      operationId: a
      responses: {default: {description: x}}
  /b:
    get:
      operationId: b
      x-google-backend:
        address: http://b.internal:8080
        path_translation: APPEND_PATH_TO_ADDRESS
      responses: {default: {description: x}}
`)
	require.NotNil(t, res.Topology, res.Report.String())
	require.Len(t, res.Unrecognized, 1)
	assert.Equal(t, "operation without backend", res.Unrecognized[0].Kind)
	require.Len(t, res.Topology.Services, 1)
	assert.Equal(t, "b", res.Topology.Services[0].Routes[0].Name)
}
