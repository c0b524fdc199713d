package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
)

const usersDoc = `
version: "1"
provider: nginx
global:
  port: 8000
  timeout: 30s
services:
- name: users
  upstream:
    targets:
    - {host: 10.0.0.1, port: 8080, weight: 3}
    - {host: 10.0.0.2, port: 8080, weight: 1}
  policies:
    timeout:
      request: 5s
  routes:
  - name: list-users
    path: /api/users
    methods: [GET, POST]
    rate_limit:
      requests_per_second: 100
      burst: 200
  - name: user-admin
    path: /admin/users
    match: exact
    timeout:
      request: 1500ms
    authentication:
      type: basic
      basic:
        users:
        - {username: root, password: secret}
`

func TestLoadToTopology(t *testing.T) {
	doc, err := Load([]byte(usersDoc))
	require.NoError(t, err)
	target, err := doc.Target()
	require.NoError(t, err)
	assert.Equal(t, capability.Nginx, target)

	topo, err := doc.ToTopology()
	require.NoError(t, err)
	assert.Equal(t, 8000, topo.Global.Port)
	assert.Equal(t, values.Seconds(30), topo.Global.Timeout)

	users := topo.Service("users")
	require.NotNil(t, users)
	assert.Equal(t, ir.Weighted, users.Upstream.Algorithm)
	assert.Equal(t, 3, users.Upstream.Targets[0].Weight)
	require.Len(t, users.Routes, 2)

	list := users.Routes[0]
	assert.Equal(t, ir.PathMatch{Kind: ir.MatchPrefix, Value: "/api/users"}, list.Match)
	assert.Equal(t, values.GET|values.POST, list.Methods)
	rl, ok := ir.PolicyOf[*ir.RateLimit](list)
	require.True(t, ok)
	assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)))
	assert.Equal(t, 200, rl.Burst)
	inherited, ok := ir.PolicyOf[*ir.Timeout](list)
	require.True(t, ok)
	assert.Equal(t, values.Seconds(5), inherited.Request)

	admin := users.Routes[1]
	assert.Equal(t, ir.MatchExact, admin.Match.Kind)
	own, ok := ir.PolicyOf[*ir.Timeout](admin)
	require.True(t, ok)
	assert.Equal(t, values.Milliseconds(1500), own.Request)
	assert.NotSame(t, inherited, own)
	assert.Equal(t, []ir.PolicyKind{ir.KindAuthentication, ir.KindTimeout},
		[]ir.PolicyKind{admin.Policies[0].Kind(), admin.Policies[1].Kind()})
}

func TestLoadSchemaErrors(t *testing.T) {
	_, err := Load([]byte(`
services:
- name: users
  upstream:
    targets: [{host: 10.0.0.1}]
  routes:
  - path: /users
    rate_limt: {requests_per_second: 1}
`))
	require.Error(t, err)
	var verrs ir.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	paths := verrs.Paths()
	assert.Contains(t, paths, "services[0].upstream.targets[0]")
	assert.Contains(t, paths, "services[0].routes[0]")

	_, err = Load([]byte("global: {port: 80}\n"))
	assert.Error(t, err)

	_, err = Load([]byte("services: [\n"))
	assert.ErrorContains(t, err, "invalid YAML")

	_, err = Load([]byte(`
version: "2"
services:
- name: a
  upstream: {targets: [{host: a.internal, port: 80}]}
  routes: [{path: /}]
`))
	assert.ErrorContains(t, err, "unsupported document version")
}

func TestToTopologyValidation(t *testing.T) {
	doc, err := Load([]byte(`
services:
- name: orders
  upstream: {targets: [{host: orders.internal, port: 80}]}
  routes:
  - path: /orders
    traffic_split:
      targets:
      - {name: a, weight: 60, upstream: {targets: [{host: a.internal, port: 80}]}}
      - {name: b, weight: 30, upstream: {targets: [{host: b.internal, port: 80}]}}
`))
	require.NoError(t, err)
	_, err = doc.ToTopology()
	var verrs ir.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.NotEmpty(t, verrs)
}

func TestFromTopologyRoundTrip(t *testing.T) {
	doc, err := Load([]byte(usersDoc))
	require.NoError(t, err)
	topo, err := doc.ToTopology()
	require.NoError(t, err)

	out, err := Marshal(FromTopology(topo, capability.Kong), "imported from nginx.conf")
	require.NoError(t, err)
	assert.Contains(t, string(out), "# imported from nginx.conf\n")
	assert.Contains(t, string(out), "provider: kong\n")

	again, err := Load(out)
	require.NoError(t, err)
	topo2, err := again.ToTopology()
	require.NoError(t, err, string(out))
	assert.Equal(t, topo, topo2)
}

func TestLoadFileWithServiceFiles(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "services"), 0o755))
	require.NoError(t, os.WriteFile(index, []byte(`
provider: envoy
service_files: [services/*.yaml]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "services", "b.yaml"), []byte(`
name: billing
upstream: {targets: [{host: billing.internal, port: 9000}]}
routes: [{path: /billing}]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "services", "a.yaml"), []byte(`
name: accounts
upstream: {targets: [{host: accounts.internal, port: 9000}]}
routes: [{path: /accounts, methods: GET}]
`), 0o644))

	doc, err := LoadFile(index)
	require.NoError(t, err)
	assert.Empty(t, doc.ServiceFiles)
	require.Len(t, doc.Services, 2)
	assert.Equal(t, "accounts", doc.Services[0].Name)
	assert.Equal(t, "billing", doc.Services[1].Name)

	topo, err := doc.ToTopology()
	require.NoError(t, err)
	assert.Equal(t, "accounts-0", topo.Services[0].Routes[0].Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "services", "c.yaml"), []byte(`
name: broken
routes: [{path: /broken}]
`), 0o644))
	_, err = LoadFile(index)
	var verrs ir.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "c.yaml", verrs[0].Path)

	badIndex := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badIndex, []byte("services: [{name: x}]\n"), 0o644))
	_, err = LoadFile(badIndex)
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs.Paths(), "services[0]")

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSchemaPath(t *testing.T) {
	assert.Equal(t, "", schemaPath("(root)"))
	assert.Equal(t, "services[0].routes[12].path", schemaPath("services.0.routes.12.path"))
}

func TestExampleDocument(t *testing.T) {
	doc, err := LoadFile(filepath.Join("..", "..", "example", "gateway.yaml"))
	require.NoError(t, err)
	topo, err := doc.ToTopology()
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "orders"}, []string{topo.Services[0].Name, topo.Services[1].Name})
	assert.Equal(t, 4, topo.RouteCount())

	cors, ok := ir.PolicyOf[*ir.CORS](topo.Services[0].Routes[1])
	require.True(t, ok)
	assert.Equal(t, []string{"https://app.example.com"}, cors.AllowOrigins)

	events := topo.Services[1].Routes[1]
	cb, ok := ir.PolicyOf[*ir.CircuitBreaker](events)
	require.True(t, ok)
	assert.Equal(t, 5, cb.MaxFailures)
	_, ok = ir.PolicyOf[*ir.BodyTransform](events)
	assert.False(t, ok)
}
