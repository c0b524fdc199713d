package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/jxskiss/gwxlate/pkg/api"
	"github.com/jxskiss/gwxlate/pkg/capability"
)

const usersDoc = `
services:
- name: users
  upstream:
    targets:
    - {host: 10.0.0.1, port: 8080, weight: 3}
    - {host: 10.0.0.2, port: 8080, weight: 1}
  routes:
  - name: list-users
    path: /api/users
    methods: [GET, POST]
    rate_limit: {requests_per_second: 100, burst: 200}
`

func writeFile(t *testing.T, dir, name, text string) string {
	t.Helper()
	file := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(file, []byte(text), 0o644))
	return file
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"gwxlate"}, args...))
	return out.String() + errOut.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "gateway.yaml", usersDoc)
	out := filepath.Join(dir, "out")

	stdout, err := runApp(t, "generate", "--config", doc, "--provider", "nginx", "--output", out)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "export nginx: 0 error(s)")
	conf, err := os.ReadFile(filepath.Join(out, "nginx.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "server 10.0.0.1:8080 weight=3;")

	single := filepath.Join(dir, "kong-config.yaml")
	_, err = runApp(t, "generate", "-c", doc, "-p", "kong", "-o", single)
	require.NoError(t, err)
	assert.FileExists(t, single)
}

func TestGenerateRefusesOnErrors(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "gateway.yaml", `
services:
- name: orders
  upstream: {targets: [{host: orders.internal, port: 8080}]}
  routes:
  - path: /orders
    authentication:
      type: jwt
      jwt: {issuer: https://auth.example.com}
`)
	out := filepath.Join(dir, "out")
	stdout, err := runApp(t, "generate", "--config", doc, "--provider", "gcp", "--output", out)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, stdout, "error [policy.auth.jwt]")
	assert.NoDirExists(t, out)
}

func TestGenerateStrict(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "gateway.yaml", `
services:
- name: chat
  upstream: {targets: [{host: chat.internal, port: 8080}]}
  routes:
  - path: /ws
    websocket: {enabled: true}
`)
	out := filepath.Join(dir, "out")
	_, err := runApp(t, "generate", "--config", doc, "--provider", "gcp_apigateway", "--output", out)
	require.NoError(t, err)

	strictOut := filepath.Join(dir, "strict")
	_, err = runApp(t, "generate", "--config", doc, "--provider", "gcp_apigateway", "--output", strictOut, "--strict")
	assert.Equal(t, 1, exitCode(err))
	assert.NoDirExists(t, strictOut)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", usersDoc)
	stdout, err := runApp(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 service(s), 1 route(s), valid")

	bad := writeFile(t, dir, "bad.yaml", `
services:
- name: users
  upstream: {targets: [{host: 10.0.0.1, port: 70000}]}
  routes: [{path: /users}]
`)
	stdout, err = runApp(t, "validate", "--config", bad)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, stdout, "services[0].upstream.targets[0].port")
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "gateway.yaml", usersDoc)
	artDir := filepath.Join(dir, "apisix")
	_, err := runApp(t, "generate", "--config", doc, "--provider", "apisix", "--output", artDir)
	require.NoError(t, err)

	imported := filepath.Join(dir, "imported.yaml")
	stdout, err := runApp(t, "import", "--input", artDir, "--provider", "apisix", "--output", imported)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "import apisix: 0 error(s)")

	back, err := api.LoadFile(imported)
	require.NoError(t, err)
	assert.Equal(t, "apisix", back.Provider)
	topo, err := back.ToTopology()
	require.NoError(t, err)
	assert.Equal(t, 3, topo.Services[0].Upstream.Targets[0].Weight)

	_, err = runApp(t, "import", "--input", filepath.Join(dir, "missing"), "--provider", "apisix")
	assert.Error(t, err)
}

func TestGenerateAll(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "gateway.yaml", usersDoc)
	out := filepath.Join(dir, "all")
	stdout, err := runApp(t, "generate-all", "--config", doc, "--output", out)
	require.NoError(t, err, stdout)
	for _, target := range capability.AllTargets {
		assert.Contains(t, stdout, string(target))
		assert.DirExists(t, filepath.Join(out, string(target)))
	}

	some := filepath.Join(dir, "some")
	_, err = runApp(t, "generate-all", "-c", doc, "-o", some, "-t", "envoy", "-t", "aws")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(some, "envoy"))
	assert.DirExists(t, filepath.Join(some, "aws_apigateway"))
	assert.NoDirExists(t, filepath.Join(some, "kong"))
}

func TestTargets(t *testing.T) {
	stdout, err := runApp(t, "targets")
	require.NoError(t, err)
	assert.Contains(t, stdout, "azuredeploy.json")
	assert.Contains(t, stdout, "gcp_apigateway")
}
