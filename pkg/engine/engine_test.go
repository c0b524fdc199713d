package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

func usersTopology(t *testing.T) *ir.Topology {
	t.Helper()
	topo, err := ir.NewTopology(ir.Global{}, []*ir.Service{{
		Name: "users",
		Upstream: ir.Upstream{
			Algorithm: ir.Weighted,
			Targets: []ir.Target{
				{Host: "10.0.0.1", Port: 8080, Weight: 3},
				{Host: "10.0.0.2", Port: 8080, Weight: 1},
			},
		},
		Routes: []*ir.Route{{
			Name:    "list-users",
			Match:   ir.PathMatch{Value: "/api/users"},
			Methods: values.GET | values.POST,
			Policies: []ir.Policy{&ir.RateLimit{
				RequestsPerSecond: values.PerSecond(100),
				Burst:             200,
				Key:               ir.RateLimitByIP,
			}},
		}},
	}})
	require.NoError(t, err)
	return topo
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	assert.Same(t, reg, Default())
	assert.Equal(t, capability.AllTargets, reg.Targets())

	caps := reg.Capabilities()
	for _, target := range reg.Targets() {
		for _, feature := range capability.AllFeatures {
			e := caps.Lookup(target, feature)
			assert.NotEqual(t, capability.NotModeled, e.Reason, "%s lacks an entry for %s", target, feature)
		}
		p, err := reg.Provider(target)
		require.NoError(t, err)
		assert.NotEmpty(t, p.Files)
	}

	p, err := reg.Lookup("aws")
	require.NoError(t, err)
	assert.Equal(t, capability.AWSAPIGateway, p.Target)

	_, err = reg.Lookup("caddy")
	assert.Error(t, err)
	_, err = reg.Export(usersTopology(t), capability.Target("caddy"))
	assert.Error(t, err)
}

func TestNewRegistryRejectsBadProviders(t *testing.T) {
	builtin := Builtin()

	_, err := NewRegistry(builtin[0], builtin[0])
	assert.ErrorContains(t, err, "duplicate")

	noImport := builtin[1]
	noImport.Import = nil
	_, err = NewRegistry(noImport)
	assert.Error(t, err)

	mismatched := builtin[2]
	mismatched.Capabilities = builtin[3].Capabilities
	_, err = NewRegistry(mismatched)
	assert.Error(t, err)
}

func TestExportIsDeterministic(t *testing.T) {
	reg := Default()
	topo := usersTopology(t)
	for _, target := range reg.Targets() {
		first, err := reg.Export(topo, target)
		require.NoError(t, err)
		second, err := reg.Export(topo, target)
		require.NoError(t, err)
		assert.Equal(t, first.Artifact.Digest(), second.Artifact.Digest(), "%s", target)
		assert.Equal(t, first.Report.String(), second.Report.String(), "%s", target)
	}
}

func TestWeightsAndRateLimitSurviveTwoTargets(t *testing.T) {
	reg := Default()
	topo := usersTopology(t)
	for _, target := range []capability.Target{capability.APISIX, capability.Nginx} {
		res, err := reg.Export(topo, target)
		require.NoError(t, err)
		require.NoError(t, res.Err(), res.Report.String())
		assert.False(t, res.Report.HasWarnings(), res.Report.String())

		imported, err := reg.Import(target, res.Artifact)
		require.NoError(t, err)
		require.NotNil(t, imported.Topology, imported.Report.String())
		users := imported.Topology.Service("users")
		require.NotNil(t, users, "%s", target)
		require.Len(t, users.Upstream.Targets, 2)
		assert.Equal(t, 3, users.Upstream.Targets[0].Weight, "%s", target)
		assert.Equal(t, 1, users.Upstream.Targets[1].Weight, "%s", target)

		require.Len(t, users.Routes, 1)
		rl, ok := ir.PolicyOf[*ir.RateLimit](users.Routes[0])
		require.True(t, ok, "%s", target)
		assert.True(t, rl.RequestsPerSecond.Equal(values.PerSecond(100)), "%s: %v", target, rl.RequestsPerSecond)
		assert.Equal(t, 200, rl.Burst, "%s", target)
	}
}

const minimalKong = `_format_version: "3.0"
services:
- name: orders
  url: http://orders.internal:8080
  routes:
  - name: orders
    paths: [/orders]
    methods: [GET]
`

func TestImportThenExportEverywhere(t *testing.T) {
	reg := Default()
	art := xlate.NewArtifact(capability.Kong, xlate.File{Name: "kong.yaml", MediaType: xlate.MediaYAML, Content: []byte(minimalKong)})
	imported, err := reg.Import(capability.Kong, art)
	require.NoError(t, err)
	require.NotNil(t, imported.Topology, imported.Report.String())
	assert.False(t, imported.Report.HasErrors(), imported.Report.String())

	results, err := reg.ExportAll(context.Background(), imported.Topology)
	require.NoError(t, err)
	require.Len(t, results, len(reg.Targets()))
	for i, res := range results {
		assert.Equal(t, reg.Targets()[i], res.Target)
		assert.NoError(t, res.Err(), "%s: %s", res.Target, res.Report.String())
		assert.NotEmpty(t, res.Artifact.Files)
	}

	res, _, err := reg.Translate(capability.Kong, art, capability.Traefik)
	require.NoError(t, err)
	assert.NoError(t, res.Err())
}

func TestExportAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Default().ExportAll(ctx, usersTopology(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateReportsUnsupported(t *testing.T) {
	topo, err := ir.NewTopology(ir.Global{}, []*ir.Service{{
		Name:     "ws",
		Upstream: ir.Upstream{Targets: []ir.Target{{Host: "10.0.0.9", Port: 9000}}},
		Routes: []*ir.Route{{
			Name:     "ws",
			Match:    ir.PathMatch{Value: "/ws", Kind: ir.MatchPrefix},
			Policies: []ir.Policy{&ir.WebSocket{Enabled: true}},
		}},
	}})
	require.NoError(t, err)

	rep, err := Default().Validate(topo, capability.GCPAPIGateway)
	require.NoError(t, err)
	assert.True(t, rep.HasWarnings(), rep.String())
}

func TestArtifactFiles(t *testing.T) {
	reg := Default()
	res, err := reg.Export(usersTopology(t), capability.Traefik)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "traefik")
	paths, err := WriteArtifact(res.Artifact, dir)
	require.NoError(t, err)
	assert.Len(t, paths, len(res.Artifact.Files))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	art, err := reg.ReadArtifact(capability.Traefik, dir)
	require.NoError(t, err)
	require.Len(t, art.Files, len(res.Artifact.Files))
	for i, f := range res.Artifact.Files {
		assert.Equal(t, f.Name, art.Files[i].Name)
		assert.Equal(t, f.Content, art.Files[i].Content)
	}
	assert.Equal(t, res.Artifact.Digest(), art.Digest())

	single, err := reg.ReadArtifact(capability.Traefik, paths[0])
	require.NoError(t, err)
	require.Len(t, single.Files, 1)
	assert.Equal(t, xlate.MediaYAML, single.Files[0].MediaType)

	_, err = WriteArtifact(xlate.NewArtifact(capability.Traefik, xlate.File{Name: "../escape.yaml"}), dir)
	assert.Error(t, err)
	_, err = reg.ReadArtifact(capability.Traefik, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, xlate.MediaYAML, MediaType("a.YML"))
	assert.Equal(t, xlate.MediaJSON, MediaType("template.json"))
	assert.Equal(t, xlate.MediaText, MediaType("nginx.conf"))
}
