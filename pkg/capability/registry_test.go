package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/gwxlate/pkg/ir"
)

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(
		Table{Target: Envoy, Rows: []Row{
			NativeRow(RateLimit),
			ApproxRow(BodyTransform, "lua filter"),
		}},
		Table{Target: AWSAPIGateway, Rows: []Row{
			UnsupportedRow(RateLimit, "stage level throttling only"),
		}},
	)
	require.NoError(t, err)

	assert.Equal(t, Native, r.Lookup(Envoy, RateLimit).Level)

	e := r.Lookup(Envoy, BodyTransform)
	assert.Equal(t, Approximated, e.Level)
	assert.Equal(t, "lua filter", e.Strategy)
	assert.Equal(t, "lua filter", e.Note())

	e = r.Lookup(AWSAPIGateway, RateLimit)
	assert.False(t, e.IsSupported())
	assert.Equal(t, "stage level throttling only", e.Reason)

	e = r.Lookup(Envoy, Feature("policy.something_new"))
	assert.Equal(t, Unsupported, e.Level)
	assert.Equal(t, NotModeled, e.Reason)

	e = r.Lookup(Target("tenth"), RateLimit)
	assert.Equal(t, NotModeled, e.Reason)

	assert.Equal(t, []Target{Envoy, AWSAPIGateway}, r.Targets())
	assert.Len(t, r.Entries(Envoy), len(AllFeatures))
	assert.Equal(t, 1, r.Count(Envoy)[Native])
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Table{Target: Kong, Rows: []Row{NativeRow(CORS), NativeRow(CORS)}})
	assert.Error(t, err)

	_, err = NewRegistry(Table{Target: Kong}, Table{Target: Kong})
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	for in, want := range map[string]Target{
		"envoy": Envoy, "AWS": AWSAPIGateway, "azure-apim": AzureAPIM, "gcp": GCPAPIGateway,
	} {
		got, err := ParseTarget(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseTarget("istio")
	assert.Error(t, err)
}

func TestPolicyFeature(t *testing.T) {
	assert.Equal(t, AuthJWT, PolicyFeature(&ir.Authentication{Type: ir.AuthJWT}))
	assert.Equal(t, TrafficSplitRules, PolicyFeature(&ir.TrafficSplit{Mode: ir.SplitRules}))
	assert.Equal(t, ResponseHeaders, PolicyFeature(&ir.Headers{Response: ir.HeaderOps{Remove: []string{"Server"}}}))
	assert.Equal(t, Mirror, PolicyFeature(&ir.Mirror{}))
	assert.Equal(t, UpstreamLeastConnections, AlgorithmFeature(ir.LeastConnections))
}
