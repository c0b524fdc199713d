package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/jxskiss/gwxlate/pkg/capability"
)

func TestReportOrdering(t *testing.T) {
	r := New(capability.Kong, OpExport)
	r.Infof(capability.GlobalMetrics, "global.metrics", "enabled prometheus plugin")
	r.Warnf(capability.RateLimitBurst, "services[0].routes[0].rate_limit.burst", "burst dropped")
	r.Errorf(capability.AuthJWT, "services[0].routes[1].authentication", "missing issuer")
	r.Warnf(capability.CORS, "services[0].routes[0].cors", "approximated")
	r.Warnf(capability.CORS, "services[0].routes[2].cors", "approximated")

	require.True(t, r.HasErrors())
	require.True(t, r.HasWarnings())

	entries := r.Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, Error, entries[0].Severity)
	assert.Equal(t, capability.CORS, entries[1].Feature)
	assert.Equal(t, "services[0].routes[0].cors", entries[1].Path)
	assert.Equal(t, "services[0].routes[2].cors", entries[2].Path)
	assert.Equal(t, capability.RateLimitBurst, entries[3].Feature)
	assert.Equal(t, Info, entries[4].Severity)

	assert.Equal(t, entries, r.Entries(), "sorting must be stable across calls")
}

func TestReportErr(t *testing.T) {
	r := New(capability.AWSAPIGateway, OpExport)
	assert.NoError(t, r.Err())

	r.Errorf(capability.AuthJWT, "a", "first")
	r.Errorf(capability.AuthJWT, "b", "second")
	r.Warnf(capability.RateLimit, "c", "omitted")

	err := r.Err()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)

	var ufe *UnsupportedFeatureError
	require.ErrorAs(t, errs[0], &ufe)
	assert.Equal(t, "a", ufe.Entry.Path)
	assert.Contains(t, err.Error(), "aws_apigateway: error [policy.auth.jwt] b: second")

	warnings := r.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, capability.RateLimit, warnings[0].Entry.Feature)
}

func TestReportSummary(t *testing.T) {
	r := New(capability.Nginx, OpImport)
	r.Add(Entry{Severity: Warning, Path: "http.server.location", Message: "unrecognized directive", Line: 12})
	assert.Equal(t, "import nginx: 0 error(s), 1 warning(s), 0 info(s)", r.Summary())
	assert.Contains(t, r.String(), "warning http.server.location (line 12): unrecognized directive")
}
