package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/gwxlate/pkg/values"
)

func userService() *Service {
	return &Service{
		Name: "users",
		Upstream: Upstream{
			Targets: []Target{
				{Host: "10.0.0.1", Port: 8080, Weight: 3},
				{Host: "10.0.0.2", Port: 8080, Weight: 1},
			},
		},
		Routes: []*Route{
			{
				Match:   PathMatch{Value: "/api/users"},
				Methods: values.GET | values.POST,
				Policies: []Policy{
					&RateLimit{RequestsPerSecond: values.PerSecond(100), Burst: 200},
				},
			},
		},
	}
}

func TestNewTopologyNormalizes(t *testing.T) {
	topo, err := NewTopology(Global{}, []*Service{userService()})
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, topo.Global.Host)
	assert.Equal(t, DefaultPort, topo.Global.Port)

	svc := topo.Service("users")
	require.NotNil(t, svc)
	assert.Equal(t, "http", svc.Protocol)
	assert.Equal(t, Weighted, svc.Upstream.Algorithm)
	assert.Equal(t, "users-0", svc.Routes[0].Name)
	assert.Equal(t, MatchPrefix, svc.Routes[0].Match.Kind)

	rl, ok := PolicyOf[*RateLimit](svc.Routes[0])
	require.True(t, ok)
	assert.Equal(t, 200, rl.Burst)
	assert.Equal(t, 1, topo.RouteCount())
}

func TestNewTopologyFillsMissingWeights(t *testing.T) {
	svc := userService()
	svc.Upstream.Targets[1].Weight = 0
	svc.Upstream.Algorithm = Weighted
	topo, err := NewTopology(Global{}, []*Service{svc})
	require.NoError(t, err)
	assert.Equal(t, 1, topo.Services[0].Upstream.Targets[1].Weight)
}

func TestNewTopologyPolicyOrder(t *testing.T) {
	svc := userService()
	svc.Routes[0].Policies = []Policy{
		&WebSocket{Enabled: true},
		&Timeout{Request: values.Seconds(5)},
		&RateLimit{RequestsPerSecond: 10},
	}
	topo, err := NewTopology(Global{}, []*Service{svc})
	require.NoError(t, err)
	var kinds []PolicyKind
	for _, p := range topo.Services[0].Routes[0].Policies {
		kinds = append(kinds, p.Kind())
	}
	assert.Equal(t, []PolicyKind{KindRateLimit, KindTimeout, KindWebSocket}, kinds)
}

func validationPaths(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	return verrs.Paths()
}

func TestNewTopologyValidationPaths(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(svcs []*Service) []*Service
		path   string
	}{
		{
			name: "rate limit zero",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes[0].Policies = []Policy{&RateLimit{}}
				return svcs
			},
			path: "services[0].routes[0].rate_limit.requests_per_second",
		},
		{
			name: "third service bad route",
			mutate: func(svcs []*Service) []*Service {
				a, b, c := userService(), userService(), userService()
				a.Name, b.Name, c.Name = "a", "b", "c"
				for i, s := range []*Service{a, b, c} {
					s.Routes[0].Name = []string{"ra", "rb", "rc"}[i]
				}
				c.Routes[0].Policies = []Policy{&RateLimit{RequestsPerSecond: 0}}
				return []*Service{a, b, c}
			},
			path: "services[2].routes[0].rate_limit.requests_per_second",
		},
		{
			name: "no routes",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes = nil
				return svcs
			},
			path: "services[0].routes",
		},
		{
			name: "duplicate service",
			mutate: func(svcs []*Service) []*Service {
				dup := userService()
				dup.Routes[0].Name = "other"
				return append(svcs, dup)
			},
			path: "services[1].name",
		},
		{
			name: "consistent hash without key",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Upstream.Algorithm = ConsistentHash
				return svcs
			},
			path: "services[0].upstream.hash_key",
		},
		{
			name: "negative weight",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Upstream.Targets[0].Weight = -1
				return svcs
			},
			path: "services[0].upstream.targets[0].weight",
		},
		{
			name: "bad regex",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes[0].Match = PathMatch{Kind: MatchRegex, Value: "(["}
				return svcs
			},
			path: "services[0].routes[0].match.value",
		},
		{
			name: "duplicate policy kind",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes[0].Policies = append(svcs[0].Routes[0].Policies,
					&RateLimit{RequestsPerSecond: 5})
				return svcs
			},
			path: "services[0].routes[0].rate_limit",
		},
		{
			name: "retry longer than timeout",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes[0].Policies = []Policy{
					&Timeout{Request: values.Seconds(1)},
					&Retry{Attempts: 2, PerTryTimeout: values.Seconds(2)},
				}
				return svcs
			},
			path: "services[0].routes[0].retry.per_try_timeout",
		},
		{
			name: "body transform with websocket",
			mutate: func(svcs []*Service) []*Service {
				svcs[0].Routes[0].Policies = []Policy{
					&BodyTransform{Request: BodyOps{Remove: []string{"secret"}}},
					&WebSocket{Enabled: true},
				}
				return svcs
			},
			path: "services[0].routes[0].body_transform",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svcs := c.mutate([]*Service{userService()})
			_, err := NewTopology(Global{}, svcs)
			assert.Contains(t, validationPaths(t, err), c.path)
		})
	}
}

func splitService(weights ...int) *Service {
	svc := userService()
	split := &TrafficSplit{}
	for i, w := range weights {
		split.Targets = append(split.Targets, SplitTarget{
			Name:     []string{"stable", "canary", "beta"}[i],
			Weight:   w,
			Upstream: &Upstream{Targets: []Target{{Host: "10.1.0.1", Port: 80}}},
		})
	}
	svc.Routes[0].Policies = []Policy{split}
	return svc
}

func TestTrafficSplitWeightsSumTo100(t *testing.T) {
	_, err := NewTopology(Global{}, []*Service{splitService(90, 10)})
	require.NoError(t, err)

	_, err = NewTopology(Global{}, []*Service{splitService(60, 30)})
	paths := validationPaths(t, err)
	assert.Contains(t, paths, "services[0].routes[0].traffic_split.targets")
	assert.Contains(t, err.Error(), "got 90")

	_, err = NewTopology(Global{}, []*Service{splitService(50, 30, 30)})
	assert.Error(t, err)
}

func TestTrafficSplitRulesMode(t *testing.T) {
	svc := splitService(0, 0)
	split := svc.Routes[0].Policies[0].(*TrafficSplit)
	split.Rules = []SplitRule{{Header: "X-Canary", Value: "1", Target: "canary"}}
	split.Fallback = "stable"
	topo, err := NewTopology(Global{}, []*Service{svc})
	require.NoError(t, err)
	got, _ := PolicyOf[*TrafficSplit](topo.Services[0].Routes[0])
	assert.Equal(t, SplitRules, got.Mode)

	svc = splitService(0, 0)
	split = svc.Routes[0].Policies[0].(*TrafficSplit)
	split.Mode = SplitRules
	split.Rules = []SplitRule{{Header: "X-Canary", Value: "1", Target: "nope"}}
	_, err = NewTopology(Global{}, []*Service{svc})
	assert.Contains(t, validationPaths(t, err), "services[0].routes[0].traffic_split.rules[0].target")
}

func TestValidationErrorMessages(t *testing.T) {
	svc := userService()
	svc.Name = "bad name"
	_, err := NewTopology(Global{Port: 70000}, []*Service{svc})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `services[0].name: "bad name" is not a valid name`)
	assert.Contains(t, err.Error(), "global.port: must be at most 65535")
}

func TestIsIdent(t *testing.T) {
	assert.True(t, IsIdent("users-v1.api"))
	assert.False(t, IsIdent("users__split__a"))
	assert.False(t, IsIdent("-users"))
	assert.False(t, IsIdent(""))
}
