package ir

import (
	"fmt"
	"strconv"

	"github.com/jxskiss/gwxlate/pkg/values"
)

// Service is a named logical API with one upstream and ordered routes.
type Service struct {
	Name     string   `json:"name" yaml:"name,omitempty" validate:"required,ident"`
	Protocol string   `json:"protocol" yaml:"protocol,omitempty" validate:"omitempty,oneof=http https grpc"`
	Upstream Upstream `json:"upstream" yaml:"upstream,omitempty"`
	Routes   []*Route `json:"routes" yaml:"routes,omitempty" validate:"required,min=1,dive"`
}

type LBAlgorithm string

const (
	RoundRobin       LBAlgorithm = "round_robin"
	LeastConnections LBAlgorithm = "least_connections"
	ConsistentHash   LBAlgorithm = "consistent_hash"
	Weighted         LBAlgorithm = "weighted"
)

// Upstream is a set of backend targets and how to balance between them.
type Upstream struct {
	Targets     []Target     `json:"targets" yaml:"targets,omitempty" validate:"required,min=1,dive"`
	Algorithm   LBAlgorithm  `json:"algorithm" yaml:"algorithm,omitempty" validate:"omitempty,oneof=round_robin least_connections consistent_hash weighted"`
	HashKey     *HashKey     `json:"hash_key" yaml:"hash_key,omitempty"`
	HealthCheck *HealthCheck `json:"health_check" yaml:"health_check,omitempty"`
}

// Target is one backend endpoint. Weight zero means unset.
type Target struct {
	Host   string `json:"host" yaml:"host,omitempty" validate:"required,hostname_rfc1123|ip"`
	Port   int    `json:"port" yaml:"port,omitempty" validate:"required,min=1,max=65535"`
	Weight int    `json:"weight" yaml:"weight,omitempty" validate:"min=0"`
}

func (t Target) Address() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// EffectiveWeight returns the weight, treating unset as 1.
func (t Target) EffectiveWeight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

type HashSource string

const (
	HashHeader HashSource = "header"
	HashCookie HashSource = "cookie"
	HashIP     HashSource = "ip"
	HashURI    HashSource = "uri"
	HashQuery  HashSource = "query"
)

// HashKey selects the request attribute for consistent hashing.
type HashKey struct {
	Source HashSource `json:"source" yaml:"source,omitempty" validate:"required,oneof=header cookie ip uri query"`
	Name   string     `json:"name" yaml:"name,omitempty" validate:"required_if=Source header,required_if=Source cookie,required_if=Source query"`
}

type HealthCheck struct {
	Active  *ActiveHealthCheck  `json:"active" yaml:"active,omitempty"`
	Passive *PassiveHealthCheck `json:"passive" yaml:"passive,omitempty"`
}

// ActiveHealthCheck probes targets periodically with HTTP requests.
type ActiveHealthCheck struct {
	Path               string          `json:"path" yaml:"path,omitempty" validate:"required,startswith=/"`
	Interval           values.Duration `json:"interval" yaml:"interval,omitempty"`
	Timeout            values.Duration `json:"timeout" yaml:"timeout,omitempty"`
	HealthyThreshold   int             `json:"healthy_threshold" yaml:"healthy_threshold,omitempty" validate:"min=0"`
	UnhealthyThreshold int             `json:"unhealthy_threshold" yaml:"unhealthy_threshold,omitempty" validate:"min=0"`
	ExpectedStatuses   []int           `json:"expected_statuses" yaml:"expected_statuses,omitempty" validate:"dive,min=100,max=599"`
}

// PassiveHealthCheck ejects targets based on observed failures.
type PassiveHealthCheck struct {
	MaxFailures       int             `json:"max_failures" yaml:"max_failures,omitempty" validate:"min=1"`
	EjectionTime      values.Duration `json:"ejection_time" yaml:"ejection_time,omitempty"`
	UnhealthyStatuses []int           `json:"unhealthy_statuses" yaml:"unhealthy_statuses,omitempty" validate:"dive,min=100,max=599"`
}

type MatchKind string

const (
	MatchPrefix MatchKind = "prefix"
	MatchExact  MatchKind = "exact"
	MatchRegex  MatchKind = "regex"
)

type PathMatch struct {
	Kind  MatchKind `json:"kind" yaml:"kind,omitempty" validate:"omitempty,oneof=prefix exact regex"`
	Value string    `json:"value" yaml:"value,omitempty" validate:"required"`
}

func (m PathMatch) String() string {
	return string(m.Kind) + ":" + m.Value
}

// Route matches requests by path and method and carries policies.
// At most one policy of each kind is attached.
type Route struct {
	Name     string           `json:"name" yaml:"name,omitempty" validate:"omitempty,ident"`
	Match    PathMatch        `json:"match" yaml:"match,omitempty"`
	Methods  values.MethodSet `json:"methods" yaml:"methods,omitempty"`
	Policies []Policy         `json:"policies" yaml:"-" validate:"-"`
}

// Policy returns the attached policy of the given kind, or nil.
func (r *Route) Policy(kind PolicyKind) Policy {
	for _, p := range r.Policies {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}

// PolicyOf returns the route's policy of type T.
func PolicyOf[T Policy](r *Route) (T, bool) {
	for _, p := range r.Policies {
		if x, ok := p.(T); ok {
			return x, true
		}
	}
	var zero T
	return zero, false
}

// DefaultRouteName is the name given to an unnamed route.
func DefaultRouteName(service string, index int) string {
	return fmt.Sprintf("%s-%d", service, index)
}

// NormalizeService fills defaults on svc in place and puts route
// policies in canonical order.
func NormalizeService(svc *Service) {
	if svc.Protocol == "" {
		svc.Protocol = "http"
	}
	NormalizeUpstream(&svc.Upstream)
	for i, route := range svc.Routes {
		if route == nil {
			continue
		}
		if route.Name == "" {
			route.Name = DefaultRouteName(svc.Name, i)
		}
		if route.Match.Kind == "" {
			route.Match.Kind = MatchPrefix
		}
		SortPolicies(route.Policies)
		for _, p := range route.Policies {
			switch x := p.(type) {
			case *TrafficSplit:
				if x.Mode == "" {
					x.Mode = SplitWeight
					if len(x.Rules) > 0 {
						x.Mode = SplitRules
					}
				}
				for j := range x.Targets {
					if x.Targets[j].Upstream != nil {
						NormalizeUpstream(x.Targets[j].Upstream)
					}
				}
			case *Mirror:
				NormalizeUpstream(&x.Upstream)
			}
		}
	}
}

// NormalizeUpstream applies the load-balancing defaults: round robin when
// unset, weighted when any target carries an explicit weight.
func NormalizeUpstream(up *Upstream) {
	hasWeight := false
	for _, t := range up.Targets {
		if t.Weight > 0 {
			hasWeight = true
		}
	}
	if up.Algorithm == "" {
		up.Algorithm = RoundRobin
	}
	if up.Algorithm == RoundRobin && hasWeight {
		up.Algorithm = Weighted
	}
	if up.Algorithm == Weighted {
		for i := range up.Targets {
			if up.Targets[i].Weight == 0 {
				up.Targets[i].Weight = 1
			}
		}
	}
}

// HasWeights tells whether any target weight differs from the others.
func (u *Upstream) HasWeights() bool {
	for _, t := range u.Targets {
		if t.EffectiveWeight() != u.Targets[0].EffectiveWeight() {
			return true
		}
	}
	return false
}
