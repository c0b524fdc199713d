package api

import (
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
)

type Service struct {
	Name     string      `json:"name" yaml:"name"`
	Protocol string      `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Upstream ir.Upstream `json:"upstream" yaml:"upstream"`

	// Policies are inherited by every route that does not carry a
	// policy of the same kind.
	Policies Policies `json:"policies,omitempty" yaml:"policies,omitempty"`

	Routes []*Route `json:"routes" yaml:"routes"`
}

type Route struct {
	Name    string           `json:"name,omitempty" yaml:"name,omitempty"`
	Path    string           `json:"path" yaml:"path"`
	Match   ir.MatchKind     `json:"match,omitempty" yaml:"match,omitempty"`
	Methods values.MethodSet `json:"methods,omitempty" yaml:"methods,omitempty"`

	Policies `yaml:",inline"`
}

// Policies holds at most one policy of each kind.
type Policies struct {
	RateLimit      *ir.RateLimit      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Authentication *ir.Authentication `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	CORS           *ir.CORS           `json:"cors,omitempty" yaml:"cors,omitempty"`
	Headers        *ir.Headers        `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout        *ir.Timeout        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry          *ir.Retry          `json:"retry,omitempty" yaml:"retry,omitempty"`
	CircuitBreaker *ir.CircuitBreaker `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	BodyTransform  *ir.BodyTransform  `json:"body_transform,omitempty" yaml:"body_transform,omitempty"`
	TrafficSplit   *ir.TrafficSplit   `json:"traffic_split,omitempty" yaml:"traffic_split,omitempty"`
	Mirror         *ir.Mirror         `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	WebSocket      *ir.WebSocket      `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// List returns the set policies in canonical order.
func (p *Policies) List() []ir.Policy {
	var out []ir.Policy
	add := func(ok bool, x ir.Policy) {
		if ok {
			out = append(out, x)
		}
	}
	add(p.RateLimit != nil, p.RateLimit)
	add(p.Authentication != nil, p.Authentication)
	add(p.CORS != nil, p.CORS)
	add(p.Headers != nil, p.Headers)
	add(p.Timeout != nil, p.Timeout)
	add(p.Retry != nil, p.Retry)
	add(p.CircuitBreaker != nil, p.CircuitBreaker)
	add(p.BodyTransform != nil, p.BodyTransform)
	add(p.TrafficSplit != nil, p.TrafficSplit)
	add(p.Mirror != nil, p.Mirror)
	add(p.WebSocket != nil, p.WebSocket)
	return out
}

// Set stores x in the slot of its kind, replacing any previous one.
func (p *Policies) Set(x ir.Policy) {
	switch v := x.(type) {
	case *ir.RateLimit:
		p.RateLimit = v
	case *ir.Authentication:
		p.Authentication = v
	case *ir.CORS:
		p.CORS = v
	case *ir.Headers:
		p.Headers = v
	case *ir.Timeout:
		p.Timeout = v
	case *ir.Retry:
		p.Retry = v
	case *ir.CircuitBreaker:
		p.CircuitBreaker = v
	case *ir.BodyTransform:
		p.BodyTransform = v
	case *ir.TrafficSplit:
		p.TrafficSplit = v
	case *ir.Mirror:
		p.Mirror = v
	case *ir.WebSocket:
		p.WebSocket = v
	}
}

// Inherit copies every policy of defaults whose kind p does not carry.
func (p *Policies) Inherit(defaults *Policies) {
	have := make(map[ir.PolicyKind]bool)
	for _, x := range p.List() {
		have[x.Kind()] = true
	}
	for _, x := range defaults.List() {
		if !have[x.Kind()] {
			p.Set(clonePolicy(x))
		}
	}
}

// clonePolicy copies the top level of x so that routes do not share a
// policy value. Nested slices stay shared and are never modified.
func clonePolicy(x ir.Policy) ir.Policy {
	switch v := x.(type) {
	case *ir.RateLimit:
		c := *v
		return &c
	case *ir.Authentication:
		c := *v
		return &c
	case *ir.CORS:
		c := *v
		return &c
	case *ir.Headers:
		c := *v
		return &c
	case *ir.Timeout:
		c := *v
		return &c
	case *ir.Retry:
		c := *v
		return &c
	case *ir.CircuitBreaker:
		c := *v
		return &c
	case *ir.BodyTransform:
		c := *v
		return &c
	case *ir.TrafficSplit:
		c := *v
		c.Targets = append([]ir.SplitTarget(nil), v.Targets...)
		return &c
	case *ir.Mirror:
		c := *v
		return &c
	case *ir.WebSocket:
		c := *v
		return &c
	}
	return x
}
