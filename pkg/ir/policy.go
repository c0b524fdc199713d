package ir

import (
	"sort"

	"github.com/jxskiss/gwxlate/pkg/values"
)

type PolicyKind string

const (
	KindRateLimit      PolicyKind = "rate_limit"
	KindAuthentication PolicyKind = "authentication"
	KindCORS           PolicyKind = "cors"
	KindHeaders        PolicyKind = "headers"
	KindTimeout        PolicyKind = "timeout"
	KindRetry          PolicyKind = "retry"
	KindCircuitBreaker PolicyKind = "circuit_breaker"
	KindBodyTransform  PolicyKind = "body_transform"
	KindTrafficSplit   PolicyKind = "traffic_split"
	KindMirror         PolicyKind = "mirror"
	KindWebSocket      PolicyKind = "websocket"
)

// PolicyKinds lists every kind in the canonical attachment order.
var PolicyKinds = []PolicyKind{
	KindRateLimit, KindAuthentication, KindCORS, KindHeaders, KindTimeout,
	KindRetry, KindCircuitBreaker, KindBodyTransform, KindTrafficSplit,
	KindMirror, KindWebSocket,
}

// Policy is the closed set of route policies. Only types in this
// package implement it.
type Policy interface {
	Kind() PolicyKind
	isPolicy()
}

type RateLimitKey string

const (
	RateLimitByIP       RateLimitKey = "ip"
	RateLimitByHeader   RateLimitKey = "header"
	RateLimitByConsumer RateLimitKey = "consumer"
	RateLimitGlobal     RateLimitKey = "global"
)

// RateLimit allows RequestsPerSecond on average with bursts of up to
// Burst extra requests. Burst zero means no burst allowance.
type RateLimit struct {
	RequestsPerSecond values.Rate  `json:"requests_per_second" yaml:"requests_per_second,omitempty" validate:"gt=0"`
	Burst             int          `json:"burst" yaml:"burst,omitempty" validate:"min=0"`
	Key               RateLimitKey `json:"key" yaml:"key,omitempty" validate:"omitempty,oneof=ip header consumer global"`
	KeyName           string       `json:"key_name" yaml:"key_name,omitempty" validate:"required_if=Key header"`
}

type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
	AuthJWT    AuthType = "jwt"
)

// Authentication requires credentials of one type. Exactly the sub-struct
// matching Type is set.
type Authentication struct {
	Type   AuthType    `json:"type" yaml:"type,omitempty" validate:"required,oneof=basic api_key jwt"`
	Basic  *BasicAuth  `json:"basic" yaml:"basic,omitempty" validate:"required_if=Type basic"`
	APIKey *APIKeyAuth `json:"api_key" yaml:"api_key,omitempty" validate:"required_if=Type api_key"`
	JWT    *JWTAuth    `json:"jwt" yaml:"jwt,omitempty" validate:"required_if=Type jwt"`
}

type BasicAuth struct {
	Realm string      `json:"realm" yaml:"realm,omitempty"`
	Users []BasicUser `json:"users" yaml:"users,omitempty" validate:"dive"`
}

type BasicUser struct {
	Username string `json:"username" yaml:"username,omitempty" validate:"required,excludes=:"`
	Password string `json:"password" yaml:"password,omitempty" validate:"required"`
}

type APIKeyAuth struct {
	Header string   `json:"header" yaml:"header,omitempty"`
	Query  string   `json:"query" yaml:"query,omitempty"`
	Keys   []string `json:"keys" yaml:"keys,omitempty" validate:"dive,required"`
}

const DefaultAPIKeyHeader = "X-API-Key"

// KeyHeader returns the configured header or the default one when no
// query parameter is configured either.
func (a *APIKeyAuth) KeyHeader() string {
	if a.Header == "" && a.Query == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

type JWTAuth struct {
	Issuer     string   `json:"issuer" yaml:"issuer,omitempty"`
	Audiences  []string `json:"audiences" yaml:"audiences,omitempty"`
	JWKSURI    string   `json:"jwks_uri" yaml:"jwks_uri,omitempty" validate:"omitempty,url"`
	Algorithms []string `json:"algorithms" yaml:"algorithms,omitempty" validate:"dive,oneof=RS256 RS384 RS512 ES256 ES384 ES512 HS256 HS384 HS512 PS256 PS384 PS512"`
	Header     string   `json:"header" yaml:"header,omitempty"`
}

type CORS struct {
	AllowOrigins     []string         `json:"allow_origins" yaml:"allow_origins,omitempty" validate:"required,min=1"`
	AllowMethods     values.MethodSet `json:"allow_methods" yaml:"allow_methods,omitempty"`
	AllowHeaders     []string         `json:"allow_headers" yaml:"allow_headers,omitempty"`
	ExposeHeaders    []string         `json:"expose_headers" yaml:"expose_headers,omitempty"`
	AllowCredentials bool             `json:"allow_credentials" yaml:"allow_credentials,omitempty"`
	MaxAge           values.Duration  `json:"max_age" yaml:"max_age,omitempty"`
}

// AllowsAnyOrigin tells whether "*" is one of the allowed origins.
func (c *CORS) AllowsAnyOrigin() bool {
	for _, o := range c.AllowOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

type Header struct {
	Name  string `json:"name" yaml:"name,omitempty" validate:"required"`
	Value string `json:"value" yaml:"value,omitempty"`
}

// HeaderOps are applied in the order remove, set, add.
type HeaderOps struct {
	Add    []Header `json:"add" yaml:"add,omitempty" validate:"dive"`
	Set    []Header `json:"set" yaml:"set,omitempty" validate:"dive"`
	Remove []string `json:"remove" yaml:"remove,omitempty" validate:"dive,required"`
}

func (o HeaderOps) IsEmpty() bool {
	return len(o.Add) == 0 && len(o.Set) == 0 && len(o.Remove) == 0
}

type Headers struct {
	Request  HeaderOps `json:"request" yaml:"request,omitempty"`
	Response HeaderOps `json:"response" yaml:"response,omitempty"`
}

type Timeout struct {
	Connect values.Duration `json:"connect" yaml:"connect,omitempty"`
	Request values.Duration `json:"request" yaml:"request,omitempty"`
	Idle    values.Duration `json:"idle" yaml:"idle,omitempty"`
}

type Retry struct {
	Attempts      int             `json:"attempts" yaml:"attempts,omitempty" validate:"min=1,max=10"`
	PerTryTimeout values.Duration `json:"per_try_timeout" yaml:"per_try_timeout,omitempty"`
	RetryOn       []string        `json:"retry_on" yaml:"retry_on,omitempty" validate:"dive,oneof=5xx gateway-error connect-failure reset retriable-4xx timeout"`
}

// DefaultRetryOn is used when a Retry policy does not list conditions.
var DefaultRetryOn = []string{"5xx", "connect-failure"}

// Conditions returns RetryOn or the defaults.
func (r *Retry) Conditions() []string {
	if len(r.RetryOn) == 0 {
		return DefaultRetryOn
	}
	return r.RetryOn
}

// CircuitBreaker limits concurrency towards the upstream and opens after
// MaxFailures consecutive failures for OpenTimeout.
type CircuitBreaker struct {
	MaxConnections     int             `json:"max_connections" yaml:"max_connections,omitempty" validate:"min=0"`
	MaxPendingRequests int             `json:"max_pending_requests" yaml:"max_pending_requests,omitempty" validate:"min=0"`
	MaxRequests        int             `json:"max_requests" yaml:"max_requests,omitempty" validate:"min=0"`
	MaxFailures        int             `json:"max_failures" yaml:"max_failures,omitempty" validate:"min=0"`
	OpenTimeout        values.Duration `json:"open_timeout" yaml:"open_timeout,omitempty"`
	HalfOpenRequests   int             `json:"half_open_requests" yaml:"half_open_requests,omitempty" validate:"min=0"`
}

type Field struct {
	Name  string `json:"name" yaml:"name,omitempty" validate:"required"`
	Value string `json:"value" yaml:"value,omitempty"`
}

type Rename struct {
	From string `json:"from" yaml:"from,omitempty" validate:"required"`
	To   string `json:"to" yaml:"to,omitempty" validate:"required"`
}

// BodyOps operate on top-level fields of a JSON body.
type BodyOps struct {
	Add    []Field  `json:"add" yaml:"add,omitempty" validate:"dive"`
	Remove []string `json:"remove" yaml:"remove,omitempty" validate:"dive,required"`
	Rename []Rename `json:"rename" yaml:"rename,omitempty" validate:"dive"`
}

func (o BodyOps) IsEmpty() bool {
	return len(o.Add) == 0 && len(o.Remove) == 0 && len(o.Rename) == 0
}

type BodyTransform struct {
	Request  BodyOps `json:"request" yaml:"request,omitempty"`
	Response BodyOps `json:"response" yaml:"response,omitempty"`
}

type SplitMode string

const (
	SplitWeight SplitMode = "weight"
	SplitRules  SplitMode = "rules"
)

// TrafficSplit sends route traffic to alternative upstreams, either by
// weight (weights sum to 100) or by header rules.
type TrafficSplit struct {
	Mode     SplitMode     `json:"mode" yaml:"mode,omitempty" validate:"omitempty,oneof=weight rules"`
	Targets  []SplitTarget `json:"targets" yaml:"targets,omitempty" validate:"required,min=1,dive"`
	Rules    []SplitRule   `json:"rules" yaml:"rules,omitempty" validate:"dive"`
	Fallback string        `json:"fallback" yaml:"fallback,omitempty"`
}

type SplitTarget struct {
	Name     string    `json:"name" yaml:"name,omitempty" validate:"required,ident"`
	Weight   int       `json:"weight" yaml:"weight,omitempty" validate:"min=0,max=100"`
	Upstream *Upstream `json:"upstream" yaml:"upstream,omitempty" validate:"required"`
}

type SplitRule struct {
	Header string `json:"header" yaml:"header,omitempty" validate:"required"`
	Value  string `json:"value" yaml:"value,omitempty" validate:"required"`
	Target string `json:"target" yaml:"target,omitempty" validate:"required"`
}

// Target returns the split target named name.
func (s *TrafficSplit) Target(name string) *SplitTarget {
	for i := range s.Targets {
		if s.Targets[i].Name == name {
			return &s.Targets[i]
		}
	}
	return nil
}

// Mirror copies a sample of requests to a shadow upstream, ignoring
// its responses.
type Mirror struct {
	Name             string            `json:"name" yaml:"name,omitempty" validate:"required,ident"`
	Upstream         Upstream          `json:"upstream" yaml:"upstream,omitempty"`
	SamplePercentage values.Percentage `json:"sample_percentage" yaml:"sample_percentage,omitempty" validate:"min=0,max=100"`
}

type WebSocket struct {
	Enabled        bool            `json:"enabled" yaml:"enabled,omitempty"`
	IdleTimeout    values.Duration `json:"idle_timeout" yaml:"idle_timeout,omitempty"`
	MaxMessageSize values.ByteSize `json:"max_message_size" yaml:"max_message_size,omitempty" validate:"min=0"`
	PingInterval   values.Duration `json:"ping_interval" yaml:"ping_interval,omitempty"`
}

func (*RateLimit) Kind() PolicyKind      { return KindRateLimit }
func (*Authentication) Kind() PolicyKind { return KindAuthentication }
func (*CORS) Kind() PolicyKind           { return KindCORS }
func (*Headers) Kind() PolicyKind        { return KindHeaders }
func (*Timeout) Kind() PolicyKind        { return KindTimeout }
func (*Retry) Kind() PolicyKind          { return KindRetry }
func (*CircuitBreaker) Kind() PolicyKind { return KindCircuitBreaker }
func (*BodyTransform) Kind() PolicyKind  { return KindBodyTransform }
func (*TrafficSplit) Kind() PolicyKind   { return KindTrafficSplit }
func (*Mirror) Kind() PolicyKind         { return KindMirror }
func (*WebSocket) Kind() PolicyKind      { return KindWebSocket }

func (*RateLimit) isPolicy()      {}
func (*Authentication) isPolicy() {}
func (*CORS) isPolicy()           {}
func (*Headers) isPolicy()        {}
func (*Timeout) isPolicy()        {}
func (*Retry) isPolicy()          {}
func (*CircuitBreaker) isPolicy() {}
func (*BodyTransform) isPolicy()  {}
func (*TrafficSplit) isPolicy()   {}
func (*Mirror) isPolicy()         {}
func (*WebSocket) isPolicy()      {}

// SortPolicies orders policies by kind in the canonical order, keeping
// the relative order of policies of the same kind.
func SortPolicies(policies []Policy) {
	rank := make(map[PolicyKind]int, len(PolicyKinds))
	for i, k := range PolicyKinds {
		rank[k] = i
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return rank[policies[i].Kind()] < rank[policies[j].Kind()]
	})
}
