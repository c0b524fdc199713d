package traefik

import (
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

const (
	// ConfigFile holds the dynamic configuration.
	ConfigFile = "traefik.yaml"
	// StaticFile holds entry points, the API, logs and metrics.
	StaticFile = "traefik-static.yaml"
)

const (
	entryPointWeb     = "web"
	entryPointAdmin   = "traefik"
	entryPointMetrics = "metrics"

	// Suffixes of generated services, "__" never occurs in IR names.
	weightedSuffix  = "__weighted"
	mirroringSuffix = "__mirroring"

	defaultStickyCookie = "gwxlate_affinity"
	breakerExpression   = "ResponseCodeRatio(500, 600, 0, 600) > 0.50"
)

type dynamicConfig struct {
	HTTP *httpConfig `yaml:"http"`
}

// httpConfig keeps entities in declaration order.
type httpConfig struct {
	Routers           xlate.OrderedMap `yaml:"routers,omitempty"`
	Services          xlate.OrderedMap `yaml:"services,omitempty"`
	Middlewares       xlate.OrderedMap `yaml:"middlewares,omitempty"`
	ServersTransports xlate.OrderedMap `yaml:"serversTransports,omitempty"`
}

type router struct {
	EntryPoints []string   `yaml:"entryPoints,omitempty"`
	Rule        string     `yaml:"rule"`
	Priority    int        `yaml:"priority,omitempty"`
	Service     string     `yaml:"service"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *yaml.Node `yaml:"tls,omitempty"`
}

type service struct {
	LoadBalancer *loadBalancer `yaml:"loadBalancer,omitempty"`
	Weighted     *weighted     `yaml:"weighted,omitempty"`
	Mirroring    *mirroring    `yaml:"mirroring,omitempty"`
}

type loadBalancer struct {
	Servers          []server     `yaml:"servers"`
	Sticky           *sticky      `yaml:"sticky,omitempty"`
	HealthCheck      *healthCheck `yaml:"healthCheck,omitempty"`
	PassHostHeader   *bool        `yaml:"passHostHeader,omitempty"`
	ServersTransport string       `yaml:"serversTransport,omitempty"`
}

type server struct {
	URL    string `yaml:"url"`
	Weight *int   `yaml:"weight,omitempty"`
}

type sticky struct {
	Cookie *stickyCookie `yaml:"cookie"`
}

type stickyCookie struct {
	Name     string `yaml:"name,omitempty"`
	Secure   bool   `yaml:"secure,omitempty"`
	HTTPOnly bool   `yaml:"httpOnly,omitempty"`
}

type healthCheck struct {
	Path     string          `yaml:"path"`
	Interval values.Duration `yaml:"interval,omitempty"`
	Timeout  values.Duration `yaml:"timeout,omitempty"`
	Status   int             `yaml:"status,omitempty"`
}

type weighted struct {
	Services []weightedService `yaml:"services"`
}

type weightedService struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type mirroring struct {
	Service string   `yaml:"service"`
	Mirrors []mirror `yaml:"mirrors"`
}

type mirror struct {
	Name    string `yaml:"name"`
	Percent int    `yaml:"percent"`
}

type middleware struct {
	RateLimit      *rateLimit      `yaml:"rateLimit,omitempty"`
	BasicAuth      *basicAuth      `yaml:"basicAuth,omitempty"`
	Headers        *headers        `yaml:"headers,omitempty"`
	Retry          *retry          `yaml:"retry,omitempty"`
	CircuitBreaker *circuitBreaker `yaml:"circuitBreaker,omitempty"`
	InFlightReq    *inFlightReq    `yaml:"inFlightReq,omitempty"`
}

var knownMiddlewares = []string{"rateLimit", "basicAuth", "headers", "retry", "circuitBreaker", "inFlightReq"}

type rateLimit struct {
	Average         int64            `yaml:"average"`
	Period          values.Duration  `yaml:"period,omitempty"`
	Burst           int64            `yaml:"burst,omitempty"`
	SourceCriterion *sourceCriterion `yaml:"sourceCriterion,omitempty"`
}

type sourceCriterion struct {
	IPStrategy        *ipStrategy `yaml:"ipStrategy,omitempty"`
	RequestHeaderName string      `yaml:"requestHeaderName,omitempty"`
	RequestHost       bool        `yaml:"requestHost,omitempty"`
}

type ipStrategy struct {
	Depth int `yaml:"depth,omitempty"`
}

type basicAuth struct {
	Users        []string `yaml:"users"`
	Realm        string   `yaml:"realm,omitempty"`
	RemoveHeader bool     `yaml:"removeHeader,omitempty"`
}

type headers struct {
	CustomRequestHeaders          headerMap `yaml:"customRequestHeaders,omitempty"`
	CustomResponseHeaders         headerMap `yaml:"customResponseHeaders,omitempty"`
	AccessControlAllowOriginList  []string  `yaml:"accessControlAllowOriginList,omitempty"`
	AccessControlAllowMethods     []string  `yaml:"accessControlAllowMethods,omitempty"`
	AccessControlAllowHeaders     []string  `yaml:"accessControlAllowHeaders,omitempty"`
	AccessControlExposeHeaders    []string  `yaml:"accessControlExposeHeaders,omitempty"`
	AccessControlAllowCredentials bool      `yaml:"accessControlAllowCredentials,omitempty"`
	AccessControlMaxAge           int64     `yaml:"accessControlMaxAge,omitempty"`
	AddVaryHeader                 bool      `yaml:"addVaryHeader,omitempty"`
}

func (h *headers) hasCORS() bool {
	return len(h.AccessControlAllowOriginList) > 0 || len(h.AccessControlAllowMethods) > 0 ||
		len(h.AccessControlAllowHeaders) > 0 || h.AccessControlAllowCredentials
}

// headerMap is a mapping of header names to values in declaration
// order. An empty value removes the header.
type headerMap []ir.Header

func (m headerMap) MarshalYAML() (any, error) {
	om := make(xlate.OrderedMap, 0, len(m))
	for _, h := range m {
		om.Set(h.Name, h.Value)
	}
	return om, nil
}

func (m *headerMap) UnmarshalYAML(value *yaml.Node) error {
	var out headerMap
	xlate.MapEach(value, func(key string, v *yaml.Node) {
		out = append(out, ir.Header{Name: key, Value: xlate.ScalarString(v)})
	})
	*m = out
	return nil
}

type retry struct {
	Attempts        int             `yaml:"attempts"`
	InitialInterval values.Duration `yaml:"initialInterval,omitempty"`
}

type circuitBreaker struct {
	Expression       string          `yaml:"expression"`
	CheckPeriod      values.Duration `yaml:"checkPeriod,omitempty"`
	FallbackDuration values.Duration `yaml:"fallbackDuration,omitempty"`
	RecoveryDuration values.Duration `yaml:"recoveryDuration,omitempty"`
}

type inFlightReq struct {
	Amount int64 `yaml:"amount"`
}

type serversTransport struct {
	ForwardingTimeouts *forwardingTimeouts `yaml:"forwardingTimeouts,omitempty"`
}

type forwardingTimeouts struct {
	DialTimeout           values.Duration `yaml:"dialTimeout,omitempty"`
	ResponseHeaderTimeout values.Duration `yaml:"responseHeaderTimeout,omitempty"`
	IdleConnTimeout       values.Duration `yaml:"idleConnTimeout,omitempty"`
}

type staticConfig struct {
	EntryPoints      map[string]*entryPoint `yaml:"entryPoints"`
	Providers        *providers             `yaml:"providers,omitempty"`
	API              *api                   `yaml:"api,omitempty"`
	Log              *logConfig             `yaml:"log,omitempty"`
	AccessLog        *accessLog             `yaml:"accessLog,omitempty"`
	Metrics          *metrics               `yaml:"metrics,omitempty"`
	ServersTransport *serversTransport      `yaml:"serversTransport,omitempty"`
}

var knownStaticKeys = []string{"entryPoints", "providers", "api", "log", "accessLog", "metrics", "serversTransport"}

type entryPoint struct {
	Address string `yaml:"address"`
}

type providers struct {
	File *fileProvider `yaml:"file,omitempty"`
}

type fileProvider struct {
	Filename string `yaml:"filename,omitempty"`
	Watch    bool   `yaml:"watch,omitempty"`
}

type api struct {
	Insecure  bool `yaml:"insecure,omitempty"`
	Dashboard bool `yaml:"dashboard,omitempty"`
}

type logConfig struct {
	Level string `yaml:"level,omitempty"`
}

type accessLog struct {
	FilePath string `yaml:"filePath,omitempty"`
	Format   string `yaml:"format,omitempty"`
}

type metrics struct {
	Prometheus *prometheus `yaml:"prometheus,omitempty"`
}

type prometheus struct {
	EntryPoint string `yaml:"entryPoint,omitempty"`
}
