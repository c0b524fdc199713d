package kong

import (
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of the generated file.
const ConfigFile = "kong.yaml"

const formatVersion = "3.0"

// Plugin names.
const (
	pluginRateLimiting        = "rate-limiting"
	pluginBasicAuth           = "basic-auth"
	pluginKeyAuth             = "key-auth"
	pluginJWT                 = "jwt"
	pluginACL                 = "acl"
	pluginCORS                = "cors"
	pluginRequestTransformer  = "request-transformer"
	pluginResponseTransformer = "response-transformer"
	pluginPreFunction         = "pre-function"
	pluginFileLog             = "file-log"
	pluginPrometheus          = "prometheus"
)

// Tags carry IR details that Kong entities have no field for.
const (
	tagWebSocket      = "websocket"
	tagCircuitBreaker = "circuit-breaker"
	tagGlobalTimeout  = "global-timeout"
	tagSplitPrefix    = "split:"
)

const (
	defaultAccessLogPath = "/dev/stdout"
	defaultTargetPort    = 8000
	defaultJWTHeader     = "authorization"
	jwtKeyClaim          = "iss"
	jwtKeyPlaceholder    = "-----BEGIN PUBLIC KEY-----\nprovision from the issuer JWKS\n-----END PUBLIC KEY-----"

	// Kong's own defaults, omitted on import.
	kongDefaultTimeoutMS = 60000
	kongDefaultRetries   = 5
	kongDefaultWeight    = 100
)

var (
	defaultHealthInterval    = 10.0
	defaultHealthTimeout     = 1.0
	defaultHealthySuccesses  = 2
	defaultUnhealthyFailures = 3
)

// entityNamespace scopes the name-based ids of generated entities, so
// that repeated exports keep ids stable.
var entityNamespace = uuid.MustParse("6f1f4f5e-5b1a-4d8e-9a43-2c1f7d0b9e11")

func entityID(kind, name string) string {
	return uuid.NewSHA1(entityNamespace, []byte(kind+"/"+name)).String()
}

type document struct {
	FormatVersion string      `yaml:"_format_version"`
	Services      []*service  `yaml:"services,omitempty"`
	Upstreams     []*upstream `yaml:"upstreams,omitempty"`
	Consumers     []*consumer `yaml:"consumers,omitempty"`
	Plugins       []*plugin   `yaml:"plugins,omitempty"`
}

type service struct {
	ID             string    `yaml:"id,omitempty"`
	Name           string    `yaml:"name"`
	URL            string    `yaml:"url,omitempty"`
	Protocol       string    `yaml:"protocol,omitempty"`
	Host           string    `yaml:"host,omitempty"`
	Port           int       `yaml:"port,omitempty"`
	Path           string    `yaml:"path,omitempty"`
	ConnectTimeout int64     `yaml:"connect_timeout,omitempty"`
	ReadTimeout    int64     `yaml:"read_timeout,omitempty"`
	WriteTimeout   int64     `yaml:"write_timeout,omitempty"`
	Retries        *int      `yaml:"retries,omitempty"`
	Tags           []string  `yaml:"tags,omitempty"`
	Routes         []*route  `yaml:"routes,omitempty"`
	Plugins        []*plugin `yaml:"plugins,omitempty"`
}

type route struct {
	ID        string              `yaml:"id,omitempty"`
	Name      string              `yaml:"name"`
	Paths     []string            `yaml:"paths,omitempty"`
	Methods   []string            `yaml:"methods,omitempty"`
	Hosts     []string            `yaml:"hosts,omitempty"`
	Headers   map[string][]string `yaml:"headers,omitempty"`
	StripPath *bool               `yaml:"strip_path,omitempty"`
	Service   *entityRef          `yaml:"service,omitempty"`
	Tags      []string            `yaml:"tags,omitempty"`
	Plugins   []*plugin           `yaml:"plugins,omitempty"`

	line int
}

func (r *route) UnmarshalYAML(node *yaml.Node) error {
	type plain route
	if err := node.Decode((*plain)(r)); err != nil {
		return err
	}
	r.line = node.Line
	return nil
}

type entityRef struct {
	Name string `yaml:"name,omitempty"`
	ID   string `yaml:"id,omitempty"`
}

func (r *entityRef) key() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// plugin keeps the config as a node on import, so that each plugin
// decodes it into its own config type.
type plugin struct {
	Name     string     `yaml:"name"`
	Enabled  *bool      `yaml:"enabled,omitempty"`
	Route    *entityRef `yaml:"route,omitempty"`
	Service  *entityRef `yaml:"service,omitempty"`
	Consumer *entityRef `yaml:"consumer,omitempty"`
	Config   any        `yaml:"config,omitempty"`

	node *yaml.Node
	line int
}

func (p *plugin) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name     string     `yaml:"name"`
		Enabled  *bool      `yaml:"enabled"`
		Route    *entityRef `yaml:"route"`
		Service  *entityRef `yaml:"service"`
		Consumer *entityRef `yaml:"consumer"`
		Config   yaml.Node  `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = plugin{
		Name:     raw.Name,
		Enabled:  raw.Enabled,
		Route:    raw.Route,
		Service:  raw.Service,
		Consumer: raw.Consumer,
		node:     node,
		line:     node.Line,
	}
	if raw.Config.Kind != 0 {
		cfg := raw.Config
		p.Config = &cfg
	}
	return nil
}

func (p *plugin) disabled() bool {
	return p.Enabled != nil && !*p.Enabled
}

// decode unmarshals the plugin config into out.
func (p *plugin) decode(out any) error {
	node, ok := p.Config.(*yaml.Node)
	if !ok || node == nil {
		return nil
	}
	return node.Decode(out)
}

type upstream struct {
	ID               string        `yaml:"id,omitempty"`
	Name             string        `yaml:"name"`
	Algorithm        string        `yaml:"algorithm,omitempty"`
	HashOn           string        `yaml:"hash_on,omitempty"`
	HashOnHeader     string        `yaml:"hash_on_header,omitempty"`
	HashOnCookie     string        `yaml:"hash_on_cookie,omitempty"`
	HashOnCookiePath string        `yaml:"hash_on_cookie_path,omitempty"`
	HashOnQueryArg   string        `yaml:"hash_on_query_arg,omitempty"`
	Healthchecks     *healthchecks `yaml:"healthchecks,omitempty"`
	Tags             []string      `yaml:"tags,omitempty"`
	Targets          []*target     `yaml:"targets,omitempty"`
}

type target struct {
	Target string   `yaml:"target"`
	Weight *int     `yaml:"weight,omitempty"`
	Tags   []string `yaml:"tags,omitempty"`
}

type healthchecks struct {
	Active  *activeCheck  `yaml:"active,omitempty"`
	Passive *passiveCheck `yaml:"passive,omitempty"`
}

type activeCheck struct {
	Type      string          `yaml:"type,omitempty"`
	HTTPPath  string          `yaml:"http_path,omitempty"`
	Timeout   float64         `yaml:"timeout,omitempty"`
	Healthy   *healthyState   `yaml:"healthy,omitempty"`
	Unhealthy *unhealthyState `yaml:"unhealthy,omitempty"`
}

type passiveCheck struct {
	Type      string          `yaml:"type,omitempty"`
	Unhealthy *unhealthyState `yaml:"unhealthy,omitempty"`
}

type healthyState struct {
	Interval     float64 `yaml:"interval,omitempty"`
	Successes    int     `yaml:"successes,omitempty"`
	HTTPStatuses []int   `yaml:"http_statuses,omitempty"`
}

type unhealthyState struct {
	Interval     float64 `yaml:"interval,omitempty"`
	HTTPFailures int     `yaml:"http_failures,omitempty"`
	TCPFailures  int     `yaml:"tcp_failures,omitempty"`
	Timeouts     int     `yaml:"timeouts,omitempty"`
	HTTPStatuses []int   `yaml:"http_statuses,omitempty"`
}

type consumer struct {
	Username   string      `yaml:"username"`
	ACLs       []aclGroup  `yaml:"acls,omitempty"`
	BasicAuth  []basicCred `yaml:"basicauth_credentials,omitempty"`
	KeyAuth    []keyCred   `yaml:"keyauth_credentials,omitempty"`
	JWTSecrets []jwtSecret `yaml:"jwt_secrets,omitempty"`
}

func (c *consumer) inGroup(group string) bool {
	for _, g := range c.ACLs {
		if g.Group == group {
			return true
		}
	}
	return false
}

type aclGroup struct {
	Group string `yaml:"group"`
}

type basicCred struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type keyCred struct {
	Key string `yaml:"key"`
}

type jwtSecret struct {
	Key          string `yaml:"key"`
	Algorithm    string `yaml:"algorithm,omitempty"`
	RSAPublicKey string `yaml:"rsa_public_key,omitempty"`
	Secret       string `yaml:"secret,omitempty"`
}

// Plugin configs.

type rateLimitingConfig struct {
	Second     float64 `yaml:"second,omitempty"`
	Minute     float64 `yaml:"minute,omitempty"`
	Hour       float64 `yaml:"hour,omitempty"`
	Day        float64 `yaml:"day,omitempty"`
	Policy     string  `yaml:"policy,omitempty"`
	LimitBy    string  `yaml:"limit_by,omitempty"`
	HeaderName string  `yaml:"header_name,omitempty"`
}

type basicAuthConfig struct {
	HideCredentials bool   `yaml:"hide_credentials"`
	Realm           string `yaml:"realm,omitempty"`
}

type keyAuthConfig struct {
	KeyNames        []string `yaml:"key_names"`
	KeyInHeader     *bool    `yaml:"key_in_header,omitempty"`
	KeyInQuery      *bool    `yaml:"key_in_query,omitempty"`
	KeyInBody       *bool    `yaml:"key_in_body,omitempty"`
	HideCredentials bool     `yaml:"hide_credentials"`
}

type jwtConfig struct {
	KeyClaimName   string   `yaml:"key_claim_name,omitempty"`
	ClaimsToVerify []string `yaml:"claims_to_verify,omitempty"`
	HeaderNames    []string `yaml:"header_names,omitempty"`
	URIParamNames  []string `yaml:"uri_param_names,omitempty"`
}

type aclConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

type corsConfig struct {
	Origins        []string `yaml:"origins"`
	Methods        []string `yaml:"methods,omitempty"`
	Headers        []string `yaml:"headers,omitempty"`
	ExposedHeaders []string `yaml:"exposed_headers,omitempty"`
	Credentials    bool     `yaml:"credentials"`
	MaxAge         int64    `yaml:"max_age,omitempty"`
}

// transformerConfig is shared by request-transformer, which keeps body
// fields in Body, and response-transformer, which keeps them in JSON.
type transformerConfig struct {
	Remove  *transformOps `yaml:"remove,omitempty"`
	Rename  *transformOps `yaml:"rename,omitempty"`
	Replace *transformOps `yaml:"replace,omitempty"`
	Add     *transformOps `yaml:"add,omitempty"`
	Append  *transformOps `yaml:"append,omitempty"`
}

type transformOps struct {
	Headers     []string `yaml:"headers,omitempty"`
	Body        []string `yaml:"body,omitempty"`
	JSON        []string `yaml:"json,omitempty"`
	Querystring []string `yaml:"querystring,omitempty"`
}

type preFunctionConfig struct {
	Access []string `yaml:"access,omitempty"`
}

type fileLogConfig struct {
	Path   string `yaml:"path"`
	Reopen bool   `yaml:"reopen,omitempty"`
}

type prometheusConfig struct {
	PerConsumer       bool `yaml:"per_consumer,omitempty"`
	StatusCodeMetrics bool `yaml:"status_code_metrics,omitempty"`
}
