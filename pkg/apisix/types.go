package apisix

import (
	"bytes"
	"sort"

	"github.com/jxskiss/gopkg/v2/json"
	"github.com/tidwall/gjson"

	"github.com/jxskiss/gwxlate/pkg/ir"
)

// ConfigFile is the name of the generated file.
const ConfigFile = "apisix.json"

const (
	globalRuleID         = "gwxlate"
	defaultAccessLogPath = "logs/file.log"
	rejectedCode         = 429
	breakResponseCode    = 502
	jwtKeyClaim          = "iss"
	jwtKeyPlaceholder    = "-----BEGIN PUBLIC KEY-----\nprovision from the issuer JWKS\n-----END PUBLIC KEY-----"
)

// Rate limit keys. Header keys are nginx variables "http_<name>".
const (
	keyRemoteAddr   = "remote_addr"
	keyConsumerName = "consumer_name"
	keyServerAddr   = "server_addr"
	headerVarPrefix = "http_"
)

type document struct {
	Routes      []*route      `json:"routes"`
	Upstreams   []*upstream   `json:"upstreams,omitempty"`
	Consumers   []*consumer   `json:"consumers,omitempty"`
	GlobalRules []*globalRule `json:"global_rules,omitempty"`
}

type route struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	URI             string            `json:"uri,omitempty"`
	URIs            []string          `json:"uris,omitempty"`
	Methods         []string          `json:"methods,omitempty"`
	Host            string            `json:"host,omitempty"`
	Hosts           []string          `json:"hosts,omitempty"`
	Vars            [][]any           `json:"vars,omitempty"`
	UpstreamID      string            `json:"upstream_id,omitempty"`
	Upstream        *upstream         `json:"upstream,omitempty"`
	ServiceID       string            `json:"service_id,omitempty"`
	Timeout         *timeout          `json:"timeout,omitempty"`
	EnableWebsocket bool              `json:"enable_websocket,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Plugins         *plugins          `json:"plugins,omitempty"`
}

// timeout values are seconds.
type timeout struct {
	Connect float64 `json:"connect,omitempty"`
	Send    float64 `json:"send,omitempty"`
	Read    float64 `json:"read,omitempty"`
}

type upstream struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"type,omitempty"`
	HashOn       string   `json:"hash_on,omitempty"`
	Key          string   `json:"key,omitempty"`
	Scheme       string   `json:"scheme,omitempty"`
	Nodes        nodes    `json:"nodes"`
	Retries      *int     `json:"retries,omitempty"`
	RetryTimeout float64  `json:"retry_timeout,omitempty"`
	Timeout      *timeout `json:"timeout,omitempty"`
	Checks       *checks  `json:"checks,omitempty"`
}

type node struct {
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Weight int    `json:"weight"`
}

// nodes is written as a list. APISIX also accepts an object mapping
// "host:port" to a weight, which is read back sorted by address.
type nodes []node

func (n *nodes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		var list []node
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*n = list
		return nil
	}
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	addrs := make([]string, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	list := make(nodes, 0, len(m))
	for _, addr := range addrs {
		list = append(list, node{Host: addr, Weight: m[addr]})
	}
	*n = list
	return nil
}

type checks struct {
	Active  *activeCheck  `json:"active,omitempty"`
	Passive *passiveCheck `json:"passive,omitempty"`
}

type activeCheck struct {
	Type      string     `json:"type,omitempty"`
	Timeout   float64    `json:"timeout,omitempty"`
	HTTPPath  string     `json:"http_path,omitempty"`
	Healthy   *healthy   `json:"healthy,omitempty"`
	Unhealthy *unhealthy `json:"unhealthy,omitempty"`
}

type passiveCheck struct {
	Type      string     `json:"type,omitempty"`
	Healthy   *healthy   `json:"healthy,omitempty"`
	Unhealthy *unhealthy `json:"unhealthy,omitempty"`
}

type healthy struct {
	Interval     float64 `json:"interval,omitempty"`
	Successes    int     `json:"successes,omitempty"`
	HTTPStatuses []int   `json:"http_statuses,omitempty"`
}

type unhealthy struct {
	Interval     float64 `json:"interval,omitempty"`
	HTTPFailures int     `json:"http_failures,omitempty"`
	TCPFailures  int     `json:"tcp_failures,omitempty"`
	Timeouts     int     `json:"timeouts,omitempty"`
	HTTPStatuses []int   `json:"http_statuses,omitempty"`
}

type consumer struct {
	Username string           `json:"username"`
	Desc     string           `json:"desc,omitempty"`
	Plugins  *consumerPlugins `json:"plugins,omitempty"`
}

type consumerPlugins struct {
	BasicAuth *basicCred `json:"basic-auth,omitempty"`
	KeyAuth   *keyCred   `json:"key-auth,omitempty"`
	JWTAuth   *jwtCred   `json:"jwt-auth,omitempty"`
}

type basicCred struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type keyCred struct {
	Key string `json:"key"`
}

type jwtCred struct {
	Key       string `json:"key"`
	Algorithm string `json:"algorithm,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

type globalRule struct {
	ID      string   `json:"id"`
	Plugins *plugins `json:"plugins"`
}

// plugins holds the plugins this package reads and writes. Other plugin
// names are found with gjson on the raw object.
type plugins struct {
	LimitReq              *limitReq            `json:"limit-req,omitempty"`
	LimitCount            *limitCount          `json:"limit-count,omitempty"`
	BasicAuth             *authConfig          `json:"basic-auth,omitempty"`
	KeyAuth               *keyAuthConfig       `json:"key-auth,omitempty"`
	JWTAuth               *jwtAuthConfig       `json:"jwt-auth,omitempty"`
	ConsumerRestriction   *consumerRestriction `json:"consumer-restriction,omitempty"`
	CORS                  *corsConfig          `json:"cors,omitempty"`
	ProxyRewrite          *rewriteConfig       `json:"proxy-rewrite,omitempty"`
	ResponseRewrite       *rewriteConfig       `json:"response-rewrite,omitempty"`
	APIBreaker            *apiBreaker          `json:"api-breaker,omitempty"`
	ServerlessPreFunction *serverless          `json:"serverless-pre-function,omitempty"`
	TrafficSplit          *trafficSplit        `json:"traffic-split,omitempty"`
	ProxyMirror           *proxyMirror         `json:"proxy-mirror,omitempty"`
	FileLogger            *fileLogger          `json:"file-logger,omitempty"`
	Prometheus            *prometheus          `json:"prometheus,omitempty"`
}

var knownPlugins = []string{
	"limit-req", "limit-count", "basic-auth", "key-auth", "jwt-auth",
	"consumer-restriction", "cors", "proxy-rewrite", "response-rewrite",
	"api-breaker", "serverless-pre-function", "traffic-split", "proxy-mirror",
	"file-logger", "prometheus",
}

type limitReq struct {
	Rate         float64 `json:"rate"`
	Burst        float64 `json:"burst"`
	KeyType      string  `json:"key_type,omitempty"`
	Key          string  `json:"key"`
	RejectedCode int     `json:"rejected_code,omitempty"`
	NoDelay      bool    `json:"nodelay,omitempty"`
}

type limitCount struct {
	Count      float64 `json:"count"`
	TimeWindow float64 `json:"time_window"`
	KeyType    string  `json:"key_type,omitempty"`
	Key        string  `json:"key,omitempty"`
}

type authConfig struct {
	HideCredentials bool `json:"hide_credentials,omitempty"`
}

type keyAuthConfig struct {
	Header string `json:"header,omitempty"`
	Query  string `json:"query,omitempty"`
}

type jwtAuthConfig struct {
	Header       string `json:"header,omitempty"`
	Query        string `json:"query,omitempty"`
	Cookie       string `json:"cookie,omitempty"`
	KeyClaimName string `json:"key_claim_name,omitempty"`
}

type consumerRestriction struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// corsConfig lists are comma separated strings.
type corsConfig struct {
	AllowOrigins    string `json:"allow_origins,omitempty"`
	AllowMethods    string `json:"allow_methods,omitempty"`
	AllowHeaders    string `json:"allow_headers,omitempty"`
	ExposeHeaders   string `json:"expose_headers,omitempty"`
	MaxAge          int64  `json:"max_age,omitempty"`
	AllowCredential bool   `json:"allow_credential,omitempty"`
}

type rewriteConfig struct {
	Headers *headerOps `json:"headers,omitempty"`
}

type headerOps struct {
	Set    headerMap `json:"set,omitempty"`
	Add    headerMap `json:"add,omitempty"`
	Remove []string  `json:"remove,omitempty"`
}

// headerMap is a JSON object that keeps the order of its keys.
type headerMap []ir.Header

func (m headerMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, h := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(h.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(h.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *headerMap) UnmarshalJSON(data []byte) error {
	var out headerMap
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		out = append(out, ir.Header{Name: key.String(), Value: value.String()})
		return true
	})
	*m = out
	return nil
}

type apiBreaker struct {
	BreakResponseCode int            `json:"break_response_code"`
	MaxBreakerSec     int64          `json:"max_breaker_sec,omitempty"`
	Unhealthy         *breakerHealth `json:"unhealthy,omitempty"`
	Healthy           *breakerHealth `json:"healthy,omitempty"`
}

type breakerHealth struct {
	HTTPStatuses []int `json:"http_statuses,omitempty"`
	Failures     int   `json:"failures,omitempty"`
	Successes    int   `json:"successes,omitempty"`
}

type serverless struct {
	Phase     string   `json:"phase,omitempty"`
	Functions []string `json:"functions"`
}

type trafficSplit struct {
	Rules []*splitRule `json:"rules"`
}

type splitRule struct {
	Match             []*splitMatch       `json:"match,omitempty"`
	WeightedUpstreams []*weightedUpstream `json:"weighted_upstreams"`
}

type splitMatch struct {
	Vars [][]any `json:"vars"`
}

// weightedUpstream without an upstream id sends to the route upstream.
type weightedUpstream struct {
	UpstreamID string `json:"upstream_id,omitempty"`
	Weight     int    `json:"weight"`
}

type proxyMirror struct {
	Host        string  `json:"host"`
	Path        string  `json:"path,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

type fileLogger struct {
	Path string `json:"path"`
}

type prometheus struct {
	PreferName bool `json:"prefer_name,omitempty"`
}
